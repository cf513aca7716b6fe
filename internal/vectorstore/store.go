package vectorstore

import (
	"context"
	"errors"
)

// ErrUnavailable indicates the index could not be reached or the query
// failed at the store. Callers degrade to an explicit "no context" tool
// result instead of failing the session.
var ErrUnavailable = errors.New("vector index unavailable")

// DocumentChunk is one retrievable unit of the knowledge base. Chunks are
// written out-of-band by the ingestion pipeline and never mutated by the
// relay; Score is only populated on query results.
type DocumentChunk struct {
	ID        string
	Text      string
	Embedding []float32
	Score     float64
}

// Index abstracts the vector store. Implementations must be safe for
// concurrent queries from multiple sessions.
type Index interface {
	// Query returns up to topK chunks ordered by non-increasing cosine
	// similarity to the given embedding.
	Query(ctx context.Context, embedding []float32, topK int) ([]DocumentChunk, error)
	// Get looks up a single chunk by ID. Returns (nil, nil) when absent.
	Get(ctx context.Context, id string) (*DocumentChunk, error)
}
