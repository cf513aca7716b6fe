package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lumenlabs/voicerag/internal/embedding"
	"github.com/lumenlabs/voicerag/internal/vectorstore"
)

const (
	// EmptyContextMarker is returned when no chunk clears the similarity
	// threshold. A normal outcome, not an error.
	EmptyContextMarker = "No relevant information was found in the knowledge base."

	// UnavailableMarker is the degraded tool output when the index cannot
	// be reached. The session stays open; the answer simply lacks grounding.
	UnavailableMarker = "The knowledge base is currently unavailable. Answer from general knowledge and say so."
)

// Result is the outcome of one retrieval. Ephemeral: built per tool call
// and discarded after injection.
type Result struct {
	Chunks  []vectorstore.DocumentChunk
	Context string
}

// Empty reports whether no chunk satisfied the similarity threshold.
func (r *Result) Empty() bool {
	return len(r.Chunks) == 0
}

// Retriever turns query text into a bounded context block via the
// embedding service and the vector index. Safe for concurrent use across
// sessions; it holds no per-call state.
type Retriever struct {
	embedder        embedding.Embedder
	index           vectorstore.Index
	topK            int
	maxContextChars int
	minScore        float64
	logger          *zap.Logger
}

// NewRetriever wires the retrieval tool's collaborators. maxContextChars
// bounds the serialized context; minScore filters low-similarity chunks
// (0 disables the filter for similarity metrics that stay positive).
func NewRetriever(embedder embedding.Embedder, index vectorstore.Index, topK, maxContextChars int, minScore float64, logger *zap.Logger) *Retriever {
	return &Retriever{
		embedder:        embedder,
		index:           index,
		topK:            topK,
		maxContextChars: maxContextChars,
		minScore:        minScore,
		logger:          logger,
	}
}

// Retrieve performs a single retrieval attempt. No retries: a transient
// failure becomes a degraded-but-valid tool response at the call site.
// Returns vectorstore.ErrUnavailable (wrapped) when the index or the
// embedding service cannot serve the query.
func (r *Retriever) Retrieve(ctx context.Context, query string) (*Result, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", vectorstore.ErrUnavailable, err)
	}

	chunks, err := r.index.Query(ctx, vec, r.topK)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, vectorstore.ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", vectorstore.ErrUnavailable, err)
	}

	kept := make([]vectorstore.DocumentChunk, 0, len(chunks))
	for _, chunk := range chunks {
		if chunk.Score < r.minScore {
			continue
		}
		kept = append(kept, chunk)
	}

	if len(kept) == 0 {
		return &Result{Context: EmptyContextMarker}, nil
	}

	result := &Result{}
	var sb strings.Builder
	for _, chunk := range kept {
		block := fmt.Sprintf("[%s]: %s\n-----\n", chunk.ID, chunk.Text)
		if sb.Len()+len(block) > r.maxContextChars {
			if sb.Len() == 0 {
				// The highest-ranked chunk alone busts the budget:
				// truncate it rather than returning nothing.
				sb.WriteString(block[:r.maxContextChars])
				result.Chunks = append(result.Chunks, chunk)
			}
			break
		}
		sb.WriteString(block)
		result.Chunks = append(result.Chunks, chunk)
	}

	result.Context = sb.String()
	return result, nil
}
