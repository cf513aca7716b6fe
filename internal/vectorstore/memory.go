package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// MemoryIndex is an in-process Index backed by a slice. It exists for
// development without a Postgres instance and for tests. Ties on similarity
// are broken by insertion order.
type MemoryIndex struct {
	mu         sync.RWMutex
	dimensions int
	chunks     []DocumentChunk
}

// NewMemoryIndex creates an empty in-memory index for vectors of the given
// dimensionality.
func NewMemoryIndex(dimensions int) *MemoryIndex {
	return &MemoryIndex{dimensions: dimensions}
}

// Add stores a chunk. Ingestion happens before sessions start, but Add is
// still safe to call concurrently with Query.
func (m *MemoryIndex) Add(chunk DocumentChunk) error {
	if len(chunk.Embedding) != m.dimensions {
		return fmt.Errorf("embedding has %d dimensions, index expects %d", len(chunk.Embedding), m.dimensions)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = append(m.chunks, chunk)
	return nil
}

// Query implements Index.
func (m *MemoryIndex) Query(ctx context.Context, embedding []float32, topK int) ([]DocumentChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(embedding) != m.dimensions {
		return nil, fmt.Errorf("query embedding has %d dimensions, index expects %d", len(embedding), m.dimensions)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	scored := make([]DocumentChunk, 0, len(m.chunks))
	for _, chunk := range m.chunks {
		c := chunk
		c.Score = CosineSimilarity(embedding, chunk.Embedding)
		scored = append(scored, c)
	}

	// SliceStable keeps insertion order for equal scores.
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if topK < len(scored) {
		scored = scored[:topK]
	}
	return scored, nil
}

// Get implements Index.
func (m *MemoryIndex) Get(ctx context.Context, id string) (*DocumentChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, chunk := range m.chunks {
		if chunk.ID == id {
			c := chunk
			return &c, nil
		}
	}
	return nil, nil
}

// CosineSimilarity returns the cosine of the angle between two vectors.
// Zero vectors yield a similarity of 0.
func CosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
