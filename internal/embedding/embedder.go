package embedding

import "context"

// Embedder abstracts the external embedding service used to vectorize
// query text before a similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
