package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lumenlabs/voicerag/internal/vectorstore"
)

var searchParameters = json.RawMessage(`{
	"type": "object",
	"properties": {
		"query": {
			"type": "string",
			"description": "Search query"
		}
	},
	"required": ["query"]
}`)

// NewSearchTool builds the "search" tool the model calls to ground its
// answers. Results are formatted as the chunk ID in square brackets, the
// chunk text, and a '-----' separator line per result.
func NewSearchTool(retriever *Retriever, logger *zap.Logger) Tool {
	return Tool{
		Name: "search",
		Description: "Search the knowledge base. The knowledge base is in English, translate to and from English if " +
			"needed. Results are formatted as a source name first in square brackets, followed by the text " +
			"content, and a line with '-----' at the end of each result.",
		Parameters: searchParameters,
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var params struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return "", fmt.Errorf("invalid search arguments: %w", err)
			}
			if params.Query == "" {
				return "", errors.New("search arguments missing query")
			}

			logger.Info("Searching knowledge base", zap.String("query", params.Query))

			result, err := retriever.Retrieve(ctx, params.Query)
			if errors.Is(err, vectorstore.ErrUnavailable) {
				// Degraded, not fatal: the model answers without grounding.
				logger.Warn("Retrieval unavailable", zap.Error(err))
				return UnavailableMarker, nil
			}
			if err != nil {
				return "", err
			}

			logger.Info("Retrieved context",
				zap.Int("chunks", len(result.Chunks)),
				zap.Int("contextChars", len(result.Context)))

			return result.Context, nil
		},
	}
}
