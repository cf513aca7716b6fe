package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/lumenlabs/voicerag/internal/vectorstore"
)

var groundingParameters = json.RawMessage(`{
	"type": "object",
	"properties": {
		"sources": {
			"type": "array",
			"items": {
				"type": "string"
			},
			"description": "List of source names that were used."
		}
	},
	"required": ["sources"]
}`)

var sourceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_=\-]+$`)

const groundingExcerptChars = 200

// NewGroundingTool builds the "report_grounding" tool the model calls to
// cite the knowledge base sources it used in an answer.
func NewGroundingTool(index vectorstore.Index, logger *zap.Logger) Tool {
	return Tool{
		Name: "report_grounding",
		Description: "Report use of a source from the knowledge base as part of an answer (effectively, cite the source). " +
			"Sources appear in square brackets before each knowledge base passage. Always use this tool to cite sources " +
			"when responding with information from the knowledge base.",
		Parameters: groundingParameters,
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var params struct {
				Sources []string `json:"sources"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return "", fmt.Errorf("invalid grounding arguments: %w", err)
			}

			valid := make([]string, 0, len(params.Sources))
			for _, s := range params.Sources {
				if sourceNamePattern.MatchString(s) {
					valid = append(valid, s)
				}
			}
			logger.Info("Grounding sources reported", zap.Strings("sources", valid))

			var sb strings.Builder
			for _, source := range valid {
				chunk, err := index.Get(ctx, source)
				if err != nil {
					logger.Warn("Failed to fetch grounding source",
						zap.String("source", source),
						zap.Error(err))
					continue
				}
				if chunk == nil {
					continue
				}

				excerpt := chunk.Text
				if len(excerpt) > groundingExcerptChars {
					excerpt = excerpt[:groundingExcerptChars] + "..."
				}
				fmt.Fprintf(&sb, "[%s]: %s\n-----\n", chunk.ID, excerpt)
			}

			if strings.TrimSpace(sb.String()) == "" {
				return EmptyContextMarker, nil
			}
			return strings.TrimSpace(sb.String()), nil
		},
	}
}
