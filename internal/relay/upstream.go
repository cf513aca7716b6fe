package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/lumenlabs/voicerag/internal/config"
)

// apiVersion pins the realtime protocol revision spoken upstream.
const apiVersion = "2024-10-01-preview"

// DialUpstream opens the realtime websocket for one session. The endpoint
// may be given as http(s) or ws(s); http schemes are rewritten.
func DialUpstream(ctx context.Context, cfg config.UpstreamConfig) (*websocket.Conn, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream endpoint: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/openai/realtime"
	}

	query := u.Query()
	if query.Get("api-version") == "" {
		query.Set("api-version", apiVersion)
	}
	if cfg.Deployment != "" {
		query.Set("deployment", cfg.Deployment)
	}
	u.RawQuery = query.Encode()

	header := http.Header{}
	header.Set("api-key", cfg.APIKey)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial upstream (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("failed to dial upstream: %w", err)
	}
	return conn, nil
}
