package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/lumenlabs/voicerag/internal/config"
	"github.com/lumenlabs/voicerag/internal/transcript"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict origins once the client bundle is served from a
		// fixed host.
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Gateway accepts client connections and runs exactly one relay per
// accepted connection, bound to a freshly dialed upstream connection.
type Gateway struct {
	upstreamCfg config.UpstreamConfig
	sessionCfg  SessionConfig
	transcripts transcript.Repository
	logger      *zap.Logger

	mu     sync.Mutex
	relays map[string]*Relay
}

// NewGateway creates a gateway. transcripts may be nil to disable
// conversation persistence.
func NewGateway(upstreamCfg config.UpstreamConfig, sessionCfg SessionConfig, transcripts transcript.Repository, logger *zap.Logger) *Gateway {
	return &Gateway{
		upstreamCfg: upstreamCfg,
		sessionCfg:  sessionCfg,
		transcripts: transcripts,
		logger:      logger,
		relays:      make(map[string]*Relay),
	}
}

// Handle upgrades an authenticated client request and starts its relay.
func (g *Gateway) Handle(c echo.Context, clientID string) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		g.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	dialCtx, cancel := context.WithTimeout(c.Request().Context(), 15*time.Second)
	defer cancel()

	upstreamConn, err := DialUpstream(dialCtx, g.upstreamCfg)
	if err != nil {
		g.logger.Error("Failed to connect upstream", zap.Error(err))
		deadline := time.Now().Add(writeWait)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "upstream unavailable"), deadline)
		conn.Close()
		return nil
	}

	session := NewSession(clientID)
	r := NewRelay(conn, upstreamConn, g.sessionCfg, session, g.transcripts, g.logger)
	r.onClose = func() { g.remove(session.ID) }

	g.mu.Lock()
	g.relays[session.ID] = r
	g.mu.Unlock()

	if err := r.Start(); err != nil {
		g.logger.Error("Failed to start relay", zap.Error(err))
		return nil
	}
	return nil
}

func (g *Gateway) remove(sessionID string) {
	g.mu.Lock()
	delete(g.relays, sessionID)
	g.mu.Unlock()
}

// ActiveSessions reports how many relays are currently running.
func (g *Gateway) ActiveSessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.relays)
}

// Shutdown closes all active relays and waits for them to finish tearing
// down or for the context to expire.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	relays := make([]*Relay, 0, len(g.relays))
	for _, r := range g.relays {
		relays = append(relays, r)
	}
	g.mu.Unlock()

	for _, r := range relays {
		r.Close()
	}
	for _, r := range relays {
		select {
		case <-r.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
