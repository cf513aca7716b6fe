package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lumenlabs/voicerag/internal/rag"
	"github.com/lumenlabs/voicerag/internal/transcript"
)

const (
	// Time allowed to write a message to either peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the client.
	pongWait = 60 * time.Second

	// Send pings to the client with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from the client.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks

	// Malformed frames are dropped; past this many the session is torn down.
	maxProtocolErrors = 10

	// Upper bound on a single tool call, so a hung index query cannot hold
	// the turn forever.
	toolCallTimeout = 30 * time.Second
)

// unknownToolOutput answers calls to tools that were never registered, so
// the exactly-once response invariant holds even for them.
const unknownToolOutput = "The requested tool is not available."

// SessionConfig is the server-side session configuration. Its fields take
// precedence over anything the client supplies in a session.update frame.
type SessionConfig struct {
	Instructions string
	Voice        string
	Tools        rag.Toolbox
}

// sessionPayload renders the fields injected into every session.update
// sent upstream.
func (c SessionConfig) sessionPayload() map[string]interface{} {
	payload := map[string]interface{}{
		"instructions": c.Instructions,
		"tools":        c.Tools.Declarations(),
		"tool_choice":  "auto",
	}
	if c.Voice != "" {
		payload["voice"] = c.Voice
	}
	return payload
}

// sensitiveSessionFields never reach the client: they carry server-side
// instructions, tool wiring, and upstream credentials.
var sensitiveSessionFields = []string{"instructions", "tools", "tool_choice", "client_secret"}

// WriteData is one queued client-bound websocket write.
type WriteData struct {
	// Type is websocket.TextMessage or websocket.BinaryMessage.
	Type    int
	Payload []byte
}

// Relay owns one realtime session: the client websocket, the upstream
// websocket, and the interception state between them. Frames flow through
// two pumps; upstream tool-call frames are diverted into the toolbox and
// answered with synthetic function_call_output frames.
type Relay struct {
	session     *Session
	client      *websocket.Conn
	upstream    *websocket.Conn
	config      SessionConfig
	transcripts transcript.Repository
	logger      *zap.Logger

	// Buffered channel of client-bound messages.
	send chan WriteData

	// Serializes upstream writes from the client pump and the tool path.
	upstreamMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
	onClose   func()

	protocolErrs atomic.Int32

	// Set when tool output was injected this turn; consumed at
	// response.done to ask the model to resume. Only the upstream pump
	// touches it.
	toolOutputPending bool

	handlers map[Kind]func(*Frame) error
}

// NewRelay wires a relay over an accepted client connection and a freshly
// dialed upstream connection. Call Start to begin forwarding.
func NewRelay(client, upstream *websocket.Conn, cfg SessionConfig, session *Session, transcripts transcript.Repository, logger *zap.Logger) *Relay {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		session:     session,
		client:      client,
		upstream:    upstream,
		config:      cfg,
		transcripts: transcripts,
		logger:      logger.With(zap.String("sessionID", session.ID)),
		send:        make(chan WriteData, 256),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	r.handlers = map[Kind]func(*Frame) error{
		KindSessionCreated:      r.handleSessionFrame,
		KindSessionUpdated:      r.handleSessionFrame,
		KindConversationCreated: r.handleConversationCreated,
		KindOutputItemAdded:     r.handleOutputItemAdded,
		KindCallArgumentsDelta:  r.handleCallArgumentsDelta,
		KindCallArgumentsDone:   r.handleCallArgumentsDone,
		KindOutputItemDone:      r.handleOutputItemDone,
		KindResponseDone:        r.handleResponseDone,
		KindInputTranscription:  r.handleInputTranscription,
		KindOutputTranscription: r.handleOutputTranscription,
	}

	return r
}

// Start injects the server session configuration upstream and launches the
// forwarding pumps. It returns immediately; use Done to observe teardown.
func (r *Relay) Start() error {
	if err := r.sendSessionConfig(); err != nil {
		r.Close()
		return fmt.Errorf("failed to send session configuration: %w", err)
	}

	go r.clientWritePump()
	go r.upstreamReadPump()
	go r.clientReadPump()

	r.logger.Info("Session started", zap.String("clientID", r.session.ClientID))
	return nil
}

// Done is closed once the session has fully torn down.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Close tears the session down: both connections, any in-flight retrieval,
// and the transcript flush. Safe to call from any goroutine; closing an
// already-closed relay is a no-op.
func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		r.cancel()
		r.session.ReleaseTurn()

		deadline := time.Now().Add(writeWait)
		r.client.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"), deadline)
		r.client.Close()
		r.upstream.Close()

		r.persistTranscript()

		if r.onClose != nil {
			r.onClose()
		}
		r.logger.Info("Session closed")
		close(r.done)
	})
}

// sendSessionConfig pushes the server-side instructions and tool
// declarations upstream before any client traffic flows.
func (r *Relay) sendSessionConfig() error {
	payload, err := json.Marshal(map[string]interface{}{
		"type":    "session.update",
		"session": r.config.sessionPayload(),
	})
	if err != nil {
		return err
	}
	return r.writeUpstream(websocket.TextMessage, payload)
}

// clientReadPump forwards client frames upstream. While a tool call holds
// the turn, forwarding waits so the model never receives a new instruction
// with a call outstanding.
func (r *Relay) clientReadPump() {
	defer r.Close()

	r.client.SetReadLimit(maxMessageSize)
	r.client.SetReadDeadline(time.Now().Add(pongWait))
	r.client.SetPongHandler(func(string) error {
		r.client.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := r.client.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				r.logger.Error("Client connection error", zap.Error(err))
			}
			return
		}

		if err := r.session.AwaitTurn(r.ctx); err != nil {
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			// Opaque audio payload, passed through unmodified.
			if err := r.writeUpstream(websocket.BinaryMessage, message); err != nil {
				r.logger.Error("Failed to forward audio upstream", zap.Error(err))
				return
			}
		case websocket.TextMessage:
			frame, err := ParseFrame(message)
			if err != nil {
				r.protocolError("client", err)
				continue
			}

			out := frame.Raw
			if frame.Kind == KindSessionUpdate {
				out, err = r.mergeSessionUpdate(frame.Raw)
				if err != nil {
					r.protocolError("client", err)
					continue
				}
			}

			if err := r.writeUpstream(websocket.TextMessage, out); err != nil {
				r.logger.Error("Failed to forward frame upstream", zap.Error(err))
				return
			}
		default:
			r.logger.Warn("Ignoring unknown websocket message type", zap.Int("type", messageType))
		}
	}
}

// upstreamReadPump dispatches upstream frames through the handler table.
// Kinds without a handler pass through to the client untouched.
func (r *Relay) upstreamReadPump() {
	defer r.Close()

	for {
		messageType, message, err := r.upstream.ReadMessage()
		if err != nil {
			// Upstream loss is fatal to the session, including while a
			// tool call is in flight: the call stays unanswered and the
			// client observes the close.
			if r.ctx.Err() == nil {
				r.logger.Error("Upstream connection lost", zap.Error(err))
			}
			return
		}

		if messageType != websocket.TextMessage {
			r.forwardToClient(messageType, message)
			continue
		}

		frame, err := ParseFrame(message)
		if err != nil {
			r.protocolError("upstream", err)
			continue
		}

		if handler, ok := r.handlers[frame.Kind]; ok {
			if err := handler(frame); err != nil {
				r.protocolError("upstream", err)
			}
			continue
		}

		r.forwardToClient(websocket.TextMessage, frame.Raw)
	}
}

// clientWritePump drains the send channel to the client connection and
// keeps the connection alive with pings.
func (r *Relay) clientWritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		r.Close()
	}()

	for {
		select {
		case message := <-r.send:
			r.client.SetWriteDeadline(time.Now().Add(writeWait))
			if err := r.client.WriteMessage(message.Type, message.Payload); err != nil {
				r.logger.Error("Failed to write to client", zap.Error(err))
				return
			}
		case <-ticker.C:
			r.client.SetWriteDeadline(time.Now().Add(writeWait))
			if err := r.client.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Relay) forwardToClient(messageType int, payload []byte) {
	select {
	case r.send <- WriteData{Type: messageType, Payload: payload}:
	case <-r.ctx.Done():
	}
}

func (r *Relay) writeUpstream(messageType int, payload []byte) error {
	r.upstreamMu.Lock()
	defer r.upstreamMu.Unlock()
	r.upstream.SetWriteDeadline(time.Now().Add(writeWait))
	return r.upstream.WriteMessage(messageType, payload)
}

// protocolError logs and drops a malformed or out-of-sequence frame. The
// session survives until the errors repeat past the threshold.
func (r *Relay) protocolError(leg string, err error) {
	count := r.protocolErrs.Add(1)
	r.logger.Warn("Dropping bad frame",
		zap.String("leg", leg),
		zap.Int32("count", count),
		zap.Error(err))

	if count >= maxProtocolErrors {
		r.logger.Error("Too many protocol errors, closing session")
		r.Close()
	}
}

// mergeSessionUpdate overlays the server session configuration on a
// client-supplied session.update. Server values win on security-sensitive
// fields.
func (r *Relay) mergeSessionUpdate(raw []byte) ([]byte, error) {
	var frame map[string]interface{}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("malformed session.update: %w", err)
	}

	session, _ := frame["session"].(map[string]interface{})
	if session == nil {
		session = make(map[string]interface{})
	}
	for key, value := range r.config.sessionPayload() {
		session[key] = value
	}
	frame["session"] = session

	return json.Marshal(frame)
}

// handleSessionFrame strips server-side configuration from
// session.created/session.updated before it reaches the client.
func (r *Relay) handleSessionFrame(frame *Frame) error {
	var payload map[string]interface{}
	if err := json.Unmarshal(frame.Raw, &payload); err != nil {
		return fmt.Errorf("malformed session frame: %w", err)
	}

	if session, ok := payload["session"].(map[string]interface{}); ok {
		for _, field := range sensitiveSessionFields {
			delete(session, field)
		}
	}

	sanitized, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	r.forwardToClient(websocket.TextMessage, sanitized)
	return nil
}

// handleConversationCreated swallows function-call bookkeeping items; the
// client never sees the tool machinery.
func (r *Relay) handleConversationCreated(frame *Frame) error {
	item, err := decodeOutputItem(frame.Raw)
	if err != nil {
		return err
	}
	if item.Type == "function_call" || item.Type == "function_call_output" {
		return nil
	}
	r.forwardToClient(websocket.TextMessage, frame.Raw)
	return nil
}

// handleOutputItemAdded registers announced tool calls and holds the turn.
func (r *Relay) handleOutputItemAdded(frame *Frame) error {
	item, err := decodeOutputItem(frame.Raw)
	if err != nil {
		return err
	}
	if item.Type != "function_call" {
		r.forwardToClient(websocket.TextMessage, frame.Raw)
		return nil
	}

	if err := r.session.BeginCall(item.ID, item.CallID, item.Name); err != nil {
		return err
	}
	r.logger.Info("Tool call announced",
		zap.String("tool", item.Name),
		zap.String("callID", item.CallID))
	return nil
}

func (r *Relay) handleCallArgumentsDelta(frame *Frame) error {
	var delta callArgumentsDeltaFrame
	if err := json.Unmarshal(frame.Raw, &delta); err != nil {
		return fmt.Errorf("malformed arguments delta: %w", err)
	}
	return r.session.AppendArguments(delta.ItemID, delta.Delta)
}

// handleCallArgumentsDone is swallowed: the deltas already carried the
// full argument text, and the completed item repeats it anyway.
func (r *Relay) handleCallArgumentsDone(*Frame) error {
	return nil
}

// handleOutputItemDone executes a completed tool call and splices the
// result back into the upstream conversation.
func (r *Relay) handleOutputItemDone(frame *Frame) error {
	item, err := decodeOutputItem(frame.Raw)
	if err != nil {
		return err
	}
	if item.Type != "function_call" {
		r.forwardToClient(websocket.TextMessage, frame.Raw)
		return nil
	}

	call, err := r.session.CompleteCall(item.ID)
	if err != nil {
		return err
	}

	args := call.args.String()
	if args == "" {
		args = item.Arguments
	}

	output, ok := r.executeTool(call.name, args)
	if !ok {
		// Session died during the call; write nothing.
		return nil
	}

	response, err := newFunctionCallOutput(call.callID, output)
	if err != nil {
		return err
	}
	if err := r.writeUpstream(websocket.TextMessage, response); err != nil {
		r.logger.Error("Failed to send tool output upstream", zap.Error(err))
		r.Close()
		return nil
	}
	r.toolOutputPending = true

	r.logger.Info("Tool call answered",
		zap.String("tool", call.name),
		zap.String("callID", call.callID),
		zap.Int("outputChars", len(output)))
	return nil
}

// executeTool runs one tool call. Failures degrade to a valid tool output
// so the turn always completes; only session cancellation suppresses the
// response entirely.
func (r *Relay) executeTool(name, args string) (string, bool) {
	tool, ok := r.config.Tools[name]
	if !ok {
		r.logger.Warn("Model called unregistered tool", zap.String("tool", name))
		return unknownToolOutput, r.ctx.Err() == nil
	}

	ctx, cancel := context.WithTimeout(r.ctx, toolCallTimeout)
	defer cancel()

	output, err := tool.Handler(ctx, json.RawMessage(args))
	if r.ctx.Err() != nil {
		return "", false
	}
	if err != nil {
		r.logger.Warn("Tool call failed, sending degraded output",
			zap.String("tool", name),
			zap.Error(err))
		return rag.UnavailableMarker, true
	}
	return output, true
}

// handleResponseDone scrubs tool-call items from the completed response,
// forwards it, and resumes generation if tool output was injected this
// turn.
func (r *Relay) handleResponseDone(frame *Frame) error {
	var payload map[string]interface{}
	if err := json.Unmarshal(frame.Raw, &payload); err != nil {
		return fmt.Errorf("malformed response.done: %w", err)
	}

	if response, ok := payload["response"].(map[string]interface{}); ok {
		if output, ok := response["output"].([]interface{}); ok {
			kept := make([]interface{}, 0, len(output))
			for _, entry := range output {
				if item, ok := entry.(map[string]interface{}); ok {
					if t, _ := item["type"].(string); t == "function_call" || t == "function_call_output" {
						continue
					}
				}
				kept = append(kept, entry)
			}
			response["output"] = kept
		}
	}

	scrubbed, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	r.forwardToClient(websocket.TextMessage, scrubbed)

	if r.toolOutputPending {
		r.toolOutputPending = false
		if err := r.writeUpstream(websocket.TextMessage, newResponseCreate()); err != nil {
			r.logger.Error("Failed to resume generation", zap.Error(err))
			r.Close()
			return nil
		}
	}

	r.session.ReleaseTurn()
	return nil
}

func (r *Relay) handleInputTranscription(frame *Frame) error {
	var payload inputTranscriptionFrame
	if err := json.Unmarshal(frame.Raw, &payload); err != nil {
		return fmt.Errorf("malformed input transcription: %w", err)
	}
	r.session.RecordLine(transcript.RoleUser, payload.Transcript)
	r.forwardToClient(websocket.TextMessage, frame.Raw)
	return nil
}

func (r *Relay) handleOutputTranscription(frame *Frame) error {
	var payload outputTranscriptionFrame
	if err := json.Unmarshal(frame.Raw, &payload); err != nil {
		return fmt.Errorf("malformed output transcription: %w", err)
	}
	r.session.RecordLine(transcript.RoleAssistant, payload.Transcript)
	r.forwardToClient(websocket.TextMessage, frame.Raw)
	return nil
}

// persistTranscript flushes the conversation history on close. Best
// effort: persistence failures are logged, not surfaced.
func (r *Relay) persistTranscript() {
	t := r.session.Transcript()
	if r.transcripts == nil || len(t.Lines) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.transcripts.Save(ctx, t); err != nil {
		r.logger.Error("Failed to persist transcript", zap.Error(err))
		return
	}
	r.logger.Info("Transcript persisted", zap.Int("lines", len(t.Lines)))
}
