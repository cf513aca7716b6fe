package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lumenlabs/voicerag/internal/transcript"
)

// pendingCall accumulates one in-flight tool call announced by the
// upstream model.
type pendingCall struct {
	itemID string
	callID string
	name   string
	args   strings.Builder
}

// Session tracks the mutable state of one relayed conversation. It is
// owned by exactly one Relay; the mutex only guards against the two pump
// goroutines, never against other sessions.
type Session struct {
	ID        string
	ClientID  string
	StartedAt time.Time

	mu       sync.Mutex
	pending  map[string]*pendingCall // item ID -> in-flight call
	answered map[string]struct{}     // call IDs already responded to
	gate     chan struct{}           // non-nil while a tool call holds the turn
	lines    []transcript.Line
}

// NewSession creates session state for a freshly connected client.
func NewSession(clientID string) *Session {
	return &Session{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		StartedAt: time.Now(),
		pending:   make(map[string]*pendingCall),
		answered:  make(map[string]struct{}),
	}
}

// BeginCall registers a tool call announced by the model. Rejects reuse of
// an item or call identifier.
func (s *Session) BeginCall(itemID, callID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[itemID]; ok {
		return fmt.Errorf("tool call item %s already pending", itemID)
	}
	if _, ok := s.answered[callID]; ok {
		return fmt.Errorf("tool call %s already answered", callID)
	}

	s.pending[itemID] = &pendingCall{itemID: itemID, callID: callID, name: name}
	if s.gate == nil {
		s.gate = make(chan struct{})
	}
	return nil
}

// AppendArguments accumulates streamed argument text for a pending call.
// Unknown items are rejected so an out-of-order delta cannot attach to the
// wrong call.
func (s *Session) AppendArguments(itemID, delta string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.pending[itemID]
	if !ok {
		return fmt.Errorf("arguments delta for unknown tool call item %s", itemID)
	}
	call.args.WriteString(delta)
	return nil
}

// CompleteCall removes a pending call and marks its call ID answered,
// enforcing the exactly-once response invariant. A second completion for
// the same call fails.
func (s *Session) CompleteCall(itemID string) (*pendingCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.pending[itemID]
	if !ok {
		return nil, fmt.Errorf("completion for unknown or already answered tool call item %s", itemID)
	}
	delete(s.pending, itemID)
	s.answered[call.callID] = struct{}{}
	return call, nil
}

// Outstanding reports whether any tool call is still unanswered.
func (s *Session) Outstanding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0
}

// ReleaseTurn reopens the gate once the tool turn has fully completed.
func (s *Session) ReleaseTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
}

// AwaitTurn blocks client-originated upstream forwarding while a tool call
// holds the turn, preserving the protocol ordering guarantee.
func (s *Session) AwaitTurn(ctx context.Context) error {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()

	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecordLine appends one utterance to the session transcript.
func (s *Session) RecordLine(role transcript.Role, content string) {
	if content == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, transcript.Line{
		Timestamp: time.Now(),
		Role:      role,
		Content:   content,
	})
}

// Transcript snapshots the conversation history for persistence.
func (s *Session) Transcript() *transcript.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines := make([]transcript.Line, len(s.lines))
	copy(lines, s.lines)
	return &transcript.Transcript{
		SessionID: s.ID,
		ClientID:  s.ClientID,
		StartedAt: s.StartedAt,
		EndedAt:   time.Now(),
		Lines:     lines,
	}
}
