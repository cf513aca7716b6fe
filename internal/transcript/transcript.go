package transcript

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Role identifies who produced a transcript line.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Line is one utterance captured from the relayed conversation.
type Line struct {
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
	Role      Role      `bson:"role" json:"role"`
	Content   string    `bson:"content" json:"content"`
}

// Transcript is the conversation history of one relay session, persisted
// when the session closes.
type Transcript struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	SessionID string             `bson:"session_id" json:"session_id"`
	ClientID  string             `bson:"client_id" json:"client_id"`
	StartedAt time.Time          `bson:"started_at" json:"started_at"`
	EndedAt   time.Time          `bson:"ended_at" json:"ended_at"`
	Lines     []Line             `bson:"lines" json:"lines"`
}

// Repository persists transcripts. A nil Repository disables persistence.
type Repository interface {
	Save(ctx context.Context, transcript *Transcript) error
	ListBySessionID(ctx context.Context, sessionID string) ([]Transcript, error)
}
