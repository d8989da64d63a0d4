package harnessports

import (
	"context"
	"time"
)

// Turn is one persisted conversation turn.
type Turn struct {
	Role      string    // "user" | "assistant"
	Content   string
	CreatedAt time.Time
}

// ConversationStore persists conversation turns and tool artifacts per session.
type ConversationStore interface {
	SaveTurn(ctx context.Context, conversationID string, turn Turn) error
	// LoadContext returns the last k turns oldest first, or every turn when k <= 0.
	LoadContext(ctx context.Context, conversationID string, k int) ([]Turn, error)
	AppendToolArtifact(ctx context.Context, conversationID, name string, payload []byte) error
}
