// Package conversation keeps the ordered, append-only transcript of a session.
package conversation

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	ports "github.com/ZanzyTHEbar/csvsage/sage/harness/ports"
)

// Role is the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one submitted message.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Log is safe for concurrent use. Appending is the only way to change it.
type Log struct {
	mu     sync.RWMutex
	id     string
	turns  []Turn
	store  ports.ConversationStore
	logger zerolog.Logger
	now    func() time.Time
}

type Option func(*Log)

// WithStore mirrors every append into store under the log's id.
func WithStore(store ports.ConversationStore) Option {
	return func(l *Log) { l.store = store }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// New returns an empty log identified by id.
func New(id string, opts ...Option) *Log {
	l := &Log{id: id, logger: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Restore rebuilds the log for id from store, keeping the store attached. Turns with roles
// other than user and assistant are skipped.
func Restore(ctx context.Context, id string, store ports.ConversationStore, opts ...Option) (*Log, error) {
	saved, err := store.LoadContext(ctx, id, 0)
	if err != nil {
		return nil, fmt.Errorf("restore conversation %s: %w", id, err)
	}
	l := New(id, append(opts, WithStore(store))...)
	for _, t := range saved {
		role := Role(t.Role)
		if role != RoleUser && role != RoleAssistant {
			continue
		}
		l.turns = append(l.turns, Turn{Role: role, Content: t.Content, CreatedAt: t.CreatedAt})
	}
	return l, nil
}

func (l *Log) ID() string { return l.id }

// Append adds a turn at the end of the log. A failure to persist is logged and does not
// undo the in-memory append.
func (l *Log) Append(ctx context.Context, role Role, content string) Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	turn := Turn{Role: role, Content: content, CreatedAt: l.now()}
	l.turns = append(l.turns, turn)

	// Saved under the lock so the store sees turns in log order.
	if l.store != nil {
		err := l.store.SaveTurn(ctx, l.id, ports.Turn{Role: string(role), Content: content, CreatedAt: turn.CreatedAt})
		if err != nil {
			l.logger.Warn().Err(err).Str("conversation_id", l.id).Msg("failed to persist turn")
		}
	}
	return turn
}

// Snapshot returns an independent copy of the turns in submission order.
func (l *Log) Snapshot() []Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.turns)
}

// Render writes the transcript as plain text, one "role: content" block per turn.
func (l *Log) Render(w io.Writer) error {
	for _, t := range l.Snapshot() {
		if _, err := fmt.Fprintf(w, "%s: %s\n", t.Role, t.Content); err != nil {
			return err
		}
	}
	return nil
}
