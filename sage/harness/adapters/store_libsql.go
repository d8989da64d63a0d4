package adapters

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	ports "github.com/ZanzyTHEbar/csvsage/sage/harness/ports"
)

// LibSQLConversationStore implements ConversationStore on the migrated libsql schema.
type LibSQLConversationStore struct {
	db *sql.DB
}

// NewLibSQLConversationStore creates a new LibSQL conversation store.
func NewLibSQLConversationStore(db *sql.DB) *LibSQLConversationStore {
	return &LibSQLConversationStore{db: db}
}

// SaveTurn appends a turn to the conversation.
func (s *LibSQLConversationStore) SaveTurn(ctx context.Context, conversationID string, turn ports.Turn) error {
	createdAt := turn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO conversation_turns (conversation_id, role, content, created_at)
		VALUES (?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, conversationID, turn.Role, turn.Content, createdAt.UnixNano()); err != nil {
		return fmt.Errorf("failed to save turn: %w", err)
	}
	return nil
}

// LoadContext loads the last k turns for a conversation, or all of them when k <= 0.
func (s *LibSQLConversationStore) LoadContext(ctx context.Context, conversationID string, k int) ([]ports.Turn, error) {
	query := `
		SELECT role, content, created_at FROM conversation_turns
		WHERE conversation_id = ?
		ORDER BY id DESC
		LIMIT ?
	`
	limit := k
	if limit <= 0 {
		limit = -1 // no limit
	}

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []ports.Turn
	for rows.Next() {
		var (
			turn  ports.Turn
			nanos int64
		)
		if err := rows.Scan(&turn.Role, &turn.Content, &nanos); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		turn.CreatedAt = time.Unix(0, nanos)
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating turns: %w", err)
	}

	// Reverse to get chronological order (oldest first)
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// AppendToolArtifact records a tool result produced during a query.
func (s *LibSQLConversationStore) AppendToolArtifact(ctx context.Context, conversationID, name string, payload []byte) error {
	query := `
		INSERT INTO tool_artifacts (conversation_id, tool_name, payload, created_at)
		VALUES (?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, conversationID, name, string(payload), time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to save tool artifact: %w", err)
	}
	return nil
}

// ToolArtifact is a recorded tool result.
type ToolArtifact struct {
	Name      string
	Payload   string
	CreatedAt time.Time
}

// ToolArtifacts lists the recorded tool results of a conversation, oldest first.
func (s *LibSQLConversationStore) ToolArtifacts(ctx context.Context, conversationID string) ([]ToolArtifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_name, payload, created_at FROM tool_artifacts
		WHERE conversation_id = ?
		ORDER BY id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool artifacts: %w", err)
	}
	defer rows.Close()

	var out []ToolArtifact
	for rows.Next() {
		var (
			a     ToolArtifact
			nanos int64
		)
		if err := rows.Scan(&a.Name, &a.Payload, &nanos); err != nil {
			return nil, fmt.Errorf("failed to scan tool artifact: %w", err)
		}
		a.CreatedAt = time.Unix(0, nanos)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Ensure LibSQLConversationStore implements the ConversationStore interface.
var _ ports.ConversationStore = (*LibSQLConversationStore)(nil)
