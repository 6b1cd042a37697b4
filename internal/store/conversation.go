package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ConversationEntry is one message in a client's chat history.
type ConversationEntry struct {
	ID          string
	TenantID    string
	ClientPhone string
	Role        string
	Content     string
	Metadata    map[string]any
	CreatedAt   time.Time
}

// Append adds an entry to the conversation log. CreatedAt defaults to now.
func (s *Store) Append(ctx context.Context, e ConversationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	created := s.timestamp()
	if !e.CreatedAt.IsZero() {
		created = formatTime(e.CreatedAt)
	}
	meta := []byte("{}")
	if len(e.Metadata) > 0 {
		var err error
		meta, err = json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal conversation metadata: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_log (id, tenant_id, client_phone, role, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.TenantID, e.ClientPhone, e.Role, e.Content, string(meta), created)
	if err != nil {
		return fmt.Errorf("append conversation: %w", err)
	}
	return nil
}

// Conversation returns the full history for a client, oldest first.
func (s *Store) Conversation(ctx context.Context, tenantID, phone string) ([]ConversationEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, client_phone, role, content, metadata, created_at
		FROM conversation_log
		WHERE tenant_id = ? AND client_phone = ?
		ORDER BY created_at ASC
	`, tenantID, phone)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	defer rows.Close()

	var out []ConversationEntry
	for rows.Next() {
		var e ConversationEntry
		var meta, created string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ClientPhone, &e.Role, &e.Content, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode conversation metadata: %w", err)
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation: %w", err)
	}
	return out, nil
}
