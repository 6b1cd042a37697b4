package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action statuses.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// ActionRecord is one row of the audit and dedup ledger.
type ActionRecord struct {
	ID             string
	TenantID       string
	ClientPhone    string
	ActionKey      string
	ActionType     string
	Reason         string
	MessageContent string
	Status         string
	Error          string
	Attempts       int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	SentAt         time.Time
}

// StatusUpdate moves a record out of pending.
// An empty MessageContent keeps the stored text.
type StatusUpdate struct {
	Status         string
	Error          string
	SentAt         time.Time
	MessageContent string
}

// InsertPending claims an action key for this tenant. It reports false when the
// key is already pending or sent. A failed key is reclaimed and its attempt
// counter incremented, so a later cycle can retry it.
func (s *Store) InsertPending(ctx context.Context, rec ActionRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := s.timestamp()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO action_records (
			id, tenant_id, client_phone, action_key, action_type, reason, message_content,
			status, error, attempts, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', '', 1, ?, ?)
		ON CONFLICT(tenant_id, action_key) DO UPDATE SET
			action_type = excluded.action_type,
			reason = excluded.reason,
			message_content = excluded.message_content,
			status = 'pending',
			error = '',
			attempts = action_records.attempts + 1,
			updated_at = excluded.updated_at
		WHERE action_records.status = 'failed'
	`, rec.ID, rec.TenantID, rec.ClientPhone, rec.ActionKey, rec.ActionType, rec.Reason, rec.MessageContent, now, now)
	if err != nil {
		return false, fmt.Errorf("insert pending action: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert pending rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *Store) UpdateStatus(ctx context.Context, tenantID, actionKey string, u StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sentAt any
	if !u.SentAt.IsZero() {
		sentAt = formatTime(u.SentAt)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE action_records
		SET status = ?, error = ?, sent_at = COALESCE(?, sent_at),
			message_content = COALESCE(NULLIF(?, ''), message_content), updated_at = ?
		WHERE tenant_id = ? AND action_key = ?
	`, u.Status, u.Error, sentAt, u.MessageContent, s.timestamp(), tenantID, actionKey)
	if err != nil {
		return fmt.Errorf("update action status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("action %s: %w", actionKey, ErrNotFound)
	}
	return nil
}

// ExistsSent reports whether the exact key was already delivered for the tenant.
func (s *Store) ExistsSent(ctx context.Context, tenantID, actionKey string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM action_records
		WHERE tenant_id = ? AND action_key = ? AND status = 'sent'
		LIMIT 1
	`, tenantID, actionKey).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check sent action: %w", err)
	}
	return true, nil
}

// ExistsSentWithin reports whether an action of the given type reached the client
// in the trailing window of days.
func (s *Store) ExistsSentWithin(ctx context.Context, tenantID, phone, actionType string, days int) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM action_records
		WHERE tenant_id = ? AND client_phone = ? AND action_type = ?
			AND status = 'sent' AND sent_at >= ?
		LIMIT 1
	`, tenantID, phone, actionType, s.windowStart(days)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check sent action window: %w", err)
	}
	return true, nil
}

func (s *Store) GetAction(ctx context.Context, tenantID, actionKey string) (ActionRecord, error) {
	var r ActionRecord
	var created, updated string
	var sent sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, client_phone, action_key, action_type, reason, message_content,
			status, error, attempts, created_at, updated_at, sent_at
		FROM action_records WHERE tenant_id = ? AND action_key = ?
	`, tenantID, actionKey).Scan(
		&r.ID, &r.TenantID, &r.ClientPhone, &r.ActionKey, &r.ActionType, &r.Reason, &r.MessageContent,
		&r.Status, &r.Error, &r.Attempts, &created, &updated, &sent,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("action %s: %w", actionKey, ErrNotFound)
	}
	if err != nil {
		return r, fmt.Errorf("get action: %w", err)
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return r, err
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return r, err
	}
	if r.SentAt, err = parseTime(sent.String); err != nil {
		return r, err
	}
	return r, nil
}

// CountByStatus summarizes the ledger for status reporting.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM action_records GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count actions: %w", err)
	}
	defer rows.Close()

	out := map[string]int{StatusPending: 0, StatusSent: 0, StatusFailed: 0}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan action count: %w", err)
		}
		out[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate action counts: %w", err)
	}
	return out, nil
}
