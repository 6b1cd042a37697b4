package store

import (
	"context"
	"fmt"
	"time"

	"github.com/stellarlinkco/retentiond/internal/scoring"
)

// RecordCheckin appends a check-in. Check-ins are never updated or deleted.
func (s *Store) RecordCheckin(ctx context.Context, tenantID, phone string, at time.Time, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkins (tenant_id, client_phone, checked_in_at, label) VALUES (?, ?, ?, ?)
	`, tenantID, phone, formatTime(at), label)
	if err != nil {
		return fmt.Errorf("record checkin: %w", err)
	}
	return nil
}

// Checkins returns the client's check-ins inside the trailing window, oldest first.
func (s *Store) Checkins(ctx context.Context, tenantID, phone string, windowDays int) ([]scoring.Checkin, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT checked_in_at, label FROM checkins
		WHERE tenant_id = ? AND client_phone = ? AND checked_in_at >= ?
		ORDER BY checked_in_at ASC, id ASC
	`, tenantID, phone, s.windowStart(windowDays))
	if err != nil {
		return nil, fmt.Errorf("query checkins: %w", err)
	}
	defer rows.Close()

	var out []scoring.Checkin
	for rows.Next() {
		var raw, label string
		if err := rows.Scan(&raw, &label); err != nil {
			return nil, fmt.Errorf("scan checkin: %w", err)
		}
		at, err := parseTime(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, scoring.Checkin{At: at, Label: label})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkins: %w", err)
	}
	return out, nil
}

// Messages returns the client's conversation messages inside the trailing window,
// oldest first. Client-authored entries are inbound, everything else outbound.
func (s *Store) Messages(ctx context.Context, tenantID, phone string, windowDays int) ([]scoring.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT created_at, role FROM conversation_log
		WHERE tenant_id = ? AND client_phone = ? AND created_at >= ?
		ORDER BY created_at ASC
	`, tenantID, phone, s.windowStart(windowDays))
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []scoring.Message
	for rows.Next() {
		var raw, role string
		if err := rows.Scan(&raw, &role); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		at, err := parseTime(raw)
		if err != nil {
			return nil, err
		}
		dir := scoring.Outbound
		if role == RoleUser {
			dir = scoring.Inbound
		}
		out = append(out, scoring.Message{At: at, Direction: dir})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}
