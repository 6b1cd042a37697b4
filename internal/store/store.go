// Package store persists tenants, activity, score snapshots, the action ledger and
// the conversation log in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

var ErrNotFound = errors.New("not found")

type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the clock used for windows and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func Open(dbPath string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := "file:" + filepath.Clean(dbPath) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			channel_kind TEXT NOT NULL DEFAULT 'whatsapp',
			channel_id TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			connected INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS clients (
			tenant_id TEXT NOT NULL REFERENCES tenants(id),
			phone TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			chat_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			PRIMARY KEY (tenant_id, phone)
		)`,
		`CREATE TABLE IF NOT EXISTS checkins (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id TEXT NOT NULL,
			client_phone TEXT NOT NULL,
			checked_in_at TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkins_client ON checkins(tenant_id, client_phone, checked_in_at)`,
		`CREATE TABLE IF NOT EXISTS conversation_log (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			client_phone TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_client ON conversation_log(tenant_id, client_phone, created_at)`,
		`CREATE TABLE IF NOT EXISTS score_snapshots (
			tenant_id TEXT NOT NULL,
			client_phone TEXT NOT NULL,
			churn_risk REAL NOT NULL DEFAULT 0,
			engagement_score REAL NOT NULL DEFAULT 0,
			consistency_score REAL NOT NULL DEFAULT 0,
			motivation_level TEXT NOT NULL DEFAULT 'medium',
			preferred_days TEXT NOT NULL DEFAULT '[]',
			preferred_hour INTEGER NOT NULL DEFAULT -1,
			avg_checkins_per_week REAL NOT NULL DEFAULT 0,
			days_since_last_checkin INTEGER NOT NULL DEFAULT 999,
			days_since_last_inbound INTEGER NOT NULL DEFAULT 999,
			checkins_30d INTEGER NOT NULL DEFAULT 0,
			inbound_messages_30d INTEGER NOT NULL DEFAULT 0,
			checkin_trend TEXT NOT NULL DEFAULT 'stable',
			weekly_history TEXT NOT NULL DEFAULT '[0,0,0,0]',
			tuning_version TEXT NOT NULL DEFAULT '',
			computed_at TEXT NOT NULL DEFAULT '',
			motivation_updated_at TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (tenant_id, client_phone)
		)`,
		`CREATE TABLE IF NOT EXISTS action_records (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			client_phone TEXT NOT NULL,
			action_key TEXT NOT NULL,
			action_type TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			message_content TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			sent_at TEXT,
			UNIQUE (tenant_id, action_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_window ON action_records(tenant_id, client_phone, action_type, status, sent_at)`,
		fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion),
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) timestamp() string {
	return formatTime(s.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t, nil
}

// windowStart is the oldest timestamp inside a trailing window of days.
func (s *Store) windowStart(days int) string {
	return formatTime(s.now().Add(-time.Duration(days) * 24 * time.Hour))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
