package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/retentiond/internal/scoring"
	"github.com/stellarlinkco/retentiond/internal/tenant"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestStore(t *testing.T) (*Store, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2024, time.June, 15, 12, 0, 0, 0, time.UTC)}
	s, err := Open(filepath.Join(t.TempDir(), "retention.db"), WithClock(clk.now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clk
}

func seedTenant(t *testing.T, s *Store, id string, connected bool) {
	t.Helper()
	require.NoError(t, s.UpsertTenant(context.Background(), tenant.Tenant{
		ID:        id,
		Name:      "Gym " + id,
		Channel:   tenant.Channel{Kind: tenant.ChannelWhatsApp, ID: "39000" + id + "@s.whatsapp.net"},
		Active:    true,
		Connected: connected,
	}))
}

func TestOpen_ReopenAndSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "retention.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	var version int
	require.NoError(t, s.db.QueryRow(`PRAGMA user_version`).Scan(&version))
	assert.Equal(t, schemaVersion, version)

	for _, table := range []string{"tenants", "clients", "checkins", "conversation_log", "score_snapshots", "action_records"} {
		var n int
		require.NoError(t, s.db.QueryRow(`SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n))
		assert.Equal(t, 1, n, "table %s", table)
	}
}

func TestTenants_ListConnected(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	seedTenant(t, s, "b", true)
	seedTenant(t, s, "a", true)
	seedTenant(t, s, "offline", false)
	require.NoError(t, s.UpsertTenant(ctx, tenant.Tenant{ID: "inactive", Channel: tenant.Channel{ID: "x"}, Active: false, Connected: true}))
	require.NoError(t, s.UpsertTenant(ctx, tenant.Tenant{ID: "unpaired", Active: true, Connected: true}))

	got, err := s.ListConnected(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
	assert.Equal(t, tenant.ChannelWhatsApp, got[0].Channel.Kind)

	require.NoError(t, s.SetConnected(ctx, "offline", true))
	got, err = s.ListConnected(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	assert.ErrorIs(t, s.SetConnected(ctx, "missing", true), ErrNotFound)
	_, err = s.GetTenant(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTenants_ByChannel(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedTenant(t, s, "a", true)
	require.NoError(t, s.UpsertTenant(ctx, tenant.Tenant{
		ID: "tg", Channel: tenant.Channel{Kind: tenant.ChannelTelegram, ID: "39000a@s.whatsapp.net"}, Active: true,
	}))

	got, err := s.TenantByChannel(ctx, tenant.ChannelWhatsApp, "39000a@s.whatsapp.net")
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)

	got, err = s.TenantByChannel(ctx, tenant.ChannelTelegram, "39000a@s.whatsapp.net")
	require.NoError(t, err)
	assert.Equal(t, "tg", got.ID, "kind is part of the lookup")

	_, err = s.TenantByChannel(ctx, tenant.ChannelWhatsApp, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClients(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedTenant(t, s, "a", true)

	require.NoError(t, s.UpsertClient(ctx, tenant.Client{TenantID: "a", Phone: "39222", Name: "Marco"}))
	require.NoError(t, s.UpsertClient(ctx, tenant.Client{TenantID: "a", Phone: "39111", Name: "Giulia"}))
	require.NoError(t, s.UpsertClient(ctx, tenant.Client{TenantID: "a", Phone: "39111", Name: "Giulia Rossi", ChatID: "42"}))

	clients, err := s.Clients(ctx, "a")
	require.NoError(t, err)
	require.Len(t, clients, 2)
	assert.Equal(t, "39111", clients[0].Phone)
	assert.Equal(t, "Giulia Rossi", clients[0].Name)
	assert.Equal(t, "42", clients[0].ChatID)

	_, err = s.GetClient(ctx, "a", "39999")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestActivity_Windows(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	now := clk.t

	require.NoError(t, s.RecordCheckin(ctx, "a", "39111", now.AddDate(0, 0, -61), "old"))
	require.NoError(t, s.RecordCheckin(ctx, "a", "39111", now.AddDate(0, 0, -2), "B"))
	require.NoError(t, s.RecordCheckin(ctx, "a", "39111", now.AddDate(0, 0, -10), "A"))
	require.NoError(t, s.RecordCheckin(ctx, "a", "39222", now.AddDate(0, 0, -1), "A"))

	checkins, err := s.Checkins(ctx, "a", "39111", scoring.CheckinLookbackDays)
	require.NoError(t, err)
	require.Len(t, checkins, 2)
	assert.Equal(t, "A", checkins[0].Label)
	assert.True(t, checkins[0].At.Equal(now.AddDate(0, 0, -10)))
	assert.Equal(t, "B", checkins[1].Label)

	require.NoError(t, s.Append(ctx, ConversationEntry{TenantID: "a", ClientPhone: "39111", Role: RoleUser, Content: "ciao", CreatedAt: now.AddDate(0, 0, -3)}))
	require.NoError(t, s.Append(ctx, ConversationEntry{TenantID: "a", ClientPhone: "39111", Role: RoleAssistant, Content: "ciao!", CreatedAt: now.AddDate(0, 0, -2)}))
	require.NoError(t, s.Append(ctx, ConversationEntry{TenantID: "a", ClientPhone: "39111", Role: RoleUser, Content: "old", CreatedAt: now.AddDate(0, 0, -40)}))

	msgs, err := s.Messages(ctx, "a", "39111", scoring.MessageLookbackDays)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, scoring.Inbound, msgs[0].Direction)
	assert.Equal(t, scoring.Outbound, msgs[1].Direction)
}

func TestConversation_AppendMetadata(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, ConversationEntry{
		TenantID:    "a",
		ClientPhone: "39111",
		Role:        RoleAssistant,
		Content:     "hello",
		Metadata:    map[string]any{"automated": true, "action_type": "comeback_message"},
	}))
	entries, err := s.Conversation(ctx, "a", "39111")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].ID)
	assert.Equal(t, true, entries[0].Metadata["automated"])
	assert.Equal(t, "comeback_message", entries[0].Metadata["action_type"])
}

func TestSnapshots_UpsertAndMotivationWriters(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	level, err := s.PreviousMotivation(ctx, "a", "39111")
	require.NoError(t, err)
	assert.Equal(t, scoring.MotivationMedium, level)

	snap := scoring.Snapshot{
		TenantID:             "a",
		ClientPhone:          "39111",
		ChurnRisk:            0.42,
		EngagementScore:      0.7,
		ConsistencyScore:     0.55,
		MotivationLevel:      scoring.MotivationHigh,
		PreferredDays:        []time.Weekday{time.Monday, time.Thursday},
		PreferredHour:        18,
		AvgCheckinsPerWeek:   2.5,
		DaysSinceLastCheckin: 2,
		DaysSinceLastInbound: 4,
		Checkins30d:          9,
		InboundMessages30d:   6,
		CheckinTrend:         scoring.TrendUp,
		WeeklyHistory:        [4]int{1, 2, 3, 4},
		TuningVersion:        scoring.DefaultTuningVersion,
		ComputedAt:           clk.t,
	}
	require.NoError(t, s.UpsertSnapshot(ctx, snap))

	got, err := s.GetSnapshot(ctx, "a", "39111")
	require.NoError(t, err)
	assert.Equal(t, snap, got)

	// The real-time analyzer overwrites motivation between cycles.
	require.NoError(t, s.SetMotivation(ctx, "a", "39111", scoring.MotivationLow))
	level, err = s.PreviousMotivation(ctx, "a", "39111")
	require.NoError(t, err)
	assert.Equal(t, scoring.MotivationLow, level)

	got, err = s.GetSnapshot(ctx, "a", "39111")
	require.NoError(t, err)
	assert.Equal(t, 0.42, got.ChurnRisk)

	// The next cycle's upsert wins again.
	snap.ChurnRisk = 0.5
	require.NoError(t, s.UpsertSnapshot(ctx, snap))
	level, err = s.PreviousMotivation(ctx, "a", "39111")
	require.NoError(t, err)
	assert.Equal(t, scoring.MotivationHigh, level)

	var rows int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(1) FROM score_snapshots`).Scan(&rows))
	assert.Equal(t, 1, rows)

	// Motivation written before any snapshot creates a row with defaults.
	require.NoError(t, s.SetMotivation(ctx, "a", "39222", scoring.MotivationLow))
	fresh, err := s.GetSnapshot(ctx, "a", "39222")
	require.NoError(t, err)
	assert.Equal(t, scoring.NoCheckinDays, fresh.DaysSinceLastCheckin)
	assert.Equal(t, scoring.MotivationLow, fresh.MotivationLevel)
}

func TestLedger_InsertPendingClaimsKeyOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec := ActionRecord{TenantID: "a", ClientPhone: "39111", ActionKey: "comeback:39111:2024-06-15", ActionType: "comeback_message", Reason: "r", MessageContent: "hi"}
	claimed, err := s.InsertPending(ctx, rec)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.InsertPending(ctx, rec)
	require.NoError(t, err)
	assert.False(t, claimed, "pending key must not be claimed twice")

	// Same key under another tenant is independent.
	other := rec
	other.TenantID = "b"
	claimed, err = s.InsertPending(ctx, other)
	require.NoError(t, err)
	assert.True(t, claimed)

	got, err := s.GetAction(ctx, "a", rec.ActionKey)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.True(t, got.SentAt.IsZero())
}

func TestLedger_StatusTransitions(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	key := "streak:39111:2024-06-15"

	_, err := s.InsertPending(ctx, ActionRecord{TenantID: "a", ClientPhone: "39111", ActionKey: key, ActionType: "streak_recovery", MessageContent: "v1"})
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus(ctx, "a", key, StatusUpdate{Status: StatusFailed, Error: "not connected"}))

	sent, err := s.ExistsSent(ctx, "a", key)
	require.NoError(t, err)
	assert.False(t, sent)

	// A failed key is reclaimed on the next evaluation.
	claimed, err := s.InsertPending(ctx, ActionRecord{TenantID: "a", ClientPhone: "39111", ActionKey: key, ActionType: "streak_recovery", MessageContent: "v2"})
	require.NoError(t, err)
	require.True(t, claimed)

	got, err := s.GetAction(ctx, "a", key)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "v2", got.MessageContent)
	assert.Empty(t, got.Error)

	require.NoError(t, s.UpdateStatus(ctx, "a", key, StatusUpdate{Status: StatusSent, SentAt: clk.t}))
	sent, err = s.ExistsSent(ctx, "a", key)
	require.NoError(t, err)
	assert.True(t, sent)

	claimed, err = s.InsertPending(ctx, ActionRecord{TenantID: "a", ClientPhone: "39111", ActionKey: key, ActionType: "streak_recovery"})
	require.NoError(t, err)
	assert.False(t, claimed, "sent key must not be reclaimed")

	assert.ErrorIs(t, s.UpdateStatus(ctx, "a", "missing", StatusUpdate{Status: StatusSent}), ErrNotFound)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{StatusPending: 0, StatusSent: 1, StatusFailed: 0}, counts)
}

func TestLedger_UpdateStatusStoresContent(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	key := "comeback:39111:2024-06-15"

	_, err := s.InsertPending(ctx, ActionRecord{TenantID: "a", ClientPhone: "39111", ActionKey: key, ActionType: "comeback_message"})
	require.NoError(t, err)
	got, err := s.GetAction(ctx, "a", key)
	require.NoError(t, err)
	assert.Empty(t, got.MessageContent)

	require.NoError(t, s.UpdateStatus(ctx, "a", key, StatusUpdate{Status: StatusSent, SentAt: clk.t, MessageContent: "ci vediamo?"}))
	got, err = s.GetAction(ctx, "a", key)
	require.NoError(t, err)
	assert.Equal(t, "ci vediamo?", got.MessageContent)

	// An empty content leaves the stored text alone.
	require.NoError(t, s.UpdateStatus(ctx, "a", key, StatusUpdate{Status: StatusSent, SentAt: clk.t}))
	got, err = s.GetAction(ctx, "a", key)
	require.NoError(t, err)
	assert.Equal(t, "ci vediamo?", got.MessageContent)
}

func TestLedger_ExistsSentWithin(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	start := clk.t

	key := "progress:39111:2024-06-15"
	_, err := s.InsertPending(ctx, ActionRecord{TenantID: "a", ClientPhone: "39111", ActionKey: key, ActionType: "check_progress"})
	require.NoError(t, err)

	within, err := s.ExistsSentWithin(ctx, "a", "39111", "check_progress", 14)
	require.NoError(t, err)
	assert.False(t, within, "pending records do not count")

	require.NoError(t, s.UpdateStatus(ctx, "a", key, StatusUpdate{Status: StatusSent, SentAt: start}))

	clk.t = start.AddDate(0, 0, 13)
	within, err = s.ExistsSentWithin(ctx, "a", "39111", "check_progress", 14)
	require.NoError(t, err)
	assert.True(t, within)

	within, err = s.ExistsSentWithin(ctx, "a", "39111", "streak_recovery", 14)
	require.NoError(t, err)
	assert.False(t, within)

	clk.t = start.AddDate(0, 0, 15)
	within, err = s.ExistsSentWithin(ctx, "a", "39111", "check_progress", 14)
	require.NoError(t, err)
	assert.False(t, within)
}
