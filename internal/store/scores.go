package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stellarlinkco/retentiond/internal/scoring"
)

// UpsertSnapshot replaces the client's live snapshot, motivation included.
func (s *Store) UpsertSnapshot(ctx context.Context, snap scoring.Snapshot) error {
	days, err := json.Marshal(weekdaysToInts(snap.PreferredDays))
	if err != nil {
		return fmt.Errorf("marshal preferred days: %w", err)
	}
	weekly, err := json.Marshal(snap.WeeklyHistory)
	if err != nil {
		return fmt.Errorf("marshal weekly history: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.timestamp()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO score_snapshots (
			tenant_id, client_phone, churn_risk, engagement_score, consistency_score,
			motivation_level, preferred_days, preferred_hour, avg_checkins_per_week,
			days_since_last_checkin, days_since_last_inbound, checkins_30d, inbound_messages_30d,
			checkin_trend, weekly_history, tuning_version, computed_at, motivation_updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, client_phone) DO UPDATE SET
			churn_risk = excluded.churn_risk,
			engagement_score = excluded.engagement_score,
			consistency_score = excluded.consistency_score,
			motivation_level = excluded.motivation_level,
			preferred_days = excluded.preferred_days,
			preferred_hour = excluded.preferred_hour,
			avg_checkins_per_week = excluded.avg_checkins_per_week,
			days_since_last_checkin = excluded.days_since_last_checkin,
			days_since_last_inbound = excluded.days_since_last_inbound,
			checkins_30d = excluded.checkins_30d,
			inbound_messages_30d = excluded.inbound_messages_30d,
			checkin_trend = excluded.checkin_trend,
			weekly_history = excluded.weekly_history,
			tuning_version = excluded.tuning_version,
			computed_at = excluded.computed_at,
			motivation_updated_at = excluded.motivation_updated_at
	`,
		snap.TenantID, snap.ClientPhone, snap.ChurnRisk, snap.EngagementScore, snap.ConsistencyScore,
		string(snap.MotivationLevel), string(days), snap.PreferredHour, snap.AvgCheckinsPerWeek,
		snap.DaysSinceLastCheckin, snap.DaysSinceLastInbound, snap.Checkins30d, snap.InboundMessages30d,
		string(snap.CheckinTrend), string(weekly), snap.TuningVersion, formatTime(snap.ComputedAt), now,
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// SetMotivation is the real-time analyzer's write path. It races with
// UpsertSnapshot on the same column and the last write wins.
func (s *Store) SetMotivation(ctx context.Context, tenantID, phone string, level scoring.Motivation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.timestamp()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO score_snapshots (tenant_id, client_phone, motivation_level, motivation_updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, client_phone) DO UPDATE SET
			motivation_level = excluded.motivation_level,
			motivation_updated_at = excluded.motivation_updated_at
	`, tenantID, phone, string(level), now)
	if err != nil {
		return fmt.Errorf("set motivation: %w", err)
	}
	return nil
}

// PreviousMotivation reads the level from the live snapshot; medium when none exists.
func (s *Store) PreviousMotivation(ctx context.Context, tenantID, phone string) (scoring.Motivation, error) {
	var level string
	err := s.db.QueryRowContext(ctx, `
		SELECT motivation_level FROM score_snapshots WHERE tenant_id = ? AND client_phone = ?
	`, tenantID, phone).Scan(&level)
	if errors.Is(err, sql.ErrNoRows) {
		return scoring.MotivationMedium, nil
	}
	if err != nil {
		return "", fmt.Errorf("read previous motivation: %w", err)
	}
	return scoring.ParseMotivation(level), nil
}

func (s *Store) GetSnapshot(ctx context.Context, tenantID, phone string) (scoring.Snapshot, error) {
	var snap scoring.Snapshot
	var motivation, days, trend, weekly, computed, updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, client_phone, churn_risk, engagement_score, consistency_score,
			motivation_level, preferred_days, preferred_hour, avg_checkins_per_week,
			days_since_last_checkin, days_since_last_inbound, checkins_30d, inbound_messages_30d,
			checkin_trend, weekly_history, tuning_version, computed_at, motivation_updated_at
		FROM score_snapshots WHERE tenant_id = ? AND client_phone = ?
	`, tenantID, phone).Scan(
		&snap.TenantID, &snap.ClientPhone, &snap.ChurnRisk, &snap.EngagementScore, &snap.ConsistencyScore,
		&motivation, &days, &snap.PreferredHour, &snap.AvgCheckinsPerWeek,
		&snap.DaysSinceLastCheckin, &snap.DaysSinceLastInbound, &snap.Checkins30d, &snap.InboundMessages30d,
		&trend, &weekly, &snap.TuningVersion, &computed, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, fmt.Errorf("snapshot %s/%s: %w", tenantID, phone, ErrNotFound)
	}
	if err != nil {
		return snap, fmt.Errorf("get snapshot: %w", err)
	}

	snap.MotivationLevel = scoring.ParseMotivation(motivation)
	snap.CheckinTrend = scoring.Trend(trend)
	var dayInts []int
	if err := json.Unmarshal([]byte(days), &dayInts); err != nil {
		return snap, fmt.Errorf("decode preferred days: %w", err)
	}
	snap.PreferredDays = intsToWeekdays(dayInts)
	if err := json.Unmarshal([]byte(weekly), &snap.WeeklyHistory); err != nil {
		return snap, fmt.Errorf("decode weekly history: %w", err)
	}
	if snap.ComputedAt, err = parseTime(computed); err != nil {
		return snap, err
	}
	return snap, nil
}

func weekdaysToInts(days []time.Weekday) []int {
	out := make([]int, 0, len(days))
	for _, d := range days {
		out = append(out, int(d))
	}
	return out
}

func intsToWeekdays(in []int) []time.Weekday {
	if len(in) == 0 {
		return nil
	}
	out := make([]time.Weekday, 0, len(in))
	for _, d := range in {
		out = append(out, time.Weekday(d))
	}
	return out
}
