package decision

import (
	"context"
	"fmt"
	"time"

	"github.com/stellarlinkco/retentiond/internal/scoring"
)

// ProgressCooldownDays is the rolling window that suppresses check_progress.
// The other rules are suppressed by a same-day key instead.
const ProgressCooldownDays = 14

// Ladder thresholds.
const (
	comebackMinChurn       = 0.7
	comebackMinDaysAway    = 5
	motivationMinChurn     = 0.5
	supportMaxDaysAway     = 7
	progressMinEngagement  = 0.6
	progressMinConsistency = 0.5
	progressMinCheckins    = 8
	streakMinDaysAway      = 2
	streakMaxDaysAway      = 5
	streakMinConsistency   = 0.7
)

// Ledger answers suppression lookups against past sent actions.
type Ledger interface {
	ExistsSent(ctx context.Context, tenantID, actionKey string) (bool, error)
	ExistsSentWithin(ctx context.Context, tenantID, clientPhone, actionType string, days int) (bool, error)
}

type rule struct {
	kind    Kind
	prefix  string
	applies func(s scoring.Snapshot) bool
	build   func(b base) Action
	// window suppresses by a rolling number of days instead of the exact key.
	window int
}

var ladder = []rule{
	{
		kind:   KindComeback,
		prefix: "comeback",
		applies: func(s scoring.Snapshot) bool {
			return s.ChurnRisk >= comebackMinChurn && s.DaysSinceLastCheckin >= comebackMinDaysAway
		},
		build: func(b base) Action {
			return Comeback{base: b, DaysAway: b.snapshot.DaysSinceLastCheckin, ChurnRisk: b.snapshot.ChurnRisk}
		},
	},
	{
		kind:   KindMotivation,
		prefix: "motivation",
		applies: func(s scoring.Snapshot) bool {
			return s.ChurnRisk >= motivationMinChurn && s.CheckinTrend == scoring.TrendDown
		},
		build: func(b base) Action {
			return Motivation{base: b, WeeklyHistory: b.snapshot.WeeklyHistory, ChurnRisk: b.snapshot.ChurnRisk}
		},
	},
	{
		kind:   KindSupport,
		prefix: "support",
		applies: func(s scoring.Snapshot) bool {
			return s.MotivationLevel == scoring.MotivationLow && s.DaysSinceLastCheckin <= supportMaxDaysAway
		},
		build: func(b base) Action {
			return Support{base: b, DaysSinceLastCheckin: b.snapshot.DaysSinceLastCheckin}
		},
	},
	{
		kind:   KindProgress,
		prefix: "progress",
		window: ProgressCooldownDays,
		applies: func(s scoring.Snapshot) bool {
			return s.EngagementScore >= progressMinEngagement &&
				s.ConsistencyScore >= progressMinConsistency &&
				s.Checkins30d >= progressMinCheckins
		},
		build: func(b base) Action {
			s := b.snapshot
			return Progress{base: b, Checkins30d: s.Checkins30d, Engagement: s.EngagementScore, Consistency: s.ConsistencyScore}
		},
	},
	{
		kind:   KindStreak,
		prefix: "streak",
		applies: func(s scoring.Snapshot) bool {
			return s.DaysSinceLastCheckin >= streakMinDaysAway &&
				s.DaysSinceLastCheckin <= streakMaxDaysAway &&
				s.ConsistencyScore >= streakMinConsistency
		},
		build: func(b base) Action {
			return Streak{base: b, DaysSinceLastCheckin: b.snapshot.DaysSinceLastCheckin, Consistency: b.snapshot.ConsistencyScore}
		},
	},
}

// Engine walks the ladder top to bottom. Each rule has its own suppression
// scope: a suppressed rule falls through to the next one, while the first rule
// that applies and is not suppressed ends the evaluation.
type Engine struct {
	ledger Ledger
}

func NewEngine(ledger Ledger) *Engine {
	return &Engine{ledger: ledger}
}

// Decide returns the action to take for the snapshot, or nil. today fixes the
// calendar date embedded in action keys, in its own location.
func (e *Engine) Decide(ctx context.Context, snap scoring.Snapshot, today time.Time) (Action, error) {
	for _, r := range ladder {
		if !r.applies(snap) {
			continue
		}
		key := ActionKey(r.prefix, snap.ClientPhone, today)

		var suppressed bool
		var err error
		if r.window > 0 {
			suppressed, err = e.ledger.ExistsSentWithin(ctx, snap.TenantID, snap.ClientPhone, string(r.kind), r.window)
		} else {
			suppressed, err = e.ledger.ExistsSent(ctx, snap.TenantID, key)
		}
		if err != nil {
			return nil, fmt.Errorf("check %s suppression: %w", r.kind, err)
		}
		if suppressed {
			continue
		}

		return r.build(base{key: key, reason: reason(r.kind, snap), snapshot: snap}), nil
	}
	return nil, nil
}

// ActionKey formats the deterministic dedup key for a trigger, client and day.
func ActionKey(prefix, phone string, day time.Time) string {
	return fmt.Sprintf("%s:%s:%s", prefix, phone, day.Format(time.DateOnly))
}

func reason(k Kind, s scoring.Snapshot) string {
	switch k {
	case KindComeback:
		return fmt.Sprintf("churn risk %.2f, %d days since last check-in", s.ChurnRisk, s.DaysSinceLastCheckin)
	case KindMotivation:
		return fmt.Sprintf("churn risk %.2f with falling check-ins %v", s.ChurnRisk, s.WeeklyHistory)
	case KindSupport:
		return fmt.Sprintf("low motivation, last check-in %d days ago", s.DaysSinceLastCheckin)
	case KindProgress:
		return fmt.Sprintf("engagement %.2f, consistency %.2f, %d check-ins in 30 days", s.EngagementScore, s.ConsistencyScore, s.Checkins30d)
	case KindStreak:
		return fmt.Sprintf("%d days since last check-in, consistency %.2f", s.DaysSinceLastCheckin, s.ConsistencyScore)
	default:
		return string(k)
	}
}
