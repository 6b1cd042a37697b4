// Package decision arbitrates the retention trigger ladder for one scored client.
package decision

import (
	"fmt"

	"github.com/stellarlinkco/retentiond/internal/scoring"
	"github.com/stellarlinkco/retentiond/internal/tenant"
)

// Kind is the persisted name of an action variant.
type Kind string

const (
	KindComeback   Kind = "comeback_message"
	KindMotivation Kind = "personalized_motivation"
	KindSupport    Kind = "scheda_adjust"
	KindProgress   Kind = "check_progress"
	KindStreak     Kind = "streak_recovery"
)

// Kinds lists every variant in ladder order.
var Kinds = []Kind{KindComeback, KindMotivation, KindSupport, KindProgress, KindStreak}

// Action is a closed set of outreach variants. Each carries the payload its
// message needs; callers switch on the concrete type.
type Action interface {
	Kind() Kind
	Key() string
	Reason() string
	Snapshot() scoring.Snapshot
	isAction()
}

type base struct {
	key      string
	reason   string
	snapshot scoring.Snapshot
}

func (b base) Key() string                { return b.key }
func (b base) Reason() string             { return b.reason }
func (b base) Snapshot() scoring.Snapshot { return b.snapshot }
func (base) isAction()                    {}

// Comeback re-engages a client at high churn risk who stopped checking in.
type Comeback struct {
	base
	DaysAway  int
	ChurnRisk float64
}

func (Comeback) Kind() Kind { return KindComeback }

// Motivation nudges a client whose check-in volume is falling.
type Motivation struct {
	base
	WeeklyHistory [4]int
	ChurnRisk     float64
}

func (Motivation) Kind() Kind { return KindMotivation }

// Support offers to adjust the workout plan for a client who is active but demotivated.
type Support struct {
	base
	DaysSinceLastCheckin int
}

func (Support) Kind() Kind { return KindSupport }

// Progress asks an engaged, consistent client how the program is going.
type Progress struct {
	base
	Checkins30d int
	Engagement  float64
	Consistency float64
}

func (Progress) Kind() Kind { return KindProgress }

// Streak catches a usually consistent client a few days after a missed session.
type Streak struct {
	base
	DaysSinceLastCheckin int
	Consistency          float64
}

func (Streak) Kind() Kind { return KindStreak }

// PromptContext is what the message generator receives for one action.
type PromptContext struct {
	Tenant   tenant.Tenant
	Client   tenant.Client
	Kind     Kind
	Reason   string
	Goal     string
	Snapshot scoring.Snapshot
}

// NewPromptContext binds an action to the tenant and client it targets.
func NewPromptContext(t tenant.Tenant, c tenant.Client, a Action) PromptContext {
	return PromptContext{
		Tenant:   t,
		Client:   c,
		Kind:     a.Kind(),
		Reason:   a.Reason(),
		Goal:     goal(a),
		Snapshot: a.Snapshot(),
	}
}

func goal(a Action) string {
	switch v := a.(type) {
	case Comeback:
		return fmt.Sprintf("Welcome the client back after %d days without training, no guilt, suggest one easy session.", v.DaysAway)
	case Motivation:
		return fmt.Sprintf("Acknowledge the drop in weekly sessions (%v) and give one concrete reason to keep going.", v.WeeklyHistory)
	case Support:
		return "Ask whether the current workout plan feels too hard or boring and offer to adjust it."
	case Progress:
		return fmt.Sprintf("Celebrate %d check-ins this month and ask how they feel about their progress.", v.Checkins30d)
	case Streak:
		return fmt.Sprintf("Gently point out %d days since the last session and invite them to keep the streak alive.", v.DaysSinceLastCheckin)
	default:
		return ""
	}
}
