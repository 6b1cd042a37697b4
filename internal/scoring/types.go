package scoring

import "time"

// Motivation is the coarse motivation level carried between cycles.
type Motivation string

const (
	MotivationLow    Motivation = "low"
	MotivationMedium Motivation = "medium"
	MotivationHigh   Motivation = "high"
)

// ParseMotivation maps stored text to a level; unknown or empty values read as medium.
func ParseMotivation(s string) Motivation {
	switch Motivation(s) {
	case MotivationLow, MotivationHigh:
		return Motivation(s)
	default:
		return MotivationMedium
	}
}

// Trend compares the last two weeks of check-ins with the two before.
type Trend string

const (
	TrendUp     Trend = "up"
	TrendStable Trend = "stable"
	TrendDown   Trend = "down"
)

// Direction of a conversation message.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// NoCheckinDays is reported as days-since when a client never checked in.
const NoCheckinDays = 999

// Checkin is one recorded workout check-in.
type Checkin struct {
	At    time.Time
	Label string
}

// Message is one conversation message, inbound from the client or outbound to it.
type Message struct {
	At        time.Time
	Direction Direction
}

// Input is everything the computer needs for one client.
type Input struct {
	TenantID    string
	ClientPhone string
	// Checkins covers the check-in lookback window, in any order.
	Checkins []Checkin
	// Messages covers the message lookback window, in any order.
	Messages           []Message
	PreviousMotivation Motivation
	// Now also fixes the location used for weekday and hour histograms.
	Now time.Time
}

// Snapshot is the per-client score row, replaced every cycle.
type Snapshot struct {
	TenantID    string `json:"tenant_id"`
	ClientPhone string `json:"client_phone"`

	ChurnRisk        float64    `json:"churn_risk"`
	EngagementScore  float64    `json:"engagement_score"`
	ConsistencyScore float64    `json:"consistency_score"`
	MotivationLevel  Motivation `json:"motivation_level"`

	PreferredDays []time.Weekday `json:"preferred_days"`
	// PreferredHour is -1 when there are no check-ins.
	PreferredHour int `json:"preferred_hour"`

	AvgCheckinsPerWeek   float64 `json:"avg_checkins_per_week"`
	DaysSinceLastCheckin int     `json:"days_since_last_checkin"`
	DaysSinceLastInbound int     `json:"days_since_last_inbound"`
	Checkins30d          int     `json:"checkins_30d"`
	InboundMessages30d   int     `json:"inbound_messages_30d"`
	CheckinTrend         Trend   `json:"checkin_trend"`
	WeeklyHistory        [4]int  `json:"weekly_history"`

	TuningVersion string    `json:"tuning_version"`
	ComputedAt    time.Time `json:"computed_at"`
}
