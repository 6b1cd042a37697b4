package scoring

import (
	"fmt"
	"sort"
)

// DefaultTuningVersion names the weights shipped with the binary.
const DefaultTuningVersion = "2024.1"

// Window sizes for the activity queries feeding the computer.
const (
	CheckinLookbackDays = 60
	MessageLookbackDays = 30
	RecentWindowDays    = 30
)

// DayStep pairs a day threshold with the value it contributes.
type DayStep struct {
	Days  int     `koanf:"days" json:"days"`
	Value float64 `koanf:"value" json:"value"`
}

// Tuning is the full set of weights and thresholds used by the computer.
// Changing any value should come with a new Version so snapshots stay attributable.
type Tuning struct {
	Version string `koanf:"version" json:"version"`

	TrendUpRatio   float64 `koanf:"trend_up_ratio" json:"trend_up_ratio"`
	TrendDownRatio float64 `koanf:"trend_down_ratio" json:"trend_down_ratio"`

	ConsistencyFewCheckins float64 `koanf:"consistency_few_checkins" json:"consistency_few_checkins"`
	ConsistencyNoCheckins  float64 `koanf:"consistency_no_checkins" json:"consistency_no_checkins"`

	EngagementMessageWeight float64 `koanf:"engagement_message_weight" json:"engagement_message_weight"`
	EngagementMessageCap    float64 `koanf:"engagement_message_cap" json:"engagement_message_cap"`
	EngagementCheckinWeight float64 `koanf:"engagement_checkin_weight" json:"engagement_checkin_weight"`
	EngagementCheckinCap    float64 `koanf:"engagement_checkin_cap" json:"engagement_checkin_cap"`
	EngagementRecencyWeight float64 `koanf:"engagement_recency_weight" json:"engagement_recency_weight"`
	// EngagementRecency applies the first step whose Days is >= days since last check-in.
	EngagementRecency      []DayStep `koanf:"engagement_recency" json:"engagement_recency"`
	EngagementRecencyFloor float64   `koanf:"engagement_recency_floor" json:"engagement_recency_floor"`

	ChurnBase float64 `koanf:"churn_base" json:"churn_base"`
	// ChurnInactivity applies the first step whose Days is < days since last check-in.
	ChurnInactivity          []DayStep `koanf:"churn_inactivity" json:"churn_inactivity"`
	ChurnTrendDown           float64   `koanf:"churn_trend_down" json:"churn_trend_down"`
	ChurnStableLowFrequency  float64   `koanf:"churn_stable_low_frequency" json:"churn_stable_low_frequency"`
	ChurnLowFrequencyPerWeek float64   `koanf:"churn_low_frequency_per_week" json:"churn_low_frequency_per_week"`
	ChurnMotivationLow       float64   `koanf:"churn_motivation_low" json:"churn_motivation_low"`
	ChurnMotivationMedium    float64   `koanf:"churn_motivation_medium" json:"churn_motivation_medium"`
	// ChurnSilence applies the first step whose Days is < days since last inbound message.
	ChurnSilence             []DayStep `koanf:"churn_silence" json:"churn_silence"`
	ChurnLowConsistency      float64   `koanf:"churn_low_consistency" json:"churn_low_consistency"`
	ChurnLowConsistencyBelow float64   `koanf:"churn_low_consistency_below" json:"churn_low_consistency_below"`
}

func DefaultTuning() Tuning {
	return Tuning{
		Version: DefaultTuningVersion,

		TrendUpRatio:   1.3,
		TrendDownRatio: 0.7,

		ConsistencyFewCheckins: 0.3,
		ConsistencyNoCheckins:  0.1,

		EngagementMessageWeight: 0.2,
		EngagementMessageCap:    20,
		EngagementCheckinWeight: 0.4,
		EngagementCheckinCap:    12,
		EngagementRecencyWeight: 0.4,
		EngagementRecency: []DayStep{
			{Days: 3, Value: 1.0},
			{Days: 7, Value: 0.7},
			{Days: 14, Value: 0.4},
			{Days: 30, Value: 0.2},
		},
		EngagementRecencyFloor: 0.05,

		ChurnBase: 0.10,
		ChurnInactivity: []DayStep{
			{Days: 30, Value: 0.35},
			{Days: 14, Value: 0.25},
			{Days: 7, Value: 0.15},
			{Days: 3, Value: 0.05},
		},
		ChurnTrendDown:           0.25,
		ChurnStableLowFrequency:  0.10,
		ChurnLowFrequencyPerWeek: 1,
		ChurnMotivationLow:       0.20,
		ChurnMotivationMedium:    0.05,
		ChurnSilence: []DayStep{
			{Days: 14, Value: 0.10},
			{Days: 7, Value: 0.05},
		},
		ChurnLowConsistency:      0.10,
		ChurnLowConsistencyBelow: 0.3,
	}
}

// Validate checks step ordering and value ranges.
func (t Tuning) Validate() error {
	if t.Version == "" {
		return fmt.Errorf("tuning version is required")
	}
	if t.TrendUpRatio < t.TrendDownRatio {
		return fmt.Errorf("trend_up_ratio %.2f below trend_down_ratio %.2f", t.TrendUpRatio, t.TrendDownRatio)
	}
	if t.EngagementMessageCap <= 0 || t.EngagementCheckinCap <= 0 {
		return fmt.Errorf("engagement caps must be positive")
	}
	if !sort.SliceIsSorted(t.EngagementRecency, func(i, j int) bool {
		return t.EngagementRecency[i].Days < t.EngagementRecency[j].Days
	}) {
		return fmt.Errorf("engagement_recency must be ordered by ascending days")
	}
	for name, steps := range map[string][]DayStep{"churn_inactivity": t.ChurnInactivity, "churn_silence": t.ChurnSilence} {
		if !sort.SliceIsSorted(steps, func(i, j int) bool { return steps[i].Days > steps[j].Days }) {
			return fmt.Errorf("%s must be ordered by descending days", name)
		}
	}
	return nil
}
