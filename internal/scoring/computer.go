// Package scoring derives per-client behavioral metrics from raw activity history.
package scoring

import (
	"math"
	"sort"
	"time"
)

const (
	day  = 24 * time.Hour
	week = 7 * day
)

// Computer turns activity history into a Snapshot. It holds no state besides its tuning
// and is safe for concurrent use.
type Computer struct {
	tuning Tuning
}

func NewComputer(t Tuning) *Computer {
	return &Computer{tuning: t}
}

func (c *Computer) Tuning() Tuning {
	return c.tuning
}

// Compute builds the snapshot for one client. Identical input yields an identical snapshot.
func (c *Computer) Compute(in Input) Snapshot {
	now := in.Now
	checkins := sortedCheckins(in.Checkins)

	snap := Snapshot{
		TenantID:        in.TenantID,
		ClientPhone:     in.ClientPhone,
		MotivationLevel: ParseMotivation(string(in.PreviousMotivation)),
		TuningVersion:   c.tuning.Version,
		ComputedAt:      now,
	}

	snap.DaysSinceLastCheckin = NoCheckinDays
	if n := len(checkins); n > 0 {
		snap.DaysSinceLastCheckin = daysBetween(checkins[n-1].At, now)
	}

	snap.WeeklyHistory = weeklyCounts(checkins, now)
	snap.CheckinTrend = c.trend(snap.WeeklyHistory)
	total := 0
	for _, n := range snap.WeeklyHistory {
		total += n
	}
	snap.AvgCheckinsPerWeek = round(float64(total)/float64(len(snap.WeeklyHistory)), 1)

	for _, ci := range checkins {
		if now.Sub(ci.At) < RecentWindowDays*day {
			snap.Checkins30d++
		}
	}

	snap.DaysSinceLastInbound = NoCheckinDays
	var lastInbound time.Time
	for _, m := range in.Messages {
		if m.Direction != Inbound {
			continue
		}
		if now.Sub(m.At) < RecentWindowDays*day {
			snap.InboundMessages30d++
		}
		if m.At.After(lastInbound) {
			lastInbound = m.At
		}
	}
	if !lastInbound.IsZero() {
		snap.DaysSinceLastInbound = daysBetween(lastInbound, now)
	}

	snap.ConsistencyScore = c.consistency(checkins)
	snap.EngagementScore = c.engagement(snap)
	snap.ChurnRisk = c.churn(snap)
	snap.PreferredDays, snap.PreferredHour = preferredSlots(checkins, now.Location())

	return snap
}

func (c *Computer) trend(weekly [4]int) Trend {
	older := float64(weekly[0] + weekly[1])
	recent := float64(weekly[2] + weekly[3])
	switch {
	case recent > older*c.tuning.TrendUpRatio:
		return TrendUp
	case recent < older*c.tuning.TrendDownRatio:
		return TrendDown
	default:
		return TrendStable
	}
}

func (c *Computer) consistency(checkins []Checkin) float64 {
	switch {
	case len(checkins) == 0:
		return c.tuning.ConsistencyNoCheckins
	case len(checkins) < 3:
		return c.tuning.ConsistencyFewCheckins
	}

	gaps := make([]float64, 0, len(checkins)-1)
	for i := 1; i < len(checkins); i++ {
		gaps = append(gaps, checkins[i].At.Sub(checkins[i-1].At).Hours()/24)
	}
	var sum float64
	for _, g := range gaps {
		sum += g
	}
	mean := sum / float64(len(gaps))
	var variance float64
	for _, g := range gaps {
		variance += (g - mean) * (g - mean)
	}
	stdDev := math.Sqrt(variance / float64(len(gaps)))

	return round(clamp(1-stdDev/(mean+1), 0, 1), 2)
}

func (c *Computer) engagement(s Snapshot) float64 {
	t := c.tuning
	step := t.EngagementRecencyFloor
	for _, st := range t.EngagementRecency {
		if s.DaysSinceLastCheckin <= st.Days {
			step = st.Value
			break
		}
	}
	score := t.EngagementMessageWeight*math.Min(1, float64(s.InboundMessages30d)/t.EngagementMessageCap) +
		t.EngagementCheckinWeight*math.Min(1, float64(s.Checkins30d)/t.EngagementCheckinCap) +
		t.EngagementRecencyWeight*step
	return round(score, 2)
}

func (c *Computer) churn(s Snapshot) float64 {
	t := c.tuning
	risk := t.ChurnBase
	risk += exceedStep(t.ChurnInactivity, s.DaysSinceLastCheckin)

	switch {
	case s.CheckinTrend == TrendDown:
		risk += t.ChurnTrendDown
	case s.CheckinTrend == TrendStable && s.AvgCheckinsPerWeek < t.ChurnLowFrequencyPerWeek:
		risk += t.ChurnStableLowFrequency
	}

	switch s.MotivationLevel {
	case MotivationLow:
		risk += t.ChurnMotivationLow
	case MotivationMedium:
		risk += t.ChurnMotivationMedium
	}

	risk += exceedStep(t.ChurnSilence, s.DaysSinceLastInbound)

	if s.ConsistencyScore < t.ChurnLowConsistencyBelow {
		risk += t.ChurnLowConsistency
	}
	return round(clamp(risk, 0, 1), 2)
}

// exceedStep returns the value of the first step whose threshold days is exceeded.
func exceedStep(steps []DayStep, days int) float64 {
	for _, st := range steps {
		if days > st.Days {
			return st.Value
		}
	}
	return 0
}

// weeklyCounts buckets check-ins into four 7-day windows ending at now, oldest first.
func weeklyCounts(checkins []Checkin, now time.Time) [4]int {
	var out [4]int
	for _, ci := range checkins {
		age := now.Sub(ci.At)
		if age < 0 {
			age = 0
		}
		bucket := int(age / week)
		if bucket >= len(out) {
			continue
		}
		out[len(out)-1-bucket]++
	}
	return out
}

func preferredSlots(checkins []Checkin, loc *time.Location) ([]time.Weekday, int) {
	if len(checkins) == 0 {
		return nil, -1
	}
	var days [7]int
	var hours [24]int
	for _, ci := range checkins {
		local := ci.At.In(loc)
		days[local.Weekday()]++
		hours[local.Hour()]++
	}

	ranked := make([]time.Weekday, 0, 7)
	for d, n := range days {
		if n > 0 {
			ranked = append(ranked, time.Weekday(d))
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return days[ranked[i]] > days[ranked[j]]
	})
	if len(ranked) > 3 {
		ranked = ranked[:3]
	}

	best := 0
	for h := 1; h < len(hours); h++ {
		if hours[h] > hours[best] {
			best = h
		}
	}
	return ranked, best
}

func sortedCheckins(in []Checkin) []Checkin {
	out := make([]Checkin, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

func daysBetween(from, to time.Time) int {
	d := math.Floor(to.Sub(from).Hours() / 24)
	if d < 0 {
		return 0
	}
	return int(d)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
