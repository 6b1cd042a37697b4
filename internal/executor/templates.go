package executor

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/stellarlinkco/retentiond/internal/decision"
	"github.com/stellarlinkco/retentiond/internal/tenant"
)

// Fallback renders the fixed message for an action when generation fails.
// It depends only on its inputs and never returns an empty string.
func Fallback(c tenant.Client, a decision.Action) string {
	name := c.DisplayName()
	if name == "" {
		name = "there"
	}
	switch v := a.(type) {
	case decision.Comeback:
		return fmt.Sprintf("Hi %s, it's been %d days since your last session and we miss you! "+
			"Want to come back with an easy workout this week?", name, v.DaysAway)
	case decision.Motivation:
		return fmt.Sprintf("Hi %s, the last few weeks have been a bit lighter. "+
			"Every session counts, even a short one. Shall we plan the next one together?", name)
	case decision.Support:
		return fmt.Sprintf("Hi %s, how is your workout plan feeling lately? "+
			"If it's too hard or getting boring, we can adjust it for you.", name)
	case decision.Progress:
		return fmt.Sprintf("Hi %s, %d check-ins this month, great consistency! "+
			"How do you feel about your progress so far?", name, v.Checkins30d)
	case decision.Streak:
		return fmt.Sprintf("Hi %s, you've been so consistent lately. "+
			"It's been %d days since your last session, ready to keep the streak going?", name, v.DaysSinceLastCheckin)
	default:
		return fmt.Sprintf("Hi %s, just checking in. How is your training going?", name)
	}
}

// cleanText strips surrounding whitespace and wrapping quote characters.
func cleanText(s string) string {
	s = strings.TrimSpace(s)
	for s != "" {
		r, size := utf8.DecodeRuneInString(s)
		closing, ok := quotePairs[r]
		if !ok || len(s) < size+len(closing) || !strings.HasSuffix(s, closing) {
			break
		}
		s = strings.TrimSpace(s[size : len(s)-len(closing)])
	}
	return s
}

var quotePairs = map[rune]string{
	'"':  `"`,
	'\'': `'`,
	'`':  "`",
	'“':  "”",
	'‘':  "’",
	'«':  "»",
}
