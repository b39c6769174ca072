package behavior

import (
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/gkobilansky/cohort/internal/store"
)

const (
	MinScore = 0.0
	MaxScore = 100.0

	// DecayPerDay is the fraction of score lost per idle day.
	DecayPerDay = 0.1
)

// DecayFactor is max(0, 1 - 0.1*days) for the idle time between last and
// now. A clock that moved backwards counts as zero idle time.
func DecayFactor(last, now time.Time) float64 {
	days := daysBetween(last, now)
	return math.Max(0, 1-days*DecayPerDay)
}

// NextScore applies decay and then the event delta, clamped to [0, 100].
func NextScore(score float64, last, now time.Time, eventType string) float64 {
	next := score*DecayFactor(last, now) + Delta(eventType)
	return math.Max(MinScore, math.Min(MaxScore, next))
}

func daysBetween(last, now time.Time) float64 {
	d := now.Sub(last)
	if d < 0 {
		return 0
	}
	return d.Hours() / 24
}

// Apply folds one event into p as of now and returns the risk factors it
// opened. Risk rules read the profile as it was before the event.
func Apply(p *store.BehaviorProfile, eventType string, data map[string]any, now time.Time) []store.RiskFactor {
	risks := detectRisks(p, eventType, data, now)

	p.EngagementScore = NextScore(p.EngagementScore, p.LastActivityAt, now, eventType)
	p.LastActivityAt = now

	switch eventType {
	case EventSessionStart:
		p.TotalSessions++
	case EventSessionEnd:
		if d, ok := number(data["duration"]); ok && d != 0 {
			total := p.AverageSessionDuration*float64(p.TotalSessions) + d
			p.AverageSessionDuration = total / float64(p.TotalSessions+1)
		}
	}

	if ch, ok := text(data["channel"]); ok && !slices.Contains(p.PreferredChannels, ch) {
		p.PreferredChannels = append(p.PreferredChannels, ch)
	}

	observePatterns(p, eventType, data, now)
	p.RiskFactors = append(p.RiskFactors, risks...)
	return risks
}

// text reports v as a non-empty string. Numbers are formatted so that
// {"feature": 3} still names a feature.
func text(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, t != ""
	case float64:
		if t == 0 {
			return "", false
		}
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		if t == 0 {
			return "", false
		}
		return strconv.Itoa(t), true
	case bool:
		return "true", t
	}
	return "", false
}

// number reads a finite number from a JSON value or numeric string.
func number(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case string:
		parsed, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// timestamp reads an RFC 3339 string or epoch milliseconds.
func timestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		ts, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	case time.Time:
		return t, true
	}
	if ms, ok := number(v); ok && ms != 0 {
		return time.UnixMilli(int64(ms)), true
	}
	return time.Time{}, false
}
