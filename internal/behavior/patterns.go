package behavior

import (
	"math"
	"strconv"
	"time"

	"github.com/gkobilansky/cohort/internal/store"
)

type patternRule struct {
	initial float64 // confidence of a new pattern
	step    float64 // confidence added on repeat
}

var (
	loginHourRule = patternRule{initial: 10, step: 5}
	featureRule   = patternRule{initial: 5, step: 3}
	deviceRule    = patternRule{initial: 5, step: 2}
)

const maxConfidence = 100.0

func observePatterns(p *store.BehaviorProfile, eventType string, data map[string]any, now time.Time) {
	if eventType == EventLogin {
		if ts, ok := timestamp(data["time"]); ok {
			observe(p, "login_hour_"+strconv.Itoa(ts.UTC().Hour()), loginHourRule, now)
		}
	}
	if eventType == EventFeatureUsed {
		if f, ok := text(data["feature"]); ok {
			observe(p, "feature_"+f, featureRule, now)
		}
	}
	if d, ok := text(data["device"]); ok {
		observe(p, "device_"+d, deviceRule, now)
	}
}

func observe(p *store.BehaviorProfile, name string, rule patternRule, now time.Time) {
	if existing := p.Pattern(name); existing != nil {
		existing.Frequency++
		existing.Confidence = math.Min(maxConfidence, existing.Confidence+rule.step)
		existing.LastOccurrence = now
		return
	}
	p.Patterns = append(p.Patterns, store.BehaviorPattern{
		Pattern:        name,
		Frequency:      1,
		Confidence:     rule.initial,
		LastOccurrence: now,
	})
}
