package personalization

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/gkobilansky/cohort/internal/apperr"
	"github.com/gkobilansky/cohort/internal/store"
)

// facts is everything segment predicates can read about one user.
type facts struct {
	user    *store.User
	clients []string
	events  []*store.BehaviorEvent
}

func (f *facts) lastActivity() time.Time {
	var last time.Time
	for _, ev := range f.events {
		if ev.OccurredAt.After(last) {
			last = ev.OccurredAt
		}
	}
	if last.IsZero() {
		return time.Unix(0, 0).UTC()
	}
	return last
}

type valueKind int

const (
	kindString valueKind = iota
	kindNumber
	kindTime
)

type predicate struct {
	kind valueKind
	eval func(f *facts, v criterionValue) bool
}

// criterionValue is a criteria value decoded to the kind its key expects.
type criterionValue struct {
	s string
	n float64
	t time.Time
}

var predicates = map[string]predicate{
	"user.role":              {kindString, func(f *facts, v criterionValue) bool { return f.user.Role == v.s }},
	"user.industry":          {kindString, func(f *facts, v criterionValue) bool { return f.user.Industry == v.s }},
	"user.company_size":      {kindString, func(f *facts, v criterionValue) bool { return f.user.CompanySize == v.s }},
	"user.subscription_plan": {kindString, func(f *facts, v criterionValue) bool { return f.user.SubscriptionPlan == v.s }},
	"user.created_after":     {kindTime, func(f *facts, v criterionValue) bool { return !f.user.CreatedAt.Before(v.t) }},
	"user.created_before":    {kindTime, func(f *facts, v criterionValue) bool { return !f.user.CreatedAt.After(v.t) }},

	"clients.count":              {kindNumber, func(f *facts, v criterionValue) bool { return float64(len(f.clients)) == v.n }},
	"clients.count_greater_than": {kindNumber, func(f *facts, v criterionValue) bool { return float64(len(f.clients)) > v.n }},
	"clients.count_less_than":    {kindNumber, func(f *facts, v criterionValue) bool { return float64(len(f.clients)) < v.n }},

	"analytics.events_count":              {kindNumber, func(f *facts, v criterionValue) bool { return float64(len(f.events)) == v.n }},
	"analytics.events_count_greater_than": {kindNumber, func(f *facts, v criterionValue) bool { return float64(len(f.events)) > v.n }},
	"analytics.events_count_less_than":    {kindNumber, func(f *facts, v criterionValue) bool { return float64(len(f.events)) < v.n }},
	"analytics.has_event_type": {kindString, func(f *facts, v criterionValue) bool {
		for _, ev := range f.events {
			if ev.EventType == v.s {
				return true
			}
		}
		return false
	}},
	"analytics.last_activity_after":  {kindTime, func(f *facts, v criterionValue) bool { return !f.lastActivity().Before(v.t) }},
	"analytics.last_activity_before": {kindTime, func(f *facts, v criterionValue) bool { return !f.lastActivity().After(v.t) }},
}

// CriteriaKeys lists the supported predicate keys, sorted.
func CriteriaKeys() []string {
	keys := make([]string, 0, len(predicates))
	for k := range predicates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func decodeValue(kind valueKind, raw any) (criterionValue, error) {
	switch kind {
	case kindString:
		if s, ok := raw.(string); ok {
			return criterionValue{s: s}, nil
		}
	case kindNumber:
		switch n := raw.(type) {
		case float64:
			return criterionValue{n: n}, nil
		case int:
			return criterionValue{n: float64(n)}, nil
		case int64:
			return criterionValue{n: float64(n)}, nil
		case json.Number:
			f, err := n.Float64()
			if err == nil {
				return criterionValue{n: f}, nil
			}
		}
	case kindTime:
		switch t := raw.(type) {
		case time.Time:
			return criterionValue{t: t}, nil
		case string:
			for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
				if ts, err := time.Parse(layout, t); err == nil {
					return criterionValue{t: ts}, nil
				}
			}
		}
	}
	return criterionValue{}, fmt.Errorf("unexpected value %v (%T)", raw, raw)
}

// ValidateCriteria rejects unknown keys and values of the wrong shape.
func ValidateCriteria(criteria map[string]any) error {
	for key, raw := range criteria {
		p, ok := predicates[key]
		if !ok {
			return apperr.Invalid("INVALID_SEGMENT_CRITERIA", fmt.Sprintf("unknown criterion %q", key),
				map[string]any{"key": key, "supported": CriteriaKeys()})
		}
		if _, err := decodeValue(p.kind, raw); err != nil {
			return apperr.Invalid("INVALID_SEGMENT_CRITERIA", fmt.Sprintf("criterion %q: %v", key, err),
				map[string]any{"key": key})
		}
	}
	return nil
}

// matches is the AND of every criterion. An unknown key or malformed
// value fails the match rather than erroring.
func matches(criteria map[string]any, f *facts) bool {
	for key, raw := range criteria {
		p, ok := predicates[key]
		if !ok {
			return false
		}
		v, err := decodeValue(p.kind, raw)
		if err != nil {
			return false
		}
		if !p.eval(f, v) {
			return false
		}
	}
	return true
}
