package behavior

import (
	"time"

	"github.com/gkobilansky/cohort/internal/store"
)

const (
	RiskLowEngagement  = "low_engagement"
	RiskInactiveUser   = "inactive_user"
	RiskSupportContact = "support_contact"
	RiskPaymentIssues  = "payment_issues"
	RiskAbandonedPref  = "abandoned_"

	lowEngagementBelow = 20.0
	inactiveAfterDays  = 30.0
)

// detectRisks evaluates the rules against p before the event is applied.
// A factor already open on p is never opened twice.
func detectRisks(p *store.BehaviorProfile, eventType string, data map[string]any, now time.Time) []store.RiskFactor {
	var out []store.RiskFactor
	add := func(factor string, sev store.RiskSeverity, desc string) {
		if p.UnresolvedRisk(factor) != nil {
			return
		}
		for _, r := range out {
			if r.Factor == factor {
				return
			}
		}
		out = append(out, store.RiskFactor{Factor: factor, Severity: sev, Description: desc, DetectedAt: now})
	}

	if p.EngagementScore < lowEngagementBelow {
		add(RiskLowEngagement, store.SeverityHigh, "User has very low engagement score")
	}
	if daysBetween(p.LastActivityAt, now) > inactiveAfterDays {
		add(RiskInactiveUser, store.SeverityMedium, "User has been inactive for more than 30 days")
	}

	switch eventType {
	case EventSupportContacted:
		add(RiskSupportContact, store.SeverityMedium, "User contacted support")
	case EventSubscriptionPaymentFailed:
		add(RiskPaymentIssues, store.SeverityHigh, "User has payment issues")
	case EventFeatureAbandoned:
		if f, ok := text(data["feature"]); ok {
			add(RiskAbandonedPref+f, store.SeverityMedium, "User abandoned "+f+" feature")
		}
	}
	return out
}
