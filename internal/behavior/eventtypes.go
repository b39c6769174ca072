package behavior

// Event types with a scoring or risk effect. Any other type is accepted
// and scores DefaultDelta.
const (
	EventLogin                     = "login"
	EventMeetingCreated            = "meeting_created"
	EventWorkflowExecuted          = "workflow_executed"
	EventContentGenerated          = "content_generated"
	EventIntegrationConnected      = "integration_connected"
	EventEmailOpened               = "email_opened"
	EventEmailClicked              = "email_clicked"
	EventPageView                  = "page_view"
	EventFeatureUsed               = "feature_used"
	EventSupportContacted          = "support_contacted"
	EventSubscriptionCancelled     = "subscription_cancelled"
	EventAccountDeleted            = "account_deleted"
	EventSessionStart              = "session_start"
	EventSessionEnd                = "session_end"
	EventSubscriptionPaymentFailed = "subscription_payment_failed"
	EventFeatureAbandoned          = "feature_abandoned"
)

const DefaultDelta = 1.0

var deltas = map[string]float64{
	EventLogin:                 10,
	EventMeetingCreated:        20,
	EventWorkflowExecuted:      15,
	EventContentGenerated:      25,
	EventIntegrationConnected:  30,
	EventEmailOpened:           5,
	EventEmailClicked:          10,
	EventPageView:              2,
	EventFeatureUsed:           8,
	EventSupportContacted:      -5,
	EventSubscriptionCancelled: -50,
	EventAccountDeleted:        -100,
}

// Delta is the engagement change an event of the given type applies.
func Delta(eventType string) float64 {
	if d, ok := deltas[eventType]; ok {
		return d
	}
	return DefaultDelta
}
