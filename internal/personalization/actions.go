package personalization

import (
	"context"
	"log/slog"

	"github.com/gkobilansky/cohort/internal/store"
)

// ActionExecutor runs a fired trigger's actions. The returned map is
// stored as the execution outcome.
type ActionExecutor interface {
	Execute(ctx context.Context, t *store.PersonalizationTrigger, userID string, eventData map[string]any) (map[string]any, error)
}

// BehaviorPredicate decides user_behavior triggers.
type BehaviorPredicate interface {
	Match(ctx context.Context, t *store.PersonalizationTrigger, userID string, eventData map[string]any) (bool, error)
}

// Publisher receives the outcomes of an evaluation that fired at least
// one trigger.
type Publisher interface {
	Publish(userID string, outcomes []TriggerOutcome)
}

// AlwaysMatch is the default BehaviorPredicate: every user_behavior
// trigger fires. Hosts with real behavioral conditions supply their own.
type AlwaysMatch struct{}

func (AlwaysMatch) Match(context.Context, *store.PersonalizationTrigger, string, map[string]any) (bool, error) {
	return true, nil
}

// LogExecutor performs no delivery. It logs the actions and reports them
// as the outcome.
type LogExecutor struct {
	Logger *slog.Logger
}

func (l LogExecutor) Execute(_ context.Context, t *store.PersonalizationTrigger, userID string, eventData map[string]any) (map[string]any, error) {
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}
	types := make([]string, 0, len(t.Actions))
	for _, a := range t.Actions {
		types = append(types, a.Type)
	}
	log.Info("executing trigger", "trigger_id", t.ID, "trigger", t.Name, "user_id", userID,
		"actions", types, "event_data", eventData)
	return map[string]any{"success": true, "actions": t.Actions}, nil
}
