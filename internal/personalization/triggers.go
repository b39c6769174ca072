package personalization

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gkobilansky/cohort/internal/apperr"
	"github.com/gkobilansky/cohort/internal/store"
	"github.com/gkobilansky/cohort/internal/tracing"
)

type TriggerRequest struct {
	Name        string                  `json:"name" validate:"required,max=200"`
	Description string                  `json:"description"`
	TriggerType store.TriggerType       `json:"trigger_type" validate:"required,oneof=event_based time_based segment_based user_behavior"`
	Conditions  store.TriggerConditions `json:"conditions"`
	Actions     []store.TriggerAction   `json:"actions" validate:"dive"`
	Priority    int                     `json:"priority"`
	CreatedBy   string                  `json:"created_by"`
}

// TriggerUpdate changes the non-nil fields of a trigger.
type TriggerUpdate struct {
	Name        *string                  `json:"name"`
	Description *string                  `json:"description"`
	Conditions  *store.TriggerConditions `json:"conditions"`
	Actions     []store.TriggerAction    `json:"actions"`
	Priority    *int                     `json:"priority"`
	IsActive    *bool                    `json:"is_active"`
}

// TriggerOutcome is the result of evaluating one trigger for one user.
type TriggerOutcome struct {
	TriggerID   string            `json:"trigger_id"`
	TriggerName string            `json:"trigger_name"`
	TriggerType store.TriggerType `json:"trigger_type"`
	Priority    int               `json:"priority"`
	Fired       bool              `json:"fired"`
	Result      map[string]any    `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// timeWindow is an inclusive "start-end" hour range, e.g. "9-17".
type timeWindow struct{ start, end int }

func parseTimeWindow(s string) (timeWindow, error) {
	a, b, ok := strings.Cut(s, "-")
	if !ok {
		return timeWindow{}, fmt.Errorf("time_of_day %q is not start-end", s)
	}
	start, err1 := strconv.Atoi(strings.TrimSpace(a))
	end, err2 := strconv.Atoi(strings.TrimSpace(b))
	if err1 != nil || err2 != nil || start < 0 || end > 23 || start > end {
		return timeWindow{}, fmt.Errorf("time_of_day %q is not a valid hour range", s)
	}
	return timeWindow{start: start, end: end}, nil
}

func (w timeWindow) contains(hour int) bool {
	return hour >= w.start && hour <= w.end
}

func validateConditions(tt store.TriggerType, c store.TriggerConditions) error {
	invalid := func(msg string) error {
		return apperr.Invalid("INVALID_TRIGGER_CONDITIONS", msg, map[string]any{"trigger_type": string(tt)})
	}
	switch tt {
	case store.TriggerEventBased:
		if c.EventType == "" {
			return invalid("event_based triggers need conditions.event_type")
		}
	case store.TriggerSegmentBased:
		if len(c.SegmentIDs) == 0 {
			return invalid("segment_based triggers need conditions.segment_ids")
		}
	}
	if c.TimeOfDay != "" {
		if _, err := parseTimeWindow(c.TimeOfDay); err != nil {
			return invalid(err.Error())
		}
	}
	for _, d := range c.DayOfWeek {
		if d < 0 || d > 6 {
			return invalid(fmt.Sprintf("day_of_week %d is outside 0-6", d))
		}
	}
	return nil
}

func (e *Engine) CreateTrigger(ctx context.Context, req TriggerRequest) (*store.PersonalizationTrigger, error) {
	if err := validate.Struct(req); err != nil {
		return nil, apperr.Validation(err)
	}
	if err := validateConditions(req.TriggerType, req.Conditions); err != nil {
		return nil, err
	}

	now := e.clock.Now()
	t := &store.PersonalizationTrigger{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		TriggerType: req.TriggerType,
		Conditions:  req.Conditions,
		Actions:     req.Actions,
		Priority:    req.Priority,
		IsActive:    true,
		CreatedBy:   req.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.repo.CreateTrigger(sctx, t); err != nil {
		return nil, apperr.Transient("create trigger", err)
	}
	e.log.Info("trigger created", "trigger_id", t.ID, "name", t.Name, "type", string(t.TriggerType))
	return t, nil
}

func (e *Engine) GetTrigger(ctx context.Context, id string) (*store.PersonalizationTrigger, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	t, err := e.repo.GetTrigger(sctx, id)
	if err != nil {
		return nil, storeErr("get trigger", err, "trigger", id)
	}
	return t, nil
}

func (e *Engine) ListTriggers(ctx context.Context, filter store.TriggerFilter) ([]*store.PersonalizationTrigger, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	triggers, err := e.repo.ListTriggers(sctx, filter)
	if err != nil {
		return nil, apperr.Transient("list triggers", err)
	}
	return triggers, nil
}

func (e *Engine) UpdateTrigger(ctx context.Context, id string, upd TriggerUpdate) (*store.PersonalizationTrigger, error) {
	t, err := e.GetTrigger(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.Name != nil {
		t.Name = *upd.Name
	}
	if upd.Description != nil {
		t.Description = *upd.Description
	}
	if upd.Conditions != nil {
		t.Conditions = *upd.Conditions
	}
	if upd.Actions != nil {
		t.Actions = upd.Actions
	}
	if upd.Priority != nil {
		t.Priority = *upd.Priority
	}
	if upd.IsActive != nil {
		t.IsActive = *upd.IsActive
	}
	if t.Name == "" {
		return nil, apperr.Invalid("INVALID_REQUEST", "name must not be empty", nil)
	}
	if err := validateConditions(t.TriggerType, t.Conditions); err != nil {
		return nil, err
	}
	t.UpdatedAt = e.clock.Now()

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.repo.UpdateTrigger(sctx, t); err != nil {
		return nil, storeErr("update trigger", err, "trigger", id)
	}
	return t, nil
}

func (e *Engine) DeleteTrigger(ctx context.Context, id string) error {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.repo.DeleteTrigger(sctx, id); err != nil {
		return storeErr("delete trigger", err, "trigger", id)
	}
	return nil
}

// Executions returns a user's recorded trigger executions, newest first.
func (e *Engine) Executions(ctx context.Context, userID string, limit int) ([]*store.TriggerExecution, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	xs, err := e.repo.ListTriggerExecutions(sctx, userID, limit)
	if err != nil {
		return nil, apperr.Transient("list trigger executions", err)
	}
	return xs, nil
}

// Evaluate checks every active trigger for the user, highest priority
// first, and runs the actions of those that fire. A failing trigger is
// reported in its outcome and does not stop the others.
func (e *Engine) Evaluate(ctx context.Context, userID, eventType string, eventData map[string]any) (_ []TriggerOutcome, err error) {
	start := time.Now()
	defer e.metrics.Observe("personalization.evaluate", start)

	ctx, span := tracing.Start(ctx, "personalization", "Evaluate",
		attribute.String("user.id", userID), attribute.String("event.type", eventType))
	defer func() { tracing.End(span, err) }()

	triggers, err := e.ListTriggers(ctx, store.TriggerFilter{ActiveOnly: true})
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	ev := &evaluation{engine: e, userID: userID}
	outcomes := make([]TriggerOutcome, 0, len(triggers))
	anyFired := false

	for _, t := range triggers {
		out := TriggerOutcome{TriggerID: t.ID, TriggerName: t.Name, TriggerType: t.TriggerType, Priority: t.Priority}

		fired, ferr := ev.shouldFire(ctx, t, eventType, eventData, now)
		if ferr == nil && fired {
			out.Result, ferr = e.executor.Execute(ctx, t, userID, eventData)
		}
		status := "skipped"
		switch {
		case ferr != nil:
			out.Error = ferr.Error()
			status = "error"
			e.log.Warn("trigger evaluation failed", "trigger_id", t.ID, "user_id", userID, "error", ferr)
		case fired:
			out.Fired = true
			status = "fired"
			anyFired = true
		}
		e.metrics.TriggerEvaluated(string(t.TriggerType), status)

		if out.Fired || out.Error != "" {
			e.record(ctx, t, userID, eventType, out, now)
		}
		outcomes = append(outcomes, out)
	}

	if anyFired && e.publisher != nil {
		e.publisher.Publish(userID, outcomes)
	}
	return outcomes, nil
}

func (e *Engine) record(ctx context.Context, t *store.PersonalizationTrigger, userID, eventType string, out TriggerOutcome, at time.Time) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	err := e.repo.RecordTriggerExecution(sctx, &store.TriggerExecution{
		TriggerID:  t.ID,
		UserID:     userID,
		EventType:  eventType,
		Fired:      out.Fired,
		Outcome:    out.Result,
		Error:      out.Error,
		ExecutedAt: at,
	})
	if err != nil {
		e.metrics.BestEffortFailure("record_trigger_execution")
		e.log.Warn("failed to record trigger execution", "trigger_id", t.ID, "user_id", userID, "error", err)
	}
}

// evaluation caches per-call lookups shared by several triggers.
type evaluation struct {
	engine   *Engine
	userID   string
	segments []string
	loaded   bool
}

func (ev *evaluation) shouldFire(ctx context.Context, t *store.PersonalizationTrigger, eventType string, eventData map[string]any, now time.Time) (bool, error) {
	switch t.TriggerType {
	case store.TriggerEventBased:
		return eventType != "" && eventType == t.Conditions.EventType, nil
	case store.TriggerTimeBased:
		return inTimeWindow(t.Conditions, now)
	case store.TriggerSegmentBased:
		ids, err := ev.memberships(ctx)
		if err != nil {
			return false, err
		}
		for _, id := range t.Conditions.SegmentIDs {
			if slices.Contains(ids, id) {
				return true, nil
			}
		}
		return false, nil
	case store.TriggerUserBehavior:
		return ev.engine.predicate.Match(ctx, t, ev.userID, eventData)
	}
	return false, nil
}

func (ev *evaluation) memberships(ctx context.Context) ([]string, error) {
	if ev.loaded {
		return ev.segments, nil
	}
	sctx, cancel := ev.engine.storeCtx(ctx)
	defer cancel()
	ms, err := ev.engine.repo.ListUserMemberships(sctx, ev.userID)
	if err != nil {
		return nil, apperr.Transient("list user memberships", err)
	}
	for _, m := range ms {
		ev.segments = append(ev.segments, m.SegmentID)
	}
	ev.loaded = true
	return ev.segments, nil
}

// inTimeWindow applies time_of_day and day_of_week; an absent condition
// always holds. Hours and weekdays are read in UTC.
func inTimeWindow(c store.TriggerConditions, now time.Time) (bool, error) {
	now = now.UTC()
	if c.TimeOfDay != "" {
		w, err := parseTimeWindow(c.TimeOfDay)
		if err != nil {
			return false, err
		}
		if !w.contains(now.Hour()) {
			return false, nil
		}
	}
	if len(c.DayOfWeek) > 0 && !slices.Contains(c.DayOfWeek, int(now.Weekday())) {
		return false, nil
	}
	return true, nil
}
