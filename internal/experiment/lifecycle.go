package experiment

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gkobilansky/cohort/internal/apperr"
	"github.com/gkobilansky/cohort/internal/store"
	"github.com/gkobilansky/cohort/internal/tracing"
)

// transitions lists the statuses each target status may be entered from.
var transitions = map[store.ExperimentStatus][]store.ExperimentStatus{
	store.StatusActive:    {store.StatusDraft, store.StatusPaused},
	store.StatusPaused:    {store.StatusActive},
	store.StatusCompleted: {store.StatusActive, store.StatusPaused},
	store.StatusCancelled: {store.StatusDraft, store.StatusActive, store.StatusPaused},
}

// CanTransition reports whether an experiment may move from one status
// to another.
func CanTransition(from, to store.ExperimentStatus) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Start activates a draft or paused experiment. The start date is set on
// the first activation only.
func (s *Service) Start(ctx context.Context, id string) (*store.Experiment, error) {
	return s.transition(ctx, id, store.StatusActive)
}

func (s *Service) Pause(ctx context.Context, id string) (*store.Experiment, error) {
	return s.transition(ctx, id, store.StatusPaused)
}

// Complete ends an experiment and stamps its end date.
func (s *Service) Complete(ctx context.Context, id string) (*store.Experiment, error) {
	return s.transition(ctx, id, store.StatusCompleted)
}

func (s *Service) Cancel(ctx context.Context, id string) (*store.Experiment, error) {
	return s.transition(ctx, id, store.StatusCancelled)
}

func (s *Service) transition(ctx context.Context, id string, to store.ExperimentStatus) (_ *store.Experiment, err error) {
	ctx, span := tracing.Start(ctx, "experiment", "Transition",
		attribute.String("experiment.id", id), attribute.String("experiment.to", string(to)))
	defer func() { tracing.End(span, err) }()

	e, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !CanTransition(e.Status, to) {
		return nil, invalidTransition(id, e.Status, to)
	}
	if to == store.StatusActive {
		if err := checkVariants(e); err != nil {
			return nil, err
		}
	}

	now := s.clock.Now()
	var start, end = e.StartDate, e.EndDate
	switch to {
	case store.StatusActive:
		if start == nil {
			start = &now
		}
	case store.StatusCompleted, store.StatusCancelled:
		end = &now
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	err = s.repo.UpdateExperimentStatus(sctx, id, e.Status, to, start, end, now)
	if errors.Is(err, store.ErrVersionConflict) {
		// Another transition moved the experiment after it was read.
		current := e.Status
		if latest, gerr := s.repo.GetExperiment(sctx, id); gerr == nil {
			current = latest.Status
		}
		return nil, invalidTransition(id, current, to)
	}
	if err != nil {
		return nil, storeErr("update experiment status", err, "experiment", id)
	}

	s.log.Info("experiment status changed", "experiment_id", id, "from", e.Status, "to", to)

	e.Status = to
	e.StartDate = start
	e.EndDate = end
	e.UpdatedAt = now
	return e, nil
}

func invalidTransition(id string, from, to store.ExperimentStatus) error {
	return apperr.New(apperr.KindInvalidTransition, "INVALID_STATUS_TRANSITION",
		fmt.Sprintf("cannot move experiment from %s to %s", from, to),
		map[string]any{"experiment_id": id, "from": string(from), "to": string(to)})
}

// checkVariants enforces a non-empty variant set with exactly one control.
func checkVariants(e *store.Experiment) error {
	if len(e.Variants) == 0 {
		return apperr.New(apperr.KindNoVariants, "NO_VARIANTS_FOUND",
			fmt.Sprintf("No variants found for experiment %s", e.ID),
			map[string]any{"experiment_id": e.ID})
	}
	controls := 0
	for _, v := range e.Variants {
		if v.IsControl {
			controls++
		}
	}
	if controls != 1 {
		return apperr.Invalid("MISSING_CONTROL_VARIANT",
			fmt.Sprintf("experiment %s must have exactly one control variant, has %d", e.ID, controls),
			map[string]any{"experiment_id": e.ID, "controls": controls})
	}
	return nil
}
