// Package funnel tracks users through named multi-step funnels and
// reports conversion between steps.
package funnel

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gkobilansky/cohort/internal/apperr"
	"github.com/gkobilansky/cohort/internal/clock"
	"github.com/gkobilansky/cohort/internal/store"
	"github.com/gkobilansky/cohort/internal/tracing"
)

type CreateStepRequest struct {
	UserID           string         `json:"user_id" validate:"required"`
	ClientID         string         `json:"client_id"`
	FunnelName       string         `json:"funnel_name" validate:"required,max=200"`
	StepNumber       int            `json:"step_number" validate:"min=1"`
	StepName         string         `json:"step_name" validate:"required,max=200"`
	StepDescription  string         `json:"step_description"`
	TimeSpentSeconds *int           `json:"time_spent_seconds" validate:"omitempty,min=0"`
	Metadata         map[string]any `json:"metadata"`
}

type ProgressRequest struct {
	UserID           string         `json:"user_id" validate:"required"`
	ClientID         string         `json:"client_id"`
	FunnelName       string         `json:"funnel_name" validate:"required,max=200"`
	StepNumber       int            `json:"step_number" validate:"min=1"`
	StepName         string         `json:"step_name" validate:"required,max=200"`
	TimeSpentSeconds *int           `json:"time_spent_seconds" validate:"omitempty,min=0"`
	Metadata         map[string]any `json:"metadata"`
}

// DateRange bounds step rows by created_at, inclusive. Nil ends are open.
type DateRange struct {
	From *time.Time
	To   *time.Time
}

var validate = validator.New()

type Options struct {
	Clock   clock.Clock
	Logger  *slog.Logger
	Timeout time.Duration
}

// Tracker is the funnel progress service.
type Tracker struct {
	repo    store.FunnelStore
	clock   clock.Clock
	log     *slog.Logger
	timeout time.Duration
}

func NewTracker(repo store.FunnelStore, opts Options) *Tracker {
	t := &Tracker{repo: repo, clock: opts.Clock, log: opts.Logger, timeout: opts.Timeout}
	if t.clock == nil {
		t.clock = clock.System{}
	}
	if t.log == nil {
		t.log = slog.Default()
	}
	t.log = t.log.With("component", "funnel")
	return t
}

func (t *Tracker) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, t.timeout)
}

// CreateStep records a pending step. A user has at most one row per
// funnel step; creating it again returns the stored row unchanged.
func (t *Tracker) CreateStep(ctx context.Context, req CreateStepRequest) (_ *store.FunnelStep, err error) {
	ctx, span := tracing.Start(ctx, "funnel", "CreateStep",
		attribute.String("funnel.name", req.FunnelName), attribute.Int("funnel.step", req.StepNumber))
	defer func() { tracing.End(span, err) }()

	if err := validate.Struct(req); err != nil {
		return nil, apperr.Validation(err)
	}
	step, _, err := t.insertStep(ctx, req)
	return step, err
}

func (t *Tracker) insertStep(ctx context.Context, req CreateStepRequest) (*store.FunnelStep, bool, error) {
	now := t.clock.Now()
	step := &store.FunnelStep{
		ID:               uuid.NewString(),
		UserID:           req.UserID,
		ClientID:         req.ClientID,
		FunnelName:       req.FunnelName,
		StepNumber:       req.StepNumber,
		StepName:         req.StepName,
		StepDescription:  req.StepDescription,
		TimeSpentSeconds: req.TimeSpentSeconds,
		Metadata:         req.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	sctx, cancel := t.storeCtx(ctx)
	defer cancel()
	stored, created, err := t.repo.CreateFunnelStep(sctx, step)
	if err != nil {
		return nil, false, apperr.Transient("create funnel step", err)
	}
	return stored, created, nil
}

// CompleteStep stamps completed_at = now on a step. Completing an already
// completed step moves its completion time forward.
func (t *Tracker) CompleteStep(ctx context.Context, stepID string, timeSpent *int, metadata map[string]any) (_ *store.FunnelStep, err error) {
	ctx, span := tracing.Start(ctx, "funnel", "CompleteStep", attribute.String("funnel.step_id", stepID))
	defer func() { tracing.End(span, err) }()

	if timeSpent != nil && *timeSpent < 0 {
		return nil, apperr.Invalid("INVALID_REQUEST", "time_spent_seconds must not be negative", nil)
	}

	sctx, cancel := t.storeCtx(ctx)
	defer cancel()
	step, err := t.repo.CompleteFunnelStep(sctx, stepID, t.clock.Now(), timeSpent, metadata)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("funnel step", stepID)
	}
	if err != nil {
		return nil, apperr.Transient("complete funnel step", err)
	}
	t.log.Debug("funnel step completed", "step_id", stepID, "funnel", step.FunnelName, "step", step.StepNumber)
	return step, nil
}

// TrackProgress completes the user's existing row for the step, or
// creates it pending when this is the first time the step is seen. When
// a concurrent call creates the row first, this call completes it.
func (t *Tracker) TrackProgress(ctx context.Context, req ProgressRequest) (*store.FunnelStep, error) {
	if err := validate.Struct(req); err != nil {
		return nil, apperr.Validation(err)
	}

	sctx, cancel := t.storeCtx(ctx)
	existing, err := t.repo.FindFunnelStep(sctx, req.UserID, req.FunnelName, req.StepNumber)
	cancel()
	switch {
	case err == nil:
		return t.CompleteStep(ctx, existing.ID, req.TimeSpentSeconds, req.Metadata)
	case errors.Is(err, store.ErrNotFound):
		step, created, err := t.insertStep(ctx, CreateStepRequest{
			UserID:           req.UserID,
			ClientID:         req.ClientID,
			FunnelName:       req.FunnelName,
			StepNumber:       req.StepNumber,
			StepName:         req.StepName,
			TimeSpentSeconds: req.TimeSpentSeconds,
			Metadata:         req.Metadata,
		})
		if err != nil || created {
			return step, err
		}
		return t.CompleteStep(ctx, step.ID, req.TimeSpentSeconds, req.Metadata)
	default:
		return nil, apperr.Transient("find funnel step", err)
	}
}

// ConversionRate reports the percent of users seen at startStep who
// completed endStep, optionally limited to rows created within dr.
func (t *Tracker) ConversionRate(ctx context.Context, funnelName string, startStep, endStep int, dr *DateRange) (_ float64, err error) {
	ctx, span := tracing.Start(ctx, "funnel", "ConversionRate", attribute.String("funnel.name", funnelName))
	defer func() { tracing.End(span, err) }()

	filter := store.FunnelFilter{FunnelName: funnelName}
	if dr != nil {
		filter.From, filter.To = dr.From, dr.To
	}
	sctx, cancel := t.storeCtx(ctx)
	defer cancel()
	steps, err := t.repo.ListFunnelSteps(sctx, filter)
	if err != nil {
		return 0, apperr.Transient("list funnel steps", err)
	}
	return ConversionRate(steps, startStep, endStep), nil
}

func (t *Tracker) CompletionStats(ctx context.Context, funnelName string) (*CompletionStats, error) {
	sctx, cancel := t.storeCtx(ctx)
	defer cancel()
	steps, err := t.repo.ListFunnelSteps(sctx, store.FunnelFilter{FunnelName: funnelName})
	if err != nil {
		return nil, apperr.Transient("list funnel steps", err)
	}
	cs := Completion(steps)
	return &cs, nil
}

// UserSteps returns a user's steps ordered by step number. An empty
// funnelName spans every funnel.
func (t *Tracker) UserSteps(ctx context.Context, userID, funnelName string) ([]*store.FunnelStep, error) {
	sctx, cancel := t.storeCtx(ctx)
	defer cancel()
	steps, err := t.repo.ListFunnelSteps(sctx, store.FunnelFilter{UserID: userID, FunnelName: funnelName})
	if err != nil {
		return nil, apperr.Transient("list funnel steps", err)
	}
	return steps, nil
}

// Rows returns raw step rows matching filter, newest first.
func (t *Tracker) Rows(ctx context.Context, filter store.FunnelFilter) ([]*store.FunnelStep, error) {
	sctx, cancel := t.storeCtx(ctx)
	defer cancel()
	steps, err := t.repo.ListFunnelSteps(sctx, filter)
	if err != nil {
		return nil, apperr.Transient("list funnel steps", err)
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].CreatedAt.After(steps[j].CreatedAt) })
	return steps, nil
}
