// Package experiment runs A/B experiments: validated creation, lifecycle
// transitions, deterministic sticky variant assignment, conversion
// tracking and per-variant results.
package experiment

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gkobilansky/cohort/internal/apperr"
	"github.com/gkobilansky/cohort/internal/clock"
	"github.com/gkobilansky/cohort/internal/metrics"
	"github.com/gkobilansky/cohort/internal/store"
	"github.com/gkobilansky/cohort/internal/tracing"
)

type Options struct {
	Clock   clock.Clock
	Hasher  Hasher
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Timeout time.Duration // per store call; zero disables
}

type Service struct {
	repo    store.ExperimentStore
	clock   clock.Clock
	hasher  Hasher
	log     *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration
}

func NewService(repo store.ExperimentStore, opts Options) *Service {
	s := &Service{
		repo:    repo,
		clock:   opts.Clock,
		hasher:  opts.Hasher,
		log:     opts.Logger,
		metrics: opts.Metrics,
		timeout: opts.Timeout,
	}
	if s.clock == nil {
		s.clock = clock.System{}
	}
	if s.hasher == nil {
		s.hasher = LegacyHasher{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "experiment")
	return s
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// CreateExperiment validates req and stores a draft experiment with its
// variants. Nothing is written when validation fails.
func (s *Service) CreateExperiment(ctx context.Context, req CreateRequest) (_ *store.Experiment, err error) {
	ctx, span := tracing.Start(ctx, "experiment", "Create", attribute.String("experiment.name", req.Name))
	defer func() { tracing.End(span, err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	e := &store.Experiment{
		ID:             uuid.NewString(),
		Name:           req.Name,
		Description:    req.Description,
		ExperimentType: req.ExperimentType,
		Status:         store.StatusDraft,
		TargetAudience: req.TargetAudience,
		SuccessMetrics: req.SuccessMetrics,
		Configuration:  req.Configuration,
		CreatedBy:      req.CreatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, v := range req.Variants {
		e.Variants = append(e.Variants, store.Variant{
			ID:                uuid.NewString(),
			Name:              v.Name,
			Description:       v.Description,
			TrafficPercentage: v.TrafficPercentage,
			IsControl:         v.IsControl,
			Configuration:     v.Configuration,
			CreatedAt:         now,
		})
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.repo.CreateExperiment(sctx, e); err != nil {
		return nil, apperr.Transient("create experiment", err)
	}

	s.log.Info("experiment created", "experiment_id", e.ID, "name", e.Name, "variants", len(e.Variants))
	return e, nil
}

func (s *Service) Get(ctx context.Context, id string) (*store.Experiment, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	e, err := s.repo.GetExperiment(sctx, id)
	if err != nil {
		return nil, storeErr("get experiment", err, "experiment", id)
	}
	return e, nil
}

func (s *Service) List(ctx context.Context, filter store.ExperimentFilter) ([]*store.Experiment, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	experiments, err := s.repo.ListExperiments(sctx, filter)
	if err != nil {
		return nil, apperr.Transient("list experiments", err)
	}
	return experiments, nil
}

// UserAssignments returns every assignment held by a user, newest first.
func (s *Service) UserAssignments(ctx context.Context, userID string) ([]*store.Assignment, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	assignments, err := s.repo.ListUserAssignments(sctx, userID)
	if err != nil {
		return nil, apperr.Transient("list user assignments", err)
	}
	return assignments, nil
}

// storeErr maps store.ErrNotFound to a domain NotFound for entity/id and
// anything else to Transient.
func storeErr(op string, err error, entity, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound(entity, id)
	}
	return apperr.Transient(op, err)
}
