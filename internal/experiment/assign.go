package experiment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gkobilansky/cohort/internal/apperr"
	"github.com/gkobilansky/cohort/internal/store"
	"github.com/gkobilansky/cohort/internal/tracing"
)

// Assign returns the user's variant for an experiment, bucketing and
// persisting on first contact. An existing assignment is returned as is,
// even when the experiment is no longer active.
func (s *Service) Assign(ctx context.Context, userID, experimentID string) (_ *store.Assignment, err error) {
	start := time.Now()
	defer s.metrics.Observe("experiment.assign", start)

	ctx, span := tracing.Start(ctx, "experiment", "Assign",
		attribute.String("user.id", userID), attribute.String("experiment.id", experimentID))
	defer func() { tracing.End(span, err) }()

	sctx, cancel := s.storeCtx(ctx)
	existing, err := s.repo.GetAssignment(sctx, userID, experimentID)
	cancel()
	if err == nil {
		s.metrics.Assignment(false)
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Transient("get assignment", err)
	}

	e, err := s.Get(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if e.Status != store.StatusActive {
		return nil, apperr.New(apperr.KindExperimentNotActive, "EXPERIMENT_NOT_ACTIVE",
			fmt.Sprintf("Experiment %s is %s", experimentID, e.Status),
			map[string]any{"experiment_id": experimentID, "status": string(e.Status)})
	}
	if err := checkVariants(e); err != nil {
		return nil, err
	}

	bucket := s.hasher.Bucket(userID)
	variant := SelectVariant(e.Variants, bucket)

	sctx, cancel = s.storeCtx(ctx)
	defer cancel()
	stored, created, err := s.repo.CreateAssignment(sctx, &store.Assignment{
		ID:           uuid.NewString(),
		UserID:       userID,
		ExperimentID: experimentID,
		VariantID:    variant.ID,
		AssignedAt:   s.clock.Now(),
	})
	if err != nil {
		return nil, apperr.Transient("create assignment", err)
	}

	s.metrics.Assignment(created)
	if created {
		s.log.Debug("user assigned", "user_id", userID, "experiment_id", experimentID,
			"variant", variant.Name, "bucket", bucket)
	}
	return stored, nil
}

// TrackConversion marks the user's assignment converted. A repeat call
// overwrites the conversion time and value.
func (s *Service) TrackConversion(ctx context.Context, userID, experimentID string, value *float64, metadata map[string]any) (_ *store.Assignment, err error) {
	ctx, span := tracing.Start(ctx, "experiment", "TrackConversion",
		attribute.String("user.id", userID), attribute.String("experiment.id", experimentID))
	defer func() { tracing.End(span, err) }()

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	a, err := s.repo.RecordConversion(sctx, userID, experimentID, s.clock.Now(), value, metadata)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.KindNotFound, "USER_ASSIGNMENT_NOT_FOUND",
			fmt.Sprintf("User assignment not found for user %s in experiment %s", userID, experimentID),
			map[string]any{"user_id": userID, "experiment_id": experimentID})
	}
	if err != nil {
		return nil, apperr.Transient("record conversion", err)
	}

	s.metrics.Conversion()
	return a, nil
}
