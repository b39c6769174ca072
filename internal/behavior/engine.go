// Package behavior records behavior events and maintains per-user
// engagement profiles: a decaying engagement score, recurring patterns
// and open risk factors.
package behavior

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gkobilansky/cohort/internal/apperr"
	"github.com/gkobilansky/cohort/internal/clock"
	"github.com/gkobilansky/cohort/internal/metrics"
	"github.com/gkobilansky/cohort/internal/store"
	"github.com/gkobilansky/cohort/internal/tracing"
)

const (
	DefaultLockStripes = 64
	DefaultMaxRetries  = 3
)

type Options struct {
	Clock       clock.Clock
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Timeout     time.Duration
	LockStripes int
	// MaxRetries bounds reload-and-recompute cycles after a version
	// conflict from another writer.
	MaxRetries int

	AtRiskThreshold float64 // default 50
	AtRiskLimit     int     // default 100
}

type EventInput struct {
	UserID    string         `json:"user_id" validate:"required"`
	ClientID  string         `json:"client_id"`
	EventType string         `json:"event_type" validate:"required,max=100"`
	Data      map[string]any `json:"event_data"`
	SessionID string         `json:"session_id"`
	IPAddress string         `json:"ip_address" validate:"omitempty,ip"`
	UserAgent string         `json:"user_agent"`
}

// TrackResult is the stored event and the profile after applying it.
type TrackResult struct {
	Event    *store.BehaviorEvent
	Profile  *store.BehaviorProfile
	NewRisks []store.RiskFactor
}

var validate = validator.New()

// Validate checks the input without touching the store.
func (in EventInput) Validate() error {
	if err := validate.Struct(in); err != nil {
		return apperr.Validation(err)
	}
	return nil
}

type Engine struct {
	repo    store.BehaviorStore
	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration
	locks   *keyLock
	retries int

	atRiskThreshold float64
	atRiskLimit     int
}

func NewEngine(repo store.BehaviorStore, opts Options) *Engine {
	e := &Engine{
		repo:            repo,
		clock:           opts.Clock,
		log:             opts.Logger,
		metrics:         opts.Metrics,
		timeout:         opts.Timeout,
		retries:         opts.MaxRetries,
		atRiskThreshold: opts.AtRiskThreshold,
		atRiskLimit:     opts.AtRiskLimit,
	}
	if e.clock == nil {
		e.clock = clock.System{}
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	e.log = e.log.With("component", "behavior")
	if opts.LockStripes <= 0 {
		opts.LockStripes = DefaultLockStripes
	}
	e.locks = newKeyLock(opts.LockStripes)
	if e.retries <= 0 {
		e.retries = DefaultMaxRetries
	}
	if e.atRiskThreshold <= 0 {
		e.atRiskThreshold = 50
	}
	if e.atRiskLimit <= 0 {
		e.atRiskLimit = 100
	}
	return e
}

func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.timeout)
}

// TrackEvent stores the event and folds it into the (user, client)
// profile, creating the profile on first contact. Updates to one profile
// are serialized in process; a write that loses to another process is
// recomputed from the fresh row.
func (e *Engine) TrackEvent(ctx context.Context, in EventInput) (_ *TrackResult, err error) {
	start := time.Now()
	defer e.metrics.Observe("behavior.track_event", start)

	ctx, span := tracing.Start(ctx, "behavior", "TrackEvent",
		attribute.String("user.id", in.UserID), attribute.String("event.type", in.EventType))
	defer func() { tracing.End(span, err) }()

	if err := in.Validate(); err != nil {
		return nil, err
	}

	ev := &store.BehaviorEvent{
		ID:         uuid.NewString(),
		UserID:     in.UserID,
		ClientID:   in.ClientID,
		EventType:  in.EventType,
		Data:       in.Data,
		SessionID:  in.SessionID,
		IPAddress:  in.IPAddress,
		UserAgent:  in.UserAgent,
		OccurredAt: e.clock.Now(),
	}
	sctx, cancel := e.storeCtx(ctx)
	err = e.repo.InsertBehaviorEvent(sctx, ev)
	cancel()
	if err != nil {
		return nil, apperr.Transient("insert behavior event", err)
	}

	unlock := e.locks.lock(profileKey(in.UserID, in.ClientID))
	defer unlock()

	for attempt := 0; attempt <= e.retries; attempt++ {
		p, err := e.loadOrCreate(ctx, in.UserID, in.ClientID)
		if err != nil {
			return nil, err
		}

		now := e.clock.Now()
		risks := Apply(p, in.EventType, in.Data, now)
		p.UpdatedAt = now

		sctx, cancel := e.storeCtx(ctx)
		err = e.repo.SaveBehaviorProfile(sctx, p)
		cancel()
		if errors.Is(err, store.ErrVersionConflict) {
			e.metrics.ProfileConflict()
			e.log.Debug("profile version conflict", "user_id", in.UserID, "client_id", in.ClientID, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, apperr.Transient("save behavior profile", err)
		}

		e.metrics.EventTracked(in.EventType)
		for _, r := range risks {
			e.metrics.RiskDetected(r.Factor)
			e.log.Info("risk factor detected", "user_id", in.UserID, "client_id", in.ClientID,
				"factor", r.Factor, "severity", string(r.Severity))
		}
		return &TrackResult{Event: ev, Profile: p, NewRisks: risks}, nil
	}

	return nil, apperr.New(apperr.KindConcurrentUpdate, "CONCURRENT_UPDATE",
		fmt.Sprintf("profile for user %s changed concurrently %d times", in.UserID, e.retries+1),
		map[string]any{"user_id": in.UserID, "client_id": in.ClientID})
}

func (e *Engine) loadOrCreate(ctx context.Context, userID, clientID string) (*store.BehaviorProfile, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	p, err := e.repo.GetBehaviorProfile(sctx, userID, clientID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Transient("get behavior profile", err)
	}

	now := e.clock.Now()
	p, err = e.repo.CreateBehaviorProfile(sctx, &store.BehaviorProfile{
		ID:             uuid.NewString(),
		UserID:         userID,
		ClientID:       clientID,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return nil, apperr.Transient("create behavior profile", err)
	}
	return p, nil
}

// GetBehaviorProfile returns the profile for (user, client).
func (e *Engine) GetBehaviorProfile(ctx context.Context, userID, clientID string) (*store.BehaviorProfile, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	p, err := e.repo.GetBehaviorProfile(sctx, userID, clientID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("behavior profile", userID)
	}
	if err != nil {
		return nil, apperr.Transient("get behavior profile", err)
	}
	return p, nil
}

type EventQuery struct {
	UserID    string
	ClientID  string
	EventType string
	Limit     int // default 100
	Offset    int
}

// GetBehaviorEvents pages through a user's events, newest first.
func (e *Engine) GetBehaviorEvents(ctx context.Context, q EventQuery) ([]*store.BehaviorEvent, error) {
	if q.UserID == "" {
		return nil, apperr.Invalid("INVALID_REQUEST", "user_id is required", nil)
	}
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	events, err := e.repo.ListBehaviorEvents(sctx, store.BehaviorEventFilter{
		UserID:    q.UserID,
		ClientID:  q.ClientID,
		EventType: q.EventType,
		Limit:     q.Limit,
		Offset:    q.Offset,
	})
	if err != nil {
		return nil, apperr.Transient("list behavior events", err)
	}
	return events, nil
}

// PurgeEvents deletes stored events older than before. Profiles keep the
// state already derived from them.
func (e *Engine) PurgeEvents(ctx context.Context, userID string, before time.Time) (int64, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	n, err := e.repo.DeleteBehaviorEvents(sctx, userID, before)
	if err != nil {
		return 0, apperr.Transient("delete behavior events", err)
	}
	e.log.Info("behavior events purged", "user_id", userID, "before", before, "deleted", n)
	return n, nil
}

// AtRiskQuery selects profiles with engagement below Threshold. A zero
// Threshold or Limit takes the engine default; an empty ClientID spans
// every scope.
type AtRiskQuery struct {
	ClientID  string
	Threshold float64
	Limit     int
}

// GetAtRiskUsers returns the lowest-scoring profiles first.
func (e *Engine) GetAtRiskUsers(ctx context.Context, q AtRiskQuery) ([]*store.BehaviorProfile, error) {
	if q.Threshold <= 0 {
		q.Threshold = e.atRiskThreshold
	}
	if q.Limit <= 0 {
		q.Limit = e.atRiskLimit
	}
	filter := store.ProfileFilter{MaxScore: &q.Threshold, Limit: q.Limit}
	if q.ClientID != "" {
		filter.ClientID = &q.ClientID
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	profiles, err := e.repo.ListBehaviorProfiles(sctx, filter)
	if err != nil {
		return nil, apperr.Transient("list behavior profiles", err)
	}
	return profiles, nil
}

// ResolveRiskFactor closes the open risk factor named factor. It reports
// false when no such factor was open.
func (e *Engine) ResolveRiskFactor(ctx context.Context, userID, clientID, factor string) (bool, error) {
	unlock := e.locks.lock(profileKey(userID, clientID))
	defer unlock()

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	resolved, err := e.repo.ResolveRiskFactor(sctx, userID, clientID, factor, e.clock.Now())
	if err != nil {
		return false, apperr.Transient("resolve risk factor", err)
	}
	if resolved {
		e.log.Info("risk factor resolved", "user_id", userID, "client_id", clientID, "factor", factor)
	}
	return resolved, nil
}
