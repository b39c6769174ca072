package personalization

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/gkobilansky/cohort/internal/apperr"
	"github.com/gkobilansky/cohort/internal/store"
	"github.com/gkobilansky/cohort/internal/tracing"
)

type SegmentRequest struct {
	Name        string         `json:"name" validate:"required,max=200"`
	Description string         `json:"description"`
	Criteria    map[string]any `json:"segment_criteria" validate:"required"`
	CreatedBy   string         `json:"created_by"`
}

type SegmentUpdate struct {
	Name        *string        `json:"name"`
	Description *string        `json:"description"`
	Criteria    map[string]any `json:"segment_criteria"`
	IsActive    *bool          `json:"is_active"`
}

func (e *Engine) CreateSegment(ctx context.Context, req SegmentRequest) (*store.UserSegment, error) {
	if err := validate.Struct(req); err != nil {
		return nil, apperr.Validation(err)
	}
	if err := ValidateCriteria(req.Criteria); err != nil {
		return nil, err
	}

	now := e.clock.Now()
	seg := &store.UserSegment{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		Criteria:    req.Criteria,
		IsActive:    true,
		CreatedBy:   req.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.repo.CreateSegment(sctx, seg); err != nil {
		return nil, apperr.Transient("create segment", err)
	}
	e.log.Info("segment created", "segment_id", seg.ID, "name", seg.Name)
	return seg, nil
}

func (e *Engine) GetSegment(ctx context.Context, id string) (*store.UserSegment, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	seg, err := e.repo.GetSegment(sctx, id)
	if err != nil {
		return nil, storeErr("get segment", err, "segment", id)
	}
	return seg, nil
}

func (e *Engine) ListSegments(ctx context.Context, activeOnly bool) ([]*store.UserSegment, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	segs, err := e.repo.ListSegments(sctx, activeOnly)
	if err != nil {
		return nil, apperr.Transient("list segments", err)
	}
	return segs, nil
}

func (e *Engine) UpdateSegment(ctx context.Context, id string, upd SegmentUpdate) (*store.UserSegment, error) {
	seg, err := e.GetSegment(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.Name != nil {
		if *upd.Name == "" {
			return nil, apperr.Invalid("INVALID_REQUEST", "name must not be empty", nil)
		}
		seg.Name = *upd.Name
	}
	if upd.Description != nil {
		seg.Description = *upd.Description
	}
	if upd.Criteria != nil {
		if err := ValidateCriteria(upd.Criteria); err != nil {
			return nil, err
		}
		seg.Criteria = upd.Criteria
	}
	if upd.IsActive != nil {
		seg.IsActive = *upd.IsActive
	}
	seg.UpdatedAt = e.clock.Now()

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.repo.UpdateSegment(sctx, seg); err != nil {
		return nil, storeErr("update segment", err, "segment", id)
	}
	return seg, nil
}

func (e *Engine) DeleteSegment(ctx context.Context, id string) error {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.repo.DeleteSegment(sctx, id); err != nil {
		return storeErr("delete segment", err, "segment", id)
	}
	return nil
}

// loadFacts reads what segment predicates need. A user missing from the
// directory yields nil facts and no error.
func (e *Engine) loadFacts(ctx context.Context, userID string) (*facts, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	user, err := e.repo.GetUser(sctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Transient("get user", err)
	}
	clients, err := e.repo.ListUserClients(sctx, userID)
	if err != nil {
		return nil, apperr.Transient("list user clients", err)
	}
	events, err := e.repo.ListBehaviorEvents(sctx, store.BehaviorEventFilter{UserID: userID})
	if err != nil {
		return nil, apperr.Transient("list behavior events", err)
	}
	return &facts{user: user, clients: clients, events: events}, nil
}

// EvaluateUserForSegment reports whether the user satisfies every
// criterion. Unknown users never match.
func (e *Engine) EvaluateUserForSegment(ctx context.Context, userID string, criteria map[string]any) (bool, error) {
	f, err := e.loadFacts(ctx, userID)
	if err != nil || f == nil {
		return false, err
	}
	return matches(criteria, f), nil
}

// UpdateUserSegmentMemberships re-evaluates the user against every
// active segment, joining or leaving as needed, then recounts members of
// every active segment. It returns the user's memberships afterwards.
func (e *Engine) UpdateUserSegmentMemberships(ctx context.Context, userID string) (_ []*store.SegmentMembership, err error) {
	start := e.clock.Now()
	ctx, span := tracing.Start(ctx, "personalization", "UpdateUserSegmentMemberships", attribute.String("user.id", userID))
	defer func() { tracing.End(span, err) }()

	segments, err := e.ListSegments(ctx, true)
	if err != nil {
		return nil, err
	}
	f, err := e.loadFacts(ctx, userID)
	if err != nil {
		return nil, err
	}

	var current []*store.SegmentMembership
	for _, seg := range segments {
		member := f != nil && matches(seg.Criteria, f)

		m, err := e.membership(ctx, userID, seg.ID)
		if err != nil {
			return nil, err
		}

		switch {
		case member && m == nil:
			m = &store.SegmentMembership{UserID: userID, SegmentID: seg.ID, JoinedAt: start}
			if err := e.withStore(ctx, func(sctx context.Context) error { return e.repo.AddMembership(sctx, m) }); err != nil {
				return nil, apperr.Transient("add membership", err)
			}
			e.log.Debug("user joined segment", "user_id", userID, "segment_id", seg.ID)
			current = append(current, m)
		case !member && m != nil:
			if err := e.withStore(ctx, func(sctx context.Context) error { return e.repo.RemoveMembership(sctx, userID, seg.ID) }); err != nil && !errors.Is(err, store.ErrNotFound) {
				return nil, apperr.Transient("remove membership", err)
			}
			e.log.Debug("user left segment", "user_id", userID, "segment_id", seg.ID)
		case member:
			current = append(current, m)
		}
	}

	e.recount(ctx, segments)
	return current, nil
}

func (e *Engine) membership(ctx context.Context, userID, segmentID string) (*store.SegmentMembership, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	m, err := e.repo.GetMembership(sctx, userID, segmentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Transient("get membership", err)
	}
	return m, nil
}

func (e *Engine) withStore(ctx context.Context, fn func(context.Context) error) error {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	return fn(sctx)
}

// recount rewrites user_count for each segment from a full scan of its
// memberships. Failures are logged and counted, never returned.
func (e *Engine) recount(ctx context.Context, segments []*store.UserSegment) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	now := e.clock.Now()

	for _, seg := range segments {
		g.Go(func() error {
			return e.withStore(gctx, func(sctx context.Context) error {
				n, err := e.repo.CountSegmentMembers(sctx, seg.ID)
				if err != nil {
					return err
				}
				return e.repo.SetSegmentUserCount(sctx, seg.ID, n, now)
			})
		})
	}
	if err := g.Wait(); err != nil {
		e.metrics.BestEffortFailure("segment_recount")
		e.log.Warn("segment recount failed", "error", err)
	}
}

// UserMemberships returns the segments a user currently belongs to.
func (e *Engine) UserMemberships(ctx context.Context, userID string) ([]*store.SegmentMembership, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	ms, err := e.repo.ListUserMemberships(sctx, userID)
	if err != nil {
		return nil, apperr.Transient("list user memberships", err)
	}
	return ms, nil
}
