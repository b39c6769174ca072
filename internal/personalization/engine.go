// Package personalization evaluates personalization triggers and
// maintains rule-based user segments.
package personalization

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/gkobilansky/cohort/internal/apperr"
	"github.com/gkobilansky/cohort/internal/clock"
	"github.com/gkobilansky/cohort/internal/metrics"
	"github.com/gkobilansky/cohort/internal/store"
)

// Repository is the storage the engine reads: triggers, segments and
// memberships, plus the directory and event log segment predicates use.
type Repository interface {
	store.PersonalizationStore
	store.DirectoryStore
	ListBehaviorEvents(ctx context.Context, filter store.BehaviorEventFilter) ([]*store.BehaviorEvent, error)
}

type Options struct {
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Timeout   time.Duration
	Executor  ActionExecutor
	Predicate BehaviorPredicate
	Publisher Publisher
	// Concurrency bounds parallel segment recounts.
	Concurrency int
}

type Engine struct {
	repo        Repository
	clock       clock.Clock
	log         *slog.Logger
	metrics     *metrics.Metrics
	timeout     time.Duration
	executor    ActionExecutor
	predicate   BehaviorPredicate
	publisher   Publisher
	concurrency int
}

var validate = validator.New()

func NewEngine(repo Repository, opts Options) *Engine {
	e := &Engine{
		repo:        repo,
		clock:       opts.Clock,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		timeout:     opts.Timeout,
		executor:    opts.Executor,
		predicate:   opts.Predicate,
		publisher:   opts.Publisher,
		concurrency: opts.Concurrency,
	}
	if e.clock == nil {
		e.clock = clock.System{}
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	e.log = e.log.With("component", "personalization")
	if e.executor == nil {
		e.executor = LogExecutor{Logger: e.log}
	}
	if e.predicate == nil {
		e.predicate = AlwaysMatch{}
	}
	if e.concurrency <= 0 {
		e.concurrency = 4
	}
	return e
}

// SetPublisher replaces the outcome publisher. It must be called before
// the engine is shared between goroutines.
func (e *Engine) SetPublisher(p Publisher) {
	e.publisher = p
}

func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.timeout)
}

func storeErr(op string, err error, entity, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound(entity, id)
	}
	return apperr.Transient(op, err)
}
