// Package ingest queues behavior events and applies them asynchronously.
// Events are sharded by (user, client) so each profile has exactly one
// writer and sees its events in submission order.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/gkobilansky/cohort/internal/apperr"
	"github.com/gkobilansky/cohort/internal/behavior"
	"github.com/gkobilansky/cohort/internal/metrics"
	"github.com/gkobilansky/cohort/internal/personalization"
	"github.com/gkobilansky/cohort/internal/store"
)

// ErrClosed is returned by Submit and TrySubmit after Close.
var ErrClosed = errors.New("ingest pipeline closed")

type Tracker interface {
	TrackEvent(ctx context.Context, in behavior.EventInput) (*behavior.TrackResult, error)
}

type Personalizer interface {
	UpdateUserSegmentMemberships(ctx context.Context, userID string) ([]*store.SegmentMembership, error)
	Evaluate(ctx context.Context, userID, eventType string, eventData map[string]any) ([]personalization.TriggerOutcome, error)
}

type Options struct {
	Shards    int // default 4
	QueueSize int // per shard, default 256
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

type job struct {
	ctx context.Context
	in  behavior.EventInput
}

type Pipeline struct {
	tracker      Tracker
	personalizer Personalizer
	log          *slog.Logger
	metrics      *metrics.Metrics

	shards []chan job
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New starts one worker per shard. personalizer may be nil, in which case
// segments and triggers are left alone.
func New(tracker Tracker, personalizer Personalizer, opts Options) *Pipeline {
	if opts.Shards <= 0 {
		opts.Shards = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	p := &Pipeline{
		tracker:      tracker,
		personalizer: personalizer,
		log:          opts.Logger.With("component", "ingest"),
		metrics:      opts.Metrics,
		shards:       make([]chan job, opts.Shards),
	}
	for i := range p.shards {
		p.shards[i] = make(chan job, opts.QueueSize)
		p.wg.Add(1)
		go p.run(i)
	}
	p.log.Info("ingest pipeline started", "shards", opts.Shards, "queue_size", opts.QueueSize)
	return p
}

func (p *Pipeline) shardFor(in behavior.EventInput) int {
	return int(xxhash.Sum64String(in.UserID+"|"+in.ClientID) % uint64(len(p.shards)))
}

// Submit validates in and queues it, waiting for room until ctx is done.
// The event is applied with ctx's values but not its cancellation.
func (p *Pipeline) Submit(ctx context.Context, in behavior.EventInput) error {
	if err := in.Validate(); err != nil {
		return err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	shard := p.shardFor(in)
	select {
	case p.shards[shard] <- job{ctx: context.WithoutCancel(ctx), in: in}:
		p.metrics.IngestQueued(strconv.Itoa(shard), 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit queues in only if its shard has room; otherwise it returns a
// QueueFull error.
func (p *Pipeline) TrySubmit(ctx context.Context, in behavior.EventInput) error {
	if err := in.Validate(); err != nil {
		return err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	shard := p.shardFor(in)
	select {
	case p.shards[shard] <- job{ctx: context.WithoutCancel(ctx), in: in}:
		p.metrics.IngestQueued(strconv.Itoa(shard), 1)
		return nil
	default:
		p.metrics.IngestRejected()
		return apperr.New(apperr.KindQueueFull, "QUEUE_FULL", "behavior event queue is full",
			map[string]any{"shard": shard, "user_id": in.UserID})
	}
}

// Close stops accepting events and waits until every queued event has
// been applied or ctx is done.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for _, ch := range p.shards {
			close(ch)
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.Info("ingest pipeline drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) run(shard int) {
	defer p.wg.Done()
	label := strconv.Itoa(shard)
	for j := range p.shards[shard] {
		p.metrics.IngestQueued(label, -1)
		p.apply(j)
	}
}

func (p *Pipeline) apply(j job) {
	in := j.in
	res, err := p.tracker.TrackEvent(j.ctx, in)
	if err != nil {
		p.metrics.BestEffortFailure("track_event")
		p.log.Error("failed to apply behavior event", "user_id", in.UserID, "client_id", in.ClientID,
			"event_type", in.EventType, "error", err)
		return
	}
	if p.personalizer == nil {
		return
	}

	if _, err := p.personalizer.UpdateUserSegmentMemberships(j.ctx, in.UserID); err != nil {
		p.metrics.BestEffortFailure("segment_refresh")
		p.log.Warn("segment refresh failed", "user_id", in.UserID, "event_id", res.Event.ID, "error", err)
	}
	if _, err := p.personalizer.Evaluate(j.ctx, in.UserID, in.EventType, in.Data); err != nil {
		p.metrics.BestEffortFailure("trigger_evaluation")
		p.log.Warn("trigger evaluation failed", "user_id", in.UserID, "event_id", res.Event.ID, "error", err)
	}
}
