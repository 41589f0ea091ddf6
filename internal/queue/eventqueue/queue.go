package eventqueue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/aridsondez/eventqueue/internal/metrics"
	"github.com/aridsondez/eventqueue/internal/queue"
	"github.com/aridsondez/eventqueue/internal/queue/scheduler"
	"github.com/aridsondez/eventqueue/internal/queue/store"
	"github.com/aridsondez/eventqueue/internal/submission"
)

const (
	DefaultProcessInterval = 10 * time.Second
	DefaultStartDelay      = 10 * time.Second

	// NoStartDelay as Options.StartDelay runs the first cycle right after Start.
	NoStartDelay time.Duration = -1

	// DefaultSuspendDuration applies to 503, 402 and manual suspends.
	DefaultSuspendDuration         = 5 * time.Minute
	UnauthenticatedSuspendDuration = 15 * time.Minute
	NotFoundSuspendDuration        = 4 * time.Hour
)

// Suspension reasons, used as metric labels.
const (
	reasonManual             = "manual"
	reasonServiceUnavailable = "service_unavailable"
	reasonPaymentRequired    = "payment_required"
	reasonUnauthenticated    = "unauthenticated"
	reasonNotFound           = "not_found"
)

// Switch reports whether queue processing is enabled.
type Switch interface {
	Enabled() bool
}

type alwaysOn struct{}

func (alwaysOn) Enabled() bool { return true }

// Options configure a Queue. Zero values take the defaults.
type Options struct {
	ProcessInterval time.Duration
	StartDelay      time.Duration // NoStartDelay for none
	BatchSize       int
	Serializer      queue.Serializer
	Switch          Switch
	Clock           clock.Clock
	Logger          *zap.Logger
}

// SuspendOptions configure SuspendProcessing.
type SuspendOptions struct {
	Duration                 time.Duration // default: DefaultSuspendDuration
	DiscardFutureQueuedItems bool
	ClearQueue               bool
}

// PurgeResult is the outcome of a best-effort purge. It is logged, never returned.
type PurgeResult struct {
	Cutoff  time.Time
	Removed int
	Err     error
}

// Status is a point-in-time snapshot of the queue state.
type Status struct {
	Enabled         bool       `json:"enabled"`
	Processing      bool       `json:"processing"`
	SuspendedUntil  *time.Time `json:"suspended_until,omitempty"`
	DiscardingUntil *time.Time `json:"discarding_until,omitempty"`
	Pending         *int       `json:"pending,omitempty"`
}

// Queue persists events on Enqueue and drains them to a Transport in
// batches, backing off according to the remote response.
type Queue struct {
	store      store.Store
	transport  submission.Transport
	serializer queue.Serializer
	sw         Switch
	clock      clock.Clock
	log        *zap.Logger
	batchSize  int
	sched      *scheduler.Scheduler

	processing atomic.Bool

	mu           sync.RWMutex
	suspendUntil time.Time
	discardUntil time.Time

	closeOnce sync.Once
}

// New creates a Queue over st and tr. Call Start to begin periodic draining.
func New(st store.Store, tr submission.Transport, opts Options) *Queue {
	if opts.ProcessInterval <= 0 {
		opts.ProcessInterval = DefaultProcessInterval
	}
	switch {
	case opts.StartDelay == 0:
		opts.StartDelay = DefaultStartDelay
	case opts.StartDelay < 0:
		opts.StartDelay = 0
	}
	if opts.Serializer == nil {
		opts.Serializer = queue.JSONSerializer{}
	}
	if opts.Switch == nil {
		opts.Switch = alwaysOn{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	q := &Queue{
		store:      st,
		transport:  tr,
		serializer: opts.Serializer,
		sw:         opts.Switch,
		clock:      opts.Clock,
		log:        opts.Logger,
		batchSize:  store.Limit(opts.BatchSize),
	}
	q.sched = scheduler.New(opts.Clock, opts.StartDelay, opts.ProcessInterval, func() {
		q.Process(context.Background(), 0)
	}, opts.Logger.Named("scheduler"))
	return q
}

// Start arms the periodic drain.
func (q *Queue) Start() {
	q.sched.Start()
}

// Enqueue persists ev under a fresh item name. While the discard window is
// open the event is dropped and nil is returned.
func (q *Queue) Enqueue(ctx context.Context, ev queue.Event) error {
	if q.AreQueuedItemsDiscarded() {
		metrics.EventsDiscarded.Inc()
		q.log.Info("queued_items_discarded", zap.String("type", ev.Type))
		return nil
	}

	payload, err := q.serializer.Marshal(ev)
	if err != nil {
		metrics.EnqueueErrors.Inc()
		return fmt.Errorf("enqueue event: %w", err)
	}
	name := queue.NewItemName()
	if err := q.store.Write(ctx, name, payload); err != nil {
		metrics.EnqueueErrors.Inc()
		return fmt.Errorf("enqueue event: %w", err)
	}
	metrics.EventsEnqueued.Inc()
	q.log.Debug("event_enqueued", zap.String("name", name), zap.String("type", ev.Type))
	return nil
}

// Process runs one drain cycle after delay. It returns without doing
// anything when processing is suspended, disabled, or already running.
// Failures are logged; Process never reports them.
func (q *Queue) Process(ctx context.Context, delay time.Duration) {
	if delay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-q.clock.After(delay):
		}
	}

	if q.IsQueueProcessingSuspended() {
		metrics.CyclesSkipped.WithLabelValues("suspended").Inc()
		return
	}
	if !q.sw.Enabled() {
		metrics.CyclesSkipped.WithLabelValues("disabled").Inc()
		q.log.Debug("queue_processing_disabled")
		return
	}
	if !q.processing.CompareAndSwap(false, true) {
		metrics.CyclesSkipped.WithLabelValues("busy").Inc()
		q.log.Debug("queue_already_processing")
		return
	}
	defer q.processing.Store(false)

	if err := q.drain(ctx); err != nil {
		metrics.CycleErrors.Inc()
		q.log.Error("queue_cycle_failed", zap.Error(err))
	}
}

func (q *Queue) drain(ctx context.Context) error {
	items, err := q.store.FetchBatch(ctx, q.batchSize)
	if err != nil {
		// Anything leased before the failure goes back.
		if len(items) > 0 {
			if rerr := q.store.ReleaseBatch(context.WithoutCancel(ctx), items); rerr != nil {
				q.log.Error("queue_release_failed", zap.Error(rerr))
			}
		}
		return fmt.Errorf("fetch batch: %w", err)
	}
	if len(items) == 0 {
		return nil
	}

	batch, err := q.decode(ctx, items)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}
	fetched := make([]queue.Item, 0, len(batch))
	events := make([]queue.Event, 0, len(batch))
	for _, e := range batch {
		fetched = append(fetched, e.Item)
		events = append(events, e.Event)
	}

	q.log.Info("queue_submitting_batch", zap.Int("count", len(events)))
	start := q.clock.Now()
	resp, err := q.transport.Submit(ctx, events)
	metrics.SubmitDuration.Observe(q.clock.Since(start).Seconds())

	outcome, remove := q.classify(ctx, resp, err)
	metrics.BatchesSubmitted.WithLabelValues(outcome).Inc()
	if outcome == metrics.OutcomeSuccess {
		metrics.EventsSubmitted.Add(float64(len(events)))
	}

	// The batch is leased; dispose of it even if the caller has given up.
	dctx := context.WithoutCancel(ctx)
	if remove {
		if err := q.store.DeleteBatch(dctx, fetched); err != nil {
			if rerr := q.store.ReleaseBatch(dctx, fetched); rerr != nil {
				q.log.Error("queue_release_failed", zap.Error(rerr))
			}
			return fmt.Errorf("delete batch: %w", err)
		}
		return nil
	}
	if err := q.store.ReleaseBatch(dctx, fetched); err != nil {
		return fmt.Errorf("release batch: %w", err)
	}
	return nil
}

// decode drops, and deletes from the store, items whose payload is unreadable.
func (q *Queue) decode(ctx context.Context, items []queue.Item) ([]queue.BatchEntry, error) {
	batch := make([]queue.BatchEntry, 0, len(items))
	var bad []queue.Item
	for _, it := range items {
		ev, err := q.serializer.Unmarshal(it.Payload)
		if err != nil {
			q.log.Warn("queue_item_unreadable", zap.String("name", it.Name), zap.Error(err))
			bad = append(bad, it)
			continue
		}
		batch = append(batch, queue.BatchEntry{Item: it, Event: ev})
	}
	if len(bad) > 0 {
		if err := q.store.DeleteBatch(ctx, bad); err != nil {
			// Release the whole fetch, unreadable items included, so none stay leased.
			if rerr := q.store.ReleaseBatch(context.WithoutCancel(ctx), items); rerr != nil {
				q.log.Error("queue_release_failed", zap.Error(rerr))
			}
			return nil, fmt.Errorf("delete unreadable items: %w", err)
		}
	}
	return batch, nil
}

// classify applies the backoff for resp and reports whether the batch
// should be deleted rather than released.
func (q *Queue) classify(ctx context.Context, resp submission.Response, err error) (string, bool) {
	switch {
	case err != nil:
		q.log.Error("queue_submit_failed", zap.Error(err))
		return metrics.OutcomeError, false
	case resp.Success():
		q.log.Info("queue_batch_submitted")
		return metrics.OutcomeSuccess, true
	case resp.ServiceUnavailable():
		q.log.Warn("queue_service_unavailable", zap.String("message", resp.Message))
		q.suspend(ctx, reasonServiceUnavailable, SuspendOptions{})
		return metrics.OutcomeServiceUnavailable, false
	case resp.PaymentRequired():
		q.log.Warn("queue_payment_required", zap.String("message", resp.Message))
		q.suspend(ctx, reasonPaymentRequired, SuspendOptions{DiscardFutureQueuedItems: true, ClearQueue: true})
		return metrics.OutcomePaymentRequired, true
	case resp.UnableToAuthenticate():
		q.log.Warn("queue_unable_to_authenticate", zap.Int("status", resp.StatusCode))
		q.suspend(ctx, reasonUnauthenticated, SuspendOptions{Duration: UnauthenticatedSuspendDuration})
		return metrics.OutcomeUnauthenticated, false
	case resp.NotFound():
		q.log.Warn("queue_endpoint_not_found")
		q.suspend(ctx, reasonNotFound, SuspendOptions{Duration: NotFoundSuspendDuration})
		return metrics.OutcomeNotFound, false
	default:
		q.log.Error("queue_submit_rejected", zap.Int("status", resp.StatusCode), zap.String("message", resp.Message))
		return metrics.OutcomeFailed, false
	}
}

// SuspendProcessing stops drain cycles for opts.Duration and moves the next
// scheduled cycle to the end of the window.
func (q *Queue) SuspendProcessing(ctx context.Context, opts SuspendOptions) {
	q.suspend(ctx, reasonManual, opts)
}

func (q *Queue) suspend(ctx context.Context, reason string, opts SuspendOptions) {
	d := opts.Duration
	if d <= 0 {
		d = DefaultSuspendDuration
	}
	now := q.clock.Now()
	until := now.Add(d)

	q.mu.Lock()
	q.suspendUntil = until
	if opts.DiscardFutureQueuedItems {
		q.discardUntil = until
	}
	q.mu.Unlock()

	q.sched.Change(d)
	metrics.Suspensions.WithLabelValues(reason).Inc()
	q.log.Info("queue_processing_suspended",
		zap.String("reason", reason),
		zap.Time("until", until),
		zap.Bool("discard", opts.DiscardFutureQueuedItems),
	)

	if opts.ClearQueue {
		res := q.purge(ctx, now)
		if res.Err != nil {
			q.log.Warn("queue_purge_failed", zap.Time("cutoff", res.Cutoff), zap.Int("removed", res.Removed), zap.Error(res.Err))
		} else {
			q.log.Info("queue_purged", zap.Time("cutoff", res.Cutoff), zap.Int("removed", res.Removed))
		}
	}
}

func (q *Queue) purge(ctx context.Context, cutoff time.Time) PurgeResult {
	n, err := q.store.DeleteOlderThan(ctx, cutoff)
	if n > 0 {
		metrics.ItemsPurged.Add(float64(n))
	}
	return PurgeResult{Cutoff: cutoff, Removed: n, Err: err}
}

// IsQueueProcessingSuspended reports whether the suspend window is open.
func (q *Queue) IsQueueProcessingSuspended() bool {
	q.mu.RLock()
	until := q.suspendUntil
	q.mu.RUnlock()
	return !until.IsZero() && until.After(q.clock.Now())
}

// AreQueuedItemsDiscarded reports whether the discard window is open.
func (q *Queue) AreQueuedItemsDiscarded() bool {
	q.mu.RLock()
	until := q.discardUntil
	q.mu.RUnlock()
	return !until.IsZero() && until.After(q.clock.Now())
}

// Status returns a snapshot of the queue. Pending is set when the store can count.
func (q *Queue) Status(ctx context.Context) Status {
	now := q.clock.Now()
	q.mu.RLock()
	suspend, discard := q.suspendUntil, q.discardUntil
	q.mu.RUnlock()

	st := Status{
		Enabled:    q.sw.Enabled(),
		Processing: q.processing.Load(),
	}
	if suspend.After(now) {
		st.SuspendedUntil = &suspend
	}
	if discard.After(now) {
		st.DiscardingUntil = &discard
	}
	if sz, ok := q.store.(store.Sizer); ok {
		if n, err := sz.Len(ctx); err == nil {
			st.Pending = &n
		} else {
			q.log.Warn("queue_len_failed", zap.Error(err))
		}
	}
	return st
}

// Close stops the periodic drain. A cycle already running is left to
// finish. The store is not closed. Close is idempotent.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		q.sched.Stop()
		q.log.Info("queue_closed")
	})
	return nil
}
