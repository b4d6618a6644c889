package events

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/nevermiss-ai/textback-platform/internal/observability/metrics"
	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

// Status is the outcome a consumer reports for one envelope.
type Status int

const (
	StatusOK Status = iota
	StatusRetry
	StatusDeadLetter
)

// Result carries the consumer outcome plus an optional retry delay hint.
type Result struct {
	Status Status
	Delay  time.Duration
	Err    error
}

func OK() Result { return Result{Status: StatusOK} }

func Retry(err error) Result { return Result{Status: StatusRetry, Err: err} }

func RetryAfter(err error, delay time.Duration) Result {
	return Result{Status: StatusRetry, Delay: delay, Err: err}
}

func DeadLetter(err error) Result { return Result{Status: StatusDeadLetter, Err: err} }

// Consumer handles dispatched envelopes. Deliveries are at-least-once, so
// implementations must be idempotent.
type Consumer interface {
	Handle(ctx context.Context, env Envelope) Result
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc func(ctx context.Context, env Envelope) Result

func (f ConsumerFunc) Handle(ctx context.Context, env Envelope) Result { return f(ctx, env) }

type registration struct {
	prefix   string
	consumer Consumer
}

// Dispatcher leases pending outbox rows and hands them to registered consumers.
type Dispatcher struct {
	store        *OutboxStore
	logger       *logging.Logger
	metrics      *metrics.OutboxMetrics
	consumers    []registration
	batchSize    int
	workers      int
	interval     time.Duration
	batchTimeout time.Duration
	backoffCap   time.Duration
	randFloat    func() float64

	wg sync.WaitGroup
}

// DispatcherOption customizes dispatcher behavior.
type DispatcherOption func(*Dispatcher)

func WithBatchSize(size int) DispatcherOption {
	return func(d *Dispatcher) {
		if size > 0 {
			d.batchSize = size
		}
	}
}

func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.interval = interval
		}
	}
}

func WithBackoffCap(limit time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if limit > 0 {
			d.backoffCap = limit
		}
	}
}

func WithDispatchMetrics(m *metrics.OutboxMetrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithRandFloat injects the RNG used for retry jitter so tests are deterministic.
func WithRandFloat(f func() float64) DispatcherOption {
	return func(d *Dispatcher) {
		if f != nil {
			d.randFloat = f
		}
	}
}

func NewDispatcher(store *OutboxStore, logger *logging.Logger, opts ...DispatcherOption) *Dispatcher {
	if store == nil {
		panic("events: outbox store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	d := &Dispatcher{
		store:        store,
		logger:       logger,
		batchSize:    100,
		workers:      2,
		interval:     500 * time.Millisecond,
		batchTimeout: 2 * time.Minute,
		backoffCap:   30 * time.Second,
		randFloat:    rand.Float64,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Register subscribes a consumer to every event whose name starts with
// prefix. An empty prefix receives everything.
func (d *Dispatcher) Register(prefix string, c Consumer) {
	if c == nil {
		return
	}
	d.consumers = append(d.consumers, registration{prefix: prefix, consumer: c})
}

// Start launches the worker pool. Workers stop taking new batches once ctx
// is cancelled but always finish the batch in flight; Wait blocks until all
// workers have exited.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func(id int) {
			defer d.wg.Done()
			d.run(ctx, id)
		}(i)
	}
	if d.metrics != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.reportDepth(ctx)
		}()
	}
}

// Wait blocks until every worker has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context, workerID int) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drain(ctx, workerID)
		}
	}
}

// drain leases batches until the backlog is below a full batch or shutdown
// begins. In-flight batches run on a detached context so cancellation never
// strands half-updated leases.
func (d *Dispatcher) drain(ctx context.Context, workerID int) {
	for {
		if ctx.Err() != nil {
			return
		}
		batchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.batchTimeout)
		n := d.runBatch(batchCtx, workerID)
		cancel()
		if n < d.batchSize {
			return
		}
	}
}

func (d *Dispatcher) runBatch(ctx context.Context, workerID int) int {
	lease, err := d.store.Lease(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("outbox lease failed", "error", err, "worker", workerID)
		return 0
	}
	if lease == nil {
		return 0
	}
	for _, ev := range lease.Events {
		d.dispatchOne(ctx, lease, ev)
	}
	if err := lease.Commit(ctx); err != nil {
		d.logger.Error("outbox lease commit failed", "error", err, "worker", workerID)
	}
	return len(lease.Events)
}

func (d *Dispatcher) dispatchOne(ctx context.Context, lease *Lease, ev StoredEvent) {
	res := d.consume(ctx, ev.Envelope)
	switch res.Status {
	case StatusOK:
		if err := lease.MarkDispatched(ctx, ev.EventID); err != nil {
			d.logger.Error("mark dispatched failed", "error", err, "event_id", ev.EventID)
			return
		}
		d.metrics.ObserveDispatched(ev.EventName)
	case StatusRetry:
		delay := res.Delay
		if delay <= 0 {
			delay = d.backoff(ev.Attempts)
		}
		if err := lease.Reschedule(ctx, ev.EventID, delay, errString(res.Err)); err != nil {
			d.logger.Error("outbox reschedule failed", "error", err, "event_id", ev.EventID)
			return
		}
		d.metrics.ObserveRetried(ev.EventName)
		if ev.Attempts+1 >= d.store.MaxAttempts() {
			d.metrics.ObserveDeadLettered(ev.EventName)
			d.logger.Error("event exhausted retry budget",
				"event_id", ev.EventID, "event_name", ev.EventName,
				"attempts", ev.Attempts+1, "error", errString(res.Err))
		} else {
			d.logger.Warn("event dispatch retried",
				"event_id", ev.EventID, "event_name", ev.EventName,
				"attempts", ev.Attempts+1, "delay", delay, "error", errString(res.Err))
		}
	case StatusDeadLetter:
		if err := lease.MarkDead(ctx, ev.EventID, errString(res.Err)); err != nil {
			d.logger.Error("mark dead failed", "error", err, "event_id", ev.EventID)
			return
		}
		d.metrics.ObserveDeadLettered(ev.EventName)
		d.logger.Error("event dead-lettered",
			"event_id", ev.EventID, "event_name", ev.EventName,
			"tenant_id", ev.TenantID, "correlation_id", ev.CorrelationID,
			"payload", string(ev.Payload), "error", errString(res.Err))
	}
}

// consume fans the envelope out to every matching consumer and folds their
// results: any dead-letter wins, then any retry, else ok.
func (d *Dispatcher) consume(ctx context.Context, env Envelope) Result {
	matched := false
	folded := OK()
	for _, reg := range d.consumers {
		if reg.prefix != "" && !strings.HasPrefix(env.EventName, reg.prefix) {
			continue
		}
		matched = true
		res := d.handleSafely(ctx, reg.consumer, env)
		switch {
		case res.Status == StatusDeadLetter:
			return res
		case res.Status == StatusRetry && folded.Status == StatusOK:
			folded = res
		case res.Status == StatusRetry && res.Delay > folded.Delay:
			folded = res
		}
	}
	if !matched {
		// No consumer claims this event name; delivering to nobody is success.
		return OK()
	}
	return folded
}

func (d *Dispatcher) handleSafely(ctx context.Context, c Consumer, env Envelope) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = DeadLetter(fmt.Errorf("events: consumer panic: %v", r))
		}
	}()
	return c.Handle(ctx, env)
}

// backoff returns a full-jitter delay: uniform over (0, min(cap, 1s * 2^attempts)).
func (d *Dispatcher) backoff(attempts int) time.Duration {
	ceil := time.Duration(math.Min(
		float64(d.backoffCap),
		float64(time.Second)*math.Pow(2, float64(attempts)),
	))
	jittered := time.Duration(d.randFloat() * float64(ceil))
	if jittered <= 0 {
		jittered = time.Millisecond
	}
	return jittered
}

func (d *Dispatcher) reportDepth(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.store.CountPending(ctx)
			if err != nil {
				d.logger.Warn("outbox depth probe failed", "error", err)
				continue
			}
			d.metrics.SetPendingDepth(float64(n))
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
