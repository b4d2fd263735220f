// Package dispatcher wires the admission-control layer together: the
// enqueue path consults the circuit breaker, the backpressure controller and
// the per-caller rate limiter before handing a job to its queue, and the
// processor runner executes dequeued jobs under timeout with retry, backoff
// and dead-letter handling.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/admitq/admitq/pkg/backpressure"
	"github.com/admitq/admitq/pkg/breaker"
	"github.com/admitq/admitq/pkg/events"
	"github.com/admitq/admitq/pkg/jobs"
	"github.com/admitq/admitq/pkg/logger"
	"github.com/admitq/admitq/pkg/queue"
	"github.com/admitq/admitq/pkg/ratelimit"
)

var (
	// ErrJobTimeout marks a handler that exceeded its deadline. It takes
	// the normal retry/backoff path.
	ErrJobTimeout = errors.New("dispatch: job handler timed out")

	// ErrHandlerRegistered reports a second Process call for a queue.
	ErrHandlerRegistered = errors.New("dispatch: handler already registered")

	// ErrDraining reports an enqueue on a queue that is shutting down.
	ErrDraining = errors.New("dispatch: queue draining")
)

// Handler processes one job. A non-nil error triggers the retry path.
type Handler func(ctx context.Context, j *jobs.Job) error

// BatchHandler processes a batch atomically. See BatchResult.
type BatchHandler func(ctx context.Context, batch []*jobs.Job) BatchResult

// BatchResult reports a batch outcome. When PerJob is nil the whole batch
// completes (Err == nil) or fails (Err != nil) together; a batch never
// silently partially completes. Setting PerJob (one entry per input job)
// opts into explicit per-item results.
type BatchResult struct {
	Err    error
	PerJob []error
}

// Dispatcher is the single entry point for enqueueing and processing. The
// breaker and backpressure state are injected, never ambient globals.
type Dispatcher struct {
	reg *queue.Registry
	brk *breaker.Breaker
	bp  *backpressure.Controller
	rl  *ratelimit.Limiter
	bus *events.Bus

	mu       sync.Mutex
	runners  map[string]*runner
	waiters  map[string]*jobs.Handle
	draining map[string]bool
	stopped  bool
}

// New creates a dispatcher. rl may be nil to disable per-caller admission
// limiting (EnqueueFrom then behaves like Enqueue).
func New(reg *queue.Registry, brk *breaker.Breaker, bp *backpressure.Controller, rl *ratelimit.Limiter, bus *events.Bus) *Dispatcher {
	return &Dispatcher{
		reg:      reg,
		brk:      brk,
		bp:       bp,
		rl:       rl,
		bus:      bus,
		runners:  make(map[string]*runner),
		waiters:  make(map[string]*jobs.Handle),
		draining: make(map[string]bool),
	}
}

// Enqueue validates options, runs the admission checks in order (circuit
// breaker, global backpressure, per-queue capacity) and inserts the job.
// Admission failures are returned synchronously and never retried by the
// core; retry is the caller's decision.
func (d *Dispatcher) Enqueue(ctx context.Context, queueName string, payload []byte, opts jobs.Options) (*jobs.Handle, error) {
	return d.enqueue(ctx, "", queueName, payload, opts)
}

// EnqueueFrom is Enqueue with a per-caller sliding-window rate limit applied
// first. caller is the identity key (IP or API key).
func (d *Dispatcher) EnqueueFrom(ctx context.Context, caller, queueName string, payload []byte, opts jobs.Options) (*jobs.Handle, error) {
	return d.enqueue(ctx, caller, queueName, payload, opts)
}

func (d *Dispatcher) enqueue(ctx context.Context, caller, queueName string, payload []byte, opts jobs.Options) (*jobs.Handle, error) {
	if _, ok := d.reg.Config(queueName); !ok {
		return nil, fmt.Errorf("queue %q: %w", queueName, queue.ErrNotFound)
	}
	if d.isDraining(queueName) {
		return nil, fmt.Errorf("queue %q: %w", queueName, ErrDraining)
	}

	j, err := jobs.New(queueName, payload, opts)
	if err != nil {
		return nil, err
	}

	if err := d.brk.Allow(); err != nil {
		return nil, err
	}
	if err := d.bp.CheckEnqueue(); err != nil {
		return nil, err
	}
	if d.rl != nil && caller != "" {
		if _, err := d.rl.Allow(ctx, caller); err != nil {
			return nil, err
		}
	}

	// The waiter must exist before the push commits: the moment the job is
	// visible in Redis a worker may pop, execute and resolve it.
	handle := jobs.NewHandle(j.ID)
	d.mu.Lock()
	d.waiters[j.ID] = handle
	d.mu.Unlock()

	if err := d.reg.Push(ctx, j); err != nil {
		d.mu.Lock()
		delete(d.waiters, j.ID)
		d.mu.Unlock()
		if errors.Is(err, queue.ErrFull) {
			// The queue's own ceiling is the faster, local backpressure
			// signal; surface it as the same rejection class.
			return nil, fmt.Errorf("queue %q at capacity: %w", queueName, backpressure.ErrRejected)
		}
		return nil, err
	}

	d.bus.Publish(events.Event{Type: events.TypeEnqueued, Queue: queueName, JobID: j.ID})
	return handle, nil
}

// Process registers the handler for a queue and starts its workers. Exactly
// one handler (single or batch) may be registered per queue per process
// lifetime.
func (d *Dispatcher) Process(queueName string, h Handler) error {
	return d.startRunner(queueName, h, nil, 0)
}

// ProcessBatch registers a batch handler: up to batchSize jobs are pulled
// atomically and handed to h as one unit.
func (d *Dispatcher) ProcessBatch(queueName string, batchSize int, h BatchHandler) error {
	if batchSize < 1 {
		return fmt.Errorf("dispatch: batch size must be at least 1")
	}
	return d.startRunner(queueName, nil, h, batchSize)
}

func (d *Dispatcher) startRunner(queueName string, h Handler, bh BatchHandler, batchSize int) error {
	cfg, ok := d.reg.Config(queueName)
	if !ok {
		return fmt.Errorf("queue %q: %w", queueName, queue.ErrNotFound)
	}
	if bh != nil && batchSize > cfg.Concurrency {
		// Every batch member occupies an active slot, so the concurrency
		// bound caps the batch size too.
		batchSize = cfg.Concurrency
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return errors.New("dispatch: dispatcher stopped")
	}
	if _, exists := d.runners[queueName]; exists {
		return fmt.Errorf("queue %q: %w", queueName, ErrHandlerRegistered)
	}

	r := newRunner(d, queueName, cfg, h, bh, batchSize)
	d.runners[queueName] = r
	r.start()
	return nil
}

// Status returns the live counters for a queue. Paused reflects the global
// backpressure flag or a drain in progress.
func (d *Dispatcher) Status(ctx context.Context, queueName string) (queue.Status, error) {
	st, err := d.reg.QueueStatus(ctx, queueName)
	if err != nil {
		return queue.Status{}, err
	}
	st.Paused = d.bp.Paused() || d.isDraining(queueName)
	return st, nil
}

// RetryFailed re-enqueues every dead-lettered job of the queue with its
// attempt counter reset. Manual recovery path, distinct from automatic
// backoff retries.
func (d *Dispatcher) RetryFailed(ctx context.Context, queueName string) ([]string, error) {
	ids, err := d.reg.RetryFailed(ctx, queueName)
	if err != nil {
		return ids, err
	}
	for _, id := range ids {
		d.bus.Publish(events.Event{Type: events.TypeEnqueued, Queue: queueName, JobID: id})
	}
	logger.Log.Info().Str("queue", queueName).Int("jobs", len(ids)).Msg("Dead-letter retry")
	return ids, nil
}

// Drain stops accepting new jobs for the queue and waits until its active
// set empties or ctx expires. Already-active jobs run to completion.
func (d *Dispatcher) Drain(ctx context.Context, queueName string) error {
	if _, ok := d.reg.Config(queueName); !ok {
		return fmt.Errorf("queue %q: %w", queueName, queue.ErrNotFound)
	}

	d.mu.Lock()
	d.draining[queueName] = true
	d.mu.Unlock()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		active, err := d.reg.ActiveCount(ctx, queueName)
		if err != nil {
			return err
		}
		if active == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Shutdown stops all runners and waits for in-flight jobs to hand back, or
// for ctx to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	runners := make([]*runner, 0, len(d.runners))
	for _, r := range d.runners {
		runners = append(runners, r)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, r := range runners {
			r.stop()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) isDraining(queueName string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.draining[queueName]
}

// resolve completes the waiter handle for a terminal job, if any.
func (d *Dispatcher) resolve(j *jobs.Job) {
	d.mu.Lock()
	h, ok := d.waiters[j.ID]
	if ok {
		delete(d.waiters, j.ID)
	}
	d.mu.Unlock()
	if ok {
		h.Resolve(j)
	}
}
