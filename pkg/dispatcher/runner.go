package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/admitq/admitq/pkg/events"
	"github.com/admitq/admitq/pkg/jobs"
	"github.com/admitq/admitq/pkg/logger"
	"github.com/admitq/admitq/pkg/queue"
)

// pollInterval is the idle sleep between dequeue attempts on an empty queue.
const pollInterval = 100 * time.Millisecond

// bookkeepTimeout bounds the store writes that finish an attempt, so a
// shutdown cannot strand a completed result.
const bookkeepTimeout = 5 * time.Second

// runner drives the workers of one queue: up to cfg.Concurrency goroutines
// pull ready jobs in priority order and execute them under the job timeout.
// The per-queue rate limit throttles the dequeue side, a policy dimension
// separate from the per-caller admission limiter.
type runner struct {
	d         *Dispatcher
	queue     string
	cfg       queue.Config
	handler   Handler
	batch     BatchHandler
	batchSize int
	limiter   *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newRunner(d *Dispatcher, queueName string, cfg queue.Config, h Handler, bh BatchHandler, batchSize int) *runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &runner{
		d:         d,
		queue:     queueName,
		cfg:       cfg,
		handler:   h,
		batch:     bh,
		batchSize: batchSize,
		ctx:       ctx,
		cancel:    cancel,
	}
	if rl := cfg.RateLimit; rl != nil && rl.Ops > 0 && rl.Per > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(float64(rl.Ops)/rl.Per.Seconds()), rl.Ops)
	}
	return r
}

func (r *runner) start() {
	workers := r.cfg.Concurrency
	if r.batch != nil {
		// A batch puller owns the whole batch; one puller per queue keeps
		// "complete or fail together" trivially true.
		workers = 1
	}
	logger.Log.Info().Str("queue", r.queue).Int("workers", workers).Msg("Processor started")
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.loop()
	}
}

// stop cancels the workers and waits for them to hand back in-flight jobs.
func (r *runner) stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *runner) loop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		if r.limiter != nil {
			if err := r.limiter.Wait(r.ctx); err != nil {
				return
			}
		}

		if r.batch != nil {
			r.pullBatch()
			continue
		}

		j, err := r.d.reg.PopReady(r.ctx, r.queue)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			logger.Log.Error().Err(err).Str("queue", r.queue).Msg("Dequeue failed")
			r.idle()
			continue
		}
		if j == nil {
			r.idle()
			continue
		}
		r.execute(j)
	}
}

// idle sleeps one poll interval, or less if the runner stops.
func (r *runner) idle() {
	select {
	case <-r.ctx.Done():
	case <-time.After(pollInterval):
	}
}

// execute runs one attempt of a single job.
func (r *runner) execute(j *jobs.Job) {
	r.d.bus.Publish(events.Event{Type: events.TypeJobActive, Queue: r.queue, JobID: j.ID})

	start := time.Now()
	err := r.invoke(j)
	duration := time.Since(start)

	if errors.Is(err, context.Canceled) && r.ctx.Err() != nil {
		// Shutdown interrupted the attempt. Leave the job in the active
		// set; the stale reaper returns it to waiting without burning an
		// attempt.
		return
	}

	if err == nil {
		r.succeed(j, duration)
		return
	}
	r.fail(j, err)
}

// invoke races the handler against the job timeout. A timed-out handler is
// abandoned: its goroutine keeps running but the eventual result is
// discarded, and the attempt is recorded as failed with ErrJobTimeout.
func (r *runner) invoke(j *jobs.Job) error {
	ctx, cancel := context.WithTimeout(r.ctx, j.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- r.handler(ctx, j)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrJobTimeout
		}
		return ctx.Err()
	}
}

func (r *runner) succeed(j *jobs.Job, duration time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), bookkeepTimeout)
	defer cancel()

	if err := r.d.reg.Complete(ctx, j); err != nil {
		logger.Log.Error().Err(err).Str("job_id", j.ID).Msg("Complete bookkeeping failed")
	}
	r.d.brk.RecordSuccess()
	r.d.bus.Publish(events.Event{Type: events.TypeJobCompleted, Queue: r.queue, JobID: j.ID, Duration: duration})
	r.d.resolve(j)
}

// fail applies the retry policy: reschedule with backoff while attempts
// remain, dead-letter once the budget is exhausted. Execution failures are
// never silently dropped and always feed the circuit breaker.
func (r *runner) fail(j *jobs.Job, execErr error) {
	j.Attempts++
	j.LastError = execErr.Error()
	r.d.brk.RecordFailure()

	ctx, cancel := context.WithTimeout(context.Background(), bookkeepTimeout)
	defer cancel()

	if j.Attempts < j.MaxAttempts {
		delay := j.Backoff.Delay(j.Attempts)
		if err := r.d.reg.Reschedule(ctx, j, delay); err != nil {
			logger.Log.Error().Err(err).Str("job_id", j.ID).Msg("Reschedule bookkeeping failed")
		}
		logger.Log.Warn().
			Err(execErr).
			Str("queue", r.queue).
			Str("job_id", j.ID).
			Int("attempt", j.Attempts).
			Dur("backoff", delay).
			Msg("Job failed, retrying")
		r.d.bus.Publish(events.Event{Type: events.TypeJobFailed, Queue: r.queue, JobID: j.ID, Err: execErr.Error(), Retry: true})
		return
	}

	if err := r.d.reg.DeadLetter(ctx, j, execErr.Error()); err != nil {
		logger.Log.Error().Err(err).Str("job_id", j.ID).Msg("Dead-letter bookkeeping failed")
	}
	logger.Log.Error().
		Err(execErr).
		Str("queue", r.queue).
		Str("job_id", j.ID).
		Int("attempts", j.Attempts).
		Msg("Job exhausted retries, dead-lettered")
	r.d.bus.Publish(events.Event{Type: events.TypeJobFailed, Queue: r.queue, JobID: j.ID, Err: execErr.Error(), Retry: false})
	r.d.resolve(j)
}

// pullBatch pops up to batchSize ready jobs in one atomic step and hands
// them to the batch handler as one unit.
func (r *runner) pullBatch() {
	batch, err := r.d.reg.PopReadyBatch(r.ctx, r.queue, r.batchSize)
	if err != nil {
		if r.ctx.Err() != nil {
			return
		}
		logger.Log.Error().Err(err).Str("queue", r.queue).Msg("Batch dequeue failed")
		r.idle()
		return
	}
	if len(batch) == 0 {
		r.idle()
		return
	}
	r.executeBatch(batch)
}

func (r *runner) executeBatch(batch []*jobs.Job) {
	// The batch deadline is the widest member timeout.
	timeout := batch[0].Timeout
	for _, j := range batch {
		if j.Timeout > timeout {
			timeout = j.Timeout
		}
		r.d.bus.Publish(events.Event{Type: events.TypeJobActive, Queue: r.queue, JobID: j.ID})
	}

	ctx, cancel := context.WithTimeout(r.ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan BatchResult, 1)
	go func() {
		done <- r.batch(ctx, batch)
	}()

	var res BatchResult
	select {
	case res = <-done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res = BatchResult{Err: ErrJobTimeout}
		} else {
			// Shutdown: leave the batch active for the reaper.
			return
		}
	}
	duration := time.Since(start)

	if res.PerJob != nil && len(res.PerJob) != len(batch) {
		res = BatchResult{Err: errors.New("dispatch: batch handler returned mismatched per-job results")}
	}

	for i, j := range batch {
		var jobErr error
		if res.PerJob != nil {
			jobErr = res.PerJob[i]
		} else {
			jobErr = res.Err
		}
		if jobErr == nil {
			r.succeed(j, duration)
		} else {
			r.fail(j, jobErr)
		}
	}
}
