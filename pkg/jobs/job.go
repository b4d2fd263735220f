// Package jobs defines the core data structures for units of work flowing
// through the AdmitQ admission-control layer. A Job is owned by the queue
// that holds it; ownership transfers to the processor for the duration of an
// execution attempt and then returns to the queue (retry) or moves to the
// dead-letter queue (exhaustion).
package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead-lettered"
)

// BackoffKind selects how the retry delay grows with each attempt.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// Defaults applied by New when the corresponding Options field is zero.
const (
	DefaultMaxAttempts = 3
	DefaultTimeout     = 30 * time.Second
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffMax  = 5 * time.Minute
)

// Backoff describes the retry delay policy for a job.
type Backoff struct {
	Kind BackoffKind   `json:"kind"`
	Base time.Duration `json:"base"`
	// Max caps the computed delay. Zero means no cap.
	Max time.Duration `json:"max,omitempty"`
}

// Delay returns the wait before retry attempt n (1-indexed).
// Exponential: Base * 2^(n-1), capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	if b.Kind == BackoffExponential {
		// Shift overflows past attempt 62; the cap makes large attempts moot.
		if attempt > 32 {
			attempt = 32
		}
		d = b.Base << (attempt - 1)
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Job represents a unit of work held by a named queue.
//
// Attempts counts executions so far and is only ever incremented; once it
// reaches MaxAttempts after a failure the job is dead-lettered and never
// re-enters a live queue.
type Job struct {
	// ID is a unique identifier assigned at enqueue (UUID).
	ID string `json:"id"`

	// Queue is the name of the queue that owns the job.
	Queue string `json:"queue"`

	// Payload is opaque caller-owned data. The core never inspects it.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Priority orders dispatch within a queue; higher is serviced first.
	Priority int `json:"priority"`

	CreatedAt time.Time `json:"created_at"`

	// Attempts is the number of executions so far.
	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	Backoff Backoff `json:"backoff"`

	// Timeout bounds a single handler execution.
	Timeout time.Duration `json:"timeout"`

	// DelayUntil defers dispatch until the given time. Zero means ready now.
	DelayUntil time.Time `json:"delay_until,omitzero"`

	Status Status `json:"status"`

	// LastError holds the final error message once the job failed or was
	// dead-lettered.
	LastError string `json:"last_error,omitempty"`
}

// Options are the caller-supplied enqueue knobs. Zero values take defaults.
type Options struct {
	Priority    int
	Delay       time.Duration
	MaxAttempts int
	Backoff     *Backoff
	Timeout     time.Duration
}

// ValidationError reports a malformed enqueue option. It is fatal to the
// enqueue call only, never to the system.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid option %s: %s", e.Field, e.Reason)
}

func (o Options) validate() error {
	if o.Delay < 0 {
		return &ValidationError{Field: "delay", Reason: "must not be negative"}
	}
	if o.MaxAttempts < 0 {
		return &ValidationError{Field: "maxAttempts", Reason: "must not be negative"}
	}
	if o.Timeout < 0 {
		return &ValidationError{Field: "timeout", Reason: "must not be negative"}
	}
	if o.Backoff != nil {
		switch o.Backoff.Kind {
		case BackoffFixed, BackoffExponential:
		default:
			return &ValidationError{Field: "backoff.kind", Reason: fmt.Sprintf("unknown kind %q", o.Backoff.Kind)}
		}
		if o.Backoff.Base <= 0 {
			return &ValidationError{Field: "backoff.base", Reason: "must be positive"}
		}
		if o.Backoff.Max < 0 {
			return &ValidationError{Field: "backoff.max", Reason: "must not be negative"}
		}
	}
	return nil
}

// New constructs a Job for the given queue, applying defaults for any zero
// option. It returns a *ValidationError for malformed options.
func New(queue string, payload []byte, opts Options) (*Job, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	j := &Job{
		ID:          uuid.New().String(),
		Queue:       queue,
		Payload:     payload,
		Priority:    opts.Priority,
		CreatedAt:   time.Now(),
		MaxAttempts: opts.MaxAttempts,
		Timeout:     opts.Timeout,
		Status:      StatusWaiting,
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = DefaultMaxAttempts
	}
	if j.Timeout == 0 {
		j.Timeout = DefaultTimeout
	}
	if opts.Backoff != nil {
		j.Backoff = *opts.Backoff
	} else {
		j.Backoff = Backoff{Kind: BackoffExponential, Base: DefaultBackoffBase, Max: DefaultBackoffMax}
	}
	if opts.Delay > 0 {
		j.DelayUntil = j.CreatedAt.Add(opts.Delay)
	}
	return j, nil
}

// Terminal reports whether the job reached a terminal state.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusDead
}
