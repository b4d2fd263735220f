// Package breaker implements the global admission circuit breaker: a
// CLOSED/OPEN/HALF_OPEN state machine driven by failure volume inside a
// trailing time window. A single instance is shared by the dispatcher and
// the processor runner.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/admitq/admitq/pkg/events"
)

// ErrCircuitOpen is returned by Allow while the circuit rejects dispatch.
var ErrCircuitOpen = errors.New("breaker: circuit open")

// State of the breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Options configure a Breaker. Zero fields take the defaults below.
type Options struct {
	// Window is the trailing duration failures are counted over.
	Window time.Duration
	// VolumeThreshold is the failure count that can trip the circuit.
	VolumeThreshold int
	// ErrorThreshold is the minimum ratio of windowed failures to
	// VolumeThreshold required to trip.
	ErrorThreshold float64
	// ResetTimeout is how long the circuit stays OPEN before probing.
	ResetTimeout time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time

	Bus *events.Bus
}

const (
	defaultWindow          = 60 * time.Second
	defaultVolumeThreshold = 10
	defaultErrorThreshold  = 0.5
	defaultResetTimeout    = 30 * time.Second
)

// Breaker is safe for concurrent use. The window prune, the threshold check
// and the state transition happen under one lock so concurrent failure
// reports cannot race past the trip point.
type Breaker struct {
	mu       sync.Mutex
	state    State
	failures []time.Time
	openedAt time.Time
	opts     Options
}

// New creates a breaker in the CLOSED state.
func New(opts Options) *Breaker {
	if opts.Window == 0 {
		opts.Window = defaultWindow
	}
	if opts.VolumeThreshold == 0 {
		opts.VolumeThreshold = defaultVolumeThreshold
	}
	if opts.ErrorThreshold == 0 {
		opts.ErrorThreshold = defaultErrorThreshold
	}
	if opts.ResetTimeout == 0 {
		opts.ResetTimeout = defaultResetTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Breaker{opts: opts}
}

// Allow decides whether a dispatch attempt may proceed.
//
// While OPEN it fails with ErrCircuitOpen until ResetTimeout has elapsed
// since the circuit opened; the first call after that flips the state to
// HALF_OPEN and is admitted as the single probe. Further calls in HALF_OPEN
// are rejected until the probe reports success or failure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.opts.Now()
	b.prune(now)

	switch b.state {
	case Closed:
		return nil
	case Open:
		if now.Sub(b.openedAt) >= b.opts.ResetTimeout {
			b.state = HalfOpen
			return nil
		}
		return ErrCircuitOpen
	case HalfOpen:
		// A probe is already in flight.
		return ErrCircuitOpen
	}
	return nil
}

// RecordSuccess reports a successful completion. The first success while
// HALF_OPEN clears the error window and closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.state = Closed
		b.failures = nil
	}
}

// RecordFailure reports a failed execution. In CLOSED it appends to the
// error window and trips the circuit once the windowed count reaches
// VolumeThreshold and the count/VolumeThreshold ratio meets ErrorThreshold.
// In HALF_OPEN any failure reopens the circuit immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.opts.Now()

	if b.state == HalfOpen {
		b.open(now)
		return
	}
	if b.state == Open {
		return
	}

	b.failures = append(b.failures, now)
	b.prune(now)

	n := len(b.failures)
	if n >= b.opts.VolumeThreshold &&
		float64(n)/float64(b.opts.VolumeThreshold) >= b.opts.ErrorThreshold {
		b.open(now)
	}
}

func (b *Breaker) open(now time.Time) {
	b.state = Open
	b.openedAt = now
	b.opts.Bus.Publish(events.Event{Type: events.TypeCircuitOpened, At: now})
}

// prune drops error-window entries older than the trailing window.
// Callers must hold the lock.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.opts.Window)
	i := 0
	for i < len(b.failures) && !b.failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = b.failures[i:]
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// WindowedFailures returns the number of failures inside the trailing window.
func (b *Breaker) WindowedFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.opts.Now())
	return len(b.failures)
}
