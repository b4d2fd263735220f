// Package events carries the typed lifecycle events emitted by the admission
// layer. The bus is a plain observer list: subscribers are registered once at
// startup and invoked synchronously on publish, so a subscriber that blocks
// stalls the publisher. The metrics collector is the primary consumer.
package events

import (
	"sync"
	"time"
)

// Type names an event. The vocabulary is fixed; consumers switch on it.
type Type string

const (
	TypeEnqueued            Type = "enqueued"
	TypeJobActive           Type = "job:active"
	TypeJobCompleted        Type = "job:completed"
	TypeJobFailed           Type = "job:failed"
	TypeJobStalled          Type = "job:stalled"
	TypeCircuitOpened       Type = "circuit:opened"
	TypeQueuesPaused        Type = "queues:paused"
	TypeQueuesResumed       Type = "queues:resumed"
	TypeBackpressureChecked Type = "backpressure:checked"
)

// Event is a single lifecycle notification. Queue and JobID are set where
// applicable; Pressure accompanies backpressure events, Duration completed
// jobs, Err and Retry failed jobs.
type Event struct {
	Type     Type
	Queue    string
	JobID    string
	Err      string
	Retry    bool
	Pressure float64
	Duration time.Duration
	At       time.Time
}

// Bus fans events out to registered subscribers. A nil *Bus is valid and
// drops everything, so components can treat the bus as optional.
type Bus struct {
	mu   sync.RWMutex
	subs []func(Event)
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn for all future events. There is no unsubscribe;
// subscriptions live for the process lifetime.
func (b *Bus) Subscribe(fn func(Event)) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.subs = append(b.subs, fn)
	b.mu.Unlock()
}

// Publish delivers e to every subscriber in registration order, stamping At
// if the caller left it zero.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(e)
	}
}
