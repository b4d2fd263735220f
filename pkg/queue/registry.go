// Package queue owns the named queues of the admission layer and their
// Redis-backed storage. Each queue is a set of structures sharing a key
// prefix:
//   - waiting: sorted set of job ids, score encodes (priority desc, createdAt asc)
//   - delayed: sorted set of job ids scored by ready time
//   - active:  sorted set of job ids scored by execution start time
//   - dead:    list of exhausted jobs with their final error
//   - scores:  hash of id -> waiting score, used to restore ordering when a
//     delayed or stalled job re-enters the waiting set
//   - job bodies: one JSON string per job id
//
// All multi-step transitions run as Lua scripts or TxPipelines so that
// concurrent workers and multiple process instances never observe a
// half-moved job.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/admitq/admitq/pkg/events"
	"github.com/admitq/admitq/pkg/logger"
)

var (
	// ErrNotFound reports a reference to a queue that was never created.
	ErrNotFound = errors.New("queue: not found")

	// ErrFull reports a waiting set at its configured maxSize. The
	// dispatcher surfaces it as a backpressure rejection.
	ErrFull = errors.New("queue: waiting set full")
)

// ConfigConflictError reports a re-registration with a different config.
type ConfigConflictError struct {
	Queue string
}

func (e *ConfigConflictError) Error() string {
	return fmt.Sprintf("queue %q already registered with a different config", e.Queue)
}

// RateLimit caps the processing rate on the consumer side: at most Ops
// dequeues per Per. Distinct from the per-caller admission limiter.
type RateLimit struct {
	Ops int
	Per time.Duration
}

// Config is the per-queue policy set at registration.
type Config struct {
	// Concurrency is the maximum number of simultaneously active jobs.
	Concurrency int
	// MaxSize is the waiting-set ceiling; 0 means unbounded.
	MaxSize int
	// RateLimit optionally throttles dequeue rate; nil means unthrottled.
	RateLimit *RateLimit
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	return c
}

func (c Config) equal(other Config) bool {
	if c.Concurrency != other.Concurrency || c.MaxSize != other.MaxSize {
		return false
	}
	if (c.RateLimit == nil) != (other.RateLimit == nil) {
		return false
	}
	if c.RateLimit != nil && *c.RateLimit != *other.RateLimit {
		return false
	}
	return true
}

// Options configure a Registry.
type Options struct {
	// PromoteInterval is how often due delayed jobs move to waiting.
	PromoteInterval time.Duration
	// StaleAfter is how long a job may sit in the active set before the
	// reaper returns it to waiting. Zero disables reaping.
	StaleAfter time.Duration

	Bus *events.Bus
}

const defaultPromoteInterval = 500 * time.Millisecond

// Registry owns the queue configs and all storage operations. The config map
// is guarded by its own lock; per-queue Redis structures are mutated through
// atomic scripts, so independent queues make progress concurrently.
type Registry struct {
	rdb  *redis.Client
	opts Options

	mu     sync.RWMutex
	queues map[string]Config
}

// NewRegistry creates a registry on top of the given Redis client.
func NewRegistry(rdb *redis.Client, opts Options) *Registry {
	if opts.PromoteInterval == 0 {
		opts.PromoteInterval = defaultPromoteInterval
	}
	return &Registry{
		rdb:    rdb,
		opts:   opts,
		queues: make(map[string]Config),
	}
}

// Create registers a queue exactly once per name. Re-registration with an
// identical config is a no-op; a different config fails with
// *ConfigConflictError.
func (r *Registry) Create(name string, cfg Config) error {
	if name == "" {
		return errors.New("queue: name must not be empty")
	}
	cfg = cfg.withDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.queues[name]; ok {
		if existing.equal(cfg) {
			return nil
		}
		return &ConfigConflictError{Queue: name}
	}
	r.queues[name] = cfg
	logger.Log.Info().Str("queue", name).Int("concurrency", cfg.Concurrency).Msg("Queue registered")
	return nil
}

// Config returns the registered config for name.
func (r *Registry) Config(name string) (Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.queues[name]
	return cfg, ok
}

// Names returns the registered queue names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.queues))
	for name := range r.queues {
		names = append(names, name)
	}
	return names
}

// Run drives the delayed-job promoter and, if configured, the stale-job
// reaper until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range r.Names() {
				if _, err := r.PromoteDelayed(ctx, name); err != nil && !errors.Is(err, context.Canceled) {
					logger.Log.Error().Err(err).Str("queue", name).Msg("Delayed promotion failed")
				}
				if r.opts.StaleAfter > 0 {
					stalled, err := r.ReapStalled(ctx, name, r.opts.StaleAfter)
					if err != nil && !errors.Is(err, context.Canceled) {
						logger.Log.Error().Err(err).Str("queue", name).Msg("Stale reap failed")
					}
					for _, id := range stalled {
						logger.Log.Warn().Str("queue", name).Str("job_id", id).Msg("Stalled job returned to waiting")
						r.opts.Bus.Publish(events.Event{Type: events.TypeJobStalled, Queue: name, JobID: id})
					}
				}
			}
		}
	}
}
