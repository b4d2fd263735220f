// Package backpressure protects the process from unbounded queue growth and
// memory exhaustion. A periodic sampler combines process heap usage and
// aggregate queue depth into a single pressure ratio and toggles a global
// paused flag with hysteresis: the pause threshold sits above the resume
// threshold so a pressure value oscillating near either one cannot flap the
// system.
package backpressure

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"github.com/admitq/admitq/pkg/events"
	"github.com/admitq/admitq/pkg/logger"
)

// ErrRejected is returned for enqueues attempted while the system is paused
// or the target queue is at capacity. It is an expected, recoverable-by-retry
// condition, never a system error.
var ErrRejected = errors.New("backpressure: new work rejected")

// Options configure a Controller. Zero fields take the defaults below.
type Options struct {
	// Interval between pressure samples.
	Interval time.Duration
	// MemoryThreshold scales the memory ratio: memoryRatio/MemoryThreshold
	// contributes to pressure, so heap at MemoryThreshold of total memory
	// counts as pressure 1.0.
	MemoryThreshold float64
	// PauseThreshold trips the paused flag; must exceed ResumeThreshold.
	PauseThreshold float64
	// ResumeThreshold clears the paused flag.
	ResumeThreshold float64
	// MaxTotalDepth is the waiting-job count across all queues that counts
	// as queue pressure 1.0.
	MaxTotalDepth int
	// TotalMemory overrides system memory detection (bytes). Useful in
	// containers where /proc/meminfo reports the host.
	TotalMemory uint64

	Bus *events.Bus
}

const (
	defaultInterval        = time.Second
	defaultMemoryThreshold = 0.85
	defaultPauseThreshold  = 0.9
	defaultResumeThreshold = 0.7
	defaultMaxTotalDepth   = 10000
)

// Controller samples pressure and owns the global paused flag. All mutation
// happens under one mutex; the sampler loop and enqueue-path reads never
// observe a partial update.
type Controller struct {
	depth func(ctx context.Context) (int64, error)
	opts  Options

	totalMemory uint64

	mu       sync.Mutex
	paused   bool
	pressure float64

	// sample hooks, replaced in tests
	heapUsed func() uint64
}

// New creates a controller. depth reports the aggregate waiting-job count
// across all queues (normally Registry.TotalWaiting).
func New(depth func(ctx context.Context) (int64, error), opts Options) *Controller {
	if opts.Interval == 0 {
		opts.Interval = defaultInterval
	}
	if opts.MemoryThreshold == 0 {
		opts.MemoryThreshold = defaultMemoryThreshold
	}
	if opts.PauseThreshold == 0 {
		opts.PauseThreshold = defaultPauseThreshold
	}
	if opts.ResumeThreshold == 0 {
		opts.ResumeThreshold = defaultResumeThreshold
	}
	if opts.MaxTotalDepth == 0 {
		opts.MaxTotalDepth = defaultMaxTotalDepth
	}

	c := &Controller{
		depth:       depth,
		opts:        opts,
		totalMemory: opts.TotalMemory,
		heapUsed:    heapUsed,
	}
	if c.totalMemory == 0 {
		c.totalMemory = detectTotalMemory()
	}
	return c
}

func heapUsed() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// detectTotalMemory reads MemTotal from /proc/meminfo. Returns 0 when the
// value is unavailable (non-Linux), which disables the memory term.
func detectTotalMemory() uint64 {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return 0
	}
	mi, err := fs.Meminfo()
	if err != nil || mi.MemTotal == nil {
		return 0
	}
	return *mi.MemTotal * 1024
}

// Run samples pressure every Interval until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sample(ctx)
		}
	}
}

// Sample takes one pressure reading and applies the hysteresis band.
// pressure = max(memoryRatio/memoryThreshold, totalDepth/maxTotalDepth).
func (c *Controller) Sample(ctx context.Context) {
	var memPressure float64
	if c.totalMemory > 0 {
		memRatio := float64(c.heapUsed()) / float64(c.totalMemory)
		memPressure = memRatio / c.opts.MemoryThreshold
	}

	var queuePressure float64
	total, err := c.depth(ctx)
	if err != nil {
		// Depth unavailable: keep the memory term, skip the queue term
		// rather than guessing.
		logger.Log.Warn().Err(err).Msg("Backpressure depth sample failed")
	} else {
		queuePressure = float64(total) / float64(c.opts.MaxTotalDepth)
	}

	pressure := memPressure
	if queuePressure > pressure {
		pressure = queuePressure
	}
	c.apply(pressure)
}

// apply updates the paused flag from one pressure reading.
func (c *Controller) apply(pressure float64) {
	c.mu.Lock()
	c.pressure = pressure

	switch {
	case !c.paused && pressure >= c.opts.PauseThreshold:
		c.paused = true
		c.mu.Unlock()
		logger.Log.Warn().Float64("pressure", pressure).Msg("Backpressure pause: rejecting new enqueues")
		c.opts.Bus.Publish(events.Event{Type: events.TypeQueuesPaused, Pressure: pressure})
	case c.paused && pressure <= c.opts.ResumeThreshold:
		c.paused = false
		c.mu.Unlock()
		logger.Log.Info().Float64("pressure", pressure).Msg("Backpressure resume: accepting enqueues")
		c.opts.Bus.Publish(events.Event{Type: events.TypeQueuesResumed, Pressure: pressure})
	default:
		c.mu.Unlock()
	}

	c.opts.Bus.Publish(events.Event{Type: events.TypeBackpressureChecked, Pressure: pressure})
}

// Paused reports whether new enqueues are being rejected.
func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Pressure returns the last sampled pressure ratio.
func (c *Controller) Pressure() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pressure
}

// CheckEnqueue is the admission-path gate: it fails with ErrRejected while
// the system is paused. The per-queue maxSize check happens in the queue
// layer, which is a faster local signal than this global one.
func (c *Controller) CheckEnqueue() error {
	if c.Paused() {
		return ErrRejected
	}
	return nil
}
