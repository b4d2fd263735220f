// Package metrics exposes the admission layer's Prometheus surface. A
// Collector subscribes to the event bus for job lifecycle counters and runs a
// periodic sampler for queue depth gauges.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/admitq/admitq/pkg/breaker"
	"github.com/admitq/admitq/pkg/events"
	"github.com/admitq/admitq/pkg/logger"
	"github.com/admitq/admitq/pkg/queue"
)

const depthSampleInterval = 5 * time.Second

// Collector holds the metric families. Construct one per process with New
// and wire it to the bus via Observe.
type Collector struct {
	jobsProcessed *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	queueDepth    *prometheus.GaugeVec
	circuitState  prometheus.Gauge
	pressure      prometheus.Gauge
	paused        prometheus.Gauge
	rejections    *prometheus.CounterVec
}

// New registers the metric families on reg. Pass prometheus.DefaultRegisterer
// in production; tests use a fresh prometheus.NewRegistry to avoid duplicate
// registration panics.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		jobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "admitq_jobs_processed_total",
			Help: "The total number of processed jobs",
		}, []string{"status", "queue"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "admitq_job_duration_seconds",
			Help:    "Duration of job handler execution",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "admitq_queue_depth",
			Help: "Number of jobs per queue and state",
		}, []string{"queue", "state"}),
		circuitState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "admitq_circuit_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}),
		pressure: factory.NewGauge(prometheus.GaugeOpts{
			Name: "admitq_backpressure_ratio",
			Help: "Last sampled backpressure ratio",
		}),
		paused: factory.NewGauge(prometheus.GaugeOpts{
			Name: "admitq_paused",
			Help: "Whether enqueues are globally paused (0 or 1)",
		}),
		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "admitq_rejections_total",
			Help: "Admission rejections by reason",
		}, []string{"reason"}),
	}
}

// Observe consumes one bus event. Subscribe it with bus.Subscribe(c.Observe).
func (c *Collector) Observe(e events.Event) {
	switch e.Type {
	case events.TypeEnqueued:
		c.jobsProcessed.WithLabelValues("enqueued", e.Queue).Inc()
	case events.TypeJobCompleted:
		c.jobsProcessed.WithLabelValues("success", e.Queue).Inc()
		c.jobDuration.WithLabelValues(e.Queue).Observe(e.Duration.Seconds())
	case events.TypeJobFailed:
		if e.Retry {
			c.jobsProcessed.WithLabelValues("retry", e.Queue).Inc()
		} else {
			c.jobsProcessed.WithLabelValues("failed", e.Queue).Inc()
		}
	case events.TypeJobStalled:
		c.jobsProcessed.WithLabelValues("stalled", e.Queue).Inc()
	case events.TypeCircuitOpened:
		c.circuitState.Set(2)
		c.rejections.WithLabelValues("circuit_open").Inc()
	case events.TypeQueuesPaused:
		c.paused.Set(1)
		c.rejections.WithLabelValues("backpressure").Inc()
	case events.TypeQueuesResumed:
		c.paused.Set(0)
	case events.TypeBackpressureChecked:
		c.pressure.Set(e.Pressure)
	}
}

// SetCircuitState mirrors the breaker state into the gauge. The opened
// transition also arrives via the bus; this covers close and half-open,
// which emit no event.
func (c *Collector) SetCircuitState(s breaker.State) {
	switch s {
	case breaker.Closed:
		c.circuitState.Set(0)
	case breaker.HalfOpen:
		c.circuitState.Set(1)
	case breaker.Open:
		c.circuitState.Set(2)
	}
}

// RecordRateLimited counts a per-caller rate-limit rejection.
func (c *Collector) RecordRateLimited() {
	c.rejections.WithLabelValues("rate_limited").Inc()
}

// RunDepthSampler updates the depth gauges from the registry every 5 seconds
// until ctx is cancelled.
func (c *Collector) RunDepthSampler(ctx context.Context, reg *queue.Registry) {
	ticker := time.NewTicker(depthSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SampleDepths(ctx, reg)
		}
	}
}

// SampleDepths takes one depth snapshot and updates the gauges.
func (c *Collector) SampleDepths(ctx context.Context, reg *queue.Registry) {
	depths, err := reg.Depths(ctx)
	if err != nil {
		logger.Log.Error().Err(err).Msg("Queue depth sample failed")
		return
	}
	for name, d := range depths {
		c.queueDepth.WithLabelValues(name, "waiting").Set(float64(d.Waiting))
		c.queueDepth.WithLabelValues(name, "active").Set(float64(d.Active))
		c.queueDepth.WithLabelValues(name, "delayed").Set(float64(d.Delayed))
		c.queueDepth.WithLabelValues(name, "dead").Set(float64(d.Dead))
	}
}
