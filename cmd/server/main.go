// Package main implements the admitq HTTP API server. It fronts the
// admission layer: enqueues pass through the circuit breaker, the global
// backpressure gate and the per-caller rate limit before reaching Redis.
//
// API Endpoints:
//
//	POST /enqueue      - Submits a job to a queue
//	GET  /status       - Returns the live counters of a queue
//	GET  /dead         - Lists dead-lettered jobs of a queue
//	POST /retry-failed - Re-enqueues all dead-lettered jobs of a queue
//	POST /drain        - Stops intake for a queue and waits for active jobs
//	POST /schedule     - Registers a recurring cron enqueue
//	GET  /metrics      - Prometheus metrics
//
// Usage:
//
//	go run cmd/server/main.go -config config.yaml
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/admitq/admitq/pkg/backpressure"
	"github.com/admitq/admitq/pkg/breaker"
	"github.com/admitq/admitq/pkg/config"
	"github.com/admitq/admitq/pkg/dispatcher"
	"github.com/admitq/admitq/pkg/events"
	"github.com/admitq/admitq/pkg/jobs"
	"github.com/admitq/admitq/pkg/logger"
	"github.com/admitq/admitq/pkg/metrics"
	"github.com/admitq/admitq/pkg/queue"
	"github.com/admitq/admitq/pkg/ratelimit"
	"github.com/admitq/admitq/pkg/schedule"
)

// authMiddleware wraps an http.HandlerFunc and enforces API key
// authentication. An empty requiredKey disables the check (dev mode).
func authMiddleware(next http.HandlerFunc, requiredKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requiredKey == "" {
			next(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey != requiredKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// enableCORS wraps an http.HandlerFunc and adds CORS headers, answering
// preflight requests before auth runs.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// callerKey identifies the client for the per-caller rate limit: the API key
// when present, otherwise the remote IP.
func callerKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeJSON sends v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeAdmissionError maps the layered rejection types onto HTTP statuses.
// Rate-limited callers additionally get Retry-After.
func writeAdmissionError(w http.ResponseWriter, err error) {
	var rlErr *ratelimit.RateLimitError
	var vErr *jobs.ValidationError

	switch {
	case errors.As(err, &rlErr):
		w.Header().Set("Retry-After", fmt.Sprintf("%d", rlErr.RetryAfter))
		w.Header().Set("X-RateLimit-Remaining", "0")
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate_limited", Message: err.Error()})
	case errors.Is(err, breaker.ErrCircuitOpen):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "circuit_open", Message: err.Error()})
	case errors.Is(err, backpressure.ErrRejected):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "overloaded", Message: err.Error()})
	case errors.Is(err, dispatcher.ErrDraining):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "draining", Message: err.Error()})
	case errors.Is(err, queue.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown_queue", Message: err.Error()})
	case errors.As(err, &vErr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: err.Error()})
	}
}

// enqueueRequest is the POST /enqueue body. Delay and Timeout are Go
// duration strings ("30s", "5m").
type enqueueRequest struct {
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Delay       string          `json:"delay"`
	MaxAttempts int             `json:"max_attempts"`
	Timeout     string          `json:"timeout"`
}

func (req *enqueueRequest) options() (jobs.Options, error) {
	opts := jobs.Options{
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
	}
	if req.Delay != "" {
		d, err := time.ParseDuration(req.Delay)
		if err != nil {
			return opts, &jobs.ValidationError{Field: "delay", Reason: err.Error()}
		}
		opts.Delay = d
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			return opts, &jobs.ValidationError{Field: "timeout", Reason: err.Error()}
		}
		opts.Timeout = d
	}
	return opts, nil
}

// setupRouter configures the HTTP handlers and returns the mux.
func setupRouter(d *dispatcher.Dispatcher, reg *queue.Registry, sched *schedule.Scheduler, collector *metrics.Collector, apiKey string) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/enqueue", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req enqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: err.Error()})
			return
		}
		opts, err := req.options()
		if err != nil {
			writeAdmissionError(w, err)
			return
		}

		h, err := d.EnqueueFrom(r.Context(), callerKey(r), req.Queue, req.Payload, opts)
		if err != nil {
			var rlErr *ratelimit.RateLimitError
			if errors.As(err, &rlErr) {
				collector.RecordRateLimited()
			}
			writeAdmissionError(w, err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": h.JobID()})
	}, apiKey)))

	mux.HandleFunc("/status", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		queueName := r.URL.Query().Get("queue")
		if queueName == "" {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: "missing queue parameter"})
			return
		}

		st, err := d.Status(r.Context(), queueName)
		if err != nil {
			writeAdmissionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}, apiKey)))

	mux.HandleFunc("/dead", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		queueName := r.URL.Query().Get("queue")
		if queueName == "" {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: "missing queue parameter"})
			return
		}

		dead, err := reg.InspectDead(r.Context(), queueName, 50)
		if err != nil {
			writeAdmissionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, dead)
	}, apiKey)))

	mux.HandleFunc("/retry-failed", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		queueName := r.URL.Query().Get("queue")
		if queueName == "" {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: "missing queue parameter"})
			return
		}

		ids, err := d.RetryFailed(r.Context(), queueName)
		if err != nil {
			writeAdmissionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"retried": len(ids), "job_ids": ids})
	}, apiKey)))

	mux.HandleFunc("/drain", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		queueName := r.URL.Query().Get("queue")
		if queueName == "" {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: "missing queue parameter"})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		if err := d.Drain(ctx, queueName); err != nil {
			writeAdmissionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"queue": queueName, "state": "drained"})
	}, apiKey)))

	mux.HandleFunc("/schedule", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Spec string `json:"spec"`
			enqueueRequest
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: err.Error()})
			return
		}
		opts, err := req.options()
		if err != nil {
			writeAdmissionError(w, err)
			return
		}

		entryID, err := sched.Add(req.Spec, req.Queue, req.Payload, opts)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: fmt.Sprintf("invalid cron spec: %v", err)})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entry_id": entryID})
	}, apiKey)))

	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// staleAfter is how long a job may sit in the active set before the reaper
// returns it to waiting. Generous compared to any sane job timeout, so only
// crashed or shutdown-interrupted attempts are reclaimed.
const staleAfter = 5 * time.Minute

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Log.Fatal().Err(err).Msg("Invalid config")
	}
	logger.SetLevel(cfg.App.LogLevel)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	bus := events.NewBus()
	collector := metrics.New(prometheus.DefaultRegisterer)
	bus.Subscribe(collector.Observe)

	reg := queue.NewRegistry(rdb, queue.Options{StaleAfter: staleAfter, Bus: bus})
	for _, q := range cfg.Queues {
		var rl *queue.RateLimit
		if q.RateLimit != nil {
			rl = &queue.RateLimit{Ops: q.RateLimit.Ops, Per: q.RateLimit.Per}
		}
		if err := reg.Create(q.Name, queue.Config{
			Concurrency: q.Concurrency,
			MaxSize:     q.MaxSize,
			RateLimit:   rl,
		}); err != nil {
			logger.Log.Fatal().Err(err).Str("queue", q.Name).Msg("Failed to register queue")
		}
	}

	brk := breaker.New(breaker.Options{
		Window:          cfg.Breaker.Window,
		VolumeThreshold: cfg.Breaker.VolumeThreshold,
		ErrorThreshold:  cfg.Breaker.ErrorThreshold,
		ResetTimeout:    cfg.Breaker.ResetTimeout,
		Bus:             bus,
	})
	bp := backpressure.New(reg.TotalWaiting, backpressure.Options{
		Interval:        cfg.Backpressure.Interval,
		MemoryThreshold: cfg.Backpressure.MemoryThreshold,
		PauseThreshold:  cfg.Backpressure.PauseThreshold,
		ResumeThreshold: cfg.Backpressure.ResumeThreshold,
		MaxTotalDepth:   cfg.Backpressure.MaxTotalDepth,
		Bus:             bus,
	})
	collector.SetCircuitState(brk.State())

	limiter := ratelimit.New(rdb, cfg.RateLimit.Window, cfg.RateLimit.Max)
	d := dispatcher.New(reg, brk, bp, limiter, bus)

	sched := schedule.New(d)
	for _, q := range cfg.Queues {
		for _, sc := range q.Schedules {
			if _, err := sched.Add(sc.Cron, q.Name, []byte(sc.Payload), jobs.Options{}); err != nil {
				logger.Log.Fatal().Err(err).Str("queue", q.Name).Str("spec", sc.Cron).Msg("Invalid schedule")
			}
		}
	}
	sched.Start()
	defer sched.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go reg.Run(ctx)
	go bp.Run(ctx)
	go collector.RunDepthSampler(ctx, reg)

	apiKey := cfg.Server.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("API_KEY")
	}
	if apiKey == "" {
		logger.Log.Warn().Msg("API key not set. Authentication disabled.")
	}

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: setupRouter(d, reg, sched, collector, apiKey),
	}

	go func() {
		logger.Log.Info().Str("addr", cfg.Server.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	logger.Log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error().Err(err).Msg("HTTP shutdown failed")
	}
	if err := d.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error().Err(err).Msg("Dispatcher shutdown failed")
	}
}
