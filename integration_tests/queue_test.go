package integration_tests

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/admitq/admitq/pkg/backpressure"
	"github.com/admitq/admitq/pkg/breaker"
	"github.com/admitq/admitq/pkg/dispatcher"
	"github.com/admitq/admitq/pkg/events"
	"github.com/admitq/admitq/pkg/jobs"
	"github.com/admitq/admitq/pkg/queue"
)

// setupIntegrationRedis connects to the local Redis instance.
// Requires docker-compose up -d to be running.
func setupIntegrationRedis(t *testing.T) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping integration test: Redis not reachable at localhost:6379 (%v)", err)
	}

	// Clear admission-layer keys for a clean state.
	keys, err := rdb.Keys(context.Background(), "aq:*").Result()
	if err == nil && len(keys) > 0 {
		rdb.Del(context.Background(), keys...)
	}

	return rdb
}

func TestIntegrationFlow(t *testing.T) {
	rdb := setupIntegrationRedis(t)
	ctx := context.Background()

	bus := events.NewBus()
	reg := queue.NewRegistry(rdb, queue.Options{PromoteInterval: 50 * time.Millisecond, Bus: bus})
	reg.Create("integration", queue.Config{Concurrency: 2})
	brk := breaker.New(breaker.Options{Bus: bus})
	bp := backpressure.New(reg.TotalWaiting, backpressure.Options{Bus: bus})
	d := dispatcher.New(reg, brk, bp, nil, bus)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go reg.Run(runCtx)
	defer d.Shutdown(ctx)

	d.Process("integration", func(ctx context.Context, j *jobs.Job) error {
		return nil
	})

	h, err := d.Enqueue(ctx, "integration", []byte(`{"msg":"hello"}`), jobs.Options{})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("Timed out waiting for the job to complete")
	}
	if got := h.Job().Status; got != jobs.StatusCompleted {
		t.Fatalf("Expected completed, got %s", got)
	}

	st, err := d.Status(ctx, "integration")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.Waiting != 0 || st.Active != 0 || st.Completed != 1 {
		t.Errorf("Expected drained queue with 1 completed, got %+v", st)
	}
}

func TestIntegrationDelayedPromotion(t *testing.T) {
	rdb := setupIntegrationRedis(t)
	ctx := context.Background()

	bus := events.NewBus()
	reg := queue.NewRegistry(rdb, queue.Options{PromoteInterval: 50 * time.Millisecond, Bus: bus})
	reg.Create("deferred", queue.Config{Concurrency: 1})
	brk := breaker.New(breaker.Options{Bus: bus})
	bp := backpressure.New(reg.TotalWaiting, backpressure.Options{Bus: bus})
	d := dispatcher.New(reg, brk, bp, nil, bus)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go reg.Run(runCtx)
	defer d.Shutdown(ctx)

	d.Process("deferred", func(ctx context.Context, j *jobs.Job) error {
		return nil
	})

	start := time.Now()
	h, err := d.Enqueue(ctx, "deferred", nil, jobs.Options{Delay: 500 * time.Millisecond})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("Timed out waiting for the delayed job")
	}
	if elapsed := time.Since(start); elapsed < 500*time.Millisecond {
		t.Errorf("Delayed job ran after %s, before its delay elapsed", elapsed)
	}
}
