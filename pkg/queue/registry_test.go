package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/admitq/admitq/pkg/jobs"
)

func setupTestRegistry(t *testing.T) (*miniredis.Miniredis, *Registry) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	return s, NewRegistry(rdb, Options{})
}

func mustJob(t *testing.T, queue string, opts jobs.Options) *jobs.Job {
	t.Helper()
	j, err := jobs.New(queue, []byte(`{"k":"v"}`), opts)
	if err != nil {
		t.Fatalf("jobs.New failed: %v", err)
	}
	return j
}

func TestCreateIdempotentOnIdenticalConfig(t *testing.T) {
	_, r := setupTestRegistry(t)

	cfg := Config{Concurrency: 4, MaxSize: 100}
	if err := r.Create("emails", cfg); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := r.Create("emails", cfg); err != nil {
		t.Errorf("Expected idempotent re-registration, got %v", err)
	}

	var conflict *ConfigConflictError
	err := r.Create("emails", Config{Concurrency: 8, MaxSize: 100})
	if !errors.As(err, &conflict) {
		t.Errorf("Expected *ConfigConflictError on mismatched config, got %v", err)
	}
}

func TestPushUnknownQueue(t *testing.T) {
	_, r := setupTestRegistry(t)

	j := mustJob(t, "ghost", jobs.Options{})
	if err := r.Push(context.Background(), j); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPopOrdersByPriorityThenFIFO(t *testing.T) {
	_, r := setupTestRegistry(t)
	ctx := context.Background()
	r.Create("work", Config{Concurrency: 1})

	low := mustJob(t, "work", jobs.Options{Priority: 1})
	high := mustJob(t, "work", jobs.Options{Priority: 5})
	// Make enqueue order unambiguous regardless of wall-clock resolution.
	low.CreatedAt = time.Now()
	high.CreatedAt = low.CreatedAt.Add(time.Millisecond)

	r.Push(ctx, low)
	r.Push(ctx, high)

	got, err := r.PopReady(ctx, "work")
	if err != nil {
		t.Fatalf("PopReady failed: %v", err)
	}
	if got == nil || got.ID != high.ID {
		t.Fatalf("Expected priority-5 job first regardless of enqueue order, got %+v", got)
	}

	got, err = r.PopReady(ctx, "work")
	if err != nil {
		t.Fatalf("PopReady failed: %v", err)
	}
	if got == nil || got.ID != low.ID {
		t.Errorf("Expected priority-1 job second, got %+v", got)
	}
}

func TestFIFOWithinPriority(t *testing.T) {
	_, r := setupTestRegistry(t)
	ctx := context.Background()
	r.Create("work", Config{})

	first := mustJob(t, "work", jobs.Options{})
	second := mustJob(t, "work", jobs.Options{})
	first.CreatedAt = time.Now()
	second.CreatedAt = first.CreatedAt.Add(time.Millisecond)

	r.Push(ctx, second)
	r.Push(ctx, first)

	got, _ := r.PopReady(ctx, "work")
	if got == nil || got.ID != first.ID {
		t.Errorf("Expected earliest createdAt first within a priority band")
	}
}

func TestMaxSizeRejectsWithoutMutation(t *testing.T) {
	_, r := setupTestRegistry(t)
	ctx := context.Background()
	r.Create("bounded", Config{MaxSize: 100})

	for i := 0; i < 100; i++ {
		if err := r.Push(ctx, mustJob(t, "bounded", jobs.Options{})); err != nil {
			t.Fatalf("Push %d failed: %v", i, err)
		}
	}

	err := r.Push(ctx, mustJob(t, "bounded", jobs.Options{}))
	if !errors.Is(err, ErrFull) {
		t.Fatalf("Expected ErrFull on the 101st job, got %v", err)
	}

	st, err := r.QueueStatus(ctx, "bounded")
	if err != nil {
		t.Fatalf("QueueStatus failed: %v", err)
	}
	if st.Waiting != 100 {
		t.Errorf("Expected waiting unchanged at 100, got %d", st.Waiting)
	}
}

func TestMaxSizeCountsDelayedBacklog(t *testing.T) {
	_, r := setupTestRegistry(t)
	ctx := context.Background()
	r.Create("bounded", Config{MaxSize: 2})

	if err := r.Push(ctx, mustJob(t, "bounded", jobs.Options{})); err != nil {
		t.Fatalf("Immediate push failed: %v", err)
	}
	if err := r.Push(ctx, mustJob(t, "bounded", jobs.Options{Delay: time.Hour})); err != nil {
		t.Fatalf("Delayed push failed: %v", err)
	}

	// Backlog is full: neither path admits a third job, so promotion can
	// never lift the waiting set past the ceiling.
	if err := r.Push(ctx, mustJob(t, "bounded", jobs.Options{})); !errors.Is(err, ErrFull) {
		t.Errorf("Expected ErrFull for an immediate push, got %v", err)
	}
	if err := r.Push(ctx, mustJob(t, "bounded", jobs.Options{Delay: time.Hour})); !errors.Is(err, ErrFull) {
		t.Errorf("Expected ErrFull for a delayed push, got %v", err)
	}

	// Retries are not fresh intake and keep their slot.
	popped, _ := r.PopReady(ctx, "bounded")
	if popped == nil {
		t.Fatal("Expected a ready job")
	}
	popped.Attempts = 1
	if err := r.Reschedule(ctx, popped, time.Minute); err != nil {
		t.Errorf("Expected reschedule to bypass the ceiling, got %v", err)
	}
}

func TestPopReadyBatchIsAtomicAndOrdered(t *testing.T) {
	_, r := setupTestRegistry(t)
	ctx := context.Background()
	r.Create("work", Config{Concurrency: 4})

	low := mustJob(t, "work", jobs.Options{Priority: 1})
	mid := mustJob(t, "work", jobs.Options{Priority: 3})
	high := mustJob(t, "work", jobs.Options{Priority: 5})
	low.CreatedAt = time.Now()
	mid.CreatedAt = low.CreatedAt.Add(time.Millisecond)
	high.CreatedAt = low.CreatedAt.Add(2 * time.Millisecond)

	r.Push(ctx, low)
	r.Push(ctx, mid)
	r.Push(ctx, high)

	batch, err := r.PopReadyBatch(ctx, "work", 2)
	if err != nil {
		t.Fatalf("PopReadyBatch failed: %v", err)
	}
	if len(batch) != 2 || batch[0].ID != high.ID || batch[1].ID != mid.ID {
		t.Fatalf("Expected the two best-priority jobs in order, got %v", batch)
	}

	active, err := r.ActiveCount(ctx, "work")
	if err != nil {
		t.Fatalf("ActiveCount failed: %v", err)
	}
	if active != 2 {
		t.Errorf("Expected both popped jobs in the active set, got %d", active)
	}

	rest, err := r.PopReadyBatch(ctx, "work", 2)
	if err != nil {
		t.Fatalf("PopReadyBatch failed: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != low.ID {
		t.Errorf("Expected the remaining job, got %v", rest)
	}

	empty, err := r.PopReadyBatch(ctx, "work", 2)
	if err != nil {
		t.Fatalf("PopReadyBatch failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("Expected an empty batch, got %v", empty)
	}
}

func TestDelayedJobNotReadyUntilPromoted(t *testing.T) {
	s, r := setupTestRegistry(t)
	ctx := context.Background()
	r.Create("deferred", Config{})

	j := mustJob(t, "deferred", jobs.Options{Delay: time.Hour})
	if err := r.Push(ctx, j); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	got, err := r.PopReady(ctx, "deferred")
	if err != nil {
		t.Fatalf("PopReady failed: %v", err)
	}
	if got != nil {
		t.Fatal("Expected no ready job while delayUntil is in the future")
	}

	// Make the delayed entry due, then promote.
	s.ZAdd(keyDelayed("deferred"), float64(time.Now().Add(-time.Second).UnixMilli()), j.ID)
	n, err := r.PromoteDelayed(ctx, "deferred")
	if err != nil {
		t.Fatalf("PromoteDelayed failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 promotion, got %d", n)
	}

	got, err = r.PopReady(ctx, "deferred")
	if err != nil {
		t.Fatalf("PopReady failed: %v", err)
	}
	if got == nil || got.ID != j.ID {
		t.Errorf("Expected promoted job to be ready, got %+v", got)
	}
}

func TestDeadLetterAndRetryFailed(t *testing.T) {
	_, r := setupTestRegistry(t)
	ctx := context.Background()
	r.Create("flaky", Config{})

	j := mustJob(t, "flaky", jobs.Options{MaxAttempts: 3})
	r.Push(ctx, j)
	popped, _ := r.PopReady(ctx, "flaky")
	if popped == nil {
		t.Fatal("Expected a ready job")
	}

	popped.Attempts = popped.MaxAttempts
	if err := r.DeadLetter(ctx, popped, "handler exploded"); err != nil {
		t.Fatalf("DeadLetter failed: %v", err)
	}

	st, _ := r.QueueStatus(ctx, "flaky")
	if st.Failed != 1 || st.Active != 0 || st.Waiting != 0 {
		t.Fatalf("Expected 1 failed, 0 active, 0 waiting; got %+v", st)
	}

	dead, err := r.InspectDead(ctx, "flaky", 10)
	if err != nil || len(dead) != 1 {
		t.Fatalf("Expected 1 dead-letter entry, got %v (%v)", dead, err)
	}
	if dead[0].LastError != "handler exploded" {
		t.Errorf("Expected final error attached, got %q", dead[0].LastError)
	}

	ids, err := r.RetryFailed(ctx, "flaky")
	if err != nil {
		t.Fatalf("RetryFailed failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != j.ID {
		t.Fatalf("Expected the dead job re-enqueued, got %v", ids)
	}

	recovered, _ := r.PopReady(ctx, "flaky")
	if recovered == nil {
		t.Fatal("Expected recovered job in waiting set")
	}
	if recovered.Attempts != 0 {
		t.Errorf("Expected attempts reset to 0, got %d", recovered.Attempts)
	}
	if recovered.LastError != "" {
		t.Errorf("Expected last error cleared, got %q", recovered.LastError)
	}
}

func TestRescheduleGoesThroughDelayedSet(t *testing.T) {
	_, r := setupTestRegistry(t)
	ctx := context.Background()
	r.Create("retrying", Config{})

	j := mustJob(t, "retrying", jobs.Options{})
	r.Push(ctx, j)
	popped, _ := r.PopReady(ctx, "retrying")

	popped.Attempts = 1
	if err := r.Reschedule(ctx, popped, time.Minute); err != nil {
		t.Fatalf("Reschedule failed: %v", err)
	}

	st, _ := r.QueueStatus(ctx, "retrying")
	if st.Delayed != 1 || st.Active != 0 {
		t.Errorf("Expected 1 delayed, 0 active; got %+v", st)
	}
}

func TestReapStalledReturnsJobToWaiting(t *testing.T) {
	_, r := setupTestRegistry(t)
	ctx := context.Background()
	r.Create("crashy", Config{})

	j := mustJob(t, "crashy", jobs.Options{})
	r.Push(ctx, j)
	if popped, _ := r.PopReady(ctx, "crashy"); popped == nil {
		t.Fatal("Expected a ready job")
	}

	// Everything active longer than -1s is stale, i.e. everything.
	stalled, err := r.ReapStalled(ctx, "crashy", -time.Second)
	if err != nil {
		t.Fatalf("ReapStalled failed: %v", err)
	}
	if len(stalled) != 1 || stalled[0] != j.ID {
		t.Fatalf("Expected the active job reaped, got %v", stalled)
	}

	st, _ := r.QueueStatus(ctx, "crashy")
	if st.Waiting != 1 || st.Active != 0 {
		t.Errorf("Expected job back in waiting; got %+v", st)
	}
}

func TestTotalWaitingSumsAcrossQueues(t *testing.T) {
	_, r := setupTestRegistry(t)
	ctx := context.Background()
	r.Create("a", Config{})
	r.Create("b", Config{})

	r.Push(ctx, mustJob(t, "a", jobs.Options{}))
	r.Push(ctx, mustJob(t, "a", jobs.Options{}))
	r.Push(ctx, mustJob(t, "b", jobs.Options{}))

	total, err := r.TotalWaiting(ctx)
	if err != nil {
		t.Fatalf("TotalWaiting failed: %v", err)
	}
	if total != 3 {
		t.Errorf("Expected total 3, got %d", total)
	}
}
