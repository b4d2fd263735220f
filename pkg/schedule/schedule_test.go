package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/admitq/admitq/pkg/backpressure"
	"github.com/admitq/admitq/pkg/breaker"
	"github.com/admitq/admitq/pkg/dispatcher"
	"github.com/admitq/admitq/pkg/events"
	"github.com/admitq/admitq/pkg/jobs"
	"github.com/admitq/admitq/pkg/queue"
)

func setupTestScheduler(t *testing.T) (*Scheduler, *dispatcher.Dispatcher, *queue.Registry) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := events.NewBus()
	reg := queue.NewRegistry(rdb, queue.Options{Bus: bus})
	brk := breaker.New(breaker.Options{Bus: bus})
	bp := backpressure.New(reg.TotalWaiting, backpressure.Options{TotalMemory: 1 << 40, Bus: bus})
	d := dispatcher.New(reg, brk, bp, nil, bus)

	s := New(d)
	t.Cleanup(s.Stop)
	return s, d, reg
}

func TestScheduledEnqueueFires(t *testing.T) {
	s, _, reg := setupTestScheduler(t)
	reg.Create("reports", queue.Config{})

	_, err := s.Add("@every 100ms", "reports", []byte(`{"kind":"digest"}`), jobs.Options{})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	s.Start()

	deadline := time.After(3 * time.Second)
	ctx := context.Background()
	for {
		st, err := reg.QueueStatus(ctx, "reports")
		if err != nil {
			t.Fatalf("QueueStatus failed: %v", err)
		}
		if st.Waiting >= 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("Timed out waiting for the scheduled enqueue")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestEachTickCreatesDistinctJob(t *testing.T) {
	s, _, reg := setupTestScheduler(t)
	reg.Create("reports", queue.Config{})

	if _, err := s.Add("@every 100ms", "reports", []byte(`{}`), jobs.Options{}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	s.Start()

	ctx := context.Background()
	deadline := time.After(5 * time.Second)
	for {
		st, _ := reg.QueueStatus(ctx, "reports")
		if st.Waiting >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Timed out waiting for two ticks")
		case <-time.After(20 * time.Millisecond):
		}
	}

	first, _ := reg.PopReady(ctx, "reports")
	second, _ := reg.PopReady(ctx, "reports")
	if first == nil || second == nil {
		t.Fatal("Expected two ready jobs")
	}
	if first.ID == second.ID {
		t.Errorf("Expected distinct job ids per tick, both were %s", first.ID)
	}
}

func TestInvalidSpecRejected(t *testing.T) {
	s, _, reg := setupTestScheduler(t)
	reg.Create("reports", queue.Config{})

	if _, err := s.Add("not a cron spec", "reports", nil, jobs.Options{}); err == nil {
		t.Error("Expected an error for an invalid cron spec")
	}
}

func TestRemoveStopsEntry(t *testing.T) {
	s, _, reg := setupTestScheduler(t)
	reg.Create("reports", queue.Config{})

	id, err := s.Add("@every 1h", "reports", nil, jobs.Options{})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if got := len(s.Entries()); got != 1 {
		t.Fatalf("Expected 1 entry, got %d", got)
	}

	s.Remove(id)
	if got := len(s.Entries()); got != 0 {
		t.Errorf("Expected 0 entries after remove, got %d", got)
	}
}
