// Package main benchmarks admitq end to end: it registers a queue, floods it
// with jobs through the full admission path and drains it with a no-op
// handler, reporting enqueue and processing throughput.
//
// Usage:
//
//	go run benchmark/main.go -jobs 100000 -concurrency 16
package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/admitq/admitq/pkg/backpressure"
	"github.com/admitq/admitq/pkg/breaker"
	"github.com/admitq/admitq/pkg/dispatcher"
	"github.com/admitq/admitq/pkg/events"
	"github.com/admitq/admitq/pkg/jobs"
	"github.com/admitq/admitq/pkg/queue"
)

func main() {
	numJobs := flag.Int("jobs", 100000, "Number of jobs to enqueue")
	enqueuers := flag.Int("enqueuers", 10, "Number of concurrent enqueuers")
	concurrency := flag.Int("concurrency", 16, "Worker concurrency for the processing phase")
	redisAddr := flag.String("redis", "localhost:6379", "Redis address")
	flag.Parse()

	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
	ctx := context.Background()

	bus := events.NewBus()
	reg := queue.NewRegistry(rdb, queue.Options{Bus: bus})
	if err := reg.Create("bench", queue.Config{Concurrency: *concurrency}); err != nil {
		fmt.Printf("Failed to register queue: %v\n", err)
		return
	}
	brk := breaker.New(breaker.Options{Bus: bus})
	// A high depth ceiling keeps backpressure out of the way; this measures
	// raw throughput, not admission behavior.
	bp := backpressure.New(reg.TotalWaiting, backpressure.Options{MaxTotalDepth: *numJobs * 2, Bus: bus})
	d := dispatcher.New(reg, brk, bp, nil, bus)

	fmt.Printf("admitq Benchmark\n")
	fmt.Printf("================\n")
	fmt.Printf("Jobs to enqueue: %d\n", *numJobs)
	fmt.Printf("Concurrent enqueuers: %d\n", *enqueuers)
	fmt.Printf("Worker concurrency: %d\n\n", *concurrency)

	fmt.Printf("Starting enqueue phase...\n")
	startEnqueue := time.Now()

	var wg sync.WaitGroup
	var enqueued atomic.Int64
	jobsPerWorker := *numJobs / *enqueuers

	for i := 0; i < *enqueuers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < jobsPerWorker; j++ {
				payload := fmt.Appendf(nil, `{"worker":%d,"job":%d}`, workerID, j)
				if _, err := d.Enqueue(ctx, "bench", payload, jobs.Options{}); err != nil {
					fmt.Printf("Error enqueuing: %v\n", err)
					return
				}
				enqueued.Add(1)
			}
		}(i)
	}

	wg.Wait()
	enqueueTime := time.Since(startEnqueue)

	fmt.Printf("✓ Enqueued %d jobs in %s\n", enqueued.Load(), enqueueTime)
	fmt.Printf("  Throughput: %.2f jobs/sec\n\n", float64(enqueued.Load())/enqueueTime.Seconds())

	fmt.Printf("Starting processing phase...\n")
	startProcess := time.Now()

	var processed atomic.Int64
	d.Process("bench", func(ctx context.Context, j *jobs.Job) error {
		processed.Add(1)
		return nil
	})

	for {
		depths, err := reg.Depths(ctx)
		if err != nil {
			fmt.Printf("Error reading depths: %v\n", err)
			return
		}
		remaining := depths["bench"].Waiting + depths["bench"].Active
		if remaining == 0 {
			break
		}

		time.Sleep(2 * time.Second)
		fmt.Printf("  Remaining: %d jobs\n", remaining)
	}

	processTime := time.Since(startProcess)
	d.Shutdown(ctx)

	fmt.Printf("\n✓ Processed %d jobs in %s\n", processed.Load(), processTime)
	fmt.Printf("  Throughput: %.2f jobs/sec\n", float64(processed.Load())/processTime.Seconds())

	totalTime := enqueueTime + processTime
	fmt.Printf("\nTotal time: %s\n", totalTime)
	fmt.Printf("Overall throughput: %.2f jobs/sec\n", float64(*numJobs)/totalTime.Seconds())
}
