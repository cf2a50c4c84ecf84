// Package main measures task bridge throughput. It schedules a batch of
// one-off jobs, runs the scheduler and dispatcher in-process, and measures
// how long it takes until every job has been started and has finished.
//
// Usage:
//
//	go run ./benchmark -tasks 10000 -redis localhost:6379
package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guido-cesarano/taskbridge/pkg/dispatcher"
	"github.com/guido-cesarano/taskbridge/pkg/executor"
	"github.com/guido-cesarano/taskbridge/pkg/jobservice"
	"github.com/guido-cesarano/taskbridge/pkg/queue"
	"github.com/guido-cesarano/taskbridge/pkg/registry"
	"github.com/guido-cesarano/taskbridge/pkg/tasks"
	"github.com/rs/zerolog"
)

// firstID keeps benchmark jobs clear of the registered production ids.
const firstID tasks.TaskID = 100000

func main() {
	numTasks := flag.Int("tasks", 10000, "Number of jobs to schedule")
	numWorkers := flag.Int("workers", 10, "Number of concurrent schedulers and pool workers")
	addr := flag.String("redis", "localhost:6379", "Redis address")
	flag.Parse()

	if *numTasks <= 0 || *numWorkers <= 0 {
		fmt.Printf("-tasks and -workers must be positive\n")
		return
	}

	store := queue.NewClient(*addr)
	defer store.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.Ping(ctx); err != nil {
		fmt.Printf("Redis not reachable at %s: %v\n", *addr, err)
		return
	}

	// Blocking, so a large batch of due jobs waits for workers instead of
	// being refused and counted as finished.
	pool, err := executor.New(*numWorkers, executor.WithBlocking())
	if err != nil {
		fmt.Printf("Error creating pool: %v\n", err)
		return
	}
	defer pool.Release()

	var completed, refused atomic.Int64
	reg := registry.New()
	for i := 0; i < *numTasks; i++ {
		reg.MustRegister(firstID+tasks.TaskID(i), "benchmark", func() tasks.Handler {
			return tasks.FuncHandler{
				Start: func(ctx context.Context, _ tasks.Parameters, done tasks.FinishedCallback) bool {
					err := pool.Submit(ctx, func(context.Context) error { return nil }, func(error) {
						completed.Add(1)
						done(false)
					})
					if err != nil {
						refused.Add(1)
						return false
					}
					return true
				},
			}
		})
	}

	device := jobservice.NewStaticDevice(jobservice.Conditions{Connected: true, Unmetered: true, Charging: true})
	svc := jobservice.New(store, device, jobservice.Config{
		PollInterval: 10 * time.Millisecond,
		BackoffBase:  time.Second,
	}, jobservice.WithLogger(zerolog.Nop()))
	disp := dispatcher.New(reg, svc, dispatcher.WithLogger(zerolog.Nop()))
	svc.Bind(disp)

	fmt.Printf("TaskBridge Benchmark\n")
	fmt.Printf("====================\n")
	fmt.Printf("Jobs to schedule: %d\n", *numTasks)
	fmt.Printf("Concurrent workers: %d\n\n", *numWorkers)

	// Schedule phase
	fmt.Printf("Starting schedule phase...\n")
	startSchedule := time.Now()

	var wg sync.WaitGroup
	var scheduled atomic.Int64
	perWorker := *numTasks / *numWorkers

	for w := 0; w < *numWorkers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				info := tasks.TaskInfo{
					ID:            firstID + tasks.TaskID(worker*perWorker+j),
					Params:        tasks.NewParametersBuilder().PutInt("worker", worker).Build(),
					UpdateCurrent: true,
				}
				if _, err := svc.Schedule(ctx, info); err != nil {
					fmt.Printf("Error scheduling: %v\n", err)
					return
				}
				scheduled.Add(1)
			}
		}(w)
	}

	wg.Wait()
	scheduleTime := time.Since(startSchedule)
	total := scheduled.Load()

	fmt.Printf("✓ Scheduled %d jobs in %s\n", total, scheduleTime)
	fmt.Printf("  Throughput: %.2f jobs/sec\n\n", float64(total)/scheduleTime.Seconds())

	// Dispatch phase
	fmt.Printf("Dispatching...\n")
	startDispatch := time.Now()
	go disp.Run(ctx)
	go svc.Run(ctx)

	for {
		depths := store.Depths(ctx)
		remaining := depths["jobs:pending"] + depths["jobs:running"]
		if remaining == 0 {
			break
		}
		time.Sleep(500 * time.Millisecond)
		fmt.Printf("  Remaining: %d jobs\n", remaining)
	}

	dispatchTime := time.Since(startDispatch)
	cancel()
	disp.Close()

	fmt.Printf("\n✓ %d jobs dispatched and finished in %s\n", completed.Load(), dispatchTime)
	if n := refused.Load(); n > 0 {
		fmt.Printf("  Refused by the pool: %d\n", n)
	}
	fmt.Printf("  Throughput: %.2f jobs/sec\n", float64(total)/dispatchTime.Seconds())

	totalTime := scheduleTime + dispatchTime
	fmt.Printf("\nTotal time: %s\n", totalTime)
	fmt.Printf("Overall throughput: %.2f jobs/sec\n", float64(total)/totalTime.Seconds())
}
