// Package workerpool runs batches of jobs with bounded concurrency and hands
// back results in completion order.
package workerpool

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// Config bounds a batch.
type Config struct {
	// WorkerCount is the maximum number of jobs in flight. Values below 1
	// fall back to DefaultWorkers().
	WorkerCount int
}

// DefaultWorkers is twice the available parallelism.
func DefaultWorkers() int {
	return 2 * runtime.GOMAXPROCS(0)
}

// Job is one unit of work of a batch.
type Job[T any] func(ctx context.Context) (T, error)

// Result is the outcome of one job.
type Result[T any] struct {
	Value T
	Err   error
}

// Stream starts the jobs with at most cfg.WorkerCount in flight and returns a
// channel that yields each result as soon as its job finishes. The channel is
// closed after every started job has finished. Once ctx is done no further
// jobs are started. A panicking job yields an error result instead of
// crashing the batch.
//
// The channel is buffered for the whole batch, so a consumer may stop reading
// early (cancelling ctx) without leaking workers.
func Stream[T any](ctx context.Context, cfg Config, jobs []Job[T]) <-chan Result[T] {
	limit := cfg.WorkerCount
	if limit < 1 {
		limit = DefaultWorkers()
	}
	results := make(chan Result[T], len(jobs))
	sem := make(chan struct{}, limit)

	go func() {
		var wg sync.WaitGroup
		defer func() {
			wg.Wait()
			close(results)
		}()
		for _, job := range jobs {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			if ctx.Err() != nil {
				<-sem
				return
			}
			wg.Add(1)
			go func(job Job[T]) {
				defer wg.Done()
				defer func() { <-sem }()
				v, err := Safe(ctx, job)
				results <- Result[T]{Value: v, Err: err}
			}(job)
		}
	}()

	return results
}

// Collect runs the batch to completion and returns every result.
func Collect[T any](ctx context.Context, cfg Config, jobs []Job[T]) []Result[T] {
	out := make([]Result[T], 0, len(jobs))
	for r := range Stream(ctx, cfg, jobs) {
		out = append(out, r)
	}
	return out
}

// Safe runs job and converts a panic into an error.
func Safe[T any](ctx context.Context, job Job[T]) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workerpool: job panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return job(ctx)
}
