// Package jobs provides a small in-process worker pool used for
// asynchronous provisioning and bulk operation execution.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/orchardhq/orchard/internal/metrics"
)

const defaultQueueSize = 1024

var ErrQueueFull = errors.New("job queue full")
var ErrQueueStopped = errors.New("job queue stopped")

// Job is a unit of background work. Name is used for logging only.
type Job struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Queue is a fixed-size worker pool. Jobs that panic are recovered and
// logged so one bad job cannot take down a worker.
type Queue struct {
	ch      chan Job
	workers int
	logger  *slog.Logger
	wg      sync.WaitGroup
	stopped atomic.Bool
}

// NewQueue creates a queue drained by the given number of workers.
func NewQueue(workers int, logger *slog.Logger) *Queue {
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		ch:      make(chan Job, defaultQueueSize),
		workers: workers,
		logger:  logger,
	}
}

// Start launches the worker goroutines. The context cancels all workers;
// jobs already dequeued run to completion with that same context.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Enqueue submits a job. Non-blocking: returns ErrQueueFull when the
// buffer is at capacity rather than stalling the caller.
func (q *Queue) Enqueue(job Job) error {
	if q.stopped.Load() {
		return ErrQueueStopped
	}
	select {
	case q.ch <- job:
		metrics.JobQueueDepth.Set(float64(len(q.ch)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop closes the queue and waits for in-flight jobs to finish. Jobs still
// buffered are drained before the workers exit.
func (q *Queue) Stop() {
	if q.stopped.Swap(true) {
		return
	}
	close(q.ch)
	q.wg.Wait()
}

// Depth returns the number of jobs waiting in the buffer.
func (q *Queue) Depth() int {
	return len(q.ch)
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q.ch:
			if !ok {
				return
			}
			metrics.JobQueueDepth.Set(float64(len(q.ch)))
			q.run(ctx, job)
		}
	}
}

func (q *Queue) run(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("job panicked", "job", job.Name, "panic", r)
		}
	}()
	if err := job.Fn(ctx); err != nil {
		q.logger.Error("job failed", "job", job.Name, "error", err)
	}
}
