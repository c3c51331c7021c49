// Package worker serializes all mutating work into a single goroutine.
// MQTT handlers, cron triggers and HTTP requests run on their own
// goroutines; everything that touches aggregator state is enqueued
// here and executed one task at a time, which is what lets the rest of
// the system skip locking entirely.
package worker

import (
	"context"
	"fmt"
	"log/slog"
)

// Task is one unit of serialized work.
type task struct {
	label string
	fn    func(ctx context.Context) error
	done  chan error // nil for fire-and-forget tasks
}

// Queue is the single-writer task queue.
type Queue struct {
	tasks  chan task
	logger *slog.Logger
}

// NewQueue builds a queue with the given buffer size.
func NewQueue(buffer int, logger *slog.Logger) *Queue {
	return &Queue{
		tasks:  make(chan task, buffer),
		logger: logger,
	}
}

// Enqueue submits fire-and-forget work. Errors are logged by the
// worker; a panic in fn is contained and logged too.
func (q *Queue) Enqueue(label string, fn func(ctx context.Context) error) {
	q.tasks <- task{label: label, fn: fn}
}

// Do submits work and blocks until it has run, returning its error.
// Used by read paths (HTTP snapshot requests, bot replies) that need a
// result computed on the worker goroutine.
func (q *Queue) Do(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	select {
	case q.tasks <- task{label: label, fn: fn, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue until ctx is canceled. It is the only goroutine
// that ever executes tasks.
func (q *Queue) Run(ctx context.Context) {
	q.logger.Info("worker started")
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("worker stopped")
			return
		case t := <-q.tasks:
			err := q.execute(ctx, t)
			if t.done != nil {
				t.done <- err
			} else if err != nil {
				q.logger.Error("task failed", "task", t.label, "error", err)
			}
		}
	}
}

func (q *Queue) execute(ctx context.Context, t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.label, r)
		}
	}()
	return t.fn(ctx)
}
