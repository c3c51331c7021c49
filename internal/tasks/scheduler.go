// Package tasks holds deferred one-shot callbacks keyed by wall-clock
// time, plus the cron triggers that drive the periodic sweeps. The
// scheduler itself never wakes up: a cron trigger enqueues ExecuteDue
// once a minute on the worker queue, and everything due by then runs.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/makerspaceleiden/aggregator/internal/clock"
	"github.com/makerspaceleiden/aggregator/internal/worker"
)

// entry is one scheduled callback. Entries cannot be canceled; code
// that no longer wants to run checks its own preconditions when fired.
type entry struct {
	at    time.Time
	label string
	fn    func(ctx context.Context) error
}

// Scheduler holds deferred one-shot callbacks.
type Scheduler struct {
	clk     clock.Clock
	logger  *slog.Logger
	entries []entry
}

// NewScheduler builds an empty scheduler.
func NewScheduler(clk clock.Clock, logger *slog.Logger) *Scheduler {
	return &Scheduler{clk: clk, logger: logger}
}

// ScheduleAt registers fn to run once `at` has passed. Like everything
// else that mutates state, both ScheduleAt and ExecuteDue are called
// from the worker goroutine only.
func (s *Scheduler) ScheduleAt(at time.Time, label string, fn func(ctx context.Context) error) {
	s.logger.Info("task scheduled", "task", label, "at", at)
	s.entries = append(s.entries, entry{at: at, label: label, fn: fn})
}

// Pending reports how many callbacks are waiting.
func (s *Scheduler) Pending() int { return len(s.entries) }

// ExecuteDue runs every callback whose time has passed, in schedule
// order, and drops it. A failing callback is logged and dropped like
// any other; it does not block the rest.
func (s *Scheduler) ExecuteDue(ctx context.Context) error {
	now := s.clk.Now()
	var remaining []entry
	var due []entry
	for _, e := range s.entries {
		if e.at.After(now) {
			remaining = append(remaining, e)
		} else {
			due = append(due, e)
		}
	}
	s.entries = remaining

	for _, e := range due {
		s.logger.Info("running scheduled task", "task", e.label, "scheduled_at", e.at)
		if err := e.fn(ctx); err != nil {
			s.logger.Error("scheduled task failed", "task", e.label, "error", err)
		}
	}
	return nil
}

// Triggers owns the process's cron entries. Each trigger enqueues its
// work on the worker queue so that execution stays serialized.
type Triggers struct {
	cron   *cron.Cron
	queue  *worker.Queue
	logger *slog.Logger
}

// NewTriggers builds an empty trigger set.
func NewTriggers(queue *worker.Queue, logger *slog.Logger) *Triggers {
	return &Triggers{cron: cron.New(), queue: queue, logger: logger}
}

// Add registers a cron expression that enqueues fn on each firing.
func (t *Triggers) Add(spec, label string, fn func(ctx context.Context) error) error {
	_, err := t.cron.AddFunc(spec, func() {
		t.queue.Enqueue(label, fn)
	})
	if err != nil {
		return fmt.Errorf("add trigger %s (%q): %w", label, spec, err)
	}
	return nil
}

// Start runs the cron loop until ctx is canceled.
func (t *Triggers) Start(ctx context.Context) {
	t.cron.Start()
	t.logger.Info("cron triggers started")
	go func() {
		<-ctx.Done()
		t.cron.Stop()
		t.logger.Info("cron triggers stopped")
	}()
}
