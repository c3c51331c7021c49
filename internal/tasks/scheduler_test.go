package tasks

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/makerspaceleiden/aggregator/internal/clock"
)

func newTestScheduler(t *testing.T) (*Scheduler, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock(time.Date(2019, 2, 3, 8, 55, 0, 0, time.UTC))
	return NewScheduler(clk, slog.New(slog.NewTextHandler(io.Discard, nil))), clk
}

func TestExecuteDueRunsOnlyPastEntries(t *testing.T) {
	s, clk := newTestScheduler(t)

	var ran []string
	s.ScheduleAt(clk.Now().Add(time.Hour), "soon", func(context.Context) error {
		ran = append(ran, "soon")
		return nil
	})
	s.ScheduleAt(clk.Now().Add(24*time.Hour), "tomorrow", func(context.Context) error {
		ran = append(ran, "tomorrow")
		return nil
	})

	s.ExecuteDue(context.Background())
	if len(ran) != 0 {
		t.Fatalf("tasks ran before their time: %v", ran)
	}

	clk.Advance(2 * time.Hour)
	s.ExecuteDue(context.Background())
	if len(ran) != 1 || ran[0] != "soon" {
		t.Fatalf("ran = %v, want [soon]", ran)
	}
	if s.Pending() != 1 {
		t.Errorf("pending = %d, want 1", s.Pending())
	}

	// A due entry runs exactly once.
	s.ExecuteDue(context.Background())
	if len(ran) != 1 {
		t.Errorf("task ran twice: %v", ran)
	}
}

func TestFailingTaskDoesNotBlockOthers(t *testing.T) {
	s, clk := newTestScheduler(t)

	var ran bool
	s.ScheduleAt(clk.Now(), "failing", func(context.Context) error {
		return errors.New("boom")
	})
	s.ScheduleAt(clk.Now(), "ok", func(context.Context) error {
		ran = true
		return nil
	})

	if err := s.ExecuteDue(context.Background()); err != nil {
		t.Fatalf("execute due: %v", err)
	}
	if !ran {
		t.Error("second task did not run after first failed")
	}
	if s.Pending() != 0 {
		t.Errorf("pending = %d, want 0", s.Pending())
	}
}
