package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q := NewQueue(16, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go q.Run(ctx)
	return q
}

func TestTasksRunSequentially(t *testing.T) {
	q := newTestQueue(t)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		i := i
		q.Enqueue("append", func(ctx context.Context) error {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
	}
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("order[%d] = %d, tasks ran out of order: %v", i, got, order)
		}
	}
}

func TestDoReturnsTaskError(t *testing.T) {
	q := newTestQueue(t)

	want := errors.New("boom")
	err := q.Do(context.Background(), "failing", func(ctx context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("Do returned %v, want %v", err, want)
	}
}

func TestPanicIsContained(t *testing.T) {
	q := newTestQueue(t)

	err := q.Do(context.Background(), "panicking", func(ctx context.Context) error {
		panic("oh no")
	})
	if err == nil {
		t.Fatal("expected error from panicking task")
	}

	// The worker must still be alive afterwards.
	err = q.Do(context.Background(), "after", func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Errorf("worker dead after panic: %v", err)
	}
}

func TestDoHonorsContext(t *testing.T) {
	q := newTestQueue(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := q.Do(ctx, "slow", func(context.Context) error {
		time.Sleep(500 * time.Millisecond)
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Do returned %v, want deadline exceeded", err)
	}
}
