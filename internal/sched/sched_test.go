package sched

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestTaskRunsImmediatelyAndPeriodically(t *testing.T) {
	var runs atomic.Int64
	task := Every("test", 20*time.Millisecond, func(ctx context.Context) {
		runs.Add(1)
	})
	defer task.Stop()

	deadline := time.After(2 * time.Second)
	for runs.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected at least 3 runs, got %d", runs.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestTaskStopCancelsContext(t *testing.T) {
	cancelled := make(chan struct{})
	started := make(chan struct{}, 1)

	task := Every("test", 10*time.Millisecond, func(ctx context.Context) {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-ctx.Done():
			select {
			case <-cancelled:
			default:
				close(cancelled)
			}
		case <-time.After(5 * time.Second):
		}
	})

	<-started
	done := make(chan struct{})
	go func() {
		task.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return; in-flight run not cancelled")
	}

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("run function never observed cancellation")
	}
}

func TestTaskNoRunsAfterStop(t *testing.T) {
	var runs atomic.Int64
	task := Every("test", 10*time.Millisecond, func(ctx context.Context) {
		runs.Add(1)
	})

	time.Sleep(30 * time.Millisecond)
	task.Stop()
	after := runs.Load()

	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != after {
		t.Errorf("task ran after Stop: %d -> %d", after, got)
	}
}

func TestTaskStopIdempotent(t *testing.T) {
	task := Every("test", 10*time.Millisecond, func(ctx context.Context) {})
	task.Stop()
	task.Stop() // must not panic or deadlock
}

func TestTaskRunsDoNotOverlap(t *testing.T) {
	var active atomic.Int64
	var overlapped atomic.Bool

	task := Every("test", 5*time.Millisecond, func(ctx context.Context) {
		if active.Add(1) > 1 {
			overlapped.Store(true)
		}
		time.Sleep(15 * time.Millisecond) // longer than the interval
		active.Add(-1)
	})

	time.Sleep(80 * time.Millisecond)
	task.Stop()

	if overlapped.Load() {
		t.Error("task runs overlapped")
	}
}
