// Package sched provides a cancellable periodic task abstraction. A Task
// owns its timer and goroutine: stopping it cancels the context passed to
// the run function and waits for the in-flight run to finish, so no run
// can mutate state after teardown.
package sched

import (
	"context"
	"sync"
	"time"
)

// Task is a handle to a running periodic task.
type Task struct {
	name     string
	interval time.Duration
	fn       func(context.Context)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Every starts a periodic task. The function runs once immediately, then
// on every interval tick. Runs never overlap: the loop invokes fn
// synchronously and a tick that arrives mid-run is dropped by the ticker.
func Every(name string, interval time.Duration, fn func(context.Context)) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		name:     name,
		interval: interval,
		fn:       fn,
		ctx:      ctx,
		cancel:   cancel,
	}

	t.wg.Add(1)
	go t.loop()
	return t
}

// Name returns the task name.
func (t *Task) Name() string {
	return t.name
}

func (t *Task) loop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.fn(t.ctx)

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			// Re-check: the tick may race Stop.
			if t.ctx.Err() != nil {
				return
			}
			t.fn(t.ctx)
		}
	}
}

// Stop cancels the task and waits for any in-flight run to return.
// Stop is idempotent.
func (t *Task) Stop() {
	t.once.Do(func() {
		t.cancel()
		t.wg.Wait()
	})
}
