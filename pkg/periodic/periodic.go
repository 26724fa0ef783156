// Package periodic runs a function on a fixed cadence, re-arming only after
// the previous invocation has returned.
package periodic

import (
	"context"
	"time"

	"github.com/frostbyte73/core"
	"go.uber.org/atomic"
)

// Task is single-use: once stopped it cannot be started again.
type Task struct {
	delay    time.Duration
	interval time.Duration
	fn       func(ctx context.Context)

	started atomic.Bool
	running atomic.Bool
	runs    atomic.Int64
	stop    core.Fuse
	done    chan struct{}
}

// New creates a task that first fires after delay and then every interval
// measured from the end of the previous run.
func New(delay, interval time.Duration, fn func(ctx context.Context)) *Task {
	if interval <= 0 {
		panic("periodic: interval must be > 0")
	}
	if delay < 0 {
		delay = 0
	}
	return &Task{
		delay:    delay,
		interval: interval,
		fn:       fn,
		done:     make(chan struct{}),
	}
}

// Start launches the worker goroutine. Subsequent calls are no-ops.
func (t *Task) Start(ctx context.Context) {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	go t.worker(ctx)
}

// Stop cancels pending runs. It does not wait for an in-flight run; use Done
// for that.
func (t *Task) Stop() {
	t.stop.Break()
}

func (t *Task) Stopped() bool {
	return t.stop.IsBroken()
}

// Done is closed when the worker goroutine exits.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Runs reports how many invocations have completed.
func (t *Task) Runs() int64 {
	return t.runs.Load()
}

// TryRun invokes fn immediately unless another invocation is in flight or the
// task has been stopped. It reports whether fn ran.
func (t *Task) TryRun(ctx context.Context) bool {
	if t.stop.IsBroken() {
		return false
	}
	if !t.running.CompareAndSwap(false, true) {
		return false
	}
	defer t.running.Store(false)

	t.fn(ctx)
	t.runs.Inc()
	return true
}

func (t *Task) worker(ctx context.Context) {
	defer close(t.done)

	timer := time.NewTimer(t.delay)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			t.TryRun(ctx)
			timer.Reset(t.interval)

		case <-t.stop.Watch():
			return

		case <-ctx.Done():
			return
		}
	}
}
