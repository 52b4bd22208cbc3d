// Package schedule provides cancellable one-shot and repeating callbacks on a
// clockwork clock. Callbacks run on the task's own goroutine; owners that keep
// single-threaded state should post the work into their own loop.
package schedule

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Task is a scheduled callback that can be stopped. A nil *Task is valid and
// stopping it is a no-op.
type Task struct {
	stopCh chan struct{}
	once   sync.Once
}

func newTask() *Task {
	return &Task{stopCh: make(chan struct{})}
}

// Stop cancels the task. It does not wait for a callback already in progress.
func (t *Task) Stop() {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.stopCh) })
}

// Stopped reports whether Stop has been called.
func (t *Task) Stopped() bool {
	if t == nil {
		return true
	}
	select {
	case <-t.stopCh:
		return true
	default:
		return false
	}
}

// After runs fn once, delay from now, unless the task is stopped first.
func After(clock clockwork.Clock, delay time.Duration, fn func()) *Task {
	t := newTask()
	timer := clock.NewTimer(delay)

	go func() {
		select {
		case <-timer.Chan():
			if !t.Stopped() {
				fn()
			}
		case <-t.stopCh:
			stopAndDrainTimer(timer)
		}
	}()

	return t
}

// Every runs fn at the given interval until the task is stopped. The first
// call happens one interval from now.
func Every(clock clockwork.Clock, interval time.Duration, fn func()) *Task {
	t := newTask()
	ticker := clock.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				if t.Stopped() {
					return
				}
				fn()
			case <-t.stopCh:
				return
			}
		}
	}()

	return t
}

// stopAndDrainTimer stops a timer and drains its channel if it already fired.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
