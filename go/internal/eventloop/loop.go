// Package eventloop runs queued callbacks one at a time on a single
// goroutine, so state owned by the loop needs no locking.
package eventloop

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned by Call once the loop has exited.
var ErrStopped = errors.New("event loop stopped")

// Loop is a single-goroutine executor.
type Loop struct {
	queue chan func()
	done  chan struct{}
	once  sync.Once
}

// New creates a loop with the given queue capacity.
func New(capacity int) *Loop {
	if capacity <= 0 {
		capacity = 256
	}
	return &Loop{
		queue: make(chan func(), capacity),
		done:  make(chan struct{}),
	}
}

// Run executes callbacks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	defer l.once.Do(func() { close(l.done) })
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.queue:
			fn()
		}
	}
}

// Post queues fn. It drops fn if the loop has exited.
func (l *Loop) Post(fn func()) {
	select {
	case l.queue <- fn:
	case <-l.done:
	}
}

// Call runs fn on the loop and waits for it to finish. It must not be
// called from the loop itself.
func (l *Loop) Call(fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}

	select {
	case l.queue <- wrapped:
	case <-l.done:
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		// the loop may have run it on its way out
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
