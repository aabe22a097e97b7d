package sync

import (
	"context"
	"errors"
)

// ErrLoopStopped is returned by Post once the loop has exited.
var ErrLoopStopped = errors.New("event loop stopped")

// Loop runs posted functions one at a time on a single goroutine. The
// controller, the scheduler and the link state are only touched from inside
// the loop, so none of them need locks.
type Loop struct {
	queue chan func(ctx context.Context)
	done  chan struct{}
}

// NewLoop creates a loop with room for size queued functions.
func NewLoop(size int) *Loop {
	return &Loop{
		queue: make(chan func(ctx context.Context), size),
		done:  make(chan struct{}),
	}
}

// Post queues fn. It blocks while the queue is full and drops fn once the
// loop has stopped.
func (l *Loop) Post(fn func(ctx context.Context)) error {
	select {
	case <-l.done:
		return ErrLoopStopped
	default:
	}
	select {
	case l.queue <- fn:
		return nil
	case <-l.done:
		return ErrLoopStopped
	}
}

// Dispatch is Post without the error, for callers that cannot act on it.
func (l *Loop) Dispatch(fn func(ctx context.Context)) {
	_ = l.Post(fn)
}

// Run executes queued functions until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.queue:
			fn(ctx)
		}
	}
}
