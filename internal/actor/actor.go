// Package actor provides the serialized execution context the bridge
// components use to own their mutable state. A Loop runs queued functions
// one at a time on a single goroutine, so state touched only from inside
// those functions needs no locks.
package actor

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when work is queued on a loop that has exited.
var ErrClosed = errors.New("actor loop closed")

// Loop is a single-worker mailbox. The zero value is not usable; call New.
type Loop struct {
	ops       chan func()
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a loop and starts its worker goroutine. The mailbox holds
// buffer pending operations before Post and Do start to wait.
func New(buffer int) *Loop {
	l := &Loop{
		ops:  make(chan func(), buffer),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	for {
		select {
		case <-l.done:
			return
		case op := <-l.ops:
			op()
		}
	}
}

// Do runs fn on the loop and waits for it to finish. It must not be called
// from inside another operation on the same loop.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}

	select {
	case l.ops <- wrapped:
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		// Close may race with an operation that was already dequeued.
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		// The operation still runs; only the wait is abandoned.
		return ctx.Err()
	}
}

// Post queues fn without waiting for it to run. It blocks only while the
// mailbox is full and reports false once the loop is closed.
func (l *Loop) Post(fn func()) bool {
	select {
	case l.ops <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Close stops the worker. Operations still queued are discarded.
func (l *Loop) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

// Done is closed once Close has been called.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
