// Package loop provides the single-goroutine callback queue that all view
// state runs on. Anything produced off the UI goroutine (network
// completions, sync notifications, bus actions) is posted here.
package loop

import (
	"context"
	"sync"

	"github.com/shawkym/mxview/pkg/log"
)

// Loop schedules fn to run on the UI goroutine. Post must not block the
// caller and must be safe to call from any goroutine.
type Loop interface {
	Post(fn func())
}

// Func adapts a function to Loop.
type Func func(fn func())

// Post calls f(fn).
func (f Func) Post(fn func()) { f(fn) }

// EventLoop is a channel-backed Loop for headless use. Run drains it on the
// calling goroutine.
type EventLoop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
}

// NewEventLoop creates an empty loop.
func NewEventLoop() *EventLoop {
	return &EventLoop{wake: make(chan struct{}, 1)}
}

// Post enqueues fn. Posts after Run returned are dropped.
func (l *EventLoop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run executes posted callbacks in order until ctx is canceled.
func (l *EventLoop) Run(ctx context.Context) error {
	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
	}()

	for {
		for _, fn := range l.take() {
			l.invoke(fn)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Drain runs every queued callback, including ones queued while draining,
// and returns how many ran. Useful for driving the loop from tests.
func (l *EventLoop) Drain() int {
	n := 0
	for {
		batch := l.take()
		if len(batch) == 0 {
			return n
		}
		for _, fn := range batch {
			l.invoke(fn)
			n++
		}
	}
}

func (l *EventLoop) take() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.queue
	l.queue = nil
	return batch
}

func (l *EventLoop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("loop callback panicked")
		}
	}()
	fn()
}
