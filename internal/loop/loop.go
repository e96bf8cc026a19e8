// Package loop implements the single execution context shared by the
// supervisor, the drive host and the test sequencer.
//
// Every callback posted to a Loop runs on the goroutine executing Run, one at a
// time and in post order. Goroutines that watch the worker process never touch
// state directly; they post a callback instead. Timers created with AfterFunc
// deliver their callback through the same queue and are cancelled when the
// loop is closed.
package loop

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrClosed = errors.New("loop closed")

type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	timers map[*Timer]struct{}
	closed bool
	done   chan struct{}
}

func New() *Loop {
	return &Loop{
		wake:   make(chan struct{}, 1),
		timers: make(map[*Timer]struct{}),
		done:   make(chan struct{}),
	}
}

// Post queues fn for execution on the loop goroutine. It never blocks and is
// safe to call from the loop itself. Returns false once the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call posts fn and waits until it has run. It must not be called from the
// loop goroutine.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes posted callbacks until ctx is cancelled or Close is called.
func (l *Loop) Run(ctx context.Context) error {
	defer l.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.done:
			return nil
		case <-l.wake:
		}

		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			fn()
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

// Close stops the loop, drops queued callbacks and cancels pending timers.
// Calling Close more than once is a no-op.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.queue = nil
	timers := l.timers
	l.timers = nil
	l.mu.Unlock()

	for t := range timers {
		t.t.Stop()
	}
	close(l.done)
}

// Timer is a one-shot timer whose callback runs on the loop.
type Timer struct {
	l       *Loop
	t       *time.Timer
	stopped bool
}

// AfterFunc schedules fn on the loop after d. The returned timer is owned by
// the loop: closing the loop cancels it.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	timer := &Timer{l: l}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		timer.stopped = true
		return timer
	}
	l.timers[timer] = struct{}{}
	timer.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if !l.release(timer) {
				return
			}
			fn()
		})
	})
	return timer
}

// Stop cancels the timer. It reports whether the callback was prevented from
// running. Stop must be called from the loop goroutine.
func (t *Timer) Stop() bool {
	return t.l.release(t)
}

// release removes t from the set of live timers, reporting whether it was
// still pending.
func (l *Loop) release(t *Timer) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	if l.timers != nil {
		delete(l.timers, t)
	}
	if t.t != nil {
		t.t.Stop()
	}
	return true
}
