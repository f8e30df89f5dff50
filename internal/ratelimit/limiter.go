// Package ratelimit implements sliding-window admission control for
// outbound exchange calls. Waiters are admitted strictly in FIFO order.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrQueueCleared = errors.New("rate limiter queue cleared")

type Status struct {
	RequestsInWindow int `json:"requests_in_window"`
	MaxRequests      int `json:"max_requests"`
	QueueLength      int `json:"queue_length"`
}

type waiter struct {
	done chan error
}

// Limiter admits at most maxRequests callers per sliding window.
type Limiter struct {
	mu sync.Mutex

	maxRequests int
	window      time.Duration
	now         func() time.Time

	timestamps []time.Time
	queue      []*waiter
	admitting  bool
}

func New(maxRequests int, window time.Duration) *Limiter {
	return &Limiter{
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
	}
}

// NewWithClock is used by tests to control time.
func NewWithClock(maxRequests int, window time.Duration, now func() time.Time) *Limiter {
	l := New(maxRequests, window)
	l.now = now
	return l
}

// Acquire blocks until admission is safe, the context is cancelled, or the
// queue is forcibly cleared.
func (l *Limiter) Acquire(ctx context.Context) error {
	w := &waiter{done: make(chan error, 1)}

	l.mu.Lock()
	l.queue = append(l.queue, w)
	l.scheduleAdmitLocked()
	l.mu.Unlock()

	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		l.remove(w)
		// admit may have won the race; honor the grant if so
		select {
		case err := <-w.done:
			return err
		default:
		}
		return ctx.Err()
	}
}

func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return Status{
		RequestsInWindow: len(l.timestamps),
		MaxRequests:      l.maxRequests,
		QueueLength:      len(l.queue),
	}
}

// ClearQueue rejects every queued waiter with ErrQueueCleared. Only used on
// shutdown or reset, never during normal operation.
func (l *Limiter) ClearQueue() {
	l.mu.Lock()
	queue := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, w := range queue {
		w.done <- ErrQueueCleared
	}
}

func (l *Limiter) remove(w *waiter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, q := range l.queue {
		if q == w {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return
		}
	}
}

func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.timestamps) && !l.timestamps[i].After(cutoff) {
		i++
	}
	l.timestamps = l.timestamps[i:]
}

// scheduleAdmitLocked starts the single admission loop if it isn't running.
func (l *Limiter) scheduleAdmitLocked() {
	if l.admitting {
		return
	}
	l.admitting = true
	go l.admitLoop()
}

func (l *Limiter) admitLoop() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.admitting = false
			l.mu.Unlock()
			return
		}

		now := l.now()
		l.pruneLocked(now)

		for len(l.queue) > 0 && len(l.timestamps) < l.maxRequests {
			w := l.queue[0]
			l.queue = l.queue[1:]
			l.timestamps = append(l.timestamps, now)
			w.done <- nil
		}

		if len(l.queue) == 0 {
			l.admitting = false
			l.mu.Unlock()
			return
		}

		// at capacity: sleep until the oldest timestamp leaves the window
		wait := l.timestamps[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		if wait > 0 {
			time.Sleep(wait)
		}
	}
}
