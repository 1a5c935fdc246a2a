// Package ratelimit provides the two admission controls of the fetch
// engine: a sliding-window rate limiter bounding requests per trailing time
// window, and a counting semaphore bounding in-flight fetches.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window is a sliding-window rate limiter. Acquire blocks until admitting
// one more request would not exceed limit admissions within the trailing
// window. It never fails except on context cancellation.
//
// A token bucket would admit up to burst+rate*t requests in a rolling
// window; the engine's bound is strict per trailing window, so admissions
// are tracked as a timestamp queue instead.
type Window struct {
	limit  int
	window time.Duration

	mu     sync.Mutex
	stamps []time.Time

	// now is stubbed in tests.
	now func() time.Time
}

// NewWindow returns a limiter admitting at most limit acquisitions per
// trailing window duration.
func NewWindow(limit int, window time.Duration) *Window {
	if limit <= 0 {
		limit = 1
	}
	return &Window{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Acquire blocks until an admission is available, records it and returns.
// Returns the context error if ctx is cancelled while waiting.
func (w *Window) Acquire(ctx context.Context) error {
	for {
		wait := w.tryAcquire()
		if wait <= 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire records an admission if the window has room, returning 0.
// Otherwise it returns how long until the oldest admission leaves the
// window.
func (w *Window) tryAcquire() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.window)
	kept := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.stamps = kept

	if len(w.stamps) < w.limit {
		w.stamps = append(w.stamps, now)
		return 0
	}
	return w.stamps[0].Add(w.window).Sub(now)
}
