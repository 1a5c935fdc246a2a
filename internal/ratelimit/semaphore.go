package ratelimit

import "context"

// Semaphore bounds the number of simultaneously in-flight operations.
// It is shared between concurrent top-level calls so the bound holds
// process-wide, not per request.
type Semaphore struct {
	permits chan struct{}
}

// NewSemaphore returns a semaphore with n permits.
func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		n = 1
	}
	return &Semaphore{permits: make(chan struct{}, n)}
}

// Acquire blocks until a permit is free. The caller must Release on every
// exit path; the idiom is an immediate deferred Release.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.permits <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees one permit.
func (s *Semaphore) Release() {
	<-s.permits
}

// Cap returns the permit count.
func (s *Semaphore) Cap() int {
	return cap(s.permits)
}
