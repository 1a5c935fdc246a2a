// Package retry wraps fallible operations with bounded retries and
// exponential backoff, routing transient and permanent failures differently.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"marketsync/internal/vendors"
)

// Policy describes the retry behavior applied to one operation.
type Policy struct {
	// MaxAttempts is the total number of tries, first attempt included.
	MaxAttempts int
	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration
	// BackoffFactor multiplies the delay after every failed attempt.
	BackoffFactor float64
	// Jitter is the maximum random duration added to or subtracted from
	// each delay.
	Jitter time.Duration
}

// DefaultPolicy mirrors the retry tuning of the HTTP client: three
// attempts, one second base delay, doubling.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		BaseDelay:     time.Second,
		BackoffFactor: 2.0,
		Jitter:        100 * time.Millisecond,
	}
}

// ExhaustedError is the terminal failure after all attempts were spent on a
// transient error. It carries the attempt count and wraps the last error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Do runs op until it succeeds, fails permanently, or MaxAttempts is
// reached. It returns the number of attempts made and the final outcome:
// nil on success, the permanent error unchanged, or an *ExhaustedError
// wrapping the last transient error.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) (attempts int, err error) {
	max := p.MaxAttempts
	if max <= 0 {
		max = 1
	}
	for attempts = 1; ; attempts++ {
		err = op(ctx)
		if err == nil {
			return attempts, nil
		}
		if !vendor.IsRetryable(err) {
			return attempts, err
		}
		if attempts >= max {
			return attempts, &ExhaustedError{Attempts: attempts, Last: err}
		}
		timer := time.NewTimer(p.delay(attempts))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempts, ctx.Err()
		case <-timer.C:
		}
	}
}

// delay computes base * factor^(attempt-1) ± jitter.
func (p Policy) delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	for i := 1; i < attempt; i++ {
		d *= factor
	}
	if p.Jitter > 0 {
		d += float64(rand.Int63n(int64(2*p.Jitter))) - float64(p.Jitter)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
