// Package retry provides the reconnect policy used after a failed
// connection attempt: exponential backoff gated on the error
// classification, and a circuit breaker that stops hammering a server
// that keeps failing.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"jabconn/config"
	ncerr "jabconn/internal/errors"
)

// ── Permanent errors ─────────────────────────────────────────────────

// PermanentError wraps an error to signal that retrying will not help.
// Return [Permanent](err) from the attempt function to stop at once.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err has been marked as permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ── Backoff ──────────────────────────────────────────────────────────

// Backoff spaces out reconnection attempts exponentially.  The zero
// value waits 1s, doubling up to 60s, for at most 10 attempts.
type Backoff struct {
	// Initial is the wait after the first failure.
	Initial time.Duration
	// Max caps the wait.
	Max time.Duration
	// Factor multiplies the wait after every failure.
	Factor float64
	// MaxAttempts is the total number of attempts including the first.
	// Negative means unlimited, until the context ends.
	MaxAttempts int
	// Jitter spreads each wait by up to ±Jitter of its length
	// (0.25 means ±25%).
	Jitter float64

	// Retryable, when set, is consulted for every failure.  Errors it
	// rejects end the loop like a [Permanent] error.
	Retryable func(error) bool
	// OnRetry, when set, runs before each wait with the attempt that
	// just failed and the delay about to be slept.
	OnRetry func(attempt int, err error, wait time.Duration)

	// sleep waits for d or until ctx ends; tests replace it.
	sleep func(ctx context.Context, d time.Duration) error
}

// ReconnectBackoff returns the policy for reconnecting a session.  Only
// failures the classifier marks as reconnect-advised are retried.
// Zero arguments fall back to the config defaults.
func ReconnectBackoff(initial time.Duration, maxAttempts int) *Backoff {
	if initial <= 0 {
		initial = config.DefaultReconnectBackoff
	}
	if maxAttempts == 0 {
		maxAttempts = config.DefaultMaxReconnectAttempts
	}
	return &Backoff{
		Initial:     initial,
		Max:         config.DefaultMaxReconnectBackoff,
		Factor:      2,
		MaxAttempts: maxAttempts,
		Jitter:      0.25,
		Retryable:   ncerr.IsRetryable,
	}
}

// Delay is the wait that follows failed attempt n (1-based), before
// jitter.
func (b *Backoff) Delay(n int) time.Duration {
	initial, maxDelay, factor := b.Initial, b.Max, b.Factor
	if initial <= 0 {
		initial = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}
	if factor < 1 {
		factor = 2
	}
	if n < 1 {
		n = 1
	}
	d := float64(initial) * math.Pow(factor, float64(n-1))
	if d > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(d)
}

func (b *Backoff) maxAttempts() int {
	if b.MaxAttempts == 0 {
		return 10
	}
	return b.MaxAttempts
}

// Do calls fn until it succeeds, fails for good, runs out of attempts
// or ctx ends.  fn receives the 1-based attempt number.
func (b *Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	sleep := b.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	limit := b.maxAttempts()

	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return errors.Unwrap(err)
		}
		if b.Retryable != nil && !b.Retryable(err) {
			return err
		}
		if limit > 0 && attempt >= limit {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}

		wait := jitter(b.Delay(attempt), b.Jitter)
		if b.OnRetry != nil {
			b.OnRetry(attempt, err, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return fmt.Errorf("reconnect cancelled: %w", err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// jitter moves d by a random amount within ±frac of d, never below 1ms.
func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	spread := float64(d) * frac
	result := float64(d) + (rand.Float64()*2-1)*spread
	return time.Duration(math.Max(result, float64(time.Millisecond)))
}
