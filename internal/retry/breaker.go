package retry

import (
	"fmt"
	"sync"
	"time"

	ncerr "jabconn/internal/errors"
)

// State is the breaker's position.
type State int

const (
	// StateClosed lets every attempt through.
	StateClosed State = iota
	// StateOpen rejects attempts until the cooldown has passed.
	StateOpen
	// StateHalfOpen lets probe attempts through to test recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a [Breaker].  Zero fields take defaults.
type BreakerConfig struct {
	// Threshold is how many counted failures in a row open the breaker
	// (default 5).
	Threshold int
	// Cooldown is how long an open breaker rejects attempts (default 30s).
	Cooldown time.Duration
	// Probes is how many successful probes close a half-open breaker
	// (default 1).
	Probes int
	// Counts selects the failures that count toward Threshold.  The
	// default counts only failures worth reconnecting after; the rest
	// say nothing about whether the server is up.
	Counts func(error) bool
	// OnStateChange runs on every transition, under the breaker's lock.
	OnStateChange func(from, to State)
	// Now is the clock.  Defaults to time.Now.
	Now func() time.Time
}

// Breaker stops connection attempts against a server after a run of
// failures, then lets probes through once the cooldown has passed.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	probes    int
	counts    func(error) bool
	onChange  func(from, to State)
	now       func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	b := &Breaker{
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		probes:    cfg.Probes,
		counts:    cfg.Counts,
		onChange:  cfg.OnStateChange,
		now:       cfg.Now,
	}
	if b.threshold <= 0 {
		b.threshold = 5
	}
	if b.cooldown <= 0 {
		b.cooldown = 30 * time.Second
	}
	if b.probes <= 0 {
		b.probes = 1
	}
	if b.counts == nil {
		b.counts = ncerr.IsRetryable
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Execute runs fn unless the breaker is open, in which case it returns
// an error wrapping errors.ErrCircuitOpen without calling fn.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	b.Record(err)
	return err
}

// Allow reports whether an attempt may start now.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}
	elapsed := b.now().Sub(b.openedAt)
	if elapsed >= b.cooldown {
		b.transition(StateHalfOpen)
		return nil
	}
	return fmt.Errorf("%w: %d failures in a row, next attempt in %v",
		ncerr.ErrCircuitOpen, b.failures, (b.cooldown - elapsed).Truncate(time.Second))
}

// Record feeds the outcome of an attempt allowed by Allow.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case err == nil:
		b.successes++
		if b.state == StateHalfOpen && b.successes < b.probes {
			return
		}
		b.failures = 0
		b.transition(StateClosed)
	case b.counts(err):
		b.failures++
		b.successes = 0
		if b.state == StateHalfOpen || b.failures >= b.threshold {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
	}
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the counted failures since the last success.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset closes the breaker and forgets its history.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.successes = 0
	b.transition(StateClosed)
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to != StateHalfOpen {
		b.successes = 0
	}
	if b.onChange != nil {
		b.onChange(from, to)
	}
}
