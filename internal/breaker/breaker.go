// Package breaker implements the circuit breaker guarding the upstream.
//
//	Closed   — normal operation; all requests pass through.
//	Open     — upstream is failing; requests are rejected immediately.
//	HalfOpen — recovery probe; requests pass through until the breaker
//	           decides the upstream has recovered or is still down.
package breaker

import (
	"sync"
	"time"
)

// State is the operational state of the breaker.
type State int

const (
	Closed   State = 0
	Open     State = 1
	HalfOpen State = 2
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	}
	return "UNKNOWN"
}

// Config holds the breaker thresholds. Zero values fall back to defaults.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before half-open.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenSuccesses is the consecutive successes in half-open required
	// to close. Default: 3.
	HalfOpenSuccesses int
}

func (c Config) failureThreshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return 5
}

func (c Config) resetTimeout() time.Duration {
	if c.ResetTimeout > 0 {
		return c.ResetTimeout
	}
	return 30 * time.Second
}

func (c Config) halfOpenSuccesses() int {
	if c.HalfOpenSuccesses > 0 {
		return c.HalfOpenSuccesses
	}
	return 3
}

// Breaker is a consecutive-failure circuit breaker. It is safe for concurrent
// use from multiple goroutines.
type Breaker struct {
	mu  sync.Mutex
	cfg Config

	state     State
	failures  int       // consecutive failures while closed
	successes int       // consecutive successes while half-open
	openedAt  time.Time // when the breaker last tripped

	// now is swapped in tests.
	now func() time.Time
}

// New creates a Breaker with the given thresholds.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, now: time.Now}
}

// Allow reports whether the next request may proceed. While open, Allow
// returns false until the reset timeout elapses, at which point the breaker
// moves to half-open and starts admitting probes.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.openedAt) >= b.cfg.resetTimeout() {
			b.state = HalfOpen
			b.successes = 0
			return true
		}
		return false
	case HalfOpen:
		return true
	}
	return true
}

// RecordSuccess notes a successful upstream call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.halfOpenSuccesses() {
			b.state = Closed
			b.failures = 0
			b.successes = 0
		}
	}
}

// RecordFailure notes a failed upstream call. In half-open, a single failure
// re-opens the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.failureThreshold() {
			b.trip()
		}
	case HalfOpen:
		b.trip()
	}
}

// State returns the current state, accounting for an elapsed reset timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.resetTimeout() {
		return HalfOpen
	}
	return b.state
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.now()
	b.failures = 0
	b.successes = 0
}
