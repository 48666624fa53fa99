package worker

import (
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/flowpilot/internal/config"
)

// ErrBreakerOpen is returned by Allow while the breaker rejects calls.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	// BreakerClosed lets every call through and counts consecutive failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cool-down elapses.
	BreakerOpen
	// BreakerHalfOpen lets a single probe through at a time.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker trips after a run of consecutive failures and probes the worker
// again once its cool-down has elapsed. It is safe for concurrent use.
type Breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	probing          bool
	failureThreshold int
	successThreshold int
	coolDown         time.Duration
	openedAt         time.Time
	now              func() time.Time
	onChange         func(BreakerState)
}

// NewBreaker creates a closed breaker. Zero values in cfg fall back to five
// failures, two successes and a 30s cool-down.
func NewBreaker(cfg config.CircuitBreakerConfig) *Breaker {
	b := &Breaker{
		state:            BreakerClosed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		coolDown:         cfg.Timeout,
		now:              time.Now,
	}
	if b.failureThreshold < 1 {
		b.failureThreshold = 5
	}
	if b.successThreshold < 1 {
		b.successThreshold = 2
	}
	if b.coolDown <= 0 {
		b.coolDown = 30 * time.Second
	}
	return b
}

// OnStateChange registers fn to be called, with the lock held, on every
// transition.
func (b *Breaker) OnStateChange(fn func(BreakerState)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.expireLocked()
	switch b.state {
	case BreakerOpen:
		return ErrBreakerOpen
	case BreakerHalfOpen:
		if b.probing {
			return ErrBreakerOpen
		}
		b.probing = true
	}
	return nil
}

// RecordSuccess records a call that reached a healthy worker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.probing = false
		b.successes++
		if b.successes >= b.successThreshold {
			b.failures = 0
			b.successes = 0
			b.setLocked(BreakerClosed)
		}
	}
}

// RecordFailure records a call that failed for infrastructure reasons.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.tripLocked()
		}
	case BreakerHalfOpen:
		b.tripLocked()
	}
}

// Abandon releases a call that ended without telling anything about the
// worker's health, such as one cut short by its caller.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	return b.state
}

func (b *Breaker) tripLocked() {
	b.openedAt = b.now()
	b.successes = 0
	b.probing = false
	b.setLocked(BreakerOpen)
}

func (b *Breaker) expireLocked() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.coolDown {
		b.successes = 0
		b.probing = false
		b.setLocked(BreakerHalfOpen)
	}
}

func (b *Breaker) setLocked(s BreakerState) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onChange != nil {
		b.onChange(s)
	}
}
