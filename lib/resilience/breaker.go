// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atelier-foundation/atelier/lib/clock"
)

// ErrBreakerOpen is returned by Allow when the breaker is open:
// the dependency is known unhealthy and no network call is attempted.
var ErrBreakerOpen = errors.New("resilience: circuit breaker is open")

// BreakerState is the observable state of a CircuitBreaker.
type BreakerState int

const (
	// StateClosed passes requests through. Failures count toward the
	// threshold.
	StateClosed BreakerState = iota

	// StateOpen rejects requests immediately, without a network call,
	// until the recovery timeout has elapsed since the last failure.
	StateOpen

	// StateHalfOpen allows a probe request through. Success closes
	// the breaker; failure reopens it and resets the failure clock.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// CircuitBreaker isolates one logical downstream dependency. Construct
// one breaker per dependency and mutate it only from the client
// issuing calls to that dependency.
//
// The half-open transition is derived lazily at read time from the
// last failure timestamp — no background timer. The lock guards the
// counter and timestamps only; it is never held across I/O.
type CircuitBreaker struct {
	failureThreshold int
	recoveryTimeout  time.Duration
	clock            clock.Clock

	mu           sync.Mutex
	failureCount int
	lastFailure  time.Time
	tripped      bool
}

// NewCircuitBreaker creates a breaker that opens after
// failureThreshold consecutive failures and probes again after
// recoveryTimeout. Non-positive arguments select 5 failures and 30
// seconds. A nil clk selects the real clock.
func NewCircuitBreaker(failureThreshold int, recoveryTimeout time.Duration, clk clock.Clock) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		clock:            clk,
	}
}

// State returns the current state, re-deriving the open → half-open
// transition from the clock.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *CircuitBreaker) stateLocked() BreakerState {
	if !b.tripped {
		return StateClosed
	}
	if b.clock.Now().Sub(b.lastFailure) >= b.recoveryTimeout {
		return StateHalfOpen
	}
	return StateOpen
}

// Allow reports whether a request may proceed. Closed and half-open
// states allow (half-open admits the probe); open returns
// ErrBreakerOpen without any network attempt.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stateLocked() == StateOpen {
		return ErrBreakerOpen
	}
	return nil
}

// RecordSuccess resets the breaker to closed and zeroes the failure
// counter. Calling it repeatedly on a closed breaker is a no-op — the
// state remains closed.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tripped = false
	b.failureCount = 0
}

// RecordFailure counts a failure. Reaching the threshold trips the
// breaker open; a failure while tripped (a failed half-open probe)
// keeps it open and resets the recovery clock.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount++
	b.lastFailure = b.clock.Now()
	if b.failureCount >= b.failureThreshold {
		b.tripped = true
	}
}

// FailureCount returns the consecutive failure count. Exposed for
// readiness reporting and tests.
func (b *CircuitBreaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}
