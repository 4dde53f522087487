// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"time"

	"github.com/atelier-foundation/atelier/lib/clock"
	"github.com/atelier-foundation/atelier/lib/resilience"
)

// BreakerSet holds one circuit breaker per named upstream. The set is
// built once from the policy at startup; lookups after that are
// read-only on the map.
type BreakerSet struct {
	breakers map[string]*resilience.CircuitBreaker
}

// NewBreakerSet creates a breaker for every named upstream.
// Non-positive threshold or timeout select the breaker defaults.
func NewBreakerSet(upstreams []string, failureThreshold int, recoveryTimeout time.Duration, clk clock.Clock) *BreakerSet {
	breakers := make(map[string]*resilience.CircuitBreaker, len(upstreams))
	for _, name := range upstreams {
		breakers[name] = resilience.NewCircuitBreaker(failureThreshold, recoveryTimeout, clk)
	}
	return &BreakerSet{breakers: breakers}
}

// For returns the breaker for an upstream, or nil for an unknown name.
func (s *BreakerSet) For(upstream string) *resilience.CircuitBreaker {
	if s == nil {
		return nil
	}
	return s.breakers[upstream]
}

// States returns the current state of every breaker, keyed by upstream
// name. Consumed by readiness reporting.
func (s *BreakerSet) States() map[string]resilience.BreakerState {
	if s == nil {
		return nil
	}
	states := make(map[string]resilience.BreakerState, len(s.breakers))
	for name, breaker := range s.breakers {
		states[name] = breaker.State()
	}
	return states
}
