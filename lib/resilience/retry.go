// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atelier-foundation/atelier/lib/clock"
)

// RetryPolicy bounds how a transient failure is retried. The backoff
// schedule has one entry per retry (not per attempt): attempt N+1
// sleeps Backoff[N] first. A schedule shorter than MaxAttempts-1
// reuses its last entry for the remaining retries.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the
	// first. Values below 1 behave as 1.
	MaxAttempts int

	// Backoff is the sleep schedule between attempts.
	Backoff []time.Duration

	// RetryableStatuses is the set of HTTP status codes treated as
	// transient. Statuses outside the set complete the call — the
	// response (even a 4xx or 500) is the caller's to interpret.
	RetryableStatuses map[int]bool
}

// DefaultRetryPolicy returns the standard policy: three attempts,
// backoff 100ms/300ms/900ms, retrying on 502/503/504.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 900 * time.Millisecond},
		RetryableStatuses: map[int]bool{
			502: true,
			503: true,
			504: true,
		},
	}
}

// RetryableStatus reports whether a status code is in the retryable
// set.
func (p RetryPolicy) RetryableStatus(status int) bool {
	return p.RetryableStatuses[status]
}

// backoffFor returns the sleep before retry number retry (0-based).
func (p RetryPolicy) backoffFor(retry int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	if retry >= len(p.Backoff) {
		retry = len(p.Backoff) - 1
	}
	return p.Backoff[retry]
}

// ExhaustedError is the terminal error returned when every attempt
// failed with a retryable condition. It carries the last observed
// HTTP status (0 when the last failure was a transport error with no
// response) so callers can report what the dependency actually said.
type ExhaustedError struct {
	Attempts   int
	LastStatus int
	LastErr    error
}

func (e *ExhaustedError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("resilience: retries exhausted after %d attempts: %v", e.Attempts, e.LastErr)
	}
	return fmt.Sprintf("resilience: retries exhausted after %d attempts, last status %d", e.Attempts, e.LastStatus)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// IsTransient classifies a transport error as retryable. Context
// cancellation and deadline expiry are never transient — the caller
// asked to stop, retrying would fight them. Everything else
// (connection refused, reset, timeout, unexpected EOF) is presumed
// transient: an outbound HTTP call that errored without producing a
// response has, in practice, hit the network rather than the
// application.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// Execute runs operation up to MaxAttempts times. The operation
// returns the observed HTTP status (0 when no response was received)
// and a transport error.
//
// A nil error with a non-retryable status completes the call
// immediately — no retry budget is spent on 4xx responses. A
// retryable status or transient error sleeps the scheduled backoff
// and retries, unless it was the last attempt, in which case an
// *ExhaustedError carrying the last status is returned. Non-transient
// errors propagate immediately.
func (p RetryPolicy) Execute(ctx context.Context, clk clock.Clock, operation func(ctx context.Context, attempt int) (int, error)) error {
	if clk == nil {
		clk = clock.Real()
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastStatus int
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-clk.After(p.backoffFor(attempt - 1)):
			}
		}

		status, err := operation(ctx, attempt)
		if err == nil && !p.RetryableStatus(status) {
			return nil
		}
		if err != nil && !IsTransient(err) {
			return err
		}
		lastStatus, lastErr = status, err
	}

	return &ExhaustedError{
		Attempts:   maxAttempts,
		LastStatus: lastStatus,
		LastErr:    lastErr,
	}
}
