// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

// Package resilience provides the failure-handling policy for outbound
// calls: bounded retry with a per-retry backoff schedule, and a
// circuit breaker that fails fast once a downstream dependency is
// observed to be unhealthy.
//
// Both pieces are deliberately passive. RetryPolicy.Execute drives a
// caller-supplied attempt function; CircuitBreaker derives its state
// lazily at read time from the last failure timestamp — there is no
// background timer goroutine anywhere in this package. The only
// blocking operation is the backoff sleep, which is bounded by the
// schedule and aborted by context cancellation.
package resilience
