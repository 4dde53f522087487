// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateclient provides the guarded HTTP client for the gate
// daemon. Every call runs through the same pipeline: circuit breaker
// admission, bounded retry with backoff, then the transport — direct
// TCP or a tunnel RoundTripper supplied by the caller.
//
// The client attaches two independent credentials to each request: a
// capability token (Authorization: Bearer) scoped to the operations the
// call needs, and optionally a service-identity token for
// service-to-service calls. A trace identifier is generated once per
// logical call and propagated unchanged across retry attempts, so the
// gate's logs show one trace with N attempts rather than N unrelated
// requests.
//
// The client mirrors the gate's wire format with its own response
// types, avoiding an import dependency from calling code back into the
// gate implementation.
package gateclient
