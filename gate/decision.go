// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"github.com/atelier-foundation/atelier/lib/capability"
	"github.com/atelier-foundation/atelier/lib/identity"
)

// DecisionKind classifies an authorization outcome. Deny kinds are
// values, never panics: the handler branches on them to pick the log
// category while the client-facing response stays uniform.
type DecisionKind int

const (
	// DecisionAllow admits the request.
	DecisionAllow DecisionKind = iota

	// DecisionDenyCredential covers every credential failure: missing,
	// malformed, expired, bad signature, wrong audience, unaccepted
	// service subject, insufficient operations. Collapsed into one
	// kind so the response gives the caller no validation oracle.
	DecisionDenyCredential

	// DecisionDenyReplay marks a previously seen token ID. Kept
	// distinct from credential failures for separate alerting.
	DecisionDenyReplay
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionAllow:
		return "allow"
	case DecisionDenyCredential:
		return "deny-credential"
	case DecisionDenyReplay:
		return "deny-replay"
	default:
		return "unknown"
	}
}

// Decision is the authorization middleware's verdict on one request.
type Decision struct {
	Kind DecisionKind

	// Capability holds the validated capability claims on allow.
	Capability *capability.Claims

	// Service holds the validated service identity claims when a
	// service token was attached and accepted. Nil when the request
	// carried only a capability token.
	Service *identity.Claims

	// Reason is the server-side failure detail. Logged, never sent to
	// the client.
	Reason string
}

// Allowed reports whether the request may proceed.
func (d Decision) Allowed() bool {
	return d.Kind == DecisionAllow
}
