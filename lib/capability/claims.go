// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"strings"
	"time"
)

// Claims is the CBOR-encoded payload of a capability token. Integer
// keys keep the encoding compact and deterministic (lib/codec encodes
// with Core Deterministic Encoding, so the signed bytes are stable).
type Claims struct {
	// Issuer is the control-plane identifier that minted this token
	// (e.g., "atelier/director").
	Issuer string `cbor:"1,keyasint"`

	// Audience is the data-plane identifier this token is scoped to
	// (e.g., "atelier/gate"). A token minted for one gate cannot be
	// replayed against another.
	Audience string `cbor:"2,keyasint"`

	// Subject is the principal the token was issued on behalf of.
	// Always "control-plane" in the current deployment — end users
	// never hold capability tokens directly.
	Subject string `cbor:"3,keyasint"`

	// WorkspaceID is the workspace runtime this token is scoped to.
	// Every operation authorized by this token executes inside this
	// workspace and no other.
	WorkspaceID string `cbor:"4,keyasint"`

	// Operations is the sorted set of operation patterns this token
	// authorizes. Patterns are exact operation names ("file:read"),
	// a namespace wildcard ("file:*"), or the full wildcard ("*").
	Operations []string `cbor:"5,keyasint"`

	// TokenID is the unique token identifier (jti, a UUID string).
	// Recorded by the gate's replay guard on first validation.
	TokenID string `cbor:"6,keyasint"`

	// IssuedAt is a Unix timestamp (seconds) of issuance.
	IssuedAt int64 `cbor:"7,keyasint"`

	// ExpiresAt is a Unix timestamp (seconds) after which the token
	// is no longer valid.
	ExpiresAt int64 `cbor:"8,keyasint"`
}

// TTL returns the token's validity window.
func (c *Claims) TTL() time.Duration {
	return time.Duration(c.ExpiresAt-c.IssuedAt) * time.Second
}

// AllowsOperation reports whether the claims authorize the named
// operation. Operations are "<resource>:<verb>" strings. A granted
// pattern matches when it equals the operation exactly, when it is the
// full wildcard "*", or when it is a namespace wildcard
// "<namespace>:*" and the operation's namespace (the segment before
// the first colon) equals it.
func (c *Claims) AllowsOperation(operation string) bool {
	if operation == "" {
		return false
	}
	namespace, _, _ := strings.Cut(operation, ":")
	for _, granted := range c.Operations {
		if granted == operation || granted == "*" {
			return true
		}
		if grantedNamespace, isWildcard := strings.CutSuffix(granted, ":*"); isWildcard {
			if grantedNamespace == namespace {
				return true
			}
		}
	}
	return false
}
