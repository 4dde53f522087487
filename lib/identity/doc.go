// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity implements service-to-service identity tokens:
// Ed25519-signed credentials proving which internal service is making
// a call, independent of what operations the call is authorized to
// perform (that is the capability token's job — see lib/capability).
//
// Identity tokens carry a key version. A Signer holds one active
// private key and rotates to a new key by incrementing the version —
// a local, atomic operation with no network coordination. A Validator
// holds the public keys for every version it has been told about and
// accepts any version up to its current one, subject to retirement: a
// retired key's tokens remain acceptable for a grace period so
// in-flight tokens expire naturally, then fail closed.
//
// The token envelope carries the key version outside the signature as
// a hint. The hint only narrows which public key to try — it is never
// trusted for authorization: the signed claims carry the version too,
// and the two must agree after signature verification.
package identity
