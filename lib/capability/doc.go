// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

// Package capability implements operation-scoped capability tokens:
// the credential the control plane issues for a single caller-initiated
// operation against a single workspace runtime.
//
// A capability token is a CBOR-encoded claims payload followed by a
// 64-byte Ed25519 signature, base64-encoded on the wire. The control
// plane holds the private key and issues tokens through an Issuer; the
// gate holds only the public key and verifies them through a Validator.
//
// Tokens are short-lived (5 seconds to one hour) and carry a unique
// token ID (jti). The gate records each jti in a replay guard at
// validation time, so a captured token cannot be presented twice within
// its validity window. See lib/replay.
//
// A token says what the bearer may do, not who the bearer is. Service
// identity is a separate, independently verified credential — see
// lib/identity.
package capability
