// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto/ed25519"

	"github.com/atelier-foundation/atelier/lib/codec"
)

// signatureSize is the fixed size of an Ed25519 signature.
const signatureSize = ed25519.SignatureSize // 64 bytes

// Claims is the signed payload of a service identity token.
type Claims struct {
	// Issuer is the identity authority that minted this token
	// (e.g., "atelier/director").
	Issuer string `cbor:"1,keyasint"`

	// Subject is the calling service's name (e.g., "director",
	// "scheduler"). Validators filter on this via accepted-service
	// lists.
	Subject string `cbor:"2,keyasint"`

	// IssuedAt is a Unix timestamp (seconds) of issuance.
	IssuedAt int64 `cbor:"3,keyasint"`

	// ExpiresAt is a Unix timestamp (seconds) after which the token
	// is no longer valid.
	ExpiresAt int64 `cbor:"4,keyasint"`

	// KeyVersion is the signing key version, inside the signature.
	// Must equal the envelope's unauthenticated hint — a mismatch
	// means the envelope was tampered with after signing.
	KeyVersion int `cbor:"5,keyasint"`
}

// envelope is the outer, unsigned wire structure. KeyVersion is the
// unauthenticated hint used to select the verification key before the
// signature is checked.
type envelope struct {
	KeyVersion int              `cbor:"1,keyasint"`
	Payload    codec.RawMessage `cbor:"2,keyasint"`
	Signature  []byte           `cbor:"3,keyasint"`
}
