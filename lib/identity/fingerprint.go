// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto/ed25519"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// fingerprintDomainKey is the BLAKE3 keyed-hash domain for public-key
// fingerprints. The value is the ASCII encoding of the domain name,
// zero-padded to 32 bytes — readable in hex dumps without losing any
// cryptographic property. Changing it invalidates every recorded
// fingerprint.
var fingerprintDomainKey = [32]byte{
	'a', 't', 'e', 'l', 'i', 'e', 'r', '.', 'i', 'd', 'e', 'n', 't', 'i', 't', 'y',
	'.', 'k', 'e', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Fingerprint returns the short fingerprint of a public key:
// "key-" followed by the first 12 hex characters of the domain-keyed
// BLAKE3 hash. Operators use fingerprints to correlate key versions
// across planes in logs and keygen output without handling key bytes.
func Fingerprint(publicKey ed25519.PublicKey) string {
	hasher, err := blake3.NewKeyed(fingerprintDomainKey[:])
	if err != nil {
		// NewKeyed only fails on wrong key length, which the fixed
		// array rules out.
		panic("identity: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(publicKey)
	digest := hasher.Sum(nil)
	return "key-" + hex.EncodeToString(digest[:6])
}
