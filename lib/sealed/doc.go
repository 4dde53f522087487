// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed provides age encryption for signing-key files at rest.
//
// It wraps filippo.io/age for the specific operations Atelier needs:
// generate unsealing keypairs, seal a signing key to multiple
// recipients, unseal a key file with a private key. Ciphertext is
// base64-encoded so sealed key files remain greppable text.
//
// Private keys and unsealed plaintext are returned as *secret.Buffer
// values, backed by mmap memory outside the Go heap (locked against
// swap, excluded from core dumps, zeroed on close).
//
// This package is used by:
//   - atelier-keygen (seal freshly generated Ed25519 signing keys to
//     operator recipients)
//   - the gate and director key loaders (unseal .sealed key files with
//     the host's unsealing identity from the environment)
package sealed
