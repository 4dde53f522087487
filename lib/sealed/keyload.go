// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"strings"

	"github.com/atelier-foundation/atelier/lib/secret"
)

// UnsealEnvVar names the environment variable holding the age private
// key used to unseal signing-key files (AGE-SECRET-KEY-1... format).
const UnsealEnvVar = "ATELIER_UNSEAL_KEY"

// LoadSigningKey reads an Ed25519 signing key from a file that holds
// either the raw 64-byte private key or an age-sealed ciphertext
// produced by Seal. Sealed files require the unsealing identity in
// ATELIER_UNSEAL_KEY; a sealed file with no identity set is an error,
// never a fallthrough to treating ciphertext as key bytes.
func LoadSigningKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading signing key: %w", err)
	}

	if len(raw) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(raw), nil
	}

	// Anything that is not a raw key is treated as sealed ciphertext.
	ciphertext := strings.TrimSpace(string(raw))

	unsealKey, err := secret.ReadFromEnv(UnsealEnvVar)
	if err != nil {
		return nil, fmt.Errorf("%s appears sealed but no unsealing identity is available: %w", path, err)
	}
	defer unsealKey.Close()

	plaintext, err := Unseal(ciphertext, unsealKey)
	if err != nil {
		return nil, fmt.Errorf("unsealing %s: %w", path, err)
	}
	defer plaintext.Close()

	if plaintext.Len() != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("unsealed %s holds %d bytes, want %d", path, plaintext.Len(), ed25519.PrivateKeySize)
	}

	// Copy out of the mmap buffer before it is zeroed on Close.
	key := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(key, plaintext.Bytes())
	return key, nil
}
