// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
)

// Versioned key file names under a state directory:
// identity-signing-key.v<N> (private, 0600) and
// identity-signing-key.v<N>.pub (public, 0644).
const keyFilePrefix = "identity-signing-key"

func privateKeyPath(stateDir string, version int) string {
	return filepath.Join(stateDir, fmt.Sprintf("%s.v%d", keyFilePrefix, version))
}

func publicKeyPath(stateDir string, version int) string {
	return privateKeyPath(stateDir, version) + ".pub"
}

// GenerateKeypair creates a new Ed25519 keypair for identity signing.
func GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: generating Ed25519 keypair: %w", err)
	}
	return public, private, nil
}

// SaveKeypair writes a versioned keypair to the state directory. The
// private key file has 0600 permissions; the public key file 0644.
// Refuses to overwrite an existing private key — a version's key
// material is immutable once written.
func SaveKeypair(stateDir string, version int, public ed25519.PublicKey, private ed25519.PrivateKey) error {
	privatePath := privateKeyPath(stateDir, version)
	if _, err := os.Stat(privatePath); err == nil {
		return fmt.Errorf("identity: key version %d already exists at %s", version, privatePath)
	}
	if err := os.WriteFile(privatePath, private, 0600); err != nil {
		return fmt.Errorf("identity: writing private key: %w", err)
	}
	if err := os.WriteFile(publicKeyPath(stateDir, version), public, 0644); err != nil {
		return fmt.Errorf("identity: writing public key: %w", err)
	}
	return nil
}

// LoadPrivateKey loads a versioned private key from the state
// directory.
func LoadPrivateKey(stateDir string, version int) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(privateKeyPath(stateDir, version))
	if err != nil {
		return nil, fmt.Errorf("identity: reading private key v%d: %w", version, err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity: private key v%d has %d bytes, want %d", version, len(raw), ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(raw), nil
}

// LoadPublicKey loads a versioned public key from the state directory.
func LoadPublicKey(stateDir string, version int) (ed25519.PublicKey, error) {
	raw, err := os.ReadFile(publicKeyPath(stateDir, version))
	if err != nil {
		return nil, fmt.Errorf("identity: reading public key v%d: %w", version, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity: public key v%d has %d bytes, want %d", version, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}
