// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atelier-foundation/atelier/lib/clock"
	"github.com/atelier-foundation/atelier/lib/codec"
)

// Signer mints identity tokens for one service under the currently
// active signing key. Rotation replaces the key and increments the
// version atomically; tokens signed before a rotation stay verifiable
// at validators that still hold the old version's public key.
type Signer struct {
	issuer  string
	subject string
	clock   clock.Clock
	logger  *slog.Logger

	mu      sync.Mutex
	version int
	key     ed25519.PrivateKey
}

// SignerConfig configures a Signer.
type SignerConfig struct {
	// Issuer is the identity authority name placed in the iss claim.
	Issuer string

	// Subject is this service's name, placed in the sub claim.
	Subject string

	// PrivateKey is the initial Ed25519 signing key.
	PrivateKey ed25519.PrivateKey

	// KeyVersion is the initial key version. Must be at least 1.
	KeyVersion int

	// Clock supplies issuance timestamps. Defaults to the real clock.
	Clock clock.Clock

	// Logger for signing and rotation events. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// NewSigner creates a Signer.
func NewSigner(config SignerConfig) (*Signer, error) {
	if config.Issuer == "" {
		return nil, fmt.Errorf("identity: issuer is required")
	}
	if config.Subject == "" {
		return nil, fmt.Errorf("identity: subject is required")
	}
	if len(config.PrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity: private key has %d bytes, want %d", len(config.PrivateKey), ed25519.PrivateKeySize)
	}
	if config.KeyVersion < 1 {
		return nil, fmt.Errorf("identity: key version must be at least 1, got %d", config.KeyVersion)
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Signer{
		issuer:  config.Issuer,
		subject: config.Subject,
		clock:   config.Clock,
		logger:  config.Logger,
		version: config.KeyVersion,
		key:     config.PrivateKey,
	}, nil
}

// Sign mints a token valid for ttl under the active key and version.
func (s *Signer) Sign(ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("identity: ttl must be positive, got %s", ttl)
	}

	s.mu.Lock()
	version := s.version
	key := s.key
	s.mu.Unlock()

	now := s.clock.Now()
	claims := Claims{
		Issuer:     s.issuer,
		Subject:    s.subject,
		IssuedAt:   now.Unix(),
		ExpiresAt:  now.Add(ttl).Unix(),
		KeyVersion: version,
	}

	payload, err := codec.Marshal(&claims)
	if err != nil {
		return "", fmt.Errorf("identity: encoding claims: %w", err)
	}

	wrapped := envelope{
		KeyVersion: version,
		Payload:    payload,
		Signature:  ed25519.Sign(key, payload),
	}
	raw, err := codec.Marshal(&wrapped)
	if err != nil {
		return "", fmt.Errorf("identity: encoding envelope: %w", err)
	}

	return base64.StdEncoding.EncodeToString(raw), nil
}

// Rotate replaces the signing key and increments the version. All
// subsequent Sign calls use the new key. The operation is local and
// atomic — validators learn the new public key independently (via
// AddKey) and keep accepting the old version through its retirement
// grace window.
func (s *Signer) Rotate(newKey ed25519.PrivateKey) (int, error) {
	if len(newKey) != ed25519.PrivateKeySize {
		return 0, fmt.Errorf("identity: private key has %d bytes, want %d", len(newKey), ed25519.PrivateKeySize)
	}

	s.mu.Lock()
	s.version++
	s.key = newKey
	version := s.version
	s.mu.Unlock()

	s.logger.Info("identity signing key rotated",
		"service", s.subject,
		"key_version", version,
		"key_fingerprint", Fingerprint(newKey.Public().(ed25519.PublicKey)),
	)
	return version, nil
}

// CurrentVersion returns the active key version.
func (s *Signer) CurrentVersion() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}
