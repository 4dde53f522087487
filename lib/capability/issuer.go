// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/atelier-foundation/atelier/lib/clock"
	"github.com/atelier-foundation/atelier/lib/codec"
)

// signatureSize is the fixed size of an Ed25519 signature.
const signatureSize = ed25519.SignatureSize // 64 bytes

// TTL bounds for issued tokens. The minimum keeps a token usable across
// normal clock skew between planes; the maximum bounds the replay
// guard's retention horizon.
const (
	MinTTL     = 5 * time.Second
	MaxTTL     = 3600 * time.Second
	DefaultTTL = 60 * time.Second
)

// Issuer mints capability tokens. Only the control plane constructs an
// Issuer; the private key never leaves the control-plane process.
type Issuer struct {
	issuer     string
	audience   string
	privateKey ed25519.PrivateKey
	clock      clock.Clock
	logger     *slog.Logger
}

// IssuerConfig configures an Issuer.
type IssuerConfig struct {
	// Issuer is the control-plane identifier placed in the iss claim.
	Issuer string

	// Audience is the data-plane identifier placed in the aud claim.
	Audience string

	// PrivateKey is the Ed25519 signing key.
	PrivateKey ed25519.PrivateKey

	// Clock supplies issuance timestamps. Defaults to the real clock.
	Clock clock.Clock

	// Logger for issuance logging. Defaults to slog.Default().
	Logger *slog.Logger
}

// NewIssuer creates an Issuer. Returns an error if the identifier
// fields are empty or the key has the wrong size.
func NewIssuer(config IssuerConfig) (*Issuer, error) {
	if config.Issuer == "" {
		return nil, fmt.Errorf("capability: issuer identifier is required")
	}
	if config.Audience == "" {
		return nil, fmt.Errorf("capability: audience identifier is required")
	}
	if len(config.PrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("capability: private key has %d bytes, want %d", len(config.PrivateKey), ed25519.PrivateKeySize)
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Issuer{
		issuer:     config.Issuer,
		audience:   config.Audience,
		privateKey: config.PrivateKey,
		clock:      config.Clock,
		logger:     config.Logger,
	}, nil
}

// Issue mints a token authorizing the given operations against the
// given workspace. ttl must be within [MinTTL, MaxTTL]; pass DefaultTTL
// when the caller has no specific requirement. The operation set is
// sorted and deduplicated before signing so that logically identical
// issuances produce identical claim bytes.
func (i *Issuer) Issue(workspaceID string, operations []string, ttl time.Duration) (string, error) {
	if workspaceID == "" {
		return "", fmt.Errorf("capability: workspace ID is required")
	}
	if len(operations) == 0 {
		return "", fmt.Errorf("capability: operation set is empty")
	}
	for _, operation := range operations {
		if operation == "" {
			return "", fmt.Errorf("capability: operation set contains an empty operation")
		}
	}
	if ttl < MinTTL || ttl > MaxTTL {
		return "", fmt.Errorf("capability: ttl %s outside [%s, %s]", ttl, MinTTL, MaxTTL)
	}

	sorted := slices.Clone(operations)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	now := i.clock.Now()
	claims := Claims{
		Issuer:      i.issuer,
		Audience:    i.audience,
		Subject:     "control-plane",
		WorkspaceID: workspaceID,
		Operations:  sorted,
		TokenID:     uuid.NewString(),
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(ttl).Unix(),
	}

	payload, err := codec.Marshal(&claims)
	if err != nil {
		return "", fmt.Errorf("capability: encoding claims: %w", err)
	}

	signature := ed25519.Sign(i.privateKey, payload)

	raw := make([]byte, len(payload)+signatureSize)
	copy(raw, payload)
	copy(raw[len(payload):], signature)

	i.logger.Info("capability token issued",
		"workspace", workspaceID,
		"operation_count", len(sorted),
		"ttl", ttl,
		"jti", claims.TokenID,
	)

	return base64.StdEncoding.EncodeToString(raw), nil
}
