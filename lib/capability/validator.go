// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/atelier-foundation/atelier/lib/clock"
	"github.com/atelier-foundation/atelier/lib/codec"
)

// Validation errors. These distinguish failure causes for server-side
// logs only. The gate collapses all of them into one uniform
// client-facing rejection so a caller cannot probe which check failed.
var (
	ErrTokenMalformed   = errors.New("capability: token malformed")
	ErrInvalidSignature = errors.New("capability: invalid signature")
	ErrTokenExpired     = errors.New("capability: token expired")
	ErrIssuerMismatch   = errors.New("capability: issuer mismatch")
	ErrAudienceMismatch = errors.New("capability: audience mismatch")
	ErrClaimsIncomplete = errors.New("capability: required claims missing")
)

// Validator verifies capability tokens against the control plane's
// public key. The gate constructs one Validator at startup and shares
// it across requests; it holds no mutable state.
type Validator struct {
	issuer    string
	audience  string
	publicKey ed25519.PublicKey
	clock     clock.Clock
}

// ValidatorConfig configures a Validator.
type ValidatorConfig struct {
	// Issuer is the expected iss claim.
	Issuer string

	// Audience is the expected aud claim — this gate's identifier.
	Audience string

	// PublicKey is the control plane's Ed25519 verification key.
	PublicKey ed25519.PublicKey

	// Clock supplies expiry-check time. Defaults to the real clock.
	Clock clock.Clock
}

// NewValidator creates a Validator.
func NewValidator(config ValidatorConfig) (*Validator, error) {
	if config.Issuer == "" {
		return nil, fmt.Errorf("capability: expected issuer is required")
	}
	if config.Audience == "" {
		return nil, fmt.Errorf("capability: expected audience is required")
	}
	if len(config.PublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("capability: public key has %d bytes, want %d", len(config.PublicKey), ed25519.PublicKeySize)
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	return &Validator{
		issuer:    config.Issuer,
		audience:  config.Audience,
		publicKey: config.PublicKey,
		clock:     config.Clock,
	}, nil
}

// Validate verifies a token's signature and claims and returns the
// decoded claims. The checks run in a fixed order (decode, signature,
// issuer, audience, expiry, claim completeness) and every failure path
// returns a typed error; no path returns partially validated claims.
func (v *Validator) Validate(token string) (*Claims, error) {
	return v.ValidateAt(token, v.clock.Now())
}

// ValidateAt is like Validate but checks expiry against an explicit
// time. This supports deterministic testing.
func (v *Validator) ValidateAt(token string, now time.Time) (*Claims, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64", ErrTokenMalformed)
	}
	if len(raw) <= signatureSize {
		return nil, fmt.Errorf("%w: %d bytes is too short for a signature", ErrTokenMalformed, len(raw))
	}

	splitPoint := len(raw) - signatureSize
	payload := raw[:splitPoint]
	signature := raw[splitPoint:]

	if !ed25519.Verify(v.publicKey, payload, signature) {
		return nil, ErrInvalidSignature
	}

	var claims Claims
	if err := codec.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: decoding claims: %v", ErrTokenMalformed, err)
	}

	if claims.Issuer != v.issuer {
		return nil, fmt.Errorf("%w: got %q", ErrIssuerMismatch, claims.Issuer)
	}
	if claims.Audience != v.audience {
		return nil, fmt.Errorf("%w: got %q", ErrAudienceMismatch, claims.Audience)
	}
	if now.Unix() >= claims.ExpiresAt {
		return nil, ErrTokenExpired
	}
	if claims.WorkspaceID == "" {
		return nil, fmt.Errorf("%w: workspace_id", ErrClaimsIncomplete)
	}
	if len(claims.Operations) == 0 {
		return nil, fmt.Errorf("%w: ops", ErrClaimsIncomplete)
	}
	for _, operation := range claims.Operations {
		if operation == "" {
			return nil, fmt.Errorf("%w: ops contains an empty operation", ErrClaimsIncomplete)
		}
	}
	if claims.TokenID == "" {
		return nil, fmt.Errorf("%w: jti", ErrClaimsIncomplete)
	}

	return &claims, nil
}
