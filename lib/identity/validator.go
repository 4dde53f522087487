// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/atelier-foundation/atelier/lib/clock"
	"github.com/atelier-foundation/atelier/lib/codec"
)

// Validation errors. As with capability tokens, these distinguish
// causes for server-side logs; the gate's client-facing rejection is
// uniform across all of them.
var (
	ErrTokenMalformed     = errors.New("identity: token malformed")
	ErrInvalidSignature   = errors.New("identity: invalid signature")
	ErrTokenExpired       = errors.New("identity: token expired")
	ErrUnknownKeyVersion  = errors.New("identity: unknown key version")
	ErrFutureKeyVersion   = errors.New("identity: key version not yet rotated to")
	ErrKeyRetired         = errors.New("identity: key retired beyond grace period")
	ErrVersionMismatch    = errors.New("identity: envelope and signed key versions disagree")
	ErrSubjectNotAccepted = errors.New("identity: subject not in accepted services")
)

// DefaultGracePeriod is how long a retired key's tokens remain
// acceptable when the validator is not configured otherwise. Long
// enough for any in-flight token minted moments before retirement to
// expire naturally.
const DefaultGracePeriod = 10 * time.Minute

// keyState is one key version known to the validator. A zero retiredAt
// means the key is actively offered.
type keyState struct {
	publicKey ed25519.PublicKey
	retiredAt time.Time
}

// Validator verifies identity tokens against a versioned set of public
// keys. Safe for concurrent use; the lock guards the key map only.
type Validator struct {
	gracePeriod time.Duration
	clock       clock.Clock
	logger      *slog.Logger

	mu             sync.Mutex
	keys           map[int]*keyState
	currentVersion int
}

// ValidatorConfig configures a Validator.
type ValidatorConfig struct {
	// GracePeriod is how long retired keys remain acceptable.
	// Defaults to DefaultGracePeriod.
	GracePeriod time.Duration

	// Clock supplies expiry and retirement time. Defaults to the
	// real clock.
	Clock clock.Clock

	// Logger for key lifecycle events. Defaults to slog.Default().
	Logger *slog.Logger
}

// NewValidator creates a Validator with no keys. Until AddKey is
// called every token is rejected — the empty key set fails closed.
func NewValidator(config ValidatorConfig) *Validator {
	if config.GracePeriod <= 0 {
		config.GracePeriod = DefaultGracePeriod
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Validator{
		gracePeriod: config.GracePeriod,
		clock:       config.Clock,
		logger:      config.Logger,
		keys:        make(map[int]*keyState),
	}
}

// AddKey registers the public key for a version. The validator's
// current version rises to the highest registered version — it never
// rises on a token's say-so, only through explicit registration.
// Re-registering an existing version is an error.
func (v *Validator) AddKey(version int, publicKey ed25519.PublicKey) error {
	if version < 1 {
		return fmt.Errorf("identity: key version must be at least 1, got %d", version)
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("identity: public key has %d bytes, want %d", len(publicKey), ed25519.PublicKeySize)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if _, exists := v.keys[version]; exists {
		return fmt.Errorf("identity: key version %d already registered", version)
	}
	v.keys[version] = &keyState{publicKey: publicKey}
	if version > v.currentVersion {
		v.currentVersion = version
	}

	v.logger.Info("identity verification key registered",
		"key_version", version,
		"current_version", v.currentVersion,
		"key_fingerprint", Fingerprint(publicKey),
	)
	return nil
}

// RetireKey removes a version from the actively offered set. Tokens
// signed under it remain acceptable until the grace period elapses,
// measured from this call; afterwards they fail closed. Retiring an
// unknown or already retired version is an error.
func (v *Validator) RetireKey(version int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	state, exists := v.keys[version]
	if !exists {
		return fmt.Errorf("identity: cannot retire unknown key version %d", version)
	}
	if !state.retiredAt.IsZero() {
		return fmt.Errorf("identity: key version %d is already retired", version)
	}
	state.retiredAt = v.clock.Now()

	v.logger.Info("identity verification key retired",
		"key_version", version,
		"grace_period", v.gracePeriod,
	)
	return nil
}

// CurrentVersion returns the highest registered key version.
func (v *Validator) CurrentVersion() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentVersion
}

// Validate verifies a token and returns its claims. The envelope's
// version hint selects the verification key: a hint above the current
// version is rejected outright (an attacker cannot pre-announce a
// rotation the validator hasn't performed), an unknown hint is
// rejected, and a retired version is rejected once its grace window
// has elapsed. After signature verification the signed key version
// must equal the hint.
func (v *Validator) Validate(token string) (*Claims, error) {
	return v.ValidateAt(token, v.clock.Now())
}

// ValidateAt is like Validate but checks expiry and retirement against
// an explicit time. This supports deterministic testing.
func (v *Validator) ValidateAt(token string, now time.Time) (*Claims, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64", ErrTokenMalformed)
	}

	var wrapped envelope
	if err := codec.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("%w: decoding envelope: %v", ErrTokenMalformed, err)
	}
	if len(wrapped.Signature) != signatureSize {
		return nil, fmt.Errorf("%w: signature has %d bytes, want %d", ErrTokenMalformed, len(wrapped.Signature), signatureSize)
	}

	publicKey, err := v.selectKey(wrapped.KeyVersion, now)
	if err != nil {
		return nil, err
	}

	if !ed25519.Verify(publicKey, wrapped.Payload, wrapped.Signature) {
		return nil, ErrInvalidSignature
	}

	var claims Claims
	if err := codec.Unmarshal(wrapped.Payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: decoding claims: %v", ErrTokenMalformed, err)
	}

	if claims.KeyVersion != wrapped.KeyVersion {
		return nil, fmt.Errorf("%w: envelope %d, signed %d", ErrVersionMismatch, wrapped.KeyVersion, claims.KeyVersion)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: subject is empty", ErrTokenMalformed)
	}
	if now.Unix() >= claims.ExpiresAt {
		return nil, ErrTokenExpired
	}

	return &claims, nil
}

// ValidateForServices verifies a token and additionally requires its
// subject to appear in acceptedServices. An empty (or nil) list
// rejects every caller — an explicit deny-all, never "no filter".
// Callers that want no subject filtering use Validate.
func (v *Validator) ValidateForServices(token string, acceptedServices []string) (*Claims, error) {
	claims, err := v.Validate(token)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(acceptedServices, claims.Subject) {
		return nil, fmt.Errorf("%w: %q", ErrSubjectNotAccepted, claims.Subject)
	}
	return claims, nil
}

// selectKey resolves a version hint to a verification key, applying
// the future-version, unknown-version, and retirement-grace rules.
func (v *Validator) selectKey(version int, now time.Time) (ed25519.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if version > v.currentVersion {
		return nil, fmt.Errorf("%w: hinted %d, current %d", ErrFutureKeyVersion, version, v.currentVersion)
	}
	state, exists := v.keys[version]
	if !exists {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKeyVersion, version)
	}
	if !state.retiredAt.IsZero() && now.After(state.retiredAt.Add(v.gracePeriod)) {
		return nil, fmt.Errorf("%w: version %d", ErrKeyRetired, version)
	}
	return state.publicKey, nil
}
