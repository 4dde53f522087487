// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"encoding/base64"
	"fmt"

	"github.com/atelier-foundation/atelier/lib/codec"
)

// Decode parses a token's claims WITHOUT verifying the signature or
// expiry. It exists for operator tooling that inspects tokens offline;
// nothing on a request path may use it. Authorization decisions go
// through Validator.Validate.
func Decode(token string) (*Claims, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64", ErrTokenMalformed)
	}

	var wrapped envelope
	if err := codec.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("%w: decoding envelope: %v", ErrTokenMalformed, err)
	}

	var claims Claims
	if err := codec.Unmarshal(wrapped.Payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: decoding claims: %v", ErrTokenMalformed, err)
	}
	return &claims, nil
}
