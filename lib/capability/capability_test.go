// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/atelier-foundation/atelier/lib/clock"
	"github.com/atelier-foundation/atelier/lib/codec"
)

func testKeypair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating keypair: %v", err)
	}
	return public, private
}

func testIssuerValidator(t *testing.T, clk clock.Clock) (*Issuer, *Validator) {
	t.Helper()
	public, private := testKeypair(t)
	issuer, err := NewIssuer(IssuerConfig{
		Issuer:     "atelier/director",
		Audience:   "atelier/gate",
		PrivateKey: private,
		Clock:      clk,
	})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	validator, err := NewValidator(ValidatorConfig{
		Issuer:    "atelier/director",
		Audience:  "atelier/gate",
		PublicKey: public,
		Clock:     clk,
	})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return issuer, validator
}

func TestIssueValidateRoundTrip(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	issuer, validator := testIssuerValidator(t, clk)

	token, err := issuer.Issue("ws-42", []string{"git:push", "file:read", "file:read"}, DefaultTTL)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := validator.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.WorkspaceID != "ws-42" {
		t.Errorf("workspace = %q, want ws-42", claims.WorkspaceID)
	}
	if claims.Subject != "control-plane" {
		t.Errorf("subject = %q, want control-plane", claims.Subject)
	}
	// Operations come back sorted and deduplicated.
	want := []string{"file:read", "git:push"}
	if len(claims.Operations) != len(want) {
		t.Fatalf("operations = %v, want %v", claims.Operations, want)
	}
	for i := range want {
		if claims.Operations[i] != want[i] {
			t.Errorf("operations[%d] = %q, want %q", i, claims.Operations[i], want[i])
		}
	}
	if claims.TokenID == "" {
		t.Error("jti is empty")
	}
	if got := claims.ExpiresAt - claims.IssuedAt; got != 60 {
		t.Errorf("ttl = %ds, want 60s", got)
	}
}

func TestIssueTTLBounds(t *testing.T) {
	issuer, _ := testIssuerValidator(t, clock.Fake(time.Unix(1_700_000_000, 0)))

	tests := []struct {
		name    string
		ttl     time.Duration
		wantErr bool
	}{
		{"below minimum", 4 * time.Second, true},
		{"at minimum", 5 * time.Second, false},
		{"default", DefaultTTL, false},
		{"at maximum", 3600 * time.Second, false},
		{"above maximum", 3601 * time.Second, true},
		{"zero", 0, true},
		{"negative", -time.Second, true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := issuer.Issue("ws", []string{"file:read"}, test.ttl)
			if (err != nil) != test.wantErr {
				t.Errorf("Issue(ttl=%s) error = %v, wantErr %v", test.ttl, err, test.wantErr)
			}
		})
	}
}

func TestIssueRejectsEmptyInputs(t *testing.T) {
	issuer, _ := testIssuerValidator(t, clock.Fake(time.Unix(1_700_000_000, 0)))

	if _, err := issuer.Issue("", []string{"file:read"}, DefaultTTL); err == nil {
		t.Error("empty workspace accepted")
	}
	if _, err := issuer.Issue("ws", nil, DefaultTTL); err == nil {
		t.Error("empty operation set accepted")
	}
	if _, err := issuer.Issue("ws", []string{"file:read", ""}, DefaultTTL); err == nil {
		t.Error("empty operation accepted")
	}
}

func TestIssueUniqueTokenIDs(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	issuer, validator := testIssuerValidator(t, clk)

	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		token, err := issuer.Issue("ws", []string{"exec:run"}, DefaultTTL)
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		claims, err := validator.Validate(token)
		if err != nil {
			t.Fatalf("Validate: %v", err)
		}
		if seen[claims.TokenID] {
			t.Fatalf("duplicate jti %q", claims.TokenID)
		}
		seen[claims.TokenID] = true
	}
}

func TestValidateExpiry(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	issuer, validator := testIssuerValidator(t, clk)

	token, err := issuer.Issue("ws", []string{"file:read"}, 10*time.Second)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := validator.Validate(token); err != nil {
		t.Fatalf("fresh token rejected: %v", err)
	}

	clk.Advance(10 * time.Second)
	if _, err := validator.Validate(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expired token error = %v, want ErrTokenExpired", err)
	}
}

func TestValidateRejectsTampering(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	issuer, validator := testIssuerValidator(t, clk)

	token, err := issuer.Issue("ws", []string{"file:read"}, DefaultTTL)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		t.Fatalf("decoding token: %v", err)
	}
	raw[0] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	if _, err := validator.Validate(tampered); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("tampered token error = %v, want ErrInvalidSignature", err)
	}
}

func TestValidateRejectsMalformed(t *testing.T) {
	_, validator := testIssuerValidator(t, clock.Fake(time.Unix(1_700_000_000, 0)))

	tests := []struct {
		name  string
		token string
	}{
		{"not base64", "!!!not-base64!!!"},
		{"empty", ""},
		{"too short for signature", base64.StdEncoding.EncodeToString([]byte("short"))},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := validator.Validate(test.token); !errors.Is(err, ErrTokenMalformed) {
				t.Errorf("Validate(%q) error = %v, want ErrTokenMalformed", test.token, err)
			}
		})
	}
}

func TestValidateRejectsWrongKey(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	issuer, _ := testIssuerValidator(t, clk)
	_, otherValidator := testIssuerValidator(t, clk) // different keypair

	token, err := issuer.Issue("ws", []string{"file:read"}, DefaultTTL)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := otherValidator.Validate(token); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("wrong-key error = %v, want ErrInvalidSignature", err)
	}
}

func TestValidateRejectsWrongAudience(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	public, private := testKeypair(t)
	issuer, err := NewIssuer(IssuerConfig{
		Issuer:     "atelier/director",
		Audience:   "atelier/gate-other",
		PrivateKey: private,
		Clock:      clk,
	})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	validator, err := NewValidator(ValidatorConfig{
		Issuer:    "atelier/director",
		Audience:  "atelier/gate",
		PublicKey: public,
		Clock:     clk,
	})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	token, err := issuer.Issue("ws", []string{"file:read"}, DefaultTTL)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := validator.Validate(token); !errors.Is(err, ErrAudienceMismatch) {
		t.Fatalf("wrong-audience error = %v, want ErrAudienceMismatch", err)
	}
}

// signRawClaims builds a signed token directly from a Claims value,
// bypassing Issuer checks. Used to test Validator handling of claim
// shapes the Issuer would never produce.
func signRawClaims(t *testing.T, private ed25519.PrivateKey, claims Claims) string {
	t.Helper()
	payload, err := codec.Marshal(&claims)
	if err != nil {
		t.Fatalf("encoding claims: %v", err)
	}
	signature := ed25519.Sign(private, payload)
	return base64.StdEncoding.EncodeToString(append(payload, signature...))
}

func TestValidateRejectsIncompleteClaims(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	public, private := testKeypair(t)
	validator, err := NewValidator(ValidatorConfig{
		Issuer:    "atelier/director",
		Audience:  "atelier/gate",
		PublicKey: public,
		Clock:     clk,
	})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	base := Claims{
		Issuer:      "atelier/director",
		Audience:    "atelier/gate",
		Subject:     "control-plane",
		WorkspaceID: "ws",
		Operations:  []string{"file:read"},
		TokenID:     "jti-1",
		IssuedAt:    clk.Now().Unix(),
		ExpiresAt:   clk.Now().Add(time.Minute).Unix(),
	}

	tests := []struct {
		name   string
		mutate func(*Claims)
	}{
		{"missing workspace", func(c *Claims) { c.WorkspaceID = "" }},
		{"missing operations", func(c *Claims) { c.Operations = nil }},
		{"empty operation entry", func(c *Claims) { c.Operations = []string{""} }},
		{"missing jti", func(c *Claims) { c.TokenID = "" }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			claims := base
			test.mutate(&claims)
			token := signRawClaims(t, private, claims)
			if _, err := validator.Validate(token); !errors.Is(err, ErrClaimsIncomplete) {
				t.Errorf("error = %v, want ErrClaimsIncomplete", err)
			}
		})
	}
}

func TestAllowsOperation(t *testing.T) {
	tests := []struct {
		name       string
		granted    []string
		operation  string
		wantResult bool
	}{
		{"exact match", []string{"file:read"}, "file:read", true},
		{"exact mismatch", []string{"file:read"}, "file:write", false},
		{"full wildcard", []string{"*"}, "exec:run", true},
		{"namespace wildcard", []string{"file:*"}, "file:write", true},
		{"namespace wildcard other namespace", []string{"file:*"}, "git:push", false},
		{"namespace wildcard bare operation", []string{"file:*"}, "file", true},
		{"no colon exact", []string{"health"}, "health", true},
		{"empty operation", []string{"*"}, "", false},
		{"wildcard not prefix match", []string{"file:*"}, "filesystem:read", false},
		{"multiple grants", []string{"git:push", "file:*"}, "file:delete", true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			claims := Claims{Operations: test.granted}
			if got := claims.AllowsOperation(test.operation); got != test.wantResult {
				t.Errorf("AllowsOperation(%q) with %v = %v, want %v",
					test.operation, test.granted, got, test.wantResult)
			}
		})
	}
}
