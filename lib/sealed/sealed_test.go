// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"testing"

	"github.com/atelier-foundation/atelier/lib/secret"
)

func TestSealUnsealRoundTrip(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer keypair.Close()

	plaintext := []byte("ed25519 signing key bytes stand-in")
	original := bytes.Clone(plaintext)

	ciphertext, err := Seal(plaintext, []string{keypair.PublicKey})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if ciphertext == "" {
		t.Fatal("Seal returned empty ciphertext")
	}

	unsealed, err := Unseal(ciphertext, keypair.PrivateKey)
	if err != nil {
		t.Fatalf("Unseal: %v", err)
	}
	defer unsealed.Close()

	if !bytes.Equal(unsealed.Bytes(), original) {
		t.Errorf("unsealed contents differ from original")
	}
}

func TestSealToMultipleRecipients(t *testing.T) {
	first, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer first.Close()

	second, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer second.Close()

	ciphertext, err := Seal([]byte("escrowed key"), []string{first.PublicKey, second.PublicKey})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	// Either recipient can unseal.
	for name, keypair := range map[string]*Keypair{"first": first, "second": second} {
		unsealed, err := Unseal(ciphertext, keypair.PrivateKey)
		if err != nil {
			t.Fatalf("Unseal with %s recipient: %v", name, err)
		}
		if got := unsealed.String(); got != "escrowed key" {
			t.Errorf("%s recipient unsealed %q", name, got)
		}
		unsealed.Close()
	}
}

func TestSealRequiresRecipients(t *testing.T) {
	if _, err := Seal([]byte("key"), nil); err == nil {
		t.Error("expected error sealing with no recipients")
	}
}

func TestSealRejectsBadRecipient(t *testing.T) {
	if _, err := Seal([]byte("key"), []string{"not-an-age-key"}); err == nil {
		t.Error("expected error for malformed recipient")
	}
}

func TestUnsealWithWrongKeyFails(t *testing.T) {
	owner, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer owner.Close()

	stranger, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer stranger.Close()

	ciphertext, err := Seal([]byte("key"), []string{owner.PublicKey})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := Unseal(ciphertext, stranger.PrivateKey); err == nil {
		t.Error("expected error unsealing with non-recipient key")
	}
}

func TestUnsealRejectsGarbage(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer keypair.Close()

	if _, err := Unseal("!!!not-base64!!!", keypair.PrivateKey); err == nil {
		t.Error("expected error for non-base64 ciphertext")
	}
	if _, err := Unseal("aGVsbG8=", keypair.PrivateKey); err == nil {
		t.Error("expected error for non-age ciphertext")
	}
}

func TestParseKeys(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer keypair.Close()

	if err := ParsePublicKey(keypair.PublicKey); err != nil {
		t.Errorf("ParsePublicKey rejected a valid key: %v", err)
	}
	if err := ParsePublicKey("age1garbage"); err == nil {
		t.Error("ParsePublicKey accepted garbage")
	}

	if err := ParsePrivateKey(keypair.PrivateKey); err != nil {
		t.Errorf("ParsePrivateKey rejected a valid key: %v", err)
	}
	junk, err := secret.NewFromBytes([]byte("AGE-SECRET-KEY-NOPE"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer junk.Close()
	if err := ParsePrivateKey(junk); err == nil {
		t.Error("ParsePrivateKey accepted garbage")
	}
}
