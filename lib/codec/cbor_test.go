// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"strings"
	"testing"
)

func TestMarshalDeterministic(t *testing.T) {
	// Maps with identical contents must encode to identical bytes
	// regardless of insertion order. Signatures depend on this.
	first := map[string]int{"alpha": 1, "beta": 2, "gamma": 3}
	second := map[string]int{"gamma": 3, "alpha": 1, "beta": 2}

	firstBytes, err := Marshal(first)
	if err != nil {
		t.Fatalf("Marshal(first): %v", err)
	}
	secondBytes, err := Marshal(second)
	if err != nil {
		t.Fatalf("Marshal(second): %v", err)
	}
	if !bytes.Equal(firstBytes, secondBytes) {
		t.Errorf("deterministic encoding violated:\n first = %x\nsecond = %x", firstBytes, secondBytes)
	}
}

func TestRoundTripStruct(t *testing.T) {
	type payload struct {
		Subject string   `cbor:"1,keyasint"`
		Scopes  []string `cbor:"2,keyasint"`
		Expires int64    `cbor:"3,keyasint"`
	}

	in := payload{Subject: "control-plane", Scopes: []string{"files:read", "git:push"}, Expires: 1767225600}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out payload
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Subject != in.Subject || out.Expires != in.Expires || len(out.Scopes) != 2 {
		t.Errorf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	type wide struct {
		A int `cbor:"1,keyasint"`
		B int `cbor:"2,keyasint"`
	}
	type narrow struct {
		A int `cbor:"1,keyasint"`
	}

	data, err := Marshal(wide{A: 7, B: 9})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out narrow
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal with extra field: %v", err)
	}
	if out.A != 7 {
		t.Errorf("A = %d, want 7", out.A)
	}
}

func TestUnmarshalIntoAnyUsesStringKeyedMaps(t *testing.T) {
	data, err := Marshal(map[string]any{"kind": "capability"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out any
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T, want map[string]any", out)
	}
	if m["kind"] != "capability" {
		t.Errorf(`m["kind"] = %v, want "capability"`, m["kind"])
	}
}

func TestDiagnose(t *testing.T) {
	data, err := Marshal(map[string]string{"ws": "workspace-1"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	diag, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if !strings.Contains(diag, "workspace-1") {
		t.Errorf("diagnostic %q does not mention the encoded value", diag)
	}
}
