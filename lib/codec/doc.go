// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the repository's standard CBOR configuration.
//
// All token payloads (capability claims, service-identity claims and
// envelopes) are encoded with Core Deterministic Encoding so that the
// byte sequence a signer signs is the only byte sequence that logical
// value can encode to. Consumers import this package rather than
// fxamacker/cbor directly, keeping the encoder configuration in one
// place.
package codec
