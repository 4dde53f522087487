// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret provides a memory-safe buffer for sensitive data such
// as signing keys and tunnel authentication tokens.
//
// [Buffer] allocates memory outside the Go heap via mmap(MAP_ANONYMOUS),
// locks it into physical RAM via mlock (preventing swap), and marks it
// excluded from core dumps via madvise(MADV_DONTDUMP). On Close, the
// memory is zeroed, unlocked, and unmapped. Because the memory lives
// outside the Go heap, the garbage collector cannot copy or relocate
// it, guaranteeing secret material does not persist after release.
//
// Constructors:
//
//   - [New] — allocates a zero-filled buffer of a given size
//   - [NewFromBytes] — copies into protected memory, zeros the source
//   - [ReadFromPath] — reads from a file or stdin ("-")
//   - [ReadFromEnv] — reads from the environment, failing closed when unset
//
// Access via [Buffer.Bytes] (slice into mmap region) or [Buffer.String]
// (heap copy for API boundaries). [Buffer.Equal] compares in constant
// time for bearer-token checks. After Close, any access panics. Close
// is idempotent.
//
// Depends on golang.org/x/sys/unix only. Imported by lib/sealed for
// key protection and by the gate for the tunnel auth token.
package secret
