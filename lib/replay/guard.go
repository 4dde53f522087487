// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

// Package replay tracks capability token IDs (jti) to reject reuse of
// an otherwise still-valid token. The guard is an LRU-bounded in-memory
// cache: capability tokens are short-lived (at most an hour), so a
// recency window sized to the largest TTL horizon is sufficient and no
// persistence is required — a token never outlives the process window
// in which it matters.
package replay

import (
	"container/list"
	"sync"
	"time"

	"github.com/atelier-foundation/atelier/lib/clock"
)

// DefaultMaxSize bounds the guard when the caller does not configure a
// size. At one entry per issued token this covers a sustained ~2,300
// requests/second across the maximum one-hour TTL horizon.
const DefaultMaxSize = 1 << 23

// entry is a recorded token ID with its natural expiry. Entries past
// expiry are purged lazily; keeping them longer would be harmless
// (expired tokens fail validation anyway) but wastes cache capacity.
type entry struct {
	jti       string
	expiresAt time.Time
}

// Guard is a thread-safe LRU cache of seen token IDs. The gate records
// each jti at validation time; a jti that is present and unexpired at a
// later validation is a replay.
//
// Eviction is by true recency, not insertion order: a lookup hit moves
// the entry to most-recently-used. The lock guards only in-memory
// bookkeeping — Guard performs no I/O.
type Guard struct {
	mu      sync.Mutex
	maxSize int
	clock   clock.Clock
	order   *list.List               // front = most recently used
	entries map[string]*list.Element // jti → element whose Value is *entry
}

// NewGuard creates a Guard holding at most maxSize entries. A
// non-positive maxSize selects DefaultMaxSize. A nil clk selects the
// real clock.
func NewGuard(maxSize int, clk clock.Clock) *Guard {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Guard{
		maxSize: maxSize,
		clock:   clk,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// IsReplayed reports whether jti has been recorded and is still within
// its validity window. Expired entries encountered during the check are
// purged. A hit counts as use: the entry moves to most-recently-used so
// an actively probed jti is not evicted while fresh entries churn.
func (g *Guard) IsReplayed(jti string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	g.purgeExpiredLocked(now)

	element, ok := g.entries[jti]
	if !ok {
		return false
	}
	recorded := element.Value.(*entry)
	if !now.Before(recorded.expiresAt) {
		// Expired but not yet reached by the purge walk (it was
		// touched recently). Remove it; an expired jti is not a
		// replay — the token itself already fails expiry checks.
		g.removeLocked(element)
		return false
	}
	g.order.MoveToFront(element)
	return true
}

// Record notes that jti has been used, retaining it until its token's
// natural expiry. A jti whose remaining TTL is not strictly positive is
// not recorded — caching already-expired entries would only pollute the
// window. Recording an existing jti refreshes its expiry and recency.
func (g *Guard) Record(jti string, ttl time.Duration) {
	if jti == "" || ttl <= 0 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	expiresAt := now.Add(ttl)

	if element, ok := g.entries[jti]; ok {
		element.Value.(*entry).expiresAt = expiresAt
		g.order.MoveToFront(element)
		return
	}

	g.entries[jti] = g.order.PushFront(&entry{jti: jti, expiresAt: expiresAt})

	for g.order.Len() > g.maxSize {
		g.removeLocked(g.order.Back())
	}
}

// Len returns the current number of recorded entries, including any
// expired entries not yet purged.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.order.Len()
}

// purgeExpiredLocked walks from the LRU end removing expired entries,
// stopping at the first unexpired one. The walk is amortized O(1): each
// entry is removed at most once over its lifetime. An expired entry
// that was recently touched survives the walk but is caught by the
// expiry check on its own next lookup.
func (g *Guard) purgeExpiredLocked(now time.Time) {
	for element := g.order.Back(); element != nil; {
		recorded := element.Value.(*entry)
		if now.Before(recorded.expiresAt) {
			return
		}
		previous := element.Prev()
		g.removeLocked(element)
		element = previous
	}
}

// removeLocked removes an element from both the recency list and the
// index map.
func (g *Guard) removeLocked(element *list.Element) {
	g.order.Remove(element)
	delete(g.entries, element.Value.(*entry).jti)
}
