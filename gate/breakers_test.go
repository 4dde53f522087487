// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/atelier-foundation/atelier/lib/clock"
	"github.com/atelier-foundation/atelier/lib/resilience"
	"github.com/atelier-foundation/atelier/transport"
)

func TestBreakerSetStates(t *testing.T) {
	set := NewBreakerSet([]string{"billing", "ledger"}, 2, 30*time.Second, clock.Real())

	states := set.States()
	if len(states) != 2 {
		t.Fatalf("got %d states, want 2", len(states))
	}
	for name, state := range states {
		if state != resilience.StateClosed {
			t.Errorf("%s starts %v, want closed", name, state)
		}
	}

	set.For("billing").RecordFailure()
	set.For("billing").RecordFailure()
	if got := set.States()["billing"]; got != resilience.StateOpen {
		t.Errorf("billing = %v after threshold failures, want open", got)
	}
	if got := set.States()["ledger"]; got != resilience.StateClosed {
		t.Errorf("ledger = %v, want closed (breakers are independent)", got)
	}
}

func TestBreakerSetNilSafe(t *testing.T) {
	var set *BreakerSet
	if set.For("billing") != nil {
		t.Error("For on nil set should return nil")
	}
	if set.States() != nil {
		t.Error("States on nil set should return nil")
	}
}

// newBreakerFixture wires a handler whose single upstream never
// answers, with a two-failure breaker in front of it.
func newBreakerFixture(t *testing.T) (*authFixture, *BreakerSet, string) {
	t.Helper()

	deadTarget := transport.Target{Host: "127.0.0.1", Port: 1}
	policy := &Policy{
		Upstreams:           map[string]transport.Target{"billing": deadTarget},
		AllowedTargets:      []transport.Target{deadTarget},
		AllowedPathPrefixes: []string{"/v1/"},
		AllowedMethods:      []string{"GET"},
	}
	breakers := NewBreakerSet([]string{"billing"}, 2, 30*time.Second, clock.Real())

	auth := newAuthFixture(t, nil)
	handler, err := NewHandler(HandlerConfig{
		Policy:     policy,
		Authorizer: auth.authorizer,
		Forwarder:  NewForwarder(NewGuardrails(policy), nil),
		Breakers:   breakers,
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	gate := httptest.NewServer(handler)
	t.Cleanup(gate.Close)
	return auth, breakers, gate.URL
}

func TestHandlerBreakerTripsAfterUpstreamFailures(t *testing.T) {
	auth, breakers, gateURL := newBreakerFixture(t)

	proxyGet := func() int {
		token, err := auth.issuer.Issue("workspace-7", []string{"proxy:billing"}, time.Minute)
		if err != nil {
			t.Fatalf("issuing token: %v", err)
		}
		request, _ := http.NewRequest("GET", gateURL+"/proxy/billing/v1/invoices", nil)
		request.Header.Set("Authorization", "Bearer "+token)
		response, err := http.DefaultClient.Do(request)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		response.Body.Close()
		return response.StatusCode
	}

	// Two connection failures trip the breaker.
	for i := 0; i < 2; i++ {
		if got := proxyGet(); got != http.StatusBadGateway {
			t.Fatalf("attempt %d status = %d, want 502", i, got)
		}
	}
	if got := breakers.States()["billing"]; got != resilience.StateOpen {
		t.Fatalf("breaker = %v after two failures, want open", got)
	}

	// The open breaker rejects before dialing.
	if got := proxyGet(); got != http.StatusServiceUnavailable {
		t.Errorf("status = %d with open breaker, want 503", got)
	}
}

func TestHandlerReadyzReportsOpenBreaker(t *testing.T) {
	_, breakers, gateURL := newBreakerFixture(t)

	breakers.For("billing").RecordFailure()
	breakers.For("billing").RecordFailure()

	response, err := http.Get(gateURL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", response.StatusCode)
	}
	var body readiness
	if err := json.NewDecoder(response.Body).Decode(&body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if body.Ready {
		t.Error("ready = true with an open breaker")
	}
	billing := body.Upstreams["billing"]
	if billing.Healthy || billing.Error != "circuit breaker open" {
		t.Errorf("billing = %+v", billing)
	}
}
