// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package gateclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/atelier-foundation/atelier/lib/clock"
	"github.com/atelier-foundation/atelier/lib/netutil"
	"github.com/atelier-foundation/atelier/lib/resilience"
)

// recordingHandler captures every request the gate receives and serves
// a scripted status sequence, falling through to 200 with a JSON body.
type recordingHandler struct {
	mu       sync.Mutex
	requests []*http.Request
	statuses []int
	body     string
}

func (h *recordingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.requests = append(h.requests, r.Clone(context.Background()))
	n := len(h.requests)
	h.mu.Unlock()

	if n <= len(h.statuses) {
		w.WriteHeader(h.statuses[n-1])
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if h.body != "" {
		w.Write([]byte(h.body))
	} else {
		w.Write([]byte(`{"status":"ok"}`))
	}
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.requests)
}

func (h *recordingHandler) request(i int) *http.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requests[i]
}

func staticToken(token string) TokenFunc {
	return func(ctx context.Context) (string, error) {
		return token, nil
	}
}

// driveBackoffs advances the fake clock whenever the client is waiting
// out a backoff sleep.
func driveBackoffs(clk *clock.FakeClock) (stop func()) {
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			clk.Advance(time.Second)
		}
	}()
	return func() { close(done) }
}

func newTestClient(t *testing.T, handler http.Handler, clk clock.Clock, breaker *resilience.CircuitBreaker) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := New(Config{
		BaseURL:      server.URL,
		Capability:   staticToken("cap-token"),
		ServiceToken: staticToken("svc-token"),
		Breaker:      breaker,
		Clock:        clk,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return client, server
}

func TestDoAttachesCredentialsAndTrace(t *testing.T) {
	handler := &recordingHandler{}
	client, _ := newTestClient(t, handler, clock.Fake(time.Unix(1_700_000_000, 0)), nil)

	response, err := client.Do(context.Background(), http.MethodGet, "/healthz", nil, "")
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	response.Body.Close()

	request := handler.request(0)
	if got := request.Header.Get("Authorization"); got != "Bearer cap-token" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer cap-token")
	}
	if got := request.Header.Get("X-Atelier-Service-Token"); got != "svc-token" {
		t.Errorf("service token header = %q, want %q", got, "svc-token")
	}
	if got := request.Header.Get("X-Atelier-Trace-Id"); got == "" {
		t.Error("trace header is empty")
	}
}

func TestDoRetriesAndPreservesTrace(t *testing.T) {
	handler := &recordingHandler{statuses: []int{502, 503}}
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	client, _ := newTestClient(t, handler, clk, nil)

	stop := driveBackoffs(clk)
	defer stop()

	response, err := client.Do(context.Background(), http.MethodGet, "/v1/version", nil, "")
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	response.Body.Close()

	if got := handler.count(); got != 3 {
		t.Fatalf("server saw %d requests, want 3", got)
	}
	trace := handler.request(0).Header.Get("X-Atelier-Trace-Id")
	for i := 1; i < 3; i++ {
		if got := handler.request(i).Header.Get("X-Atelier-Trace-Id"); got != trace {
			t.Errorf("attempt %d trace = %q, want %q (unchanged)", i, got, trace)
		}
	}
}

func TestDoExhaustsRetries(t *testing.T) {
	handler := &recordingHandler{statuses: []int{502, 502, 502}}
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	client, _ := newTestClient(t, handler, clk, nil)

	stop := driveBackoffs(clk)
	defer stop()

	_, err := client.Do(context.Background(), http.MethodGet, "/v1/version", nil, "")
	var exhausted *resilience.ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error = %v, want *resilience.ExhaustedError", err)
	}
	if exhausted.LastStatus != 502 {
		t.Errorf("LastStatus = %d, want 502", exhausted.LastStatus)
	}
	if got := handler.count(); got != 3 {
		t.Errorf("server saw %d requests, want exactly 3", got)
	}
}

func TestDoDoesNotRetryClientErrors(t *testing.T) {
	handler := &recordingHandler{statuses: []int{404}}
	client, _ := newTestClient(t, handler, clock.Fake(time.Unix(1_700_000_000, 0)), nil)

	response, err := client.Do(context.Background(), http.MethodGet, "/v1/missing", nil, "")
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer response.Body.Close()

	if response.StatusCode != 404 {
		t.Errorf("status = %d, want 404 passed through", response.StatusCode)
	}
	if got := handler.count(); got != 1 {
		t.Errorf("server saw %d requests, want 1 (no retry budget on 4xx)", got)
	}
}

func TestDoOpenBreakerSkipsNetwork(t *testing.T) {
	handler := &recordingHandler{statuses: []int{502}}
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	breaker := resilience.NewCircuitBreaker(1, 30*time.Second, clk)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := New(Config{
		BaseURL:    server.URL,
		Capability: staticToken("cap-token"),
		Retry:      resilience.RetryPolicy{MaxAttempts: 1, RetryableStatuses: map[int]bool{502: true}},
		Breaker:    breaker,
		Clock:      clk,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// First call fails, tripping the threshold-1 breaker.
	if _, err := client.Do(context.Background(), http.MethodGet, "/v1/version", nil, ""); err == nil {
		t.Fatal("first call succeeded, want failure")
	}
	if state := client.BreakerState(); state != resilience.StateOpen {
		t.Fatalf("breaker state = %v, want open", state)
	}

	// Second call is rejected before any network attempt.
	_, err = client.Do(context.Background(), http.MethodGet, "/v1/version", nil, "")
	if !errors.Is(err, resilience.ErrBreakerOpen) {
		t.Fatalf("error = %v, want ErrBreakerOpen", err)
	}
	if got := handler.count(); got != 1 {
		t.Errorf("server saw %d requests, want 1 (open breaker makes no network call)", got)
	}
}

func TestDoBreakerRecoversThroughProbe(t *testing.T) {
	handler := &recordingHandler{statuses: []int{502}}
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	breaker := resilience.NewCircuitBreaker(1, 30*time.Second, clk)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := New(Config{
		BaseURL:    server.URL,
		Capability: staticToken("cap-token"),
		Retry:      resilience.RetryPolicy{MaxAttempts: 1, RetryableStatuses: map[int]bool{502: true}},
		Breaker:    breaker,
		Clock:      clk,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	client.Do(context.Background(), http.MethodGet, "/healthz", nil, "")
	if state := client.BreakerState(); state != resilience.StateOpen {
		t.Fatalf("breaker state = %v, want open", state)
	}

	clk.Advance(30 * time.Second)
	if state := client.BreakerState(); state != resilience.StateHalfOpen {
		t.Fatalf("breaker state = %v, want half-open", state)
	}

	// The probe hits the now-healthy server and closes the breaker.
	response, err := client.Do(context.Background(), http.MethodGet, "/healthz", nil, "")
	if err != nil {
		t.Fatalf("probe call: %v", err)
	}
	response.Body.Close()
	if state := client.BreakerState(); state != resilience.StateClosed {
		t.Errorf("breaker state after probe = %v, want closed", state)
	}
}

func TestHealthTyped(t *testing.T) {
	handler := &recordingHandler{body: `{"status":"ok"}`}
	client, _ := newTestClient(t, handler, clock.Fake(time.Unix(1_700_000_000, 0)), nil)

	health, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("Status = %q, want %q", health.Status, "ok")
	}
	if got := handler.request(0).URL.Path; got != "/healthz" {
		t.Errorf("path = %q, want /healthz", got)
	}
}

func TestReadyDecodesDegraded(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"ready":false,"upstreams":{"billing":{"healthy":false,"checked_at":1700000000,"error":"connection refused"}}}`))
	})
	client, _ := newTestClient(t, mux, clock.Fake(time.Unix(1_700_000_000, 0)), nil)

	readiness, err := client.Ready(context.Background())
	if err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if readiness.Ready {
		t.Error("Ready = true, want false")
	}
	upstream, ok := readiness.Upstreams["billing"]
	if !ok {
		t.Fatal("billing upstream missing from readiness")
	}
	if upstream.Healthy || upstream.Error != "connection refused" {
		t.Errorf("billing = %+v, want unhealthy with connection refused", upstream)
	}
}

func TestVersionTyped(t *testing.T) {
	handler := &recordingHandler{body: `{"version":"1.2.3","commit":"abc1234","build_time":"2026-08-01T00:00:00Z"}`}
	client, _ := newTestClient(t, handler, clock.Fake(time.Unix(1_700_000_000, 0)), nil)

	info, err := client.Version(context.Background())
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if info.Version != "1.2.3" || info.Commit != "abc1234" {
		t.Errorf("Version = %+v, want 1.2.3/abc1234", info)
	}
}

func TestProxyPathConstruction(t *testing.T) {
	handler := &recordingHandler{body: `{"ok":true}`}
	client, _ := newTestClient(t, handler, clock.Fake(time.Unix(1_700_000_000, 0)), nil)

	response, err := client.Proxy(context.Background(), "billing", http.MethodPost, "/v2/charges", []byte(`{"amount":5}`), "application/json")
	if err != nil {
		t.Fatalf("Proxy: %v", err)
	}
	response.Body.Close()

	request := handler.request(0)
	if got := request.URL.Path; got != "/proxy/billing/v2/charges" {
		t.Errorf("path = %q, want /proxy/billing/v2/charges", got)
	}
	if got := request.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}

	if _, err := client.Proxy(context.Background(), "", http.MethodGet, "/x", nil, ""); err == nil {
		t.Error("empty upstream accepted, want error")
	}
	if _, err := client.Proxy(context.Background(), "billing", http.MethodGet, "no-slash", nil, ""); err == nil {
		t.Error("relative path accepted, want error")
	}
}

func TestDoReplaysBodyAcrossRetries(t *testing.T) {
	var bodies []string
	var mu sync.Mutex
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/submit", func(w http.ResponseWriter, r *http.Request) {
		data, _ := netutil.ReadResponse(r.Body)
		mu.Lock()
		bodies = append(bodies, string(data))
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{}`))
	})

	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	client, _ := newTestClient(t, mux, clk, nil)
	stop := driveBackoffs(clk)
	defer stop()

	response, err := client.Do(context.Background(), http.MethodPost, "/v1/submit", []byte("payload"), "text/plain")
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	response.Body.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 3 {
		t.Fatalf("server saw %d bodies, want 3", len(bodies))
	}
	for i, body := range bodies {
		if body != "payload" {
			t.Errorf("attempt %d body = %q, want %q", i, body, "payload")
		}
	}
}
