// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/atelier-foundation/atelier/transport"
)

// startUpstream runs an httptest server and returns it together with
// its target and a forwarder whose policy allows exactly that target.
func startUpstream(t *testing.T, handler http.Handler, maxResponse int64) (*httptest.Server, transport.Target, *Forwarder) {
	t.Helper()
	upstream := httptest.NewServer(handler)
	t.Cleanup(upstream.Close)

	host, portText, err := net.SplitHostPort(upstream.Listener.Addr().String())
	if err != nil {
		t.Fatalf("splitting upstream address: %v", err)
	}
	port, _ := strconv.Atoi(portText)
	target := transport.Target{Host: host, Port: port}

	forwarder := NewForwarder(NewGuardrails(&Policy{
		AllowedTargets:      []transport.Target{target},
		AllowedPathPrefixes: []string{"/"},
		AllowedMethods:      []string{"GET", "POST"},
		MaxResponseBytes:    maxResponse,
	}), nil)
	return upstream, target, forwarder
}

func TestForwardRelaysRequestAndResponse(t *testing.T) {
	var gotPath, gotQuery string
	_, target, forwarder := startUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Upstream", "billing")
		fmt.Fprintf(w, "%s %s: %s", r.Method, r.URL.Path, body)
	}), 0)

	request := httptest.NewRequest("POST", "/proxy/billing/v1/invoices?page=2", strings.NewReader("payload"))
	recorder := httptest.NewRecorder()

	if err := forwarder.Forward(recorder, request, target, "/v1/invoices"); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if gotPath != "/v1/invoices" {
		t.Errorf("upstream saw path %q", gotPath)
	}
	if gotQuery != "page=2" {
		t.Errorf("upstream saw query %q", gotQuery)
	}
	if got := recorder.Body.String(); got != "POST /v1/invoices: payload" {
		t.Errorf("response body = %q", got)
	}
	if recorder.Header().Get("X-Upstream") != "billing" {
		t.Error("upstream response header not copied")
	}
}

func TestForwardStripsCredentialHeaders(t *testing.T) {
	var seen http.Header
	_, target, forwarder := startUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
	}), 0)

	request := httptest.NewRequest("GET", "/proxy/billing/v1/x", nil)
	request.Header.Set("Authorization", "Bearer capability-token")
	request.Header.Set(HeaderServiceToken, "service-token")
	request.Header.Set("Cookie", "session=abc")
	request.Header.Set("Connection", "keep-alive")
	request.Header.Set("X-Request-Id", "r-17")

	if err := forwarder.Forward(httptest.NewRecorder(), request, target, "/v1/x"); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	for _, name := range []string{"Authorization", HeaderServiceToken, "Cookie", "Connection"} {
		if seen.Get(name) != "" {
			t.Errorf("header %s leaked to upstream: %q", name, seen.Get(name))
		}
	}
	if seen.Get("X-Request-Id") != "r-17" {
		t.Error("benign header not forwarded")
	}
}

func TestForwardBlocksRedirects(t *testing.T) {
	_, target, forwarder := startUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://169.254.169.254/latest/meta-data/", http.StatusFound)
	}), 0)

	request := httptest.NewRequest("GET", "/proxy/billing/v1/x", nil)
	err := forwarder.Forward(httptest.NewRecorder(), request, target, "/v1/x")
	if !errors.Is(err, ErrRedirectBlocked) {
		t.Fatalf("Forward = %v, want ErrRedirectBlocked", err)
	}
}

func TestForwardRejectsDeclaredOversizeResponse(t *testing.T) {
	_, target, forwarder := startUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4096")
		w.Write(make([]byte, 4096))
	}), 1024)

	request := httptest.NewRequest("GET", "/proxy/billing/v1/x", nil)
	err := forwarder.Forward(httptest.NewRecorder(), request, target, "/v1/x")
	if !errors.Is(err, ErrResponseTooLarge) {
		t.Fatalf("Forward = %v, want ErrResponseTooLarge", err)
	}
}

func TestForwardCapsUndeclaredResponseAtReadTime(t *testing.T) {
	// Flush forces chunked encoding, so no Content-Length precheck can
	// catch the oversize body; the read-time cap must.
	_, target, forwarder := startUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		chunk := make([]byte, 512)
		for i := 0; i < 8; i++ {
			w.Write(chunk)
			flusher.Flush()
		}
	}), 1024)

	request := httptest.NewRequest("GET", "/proxy/billing/v1/x", nil)
	err := forwarder.Forward(httptest.NewRecorder(), request, target, "/v1/x")
	if !errors.Is(err, ErrResponseTooLarge) {
		t.Fatalf("Forward = %v, want ErrResponseTooLarge", err)
	}
}

func TestForwardChecksGuardrailsBeforeDialing(t *testing.T) {
	upstream, target, forwarder := startUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream reached despite guardrail violation")
	}), 0)
	defer upstream.Close()

	tests := []struct {
		name   string
		method string
		path   string
		target transport.Target
		want   error
	}{
		{name: "method", method: "DELETE", path: "/v1/x", target: target, want: ErrMethodDenied},
		{name: "path traversal", method: "GET", path: "/v1/../etc", target: target, want: ErrPathDenied},
		{name: "target", method: "GET", path: "/v1/x", target: transport.Target{Host: "10.9.9.9", Port: 1}, want: ErrTargetDenied},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			request := httptest.NewRequest(test.method, "/proxy/billing"+test.path, nil)
			err := forwarder.Forward(httptest.NewRecorder(), request, test.target, test.path)
			if !errors.Is(err, test.want) {
				t.Errorf("Forward = %v, want %v", err, test.want)
			}
		})
	}
}

func TestForwardUpstreamConnectionError(t *testing.T) {
	forwarder := NewForwarder(NewGuardrails(&Policy{
		AllowedTargets:      []transport.Target{{Host: "127.0.0.1", Port: 1}},
		AllowedPathPrefixes: []string{"/"},
		AllowedMethods:      []string{"GET"},
	}), nil)

	request := httptest.NewRequest("GET", "/proxy/billing/v1/x", nil)
	err := forwarder.Forward(httptest.NewRecorder(), request, transport.Target{Host: "127.0.0.1", Port: 1}, "/v1/x")
	if err == nil {
		t.Fatal("expected connection error")
	}
	if errors.Is(err, ErrTargetDenied) || errors.Is(err, ErrPathDenied) || errors.Is(err, ErrMethodDenied) {
		t.Errorf("connection failure misreported as policy violation: %v", err)
	}
}
