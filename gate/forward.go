// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/atelier-foundation/atelier/transport"
)

// hopByHopHeaders are connection-scoped headers that must not cross
// the proxy boundary, per RFC 9110 §7.6.1.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// strippedRequestHeaders are removed from forwarded requests on top of
// the hop-by-hop set. The gate's own credentials never reach the
// upstream, and the Host header is rewritten by the transport.
var strippedRequestHeaders = []string{
	"Authorization",
	"Cookie",
	"Host",
	HeaderServiceToken,
}

// Forwarder performs the guarded upstream exchange after the
// guardrails have admitted the request. Redirects are never followed:
// a 3xx answer from an upstream is a protocol violation surfaced as an
// error.
type Forwarder struct {
	guardrails *Guardrails
	httpClient *http.Client
	logger     *slog.Logger
}

// NewForwarder creates a Forwarder.
func NewForwarder(guardrails *Guardrails, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Forwarder{
		guardrails: guardrails,
		httpClient: &http.Client{
			// Surface redirects to the caller instead of following
			// them; the caller treats any 3xx as a violation.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// Forward relays one admitted request to the target and writes the
// upstream's response. All guardrail checks run before any network
// call; the response body is capped both by Content-Length pre-check
// and at read time.
func (f *Forwarder) Forward(writer http.ResponseWriter, request *http.Request, target transport.Target, path string) error {
	if err := f.guardrails.CheckRequest(request.Method, path, target); err != nil {
		return err
	}

	outbound, err := f.buildUpstreamRequest(request, target, path)
	if err != nil {
		return err
	}

	response, err := f.httpClient.Do(outbound)
	if err != nil {
		return fmt.Errorf("upstream request: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode >= 300 && response.StatusCode < 400 {
		return fmt.Errorf("%w: upstream answered %d", ErrRedirectBlocked, response.StatusCode)
	}

	maxBytes := f.guardrails.MaxResponseBytes()
	if response.ContentLength > maxBytes {
		return fmt.Errorf("%w: upstream declares %d bytes, limit %d", ErrResponseTooLarge, response.ContentLength, maxBytes)
	}

	copyResponseHeaders(writer.Header(), response.Header)
	writer.WriteHeader(response.StatusCode)

	// Read-time cap: LimitReader with one extra byte distinguishes
	// "exactly at the limit" from "over it". Headers are already sent
	// at this point, so an overrun aborts the copy mid-body.
	written, err := io.Copy(writer, io.LimitReader(response.Body, maxBytes+1))
	if err != nil {
		return fmt.Errorf("copying upstream response: %w", err)
	}
	if written > maxBytes {
		return fmt.Errorf("%w: body exceeds %d bytes", ErrResponseTooLarge, maxBytes)
	}

	f.logger.Debug("request forwarded",
		"target", net.JoinHostPort(target.Host, strconv.Itoa(target.Port)),
		"method", request.Method,
		"path", path,
		"status", response.StatusCode,
		"response_bytes", written,
	)
	return nil
}

// buildUpstreamRequest clones the inbound request toward the target,
// stripping credentials and hop-by-hop headers.
func (f *Forwarder) buildUpstreamRequest(request *http.Request, target transport.Target, path string) (*http.Request, error) {
	upstreamURL := "http://" + net.JoinHostPort(target.Host, strconv.Itoa(target.Port)) + path
	if request.URL.RawQuery != "" {
		upstreamURL += "?" + request.URL.RawQuery
	}

	outbound, err := http.NewRequestWithContext(request.Context(), request.Method, upstreamURL, request.Body)
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}

	outbound.Header = request.Header.Clone()
	for _, name := range hopByHopHeaders {
		outbound.Header.Del(name)
	}
	for _, name := range strippedRequestHeaders {
		outbound.Header.Del(name)
	}
	return outbound, nil
}

// copyResponseHeaders copies upstream response headers minus the
// hop-by-hop set.
func copyResponseHeaders(destination, source http.Header) {
	for name, values := range source {
		if isHopByHop(name) {
			continue
		}
		for _, value := range values {
			destination.Add(name, value)
		}
	}
}

func isHopByHop(name string) bool {
	for _, hop := range hopByHopHeaders {
		if strings.EqualFold(name, hop) {
			return true
		}
	}
	return false
}
