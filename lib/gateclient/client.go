// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package gateclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/atelier-foundation/atelier/lib/clock"
	"github.com/atelier-foundation/atelier/lib/netutil"
	"github.com/atelier-foundation/atelier/lib/resilience"
)

// Header names for the gate's credential and tracing headers. These
// mirror the constants in the gate package.
const (
	headerServiceToken = "X-Atelier-Service-Token"
	headerTraceID      = "X-Atelier-Trace-Id"
)

// TokenFunc produces a credential for one logical call. The capability
// source typically mints a fresh short-lived token per call; the
// service-identity source signs with the current key version.
type TokenFunc func(ctx context.Context) (string, error)

// Config configures a Client.
type Config struct {
	// BaseURL is the gate's base URL, e.g. "http://127.0.0.1:7428".
	// Required.
	BaseURL string

	// Capability mints the capability token attached as the bearer
	// credential. Required: the gate rejects unauthenticated proxy
	// calls, so a client without a capability source is misconfigured.
	Capability TokenFunc

	// ServiceToken signs the optional second credential for
	// service-to-service calls. Nil omits the header.
	ServiceToken TokenFunc

	// Transport overrides the HTTP transport. Nil uses
	// http.DefaultTransport. Tunnel-routed clients pass the tunnel
	// RoundTripper here.
	Transport http.RoundTripper

	// Retry is the retry policy. The zero value selects
	// resilience.DefaultRetryPolicy.
	Retry resilience.RetryPolicy

	// Breaker is the circuit breaker guarding this gate. Nil
	// constructs one with default threshold and recovery timeout.
	Breaker *resilience.CircuitBreaker

	// Clock drives backoff sleeps and breaker recovery. Nil selects
	// the real clock.
	Clock clock.Clock

	// Logger receives per-attempt diagnostics. Nil discards.
	Logger *slog.Logger
}

// Client is a guarded HTTP client for one gate daemon. Construct one
// client per gate; the embedded circuit breaker tracks that gate's
// health across calls.
type Client struct {
	baseURL      string
	capability   TokenFunc
	serviceToken TokenFunc
	httpClient   *http.Client
	retry        resilience.RetryPolicy
	breaker      *resilience.CircuitBreaker
	clock        clock.Clock
	logger       *slog.Logger
}

// New creates a Client from the configuration.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("gateclient: base URL is required")
	}
	if config.Capability == nil {
		return nil, fmt.Errorf("gateclient: capability token source is required")
	}
	retry := config.Retry
	if retry.MaxAttempts == 0 {
		retry = resilience.DefaultRetryPolicy()
	}
	breaker := config.Breaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(0, 0, config.Clock)
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		baseURL:      strings.TrimRight(config.BaseURL, "/"),
		capability:   config.Capability,
		serviceToken: config.ServiceToken,
		httpClient:   &http.Client{Transport: config.Transport},
		retry:        retry,
		breaker:      breaker,
		clock:        clk,
		logger:       logger,
	}, nil
}

// BreakerState reports the circuit breaker's current state, for
// readiness reporting.
func (client *Client) BreakerState() resilience.BreakerState {
	return client.breaker.State()
}

// Do performs one logical call: breaker admission, then up to
// MaxAttempts network attempts with backoff between them. The body, if
// any, is replayed from the byte slice on each attempt. Credentials are
// fetched once and a single trace identifier spans all attempts.
//
// The returned response is the first non-retryable one; its body is
// open and the caller must close it. When the breaker is open the call
// returns resilience.ErrBreakerOpen without touching the network; when
// every attempt fails retryably the call returns a
// *resilience.ExhaustedError carrying the last observed status.
func (client *Client) Do(ctx context.Context, method, path string, body []byte, contentType string) (*http.Response, error) {
	if err := client.breaker.Allow(); err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	capabilityToken, err := client.capability(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s %s: minting capability token: %w", method, path, err)
	}
	var identityToken string
	if client.serviceToken != nil {
		identityToken, err = client.serviceToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s %s: signing service token: %w", method, path, err)
		}
	}
	traceID := uuid.NewString()

	var finalResponse *http.Response
	err = client.retry.Execute(ctx, client.clock, func(ctx context.Context, attempt int) (int, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		request, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, reader)
		if err != nil {
			return 0, fmt.Errorf("building request: %w", err)
		}
		request.Header.Set("Authorization", "Bearer "+capabilityToken)
		if identityToken != "" {
			request.Header.Set(headerServiceToken, identityToken)
		}
		request.Header.Set(headerTraceID, traceID)
		if contentType != "" {
			request.Header.Set("Content-Type", contentType)
		}

		response, err := client.httpClient.Do(request)
		if err != nil {
			client.breaker.RecordFailure()
			client.logger.Warn("gate request failed",
				"method", method, "path", path, "trace_id", traceID,
				"attempt", attempt, "error", err)
			return 0, err
		}
		if client.retry.RetryableStatus(response.StatusCode) {
			client.breaker.RecordFailure()
			client.logger.Warn("gate returned retryable status",
				"method", method, "path", path, "trace_id", traceID,
				"attempt", attempt, "status", response.StatusCode)
			io.Copy(io.Discard, io.LimitReader(response.Body, netutil.MaxResponseSize))
			response.Body.Close()
			return response.StatusCode, nil
		}
		client.breaker.RecordSuccess()
		finalResponse = response
		return response.StatusCode, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return finalResponse, nil
}

// HealthStatus mirrors the gate's GET /healthz response.
type HealthStatus struct {
	Status string `json:"status"`
}

// Health reports the gate's liveness.
func (client *Client) Health(ctx context.Context) (*HealthStatus, error) {
	response, err := client.Do(ctx, http.MethodGet, "/healthz", nil, "")
	if err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health: HTTP %d: %s", response.StatusCode, netutil.ErrorBody(response.Body))
	}
	var result HealthStatus
	if err := netutil.DecodeResponse(response.Body, &result); err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}
	return &result, nil
}

// UpstreamHealth mirrors one upstream's entry in the gate's readiness
// response.
type UpstreamHealth struct {
	Healthy   bool   `json:"healthy"`
	CheckedAt int64  `json:"checked_at"`
	Error     string `json:"error,omitempty"`
}

// Readiness mirrors the gate's GET /readyz response.
type Readiness struct {
	Ready     bool                      `json:"ready"`
	Upstreams map[string]UpstreamHealth `json:"upstreams,omitempty"`
}

// Ready reports the gate's readiness, including per-upstream health.
// A gate that is alive but has unhealthy upstreams responds 503 with
// the same body shape; both are decoded.
func (client *Client) Ready(ctx context.Context) (*Readiness, error) {
	response, err := client.Do(ctx, http.MethodGet, "/readyz", nil, "")
	if err != nil {
		return nil, fmt.Errorf("ready: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK && response.StatusCode != http.StatusServiceUnavailable {
		return nil, fmt.Errorf("ready: HTTP %d: %s", response.StatusCode, netutil.ErrorBody(response.Body))
	}
	var result Readiness
	if err := netutil.DecodeResponse(response.Body, &result); err != nil {
		return nil, fmt.Errorf("ready: %w", err)
	}
	return &result, nil
}

// VersionInfo mirrors the gate's GET /v1/version response.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Dirty     bool   `json:"dirty,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
}

// Version returns the gate's build version metadata.
func (client *Client) Version(ctx context.Context) (*VersionInfo, error) {
	response, err := client.Do(ctx, http.MethodGet, "/v1/version", nil, "")
	if err != nil {
		return nil, fmt.Errorf("version: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("version: HTTP %d: %s", response.StatusCode, netutil.ErrorBody(response.Body))
	}
	var result VersionInfo
	if err := netutil.DecodeResponse(response.Body, &result); err != nil {
		return nil, fmt.Errorf("version: %w", err)
	}
	return &result, nil
}

// Proxy performs a guarded call through the gate to a named upstream.
// The path must begin with "/"; it is appended to the upstream's proxy
// prefix unmodified. The returned response body is open and the caller
// must close it.
func (client *Client) Proxy(ctx context.Context, upstream, method, path string, body []byte, contentType string) (*http.Response, error) {
	if upstream == "" {
		return nil, fmt.Errorf("proxy: upstream name is required")
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("proxy: path %q must begin with /", path)
	}
	response, err := client.Do(ctx, method, "/proxy/"+upstream+path, body, contentType)
	if err != nil {
		return nil, fmt.Errorf("proxy %s: %w", upstream, err)
	}
	return response, nil
}
