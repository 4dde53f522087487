// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/atelier-foundation/atelier/lib/resilience"
	"github.com/atelier-foundation/atelier/lib/version"
)

// healthStatus is the GET /healthz response body.
type healthStatus struct {
	Status string `json:"status"`
}

// readiness is the GET /readyz response body. The same shape is sent
// with 200 (ready) and 503 (not ready).
type readiness struct {
	Ready     bool                      `json:"ready"`
	Upstreams map[string]UpstreamStatus `json:"upstreams,omitempty"`
}

// versionInfo is the GET /v1/version response body.
type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Dirty     bool   `json:"dirty,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
}

// Handler is the gate's HTTP surface: health and version endpoints,
// plus the authenticated proxy route.
type Handler struct {
	mux *http.ServeMux
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	// Policy supplies the upstream name → target mapping. Required.
	Policy *Policy

	// Authorizer guards the proxy route. Required.
	Authorizer *Authorizer

	// Forwarder relays admitted requests. Required.
	Forwarder *Forwarder

	// Monitor supplies upstream health for /readyz. Nil reports ready
	// with no upstream detail.
	Monitor *Monitor

	// Breakers isolates each upstream. Nil disables breaker checks;
	// with a set, an open breaker fails the proxy route fast and marks
	// the upstream not ready.
	Breakers *BreakerSet

	// Logger receives forwarding failures. Nil discards.
	Logger *slog.Logger
}

// NewHandler builds the gate's HTTP handler.
func NewHandler(config HandlerConfig) (*Handler, error) {
	if config.Policy == nil {
		return nil, errors.New("gate: policy is required")
	}
	if config.Authorizer == nil {
		return nil, errors.New("gate: authorizer is required")
	}
	if config.Forwarder == nil {
		return nil, errors.New("gate: forwarder is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	handler := &Handler{mux: http.NewServeMux()}

	handler.mux.HandleFunc("GET /healthz", func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(writer, http.StatusOK, healthStatus{Status: "ok"})
	})

	handler.mux.HandleFunc("GET /readyz", func(writer http.ResponseWriter, request *http.Request) {
		body := readiness{Ready: true}
		if config.Monitor != nil {
			body.Upstreams = config.Monitor.Snapshot()
		}
		// An open breaker overrides a healthy probe: the probe dials the
		// port, the breaker watches actual forwarded traffic.
		for name, state := range config.Breakers.States() {
			if state == resilience.StateOpen {
				status := body.Upstreams[name]
				status.Healthy = false
				status.Error = "circuit breaker open"
				if body.Upstreams == nil {
					body.Upstreams = make(map[string]UpstreamStatus)
				}
				body.Upstreams[name] = status
			}
		}
		for _, status := range body.Upstreams {
			if !status.Healthy {
				body.Ready = false
				break
			}
		}
		code := http.StatusOK
		if !body.Ready {
			code = http.StatusServiceUnavailable
		}
		writeJSON(writer, code, body)
	})

	handler.mux.HandleFunc("GET /v1/version", func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(writer, http.StatusOK, versionInfo{
			Version:   version.Version,
			Commit:    version.GitCommit,
			Dirty:     version.GitDirty == "true",
			BuildTime: version.BuildTime,
		})
	})

	// Each upstream gets its own route and operation name, so a
	// capability granting proxy:billing cannot reach proxy:ledger.
	for name, target := range config.Policy.Upstreams {
		upstream, upstreamTarget := name, target
		operation := "proxy:" + upstream
		pattern := "/proxy/" + upstream + "/{path...}"
		handler.mux.Handle(pattern, config.Authorizer.Require(operation,
			func(writer http.ResponseWriter, request *http.Request, decision Decision) {
				path := "/" + request.PathValue("path")

				breaker := config.Breakers.For(upstream)
				if breaker != nil {
					if err := breaker.Allow(); err != nil {
						http.Error(writer, "upstream unavailable", http.StatusServiceUnavailable)
						return
					}
				}

				err := config.Forwarder.Forward(writer, request, upstreamTarget, path)
				if breaker != nil {
					recordBreakerOutcome(breaker, err)
				}
				if err == nil {
					return
				}
				logger.Warn("forward failed",
					"upstream", upstream,
					"method", request.Method,
					"path", path,
					"workspace", decision.Capability.WorkspaceID,
					"trace_id", request.Header.Get(HeaderTraceID),
					"error", err,
				)
				writeForwardError(writer, err)
			}))
	}

	return handler, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	h.mux.ServeHTTP(writer, request)
}

// recordBreakerOutcome feeds a forward result into the upstream's
// breaker. Policy violations are the caller's fault and say nothing
// about upstream health; everything else counts.
func recordBreakerOutcome(breaker *resilience.CircuitBreaker, err error) {
	switch {
	case err == nil:
		breaker.RecordSuccess()
	case errors.Is(err, ErrMethodDenied), errors.Is(err, ErrPathDenied), errors.Is(err, ErrTargetDenied):
	default:
		breaker.RecordFailure()
	}
}

// writeForwardError maps a forwarding failure to a status code. Policy
// violations are the client's fault; everything else is a bad gateway.
// If the response header was already written the copy aborted mid-body
// and the connection is torn down by the error return path.
func writeForwardError(writer http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrMethodDenied):
		http.Error(writer, deniedMessage, http.StatusMethodNotAllowed)
	case errors.Is(err, ErrPathDenied), errors.Is(err, ErrTargetDenied):
		http.Error(writer, deniedMessage, http.StatusForbidden)
	case errors.Is(err, ErrRedirectBlocked), errors.Is(err, ErrResponseTooLarge):
		http.Error(writer, "upstream response rejected", http.StatusBadGateway)
	default:
		http.Error(writer, "upstream unavailable", http.StatusBadGateway)
	}
}

func writeJSON(writer http.ResponseWriter, code int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(code)
	_ = json.NewEncoder(writer).Encode(body)
}
