// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/atelier-foundation/atelier/lib/capability"
	"github.com/atelier-foundation/atelier/lib/identity"
	"github.com/atelier-foundation/atelier/lib/replay"
)

// Header names for the gate's credential and tracing headers.
const (
	// HeaderServiceToken carries the optional second credential for
	// service-to-service calls.
	HeaderServiceToken = "X-Atelier-Service-Token"

	// HeaderTraceID carries the caller's trace identifier, propagated
	// unchanged across retries.
	HeaderTraceID = "X-Atelier-Trace-Id"
)

// deniedMessage is the uniform client-facing rejection. Every denial —
// missing token, bad signature, expired, replayed, wrong operation —
// produces exactly this body, so a probing caller learns nothing about
// which check failed.
const deniedMessage = "request not authorized"

// Authorizer is the gate's authorization middleware. It validates the
// capability bearer token, checks the requested operation against its
// claims, records the token ID against replay, and — when a service
// identity token is attached — validates it independently. Both
// credentials must authorize; neither overrides the other.
type Authorizer struct {
	capability       *capability.Validator
	identity         *identity.Validator
	acceptedServices []string
	replay           *replay.Guard
	logger           *slog.Logger
}

// AuthorizerConfig configures an Authorizer.
type AuthorizerConfig struct {
	// Capability validates bearer tokens. Required.
	Capability *capability.Validator

	// Identity validates service tokens. Nil rejects every request
	// that attaches one.
	Identity *identity.Validator

	// AcceptedServices is the allow-list of service subjects. An empty
	// list denies every service token.
	AcceptedServices []string

	// Replay tracks seen token IDs. Required.
	Replay *replay.Guard

	// Logger receives denial details. Nil discards.
	Logger *slog.Logger
}

// NewAuthorizer creates the authorization middleware.
func NewAuthorizer(config AuthorizerConfig) (*Authorizer, error) {
	if config.Capability == nil {
		return nil, fmt.Errorf("gate: capability validator is required")
	}
	if config.Replay == nil {
		return nil, fmt.Errorf("gate: replay guard is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Authorizer{
		capability:       config.Capability,
		identity:         config.Identity,
		acceptedServices: config.AcceptedServices,
		replay:           config.Replay,
		logger:           logger,
	}, nil
}

// Authorize produces the Decision for one request attempting the named
// operation.
func (a *Authorizer) Authorize(request *http.Request, operation string) Decision {
	token, ok := bearerToken(request)
	if !ok {
		return Decision{Kind: DecisionDenyCredential, Reason: "missing bearer token"}
	}

	claims, err := a.capability.Validate(token)
	if err != nil {
		return Decision{Kind: DecisionDenyCredential, Reason: err.Error()}
	}
	if !claims.AllowsOperation(operation) {
		return Decision{
			Kind:   DecisionDenyCredential,
			Reason: fmt.Sprintf("operation %q not in granted set", operation),
		}
	}

	// Replay check before recording: a token ID seen within its TTL is
	// a replay regardless of how valid the rest of the token is.
	if a.replay.IsReplayed(claims.TokenID) {
		return Decision{Kind: DecisionDenyReplay, Reason: fmt.Sprintf("token id %s replayed", claims.TokenID)}
	}
	// Record for the token's remaining lifetime: once the token itself
	// has expired, its ID no longer needs tracking.
	a.replay.Record(claims.TokenID, time.Until(time.Unix(claims.ExpiresAt, 0)))

	decision := Decision{Kind: DecisionAllow, Capability: claims}

	// The service identity token, when attached, must independently
	// authorize. Its absence is not a failure — capability-only calls
	// are the common case.
	if serviceToken := request.Header.Get(HeaderServiceToken); serviceToken != "" {
		if a.identity == nil {
			return Decision{Kind: DecisionDenyCredential, Reason: "service token attached but no identity validator configured"}
		}
		serviceClaims, err := a.identity.ValidateForServices(serviceToken, a.acceptedServices)
		if err != nil {
			return Decision{Kind: DecisionDenyCredential, Reason: fmt.Sprintf("service token: %v", err)}
		}
		decision.Service = serviceClaims
	}

	return decision
}

// Require wraps a handler with authorization for a fixed operation.
// Denials are written uniformly; the decision is attached to the
// request context via the wrapped handler's arguments.
func (a *Authorizer) Require(operation string, next func(http.ResponseWriter, *http.Request, Decision)) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		decision := a.Authorize(request, operation)
		if !decision.Allowed() {
			a.deny(writer, request, operation, decision)
			return
		}
		next(writer, request, decision)
	}
}

// deny logs the detailed reason server-side and writes the uniform
// client-facing rejection.
func (a *Authorizer) deny(writer http.ResponseWriter, request *http.Request, operation string, decision Decision) {
	a.logger.Warn("request denied",
		"kind", decision.Kind.String(),
		"operation", operation,
		"method", request.Method,
		"path", request.URL.Path,
		"remote", request.RemoteAddr,
		"trace_id", request.Header.Get(HeaderTraceID),
		"reason", decision.Reason,
	)
	http.Error(writer, deniedMessage, http.StatusForbidden)
}

// bearerToken extracts the capability token from the Authorization
// header.
func bearerToken(request *http.Request) (string, bool) {
	header := request.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return "", false
	}
	return token, true
}
