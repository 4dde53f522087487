// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/atelier-foundation/atelier/transport"
)

// Guardrail violations. All are policy errors: the request is rejected
// before any network call.
var (
	// ErrTargetDenied is returned for a (host, port) pair outside the
	// allow-list.
	ErrTargetDenied = errors.New("gate: target not allowed")

	// ErrPathDenied is returned for a path outside the allowed
	// prefixes, or any path containing a ".." segment.
	ErrPathDenied = errors.New("gate: path not allowed")

	// ErrMethodDenied is returned for a method outside the allowed
	// set.
	ErrMethodDenied = errors.New("gate: method not allowed")

	// ErrRedirectBlocked is returned when an upstream answers with a
	// 3xx. Redirects are never followed.
	ErrRedirectBlocked = errors.New("gate: upstream redirect blocked")

	// ErrResponseTooLarge is returned when an upstream response
	// exceeds the configured cap.
	ErrResponseTooLarge = errors.New("gate: upstream response too large")
)

// DefaultMaxForwardResponse caps forwarded response bodies when the
// policy does not set one: 32 MB.
const DefaultMaxForwardResponse = 32 << 20

// Guardrails is the gate's SSRF defense: four independent checks, all
// evaluated before any network call. The zero-value semantics fail
// closed — an empty target allow-list denies every target, an empty
// method set denies every method, an empty prefix list denies every
// path.
type Guardrails struct {
	targets          map[targetKey]struct{}
	pathPrefixes     []string
	methods          map[string]struct{}
	maxResponseBytes int64
}

type targetKey struct {
	host string
	port int
}

// NewGuardrails compiles a policy's allow-lists into a Guardrails.
func NewGuardrails(policy *Policy) *Guardrails {
	targets := make(map[targetKey]struct{}, len(policy.AllowedTargets))
	for _, target := range policy.AllowedTargets {
		targets[targetKey{host: target.Host, port: target.Port}] = struct{}{}
	}
	methods := make(map[string]struct{}, len(policy.AllowedMethods))
	for _, method := range policy.AllowedMethods {
		methods[strings.ToUpper(method)] = struct{}{}
	}
	maxResponse := policy.MaxResponseBytes
	if maxResponse <= 0 {
		maxResponse = DefaultMaxForwardResponse
	}
	return &Guardrails{
		targets:          targets,
		pathPrefixes:     append([]string(nil), policy.AllowedPathPrefixes...),
		methods:          methods,
		maxResponseBytes: maxResponse,
	}
}

// CheckTarget validates a (host, port) pair against the exact
// allow-list. An empty allow-list denies everything.
func (g *Guardrails) CheckTarget(host string, port int) error {
	if _, ok := g.targets[targetKey{host: host, port: port}]; !ok {
		return fmt.Errorf("%w: %s:%d", ErrTargetDenied, host, port)
	}
	return nil
}

// AuthorizeTarget implements transport.TargetAuthorizer, so the tunnel
// relay enforces the same allow-list as the HTTP proxy path.
func (g *Guardrails) AuthorizeTarget(host string, port int) error {
	return g.CheckTarget(host, port)
}

// CheckPath validates a request path. A ".." segment anywhere in the
// path is rejected before prefix matching — the check is on the
// literal path, so no normalization can smuggle a traversal under an
// allowed prefix.
func (g *Guardrails) CheckPath(path string) error {
	for _, segment := range strings.Split(path, "/") {
		if segment == ".." {
			return fmt.Errorf("%w: %q contains a parent-directory segment", ErrPathDenied, path)
		}
	}
	for _, prefix := range g.pathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q matches no allowed prefix", ErrPathDenied, path)
}

// CheckMethod validates a request method.
func (g *Guardrails) CheckMethod(method string) error {
	if _, ok := g.methods[strings.ToUpper(method)]; !ok {
		return fmt.Errorf("%w: %s", ErrMethodDenied, method)
	}
	return nil
}

// MaxResponseBytes returns the response body cap.
func (g *Guardrails) MaxResponseBytes() int64 {
	return g.maxResponseBytes
}

// CheckRequest runs the pre-network checks that apply to a forwarded
// request: method, path, and target.
func (g *Guardrails) CheckRequest(method, path string, target transport.Target) error {
	if err := g.CheckMethod(method); err != nil {
		return err
	}
	if err := g.CheckPath(path); err != nil {
		return err
	}
	return g.CheckTarget(target.Host, target.Port)
}

// Compile-time interface check.
var _ transport.TargetAuthorizer = (*Guardrails)(nil)
