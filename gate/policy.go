// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"

	"github.com/atelier-foundation/atelier/transport"
)

// Policy is the gate's guardrail policy document. The on-disk format
// is JSONC (comments and trailing commas allowed) so operators can
// annotate why each target is on the allow-list.
type Policy struct {
	// Upstreams maps proxy endpoint names to their targets. A request
	// to /proxy/billing/... forwards to Upstreams["billing"], provided
	// the guardrails pass.
	Upstreams map[string]transport.Target `json:"upstreams"`

	// AllowedTargets is the exact (host, port) allow-list. Every
	// forwarded request and every tunnel handshake is checked against
	// it. An empty list denies all traffic.
	AllowedTargets []transport.Target `json:"allowed_targets"`

	// AllowedPathPrefixes restricts forwarded request paths. A path
	// must match one prefix, and no path containing a ".." segment is
	// ever forwarded.
	AllowedPathPrefixes []string `json:"allowed_path_prefixes"`

	// AllowedMethods restricts forwarded request methods.
	AllowedMethods []string `json:"allowed_methods"`

	// MaxResponseBytes caps forwarded response bodies. Zero selects
	// the default cap.
	MaxResponseBytes int64 `json:"max_response_bytes"`
}

// LoadPolicy reads, parses, and validates a JSONC policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy strips JSONC comments and trailing commas, then
// unmarshals and validates the policy. Unknown fields are a parse
// error.
func ParsePolicy(data []byte) (*Policy, error) {
	var policy Policy
	decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&policy); err != nil {
		return nil, fmt.Errorf("parsing policy: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	return &policy, nil
}

// Validate checks the policy's internal consistency. It does not
// require upstream targets to appear in AllowedTargets — the runtime
// guardrail check catches that — but it rejects entries that could
// never match anything.
func (p *Policy) Validate() error {
	var errs []error

	for name, target := range p.Upstreams {
		if name == "" {
			errs = append(errs, fmt.Errorf("upstreams: empty name"))
		}
		if target.Host == "" {
			errs = append(errs, fmt.Errorf("upstream %q: host is required", name))
		}
		if target.Port <= 0 || target.Port > 65535 {
			errs = append(errs, fmt.Errorf("upstream %q: port %d out of range", name, target.Port))
		}
	}
	for index, target := range p.AllowedTargets {
		if target.Host == "" {
			errs = append(errs, fmt.Errorf("allowed_targets[%d]: host is required", index))
		}
		if target.Port <= 0 || target.Port > 65535 {
			errs = append(errs, fmt.Errorf("allowed_targets[%d]: port %d out of range", index, target.Port))
		}
	}
	for index, prefix := range p.AllowedPathPrefixes {
		if prefix == "" || prefix[0] != '/' {
			errs = append(errs, fmt.Errorf("allowed_path_prefixes[%d]: %q must begin with /", index, prefix))
		}
	}
	for index, method := range p.AllowedMethods {
		if method == "" {
			errs = append(errs, fmt.Errorf("allowed_methods[%d]: empty method", index))
		}
	}
	if p.MaxResponseBytes < 0 {
		errs = append(errs, fmt.Errorf("max_response_bytes must not be negative"))
	}

	return errors.Join(errs...)
}
