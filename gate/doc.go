// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

// Package gate implements the data-plane daemon fronting a workspace
// runtime. Every control-plane call crosses a trust boundary to get
// here, so the gate validates two independent credentials (the
// capability bearer token and the optional service identity token),
// rejects replayed token IDs, and applies SSRF guardrails before any
// byte leaves toward an upstream.
//
// The pieces compose left to right: Config (YAML, environment
// expansion) names the listeners, trust material, and the policy file;
// Policy (JSONC, so operators can annotate allow-lists) declares named
// upstreams and the guardrail allow-lists; Guardrails enforces the
// four pre-network checks; Authorizer turns request credentials into a
// Decision; Forwarder performs the guarded upstream exchange; Handler
// wires the HTTP surface; Monitor keeps cached upstream health for
// readiness; Server owns the listeners, the tunnel relay, and
// shutdown.
package gate
