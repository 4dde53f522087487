// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"github.com/pion/webrtc/v4"
)

// ICEConfig holds ICE server configuration for WebRTC PeerConnections.
// Operators refresh this periodically when their TURN provider issues
// time-limited credentials.
type ICEConfig struct {
	// Servers is the list of ICE servers (STUN + TURN) to use during
	// candidate gathering. Order matters: pion tries them in
	// sequence.
	Servers []webrtc.ICEServer
}

// StaticICEConfig builds an ICEConfig from plain server URIs and an
// optional long-term credential. Empty uris return a config with only
// host candidates (no STUN, no TURN) — sufficient for same-machine
// and same-LAN use.
func StaticICEConfig(uris []string, username, credential string) ICEConfig {
	if len(uris) == 0 {
		return ICEConfig{}
	}
	server := webrtc.ICEServer{URLs: uris}
	if username != "" {
		server.Username = username
		server.Credential = credential
	}
	return ICEConfig{Servers: []webrtc.ICEServer{server}}
}
