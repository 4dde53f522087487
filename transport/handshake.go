// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package transport

// TunnelHandshake is the JSON payload of the handshake frame, sent by
// the client as the first frame on a tunnel connection. On success the
// relay dials the named target and the connection switches to the
// binary data protocol.
type TunnelHandshake struct {
	// Host and Port name the logical target the relay should dial.
	// The relay applies its own target authorization to this pair;
	// the client cannot reach anything the relay's policy excludes.
	Host string `json:"host"`
	Port int    `json:"port"`

	// AuthToken authenticates the client to the relay. Compared in
	// constant time against the relay's configured token.
	AuthToken string `json:"auth_token"`

	// Compression is the requested data-frame compression ("none",
	// "lz4", "zstd"). Empty means none.
	Compression string `json:"compression,omitempty"`
}

// TunnelAck is the JSON payload of the handshake ack frame, the relay's
// response to a handshake. On refusal the connection is closed after
// this frame; no detail beyond Error is revealed.
type TunnelAck struct {
	// OK is true when the handshake was accepted and the target
	// dialed.
	OK bool `json:"ok"`

	// Compression is the negotiated data-frame compression. Only set
	// when OK is true.
	Compression string `json:"compression,omitempty"`

	// Error describes why the handshake was refused. Only set when OK
	// is false.
	Error string `json:"error,omitempty"`
}
