// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport provides the connection layer between gates and
// the services behind them: pluggable listeners and dialers, a framed
// tunnel relay protocol for carrying HTTP requests across a single
// connection, and a WebRTC data channel transport for gates with no
// inbound TCP path.
//
// # Listeners and dialers
//
// [Listener] and [Dialer] abstract the underlying network so the
// tunnel protocol and the gate server run unchanged over plain TCP
// ([TCPListener], [TCPDialer]) or WebRTC data channels
// ([WebRTCTransport]). [HTTPTransport] adapts any Dialer into an
// http.RoundTripper that routes every request to a fixed address.
//
// # Tunnel relay
//
// The tunnel protocol relays one HTTP exchange per connection through
// a gate to a guarded upstream. Frames are [1 type byte][4-byte
// big-endian length][payload]. The client sends a JSON handshake
// naming the target and carrying the relay auth token; the server
// authorizes the target, dials it, and acks. Request and response
// bodies then stream as data frames whose payloads are
// compression-tagged blocks (none, lz4, or zstd), negotiated in the
// handshake with a per-block fallback to uncompressed for
// incompressible data. [TunnelTransport] is the client
// http.RoundTripper; [TunnelServer] is the relay's ConnHandler.
//
// # WebRTC
//
// [WebRTCTransport] maintains one PeerConnection per peer gate and
// opens a fresh ordered data channel per dialed connection. Session
// descriptions travel through a [Signaler] — an HTTP rendezvous
// service in production ([HTTPSignaler] client, [RendezvousHandler]
// server), an in-process map in tests ([MemorySignaler]). Signaling is
// vanilla ICE: candidates are gathered before the SDP is published,
// so establishment needs one offer/answer round-trip. An optional
// [PeerAuthenticator] adds a mutual Ed25519 challenge-response
// handshake before any tunnel data channel is accepted.
package transport
