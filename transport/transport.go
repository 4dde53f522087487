// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"
	"net/http"
)

// ConnHandler processes one inbound transport connection. The tunnel
// server implements this to run the relay protocol; tests implement it
// with echo handlers.
type ConnHandler interface {
	// HandleConn owns the connection for its lifetime and must close
	// it before returning.
	HandleConn(ctx context.Context, conn net.Conn)
}

// ConnHandlerFunc adapts a function to the ConnHandler interface.
type ConnHandlerFunc func(ctx context.Context, conn net.Conn)

func (f ConnHandlerFunc) HandleConn(ctx context.Context, conn net.Conn) {
	f(ctx, conn)
}

// Listener accepts inbound transport connections. The gate creates a
// Listener and calls Serve with the tunnel server as the handler.
type Listener interface {
	// Serve starts accepting connections and dispatches each to
	// handler in its own goroutine. Blocks until ctx is cancelled or
	// Close is called. Returns nil on clean shutdown.
	Serve(ctx context.Context, handler ConnHandler) error

	// Address returns the transport address peers dial to reach this
	// listener. The format is transport-specific ("192.168.1.10:7429"
	// for TCP, the gate name for WebRTC).
	Address() string

	// Close shuts down the listener. Subsequent calls to Serve return
	// immediately.
	Close() error
}

// Dialer opens connections to remote gates. The guarded client uses a
// Dialer both for direct HTTP routing (via HTTPTransport) and as the
// underlying connection source for tunnel exchanges.
type Dialer interface {
	// DialContext opens a connection to the gate at the given
	// transport address. The address format matches what the gate's
	// Listener.Address() returns.
	DialContext(ctx context.Context, address string) (net.Conn, error)
}

// Target is the logical destination of a tunnel exchange: the host and
// port the relay dials on the client's behalf after the handshake is
// authenticated and authorized.
type Target struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// HTTPTransport creates an http.RoundTripper that routes all requests
// through the given Dialer to the specified transport address. The URL
// host in requests is ignored — every connection goes through the
// dialer to that one address. This is the direct routing path; tunnel
// routing uses TunnelTransport instead.
func HTTPTransport(dialer Dialer, address string) http.RoundTripper {
	return &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, address)
		},
	}
}
