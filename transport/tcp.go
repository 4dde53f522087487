// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// Compile-time interface checks.
var (
	_ Listener = (*TCPListener)(nil)
	_ Dialer   = (*TCPDialer)(nil)
)

// TCPListener accepts inbound TCP connections. This is the direct
// transport — it requires TCP reachability between the client and the
// gate. For NAT traversal, use WebRTCTransport.
type TCPListener struct {
	listener net.Listener

	closed    chan struct{}
	closeOnce sync.Once
}

// NewTCPListener creates a TCP transport listener on the specified
// address (e.g., ":7429" or "192.168.1.10:7429"). Use ":0" for a
// random available port.
func NewTCPListener(address string) (*TCPListener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &TCPListener{
		listener: listener,
		closed:   make(chan struct{}),
	}, nil
}

// Serve accepts connections and dispatches each to handler in its own
// goroutine. Blocks until ctx is cancelled or Close is called.
func (l *TCPListener) Serve(ctx context.Context, handler ConnHandler) error {
	go func() {
		select {
		case <-ctx.Done():
		case <-l.closed:
		}
		l.listener.Close()
	}()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-l.closed:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go handler.HandleConn(ctx, conn)
	}
}

// Address returns the TCP address in "host:port" format.
func (l *TCPListener) Address() string {
	return l.listener.Addr().String()
}

// Close shuts down the TCP listener.
func (l *TCPListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return l.listener.Close()
}

// TCPDialer opens TCP connections to gates.
type TCPDialer struct {
	// Timeout is the maximum time to wait for a TCP connection to be
	// established. Zero means no standalone timeout — only the
	// context deadline applies.
	Timeout time.Duration
}

// DialContext opens a TCP connection to the given address (host:port).
func (d *TCPDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	return (&net.Dialer{Timeout: d.Timeout}).DialContext(ctx, "tcp", address)
}
