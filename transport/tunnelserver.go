// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/atelier-foundation/atelier/lib/netutil"
	"github.com/atelier-foundation/atelier/lib/secret"
)

// TargetAuthorizer decides whether a tunnel handshake may reach a
// logical target. The gate passes its guardrail policy here, so the
// relay enforces the same allow-list as the HTTP proxy path.
type TargetAuthorizer interface {
	// AuthorizeTarget returns nil when the (host, port) pair is
	// allowed. The error is logged server-side only; clients get a
	// uniform refusal.
	AuthorizeTarget(host string, port int) error
}

// TunnelServerTimeouts bounds each relay-side phase. Zero fields
// select the defaults.
type TunnelServerTimeouts struct {
	// Handshake bounds the wait for the client's handshake frame.
	Handshake time.Duration

	// TargetDial bounds the dial to the authorized target.
	TargetDial time.Duration

	// RequestRead bounds the accumulation of request frames.
	RequestRead time.Duration

	// Relay bounds the request write to the target and the response
	// stream back to the client.
	Relay time.Duration
}

func (t TunnelServerTimeouts) withDefaults() TunnelServerTimeouts {
	if t.Handshake <= 0 {
		t.Handshake = 10 * time.Second
	}
	if t.TargetDial <= 0 {
		t.TargetDial = 10 * time.Second
	}
	if t.RequestRead <= 0 {
		t.RequestRead = 30 * time.Second
	}
	if t.Relay <= 0 {
		t.Relay = 2 * time.Minute
	}
	return t
}

// TunnelServerConfig configures a TunnelServer.
type TunnelServerConfig struct {
	// AuthToken is the shared tunnel credential. Required: a relay
	// with no token refuses to start rather than running open.
	AuthToken *secret.Buffer

	// Authorizer validates handshake targets. Required.
	Authorizer TargetAuthorizer

	// Timeouts bounds each relay phase. Zero fields select defaults.
	Timeouts TunnelServerTimeouts

	// MaxRequestBytes caps the accumulated request. Zero selects
	// DefaultMaxTunnelResponse.
	MaxRequestBytes int

	// MaxResponseBytes caps the relayed response. Zero selects
	// DefaultMaxTunnelResponse.
	MaxResponseBytes int

	// Logger receives per-connection diagnostics. Nil discards.
	Logger *slog.Logger
}

// TunnelServer is the relay side of the tunnel protocol. It
// authenticates handshakes, authorizes targets, dials them, and
// relays one HTTP exchange per connection. It implements ConnHandler,
// so any transport Listener (TCP, WebRTC data channels) can feed it.
type TunnelServer struct {
	authToken        *secret.Buffer
	authorizer       TargetAuthorizer
	timeouts         TunnelServerTimeouts
	maxRequestBytes  int
	maxResponseBytes int
	logger           *slog.Logger
}

// NewTunnelServer creates a tunnel relay. It fails when no auth token
// or no authorizer is configured — an unauthenticated or unscoped
// relay is an open proxy.
func NewTunnelServer(config TunnelServerConfig) (*TunnelServer, error) {
	if config.AuthToken == nil || config.AuthToken.Len() == 0 {
		return nil, fmt.Errorf("tunnel server: auth token is required")
	}
	if config.Authorizer == nil {
		return nil, fmt.Errorf("tunnel server: target authorizer is required")
	}
	maxRequest := config.MaxRequestBytes
	if maxRequest <= 0 {
		maxRequest = DefaultMaxTunnelResponse
	}
	maxResponse := config.MaxResponseBytes
	if maxResponse <= 0 {
		maxResponse = DefaultMaxTunnelResponse
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &TunnelServer{
		authToken:        config.AuthToken,
		authorizer:       config.Authorizer,
		timeouts:         config.Timeouts.withDefaults(),
		maxRequestBytes:  maxRequest,
		maxResponseBytes: maxResponse,
		logger:           logger,
	}, nil
}

// Serve runs the relay on a transport listener until ctx is cancelled.
func (s *TunnelServer) Serve(ctx context.Context, listener Listener) error {
	return listener.Serve(ctx, s)
}

// HandleConn runs one relay exchange. The connection is closed on
// every path.
func (s *TunnelServer) HandleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetReadDeadline(time.Now().Add(s.timeouts.Handshake))
	frame, err := ReadFrame(conn)
	if err != nil {
		if !netutil.IsExpectedCloseError(err) {
			s.logger.Warn("tunnel handshake read failed", "remote", conn.RemoteAddr(), "error", err)
		}
		return
	}
	if frame.Type != FrameHandshake {
		s.logger.Warn("tunnel connection opened without handshake",
			"remote", conn.RemoteAddr(), "frame_type", frame.Type)
		s.refuse(conn, "protocol violation")
		return
	}
	var handshake TunnelHandshake
	if err := json.Unmarshal(frame.Payload, &handshake); err != nil {
		s.logger.Warn("malformed tunnel handshake", "remote", conn.RemoteAddr(), "error", err)
		s.refuse(conn, "malformed handshake")
		return
	}

	// Credential check before anything else. The comparison is
	// constant-time; the refusal message is uniform.
	if !s.authToken.Equal([]byte(handshake.AuthToken)) {
		s.logger.Warn("tunnel handshake with invalid auth token", "remote", conn.RemoteAddr())
		s.refuse(conn, "unauthorized")
		return
	}

	compression, err := ParseCompression(handshake.Compression)
	if err != nil {
		s.logger.Warn("tunnel handshake with unknown compression",
			"remote", conn.RemoteAddr(), "compression", handshake.Compression)
		s.refuse(conn, "unsupported compression")
		return
	}

	if err := s.authorizer.AuthorizeTarget(handshake.Host, handshake.Port); err != nil {
		s.logger.Warn("tunnel target denied",
			"remote", conn.RemoteAddr(),
			"target_host", handshake.Host,
			"target_port", handshake.Port,
			"error", err)
		s.refuse(conn, "target not allowed")
		return
	}

	targetAddress := net.JoinHostPort(handshake.Host, strconv.Itoa(handshake.Port))
	dialCtx, cancel := context.WithTimeout(ctx, s.timeouts.TargetDial)
	target, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", targetAddress)
	cancel()
	if err != nil {
		s.logger.Warn("tunnel target dial failed",
			"remote", conn.RemoteAddr(), "target", targetAddress, "error", err)
		s.refuse(conn, "target unavailable")
		return
	}
	defer target.Close()

	ack, err := json.Marshal(TunnelAck{OK: true, Compression: compression.String()})
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(s.timeouts.Handshake))
	if err := WriteFrame(conn, Frame{Type: FrameHandshakeAck, Payload: ack}); err != nil {
		return
	}

	request, ok := s.readRequest(conn, compression)
	if !ok {
		return
	}

	target.SetDeadline(time.Now().Add(s.timeouts.Relay))
	if _, err := target.Write(request); err != nil {
		s.logger.Warn("tunnel request write failed", "target", targetAddress, "error", err)
		s.abort(conn, "target write failed")
		return
	}

	relayed, err := s.streamResponse(conn, target, compression)
	if err != nil {
		s.logger.Warn("tunnel response relay failed", "target", targetAddress, "error", err)
		return
	}

	s.logger.Info("tunnel exchange completed",
		"remote", conn.RemoteAddr(),
		"target", targetAddress,
		"request_bytes", len(request),
		"response_bytes", relayed,
		"compression", compression.String())
}

// readRequest accumulates request frames until the client signals end.
func (s *TunnelServer) readRequest(conn net.Conn, compression Compression) ([]byte, bool) {
	conn.SetReadDeadline(time.Now().Add(s.timeouts.RequestRead))
	var request []byte
	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			if !netutil.IsExpectedCloseError(err) {
				s.logger.Warn("tunnel request read failed", "remote", conn.RemoteAddr(), "error", err)
			}
			return nil, false
		}
		switch frame.Type {
		case FrameData:
			block, err := decodeDataBlock(frame.Payload, compression, s.maxRequestBytes)
			if err != nil {
				s.logger.Warn("tunnel request block rejected", "remote", conn.RemoteAddr(), "error", err)
				s.abort(conn, "malformed request block")
				return nil, false
			}
			if len(request)+len(block) > s.maxRequestBytes {
				s.abort(conn, "request too large")
				return nil, false
			}
			request = append(request, block...)
		case FrameEnd:
			return request, true
		case FrameError:
			s.logger.Warn("tunnel client aborted", "remote", conn.RemoteAddr(), "error", string(frame.Payload))
			return nil, false
		default:
			s.abort(conn, "protocol violation")
			return nil, false
		}
	}
}

// streamResponse reads the target's response to EOF (Connection: close
// guarantees the target closes when done) and relays it as bounded
// data frames followed by an end frame.
func (s *TunnelServer) streamResponse(conn net.Conn, target net.Conn, compression Compression) (int, error) {
	conn.SetWriteDeadline(time.Now().Add(s.timeouts.Relay))
	buffer := make([]byte, tunnelChunkSize)
	total := 0
	for {
		n, readErr := target.Read(buffer)
		if n > 0 {
			total += n
			if total > s.maxResponseBytes {
				s.abort(conn, "response too large")
				return total, fmt.Errorf("response exceeds %d bytes", s.maxResponseBytes)
			}
			block, err := encodeDataBlock(buffer[:n], compression)
			if err != nil {
				s.abort(conn, "relay encoding failed")
				return total, err
			}
			if err := WriteFrame(conn, Frame{Type: FrameData, Payload: block}); err != nil {
				return total, err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			s.abort(conn, "target read failed")
			return total, readErr
		}
	}
	return total, WriteFrame(conn, Frame{Type: FrameEnd})
}

// refuse sends a negative handshake ack. Best-effort: the connection
// is being torn down either way.
func (s *TunnelServer) refuse(conn net.Conn, message string) {
	ack, err := json.Marshal(TunnelAck{OK: false, Error: message})
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(s.timeouts.Handshake))
	WriteFrame(conn, Frame{Type: FrameHandshakeAck, Payload: ack})
}

// abort sends an error frame mid-exchange.
func (s *TunnelServer) abort(conn net.Conn, message string) {
	conn.SetWriteDeadline(time.Now().Add(s.timeouts.Handshake))
	WriteFrame(conn, Frame{Type: FrameError, Payload: []byte(message)})
}
