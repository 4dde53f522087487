// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// TunnelPhase identifies which step of a tunnel exchange failed. Every
// phase has its own timeout; a PhaseError tells the caller exactly
// where the exchange died.
type TunnelPhase int

const (
	// PhaseDial is the initial connection to the relay.
	PhaseDial TunnelPhase = iota

	// PhaseHandshakeSend is the transmission of the handshake frame.
	PhaseHandshakeSend

	// PhaseHandshakeRecv is the wait for the relay's ack. Auth
	// refusals and target denials surface here.
	PhaseHandshakeRecv

	// PhaseRequestSend is the transmission of the serialized HTTP
	// request.
	PhaseRequestSend

	// PhaseResponseRead is the accumulation of response frames until
	// the relay signals end.
	PhaseResponseRead

	// PhaseResponseParse is the parse of the accumulated raw response.
	PhaseResponseParse
)

func (p TunnelPhase) String() string {
	switch p {
	case PhaseDial:
		return "dial"
	case PhaseHandshakeSend:
		return "handshake-send"
	case PhaseHandshakeRecv:
		return "handshake-recv"
	case PhaseRequestSend:
		return "request-send"
	case PhaseResponseRead:
		return "response-read"
	case PhaseResponseParse:
		return "response-parse"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// PhaseError wraps a tunnel exchange failure with the phase it
// occurred in. No partial response accompanies a PhaseError — the
// exchange either completes fully or yields nothing.
type PhaseError struct {
	Phase TunnelPhase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("tunnel %s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// ErrResponseTooLarge is returned (wrapped in a PhaseError) when the
// accumulated response exceeds the configured limit. The exchange is
// aborted; nothing is returned to the caller.
var ErrResponseTooLarge = errors.New("transport: tunnel response exceeds size limit")

// TunnelTimeouts bounds each phase of a tunnel exchange independently.
// Zero fields select the defaults.
type TunnelTimeouts struct {
	Dial          time.Duration
	HandshakeSend time.Duration
	HandshakeRecv time.Duration
	RequestSend   time.Duration
	ResponseRead  time.Duration
}

// DefaultTunnelTimeouts returns the standard per-phase timeouts.
func DefaultTunnelTimeouts() TunnelTimeouts {
	return TunnelTimeouts{
		Dial:          10 * time.Second,
		HandshakeSend: 5 * time.Second,
		HandshakeRecv: 10 * time.Second,
		RequestSend:   30 * time.Second,
		ResponseRead:  2 * time.Minute,
	}
}

func (t TunnelTimeouts) withDefaults() TunnelTimeouts {
	defaults := DefaultTunnelTimeouts()
	if t.Dial <= 0 {
		t.Dial = defaults.Dial
	}
	if t.HandshakeSend <= 0 {
		t.HandshakeSend = defaults.HandshakeSend
	}
	if t.HandshakeRecv <= 0 {
		t.HandshakeRecv = defaults.HandshakeRecv
	}
	if t.RequestSend <= 0 {
		t.RequestSend = defaults.RequestSend
	}
	if t.ResponseRead <= 0 {
		t.ResponseRead = defaults.ResponseRead
	}
	return t
}

// DefaultMaxTunnelResponse caps accumulated tunnel responses: 64 MB.
const DefaultMaxTunnelResponse = 64 << 20

// tunnelChunkSize is the uncompressed size of each data frame's block
// when chunking a request or response body.
const tunnelChunkSize = 256 * 1024

// TunnelTransport is an http.RoundTripper that performs one HTTP
// request/response exchange per tunnel connection through a relay.
// Each RoundTrip opens a fresh connection, runs the six phases, and
// closes it — tunnels are never reused across requests.
type TunnelTransport struct {
	// Dialer opens the connection to the relay.
	Dialer Dialer

	// RelayAddress is the relay's transport address.
	RelayAddress string

	// Target is the logical {host, port} the relay dials on our
	// behalf.
	Target Target

	// AuthToken authenticates this client to the relay.
	AuthToken string

	// Compression is the requested data-frame compression. The relay
	// may negotiate down to none.
	Compression Compression

	// Timeouts bounds each phase. Zero fields select defaults.
	Timeouts TunnelTimeouts

	// MaxResponseBytes caps the accumulated response. Zero selects
	// DefaultMaxTunnelResponse.
	MaxResponseBytes int
}

// RoundTrip performs the tunnel exchange. Any phase failure aborts the
// whole exchange and is returned as a *PhaseError; the connection is
// released on every path. The returned response body is fully
// buffered in memory.
func (t *TunnelTransport) RoundTrip(request *http.Request) (*http.Response, error) {
	ctx := request.Context()
	timeouts := t.Timeouts.withDefaults()
	maxResponse := t.MaxResponseBytes
	if maxResponse <= 0 {
		maxResponse = DefaultMaxTunnelResponse
	}

	// Phase 1: dial the relay.
	dialCtx, cancel := context.WithTimeout(ctx, timeouts.Dial)
	conn, err := t.Dialer.DialContext(dialCtx, t.RelayAddress)
	cancel()
	if err != nil {
		return nil, tunnelError(ctx, PhaseDial, err)
	}
	defer conn.Close()

	// Caller cancellation closes the connection, unblocking whichever
	// phase is in flight.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	// Phase 2: send the handshake.
	handshake, err := json.Marshal(TunnelHandshake{
		Host:        t.Target.Host,
		Port:        t.Target.Port,
		AuthToken:   t.AuthToken,
		Compression: t.Compression.String(),
	})
	if err != nil {
		return nil, tunnelError(ctx, PhaseHandshakeSend, err)
	}
	conn.SetWriteDeadline(time.Now().Add(timeouts.HandshakeSend))
	if err := WriteFrame(conn, Frame{Type: FrameHandshake, Payload: handshake}); err != nil {
		return nil, tunnelError(ctx, PhaseHandshakeSend, err)
	}

	// Phase 3: receive the ack.
	conn.SetReadDeadline(time.Now().Add(timeouts.HandshakeRecv))
	ackFrame, err := ReadFrame(conn)
	if err != nil {
		return nil, tunnelError(ctx, PhaseHandshakeRecv, err)
	}
	if ackFrame.Type != FrameHandshakeAck {
		return nil, tunnelError(ctx, PhaseHandshakeRecv, fmt.Errorf("expected ack frame, got type 0x%02x", ackFrame.Type))
	}
	var ack TunnelAck
	if err := json.Unmarshal(ackFrame.Payload, &ack); err != nil {
		return nil, tunnelError(ctx, PhaseHandshakeRecv, fmt.Errorf("malformed ack: %w", err))
	}
	if !ack.OK {
		return nil, tunnelError(ctx, PhaseHandshakeRecv, fmt.Errorf("relay refused handshake: %s", ack.Error))
	}
	negotiated, err := ParseCompression(ack.Compression)
	if err != nil {
		return nil, tunnelError(ctx, PhaseHandshakeRecv, err)
	}
	if negotiated != CompressionNone && negotiated != t.Compression {
		return nil, tunnelError(ctx, PhaseHandshakeRecv, fmt.Errorf("relay negotiated %s, requested %s", negotiated, t.Compression))
	}

	// Phase 4: serialize and send the request. Connection: close is
	// forced so the target's response ends with EOF — the relay reads
	// to EOF, never parses framing out of the response itself.
	clone := request.Clone(ctx)
	clone.Header.Set("Connection", "close")
	clone.Close = true
	var serialized bytes.Buffer
	if err := clone.Write(&serialized); err != nil {
		return nil, tunnelError(ctx, PhaseRequestSend, fmt.Errorf("serializing request: %w", err))
	}
	conn.SetWriteDeadline(time.Now().Add(timeouts.RequestSend))
	if err := writeDataStream(conn, serialized.Bytes(), negotiated); err != nil {
		return nil, tunnelError(ctx, PhaseRequestSend, err)
	}

	// Phase 5: accumulate response frames until the relay signals
	// end.
	conn.SetReadDeadline(time.Now().Add(timeouts.ResponseRead))
	var raw bytes.Buffer
	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			return nil, tunnelError(ctx, PhaseResponseRead, err)
		}
		switch frame.Type {
		case FrameData:
			block, err := decodeDataBlock(frame.Payload, negotiated, maxResponse)
			if err != nil {
				return nil, tunnelError(ctx, PhaseResponseRead, err)
			}
			if raw.Len()+len(block) > maxResponse {
				return nil, tunnelError(ctx, PhaseResponseRead, ErrResponseTooLarge)
			}
			raw.Write(block)
		case FrameError:
			return nil, tunnelError(ctx, PhaseResponseRead, fmt.Errorf("relay error: %s", frame.Payload))
		case FrameEnd:
			// Phase 6: parse the raw response.
			response, err := parseRawResponse(raw.Bytes(), request)
			if err != nil {
				return nil, tunnelError(ctx, PhaseResponseParse, err)
			}
			return response, nil
		default:
			return nil, tunnelError(ctx, PhaseResponseRead, fmt.Errorf("unexpected frame type 0x%02x", frame.Type))
		}
	}
}

// tunnelError wraps a phase failure, preferring the context error when
// the caller cancelled (the conn close it triggers produces an opaque
// "use of closed connection" otherwise).
func tunnelError(ctx context.Context, phase TunnelPhase, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	return &PhaseError{Phase: phase, Err: err}
}

// writeDataStream chunks data into data frames followed by an end
// frame.
func writeDataStream(w io.Writer, data []byte, compression Compression) error {
	for len(data) > 0 {
		chunk := data
		if len(chunk) > tunnelChunkSize {
			chunk = chunk[:tunnelChunkSize]
		}
		data = data[len(chunk):]

		block, err := encodeDataBlock(chunk, compression)
		if err != nil {
			return err
		}
		if err := WriteFrame(w, Frame{Type: FrameData, Payload: block}); err != nil {
			return err
		}
	}
	return WriteFrame(w, Frame{Type: FrameEnd})
}

// parseRawResponse parses an accumulated raw HTTP response: status
// line with a strictly numeric three-digit status, header block, and
// body split at the first blank line. The body is returned fully
// buffered.
func parseRawResponse(raw []byte, request *http.Request) (*http.Response, error) {
	headerEnd := bytes.Index(raw, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		return nil, fmt.Errorf("no header/body boundary in %d-byte response", len(raw))
	}
	body := raw[headerEnd+4:]

	statusLineEnd := bytes.Index(raw, []byte("\r\n"))
	statusLine := string(raw[:statusLineEnd])

	proto, rest, ok := strings.Cut(statusLine, " ")
	if !ok {
		return nil, fmt.Errorf("malformed status line %q", statusLine)
	}
	protoMajor, protoMinor, ok := http.ParseHTTPVersion(proto)
	if !ok {
		return nil, fmt.Errorf("malformed HTTP version %q", proto)
	}
	codeText, reason, _ := strings.Cut(rest, " ")
	if len(codeText) != 3 {
		return nil, fmt.Errorf("malformed status code %q", codeText)
	}
	statusCode, err := strconv.Atoi(codeText)
	if err != nil || statusCode < 100 || statusCode > 599 {
		return nil, fmt.Errorf("invalid status code %q", codeText)
	}

	headerReader := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw[statusLineEnd+2 : headerEnd+4])))
	mimeHeader, err := headerReader.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("parsing response headers: %w", err)
	}

	status := codeText
	if reason != "" {
		status = codeText + " " + reason
	}
	return &http.Response{
		Status:        status,
		StatusCode:    statusCode,
		Proto:         proto,
		ProtoMajor:    protoMajor,
		ProtoMinor:    protoMinor,
		Header:        http.Header(mimeHeader),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       request,
	}, nil
}
