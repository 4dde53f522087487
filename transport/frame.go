// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame type constants for the tunnel relay wire format. Each frame is
// a 5-byte header (1 byte type + 4 byte big-endian payload length)
// followed by the payload. These values are protocol constants —
// changing them breaks relay compatibility.
const (
	// FrameHandshake opens a tunnel connection. Client→relay only,
	// exactly one per connection, always the first frame. Payload is a
	// JSON TunnelHandshake naming the target, the auth token, and the
	// requested compression.
	FrameHandshake byte = 0x01

	// FrameHandshakeAck answers the handshake. Relay→client only,
	// exactly one per connection. Payload is a JSON TunnelAck. A
	// refused handshake is the last frame before the relay closes.
	FrameHandshakeAck byte = 0x02

	// FrameData carries request or response bytes. Payload is a data
	// block: 1 byte compression tag + 4 bytes big-endian uncompressed
	// length + the (possibly compressed) bytes.
	FrameData byte = 0x03

	// FrameEnd marks the end of the request (client→relay) or the end
	// of the response (relay→client). Empty payload.
	FrameEnd byte = 0x04

	// FrameError aborts the exchange. Payload is a UTF-8 error
	// message. The connection is closed after this frame.
	FrameError byte = 0x05
)

// frameHeaderLength is the fixed size of a frame header: 1 byte type +
// 4 bytes payload length.
const frameHeaderLength = 5

// maxFramePayload is the maximum allowed payload size per frame. The
// relay chunks large bodies across multiple data frames, so this bounds
// per-frame allocation, not total transfer size.
const maxFramePayload = 16 * 1024 * 1024

// Frame is a single tunnel relay frame.
type Frame struct {
	Type    byte
	Payload []byte
}

// WriteFrame writes a framed message to w. The frame format is:
// [1 byte type] [4 bytes payload length, big-endian uint32] [payload].
func WriteFrame(w io.Writer, frame Frame) error {
	if len(frame.Payload) > maxFramePayload {
		return fmt.Errorf("frame payload %d exceeds maximum %d", len(frame.Payload), maxFramePayload)
	}
	var header [frameHeaderLength]byte
	header[0] = frame.Type
	binary.BigEndian.PutUint32(header[1:5], uint32(len(frame.Payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(frame.Payload) > 0 {
		if _, err := w.Write(frame.Payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads a framed message from r. Returns an error if the
// stream is malformed or the payload exceeds maxFramePayload.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}
	frameType := header[0]
	payloadLength := binary.BigEndian.Uint32(header[1:5])
	if payloadLength > maxFramePayload {
		return Frame{}, fmt.Errorf("frame payload length %d exceeds maximum %d", payloadLength, maxFramePayload)
	}
	payload := make([]byte, payloadLength)
	if payloadLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return Frame{Type: frameType, Payload: payload}, nil
}
