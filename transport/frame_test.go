// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"strings"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{"handshake with payload", Frame{Type: FrameHandshake, Payload: []byte(`{"host":"db","port":5432}`)}},
		{"data frame", Frame{Type: FrameData, Payload: bytes.Repeat([]byte("x"), 100_000)}},
		{"end frame empty payload", Frame{Type: FrameEnd}},
		{"error frame", Frame{Type: FrameError, Payload: []byte("target not allowed")}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var buffer bytes.Buffer
			if err := WriteFrame(&buffer, test.frame); err != nil {
				t.Fatalf("WriteFrame() error: %v", err)
			}

			got, err := ReadFrame(&buffer)
			if err != nil {
				t.Fatalf("ReadFrame() error: %v", err)
			}
			if got.Type != test.frame.Type {
				t.Errorf("Type = %#x, want %#x", got.Type, test.frame.Type)
			}
			if !bytes.Equal(got.Payload, test.frame.Payload) {
				t.Errorf("Payload length = %d, want %d", len(got.Payload), len(test.frame.Payload))
			}
		})
	}
}

func TestFrameSequentialOnStream(t *testing.T) {
	var buffer bytes.Buffer
	frames := []Frame{
		{Type: FrameHandshake, Payload: []byte("hs")},
		{Type: FrameData, Payload: []byte("chunk-1")},
		{Type: FrameData, Payload: []byte("chunk-2")},
		{Type: FrameEnd},
	}
	for _, frame := range frames {
		if err := WriteFrame(&buffer, frame); err != nil {
			t.Fatalf("WriteFrame() error: %v", err)
		}
	}

	for index, want := range frames {
		got, err := ReadFrame(&buffer)
		if err != nil {
			t.Fatalf("frame %d: ReadFrame() error: %v", index, err)
		}
		if got.Type != want.Type || !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("frame %d = {%#x %q}, want {%#x %q}",
				index, got.Type, got.Payload, want.Type, want.Payload)
		}
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buffer bytes.Buffer
	err := WriteFrame(&buffer, Frame{Type: FrameData, Payload: make([]byte, maxFramePayload+1)})
	if err == nil {
		t.Fatal("expected error for oversized payload")
	}
	if buffer.Len() != 0 {
		t.Errorf("oversized frame wrote %d bytes, want 0", buffer.Len())
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	// Header declaring a payload larger than maxFramePayload. ReadFrame
	// must reject it before allocating the payload buffer.
	header := []byte{FrameData, 0xff, 0xff, 0xff, 0xff}
	_, err := ReadFrame(bytes.NewReader(header))
	if err == nil {
		t.Fatal("expected error for oversized declared length")
	}
	if !strings.Contains(err.Error(), "exceeds maximum") {
		t.Errorf("error = %v, want mention of maximum", err)
	}
}

func TestReadFrameTruncatedHeader(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{FrameData, 0x00}))
	if err == nil {
		t.Fatal("expected error for truncated header")
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	// Header declares 10 payload bytes but only 3 follow.
	stream := []byte{FrameData, 0x00, 0x00, 0x00, 0x0a, 'a', 'b', 'c'}
	_, err := ReadFrame(bytes.NewReader(stream))
	if err == nil {
		t.Fatal("expected error for truncated payload")
	}
}
