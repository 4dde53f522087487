// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the algorithm applied to tunnel data frames.
// The tag travels in every data block (1 byte), so a relay that finds
// a block incompressible can fall back to none per-frame without
// renegotiating. These values are protocol constants.
type Compression uint8

const (
	// CompressionNone indicates uncompressed data. The default, and
	// the per-frame fallback for incompressible payloads.
	CompressionNone Compression = 0

	// CompressionLZ4 indicates LZ4 block compression. Low CPU cost
	// with modest ratios; the right choice when the relay host is
	// CPU-bound.
	CompressionLZ4 Compression = 1

	// CompressionZstd indicates zstd at the default level. Better
	// ratios for JSON and text-heavy API traffic.
	CompressionZstd Compression = 2
)

// String returns the wire name of a compression algorithm, as carried
// in the tunnel handshake.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a compression name from a tunnel handshake.
// The empty string means none: a client that does not negotiate gets
// uncompressed frames.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

// dataBlockHeaderLength is the per-block prefix inside a data frame
// payload: 1 byte compression tag + 4 bytes big-endian uncompressed
// length.
const dataBlockHeaderLength = 5

// zstdEncoder and zstdDecoder are reused across calls to avoid
// repeated initialization overhead. zstd.Encoder and zstd.Decoder are
// safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("transport: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("transport: zstd decoder initialization failed: " + err.Error())
	}
}

// errIncompressible is returned by the compressors when the output is
// not smaller than the input. encodeDataBlock falls back to
// CompressionNone for that block.
var errIncompressible = fmt.Errorf("data is incompressible")

// encodeDataBlock builds a data frame payload from raw bytes:
// [1 byte tag] [4 bytes uncompressed length] [bytes]. The preferred
// algorithm is attempted first; incompressible data is sent unchanged
// under a CompressionNone tag.
func encodeDataBlock(data []byte, preferred Compression) ([]byte, error) {
	tag := preferred
	encoded := data

	switch preferred {
	case CompressionNone:
		// Nothing to do.
	case CompressionLZ4:
		compressed, err := compressLZ4(data)
		if err == errIncompressible {
			tag = CompressionNone
		} else if err != nil {
			return nil, err
		} else {
			encoded = compressed
		}
	case CompressionZstd:
		compressed, err := compressZstd(data)
		if err == errIncompressible {
			tag = CompressionNone
		} else if err != nil {
			return nil, err
		} else {
			encoded = compressed
		}
	default:
		return nil, fmt.Errorf("unsupported compression %d", preferred)
	}

	block := make([]byte, dataBlockHeaderLength+len(encoded))
	block[0] = byte(tag)
	binary.BigEndian.PutUint32(block[1:5], uint32(len(data)))
	copy(block[dataBlockHeaderLength:], encoded)
	return block, nil
}

// decodeDataBlock parses a data frame payload and returns the raw
// bytes. The block's tag must be CompressionNone or the negotiated
// algorithm — anything else is a protocol violation. The declared
// uncompressed length is checked against maxSize before any
// decompression buffer is allocated, and the actual output length is
// verified after.
func decodeDataBlock(block []byte, negotiated Compression, maxSize int) ([]byte, error) {
	if len(block) < dataBlockHeaderLength {
		return nil, fmt.Errorf("data block too short: %d bytes", len(block))
	}
	tag := Compression(block[0])
	declaredSize := int(binary.BigEndian.Uint32(block[1:5]))
	if declaredSize > maxSize {
		return nil, fmt.Errorf("data block declares %d bytes, limit %d", declaredSize, maxSize)
	}
	body := block[dataBlockHeaderLength:]

	if tag != CompressionNone && tag != negotiated {
		return nil, fmt.Errorf("data block compressed with %s, negotiated %s", tag, negotiated)
	}

	switch tag {
	case CompressionNone:
		if len(body) != declaredSize {
			return nil, fmt.Errorf("uncompressed block: size %d does not match declared %d", len(body), declaredSize)
		}
		return body, nil
	case CompressionLZ4:
		return decompressLZ4(body, declaredSize)
	case CompressionZstd:
		return decompressZstd(body, declaredSize)
	default:
		return nil, fmt.Errorf("unsupported compression tag %d", tag)
	}
}

// LZ4 compression: block-mode LZ4.

func compressLZ4(data []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(data))
	destination := make([]byte, bound)

	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}

	// CompressBlock returns 0 when it determines the data is
	// incompressible. Also reject output that is not actually smaller
	// than the input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, uncompressedSize int) ([]byte, error) {
	destination := make([]byte, uncompressedSize)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != uncompressedSize {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
	}
	return destination, nil
}

// Zstd compression at the default level.

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, uncompressedSize int) ([]byte, error) {
	destination := make([]byte, 0, uncompressedSize)
	result, err := zstdDecoder.DecodeAll(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != uncompressedSize {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), uncompressedSize)
	}
	return result, nil
}
