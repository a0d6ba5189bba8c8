// Copyright 2026 The Packgen Authors
// SPDX-License-Identifier: Apache-2.0

package unit

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies the compression algorithm used for a unit payload.
// Codec values are format constants stored in unit headers — changing
// them breaks on-disk compatibility.
type Codec uint8

const (
	// CodecNone indicates an uncompressed payload. Used for
	// already-compressed content (PNG, JPEG, video) where further
	// compression adds CPU cost without reducing size.
	CodecNone Codec = 0

	// CodecLZ4 indicates LZ4 block compression. Fast default for
	// binary mesh and geometry data (~1.5-2x ratio, very cheap
	// decode).
	CodecLZ4 Codec = 1

	// CodecZstd indicates zstd compression at the default level.
	// Better ratios for text-like content: JSON metadata, OBJ/glTF
	// text geometry, scene descriptions.
	CodecZstd Codec = 2
)

// String returns the human-readable name of a codec.
func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCodec parses a codec from its string representation.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "none":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	default:
		return 0, fmt.Errorf("unknown codec: %q", name)
	}
}

// zstdEncoder and zstdDecoder are reused across calls to avoid
// repeated initialization overhead. Both are safe for concurrent use.
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
		panic("unit: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("unit: zstd decoder initialization failed: " + err.Error())
	}
}

// errIncompressible is returned by compression functions when the
// compressed output is not smaller than the input. The caller should
// fall back to CodecNone.
var errIncompressible = errors.New("data is incompressible")

// IsIncompressible reports whether the error indicates that data
// could not be compressed smaller than its original size.
func IsIncompressible(err error) bool {
	return errors.Is(err, errIncompressible)
}

// compress compresses data with the given codec. For CodecNone the
// input is returned unchanged (no copy). Returns errIncompressible
// when the output would not be smaller than the input.
func compress(data []byte, codec Codec) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil

	case CodecLZ4:
		return compressLZ4(data)

	case CodecZstd:
		return compressZstd(data)

	default:
		return nil, fmt.Errorf("unsupported codec: %d", codec)
	}
}

// decompress reverses compress. The uncompressedSize must match the
// original payload length exactly — a mismatch is an error.
func decompress(compressed []byte, codec Codec, uncompressedSize int) ([]byte, error) {
	switch codec {
	case CodecNone:
		if len(compressed) != uncompressedSize {
			return nil, fmt.Errorf("uncompressed payload: size %d does not match expected %d",
				len(compressed), uncompressedSize)
		}
		return compressed, nil

	case CodecLZ4:
		return decompressLZ4(compressed, uncompressedSize)

	case CodecZstd:
		return decompressZstd(compressed, uncompressedSize)

	default:
		return nil, fmt.Errorf("unsupported codec: %d", codec)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(data))
	destination := make([]byte, bound)

	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}

	// CompressBlock returns 0 when it determines the data is
	// incompressible. Also reject output that is not actually
	// smaller than the input.
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

// SelectCodec probes data to determine the best compression codec.
// It compresses a prefix with zstd and checks the ratio: above 1.5x
// zstd is selected, between 1.1x and 1.5x LZ4 (faster with acceptable
// ratio), below 1.1x the data is considered incompressible.
//
// The typeTag parameter allows short-circuiting the probe for known
// asset types. Pass an empty string to always probe.
func SelectCodec(data []byte, typeTag string) Codec {
	// Short-circuit for known asset types.
	switch typeTag {
	case "scene", "material", "metadata",
		"application/json", "text/plain", "model/gltf+json", "model/obj":
		return CodecZstd

	case "image/png", "image/jpeg", "image/webp", "video/mp4":
		return CodecNone

	case "mesh", "model/gltf-binary", "application/octet-stream":
		return CodecLZ4
	}

	if len(data) == 0 {
		return CodecNone
	}

	probe := data
	if len(probe) > probeLimit {
		probe = probe[:probeLimit]
	}

	compressed := zstdEncoder.EncodeAll(probe, nil)
	ratio := float64(len(probe)) / float64(len(compressed))

	switch {
	case ratio >= 1.5:
		return CodecZstd
	case ratio >= 1.1:
		return CodecLZ4
	default:
		return CodecNone
	}
}

// probeLimit bounds how many bytes SelectCodec feeds the probe
// compressor. 256 KiB is enough to characterize asset payloads
// without paying to compress the whole blob twice.
const probeLimit = 256 * 1024
