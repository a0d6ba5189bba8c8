// Copyright 2026 The Packgen Authors
// SPDX-License-Identifier: Apache-2.0

package unit

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/scenekit/packgen/lib/digest"
)

// Unit format constants.
const (
	// unitVersion is the on-disk format version byte embedded in the
	// magic. Version 1 is the initial format.
	unitVersion = 1

	// headerSize is the fixed header: 8-byte magic + 1-byte codec
	// + 7 reserved bytes + 8-byte uncompressed length + 8-byte
	// payload length + 32-byte fingerprint. The reserved bytes keep
	// the uint64 fields 8-byte aligned.
	headerSize = 8 + 1 + 7 + 8 + 8 + 32

	// MaxUncompressedSize bounds the uncompressed length a unit may
	// claim: 4 GiB. The decoder allocates the claimed size before the
	// integrity check can run, so without a format bound a corrupted
	// header could force an arbitrarily large allocation from a
	// 64-byte frame.
	MaxUncompressedSize = uint64(4) << 30
)

// unitMagic is the 8-byte unit file signature: "PAKUNIT" + version.
var unitMagic = [8]byte{'P', 'A', 'K', 'U', 'N', 'I', 'T', unitVersion}

// ErrIntegrityMismatch is returned by [Decode] when the decompressed
// payload does not re-hash to the fingerprint recorded in the unit.
// This is the authoritative corruption check: a unit that fails it is
// corrupt and must never be silently accepted or repaired.
var ErrIntegrityMismatch = errors.New("unit integrity mismatch")

// ErrBadFormat is returned when unit bytes do not carry the expected
// magic, version, or structure. Truncation surfaces here.
var ErrBadFormat = errors.New("malformed unit")

// Unit is the on-disk representation of a blob: the compressed
// payload framed with enough metadata (codec, original length,
// fingerprint) to verify it independently of any external state.
type Unit struct {
	// Fingerprint is the blob-domain digest of the uncompressed
	// payload.
	Fingerprint digest.Digest

	// Codec is the compression algorithm applied to Payload.
	Codec Codec

	// UncompressedSize is the original payload length in bytes.
	UncompressedSize uint64

	// Payload is the compressed payload (or the raw payload when
	// Codec is CodecNone).
	Payload []byte
}

// Encode compresses data with the given codec and frames it as a
// Unit. If the data is incompressible with the chosen codec, the unit
// falls back to CodecNone and carries the raw bytes — encoding never
// fails for incompressible or zero-length input.
func Encode(data []byte, codec Codec) (*Unit, error) {
	if uint64(len(data)) > MaxUncompressedSize {
		return nil, fmt.Errorf("payload is %d bytes, format limit is %d", len(data), MaxUncompressedSize)
	}

	payload := data
	actual := codec

	if codec != CodecNone {
		compressed, err := compress(data, codec)
		switch {
		case err == nil:
			payload = compressed
		case IsIncompressible(err):
			actual = CodecNone
		default:
			return nil, fmt.Errorf("encoding unit: %w", err)
		}
	}

	return &Unit{
		Fingerprint:      digest.HashBlob(data),
		Codec:            actual,
		UncompressedSize: uint64(len(data)),
		Payload:          payload,
	}, nil
}

// Decode decompresses the unit's payload, re-hashes the result, and
// verifies it against the stored fingerprint. Any disagreement —
// flipped payload byte, wrong length, tampered header — returns an
// error wrapping [ErrIntegrityMismatch] instead of altered content.
func Decode(u *Unit) ([]byte, error) {
	data, err := decompress(u.Payload, u.Codec, int(u.UncompressedSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrityMismatch, err)
	}

	computed := digest.HashBlob(data)
	if computed != u.Fingerprint {
		return nil, fmt.Errorf("%w: payload hashes to %s, header records %s",
			ErrIntegrityMismatch, digest.Format(computed), digest.Format(u.Fingerprint))
	}

	return data, nil
}

// Marshal serializes the unit to its binary frame:
//
//	magic(8) codec(1) reserved(7) uncompressedSize(8) payloadSize(8)
//	fingerprint(32) payload(...)
//
// All integers are little-endian.
func Marshal(u *Unit) []byte {
	frame := make([]byte, headerSize+len(u.Payload))

	copy(frame[0:8], unitMagic[:])
	frame[8] = byte(u.Codec)
	binary.LittleEndian.PutUint64(frame[16:24], u.UncompressedSize)
	binary.LittleEndian.PutUint64(frame[24:32], uint64(len(u.Payload)))
	copy(frame[32:64], u.Fingerprint[:])
	copy(frame[headerSize:], u.Payload)

	return frame
}

// Unmarshal parses a binary frame produced by [Marshal]. Structural
// problems (bad magic, truncation, length disagreement) return
// [ErrBadFormat]; Unmarshal does not verify payload integrity — that
// is [Decode]'s job.
func Unmarshal(frame []byte) (*Unit, error) {
	if len(frame) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes, header needs %d", ErrBadFormat, len(frame), headerSize)
	}

	var magic [8]byte
	copy(magic[:], frame[0:8])
	if magic != unitMagic {
		return nil, fmt.Errorf("%w: bad magic %x", ErrBadFormat, magic)
	}

	u := &Unit{
		Codec:            Codec(frame[8]),
		UncompressedSize: binary.LittleEndian.Uint64(frame[16:24]),
	}
	payloadSize := binary.LittleEndian.Uint64(frame[24:32])
	copy(u.Fingerprint[:], frame[32:64])

	// Bound the claimed size before anything allocates from it.
	if u.UncompressedSize > MaxUncompressedSize {
		return nil, fmt.Errorf("%w: header claims %d uncompressed bytes, format limit is %d",
			ErrBadFormat, u.UncompressedSize, MaxUncompressedSize)
	}

	if uint64(len(frame)-headerSize) != payloadSize {
		return nil, fmt.Errorf("%w: frame carries %d payload bytes, header records %d",
			ErrBadFormat, len(frame)-headerSize, payloadSize)
	}

	u.Payload = make([]byte, payloadSize)
	copy(u.Payload, frame[headerSize:])

	return u, nil
}
