// Copyright 2026 The Packgen Authors
// SPDX-License-Identifier: Apache-2.0

package digest

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 fingerprint. Every content address in a
// pack (blob, descriptor, manifest) is this size.
type Digest [32]byte

// domainKey is a 32-byte key for BLAKE3 keyed hashing. Domain
// separation ensures that the same input bytes produce different
// fingerprints in different contexts, preventing cross-domain
// collisions.
type domainKey [32]byte

// Domain separation keys. These are format constants — changing them
// invalidates every fingerprint in that domain. The byte values are
// the ASCII encoding of the domain name, zero-padded to 32 bytes, so
// the keys stay readable in hex dumps without losing any
// cryptographic property (BLAKE3 keyed mode treats the key as an
// opaque 32-byte value).
var (
	blobDomainKey = domainKey{
		'p', 'a', 'c', 'k', 'g', 'e', 'n', '.',
		'b', 'l', 'o', 'b', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	descriptorDomainKey = domainKey{
		'p', 'a', 'c', 'k', 'g', 'e', 'n', '.',
		'd', 'e', 's', 'c', 'r', 'i', 'p', 't', 'o', 'r', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	manifestDomainKey = domainKey{
		'p', 'a', 'c', 'k', 'g', 'e', 'n', '.',
		'm', 'a', 'n', 'i', 'f', 'e', 's', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// HashBlob computes the blob-domain fingerprint of raw, uncompressed
// payload bytes. This is the content address used for deduplication:
// it is always computed over the uncompressed bytes so identical
// content hashes identically regardless of the codec that later
// compresses it.
func HashBlob(data []byte) Digest {
	return keyedHash(blobDomainKey, data)
}

// HashDescriptor computes the descriptor-domain fingerprint of a
// descriptor's canonical serialized form. Used for incremental-build
// change detection.
func HashDescriptor(data []byte) Digest {
	return keyedHash(descriptorDomainKey, data)
}

// HashManifest computes the manifest-domain fingerprint of a
// manifest's canonical serialized body. This is the total-content
// digest recorded in the pack header.
func HashManifest(data []byte) Digest {
	return keyedHash(manifestDomainKey, data)
}

// Format returns the hex-encoded string representation of a digest.
// This is the canonical format used in manifests, logs, and CLI
// output.
func Format(d Digest) string {
	return hex.EncodeToString(d[:])
}

// Parse parses a 64-character hex string into a Digest.
func Parse(hexString string) (Digest, error) {
	var d Digest
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return d, fmt.Errorf("parsing digest: %w", err)
	}
	if len(decoded) != 32 {
		return d, fmt.Errorf("digest is %d bytes, want 32", len(decoded))
	}
	copy(d[:], decoded)
	return d, nil
}

// MarshalText implements encoding.TextMarshaler. Digests serialize
// as their canonical hex form in CBOR and JSON.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(Format(d)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// FormatRef returns the short human-readable reference for a blob
// digest: the "pak-" prefix followed by the first 12 hex characters.
// Short refs are for logs and CLI output only; storage and manifests
// always carry the full digest.
func FormatRef(d Digest) string {
	return "pak-" + hex.EncodeToString(d[:6])
}

// keyedHash computes a BLAKE3 keyed hash with the given domain key.
func keyedHash(key domainKey, data []byte) Digest {
	// NewKeyed requires exactly 32 bytes, which domainKey guarantees.
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("digest: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var d Digest
	copy(d[:], hasher.Sum(nil))
	return d
}
