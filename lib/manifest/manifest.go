// Copyright 2026 The Packgen Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"errors"
	"fmt"
	"sort"

	"github.com/scenekit/packgen/lib/codec"
	"github.com/scenekit/packgen/lib/digest"
)

// manifestVersion is the serialized manifest format version.
const manifestVersion = 1

// ErrCorruptManifest is returned when manifest bytes fail parsing or
// the body does not re-hash to the recorded digest.
var ErrCorruptManifest = errors.New("manifest corrupt")

// Manifest is the immutable, versioned catalog of one build
// generation: its descriptors sorted by identifier, the generation
// number, and the content digest over the canonical serialized body.
// A committed manifest is never edited; a new build produces a new
// generation.
type Manifest struct {
	generation  uint64
	descriptors []Descriptor // sorted by ID
	contentHash digest.Digest
}

// Generation returns the manifest's generation number.
func (m *Manifest) Generation() uint64 {
	return m.generation
}

// Digest returns the total-content digest over the manifest's
// canonical serialized body.
func (m *Manifest) Digest() digest.Digest {
	return m.contentHash
}

// Len returns the number of descriptors.
func (m *Manifest) Len() int {
	return len(m.descriptors)
}

// Descriptors returns the descriptors in identifier order. The
// returned slice is a copy; the manifest stays immutable.
func (m *Manifest) Descriptors() []Descriptor {
	copied := make([]Descriptor, len(m.descriptors))
	for i := range m.descriptors {
		copied[i] = m.descriptors[i].clone()
	}
	return copied
}

// Lookup returns the descriptor with the given identifier, or false
// if the manifest does not contain it.
func (m *Manifest) Lookup(id string) (Descriptor, bool) {
	i := sort.Search(len(m.descriptors), func(i int) bool {
		return m.descriptors[i].ID >= id
	})
	if i < len(m.descriptors) && m.descriptors[i].ID == id {
		return m.descriptors[i].clone(), true
	}
	return Descriptor{}, false
}

// BlobReferences returns every blob fingerprint referenced by the
// manifest, one entry per descriptor reference (a blob referenced by
// two descriptors appears twice). This is the reference-count unit
// the blob store tracks.
func (m *Manifest) BlobReferences() []digest.Digest {
	var refs []digest.Digest
	for i := range m.descriptors {
		refs = append(refs, m.descriptors[i].Blobs...)
	}
	return refs
}

// manifestBody is the canonical serialized form the content digest
// covers. Descriptors are sorted by identifier before serialization,
// so two builds over identical descriptor sets produce identical
// bytes.
type manifestBody struct {
	Generation  uint64       `cbor:"generation"`
	Descriptors []Descriptor `cbor:"descriptors"`
}

// manifestFile is the on-disk envelope: the canonical body bytes plus
// the digest over them, so a reader can verify integrity before
// decoding.
type manifestFile struct {
	Version int           `cbor:"version"`
	Body    []byte        `cbor:"body"`
	Digest  digest.Digest `cbor:"digest"`
}

// Marshal serializes the manifest to its versioned on-disk form.
func (m *Manifest) Marshal() ([]byte, error) {
	body, err := codec.Marshal(manifestBody{
		Generation:  m.generation,
		Descriptors: m.descriptors,
	})
	if err != nil {
		return nil, fmt.Errorf("serializing manifest body: %w", err)
	}

	return codec.Marshal(manifestFile{
		Version: manifestVersion,
		Body:    body,
		Digest:  m.contentHash,
	})
}

// Unmarshal parses and verifies a serialized manifest. The body is
// re-hashed against the recorded digest; a mismatch returns
// ErrCorruptManifest.
func Unmarshal(data []byte) (*Manifest, error) {
	var file manifestFile
	if err := codec.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: parsing: %v", ErrCorruptManifest, err)
	}
	if file.Version != manifestVersion {
		return nil, fmt.Errorf("%w: version %d, want %d", ErrCorruptManifest, file.Version, manifestVersion)
	}

	if computed := digest.HashManifest(file.Body); computed != file.Digest {
		return nil, fmt.Errorf("%w: body hashes to %s, header records %s",
			ErrCorruptManifest, digest.Format(computed), digest.Format(file.Digest))
	}

	var body manifestBody
	if err := codec.Unmarshal(file.Body, &body); err != nil {
		return nil, fmt.Errorf("%w: parsing body: %v", ErrCorruptManifest, err)
	}

	return &Manifest{
		generation:  body.Generation,
		descriptors: body.Descriptors,
		contentHash: file.Digest,
	}, nil
}
