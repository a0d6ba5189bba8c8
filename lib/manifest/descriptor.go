// Copyright 2026 The Packgen Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"fmt"
	"sort"

	"github.com/scenekit/packgen/lib/codec"
	"github.com/scenekit/packgen/lib/digest"
)

// Kind discriminates the closed set of metadata field value types.
// Host applications expose dynamically typed asset properties; the
// pack boundary narrows them to this set so the builder can validate
// every field.
type Kind uint8

const (
	// KindString is a UTF-8 string value.
	KindString Kind = 1

	// KindNumber is a float64 value.
	KindNumber Kind = 2

	// KindBool is a boolean value.
	KindBool Kind = 3

	// KindReference is a reference to another descriptor by
	// identifier. References form the dependency graph the builder
	// keeps acyclic.
	KindReference Kind = 4
)

// String returns the kind's name.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindReference:
		return "reference"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Value is a metadata field value: exactly one of the variant arms is
// meaningful, selected by Kind. Construct values with [String],
// [Number], [Bool], or [Reference] rather than building the struct
// directly.
type Value struct {
	Kind Kind    `cbor:"kind"`
	Str  string  `cbor:"str,omitempty"`
	Num  float64 `cbor:"num,omitempty"`
	Bool bool    `cbor:"bool,omitempty"`
	Ref  string  `cbor:"ref,omitempty"`
}

// String constructs a string value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Number constructs a numeric value.
func Number(f float64) Value { return Value{Kind: KindNumber, Num: f} }

// Bool constructs a boolean value.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Reference constructs a descriptor reference by identifier.
func Reference(id string) Value { return Value{Kind: KindReference, Ref: id} }

// Validate checks that the value has a known kind and, for
// references, a non-empty target identifier.
func (v Value) Validate() error {
	switch v.Kind {
	case KindString, KindNumber, KindBool:
		return nil
	case KindReference:
		if v.Ref == "" {
			return fmt.Errorf("reference value has empty target identifier")
		}
		return nil
	default:
		return fmt.Errorf("value has unknown kind %d", uint8(v.Kind))
	}
}

// Descriptor is a named, typed asset record: the unit the manifest
// tracks. It references the blobs holding the asset's payload bytes
// and carries structured metadata fields, some of which may reference
// other descriptors by identifier.
type Descriptor struct {
	// ID is the descriptor's stable identifier, unique within a
	// generation.
	ID string `cbor:"id"`

	// Type is the asset type tag (e.g. "mesh", "image/png",
	// "material"). The pack core does not interpret it beyond codec
	// selection hints.
	Type string `cbor:"type"`

	// Fields holds the descriptor's metadata.
	Fields map[string]Value `cbor:"fields,omitempty"`

	// Blobs lists the fingerprints of the payload blobs this
	// descriptor references, in payload order.
	Blobs []digest.Digest `cbor:"blobs,omitempty"`
}

// Validate checks the descriptor's own structure: non-empty
// identifier and type, and every field value well-formed. Graph-level
// checks (duplicates, unresolved references, cycles) belong to the
// [Builder].
func (d *Descriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("descriptor has empty identifier")
	}
	if d.Type == "" {
		return fmt.Errorf("descriptor %q has empty type", d.ID)
	}
	for name, value := range d.Fields {
		if err := value.Validate(); err != nil {
			return fmt.Errorf("descriptor %q field %q: %w", d.ID, name, err)
		}
	}
	return nil
}

// References returns the identifiers of descriptors referenced by
// this descriptor's metadata fields, sorted and deduplicated.
func (d *Descriptor) References() []string {
	seen := make(map[string]struct{})
	for _, value := range d.Fields {
		if value.Kind == KindReference && value.Ref != "" {
			seen[value.Ref] = struct{}{}
		}
	}

	refs := make([]string, 0, len(seen))
	for ref := range seen {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// Fingerprint computes the descriptor-domain digest over the
// descriptor's canonical serialization: its metadata plus its blob
// fingerprints. Incremental builds compare these fingerprints to
// detect change — never wall-clock timestamps.
func (d *Descriptor) Fingerprint() (digest.Digest, error) {
	data, err := codec.Marshal(d)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("serializing descriptor %q: %w", d.ID, err)
	}
	return digest.HashDescriptor(data), nil
}

// clone returns a deep copy, so frozen manifests never alias caller
// maps or slices.
func (d *Descriptor) clone() Descriptor {
	copied := Descriptor{
		ID:   d.ID,
		Type: d.Type,
	}
	if d.Fields != nil {
		copied.Fields = make(map[string]Value, len(d.Fields))
		for name, value := range d.Fields {
			copied.Fields[name] = value
		}
	}
	if d.Blobs != nil {
		copied.Blobs = make([]digest.Digest, len(d.Blobs))
		copy(copied.Blobs, d.Blobs)
	}
	return copied
}
