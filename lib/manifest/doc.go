// Copyright 2026 The Packgen Authors
// SPDX-License-Identifier: Apache-2.0

// Package manifest defines asset descriptors and the generation
// builder that aggregates them into immutable, versioned manifests.
//
// A descriptor is a named, typed record referencing payload blobs by
// fingerprint plus a mapping of metadata fields drawn from a closed
// variant set (string, number, bool, descriptor reference).
// References form a dependency graph the builder keeps acyclic; a
// reference may resolve within the generation being built or the
// previous committed one.
//
// Finish freezes the descriptor set sorted by identifier and digests
// its canonical CBOR serialization, so two builds over identical
// descriptor sets yield byte-identical manifests — the property
// reproducible packs rest on.
package manifest
