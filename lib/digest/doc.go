// Copyright 2026 The Packgen Authors
// SPDX-License-Identifier: Apache-2.0

// Package digest provides content fingerprinting for pack storage.
//
// All fingerprints are 32-byte BLAKE3 keyed hashes with domain
// separation between blobs, descriptors, and manifests. Fingerprints
// are computed over raw byte sequences only, never over in-memory
// representations, so they are stable across platforms and byte
// orders.
package digest
