// Copyright 2026 The Packgen Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the standard CBOR encoding configuration for
// pack records.
//
// Two serialization formats appear in a pack workspace with a clear
// boundary:
//
//   - JSONC for human-authored inputs: asset list files consumed by
//     the CLI.
//   - CBOR for everything durable: manifests, the blob store index,
//     and the pack header.
//
// This package provides the shared CBOR encoding and decoding modes
// so that every package encodes identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding
// (RFC 8949 §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces
// identical bytes — the foundation of reproducible manifests.
//
// For buffer-oriented operations (records, headers):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations:
//
//	encoder := codec.NewEncoder(w)
//	decoder := codec.NewDecoder(r)
package codec
