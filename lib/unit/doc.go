// Copyright 2026 The Packgen Authors
// SPDX-License-Identifier: Apache-2.0

// Package unit implements the compressed, integrity-checked on-disk
// representation of a blob.
//
// A unit frames a compressed payload with its codec, original length,
// and the blob-domain fingerprint of the uncompressed bytes, so any
// unit can be verified in isolation. Decode re-hashes the
// decompressed output and refuses to return content that does not
// match the recorded fingerprint — this is the single authoritative
// corruption check in the pack format.
//
// Codec selection is content-aware: SelectCodec short-circuits on
// known asset type tags (mesh data to LZ4, JSON-like text to zstd,
// already-compressed images to none) and otherwise probes a prefix
// with zstd to pick by achieved ratio.
package unit
