// Copyright 2026 The Packgen Authors
// SPDX-License-Identifier: Apache-2.0

// Package pack assembles asset descriptors and payloads into durable,
// verifiable packs: a content-addressed blob store plus an immutable
// manifest per build generation.
//
// Build hashes and compresses payloads across a worker pool, dedups
// them through the store, assembles the manifest single-threaded so
// validation order is deterministic, and commits by atomically
// advancing the pack header. A failed or cancelled build discards its
// staged writes and leaves the previously committed generation
// untouched; superseded blob references are released only after the
// new generation is durable, and unreferenced units survive until an
// explicit Compact.
//
// The assembler emits structured build events through the Events sink
// for the presentation layer; it never formats text itself.
package pack
