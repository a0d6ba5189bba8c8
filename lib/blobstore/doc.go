// Copyright 2026 The Packgen Authors
// SPDX-License-Identifier: Apache-2.0

// Package blobstore provides content-addressed storage of compressed
// blob units with reference counting.
//
// Identical content is stored exactly once regardless of how many
// asset descriptors reference it: Put hashes the uncompressed bytes
// and the dedup check-then-insert is one atomic step, safe under a
// concurrent worker pool. Reference counts belong to manifest commits
// (Retain on commit, Release on supersession) and unreferenced units
// are only removed by an explicit Compact — never implicitly during a
// build.
//
// All durable writes go through a tmp directory and an atomic rename,
// so a crash mid-write never leaves a partially written unit or index
// visible under its final name.
package blobstore
