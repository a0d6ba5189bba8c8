// Copyright 2026 The Packgen Authors
// SPDX-License-Identifier: Apache-2.0

// Packgen builds and maintains content-addressed asset packs. It
// reads a JSONC asset list naming payload files and descriptor
// fields, stores each payload exactly once as a compressed unit, and
// commits an immutable manifest generation atomically.
// Subcommands: build, verify, compact, inspect.
package main
