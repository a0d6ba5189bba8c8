// Copyright 2026 The Packgen Authors
// SPDX-License-Identifier: Apache-2.0

package blobstore

import "errors"

// ErrNotFound is returned when a fingerprint has no stored unit.
var ErrNotFound = errors.New("blob not found")

// ErrCorrupt is returned when a stored unit fails structural parsing
// or its decompressed payload does not re-hash to its fingerprint.
// Corruption is surfaced, never auto-repaired: the operator decides
// whether to restore the unit from another replica or drop it.
var ErrCorrupt = errors.New("blob corrupt")
