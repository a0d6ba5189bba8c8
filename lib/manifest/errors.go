// Copyright 2026 The Packgen Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"fmt"
	"strings"

	"github.com/scenekit/packgen/lib/digest"
)

// DuplicateAssetError reports a second descriptor with an identifier
// already staged in the current generation.
type DuplicateAssetError struct {
	ID string
}

func (e *DuplicateAssetError) Error() string {
	return fmt.Sprintf("duplicate asset %q in generation", e.ID)
}

// CyclicReferenceError reports a descriptor whose reference chain
// revisits an identifier already on the resolution path. Path lists
// the identifiers along the cycle, ending with the revisited one.
type CyclicReferenceError struct {
	Path []string
}

func (e *CyclicReferenceError) Error() string {
	return fmt.Sprintf("cyclic reference: %s", strings.Join(e.Path, " -> "))
}

// UnresolvedReferenceError reports a metadata reference to an
// identifier that resolves in neither the current generation nor the
// previous one.
type UnresolvedReferenceError struct {
	ID  string
	Ref string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("descriptor %q references unknown asset %q", e.ID, e.Ref)
}

// MissingBlobError reports a descriptor blob fingerprint with no
// stored unit.
type MissingBlobError struct {
	ID          string
	Fingerprint digest.Digest
}

func (e *MissingBlobError) Error() string {
	return fmt.Sprintf("descriptor %q references blob %s which is not stored",
		e.ID, digest.FormatRef(e.Fingerprint))
}

// ValidationError aggregates every descriptor-level rejection found
// during a build, so a caller sees all problems in one pass rather
// than stopping at the first.
type ValidationError struct {
	Problems []error
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "validation failed: " + e.Problems[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "validation failed with %d problems:", len(e.Problems))
	for _, problem := range e.Problems {
		b.WriteString("\n  ")
		b.WriteString(problem.Error())
	}
	return b.String()
}

// Unwrap exposes the individual problems to errors.Is and errors.As.
func (e *ValidationError) Unwrap() []error {
	return e.Problems
}
