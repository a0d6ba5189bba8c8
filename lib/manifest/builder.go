// Copyright 2026 The Packgen Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"errors"
	"fmt"
	"sort"

	"github.com/scenekit/packgen/lib/codec"
	"github.com/scenekit/packgen/lib/digest"
)

// BlobChecker answers whether a blob fingerprint is stored (or
// staged). The blob store satisfies it.
type BlobChecker interface {
	Contains(digest.Digest) bool
}

// Builder assembles one manifest generation. Descriptors are added in
// input order and validated incrementally: duplicate identifiers,
// blob fingerprints with no stored unit, references that resolve
// nowhere, and reference cycles are all rejected at AddDescriptor
// time.
//
// The builder is not safe for concurrent use. Descriptor addition is
// intentionally single-threaded: input order determines which of two
// conflicting descriptors is reported as the duplicate, and that must
// be deterministic.
type Builder struct {
	generation uint64
	previous   *Manifest
	blobs      BlobChecker
	staged     map[string]*Descriptor
	finished   bool
}

// NewBuilder starts a generation. With a previous manifest the new
// generation number is previous+1 and references may resolve against
// the previous generation's descriptors; with nil the generation is 1
// and only staged descriptors resolve.
func NewBuilder(previous *Manifest, blobs BlobChecker) *Builder {
	generation := uint64(1)
	if previous != nil {
		generation = previous.Generation() + 1
	}
	return &Builder{
		generation: generation,
		previous:   previous,
		blobs:      blobs,
		staged:     make(map[string]*Descriptor),
	}
}

// Generation returns the generation number being built.
func (b *Builder) Generation() uint64 {
	return b.generation
}

// AddDescriptor validates a descriptor and stages it. All problems
// with this descriptor are reported together in the returned error
// (joined); the builder's staged set is unchanged when an error is
// returned.
func (b *Builder) AddDescriptor(d Descriptor) error {
	if b.finished {
		return fmt.Errorf("builder already finished")
	}

	if err := d.Validate(); err != nil {
		return err
	}

	var problems []error

	if _, exists := b.staged[d.ID]; exists {
		// A duplicate identifier makes reference resolution for this
		// descriptor meaningless; report it alone.
		return &DuplicateAssetError{ID: d.ID}
	}

	for _, fingerprint := range d.Blobs {
		if !b.blobs.Contains(fingerprint) {
			problems = append(problems, &MissingBlobError{ID: d.ID, Fingerprint: fingerprint})
		}
	}

	for _, ref := range d.References() {
		if b.resolve(ref) == nil && ref != d.ID {
			problems = append(problems, &UnresolvedReferenceError{ID: d.ID, Ref: ref})
		}
	}

	if err := b.detectCycle(&d); err != nil {
		problems = append(problems, err)
	}

	if len(problems) > 0 {
		return errors.Join(problems...)
	}

	copied := d.clone()
	b.staged[d.ID] = &copied
	return nil
}

// resolve returns the descriptor the identifier refers to: a staged
// descriptor of the current generation takes precedence, then a
// descriptor of the previous generation. Nil when neither resolves.
func (b *Builder) resolve(id string) *Descriptor {
	if d, exists := b.staged[id]; exists {
		return d
	}
	if b.previous != nil {
		if d, found := b.previous.Lookup(id); found {
			return &d
		}
	}
	return nil
}

// detectCycle walks the reference chain starting at d, resolving each
// edge the way Finish will (staged first, then previous generation).
// Revisiting an identifier already on the path is a cycle. This
// catches both a direct self-reference and the incremental case where
// a reference resolved against the previous generation at add time
// but its target is re-added in the current generation completing a
// loop.
func (b *Builder) detectCycle(d *Descriptor) error {
	var path []string
	onPath := make(map[string]struct{})

	// The descriptor being added is not staged yet, but references to
	// its identifier will resolve to it once it is. The walk must see
	// it, or a chain closing back through the previous generation
	// would escape detection.
	resolve := func(id string) *Descriptor {
		if id == d.ID {
			return d
		}
		return b.resolve(id)
	}

	var visit func(current *Descriptor) error
	visit = func(current *Descriptor) error {
		if _, revisit := onPath[current.ID]; revisit {
			return &CyclicReferenceError{Path: append(append([]string{}, path...), current.ID)}
		}
		onPath[current.ID] = struct{}{}
		path = append(path, current.ID)
		defer func() {
			delete(onPath, current.ID)
			path = path[:len(path)-1]
		}()

		for _, ref := range current.References() {
			next := resolve(ref)
			if next == nil {
				// Unresolved references are reported separately.
				continue
			}
			if err := visit(next); err != nil {
				return err
			}
		}
		return nil
	}

	return visit(d)
}

// Removed returns the previous generation's descriptors absent from
// the staged set: the descriptors this generation implicitly removes.
// The pack assembler releases their blob references after the new
// manifest commits, never before.
func (b *Builder) Removed() []Descriptor {
	if b.previous == nil {
		return nil
	}
	var removed []Descriptor
	for _, d := range b.previous.Descriptors() {
		if _, kept := b.staged[d.ID]; !kept {
			removed = append(removed, d)
		}
	}
	return removed
}

// Finish freezes the staged descriptors into an immutable Manifest:
// descriptors sorted by identifier, serialized canonically, and
// digested. The builder cannot be reused afterwards.
func (b *Builder) Finish() (*Manifest, error) {
	if b.finished {
		return nil, fmt.Errorf("builder already finished")
	}
	b.finished = true

	ids := make([]string, 0, len(b.staged))
	for id := range b.staged {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	descriptors := make([]Descriptor, 0, len(ids))
	for _, id := range ids {
		descriptors = append(descriptors, *b.staged[id])
	}

	body, err := codec.Marshal(manifestBody{
		Generation:  b.generation,
		Descriptors: descriptors,
	})
	if err != nil {
		return nil, fmt.Errorf("serializing manifest body: %w", err)
	}

	return &Manifest{
		generation:  b.generation,
		descriptors: descriptors,
		contentHash: digest.HashManifest(body),
	}, nil
}
