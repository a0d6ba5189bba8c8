// Copyright 2026 The Packgen Authors
// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/scenekit/packgen/lib/digest"
	"github.com/scenekit/packgen/lib/unit"
)

// Directory names within the store root.
const (
	unitDir = "units"
	tmpDir  = "tmp"
)

// Store is a content-addressed blob store on a directory. Each unique
// blob is stored exactly once as a compressed unit file, addressed by
// the blob-domain fingerprint of its uncompressed bytes. Reference
// counts track how many committed manifest entries point at each
// unit; units with a zero count survive until an explicit [Compact].
//
// Put is safe under concurrent invocation: the dedup check and insert
// are a single atomic step, so two callers racing to store identical
// content never both write. Index mutations (Retain, Release, Flush,
// Compact) are serialized by the same lock.
type Store struct {
	root string

	mu      sync.Mutex
	entries map[digest.Digest]indexEntry
}

// Open creates or opens a Store rooted at the given directory. The
// directory structure is created if it does not exist; an existing
// reference-count index is loaded.
func Open(root string) (*Store, error) {
	for _, dir := range []string{
		root,
		filepath.Join(root, unitDir),
		filepath.Join(root, tmpDir),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory %s: %w", dir, err)
		}
	}

	entries, err := loadIndex(root)
	if err != nil {
		return nil, err
	}

	return &Store{root: root, entries: entries}, nil
}

// PutResult is returned by [Store.Put] with metadata about the stored
// blob.
type PutResult struct {
	// Fingerprint is the blob's content address.
	Fingerprint digest.Digest

	// New reports whether this call wrote a new unit. False means the
	// content was already stored and nothing was written (dedup hit).
	New bool

	// Codec is the compression algorithm the unit is stored with.
	Codec unit.Codec

	// CompressedSize is the stored payload size in bytes.
	CompressedSize uint64

	// UncompressedSize is the original blob size in bytes.
	UncompressedSize uint64
}

// Put stores a blob. The typeTag guides compression selection (pass
// an empty string to probe); a non-nil codecOverride forces a
// specific codec. If content with the same fingerprint is already
// stored, nothing is written and the result reports New=false.
//
// A newly written unit starts with reference count zero. Counts are
// owned by manifest commits: the pack assembler calls [Store.Retain]
// once per descriptor blob reference when a manifest commits.
func (s *Store) Put(data []byte, typeTag string, codecOverride *unit.Codec) (*PutResult, error) {
	d := digest.HashBlob(data)

	// Fast path: already stored.
	s.mu.Lock()
	if entry, exists := s.entries[d]; exists {
		s.mu.Unlock()
		return &PutResult{
			Fingerprint:      d,
			New:              false,
			Codec:            entry.Codec,
			CompressedSize:   entry.CompressedSize,
			UncompressedSize: entry.UncompressedSize,
		}, nil
	}
	s.mu.Unlock()

	selected := unit.SelectCodec(data, typeTag)
	if codecOverride != nil {
		selected = *codecOverride
	}

	u, err := unit.Encode(data, selected)
	if err != nil {
		return nil, fmt.Errorf("encoding blob %s: %w", digest.FormatRef(d), err)
	}

	// Write the unit to the tmp directory, then take the lock to
	// decide the race: whoever inserts the index entry first owns the
	// rename, the loser discards its temp file. Content-addressing
	// makes both files byte-identical, so either outcome is correct.
	tmpPath, err := s.writeTemp(u)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, exists := s.entries[d]; exists {
		os.Remove(tmpPath)
		return &PutResult{
			Fingerprint:      d,
			New:              false,
			Codec:            entry.Codec,
			CompressedSize:   entry.CompressedSize,
			UncompressedSize: entry.UncompressedSize,
		}, nil
	}

	finalPath := s.UnitPath(d)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("creating unit shard directory: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("renaming unit %s: %w", digest.FormatRef(d), err)
	}

	s.entries[d] = indexEntry{
		RefCount:         0,
		Codec:            u.Codec,
		CompressedSize:   uint64(len(u.Payload)),
		UncompressedSize: u.UncompressedSize,
	}

	return &PutResult{
		Fingerprint:      d,
		New:              true,
		Codec:            u.Codec,
		CompressedSize:   uint64(len(u.Payload)),
		UncompressedSize: u.UncompressedSize,
	}, nil
}

// Get reads a blob, decompresses it, and verifies its integrity.
// Returns ErrNotFound if the fingerprint has no stored unit and
// ErrCorrupt if the unit fails parsing or the integrity check.
func (s *Store) Get(d digest.Digest) ([]byte, error) {
	frame, err := os.ReadFile(s.UnitPath(d))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, digest.FormatRef(d))
	}
	if err != nil {
		return nil, fmt.Errorf("reading unit %s: %w", digest.FormatRef(d), err)
	}

	u, err := unit.Unmarshal(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: unit %s: %v", ErrCorrupt, digest.FormatRef(d), err)
	}

	// The unit must claim the fingerprint it is filed under. A
	// mismatch means the file was swapped or the header tampered.
	if u.Fingerprint != d {
		return nil, fmt.Errorf("%w: unit %s records fingerprint %s",
			ErrCorrupt, digest.FormatRef(d), digest.Format(u.Fingerprint))
	}

	data, err := unit.Decode(u)
	if err != nil {
		return nil, fmt.Errorf("%w: unit %s: %v", ErrCorrupt, digest.FormatRef(d), err)
	}

	return data, nil
}

// Contains reports whether a blob with the given fingerprint is
// stored.
func (s *Store) Contains(d digest.Digest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.entries[d]
	return exists
}

// Retain increments the blob's reference count. Called once per
// descriptor blob reference when a manifest commits.
func (s *Store) Retain(d digest.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[d]
	if !exists {
		return fmt.Errorf("%w: retain %s", ErrNotFound, digest.FormatRef(d))
	}
	entry.RefCount++
	s.entries[d] = entry
	return nil
}

// Release decrements the blob's reference count. Called once per
// descriptor blob reference when a committed manifest is superseded.
// The count never goes below zero: releasing an unreferenced blob is
// a no-op, not an error, because supersession of a manifest whose
// blobs were already compacted away must not fail.
func (s *Store) Release(d digest.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[d]
	if !exists {
		return fmt.Errorf("%w: release %s", ErrNotFound, digest.FormatRef(d))
	}
	if entry.RefCount > 0 {
		entry.RefCount--
		s.entries[d] = entry
	}
	return nil
}

// RefCount returns a blob's current reference count. The second
// return value is false when the blob is not stored.
func (s *Store) RefCount(d digest.Digest) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, exists := s.entries[d]
	return entry.RefCount, exists
}

// Compact removes every unit whose reference count is zero and
// persists the updated index. Returns the removed fingerprints,
// sorted, for audit logging by the caller. Compaction never runs
// implicitly during a build: an in-flight build must not lose blobs
// it is about to reference.
func (s *Store) Compact() ([]digest.Digest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []digest.Digest
	for d, entry := range s.entries {
		if entry.RefCount != 0 {
			continue
		}
		if err := os.Remove(s.UnitPath(d)); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("removing unit %s: %w", digest.FormatRef(d), err)
		}
		delete(s.entries, d)
		removed = append(removed, d)
	}

	sort.Slice(removed, func(i, j int) bool {
		return digest.Format(removed[i]) < digest.Format(removed[j])
	})

	if err := saveIndex(s.root, s.entries); err != nil {
		return removed, err
	}
	return removed, nil
}

// ResetReferences recomputes every entry's reference count from the
// given authoritative reference list (one element per manifest
// reference; duplicates count). Entries absent from the list drop to
// zero. The pack layer calls this on open with the committed
// manifest's references, so counts are derived state: a crash between
// an index flush and the header advance cannot leave them wrong for
// longer than the next open.
func (s *Store) ResetReferences(refs []digest.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[digest.Digest]uint64, len(refs))
	for _, d := range refs {
		counts[d]++
	}
	for d, entry := range s.entries {
		entry.RefCount = counts[d]
		s.entries[d] = entry
	}
}

// Flush persists the reference-count index atomically. The pack
// assembler calls this during commit, before the header advance;
// until then, count changes live only in memory and a crash leaves
// the previous on-disk index (and therefore the previous pack)
// intact.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveIndex(s.root, s.entries)
}

// Forget removes an unreferenced unit written during a failed build.
// It is a no-op if the blob is missing or still referenced. The pack
// assembler uses this to discard staged units when a build fails, so
// a failed build leaves no trace beyond the previous committed state.
func (s *Store) Forget(d digest.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[d]
	if !exists || entry.RefCount != 0 {
		return nil
	}
	if err := os.Remove(s.UnitPath(d)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing staged unit %s: %w", digest.FormatRef(d), err)
	}
	delete(s.entries, d)
	return nil
}

// Stats summarizes store contents for build events and CLI output.
type Stats struct {
	// Units is the number of stored compressed units.
	Units int

	// CompressedBytes is the total stored payload size.
	CompressedBytes uint64

	// UncompressedBytes is the total original blob size.
	UncompressedBytes uint64
}

// Stats returns a snapshot of store totals.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats Stats
	for _, entry := range s.entries {
		stats.Units++
		stats.CompressedBytes += entry.CompressedSize
		stats.UncompressedBytes += entry.UncompressedSize
	}
	return stats
}

// UnitPath returns the sharded filesystem path for a unit. Units are
// sharded by the first two bytes of the fingerprint hex:
// units/a3/f9/a3f9b2c1....
func (s *Store) UnitPath(d digest.Digest) string {
	hex := digest.Format(d)
	return filepath.Join(s.root, unitDir, hex[:2], hex[2:4], hex)
}

// writeTemp serializes a unit into the tmp directory and returns the
// temp file path. The caller renames it into place or removes it.
func (s *Store) writeTemp(u *unit.Unit) (string, error) {
	tmpFile, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "unit-*.bin")
	if err != nil {
		return "", fmt.Errorf("creating temp unit file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(unit.Marshal(u)); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("writing temp unit: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("closing temp unit: %w", err)
	}
	return tmpPath, nil
}
