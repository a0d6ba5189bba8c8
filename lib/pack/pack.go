// Copyright 2026 The Packgen Authors
// SPDX-License-Identifier: Apache-2.0

package pack

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/scenekit/packgen/lib/blobstore"
	"github.com/scenekit/packgen/lib/codec"
	"github.com/scenekit/packgen/lib/digest"
	"github.com/scenekit/packgen/lib/manifest"
)

// formatVersion is the pack directory format version recorded in the
// header.
const formatVersion = 1

// Names within a pack directory.
const (
	blobsDir     = "blobs"
	manifestsDir = "manifests"
	stagingDir   = "staging"
	headerFile   = "current"
)

// Header is the small record naming the pack's current generation.
// Advancing it (an atomic rename) IS the commit: everything else a
// build writes is invisible until the header points at it.
type Header struct {
	Version        int           `cbor:"version"`
	Generation     uint64        `cbor:"generation"`
	ManifestDigest digest.Digest `cbor:"manifest_digest"`
}

// Pack is a blob store plus its current committed manifest on a
// directory. A freshly created pack has no committed generation until
// the first successful Build.
//
// A Pack handle serializes commits: only one build may advance the
// current generation at a time. The serialization covers the short
// commit critical section, not whole builds.
type Pack struct {
	dir   string
	store *blobstore.Store

	commitMu sync.Mutex
	header   Header
	current  *manifest.Manifest // nil before the first commit
}

// Open creates or opens a pack directory. An existing header and its
// manifest are loaded and verified.
func Open(dir string) (*Pack, error) {
	for _, sub := range []string{dir, filepath.Join(dir, manifestsDir), filepath.Join(dir, stagingDir)} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return nil, fmt.Errorf("creating pack directory %s: %w", sub, err)
		}
	}

	store, err := blobstore.Open(filepath.Join(dir, blobsDir))
	if err != nil {
		return nil, err
	}

	p := &Pack{dir: dir, store: store}

	headerData, err := os.ReadFile(filepath.Join(dir, headerFile))
	if os.IsNotExist(err) {
		// Fresh pack: no committed generation yet. Any counts in the
		// index belong to a commit whose header never landed; zero
		// them so the orphaned units are compactable.
		p.header = Header{Version: formatVersion}
		store.ResetReferences(nil)
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading pack header: %w", err)
	}

	if err := codec.Unmarshal(headerData, &p.header); err != nil {
		return nil, fmt.Errorf("parsing pack header: %w", err)
	}
	if p.header.Version != formatVersion {
		return nil, fmt.Errorf("pack format version %d, want %d", p.header.Version, formatVersion)
	}

	current, err := p.loadManifest(p.header.Generation)
	if err != nil {
		return nil, err
	}
	if current.Digest() != p.header.ManifestDigest {
		return nil, fmt.Errorf("%w: header records manifest digest %s, file has %s",
			manifest.ErrCorruptManifest,
			digest.Format(p.header.ManifestDigest), digest.Format(current.Digest()))
	}
	p.current = current

	// Reference counts are derived from the committed manifest, not
	// trusted from the index file: a crash between the index flush
	// and the header advance leaves the two out of step, and the
	// header is the one that decides what committed.
	store.ResetReferences(current.BlobReferences())

	return p, nil
}

// Dir returns the pack's root directory.
func (p *Pack) Dir() string {
	return p.dir
}

// Store returns the pack's blob store.
func (p *Pack) Store() *blobstore.Store {
	return p.store
}

// Manifest returns the current committed manifest, or nil before the
// first commit.
func (p *Pack) Manifest() *manifest.Manifest {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()
	return p.current
}

// Generation returns the current committed generation, zero before
// the first commit.
func (p *Pack) Generation() uint64 {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()
	return p.header.Generation
}

// Compact removes blob units unreferenced by any committed manifest.
// Explicit by design: it never runs during a build.
func (p *Pack) Compact() ([]digest.Digest, error) {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()
	return p.store.Compact()
}

// VerifyReport is the result of a pack integrity walk.
type VerifyReport struct {
	// BlobsChecked is the number of unique blob units decoded and
	// re-hashed.
	BlobsChecked int

	// Problems lists every corrupt or missing unit found. Empty means
	// the pack verified clean.
	Problems []error
}

// Verify decodes and re-hashes every blob unit the current manifest
// references. All problems are collected, not just the first — an
// operator repairing a pack needs the full damage report.
func (p *Pack) Verify() (*VerifyReport, error) {
	current := p.Manifest()
	if current == nil {
		return &VerifyReport{}, nil
	}

	report := &VerifyReport{}
	seen := make(map[digest.Digest]struct{})
	for _, d := range current.BlobReferences() {
		if _, done := seen[d]; done {
			continue
		}
		seen[d] = struct{}{}
		report.BlobsChecked++
		if _, err := p.store.Get(d); err != nil {
			report.Problems = append(report.Problems, err)
		}
	}
	return report, nil
}

// loadManifest reads and verifies one generation's manifest file.
func (p *Pack) loadManifest(generation uint64) (*manifest.Manifest, error) {
	path := p.manifestPath(generation)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest generation %d: %w", generation, err)
	}
	m, err := manifest.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if m.Generation() != generation {
		return nil, fmt.Errorf("%w: file %s holds generation %d",
			manifest.ErrCorruptManifest, path, m.Generation())
	}
	return m, nil
}

// manifestPath returns the file path for one generation's manifest.
func (p *Pack) manifestPath(generation uint64) string {
	return filepath.Join(p.dir, manifestsDir, fmt.Sprintf("manifest-%d.cbor", generation))
}

// writeStaged writes data to the staging directory and renames it to
// finalPath. The rename is atomic on POSIX filesystems; a crash
// leaves either the old file or the new one, never a torn write.
func (p *Pack) writeStaged(pattern string, data []byte, finalPath string) error {
	tmpFile, err := os.CreateTemp(filepath.Join(p.dir, stagingDir), pattern)
	if err != nil {
		return fmt.Errorf("creating staging file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing staging file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing staging file: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("renaming %s into place: %w", filepath.Base(finalPath), err)
	}

	success = true
	return nil
}

// discardStaging removes any leftovers in the staging directory.
// Called on build failure and cancellation.
func (p *Pack) discardStaging() {
	entries, err := os.ReadDir(filepath.Join(p.dir, stagingDir))
	if err != nil {
		return
	}
	for _, entry := range entries {
		os.Remove(filepath.Join(p.dir, stagingDir, entry.Name()))
	}
}

// ErrIncompleteInput is returned by Build when a descriptor references
// blob content that was never supplied in the input stream and cannot
// be carried forward from the previous generation.
var ErrIncompleteInput = errors.New("incomplete input")
