// Copyright 2026 The Packgen Authors
// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/scenekit/packgen/lib/codec"
	"github.com/scenekit/packgen/lib/digest"
	"github.com/scenekit/packgen/lib/unit"
)

// indexVersion is the on-disk index format version.
const indexVersion = 1

// indexFileName is the store's reference-count index, holding one
// entry per stored unit. Rewritten atomically on Flush and Compact.
const indexFileName = "index.cbor"

// indexEntry records per-unit bookkeeping. RefCount counts manifest
// references: it is incremented once per descriptor blob reference at
// commit time and decremented when a committed manifest is
// superseded.
type indexEntry struct {
	RefCount         uint64     `cbor:"refs"`
	Codec            unit.Codec `cbor:"codec"`
	CompressedSize   uint64     `cbor:"csize"`
	UncompressedSize uint64     `cbor:"usize"`
}

// indexFile is the serialized form of the index. Map keys are the
// canonical hex fingerprints, so the deterministic CBOR encoder
// produces identical index bytes for identical store states.
type indexFile struct {
	Version int                   `cbor:"version"`
	Entries map[string]indexEntry `cbor:"entries"`
}

// loadIndex reads the index file, returning an empty map when the
// file does not exist (fresh store).
func loadIndex(root string) (map[digest.Digest]indexEntry, error) {
	data, err := os.ReadFile(filepath.Join(root, indexFileName))
	if os.IsNotExist(err) {
		return make(map[digest.Digest]indexEntry), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading store index: %w", err)
	}

	var file indexFile
	if err := codec.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: parsing store index: %v", ErrCorrupt, err)
	}
	if file.Version != indexVersion {
		return nil, fmt.Errorf("%w: store index version %d, want %d", ErrCorrupt, file.Version, indexVersion)
	}

	entries := make(map[digest.Digest]indexEntry, len(file.Entries))
	for key, entry := range file.Entries {
		d, err := digest.Parse(key)
		if err != nil {
			return nil, fmt.Errorf("%w: store index key %q: %v", ErrCorrupt, key, err)
		}
		entries[d] = entry
	}
	return entries, nil
}

// saveIndex writes the index atomically via tmp-file + rename.
func saveIndex(root string, entries map[digest.Digest]indexEntry) error {
	file := indexFile{
		Version: indexVersion,
		Entries: make(map[string]indexEntry, len(entries)),
	}
	for d, entry := range entries {
		file.Entries[digest.Format(d)] = entry
	}

	data, err := codec.Marshal(file)
	if err != nil {
		return fmt.Errorf("marshaling store index: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Join(root, tmpDir), "index-*.cbor")
	if err != nil {
		return fmt.Errorf("creating temp index file: %w", err)
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
		return fmt.Errorf("writing store index: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing store index: %w", err)
	}

	if err := os.Rename(tmpPath, filepath.Join(root, indexFileName)); err != nil {
		return fmt.Errorf("renaming store index: %w", err)
	}

	success = true
	return nil
}
