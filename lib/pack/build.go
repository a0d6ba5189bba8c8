// Copyright 2026 The Packgen Authors
// SPDX-License-Identifier: Apache-2.0

package pack

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/scenekit/packgen/lib/blobstore"
	"github.com/scenekit/packgen/lib/clock"
	"github.com/scenekit/packgen/lib/codec"
	"github.com/scenekit/packgen/lib/digest"
	"github.com/scenekit/packgen/lib/manifest"
	"github.com/scenekit/packgen/lib/unit"
)

// Mode selects how Build treats the previously committed generation.
type Mode int

const (
	// Full streams every asset through the store and manifest builder
	// from scratch. The previous generation is ignored for content
	// but still serves blob dedup and generation numbering.
	Full Mode = iota

	// Incremental requires a previously committed generation. Assets
	// supplied without payloads are carried forward from it by
	// reference, without re-hashing or recompression.
	Incremental
)

// String returns the mode's name.
func (m Mode) String() string {
	switch m {
	case Full:
		return "full"
	case Incremental:
		return "incremental"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// Asset is one input to a build: a descriptor-to-be plus the raw
// payload bytes it references. A nil Payloads slice means "carry this
// asset forward from the previous generation unchanged" and is only
// valid in Incremental mode. An asset with zero payloads but a
// non-nil slice is a metadata-only descriptor.
type Asset struct {
	ID       string
	Type     string
	Fields   map[string]manifest.Value
	Payloads [][]byte
}

// Config carries per-build settings. Shared build state is passed
// explicitly here, never held as process-wide globals, so builds stay
// reproducible and testable in isolation.
type Config struct {
	// Codec forces a compression codec for every blob. Nil selects
	// per-blob by asset type and content probe.
	Codec *unit.Codec

	// Workers bounds the hashing/compression worker pool. Zero means
	// one worker per available core.
	Workers int

	// RetryAttempts bounds retries of transient storage I/O. Zero
	// means 3 attempts total.
	RetryAttempts int

	// RetryBackoff is the first retry's wait; later retries double
	// it. Zero means 100ms.
	RetryBackoff time.Duration

	// Clock drives retry backoff. Nil means the real clock.
	Clock clock.Clock

	// Events receives structured build notifications. Nil discards
	// them.
	Events Events
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Events == nil {
		c.Events = NopEvents{}
	}
	return c
}

// assetResult is what the worker pool produces for one asset.
type assetResult struct {
	blobs    []digest.Digest        // fingerprints in payload order
	puts     []*blobstore.PutResult // one per payload
	newUnits []digest.Digest        // units this build wrote
	err      error
}

// Build produces and commits a new pack generation from the given
// assets. Blob hashing and compression run across a bounded worker
// pool; manifest assembly is single-threaded in input order so
// duplicate detection is deterministic.
//
// On any failure — validation, integrity, I/O, cancellation — the
// staged units and files are discarded and the previously committed
// generation remains current and untouched. Validation problems are
// aggregated: the returned error reports every rejected descriptor,
// not just the first.
func (p *Pack) Build(ctx context.Context, cfg Config, assets []Asset, mode Mode) (*manifest.Manifest, error) {
	cfg = cfg.withDefaults()
	previous := p.Manifest()

	if mode == Incremental && previous == nil {
		return nil, fmt.Errorf("incremental build requires a committed previous generation")
	}

	results := p.storePayloads(ctx, cfg, assets)

	// A failed build must leave no trace beyond the previous
	// committed state: drop every unit this build wrote and anything
	// in staging. Retains applied during a failed commit are undone
	// by the caller before rollback runs.
	rollback := func() {
		for i := range results {
			for _, d := range results[i].newUnits {
				p.store.Forget(d)
			}
		}
		p.discardStaging()
	}

	var storeErrors []error
	for i := range results {
		if results[i].err != nil {
			storeErrors = append(storeErrors, results[i].err)
		}
	}
	if len(storeErrors) > 0 {
		rollback()
		err := errors.Join(storeErrors...)
		cfg.Events.BuildFailed(err)
		return nil, err
	}

	newManifest, stats, err := p.assemble(cfg, assets, results, previous, mode)
	if err != nil {
		rollback()
		cfg.Events.BuildFailed(err)
		return nil, err
	}

	for i := range results {
		stats.BlobsStored += len(results[i].newUnits)
		stats.BlobsDeduplicated += len(results[i].puts) - len(results[i].newUnits)
		for _, put := range results[i].puts {
			if put.New {
				stats.CompressedBytes += put.CompressedSize
				stats.UncompressedBytes += put.UncompressedSize
			}
		}
	}

	if err := p.commit(ctx, cfg, newManifest, previous); err != nil {
		rollback()
		cfg.Events.BuildFailed(err)
		return nil, err
	}

	cfg.Events.BuildCommitted(newManifest.Generation(), digest.Format(newManifest.Digest()), stats)
	return newManifest, nil
}

// storePayloads hashes, compresses, and stores every supplied payload
// across the worker pool. Independent assets are embarrassingly
// parallel; the store's Put makes racing workers on identical content
// safe.
func (p *Pack) storePayloads(ctx context.Context, cfg Config, assets []Asset) []assetResult {
	results := make([]assetResult, len(assets))

	semaphore := make(chan struct{}, cfg.Workers)
	var wg sync.WaitGroup

	for i := range assets {
		if assets[i].Payloads == nil {
			continue
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			asset := &assets[i]
			if err := ctx.Err(); err != nil {
				results[i].err = err
				return
			}

			for payloadIndex, payload := range asset.Payloads {
				var put *blobstore.PutResult
				err := retryIO(ctx, cfg.Clock, cfg.RetryAttempts, cfg.RetryBackoff, func() error {
					var putErr error
					put, putErr = p.store.Put(payload, asset.Type, cfg.Codec)
					return putErr
				})
				if err != nil {
					results[i].err = fmt.Errorf("storing payload %d of asset %q: %w", payloadIndex, asset.ID, err)
					return
				}

				results[i].blobs = append(results[i].blobs, put.Fingerprint)
				results[i].puts = append(results[i].puts, put)
				if put.New {
					results[i].newUnits = append(results[i].newUnits, put.Fingerprint)
					cfg.Events.BlobStored(digest.FormatRef(put.Fingerprint), put.Codec.String(),
						put.CompressedSize, put.UncompressedSize)
				} else {
					cfg.Events.BlobDeduplicated(digest.FormatRef(put.Fingerprint))
				}
			}
		}(i)
	}

	wg.Wait()
	return results
}

// assemble runs the single-threaded manifest phase: carry-forward
// resolution, descriptor validation, and the generation freeze.
func (p *Pack) assemble(cfg Config, assets []Asset, results []assetResult, previous *manifest.Manifest, mode Mode) (*manifest.Manifest, BuildStats, error) {
	builder := manifest.NewBuilder(previous, p.store)

	var stats BuildStats
	var problems []error

	for i := range assets {
		asset := &assets[i]

		var d manifest.Descriptor
		carried := false

		if asset.Payloads == nil {
			if mode != Incremental {
				problems = append(problems, fmt.Errorf(
					"%w: asset %q supplied no payloads in full mode", ErrIncompleteInput, asset.ID))
				continue
			}
			previousDescriptor, found := previous.Lookup(asset.ID)
			if !found {
				problems = append(problems, fmt.Errorf(
					"%w: asset %q has no payloads and no previous descriptor to carry forward",
					ErrIncompleteInput, asset.ID))
				continue
			}
			d = previousDescriptor
			carried = true
		} else {
			d = manifest.Descriptor{
				ID:     asset.ID,
				Type:   asset.Type,
				Fields: asset.Fields,
				Blobs:  results[i].blobs,
			}

			// Descriptor-level change detection: identical
			// fingerprint to the previous generation means the asset
			// is carried by reference even though its payloads were
			// re-supplied (the store deduplicated them).
			if mode == Incremental {
				if previousDescriptor, found := previous.Lookup(asset.ID); found {
					newFingerprint, newErr := d.Fingerprint()
					oldFingerprint, oldErr := previousDescriptor.Fingerprint()
					if newErr == nil && oldErr == nil && newFingerprint == oldFingerprint {
						carried = true
					}
				}
			}
		}

		if err := builder.AddDescriptor(d); err != nil {
			problems = append(problems, err)
			continue
		}

		if carried {
			stats.DescriptorsCarried++
			cfg.Events.DescriptorCarried(d.ID)
		} else {
			cfg.Events.DescriptorAdded(d.ID, len(d.Blobs))
		}
	}

	if len(problems) > 0 {
		return nil, stats, &manifest.ValidationError{Problems: problems}
	}

	newManifest, err := builder.Finish()
	if err != nil {
		return nil, stats, err
	}
	stats.Descriptors = newManifest.Len()

	return newManifest, stats, nil
}

// commit advances the pack to the new generation. The sequence is:
// write the manifest file, move the reference counts to the new
// generation, persist the index, then atomically advance the header.
// The header rename is the LAST write and the commit point: every
// state it points at — manifest file, unit files, index — is already
// durable when it lands, so a crash on either side of it leaves a
// pack that opens whole at exactly one generation. A failure before
// the advance undoes the count changes and leaves the previous pack
// fully intact.
func (p *Pack) commit(ctx context.Context, cfg Config, newManifest, previous *manifest.Manifest) error {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	manifestData, err := newManifest.Marshal()
	if err != nil {
		return err
	}

	generation := newManifest.Generation()
	if err := retryIO(ctx, cfg.Clock, cfg.RetryAttempts, cfg.RetryBackoff, func() error {
		return p.writeStaged("manifest-*.cbor", manifestData, p.manifestPath(generation))
	}); err != nil {
		return fmt.Errorf("writing manifest generation %d: %w", generation, err)
	}

	// Until the header advances, the new manifest file is invisible
	// to readers; remove it if the commit aborts so aborted
	// generations leave no residue.
	committed := false
	defer func() {
		if !committed {
			os.Remove(p.manifestPath(generation))
		}
	}()

	// Move the counts: retain the new generation's references,
	// release the superseded ones. Undone in full if any later step
	// fails.
	var retained []digest.Digest
	for _, d := range newManifest.BlobReferences() {
		if err := p.store.Retain(d); err != nil {
			for _, r := range retained {
				p.store.Release(r)
			}
			return fmt.Errorf("retaining blob references: %w", err)
		}
		retained = append(retained, d)
	}
	if previous != nil {
		for _, d := range previous.BlobReferences() {
			p.store.Release(d)
		}
	}
	undoCounts := func() {
		for _, d := range retained {
			p.store.Release(d)
		}
		if previous != nil {
			for _, d := range previous.BlobReferences() {
				p.store.Retain(d)
			}
		}
	}

	if err := retryIO(ctx, cfg.Clock, cfg.RetryAttempts, cfg.RetryBackoff, p.store.Flush); err != nil {
		undoCounts()
		return fmt.Errorf("persisting store index: %w", err)
	}

	headerData, err := codec.Marshal(Header{
		Version:        formatVersion,
		Generation:     generation,
		ManifestDigest: newManifest.Digest(),
	})
	if err != nil {
		undoCounts()
		p.store.Flush()
		return fmt.Errorf("marshaling pack header: %w", err)
	}

	if err := retryIO(ctx, cfg.Clock, cfg.RetryAttempts, cfg.RetryBackoff, func() error {
		return p.writeStaged("header-*.cbor", headerData, filepath.Join(p.dir, headerFile))
	}); err != nil {
		// Best effort to bring the on-disk index back in line with
		// the still-current generation; Open reconciles counts from
		// the committed manifest regardless.
		undoCounts()
		p.store.Flush()
		return fmt.Errorf("advancing pack header: %w", err)
	}

	committed = true
	p.header = Header{Version: formatVersion, Generation: generation, ManifestDigest: newManifest.Digest()}
	p.current = newManifest
	return nil
}
