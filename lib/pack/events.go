// Copyright 2026 The Packgen Authors
// SPDX-License-Identifier: Apache-2.0

package pack

import "log/slog"

// BuildStats summarizes what a build did, reported with the commit
// event and by CLI inspection.
type BuildStats struct {
	// Descriptors is the number of descriptors in the new manifest.
	Descriptors int

	// BlobsStored is the number of new compressed units written.
	BlobsStored int

	// BlobsDeduplicated is the number of supplied payloads that were
	// already stored (dedup hits).
	BlobsDeduplicated int

	// DescriptorsCarried is the number of descriptors carried forward
	// from the previous generation without re-hashing.
	DescriptorsCarried int

	// CompressedBytes and UncompressedBytes total the newly stored
	// units.
	CompressedBytes   uint64
	UncompressedBytes uint64
}

// Events receives structured build notifications for the presentation
// layer to render. The assembler never formats text itself. Methods
// are called from the build goroutine and its workers; implementations
// must be safe for concurrent use.
type Events interface {
	// DescriptorAdded fires when a descriptor passes validation and
	// is staged in the new generation.
	DescriptorAdded(id string, blobCount int)

	// DescriptorCarried fires when an incremental build carries a
	// descriptor forward from the previous generation unchanged.
	DescriptorCarried(id string)

	// BlobStored fires when a new compressed unit is written.
	BlobStored(ref string, codec string, compressedSize, uncompressedSize uint64)

	// BlobDeduplicated fires when a supplied payload was already
	// stored.
	BlobDeduplicated(ref string)

	// BuildCommitted fires after the pack's current pointer advances
	// to the new generation.
	BuildCommitted(generation uint64, manifestDigest string, stats BuildStats)

	// BuildFailed fires when a build is abandoned. The error carries
	// every validation problem found, not just the first.
	BuildFailed(reason error)
}

// NopEvents discards all notifications.
type NopEvents struct{}

func (NopEvents) DescriptorAdded(string, int)               {}
func (NopEvents) DescriptorCarried(string)                  {}
func (NopEvents) BlobStored(string, string, uint64, uint64) {}
func (NopEvents) BlobDeduplicated(string)                   {}
func (NopEvents) BuildCommitted(uint64, string, BuildStats) {}
func (NopEvents) BuildFailed(error)                         {}

// LogEvents renders build events as structured log records.
type LogEvents struct {
	logger *slog.Logger
}

// NewLogEvents returns an Events sink writing to the given logger.
func NewLogEvents(logger *slog.Logger) *LogEvents {
	return &LogEvents{logger: logger}
}

func (e *LogEvents) DescriptorAdded(id string, blobCount int) {
	e.logger.Debug("descriptor added", "id", id, "blobs", blobCount)
}

func (e *LogEvents) DescriptorCarried(id string) {
	e.logger.Debug("descriptor carried forward", "id", id)
}

func (e *LogEvents) BlobStored(ref string, codec string, compressedSize, uncompressedSize uint64) {
	e.logger.Debug("blob stored",
		"ref", ref,
		"codec", codec,
		"compressed_size", compressedSize,
		"uncompressed_size", uncompressedSize,
	)
}

func (e *LogEvents) BlobDeduplicated(ref string) {
	e.logger.Debug("blob deduplicated", "ref", ref)
}

func (e *LogEvents) BuildCommitted(generation uint64, manifestDigest string, stats BuildStats) {
	e.logger.Info("build committed",
		"generation", generation,
		"manifest_digest", manifestDigest,
		"descriptors", stats.Descriptors,
		"blobs_stored", stats.BlobsStored,
		"blobs_deduplicated", stats.BlobsDeduplicated,
		"descriptors_carried", stats.DescriptorsCarried,
		"compressed_bytes", stats.CompressedBytes,
		"uncompressed_bytes", stats.UncompressedBytes,
	)
}

func (e *LogEvents) BuildFailed(reason error) {
	e.logger.Error("build failed", "error", reason)
}
