// Copyright 2026 The Packgen Authors
// SPDX-License-Identifier: Apache-2.0

package pack

// Bounded retry for transient I/O failures. Storage writes can fail
// transiently (network filesystems, momentary contention); a short
// exponential backoff rides those out. Content-integrity and
// validation failures are never retried — retrying cannot fix a wrong
// hash, and masking one would defeat the corruption guarantee.

import (
	"context"
	"errors"
	"time"

	"github.com/scenekit/packgen/lib/blobstore"
	"github.com/scenekit/packgen/lib/clock"
	"github.com/scenekit/packgen/lib/manifest"
	"github.com/scenekit/packgen/lib/unit"
)

// retryable reports whether an error is worth retrying. Corruption,
// integrity mismatches, lookup misses, and validation problems are
// permanent; everything else on the I/O path is treated as transient.
func retryable(err error) bool {
	if errors.Is(err, blobstore.ErrCorrupt) ||
		errors.Is(err, blobstore.ErrNotFound) ||
		errors.Is(err, unit.ErrIntegrityMismatch) ||
		errors.Is(err, unit.ErrBadFormat) ||
		errors.Is(err, manifest.ErrCorruptManifest) {
		return false
	}
	var validation *manifest.ValidationError
	return !errors.As(err, &validation)
}

// retryIO runs fn with bounded retry and exponential backoff. The
// first retry waits backoff, the second 2*backoff, and so on. The
// context bounds the total wait: cancellation during backoff returns
// ctx.Err() immediately. After attempts are exhausted the last error
// is returned — the operation surfaces failure rather than hanging.
func retryIO(ctx context.Context, clk clock.Clock, attempts int, backoff time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastError error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := backoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-clk.After(wait):
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastError = err

		if !retryable(err) {
			return err
		}
	}
	return lastError
}
