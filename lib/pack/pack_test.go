// Copyright 2026 The Packgen Authors
// SPDX-License-Identifier: Apache-2.0

package pack

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/scenekit/packgen/lib/digest"
	"github.com/scenekit/packgen/lib/manifest"
)

func newTestPack(t *testing.T) *Pack {
	t.Helper()
	p, err := Open(filepath.Join(t.TempDir(), "pack"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return p
}

func mustBuild(t *testing.T, p *Pack, assets []Asset, mode Mode) *manifest.Manifest {
	t.Helper()
	m, err := p.Build(context.Background(), Config{}, assets, mode)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return m
}

func TestOpenFreshPack(t *testing.T) {
	p := newTestPack(t)

	if p.Generation() != 0 {
		t.Errorf("fresh pack generation = %d, want 0", p.Generation())
	}
	if p.Manifest() != nil {
		t.Error("fresh pack has a manifest")
	}
}

func TestBuildCommitsFirstGeneration(t *testing.T) {
	p := newTestPack(t)

	meshBytes := bytes.Repeat([]byte("vertex data "), 100)
	m := mustBuild(t, p, []Asset{
		{ID: "mesh_a", Type: "mesh", Payloads: [][]byte{meshBytes}},
	}, Full)

	if m.Generation() != 1 {
		t.Errorf("generation = %d, want 1", m.Generation())
	}
	if p.Generation() != 1 {
		t.Errorf("pack generation = %d, want 1", p.Generation())
	}

	// The stored blob reads back intact.
	d, found := m.Lookup("mesh_a")
	if !found {
		t.Fatal("mesh_a not in manifest")
	}
	content, err := p.Store().Get(d.Blobs[0])
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(content, meshBytes) {
		t.Error("stored blob differs from input payload")
	}
}

func TestPackReopens(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pack")

	p, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	built := mustBuild(t, p, []Asset{
		{ID: "mesh_a", Type: "mesh", Payloads: [][]byte{[]byte("payload")}},
	}, Full)

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if reopened.Generation() != 1 {
		t.Errorf("reopened generation = %d, want 1", reopened.Generation())
	}
	if reopened.Manifest().Digest() != built.Digest() {
		t.Error("reopened manifest digest differs from built one")
	}
	if count, _ := reopened.Store().RefCount(built.BlobReferences()[0]); count != 1 {
		t.Errorf("reopened refcount = %d, want 1", count)
	}
}

// TestEndToEndScenario walks the full dedup/refcount/compaction
// lifecycle: two descriptors sharing one blob, one descriptor with
// its own, then generations that drop descriptors one at a time.
func TestEndToEndScenario(t *testing.T) {
	p := newTestPack(t)

	blobX := bytes.Repeat([]byte("X"), 1024)
	blobY := bytes.Repeat([]byte("Y"), 1024)

	fingerprintX := digest.HashBlob(blobX)
	fingerprintY := digest.HashBlob(blobY)

	// Generation 1: mesh_a and mesh_b share blob X, tex_1 holds Y.
	gen1 := mustBuild(t, p, []Asset{
		{ID: "mesh_a", Type: "mesh", Payloads: [][]byte{blobX}},
		{ID: "mesh_b", Type: "mesh", Payloads: [][]byte{blobX}},
		{ID: "tex_1", Type: "image/png", Payloads: [][]byte{blobY}},
	}, Full)

	if gen1.Len() != 3 {
		t.Errorf("generation 1 lists %d descriptors, want 3", gen1.Len())
	}
	if stats := p.Store().Stats(); stats.Units != 2 {
		t.Errorf("store holds %d units, want exactly 2 (X deduplicated)", stats.Units)
	}
	if count, _ := p.Store().RefCount(fingerprintX); count != 2 {
		t.Errorf("X refcount = %d, want 2", count)
	}
	if count, _ := p.Store().RefCount(fingerprintY); count != 1 {
		t.Errorf("Y refcount = %d, want 1", count)
	}

	// Generation 2: mesh_b removed; the rest carried forward.
	mustBuild(t, p, []Asset{
		{ID: "mesh_a", Type: "mesh"},
		{ID: "tex_1", Type: "image/png"},
	}, Incremental)

	if count, _ := p.Store().RefCount(fingerprintX); count != 1 {
		t.Errorf("after dropping mesh_b: X refcount = %d, want 1", count)
	}
	// X remains stored: compaction has not run.
	if !p.Store().Contains(fingerprintX) {
		t.Error("X removed without compaction")
	}

	// Compaction removes nothing: X and Y are still referenced.
	removed, err := p.Compact()
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if len(removed) != 0 {
		t.Errorf("Compact removed %v, want nothing", removed)
	}

	// Generation 3: tex_1 dropped too. Y is orphaned and compaction
	// removes exactly it.
	mustBuild(t, p, []Asset{
		{ID: "mesh_a", Type: "mesh"},
	}, Incremental)

	removed, err = p.Compact()
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if len(removed) != 1 || removed[0] != fingerprintY {
		t.Errorf("Compact removed %v, want exactly Y", removed)
	}
	if !p.Store().Contains(fingerprintX) {
		t.Error("X removed while still referenced")
	}
}

func TestFullBuildDeterministic(t *testing.T) {
	assets := []Asset{
		{ID: "tex_1", Type: "image/png", Payloads: [][]byte{bytes.Repeat([]byte("Y"), 512)}},
		{ID: "mesh_a", Type: "mesh", Payloads: [][]byte{bytes.Repeat([]byte("X"), 512)},
			Fields: map[string]manifest.Value{"lod": manifest.Number(2)}},
	}

	buildOnce := func() []byte {
		t.Helper()
		p := newTestPack(t)
		m := mustBuild(t, p, assets, Full)
		data, err := m.Marshal()
		if err != nil {
			t.Fatal(err)
		}
		return data
	}

	first := buildOnce()
	second := buildOnce()

	if !bytes.Equal(first, second) {
		t.Error("two full builds of the same descriptor set produced different manifest bytes")
	}
}

func TestIncrementalEquivalentToFull(t *testing.T) {
	blobA := bytes.Repeat([]byte("A"), 256)
	blobB := bytes.Repeat([]byte("B"), 256)
	blobC := bytes.Repeat([]byte("C"), 256)

	// D1: three assets. D2: one removed, one modified, one added.
	d1 := []Asset{
		{ID: "mesh_a", Type: "mesh", Payloads: [][]byte{blobA}},
		{ID: "mesh_b", Type: "mesh", Payloads: [][]byte{blobB}},
		{ID: "tex_1", Type: "image/png", Payloads: [][]byte{blobC}},
	}
	d2Incremental := []Asset{
		{ID: "mesh_a", Type: "mesh"}, // carried forward
		{ID: "tex_1", Type: "image/png", Payloads: [][]byte{blobA}}, // modified
		{ID: "tex_2", Type: "image/png", Payloads: [][]byte{blobB}}, // added
	}
	d2Full := []Asset{
		{ID: "mesh_a", Type: "mesh", Payloads: [][]byte{blobA}},
		{ID: "tex_1", Type: "image/png", Payloads: [][]byte{blobA}},
		{ID: "tex_2", Type: "image/png", Payloads: [][]byte{blobB}},
	}

	incrementalPack := newTestPack(t)
	mustBuild(t, incrementalPack, d1, Full)
	incremental := mustBuild(t, incrementalPack, d2Incremental, Incremental)

	fullPack := newTestPack(t)
	full := mustBuild(t, fullPack, d2Full, Full)

	if !reflect.DeepEqual(incremental.Descriptors(), full.Descriptors()) {
		t.Errorf("incremental descriptor set differs from full build:\nincremental: %+v\nfull: %+v",
			incremental.Descriptors(), full.Descriptors())
	}
}

func TestBuildRejectsCycle(t *testing.T) {
	p := newTestPack(t)
	mustBuild(t, p, []Asset{
		{ID: "b", Type: "material", Payloads: [][]byte{}},
		{ID: "a", Type: "material", Payloads: [][]byte{},
			Fields: map[string]manifest.Value{"dep": manifest.Reference("b")}},
	}, Full)

	// Re-adding b with a reference back to a closes a cycle.
	_, err := p.Build(context.Background(), Config{}, []Asset{
		{ID: "a", Type: "material"},
		{ID: "b", Type: "material", Payloads: [][]byte{},
			Fields: map[string]manifest.Value{"dep": manifest.Reference("a")}},
	}, Incremental)

	var cyclic *manifest.CyclicReferenceError
	if !errors.As(err, &cyclic) {
		t.Fatalf("err = %v, want CyclicReferenceError", err)
	}
	if p.Generation() != 1 {
		t.Errorf("failed build advanced generation to %d", p.Generation())
	}
}

func TestBuildAggregatesAllValidationProblems(t *testing.T) {
	p := newTestPack(t)

	_, err := p.Build(context.Background(), Config{}, []Asset{
		{ID: "dup", Type: "mesh", Payloads: [][]byte{[]byte("one")}},
		{ID: "dup", Type: "mesh", Payloads: [][]byte{[]byte("two")}},
		{ID: "mat", Type: "material", Payloads: [][]byte{},
			Fields: map[string]manifest.Value{"dep": manifest.Reference("missing")}},
	}, Full)

	var validation *manifest.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if len(validation.Problems) != 2 {
		t.Errorf("reported %d problems, want 2 (duplicate and unresolved)", len(validation.Problems))
	}

	var duplicate *manifest.DuplicateAssetError
	if !errors.As(err, &duplicate) {
		t.Error("aggregate missing DuplicateAssetError")
	}
	var unresolved *manifest.UnresolvedReferenceError
	if !errors.As(err, &unresolved) {
		t.Error("aggregate missing UnresolvedReferenceError")
	}
}

func TestFailedBuildLeavesPreviousIntact(t *testing.T) {
	p := newTestPack(t)

	gen1 := mustBuild(t, p, []Asset{
		{ID: "mesh_a", Type: "mesh", Payloads: [][]byte{[]byte("original payload")}},
	}, Full)
	unitsBefore := p.Store().Stats().Units

	_, err := p.Build(context.Background(), Config{}, []Asset{
		{ID: "new_asset", Type: "mesh", Payloads: [][]byte{[]byte("brand new payload")}},
		{ID: "broken", Type: "material", Payloads: [][]byte{},
			Fields: map[string]manifest.Value{"dep": manifest.Reference("nowhere")}},
	}, Full)
	if err == nil {
		t.Fatal("build with unresolved reference succeeded")
	}

	if p.Generation() != 1 {
		t.Errorf("generation = %d after failed build, want 1", p.Generation())
	}
	if p.Manifest().Digest() != gen1.Digest() {
		t.Error("current manifest changed after failed build")
	}

	// The staged unit for new_asset was rolled back.
	if units := p.Store().Stats().Units; units != unitsBefore {
		t.Errorf("store holds %d units after rollback, want %d", units, unitsBefore)
	}

	// The pack on disk still opens at the previous generation.
	reopened, err := Open(p.Dir())
	if err != nil {
		t.Fatalf("reopen after failed build: %v", err)
	}
	if reopened.Generation() != 1 {
		t.Errorf("reopened generation = %d, want 1", reopened.Generation())
	}
}

// TestReopenRebuildsReferenceCounts: counts are derived from the
// committed manifest at open, so a stale or damaged index file cannot
// wedge the pack or let Compact remove referenced units.
func TestReopenRebuildsReferenceCounts(t *testing.T) {
	p := newTestPack(t)

	shared := bytes.Repeat([]byte("shared payload "), 64)
	fingerprint := digest.HashBlob(shared)
	mustBuild(t, p, []Asset{
		{ID: "mesh_a", Type: "mesh", Payloads: [][]byte{shared}},
		{ID: "mesh_b", Type: "mesh", Payloads: [][]byte{shared}},
	}, Full)

	// Damage the persisted counts behind the pack's back.
	p.Store().Release(fingerprint)
	p.Store().Release(fingerprint)
	if err := p.Store().Flush(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(p.Dir())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if count, _ := reopened.Store().RefCount(fingerprint); count != 2 {
		t.Errorf("reopened refcount = %d, want 2 rebuilt from manifest", count)
	}
	removed, err := reopened.Compact()
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 0 {
		t.Errorf("Compact removed %v from a fully referenced pack", removed)
	}
}

// TestReopenAfterInterruptedCommit simulates a crash in the one
// window the commit protocol leaves: the index and manifest are
// durable but the header rename never landed. The pack must reopen
// whole at the previous generation, with counts matching it, the
// unreferenced new units compactable, and the interrupted build
// repeatable.
func TestReopenAfterInterruptedCommit(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pack")
	p, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	blobX := bytes.Repeat([]byte("X"), 512)
	blobY := bytes.Repeat([]byte("Y"), 512)
	blobZ := bytes.Repeat([]byte("Z"), 512)

	gen1 := mustBuild(t, p, []Asset{
		{ID: "mesh_a", Type: "mesh", Payloads: [][]byte{blobX}},
		{ID: "tex_1", Type: "image/png", Payloads: [][]byte{blobY}},
	}, Full)

	headerBefore, err := os.ReadFile(filepath.Join(dir, "current"))
	if err != nil {
		t.Fatal(err)
	}

	rebuild := []Asset{
		{ID: "mesh_a", Type: "mesh"},
		{ID: "tex_1", Type: "image/png", Payloads: [][]byte{blobZ}},
	}
	mustBuild(t, p, rebuild, Incremental)

	// Roll the header back: everything generation 2 wrote is on
	// disk, but the commit point never landed.
	if err := os.WriteFile(filepath.Join(dir, "current"), headerBefore, 0o644); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if reopened.Generation() != 1 {
		t.Fatalf("reopened generation = %d, want 1", reopened.Generation())
	}
	if reopened.Manifest().Digest() != gen1.Digest() {
		t.Error("reopened manifest differs from generation 1")
	}

	// Counts follow the committed manifest, not the flushed index.
	if count, _ := reopened.Store().RefCount(digest.HashBlob(blobX)); count != 1 {
		t.Errorf("X refcount = %d, want 1", count)
	}
	if count, _ := reopened.Store().RefCount(digest.HashBlob(blobY)); count != 1 {
		t.Errorf("Y refcount = %d, want 1", count)
	}
	if count, _ := reopened.Store().RefCount(digest.HashBlob(blobZ)); count != 0 {
		t.Errorf("Z refcount = %d, want 0 (its generation never committed)", count)
	}

	// The half-committed generation's unit is reclaimable.
	removed, err := reopened.Compact()
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 || removed[0] != digest.HashBlob(blobZ) {
		t.Errorf("Compact removed %v, want exactly Z", removed)
	}

	// The interrupted build runs again cleanly.
	m := mustBuild(t, reopened, rebuild, Incremental)
	if m.Generation() != 2 {
		t.Errorf("rebuilt generation = %d, want 2", m.Generation())
	}
	report, err := reopened.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Problems) != 0 {
		t.Errorf("pack failed verification after recovery: %v", report.Problems)
	}
}

func TestBuildCancelled(t *testing.T) {
	p := newTestPack(t)
	mustBuild(t, p, []Asset{
		{ID: "mesh_a", Type: "mesh", Payloads: [][]byte{[]byte("payload")}},
	}, Full)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Build(ctx, Config{}, []Asset{
		{ID: "mesh_b", Type: "mesh", Payloads: [][]byte{[]byte("other payload")}},
	}, Full)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	if p.Generation() != 1 {
		t.Errorf("cancelled build advanced generation to %d", p.Generation())
	}
	if units := p.Store().Stats().Units; units != 1 {
		t.Errorf("cancelled build left %d units, want 1", units)
	}
}

func TestIncrementalRequiresPrevious(t *testing.T) {
	p := newTestPack(t)
	_, err := p.Build(context.Background(), Config{}, []Asset{
		{ID: "mesh_a", Type: "mesh", Payloads: [][]byte{[]byte("payload")}},
	}, Incremental)
	if err == nil {
		t.Fatal("incremental build without previous generation succeeded")
	}
}

func TestCarryForwardUnknownAssetIsIncompleteInput(t *testing.T) {
	p := newTestPack(t)
	mustBuild(t, p, []Asset{
		{ID: "mesh_a", Type: "mesh", Payloads: [][]byte{[]byte("payload")}},
	}, Full)

	_, err := p.Build(context.Background(), Config{}, []Asset{
		{ID: "never_existed", Type: "mesh"},
	}, Incremental)
	if !errors.Is(err, ErrIncompleteInput) {
		t.Fatalf("err = %v, want ErrIncompleteInput", err)
	}
}

func TestCarryForwardInFullModeIsIncompleteInput(t *testing.T) {
	p := newTestPack(t)
	_, err := p.Build(context.Background(), Config{}, []Asset{
		{ID: "mesh_a", Type: "mesh"},
	}, Full)
	if !errors.Is(err, ErrIncompleteInput) {
		t.Fatalf("err = %v, want ErrIncompleteInput", err)
	}
}

func TestMetadataOnlyDescriptor(t *testing.T) {
	p := newTestPack(t)

	// Empty-but-non-nil payloads: a descriptor with no blobs, such
	// as a scene-graph grouping node.
	m := mustBuild(t, p, []Asset{
		{ID: "group", Type: "scene", Payloads: [][]byte{},
			Fields: map[string]manifest.Value{"name": manifest.String("root")}},
	}, Full)

	d, found := m.Lookup("group")
	if !found {
		t.Fatal("group not in manifest")
	}
	if len(d.Blobs) != 0 {
		t.Errorf("metadata-only descriptor has %d blobs", len(d.Blobs))
	}
}

func TestVerifyCleanAndCorrupt(t *testing.T) {
	p := newTestPack(t)
	m := mustBuild(t, p, []Asset{
		{ID: "mesh_a", Type: "mesh", Payloads: [][]byte{bytes.Repeat([]byte("data "), 200)}},
		{ID: "tex_1", Type: "image/png", Payloads: [][]byte{bytes.Repeat([]byte("img "), 200)}},
	}, Full)

	report, err := p.Verify()
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if report.BlobsChecked != 2 || len(report.Problems) != 0 {
		t.Errorf("clean pack: checked=%d problems=%v", report.BlobsChecked, report.Problems)
	}

	// Corrupt one unit on disk; Verify must report exactly it.
	d, _ := m.Lookup("mesh_a")
	path := p.Store().UnitPath(d.Blobs[0])
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-1] ^= 0x01
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	report, err = p.Verify()
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if len(report.Problems) != 1 {
		t.Errorf("corrupted pack: %d problems, want 1", len(report.Problems))
	}
}

func TestBuildEvents(t *testing.T) {
	p := newTestPack(t)
	events := &recordingEvents{}

	shared := bytes.Repeat([]byte("shared "), 100)
	_, err := p.Build(context.Background(), Config{Events: events}, []Asset{
		{ID: "mesh_a", Type: "mesh", Payloads: [][]byte{shared}},
		{ID: "mesh_b", Type: "mesh", Payloads: [][]byte{shared}},
	}, Full)
	if err != nil {
		t.Fatal(err)
	}

	events.mu.Lock()
	defer events.mu.Unlock()
	if events.stored != 1 {
		t.Errorf("BlobStored fired %d times, want 1", events.stored)
	}
	if events.deduplicated != 1 {
		t.Errorf("BlobDeduplicated fired %d times, want 1", events.deduplicated)
	}
	if events.added != 2 {
		t.Errorf("DescriptorAdded fired %d times, want 2", events.added)
	}
	if events.committed != 1 {
		t.Errorf("BuildCommitted fired %d times, want 1", events.committed)
	}
	if events.lastStats.BlobsStored != 1 || events.lastStats.BlobsDeduplicated != 1 {
		t.Errorf("stats = %+v, want 1 stored / 1 deduplicated", events.lastStats)
	}
}
