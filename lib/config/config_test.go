// Copyright 2026 The Packgen Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "packgen.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Build.Codec != "auto" {
		t.Errorf("expected codec=auto, got %s", cfg.Build.Codec)
	}
	if cfg.Build.RetryAttempts != 3 {
		t.Errorf("expected retry_attempts=3, got %d", cfg.Build.RetryAttempts)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected level=info, got %s", cfg.Log.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config fails validation: %v", err)
	}
}

func TestLoad_RequiresPackgenConfig(t *testing.T) {
	t.Setenv("PACKGEN_CONFIG", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when PACKGEN_CONFIG not set, got nil")
	}
	if !strings.Contains(err.Error(), "PACKGEN_CONFIG") {
		t.Errorf("error does not mention PACKGEN_CONFIG: %v", err)
	}
}

func TestLoad_WithPackgenConfig(t *testing.T) {
	path := writeConfig(t, `
pack:
  dir: /data/packs/scene
build:
  codec: zstd
  workers: 4
`)
	t.Setenv("PACKGEN_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Pack.Dir != "/data/packs/scene" {
		t.Errorf("expected dir=/data/packs/scene, got %s", cfg.Pack.Dir)
	}
	if cfg.Build.Codec != "zstd" {
		t.Errorf("expected codec=zstd, got %s", cfg.Build.Codec)
	}
	// Unset fields keep defaults.
	if cfg.Build.RetryAttempts != 3 {
		t.Errorf("expected retry_attempts=3, got %d", cfg.Build.RetryAttempts)
	}
}

func TestLoadFile_ExpandsHome(t *testing.T) {
	t.Setenv("HOME", "/home/builder")
	path := writeConfig(t, `
pack:
  dir: ${HOME}/packs
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}
	if cfg.Pack.Dir != "/home/builder/packs" {
		t.Errorf("expected expanded dir, got %s", cfg.Pack.Dir)
	}
}

func TestLoadFile_RejectsBadCodec(t *testing.T) {
	path := writeConfig(t, `
build:
  codec: brotli
`)

	_, err := LoadFile(path)
	if err == nil {
		t.Fatal("expected error for unknown codec, got nil")
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Build.Codec = "brotli"
	cfg.Build.RetryAttempts = 0
	cfg.Build.RetryBackoff = "soon"
	cfg.Log.Level = "verbose"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}

	for _, want := range []string{"build.codec", "build.retry_attempts", "build.retry_backoff", "log.level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("validation error missing %q: %v", want, err)
		}
	}
}

func TestRetryBackoffParsed(t *testing.T) {
	cfg := Default()
	cfg.Build.RetryBackoff = "250ms"
	if got := cfg.RetryBackoff(); got != 250*time.Millisecond {
		t.Errorf("RetryBackoff() = %v, want 250ms", got)
	}
}

func TestEffectiveWorkers(t *testing.T) {
	cfg := Default()
	if cfg.EffectiveWorkers() < 1 {
		t.Error("zero workers did not resolve to CPU count")
	}
	cfg.Build.Workers = 7
	if cfg.EffectiveWorkers() != 7 {
		t.Errorf("EffectiveWorkers() = %d, want 7", cfg.EffectiveWorkers())
	}
}
