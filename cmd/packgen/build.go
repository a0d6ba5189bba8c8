// Copyright 2026 The Packgen Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/scenekit/packgen/lib/config"
	"github.com/scenekit/packgen/lib/digest"
	"github.com/scenekit/packgen/lib/pack"
	"github.com/scenekit/packgen/lib/unit"
)

func runBuild(args []string) error {
	flagSet := pflag.NewFlagSet("packgen build", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to packgen.yaml (default: $PACKGEN_CONFIG)")
	packDir := flagSet.String("pack", "", "pack directory (overrides config)")
	assetsPath := flagSet.String("assets", "", "JSONC asset list to build from (required)")
	modeName := flagSet.String("mode", "full", "build mode: full or incremental")
	codecName := flagSet.String("codec", "", "force compression: none, lz4, zstd (default: config)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if *assetsPath == "" {
		return fmt.Errorf("--assets is required")
	}

	var mode pack.Mode
	switch *modeName {
	case "full":
		mode = pack.Full
	case "incremental":
		mode = pack.Incremental
	default:
		return fmt.Errorf("invalid --mode %q (want full or incremental)", *modeName)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	// The --codec flag wins over the config; "auto" in either place
	// means per-payload selection.
	codecSetting := cfg.Build.Codec
	if *codecName != "" {
		codecSetting = *codecName
	}
	var codecOverride *unit.Codec
	if codecSetting != "auto" {
		parsed, err := unit.ParseCodec(codecSetting)
		if err != nil {
			return err
		}
		codecOverride = &parsed
	}

	assets, err := loadAssetList(*assetsPath)
	if err != nil {
		return err
	}

	p, err := openPack(*packDir, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	buildConfig := pack.Config{
		Codec:         codecOverride,
		Workers:       cfg.EffectiveWorkers(),
		RetryAttempts: cfg.Build.RetryAttempts,
		RetryBackoff:  cfg.RetryBackoff(),
		Events:        pack.NewLogEvents(logger),
	}
	m, err := p.Build(ctx, buildConfig, assets, mode)
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}

	fmt.Printf("generation %d committed: %d descriptors, manifest %s\n",
		m.Generation(), m.Len(), digest.FormatRef(m.Digest()))
	return nil
}

// openPack resolves the pack directory (--pack flag wins over config)
// and opens it.
func openPack(flagDir string, cfg *config.Config) (*pack.Pack, error) {
	dir := flagDir
	if dir == "" {
		dir = cfg.Pack.Dir
	}
	return pack.Open(dir)
}
