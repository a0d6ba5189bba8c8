// Copyright 2026 The Packgen Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/scenekit/packgen/lib/digest"
)

func runVerify(args []string) error {
	flagSet := pflag.NewFlagSet("packgen verify", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to packgen.yaml (default: $PACKGEN_CONFIG)")
	packDir := flagSet.String("pack", "", "pack directory (overrides config)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	p, err := openPack(*packDir, cfg)
	if err != nil {
		return err
	}

	report, err := p.Verify()
	if err != nil {
		return err
	}

	if len(report.Problems) == 0 {
		fmt.Printf("ok: %d blobs verified\n", report.BlobsChecked)
		return nil
	}
	for _, problem := range report.Problems {
		fmt.Fprintf(os.Stderr, "corrupt: %v\n", problem)
	}
	return fmt.Errorf("%d of %d blobs failed verification", len(report.Problems), report.BlobsChecked)
}

func runCompact(args []string) error {
	flagSet := pflag.NewFlagSet("packgen compact", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to packgen.yaml (default: $PACKGEN_CONFIG)")
	packDir := flagSet.String("pack", "", "pack directory (overrides config)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	p, err := openPack(*packDir, cfg)
	if err != nil {
		return err
	}

	removed, err := p.Compact()
	if err != nil {
		return err
	}

	for _, fingerprint := range removed {
		fmt.Printf("removed %s\n", digest.FormatRef(fingerprint))
	}
	fmt.Printf("compacted: %d units removed\n", len(removed))
	return nil
}

// inspectOutput is the JSON shape emitted by inspect --json.
type inspectOutput struct {
	Generation     uint64            `json:"generation"`
	ManifestDigest string            `json:"manifest_digest"`
	Descriptors    []inspectedAsset  `json:"descriptors"`
	Store          inspectStoreStats `json:"store"`
}

type inspectedAsset struct {
	ID    string   `json:"id"`
	Type  string   `json:"type"`
	Blobs []string `json:"blobs,omitempty"`
}

type inspectStoreStats struct {
	Units             int    `json:"units"`
	CompressedBytes   uint64 `json:"compressed_bytes"`
	UncompressedBytes uint64 `json:"uncompressed_bytes"`
}

func runInspect(args []string) error {
	flagSet := pflag.NewFlagSet("packgen inspect", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to packgen.yaml (default: $PACKGEN_CONFIG)")
	packDir := flagSet.String("pack", "", "pack directory (overrides config)")
	asJSON := flagSet.Bool("json", false, "emit machine-readable JSON")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	p, err := openPack(*packDir, cfg)
	if err != nil {
		return err
	}

	m := p.Manifest()
	if m == nil {
		return fmt.Errorf("pack at %s has no committed generation", p.Dir())
	}
	stats := p.Store().Stats()

	if *asJSON {
		output := inspectOutput{
			Generation:     m.Generation(),
			ManifestDigest: digest.Format(m.Digest()),
			Store: inspectStoreStats{
				Units:             stats.Units,
				CompressedBytes:   stats.CompressedBytes,
				UncompressedBytes: stats.UncompressedBytes,
			},
		}
		for _, d := range m.Descriptors() {
			asset := inspectedAsset{ID: d.ID, Type: d.Type}
			for _, blob := range d.Blobs {
				asset.Blobs = append(asset.Blobs, digest.Format(blob))
			}
			output.Descriptors = append(output.Descriptors, asset)
		}
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(output)
	}

	fmt.Printf("generation %d  manifest %s\n", m.Generation(), digest.FormatRef(m.Digest()))
	fmt.Printf("store: %d units, %d compressed bytes (%d uncompressed)\n",
		stats.Units, stats.CompressedBytes, stats.UncompressedBytes)
	for _, d := range m.Descriptors() {
		fmt.Printf("  %-30s %-20s", d.ID, d.Type)
		for _, blob := range d.Blobs {
			fmt.Printf(" %s", digest.FormatRef(blob))
		}
		fmt.Println()
	}
	return nil
}
