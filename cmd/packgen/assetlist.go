// Copyright 2026 The Packgen Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"

	"github.com/scenekit/packgen/lib/manifest"
	"github.com/scenekit/packgen/lib/pack"
)

// assetEntry is one asset in the input list. Payloads is a pointer so
// the file can distinguish "absent" (carry forward from the previous
// generation) from "empty" (a metadata-only descriptor).
type assetEntry struct {
	ID       string                     `json:"id"`
	Type     string                     `json:"type"`
	Fields   map[string]json.RawMessage `json:"fields"`
	Payloads *[]string                  `json:"payloads"`
}

type assetListFile struct {
	Assets []assetEntry `json:"assets"`
}

// loadAssetList parses a JSONC asset list and reads the payload files
// it names. Payload paths are resolved relative to the list file's
// directory. The input format supports // line comments, /* block
// comments */, and trailing commas.
func loadAssetList(path string) ([]pack.Asset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var list assetListFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &list); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(list.Assets) == 0 {
		return nil, fmt.Errorf("%s: no assets listed", path)
	}

	baseDir := filepath.Dir(path)
	assets := make([]pack.Asset, 0, len(list.Assets))
	for _, entry := range list.Assets {
		asset, err := entry.toAsset(baseDir)
		if err != nil {
			return nil, fmt.Errorf("%s: asset %q: %w", path, entry.ID, err)
		}
		assets = append(assets, asset)
	}
	return assets, nil
}

func (e *assetEntry) toAsset(baseDir string) (pack.Asset, error) {
	asset := pack.Asset{ID: e.ID, Type: e.Type}

	if len(e.Fields) > 0 {
		asset.Fields = make(map[string]manifest.Value, len(e.Fields))
		for name, raw := range e.Fields {
			value, err := parseFieldValue(raw)
			if err != nil {
				return pack.Asset{}, fmt.Errorf("field %q: %w", name, err)
			}
			asset.Fields[name] = value
		}
	}

	if e.Payloads != nil {
		asset.Payloads = make([][]byte, 0, len(*e.Payloads))
		for _, payloadPath := range *e.Payloads {
			if !filepath.IsAbs(payloadPath) {
				payloadPath = filepath.Join(baseDir, payloadPath)
			}
			content, err := os.ReadFile(payloadPath)
			if err != nil {
				return pack.Asset{}, fmt.Errorf("reading payload: %w", err)
			}
			asset.Payloads = append(asset.Payloads, content)
		}
	}
	return asset, nil
}

// parseFieldValue maps a JSON field value onto a typed descriptor
// value. Strings, numbers, and booleans map directly; an object of
// the form {"ref": "asset_id"} becomes a reference to another
// descriptor.
func parseFieldValue(raw json.RawMessage) (manifest.Value, error) {
	var ref struct {
		Ref *string `json:"ref"`
	}
	if err := json.Unmarshal(raw, &ref); err == nil && ref.Ref != nil {
		return manifest.Reference(*ref.Ref), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return manifest.String(s), nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return manifest.Number(n), nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return manifest.Bool(b), nil
	}
	return manifest.Value{}, fmt.Errorf("unsupported value %s (want string, number, bool, or {\"ref\": ...})", raw)
}
