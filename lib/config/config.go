// Copyright 2026 The Packgen Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for packgen.
type Config struct {
	// Pack configures where the pack lives on disk.
	Pack PackConfig `yaml:"pack"`

	// Build configures the build pipeline.
	Build BuildConfig `yaml:"build"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log"`
}

// PackConfig configures the on-disk pack location.
type PackConfig struct {
	// Dir is the pack directory. Created on first build if absent.
	// Default: ${HOME}/.cache/packgen/pack
	Dir string `yaml:"dir"`
}

// BuildConfig configures the build pipeline.
type BuildConfig struct {
	// Codec selects compression for stored payloads.
	// Values: "auto" (per-payload selection), "none", "lz4", "zstd".
	// Default: auto
	Codec string `yaml:"codec"`

	// Workers is the number of concurrent payload hashing/compression
	// workers. Zero means one per CPU.
	Workers int `yaml:"workers"`

	// RetryAttempts bounds retries of transient storage failures.
	// Default: 3
	RetryAttempts int `yaml:"retry_attempts"`

	// RetryBackoff is the initial backoff between retries, doubling
	// each attempt. A Go duration string. Default: 100ms
	RetryBackoff string `yaml:"retry_backoff"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is the minimum level emitted.
	// Values: "debug", "info", "warn", "error". Default: info
	Level string `yaml:"level"`

	// Format selects the output handler.
	// Values: "text", "json". Default: text
	Format string `yaml:"format"`
}

// Default returns the default configuration. These defaults are used
// as a base before loading the config file, so every field has a
// sensible value even when the file sets only a few.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Pack: PackConfig{
			Dir: filepath.Join(homeDir, ".cache", "packgen", "pack"),
		},
		Build: BuildConfig{
			Codec:         "auto",
			Workers:       0,
			RetryAttempts: 3,
			RetryBackoff:  "100ms",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from the PACKGEN_CONFIG environment
// variable. There are no fallbacks or automatic discovery: if
// PACKGEN_CONFIG is not set, this fails. Commands that take a
// --config flag call LoadFile directly instead.
func Load() (*Config, error) {
	configPath := os.Getenv("PACKGEN_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("PACKGEN_CONFIG environment variable not set; " +
			"set it to the path of your packgen.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. The file is
// the single source of truth: environment variables do not override
// config values. The only expansion performed is ${HOME} and similar
// path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Pack.Dir = expandVars(c.Pack.Dir, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors, reporting all of them
// rather than the first.
func (c *Config) Validate() error {
	var errs []error

	if c.Pack.Dir == "" {
		errs = append(errs, fmt.Errorf("pack.dir is required"))
	}

	codecValues := []string{"auto", "none", "lz4", "zstd"}
	if !contains(codecValues, c.Build.Codec) {
		errs = append(errs, fmt.Errorf("build.codec must be one of: %v", codecValues))
	}

	if c.Build.Workers < 0 {
		errs = append(errs, fmt.Errorf("build.workers must be >= 0"))
	}
	if c.Build.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("build.retry_attempts must be >= 1"))
	}
	if _, err := time.ParseDuration(c.Build.RetryBackoff); err != nil {
		errs = append(errs, fmt.Errorf("build.retry_backoff: %w", err))
	}

	levelValues := []string{"debug", "info", "warn", "error"}
	if !contains(levelValues, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level must be one of: %v", levelValues))
	}
	formatValues := []string{"text", "json"}
	if !contains(formatValues, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format must be one of: %v", formatValues))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EffectiveWorkers resolves Build.Workers, substituting the CPU count
// for zero.
func (c *Config) EffectiveWorkers() int {
	if c.Build.Workers > 0 {
		return c.Build.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// RetryBackoff returns Build.RetryBackoff parsed as a duration.
// Validate has already checked that it parses.
func (c *Config) RetryBackoff() time.Duration {
	d, _ := time.ParseDuration(c.Build.RetryBackoff)
	return d
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
