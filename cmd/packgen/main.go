// Copyright 2026 The Packgen Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/scenekit/packgen/lib/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	subcommand := os.Args[1]
	switch subcommand {
	case "build":
		return runBuild(os.Args[2:])
	case "verify":
		return runVerify(os.Args[2:])
	case "compact":
		return runCompact(os.Args[2:])
	case "inspect":
		return runInspect(os.Args[2:])
	case "version":
		fmt.Printf("packgen %s\n", versionInfo())
		return nil
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", subcommand)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: packgen <subcommand> [flags]

Subcommands:
  build     Build a new pack generation from an asset list
  verify    Check every referenced blob against its fingerprint
  compact   Remove unreferenced compressed units
  inspect   Print the current generation and its descriptors
  version   Print version information

Run 'packgen <subcommand> --help' for subcommand flags.
`)
}

func versionInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "(devel)"
	}
	return info.Main.Version
}

// loadConfig resolves configuration for a subcommand: an explicit
// --config path wins, then PACKGEN_CONFIG, then built-in defaults.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	if os.Getenv("PACKGEN_CONFIG") != "" {
		return config.Load()
	}
	return config.Default(), nil
}

// newLogger builds the process logger from the log section of the
// configuration. Logs go to stderr; stdout is reserved for command
// output.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	options := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, options))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, options))
}
