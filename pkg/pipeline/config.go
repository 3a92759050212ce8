// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package pipeline

import (
	"fmt"
	"runtime"
	"time"

	"github.com/ripkit/ripkit/pkg/build"
	"github.com/ripkit/ripkit/pkg/config"
)

// Config configures a batch build run. The file is JSON, lines starting
// with # are comments.
type Config struct {
	// Binary repository root.
	Repo string `json:"repo"`
	// Scratch space for build workspaces, one subdirectory per cell.
	// Workspaces of failed cells are kept for inspection.
	WorkDir string `json:"workdir"`
	// Crate source cache root.
	Cache string `json:"cache"`
	// Registry database built by rip-fetch -import. Optional: without it
	// downloads are not checksum-verified.
	RegistryDB string `json:"registry_db,omitempty"`
	// Maximum number of concurrently building cells.
	// Defaults to the number of CPUs.
	Parallelism int `json:"parallelism,omitempty"`
	// Per-cell build timeout in minutes, the whole cargo process tree is
	// killed past it. Defaults to 60.
	BuildTimeoutMin int `json:"build_timeout_min,omitempty"`
	// Build matrix. Opts defaults to all optimization levels, linkages to
	// dynamic. A plan file may override any of the three lists.
	Targets  []string `json:"targets,omitempty"`
	Opts     []string `json:"opts,omitempty"`
	Linkages []string `json:"linkages,omitempty"`
}

func LoadConfig(filename string) (*Config, error) {
	cfg := defaultConfig()
	if err := config.LoadFile(filename, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Complete(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Parallelism:     runtime.NumCPU(),
		BuildTimeoutMin: 60,
	}
}

// Complete validates the config and fills in defaults.
func (cfg *Config) Complete() error {
	if cfg.Repo == "" {
		return fmt.Errorf("config: repo is not set")
	}
	if cfg.WorkDir == "" {
		return fmt.Errorf("config: workdir is not set")
	}
	if cfg.Cache == "" {
		return fmt.Errorf("config: cache is not set")
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = runtime.NumCPU()
	}
	if cfg.BuildTimeoutMin <= 0 {
		cfg.BuildTimeoutMin = 60
	}
	if len(cfg.Targets) > 0 {
		// Surface malformed opt/linkage spellings at load time rather
		// than as N failed cells later.
		if _, err := build.MatrixSpecs(cfg.Targets, cfg.Opts, cfg.Linkages); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

// BuildTimeout returns the per-cell timeout as a duration.
func (cfg *Config) BuildTimeout() time.Duration {
	return time.Duration(cfg.BuildTimeoutMin) * time.Minute
}
