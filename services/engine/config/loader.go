// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads and validates the config file.
//
// Description:
//
//	Missing files are created with defaults on first run, matching
//	first-run behavior of the CLI. Fields absent from the file keep
//	their defaults, so a partial config is valid.
//
// Inputs:
//
//	path - The yaml config path.
//
// Outputs:
//
//	Config - The merged configuration.
//	error - Non-nil on read, parse, or validation failure.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := createDefault(path); err != nil {
			return cfg, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read the config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse the config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create the config directory: %w", err)
		}
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must be set")
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return fmt.Errorf("storage.path must be set when not in-memory")
	}
	if c.Ingest.Workers < 1 {
		return fmt.Errorf("ingest.workers must be >= 1, got %d", c.Ingest.Workers)
	}
	if c.Ingest.DedupWindowSize < 1 {
		return fmt.Errorf("ingest.dedup_window_size must be >= 1, got %d", c.Ingest.DedupWindowSize)
	}
	if c.Admission.APIRateBudget < 1 {
		return fmt.Errorf("admission.api_rate_budget must be >= 1, got %d", c.Admission.APIRateBudget)
	}
	if c.Centrality.Damping <= 0 || c.Centrality.Damping >= 1 {
		return fmt.Errorf("centrality.damping must be in (0, 1), got %v", c.Centrality.Damping)
	}
	if c.Centrality.HopLimit < 1 {
		return fmt.Errorf("centrality.hop_limit must be >= 1, got %d", c.Centrality.HopLimit)
	}
	if c.Trends.WindowWidth <= 0 {
		return fmt.Errorf("trends.window_width must be > 0")
	}
	if c.Trends.RetentionHorizon < c.Trends.WindowWidth {
		return fmt.Errorf("trends.retention_horizon must be >= trends.window_width")
	}
	if c.Breakout.Threshold <= 0 {
		return fmt.Errorf("breakout.threshold must be > 0, got %v", c.Breakout.Threshold)
	}
	if c.Breakout.BaselineMinWindows > c.Breakout.BaselineWindows {
		return fmt.Errorf("breakout.baseline_min_windows must be <= breakout.baseline_windows")
	}
	if c.Retention.TombstoneRetention <= 0 {
		return fmt.Errorf("retention.tombstone_retention must be > 0")
	}
	return nil
}
