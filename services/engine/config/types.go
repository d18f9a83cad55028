// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config defines the engine's yaml configuration and its
// loader. A subset of fields (detection threshold, cooldown, hop
// limit, rate budget) is hot-reloadable through the file watcher;
// everything else takes effect at startup only.
package config

import (
	"time"
)

// Config is the root configuration for the engine.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Admission AdmissionConfig `yaml:"admission"`

	Centrality CentralityConfig `yaml:"centrality"`
	Trends     TrendsConfig     `yaml:"trends"`
	Breakout   BreakoutConfig   `yaml:"breakout"`
	Retention  RetentionConfig  `yaml:"retention"`

	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `yaml:"addr"`

	// MetricsEnabled exposes /metrics when true.
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// StorageConfig configures the badger-backed delta log.
type StorageConfig struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path string `yaml:"path"`

	// InMemory runs badger without disk persistence (tests, dev).
	InMemory bool `yaml:"in_memory"`

	// SyncWrites fsyncs every append. Slower, safer.
	SyncWrites bool `yaml:"sync_writes"`

	// GCInterval is the value-log GC cadence. Zero disables GC.
	GCInterval time.Duration `yaml:"gc_interval"`
}

// IngestConfig configures event admission and ordering.
type IngestConfig struct {
	// DedupWindowSize is the trailing dedup key window.
	DedupWindowSize int `yaml:"dedup_window_size"`

	// OrphanRetryWindow bounds how long edge events wait for their
	// endpoint nodes before being discarded.
	OrphanRetryWindow time.Duration `yaml:"orphan_retry_window"`

	// Workers is the pipeline partition count.
	Workers int `yaml:"workers"`
}

// AdmissionConfig configures the upstream rate budget.
type AdmissionConfig struct {
	// APIRateBudget is requests per BudgetInterval. Hot-reloadable.
	APIRateBudget int `yaml:"api_rate_budget"`

	// BudgetInterval is the budget window, normally one hour.
	BudgetInterval time.Duration `yaml:"budget_interval"`

	// Burst is the token bucket burst size.
	Burst int `yaml:"burst"`

	// PollIntervalFloor is the minimum suggested poll cadence.
	PollIntervalFloor time.Duration `yaml:"poll_interval_floor"`
}

// CentralityConfig configures score maintenance.
type CentralityConfig struct {
	// HopLimit bounds incremental propagation depth. Hot-reloadable.
	HopLimit int `yaml:"hop_limit"`

	// Damping is the PageRank damping factor.
	Damping float64 `yaml:"damping"`

	// FullPassInterval schedules the corrective full pass.
	FullPassInterval time.Duration `yaml:"full_pass_interval"`

	// Convergence and MaxIterations bound the full pass.
	Convergence   float64 `yaml:"convergence"`
	MaxIterations int     `yaml:"max_iterations"`
}

// TrendsConfig configures window aggregation.
type TrendsConfig struct {
	// WindowWidth is the bucket width.
	WindowWidth time.Duration `yaml:"window_width"`

	// RetentionHorizon bounds late arrival and bucket retention.
	RetentionHorizon time.Duration `yaml:"retention_horizon"`

	// Influx optionally exports closed buckets.
	Influx InfluxConfig `yaml:"influx"`
}

// InfluxConfig configures the optional closed-bucket exporter.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// BreakoutConfig configures signal detection.
type BreakoutConfig struct {
	// Threshold is the z-score a crossing must reach. Hot-reloadable.
	Threshold float64 `yaml:"threshold"`

	// Cooldown suppresses repeat signals per entity. Hot-reloadable.
	Cooldown time.Duration `yaml:"cooldown"`

	// BaselineWindows and BaselineMinWindows control the trailing
	// baseline.
	BaselineWindows    int `yaml:"baseline_windows"`
	BaselineMinWindows int `yaml:"baseline_min_windows"`

	// Engagement blends the anomaly inputs.
	Engagement EngagementConfig `yaml:"engagement"`
}

// EngagementConfig weights the engagement anomaly blend.
type EngagementConfig struct {
	CentralityWeight float64 `yaml:"centrality_weight"`
	VelocityWeight   float64 `yaml:"velocity_weight"`
}

// RetentionConfig configures history horizons.
type RetentionConfig struct {
	// DeltaHorizon bounds delta log replay history.
	DeltaHorizon time.Duration `yaml:"delta_horizon"`

	// TombstoneRetention delays physical deletion of removed entities.
	TombstoneRetention time.Duration `yaml:"tombstone_retention"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`

	// Dir enables daily log files in the given directory when set.
	Dir string `yaml:"dir"`
}

// DefaultConfig returns a runnable configuration.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:           ":8080",
			MetricsEnabled: true,
		},
		Storage: StorageConfig{
			Path:       "data/deltalog",
			SyncWrites: false,
			GCInterval: 10 * time.Minute,
		},
		Ingest: IngestConfig{
			DedupWindowSize:   65536,
			OrphanRetryWindow: 5 * time.Minute,
			Workers:           4,
		},
		Admission: AdmissionConfig{
			APIRateBudget:     5000,
			BudgetInterval:    time.Hour,
			Burst:             100,
			PollIntervalFloor: 30 * time.Second,
		},
		Centrality: CentralityConfig{
			HopLimit:         2,
			Damping:          0.85,
			FullPassInterval: 15 * time.Minute,
			Convergence:      1e-6,
			MaxIterations:    100,
		},
		Trends: TrendsConfig{
			WindowWidth:      time.Hour,
			RetentionHorizon: 24 * time.Hour,
		},
		Breakout: BreakoutConfig{
			Threshold:          3.0,
			Cooldown:           6 * time.Hour,
			BaselineWindows:    24,
			BaselineMinWindows: 6,
			Engagement: EngagementConfig{
				CentralityWeight: 0.5,
				VelocityWeight:   0.5,
			},
		},
		Retention: RetentionConfig{
			DeltaHorizon:       72 * time.Hour,
			TombstoneRetention: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
