// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package trends

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// ExporterConfig configures the optional InfluxDB bucket exporter.
type ExporterConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// Enabled reports whether the config names a target.
func (c ExporterConfig) Enabled() bool {
	return c.URL != "" && c.Token != ""
}

// Exporter writes closed trend buckets to InfluxDB, one point per
// bucket.
//
// Thread Safety: Safe for concurrent use; the blocking write API
// serializes internally.
type Exporter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	logger   *slog.Logger
}

// NewExporter connects to InfluxDB.
//
// Outputs:
//
//	*Exporter - The exporter. Caller must Close on shutdown.
//	error - Non-nil if the config is incomplete.
func NewExporter(cfg ExporterConfig, logger *slog.Logger) (*Exporter, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("influx exporter requires url and token")
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Exporter{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		logger:   logger,
	}, nil
}

// Export writes the closed buckets.
//
// Failures are logged and returned but must not stall the pipeline;
// the caller drops the batch on error.
func (e *Exporter) Export(ctx context.Context, buckets []Bucket) error {
	if len(buckets) == 0 {
		return nil
	}
	start := time.Now()
	for _, b := range buckets {
		p := influxdb2.NewPoint(
			"topic_trends",
			map[string]string{
				"topic": b.Topic,
			},
			map[string]interface{}{
				"count":  b.Count,
				"weight": b.Weight,
			},
			b.Start,
		)
		if err := e.writeAPI.WritePoint(ctx, p); err != nil {
			e.logger.Error("failed to write trend buckets to InfluxDB",
				slog.String("topic", b.Topic),
				slog.Any("error", err),
			)
			return err
		}
	}

	e.logger.Debug("exported trend buckets",
		slog.Int("count", len(buckets)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// Close releases the client.
func (e *Exporter) Close() {
	e.client.Close()
}
