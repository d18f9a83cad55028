// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry provides OpenTelemetry metrics for the ingestion
// and analytics engine, exported in Prometheus format.
//
// Recoverable pipeline conditions (stale overwrites, orphan discards,
// dedup hits) are reported here rather than surfaced as errors, per the
// engine's containment policy.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Provider bundles the meter provider with its Prometheus endpoint.
type Provider struct {
	// MeterProvider is the SDK meter provider backing all instruments.
	MeterProvider *sdkmetric.MeterProvider

	// Handler serves the /metrics scrape endpoint.
	Handler http.Handler

	registry *prometheus.Registry
}

// NewProvider creates a meter provider with a Prometheus exporter.
//
// Outputs:
//
//	*Provider - The provider. Call Shutdown on process exit.
//	error - Non-nil if exporter registration fails.
func NewProvider() (*Provider, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	return &Provider{
		MeterProvider: mp,
		Handler:       promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		registry:      registry,
	}, nil
}

// Meter returns a named meter from the provider.
func (p *Provider) Meter() metric.Meter {
	return p.MeterProvider.Meter("ghintel")
}

// Metrics contains pre-defined metrics for the ingestion engine.
//
// All metrics use the "ghintel_" prefix for consistent naming.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- Ingest Metrics ---

	// EventsTotal counts admitted events by outcome
	// (accepted, deduplicated, rejected, malformed).
	EventsTotal metric.Int64Counter

	// StaleOverwritesRejected counts older events that attempted to
	// regress a monotonic field and were merged instead.
	StaleOverwritesRejected metric.Int64Counter

	// OrphanEdgesBuffered counts edge events parked awaiting their
	// endpoint node's creation event.
	OrphanEdgesBuffered metric.Int64Counter

	// OrphanEdgesDiscarded counts orphan edge events dropped after the
	// retry window expired unresolved.
	OrphanEdgesDiscarded metric.Int64Counter

	// --- Graph Metrics ---

	// DeltasAppended counts committed deltas by op.
	DeltasAppended metric.Int64Counter

	// ApplyDuration records GraphStore.Apply duration in seconds.
	ApplyDuration metric.Float64Histogram

	// TombstonesCompacted counts physically deleted tombstones.
	TombstonesCompacted metric.Int64Counter

	// --- Centrality Metrics ---

	// PropagationsTotal counts bounded-hop re-propagations.
	PropagationsTotal metric.Int64Counter

	// FullPassDuration records full convergence pass duration in seconds.
	FullPassDuration metric.Float64Histogram

	// FullPassCancellations counts full passes interrupted at a checkpoint.
	FullPassCancellations metric.Int64Counter

	// --- Trend Metrics ---

	// ClosedBucketIncrements counts rejected increments against frozen buckets.
	ClosedBucketIncrements metric.Int64Counter

	// LateEventsDropped counts events older than the retention horizon.
	LateEventsDropped metric.Int64Counter

	// --- Breakout Metrics ---

	// SignalsEmitted counts breakout signals by kind.
	SignalsEmitted metric.Int64Counter

	// SignalsSuppressed counts threshold crossings swallowed by cooldown.
	SignalsSuppressed metric.Int64Counter

	// --- Consumer Metrics ---

	// ConsumerResyncs counts consumers forced to reload from a snapshot.
	ConsumerResyncs metric.Int64Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
//
// Inputs:
//
//	meter - The OTel meter to use for metric registration.
//
// Outputs:
//
//	*Metrics - The metrics instance with all instruments initialized.
//	error - Non-nil if metric registration fails.
//
// Thread Safety: Safe for concurrent use after creation.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsTotal, err = meter.Int64Counter(
		"ghintel_events_total",
		metric.WithDescription("Total ingest events by outcome"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create events_total: %w", err)
	}

	m.StaleOverwritesRejected, err = meter.Int64Counter(
		"ghintel_stale_overwrites_rejected_total",
		metric.WithDescription("Older events merged instead of regressing monotonic fields"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create stale_overwrites_rejected: %w", err)
	}

	m.OrphanEdgesBuffered, err = meter.Int64Counter(
		"ghintel_orphan_edges_buffered_total",
		metric.WithDescription("Edge events buffered awaiting endpoint node creation"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create orphan_edges_buffered: %w", err)
	}

	m.OrphanEdgesDiscarded, err = meter.Int64Counter(
		"ghintel_orphan_edges_discarded_total",
		metric.WithDescription("Orphan edge events dropped after the retry window"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create orphan_edges_discarded: %w", err)
	}

	m.DeltasAppended, err = meter.Int64Counter(
		"ghintel_deltas_appended_total",
		metric.WithDescription("Committed graph deltas by op"),
		metric.WithUnit("{delta}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create deltas_appended: %w", err)
	}

	m.ApplyDuration, err = meter.Float64Histogram(
		"ghintel_apply_duration_seconds",
		metric.WithDescription("GraphStore apply duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1),
	)
	if err != nil {
		return nil, fmt.Errorf("create apply_duration: %w", err)
	}

	m.TombstonesCompacted, err = meter.Int64Counter(
		"ghintel_tombstones_compacted_total",
		metric.WithDescription("Tombstoned entities physically deleted after retention"),
		metric.WithUnit("{entity}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tombstones_compacted: %w", err)
	}

	m.PropagationsTotal, err = meter.Int64Counter(
		"ghintel_centrality_propagations_total",
		metric.WithDescription("Bounded-hop centrality re-propagations"),
		metric.WithUnit("{propagation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create propagations_total: %w", err)
	}

	m.FullPassDuration, err = meter.Float64Histogram(
		"ghintel_centrality_full_pass_duration_seconds",
		metric.WithDescription("Full centrality convergence pass duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, fmt.Errorf("create full_pass_duration: %w", err)
	}

	m.FullPassCancellations, err = meter.Int64Counter(
		"ghintel_centrality_full_pass_cancellations_total",
		metric.WithDescription("Full passes interrupted at a checkpoint"),
		metric.WithUnit("{pass}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create full_pass_cancellations: %w", err)
	}

	m.ClosedBucketIncrements, err = meter.Int64Counter(
		"ghintel_trend_closed_bucket_increments_total",
		metric.WithDescription("Increments rejected against frozen trend buckets"),
		metric.WithUnit("{increment}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create closed_bucket_increments: %w", err)
	}

	m.LateEventsDropped, err = meter.Int64Counter(
		"ghintel_trend_late_events_dropped_total",
		metric.WithDescription("Trend observations older than the retention horizon"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create late_events_dropped: %w", err)
	}

	m.SignalsEmitted, err = meter.Int64Counter(
		"ghintel_signals_emitted_total",
		metric.WithDescription("Breakout signals emitted by kind"),
		metric.WithUnit("{signal}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create signals_emitted: %w", err)
	}

	m.SignalsSuppressed, err = meter.Int64Counter(
		"ghintel_signals_suppressed_total",
		metric.WithDescription("Threshold crossings suppressed by cooldown"),
		metric.WithUnit("{signal}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create signals_suppressed: %w", err)
	}

	m.ConsumerResyncs, err = meter.Int64Counter(
		"ghintel_consumer_resyncs_total",
		metric.WithDescription("Delta consumers forced to reload from a snapshot"),
		metric.WithUnit("{resync}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create consumer_resyncs: %w", err)
	}

	return m, nil
}

// RegisterConsumerLag registers an observable gauge reporting how far a
// delta consumer lags behind the store version.
//
// Inputs:
//
//	meter - The OTel meter to use for registration.
//	lagFunc - Returns (consumer name, lag in deltas) pairs at scrape time.
//
// Outputs:
//
//	metric.Registration - Registration handle for cleanup.
//	error - Non-nil if registration fails.
func RegisterConsumerLag(meter metric.Meter, lagFunc func() map[string]int64) (metric.Registration, error) {
	gauge, err := meter.Int64ObservableGauge(
		"ghintel_consumer_lag_deltas",
		metric.WithDescription("Delta consumer lag behind the store version"),
		metric.WithUnit("{delta}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create consumer_lag: %w", err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for name, lag := range lagFunc() {
			o.ObserveInt64(gauge, lag, metric.WithAttributes(attribute.String("consumer", name)))
		}
		return nil
	}, gauge)
}

// Attr helpers shared by instrument call sites.

// Outcome returns the standard outcome attribute for EventsTotal.
func Outcome(v string) attribute.KeyValue {
	return attribute.String("outcome", v)
}

// Op returns the standard op attribute for DeltasAppended.
func Op(v string) attribute.KeyValue {
	return attribute.String("op", v)
}

// Kind returns the standard kind attribute for SignalsEmitted.
func Kind(v string) attribute.KeyValue {
	return attribute.String("kind", v)
}
