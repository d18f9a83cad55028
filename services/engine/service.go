// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/yksanjo/github-intelligence/pkg/logging"
	"github.com/yksanjo/github-intelligence/services/engine/admission"
	"github.com/yksanjo/github-intelligence/services/engine/breakout"
	"github.com/yksanjo/github-intelligence/services/engine/centrality"
	"github.com/yksanjo/github-intelligence/services/engine/config"
	"github.com/yksanjo/github-intelligence/services/engine/deltalog"
	"github.com/yksanjo/github-intelligence/services/engine/events"
	"github.com/yksanjo/github-intelligence/services/engine/graph"
	"github.com/yksanjo/github-intelligence/services/engine/telemetry"
	"github.com/yksanjo/github-intelligence/services/engine/trends"
)

// Service assembles the full engine: storage, admission, pipeline,
// analytics, and the HTTP surface.
//
// Thread Safety: Safe for concurrent use once Run has been called.
type Service struct {
	cfg    config.Config
	logger *logging.Logger

	provider *telemetry.Provider
	metrics  *telemetry.Metrics
	lagReg   metric.Registration

	store    *graph.Store
	log      *deltalog.Log
	gate     *admission.Controller
	ingestor *events.Ingestor

	centrality *centrality.Engine
	trends     *trends.Aggregator
	detector   *breakout.Detector
	exporter   *trends.Exporter

	pipeline *Pipeline
	ready    atomic.Bool
}

// NewService builds a service from configuration and restores the
// graph from the latest persisted snapshot.
//
// Outputs:
//
//	*Service - The assembled service. Call Run to start it.
//	error - Non-nil if storage or telemetry setup fails.
func NewService(cfg config.Config, logger *logging.Logger) (*Service, error) {
	if logger == nil {
		logger = logging.Default()
	}
	base := logger.Slog()

	provider, err := telemetry.NewProvider()
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	metrics, err := telemetry.NewMetrics(provider.Meter())
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	log, err := deltalog.Open(deltalog.Config{
		Path:           cfg.Storage.Path,
		InMemory:       cfg.Storage.InMemory,
		SyncWrites:     cfg.Storage.SyncWrites,
		GCInterval:     cfg.Storage.GCInterval,
		GCDiscardRatio: 0.5,
		Logger:         base,
	})
	if err != nil {
		return nil, fmt.Errorf("open delta log: %w", err)
	}

	store := graph.NewStore(graph.StoreOptions{
		TombstoneRetention: cfg.Retention.TombstoneRetention,
		Logger:             base,
		Metrics:            metrics,
	})

	gate := admission.NewController(admission.Options{
		RateBudget:     cfg.Admission.APIRateBudget,
		BudgetInterval: cfg.Admission.BudgetInterval,
		Burst:          cfg.Admission.Burst,
		PollFloor:      cfg.Admission.PollIntervalFloor,
	})

	ingestor := events.NewIngestor(events.IngestorOptions{
		DedupWindowSize: cfg.Ingest.DedupWindowSize,
		Gate:            gate,
		Logger:          base,
		Metrics:         metrics,
	})

	ranker := centrality.NewEngine(centrality.Options{
		HopLimit:      cfg.Centrality.HopLimit,
		DampingFactor: cfg.Centrality.Damping,
		MaxIterations: cfg.Centrality.MaxIterations,
		Convergence:   cfg.Centrality.Convergence,
		Logger:        base,
		Metrics:       metrics,
	})

	aggregator := trends.NewAggregator(trends.Options{
		WindowWidth:      cfg.Trends.WindowWidth,
		RetentionHorizon: cfg.Trends.RetentionHorizon,
		Logger:           base,
		Metrics:          metrics,
	})

	detector := breakout.NewDetector(breakout.Options{
		Threshold:          cfg.Breakout.Threshold,
		Cooldown:           cfg.Breakout.Cooldown,
		BaselineWindows:    cfg.Breakout.BaselineWindows,
		BaselineMinWindows: cfg.Breakout.BaselineMinWindows,
		Weights: breakout.EngagementWeights{
			CentralityWeight: cfg.Breakout.Engagement.CentralityWeight,
			VelocityWeight:   cfg.Breakout.Engagement.VelocityWeight,
		},
		Logger:  base,
		Metrics: metrics,
	})

	var exporter *trends.Exporter
	exporterCfg := trends.ExporterConfig{
		URL:    cfg.Trends.Influx.URL,
		Token:  cfg.Trends.Influx.Token,
		Org:    cfg.Trends.Influx.Org,
		Bucket: cfg.Trends.Influx.Bucket,
	}
	if exporterCfg.Enabled() {
		exporter, err = trends.NewExporter(exporterCfg, base)
		if err != nil {
			log.Close()
			return nil, fmt.Errorf("init trend exporter: %w", err)
		}
	}

	s := &Service{
		cfg:        cfg,
		logger:     logger,
		provider:   provider,
		metrics:    metrics,
		store:      store,
		log:        log,
		gate:       gate,
		ingestor:   ingestor,
		centrality: ranker,
		trends:     aggregator,
		detector:   detector,
		exporter:   exporter,
	}

	if err := s.restore(context.Background()); err != nil {
		log.Close()
		return nil, err
	}

	s.pipeline = NewPipeline(PipelineDeps{
		Store:      store,
		Log:        log,
		Ingestor:   ingestor,
		Centrality: ranker,
		Trends:     aggregator,
		Detector:   detector,
		Exporter:   exporter,
	}, PipelineOptions{
		Workers:           cfg.Ingest.Workers,
		OrphanRetryWindow: cfg.Ingest.OrphanRetryWindow,
		FullPassInterval:  cfg.Centrality.FullPassInterval,
		DeltaHorizon:      cfg.Retention.DeltaHorizon,
		Logger:            base,
		Metrics:           metrics,
	})

	s.lagReg, err = telemetry.RegisterConsumerLag(provider.Meter(), s.pipeline.Lags)
	if err != nil {
		return nil, fmt.Errorf("register lag gauge: %w", err)
	}
	return s, nil
}

// restore loads the latest persisted snapshot into the store, rebuilds
// the centrality engine from it, and drops any stale log tail past the
// snapshot version. Without a snapshot the engine starts empty.
func (s *Service) restore(ctx context.Context) error {
	sn, err := s.log.LatestSnapshot(ctx)
	if errors.Is(err, graph.ErrSnapshotNotFound) {
		s.logger.Info("no snapshot found, starting with an empty graph")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	s.store.Restore(sn)
	s.centrality.Rebuild(sn)

	dropped, err := s.log.TrimAfter(ctx, sn.Version)
	if err != nil {
		return fmt.Errorf("trim stale log tail: %w", err)
	}

	// Cursors may reference the dropped tail; pin them back to the
	// restored version so consumers resume from known state.
	for _, name := range []string{ConsumerCentrality, ConsumerTrends, ConsumerBreakout} {
		cursor, err := s.log.Cursor(name)
		if err != nil {
			return err
		}
		if cursor > sn.Version {
			if err := s.log.CommitCursor(name, sn.Version); err != nil {
				return err
			}
		}
	}

	s.logger.Info("restored graph from snapshot",
		slog.Uint64("version", sn.Version),
		slog.Int("nodes", s.store.NodeCount()),
		slog.Int("stale_deltas_dropped", dropped))
	return nil
}

// Run starts the pipeline, the HTTP server, and the config watcher,
// then blocks until the context is cancelled. Shutdown persists a
// final snapshot.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	router := s.buildRouter()
	server := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- s.pipeline.Run(ctx)
	}()
	go func() {
		s.logger.Info("http server listening", slog.String("addr", s.cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	s.ready.Store(true)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		cancel()
	}
	s.ready.Store(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown", slog.Any("error", err))
	}

	if sn, err := s.store.Snapshot(0); err == nil {
		if err := s.log.SaveSnapshot(shutdownCtx, sn); err != nil {
			s.logger.Warn("final snapshot persist failed", slog.Any("error", err))
		}
	}

	if s.lagReg != nil {
		_ = s.lagReg.Unregister()
	}
	if s.exporter != nil {
		s.exporter.Close()
	}
	if err := s.log.Close(); err != nil {
		s.logger.Warn("delta log close", slog.Any("error", err))
	}
	if err := s.provider.MeterProvider.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("telemetry shutdown", slog.Any("error", err))
	}
	return runErr
}

// ApplyConfig applies the hot-reloadable subset of a changed
// configuration: detection threshold and cooldown, hop limit, and the
// admission rate budget. Everything else requires a restart.
func (s *Service) ApplyConfig(cfg config.Config) {
	s.detector.SetThreshold(cfg.Breakout.Threshold)
	s.detector.SetCooldown(cfg.Breakout.Cooldown)
	s.centrality.SetHopLimit(cfg.Centrality.HopLimit)
	s.gate.SetBudget(cfg.Admission.APIRateBudget, cfg.Admission.BudgetInterval, cfg.Admission.Burst)
	s.cfg.Breakout = cfg.Breakout
	s.cfg.Centrality.HopLimit = cfg.Centrality.HopLimit
	s.cfg.Admission = cfg.Admission
	s.logger.Info("applied updated tunables",
		slog.Float64("threshold", cfg.Breakout.Threshold),
		slog.Int("hop_limit", cfg.Centrality.HopLimit),
		slog.Int("rate_budget", cfg.Admission.APIRateBudget))
}

// Replay feeds newline-delimited JSON events from r through the full
// pipeline, waits for the analytics consumers to drain, and writes a
// summary (top centrality scores, top topics, emitted signals) to w.
//
// Intended for offline runs against captured event logs; pair it with
// in-memory storage so nothing persists.
func (s *Service) Replay(ctx context.Context, r io.Reader, w io.Writer, topK int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.pipeline.Run(ctx) }()

	var submitted, skipped int
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev events.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			skipped++
			continue
		}
		admission, err := s.pipeline.Submit(ctx, &ev)
		if errors.Is(err, ErrRateLimited) {
			if err := s.gate.Wait(ctx); err != nil {
				return err
			}
			admission, err = s.pipeline.Submit(ctx, &ev)
		}
		if err != nil || admission != events.AdmissionAccepted {
			skipped++
			continue
		}
		submitted++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read events: %w", err)
	}

	if err := s.drain(ctx); err != nil {
		return err
	}

	summary := map[string]any{
		"submitted":     submitted,
		"skipped":       skipped,
		"graph_version": s.store.Version(),
		"nodes":         s.store.NodeCount(),
		"edges":         s.store.EdgeCount(),
		"top":           s.centrality.Top(topK),
		"topics":        s.trends.TopTopics(topK),
		"signals":       s.detector.Recent(topK),
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return err
	}

	cancel()
	<-done
	return nil
}

// drain waits until every consumer cursor reaches the store version.
func (s *Service) drain(ctx context.Context) error {
	for {
		caughtUp := true
		for _, lag := range s.pipeline.Lags() {
			if lag > 0 {
				caughtUp = false
				break
			}
		}
		if caughtUp && s.pipeline.OrphanCount() == 0 {
			return nil
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Ready reports whether the service is accepting traffic.
func (s *Service) Ready() bool {
	return s.ready.Load()
}
