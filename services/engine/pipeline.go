// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine wires the ingest pipeline: admission, partitioned
// apply workers, the persisted delta stream, and the analytics
// consumers that follow it.
package engine

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/yksanjo/github-intelligence/services/engine/breakout"
	"github.com/yksanjo/github-intelligence/services/engine/centrality"
	"github.com/yksanjo/github-intelligence/services/engine/deltalog"
	"github.com/yksanjo/github-intelligence/services/engine/events"
	"github.com/yksanjo/github-intelligence/services/engine/graph"
	"github.com/yksanjo/github-intelligence/services/engine/telemetry"
	"github.com/yksanjo/github-intelligence/services/engine/trends"
)

const (
	// DefaultWorkers is the partition count.
	DefaultWorkers = 4

	// DefaultQueueDepth is the per-partition event queue depth.
	DefaultQueueDepth = 1024

	// DefaultMaintenanceInterval drives bucket closing, orphan expiry,
	// tombstone compaction, and delta trimming.
	DefaultMaintenanceInterval = time.Minute

	// DefaultSnapshotInterval drives periodic snapshot persistence.
	DefaultSnapshotInterval = 10 * time.Minute

	// consumerReadBatch is the max deltas one consumer read returns.
	consumerReadBatch = 256
)

// Consumer names double as delta log cursor keys.
const (
	ConsumerCentrality = "centrality"
	ConsumerTrends     = "trends"
	ConsumerBreakout   = "breakout"
)

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	// Workers is the partition count. Events for one entity always
	// land on the same worker, so no entity is applied concurrently.
	Workers int

	// QueueDepth is the per-partition queue depth.
	QueueDepth int

	// OrphanRetryWindow bounds how long parked edge events wait.
	OrphanRetryWindow time.Duration

	// FullPassInterval schedules the corrective centrality pass. The
	// pass gets half the interval as its budget; an over-budget pass
	// is interrupted at a checkpoint and resumes next tick.
	FullPassInterval time.Duration

	// DeltaHorizon bounds replay history; older deltas are trimmed
	// even past unmoved cursors, forcing lagging consumers to resync.
	DeltaHorizon time.Duration

	// MaintenanceInterval and SnapshotInterval drive the background
	// tickers.
	MaintenanceInterval time.Duration
	SnapshotInterval    time.Duration

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

func (o *PipelineOptions) validate() {
	if o.Workers < 1 {
		o.Workers = DefaultWorkers
	}
	if o.QueueDepth < 1 {
		o.QueueDepth = DefaultQueueDepth
	}
	if o.OrphanRetryWindow <= 0 {
		o.OrphanRetryWindow = events.DefaultOrphanRetryWindow
	}
	if o.FullPassInterval <= 0 {
		o.FullPassInterval = 15 * time.Minute
	}
	if o.DeltaHorizon <= 0 {
		o.DeltaHorizon = 72 * time.Hour
	}
	if o.MaintenanceInterval <= 0 {
		o.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if o.SnapshotInterval <= 0 {
		o.SnapshotInterval = DefaultSnapshotInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Pipeline connects the ingestor to the store and fans committed
// deltas out to the analytics consumers.
//
// Description:
//
//	Admitted events are FNV-hashed by entity key onto one of N
//	partition workers, so a single entity is never applied
//	concurrently. Each successful apply appends the delta to the
//	badger log; the centrality, trends, and breakout consumers each
//	follow the log with their own committed cursor, so a slow
//	consumer never blocks the writers.
//
// Thread Safety: Safe for concurrent use.
type Pipeline struct {
	store    *graph.Store
	log      *deltalog.Log
	ingestor *events.Ingestor
	orphans  *events.OrphanBuffer

	centrality *centrality.Engine
	trends     *trends.Aggregator
	detector   *breakout.Detector
	exporter   *trends.Exporter

	queues []chan *events.Event
	notify chan struct{}
	closed chan struct{}

	// commitMu makes sequence assignment and the log append one
	// atomic step across partition workers. Without it a worker could
	// append seq N+1 before another appends N, and a consumer reading
	// past the hole would commit beyond a delta it never saw.
	commitMu sync.Mutex

	// horizonFrom is where the last retention scan stopped. Owned by
	// the maintenance goroutine.
	horizonFrom uint64

	opts PipelineOptions
}

// PipelineDeps are the components the pipeline coordinates.
type PipelineDeps struct {
	Store      *graph.Store
	Log        *deltalog.Log
	Ingestor   *events.Ingestor
	Centrality *centrality.Engine
	Trends     *trends.Aggregator
	Detector   *breakout.Detector

	// Exporter is optional; nil disables bucket export.
	Exporter *trends.Exporter
}

// NewPipeline creates a pipeline. Call Run to start it.
func NewPipeline(deps PipelineDeps, opts PipelineOptions) *Pipeline {
	opts.validate()
	queues := make([]chan *events.Event, opts.Workers)
	for i := range queues {
		queues[i] = make(chan *events.Event, opts.QueueDepth)
	}
	return &Pipeline{
		store:      deps.Store,
		log:        deps.Log,
		ingestor:   deps.Ingestor,
		orphans:    events.NewOrphanBuffer(opts.OrphanRetryWindow),
		centrality: deps.Centrality,
		trends:     deps.Trends,
		detector:   deps.Detector,
		exporter:   deps.Exporter,
		queues:     queues,
		notify:     make(chan struct{}, 1),
		closed:     make(chan struct{}),
		opts:       opts,
	}
}

// Submit admits one event and, when accepted, schedules it on its
// partition.
//
// Outputs:
//
//	events.Admission - The admission outcome.
//	error - ErrRateLimited, ErrMalformedEvent, ErrPipelineClosed, or
//	ctx.Err(). Deduplicated events return AdmissionDeduplicated, nil.
func (p *Pipeline) Submit(ctx context.Context, ev *events.Event) (events.Admission, error) {
	select {
	case <-p.closed:
		return events.AdmissionRejected, ErrPipelineClosed
	default:
	}

	admission, err := p.ingestor.Admit(ctx, ev)
	if err != nil || admission != events.AdmissionAccepted {
		return admission, err
	}
	if err := p.enqueue(ctx, ev); err != nil {
		// The event never reached its partition. Release the dedup key
		// so a resubmission is admitted instead of silently dropped as
		// a duplicate.
		p.ingestor.Forget(ev)
		return events.AdmissionRejected, err
	}
	return events.AdmissionAccepted, nil
}

func (p *Pipeline) enqueue(ctx context.Context, ev *events.Event) error {
	select {
	case p.queues[p.partition(ev)] <- ev:
		return nil
	case <-p.closed:
		return ErrPipelineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) partition(ev *events.Event) int {
	h := fnv.New32a()
	h.Write([]byte(ev.Entity.Key()))
	return int(h.Sum32() % uint32(len(p.queues)))
}

// Run starts the workers, consumers, and background tickers and
// blocks until the context is cancelled or a fatal error occurs.
//
// A version conflict from the store is fatal and shuts the pipeline
// down; every other apply failure is contained and counted.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := range p.queues {
		queue := p.queues[i]
		g.Go(func() error { return p.runWorker(ctx, queue) })
	}

	g.Go(func() error {
		return p.runConsumer(ctx, ConsumerCentrality, p.consumeCentrality)
	})
	g.Go(func() error {
		return p.runConsumer(ctx, ConsumerTrends, p.consumeTrends)
	})
	g.Go(func() error {
		return p.runConsumer(ctx, ConsumerBreakout, p.consumeBreakout)
	})

	g.Go(func() error { return p.runMaintenance(ctx) })
	g.Go(func() error { return p.runFullPassScheduler(ctx) })
	g.Go(func() error { return p.runSnapshotter(ctx) })

	<-ctx.Done()
	close(p.closed)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pipeline) runWorker(ctx context.Context, queue <-chan *events.Event) error {
	for {
		select {
		case ev := <-queue:
			if err := p.applyEvent(ctx, ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// applyEvent applies one admitted event. Only version conflicts
// propagate; everything else is contained here.
func (p *Pipeline) applyEvent(ctx context.Context, ev *events.Event) error {
	// Apply assigns the sequence and Append persists it; holding
	// commitMu across both keeps the log contiguous when workers on
	// different partitions commit concurrently.
	p.commitMu.Lock()
	delta, err := p.store.Apply(ctx, ev)
	var appendErr error
	if err == nil {
		appendErr = p.log.Append(ctx, delta)
	}
	p.commitMu.Unlock()

	var unknown *graph.UnknownEntityError
	switch {
	case errors.As(err, &unknown):
		p.orphans.Park(unknown.MissingNode, ev, time.Now())
		if p.opts.Metrics != nil {
			p.opts.Metrics.OrphanEdgesBuffered.Add(ctx, 1)
		}
		p.opts.Logger.Debug("edge event parked for missing endpoint",
			slog.String("missing_node", unknown.MissingNode),
			slog.String("dedup_key", ev.DedupKey))
		return nil

	case errors.Is(err, graph.ErrVersionConflict):
		p.opts.Logger.Error("version conflict in graph store, shutting down",
			slog.String("entity", ev.Entity.Key()))
		return err

	case errors.Is(err, events.ErrMalformedEvent):
		if p.opts.Metrics != nil {
			p.opts.Metrics.EventsTotal.Add(ctx, 1,
				metric.WithAttributes(telemetry.Outcome("malformed")))
		}
		p.opts.Logger.Warn("malformed event reached apply",
			slog.String("entity", ev.Entity.Key()))
		return nil

	case err != nil:
		p.opts.Logger.Warn("apply failed",
			slog.String("entity", ev.Entity.Key()),
			slog.Any("error", err))
		return nil
	}

	if appendErr != nil {
		p.opts.Logger.Error("failed to append delta",
			slog.Uint64("seq", delta.Seq),
			slog.Any("error", appendErr))
		return appendErr
	}
	p.wake()

	// A node becoming live may unblock parked edge events. They
	// re-enter through their own partition to keep entity affinity.
	if delta.Entity == graph.EntityNode && delta.NodeAfter != nil && !delta.NodeAfter.Removed() {
		for _, parked := range p.orphans.Resolve(delta.NodeAfter.ID.String()) {
			parked := parked
			go func() {
				if err := p.enqueue(context.Background(), parked); err != nil {
					p.opts.Logger.Debug("dropped resolved orphan on shutdown",
						slog.String("dedup_key", parked.DedupKey))
				}
			}()
		}
	}
	return nil
}

func (p *Pipeline) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// runConsumer follows the delta log from the consumer's committed
// cursor, invoking handle per delta in sequence order.
func (p *Pipeline) runConsumer(ctx context.Context, name string, handle func(*graph.Delta)) error {
	cursor, err := p.log.Cursor(name)
	if err != nil {
		return err
	}

	for {
		deltas, err := p.log.Read(ctx, cursor+1, consumerReadBatch)
		switch {
		case errors.Is(err, deltalog.ErrResyncRequired):
			cursor, err = p.resync(ctx, name)
			if err != nil {
				return err
			}
			continue
		case errors.Is(err, context.Canceled):
			return err
		case err != nil:
			return err
		}

		for _, d := range deltas {
			handle(d)
			cursor = d.Seq
		}
		if len(deltas) > 0 {
			if err := p.log.CommitCursor(name, cursor); err != nil {
				return err
			}
			continue
		}

		select {
		case <-p.notify:
			p.wake() // other consumers may be waiting on the same edge
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// resync reloads a lagging consumer from the current graph state and
// jumps its cursor to the store version.
func (p *Pipeline) resync(ctx context.Context, name string) (uint64, error) {
	if p.opts.Metrics != nil {
		p.opts.Metrics.ConsumerResyncs.Add(ctx, 1)
	}
	sn, err := p.store.Snapshot(0)
	if err != nil {
		return 0, err
	}
	if name == ConsumerCentrality {
		p.centrality.Rebuild(sn)
	}
	// Trends and breakout lose the skipped observations; their
	// baselines recover over the following windows.
	p.opts.Logger.Warn("consumer resynced from snapshot",
		slog.String("consumer", name),
		slog.Uint64("version", sn.Version))
	if err := p.log.CommitCursor(name, sn.Version); err != nil {
		return 0, err
	}
	return sn.Version, nil
}

func (p *Pipeline) consumeCentrality(d *graph.Delta) {
	p.centrality.ApplyDelta(d)
}

func (p *Pipeline) consumeTrends(d *graph.Delta) {
	if d.Entity != graph.EntityNode || d.NodeAfter == nil || d.Op == graph.OpRemove {
		return
	}
	after := d.NodeAfter
	if after.ID.Kind != graph.NodeKindRepository {
		return
	}

	topics := after.Attrs.Topics
	if after.Attrs.Language != "" {
		topics = append(append([]string(nil), topics...), after.Attrs.Language)
	}

	weight := int64(1)
	if d.NodeBefore != nil {
		if gained := after.Attrs.Stars - d.NodeBefore.Attrs.Stars; gained > 0 {
			weight = gained
		}
	}
	p.trends.Observe(topics, d.Timestamp, weight)
}

func (p *Pipeline) consumeBreakout(d *graph.Delta) {
	if d.Entity != graph.EntityNode || d.NodeAfter == nil {
		return
	}
	score, _ := p.centrality.Score(d.NodeAfter.ID)
	p.detector.ObserveNodeDelta(d, score.Score)
}

// runMaintenance closes expired buckets, expires orphans, compacts
// tombstones, and trims the delta log.
func (p *Pipeline) runMaintenance(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.maintain(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Pipeline) maintain(ctx context.Context) {
	now := time.Now()

	closed := p.trends.CloseExpired(now)
	for _, b := range closed {
		p.detector.ObserveBucket(b)
	}
	if p.exporter != nil && len(closed) > 0 {
		if err := p.exporter.Export(ctx, closed); err != nil {
			p.opts.Logger.Warn("trend export failed, dropping batch",
				slog.Int("buckets", len(closed)),
				slog.Any("error", err))
		}
	}

	if discarded := p.orphans.Expire(now); discarded > 0 {
		if p.opts.Metrics != nil {
			p.opts.Metrics.OrphanEdgesDiscarded.Add(ctx, int64(discarded))
		}
		p.opts.Logger.Info("discarded unresolved orphan edges",
			slog.Int("count", discarded))
	}

	p.store.CompactTombstones(ctx, now)
	p.trimDeltas(ctx, now)
}

// trimDeltas drops deltas every consumer has committed past, plus
// anything older than the delta horizon regardless of cursors.
func (p *Pipeline) trimDeltas(ctx context.Context, now time.Time) {
	trimTo, err := p.log.MinCursor()
	if err != nil {
		p.opts.Logger.Warn("min cursor lookup failed", slog.Any("error", err))
		return
	}

	if horizonSeq := p.horizonSeq(ctx, now); horizonSeq > trimTo {
		trimTo = horizonSeq
	}
	if trimTo == 0 {
		return
	}
	if _, err := p.log.Trim(ctx, trimTo); err != nil {
		p.opts.Logger.Warn("delta trim failed", slog.Any("error", err))
	}
}

// horizonSeq finds the first retained sequence inside the delta
// horizon. Deltas before it are expired history.
//
// Timestamps never move backwards across the stream, so each scan
// resumes where the previous tick stopped instead of re-decoding the
// whole retained range every interval.
func (p *Pipeline) horizonSeq(ctx context.Context, now time.Time) uint64 {
	oldest, err := p.log.OldestSeq()
	if err != nil || oldest == 0 {
		return 0
	}
	cutoff := now.Add(-p.opts.DeltaHorizon)

	seq := oldest
	if p.horizonFrom > seq {
		seq = p.horizonFrom
	}
	for {
		deltas, err := p.log.Read(ctx, seq, consumerReadBatch)
		if err != nil || len(deltas) == 0 {
			p.horizonFrom = seq
			return seq
		}
		for _, d := range deltas {
			if !d.Timestamp.Before(cutoff) {
				p.horizonFrom = d.Seq
				return d.Seq
			}
			seq = d.Seq + 1
		}
	}
}

// runFullPassScheduler runs the corrective centrality pass on a
// ticker, giving each run half the interval before interrupting it at
// a checkpoint; interrupted passes resume on the next tick.
func (p *Pipeline) runFullPassScheduler(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.FullPassInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			passCtx, cancel := context.WithTimeout(ctx, p.opts.FullPassInterval/2)
			result, err := p.centrality.FullPass(passCtx, p.store.Version())
			cancel()
			if err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
			if result != nil && result.Interrupted {
				p.opts.Logger.Info("full pass over budget, will resume",
					slog.Int("iterations", result.Iterations))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Pipeline) runSnapshotter(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sn, err := p.store.Snapshot(0)
			if err != nil {
				p.opts.Logger.Warn("snapshot failed", slog.Any("error", err))
				continue
			}
			if err := p.log.SaveSnapshot(ctx, sn); err != nil {
				p.opts.Logger.Warn("snapshot persist failed",
					slog.Uint64("version", sn.Version),
					slog.Any("error", err))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Lags reports per-consumer delta lag for the telemetry gauge.
func (p *Pipeline) Lags() map[string]int64 {
	version := p.store.Version()
	lags := make(map[string]int64, 3)
	for _, name := range []string{ConsumerCentrality, ConsumerTrends, ConsumerBreakout} {
		cursor, err := p.log.Cursor(name)
		if err != nil {
			continue
		}
		lags[name] = int64(version) - int64(cursor)
	}
	return lags
}

// OrphanCount reports currently parked edge events (readiness).
func (p *Pipeline) OrphanCount() int {
	return p.orphans.Len()
}
