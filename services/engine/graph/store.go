// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph implements the versioned, mutation-tracked store of
// repository and developer nodes and their typed edges.
//
// Apply is the only mutation entry point. Every accepted apply bumps
// the global version exactly once and returns an immutable Delta; the
// delta stream is the sole propagation channel to derived-state
// consumers. Removal is tombstoned, never immediate, so consumers can
// distinguish deletion from staleness.
package graph

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/yksanjo/github-intelligence/services/engine/events"
	"github.com/yksanjo/github-intelligence/services/engine/telemetry"
)

// DefaultTombstoneRetention is how long removed entities are retained
// before physical deletion.
const DefaultTombstoneRetention = 24 * time.Hour

// StoreOptions configures Store behavior.
type StoreOptions struct {
	// TombstoneRetention is the minimum age of a tombstone before
	// CompactTombstones may delete it. Default: 24h.
	TombstoneRetention time.Duration

	// Logger for store diagnostics. Nil means slog.Default().
	Logger *slog.Logger

	// Metrics records apply durations and merge outcomes. May be nil.
	Metrics *telemetry.Metrics
}

// Store is the versioned graph of the GitHub ecosystem.
//
// Description:
//
//	Nodes and edges are owned exclusively by the store; accessors
//	return copies. The global version counter and the entity tables
//	are the only process-wide mutable shared state in the engine, and
//	all mutation is serialized through Apply. The pipeline partitions
//	events by entity so Apply is never called concurrently for the
//	same entity; the internal mutex additionally serializes the
//	version counter across partitions.
//
// Thread Safety: Safe for concurrent use. Readers never block writers
// beyond the internal RWMutex hold, which covers only map access and
// copying.
type Store struct {
	mu        sync.RWMutex
	nodes     map[NodeID]*Node
	edges     map[EdgeID]*Edge
	nodeEdges map[NodeID]map[EdgeID]struct{}
	version   uint64
	lastEvent time.Time

	opts    StoreOptions
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewStore creates an empty store.
func NewStore(opts StoreOptions) *Store {
	if opts.TombstoneRetention <= 0 {
		opts.TombstoneRetention = DefaultTombstoneRetention
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		nodes:     make(map[NodeID]*Node),
		edges:     make(map[EdgeID]*Edge),
		nodeEdges: make(map[NodeID]map[EdgeID]struct{}),
		opts:      opts,
		logger:    logger,
		metrics:   opts.Metrics,
	}
}

// Version returns the current global version.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// NodeCount returns the number of live (non-tombstoned) nodes.
func (s *Store) NodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, node := range s.nodes {
		if !node.Removed() {
			n++
		}
	}
	return n
}

// EdgeCount returns the number of live (non-tombstoned) edges.
func (s *Store) EdgeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, edge := range s.edges {
		if !edge.Removed() {
			n++
		}
	}
	return n
}

// GetNode returns a copy of the node, tombstoned or live.
func (s *Store) GetNode(id NodeID) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[id]
	if !ok {
		return nil, false
	}
	return node.Clone(), true
}

// GetEdge returns a copy of the edge, tombstoned or live.
func (s *Store) GetEdge(id EdgeID) (*Edge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	edge, ok := s.edges[id]
	if !ok {
		return nil, false
	}
	return edge.Clone(), true
}

// HasLiveNode reports whether the node exists and is not tombstoned.
func (s *Store) HasLiveNode(id NodeID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[id]
	return ok && !node.Removed()
}

// Apply applies one admitted event and returns the committed delta.
//
// Description:
//
//	The only mutation entry point. Upsert-or-create per the merge
//	rules: monotonic counters (stars, forks, edge weight) never
//	regress — an older event contributes via max / saturating add;
//	non-monotonic fields follow latest-ObservedAt-wins. The global
//	version increments exactly once per successful call. No-op events
//	still return a Delta with Op=Update and Before==After, without
//	bumping the entity's own version.
//
// Inputs:
//
//	ctx - Context, used for metric recording only; Apply never blocks.
//	ev - The admitted event. Must have passed Event.Validate.
//
// Outputs:
//
//	*Delta - The committed change. Nil on error.
//	error - events.ErrMalformedEvent for unparseable kinds,
//	*UnknownEntityError for edges referencing absent nodes (the
//	pipeline buffers these), ErrVersionConflict on invariant
//	violation (fatal).
//
// Thread Safety: Safe for concurrent use; serialized internally.
func (s *Store) Apply(ctx context.Context, ev *events.Event) (*Delta, error) {
	start := time.Now()

	s.mu.Lock()
	delta, err := s.applyLocked(ev)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ApplyDuration.Record(ctx, time.Since(start).Seconds())
		if err == nil {
			s.metrics.DeltasAppended.Add(ctx, 1,
				metric.WithAttributes(telemetry.Op(delta.Op.String())))
		}
	}
	return delta, err
}

func (s *Store) applyLocked(ev *events.Event) (*Delta, error) {
	var (
		delta *Delta
		err   error
	)
	if ev.Entity.IsEdge {
		delta, err = s.applyEdge(ev)
	} else {
		delta, err = s.applyNode(ev)
	}
	if err != nil {
		return nil, err
	}

	// Exactly one version bump per successful apply.
	s.version++
	delta.Seq = s.version
	if ev.ObservedAt.After(s.lastEvent) {
		s.lastEvent = ev.ObservedAt
	}

	// Stamp the new entity version on real changes. The before image
	// keeps the old version, which is what marks no-ops.
	if delta.changed {
		switch delta.Entity {
		case EntityNode:
			s.nodes[delta.NodeAfter.ID].Version = s.version
			delta.NodeAfter.Version = s.version
		case EntityEdge:
			s.edges[delta.EdgeAfter.ID].Version = s.version
			delta.EdgeAfter.Version = s.version
		}
	}
	return delta, nil
}

// applyNode handles node create, merge, and tombstone.
func (s *Store) applyNode(ev *events.Event) (*Delta, error) {
	kind := ParseNodeKind(ev.Entity.Kind)
	if kind == NodeKindUnknown {
		return nil, events.ErrMalformedEvent
	}
	id := NodeID{Kind: kind, ExternalID: ev.Entity.ID}
	existing := s.nodes[id]

	if ev.Remove {
		if existing == nil {
			return nil, &UnknownEntityError{MissingNode: id.String()}
		}
		before := existing.Clone()
		if existing.Removed() {
			// Already tombstoned: idempotent no-op.
			return s.nodeDelta(OpUpdate, before, existing.Clone(), ev, false), nil
		}
		if existing.Version >= s.version+1 {
			return nil, ErrVersionConflict
		}
		removedAt := ev.ObservedAt
		existing.RemovedAt = &removedAt
		return s.nodeDelta(OpRemove, before, existing.Clone(), ev, true), nil
	}

	if existing == nil {
		node := newNodeFromEvent(id, ev)
		s.nodes[id] = node
		return s.nodeDelta(OpAdd, nil, node.Clone(), ev, true), nil
	}

	if existing.Version >= s.version+1 {
		return nil, ErrVersionConflict
	}

	before := existing.Clone()
	changed := s.mergeNode(existing, ev)
	return s.nodeDelta(OpUpdate, before, existing.Clone(), ev, changed), nil
}

// newNodeFromEvent builds a node from its first observation.
func newNodeFromEvent(id NodeID, ev *events.Event) *Node {
	node := &Node{
		ID:           id,
		CreatedAt:    ev.ObservedAt,
		LastObserved: ev.ObservedAt,
	}
	if p := ev.Node; p != nil {
		if !p.CreatedAt.IsZero() {
			node.CreatedAt = p.CreatedAt
		}
		node.Attrs = NodeAttrs{
			Stars:        p.Stars,
			Forks:        p.Forks,
			Language:     p.Language,
			EmbeddingRef: p.EmbeddingRef,
		}
		if len(p.Topics) > 0 {
			node.Attrs.Topics = append([]string(nil), p.Topics...)
		}
	}
	return node
}

// mergeNode folds an observation into an existing node per the merge
// rules. Returns true if anything changed.
func (s *Store) mergeNode(node *Node, ev *events.Event) bool {
	p := ev.Node
	if p == nil {
		// Bare touch event: only freshness advances.
		if ev.ObservedAt.After(node.LastObserved) {
			node.LastObserved = ev.ObservedAt
			return true
		}
		return false
	}

	stale := ev.ObservedAt.Before(node.LastObserved)
	changed := false

	// A fresh observation resurrects a tombstoned node (repo deleted
	// and recreated, or a NotFound that turned out transient).
	if node.Removed() && !stale {
		node.RemovedAt = nil
		changed = true
	}

	// Monotonic counters: max, never overwrite. A slow poll carrying
	// stale counts cannot regress a fresher webhook update.
	if v := maxInt64(node.Attrs.Stars, p.Stars); v != node.Attrs.Stars {
		node.Attrs.Stars = v
		changed = true
	}
	if v := maxInt64(node.Attrs.Forks, p.Forks); v != node.Attrs.Forks {
		node.Attrs.Forks = v
		changed = true
	}

	if stale {
		// Non-monotonic fields keep the fresher value. Observable as
		// a metric, not an error.
		if regresses(node, p) {
			s.countStale()
		}
		return changed
	}

	if p.Language != "" && p.Language != node.Attrs.Language {
		node.Attrs.Language = p.Language
		changed = true
	}
	if len(p.Topics) > 0 && !equalStrings(node.Attrs.Topics, p.Topics) {
		node.Attrs.Topics = append([]string(nil), p.Topics...)
		changed = true
	}
	if p.EmbeddingRef != "" && p.EmbeddingRef != node.Attrs.EmbeddingRef {
		node.Attrs.EmbeddingRef = p.EmbeddingRef
		changed = true
	}
	if ev.ObservedAt.After(node.LastObserved) {
		node.LastObserved = ev.ObservedAt
		changed = true
	}
	return changed
}

// regresses reports whether a stale payload attempted to rewrite
// non-monotonic fields or lower a counter.
func regresses(node *Node, p *events.NodePayload) bool {
	if p.Stars > 0 && p.Stars < node.Attrs.Stars {
		return true
	}
	if p.Forks > 0 && p.Forks < node.Attrs.Forks {
		return true
	}
	if p.Language != "" && p.Language != node.Attrs.Language {
		return true
	}
	if len(p.Topics) > 0 && !equalStrings(node.Attrs.Topics, p.Topics) {
		return true
	}
	return false
}

// applyEdge handles edge create, coalesce, and tombstone.
func (s *Store) applyEdge(ev *events.Event) (*Delta, error) {
	kind := ParseEdgeKind(ev.Entity.Kind)
	if kind == EdgeKindUnknown {
		return nil, events.ErrMalformedEvent
	}
	from, err := ParseNodeID(ev.Entity.From)
	if err != nil {
		return nil, events.ErrMalformedEvent
	}
	to, err := ParseNodeID(ev.Entity.To)
	if err != nil {
		return nil, events.ErrMalformedEvent
	}

	// Invariant: no edge references a node absent from the store.
	// Tombstoned endpoints count as absent for new observations.
	if n, ok := s.nodes[from]; !ok || n.Removed() {
		return nil, &UnknownEntityError{MissingNode: from.String()}
	}
	if n, ok := s.nodes[to]; !ok || n.Removed() {
		return nil, &UnknownEntityError{MissingNode: to.String()}
	}

	id := EdgeID{Kind: kind, From: from, To: to}
	existing := s.edges[id]

	if ev.Remove {
		if existing == nil {
			return nil, &UnknownEntityError{MissingNode: from.String()}
		}
		before := existing.Clone()
		if existing.Removed() {
			return s.edgeDelta(OpUpdate, before, existing.Clone(), ev, false), nil
		}
		removedAt := ev.ObservedAt
		existing.RemovedAt = &removedAt
		return s.edgeDelta(OpRemove, before, existing.Clone(), ev, true), nil
	}

	weight := int64(1)
	if ev.Edge != nil && ev.Edge.Weight > 0 {
		weight = ev.Edge.Weight
	}

	if existing == nil {
		edge := &Edge{
			ID:        id,
			FirstSeen: ev.ObservedAt,
			LastSeen:  ev.ObservedAt,
			Weight:    weight,
		}
		s.edges[id] = edge
		s.indexEdge(id)
		return s.edgeDelta(OpAdd, nil, edge.Clone(), ev, true), nil
	}

	if existing.Version >= s.version+1 {
		return nil, ErrVersionConflict
	}

	before := existing.Clone()
	// Duplicate same-kind same-endpoint observations coalesce into a
	// weight increment. Saturating: never wraps.
	existing.Weight = saturatingAdd(existing.Weight, weight)
	if ev.ObservedAt.After(existing.LastSeen) {
		existing.LastSeen = ev.ObservedAt
	}
	if ev.ObservedAt.Before(existing.FirstSeen) {
		existing.FirstSeen = ev.ObservedAt
	}
	if existing.Removed() {
		existing.RemovedAt = nil
	}
	return s.edgeDelta(OpUpdate, before, existing.Clone(), ev, true), nil
}

func (s *Store) indexEdge(id EdgeID) {
	for _, nid := range [2]NodeID{id.From, id.To} {
		set, ok := s.nodeEdges[nid]
		if !ok {
			set = make(map[EdgeID]struct{})
			s.nodeEdges[nid] = set
		}
		set[id] = struct{}{}
	}
}

func (s *Store) unindexEdge(id EdgeID) {
	for _, nid := range [2]NodeID{id.From, id.To} {
		if set, ok := s.nodeEdges[nid]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(s.nodeEdges, nid)
			}
		}
	}
}

// CompactTombstones physically deletes tombstones older than the
// retention period, along with edges incident to deleted nodes.
//
// Description:
//
//	Compaction does not bump the version and emits no deltas: any
//	consumer within the delta retention horizon already saw the
//	corresponding Remove delta. Snapshot re-fetches for historical
//	versions are served from the persisted snapshot store, so current
//	state mutation here does not break snapshot determinism.
//
// Outputs:
//
//	int - Number of entities deleted.
func (s *Store) CompactTombstones(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.opts.TombstoneRetention)
	deleted := 0

	for id, edge := range s.edges {
		if edge.Removed() && edge.RemovedAt.Before(cutoff) {
			delete(s.edges, id)
			s.unindexEdge(id)
			deleted++
		}
	}
	for id, node := range s.nodes {
		if node.Removed() && node.RemovedAt.Before(cutoff) {
			// Drop incident edges first so no edge outlives a
			// referenced node.
			for eid := range s.nodeEdges[id] {
				delete(s.edges, eid)
				s.unindexEdge(eid)
				deleted++
			}
			delete(s.nodes, id)
			deleted++
		}
	}

	if deleted > 0 {
		if s.metrics != nil {
			s.metrics.TombstonesCompacted.Add(ctx, int64(deleted))
		}
		s.logger.Debug("compacted tombstones", slog.Int("deleted", deleted))
	}
	return deleted
}

func (s *Store) countStale() {
	if s.metrics != nil {
		s.metrics.StaleOverwritesRejected.Add(context.Background(), 1)
	}
}

func (s *Store) nodeDelta(op Op, before, after *Node, ev *events.Event, changed bool) *Delta {
	return &Delta{
		Op:            op,
		Entity:        EntityNode,
		NodeBefore:    before,
		NodeAfter:     after,
		Timestamp:     ev.ObservedAt,
		SourceEventID: ev.ExternalID,
		changed:       changed,
	}
}

func (s *Store) edgeDelta(op Op, before, after *Edge, ev *events.Event, changed bool) *Delta {
	return &Delta{
		Op:            op,
		Entity:        EntityEdge,
		EdgeBefore:    before,
		EdgeAfter:     after,
		Timestamp:     ev.ObservedAt,
		SourceEventID: ev.ExternalID,
		changed:       changed,
	}
}

// equalStrings compares two string slices element-wise.
func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
