// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package centrality maintains influence scores for graph nodes.
//
// The engine consumes the delta stream and keeps its own adjacency
// view, so score updates never take the graph store's lock. Two update
// paths feed the same score table: a cheap bounded-hop propagation on
// every delta, and a scheduled full power-iteration pass that corrects
// the drift the local updates accumulate.
package centrality

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/yksanjo/github-intelligence/services/engine/graph"
	"github.com/yksanjo/github-intelligence/services/engine/telemetry"
)

const (
	// DefaultDampingFactor is the probability of following a link (vs
	// random jump). Standard value from the original PageRank paper.
	DefaultDampingFactor = 0.85

	// DefaultHopLimit bounds how far a delta's score change propagates
	// before the next full pass picks up the remainder.
	DefaultHopLimit = 2

	// DefaultMaxIterations is the full-pass iteration cap.
	DefaultMaxIterations = 100

	// DefaultConvergence is the full-pass convergence threshold.
	DefaultConvergence = 1e-6

	// SmallGraphThreshold is the node count below which the full pass
	// skips convergence checks.
	SmallGraphThreshold = 10
)

// Options configures an Engine.
type Options struct {
	// HopLimit bounds incremental propagation depth. Values < 1 fall
	// back to DefaultHopLimit.
	HopLimit int

	// DampingFactor must be in (0, 1); invalid values fall back to
	// DefaultDampingFactor.
	DampingFactor float64

	// MaxIterations and Convergence control the full pass.
	MaxIterations int
	Convergence   float64

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

func (o *Options) validate() {
	if o.HopLimit < 1 {
		o.HopLimit = DefaultHopLimit
	}
	if o.DampingFactor <= 0 || o.DampingFactor >= 1 {
		o.DampingFactor = DefaultDampingFactor
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	if o.Convergence <= 0 {
		o.Convergence = DefaultConvergence
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Engine holds the score table and its private adjacency view.
//
// Thread Safety: Safe for concurrent use. ApplyDelta is called by a
// single consumer goroutine; reads may come from anywhere.
type Engine struct {
	mu sync.RWMutex

	// Adjacency derived from the delta stream. Weights aggregate all
	// edge kinds between a pair of endpoints.
	out map[graph.NodeID]map[graph.NodeID]int64
	in  map[graph.NodeID]map[graph.NodeID]int64

	// edgeWeights tracks per-edge weight so updates can be applied as
	// differences against the aggregated pair weights.
	edgeWeights map[graph.EdgeID]int64

	scores      map[graph.NodeID]float64
	lastUpdated map[graph.NodeID]uint64

	// full-pass resume state; nil when no pass is in flight.
	pass *fullPassState

	opts Options
}

// NewEngine creates an empty engine.
func NewEngine(opts Options) *Engine {
	opts.validate()
	return &Engine{
		out:         make(map[graph.NodeID]map[graph.NodeID]int64),
		in:          make(map[graph.NodeID]map[graph.NodeID]int64),
		edgeWeights: make(map[graph.EdgeID]int64),
		scores:      make(map[graph.NodeID]float64),
		lastUpdated: make(map[graph.NodeID]uint64),
		opts:        opts,
	}
}

// SetHopLimit adjusts the propagation depth at runtime (hot reload).
func (e *Engine) SetHopLimit(limit int) {
	if limit < 1 {
		limit = DefaultHopLimit
	}
	e.mu.Lock()
	e.opts.HopLimit = limit
	e.mu.Unlock()
}

// ApplyDelta folds one committed delta into the adjacency view and
// re-propagates scores from the affected endpoints out to HopLimit.
//
// Description:
//
//	Node additions are scored at the uniform baseline. Node removals
//	drop the node and all incident adjacency. Edge changes adjust the
//	pair weights by the difference between the delta's before and
//	after weights, then recompute scores for the endpoints and their
//	downstream neighbors within HopLimit hops.
//
// Thread Safety: Safe for concurrent use with reads. Must not be
// called concurrently with itself.
func (e *Engine) ApplyDelta(d *graph.Delta) {
	if d == nil || d.NoOp() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	switch d.Entity {
	case graph.EntityNode:
		e.applyNodeDelta(d)
	case graph.EntityEdge:
		e.applyEdgeDelta(d)
	}
}

func (e *Engine) applyNodeDelta(d *graph.Delta) {
	switch d.Op {
	case graph.OpAdd:
		id := d.NodeAfter.ID
		if _, ok := e.scores[id]; !ok {
			e.scores[id] = e.baseline()
		}
		e.lastUpdated[id] = d.Seq
	case graph.OpRemove:
		id := d.NodeBefore.ID
		e.removeNode(id, d.Seq)
	case graph.OpUpdate:
		// Attribute-only change; adjacency and score are untouched,
		// but the node is now known to be current at this version.
		e.lastUpdated[d.NodeAfter.ID] = d.Seq
	}
}

func (e *Engine) applyEdgeDelta(d *graph.Delta) {
	var id graph.EdgeID
	var newWeight int64
	switch d.Op {
	case graph.OpRemove:
		id = d.EdgeBefore.ID
		newWeight = 0
	default:
		id = d.EdgeAfter.ID
		newWeight = d.EdgeAfter.Weight
	}

	diff := newWeight - e.edgeWeights[id]
	if diff != 0 {
		e.adjustPair(id.From, id.To, diff)
	}
	if newWeight == 0 {
		delete(e.edgeWeights, id)
	} else {
		e.edgeWeights[id] = newWeight
	}

	e.propagate([]graph.NodeID{id.From, id.To}, d.Seq)
}

func (e *Engine) adjustPair(from, to graph.NodeID, diff int64) {
	outF := e.out[from]
	if outF == nil {
		outF = make(map[graph.NodeID]int64)
		e.out[from] = outF
	}
	inT := e.in[to]
	if inT == nil {
		inT = make(map[graph.NodeID]int64)
		e.in[to] = inT
	}
	outF[to] += diff
	inT[from] += diff
	if outF[to] <= 0 {
		delete(outF, to)
		delete(inT, from)
	}
	// Endpoints enter the score table the first time an edge touches
	// them, even if their node delta has not been consumed yet.
	if _, ok := e.scores[from]; !ok {
		e.scores[from] = e.baseline()
	}
	if _, ok := e.scores[to]; !ok {
		e.scores[to] = e.baseline()
	}
}

func (e *Engine) removeNode(id graph.NodeID, seq uint64) {
	neighbors := make([]graph.NodeID, 0, len(e.out[id])+len(e.in[id]))
	for to := range e.out[id] {
		delete(e.in[to], id)
		neighbors = append(neighbors, to)
	}
	for from := range e.in[id] {
		delete(e.out[from], id)
		neighbors = append(neighbors, from)
	}
	delete(e.out, id)
	delete(e.in, id)
	delete(e.scores, id)
	delete(e.lastUpdated, id)

	for eid := range e.edgeWeights {
		if eid.From == id || eid.To == id {
			delete(e.edgeWeights, eid)
		}
	}

	e.propagate(neighbors, seq)
}

// propagate recomputes scores for the seed nodes and their downstream
// out-neighbors, one hop layer at a time, up to HopLimit.
func (e *Engine) propagate(seeds []graph.NodeID, seq uint64) {
	n := float64(len(e.scores))
	if n == 0 {
		return
	}
	d := e.opts.DampingFactor

	visited := make(map[graph.NodeID]struct{}, len(seeds))
	frontier := make([]graph.NodeID, 0, len(seeds))
	for _, id := range seeds {
		if _, ok := e.scores[id]; !ok {
			continue
		}
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}
		frontier = append(frontier, id)
	}

	touched := 0
	for hop := 0; hop <= e.opts.HopLimit && len(frontier) > 0; hop++ {
		for _, id := range frontier {
			score := (1 - d) / n
			for from, w := range e.in[id] {
				outW := e.totalOutWeight(from)
				if outW > 0 {
					score += d * e.scores[from] * float64(w) / outW
				}
			}
			e.scores[id] = score
			e.lastUpdated[id] = seq
			touched++
		}

		if hop == e.opts.HopLimit {
			break
		}
		next := make([]graph.NodeID, 0, len(frontier))
		for _, id := range frontier {
			for to := range e.out[id] {
				if _, seen := visited[to]; seen {
					continue
				}
				visited[to] = struct{}{}
				next = append(next, to)
			}
		}
		frontier = next
	}

	if e.opts.Metrics != nil {
		e.opts.Metrics.PropagationsTotal.Add(context.Background(), int64(touched))
	}
}

func (e *Engine) totalOutWeight(id graph.NodeID) float64 {
	var total int64
	for _, w := range e.out[id] {
		total += w
	}
	return float64(total)
}

func (e *Engine) baseline() float64 {
	n := len(e.scores) + 1
	return 1.0 / float64(n)
}

// Score returns the node's current centrality score.
func (e *Engine) Score(id graph.NodeID) (graph.CentralityScore, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.scoreLocked(id)
}

func (e *Engine) scoreLocked(id graph.NodeID) (graph.CentralityScore, bool) {
	score, ok := e.scores[id]
	if !ok {
		return graph.CentralityScore{}, false
	}
	return graph.CentralityScore{
		NodeID:             id,
		Score:              score,
		RawEdgeCount:       len(e.in[id]) + len(e.out[id]),
		LastUpdatedVersion: e.lastUpdated[id],
	}, true
}

// Top returns the k highest-scoring nodes.
//
// Ties break toward the higher raw edge count, then the
// lexicographically smaller node id, so rankings are stable across
// processes.
func (e *Engine) Top(k int) []graph.CentralityScore {
	if k <= 0 {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	ranked := make([]graph.CentralityScore, 0, len(e.scores))
	for id := range e.scores {
		cs, _ := e.scoreLocked(id)
		ranked = append(ranked, cs)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].RawEdgeCount != ranked[j].RawEdgeCount {
			return ranked[i].RawEdgeCount > ranked[j].RawEdgeCount
		}
		return ranked[i].NodeID.String() < ranked[j].NodeID.String()
	})
	if k > len(ranked) {
		k = len(ranked)
	}
	return ranked[:k]
}

// Rebuild replaces all state from a snapshot, for consumers forced to
// resync after lagging past the delta retention horizon.
//
// Thread Safety: Safe for concurrent use with reads. Must not be
// called concurrently with ApplyDelta or FullPass.
func (e *Engine) Rebuild(sn *graph.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.out = make(map[graph.NodeID]map[graph.NodeID]int64)
	e.in = make(map[graph.NodeID]map[graph.NodeID]int64)
	e.edgeWeights = make(map[graph.EdgeID]int64)
	e.scores = make(map[graph.NodeID]float64)
	e.lastUpdated = make(map[graph.NodeID]uint64)
	e.pass = nil

	for _, n := range sn.Nodes {
		if n.Removed() {
			continue
		}
		e.scores[n.ID] = 0
		e.lastUpdated[n.ID] = sn.Version
	}
	initial := 1.0 / float64(len(e.scores))
	for id := range e.scores {
		e.scores[id] = initial
	}
	for _, edge := range sn.Edges {
		if edge.Removed() {
			continue
		}
		e.edgeWeights[edge.ID] = edge.Weight
		e.adjustPair(edge.ID.From, edge.ID.To, edge.Weight)
	}
}

// NodeCount returns the number of scored nodes.
func (e *Engine) NodeCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.scores)
}
