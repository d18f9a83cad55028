// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package centrality

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/yksanjo/github-intelligence/services/engine/graph"
)

// checkpointStride is how many nodes the full pass scores between
// cancellation checks.
const checkpointStride = 256

// FullPassResult contains the output of a full convergence pass.
type FullPassResult struct {
	// Iterations is the number of power iterations completed.
	Iterations int

	// Converged indicates convergence before MaxIterations.
	Converged bool

	// MaxDiff is the final maximum score difference.
	MaxDiff float64

	// NodesScored is the node count the pass ran over.
	NodesScored int

	// Resumed indicates the pass continued an earlier interrupted pass
	// rather than starting fresh.
	Resumed bool

	// Interrupted indicates the pass stopped at a checkpoint and kept
	// its state; the next call resumes where it left off.
	Interrupted bool
}

// fullPassState is the frozen input plus the resume position of an
// in-flight pass. Freezing the adjacency at pass start keeps the
// iteration self-consistent while incremental deltas keep mutating the
// live view.
type fullPassState struct {
	nodes   []graph.NodeID
	in      map[graph.NodeID]map[graph.NodeID]int64
	outW    map[graph.NodeID]float64
	sinks   []graph.NodeID
	scores  map[graph.NodeID]float64
	next    map[graph.NodeID]float64
	sink    float64
	iter    int
	idx     int
	maxDiff float64
	version uint64
}

// FullPass runs (or resumes) power iteration over the whole graph.
//
// Description:
//
//	Computes transitive influence with the standard damped power
//	iteration, redistributing sink mass evenly so rank does not leak.
//	The pass checks ctx every checkpointStride nodes; on cancellation
//	it returns Interrupted=true and retains its position, and the
//	next FullPass call resumes from that exact node instead of
//	starting over.
//
//	On completion the converged scores replace the incremental
//	approximations, stamped with the store version frozen at pass
//	start. Deltas applied during the pass carry higher versions and
//	restamp their own nodes afterward, so score versions never run
//	ahead of the store.
//
// Inputs:
//
//	ctx - Context for cancellation. Checked at per-node checkpoints.
//	storeVersion - The store version the adjacency view reflects.
//
// Outputs:
//
//	*FullPassResult - Pass statistics; Interrupted=true on cancel.
//	error - ctx.Err() when interrupted, nil otherwise.
//
// Thread Safety: Safe for concurrent use with reads and ApplyDelta.
// Must not be called concurrently with itself.
func (e *Engine) FullPass(ctx context.Context, storeVersion uint64) (*FullPassResult, error) {
	start := time.Now()

	e.mu.Lock()
	state := e.pass
	resumed := state != nil
	if state == nil {
		state = e.freezeLocked(storeVersion)
		e.pass = state
	}
	e.mu.Unlock()

	n := float64(len(state.nodes))
	if n == 0 {
		e.mu.Lock()
		e.pass = nil
		e.mu.Unlock()
		return &FullPassResult{Converged: true}, nil
	}

	d := e.opts.DampingFactor
	result := &FullPassResult{NodesScored: len(state.nodes), Resumed: resumed}

	for state.iter < e.opts.MaxIterations {
		// A fresh iteration computes the sink redistribution once; a
		// resumed one already has it.
		if state.idx == 0 {
			state.maxDiff = 0
			state.sink = 0
			for _, id := range state.sinks {
				state.sink += state.scores[id]
			}
			state.sink = d * state.sink / n
		}

		for state.idx < len(state.nodes) {
			if state.idx%checkpointStride == 0 && ctx.Err() != nil {
				return e.interrupt(ctx, state, result, start)
			}

			id := state.nodes[state.idx]
			score := (1-d)/n + state.sink
			for from, w := range state.in[id] {
				if outW := state.outW[from]; outW > 0 {
					score += d * state.scores[from] * float64(w) / outW
				}
			}
			state.next[id] = score
			if diff := math.Abs(score - state.scores[id]); diff > state.maxDiff {
				state.maxDiff = diff
			}
			state.idx++
		}

		state.scores, state.next = state.next, state.scores
		state.iter++
		state.idx = 0

		if len(state.nodes) < SmallGraphThreshold || state.maxDiff < e.opts.Convergence {
			result.Converged = true
			break
		}
	}

	result.Iterations = state.iter
	result.MaxDiff = state.maxDiff
	e.commit(state)

	elapsed := time.Since(start)
	if e.opts.Metrics != nil {
		e.opts.Metrics.FullPassDuration.Record(context.Background(), elapsed.Seconds())
	}
	e.opts.Logger.Debug("full centrality pass completed",
		slog.Int("iterations", result.Iterations),
		slog.Bool("converged", result.Converged),
		slog.Bool("resumed", result.Resumed),
		slog.Float64("max_diff", result.MaxDiff),
		slog.Int("node_count", result.NodesScored),
		slog.Duration("elapsed", elapsed),
	)
	return result, nil
}

func (e *Engine) interrupt(ctx context.Context, state *fullPassState, result *FullPassResult, start time.Time) (*FullPassResult, error) {
	result.Iterations = state.iter
	result.MaxDiff = state.maxDiff
	result.Interrupted = true
	if e.opts.Metrics != nil {
		e.opts.Metrics.FullPassCancellations.Add(context.Background(), 1)
	}
	e.opts.Logger.Debug("full centrality pass interrupted",
		slog.Int("iteration", state.iter),
		slog.Int("position", state.idx),
		slog.Duration("elapsed", time.Since(start)),
	)
	return result, ctx.Err()
}

// freezeLocked captures the adjacency view as the pass input. Caller
// holds e.mu.
func (e *Engine) freezeLocked(storeVersion uint64) *fullPassState {
	state := &fullPassState{
		nodes:   make([]graph.NodeID, 0, len(e.scores)),
		in:      make(map[graph.NodeID]map[graph.NodeID]int64, len(e.in)),
		outW:    make(map[graph.NodeID]float64, len(e.out)),
		scores:  make(map[graph.NodeID]float64, len(e.scores)),
		next:    make(map[graph.NodeID]float64, len(e.scores)),
		version: storeVersion,
	}
	for id := range e.scores {
		state.nodes = append(state.nodes, id)
	}
	// Stable order fixes checkpoint positions across resume.
	sort.Slice(state.nodes, func(i, j int) bool {
		return state.nodes[i].String() < state.nodes[j].String()
	})

	initial := 1.0 / float64(len(state.nodes))
	for _, id := range state.nodes {
		state.scores[id] = initial
		if inbound := e.in[id]; len(inbound) > 0 {
			cp := make(map[graph.NodeID]int64, len(inbound))
			for from, w := range inbound {
				cp[from] = w
			}
			state.in[id] = cp
		}
		outW := e.totalOutWeight(id)
		state.outW[id] = outW
		if outW == 0 {
			state.sinks = append(state.sinks, id)
		}
	}
	return state
}

// commit replaces live scores with the pass output, skipping nodes
// that were removed while the pass ran.
func (e *Engine) commit(state *fullPassState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, score := range state.scores {
		if _, live := e.scores[id]; !live {
			continue
		}
		if e.lastUpdated[id] > state.version {
			// An incremental update landed after the freeze; keep it.
			continue
		}
		e.scores[id] = score
		e.lastUpdated[id] = state.version
	}
	e.pass = nil
}
