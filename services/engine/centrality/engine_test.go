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
	"math"
	"testing"
	"time"

	"github.com/yksanjo/github-intelligence/services/engine/graph"
)

func repoID(ext string) graph.NodeID {
	return graph.NodeID{Kind: graph.NodeKindRepository, ExternalID: ext}
}

func devID(ext string) graph.NodeID {
	return graph.NodeID{Kind: graph.NodeKindDeveloper, ExternalID: ext}
}

func nodeAdd(seq uint64, id graph.NodeID) *graph.Delta {
	return &graph.Delta{
		Seq:       seq,
		Op:        graph.OpAdd,
		Entity:    graph.EntityNode,
		NodeAfter: &graph.Node{ID: id, Version: seq},
	}
}

func nodeRemove(seq uint64, id graph.NodeID) *graph.Delta {
	return &graph.Delta{
		Seq:        seq,
		Op:         graph.OpRemove,
		Entity:     graph.EntityNode,
		NodeBefore: &graph.Node{ID: id},
	}
}

func edgeSet(seq uint64, kind graph.EdgeKind, from, to graph.NodeID, weight int64) *graph.Delta {
	return &graph.Delta{
		Seq:    seq,
		Op:     graph.OpAdd,
		Entity: graph.EntityEdge,
		EdgeAfter: &graph.Edge{
			ID:      graph.EdgeID{Kind: kind, From: from, To: to},
			Weight:  weight,
			Version: seq,
		},
	}
}

func edgeRemove(seq uint64, kind graph.EdgeKind, from, to graph.NodeID) *graph.Delta {
	return &graph.Delta{
		Seq:    seq,
		Op:     graph.OpRemove,
		Entity: graph.EntityEdge,
		EdgeBefore: &graph.Edge{
			ID: graph.EdgeID{Kind: kind, From: from, To: to},
		},
	}
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// =============================================================================
// Node deltas
// =============================================================================

func TestEngine_ApplyDelta_NodeAddBaseline(t *testing.T) {
	e := NewEngine(Options{})

	e.ApplyDelta(nodeAdd(1, repoID("facebook/react")))
	cs, ok := e.Score(repoID("facebook/react"))
	if !ok {
		t.Fatal("expected first node to be scored")
	}
	if !approxEqual(cs.Score, 1.0) {
		t.Errorf("expected baseline 1.0 for first node, got %f", cs.Score)
	}
	if cs.LastUpdatedVersion != 1 {
		t.Errorf("expected score stamped at seq 1, got %d", cs.LastUpdatedVersion)
	}

	e.ApplyDelta(nodeAdd(2, devID("alice")))
	cs, ok = e.Score(devID("alice"))
	if !ok {
		t.Fatal("expected second node to be scored")
	}
	if !approxEqual(cs.Score, 0.5) {
		t.Errorf("expected baseline 0.5 for second node, got %f", cs.Score)
	}
}

func TestEngine_ApplyDelta_NoOpIsIgnored(t *testing.T) {
	e := NewEngine(Options{})
	node := &graph.Node{ID: repoID("a/b"), Version: 7}
	e.ApplyDelta(&graph.Delta{
		Seq:        9,
		Op:         graph.OpUpdate,
		Entity:     graph.EntityNode,
		NodeBefore: node,
		NodeAfter:  node,
	})
	if _, ok := e.Score(repoID("a/b")); ok {
		t.Error("no-op delta must not introduce a score")
	}
}

func TestEngine_ApplyDelta_RemoveNodeCascades(t *testing.T) {
	e := NewEngine(Options{})
	a, b, c := devID("a"), devID("b"), devID("c")
	e.ApplyDelta(nodeAdd(1, a))
	e.ApplyDelta(nodeAdd(2, b))
	e.ApplyDelta(nodeAdd(3, c))
	e.ApplyDelta(edgeSet(4, graph.EdgeKindFollows, a, b, 1))
	e.ApplyDelta(edgeSet(5, graph.EdgeKindFollows, b, c, 1))

	e.ApplyDelta(nodeRemove(6, b))

	if _, ok := e.Score(b); ok {
		t.Fatal("removed node must not retain a score")
	}
	csA, _ := e.Score(a)
	if csA.RawEdgeCount != 0 {
		t.Errorf("expected incident edges dropped for a, got edge count %d", csA.RawEdgeCount)
	}
	csC, _ := e.Score(c)
	if csC.RawEdgeCount != 0 {
		t.Errorf("expected incident edges dropped for c, got edge count %d", csC.RawEdgeCount)
	}
	if csA.LastUpdatedVersion != 6 || csC.LastUpdatedVersion != 6 {
		t.Errorf("expected former neighbors restamped at removal seq, got %d and %d",
			csA.LastUpdatedVersion, csC.LastUpdatedVersion)
	}
	if e.NodeCount() != 2 {
		t.Errorf("expected 2 scored nodes after removal, got %d", e.NodeCount())
	}
}

// =============================================================================
// Edge deltas
// =============================================================================

func TestEngine_ApplyDelta_EdgeSeedsEndpoints(t *testing.T) {
	e := NewEngine(Options{})
	// Edge consumed before either node delta; endpoints still enter the
	// score table.
	e.ApplyDelta(edgeSet(1, graph.EdgeKindStarredBy, repoID("a/b"), devID("alice"), 1))

	for _, id := range []graph.NodeID{repoID("a/b"), devID("alice")} {
		cs, ok := e.Score(id)
		if !ok {
			t.Fatalf("expected %s to be scored after edge delta", id)
		}
		if cs.RawEdgeCount != 1 {
			t.Errorf("expected edge count 1 for %s, got %d", id, cs.RawEdgeCount)
		}
	}
}

func TestEngine_ApplyDelta_EdgeRemoveClearsAdjacency(t *testing.T) {
	e := NewEngine(Options{})
	r, d := repoID("a/b"), devID("alice")
	e.ApplyDelta(edgeSet(1, graph.EdgeKindStarredBy, r, d, 1))
	e.ApplyDelta(edgeRemove(2, graph.EdgeKindStarredBy, r, d))

	cs, ok := e.Score(d)
	if !ok {
		t.Fatal("endpoint score survives edge removal")
	}
	if cs.RawEdgeCount != 0 {
		t.Errorf("expected edge count 0 after removal, got %d", cs.RawEdgeCount)
	}
}

func TestEngine_ApplyDelta_ScorePropagation(t *testing.T) {
	e := NewEngine(Options{DampingFactor: 0.85})
	a, b := devID("a"), devID("b")
	e.ApplyDelta(edgeSet(1, graph.EdgeKindFollows, a, b, 1))

	// n=2 after both endpoints are seeded. a has no in-edges; b takes
	// all of a's mass.
	csA, _ := e.Score(a)
	if !approxEqual(csA.Score, 0.075) {
		t.Errorf("expected score 0.075 for source, got %f", csA.Score)
	}
	csB, _ := e.Score(b)
	if !approxEqual(csB.Score, 0.075+0.85*0.075) {
		t.Errorf("expected score %.6f for target, got %f", 0.075+0.85*0.075, csB.Score)
	}
}

func TestEngine_ApplyDelta_HopLimitBoundsPropagation(t *testing.T) {
	e := NewEngine(Options{HopLimit: 1})
	a, b, c, d := devID("a"), devID("b"), devID("c"), devID("d")
	e.ApplyDelta(edgeSet(1, graph.EdgeKindFollows, a, b, 1))
	e.ApplyDelta(edgeSet(2, graph.EdgeKindFollows, b, c, 1))
	e.ApplyDelta(edgeSet(3, graph.EdgeKindFollows, c, d, 1))

	// With a one-hop bound the last edge only touches c, d and their
	// immediate out-neighbors; a and b keep their earlier stamps.
	want := map[graph.NodeID]uint64{a: 1, b: 2, c: 3, d: 3}
	for id, seq := range want {
		cs, ok := e.Score(id)
		if !ok {
			t.Fatalf("missing score for %s", id)
		}
		if cs.LastUpdatedVersion != seq {
			t.Errorf("%s: expected last updated %d, got %d", id, seq, cs.LastUpdatedVersion)
		}
	}
}

// =============================================================================
// Ranking and rebuild
// =============================================================================

func TestEngine_Top_TieBreakOrdering(t *testing.T) {
	e := NewEngine(Options{})
	sn := &graph.Snapshot{
		Version: 5,
		Nodes: []*graph.Node{
			{ID: devID("a"), Version: 1},
			{ID: devID("b"), Version: 2},
			{ID: devID("c"), Version: 3},
		},
		Edges: []*graph.Edge{
			{ID: graph.EdgeID{Kind: graph.EdgeKindFollows, From: devID("b"), To: devID("c")}, Weight: 1, Version: 4},
		},
	}
	e.Rebuild(sn)

	// Uniform scores after rebuild: edge count breaks the tie for b and
	// c, then node id orders b before c and a last.
	top := e.Top(3)
	if len(top) != 3 {
		t.Fatalf("expected 3 results, got %d", len(top))
	}
	wantOrder := []graph.NodeID{devID("b"), devID("c"), devID("a")}
	for i, want := range wantOrder {
		if top[i].NodeID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, top[i].NodeID)
		}
	}

	if got := e.Top(2); len(got) != 2 {
		t.Errorf("expected truncation to 2, got %d", len(got))
	}
	if got := e.Top(0); got != nil {
		t.Errorf("expected nil for k=0, got %v", got)
	}
}

func TestEngine_Rebuild_SkipsTombstones(t *testing.T) {
	e := NewEngine(Options{})
	// Seed stale state the rebuild must discard.
	e.ApplyDelta(nodeAdd(1, devID("stale")))

	removedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sn := &graph.Snapshot{
		Version: 42,
		Nodes: []*graph.Node{
			{ID: repoID("a/b"), Version: 10},
			{ID: devID("alice"), Version: 11},
			{ID: devID("gone"), Version: 12, RemovedAt: &removedAt},
		},
		Edges: []*graph.Edge{
			{ID: graph.EdgeID{Kind: graph.EdgeKindStarredBy, From: repoID("a/b"), To: devID("alice")}, Weight: 3, Version: 13},
			{ID: graph.EdgeID{Kind: graph.EdgeKindFollows, From: devID("alice"), To: devID("gone")}, Weight: 1, Version: 14, RemovedAt: &removedAt},
		},
	}
	e.Rebuild(sn)

	if e.NodeCount() != 2 {
		t.Fatalf("expected 2 live nodes, got %d", e.NodeCount())
	}
	if _, ok := e.Score(devID("stale")); ok {
		t.Error("rebuild must discard pre-existing state")
	}
	if _, ok := e.Score(devID("gone")); ok {
		t.Error("rebuild must skip tombstoned nodes")
	}
	cs, ok := e.Score(repoID("a/b"))
	if !ok {
		t.Fatal("expected live node scored after rebuild")
	}
	if !approxEqual(cs.Score, 0.5) {
		t.Errorf("expected uniform score 0.5, got %f", cs.Score)
	}
	if cs.LastUpdatedVersion != 42 {
		t.Errorf("expected scores stamped at snapshot version, got %d", cs.LastUpdatedVersion)
	}
	if cs.RawEdgeCount != 1 {
		t.Errorf("expected live edge restored, got edge count %d", cs.RawEdgeCount)
	}
	alice, _ := e.Score(devID("alice"))
	if alice.RawEdgeCount != 1 {
		t.Errorf("expected tombstoned edge skipped, got edge count %d", alice.RawEdgeCount)
	}
}
