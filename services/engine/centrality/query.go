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
	"sort"

	"github.com/yksanjo/github-intelligence/services/engine/graph"
)

// InfluentialInRepo returns the developers connected to a repository,
// ranked by centrality score.
//
// Inputs:
//
//	repoID - The repository node. Must have Kind Repository.
//	k - Maximum results; k <= 0 returns all.
//
// Outputs:
//
//	[]graph.CentralityScore - Developers adjacent to the repo, ranked
//	with the same tie-break as Top. Empty if the repo is unknown.
//
// Thread Safety: Safe for concurrent use.
func (e *Engine) InfluentialInRepo(repoID graph.NodeID, k int) []graph.CentralityScore {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, ok := e.scores[repoID]; !ok {
		return nil
	}

	seen := make(map[graph.NodeID]struct{})
	ranked := make([]graph.CentralityScore, 0)
	collect := func(id graph.NodeID) {
		if id.Kind != graph.NodeKindDeveloper {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		if cs, ok := e.scoreLocked(id); ok {
			ranked = append(ranked, cs)
		}
	}
	for from := range e.in[repoID] {
		collect(from)
	}
	for to := range e.out[repoID] {
		collect(to)
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
	if k > 0 && k < len(ranked) {
		ranked = ranked[:k]
	}
	return ranked
}

// FindConnection returns the shortest undirected path between two
// nodes, endpoints included.
//
// Description:
//
//	Breadth-first search treating every edge as bidirectional, since
//	a starred-by edge connects a developer and a repo regardless of
//	direction. Returns nil when no path exists or either endpoint is
//	unknown.
//
// Thread Safety: Safe for concurrent use.
func (e *Engine) FindConnection(a, b graph.NodeID) []graph.NodeID {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, ok := e.scores[a]; !ok {
		return nil
	}
	if _, ok := e.scores[b]; !ok {
		return nil
	}
	if a == b {
		return []graph.NodeID{a}
	}

	parent := map[graph.NodeID]graph.NodeID{a: a}
	queue := []graph.NodeID{a}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		visit := func(next graph.NodeID) bool {
			if _, seen := parent[next]; seen {
				return false
			}
			parent[next] = cur
			if next == b {
				return true
			}
			queue = append(queue, next)
			return false
		}
		for to := range e.out[cur] {
			if visit(to) {
				return rebuildPath(parent, a, b)
			}
		}
		for from := range e.in[cur] {
			if visit(from) {
				return rebuildPath(parent, a, b)
			}
		}
	}
	return nil
}

func rebuildPath(parent map[graph.NodeID]graph.NodeID, a, b graph.NodeID) []graph.NodeID {
	path := []graph.NodeID{b}
	for cur := b; cur != a; {
		cur = parent[cur]
		path = append(path, cur)
	}
	// Reverse into a-to-b order.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
