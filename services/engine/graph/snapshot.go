// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"encoding/json"
	"sort"
	"time"
)

// Snapshot is an immutable, version-addressed view of the graph.
//
// Description:
//
//	Node and edge slices are sorted by canonical id, so the JSON
//	encoding of a snapshot at a given version is byte-identical across
//	calls. Snapshots include tombstoned entities still within
//	retention, letting a resyncing consumer reconstruct removal state.
type Snapshot struct {
	// Version is the store version the view reflects.
	Version uint64 `json:"version"`

	// LastEventTime is the freshest ObservedAt applied at Version.
	// Deterministic, unlike a capture wall-clock would be.
	LastEventTime time.Time `json:"last_event_time"`

	// Nodes sorted by NodeID.String().
	Nodes []*Node `json:"nodes"`

	// Edges sorted by EdgeID.String().
	Edges []*Edge `json:"edges"`
}

// Snapshot materializes a point-in-time view.
//
// Inputs:
//
//	version - Requested version. Zero means current. Any other value
//	that is not the current version returns ErrSnapshotNotFound;
//	historical versions live in the persisted snapshot store.
//
// Outputs:
//
//	*Snapshot - Deep copy; safe to hold across further applies.
//	error - ErrSnapshotNotFound for non-current versions.
//
// Thread Safety: Safe for concurrent use; copy-on-read, so readers
// never block writers beyond the read lock.
func (s *Store) Snapshot(version uint64) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if version != 0 && version != s.version {
		return nil, ErrSnapshotNotFound
	}

	snap := &Snapshot{
		Version:       s.version,
		LastEventTime: s.lastEvent,
		Nodes:         make([]*Node, 0, len(s.nodes)),
		Edges:         make([]*Edge, 0, len(s.edges)),
	}
	for _, node := range s.nodes {
		snap.Nodes = append(snap.Nodes, node.Clone())
	}
	for _, edge := range s.edges {
		snap.Edges = append(snap.Edges, edge.Clone())
	}
	sort.Slice(snap.Nodes, func(i, j int) bool {
		return snap.Nodes[i].ID.String() < snap.Nodes[j].ID.String()
	})
	sort.Slice(snap.Edges, func(i, j int) bool {
		return snap.Edges[i].ID.String() < snap.Edges[j].ID.String()
	})
	return snap, nil
}

// Encode serializes the snapshot to deterministic JSON.
func (sn *Snapshot) Encode() ([]byte, error) {
	return json.Marshal(sn)
}

// DecodeSnapshot deserializes a snapshot produced by Encode.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var sn Snapshot
	if err := json.Unmarshal(data, &sn); err != nil {
		return nil, err
	}
	return &sn, nil
}

// Restore replaces store state with the snapshot contents.
//
// Description:
//
//	Used at startup to recover from the latest persisted snapshot
//	before replaying the delta tail. Must not be called on a store
//	that has already accepted applies.
func (s *Store) Restore(sn *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes = make(map[NodeID]*Node, len(sn.Nodes))
	s.edges = make(map[EdgeID]*Edge, len(sn.Edges))
	s.nodeEdges = make(map[NodeID]map[EdgeID]struct{})
	for _, node := range sn.Nodes {
		s.nodes[node.ID] = node.Clone()
	}
	for _, edge := range sn.Edges {
		s.edges[edge.ID] = edge.Clone()
		s.indexEdge(edge.ID)
	}
	s.version = sn.Version
	s.lastEvent = sn.LastEventTime
}
