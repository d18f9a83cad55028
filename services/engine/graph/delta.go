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

import "time"

// Op is the kind of change a delta describes.
type Op int

const (
	// OpAdd indicates the entity was created.
	OpAdd Op = iota

	// OpUpdate indicates the entity was modified. A no-op apply also
	// reports OpUpdate, with Before equal to After, so consumers get
	// idempotent observability.
	OpUpdate

	// OpRemove indicates the entity was tombstoned.
	OpRemove
)

// String returns the string representation of the Op.
func (o Op) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpUpdate:
		return "update"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// EntityKind distinguishes node deltas from edge deltas.
type EntityKind int

const (
	// EntityNode marks a node delta.
	EntityNode EntityKind = iota

	// EntityEdge marks an edge delta.
	EntityEdge
)

// String returns the string representation of the EntityKind.
func (k EntityKind) String() string {
	switch k {
	case EntityNode:
		return "node"
	case EntityEdge:
		return "edge"
	default:
		return "unknown"
	}
}

// Delta is an immutable record of one committed graph change.
//
// Description:
//
//	Deltas are the only unit of propagation from the store to its
//	consumers. They carry the full before and after images so
//	consumers can replay, audit, or rebuild derived state without
//	querying the store. Seq is the store's global version assigned to
//	the apply call; the delta log delivers deltas to every consumer in
//	Seq order with no gaps.
type Delta struct {
	// Seq is the global store version assigned to this change.
	Seq uint64 `json:"seq"`

	// Op is the net effect.
	Op Op `json:"op"`

	// Entity tells which pair of images is populated.
	Entity EntityKind `json:"entity"`

	// NodeBefore/NodeAfter are the node images (Entity == EntityNode).
	NodeBefore *Node `json:"node_before,omitempty"`
	NodeAfter  *Node `json:"node_after,omitempty"`

	// EdgeBefore/EdgeAfter are the edge images (Entity == EntityEdge).
	EdgeBefore *Edge `json:"edge_before,omitempty"`
	EdgeAfter  *Edge `json:"edge_after,omitempty"`

	// Timestamp is the ObservedAt of the source event.
	Timestamp time.Time `json:"timestamp"`

	// SourceEventID is the external id of the event that caused the
	// change, for audit.
	SourceEventID string `json:"source_event_id"`

	// changed marks whether the apply produced a real state change.
	// Set by the store before the sequence is assigned; not serialized.
	changed bool
}

// NoOp reports whether the delta describes no net change.
func (d *Delta) NoOp() bool {
	if d.Op != OpUpdate {
		return false
	}
	switch d.Entity {
	case EntityNode:
		return d.NodeBefore != nil && d.NodeAfter != nil &&
			d.NodeBefore.Version == d.NodeAfter.Version
	case EntityEdge:
		return d.EdgeBefore != nil && d.EdgeAfter != nil &&
			d.EdgeBefore.Version == d.EdgeAfter.Version
	}
	return false
}
