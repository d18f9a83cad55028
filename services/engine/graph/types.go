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
	"fmt"
	"math"
	"strings"
	"time"
)

// NodeKind identifies the kind of entity a node represents.
type NodeKind int

const (
	// NodeKindUnknown indicates an unrecognized node kind.
	NodeKindUnknown NodeKind = iota

	// NodeKindRepository is a GitHub repository.
	NodeKindRepository

	// NodeKindDeveloper is a GitHub user account.
	NodeKindDeveloper

	// NumNodeKinds is the total number of node kinds (for array sizing).
	NumNodeKinds
)

// nodeKindNames maps NodeKind values to their string representations.
var nodeKindNames = map[NodeKind]string{
	NodeKindUnknown:    "unknown",
	NodeKindRepository: "repository",
	NodeKindDeveloper:  "developer",
}

// String returns the string representation of the NodeKind.
func (k NodeKind) String() string {
	if name, ok := nodeKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseNodeKind converts a wire-format kind string to a NodeKind.
// Returns NodeKindUnknown for unrecognized input.
func ParseNodeKind(s string) NodeKind {
	switch strings.ToLower(s) {
	case "repository", "repo":
		return NodeKindRepository
	case "developer", "dev", "user":
		return NodeKindDeveloper
	default:
		return NodeKindUnknown
	}
}

// EdgeKind identifies the relationship type between two nodes.
type EdgeKind int

const (
	// EdgeKindUnknown indicates an unrecognized relationship type.
	EdgeKindUnknown EdgeKind = iota

	// EdgeKindStarredBy indicates a repository was starred by a developer.
	EdgeKindStarredBy

	// EdgeKindContributesTo indicates a developer contributes to a repository.
	EdgeKindContributesTo

	// EdgeKindFollows indicates a developer follows another developer.
	EdgeKindFollows

	// EdgeKindCommentedOn indicates a developer commented on a repository.
	EdgeKindCommentedOn

	// EdgeKindForkOf indicates a repository is a fork of another repository.
	EdgeKindForkOf

	// NumEdgeKinds is the total number of edge kinds (for array sizing).
	NumEdgeKinds
)

// edgeKindNames maps EdgeKind values to their string representations.
var edgeKindNames = map[EdgeKind]string{
	EdgeKindUnknown:       "unknown",
	EdgeKindStarredBy:     "starred_by",
	EdgeKindContributesTo: "contributes_to",
	EdgeKindFollows:       "follows",
	EdgeKindCommentedOn:   "commented_on",
	EdgeKindForkOf:        "fork_of",
}

// String returns the string representation of the EdgeKind.
func (k EdgeKind) String() string {
	if name, ok := edgeKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseEdgeKind converts a wire-format kind string to an EdgeKind.
// Returns EdgeKindUnknown for unrecognized input.
func ParseEdgeKind(s string) EdgeKind {
	switch strings.ToLower(s) {
	case "starred_by", "starredby":
		return EdgeKindStarredBy
	case "contributes_to", "contributesto", "contributed_to":
		return EdgeKindContributesTo
	case "follows":
		return EdgeKindFollows
	case "commented_on", "commentedon":
		return EdgeKindCommentedOn
	case "fork_of", "forkof":
		return EdgeKindForkOf
	default:
		return EdgeKindUnknown
	}
}

// NodeID is the identity of a node: kind plus external (GitHub) identifier.
//
// NodeID is comparable and usable as a map key.
type NodeID struct {
	// Kind is the node kind (repository or developer).
	Kind NodeKind `json:"kind"`

	// ExternalID is the GitHub identifier ("facebook/react", "dan_abramov").
	ExternalID string `json:"external_id"`
}

// String returns the canonical "kind:external_id" form.
func (id NodeID) String() string {
	return id.Kind.String() + ":" + id.ExternalID
}

// IsZero returns true if the id carries no identity.
func (id NodeID) IsZero() bool {
	return id.ExternalID == ""
}

// ParseNodeID parses a canonical "kind:external_id" string.
//
// Outputs:
//
//	NodeID - Parsed id. Kind is NodeKindUnknown on malformed input.
//	error - Non-nil if the string has no kind separator or empty parts.
func ParseNodeID(s string) (NodeID, error) {
	kind, rest, ok := strings.Cut(s, ":")
	if !ok || kind == "" || rest == "" {
		return NodeID{}, fmt.Errorf("malformed node id %q", s)
	}
	k := ParseNodeKind(kind)
	if k == NodeKindUnknown {
		return NodeID{}, fmt.Errorf("unknown node kind in id %q", s)
	}
	return NodeID{Kind: k, ExternalID: rest}, nil
}

// EdgeID is the identity of an edge: kind plus source and target node ids.
//
// Multi-edges of different kinds between the same pair are distinct
// entities. EdgeID is comparable and usable as a map key.
type EdgeID struct {
	// Kind is the relationship type.
	Kind EdgeKind `json:"kind"`

	// From is the source node id.
	From NodeID `json:"from"`

	// To is the target node id.
	To NodeID `json:"to"`
}

// String returns the canonical "kind:from->to" form.
func (id EdgeID) String() string {
	return id.Kind.String() + ":" + id.From.String() + "->" + id.To.String()
}

// NodeAttrs holds the mutable observed attributes of a node.
//
// Stars and Forks are monotonic counters under the merge rules: an
// older observation can never decrease them. Language, Topics, and
// EmbeddingRef follow latest-timestamp-wins.
type NodeAttrs struct {
	// Stars is the stargazer count (repositories only).
	Stars int64 `json:"stars,omitempty"`

	// Forks is the fork count (repositories only).
	Forks int64 `json:"forks,omitempty"`

	// Language is the primary language reported by GitHub.
	Language string `json:"language,omitempty"`

	// Topics are the repository topics, used for trend rollups.
	Topics []string `json:"topics,omitempty"`

	// EmbeddingRef points at an externally stored embedding vector.
	// Empty is valid: a node is usable without an embedding.
	EmbeddingRef string `json:"embedding_ref,omitempty"`
}

// clone returns a deep copy of the attributes.
func (a NodeAttrs) clone() NodeAttrs {
	out := a
	if a.Topics != nil {
		out.Topics = make([]string, len(a.Topics))
		copy(out.Topics, a.Topics)
	}
	return out
}

// Node is a versioned graph entity owned exclusively by the Store.
//
// Callers outside the graph package only ever see copies; mutating a
// returned Node has no effect on store state.
type Node struct {
	// ID is the node identity.
	ID NodeID `json:"id"`

	// CreatedAt is the creation time reported by the source, or the
	// first observation time if the source did not report one.
	CreatedAt time.Time `json:"created_at"`

	// LastObserved is the ObservedAt of the freshest event applied.
	LastObserved time.Time `json:"last_observed"`

	// Attrs are the mutable observed attributes.
	Attrs NodeAttrs `json:"attrs"`

	// Version equals the store's global version at the last mutation
	// of this node. Strictly increasing per node.
	Version uint64 `json:"version"`

	// RemovedAt is the tombstone marker. Nil for live nodes. A
	// tombstoned node is retained for the configured retention period
	// so downstream consumers can react to the removal.
	RemovedAt *time.Time `json:"removed_at,omitempty"`
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := *n
	out.Attrs = n.Attrs.clone()
	if n.RemovedAt != nil {
		t := *n.RemovedAt
		out.RemovedAt = &t
	}
	return &out
}

// Removed returns true if the node is tombstoned.
func (n *Node) Removed() bool {
	return n != nil && n.RemovedAt != nil
}

// Edge is a versioned, weighted relationship between two nodes.
//
// Duplicate observations of the same (kind, from, to) coalesce into a
// single edge with a weight increment; they are never duplicated.
type Edge struct {
	// ID is the edge identity.
	ID EdgeID `json:"id"`

	// FirstSeen is the ObservedAt of the event that created the edge.
	FirstSeen time.Time `json:"first_seen"`

	// LastSeen is the ObservedAt of the freshest event applied.
	LastSeen time.Time `json:"last_seen"`

	// Weight is the accumulated interaction count. Additions saturate
	// at math.MaxInt64 rather than wrapping.
	Weight int64 `json:"weight"`

	// Version equals the store's global version at the last mutation
	// of this edge. Strictly increasing per edge.
	Version uint64 `json:"version"`

	// RemovedAt is the tombstone marker. Nil for live edges.
	RemovedAt *time.Time `json:"removed_at,omitempty"`
}

// Clone returns a copy of the edge.
func (e *Edge) Clone() *Edge {
	if e == nil {
		return nil
	}
	out := *e
	if e.RemovedAt != nil {
		t := *e.RemovedAt
		out.RemovedAt = &t
	}
	return &out
}

// Removed returns true if the edge is tombstoned.
func (e *Edge) Removed() bool {
	return e != nil && e.RemovedAt != nil
}

// CentralityScore is a per-node influence score tied to the store
// version that produced it.
//
// LastUpdatedVersion is always <= the store's version for that node's
// last applied delta; consumers use it to judge staleness.
type CentralityScore struct {
	// NodeID is the scored node.
	NodeID NodeID `json:"node_id"`

	// Score is the influence score.
	Score float64 `json:"score"`

	// RawEdgeCount is the node's total live edge count, used as the
	// first tie-break for equal scores.
	RawEdgeCount int `json:"raw_edge_count"`

	// LastUpdatedVersion is the delta sequence the score reflects.
	LastUpdatedVersion uint64 `json:"last_updated_version"`
}

// saturatingAdd adds two non-negative counts, clamping at MaxInt64.
func saturatingAdd(a, b int64) int64 {
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

// maxInt64 returns the larger of a and b.
func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
