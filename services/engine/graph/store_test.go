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
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yksanjo/github-intelligence/services/engine/events"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func repoEvent(id string, stars int64, observedAt time.Time) *events.Event {
	return &events.Event{
		ExternalID: "ev-" + id,
		Channel:    events.ChannelPoll,
		DedupKey:   "dk-" + id + observedAt.String(),
		ObservedAt: observedAt,
		Entity:     events.EntityRef{Kind: "repository", ID: id},
		Node:       &events.NodePayload{Stars: stars},
	}
}

func devEvent(id string, observedAt time.Time) *events.Event {
	return &events.Event{
		ExternalID: "ev-" + id,
		Channel:    events.ChannelWebhook,
		DedupKey:   "dk-" + id + observedAt.String(),
		ObservedAt: observedAt,
		Entity:     events.EntityRef{Kind: "developer", ID: id},
	}
}

func starEdgeEvent(repo, dev string, observedAt time.Time) *events.Event {
	return &events.Event{
		ExternalID: "ev-edge",
		Channel:    events.ChannelWebhook,
		DedupKey:   "dk-edge-" + repo + dev + observedAt.String(),
		ObservedAt: observedAt,
		Entity: events.EntityRef{
			Kind:   "starred_by",
			From:   "repository:" + repo,
			To:     "developer:" + dev,
			IsEdge: true,
		},
	}
}

// =============================================================================
// Node apply
// =============================================================================

func TestStore_Apply_CreatesNode(t *testing.T) {
	s := NewStore(StoreOptions{})
	delta, err := s.Apply(context.Background(), repoEvent("facebook/react", 10, baseTime))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if delta.Op != OpAdd {
		t.Errorf("expected OpAdd, got %v", delta.Op)
	}
	if delta.Seq != 1 {
		t.Errorf("expected seq 1, got %d", delta.Seq)
	}
	if delta.NodeBefore != nil {
		t.Error("expected nil before image on create")
	}
	if delta.NodeAfter.Attrs.Stars != 10 {
		t.Errorf("expected 10 stars, got %d", delta.NodeAfter.Attrs.Stars)
	}
	if s.Version() != 1 || s.NodeCount() != 1 {
		t.Errorf("unexpected store state: version=%d nodes=%d", s.Version(), s.NodeCount())
	}
}

// A duplicate observation after a counter moved must not bump the
// entity version again: create, update to 15, then a replay of 15
// leaves the node at 15 with exactly two entity versions issued.
func TestStore_Apply_DuplicateObservationIsNoOp(t *testing.T) {
	s := NewStore(StoreOptions{})
	ctx := context.Background()
	id := NodeID{Kind: NodeKindRepository, ExternalID: "facebook/react"}

	if _, err := s.Apply(ctx, repoEvent("facebook/react", 10, baseTime)); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := s.Apply(ctx, repoEvent("facebook/react", 15, baseTime.Add(time.Minute))); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	node, _ := s.GetNode(id)
	versionAfterUpdate := node.Version

	delta, err := s.Apply(ctx, repoEvent("facebook/react", 15, baseTime.Add(2*time.Minute)))
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if delta.Op != OpUpdate {
		t.Errorf("expected OpUpdate, got %v", delta.Op)
	}

	node, _ = s.GetNode(id)
	if node.Attrs.Stars != 15 {
		t.Errorf("expected 15 stars, got %d", node.Attrs.Stars)
	}
	if node.Version != versionAfterUpdate {
		t.Errorf("no-op replay bumped entity version: %d -> %d", versionAfterUpdate, node.Version)
	}
	// The global version still advances once per successful apply.
	if s.Version() != 3 {
		t.Errorf("expected global version 3, got %d", s.Version())
	}
}

func TestStore_Apply_OutOfOrderMerge(t *testing.T) {
	s := NewStore(StoreOptions{})
	ctx := context.Background()
	id := NodeID{Kind: NodeKindRepository, ExternalID: "golang/go"}

	fresh := repoEvent("golang/go", 100, baseTime.Add(time.Hour))
	fresh.Node.Language = "Go"
	if _, err := s.Apply(ctx, fresh); err != nil {
		t.Fatalf("fresh apply failed: %v", err)
	}

	// Stale poll: lower stars, different language. Stars must not
	// regress and the language must keep the fresher value.
	stale := repoEvent("golang/go", 90, baseTime)
	stale.Node.Language = "Assembly"
	if _, err := s.Apply(ctx, stale); err != nil {
		t.Fatalf("stale apply failed: %v", err)
	}

	node, _ := s.GetNode(id)
	if node.Attrs.Stars != 100 {
		t.Errorf("stale event regressed stars to %d", node.Attrs.Stars)
	}
	if node.Attrs.Language != "Go" {
		t.Errorf("stale event rewrote language to %q", node.Attrs.Language)
	}
	if !node.LastObserved.Equal(baseTime.Add(time.Hour)) {
		t.Errorf("stale event moved LastObserved to %v", node.LastObserved)
	}
}

// Convergence: two updates arriving in either order leave identical
// final node state.
func TestStore_Apply_OrderIndependence(t *testing.T) {
	ctx := context.Background()
	evA := repoEvent("vuejs/vue", 200, baseTime)
	evA.Node.Language = "JavaScript"
	evB := repoEvent("vuejs/vue", 210, baseTime.Add(time.Minute))
	evB.Node.Language = "TypeScript"
	id := NodeID{Kind: NodeKindRepository, ExternalID: "vuejs/vue"}

	s1 := NewStore(StoreOptions{})
	s1.Apply(ctx, repoEvent("vuejs/vue", 1, baseTime.Add(-time.Hour)))
	s1.Apply(ctx, evA)
	s1.Apply(ctx, evB)

	s2 := NewStore(StoreOptions{})
	s2.Apply(ctx, repoEvent("vuejs/vue", 1, baseTime.Add(-time.Hour)))
	s2.Apply(ctx, evB)
	s2.Apply(ctx, evA)

	n1, _ := s1.GetNode(id)
	n2, _ := s2.GetNode(id)
	if n1.Attrs.Stars != n2.Attrs.Stars || n1.Attrs.Language != n2.Attrs.Language {
		t.Errorf("order-dependent merge: %+v vs %+v", n1.Attrs, n2.Attrs)
	}
	if n1.Attrs.Stars != 210 || n1.Attrs.Language != "TypeScript" {
		t.Errorf("unexpected converged state: %+v", n1.Attrs)
	}
}

func TestStore_Apply_MonotonicVersions(t *testing.T) {
	s := NewStore(StoreOptions{})
	ctx := context.Background()

	var last uint64
	for i := 0; i < 10; i++ {
		delta, err := s.Apply(ctx, repoEvent("a/b", int64(i), baseTime.Add(time.Duration(i)*time.Minute)))
		if err != nil {
			t.Fatalf("apply %d failed: %v", i, err)
		}
		if delta.Seq <= last {
			t.Fatalf("version did not advance: %d after %d", delta.Seq, last)
		}
		last = delta.Seq
	}
}

func TestStore_Apply_UnknownKindIsMalformed(t *testing.T) {
	s := NewStore(StoreOptions{})
	ev := repoEvent("x/y", 1, baseTime)
	ev.Entity.Kind = "organization"
	_, err := s.Apply(context.Background(), ev)
	if !errors.Is(err, events.ErrMalformedEvent) {
		t.Errorf("expected ErrMalformedEvent, got %v", err)
	}
	if s.Version() != 0 {
		t.Errorf("failed apply bumped version to %d", s.Version())
	}
}

// =============================================================================
// Removal and resurrection
// =============================================================================

func TestStore_Apply_RemoveAndResurrect(t *testing.T) {
	s := NewStore(StoreOptions{})
	ctx := context.Background()
	id := NodeID{Kind: NodeKindRepository, ExternalID: "left-pad/left-pad"}

	s.Apply(ctx, repoEvent("left-pad/left-pad", 5, baseTime))

	remove := devEvent("ignored", baseTime.Add(time.Minute))
	remove.Entity = events.EntityRef{Kind: "repository", ID: "left-pad/left-pad"}
	remove.Remove = true
	delta, err := s.Apply(ctx, remove)
	if err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if delta.Op != OpRemove {
		t.Errorf("expected OpRemove, got %v", delta.Op)
	}
	if s.HasLiveNode(id) {
		t.Error("tombstoned node reported live")
	}
	node, ok := s.GetNode(id)
	if !ok || !node.Removed() {
		t.Fatal("tombstone should remain fetchable")
	}

	// A fresh observation brings it back.
	delta, err = s.Apply(ctx, repoEvent("left-pad/left-pad", 6, baseTime.Add(2*time.Minute)))
	if err != nil {
		t.Fatalf("resurrect failed: %v", err)
	}
	if !s.HasLiveNode(id) {
		t.Error("fresh observation did not resurrect the node")
	}
	if delta.NodeAfter.Removed() {
		t.Error("delta after-image still tombstoned")
	}
}

func TestStore_Apply_RemoveUnknownNode(t *testing.T) {
	s := NewStore(StoreOptions{})
	remove := devEvent("ghost", baseTime)
	remove.Remove = true

	var unknown *UnknownEntityError
	_, err := s.Apply(context.Background(), remove)
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownEntityError, got %v", err)
	}
	if unknown.MissingNode != "developer:ghost" {
		t.Errorf("unexpected missing node key %q", unknown.MissingNode)
	}
}

func TestStore_Apply_RemoveIsIdempotent(t *testing.T) {
	s := NewStore(StoreOptions{})
	ctx := context.Background()
	s.Apply(ctx, repoEvent("a/b", 1, baseTime))

	remove := repoEvent("a/b", 0, baseTime.Add(time.Minute))
	remove.Node = nil
	remove.Remove = true
	if _, err := s.Apply(ctx, remove); err != nil {
		t.Fatalf("first remove failed: %v", err)
	}

	again := repoEvent("a/b", 0, baseTime.Add(2*time.Minute))
	again.Node = nil
	again.Remove = true
	delta, err := s.Apply(ctx, again)
	if err != nil {
		t.Fatalf("second remove failed: %v", err)
	}
	if delta.Op != OpUpdate {
		t.Errorf("repeat remove should be a no-op update, got %v", delta.Op)
	}
}

// =============================================================================
// Edge apply
// =============================================================================

func TestStore_Apply_EdgeRequiresEndpoints(t *testing.T) {
	s := NewStore(StoreOptions{})
	ctx := context.Background()
	s.Apply(ctx, repoEvent("facebook/react", 1, baseTime))

	var unknown *UnknownEntityError
	_, err := s.Apply(ctx, starEdgeEvent("facebook/react", "alice", baseTime))
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownEntityError, got %v", err)
	}
	if unknown.MissingNode != "developer:alice" {
		t.Errorf("unexpected missing node %q", unknown.MissingNode)
	}
	if s.Version() != 1 {
		t.Errorf("rejected edge bumped version to %d", s.Version())
	}
}

func TestStore_Apply_EdgeCoalescesWeight(t *testing.T) {
	s := NewStore(StoreOptions{})
	ctx := context.Background()
	s.Apply(ctx, repoEvent("facebook/react", 1, baseTime))
	s.Apply(ctx, devEvent("alice", baseTime))

	first, err := s.Apply(ctx, starEdgeEvent("facebook/react", "alice", baseTime.Add(time.Minute)))
	if err != nil {
		t.Fatalf("edge create failed: %v", err)
	}
	if first.Op != OpAdd || first.EdgeAfter.Weight != 1 {
		t.Errorf("expected OpAdd weight 1, got %v weight %d", first.Op, first.EdgeAfter.Weight)
	}

	second, err := s.Apply(ctx, starEdgeEvent("facebook/react", "alice", baseTime.Add(2*time.Minute)))
	if err != nil {
		t.Fatalf("edge coalesce failed: %v", err)
	}
	if second.Op != OpUpdate || second.EdgeAfter.Weight != 2 {
		t.Errorf("expected coalesced weight 2, got %v weight %d", second.Op, second.EdgeAfter.Weight)
	}
	if s.EdgeCount() != 1 {
		t.Errorf("coalescing created a second edge: %d", s.EdgeCount())
	}
}

func TestStore_Apply_EdgeToTombstonedNodeIsOrphan(t *testing.T) {
	s := NewStore(StoreOptions{})
	ctx := context.Background()
	s.Apply(ctx, repoEvent("a/b", 1, baseTime))
	s.Apply(ctx, devEvent("bob", baseTime))

	remove := devEvent("bob", baseTime.Add(time.Minute))
	remove.Remove = true
	if _, err := s.Apply(ctx, remove); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	var unknown *UnknownEntityError
	_, err := s.Apply(ctx, starEdgeEvent("a/b", "bob", baseTime.Add(2*time.Minute)))
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownEntityError for tombstoned endpoint, got %v", err)
	}
}

// =============================================================================
// Tombstone compaction
// =============================================================================

func TestStore_CompactTombstones(t *testing.T) {
	s := NewStore(StoreOptions{TombstoneRetention: time.Hour})
	ctx := context.Background()
	s.Apply(ctx, repoEvent("a/b", 1, baseTime))
	s.Apply(ctx, devEvent("alice", baseTime))
	s.Apply(ctx, starEdgeEvent("a/b", "alice", baseTime))

	remove := devEvent("alice", baseTime.Add(time.Minute))
	remove.Remove = true
	if _, err := s.Apply(ctx, remove); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	// Within retention: nothing compacts.
	if n := s.CompactTombstones(ctx, baseTime.Add(30*time.Minute)); n != 0 {
		t.Errorf("compacted %d entities inside retention", n)
	}

	// Past retention: the node and its incident edge both go.
	versionBefore := s.Version()
	deleted := s.CompactTombstones(ctx, baseTime.Add(3*time.Hour))
	if deleted != 2 {
		t.Errorf("expected 2 deletions (node + incident edge), got %d", deleted)
	}
	if _, ok := s.GetNode(NodeID{Kind: NodeKindDeveloper, ExternalID: "alice"}); ok {
		t.Error("compacted node still fetchable")
	}
	if s.Version() != versionBefore {
		t.Error("compaction bumped the version")
	}
}

// =============================================================================
// Snapshots
// =============================================================================

func TestStore_Snapshot_DeterministicEncoding(t *testing.T) {
	s := NewStore(StoreOptions{})
	ctx := context.Background()
	s.Apply(ctx, repoEvent("facebook/react", 10, baseTime))
	s.Apply(ctx, devEvent("alice", baseTime))
	s.Apply(ctx, devEvent("bob", baseTime))
	s.Apply(ctx, starEdgeEvent("facebook/react", "alice", baseTime))
	s.Apply(ctx, starEdgeEvent("facebook/react", "bob", baseTime))

	sn1, err := s.Snapshot(0)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	sn2, err := s.Snapshot(s.Version())
	if err != nil {
		t.Fatalf("versioned snapshot failed: %v", err)
	}

	b1, _ := sn1.Encode()
	b2, _ := sn2.Encode()
	if !bytes.Equal(b1, b2) {
		t.Error("same-version snapshots encoded differently")
	}
}

func TestStore_Snapshot_UnknownVersion(t *testing.T) {
	s := NewStore(StoreOptions{})
	s.Apply(context.Background(), repoEvent("a/b", 1, baseTime))
	if _, err := s.Snapshot(99); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("expected ErrSnapshotNotFound, got %v", err)
	}
}

func TestStore_RestoreRoundTrip(t *testing.T) {
	s := NewStore(StoreOptions{})
	ctx := context.Background()
	s.Apply(ctx, repoEvent("facebook/react", 10, baseTime))
	s.Apply(ctx, devEvent("alice", baseTime))
	s.Apply(ctx, starEdgeEvent("facebook/react", "alice", baseTime))

	sn, err := s.Snapshot(0)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	data, err := sn.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	restored := NewStore(StoreOptions{})
	restored.Restore(decoded)

	if restored.Version() != s.Version() {
		t.Errorf("version mismatch: %d vs %d", restored.Version(), s.Version())
	}
	if restored.NodeCount() != s.NodeCount() || restored.EdgeCount() != s.EdgeCount() {
		t.Error("entity counts differ after restore")
	}

	// The restored store accepts further applies with continuing versions.
	delta, err := restored.Apply(ctx, devEvent("bob", baseTime.Add(time.Minute)))
	if err != nil {
		t.Fatalf("apply after restore failed: %v", err)
	}
	if delta.Seq != s.Version()+1 {
		t.Errorf("expected seq %d after restore, got %d", s.Version()+1, delta.Seq)
	}
}
