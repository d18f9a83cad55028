// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package deltalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yksanjo/github-intelligence/services/engine/graph"
)

var observedAt = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(InMemoryConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		if err := l.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return l
}

func testDelta(seq uint64) *graph.Delta {
	return &graph.Delta{
		Seq:    seq,
		Op:     graph.OpAdd,
		Entity: graph.EntityNode,
		NodeAfter: &graph.Node{
			ID:      graph.NodeID{Kind: graph.NodeKindRepository, ExternalID: "a/b"},
			Version: seq,
		},
		Timestamp:     observedAt.Add(time.Duration(seq) * time.Minute),
		SourceEventID: "ev-1",
	}
}

func appendSeqs(t *testing.T, l *Log, from, to uint64) {
	t.Helper()
	for seq := from; seq <= to; seq++ {
		if err := l.Append(context.Background(), testDelta(seq)); err != nil {
			t.Fatalf("Append %d failed: %v", seq, err)
		}
	}
}

// =============================================================================
// Append and read
// =============================================================================

func TestLog_AppendReadRoundTrip(t *testing.T) {
	l := openTestLog(t)
	appendSeqs(t, l, 1, 5)

	got, err := l.Read(context.Background(), 1, 3)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected batch of 3, got %d", len(got))
	}
	for i, d := range got {
		if d.Seq != uint64(i+1) {
			t.Errorf("position %d: expected seq %d, got %d", i, i+1, d.Seq)
		}
	}
	d := got[0]
	if d.Op != graph.OpAdd || d.Entity != graph.EntityNode {
		t.Errorf("delta identity lost in round trip: %+v", d)
	}
	if d.NodeAfter == nil || d.NodeAfter.ID.ExternalID != "a/b" {
		t.Error("node image lost in round trip")
	}
	if !d.Timestamp.Equal(observedAt.Add(time.Minute)) {
		t.Errorf("timestamp lost in round trip: %v", d.Timestamp)
	}

	// Resume mid-stream.
	got, err = l.Read(context.Background(), 4, 10)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got) != 2 || got[0].Seq != 4 {
		t.Errorf("expected seqs 4,5, got %d deltas starting at %d", len(got), got[0].Seq)
	}

	// Caught up: empty batch, no error.
	got, err = l.Read(context.Background(), 6, 10)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty batch past the tip, got %d", len(got))
	}
}

func TestLog_Append_RejectsUnsequenced(t *testing.T) {
	l := openTestLog(t)
	if err := l.Append(context.Background(), &graph.Delta{}); err == nil {
		t.Error("expected error for delta without a sequence")
	}
}

// =============================================================================
// Sequence ordering
// =============================================================================

func TestLog_Append_RejectsSequenceGap(t *testing.T) {
	l := openTestLog(t)
	appendSeqs(t, l, 1, 3)

	if err := l.Append(context.Background(), testDelta(5)); !errors.Is(err, ErrSequenceGap) {
		t.Fatalf("expected ErrSequenceGap appending 5 after 3, got %v", err)
	}
	if err := l.Append(context.Background(), testDelta(3)); !errors.Is(err, ErrSequenceGap) {
		t.Fatalf("expected ErrSequenceGap re-appending 3, got %v", err)
	}

	// Nothing is delivered at the missing sequence; the stream waits
	// instead of skipping ahead.
	got, err := l.Read(context.Background(), 4, 10)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty batch at the missing sequence, got seq %d", got[0].Seq)
	}

	// Once 4 lands the stream resumes in order.
	appendSeqs(t, l, 4, 5)
	got, err = l.Read(context.Background(), 4, 10)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got) != 2 || got[0].Seq != 4 || got[1].Seq != 5 {
		t.Errorf("expected seqs 4,5 after the stream resumed, got %d deltas", len(got))
	}
}

func TestLog_Append_ReopenResumesOrdering(t *testing.T) {
	cfg := Config{Path: t.TempDir()}

	l, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	appendSeqs(t, l, 1, 2)
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	l, err = Open(cfg)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	t.Cleanup(func() {
		if err := l.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})

	if err := l.Append(context.Background(), testDelta(4)); !errors.Is(err, ErrSequenceGap) {
		t.Fatalf("expected ErrSequenceGap appending 4 after reopen at 2, got %v", err)
	}
	if err := l.Append(context.Background(), testDelta(3)); err != nil {
		t.Fatalf("Append 3 after reopen failed: %v", err)
	}
}

func TestLog_TrimAfter_ReissuesDroppedSequences(t *testing.T) {
	l := openTestLog(t)
	appendSeqs(t, l, 1, 10)

	if _, err := l.TrimAfter(context.Background(), 7); err != nil {
		t.Fatalf("TrimAfter failed: %v", err)
	}
	if err := l.Append(context.Background(), testDelta(8)); err != nil {
		t.Fatalf("Append of reissued seq 8 failed: %v", err)
	}

	got, err := l.Read(context.Background(), 1, 100)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got) != 8 || got[len(got)-1].Seq != 8 {
		t.Errorf("expected contiguous stream through seq 8, got %d deltas", len(got))
	}
}

// =============================================================================
// Cursors
// =============================================================================

func TestLog_Cursors(t *testing.T) {
	l := openTestLog(t)

	seq, err := l.Cursor("centrality")
	if err != nil {
		t.Fatalf("Cursor failed: %v", err)
	}
	if seq != 0 {
		t.Errorf("expected zero cursor for new consumer, got %d", seq)
	}

	min, err := l.MinCursor()
	if err != nil {
		t.Fatalf("MinCursor failed: %v", err)
	}
	if min != 0 {
		t.Errorf("expected zero min with no cursors, got %d", min)
	}

	if err := l.CommitCursor("centrality", 5); err != nil {
		t.Fatalf("CommitCursor failed: %v", err)
	}
	if err := l.CommitCursor("trends", 3); err != nil {
		t.Fatalf("CommitCursor failed: %v", err)
	}

	if seq, _ = l.Cursor("centrality"); seq != 5 {
		t.Errorf("expected cursor 5, got %d", seq)
	}
	if min, _ = l.MinCursor(); min != 3 {
		t.Errorf("expected min cursor 3, got %d", min)
	}
}

// =============================================================================
// Retention
// =============================================================================

func TestLog_Trim_ForcesResyncForLaggards(t *testing.T) {
	l := openTestLog(t)
	appendSeqs(t, l, 1, 10)

	removed, err := l.Trim(context.Background(), 5)
	if err != nil {
		t.Fatalf("Trim failed: %v", err)
	}
	if removed != 4 {
		t.Errorf("expected 4 deltas trimmed, got %d", removed)
	}

	oldest, err := l.OldestSeq()
	if err != nil {
		t.Fatalf("OldestSeq failed: %v", err)
	}
	if oldest != 5 {
		t.Errorf("expected oldest seq 5, got %d", oldest)
	}

	if _, err := l.Read(context.Background(), 2, 10); !errors.Is(err, ErrResyncRequired) {
		t.Errorf("expected ErrResyncRequired below the retained range, got %v", err)
	}
	got, err := l.Read(context.Background(), 5, 10)
	if err != nil {
		t.Fatalf("Read of retained range failed: %v", err)
	}
	if len(got) != 6 {
		t.Errorf("expected 6 retained deltas, got %d", len(got))
	}
}

func TestLog_TrimAfter_DropsStaleTail(t *testing.T) {
	l := openTestLog(t)
	appendSeqs(t, l, 1, 10)

	removed, err := l.TrimAfter(context.Background(), 7)
	if err != nil {
		t.Fatalf("TrimAfter failed: %v", err)
	}
	if removed != 3 {
		t.Errorf("expected 3 deltas dropped, got %d", removed)
	}

	got, err := l.Read(context.Background(), 1, 100)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got) != 7 || got[len(got)-1].Seq != 7 {
		t.Errorf("expected head through seq 7 retained, got %d deltas", len(got))
	}
}

// =============================================================================
// Snapshots
// =============================================================================

func TestLog_Snapshots(t *testing.T) {
	l := openTestLog(t)

	if _, err := l.LatestSnapshot(context.Background()); !errors.Is(err, graph.ErrSnapshotNotFound) {
		t.Errorf("expected ErrSnapshotNotFound on empty log, got %v", err)
	}
	if _, err := l.LoadSnapshot(context.Background(), 9); !errors.Is(err, graph.ErrSnapshotNotFound) {
		t.Errorf("expected ErrSnapshotNotFound for unsaved version, got %v", err)
	}

	for _, version := range []uint64{5, 9} {
		sn := &graph.Snapshot{
			Version:       version,
			LastEventTime: observedAt,
			Nodes: []*graph.Node{
				{ID: graph.NodeID{Kind: graph.NodeKindRepository, ExternalID: "a/b"}, Version: version},
			},
		}
		if err := l.SaveSnapshot(context.Background(), sn); err != nil {
			t.Fatalf("SaveSnapshot %d failed: %v", version, err)
		}
	}

	sn, err := l.LoadSnapshot(context.Background(), 5)
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if sn.Version != 5 || len(sn.Nodes) != 1 {
		t.Errorf("unexpected snapshot %+v", sn)
	}

	latest, err := l.LatestSnapshot(context.Background())
	if err != nil {
		t.Fatalf("LatestSnapshot failed: %v", err)
	}
	if latest.Version != 9 {
		t.Errorf("expected latest version 9, got %d", latest.Version)
	}
}
