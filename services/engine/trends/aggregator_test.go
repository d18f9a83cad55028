// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package trends

import (
	"testing"
	"time"
)

var windowStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func hourly() *Aggregator {
	return NewAggregator(Options{
		WindowWidth:      time.Hour,
		RetentionHorizon: 6 * time.Hour,
	})
}

// =============================================================================
// Binning
// =============================================================================

func TestAggregator_Observe_BinsByWindow(t *testing.T) {
	a := hourly()

	if got := a.Observe([]string{"rust"}, windowStart.Add(10*time.Minute), 1); got != 1 {
		t.Fatalf("expected 1 applied, got %d", got)
	}
	a.Observe([]string{"rust"}, windowStart.Add(50*time.Minute), 3)

	buckets := a.Buckets("rust")
	if len(buckets) != 1 {
		t.Fatalf("expected one bucket, got %d", len(buckets))
	}
	b := buckets[0]
	if !b.Start.Equal(windowStart) || !b.End.Equal(windowStart.Add(time.Hour)) {
		t.Errorf("unexpected window [%v, %v)", b.Start, b.End)
	}
	if b.Count != 2 || b.Weight != 4 {
		t.Errorf("expected count 2 weight 4, got count %d weight %d", b.Count, b.Weight)
	}
}

func TestAggregator_Observe_WindowEndIsExclusive(t *testing.T) {
	a := hourly()
	a.Observe([]string{"go"}, windowStart.Add(time.Hour-time.Nanosecond), 1)
	a.Observe([]string{"go"}, windowStart.Add(time.Hour), 1)

	buckets := a.Buckets("go")
	if len(buckets) != 2 {
		t.Fatalf("expected the boundary event in the next window, got %d buckets", len(buckets))
	}
	if !buckets[1].Start.Equal(windowStart.Add(time.Hour)) {
		t.Errorf("expected second window start %v, got %v",
			windowStart.Add(time.Hour), buckets[1].Start)
	}
}

func TestAggregator_Observe_EmptyAndBlankTopics(t *testing.T) {
	a := hourly()
	if got := a.Observe(nil, windowStart, 1); got != 0 {
		t.Errorf("expected 0 applied for empty topics, got %d", got)
	}
	if got := a.Observe([]string{"", "zig"}, windowStart, 1); got != 1 {
		t.Errorf("expected blank topic skipped, got %d applied", got)
	}
}

func TestAggregator_Observe_MinimumWeight(t *testing.T) {
	a := hourly()
	a.Observe([]string{"go"}, windowStart, 0)
	if b := a.Buckets("go")[0]; b.Weight != 1 {
		t.Errorf("expected weight clamped to 1, got %d", b.Weight)
	}
}

func TestAggregator_Observe_DropsBeyondHorizon(t *testing.T) {
	a := hourly()
	// Advance the event-time high-water mark, then deliver something
	// seven hours stale against a six hour horizon.
	a.Observe([]string{"go"}, windowStart, 1)
	if got := a.Observe([]string{"go"}, windowStart.Add(-7*time.Hour), 1); got != 0 {
		t.Errorf("expected stale event dropped, got %d applied", got)
	}
	if len(a.Buckets("go")) != 1 {
		t.Error("stale event must not create a backfill bucket")
	}
}

// =============================================================================
// Closing and retention
// =============================================================================

func TestAggregator_CloseExpired_FreezesPastWindows(t *testing.T) {
	a := hourly()
	a.Observe([]string{"go"}, windowStart.Add(5*time.Minute), 1)
	a.Observe([]string{"go"}, windowStart.Add(60*time.Minute), 1)

	closed := a.CloseExpired(windowStart.Add(90 * time.Minute))
	if len(closed) != 1 {
		t.Fatalf("expected one closed bucket, got %d", len(closed))
	}
	if !closed[0].Closed || !closed[0].Start.Equal(windowStart) {
		t.Errorf("unexpected closed bucket %+v", closed[0])
	}

	// The open second window survives.
	open := a.Buckets("go")
	if len(open) != 2 || open[1].Closed {
		t.Error("expected the current window left open")
	}

	// Closing again reports nothing new.
	if again := a.CloseExpired(windowStart.Add(91 * time.Minute)); len(again) != 0 {
		t.Errorf("expected no newly closed buckets, got %d", len(again))
	}
}

func TestAggregator_CloseExpired_FrozenBucketRejectsIncrements(t *testing.T) {
	a := hourly()
	a.Observe([]string{"go"}, windowStart, 1)
	a.CloseExpired(windowStart.Add(2 * time.Hour))

	// In-horizon event landing in the frozen window is a rejected no-op.
	if got := a.Observe([]string{"go"}, windowStart.Add(30*time.Minute), 5); got != 0 {
		t.Fatalf("expected increment against frozen bucket rejected, got %d", got)
	}
	b := a.ClosedBuckets("go", 0)[0]
	if b.Count != 1 || b.Weight != 1 {
		t.Errorf("frozen bucket mutated: count %d weight %d", b.Count, b.Weight)
	}
}

func TestAggregator_CloseExpired_EvictsBeyondHorizon(t *testing.T) {
	a := hourly()
	a.Observe([]string{"go"}, windowStart, 1)
	a.CloseExpired(windowStart.Add(2 * time.Hour))

	// Ten hours later the closed bucket is past the six hour horizon.
	a.CloseExpired(windowStart.Add(10 * time.Hour))
	if got := a.TopicCount(); got != 0 {
		t.Errorf("expected evicted topic removed, got %d topics", got)
	}
}

func TestAggregator_CloseExpired_DeterministicOrder(t *testing.T) {
	a := hourly()
	a.Observe([]string{"zig", "go"}, windowStart, 1)
	a.Observe([]string{"go"}, windowStart.Add(time.Hour), 1)

	closed := a.CloseExpired(windowStart.Add(3 * time.Hour))
	if len(closed) != 3 {
		t.Fatalf("expected 3 closed buckets, got %d", len(closed))
	}
	if closed[0].Topic != "go" || closed[1].Topic != "go" || closed[2].Topic != "zig" {
		t.Errorf("expected topic order go,go,zig, got %s,%s,%s",
			closed[0].Topic, closed[1].Topic, closed[2].Topic)
	}
	if !closed[0].Start.Before(closed[1].Start) {
		t.Error("expected same-topic buckets in window order")
	}
}

// =============================================================================
// Queries
// =============================================================================

func TestAggregator_ClosedBuckets_LimitsToRecent(t *testing.T) {
	a := hourly()
	for i := 0; i < 4; i++ {
		a.Observe([]string{"go"}, windowStart.Add(time.Duration(i)*time.Hour), 1)
	}
	a.CloseExpired(windowStart.Add(5 * time.Hour))

	got := a.ClosedBuckets("go", 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(got))
	}
	if !got[1].Start.Equal(windowStart.Add(3 * time.Hour)) {
		t.Errorf("expected the most recent windows, got last start %v", got[1].Start)
	}
}

func TestAggregator_TopTopics_OrdersByCount(t *testing.T) {
	a := hourly()
	a.Observe([]string{"rust"}, windowStart, 1)
	a.Observe([]string{"rust"}, windowStart.Add(time.Minute), 1)
	a.Observe([]string{"go"}, windowStart, 10)
	a.Observe([]string{"zig"}, windowStart, 1)

	top := a.TopTopics(2)
	if len(top) != 2 {
		t.Fatalf("expected 2 topics, got %d", len(top))
	}
	if top[0].Topic != "rust" || top[0].Count != 2 {
		t.Errorf("expected rust first with count 2, got %+v", top[0])
	}
	// go and zig tie on count; lexicographic order decides.
	if top[1].Topic != "go" || top[1].Weight != 10 {
		t.Errorf("expected go second with weight 10, got %+v", top[1])
	}
}
