// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package trends aggregates topic activity into fixed-width time
// windows.
//
// Windows are right-open: an event at exactly the window end belongs to
// the next window. Once a bucket closes it is frozen; late increments
// against it are rejected no-ops, counted but never applied, so closed
// buckets are safe to hand to downstream detectors by value.
package trends

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/yksanjo/github-intelligence/services/engine/telemetry"
)

const (
	// DefaultWindowWidth is the bucket width.
	DefaultWindowWidth = time.Hour

	// DefaultRetentionHorizon bounds both how late an event may arrive
	// and how long closed buckets are kept.
	DefaultRetentionHorizon = 24 * time.Hour
)

// Bucket is one fixed-width aggregation window for a topic.
type Bucket struct {
	// Topic is the normalized topic or language name.
	Topic string `json:"topic"`

	// Start is the inclusive window start.
	Start time.Time `json:"start"`

	// End is the exclusive window end (Start + width).
	End time.Time `json:"end"`

	// Count is the number of observations in the window.
	Count int64 `json:"count"`

	// Weight is the summed observation weight.
	Weight int64 `json:"weight"`

	// Closed marks a frozen bucket. Frozen buckets never change.
	Closed bool `json:"closed"`
}

// Options configures an Aggregator.
type Options struct {
	// WindowWidth must be > 0; invalid values fall back to the default.
	WindowWidth time.Duration

	// RetentionHorizon must be >= WindowWidth; invalid values fall
	// back to the default.
	RetentionHorizon time.Duration

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

func (o *Options) validate() {
	if o.WindowWidth <= 0 {
		o.WindowWidth = DefaultWindowWidth
	}
	if o.RetentionHorizon < o.WindowWidth {
		o.RetentionHorizon = DefaultRetentionHorizon
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Aggregator maintains per-topic bucket series.
//
// Thread Safety: Safe for concurrent use.
type Aggregator struct {
	mu      sync.RWMutex
	topics  map[string]map[int64]*Bucket // start unix nanos -> bucket
	highWM  time.Time                    // latest event time observed
	opts    Options
}

// NewAggregator creates an empty aggregator.
func NewAggregator(opts Options) *Aggregator {
	opts.validate()
	return &Aggregator{
		topics: make(map[string]map[int64]*Bucket),
		opts:   opts,
	}
}

// Observe records one increment per topic at the event's time.
//
// Description:
//
//	The event is binned by truncating its time to the window width.
//	Events older than the retention horizon (measured against the
//	high-water mark of observed event time) are dropped, not
//	backfilled. Increments that land in an already-closed bucket are
//	rejected and counted.
//
// Inputs:
//
//	topics - Topic names; each gets exactly one increment.
//	eventTime - The event's observation time, not arrival time.
//	weight - Observation weight, >= 1.
//
// Outputs:
//
//	int - Number of topics actually incremented.
func (a *Aggregator) Observe(topics []string, eventTime time.Time, weight int64) int {
	if len(topics) == 0 {
		return 0
	}
	if weight < 1 {
		weight = 1
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if eventTime.After(a.highWM) {
		a.highWM = eventTime
	}
	if a.highWM.Sub(eventTime) > a.opts.RetentionHorizon {
		if a.opts.Metrics != nil {
			a.opts.Metrics.LateEventsDropped.Add(context.Background(), int64(len(topics)))
		}
		return 0
	}

	start := eventTime.Truncate(a.opts.WindowWidth)
	applied := 0
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		series := a.topics[topic]
		if series == nil {
			series = make(map[int64]*Bucket)
			a.topics[topic] = series
		}
		b := series[start.UnixNano()]
		if b == nil {
			b = &Bucket{
				Topic: topic,
				Start: start,
				End:   start.Add(a.opts.WindowWidth),
			}
			series[start.UnixNano()] = b
		}
		if b.Closed {
			if a.opts.Metrics != nil {
				a.opts.Metrics.ClosedBucketIncrements.Add(context.Background(), 1)
			}
			continue
		}
		b.Count++
		b.Weight += weight
		applied++
	}
	return applied
}

// CloseExpired freezes every open bucket whose window end has passed
// and evicts buckets beyond the retention horizon.
//
// Inputs:
//
//	now - The close reference time. A bucket closes when now >= End or
//	the event-time high-water mark has moved past End.
//
// Outputs:
//
//	[]Bucket - Newly closed buckets, by value, ordered by (topic,
//	start) so downstream consumption is deterministic.
func (a *Aggregator) CloseExpired(now time.Time) []Bucket {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := now
	if a.highWM.After(cutoff) {
		cutoff = a.highWM
	}
	evictBefore := cutoff.Add(-a.opts.RetentionHorizon)

	var closed []Bucket
	for topic, series := range a.topics {
		for key, b := range series {
			if b.End.Before(evictBefore) {
				delete(series, key)
				continue
			}
			if !b.Closed && !cutoff.Before(b.End) {
				b.Closed = true
				closed = append(closed, *b)
			}
		}
		if len(series) == 0 {
			delete(a.topics, topic)
		}
	}

	sort.Slice(closed, func(i, j int) bool {
		if closed[i].Topic != closed[j].Topic {
			return closed[i].Topic < closed[j].Topic
		}
		return closed[i].Start.Before(closed[j].Start)
	})
	if len(closed) > 0 {
		a.opts.Logger.Debug("closed trend buckets", slog.Int("count", len(closed)))
	}
	return closed
}

// Buckets returns the topic's buckets in window order, open and closed.
func (a *Aggregator) Buckets(topic string) []Bucket {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.seriesLocked(topic, false)
}

// ClosedBuckets returns the topic's most recent n closed buckets in
// window order. n <= 0 returns all.
func (a *Aggregator) ClosedBuckets(topic string, n int) []Bucket {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := a.seriesLocked(topic, true)
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

func (a *Aggregator) seriesLocked(topic string, closedOnly bool) []Bucket {
	series := a.topics[topic]
	if len(series) == 0 {
		return nil
	}
	out := make([]Bucket, 0, len(series))
	for _, b := range series {
		if closedOnly && !b.Closed {
			continue
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// TopicActivity is a topic's aggregate over its retained windows.
type TopicActivity struct {
	Topic  string `json:"topic"`
	Count  int64  `json:"count"`
	Weight int64  `json:"weight"`
}

// TopTopics returns the n most active topics across retained windows,
// by count, ties broken lexicographically.
func (a *Aggregator) TopTopics(n int) []TopicActivity {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]TopicActivity, 0, len(a.topics))
	for topic, series := range a.topics {
		var act TopicActivity
		act.Topic = topic
		for _, b := range series {
			act.Count += b.Count
			act.Weight += b.Weight
		}
		out = append(out, act)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Topic < out[j].Topic
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// TopicCount returns the number of topics with retained buckets.
func (a *Aggregator) TopicCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.topics)
}
