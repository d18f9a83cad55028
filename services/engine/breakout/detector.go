// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package breakout detects statistically unusual activity jumps from
// closed trend buckets and centrality movement.
//
// Detection is a z-score test against a trailing baseline with an
// entity state machine: entities start cold, become tracking once the
// baseline has enough windows, and a fired signal enters a cooldown
// during which further crossings are suppressed rather than re-emitted.
package breakout

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/yksanjo/github-intelligence/services/engine/graph"
	"github.com/yksanjo/github-intelligence/services/engine/telemetry"
	"github.com/yksanjo/github-intelligence/services/engine/trends"
)

const (
	// DefaultThreshold is the z-score a crossing must reach.
	DefaultThreshold = 3.0

	// DefaultCooldown suppresses repeat signals per entity.
	DefaultCooldown = 6 * time.Hour

	// DefaultBaselineWindows is the trailing window count the baseline
	// is computed over.
	DefaultBaselineWindows = 24

	// DefaultBaselineMinWindows is the populated-window floor below
	// which no signal can fire.
	DefaultBaselineMinWindows = 6

	// DefaultHistorySize bounds the retained signal history.
	DefaultHistorySize = 256

	// signalChanCapacity bounds the emit channel; a full channel drops
	// rather than stalling the pipeline.
	signalChanCapacity = 256
)

// EngagementWeights blends the engagement anomaly inputs.
type EngagementWeights struct {
	// CentralityWeight scales the absolute centrality score change.
	CentralityWeight float64 `yaml:"centrality_weight"`

	// VelocityWeight scales stars-per-hour velocity.
	VelocityWeight float64 `yaml:"velocity_weight"`
}

// Options configures a Detector.
type Options struct {
	// Threshold must be > 0; invalid values fall back to the default.
	Threshold float64

	// Cooldown must be > 0; invalid values fall back to the default.
	Cooldown time.Duration

	// BaselineWindows and BaselineMinWindows control the trailing
	// baseline; BaselineMinWindows is clamped to BaselineWindows.
	BaselineWindows    int
	BaselineMinWindows int

	// Weights blend the engagement anomaly inputs. Zero weights fall
	// back to equal weighting.
	Weights EngagementWeights

	// HistorySize bounds Recent. Values < 1 fall back to the default.
	HistorySize int

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

func (o *Options) validate() {
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.Cooldown <= 0 {
		o.Cooldown = DefaultCooldown
	}
	if o.BaselineWindows < 2 {
		o.BaselineWindows = DefaultBaselineWindows
	}
	if o.BaselineMinWindows < 1 {
		o.BaselineMinWindows = DefaultBaselineMinWindows
	}
	if o.BaselineMinWindows > o.BaselineWindows {
		o.BaselineMinWindows = o.BaselineWindows
	}
	if o.Weights.CentralityWeight == 0 && o.Weights.VelocityWeight == 0 {
		o.Weights = EngagementWeights{CentralityWeight: 0.5, VelocityWeight: 0.5}
	}
	if o.HistorySize < 1 {
		o.HistorySize = DefaultHistorySize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// track holds one entity's trailing observations and machine state.
type track struct {
	values    []float64 // trailing window values, oldest first
	state     State
	lastFired time.Time
	lastScore float64 // previous centrality score, engagement only
}

// Detector evaluates observations against trailing baselines.
//
// Thread Safety: Safe for concurrent use.
type Detector struct {
	mu      sync.Mutex
	tracks  map[string]*track // key: kind + "\x00" + entity
	history []Signal
	signals chan Signal
	subs    map[int]chan Signal
	nextSub int
	opts    Options
}

// NewDetector creates a detector.
func NewDetector(opts Options) *Detector {
	opts.validate()
	return &Detector{
		tracks:  make(map[string]*track),
		signals: make(chan Signal, signalChanCapacity),
		subs:    make(map[int]chan Signal),
		opts:    opts,
	}
}

// SetThreshold adjusts the z-score threshold at runtime (hot reload).
func (d *Detector) SetThreshold(threshold float64) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	d.mu.Lock()
	d.opts.Threshold = threshold
	d.mu.Unlock()
}

// SetCooldown adjusts the per-entity cooldown at runtime (hot reload).
func (d *Detector) SetCooldown(cooldown time.Duration) {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	d.mu.Lock()
	d.opts.Cooldown = cooldown
	d.mu.Unlock()
}

// Signals returns the emit channel. The channel never blocks the
// detector; when the reader falls behind, signals are dropped (they
// remain in Recent).
func (d *Detector) Signals() <-chan Signal {
	return d.signals
}

// Subscribe registers an additional signal receiver, for streaming
// fanout. The returned cancel func must be called when done.
func (d *Detector) Subscribe() (<-chan Signal, func()) {
	ch := make(chan Signal, signalChanCapacity)
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = ch
	d.mu.Unlock()
	return ch, func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
		// Channel is left open; senders hold the lock and check the
		// map, so no send can race the delete.
	}
}

// Recent returns up to n most recent signals, newest last.
func (d *Detector) Recent(n int) []Signal {
	d.mu.Lock()
	defer d.mu.Unlock()
	hist := d.history
	if n > 0 && len(hist) > n {
		hist = hist[len(hist)-n:]
	}
	out := make([]Signal, len(hist))
	copy(out, hist)
	return out
}

// ObserveBucket evaluates one closed trend bucket for a growth spike.
//
// Open buckets are ignored; the baseline is only meaningful over
// frozen windows.
func (d *Detector) ObserveBucket(b trends.Bucket) {
	if !b.Closed {
		return
	}
	d.observe(SignalGrowthSpike, b.Topic, float64(b.Count), b.End)
}

// ObserveNodeDelta evaluates a repository node change for an
// engagement anomaly.
//
// Description:
//
//	Blends the absolute centrality score change with star velocity
//	(stars gained per hour between observations) using the configured
//	weights, then runs the blended value through the same z-score
//	machinery as growth spikes. The detector remembers each entity's
//	previous score, so callers only supply the current one.
//
// Inputs:
//
//	delta - The committed node delta.
//	score - The entity's current centrality score.
func (d *Detector) ObserveNodeDelta(delta *graph.Delta, score float64) {
	if delta == nil || delta.Entity != graph.EntityNode || delta.NodeAfter == nil {
		return
	}
	after := delta.NodeAfter
	if after.ID.Kind != graph.NodeKindRepository {
		return
	}

	var velocity float64
	if delta.NodeBefore != nil {
		gained := float64(after.Attrs.Stars - delta.NodeBefore.Attrs.Stars)
		elapsed := after.LastObserved.Sub(delta.NodeBefore.LastObserved)
		if gained > 0 && elapsed > 0 {
			velocity = gained / elapsed.Hours()
		}
	}

	entity := after.ID.String()
	centDelta := math.Abs(score - d.previousScore(entity, score))
	value := d.opts.Weights.CentralityWeight*centDelta + d.opts.Weights.VelocityWeight*velocity
	d.observe(SignalEngagementAnomaly, entity, value, after.LastObserved)
}

// previousScore returns the entity's last seen score and records the
// new one. First observation returns the current score, so the first
// centrality delta is zero rather than the full score.
func (d *Detector) previousScore(entity string, score float64) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := string(SignalEngagementAnomaly) + "\x00" + entity
	t := d.tracks[key]
	if t == nil {
		t = &track{lastScore: score}
		d.tracks[key] = t
	}
	prev := t.lastScore
	t.lastScore = score
	return prev
}

// observe runs the state machine for one (kind, entity) observation.
func (d *Detector) observe(kind SignalKind, entity string, value float64, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := string(kind) + "\x00" + entity
	t := d.tracks[key]
	if t == nil {
		t = &track{}
		d.tracks[key] = t
	}

	baseline := t.values
	mean, stddev, populated := baselineStats(baseline)

	// The observation joins the trailing window regardless of outcome.
	t.values = append(t.values, value)
	if len(t.values) > d.opts.BaselineWindows {
		t.values = t.values[len(t.values)-d.opts.BaselineWindows:]
	}

	if populated < d.opts.BaselineMinWindows {
		t.state = StateCold
		return
	}
	if t.state == StateCold {
		t.state = StateTracking
	}
	if stddev == 0 {
		return
	}

	z := (value - mean) / stddev
	if z < d.opts.Threshold {
		if t.state == StateSignaled && at.Sub(t.lastFired) >= d.opts.Cooldown {
			t.state = StateTracking
		}
		return
	}

	if t.state == StateSignaled && at.Sub(t.lastFired) < d.opts.Cooldown {
		if d.opts.Metrics != nil {
			d.opts.Metrics.SignalsSuppressed.Add(context.Background(), 1)
		}
		return
	}

	t.state = StateSignaled
	t.lastFired = at

	sig := Signal{
		Kind:           kind,
		Entity:         entity,
		Value:          value,
		ZScore:         z,
		BaselineMean:   mean,
		BaselineStddev: stddev,
		ObservedAt:     at,
		EmittedAt:      time.Now(),
	}
	d.emitLocked(sig)
}

func (d *Detector) emitLocked(sig Signal) {
	d.history = append(d.history, sig)
	if len(d.history) > d.opts.HistorySize {
		d.history = d.history[len(d.history)-d.opts.HistorySize:]
	}

	select {
	case d.signals <- sig:
	default:
	}
	for _, ch := range d.subs {
		select {
		case ch <- sig:
		default:
		}
	}

	if d.opts.Metrics != nil {
		d.opts.Metrics.SignalsEmitted.Add(context.Background(), 1,
			metric.WithAttributes(telemetry.Kind(string(sig.Kind))))
	}
	d.opts.Logger.Info("breakout signal emitted",
		slog.String("kind", string(sig.Kind)),
		slog.String("entity", sig.Entity),
		slog.Float64("z_score", sig.ZScore),
		slog.Float64("value", sig.Value),
	)
}

// baselineStats returns the mean and population stddev of the trailing
// values, plus how many windows are populated.
func baselineStats(values []float64) (mean, stddev float64, populated int) {
	populated = len(values)
	if populated == 0 {
		return 0, 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(populated)

	var sq float64
	for _, v := range values {
		diff := v - mean
		sq += diff * diff
	}
	stddev = math.Sqrt(sq / float64(populated))
	return mean, stddev, populated
}
