// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package breakout

import "time"

// SignalKind categorizes the kind of breakout detected.
type SignalKind string

const (
	// SignalGrowthSpike indicates a topic's activity jumped well above
	// its trailing baseline.
	SignalGrowthSpike SignalKind = "growth_spike"

	// SignalEngagementAnomaly indicates an entity's blended engagement
	// score (centrality movement plus star velocity) jumped well above
	// its trailing baseline.
	SignalEngagementAnomaly SignalKind = "engagement_anomaly"
)

// State is the detector's per-entity tracking state.
type State int

const (
	// StateCold means the entity lacks enough baseline windows to
	// evaluate.
	StateCold State = iota

	// StateTracking means the baseline is populated and crossings are
	// evaluated.
	StateTracking

	// StateSignaled means a signal fired and further crossings are
	// suppressed until the cooldown elapses.
	StateSignaled
)

var stateNames = map[State]string{
	StateCold:     "cold",
	StateTracking: "tracking",
	StateSignaled: "signaled",
}

// String returns the lowercase state name.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Signal is one emitted breakout detection.
type Signal struct {
	// Kind is the signal category.
	Kind SignalKind `json:"kind"`

	// Entity is the topic name or node id the signal fires for.
	Entity string `json:"entity"`

	// Value is the observation that crossed the threshold.
	Value float64 `json:"value"`

	// ZScore is (Value - BaselineMean) / BaselineStddev.
	ZScore float64 `json:"z_score"`

	// BaselineMean and BaselineStddev describe the trailing baseline
	// the observation was judged against.
	BaselineMean   float64 `json:"baseline_mean"`
	BaselineStddev float64 `json:"baseline_stddev"`

	// ObservedAt is the event time of the crossing observation.
	ObservedAt time.Time `json:"observed_at"`

	// EmittedAt is when the detector fired.
	EmittedAt time.Time `json:"emitted_at"`
}
