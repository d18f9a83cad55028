// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events defines the normalized ingest event model and the
// EventIngestor that deduplicates, validates, and admits events from
// the polling and webhook channels.
//
// Events are the wire-side view: kinds are strings, identities are raw
// GitHub identifiers. The graph package parses them into typed ids on
// apply.
package events

import (
	"errors"
	"time"
)

// Channel identifies the delivery channel of an event.
type Channel string

const (
	// ChannelPoll is the periodic scraper channel.
	ChannelPoll Channel = "poll"

	// ChannelWebhook is the push delivery channel.
	ChannelWebhook Channel = "webhook"
)

// EntityRef names the entity an event mutates.
//
// Node events set Kind and ID. Edge events set Kind plus the
// kind-qualified From/To endpoints ("developer:alice",
// "repository:facebook/react") and IsEdge.
type EntityRef struct {
	// Kind is the node or edge kind in wire form.
	Kind string `json:"kind"`

	// ID is the external identifier (node events only).
	ID string `json:"id,omitempty"`

	// From is the kind-qualified source endpoint (edge events only).
	From string `json:"from,omitempty"`

	// To is the kind-qualified target endpoint (edge events only).
	To string `json:"to,omitempty"`

	// IsEdge distinguishes edge events from node events.
	IsEdge bool `json:"is_edge,omitempty"`
}

// Key returns the partition key for single-writer scheduling.
//
// Events for the same entity always map to the same key, so a
// partitioned worker pool never applies two events for one entity
// concurrently.
func (r EntityRef) Key() string {
	if r.IsEdge {
		return r.Kind + ":" + r.From + "->" + r.To
	}
	return r.Kind + ":" + r.ID
}

// NodePayload carries observed node attributes.
type NodePayload struct {
	// Stars is the stargazer count at observation time.
	Stars int64 `json:"stars,omitempty"`

	// Forks is the fork count at observation time.
	Forks int64 `json:"forks,omitempty"`

	// Language is the primary language.
	Language string `json:"language,omitempty"`

	// Topics are the repository topics.
	Topics []string `json:"topics,omitempty"`

	// EmbeddingRef is attached asynchronously by the embedding
	// collaborator. Empty is valid.
	EmbeddingRef string `json:"embedding_ref,omitempty"`

	// CreatedAt is the creation time reported by the source.
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// EdgePayload carries observed edge attributes.
type EdgePayload struct {
	// Weight is the interaction count delta. Zero means 1.
	Weight int64 `json:"weight,omitempty"`
}

// Event is one normalized observation from a scraper or webhook.
//
// Delivery is at-least-once, possibly out of order, possibly
// duplicated; DedupKey and ObservedAt exist so the ingestor and store
// can compensate.
type Event struct {
	// ExternalID identifies the event at the source (delivery id).
	ExternalID string `json:"external_id"`

	// Channel is the delivery channel.
	Channel Channel `json:"channel"`

	// DedupKey collapses duplicate deliveries of one observation
	// across channels.
	DedupKey string `json:"dedup_key"`

	// ObservedAt is when the source observed the state in Payload.
	ObservedAt time.Time `json:"observed_at"`

	// Entity names the mutated entity.
	Entity EntityRef `json:"entity"`

	// Node is the payload for node events. Nil for edge events.
	Node *NodePayload `json:"node,omitempty"`

	// Edge is the payload for edge events. Nil for node events.
	Edge *EdgePayload `json:"edge,omitempty"`

	// Remove marks an explicit Removed/NotFound signal from the
	// scraper. Staleness alone never removes an entity.
	Remove bool `json:"remove,omitempty"`
}

// Validate checks the event against the schema.
//
// Outputs:
//
//	error - Non-nil for malformed events. Malformed events are logged,
//	counted, and dropped by the ingestor; they are never fatal.
func (e *Event) Validate() error {
	if e == nil {
		return errors.New("nil event")
	}
	if e.DedupKey == "" {
		return errors.New("empty dedup key")
	}
	if e.ObservedAt.IsZero() {
		return errors.New("zero observed_at")
	}
	if e.Channel != ChannelPoll && e.Channel != ChannelWebhook {
		return errors.New("unknown channel")
	}
	if e.Entity.Kind == "" {
		return errors.New("empty entity kind")
	}
	if e.Entity.IsEdge {
		if e.Entity.From == "" || e.Entity.To == "" {
			return errors.New("edge event missing endpoint")
		}
		if e.Node != nil {
			return errors.New("edge event carries node payload")
		}
	} else {
		if e.Entity.ID == "" {
			return errors.New("node event missing id")
		}
		if e.Edge != nil {
			return errors.New("node event carries edge payload")
		}
	}
	return nil
}

// Admission is the outcome of EventIngestor.Admit.
type Admission int

const (
	// AdmissionAccepted means the event passed dedup and admission
	// control and should be applied.
	AdmissionAccepted Admission = iota

	// AdmissionDeduplicated means an identical DedupKey was seen
	// within the recent-history window; the event was dropped without
	// mutating state.
	AdmissionDeduplicated

	// AdmissionRejected means the event was not admitted. The paired
	// error distinguishes retryable saturation from malformed input.
	AdmissionRejected
)

// String returns the string representation of the Admission.
func (a Admission) String() string {
	switch a {
	case AdmissionAccepted:
		return "accepted"
	case AdmissionDeduplicated:
		return "deduplicated"
	case AdmissionRejected:
		return "rejected"
	default:
		return "unknown"
	}
}
