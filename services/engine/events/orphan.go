// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"sync"
	"time"
)

// DefaultOrphanRetryWindow is how long an edge event referencing an
// absent node is held before being discarded.
const DefaultOrphanRetryWindow = 5 * time.Minute

// orphanEntry is one parked edge event.
type orphanEntry struct {
	event    *Event
	deadline time.Time
}

// OrphanBuffer parks edge events whose endpoint nodes have not been
// observed yet.
//
// Description:
//
//	Poll and webhook channels race: an edge observation can arrive
//	before the creation event of one of its endpoints. Instead of
//	failing the pipeline, the edge event is buffered for a bounded
//	retry window keyed by the missing endpoint. When the node's
//	creation event lands, the parked events are released for re-apply,
//	producing a single consistent delta. Events still unresolved when
//	the window expires are dropped and counted as discarded.
//
// Thread Safety: Safe for concurrent use.
type OrphanBuffer struct {
	mu      sync.Mutex
	window  time.Duration
	pending map[string][]orphanEntry // missing node key -> parked events
}

// NewOrphanBuffer creates a buffer with the given retry window.
// Non-positive windows fall back to DefaultOrphanRetryWindow.
func NewOrphanBuffer(window time.Duration) *OrphanBuffer {
	if window <= 0 {
		window = DefaultOrphanRetryWindow
	}
	return &OrphanBuffer{
		window:  window,
		pending: make(map[string][]orphanEntry),
	}
}

// Park buffers an edge event under the key of its missing endpoint.
//
// Inputs:
//
//	missingNode - Kind-qualified key of the absent node ("developer:alice").
//	ev - The edge event to hold.
//	now - Current time, used to stamp the retry deadline.
func (b *OrphanBuffer) Park(missingNode string, ev *Event, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[missingNode] = append(b.pending[missingNode], orphanEntry{
		event:    ev,
		deadline: now.Add(b.window),
	})
}

// Resolve releases all events parked under the given node key.
//
// Called when a node creation delta is observed. Released events are
// removed from the buffer; the caller re-applies them.
func (b *OrphanBuffer) Resolve(nodeKey string) []*Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, ok := b.pending[nodeKey]
	if !ok {
		return nil
	}
	delete(b.pending, nodeKey)

	out := make([]*Event, len(entries))
	for i, e := range entries {
		out[i] = e.event
	}
	return out
}

// Expire drops entries whose retry deadline has passed.
//
// Outputs:
//
//	int - Number of events discarded; callers count these as
//	OrphanEdgeDiscarded.
func (b *OrphanBuffer) Expire(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	discarded := 0
	for key, entries := range b.pending {
		kept := entries[:0]
		for _, e := range entries {
			if e.deadline.After(now) {
				kept = append(kept, e)
			} else {
				discarded++
			}
		}
		if len(kept) == 0 {
			delete(b.pending, key)
		} else {
			b.pending[key] = kept
		}
	}
	return discarded
}

// Len returns the number of parked events.
func (b *OrphanBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, entries := range b.pending {
		n += len(entries)
	}
	return n
}
