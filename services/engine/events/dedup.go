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

import "sync"

// DefaultDedupWindowSize is the default recent-history window size.
//
// Sized to comfortably cover the maximum expected skew between a
// webhook delivery and the poll observing the same change.
const DefaultDedupWindowSize = 65536

// dedupWindow is a bounded recent-history set of dedup keys.
//
// Membership is a map; eviction order is a ring over the same keys, so
// memory is bounded at capacity regardless of event rate. A key evicted
// from the ring stops deduplicating, which is the documented trade-off:
// duplicates separated by more than the window are re-applied and the
// store's merge rules absorb them.
//
// Thread Safety: Safe for concurrent use.
type dedupWindow struct {
	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
	next int
}

// newDedupWindow creates a window with the given capacity.
// Non-positive capacities fall back to DefaultDedupWindowSize.
func newDedupWindow(capacity int) *dedupWindow {
	if capacity <= 0 {
		capacity = DefaultDedupWindowSize
	}
	return &dedupWindow{
		seen: make(map[string]struct{}, capacity),
		ring: make([]string, capacity),
	}
}

// Mark records the key and reports whether it was new.
//
// Outputs:
//
//	bool - True if the key was not in the window (event is fresh).
func (w *dedupWindow) Mark(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, dup := w.seen[key]; dup {
		return false
	}

	// Evict the slot we are about to reuse.
	if old := w.ring[w.next]; old != "" {
		delete(w.seen, old)
	}
	w.ring[w.next] = key
	w.next = (w.next + 1) % len(w.ring)
	w.seen[key] = struct{}{}
	return true
}

// Forget removes a key so the next delivery is treated as fresh.
//
// Called when an admitted event is lost before reaching the store;
// leaving the key marked would silently drop the retried observation.
// The ring scan is linear, but forgets only happen on failed hand-off.
func (w *dedupWindow) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.seen[key]; !ok {
		return
	}
	delete(w.seen, key)
	for i, k := range w.ring {
		if k == key {
			w.ring[i] = ""
			break
		}
	}
}

// Len returns the number of keys currently held.
func (w *dedupWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}
