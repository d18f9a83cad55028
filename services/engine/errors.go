// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"errors"

	"github.com/yksanjo/github-intelligence/services/engine/deltalog"
	"github.com/yksanjo/github-intelligence/services/engine/events"
	"github.com/yksanjo/github-intelligence/services/engine/graph"
)

// The engine's error surface, re-exported from the packages that
// define them so callers outside services/engine need one import.
var (
	// ErrRateLimited means the admission gate is exhausted; retry
	// after backoff.
	ErrRateLimited = events.ErrRateLimited

	// ErrMalformedEvent means the event failed validation and was
	// rejected.
	ErrMalformedEvent = events.ErrMalformedEvent

	// ErrUnknownEntity means an edge referenced a node the graph does
	// not hold; the event goes to the orphan buffer.
	ErrUnknownEntity = graph.ErrUnknownEntity

	// ErrVersionConflict means the store's version invariant broke.
	// Fatal; never auto-resolved.
	ErrVersionConflict = graph.ErrVersionConflict

	// ErrSnapshotNotFound means the requested snapshot version was
	// never persisted.
	ErrSnapshotNotFound = graph.ErrSnapshotNotFound

	// ErrResyncRequired means a delta consumer lagged past the
	// retention horizon and must reload from a snapshot.
	ErrResyncRequired = deltalog.ErrResyncRequired
)

// ErrPipelineClosed is returned by Submit after shutdown begins.
var ErrPipelineClosed = errors.New("pipeline closed")
