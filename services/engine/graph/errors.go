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
	"errors"
	"fmt"
)

// Sentinel errors for the graph store.
var (
	// ErrUnknownEntity indicates an event referenced an entity the
	// store has never seen (typically an edge endpoint). The pipeline
	// buffers such events for a bounded retry window.
	ErrUnknownEntity = errors.New("unknown entity reference")

	// ErrSnapshotNotFound indicates the requested snapshot version is
	// not materializable from current state. Historical snapshots are
	// served from the delta log.
	ErrSnapshotNotFound = errors.New("snapshot version not found")

	// ErrVersionConflict indicates an entity version observed ahead of
	// the global version. This is structurally impossible under the
	// single-writer-per-entity discipline; if it fires, state is
	// corrupt and the process must restart.
	ErrVersionConflict = errors.New("version conflict: invariant violation")
)

// UnknownEntityError carries the key of the missing node so the orphan
// buffer can park the event under it.
type UnknownEntityError struct {
	// MissingNode is the kind-qualified key of the absent node.
	MissingNode string
}

// Error implements the error interface.
func (e *UnknownEntityError) Error() string {
	return fmt.Sprintf("unknown entity reference: %s", e.MissingNode)
}

// Unwrap makes errors.Is(err, ErrUnknownEntity) work.
func (e *UnknownEntityError) Unwrap() error {
	return ErrUnknownEntity
}
