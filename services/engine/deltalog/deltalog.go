// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package deltalog persists the ordered Delta stream and versioned
// snapshots in embedded BadgerDB storage.
//
// The log is the replayable hand-off between the single-writer store
// and its derived-state consumers: producers append, consumers read
// forward from their own committed cursor and may lag arbitrarily far
// behind, bounded by the retention horizon. A consumer that falls off
// the retained tail gets ErrResyncRequired and must reload from a
// persisted snapshot.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package deltalog

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrResyncRequired indicates a consumer's cursor points before the
// oldest retained delta. The consumer must reload from a snapshot and
// resume from the snapshot's version.
var ErrResyncRequired = errors.New("consumer lag exceeds retention: resync from snapshot required")

// ErrSequenceGap indicates an append that would leave a hole in the
// stream. Consumers commit past what they read, so a hole would never
// be delivered; the log rejects it instead of storing it.
var ErrSequenceGap = errors.New("delta sequence out of order")

// Key prefixes. Deltas and snapshots use big-endian sequence suffixes
// so Badger's lexicographic iteration order is sequence order.
var (
	prefixDelta    = []byte("d/")
	prefixCursor   = []byte("c/")
	prefixSnapshot = []byte("s/")
)

// Config holds configuration for the delta log's Badger instance.
type Config struct {
	// Path is the directory for database files.
	// Required unless InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger for database diagnostics. Nil disables Badger's
	// internal logging.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Zero disables GC.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum discardable ratio before GC runs.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// open opens the underlying Badger database.
func open(cfg Config) (*badger.DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent delta log")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create delta log directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open delta log: %w", err)
	}
	return db, nil
}

// gcRunner runs periodic value log garbage collection.
type gcRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
}

func newGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) *gcRunner {
	return &gcRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger,
	}
}

func (r *gcRunner) start() {
	go r.run()
}

// stop is safe to call more than once.
func (r *gcRunner) stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

func (r *gcRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			// Nil return means GC ran; ErrNoRewrite means nothing to do.
			err := r.db.RunValueLogGC(r.ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				if r.logger != nil {
					r.logger.Warn("delta log GC error", slog.String("error", err.Error()))
				}
			}
		}
	}
}
