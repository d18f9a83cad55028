// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// ReloadHandler is called with the re-parsed config on file change.
// Handlers should apply only the tunable subset (threshold, cooldown,
// hop limit, rate budget); structural settings need a restart.
type ReloadHandler func(cfg Config)

// Watcher reloads the config file on write.
//
// Thread Safety: Safe for concurrent use. Start should only be
// called once.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	handler ReloadHandler
	logger  *slog.Logger
}

// NewWatcher creates a watcher for config changes.
//
// Inputs:
//
//	path - The config file path.
//	handler - Invoked with the reloaded config after successful parse
//	and validation. Invalid writes are logged and ignored; the old
//	config stays in effect.
//
// Outputs:
//
//	*Watcher - Ready-to-start watcher.
//	error - Non-nil if watcher creation fails.
func NewWatcher(path string, handler ReloadHandler, logger *slog.Logger) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:    path,
		watcher: watcher,
		handler: handler,
		logger:  logger,
	}, nil
}

// Start begins watching for config changes. Blocks until the context
// is cancelled; run in a goroutine.
func (w *Watcher) Start(ctx context.Context) {
	defer w.watcher.Close()

	if err := w.watcher.Add(w.path); err != nil {
		w.logger.Warn("failed to watch config file",
			slog.String("path", w.path),
			slog.Any("error", err))
		return
	}
	w.logger.Debug("started watching config file", slog.String("path", w.path))

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", slog.Any("error", err))

		case <-ctx.Done():
			w.logger.Debug("config watcher stopping")
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	// Editors replace rather than write in place; treat both as a reload.
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload rejected, keeping previous config",
			slog.String("path", w.path),
			slog.Any("error", err))
		return
	}

	w.logger.Info("config reloaded",
		slog.String("path", event.Name),
		slog.Float64("breakout_threshold", cfg.Breakout.Threshold),
		slog.Int("hop_limit", cfg.Centrality.HopLimit),
		slog.Int("api_rate_budget", cfg.Admission.APIRateBudget))

	if w.handler != nil {
		w.handler(cfg)
	}
}
