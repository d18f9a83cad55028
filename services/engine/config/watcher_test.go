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
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, path string, cfg Config) {
	t.Helper()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func startWatcher(t *testing.T, path string) <-chan Config {
	t.Helper()
	reloaded := make(chan Config, 1)
	w, err := NewWatcher(path, func(cfg Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	}, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Start(ctx)
	// Give the watcher a moment to register before the first write.
	time.Sleep(100 * time.Millisecond)
	return reloaded
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, DefaultConfig())

	reloaded := startWatcher(t, path)

	updated := DefaultConfig()
	updated.Breakout.Threshold = 5.5
	writeConfig(t, path, updated)

	select {
	case cfg := <-reloaded:
		if cfg.Breakout.Threshold != 5.5 {
			t.Errorf("expected reloaded threshold 5.5, got %v", cfg.Breakout.Threshold)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatcher_KeepsOldConfigOnInvalidWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, DefaultConfig())

	reloaded := startWatcher(t, path)

	bad := DefaultConfig()
	bad.Centrality.Damping = 2.0
	writeConfig(t, path, bad)

	select {
	case cfg := <-reloaded:
		t.Errorf("expected invalid write rejected, handler got %+v", cfg.Centrality)
	case <-time.After(500 * time.Millisecond):
	}
}
