// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yksanjo/github-intelligence/pkg/logging"
	"github.com/yksanjo/github-intelligence/services/engine"
	"github.com/yksanjo/github-intelligence/services/engine/config"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	configPath string
	replayTopK int

	rootCmd = &cobra.Command{
		Use:   "ghintel",
		Short: "Incremental GitHub ecosystem graph and analytics engine",
		Long: `ghintel ingests normalized GitHub events into a versioned
property graph and maintains centrality scores, topic trends, and
breakout signals incrementally as events arrive.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion engine and its HTTP API",
		RunE:  runServe,
	}

	replayCmd = &cobra.Command{
		Use:   "replay [events.jsonl]",
		Short: "Replay a captured event log offline and print a summary",
		Long: `Feeds newline-delimited JSON events through the full pipeline
against in-memory storage, waits for the analytics consumers to drain,
and prints top centrality scores, topics, and signals as JSON.`,
		Args: cobra.ExactArgs(1),
		RunE: runReplay,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the ghintel version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("ghintel", Version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the yaml configuration")
	replayCmd.Flags().IntVar(&replayTopK, "top", 10, "entries per summary section")
	rootCmd.AddCommand(serveCmd, replayCmd, versionCmd)
}

func newLogger(cfg config.Config) *logging.Logger {
	return logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "ghintel",
		JSON:    cfg.Logging.Format == "json",
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg)
	defer logger.Close()

	svc, err := engine.NewService(cfg, logger)
	if err != nil {
		return fmt.Errorf("assemble service: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher, err := config.NewWatcher(configPath, func(cfg config.Config) {
		svc.ApplyConfig(cfg)
	}, logger.Slog())
	if err != nil {
		logger.Warn("config watcher unavailable, tunables are fixed for this run")
	} else {
		go watcher.Start(ctx)
	}

	return svc.Run(ctx)
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		// Replay runs fine without a config file on disk.
		cfg = config.DefaultConfig()
	}
	cfg.Storage.InMemory = true

	logger := newLogger(cfg)
	defer logger.Close()

	svc, err := engine.NewService(cfg, logger)
	if err != nil {
		return fmt.Errorf("assemble service: %w", err)
	}

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return svc.Replay(ctx, f, os.Stdout, replayTopK)
}
