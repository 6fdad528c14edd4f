// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alicoding/studio-ai-sub007/internal/log"
	"github.com/alicoding/studio-ai-sub007/pkg/cleaner"
	"github.com/alicoding/studio-ai-sub007/pkg/config"
	"github.com/alicoding/studio-ai-sub007/pkg/registry"
)

var emergency bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Kill zombie agent processes and prune dead registry entries",
	RunE:  runCleanup,
}

func init() {
	cleanupCmd.Flags().BoolVar(&emergency, "emergency", false,
		"kill every matching process and clear the registry entirely")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := log.Logger()
	defer func() { _ = log.Sync() }()

	// The health loop is irrelevant for a one-shot sweep; park it on a
	// long interval.
	reg, err := registry.New(registry.Config{
		Path:           cfg.RegistryPath,
		HealthInterval: time.Hour,
		Logger:         logger.Named("registry"),
	})
	if err != nil {
		return err
	}
	defer func() { _ = reg.Shutdown() }()

	c, err := cleaner.New(cleaner.Config{
		Pattern:  cfg.ProcessPattern,
		Registry: reg,
		Logger:   logger.Named("cleaner"),
	})
	if err != nil {
		return err
	}

	var result *cleaner.CleanupResult
	if emergency {
		result = c.EmergencyCleanup(cmd.Context())
	} else {
		result = c.CleanupZombies(cmd.Context())
	}

	logger.Info("cleanup finished",
		zap.Int("killed", len(result.KilledProcesses)),
		zap.Int("removed", len(result.RemovedEntries)),
		zap.Int("errors", len(result.Errors)))

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
