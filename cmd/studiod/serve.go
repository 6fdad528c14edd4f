// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alicoding/studio-ai-sub007/internal/log"
	"github.com/alicoding/studio-ai-sub007/pkg/agent"
	"github.com/alicoding/studio-ai-sub007/pkg/approval"
	"github.com/alicoding/studio-ai-sub007/pkg/config"
	"github.com/alicoding/studio-ai-sub007/pkg/events"
	"github.com/alicoding/studio-ai-sub007/pkg/ipc"
	"github.com/alicoding/studio-ai-sub007/pkg/project"
	"github.com/alicoding/studio-ai-sub007/pkg/registry"
	"github.com/alicoding/studio-ai-sub007/pkg/router"
	"github.com/alicoding/studio-ai-sub007/pkg/server"
	"github.com/alicoding/studio-ai-sub007/pkg/workflow"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the platform daemon",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides config)")
}

// runServe is the composition root: every component is constructed
// here and handed its dependencies explicitly.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	logger := log.Logger()
	defer func() { _ = log.Sync() }()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.MkdirAll(cfg.ConfigsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create configs directory: %w", err)
	}

	hub := events.NewHub()
	defer hub.Shutdown()

	reg, err := registry.New(registry.Config{
		Path:           cfg.RegistryPath,
		HealthInterval: cfg.HealthInterval,
		Bus:            hub.Process,
		Logger:         logger.Named("registry"),
	})
	if err != nil {
		return err
	}
	defer func() { _ = reg.Shutdown() }()

	store, err := project.NewStore(filepath.Join(cfg.DataDir, "agents.db"), logger.Named("configs"))
	if err != nil {
		return err
	}
	defer store.Close()

	watcher, err := project.NewWatcher(project.WatcherConfig{
		Dir:    cfg.ConfigsDir,
		Store:  store,
		Logger: logger.Named("watcher"),
	})
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		return err
	}
	defer func() { _ = watcher.Stop() }()

	var provider agent.Provider
	if cfg.UseMockAI {
		logger.Warn("USE_MOCK_AI is set; agents return deterministic mock responses")
		provider = agent.NewMockProvider()
	} else {
		provider = agent.NewMockProvider()
		logger.Warn("no live LLM transport configured; falling back to the mock provider")
	}

	manager, err := project.NewManager(project.ManagerConfig{
		Registry:  reg,
		Store:     store,
		Provider:  provider,
		Hub:       hub,
		SocketDir: cfg.SocketDir,
		Logger:    logger.Named("manager"),
	})
	if err != nil {
		return err
	}
	defer manager.Shutdown()

	rt, err := router.New(router.Config{
		Registry: reg,
		Locator:  manager,
		Client:   ipc.NewClient(cfg.SocketDir, logger.Named("ipc")),
		Aborter:  manager,
		Hub:      hub,
		Logger:   logger.Named("router"),
	})
	if err != nil {
		return err
	}

	approvalStore, err := approval.NewStore(filepath.Join(cfg.DataDir, "approvals.db"), logger.Named("approvals"))
	if err != nil {
		return err
	}
	defer approvalStore.Close()

	approvals, err := approval.New(approval.Config{
		Store:     approvalStore,
		Bus:       hub.Approval,
		SweepSpec: cfg.ApprovalSweepSpec,
		Logger:    logger.Named("approvals"),
	})
	if err != nil {
		return err
	}
	approvals.Start()
	defer approvals.Stop()

	checkpoints, err := workflow.NewCheckpointStore(filepath.Join(cfg.DataDir, "checkpoints.db"), logger.Named("checkpoints"))
	if err != nil {
		return err
	}
	defer checkpoints.Close()

	workflows, err := workflow.New(workflow.Config{
		Store:         checkpoints,
		Binder:        store,
		Runner:        manager,
		Approver:      approvals,
		Bus:           hub.Workflow,
		MockApprovals: cfg.UseMockAI,
		Logger:        logger.Named("workflows"),
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Addr:      cfg.ListenAddr,
		Registry:  reg,
		Manager:   manager,
		Router:    rt,
		Approvals: approvals,
		Workflows: workflows,
		Hub:       hub,
		Logger:    logger.Named("http"),
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.NATSURL != "" {
		forwarder, err := server.NewNATSForwarder(cfg.NATSURL, logger.Named("nats"))
		if err != nil {
			return err
		}
		defer forwarder.Close()
		forwarder.Watch(ctx, hub)
		logger.Info("forwarding events to nats", zap.String("url", cfg.NATSURL))
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	logger.Info("studiod running",
		zap.String("addr", cfg.ListenAddr),
		zap.String("profile", string(cfg.Profile())),
		zap.String("data_dir", cfg.DataDir))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Stop(shutdownCtx)
}
