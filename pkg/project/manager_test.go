// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package project

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/alicoding/studio-ai-sub007/pkg/agent"
	"github.com/alicoding/studio-ai-sub007/pkg/events"
	"github.com/alicoding/studio-ai-sub007/pkg/ipc"
	"github.com/alicoding/studio-ai-sub007/pkg/registry"
	"github.com/alicoding/studio-ai-sub007/pkg/types"
)

type managerFixture struct {
	manager  *Manager
	registry *registry.Registry
	store    *Store
	dir      string
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	dir, err := os.MkdirTemp("", "mgr")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	reg, err := registry.New(registry.Config{
		Path:           filepath.Join(dir, "registry.json"),
		HealthInterval: time.Hour,
		Probe:          func(int) error { return nil },
		Logger:         zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Shutdown() })

	store := newTestStore(t)

	m, err := NewManager(ManagerConfig{
		Registry:  reg,
		Store:     store,
		Provider:  agent.NewMockProvider(),
		Hub:       events.NewHub(),
		SocketDir: dir,
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	return &managerFixture{manager: m, registry: reg, store: store, dir: dir}
}

func TestStartAgentRegistersAndGoesOnline(t *testing.T) {
	f := newManagerFixture(t)

	cfg := &types.AgentConfig{ID: "dev-1", Role: "dev", ProjectID: "p1"}
	proc, err := f.manager.StartAgent(context.Background(), cfg, "p1")
	require.NoError(t, err)

	assert.Equal(t, "dev-1", proc.AgentID)
	assert.Equal(t, types.StatusOnline, proc.Status)
	assert.Equal(t, os.Getpid(), proc.PID)

	_, err = os.Stat(filepath.Join(f.dir, "claude-agents.dev-1"))
	assert.NoError(t, err, "ipc socket should exist")
}

func TestStartAgentTwiceReturnsExisting(t *testing.T) {
	f := newManagerFixture(t)
	cfg := &types.AgentConfig{ID: "dev-1", Role: "dev", ProjectID: "p1"}

	first, err := f.manager.StartAgent(context.Background(), cfg, "p1")
	require.NoError(t, err)
	second, err := f.manager.StartAgent(context.Background(), cfg, "p1")
	require.NoError(t, err)
	assert.Equal(t, first.AgentID, second.AgentID)
}

func TestMentionOverIPCReachesShim(t *testing.T) {
	f := newManagerFixture(t)
	cfg := &types.AgentConfig{ID: "dev-1", Role: "dev", ProjectID: "p1"}
	_, err := f.manager.StartAgent(context.Background(), cfg, "p1")
	require.NoError(t, err)

	client := ipc.NewClient(f.dir, zaptest.NewLogger(t))
	resp, err := client.SendAndWait(context.Background(),
		types.NewMessage("orchestrator", "dev-1", types.MessageMention, "do the thing"), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "do the thing", resp.Content, "mock provider echoes")
}

func TestEnsureOnlineRevivesOfflineAgent(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	cfg := &types.AgentConfig{ID: "dev-1", Role: "dev", ProjectID: "p1"}
	_, err := f.manager.StartAgent(ctx, cfg, "p1")
	require.NoError(t, err)
	require.NoError(t, f.registry.UpdateStatus("dev-1", types.StatusOffline))

	proc, err := f.manager.EnsureOnline(ctx, "dev-1", "p1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusOnline, proc.Status)
}

func TestEnsureOnlineSpawnsFromStoredConfig(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Save(ctx, &types.AgentConfig{ID: "dev-9", Role: "dev", ProjectID: "p1"}))

	proc, err := f.manager.EnsureOnline(ctx, "dev-9", "p1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusOnline, proc.Status)
}

func TestEnsureOnlineUnknownAgent(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.manager.EnsureOnline(context.Background(), "ghost", "p1")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestEnsureOnlineRespectsProjectScope(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Save(ctx, &types.AgentConfig{ID: "dev-p2", Role: "dev", ProjectID: "p2"}))

	_, err := f.manager.EnsureOnline(ctx, "dev-p2", "p1")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestStopProjectTearsDownAgents(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	_, err := f.manager.StartAgent(ctx, &types.AgentConfig{ID: "a1", Role: "dev"}, "p1")
	require.NoError(t, err)
	_, err = f.manager.StartAgent(ctx, &types.AgentConfig{ID: "a2", Role: "dev"}, "p1")
	require.NoError(t, err)
	_, err = f.manager.StartAgent(ctx, &types.AgentConfig{ID: "b1", Role: "dev"}, "p2")
	require.NoError(t, err)

	removed, err := f.manager.StopProject("p1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, ok := f.registry.Get("a1")
	assert.False(t, ok)
	_, ok = f.registry.Get("b1")
	assert.True(t, ok)
}
