// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package project

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/alicoding/studio-ai-sub007/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "configs.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func saveConfig(t *testing.T, s *Store, id, role, projectID string) {
	t.Helper()
	require.NoError(t, s.Save(context.Background(), &types.AgentConfig{
		ID:        id,
		Name:      id,
		Role:      role,
		ProjectID: projectID,
		Tools:     []string{"bash"},
	}))
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cfg := &types.AgentConfig{
		ID:           "dev-1",
		Name:         "Developer",
		Role:         "dev",
		ProjectID:    "p1",
		SystemPrompt: "You write Go.",
		Tools:        []string{"bash", "read"},
		Model:        "opus",
		MaxTokens:    4096,
		Temperature:  0.2,
		MaxTurns:     10,
	}
	require.NoError(t, s.Save(ctx, cfg))

	got, err := s.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestSaveUpsertsExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	saveConfig(t, s, "dev-1", "dev", "p1")
	require.NoError(t, s.Save(ctx, &types.AgentConfig{ID: "dev-1", Role: "reviewer", ProjectID: "p1"}))

	got, err := s.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "reviewer", got.Role)
}

func TestGetMissingIsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestEmptyProjectScopeDefaultsToGlobal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &types.AgentConfig{ID: "ops-1", Role: "ops"}))
	got, err := s.Get(ctx, "ops-1")
	require.NoError(t, err)
	assert.Equal(t, types.GlobalProject, got.ProjectID)
}

func TestResolveRolePrefersProjectScope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	saveConfig(t, s, "dev-global", "dev", types.GlobalProject)
	saveConfig(t, s, "dev-p1", "dev", "p1")

	cfg, err := s.ResolveRole(ctx, "p1", "dev")
	require.NoError(t, err)
	assert.Equal(t, "dev-p1", cfg.ID)

	cfg, err = s.ResolveRole(ctx, "p2", "dev")
	require.NoError(t, err)
	assert.Equal(t, "dev-global", cfg.ID, "falls back to global scope")
}

func TestResolveRoleIsCaseInsensitive(t *testing.T) {
	s := newTestStore(t)
	saveConfig(t, s, "dev-1", "Dev", "p1")

	cfg, err := s.ResolveRole(context.Background(), "p1", "dev")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", cfg.ID)
}

func TestResolveRoleUnknownRole(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ResolveRole(context.Background(), "p1", "plumber")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Contains(t, err.Error(), "no agent found for role plumber")
}

func TestListReturnsProjectAndGlobalScopes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	saveConfig(t, s, "dev-global", "dev", types.GlobalProject)
	saveConfig(t, s, "dev-p1", "dev", "p1")
	saveConfig(t, s, "dev-p2", "dev", "p2")

	configs, err := s.List(ctx, "p1")
	require.NoError(t, err)
	ids := make([]string, 0, len(configs))
	for _, c := range configs {
		ids = append(ids, c.ID)
	}
	assert.ElementsMatch(t, []string{"dev-global", "dev-p1"}, ids)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	saveConfig(t, s, "dev-1", "dev", "p1")
	require.NoError(t, s.Delete(ctx, "dev-1"))

	_, err := s.Get(ctx, "dev-1")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "dev-1"), types.ErrNotFound)
}
