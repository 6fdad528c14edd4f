// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package workflow

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/alicoding/studio-ai-sub007/pkg/types"
)

func newTestCheckpointStore(t *testing.T) *CheckpointStore {
	t.Helper()
	store, err := NewCheckpointStore(filepath.Join(t.TempDir(), "checkpoints.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleState(threadID string) *State {
	state := NewState(threadID, "p1", []Step{
		{ID: "a", Role: "developer", Task: "say hello"},
		{ID: "b", Role: "developer", Task: "say {a.output}", Deps: []string{"a"}},
	})
	state.StepResults["a"] = &StepResult{Status: StatusSuccess, Response: "hello", SessionID: "sess-1", Duration: 12}
	state.StepOutputs["a"] = "hello"
	state.SessionIDs["a"] = "sess-1"
	return state
}

func TestCheckpointIDsAreMonotonicPerThread(t *testing.T) {
	store := newTestCheckpointStore(t)
	ctx := context.Background()

	id1, err := store.Save(ctx, sampleState("t1"))
	require.NoError(t, err)
	id2, err := store.Save(ctx, sampleState("t1"))
	require.NoError(t, err)
	other, err := store.Save(ctx, sampleState("t2"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), id1)
	assert.Equal(t, int64(2), id2)
	assert.Equal(t, int64(1), other, "threads allocate ids independently")
}

func TestCheckpointRoundTrip(t *testing.T) {
	store := newTestCheckpointStore(t)
	ctx := context.Background()

	state := sampleState("t1")
	_, err := store.Save(ctx, state)
	require.NoError(t, err)

	cp, err := store.Latest(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, state.ThreadID, cp.State.ThreadID)
	assert.Equal(t, state.StepResults, cp.State.StepResults)
	assert.Equal(t, state.StepOutputs, cp.State.StepOutputs)
	assert.Equal(t, state.SessionIDs, cp.State.SessionIDs)
	require.Len(t, cp.State.Steps, 2)
	assert.Equal(t, "say {a.output}", cp.State.Steps[1].Task)
}

func TestCheckpointHistoryAndPointRead(t *testing.T) {
	store := newTestCheckpointStore(t)
	ctx := context.Background()

	first := sampleState("t1")
	first.Status = RunRunning
	_, err := store.Save(ctx, first)
	require.NoError(t, err)

	second := sampleState("t1")
	second.Status = RunCompleted
	_, err = store.Save(ctx, second)
	require.NoError(t, err)

	history, err := store.History(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(1), history[0].ID)
	assert.Equal(t, RunRunning, history[0].State.Status)
	assert.Equal(t, RunCompleted, history[1].State.Status)

	cp, err := store.Get(ctx, "t1", 1)
	require.NoError(t, err)
	assert.Equal(t, RunRunning, cp.State.Status)
}

func TestCheckpointMissing(t *testing.T) {
	store := newTestCheckpointStore(t)
	ctx := context.Background()

	_, err := store.Latest(ctx, "ghost")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = store.Get(ctx, "ghost", 7)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestCheckpointDeleteAfter(t *testing.T) {
	store := newTestCheckpointStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Save(ctx, sampleState("t1"))
		require.NoError(t, err)
	}
	require.NoError(t, store.DeleteAfter(ctx, "t1", 1))

	history, err := store.History(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(1), history[0].ID)

	// The next save continues after the surviving checkpoint.
	next, err := store.Save(ctx, sampleState("t1"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), next)
}

func TestCheckpointPruneKeepsLatest(t *testing.T) {
	store := newTestCheckpointStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Save(ctx, sampleState("t1"))
		require.NoError(t, err)
	}

	pruned, err := store.PruneBefore(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)

	latest, err := store.Latest(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest.ID)
}
