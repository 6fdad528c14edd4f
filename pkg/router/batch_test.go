// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alicoding/studio-ai-sub007/pkg/types"
)

func batchFixture(t *testing.T, agents ...string) (*Router, *fakeSender) {
	t.Helper()
	procs := make([]*types.AgentProcess, 0, len(agents))
	for _, id := range agents {
		procs = append(procs, onlineAgent(id, "dev", "p1"))
	}
	reg := newFakeRegistry(procs...)
	sender := newFakeSender()
	for _, id := range agents {
		sender.replyWith(id, "ok from "+id)
	}
	return newTestRouter(t, reg, sender), sender
}

func TestBatchEmptyIsClientError(t *testing.T) {
	r, _ := batchFixture(t)
	_, err := r.Batch(context.Background(), nil, BatchOptions{ProjectID: "p1"})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestBatchUnknownDependency(t *testing.T) {
	r, _ := batchFixture(t, "a1")
	_, err := r.Batch(context.Background(), []BatchMessage{
		{ID: "m1", TargetAgentID: "a1", Content: "x", Dependencies: []string{"nope"}},
	}, BatchOptions{ProjectID: "p1"})
	require.ErrorIs(t, err, types.ErrValidation)
	assert.Contains(t, err.Error(), `unknown id "nope"`)
}

func TestBatchCycleRejectedWithParticipants(t *testing.T) {
	r, _ := batchFixture(t, "a1")
	_, err := r.Batch(context.Background(), []BatchMessage{
		{ID: "m1", TargetAgentID: "a1", Content: "x", Dependencies: []string{"m2"}},
		{ID: "m2", TargetAgentID: "a1", Content: "y", Dependencies: []string{"m1"}},
	}, BatchOptions{ProjectID: "p1"})
	require.ErrorIs(t, err, types.ErrValidation)
	assert.Contains(t, err.Error(), "circular dependencies")
	assert.Contains(t, err.Error(), "m1")
	assert.Contains(t, err.Error(), "m2")
}

func TestBatchAcyclicGraphNeverRejected(t *testing.T) {
	r, _ := batchFixture(t, "a1", "a2", "a3")
	result, err := r.Batch(context.Background(), []BatchMessage{
		{ID: "m1", TargetAgentID: "a1", Content: "one"},
		{ID: "m2", TargetAgentID: "a2", Content: "two", Dependencies: []string{"m1"}},
		{ID: "m3", TargetAgentID: "a3", Content: "three", Dependencies: []string{"m1", "m2"}},
	}, BatchOptions{Strategy: WaitAll, ProjectID: "p1"})
	require.NoError(t, err)
	for id, entry := range result.Results {
		assert.Equal(t, BatchSuccess, entry.Status, id)
	}
}

func TestBatchRunsDependenciesFirst(t *testing.T) {
	var mu sync.Mutex
	var order []string

	reg := newFakeRegistry(onlineAgent("a1", "dev", "p1"), onlineAgent("a2", "dev", "p1"))
	sender := newFakeSender()
	for _, id := range []string{"a1", "a2"} {
		id := id
		sender.replies[id] = func(msg *types.IPCMessage) (*types.IPCMessage, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			resp := types.NewMessage(id, msg.From, types.MessageResponse, "ok")
			resp.CorrelationID = msg.CorrelationID
			return resp, nil
		}
	}
	r := newTestRouter(t, reg, sender)

	_, err := r.Batch(context.Background(), []BatchMessage{
		{ID: "m2", TargetAgentID: "a2", Content: "second", Dependencies: []string{"m1"}},
		{ID: "m1", TargetAgentID: "a1", Content: "first"},
	}, BatchOptions{Strategy: WaitAll, ProjectID: "p1"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a1", "a2"}, order)
}

func TestBatchFailedDependencySkipsDependants(t *testing.T) {
	reg := newFakeRegistry(onlineAgent("a1", "dev", "p1"), onlineAgent("a2", "dev", "p1"))
	sender := newFakeSender()
	// a1 has no scripted reply, so its message times out and fails.
	sender.replyWith("a2", "ok")
	r := newTestRouter(t, reg, sender)

	result, err := r.Batch(context.Background(), []BatchMessage{
		{ID: "m1", TargetAgentID: "a1", Content: "will fail"},
		{ID: "m2", TargetAgentID: "a2", Content: "depends", Dependencies: []string{"m1"}},
	}, BatchOptions{Strategy: WaitAll, ProjectID: "p1"})
	require.NoError(t, err)

	assert.Equal(t, BatchFailed, result.Results["m1"].Status)
	assert.Equal(t, BatchFailed, result.Results["m2"].Status)
	assert.Contains(t, result.Results["m2"].Error, "dependency m1 did not succeed")
	assert.Empty(t, sender.sentTo("a2"), "dependant must not dispatch")
}

func TestBatchWaitNoneReturnsImmediately(t *testing.T) {
	r, _ := batchFixture(t, "a1", "a2")

	start := time.Now()
	result, err := r.Batch(context.Background(), []BatchMessage{
		{ID: "m1", TargetAgentID: "a1", Content: "one"},
		{ID: "m2", TargetAgentID: "a2", Content: "two"},
	}, BatchOptions{Strategy: WaitNone, ProjectID: "p1"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	for _, entry := range result.Results {
		assert.Equal(t, BatchSuccess, entry.Status, "none strategy records success at dispatch")
	}
}

func TestBatchWaitAnyReturnsOnFirstSuccess(t *testing.T) {
	reg := newFakeRegistry(onlineAgent("fast", "dev", "p1"), onlineAgent("slow", "dev", "p1"))
	sender := newFakeSender()
	sender.replyWith("fast", "quick")
	sender.replies["slow"] = func(msg *types.IPCMessage) (*types.IPCMessage, error) {
		time.Sleep(2 * time.Second)
		resp := types.NewMessage("slow", msg.From, types.MessageResponse, "late")
		resp.CorrelationID = msg.CorrelationID
		return resp, nil
	}
	r := newTestRouter(t, reg, sender)

	start := time.Now()
	result, err := r.Batch(context.Background(), []BatchMessage{
		{ID: "m1", TargetAgentID: "fast", Content: "go"},
		{ID: "m2", TargetAgentID: "slow", Content: "go"},
	}, BatchOptions{Strategy: WaitAny, ProjectID: "p1"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, BatchSuccess, result.Results["m1"].Status)
}

func TestAbortUnknownBatch(t *testing.T) {
	r, _ := batchFixture(t)
	_, err := r.AbortBatch("no-such-batch")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestGetBatchAfterRun(t *testing.T) {
	r, _ := batchFixture(t, "a1")
	result, err := r.Batch(context.Background(), []BatchMessage{
		{ID: "m1", TargetAgentID: "a1", Content: "one"},
	}, BatchOptions{Strategy: WaitAll, ProjectID: "p1"})
	require.NoError(t, err)

	got, err := r.GetBatch(result.BatchID)
	require.NoError(t, err)
	assert.Equal(t, BatchSuccess, got.Results["m1"].Status)
	assert.Equal(t, "ok from a1", got.Results["m1"].Response)
}
