// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package router

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/alicoding/studio-ai-sub007/pkg/types"
)

type fakeRegistry struct {
	mu       sync.Mutex
	procs    map[string]*types.AgentProcess
	statuses map[string][]types.AgentStatus
}

func newFakeRegistry(procs ...*types.AgentProcess) *fakeRegistry {
	f := &fakeRegistry{
		procs:    map[string]*types.AgentProcess{},
		statuses: map[string][]types.AgentStatus{},
	}
	for _, p := range procs {
		f.procs[p.AgentID] = p
	}
	return f
}

func (f *fakeRegistry) Get(agentID string) (*types.AgentProcess, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.procs[agentID]
	return p, ok
}

func (f *fakeRegistry) GetByProject(projectID string) []*types.AgentProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.AgentProcess
	for _, p := range f.procs {
		if p.ProjectID == projectID {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeRegistry) All() []*types.AgentProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.AgentProcess
	for _, p := range f.procs {
		out = append(out, p)
	}
	return out
}

func (f *fakeRegistry) UpdateStatus(agentID string, status types.AgentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[agentID] = append(f.statuses[agentID], status)
	return nil
}

type fakeLocator struct {
	reg    *fakeRegistry
	missed []string
}

func (l *fakeLocator) EnsureOnline(_ context.Context, agentID, projectID string) (*types.AgentProcess, error) {
	if p, ok := l.reg.Get(agentID); ok {
		return p, nil
	}
	l.missed = append(l.missed, agentID)
	return nil, fmt.Errorf("%w: agent %s in project %s", types.ErrNotFound, agentID, projectID)
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []*types.IPCMessage
	replies map[string]func(msg *types.IPCMessage) (*types.IPCMessage, error)
}

func newFakeSender() *fakeSender {
	return &fakeSender{replies: map[string]func(*types.IPCMessage) (*types.IPCMessage, error){}}
}

func (s *fakeSender) replyWith(target, content string) {
	s.replies[target] = func(msg *types.IPCMessage) (*types.IPCMessage, error) {
		resp := types.NewMessage(target, msg.From, types.MessageResponse, content)
		resp.CorrelationID = msg.CorrelationID
		return resp, nil
	}
}

func (s *fakeSender) Send(_ context.Context, msg *types.IPCMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSender) SendAndWait(ctx context.Context, msg *types.IPCMessage, _ time.Duration) (*types.IPCMessage, error) {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	reply := s.replies[msg.To]
	s.mu.Unlock()
	if reply == nil {
		return nil, fmt.Errorf("%w: no response from %s", types.ErrTimeout, msg.To)
	}
	return reply(msg)
}

func (s *fakeSender) sentTo(target string) []*types.IPCMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.IPCMessage
	for _, m := range s.sent {
		if m.To == target {
			out = append(out, m)
		}
	}
	return out
}

func onlineAgent(id, role, projectID string) *types.AgentProcess {
	return &types.AgentProcess{AgentID: id, ProjectID: projectID, PID: 100, Status: types.StatusOnline, Role: role}
}

func newTestRouter(t *testing.T, reg *fakeRegistry, sender *fakeSender) *Router {
	t.Helper()
	r, err := New(Config{
		Registry: reg,
		Locator:  &fakeLocator{reg: reg},
		Client:   sender,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return r
}

func TestRouteWithoutMentions(t *testing.T) {
	r := newTestRouter(t, newFakeRegistry(), newFakeSender())
	result, err := r.Route(context.Background(), "no targets here", "orchestrator", "p1", RouteOptions{})
	require.NoError(t, err)
	assert.False(t, result.Routed)
}

func TestRouteDeliversAndMarksBusy(t *testing.T) {
	reg := newFakeRegistry(onlineAgent("dev-1", "dev", "p1"))
	sender := newFakeSender()
	r := newTestRouter(t, reg, sender)

	result, err := r.Route(context.Background(), "@dev-1 fix the bug", "orchestrator", "p1", RouteOptions{})
	require.NoError(t, err)
	assert.True(t, result.Routed)
	assert.Equal(t, []string{"dev-1"}, result.Targets)

	msgs := sender.sentTo("dev-1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "fix the bug", msgs[0].Content)
	assert.Equal(t, types.MessageMention, msgs[0].Type)
	assert.Equal(t, []types.AgentStatus{types.StatusBusy}, reg.statuses["dev-1"])
}

func TestRouteWaitCollectsResponse(t *testing.T) {
	reg := newFakeRegistry(onlineAgent("dev-1", "dev", "p1"))
	sender := newFakeSender()
	sender.replyWith("dev-1", "done")
	r := newTestRouter(t, reg, sender)

	result, err := r.Route(context.Background(), "@dev-1 fix it", "orchestrator", "p1", RouteOptions{Wait: true})
	require.NoError(t, err)
	assert.Equal(t, "done", result.Responses["dev-1"])
}

func TestRouteUnknownTargetFails(t *testing.T) {
	r := newTestRouter(t, newFakeRegistry(), newFakeSender())

	result, err := r.Route(context.Background(), "@ghost hello", "orchestrator", "p1", RouteOptions{})
	require.NoError(t, err)
	assert.False(t, result.Routed)
	assert.Contains(t, result.Failed["ghost"], "not found")
}

func TestRouteResolvesRoleWithinProject(t *testing.T) {
	reg := newFakeRegistry(
		onlineAgent("dev-p1", "dev", "p1"),
		onlineAgent("dev-p2", "dev", "p2"),
	)
	sender := newFakeSender()
	r := newTestRouter(t, reg, sender)

	result, err := r.Route(context.Background(), "@dev take this", "orchestrator", "p1", RouteOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"dev"}, result.Targets)
	require.Len(t, sender.sentTo("dev-p1"), 1)
	assert.Empty(t, sender.sentTo("dev-p2"))
}

func TestRouteAmbiguousRoleAcrossProjects(t *testing.T) {
	reg := newFakeRegistry(
		onlineAgent("dev-p1", "dev", "p1"),
		onlineAgent("dev-p2", "dev", "p2"),
	)
	r := newTestRouter(t, reg, newFakeSender())

	result, err := r.Route(context.Background(), "@dev take this", "orchestrator", "p3", RouteOptions{})
	require.NoError(t, err)
	assert.Contains(t, result.Failed["dev"], `ambiguous target "dev": found in projects p1, p2`)
}

func TestBroadcastExcludesSender(t *testing.T) {
	reg := newFakeRegistry(
		onlineAgent("dev-1", "dev", "p1"),
		onlineAgent("dev-2", "dev", "p1"),
		onlineAgent("ops-1", "ops", "p2"),
	)
	sender := newFakeSender()
	r := newTestRouter(t, reg, sender)

	result, err := r.Route(context.Background(), "@all stand-up now", "dev-1", "p1", RouteOptions{})
	require.NoError(t, err)
	assert.True(t, result.Routed)
	assert.ElementsMatch(t, []string{"dev-2"}, result.Targets)

	assert.Empty(t, sender.sentTo("dev-1"), "sender is excluded")
	assert.Empty(t, sender.sentTo("ops-1"), "other projects are excluded")
	msgs := sender.sentTo("dev-2")
	require.Len(t, msgs, 1)
	assert.Equal(t, types.MessageBroadcast, msgs[0].Type)
	assert.Equal(t, "stand-up now", msgs[0].Content)
}
