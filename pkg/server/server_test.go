// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/alicoding/studio-ai-sub007/pkg/agent"
	"github.com/alicoding/studio-ai-sub007/pkg/approval"
	"github.com/alicoding/studio-ai-sub007/pkg/events"
	"github.com/alicoding/studio-ai-sub007/pkg/ipc"
	"github.com/alicoding/studio-ai-sub007/pkg/project"
	"github.com/alicoding/studio-ai-sub007/pkg/registry"
	"github.com/alicoding/studio-ai-sub007/pkg/router"
	"github.com/alicoding/studio-ai-sub007/pkg/types"
	"github.com/alicoding/studio-ai-sub007/pkg/workflow"
)

type serverFixture struct {
	srv *Server
	hub *events.Hub
}

// newServerFixture stands up the whole platform in-process with mock
// agents behind real IPC sockets.
func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	dir := t.TempDir()
	logger := zaptest.NewLogger(t)
	hub := events.NewHub()
	t.Cleanup(hub.Shutdown)

	reg, err := registry.New(registry.Config{
		Path:           filepath.Join(dir, "registry.json"),
		HealthInterval: time.Hour,
		Probe:          func(int) error { return nil },
		Bus:            hub.Process,
		Logger:         logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Shutdown() })

	store, err := project.NewStore(filepath.Join(dir, "agents.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Save(context.Background(),
		&types.AgentConfig{ID: "dev-1", Name: "Dev", Role: "developer", ProjectID: "p1"}))

	manager, err := project.NewManager(project.ManagerConfig{
		Registry:  reg,
		Store:     store,
		Provider:  agent.NewMockProvider(),
		Hub:       hub,
		SocketDir: dir,
		Logger:    logger,
	})
	require.NoError(t, err)
	t.Cleanup(manager.Shutdown)

	rt, err := router.New(router.Config{
		Registry: reg,
		Locator:  manager,
		Client:   ipc.NewClient(dir, logger),
		Aborter:  manager,
		Hub:      hub,
		Logger:   logger,
	})
	require.NoError(t, err)

	approvalStore, err := approval.NewStore(filepath.Join(dir, "approvals.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = approvalStore.Close() })
	approvals, err := approval.New(approval.Config{
		Store:        approvalStore,
		Bus:          hub.Approval,
		PollInterval: 20 * time.Millisecond,
		Logger:       logger,
	})
	require.NoError(t, err)

	checkpoints, err := workflow.NewCheckpointStore(filepath.Join(dir, "checkpoints.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = checkpoints.Close() })
	workflows, err := workflow.New(workflow.Config{
		Store:    checkpoints,
		Binder:   store,
		Runner:   manager,
		Approver: approvals,
		Bus:      hub.Workflow,
		Logger:   logger,
	})
	require.NoError(t, err)

	srv, err := New(Config{
		Registry:  reg,
		Manager:   manager,
		Router:    rt,
		Approvals: approvals,
		Workflows: workflows,
		Hub:       hub,
		Logger:    logger,
	})
	require.NoError(t, err)

	return &serverFixture{srv: srv, hub: hub}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (f *serverFixture) do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return rec.Code, env
}

func TestHealthEndpoint(t *testing.T) {
	f := newServerFixture(t)
	code, env := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)
}

func TestInvokeRunsWorkflow(t *testing.T) {
	f := newServerFixture(t)

	code, env := f.do(t, http.MethodPost, "/invoke", map[string]any{
		"threadId":  "t1",
		"projectId": "p1",
		"workflow": []map[string]any{
			{"id": "a", "role": "developer", "task": "say hello"},
			{"id": "b", "role": "developer", "task": "echo {a.output}", "deps": []string{"a"}},
		},
	})
	require.Equal(t, http.StatusOK, code, env.Error)
	require.True(t, env.Success)

	var res workflow.Result
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, "say hello", res.State.StepOutputs["a"], "mock provider echoes the prompt")
}

func TestInvokeAcceptsSingleStep(t *testing.T) {
	f := newServerFixture(t)

	code, env := f.do(t, http.MethodPost, "/invoke", map[string]any{
		"projectId": "p1",
		"workflow":  map[string]any{"id": "only", "role": "developer", "task": "one"},
	})
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.True(t, env.Success)
}

func TestInvokeValidationFailureIs400(t *testing.T) {
	f := newServerFixture(t)

	code, env := f.do(t, http.MethodPost, "/invoke", map[string]any{
		"threadId":  "t1",
		"projectId": "p1",
		"workflow":  []map[string]any{{"id": "a", "role": "plumber", "task": "fix"}},
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, env.Success)
	assert.Contains(t, env.Error, "Agent configuration validation failed")
}

func TestWorkflowStateAndResumeRoutes(t *testing.T) {
	f := newServerFixture(t)
	steps := []map[string]any{{"id": "a", "role": "developer", "task": "say hello"}}

	code, _ := f.do(t, http.MethodPost, "/invoke", map[string]any{
		"threadId": "t1", "projectId": "p1", "workflow": steps,
	})
	require.Equal(t, http.StatusOK, code)

	code, env := f.do(t, http.MethodPost, "/workflows/state/t1", map[string]any{"steps": steps})
	require.Equal(t, http.StatusOK, code, env.Error)
	var state workflow.State
	require.NoError(t, json.Unmarshal(env.Data, &state))
	assert.Equal(t, "completed", state.Status)

	code, env = f.do(t, http.MethodPost, "/workflows/history/t1", map[string]any{"steps": steps})
	require.Equal(t, http.StatusOK, code)
	var history []workflow.Checkpoint
	require.NoError(t, json.Unmarshal(env.Data, &history))
	assert.NotEmpty(t, history)

	code, env = f.do(t, http.MethodPost, "/workflows/resume/t1", map[string]any{"steps": steps})
	require.Equal(t, http.StatusOK, code, env.Error)

	// A changed step list is rejected as incompatible.
	changed := []map[string]any{{"id": "zzz", "role": "developer", "task": "say hello"}}
	code, env = f.do(t, http.MethodPost, "/workflows/state/t1", map[string]any{"steps": changed})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "incompatible workflow definition", env.Error)
}

func TestApprovalLifecycleOverHTTP(t *testing.T) {
	f := newServerFixture(t)

	code, env := f.do(t, http.MethodPost, "/approvals", map[string]any{
		"threadId": "t1", "stepId": "s1", "projectId": "p1", "prompt": "deploy to production",
	})
	require.Equal(t, http.StatusOK, code, env.Error)
	var created approval.Approval
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, approval.StatusPending, created.Status)
	assert.Equal(t, approval.RiskHigh, created.RiskLevel, "risk inferred from prompt")

	code, env = f.do(t, http.MethodGet, "/approvals/projects/p1/pending", nil)
	require.Equal(t, http.StatusOK, code)
	var pending []approval.Approval
	require.NoError(t, json.Unmarshal(env.Data, &pending))
	require.Len(t, pending, 1)

	code, env = f.do(t, http.MethodPost, "/approvals/"+created.ID+"/decide",
		map[string]any{"approved": true, "resolvedBy": "alice"})
	require.Equal(t, http.StatusOK, code, env.Error)
	var resolved approval.Approval
	require.NoError(t, json.Unmarshal(env.Data, &resolved))
	assert.Equal(t, approval.StatusApproved, resolved.Status)
	assert.Equal(t, "alice", resolved.ResolvedBy)

	// Terminal approvals reject further decisions.
	code, env = f.do(t, http.MethodPost, "/approvals/"+created.ID+"/decide",
		map[string]any{"approved": false})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, env.Error, "already approved")

	code, _ = f.do(t, http.MethodGet, "/approvals/ghost", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestMentionEndpoint(t *testing.T) {
	f := newServerFixture(t)

	// Mentioning a configured but not yet running agent spawns it.
	code, env := f.do(t, http.MethodPost, "/messages/mention", map[string]any{
		"message":     "@dev-1 please review",
		"fromAgentId": "orchestrator",
		"projectId":   "p1",
		"wait":        true,
		"timeoutMs":   5000,
	})
	require.Equal(t, http.StatusOK, code, env.Error)

	var res router.RouteResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.True(t, res.Routed)
	require.Contains(t, res.Targets, "dev-1")
	assert.True(t, strings.Contains(res.Responses["dev-1"], "please review"))
}

func TestBatchEndpoints(t *testing.T) {
	f := newServerFixture(t)

	code, env := f.do(t, http.MethodPost, "/messages/batch", map[string]any{
		"waitStrategy": "none",
		"projectId":    "p1",
		"messages": []map[string]any{
			{"id": "m1", "targetAgentId": "dev-1", "content": "first"},
		},
	})
	require.Equal(t, http.StatusOK, code, env.Error)
	var res router.BatchResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.NotEmpty(t, res.BatchID)

	code, _ = f.do(t, http.MethodGet, "/messages/batch/"+res.BatchID, nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = f.do(t, http.MethodPost, "/messages/batch/ghost/abort", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestWebSocketFanOut(t *testing.T) {
	f := newServerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f.srv.ws.watch(ctx, f.hub)

	ts := httptest.NewServer(f.srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	// Give the hub a moment to register the client before publishing.
	time.Sleep(50 * time.Millisecond)
	f.hub.Workflow.Publish(events.WorkflowEvent{
		Name:     events.WorkflowUpdate,
		Type:     events.StepComplete,
		ThreadID: "t1",
		StepID:   "a",
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env wsEnvelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, events.WorkflowUpdate, env.Event)
}
