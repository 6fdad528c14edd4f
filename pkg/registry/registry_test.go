// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/alicoding/studio-ai-sub007/internal/pubsub"
	"github.com/alicoding/studio-ai-sub007/pkg/events"
	"github.com/alicoding/studio-ai-sub007/pkg/types"
)

func aliveProbe(int) error { return nil }

func newTestRegistry(t *testing.T, probe Prober) *Registry {
	t.Helper()
	if probe == nil {
		probe = aliveProbe
	}
	r, err := New(Config{
		Path:           filepath.Join(t.TempDir(), "registry.json"),
		HealthInterval: time.Hour, // keep the background sweep out of the way
		Probe:          probe,
		Logger:         zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Shutdown() })
	return r
}

func testAgent(id, project string, pid int) *types.AgentProcess {
	return &types.AgentProcess{
		AgentID:   id,
		ProjectID: project,
		PID:       pid,
		Status:    types.StatusOnline,
		Role:      "developer",
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := newTestRegistry(t, nil)

	require.NoError(t, r.Register(testAgent("dev-1", "proj-a", 100)))

	got, ok := r.Get("dev-1")
	require.True(t, ok)
	assert.Equal(t, "proj-a", got.ProjectID)
	assert.Equal(t, 100, got.PID)
	assert.Equal(t, types.StatusOnline, got.Status)
	assert.False(t, got.LastActivity.IsZero())

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegisterValidatesInvariants(t *testing.T) {
	r := newTestRegistry(t, nil)

	err := r.Register(&types.AgentProcess{AgentID: "x", Status: types.StatusOnline})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrValidation)

	err = r.Register(&types.AgentProcess{Status: types.StatusOnline, PID: 1})
	assert.ErrorIs(t, err, types.ErrValidation)

	// Offline agents may omit the pid.
	err = r.Register(&types.AgentProcess{AgentID: "y", Status: types.StatusOffline})
	assert.NoError(t, err)
}

func TestUpdateStatusEmitsEvent(t *testing.T) {
	bus := pubsub.NewBroker[events.ProcessEvent]()
	r, err := New(Config{
		Path:           filepath.Join(t.TempDir(), "registry.json"),
		HealthInterval: time.Hour,
		Probe:          aliveProbe,
		Bus:            bus,
		Logger:         zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	defer func() { _ = r.Shutdown() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := bus.Subscribe(ctx)

	require.NoError(t, r.Register(testAgent("dev-1", "proj-a", 100)))
	require.NoError(t, r.UpdateStatus("dev-1", types.StatusBusy))

	ev := <-ch
	assert.Equal(t, events.ProcessRegistered, ev.Name)
	ev = <-ch
	assert.Equal(t, events.ProcessStatusChange, ev.Name)
	assert.Equal(t, types.StatusOnline, ev.PrevStatus)
	assert.Equal(t, types.StatusBusy, ev.Agent.Status)

	err = r.UpdateStatus("missing", types.StatusBusy)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestLastActivityMonotonic(t *testing.T) {
	r := newTestRegistry(t, nil)
	require.NoError(t, r.Register(testAgent("dev-1", "proj-a", 100)))

	first, _ := r.Get("dev-1")
	require.NoError(t, r.UpdateStatus("dev-1", types.StatusBusy))
	second, _ := r.Get("dev-1")

	assert.False(t, second.LastActivity.Before(first.LastActivity))
}

func TestGetByProjectAndOnline(t *testing.T) {
	r := newTestRegistry(t, nil)
	require.NoError(t, r.Register(testAgent("a", "p1", 1)))
	require.NoError(t, r.Register(testAgent("b", "p1", 2)))
	require.NoError(t, r.Register(testAgent("c", "p2", 3)))
	require.NoError(t, r.UpdateStatus("b", types.StatusOffline))

	p1 := r.GetByProject("p1")
	require.Len(t, p1, 2)
	assert.Equal(t, "a", p1[0].AgentID)
	assert.Equal(t, "b", p1[1].AgentID)

	online := r.GetOnline()
	require.Len(t, online, 2)
	assert.Equal(t, "a", online[0].AgentID)
	assert.Equal(t, "c", online[1].AgentID)
}

func TestRemoveProject(t *testing.T) {
	r := newTestRegistry(t, nil)
	require.NoError(t, r.Register(testAgent("a", "p1", 1)))
	require.NoError(t, r.Register(testAgent("b", "p1", 2)))
	require.NoError(t, r.Register(testAgent("c", "p2", 3)))

	n, err := r.RemoveProject("p1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok := r.Get("a")
	assert.False(t, ok)
	_, ok = r.Get("c")
	assert.True(t, ok)
}

func TestHealthCheckMarksDeadOffline(t *testing.T) {
	dead := map[int]bool{200: true}
	probe := func(pid int) error {
		if dead[pid] {
			return syscall.ESRCH
		}
		return nil
	}

	r := newTestRegistry(t, probe)
	require.NoError(t, r.Register(testAgent("alive", "p1", 100)))
	require.NoError(t, r.Register(testAgent("dead", "p1", 200)))

	checks := r.PerformHealthCheck()
	require.Len(t, checks, 2)

	byID := map[string]types.HealthCheck{}
	for _, c := range checks {
		byID[c.AgentID] = c
	}
	assert.True(t, byID["alive"].Alive)
	assert.False(t, byID["dead"].Alive)

	got, _ := r.Get("dead")
	assert.Equal(t, types.StatusOffline, got.Status)
	got, _ = r.Get("alive")
	assert.Equal(t, types.StatusOnline, got.Status)
}

func TestFileMirrorsMemoryAfterConcurrentMutations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	r, err := New(Config{
		Path:           path,
		HealthInterval: time.Hour,
		Probe:          aliveProbe,
		Logger:         zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	defer func() { _ = r.Shutdown() }()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("agent-%d", n)
			assert.NoError(t, r.Register(testAgent(id, "p1", 1000+n)))
			if n%3 == 0 {
				assert.NoError(t, r.Remove(id))
			}
		}(i)
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var file struct {
		Processes map[string]*types.AgentProcess `json:"processes"`
		Version   string                         `json:"version"`
	}
	require.NoError(t, json.Unmarshal(data, &file))
	assert.Equal(t, FileVersion, file.Version)

	inMemory := r.All()
	require.Len(t, file.Processes, len(inMemory))
	for _, proc := range inMemory {
		onDisk, ok := file.Processes[proc.AgentID]
		require.True(t, ok, "agent %s missing from file", proc.AgentID)
		assert.Equal(t, proc.PID, onDisk.PID)
		assert.Equal(t, proc.Status, onDisk.Status)
	}
}

func TestLoadTolerantOfCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	r, err := New(Config{
		Path:           path,
		HealthInterval: time.Hour,
		Probe:          aliveProbe,
		Logger:         zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	defer func() { _ = r.Shutdown() }()

	assert.Empty(t, r.All())
	// Registry stays usable after the fresh start.
	require.NoError(t, r.Register(testAgent("a", "p1", 1)))
}

func TestReloadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	cfg := Config{Path: path, HealthInterval: time.Hour, Probe: aliveProbe, Logger: zaptest.NewLogger(t)}

	r1, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, r1.Register(testAgent("a", "p1", 1)))
	require.NoError(t, r1.UpdateSession("a", "sess-123"))
	require.NoError(t, r1.Shutdown())

	r2, err := New(cfg)
	require.NoError(t, err)
	defer func() { _ = r2.Shutdown() }()

	got, ok := r2.Get("a")
	require.True(t, ok)
	assert.Equal(t, "sess-123", got.SessionID)
	assert.Equal(t, 1, got.PID)
}

func TestSignalProbeUnknownPID(t *testing.T) {
	// Very large pids are almost certainly unused.
	err := SignalProbe(1 << 22)
	if err != nil {
		assert.True(t, errors.Is(err, syscall.ESRCH))
	}
	assert.Error(t, SignalProbe(0))
}
