// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package registry is the single source of truth for agent processes.
// The in-memory map is mirrored to a JSON file after every mutation so
// companion processes can inspect the fleet, and a background health
// checker demotes agents whose pid no longer exists.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/alicoding/studio-ai-sub007/internal/pubsub"
	"github.com/alicoding/studio-ai-sub007/pkg/events"
	"github.com/alicoding/studio-ai-sub007/pkg/types"
)

// FileVersion is the schema version written to the registry file.
const FileVersion = "1.0.0"

// DefaultHealthInterval is the cadence of the liveness sweep.
const DefaultHealthInterval = 30 * time.Second

// Prober checks whether a pid exists. A nil error means alive.
type Prober func(pid int) error

// SignalProbe is the default prober: a signal-0 probe of the pid.
// EPERM means the process exists but belongs to another user, which
// still counts as alive.
func SignalProbe(pid int) error {
	if pid <= 0 {
		return syscall.ESRCH
	}
	err := syscall.Kill(pid, 0)
	if errors.Is(err, syscall.EPERM) {
		return nil
	}
	return err
}

// registryFile is the on-disk mirror schema.
type registryFile struct {
	Processes   map[string]*types.AgentProcess `json:"processes"`
	LastCleanup time.Time                      `json:"lastCleanup"`
	Version     string                         `json:"version"`
}

// Config configures a Registry.
type Config struct {
	// Path of the JSON mirror, e.g. <tmp>/claude-agents/registry.json.
	Path string

	// HealthInterval overrides the 30 second sweep cadence.
	HealthInterval time.Duration

	// Probe overrides the pid liveness check (tests).
	Probe Prober

	// Bus receives process:* events. Optional.
	Bus *pubsub.Broker[events.ProcessEvent]

	Logger *zap.Logger
}

// Registry holds agent process records. All methods are safe for
// concurrent use; file writes happen inside the mutation lock so the
// on-disk snapshot never interleaves two mutations.
type Registry struct {
	mu        sync.Mutex
	processes map[string]*types.AgentProcess

	path        string
	probe       Prober
	bus         *pubsub.Broker[events.ProcessEvent]
	logger      *zap.Logger
	lastCleanup time.Time

	corruptReported bool

	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a registry, loading any previous mirror file. A missing
// file is not an error; a corrupt file is reported once and treated as
// empty. The health sweep starts immediately.
func New(cfg Config) (*Registry, error) {
	if cfg.Path == "" {
		cfg.Path = filepath.Join(os.TempDir(), "claude-agents", "registry.json")
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if cfg.Probe == nil {
		cfg.Probe = SignalProbe
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	r := &Registry{
		processes: make(map[string]*types.AgentProcess),
		path:      cfg.Path,
		probe:     cfg.Probe,
		bus:       cfg.Bus,
		logger:    cfg.Logger,
		interval:  cfg.HealthInterval,
		stopCh:    make(chan struct{}),
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}
	r.load()

	r.wg.Add(1)
	go r.healthLoop()

	return r, nil
}

// load reads the mirror file into memory. Errors are tolerated.
func (r *Registry) load() {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("failed to read registry file", zap.String("path", r.path), zap.Error(err))
		}
		return
	}

	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		if !r.corruptReported {
			r.corruptReported = true
			r.logger.Error("registry file corrupt, starting fresh",
				zap.String("path", r.path),
				zap.Error(err))
		}
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, proc := range file.Processes {
		if proc != nil {
			proc.AgentID = id
			r.processes[id] = proc
		}
	}
	r.lastCleanup = file.LastCleanup

	r.logger.Info("registry loaded",
		zap.String("path", r.path),
		zap.Int("processes", len(r.processes)))
}

// persistLocked writes the full mapping to disk atomically. Callers
// must hold r.mu. Memory stays consistent even when the write fails.
func (r *Registry) persistLocked() error {
	file := registryFile{
		Processes:   r.processes,
		LastCleanup: r.lastCleanup,
		Version:     FileVersion,
	}
	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to marshal registry: %v", types.ErrFatal, err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: failed to write registry file: %v", types.ErrFatal, err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("%w: failed to replace registry file: %v", types.ErrFatal, err)
	}
	return nil
}

// Register adds or replaces an agent record.
func (r *Registry) Register(agent *types.AgentProcess) error {
	if agent == nil || agent.AgentID == "" {
		return fmt.Errorf("%w: agent id is required", types.ErrValidation)
	}
	if !agent.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", types.ErrValidation, agent.Status)
	}
	if agent.Status != types.StatusOffline && agent.PID <= 0 {
		return fmt.Errorf("%w: agent %s has status %s but no pid", types.ErrValidation, agent.AgentID, agent.Status)
	}
	if agent.LastActivity.IsZero() {
		agent.LastActivity = time.Now()
	}

	r.mu.Lock()
	r.processes[agent.AgentID] = agent.Clone()
	err := r.persistLocked()
	snap := agent.Clone()
	r.mu.Unlock()

	r.publish(events.ProcessEvent{Name: events.ProcessRegistered, Agent: snap})
	r.logger.Info("agent registered",
		zap.String("agent_id", agent.AgentID),
		zap.String("project_id", agent.ProjectID),
		zap.Int("pid", agent.PID),
		zap.String("status", string(agent.Status)))
	return err
}

// UpdateStatus transitions an agent's status and bumps last activity.
func (r *Registry) UpdateStatus(agentID string, status types.AgentStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", types.ErrValidation, status)
	}

	r.mu.Lock()
	proc, ok := r.processes[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: agent %s", types.ErrNotFound, agentID)
	}
	prev := proc.Status
	proc.Status = status
	r.touchLocked(proc)
	err := r.persistLocked()
	snap := proc.Clone()
	r.mu.Unlock()

	if prev != status {
		r.publish(events.ProcessEvent{Name: events.ProcessStatusChange, Agent: snap, PrevStatus: prev})
	}
	return err
}

// UpdateSession records the agent's current LLM session id.
func (r *Registry) UpdateSession(agentID, sessionID string) error {
	r.mu.Lock()
	proc, ok := r.processes[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: agent %s", types.ErrNotFound, agentID)
	}
	proc.SessionID = sessionID
	r.touchLocked(proc)
	err := r.persistLocked()
	r.mu.Unlock()
	return err
}

// UpdatePID records the OS pid once a spawn completes.
func (r *Registry) UpdatePID(agentID string, pid int) error {
	r.mu.Lock()
	proc, ok := r.processes[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: agent %s", types.ErrNotFound, agentID)
	}
	proc.PID = pid
	r.touchLocked(proc)
	err := r.persistLocked()
	r.mu.Unlock()
	return err
}

// touchLocked advances LastActivity without ever moving it backwards.
func (r *Registry) touchLocked(proc *types.AgentProcess) {
	if now := time.Now(); now.After(proc.LastActivity) {
		proc.LastActivity = now
	}
}

// Get returns a copy of an agent record.
func (r *Registry) Get(agentID string) (*types.AgentProcess, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	proc, ok := r.processes[agentID]
	if !ok {
		return nil, false
	}
	return proc.Clone(), true
}

// GetByProject returns copies of every record in a project, sorted by
// agent id for deterministic iteration.
func (r *Registry) GetByProject(projectID string) []*types.AgentProcess {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*types.AgentProcess
	for _, proc := range r.processes {
		if proc.ProjectID == projectID {
			out = append(out, proc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// GetOnline returns every record whose status is online or busy.
func (r *Registry) GetOnline() []*types.AgentProcess {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*types.AgentProcess
	for _, proc := range r.processes {
		if proc.Status == types.StatusOnline || proc.Status == types.StatusBusy {
			out = append(out, proc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// All returns copies of every record.
func (r *Registry) All() []*types.AgentProcess {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*types.AgentProcess, 0, len(r.processes))
	for _, proc := range r.processes {
		out = append(out, proc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// PIDs returns the set of registered pids, for zombie discovery.
func (r *Registry) PIDs() map[int]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[int]string, len(r.processes))
	for id, proc := range r.processes {
		if proc.PID > 0 {
			out[proc.PID] = id
		}
	}
	return out
}

// Remove deletes an agent record.
func (r *Registry) Remove(agentID string) error {
	r.mu.Lock()
	proc, ok := r.processes[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: agent %s", types.ErrNotFound, agentID)
	}
	snap := proc.Clone()
	delete(r.processes, agentID)
	err := r.persistLocked()
	r.mu.Unlock()

	r.publish(events.ProcessEvent{Name: events.ProcessRemoved, Agent: snap})
	r.logger.Info("agent removed", zap.String("agent_id", agentID))
	return err
}

// RemoveProject deletes every record in a project and returns how many
// were removed.
func (r *Registry) RemoveProject(projectID string) (int, error) {
	r.mu.Lock()
	var removed []*types.AgentProcess
	for id, proc := range r.processes {
		if proc.ProjectID == projectID {
			removed = append(removed, proc.Clone())
			delete(r.processes, id)
		}
	}
	var err error
	if len(removed) > 0 {
		err = r.persistLocked()
	}
	r.mu.Unlock()

	for _, snap := range removed {
		r.publish(events.ProcessEvent{Name: events.ProcessRemoved, Agent: snap})
	}
	return len(removed), err
}

// Clear removes every record. Used by emergency cleanup.
func (r *Registry) Clear() error {
	r.mu.Lock()
	snaps := make([]*types.AgentProcess, 0, len(r.processes))
	for _, proc := range r.processes {
		snaps = append(snaps, proc.Clone())
	}
	r.processes = make(map[string]*types.AgentProcess)
	r.lastCleanup = time.Now()
	err := r.persistLocked()
	r.mu.Unlock()

	for _, snap := range snaps {
		r.publish(events.ProcessEvent{Name: events.ProcessRemoved, Agent: snap})
	}
	return err
}

// PerformHealthCheck probes every registered pid. Agents whose probe
// fails are marked offline. One dead process never stops the sweep.
func (r *Registry) PerformHealthCheck() []types.HealthCheck {
	r.mu.Lock()
	snapshot := make([]*types.AgentProcess, 0, len(r.processes))
	for _, proc := range r.processes {
		snapshot = append(snapshot, proc.Clone())
	}
	r.mu.Unlock()

	checks := make([]types.HealthCheck, 0, len(snapshot))
	for _, proc := range snapshot {
		check := types.HealthCheck{AgentID: proc.AgentID, PID: proc.PID, Alive: true}
		if err := r.probe(proc.PID); err != nil {
			check.Alive = false
			check.Error = err.Error()
			if proc.Status != types.StatusOffline {
				if uerr := r.UpdateStatus(proc.AgentID, types.StatusOffline); uerr != nil {
					r.logger.Warn("failed to mark agent offline",
						zap.String("agent_id", proc.AgentID),
						zap.Error(uerr))
				}
			}
		}
		checks = append(checks, check)
	}
	return checks
}

// RemoveDead runs a health check and deletes every record whose probe
// failed. Returns the removed agent ids.
func (r *Registry) RemoveDead() []string {
	var removed []string
	for _, check := range r.PerformHealthCheck() {
		if !check.Alive {
			if err := r.Remove(check.AgentID); err == nil {
				removed = append(removed, check.AgentID)
			}
		}
	}
	return removed
}

func (r *Registry) healthLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			checks := r.PerformHealthCheck()
			dead := 0
			for _, c := range checks {
				if !c.Alive {
					dead++
				}
			}
			if dead > 0 {
				r.logger.Info("health sweep found dead agents",
					zap.Int("checked", len(checks)),
					zap.Int("dead", dead))
			}
		}
	}
}

// Shutdown stops the health loop and writes a final snapshot.
func (r *Registry) Shutdown() error {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.persistLocked()
}

func (r *Registry) publish(ev events.ProcessEvent) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}
