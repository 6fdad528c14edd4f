// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package project

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alicoding/studio-ai-sub007/pkg/agent"
	"github.com/alicoding/studio-ai-sub007/pkg/events"
	"github.com/alicoding/studio-ai-sub007/pkg/ipc"
	"github.com/alicoding/studio-ai-sub007/pkg/registry"
	"github.com/alicoding/studio-ai-sub007/pkg/types"
)

// SpawnFunc launches the OS process backing an agent and returns its
// pid. Injectable for tests and for mock mode.
type SpawnFunc func(ctx context.Context, cfg *types.AgentConfig) (int, error)

// ManagerConfig configures a process manager.
type ManagerConfig struct {
	Registry *registry.Registry
	Store    *Store
	Provider agent.Provider
	Hub      *events.Hub

	// SocketDir is where per-agent sockets are created.
	SocketDir string

	// Command is the argv used to launch a real agent subprocess. When
	// empty, agents run in-process against the provider and the record
	// carries this process's pid.
	Command []string

	// Spawn overrides subprocess launching. Optional.
	Spawn SpawnFunc

	Logger *zap.Logger
}

type managedAgent struct {
	cfg       *types.AgentConfig
	projectID string
	shim      *agent.Shim
	server    *ipc.Server
	pid       int
	ownPID    bool
}

// Manager owns the running agent set: it spawns processes from
// configurations, wires each one to an IPC endpoint and a runtime
// shim, and revives offline agents on demand.
type Manager struct {
	registry *registry.Registry
	store    *Store
	provider agent.Provider
	hub      *events.Hub
	socket   string
	spawn    SpawnFunc
	logger   *zap.Logger

	mu     sync.Mutex
	agents map[string]*managedAgent
}

// NewManager creates a process manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("%w: registry is required", types.ErrValidation)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: store is required", types.ErrValidation)
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("%w: provider is required", types.ErrValidation)
	}
	if cfg.SocketDir == "" {
		cfg.SocketDir = os.TempDir()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	m := &Manager{
		registry: cfg.Registry,
		store:    cfg.Store,
		provider: cfg.Provider,
		hub:      cfg.Hub,
		socket:   cfg.SocketDir,
		logger:   cfg.Logger,
		agents:   make(map[string]*managedAgent),
	}

	switch {
	case cfg.Spawn != nil:
		m.spawn = cfg.Spawn
	case len(cfg.Command) > 0:
		m.spawn = execSpawn(cfg.Command)
	default:
		m.spawn = inProcessSpawn
	}
	return m, nil
}

// inProcessSpawn backs agents with the orchestrator's own process.
func inProcessSpawn(context.Context, *types.AgentConfig) (int, error) {
	return os.Getpid(), nil
}

// execSpawn launches one subprocess per agent from a fixed argv.
func execSpawn(argv []string) SpawnFunc {
	return func(ctx context.Context, cfg *types.AgentConfig) (int, error) {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Env = append(os.Environ(), "STUDIO_AGENT_ID="+cfg.ID)
		if err := cmd.Start(); err != nil {
			return 0, fmt.Errorf("failed to start agent process: %w", err)
		}
		go func() { _ = cmd.Wait() }()
		return cmd.Process.Pid, nil
	}
}

// StartAgent spawns an agent from a configuration. Starting an agent
// that is already running returns the existing record.
func (m *Manager) StartAgent(ctx context.Context, cfg *types.AgentConfig, projectID string) (*types.AgentProcess, error) {
	if cfg == nil || cfg.ID == "" {
		return nil, fmt.Errorf("%w: agent config is required", types.ErrValidation)
	}
	if projectID == "" {
		projectID = cfg.ProjectID
	}

	m.mu.Lock()
	_, running := m.agents[cfg.ID]
	m.mu.Unlock()
	if running {
		if proc, ok := m.registry.Get(cfg.ID); ok && proc.Status != types.StatusOffline {
			return proc, nil
		}
		m.stopLocal(cfg.ID)
	}

	pid, err := m.spawn(ctx, cfg)
	if err != nil {
		return nil, err
	}

	shimCfg := agent.Config{
		Agent:    cfg,
		Provider: m.provider,
		Registry: m.registry,
		Logger:   m.logger,
	}
	if m.hub != nil {
		shimCfg.Bus = m.hub.Agent
	}
	shim, err := agent.NewShim(shimCfg)
	if err != nil {
		return nil, err
	}

	socketPath := filepath.Join(m.socket, "claude-agents."+cfg.ID)
	server := ipc.NewServer(cfg.ID, socketPath, m.handlerFor(shim), m.logger)

	record := &types.AgentProcess{
		AgentID:      cfg.ID,
		ProjectID:    projectID,
		PID:          pid,
		Status:       types.StatusReady,
		LastActivity: time.Now(),
		Role:         cfg.Role,
		Config:       cfg,
	}
	if err := m.registry.Register(record); err != nil {
		return nil, err
	}

	if err := server.Start(); err != nil {
		_ = m.registry.Remove(cfg.ID)
		return nil, err
	}

	if err := m.registry.UpdateStatus(cfg.ID, types.StatusOnline); err != nil {
		m.logger.Warn("failed to mark agent online", zap.Error(err))
	}

	m.mu.Lock()
	m.agents[cfg.ID] = &managedAgent{
		cfg:       cfg,
		projectID: projectID,
		shim:      shim,
		server:    server,
		pid:       pid,
		ownPID:    pid == os.Getpid(),
	}
	m.mu.Unlock()

	m.logger.Info("agent started",
		zap.String("agent_id", cfg.ID),
		zap.String("project_id", projectID),
		zap.Int("pid", pid))

	proc, _ := m.registry.Get(cfg.ID)
	return proc, nil
}

// handlerFor builds the IPC handler backed by an agent's shim. Mention
// frames produce a response; broadcast frames are processed without one.
func (m *Manager) handlerFor(shim *agent.Shim) ipc.Handler {
	return func(ctx context.Context, msg *types.IPCMessage) (*types.IPCMessage, error) {
		switch msg.Type {
		case types.MessageMention, types.MessageBroadcast:
		default:
			return nil, nil
		}

		info := shim.Info()
		response, err := shim.SendMessage(ctx, msg.Content, agent.SendOptions{})
		if err != nil {
			return nil, err
		}

		if m.hub != nil {
			m.hub.Message.Publish(events.MessageEvent{
				Name:    events.MessageNew,
				Message: types.NewMessage(info.AgentID, msg.From, types.MessageResponse, response),
			})
		}

		if msg.Type == types.MessageBroadcast {
			return nil, nil
		}
		return types.NewMessage(info.AgentID, msg.From, types.MessageResponse, response), nil
	}
}

// EnsureOnline resolves an agent id to a live process, reviving an
// offline or unknown agent from its stored configuration.
func (m *Manager) EnsureOnline(ctx context.Context, agentID, projectID string) (*types.AgentProcess, error) {
	if proc, ok := m.registry.Get(agentID); ok && proc.Status != types.StatusOffline {
		return proc, nil
	}

	cfg, err := m.configFor(ctx, agentID, projectID)
	if err != nil {
		return nil, err
	}

	m.logger.Info("reviving offline agent", zap.String("agent_id", agentID))
	m.stopLocal(agentID)
	return m.StartAgent(ctx, cfg, projectID)
}

// configFor finds the configuration to revive an agent with: the
// registry record's embedded config first, then the config store.
func (m *Manager) configFor(ctx context.Context, agentID, projectID string) (*types.AgentConfig, error) {
	if proc, ok := m.registry.Get(agentID); ok && proc.Config != nil {
		return proc.Config, nil
	}
	cfg, err := m.store.Get(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("%w: agent %s in project %s", types.ErrNotFound, agentID, projectID)
	}
	if cfg.ProjectID != projectID && cfg.ProjectID != types.GlobalProject {
		return nil, fmt.Errorf("%w: agent %s in project %s", types.ErrNotFound, agentID, projectID)
	}
	return cfg, nil
}

// ResolveRole maps a (project, role) pair to a configuration.
func (m *Manager) ResolveRole(ctx context.Context, projectID, role string) (*types.AgentConfig, error) {
	return m.store.ResolveRole(ctx, projectID, role)
}

// Get returns a stored agent configuration by id.
func (m *Manager) Get(ctx context.Context, id string) (*types.AgentConfig, error) {
	return m.store.Get(ctx, id)
}

// RunTask starts the agent if needed, sends one prompt through its
// shim, and returns the response with the session id to resume from.
func (m *Manager) RunTask(ctx context.Context, cfg *types.AgentConfig, projectID, prompt, sessionID string) (string, string, error) {
	if _, err := m.StartAgent(ctx, cfg, projectID); err != nil {
		return "", "", err
	}
	shim, ok := m.Shim(cfg.ID)
	if !ok {
		return "", "", fmt.Errorf("%w: agent %s has no runtime", types.ErrNotFound, cfg.ID)
	}
	response, err := shim.SendMessage(ctx, prompt, agent.SendOptions{SessionID: sessionID})
	if err != nil {
		return "", shim.SessionID(), err
	}
	return response, shim.SessionID(), nil
}

// Shim returns the runtime shim for a running agent.
func (m *Manager) Shim(agentID string) (*agent.Shim, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ma, ok := m.agents[agentID]
	if !ok {
		return nil, false
	}
	return ma.shim, true
}

// AbortAgent cancels the in-flight invocation on a running agent.
func (m *Manager) AbortAgent(agentID string) bool {
	shim, ok := m.Shim(agentID)
	if ok {
		shim.Abort()
	}
	return ok
}

// stopLocal tears down in-memory state for an agent without touching
// the registry.
func (m *Manager) stopLocal(agentID string) {
	m.mu.Lock()
	ma, ok := m.agents[agentID]
	delete(m.agents, agentID)
	m.mu.Unlock()
	if !ok {
		return
	}

	ma.shim.Abort()
	if err := ma.server.Stop(); err != nil {
		m.logger.Warn("failed to stop ipc server", zap.String("agent_id", agentID), zap.Error(err))
	}
	if !ma.ownPID && ma.pid > 0 {
		if p, err := os.FindProcess(ma.pid); err == nil {
			_ = p.Signal(os.Interrupt)
		}
	}
}

// StopAgent stops one agent and removes its registry record.
func (m *Manager) StopAgent(agentID string) error {
	m.stopLocal(agentID)
	return m.registry.Remove(agentID)
}

// StopProject stops every agent in a project and removes the records.
func (m *Manager) StopProject(projectID string) (int, error) {
	m.mu.Lock()
	var ids []string
	for id, ma := range m.agents {
		if ma.projectID == projectID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.stopLocal(id)
	}
	return m.registry.RemoveProject(projectID)
}

// Shutdown stops every running agent without removing registry records
// so a restart can revive them.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.stopLocal(id)
		if err := m.registry.UpdateStatus(id, types.StatusOffline); err != nil {
			m.logger.Warn("failed to mark agent offline", zap.String("agent_id", id), zap.Error(err))
		}
	}
}
