// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package types holds the data model shared across the platform:
// agent process records, agent configurations, and IPC messages.
package types

import "time"

// GlobalProject is the sentinel project ID for globally scoped agents
// and agent configurations.
const GlobalProject = "global"

// AgentStatus is the lifecycle state of an agent process.
type AgentStatus string

const (
	// StatusReady means the process record exists but the agent has not
	// completed its first IPC handshake.
	StatusReady AgentStatus = "ready"
	// StatusOnline means the agent process is alive and idle.
	StatusOnline AgentStatus = "online"
	// StatusBusy means the agent is currently processing a message.
	StatusBusy AgentStatus = "busy"
	// StatusOffline means the process is dead or unreachable.
	StatusOffline AgentStatus = "offline"
)

// Valid reports whether s is a known status value.
func (s AgentStatus) Valid() bool {
	switch s {
	case StatusReady, StatusOnline, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// AgentConfig describes how an agent is invoked. Configs exist in two
// scopes: global (ProjectID == GlobalProject) and per-project.
type AgentConfig struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Role         string   `json:"role"`
	ProjectID    string   `json:"projectId"`
	SystemPrompt string   `json:"systemPrompt"`
	Tools        []string `json:"tools,omitempty"`
	Model        string   `json:"model,omitempty"`
	MaxTokens    int      `json:"maxTokens,omitempty"`
	Temperature  float64  `json:"temperature,omitempty"`
	MaxTurns     int      `json:"maxTurns,omitempty"`
}

// AgentProcess is the authoritative record for one agent subprocess.
// The process registry owns these records; all other components mutate
// them through the registry API.
//
// Invariants: AgentID is unique globally; a non-offline record always
// carries a PID; LastActivity never moves backwards.
type AgentProcess struct {
	AgentID      string       `json:"agentId"`
	ProjectID    string       `json:"projectId"`
	PID          int          `json:"pid,omitempty"`
	Status       AgentStatus  `json:"status"`
	SessionID    string       `json:"sessionId,omitempty"`
	LastActivity time.Time    `json:"lastActivity"`
	Role         string       `json:"role"`
	Config       *AgentConfig `json:"config,omitempty"`
}

// Clone returns a deep copy of the record so callers can read it
// without holding the registry lock.
func (p *AgentProcess) Clone() *AgentProcess {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Config != nil {
		cfg := *p.Config
		cfg.Tools = append([]string(nil), p.Config.Tools...)
		cp.Config = &cfg
	}
	return &cp
}

// HealthCheck is the outcome of a single liveness probe.
type HealthCheck struct {
	AgentID string `json:"agentId"`
	PID     int    `json:"pid"`
	Alive   bool   `json:"alive"`
	Error   string `json:"error,omitempty"`
}
