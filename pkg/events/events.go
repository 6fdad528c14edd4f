// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package events defines the event families emitted by the core and
// the hub that carries them. Each family has its own typed broker so
// subscribers register one handler per family; fan-out to WebSocket
// clients lives in pkg/server as a separate adapter.
package events

import (
	"github.com/alicoding/studio-ai-sub007/internal/pubsub"
	"github.com/alicoding/studio-ai-sub007/pkg/types"
)

// Event names. These are part of the external contract (§ WebSocket
// events) and must not change.
const (
	ProcessRegistered   = "process:registered"
	ProcessStatusChange = "process:status-change"
	ProcessRemoved      = "process:removed"

	AgentStatusChanged = "agent:status-changed"
	AgentTokenUsage    = "agent:token-usage"

	MessageNew = "message:new"

	WorkflowUpdate = "workflow:update"

	ApprovalProcessed = "human_approval_processed"
	ApprovalCancelled = "human_approval_cancelled"
)

// Workflow update subtypes carried in WorkflowEvent.Type.
const (
	StepStart        = "step_start"
	StepComplete     = "step_complete"
	StepFailed       = "step_failed"
	WorkflowComplete = "workflow_complete"
	WorkflowFailed   = "workflow_failed"
	WorkflowPaused   = "workflow_paused"
	GraphUpdate      = "graph_update"
)

// ProcessEvent reports a registry mutation.
type ProcessEvent struct {
	Name       string              `json:"name"`
	Agent      *types.AgentProcess `json:"agent"`
	PrevStatus types.AgentStatus   `json:"prevStatus,omitempty"`
}

// AgentEvent reports runtime shim activity.
type AgentEvent struct {
	Name      string            `json:"name"`
	AgentID   string            `json:"agentId"`
	Status    types.AgentStatus `json:"status,omitempty"`
	Tokens    int               `json:"tokens,omitempty"`
	MaxTokens int               `json:"maxTokens,omitempty"`
}

// MessageEvent reports a routed inter-agent message.
type MessageEvent struct {
	Name      string            `json:"name"`
	ProjectID string            `json:"projectId,omitempty"`
	Message   *types.IPCMessage `json:"message"`
}

// WorkflowEvent reports a workflow state change. Graph is only set for
// graph_update events and carries the full workflow graph for visual
// observers.
type WorkflowEvent struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	ThreadID  string `json:"threadId"`
	StepID    string `json:"stepId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Status    string `json:"status,omitempty"`
	Graph     any    `json:"graph,omitempty"`
}

// ApprovalEvent reports a terminal approval transition.
type ApprovalEvent struct {
	Name       string `json:"name"`
	ApprovalID string `json:"approvalId"`
	ThreadID   string `json:"threadId,omitempty"`
	StepID     string `json:"stepId,omitempty"`
	ProjectID  string `json:"projectId,omitempty"`
	Status     string `json:"status"`
}

// Hub aggregates one broker per event family. Constructed once in the
// composition root and passed to components through their configs.
type Hub struct {
	Process  *pubsub.Broker[ProcessEvent]
	Agent    *pubsub.Broker[AgentEvent]
	Message  *pubsub.Broker[MessageEvent]
	Workflow *pubsub.Broker[WorkflowEvent]
	Approval *pubsub.Broker[ApprovalEvent]
}

// NewHub creates the brokers for every event family.
func NewHub() *Hub {
	return &Hub{
		Process:  pubsub.NewBroker[ProcessEvent](),
		Agent:    pubsub.NewBroker[AgentEvent](),
		Message:  pubsub.NewBroker[MessageEvent](),
		Workflow: pubsub.NewBroker[WorkflowEvent](),
		Approval: pubsub.NewBroker[ApprovalEvent](),
	}
}

// Shutdown closes every broker.
func (h *Hub) Shutdown() {
	h.Process.Shutdown()
	h.Agent.Shutdown()
	h.Message.Shutdown()
	h.Workflow.Shutdown()
	h.Approval.Shutdown()
}
