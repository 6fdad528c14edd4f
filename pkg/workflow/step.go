// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package workflow builds executable graphs from step lists and runs
// them with durable checkpointing: task, parallel, loop, conditional,
// and human-in-the-loop steps with strict dependency ordering.
package workflow

import (
	"time"

	"github.com/alicoding/studio-ai-sub007/pkg/approval"
)

// StepType discriminates the step union.
type StepType string

const (
	StepTask        StepType = "task"
	StepParallel    StepType = "parallel"
	StepLoop        StepType = "loop"
	StepConditional StepType = "conditional"
	StepHuman       StepType = "human"
)

// Step is one workflow step. Type-specific fields are only read for
// the matching Type; an empty Type means task.
type Step struct {
	ID      string   `json:"id"`
	Type    StepType `json:"type,omitempty"`
	Task    string   `json:"task,omitempty"`
	Role    string   `json:"role,omitempty"`
	AgentID string   `json:"agentId,omitempty"`
	Deps    []string `json:"deps,omitempty"`

	// parallel
	ParallelSteps []string `json:"parallelSteps,omitempty"`

	// loop
	Items         []string `json:"items,omitempty"`
	LoopVar       string   `json:"loopVar,omitempty"`
	MaxIterations int      `json:"maxIterations,omitempty"`
	LoopSteps     []string `json:"loopSteps,omitempty"`

	// conditional
	Condition   *Condition `json:"condition,omitempty"`
	TrueBranch  string     `json:"trueBranch,omitempty"`
	FalseBranch string     `json:"falseBranch,omitempty"`

	// human
	Prompt          string                   `json:"prompt,omitempty"`
	InteractionType string                   `json:"interactionType,omitempty"`
	TimeoutSeconds  int                      `json:"timeoutSeconds,omitempty"`
	TimeoutBehavior approval.TimeoutBehavior `json:"timeoutBehavior,omitempty"`
	RiskLevel       approval.RiskLevel       `json:"riskLevel,omitempty"`
}

// Kind returns the effective step type.
func (s *Step) Kind() StepType {
	if s.Type == "" {
		return StepTask
	}
	return s.Type
}

// Step result statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
	RunPaused    = "paused"
)

// StepResult is the terminal record of one step execution. Duration is
// in milliseconds so checkpoints round-trip exactly.
type StepResult struct {
	Status    string `json:"status"`
	Response  string `json:"response,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Duration  int64  `json:"duration,omitempty"`
}

// State is the whole workflow run state: the DAG plus everything the
// nodes have produced so far. It is the unit of checkpointing.
type State struct {
	ThreadID    string                 `json:"threadId"`
	ProjectID   string                 `json:"projectId"`
	Status      string                 `json:"status"`
	Steps       []Step                 `json:"steps"`
	StepResults map[string]*StepResult `json:"stepResults"`
	StepOutputs map[string]string      `json:"stepOutputs"`
	SessionIDs  map[string]string      `json:"sessionIds"`
}

// NewState initialises an empty running state.
func NewState(threadID, projectID string, steps []Step) *State {
	return &State{
		ThreadID:    threadID,
		ProjectID:   projectID,
		Status:      RunRunning,
		Steps:       steps,
		StepResults: make(map[string]*StepResult),
		StepOutputs: make(map[string]string),
		SessionIDs:  make(map[string]string),
	}
}

// step returns the definition for an id.
func (s *State) step(id string) (*Step, bool) {
	for i := range s.Steps {
		if s.Steps[i].ID == id {
			return &s.Steps[i], true
		}
	}
	return nil, false
}

// GraphNode is one node of the observer-facing workflow graph.
type GraphNode struct {
	ID     string   `json:"id"`
	Type   StepType `json:"type"`
	Status string   `json:"status"`
}

// GraphEdge is one dependency edge.
type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph is the full workflow graph snapshot carried by graph_update
// events.
type Graph struct {
	ThreadID string      `json:"threadId"`
	Nodes    []GraphNode `json:"nodes"`
	Edges    []GraphEdge `json:"edges"`
}

// BuildGraph snapshots the state as a graph for visual observers.
func BuildGraph(state *State) *Graph {
	g := &Graph{ThreadID: state.ThreadID}
	for i := range state.Steps {
		step := &state.Steps[i]
		status := "pending"
		if res, ok := state.StepResults[step.ID]; ok {
			status = res.Status
		}
		g.Nodes = append(g.Nodes, GraphNode{ID: step.ID, Type: step.Kind(), Status: status})
		for _, dep := range step.Deps {
			g.Edges = append(g.Edges, GraphEdge{From: dep, To: step.ID})
		}
	}
	return g
}

// Checkpoint is one durable snapshot of a run.
type Checkpoint struct {
	ThreadID  string    `json:"threadId"`
	ID        int64     `json:"checkpointId"`
	State     *State    `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
}
