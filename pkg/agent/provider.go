// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package agent wraps the LLM capability behind a runtime shim. The
// shim owns one agent's session lineage, forwards streaming frames,
// tracks token usage, and supports cancellation mid-invocation.
package agent

import "context"

// FrameKind classifies a streamed frame from the LLM capability.
type FrameKind string

const (
	FrameUser      FrameKind = "user"
	FrameAssistant FrameKind = "assistant"
	FrameSystem    FrameKind = "system"
	FrameTool      FrameKind = "tool"
	FrameError     FrameKind = "error"
	FrameResult    FrameKind = "result"
)

// Result frame subtypes.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Usage carries token accounting attached to assistant frames.
type Usage struct {
	Tokens    int `json:"tokens"`
	MaxTokens int `json:"maxTokens"`
}

// Frame is one streamed event from the LLM capability. SessionID is
// set whenever the provider knows the transcript handle for the
// conversation; Subtype is only meaningful on result frames.
type Frame struct {
	Kind      FrameKind `json:"kind"`
	Content   string    `json:"content,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Subtype   string    `json:"subtype,omitempty"`
	IsMeta    bool      `json:"isMeta,omitempty"`
	Usage     *Usage    `json:"usage,omitempty"`
}

// Request is one invocation of the LLM capability. SessionID resumes a
// prior transcript when set; an empty SessionID starts a fresh one.
type Request struct {
	Prompt       string
	SystemPrompt string
	Tools        []string
	Model        string
	MaxTokens    int
	Temperature  float64
	MaxTurns     int
	SessionID    string
	ProjectPath  string
}

// Provider streams frames for one invocation. The returned channel is
// closed when the invocation ends; cancelling ctx must stop the stream.
type Provider interface {
	Invoke(ctx context.Context, req Request) (<-chan Frame, error)
}
