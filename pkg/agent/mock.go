// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package agent

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// defaultMockWindow is the context window reported by the mock when
// the request does not cap tokens.
const defaultMockWindow = 200000

// MockProvider is the deterministic stand-in used when USE_MOCK_AI is
// set. It echoes the prompt back as a single assistant frame followed
// by a success result. Respond overrides the echo when set.
type MockProvider struct {
	Respond func(req Request) string
	Latency time.Duration
}

// NewMockProvider creates a mock that echoes prompts.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// Invoke streams a deterministic response for the request.
func (m *MockProvider) Invoke(ctx context.Context, req Request) (<-chan Frame, error) {
	ch := make(chan Frame, 4)

	go func() {
		defer close(ch)

		if m.Latency > 0 {
			select {
			case <-time.After(m.Latency):
			case <-ctx.Done():
				return
			}
		}

		session := req.SessionID
		if session == "" {
			session = "mock-session-" + uuid.New().String()
		}

		content := req.Prompt
		if m.Respond != nil {
			content = m.Respond(req)
		}

		maxTokens := req.MaxTokens
		if maxTokens <= 0 {
			maxTokens = defaultMockWindow
		}

		frames := []Frame{
			{Kind: FrameSystem, Content: "mock provider ready", SessionID: session},
			{
				Kind:      FrameAssistant,
				Content:   content,
				SessionID: session,
				Usage:     &Usage{Tokens: len(content)/4 + 1, MaxTokens: maxTokens},
			},
			{Kind: FrameResult, Subtype: ResultSuccess, Content: content, SessionID: session},
		}
		for _, f := range frames {
			select {
			case ch <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}
