// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/alicoding/studio-ai-sub007/internal/pubsub"
	"github.com/alicoding/studio-ai-sub007/pkg/events"
	"github.com/alicoding/studio-ai-sub007/pkg/types"
)

// SessionWriter is the registry capability the shim needs: status and
// session write-back for its own record.
type SessionWriter interface {
	UpdateStatus(agentID string, status types.AgentStatus) error
	UpdateSession(agentID, sessionID string) error
}

// SendOptions tunes one SendMessage invocation.
type SendOptions struct {
	// ProjectPath is the working directory handed to the LLM capability.
	ProjectPath string
	// SessionID resumes an explicit transcript instead of the tracked one.
	SessionID string
	// ForceNewSession clears the tracked session id before invocation so
	// no resume occurs.
	ForceNewSession bool
}

// Info is a read-only snapshot of the shim state.
type Info struct {
	AgentID   string            `json:"agentId"`
	Role      string            `json:"role"`
	Status    types.AgentStatus `json:"status"`
	SessionID string            `json:"sessionId,omitempty"`
}

// Config configures a Shim.
type Config struct {
	Agent    *types.AgentConfig
	Provider Provider

	// Registry receives status and session write-backs. Optional.
	Registry SessionWriter
	// Bus carries agent:status-changed and agent:token-usage events.
	// Optional.
	Bus *pubsub.Broker[events.AgentEvent]
	// OnFrame observes every forwarded frame. Optional.
	OnFrame func(Frame)

	Logger *zap.Logger
}

// Shim is one agent's runtime: it drives LLM invocations, tracks the
// session id, and reflects busy/online transitions onto the registry.
// A shim serialises its invocations; concurrent SendMessage calls
// queue behind the run lock.
type Shim struct {
	agentID  string
	role     string
	cfg      *types.AgentConfig
	provider Provider
	registry SessionWriter
	bus      *pubsub.Broker[events.AgentEvent]
	onFrame  func(Frame)
	logger   *zap.Logger

	runMu sync.Mutex

	mu              sync.Mutex
	sessionID       string
	status          types.AgentStatus
	cancel          context.CancelFunc
	onSessionUpdate func(sessionID string)

	aborted atomic.Bool
}

// NewShim creates a shim for one agent config.
func NewShim(cfg Config) (*Shim, error) {
	if cfg.Agent == nil {
		return nil, fmt.Errorf("%w: agent config is required", types.ErrValidation)
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("%w: provider is required", types.ErrValidation)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Shim{
		agentID:  cfg.Agent.ID,
		role:     cfg.Agent.Role,
		cfg:      cfg.Agent,
		provider: cfg.Provider,
		registry: cfg.Registry,
		bus:      cfg.Bus,
		onFrame:  cfg.OnFrame,
		logger:   cfg.Logger.With(zap.String("agent_id", cfg.Agent.ID)),
		status:   types.StatusOnline,
	}, nil
}

// OnSessionUpdate registers a callback invoked whenever the tracked
// session id changes.
func (s *Shim) OnSessionUpdate(fn func(sessionID string)) {
	s.mu.Lock()
	s.onSessionUpdate = fn
	s.mu.Unlock()
}

// Info returns the current shim state.
func (s *Shim) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		AgentID:   s.agentID,
		Role:      s.role,
		Status:    s.status,
		SessionID: s.sessionID,
	}
}

// SessionID returns the tracked session id.
func (s *Shim) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Abort cancels the in-flight invocation. Frames received after the
// abort are not forwarded, and the invocation fails with a distinct
// aborted error.
func (s *Shim) Abort() {
	s.aborted.Store(true)
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.logger.Info("invocation aborted")
}

// SendMessage runs one LLM invocation and returns the assistant
// response text.
func (s *Shim) SendMessage(ctx context.Context, content string, opts SendOptions) (string, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.aborted.Store(false)
	s.setStatus(types.StatusBusy)
	defer s.setStatus(types.StatusOnline)

	s.mu.Lock()
	if opts.ForceNewSession {
		s.sessionID = ""
	}
	session := s.sessionID
	if opts.SessionID != "" {
		session = opts.SessionID
	}
	s.mu.Unlock()

	invokeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
	}()

	req := Request{
		Prompt:       content,
		SystemPrompt: s.cfg.SystemPrompt,
		Tools:        NormalizeTools(s.cfg.Tools),
		Model:        s.cfg.Model,
		MaxTokens:    s.cfg.MaxTokens,
		Temperature:  s.cfg.Temperature,
		MaxTurns:     s.cfg.MaxTurns,
		SessionID:    session,
		ProjectPath:  opts.ProjectPath,
	}

	frames, err := s.provider.Invoke(invokeCtx, req)
	if err != nil {
		return "", fmt.Errorf("Claude Code failed: %w", err)
	}

	var response strings.Builder
	var resultContent string

	for frame := range frames {
		if s.aborted.Load() {
			continue
		}

		if frame.SessionID != "" {
			s.trackSession(frame.SessionID)
		}

		switch frame.Kind {
		case FrameSystem, FrameTool:
			frame.IsMeta = true
		case FrameAssistant:
			if frame.Content != "" {
				if response.Len() > 0 {
					response.WriteString("\n")
				}
				response.WriteString(frame.Content)
			}
			if frame.Usage != nil {
				s.publish(events.AgentEvent{
					Name:      events.AgentTokenUsage,
					AgentID:   s.agentID,
					Tokens:    frame.Usage.Tokens,
					MaxTokens: frame.Usage.MaxTokens,
				})
			}
		case FrameError:
			s.forward(frame)
			return "", fmt.Errorf("%w: Claude Code error: %s", types.ErrExecution, frame.Content)
		case FrameResult:
			if frame.Subtype == ResultError {
				s.forward(frame)
				return "", fmt.Errorf("%w: Claude Code error: %s", types.ErrExecution, frame.Content)
			}
			resultContent = frame.Content
		}

		s.forward(frame)
	}

	if s.aborted.Load() {
		return "", fmt.Errorf("%w: Query was aborted by user", types.ErrCancelled)
	}
	if err := invokeCtx.Err(); err != nil {
		return "", fmt.Errorf("Claude Code failed: %w", err)
	}

	if response.Len() == 0 {
		return resultContent, nil
	}
	return response.String(), nil
}

// trackSession adopts a new session id: registry write-back plus the
// onSessionUpdate callback.
func (s *Shim) trackSession(sessionID string) {
	s.mu.Lock()
	if s.sessionID == sessionID {
		s.mu.Unlock()
		return
	}
	s.sessionID = sessionID
	callback := s.onSessionUpdate
	s.mu.Unlock()

	if s.registry != nil {
		if err := s.registry.UpdateSession(s.agentID, sessionID); err != nil {
			s.logger.Warn("session write-back failed", zap.Error(err))
		}
	}
	if callback != nil {
		callback(sessionID)
	}
	s.logger.Debug("session updated", zap.String("session_id", sessionID))
}

func (s *Shim) setStatus(status types.AgentStatus) {
	s.mu.Lock()
	if s.status == status {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.mu.Unlock()

	if s.registry != nil {
		if err := s.registry.UpdateStatus(s.agentID, status); err != nil {
			s.logger.Warn("status write-back failed", zap.Error(err))
		}
	}
	s.publish(events.AgentEvent{
		Name:    events.AgentStatusChanged,
		AgentID: s.agentID,
		Status:  status,
	})
}

func (s *Shim) forward(frame Frame) {
	if s.onFrame != nil {
		s.onFrame(frame)
	}
}

func (s *Shim) publish(ev events.AgentEvent) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}
