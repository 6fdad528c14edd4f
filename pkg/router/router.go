// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/alicoding/studio-ai-sub007/pkg/events"
	"github.com/alicoding/studio-ai-sub007/pkg/types"
)

// RegistryView is the registry capability the router needs.
type RegistryView interface {
	Get(agentID string) (*types.AgentProcess, bool)
	GetByProject(projectID string) []*types.AgentProcess
	All() []*types.AgentProcess
	UpdateStatus(agentID string, status types.AgentStatus) error
}

// Locator revives offline agents on demand. Implemented by the
// project process manager.
type Locator interface {
	EnsureOnline(ctx context.Context, agentID, projectID string) (*types.AgentProcess, error)
}

// Aborter cancels an agent's in-flight invocation. Implemented by the
// project process manager.
type Aborter interface {
	AbortAgent(agentID string) bool
}

// Sender delivers IPC frames. Implemented by the ipc client.
type Sender interface {
	Send(ctx context.Context, msg *types.IPCMessage) error
	SendAndWait(ctx context.Context, msg *types.IPCMessage, timeout time.Duration) (*types.IPCMessage, error)
}

// Config configures a Router.
type Config struct {
	Registry RegistryView
	Locator  Locator
	Client   Sender

	// Aborter lets batch aborts interrupt running shims. Optional.
	Aborter Aborter
	// Hub carries message:new events. Optional.
	Hub *events.Hub

	Logger *zap.Logger
}

// Router delivers mention, broadcast, and batch messages.
type Router struct {
	registry RegistryView
	locator  Locator
	client   Sender
	aborter  Aborter
	hub      *events.Hub
	logger   *zap.Logger

	batches *batchSet
}

// New creates a router.
func New(cfg Config) (*Router, error) {
	if cfg.Registry == nil || cfg.Locator == nil || cfg.Client == nil {
		return nil, fmt.Errorf("%w: registry, locator, and client are required", types.ErrValidation)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Router{
		registry: cfg.Registry,
		locator:  cfg.Locator,
		client:   cfg.Client,
		aborter:  cfg.Aborter,
		hub:      cfg.Hub,
		logger:   cfg.Logger,
		batches:  newBatchSet(),
	}, nil
}

// RouteOptions tunes one Route call.
type RouteOptions struct {
	// Wait blocks for each target's response frame.
	Wait bool
	// Timeout bounds the wait. Zero uses the IPC client default.
	Timeout time.Duration
	// TargetProjectID routes the mention into another project.
	TargetProjectID string
}

// RouteResult reports where a message went.
type RouteResult struct {
	Routed    bool              `json:"routed"`
	Targets   []string          `json:"targets"`
	Responses map[string]string `json:"responses,omitempty"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// Route parses mentions out of text and delivers one message per
// mention. Broadcast mentions fan out to the whole project.
func (r *Router) Route(ctx context.Context, text, fromAgentID, projectID string, opts RouteOptions) (*RouteResult, error) {
	mentions := ParseMentions(text)
	if len(mentions) == 0 {
		return &RouteResult{Routed: false}, nil
	}

	if IsBroadcast(text) {
		br, err := r.BroadcastToProject(ctx, mentions[0].Content, fromAgentID, projectID)
		if err != nil {
			return nil, err
		}
		result := &RouteResult{Routed: len(br.Success) > 0, Targets: br.Success}
		if len(br.Failed) > 0 {
			result.Failed = br.Failed
		}
		return result, nil
	}

	result := &RouteResult{Routed: true, Responses: map[string]string{}, Failed: map[string]string{}}
	for _, mention := range mentions {
		resp, err := r.routeOne(ctx, mention, fromAgentID, projectID, opts)
		if err != nil {
			result.Failed[mention.Target] = err.Error()
			r.logger.Warn("mention delivery failed",
				zap.String("target", mention.Target),
				zap.Error(err))
			continue
		}
		result.Targets = append(result.Targets, mention.Target)
		if opts.Wait {
			result.Responses[mention.Target] = resp
		}
	}
	if len(result.Targets) == 0 {
		result.Routed = false
	}
	return result, nil
}

// routeOne resolves and delivers a single mention.
func (r *Router) routeOne(ctx context.Context, mention Mention, fromAgentID, projectID string, opts RouteOptions) (string, error) {
	targetProject := projectID
	if opts.TargetProjectID != "" {
		targetProject = opts.TargetProjectID
	}

	agentID, err := r.resolveTarget(mention.Target, targetProject)
	if err != nil {
		return "", err
	}

	if _, err := r.locator.EnsureOnline(ctx, agentID, targetProject); err != nil {
		return "", err
	}

	msg := types.NewMessage(fromAgentID, agentID, types.MessageMention, mention.Content)

	var response string
	if opts.Wait {
		resp, err := r.client.SendAndWait(ctx, msg, opts.Timeout)
		if err != nil {
			return "", err
		}
		response = resp.Content
	} else {
		if err := r.client.Send(ctx, msg); err != nil {
			return "", err
		}
		// The target is now working on the message. Wait mode skips
		// this: by the time the response arrives the shim has already
		// cycled busy back to online.
		if err := r.registry.UpdateStatus(agentID, types.StatusBusy); err != nil {
			r.logger.Debug("busy transition failed", zap.String("agent_id", agentID), zap.Error(err))
		}
	}

	r.publishMessage(targetProject, msg)
	return response, nil
}

// resolveTarget maps a mention token to an agent id. The token is an
// agent id first; otherwise it matches agents by role, which must be
// unambiguous across projects.
func (r *Router) resolveTarget(target, projectID string) (string, error) {
	if _, ok := r.registry.Get(target); ok {
		return target, nil
	}

	var matched []*types.AgentProcess
	for _, proc := range r.registry.All() {
		if strings.EqualFold(proc.Role, target) {
			matched = append(matched, proc)
		}
	}
	switch len(matched) {
	case 0:
		// Unknown here can still be a stored config the locator spawns.
		return target, nil
	case 1:
		return matched[0].AgentID, nil
	}

	// Same-project match wins; anything else is ambiguous.
	projects := make([]string, 0, len(matched))
	for _, proc := range matched {
		if proc.ProjectID == projectID {
			return proc.AgentID, nil
		}
		projects = append(projects, proc.ProjectID)
	}
	sort.Strings(projects)
	return "", fmt.Errorf("%w: ambiguous target %q: found in projects %s",
		types.ErrValidation, target, strings.Join(projects, ", "))
}

// BroadcastResult reports a project fan-out.
type BroadcastResult struct {
	Success []string          `json:"success"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// BroadcastToProject sends a broadcast frame to every agent in the
// project except the sender. Delivery is fire-and-forget per target;
// individual failures never abort the fan-out.
func (r *Router) BroadcastToProject(ctx context.Context, content, fromAgentID, projectID string) (*BroadcastResult, error) {
	result := &BroadcastResult{Failed: map[string]string{}}

	for _, proc := range r.registry.GetByProject(projectID) {
		if proc.AgentID == fromAgentID {
			continue
		}
		msg := types.NewMessage(fromAgentID, proc.AgentID, types.MessageBroadcast, content)
		if err := r.client.Send(ctx, msg); err != nil {
			result.Failed[proc.AgentID] = err.Error()
			continue
		}
		result.Success = append(result.Success, proc.AgentID)
		r.publishMessage(projectID, msg)
	}

	r.logger.Info("broadcast delivered",
		zap.String("project_id", projectID),
		zap.Int("success", len(result.Success)),
		zap.Int("failed", len(result.Failed)))
	return result, nil
}

func (r *Router) publishMessage(projectID string, msg *types.IPCMessage) {
	if r.hub != nil {
		r.hub.Message.Publish(events.MessageEvent{
			Name:      events.MessageNew,
			ProjectID: projectID,
			Message:   msg,
		})
	}
}
