// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package approval

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/alicoding/studio-ai-sub007/internal/pubsub"
	"github.com/alicoding/studio-ai-sub007/pkg/events"
	"github.com/alicoding/studio-ai-sub007/pkg/types"
)

// TimeoutBehavior controls what WaitForDecision does when its budget
// runs out.
type TimeoutBehavior string

const (
	TimeoutFail        TimeoutBehavior = "fail"
	TimeoutAutoApprove TimeoutBehavior = "auto-approve"
	TimeoutInfinite    TimeoutBehavior = "infinite"
)

// Poll cadences for WaitForDecision.
const (
	DefaultPollInterval  = 2 * time.Second
	InfinitePollInterval = 5 * time.Second
)

// DefaultSweepSpec is the cron cadence for expiring stale approvals.
const DefaultSweepSpec = "@every 30s"

// Request creates one approval.
type Request struct {
	ThreadID     string         `json:"threadId"`
	StepID       string         `json:"stepId"`
	ProjectID    string         `json:"projectId"`
	WorkflowName string         `json:"workflowName,omitempty"`
	Prompt       string         `json:"prompt"`
	ContextData  map[string]any `json:"contextData,omitempty"`
	// RiskLevel is inferred from the prompt and task text when empty.
	RiskLevel               RiskLevel `json:"riskLevel,omitempty"`
	TaskText                string    `json:"taskText,omitempty"`
	TimeoutSeconds          int       `json:"timeoutSeconds,omitempty"`
	ApprovalRequired        bool      `json:"approvalRequired"`
	AutoApproveAfterTimeout bool      `json:"autoApproveAfterTimeout"`
}

// Config configures an Orchestrator.
type Config struct {
	Store *Store

	// Bus carries human_approval_* events. Optional.
	Bus *pubsub.Broker[events.ApprovalEvent]

	// SweepSpec is the cron cadence for ProcessExpiredApprovals.
	SweepSpec string

	// PollInterval and InfinitePoll override the waiter cadences (tests).
	PollInterval time.Duration
	InfinitePoll time.Duration

	Logger *zap.Logger
}

// Orchestrator owns approval records. Decisions arrive either through
// ProcessDecision (same process, woken via channel) or externally
// through the store, which the waiter's poll picks up.
type Orchestrator struct {
	store        *Store
	bus          *pubsub.Broker[events.ApprovalEvent]
	logger       *zap.Logger
	cron         *cron.Cron
	poll         time.Duration
	infinitePoll time.Duration

	mu      sync.Mutex
	waiters map[string][]chan Status
}

// New creates an orchestrator and schedules the expiry sweep.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: store is required", types.ErrValidation)
	}
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = DefaultSweepSpec
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.InfinitePoll <= 0 {
		cfg.InfinitePoll = InfinitePollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	o := &Orchestrator{
		store:        cfg.Store,
		bus:          cfg.Bus,
		logger:       cfg.Logger,
		cron:         cron.New(),
		poll:         cfg.PollInterval,
		infinitePoll: cfg.InfinitePoll,
		waiters:      make(map[string][]chan Status),
	}

	if _, err := o.cron.AddFunc(cfg.SweepSpec, func() {
		if _, err := o.ProcessExpiredApprovals(context.Background()); err != nil {
			o.logger.Warn("expiry sweep failed", zap.Error(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid sweep spec %q: %w", cfg.SweepSpec, err)
	}
	return o, nil
}

// Start begins the expiry sweep.
func (o *Orchestrator) Start() { o.cron.Start() }

// Stop halts the expiry sweep and waits for a running sweep to finish.
func (o *Orchestrator) Stop() {
	<-o.cron.Stop().Done()
}

// CreateApproval creates a pending approval. Risk is inferred from
// the prompt and task text when the request does not set it.
func (o *Orchestrator) CreateApproval(ctx context.Context, req Request) (*Approval, error) {
	if req.ThreadID == "" || req.StepID == "" {
		return nil, fmt.Errorf("%w: threadId and stepId are required", types.ErrValidation)
	}

	risk := req.RiskLevel
	if risk == "" {
		risk = InferRisk(req.Prompt + " " + req.TaskText)
	}

	now := time.Now()
	a := &Approval{
		ID:                      uuid.New().String(),
		ThreadID:                req.ThreadID,
		StepID:                  req.StepID,
		ProjectID:               req.ProjectID,
		WorkflowName:            req.WorkflowName,
		Prompt:                  req.Prompt,
		ContextData:             req.ContextData,
		RiskLevel:               risk,
		RequestedAt:             now,
		TimeoutSeconds:          req.TimeoutSeconds,
		Status:                  StatusPending,
		ApprovalRequired:        req.ApprovalRequired,
		AutoApproveAfterTimeout: req.AutoApproveAfterTimeout,
	}
	if req.TimeoutSeconds > 0 {
		expires := now.Add(time.Duration(req.TimeoutSeconds) * time.Second)
		a.ExpiresAt = &expires
	}

	if err := o.store.Create(ctx, a); err != nil {
		return nil, err
	}
	o.logger.Info("approval created",
		zap.String("approval_id", a.ID),
		zap.String("thread_id", a.ThreadID),
		zap.String("step_id", a.StepID),
		zap.String("risk", string(a.RiskLevel)))
	return a, nil
}

// GetApproval returns an approval by id.
func (o *Orchestrator) GetApproval(ctx context.Context, id string) (*Approval, error) {
	return o.store.Get(ctx, id)
}

// ListApprovals returns approvals matching the filter.
func (o *Orchestrator) ListApprovals(ctx context.Context, f Filter) ([]*Approval, error) {
	return o.store.List(ctx, f)
}

// GetPendingForProject returns a project's pending approvals.
func (o *Orchestrator) GetPendingForProject(ctx context.Context, projectID string) ([]*Approval, error) {
	return o.store.List(ctx, Filter{ProjectID: projectID, Status: StatusPending})
}

// ProcessDecision resolves a pending approval to approved or rejected.
func (o *Orchestrator) ProcessDecision(ctx context.Context, id string, approved bool, by string) (*Approval, error) {
	status := StatusRejected
	if approved {
		status = StatusApproved
	}
	return o.resolve(ctx, id, status, by, events.ApprovalProcessed)
}

// CancelApproval cancels a pending approval.
func (o *Orchestrator) CancelApproval(ctx context.Context, id, by string) (*Approval, error) {
	return o.resolve(ctx, id, StatusCancelled, by, events.ApprovalCancelled)
}

func (o *Orchestrator) resolve(ctx context.Context, id string, status Status, by, event string) (*Approval, error) {
	a, err := o.store.Resolve(ctx, id, status, by, time.Now())
	if err != nil {
		return nil, err
	}

	o.notifyWaiters(id, status)
	o.publish(event, a)
	o.logger.Info("approval resolved",
		zap.String("approval_id", id),
		zap.String("status", string(status)),
		zap.String("by", by))
	return a, nil
}

// ProcessExpiredApprovals transitions every overdue pending approval,
// honouring autoApproveAfterTimeout, and returns how many changed.
func (o *Orchestrator) ProcessExpiredApprovals(ctx context.Context) (int, error) {
	expired, err := o.store.Expired(ctx, time.Now())
	if err != nil {
		return 0, err
	}

	count := 0
	for _, a := range expired {
		status := StatusExpired
		by := "timeout"
		if a.AutoApproveAfterTimeout {
			status = StatusApproved
			by = "auto-approve-timeout"
		}
		resolved, err := o.store.Resolve(ctx, a.ID, status, by, time.Now())
		if err != nil {
			// Raced with a live decision; nothing to do.
			o.logger.Debug("expiry skipped", zap.String("approval_id", a.ID), zap.Error(err))
			continue
		}
		o.notifyWaiters(a.ID, status)
		o.publish(events.ApprovalProcessed, resolved)
		count++
	}

	if count > 0 {
		o.logger.Info("expired approvals processed", zap.Int("count", count))
	}
	return count, nil
}

// WaitForDecision blocks until the approval resolves. It returns true
// for approved, false for rejected, and an error for cancellation or
// expiry. A finite budget with auto-approve behaviour approves the
// record when the budget runs out.
func (o *Orchestrator) WaitForDecision(ctx context.Context, id string, timeoutSeconds int, behavior TimeoutBehavior) (bool, error) {
	poll := o.poll
	var deadline <-chan time.Time
	if behavior == TimeoutInfinite {
		poll = o.infinitePoll
	} else if timeoutSeconds > 0 {
		timer := time.NewTimer(time.Duration(timeoutSeconds) * time.Second)
		defer timer.Stop()
		deadline = timer.C
	}

	wake := o.addWaiter(id)
	defer o.removeWaiter(id, wake)

	check := func() (Status, error) {
		a, err := o.store.Get(ctx, id)
		if err != nil {
			return "", err
		}
		return a.Status, nil
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		status, err := check()
		if err != nil {
			return false, err
		}
		switch status {
		case StatusApproved:
			return true, nil
		case StatusRejected:
			return false, nil
		case StatusCancelled:
			return false, fmt.Errorf("%w: approval %s was cancelled", types.ErrCancelled, id)
		case StatusExpired:
			return false, fmt.Errorf("%w: Approval %s timed out after %d seconds", types.ErrTimeout, id, timeoutSeconds)
		}

		select {
		case <-wake:
			// Loop re-reads the store for the authoritative state.
		case <-ticker.C:
		case <-deadline:
			if behavior == TimeoutAutoApprove {
				if _, err := o.ProcessDecision(ctx, id, true, "auto-approve-timeout"); err != nil {
					// Someone else resolved it at the wire; re-read.
					continue
				}
				return true, nil
			}
			if _, err := o.resolve(ctx, id, StatusExpired, "timeout", events.ApprovalProcessed); err != nil {
				continue
			}
			return false, fmt.Errorf("%w: Approval %s timed out after %d seconds", types.ErrTimeout, id, timeoutSeconds)
		case <-ctx.Done():
			return false, fmt.Errorf("%w: approval wait interrupted", types.ErrCancelled)
		}
	}
}

func (o *Orchestrator) addWaiter(id string) chan Status {
	ch := make(chan Status, 1)
	o.mu.Lock()
	o.waiters[id] = append(o.waiters[id], ch)
	o.mu.Unlock()
	return ch
}

func (o *Orchestrator) removeWaiter(id string, ch chan Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	list := o.waiters[id]
	for i, c := range list {
		if c == ch {
			o.waiters[id] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(o.waiters[id]) == 0 {
		delete(o.waiters, id)
	}
}

func (o *Orchestrator) notifyWaiters(id string, status Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ch := range o.waiters[id] {
		select {
		case ch <- status:
		default:
		}
	}
}

func (o *Orchestrator) publish(name string, a *Approval) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.ApprovalEvent{
		Name:       name,
		ApprovalID: a.ID,
		ThreadID:   a.ThreadID,
		StepID:     a.StepID,
		ProjectID:  a.ProjectID,
		Status:     string(a.Status),
	})
}

var (
	criticalRe = regexp.MustCompile(`(?i)\b(database|payment|billing|security|admin|root)\b`)
	highRe     = regexp.MustCompile(`(?i)\b(delete|remove|production|deploy|publish|release)\b`)
	readRe     = regexp.MustCompile(`(?i)\b(read|list|view|show|get|inspect|describe|fetch|check)\b`)
	verbRe     = regexp.MustCompile(`(?i)\b(write|create|update|modify|change|run|execute|install|build|push|send)\b`)
)

// InferRisk classifies a textual task description when the step does
// not set an explicit risk level.
func InferRisk(text string) RiskLevel {
	switch {
	case criticalRe.MatchString(text):
		return RiskCritical
	case highRe.MatchString(text):
		return RiskHigh
	case readRe.MatchString(text) && !verbRe.MatchString(text):
		return RiskLow
	default:
		return RiskMedium
	}
}
