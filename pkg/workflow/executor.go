// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/alicoding/studio-ai-sub007/internal/pubsub"
	"github.com/alicoding/studio-ai-sub007/pkg/approval"
	"github.com/alicoding/studio-ai-sub007/pkg/events"
	"github.com/alicoding/studio-ai-sub007/pkg/types"
)

// DefaultConcurrency bounds how many eligible steps run at once.
const DefaultConcurrency = 5

// DefaultMockDelay is how long mock mode pretends to wait for a human.
const DefaultMockDelay = 2 * time.Second

// TaskRunner executes one prompt against a bound agent and returns the
// response and the (possibly new) session id. *project.Manager
// satisfies it.
type TaskRunner interface {
	RunTask(ctx context.Context, cfg *types.AgentConfig, projectID, prompt, sessionID string) (string, string, error)
}

// Approver is the slice of the approval orchestrator human nodes need.
type Approver interface {
	CreateApproval(ctx context.Context, req approval.Request) (*approval.Approval, error)
	WaitForDecision(ctx context.Context, id string, timeoutSeconds int, behavior approval.TimeoutBehavior) (bool, error)
}

// Config configures an Orchestrator.
type Config struct {
	Store    *CheckpointStore
	Binder   Binder
	Runner   TaskRunner
	Approver Approver

	// Bus carries workflow:update events. Optional.
	Bus *pubsub.Broker[events.WorkflowEvent]

	// Concurrency bounds simultaneously running steps. Defaults to
	// DefaultConcurrency.
	Concurrency int

	// MockApprovals short-circuits human steps to auto-approve after
	// MockDelay instead of creating real approval records.
	MockApprovals bool
	MockDelay     time.Duration

	Logger *zap.Logger
}

// Result is the terminal outcome of an Execute or resume call.
type Result struct {
	Success  bool     `json:"success"`
	ThreadID string   `json:"threadId"`
	Status   string   `json:"status"`
	State    *State   `json:"state,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Orchestrator builds executable graphs from step lists and runs them
// with durable checkpointing.
type Orchestrator struct {
	store       *CheckpointStore
	binder      Binder
	runner      TaskRunner
	approver    Approver
	bus         *pubsub.Broker[events.WorkflowEvent]
	concurrency int
	mock        bool
	mockDelay   time.Duration
	logger      *zap.Logger

	mu   sync.Mutex
	runs map[string]*run
}

// run is the in-flight bookkeeping for one executing thread.
type run struct {
	state  *State
	cancel context.CancelFunc

	// mu guards state. Node goroutines take it for every read and
	// write so parallel children observe whole records or none.
	mu sync.Mutex
}

// New creates a workflow orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: checkpoint store is required", types.ErrValidation)
	}
	if cfg.Binder == nil {
		return nil, fmt.Errorf("%w: binder is required", types.ErrValidation)
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("%w: task runner is required", types.ErrValidation)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MockDelay <= 0 {
		cfg.MockDelay = DefaultMockDelay
	}
	return &Orchestrator{
		store:       cfg.Store,
		binder:      cfg.Binder,
		runner:      cfg.Runner,
		approver:    cfg.Approver,
		bus:         cfg.Bus,
		concurrency: cfg.Concurrency,
		mock:        cfg.MockApprovals,
		mockDelay:   cfg.MockDelay,
		logger:      cfg.Logger,
	}, nil
}

// Execute validates the steps and runs the workflow to completion.
// Validation failures return an error and leave no state behind.
func (o *Orchestrator) Execute(ctx context.Context, threadID, projectID string, steps []Step) (*Result, error) {
	if threadID == "" {
		return nil, fmt.Errorf("%w: threadId is required", types.ErrValidation)
	}
	warnings, err := Validate(ctx, steps, projectID, o.binder)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		o.logger.Warn("workflow validation warning", zap.String("thread_id", threadID), zap.String("warning", w))
	}

	state := NewState(threadID, projectID, steps)
	res := o.execute(ctx, state)
	res.Warnings = warnings
	return res, nil
}

// Cancel aborts a running thread. It reports whether the thread was
// running.
func (o *Orchestrator) Cancel(threadID string) bool {
	o.mu.Lock()
	r, ok := o.runs[threadID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	r.cancel()
	return true
}

// execute drives the dependency scheduler for one state.
func (o *Orchestrator) execute(ctx context.Context, state *State) *Result {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{state: state, cancel: cancel}
	o.mu.Lock()
	if o.runs == nil {
		o.runs = make(map[string]*run)
	}
	o.runs[state.ThreadID] = r
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.runs, state.ThreadID)
		o.mu.Unlock()
	}()

	o.logger.Info("workflow started",
		zap.String("thread_id", state.ThreadID),
		zap.String("project_id", state.ProjectID),
		zap.Int("steps", len(state.Steps)))
	o.emitGraph(r)

	children := childSteps(state.Steps)
	for {
		if runCtx.Err() != nil {
			return o.finishCancelled(r)
		}

		eligible, pending := o.schedulable(r, children)
		if len(eligible) == 0 {
			if pending == 0 {
				break
			}
			// Remaining steps are blocked on failed or skipped deps.
			if o.skipBlocked(r, children) == 0 {
				break
			}
			continue
		}

		var g errgroup.Group
		g.SetLimit(o.concurrency)
		for _, step := range eligible {
			step := step
			g.Go(func() error {
				o.executeStep(runCtx, r, step)
				return nil
			})
		}
		g.Wait()
	}

	if runCtx.Err() != nil {
		return o.finishCancelled(r)
	}
	return o.finish(r)
}

// schedulable returns top-level steps whose deps are all terminal
// success and which have no result yet, plus how many remain pending.
func (o *Orchestrator) schedulable(r *run, children map[string]bool) ([]*Step, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var eligible []*Step
	pending := 0
	for i := range r.state.Steps {
		step := &r.state.Steps[i]
		if children[step.ID] {
			continue
		}
		if _, done := r.state.StepResults[step.ID]; done {
			continue
		}
		pending++
		ready := true
		for _, dep := range step.Deps {
			if res, ok := r.state.StepResults[dep]; !ok || res.Status != StatusSuccess {
				ready = false
				break
			}
		}
		if ready {
			eligible = append(eligible, step)
		}
	}
	return eligible, pending
}

// skipBlocked marks every pending top-level step with a failed or
// skipped dependency as skipped and returns how many were marked.
func (o *Orchestrator) skipBlocked(r *run, children map[string]bool) int {
	r.mu.Lock()
	marked := 0
	for i := range r.state.Steps {
		step := &r.state.Steps[i]
		if children[step.ID] {
			continue
		}
		if _, done := r.state.StepResults[step.ID]; done {
			continue
		}
		for _, dep := range step.Deps {
			if res, ok := r.state.StepResults[dep]; ok && res.Status != StatusSuccess {
				r.state.StepResults[step.ID] = &StepResult{
					Status:   StatusSkipped,
					Response: fmt.Sprintf("skipped: dependency %s did not succeed", dep),
				}
				marked++
				break
			}
		}
	}
	r.mu.Unlock()

	if marked > 0 {
		o.checkpoint(r)
		o.emitGraph(r)
	}
	return marked
}

// childSteps collects ids referenced as children of container steps;
// those never run from the top-level scheduler.
func childSteps(steps []Step) map[string]bool {
	children := make(map[string]bool)
	for i := range steps {
		step := &steps[i]
		for _, id := range step.ParallelSteps {
			children[id] = true
		}
		for _, id := range step.LoopSteps {
			children[id] = true
		}
		if step.TrueBranch != "" {
			children[step.TrueBranch] = true
		}
		if step.FalseBranch != "" {
			children[step.FalseBranch] = true
		}
	}
	return children
}

// executeStep dispatches one step to its node implementation, records
// the result, checkpoints, and emits events. Nothing is recorded once
// the run is cancelled.
func (o *Orchestrator) executeStep(ctx context.Context, r *run, step *Step) *StepResult {
	o.emit(r, events.StepStart, step.ID, "", "")
	start := time.Now()

	var res *StepResult
	switch step.Kind() {
	case StepTask:
		res = o.runTask(ctx, r, step)
	case StepParallel:
		res = o.runParallel(ctx, r, step)
	case StepLoop:
		res = o.runLoop(ctx, r, step)
	case StepConditional:
		res = o.runConditional(ctx, r, step)
	case StepHuman:
		res = o.runHuman(ctx, r, step)
	default:
		res = &StepResult{Status: StatusFailed, Response: fmt.Sprintf("unknown step type %q", step.Type)}
	}
	res.Duration = time.Since(start).Milliseconds()

	if ctx.Err() != nil {
		return res
	}
	o.record(r, step.ID, res)
	return res
}

// record stores a step result, checkpoints the state, and emits the
// completion event.
func (o *Orchestrator) record(r *run, stepID string, res *StepResult) {
	r.mu.Lock()
	r.state.StepResults[stepID] = res
	if res.Status == StatusSuccess && res.Response != "" {
		r.state.StepOutputs[stepID] = res.Response
	}
	if res.SessionID != "" {
		r.state.SessionIDs[stepID] = res.SessionID
	}
	r.mu.Unlock()

	o.checkpoint(r)
	event := events.StepComplete
	if res.Status == StatusFailed {
		event = events.StepFailed
	}
	o.emit(r, event, stepID, res.SessionID, res.Status)
	o.emitGraph(r)
}

func (o *Orchestrator) runTask(ctx context.Context, r *run, step *Step) *StepResult {
	r.mu.Lock()
	prompt := Substitute(step.Task, r.state)
	sessionID := r.state.SessionIDs[step.ID]
	projectID := r.state.ProjectID
	r.mu.Unlock()

	cfg, err := o.bind(ctx, step, projectID)
	if err != nil {
		return &StepResult{Status: StatusFailed, Response: err.Error()}
	}

	response, session, err := o.runner.RunTask(ctx, cfg, projectID, prompt, sessionID)
	if err != nil {
		return &StepResult{Status: StatusFailed, Response: err.Error(), SessionID: session}
	}
	return &StepResult{Status: StatusSuccess, Response: response, SessionID: session}
}

// bind resolves the step's agent binding: explicit agentId first, then
// role resolution with project scope and global fallback.
func (o *Orchestrator) bind(ctx context.Context, step *Step, projectID string) (*types.AgentConfig, error) {
	if step.AgentID != "" {
		return o.binder.Get(ctx, step.AgentID)
	}
	return o.binder.ResolveRole(ctx, projectID, step.Role)
}

func (o *Orchestrator) runParallel(ctx context.Context, r *run, step *Step) *StepResult {
	var g errgroup.Group
	g.SetLimit(o.concurrency)

	succeeded := 0
	var mu sync.Mutex
	for _, childID := range step.ParallelSteps {
		r.mu.Lock()
		child, ok := r.state.step(childID)
		r.mu.Unlock()
		if !ok {
			continue
		}
		g.Go(func() error {
			res := o.executeStep(ctx, r, child)
			if res.Status == StatusSuccess {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	total := len(step.ParallelSteps)
	if succeeded != total {
		return &StepResult{
			Status:   StatusFailed,
			Response: fmt.Sprintf("%d of %d parallel steps succeeded", succeeded, total),
		}
	}
	return &StepResult{
		Status:   StatusSuccess,
		Response: fmt.Sprintf("all %d parallel steps succeeded", total),
	}
}

func (o *Orchestrator) runLoop(ctx context.Context, r *run, step *Step) *StepResult {
	items := step.Items
	if step.MaxIterations > 0 && step.MaxIterations < len(items) {
		items = items[:step.MaxIterations]
	}

	failures := 0
	for _, item := range items {
		for _, childID := range step.LoopSteps {
			r.mu.Lock()
			child, ok := r.state.step(childID)
			r.mu.Unlock()
			if !ok {
				continue
			}
			if ctx.Err() != nil {
				return &StepResult{Status: StatusFailed, Response: "loop cancelled"}
			}

			iteration := *child
			iteration.ID = fmt.Sprintf("%s_%s_%s", childID, step.LoopVar, item)
			iteration.Task = substituteLoopVar(child.Task, step.LoopVar, item)
			iteration.Prompt = substituteLoopVar(child.Prompt, step.LoopVar, item)

			if res := o.executeStep(ctx, r, &iteration); res.Status != StatusSuccess {
				failures++
			}
		}
	}

	if failures > 0 {
		return &StepResult{
			Status:   StatusFailed,
			Response: fmt.Sprintf("%d loop iteration steps failed", failures),
		}
	}
	return &StepResult{
		Status:   StatusSuccess,
		Response: fmt.Sprintf("loop completed %d iterations", len(items)),
	}
}

func (o *Orchestrator) runConditional(ctx context.Context, r *run, step *Step) *StepResult {
	r.mu.Lock()
	ok, err := step.Condition.Evaluate(r.state)
	r.mu.Unlock()
	if err != nil {
		return &StepResult{Status: StatusFailed, Response: err.Error()}
	}

	branchName, branchID := "trueBranch", step.TrueBranch
	if !ok {
		branchName, branchID = "falseBranch", step.FalseBranch
	}
	if branchID == "" {
		return &StepResult{Status: StatusSuccess, Response: fmt.Sprintf("skipped (%s)", branchName)}
	}

	r.mu.Lock()
	branch, found := r.state.step(branchID)
	r.mu.Unlock()
	if !found {
		return &StepResult{Status: StatusFailed, Response: fmt.Sprintf("branch step %q not found", branchID)}
	}

	res := o.executeStep(ctx, r, branch)
	if res.Status != StatusSuccess {
		return &StepResult{Status: StatusFailed, Response: fmt.Sprintf("executed %s (%s): %s", branchName, branchID, res.Status)}
	}
	return &StepResult{Status: StatusSuccess, Response: fmt.Sprintf("executed %s (%s)", branchName, branchID)}
}

func (o *Orchestrator) runHuman(ctx context.Context, r *run, step *Step) *StepResult {
	if o.mock {
		select {
		case <-time.After(o.mockDelay):
			return &StepResult{Status: StatusSuccess, Response: "Human approval granted"}
		case <-ctx.Done():
			return &StepResult{Status: StatusFailed, Response: "Human approval cancelled"}
		}
	}
	if o.approver == nil {
		return &StepResult{Status: StatusFailed, Response: "no approval orchestrator configured"}
	}

	r.mu.Lock()
	prompt := Substitute(step.Prompt, r.state)
	contextData := make(map[string]any, len(r.state.StepOutputs))
	for id, out := range r.state.StepOutputs {
		contextData[id] = out
	}
	threadID, projectID := r.state.ThreadID, r.state.ProjectID
	r.mu.Unlock()

	a, err := o.approver.CreateApproval(ctx, approval.Request{
		ThreadID:                threadID,
		StepID:                  step.ID,
		ProjectID:               projectID,
		Prompt:                  prompt,
		ContextData:             contextData,
		RiskLevel:               step.RiskLevel,
		TaskText:                step.Task,
		TimeoutSeconds:          step.TimeoutSeconds,
		ApprovalRequired:        true,
		AutoApproveAfterTimeout: step.TimeoutBehavior == approval.TimeoutAutoApprove,
	})
	if err != nil {
		return &StepResult{Status: StatusFailed, Response: err.Error()}
	}

	// Notifications record the prompt but never block the run.
	if step.InteractionType == "notification" {
		return &StepResult{Status: StatusSuccess, Response: "Notification sent"}
	}

	approved, err := o.approver.WaitForDecision(ctx, a.ID, step.TimeoutSeconds, step.TimeoutBehavior)
	if err != nil {
		return &StepResult{Status: StatusFailed, Response: err.Error()}
	}
	if !approved {
		return &StepResult{Status: StatusFailed, Response: "Human approval rejected"}
	}
	return &StepResult{Status: StatusSuccess, Response: "Human approval granted"}
}

// finish settles the terminal status once every top-level step has a
// result.
func (o *Orchestrator) finish(r *run) *Result {
	r.mu.Lock()
	children := childSteps(r.state.Steps)
	failed := false
	for i := range r.state.Steps {
		step := &r.state.Steps[i]
		if children[step.ID] {
			continue
		}
		if res, ok := r.state.StepResults[step.ID]; !ok || res.Status != StatusSuccess {
			failed = true
			break
		}
	}
	if failed {
		r.state.Status = RunFailed
	} else {
		r.state.Status = RunCompleted
	}
	status := r.state.Status
	r.mu.Unlock()

	o.checkpoint(r)
	event := events.WorkflowComplete
	if failed {
		event = events.WorkflowFailed
	}
	o.emit(r, event, "", "", status)
	o.emitGraph(r)

	o.logger.Info("workflow finished",
		zap.String("thread_id", r.state.ThreadID),
		zap.String("status", status))
	return &Result{Success: !failed, ThreadID: r.state.ThreadID, Status: status, State: r.state}
}

// finishCancelled checkpoints the cancelled status and reports the
// failure with reason cancelled. No step events follow.
func (o *Orchestrator) finishCancelled(r *run) *Result {
	r.mu.Lock()
	r.state.Status = RunCancelled
	r.mu.Unlock()

	o.checkpoint(r)
	o.emit(r, events.WorkflowFailed, "", "", RunCancelled)

	o.logger.Info("workflow cancelled", zap.String("thread_id", r.state.ThreadID))
	return &Result{ThreadID: r.state.ThreadID, Status: RunCancelled, State: r.state, Error: "cancelled"}
}

// GetCurrentState returns the latest checkpointed state for a thread.
func (o *Orchestrator) GetCurrentState(ctx context.Context, threadID string, steps []Step) (*State, error) {
	cp, err := o.store.Latest(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if err := compatible(steps, cp.State); err != nil {
		return nil, err
	}
	return cp.State, nil
}

// GetStateHistory returns the full checkpoint list for a thread.
func (o *Orchestrator) GetStateHistory(ctx context.Context, threadID string, steps []Step) ([]*Checkpoint, error) {
	history, err := o.store.History(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if len(history) > 0 {
		if err := compatible(steps, history[len(history)-1].State); err != nil {
			return nil, err
		}
	}
	return history, nil
}

// GetCheckpoint returns a point-in-time state read.
func (o *Orchestrator) GetCheckpoint(ctx context.Context, threadID string, checkpointID int64, steps []Step) (*Checkpoint, error) {
	cp, err := o.store.Get(ctx, threadID, checkpointID)
	if err != nil {
		return nil, err
	}
	if err := compatible(steps, cp.State); err != nil {
		return nil, err
	}
	return cp, nil
}

// ResumeWorkflow re-invokes the graph from the latest checkpoint.
// Completed steps keep their results; anything that was in flight
// restarts from scratch.
func (o *Orchestrator) ResumeWorkflow(ctx context.Context, threadID string, steps []Step, projectID string) (*Result, error) {
	cp, err := o.store.Latest(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return o.resume(ctx, cp, steps, projectID)
}

// ResumeFromCheckpoint restarts from an earlier point, discarding any
// later checkpoints.
func (o *Orchestrator) ResumeFromCheckpoint(ctx context.Context, threadID string, checkpointID int64, steps []Step, projectID string) (*Result, error) {
	cp, err := o.store.Get(ctx, threadID, checkpointID)
	if err != nil {
		return nil, err
	}
	if err := o.store.DeleteAfter(ctx, threadID, checkpointID); err != nil {
		return nil, err
	}
	return o.resume(ctx, cp, steps, projectID)
}

func (o *Orchestrator) resume(ctx context.Context, cp *Checkpoint, steps []Step, projectID string) (*Result, error) {
	if err := compatible(steps, cp.State); err != nil {
		return nil, err
	}

	state := cp.State
	state.Status = RunRunning
	state.Steps = steps
	if projectID != "" {
		state.ProjectID = projectID
	}
	if state.StepResults == nil {
		state.StepResults = make(map[string]*StepResult)
	}
	// Only terminal successes survive a resume; failed, skipped, and
	// in-flight nodes restart from scratch.
	for id, res := range state.StepResults {
		if res.Status != StatusSuccess {
			delete(state.StepResults, id)
		}
	}
	if state.StepOutputs == nil {
		state.StepOutputs = make(map[string]string)
	}
	if state.SessionIDs == nil {
		state.SessionIDs = make(map[string]string)
	}

	o.logger.Info("workflow resumed",
		zap.String("thread_id", state.ThreadID),
		zap.Int64("checkpoint_id", cp.ID),
		zap.Int("completed_steps", len(state.StepResults)))
	return o.execute(ctx, state), nil
}

// ErrIncompatible is returned when a resume is attempted with a step
// list that no longer matches the checkpointed graph.
var ErrIncompatible = errors.New("incompatible workflow definition")

// compatible verifies the step list matches the checkpointed graph:
// same ids, same deps, same types.
func compatible(steps []Step, state *State) error {
	if len(steps) != len(state.Steps) {
		return ErrIncompatible
	}
	old := make(map[string]*Step, len(state.Steps))
	for i := range state.Steps {
		old[state.Steps[i].ID] = &state.Steps[i]
	}
	for i := range steps {
		step := &steps[i]
		prev, ok := old[step.ID]
		if !ok || prev.Kind() != step.Kind() || len(prev.Deps) != len(step.Deps) {
			return ErrIncompatible
		}
		deps := make(map[string]bool, len(prev.Deps))
		for _, d := range prev.Deps {
			deps[d] = true
		}
		for _, d := range step.Deps {
			if !deps[d] {
				return ErrIncompatible
			}
		}
	}
	return nil
}

func (o *Orchestrator) checkpoint(r *run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := o.store.Save(context.Background(), r.state); err != nil {
		o.logger.Error("checkpoint write failed",
			zap.String("thread_id", r.state.ThreadID),
			zap.Error(err))
	}
}

func (o *Orchestrator) emit(r *run, typ, stepID, sessionID, status string) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.WorkflowEvent{
		Name:      events.WorkflowUpdate,
		Type:      typ,
		ThreadID:  r.state.ThreadID,
		StepID:    stepID,
		SessionID: sessionID,
		Status:    status,
	})
}

func (o *Orchestrator) emitGraph(r *run) {
	if o.bus == nil {
		return
	}
	r.mu.Lock()
	graph := BuildGraph(r.state)
	r.mu.Unlock()
	o.bus.Publish(events.WorkflowEvent{
		Name:     events.WorkflowUpdate,
		Type:     events.GraphUpdate,
		ThreadID: r.state.ThreadID,
		Graph:    graph,
	})
}
