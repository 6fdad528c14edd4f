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
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/alicoding/studio-ai-sub007/pkg/types"
)

// DefaultBatchConcurrency bounds simultaneous batch messages.
const DefaultBatchConcurrency = 2

// WaitStrategy selects when a batch call returns.
type WaitStrategy string

const (
	// WaitAll waits for every message to terminate.
	WaitAll WaitStrategy = "all"
	// WaitAny returns on the first success and cancels pending work.
	WaitAny WaitStrategy = "any"
	// WaitNone dispatches asynchronously and returns immediately.
	WaitNone WaitStrategy = "none"
)

// BatchMessage is one entry in a batch request. Dependencies name
// sibling message ids that must succeed before this one dispatches.
type BatchMessage struct {
	ID              string        `json:"id"`
	TargetAgentID   string        `json:"targetAgentId"`
	TargetProjectID string        `json:"targetProjectId,omitempty"`
	Content         string        `json:"content"`
	Dependencies    []string      `json:"dependencies,omitempty"`
	Timeout         time.Duration `json:"timeout,omitempty"`
}

// Batch entry statuses.
const (
	BatchPending = "pending"
	BatchSuccess = "success"
	BatchFailed  = "failed"
	BatchAborted = "aborted"
)

// BatchEntry is the outcome of one batch message.
type BatchEntry struct {
	Status   string        `json:"status"`
	Response string        `json:"response,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// BatchResult is the outcome of a whole batch.
type BatchResult struct {
	BatchID  string                 `json:"batchId"`
	Strategy WaitStrategy           `json:"waitStrategy"`
	Results  map[string]*BatchEntry `json:"results"`
	Duration time.Duration          `json:"duration"`
}

// BatchOptions tunes a batch call.
type BatchOptions struct {
	Strategy    WaitStrategy
	Concurrency int
	// Timeout applies per message unless the message carries its own.
	Timeout   time.Duration
	FromID    string
	ProjectID string
}

// batchRun is one in-flight batch, kept until it terminates so it can
// be aborted by id.
type batchRun struct {
	cancel context.CancelFunc

	mu      sync.Mutex
	result  *BatchResult
	active  map[string]string // message id -> target agent id
	aborted bool
	done    bool
}

type batchSet struct {
	mu   sync.Mutex
	runs map[string]*batchRun
}

func newBatchSet() *batchSet {
	return &batchSet{runs: make(map[string]*batchRun)}
}

func (s *batchSet) add(id string, run *batchRun) {
	s.mu.Lock()
	s.runs[id] = run
	s.mu.Unlock()
}

func (s *batchSet) get(id string) (*batchRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	return run, ok
}

// Batch validates the dependency DAG and executes the messages in
// topological order under the concurrency limit.
func (r *Router) Batch(ctx context.Context, messages []BatchMessage, opts BatchOptions) (*BatchResult, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: batch is empty", types.ErrValidation)
	}
	if opts.Strategy == "" {
		opts.Strategy = WaitAll
	}
	switch opts.Strategy {
	case WaitAll, WaitAny, WaitNone:
	default:
		return nil, fmt.Errorf("%w: unknown wait strategy %q", types.ErrValidation, opts.Strategy)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultBatchConcurrency
	}

	byID := make(map[string]*BatchMessage, len(messages))
	for i := range messages {
		msg := &messages[i]
		if msg.ID == "" {
			msg.ID = uuid.New().String()
		}
		if _, dup := byID[msg.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate batch message id %q", types.ErrValidation, msg.ID)
		}
		byID[msg.ID] = msg
	}
	for _, msg := range byID {
		for _, dep := range msg.Dependencies {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("%w: message %q depends on unknown id %q", types.ErrValidation, msg.ID, dep)
			}
		}
	}
	if cycle := findCycle(byID); len(cycle) > 0 {
		return nil, fmt.Errorf("%w: circular dependencies: %s", types.ErrValidation, strings.Join(cycle, " → "))
	}

	batchID := uuid.New().String()
	result := &BatchResult{
		BatchID:  batchID,
		Strategy: opts.Strategy,
		Results:  make(map[string]*BatchEntry, len(messages)),
	}
	for id := range byID {
		result.Results[id] = &BatchEntry{Status: BatchPending}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &batchRun{cancel: cancel, result: result, active: make(map[string]string)}
	r.batches.add(batchID, run)

	if opts.Strategy == WaitNone {
		// Fire-and-forget: every message counts as dispatched.
		for id := range result.Results {
			result.Results[id].Status = BatchSuccess
		}
		snap := run.snapshot()
		go func() {
			defer cancel()
			r.executeBatch(runCtx, run, byID, opts, nil)
		}()
		return snap, nil
	}

	firstSuccess := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer cancel()
		defer close(done)
		r.executeBatch(runCtx, run, byID, opts, firstSuccess)
	}()

	start := time.Now()
	finish := func() *BatchResult {
		snap := run.snapshot()
		snap.Duration = time.Since(start)
		run.mu.Lock()
		run.result.Duration = snap.Duration
		run.mu.Unlock()
		return snap
	}

	if opts.Strategy == WaitAny {
		select {
		case <-firstSuccess:
			// Cancel pending work best-effort; collected results stand.
			cancel()
		case <-done:
		case <-ctx.Done():
			cancel()
		}
		return finish(), nil
	}

	select {
	case <-done:
	case <-ctx.Done():
		cancel()
	}
	return finish(), nil
}

// snapshot deep-copies the result so callers never race the executor.
func (run *batchRun) snapshot() *BatchResult {
	run.mu.Lock()
	defer run.mu.Unlock()
	cp := &BatchResult{
		BatchID:  run.result.BatchID,
		Strategy: run.result.Strategy,
		Duration: run.result.Duration,
		Results:  make(map[string]*BatchEntry, len(run.result.Results)),
	}
	for id, entry := range run.result.Results {
		e := *entry
		cp.Results[id] = &e
	}
	return cp
}

// executeBatch runs messages in dependency order. A message dispatches
// once every dependency succeeded; a failed or aborted dependency
// fails its dependants transitively.
func (r *Router) executeBatch(ctx context.Context, run *batchRun, byID map[string]*BatchMessage, opts BatchOptions, firstSuccess chan<- struct{}) {
	sem := semaphore.NewWeighted(int64(opts.Concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex
	status := make(map[string]string, len(byID))
	for id := range byID {
		status[id] = BatchPending
	}

	var schedule func()
	running := make(map[string]bool)

	dispatch := func(msg *BatchMessage) {
		defer wg.Done()
		defer schedule()

		if err := sem.Acquire(ctx, 1); err != nil {
			r.finishEntry(run, msg.ID, BatchAborted, "", "batch aborted")
			mu.Lock()
			status[msg.ID] = BatchAborted
			delete(running, msg.ID)
			mu.Unlock()
			return
		}
		defer sem.Release(1)

		run.mu.Lock()
		run.active[msg.ID] = msg.TargetAgentID
		run.mu.Unlock()
		defer func() {
			run.mu.Lock()
			delete(run.active, msg.ID)
			run.mu.Unlock()
		}()

		start := time.Now()
		response, err := r.routeOne(ctx, Mention{Target: msg.TargetAgentID, Content: msg.Content},
			opts.FromID, opts.ProjectID, RouteOptions{
				Wait:            true,
				Timeout:         messageTimeout(msg, opts),
				TargetProjectID: msg.TargetProjectID,
			})

		entryStatus := BatchSuccess
		errText := ""
		if err != nil {
			entryStatus = BatchFailed
			errText = err.Error()
			if ctx.Err() != nil {
				entryStatus = BatchAborted
				errText = "batch aborted"
			}
		}
		r.finishEntry(run, msg.ID, entryStatus, response, errText)
		run.mu.Lock()
		run.result.Results[msg.ID].Duration = time.Since(start)
		run.mu.Unlock()

		mu.Lock()
		status[msg.ID] = entryStatus
		delete(running, msg.ID)
		mu.Unlock()

		if entryStatus == BatchSuccess && firstSuccess != nil {
			select {
			case firstSuccess <- struct{}{}:
			default:
			}
		}
	}

	schedule = func() {
		mu.Lock()
		defer mu.Unlock()
		for id, msg := range byID {
			if status[id] != BatchPending || running[id] {
				continue
			}
			ready := true
			for _, dep := range msg.Dependencies {
				switch status[dep] {
				case BatchSuccess:
				case BatchFailed, BatchAborted:
					status[id] = BatchFailed
					r.finishEntry(run, id, BatchFailed, "", fmt.Sprintf("dependency %s did not succeed", dep))
					ready = false
				default:
					ready = false
				}
				if !ready {
					break
				}
			}
			if !ready {
				continue
			}
			running[id] = true
			wg.Add(1)
			go dispatch(msg)
		}
	}

	schedule()
	wg.Wait()

	// Failing a dependant may unblock nothing, but it can cascade.
	for {
		before := countPending(status, &mu)
		schedule()
		wg.Wait()
		if countPending(status, &mu) == before {
			break
		}
	}

	run.mu.Lock()
	for id, entry := range run.result.Results {
		if entry.Status == BatchPending {
			aborted := run.aborted || ctx.Err() != nil
			if aborted {
				entry.Status = BatchAborted
				entry.Error = "batch aborted"
			} else {
				entry.Status = BatchFailed
				if entry.Error == "" {
					entry.Error = fmt.Sprintf("message %s never became eligible", id)
				}
			}
		}
	}
	run.done = true
	run.mu.Unlock()

	r.logger.Info("batch finished", zap.String("batch_id", run.result.BatchID))
}

func countPending(status map[string]string, mu *sync.Mutex) int {
	mu.Lock()
	defer mu.Unlock()
	n := 0
	for _, s := range status {
		if s == BatchPending {
			n++
		}
	}
	return n
}

// finishEntry records a terminal state unless one is already set.
func (r *Router) finishEntry(run *batchRun, id, status, response, errText string) {
	run.mu.Lock()
	defer run.mu.Unlock()
	entry := run.result.Results[id]
	if entry.Status != BatchPending && run.result.Strategy != WaitNone {
		return
	}
	if run.result.Strategy != WaitNone {
		entry.Status = status
	}
	entry.Response = response
	entry.Error = errText
}

func messageTimeout(msg *BatchMessage, opts BatchOptions) time.Duration {
	if msg.Timeout > 0 {
		return msg.Timeout
	}
	return opts.Timeout
}

// AbortBatch cancels every pending message in a batch and interrupts
// running shims. Results already collected are preserved.
func (r *Router) AbortBatch(batchID string) (*BatchResult, error) {
	run, ok := r.batches.get(batchID)
	if !ok {
		return nil, fmt.Errorf("%w: batch %s", types.ErrNotFound, batchID)
	}

	run.mu.Lock()
	run.aborted = true
	alreadyDone := run.done
	targets := make([]string, 0, len(run.active))
	for _, agentID := range run.active {
		targets = append(targets, agentID)
	}
	run.mu.Unlock()

	if !alreadyDone {
		run.cancel()
		if r.aborter != nil {
			for _, agentID := range targets {
				r.aborter.AbortAgent(agentID)
			}
		}
	}

	r.logger.Info("batch aborted", zap.String("batch_id", batchID))
	return run.snapshot(), nil
}

// GetBatch returns a batch's current result.
func (r *Router) GetBatch(batchID string) (*BatchResult, error) {
	run, ok := r.batches.get(batchID)
	if !ok {
		return nil, fmt.Errorf("%w: batch %s", types.ErrNotFound, batchID)
	}
	return run.snapshot(), nil
}

// findCycle returns the ids on a dependency cycle, in walk order with
// the entry id repeated at the end, or nil for acyclic graphs.
func findCycle(byID map[string]*BatchMessage) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(byID))
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		path = append(path, id)
		for _, dep := range byID[id].Dependencies {
			switch color[dep] {
			case gray:
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string{}, path[start:]...), dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return false
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}
