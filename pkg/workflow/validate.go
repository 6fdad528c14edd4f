// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/alicoding/studio-ai-sub007/pkg/types"
)

// Binder resolves step target bindings to agent configurations.
// *project.Store satisfies it.
type Binder interface {
	ResolveRole(ctx context.Context, projectID, role string) (*types.AgentConfig, error)
	Get(ctx context.Context, id string) (*types.AgentConfig, error)
}

// Validate checks a step list before any node runs. It returns
// non-fatal warnings (template references to steps outside the
// declaring step's deps) and fails fast on structural problems. A
// failed validation has no side effects.
func Validate(ctx context.Context, steps []Step, projectID string, binder Binder) ([]string, error) {
	if len(steps) == 0 {
		return nil, validationErr("workflow has no steps")
	}

	byID := make(map[string]*Step, len(steps))
	for i := range steps {
		step := &steps[i]
		if step.ID == "" {
			return nil, validationErr("step %d has no id", i)
		}
		if _, dup := byID[step.ID]; dup {
			return nil, validationErr("duplicate step id %q", step.ID)
		}
		byID[step.ID] = step
	}

	// Target bindings. Only task steps invoke an agent; container and
	// human steps carry no binding.
	for i := range steps {
		step := &steps[i]
		if step.Kind() != StepTask {
			continue
		}
		switch {
		case step.AgentID != "":
			cfg, err := binder.Get(ctx, step.AgentID)
			if err != nil {
				return nil, validationErr("step %q: agent %s not found", step.ID, step.AgentID)
			}
			if cfg.ProjectID != projectID && cfg.ProjectID != types.GlobalProject {
				return nil, validationErr("step %q: agent %s belongs to project %s", step.ID, step.AgentID, cfg.ProjectID)
			}
		case step.Role != "":
			if _, err := binder.ResolveRole(ctx, projectID, step.Role); err != nil {
				return nil, validationErr("step %q: no agent found for role %s", step.ID, step.Role)
			}
		default:
			return nil, validationErr("step %q requires a role or agentId", step.ID)
		}
	}

	// Dependency references.
	for i := range steps {
		step := &steps[i]
		for _, dep := range step.Deps {
			if dep == step.ID {
				return nil, validationErr("step %q depends on itself", step.ID)
			}
			if _, ok := byID[dep]; !ok {
				return nil, validationErr("step %q depends on unknown step %q", step.ID, dep)
			}
		}
		for _, child := range append(append([]string{}, step.ParallelSteps...), step.LoopSteps...) {
			if _, ok := byID[child]; !ok {
				return nil, validationErr("step %q references unknown step %q", step.ID, child)
			}
		}
		for _, branch := range []string{step.TrueBranch, step.FalseBranch} {
			if branch != "" {
				if _, ok := byID[branch]; !ok {
					return nil, validationErr("step %q routes to unknown step %q", step.ID, branch)
				}
			}
		}
	}

	if cycle := findCycle(steps); cycle != nil {
		return nil, validationErr("circular dependencies: %s", strings.Join(cycle, " → "))
	}

	// Template references. A reference to a step that does not exist is
	// an error; a reference outside the declaring step's deps only
	// warns, since the output may still be present at run time.
	var warnings []string
	for i := range steps {
		step := &steps[i]
		deps := make(map[string]bool, len(step.Deps))
		for _, dep := range step.Deps {
			deps[dep] = true
		}
		for _, ref := range ExtractRefs(step.Task + " " + step.Prompt) {
			if ref.StepID == step.LoopVar && step.LoopVar != "" {
				continue
			}
			if _, ok := byID[ref.StepID]; !ok {
				if isLoopVar(steps, ref.StepID) {
					continue
				}
				return nil, validationErr("step %q references unknown step %q in template %s", step.ID, ref.StepID, ref.Raw)
			}
			if ref.StepID != step.ID && !deps[ref.StepID] {
				warnings = append(warnings,
					fmt.Sprintf("step %q uses %s but does not declare %q as a dependency", step.ID, ref.Raw, ref.StepID))
			}
		}
	}
	return warnings, nil
}

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: Agent configuration validation failed: %s",
		types.ErrValidation, fmt.Sprintf(format, args...))
}

// isLoopVar reports whether name is bound as a loop variable anywhere
// in the workflow.
func isLoopVar(steps []Step, name string) bool {
	for i := range steps {
		if steps[i].Kind() == StepLoop && steps[i].LoopVar == name {
			return true
		}
	}
	return false
}

// findCycle runs a colouring DFS over the deps edges and returns the
// participating ids with the entry repeated at the end, or nil when
// the graph is acyclic. Roots are visited in sorted order so the
// reported cycle is deterministic.
func findCycle(steps []Step) []string {
	deps := make(map[string][]string, len(steps))
	ids := make([]string, 0, len(steps))
	for i := range steps {
		deps[steps[i].ID] = steps[i].Deps
		ids = append(ids, steps[i].ID)
	}
	sort.Strings(ids)

	const (
		white = 0
		gray  = 1
		black = 2
	)
	colour := make(map[string]int, len(steps))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		colour[id] = gray
		path = append(path, id)
		for _, dep := range deps[id] {
			switch colour[dep] {
			case gray:
				for i, p := range path {
					if p == dep {
						return append(append([]string{}, path[i:]...), dep)
					}
				}
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		colour[id] = black
		path = path[:len(path)-1]
		return nil
	}

	for _, id := range ids {
		if colour[id] == white {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
