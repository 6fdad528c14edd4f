// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package workflow

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alicoding/studio-ai-sub007/pkg/types"
)

// LegacyVersion marks a plain string expression condition.
const LegacyVersion = "1.0"

// Condition is either a single rule (Field/Op/Value set), a group of
// rules and nested groups joined by Combinator, or a legacy string
// expression (Version "1.0").
type Condition struct {
	// single-rule shorthand
	Field string `json:"field,omitempty"`
	Op    string `json:"op,omitempty"`
	Value any    `json:"value,omitempty"`

	// group form
	Combinator string          `json:"combinator,omitempty"`
	Rules      []ConditionRule `json:"rules,omitempty"`
	Groups     []Condition     `json:"groups,omitempty"`

	// legacy form
	Version    string `json:"version,omitempty"`
	Expression string `json:"expression,omitempty"`
}

// ConditionRule is one field/operator/value triple.
type ConditionRule struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// Evaluate resolves the condition against the current state.
func (c *Condition) Evaluate(state *State) (bool, error) {
	switch {
	case c == nil:
		return false, fmt.Errorf("%w: condition is empty", types.ErrValidation)
	case c.Version == LegacyVersion || c.Expression != "":
		return evalLegacy(c.Expression, state)
	case c.Field != "":
		return evalRule(ConditionRule{Field: c.Field, Op: c.Op, Value: c.Value}, state)
	default:
		return evalGroup(c, state)
	}
}

func evalGroup(c *Condition, state *State) (bool, error) {
	combinator := strings.ToUpper(c.Combinator)
	if combinator == "" {
		combinator = "AND"
	}
	if combinator != "AND" && combinator != "OR" {
		return false, fmt.Errorf("%w: unknown combinator %q", types.ErrValidation, c.Combinator)
	}
	if len(c.Rules) == 0 && len(c.Groups) == 0 {
		return false, fmt.Errorf("%w: condition group is empty", types.ErrValidation)
	}

	results := make([]bool, 0, len(c.Rules)+len(c.Groups))
	for _, rule := range c.Rules {
		ok, err := evalRule(rule, state)
		if err != nil {
			return false, err
		}
		results = append(results, ok)
	}
	for i := range c.Groups {
		ok, err := c.Groups[i].Evaluate(state)
		if err != nil {
			return false, err
		}
		results = append(results, ok)
	}

	if combinator == "AND" {
		for _, ok := range results {
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}
	for _, ok := range results {
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func evalRule(rule ConditionRule, state *State) (bool, error) {
	value, found := lookupField(rule.Field, state)

	switch rule.Op {
	case "exists":
		return found, nil
	case "eq":
		return compare(value, rule.Value) == 0, nil
	case "neq":
		return compare(value, rule.Value) != 0, nil
	case "lt":
		return compare(value, rule.Value) < 0, nil
	case "le":
		return compare(value, rule.Value) <= 0, nil
	case "gt":
		return compare(value, rule.Value) > 0, nil
	case "ge":
		return compare(value, rule.Value) >= 0, nil
	case "contains":
		return strings.Contains(value, toString(rule.Value)), nil
	case "startsWith":
		return strings.HasPrefix(value, toString(rule.Value)), nil
	case "endsWith":
		return strings.HasSuffix(value, toString(rule.Value)), nil
	case "in":
		return inList(value, rule.Value), nil
	case "notIn":
		return !inList(value, rule.Value), nil
	default:
		return false, fmt.Errorf("%w: unknown condition operator %q", types.ErrValidation, rule.Op)
	}
}

// lookupField addresses state values as "<stepId>.<field>" with fields
// output, response, status, and sessionId. A bare step id reads its
// output.
func lookupField(field string, state *State) (string, bool) {
	stepID, attr, hasAttr := strings.Cut(field, ".")
	if !hasAttr {
		attr = "output"
	}

	switch attr {
	case "output":
		v, ok := state.StepOutputs[stepID]
		return v, ok
	case "response":
		if res, ok := state.StepResults[stepID]; ok {
			return res.Response, true
		}
	case "status":
		if res, ok := state.StepResults[stepID]; ok {
			return res.Status, true
		}
	case "sessionId":
		v, ok := state.SessionIDs[stepID]
		return v, ok
	}
	return "", false
}

// compare compares numerically when both sides parse as numbers,
// lexically otherwise.
func compare(a string, b any) int {
	bs := toString(b)
	af, aerr := strconv.ParseFloat(strings.TrimSpace(a), 64)
	bf, berr := strconv.ParseFloat(strings.TrimSpace(bs), 64)
	if aerr == nil && berr == nil {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, bs)
}

func inList(value string, list any) bool {
	switch v := list.(type) {
	case []any:
		for _, item := range v {
			if toString(item) == value {
				return true
			}
		}
	case []string:
		for _, item := range v {
			if item == value {
				return true
			}
		}
	case string:
		for _, item := range strings.Split(v, ",") {
			if strings.TrimSpace(item) == value {
				return true
			}
		}
	}
	return false
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// evalLegacy parses the v1.0 string form: either a bare field (truthy
// when non-empty) or "<field> <op> <value>" with ==, !=, or contains.
func evalLegacy(expr string, state *State) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, fmt.Errorf("%w: empty legacy condition", types.ErrValidation)
	}

	for _, op := range []string{"==", "!=", " contains "} {
		if left, right, ok := strings.Cut(expr, op); ok {
			value, _ := lookupField(strings.TrimSpace(left), state)
			want := strings.Trim(strings.TrimSpace(right), `'"`)
			switch strings.TrimSpace(op) {
			case "==":
				return value == want, nil
			case "!=":
				return value != want, nil
			default:
				return strings.Contains(value, want), nil
			}
		}
	}

	value, _ := lookupField(expr, state)
	return value != "", nil
}
