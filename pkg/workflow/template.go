// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package workflow

import (
	"regexp"
	"strings"
)

// templateRe matches {stepId.field} and {stepId} references inside
// task and prompt text.
var templateRe = regexp.MustCompile(`\{([A-Za-z0-9_-]+)(?:\.([A-Za-z]+))?\}`)

// TemplateRef is one {stepId.field} occurrence.
type TemplateRef struct {
	StepID string
	Field  string
	Raw    string
}

// ExtractRefs lists every template reference in text, in order of
// appearance.
func ExtractRefs(text string) []TemplateRef {
	var refs []TemplateRef
	for _, m := range templateRe.FindAllStringSubmatch(text, -1) {
		field := m[2]
		if field == "" {
			field = "output"
		}
		refs = append(refs, TemplateRef{StepID: m[1], Field: field, Raw: m[0]})
	}
	return refs
}

// Substitute resolves every {stepId.field} reference in text against
// the state. Unresolvable references are left verbatim so a missing
// upstream output is visible in the produced prompt rather than
// silently blanked.
func Substitute(text string, state *State) string {
	return templateRe.ReplaceAllStringFunc(text, func(raw string) string {
		m := templateRe.FindStringSubmatch(raw)
		field := m[2]
		if field == "" {
			field = "output"
		}
		if value, ok := lookupField(m[1]+"."+field, state); ok {
			return value
		}
		return raw
	})
}

// substituteLoopVar replaces {loopVar} tokens with the iteration value
// in the copied step's text fields.
func substituteLoopVar(text, loopVar, value string) string {
	return strings.ReplaceAll(text, "{"+loopVar+"}", value)
}
