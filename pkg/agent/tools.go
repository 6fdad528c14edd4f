// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package agent

import "strings"

// canonicalTools maps lowercase tool names to the capitalisation the
// LLM capability expects.
var canonicalTools = map[string]string{
	"bash":      "Bash",
	"read":      "Read",
	"write":     "Write",
	"edit":      "Edit",
	"grep":      "Grep",
	"glob":      "Glob",
	"ls":        "LS",
	"webfetch":  "WebFetch",
	"websearch": "WebSearch",
	"task":      "Task",
}

// NormalizeTool returns the canonical name for a tool. Unknown tools
// get their first letter upper-cased so sloppy configs still work.
func NormalizeTool(name string) string {
	if canonical, ok := canonicalTools[strings.ToLower(name)]; ok {
		return canonical
	}
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

// NormalizeTools maps NormalizeTool over a tool list, dropping empty
// entries.
func NormalizeTools(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		out = append(out, NormalizeTool(name))
	}
	return out
}
