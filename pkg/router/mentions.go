// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package router parses mention tokens out of free text and delivers
// messages to agents: direct, broadcast, and dependency-ordered batch.
package router

import (
	"regexp"
	"strings"
)

// Broadcast targets fan a message out to a whole project.
const (
	TargetAll  = "all"
	TargetTeam = "team"
)

var (
	mentionRe = regexp.MustCompile(`@(\w+)`)
	// simpleRe captures the single-mention form "@target rest of text"
	// where the whole tail belongs to one mention.
	simpleRe = regexp.MustCompile(`^\s*@(\w+)\s*([\s\S]*)$`)
)

// Mention is one parsed mention token with its trailing content.
type Mention struct {
	Target  string `json:"target"`
	Content string `json:"content"`
	Raw     string `json:"raw"`
}

// ParseMentions extracts mentions in insertion order. Each mention's
// content runs up to the next mention or the end of the text. The
// simple form "@target …" is captured as one mention covering the
// whole tail.
func ParseMentions(text string) []Mention {
	locs := mentionRe.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}

	if len(locs) == 1 {
		if m := simpleRe.FindStringSubmatch(text); m != nil {
			return []Mention{{
				Target:  m[1],
				Content: strings.TrimSpace(m[2]),
				Raw:     strings.TrimSpace(text),
			}}
		}
	}

	mentions := make([]Mention, 0, len(locs))
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		mentions = append(mentions, Mention{
			Target:  text[loc[2]:loc[3]],
			Content: strings.TrimSpace(text[loc[1]:end]),
			Raw:     strings.TrimSpace(text[loc[0]:end]),
		})
	}
	return mentions
}

// HasMentions reports whether the text contains at least one mention.
func HasMentions(text string) bool {
	return mentionRe.MatchString(text)
}

// IsBroadcast reports whether the text's first mention targets the
// whole project.
func IsBroadcast(text string) bool {
	mentions := ParseMentions(text)
	if len(mentions) == 0 {
		return false
	}
	target := strings.ToLower(mentions[0].Target)
	return target == TargetAll || target == TargetTeam
}
