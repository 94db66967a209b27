// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package steering

import (
	"strings"
)

const (
	// CharsPerToken is the rough estimate used for budgeting. It
	// over-counts for prose so budgets are hit early rather than late.
	CharsPerToken = 3

	// ReservedTokens is kept free of prompt text in every budget.
	ReservedTokens = 500

	// TruncationMarker ends a truncated tail.
	TruncationMarker = "\n\n[...truncated to fit context window...]"
)

// EstimateTokens returns the approximate token count of text.
func EstimateTokens(text string) int {
	return len(text) / CharsPerToken
}

// Prompt is a model prompt split into its never-truncated steering part
// and a truncatable tail.
type Prompt struct {
	System   string
	Steering string
	Tail     []string
}

// Render assembles the system and user prompts within maxTokens.
//
// Description:
//
//	The steering part and the system prompt are always kept whole. If the
//	total exceeds maxTokens, the tail is cut to the remaining budget minus
//	ReservedTokens and TruncationMarker is appended.
//
// Outputs:
//
//	system - The system prompt.
//	user - Steering part followed by the (possibly truncated) tail.
//	truncated - True when the tail was cut.
func (p Prompt) Render(maxTokens int) (system, user string, truncated bool) {
	parts := make([]string, 0, len(p.Tail))
	for _, part := range p.Tail {
		if part != "" {
			parts = append(parts, part)
		}
	}
	tail := strings.Join(parts, "\n\n")
	full := join(p.Steering, tail)
	if maxTokens <= 0 || EstimateTokens(p.System+full) <= maxTokens {
		return p.System, full, false
	}

	available := maxTokens - EstimateTokens(p.System) - EstimateTokens(p.Steering) - ReservedTokens
	maxChars := available * CharsPerToken
	if maxChars < 0 {
		maxChars = 0
	}
	if len(tail) > maxChars {
		tail = tail[:maxChars] + TruncationMarker
		truncated = true
	}
	return p.System, join(p.Steering, tail), truncated
}

func join(steering, tail string) string {
	switch {
	case steering == "":
		return tail
	case tail == "":
		return steering
	default:
		return steering + "\n\n" + tail
	}
}

// Section formats a titled prompt section.
func Section(title, body string) string {
	return "---\n## " + title + "\n" + body
}

// CodeSection formats a titled prompt section with a fenced body.
func CodeSection(title, body string) string {
	return Section(title, "```\n"+body+"\n```")
}

// FilesSection formats file contents under a title.
func FilesSection(title string, files []File) string {
	if len(files) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("---\n## ")
	sb.WriteString(title)
	for _, f := range files {
		sb.WriteString("\n\n### ")
		sb.WriteString(f.Path)
		sb.WriteString("\n```\n")
		sb.WriteString(f.Content)
		sb.WriteString("\n```")
	}
	return sb.String()
}
