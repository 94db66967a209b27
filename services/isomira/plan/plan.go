// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package plan holds the loop's plan model and the tolerant parsers that
// turn free-form model output into it.
//
// Models return wildly varying schemas. Every parser here has a fixed
// fallback instead of failing hard where the caller can continue: key
// aliases for the target path and action, a source-file scan over all
// string values, and an optional fallback path for entries that name
// none.
package plan

import (
	"encoding/json"
	"errors"
)

// Sentinel errors for the plan package.
var (
	// ErrUnparseable indicates no JSON object could be extracted.
	ErrUnparseable = errors.New("could not parse JSON from model output")

	// ErrMissingFields indicates the plan response lacks tests or plan.
	ErrMissingFields = errors.New("plan response missing required keys")

	// ErrEmptyTests indicates the plan response has empty test content.
	ErrEmptyTests = errors.New("plan response has empty test content")

	// ErrNoEntries indicates normalization produced no plan entries.
	ErrNoEntries = errors.New("plan has no valid entries after normalization")
)

// Action is what an entry does to its file.
type Action string

const (
	ActionCreate Action = "create"
	ActionModify Action = "modify"
)

// FunctionSpec describes one function the implementer must write.
type FunctionSpec struct {
	Name      string `json:"name"`
	Signature string `json:"signature,omitempty"`
	Intent    string `json:"pseudocode,omitempty"`
}

// Entry is one file-level step of the plan.
type Entry struct {
	Path        string         `json:"file"`
	Action      Action         `json:"action"`
	Functions   []FunctionSpec `json:"functions"`
	Description string         `json:"description,omitempty"`
	Code        string         `json:"code,omitempty"`
}

// TestSpec is the test file the plan is verified against.
type TestSpec struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// Plan is the loop's single current plan. It is replaced wholesale.
type Plan struct {
	Generation int      `json:"generation"`
	Tests      TestSpec `json:"tests"`
	Entries    []Entry  `json:"plan"`
}

// Paths returns the target path of every entry, de-duplicated, in order.
func (p *Plan) Paths() []string {
	seen := make(map[string]bool, len(p.Entries))
	paths := make([]string, 0, len(p.Entries))
	for _, e := range p.Entries {
		if e.Path == "" || seen[e.Path] {
			continue
		}
		seen[e.Path] = true
		paths = append(paths, e.Path)
	}
	return paths
}

// FirstPath returns the first entry's path, used as a review fallback.
func (p *Plan) FirstPath() string {
	if len(p.Entries) == 0 {
		return ""
	}
	return p.Entries[0].Path
}

// EntriesJSON renders the entries for inclusion in a prompt.
func (p *Plan) EntriesJSON() string {
	data, err := json.MarshalIndent(p.Entries, "", "  ")
	if err != nil {
		return "[]"
	}
	return string(data)
}
