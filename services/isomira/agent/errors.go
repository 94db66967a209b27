// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"errors"
	"fmt"
)

// Sentinel errors for the agent package.
var (
	// ErrInvalidTransition indicates a transition missing from the table.
	ErrInvalidTransition = errors.New("invalid phase transition")

	// ErrSteering indicates the steering files could not be loaded.
	ErrSteering = errors.New("steering files unavailable")

	// ErrPlanUnparseable indicates the first plan could not be parsed.
	ErrPlanUnparseable = errors.New("plan phase produced unparseable output")

	// ErrPlanIncomplete indicates the first plan lacks tests or entries.
	ErrPlanIncomplete = errors.New("plan phase produced an incomplete plan")

	// ErrModelCall indicates the model call failed fatally.
	ErrModelCall = errors.New("model call failed")

	// ErrKnowledgeGap indicates the knowledge-gap amendment was refused.
	ErrKnowledgeGap = errors.New("knowledge gap needs manual review")

	// ErrWorkspace indicates the workspace could not be written.
	ErrWorkspace = errors.New("workspace write failed")

	// ErrIterationLimit indicates the configured iteration cap was reached.
	ErrIterationLimit = errors.New("iteration limit reached")

	// ErrMissingDependency indicates NewLoop was given a nil collaborator.
	ErrMissingDependency = errors.New("missing loop dependency")
)

// HaltKind classifies a halt.
type HaltKind string

const (
	HaltSteering     HaltKind = "steering"
	HaltPlan         HaltKind = "plan"
	HaltModel        HaltKind = "model"
	HaltKnowledgeGap HaltKind = "knowledge_gap"
	HaltWorkspace    HaltKind = "workspace"
	HaltLimit        HaltKind = "limit"
)

// HaltError stops the loop in the HALTED phase.
//
// Description:
//
//	Carries everything the CLI prints for a human: the reason, and for
//	knowledge-gap halts the consultant's diagnosis and the assertion
//	lines that led to it. Signals is the notification tier.
type HaltError struct {
	Kind      HaltKind
	Reason    string
	Diagnosis string
	Evidence  []string
	Signals   int
	Err       error
}

// Error implements error.
func (e *HaltError) Error() string {
	return fmt.Sprintf("halted (%s): %s", e.Kind, e.Reason)
}

// Unwrap returns the sentinel.
func (e *HaltError) Unwrap() error {
	return e.Err
}

func halt(kind HaltKind, err error, format string, args ...any) *HaltError {
	return &HaltError{
		Kind:    kind,
		Reason:  fmt.Sprintf(format, args...),
		Signals: 1,
		Err:     err,
	}
}
