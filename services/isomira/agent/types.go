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
	"github.com/AleutianAI/isomira/services/isomira/escalation"
	"github.com/AleutianAI/isomira/services/isomira/plan"
	"github.com/AleutianAI/isomira/services/isomira/verify"
)

// Phase is a state of the loop's state machine.
type Phase string

const (
	// PhaseInit loads the steering files.
	PhaseInit Phase = "INIT"

	// PhaseSummarize builds the codebase summary. No model call.
	PhaseSummarize Phase = "SUMMARIZE"

	// PhasePlan asks the consultant for tests and a plan.
	PhasePlan Phase = "PLAN"

	// PhaseImplement asks the implementer for file and command blocks.
	PhaseImplement Phase = "IMPLEMENT"

	// PhaseTest runs the verification command.
	PhaseTest Phase = "TEST"

	// PhaseEscalate audits tests, reviews the implementation, or amends
	// Domain Knowledge, depending on the stuck score.
	PhaseEscalate Phase = "ESCALATE"

	// PhaseDone is terminal: verification passed past the exit gate.
	PhaseDone Phase = "DONE"

	// PhaseHalted is terminal: the run stopped and needs a human.
	PhaseHalted Phase = "HALTED"
)

// String returns the phase name.
func (p Phase) String() string {
	return string(p)
}

// IsTerminal returns true for DONE and HALTED.
func (p Phase) IsTerminal() bool {
	return p == PhaseDone || p == PhaseHalted
}

// AllPhases returns every phase.
func AllPhases() []Phase {
	return []Phase{
		PhaseInit,
		PhaseSummarize,
		PhasePlan,
		PhaseImplement,
		PhaseTest,
		PhaseEscalate,
		PhaseDone,
		PhaseHalted,
	}
}

// IterationState is the mutable state of one run. It is owned by the loop
// and never shared.
type IterationState struct {
	// Iteration counts IMPLEMENT phases. Monotonic.
	Iteration int

	// PlanGeneration starts at 1 and increments only on a knowledge-gap
	// amendment.
	PlanGeneration int

	// Tracker holds both stuck signals.
	Tracker escalation.Tracker

	// LastDiagnosis is the most recent review diagnosis.
	LastDiagnosis string

	// LastReviewCode is corrected code extracted from the last review.
	LastReviewCode string

	// ImplHash is the hash of the last emitted file contents.
	ImplHash string

	// ImplStableCount counts consecutive IMPLEMENT phases emitting ImplHash.
	ImplStableCount int

	// OriginalTestCount is the test count new test files must not go below.
	OriginalTestCount int

	// Feedback holds policy rejections and command results for the next
	// IMPLEMENT prompt.
	Feedback []string

	// LastReport is the most recent verification report.
	LastReport *verify.Report

	// LastResponseEmpty is set when IMPLEMENT produced no file blocks.
	LastResponseEmpty bool

	// LastWritten lists the files written by the last IMPLEMENT.
	LastWritten []string
}

// Result summarizes a finished run.
type Result struct {
	RunID          string         `json:"run_id"`
	Phase          Phase          `json:"phase"`
	Iterations     int            `json:"iterations"`
	PlanGeneration int            `json:"plan_generation"`
	Plan           *plan.Plan     `json:"plan,omitempty"`
	Report         *verify.Report `json:"report,omitempty"`
}
