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
	"fmt"
	"sort"
)

// StateMachine validates phase transitions against a fixed table.
//
// Thread Safety: Read-only after construction; safe for concurrent use.
type StateMachine struct {
	transitions map[Phase]map[Phase]bool
}

// NewStateMachine creates the loop's transition table.
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[Phase]map[Phase]bool),
	}
	for _, p := range AllPhases() {
		sm.transitions[p] = make(map[Phase]bool)
	}

	sm.addTransition(PhaseInit, PhaseSummarize)
	sm.addTransition(PhaseInit, PhaseHalted)

	sm.addTransition(PhaseSummarize, PhasePlan)
	sm.addTransition(PhaseSummarize, PhaseHalted)

	sm.addTransition(PhasePlan, PhaseImplement)
	sm.addTransition(PhasePlan, PhaseHalted)

	sm.addTransition(PhaseImplement, PhaseTest)
	sm.addTransition(PhaseImplement, PhaseHalted)

	sm.addTransition(PhaseTest, PhaseDone)
	sm.addTransition(PhaseTest, PhaseEscalate)
	sm.addTransition(PhaseTest, PhaseImplement) // gated pass
	sm.addTransition(PhaseTest, PhaseHalted)

	sm.addTransition(PhaseEscalate, PhaseImplement)
	sm.addTransition(PhaseEscalate, PhaseSummarize) // after a DK amendment
	sm.addTransition(PhaseEscalate, PhaseHalted)

	return sm
}

func (sm *StateMachine) addTransition(from, to Phase) {
	sm.transitions[from][to] = true
}

// CanTransition reports whether from -> to is in the table.
func (sm *StateMachine) CanTransition(from, to Phase) bool {
	if toMap, ok := sm.transitions[from]; ok {
		return toMap[to]
	}
	return false
}

// Transition validates from -> to.
//
// Outputs:
//
//	error - ErrInvalidTransition wrapped with both phases.
func (sm *StateMachine) Transition(from, to Phase) error {
	if !sm.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ValidTransitionsFrom returns the phases reachable from from, sorted.
func (sm *StateMachine) ValidTransitionsFrom(from Phase) []Phase {
	var result []Phase
	for p, ok := range sm.transitions[from] {
		if ok {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// TransitionReason returns a human-readable reason for a transition.
func (sm *StateMachine) TransitionReason(from, to Phase) string {
	reasons := map[string]string{
		"INIT->SUMMARIZE":     "Steering files loaded",
		"INIT->HALTED":        "Steering files missing",
		"SUMMARIZE->PLAN":     "Codebase summarized",
		"SUMMARIZE->HALTED":   "Summary failed",
		"PLAN->IMPLEMENT":     "Tests written, plan accepted",
		"PLAN->HALTED":        "Plan unusable",
		"IMPLEMENT->TEST":     "Implementation applied",
		"IMPLEMENT->HALTED":   "Implementer unavailable",
		"TEST->DONE":          "All tests pass",
		"TEST->ESCALATE":      "Tests failing",
		"TEST->IMPLEMENT":     "Pass before minimum iterations",
		"TEST->HALTED":        "Verification unavailable",
		"ESCALATE->IMPLEMENT": "Plan or tests revised",
		"ESCALATE->SUMMARIZE": "Domain Knowledge amended, re-planning",
		"ESCALATE->HALTED":    "Escalation exhausted",
	}
	if reason, ok := reasons[from.String()+"->"+to.String()]; ok {
		return reason
	}
	return "Unknown transition"
}
