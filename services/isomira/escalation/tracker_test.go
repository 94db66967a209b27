// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package escalation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/isomira/services/isomira/verify"
)

func report(pattern string, failing ...string) *verify.Report {
	var outcomes []verify.Outcome
	fi := 0
	for i, c := range pattern {
		o := verify.Outcome{Name: "test_p" + string(rune('a'+i)), Status: verify.StatusPassed}
		if c == 'F' {
			o.Status = verify.StatusFailed
			if fi < len(failing) {
				o.Name = failing[fi]
			}
			fi++
		}
		outcomes = append(outcomes, o)
	}
	return &verify.Report{Outcomes: outcomes, Failing: verify.FailingSet(outcomes)}
}

func TestFailingSetHash_OrderAndDuplicatesIgnored(t *testing.T) {
	a := FailingSetHash([]string{"test_b", "test_a"})
	b := FailingSetHash([]string{"test_a", "test_b", "test_a"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, FailingSetHash([]string{"test_a"}))
}

func TestPatternHash_OrderMatters(t *testing.T) {
	assert.Equal(t, PatternHash("PF"), PatternHash("PF"))
	assert.NotEqual(t, PatternHash("PF"), PatternHash("FP"))
}

func TestTracker_CountsGrowAndReset(t *testing.T) {
	var tr Tracker
	assert.Equal(t, 0, tr.Effective())

	tr = tr.ObserveSignals("PF", []string{"test_x"})
	assert.Equal(t, 1, tr.PatternCount)
	assert.Equal(t, 1, tr.FailingCount)

	tr = tr.ObserveSignals("PF", []string{"test_x"})
	assert.Equal(t, 2, tr.PatternCount)
	assert.Equal(t, 2, tr.FailingCount)

	// Pattern changes but the same test still fails.
	tr = tr.ObserveSignals("FP", []string{"test_x"})
	assert.Equal(t, 1, tr.PatternCount)
	assert.Equal(t, 3, tr.FailingCount)
	assert.Equal(t, 3, tr.Effective())
	assert.Equal(t, TierConsultant, tr.Tier())

	// Failing set changes too.
	tr = tr.ObserveSignals("FP", []string{"test_y"})
	assert.Equal(t, 2, tr.PatternCount)
	assert.Equal(t, 1, tr.FailingCount)
	assert.Equal(t, 2, tr.Effective())
	assert.Equal(t, TierReview, tr.Tier())
}

func TestTracker_IsValueType(t *testing.T) {
	var tr Tracker
	next := tr.ObserveSignals("F", []string{"test_a"})
	assert.Equal(t, 0, tr.PatternCount)
	assert.Equal(t, 1, next.PatternCount)
}

func TestTracker_Reset(t *testing.T) {
	tr := Tracker{}.ObserveSignals("F", []string{"a"}).ObserveSignals("F", []string{"a"})
	tr = tr.Reset()
	assert.Equal(t, Tracker{}, tr)

	tr = tr.ObserveSignals("F", []string{"a"})
	assert.Equal(t, 1, tr.Effective())
}

func TestTracker_FiveReportsReachKnowledgeGap(t *testing.T) {
	reports := []*verify.Report{
		report("PFF", "test_a", "test_b"),
		report("FPF", "test_b", "test_a"),
		report("FFP", "test_a", "test_b"),
		report("PFF", "test_b", "test_a"),
		report("FPF", "test_a", "test_b"),
	}

	var tr Tracker
	for _, r := range reports {
		tr = tr.Observe(r)
	}
	assert.Equal(t, 5, tr.FailingCount)
	assert.Equal(t, 5, tr.Effective())
	assert.Equal(t, TierKnowledgeGap, tr.Tier())
	assert.True(t, tr.Stuck())
}

func TestTierFor(t *testing.T) {
	assert.Equal(t, TierReview, TierFor(0))
	assert.Equal(t, TierReview, TierFor(2))
	assert.Equal(t, TierConsultant, TierFor(3))
	assert.Equal(t, TierConsultant, TierFor(4))
	assert.Equal(t, TierKnowledgeGap, TierFor(5))
	assert.Equal(t, TierKnowledgeGap, TierFor(9))
}
