// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package escalation detects when the loop keeps producing the same failure.
//
// Two signals are tracked independently. The pattern signal hashes the
// ordered pass/fail sequence; it catches an implementation that does not
// change at all. The failing-set signal hashes the sorted set of failing
// test names; it survives reorderings and flaky passes elsewhere in the
// suite. Each signal resets to 1 when its hash changes and grows by one
// when it repeats. The effective stuck score is the larger of the two.
package escalation

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/AleutianAI/isomira/services/isomira/verify"
)

const (
	// ConsultantThreshold is the effective score at which reviews move to
	// the consultant profile and the implementer is told to change approach.
	ConsultantThreshold = 3

	// KnowledgeGapThreshold is the effective score at which the loop stops
	// reviewing and attempts a knowledge-gap amendment.
	KnowledgeGapThreshold = 5
)

// Tier is the escalation level selected by the effective score.
type Tier string

const (
	// TierReview is the ordinary audit-then-review path.
	TierReview Tier = "review"

	// TierConsultant is the audit-then-review path on the consultant profile.
	TierConsultant Tier = "consultant"

	// TierKnowledgeGap is the domain knowledge amendment path.
	TierKnowledgeGap Tier = "knowledge_gap"
)

// Tracker holds both stuck signals. It is a value type: Observe and Reset
// return the updated tracker and leave the receiver untouched.
type Tracker struct {
	PatternHash  string `json:"pattern_hash,omitempty"`
	PatternCount int    `json:"pattern_count"`
	FailingHash  string `json:"failing_hash,omitempty"`
	FailingCount int    `json:"failing_count"`
}

// Observe folds one failing verification report into the tracker.
func (t Tracker) Observe(report *verify.Report) Tracker {
	return t.ObserveSignals(report.Pattern(), report.Failing)
}

// ObserveSignals folds a raw pass/fail pattern and failing-name list into
// the tracker. The failing names need not be sorted or unique.
func (t Tracker) ObserveSignals(pattern string, failing []string) Tracker {
	next := t

	ph := PatternHash(pattern)
	if ph == t.PatternHash && t.PatternCount > 0 {
		next.PatternCount++
	} else {
		next.PatternHash = ph
		next.PatternCount = 1
	}

	fh := FailingSetHash(failing)
	if fh == t.FailingHash && t.FailingCount > 0 {
		next.FailingCount++
	} else {
		next.FailingHash = fh
		next.FailingCount = 1
	}
	return next
}

// Effective returns max(PatternCount, FailingCount).
func (t Tracker) Effective() int {
	return max(t.PatternCount, t.FailingCount)
}

// Tier maps the effective score to an escalation tier.
func (t Tracker) Tier() Tier {
	return TierFor(t.Effective())
}

// Stuck reports whether the consultant threshold has been reached.
func (t Tracker) Stuck() bool {
	return t.Effective() >= ConsultantThreshold
}

// Reset zeroes both counters and forgets both hashes.
func (t Tracker) Reset() Tracker {
	return Tracker{}
}

// TierFor maps an effective score to a tier.
func TierFor(effective int) Tier {
	switch {
	case effective >= KnowledgeGapThreshold:
		return TierKnowledgeGap
	case effective >= ConsultantThreshold:
		return TierConsultant
	default:
		return TierReview
	}
}

// PatternHash returns the sha256 hex digest of an ordered P/F pattern.
func PatternHash(pattern string) string {
	sum := sha256.Sum256([]byte(pattern))
	return hex.EncodeToString(sum[:])
}

// FailingSetHash returns the sha256 hex digest of the sorted, de-duplicated
// failing names, so order and repetition do not matter.
func FailingSetHash(failing []string) string {
	set := make(map[string]struct{}, len(failing))
	for _, name := range failing {
		set[name] = struct{}{}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	sum := sha256.Sum256([]byte(strings.Join(names, "\n")))
	return hex.EncodeToString(sum[:])
}
