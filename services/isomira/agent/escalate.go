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
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/AleutianAI/isomira/services/isomira/agent/llm"
	"github.com/AleutianAI/isomira/services/isomira/escalation"
	"github.com/AleutianAI/isomira/services/isomira/plan"
	"github.com/AleutianAI/isomira/services/isomira/steering"
)

// escalate responds to a failing TEST according to the stuck tier.
func (l *Loop) escalate(ctx context.Context, r *run) (Phase, error) {
	tier := r.state.Tracker.Tier()
	recordEscalation(tier)

	if tier == escalation.TierKnowledgeGap {
		return l.amend(ctx, r)
	}

	role := llm.RolePlanner
	if tier == escalation.TierConsultant {
		role = llm.RoleConsultant
	}
	prof := l.cfg.Profiles.Get(role)

	replaced, err := l.audit(ctx, r, prof)
	if err != nil {
		return "", err
	}
	if replaced {
		r.logger.Info("skipping implementation review, re-running with corrected tests")
		return PhaseImplement, nil
	}
	if err := l.review(ctx, r, prof); err != nil {
		return "", err
	}
	return PhaseImplement, nil
}

// currentTests returns the test file as it is on disk, falling back to the
// plan's copy.
func (l *Loop) currentTests(r *run) string {
	content, err := l.exec.ReadFile(r.plan.Tests.Filename)
	if err != nil {
		return r.plan.Tests.Content
	}
	return content
}

// audit asks whether the tests themselves are wrong. It reports whether
// the tests were replaced.
func (l *Loop) audit(ctx context.Context, r *run, prof llm.Profile) (bool, error) {
	r.logger.Info("--- TEST AUDIT ---", slog.String("role", string(prof.Role)))

	testContent := l.currentTests(r)
	content, err := l.complete(ctx, r, prof, auditPrompt(r.steer, testContent, r.state.LastReport.Output, prof))
	if err != nil {
		return false, err
	}

	result, err := plan.ParseAudit(content, r.plan.Tests.Filename)
	if err != nil {
		r.logger.Warn("test audit output unparseable, treating tests as correct", slog.String("error", err.Error()))
		return false, nil
	}
	if len(result.Issues) > 0 {
		r.logger.Info("test audit found issues", slog.Int("count", len(result.Issues)))
		for i, issue := range result.Issues {
			if i == 5 {
				break
			}
			r.logger.Info("audit issue", slog.String("test", issue.TestName), slog.String("problem", issue.Problem))
		}
	}
	if result.TestsCorrect || result.Tests == nil {
		return false, nil
	}
	return l.replaceTests(r, *result.Tests, "audit"), nil
}

// review asks for a corrected plan. An unparseable or empty review keeps
// the current plan.
func (l *Loop) review(ctx context.Context, r *run, prof llm.Profile) error {
	r.logger.Info("--- IMPLEMENTATION REVIEW ---", slog.String("role", string(prof.Role)))

	paths := r.state.LastWritten
	if len(paths) == 0 {
		paths = r.plan.Paths()
	}
	impl := steering.ReadFiles(l.exec.Root(), paths)

	content, err := l.complete(ctx, r, prof, reviewPrompt(r.steer, l.currentTests(r), r.state.LastReport.Output, impl, prof))
	if err != nil {
		return err
	}

	result, err := plan.ParseReview(content, r.plan.FirstPath())
	if err != nil {
		r.logger.Warn("review output unparseable, retrying implementation with same plan", slog.String("error", err.Error()))
		return nil
	}
	if result.Diagnosis != "" {
		r.state.LastDiagnosis = result.Diagnosis
		r.logger.Info("diagnosis", slog.String("text", result.Diagnosis))
	}
	r.state.LastReviewCode = result.Code
	if result.Code != "" {
		r.logger.Info("extracted corrected code from review", slog.Int("chars", len(result.Code)))
	}
	if len(result.Entries) > 0 {
		r.plan.Entries = result.Entries
		r.logger.Info("updated plan", slog.Int("entries", len(result.Entries)))
	} else {
		r.logger.Warn("review plan had no valid entries, keeping previous plan")
	}
	return nil
}

// amend asks the consultant for a Domain Knowledge addition and re-plans,
// or halts with three signals.
//
// Description:
//
//	The task file may grow by at most DKSizeDelta characters. The addition
//	is trimmed to DKAdditionLimit and appended under Domain Knowledge with
//	an iteration/generation tag. On success the tracker is reset, the plan
//	generation increments and the loop re-summarizes and re-plans.
func (l *Loop) amend(ctx context.Context, r *run) (Phase, error) {
	st := r.state
	eff := st.Tracker.Effective()
	r.logger.Warn("DK PING: consultant attempting autonomous DK amendment",
		slog.Int("effective_stuck", eff),
		slog.Int("pf_repeat", st.Tracker.PatternCount),
		slog.Int("failing_set_repeat", st.Tracker.FailingCount),
	)

	taskPath := l.cfg.Steering.TaskPath()
	data, err := os.ReadFile(taskPath)
	if err != nil {
		return "", l.gapHalt(r, "", fmt.Sprintf("cannot read task file: %v", err))
	}
	current := string(data)
	sizeCap := len(current) + l.cfg.DKSizeDelta

	prof := l.cfg.Profiles.Get(llm.RoleConsultant)
	impl := steering.ReadFiles(l.exec.Root(), r.plan.Paths())
	p := amendPrompt(r.steer.Philosophy, current, eff, l.cfg.DKAdditionLimit, st.LastReport, impl, prof)
	content, err := l.complete(ctx, r, prof, p)
	if err != nil {
		return "", err
	}

	amendment, err := plan.ParseAmendment(content)
	if err != nil {
		recordAmendment("unparseable")
		return "", l.gapHalt(r, "", "consultant DK analysis unparseable")
	}
	r.logger.Info("consultant diagnosis",
		slog.String("diagnosis", amendment.Diagnosis),
		slog.String("confidence", amendment.Confidence),
	)
	if !amendment.Accepted() || amendment.Addition == "" {
		recordAmendment("low_confidence")
		return "", l.gapHalt(r, amendment.Diagnosis,
			fmt.Sprintf("consultant could not identify DK gap (confidence=%s)", amendment.Confidence))
	}

	addition := steering.TruncateAddition(amendment.Addition, l.cfg.DKAdditionLimit)
	if len(addition) < len(amendment.Addition) {
		r.logger.Warn("truncated DK addition", slog.Int("limit", l.cfg.DKAdditionLimit))
	}
	proposed := steering.Amend(current, addition, st.Iteration, st.PlanGeneration)
	if len(proposed) > sizeCap {
		recordAmendment("over_cap")
		return "", l.gapHalt(r, amendment.Diagnosis,
			fmt.Sprintf("DK amendment would exceed size cap (%d > %d)", len(proposed), sizeCap))
	}

	if err := os.WriteFile(taskPath, []byte(proposed), 0o644); err != nil {
		return "", halt(HaltWorkspace, ErrWorkspace, "cannot write task file: %v", err)
	}
	recordAmendment("applied")
	r.steer.Task = steering.ParseTask(proposed)
	st.Tracker = st.Tracker.Reset()
	st.PlanGeneration++
	r.replan = true
	r.logger.Info("DK AMENDED",
		slog.Int("chars_added", len(addition)),
		slog.Int("plan_generation", st.PlanGeneration),
		slog.String("addition", clip(addition, 200)),
	)
	return PhaseSummarize, nil
}

func (l *Loop) gapHalt(r *run, diagnosis, reason string) *HaltError {
	h := halt(HaltKnowledgeGap, ErrKnowledgeGap, "%s -- manual DK review required", reason)
	h.Diagnosis = diagnosis
	h.Signals = 3
	if r.state.LastReport != nil {
		h.Evidence = r.state.LastReport.AssertionClues(assertionClueLimit)
	}
	return h
}
