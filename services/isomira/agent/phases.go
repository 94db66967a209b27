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
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/isomira/services/isomira/agent/llm"
	"github.com/AleutianAI/isomira/services/isomira/escalation"
	"github.com/AleutianAI/isomira/services/isomira/journal"
	"github.com/AleutianAI/isomira/services/isomira/plan"
	"github.com/AleutianAI/isomira/services/isomira/steering"
	"github.com/AleutianAI/isomira/services/isomira/summary"
)

const previewLimit = 500

func (l *Loop) initialize(r *run) (Phase, error) {
	steer, err := steering.Load(l.cfg.Steering)
	if err != nil {
		return "", &HaltError{
			Kind:    HaltSteering,
			Reason:  err.Error(),
			Signals: 1,
			Err:     errors.Join(ErrSteering, err),
		}
	}
	r.steer = steer
	r.logger.Info("ISOMIRA starting",
		slog.String("project", l.cfg.Steering.ProjectDir),
		slog.String("workspace", l.exec.Root()),
		slog.String("framework", string(l.verifier.Framework())),
		slog.String("planner", l.cfg.Profiles.Get(llm.RolePlanner).Model),
		slog.String("implementer", l.cfg.Profiles.Get(llm.RoleImplementer).Model),
		slog.String("consultant", l.cfg.Profiles.Get(llm.RoleConsultant).Model),
		slog.Int("philosophy_tokens", steering.EstimateTokens(steer.Philosophy)),
		slog.Int("task_tokens", steering.EstimateTokens(steer.Task.Raw)),
	)
	return PhaseSummarize, nil
}

func (l *Loop) summarize(ctx context.Context, r *run) (Phase, error) {
	r.logger.Info("--- SUMMARIZE ---")
	text, err := l.summarizer.Summarize(ctx, l.exec.Root())
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		r.logger.Warn("codebase summary failed", slog.String("error", err.Error()))
		text = summary.EmptyWorkspace
	}
	r.steer.Summary = text
	r.scope = steering.ScopeFiles(r.steer.Task, l.exec.Root())
	r.logger.Info("codebase summarized",
		slog.Int("summary_tokens", steering.EstimateTokens(text)),
		slog.Int("scope_files", len(r.scope)),
	)
	return PhasePlan, nil
}

// planPhase runs the first plan, or a re-plan after a DK amendment.
func (l *Loop) planPhase(ctx context.Context, r *run) (Phase, error) {
	prof := l.cfg.Profiles.Get(llm.RoleConsultant)
	fw := l.verifier.Framework()
	if r.replan {
		r.logger.Info("--- RE-PLAN (consultant, amended DK) ---")
	} else {
		r.logger.Info("--- PLAN (consultant) ---")
	}

	content, err := l.complete(ctx, r, prof, planPrompt(fw, r.steer, r.scope, prof))
	if err != nil {
		return "", err
	}

	if r.replan {
		r.replan = false
		l.applyReplan(r, content)
		return PhaseImplement, nil
	}

	resp, err := plan.ParsePlanResponse(content, DefaultTestFile(fw))
	if err != nil {
		if errors.Is(err, plan.ErrUnparseable) {
			return "", halt(HaltPlan, ErrPlanUnparseable, "plan phase produced unparseable output: %s", preview(content))
		}
		return "", halt(HaltPlan, ErrPlanIncomplete, "%v", err)
	}

	written, err := l.exec.WriteFile(resp.Tests.Filename, resp.Tests.Content)
	if err != nil {
		return "", halt(HaltWorkspace, ErrWorkspace, "cannot write test file %s: %v", resp.Tests.Filename, err)
	}
	r.plan = &plan.Plan{
		Generation: r.state.PlanGeneration,
		Tests:      resp.Tests,
		Entries:    resp.Entries,
	}
	r.state.OriginalTestCount = plan.CountTests(fw, resp.Tests.Content)
	r.logger.Info("plan accepted",
		slog.String("test_file", written),
		slog.Int("test_functions", r.state.OriginalTestCount),
		slog.Int("entries", len(resp.Entries)),
	)
	return PhaseImplement, nil
}

// applyReplan replaces whatever parts of the plan the re-plan provides.
// An unparseable re-plan keeps the current plan.
func (l *Loop) applyReplan(r *run, content string) {
	resp, err := plan.ParseReplan(content, r.plan.Tests.Filename)
	if err != nil {
		r.logger.Warn("re-plan failed to parse, continuing with old plan", slog.String("error", err.Error()))
		return
	}
	r.plan.Generation = r.state.PlanGeneration
	if len(resp.Entries) > 0 {
		r.plan.Entries = resp.Entries
		r.logger.Info("re-planned", slog.Int("entries", len(resp.Entries)))
	}
	if strings.TrimSpace(resp.Tests.Content) != "" {
		l.replaceTests(r, resp.Tests, "re-plan")
	}
}

// replaceTests installs proposed tests if they keep at least the original
// number of test functions. It reports whether the tests were replaced.
func (l *Loop) replaceTests(r *run, proposed plan.TestSpec, source string) bool {
	count := plan.CountTests(l.verifier.Framework(), proposed.Content)
	if count < r.state.OriginalTestCount {
		msg := fmt.Sprintf("REJECTED %s test update: %d tests vs original %d. Keeping original.",
			source, count, r.state.OriginalTestCount)
		r.logger.Warn(msg)
		r.state.Feedback = append(r.state.Feedback, msg)
		recordTestRejection(source)
		return false
	}
	if _, err := l.exec.WriteFile(proposed.Filename, proposed.Content); err != nil {
		msg := fmt.Sprintf("REJECTED %s test file %s: %v", source, proposed.Filename, err)
		r.logger.Warn(msg)
		r.state.Feedback = append(r.state.Feedback, msg)
		return false
	}
	r.plan.Tests = proposed
	r.state.OriginalTestCount = count
	r.logger.Info("tests updated",
		slog.String("source", source),
		slog.String("test_file", proposed.Filename),
		slog.Int("test_functions", count),
	)
	return true
}

func (l *Loop) implement(ctx context.Context, r *run) (Phase, error) {
	st := r.state
	if l.cfg.MaxIterations > 0 && st.Iteration >= l.cfg.MaxIterations {
		return "", halt(HaltLimit, ErrIterationLimit, "stopped after %d iterations", st.Iteration)
	}
	st.Iteration++
	recordIteration()
	r.logger.Info("--- IMPLEMENT ---", slog.Int("iteration", st.Iteration))

	role := llm.RoleImplementer
	if st.LastResponseEmpty {
		role = llm.RoleConservative
	}
	prof := l.cfg.Profiles.Get(role)

	in := implementInput{
		Plan:       r.plan,
		Files:      steering.ReadFiles(l.exec.Root(), r.plan.Paths()),
		Diagnosis:  st.LastDiagnosis,
		ReviewCode: st.LastReviewCode,
		Feedback:   st.Feedback,
	}
	if st.Iteration > 1 && st.LastReport != nil {
		in.Failures = st.LastReport.FailureLines(failureLineLimit)
	}
	if eff := st.Tracker.Effective(); eff >= escalation.ConsultantThreshold {
		in.StuckHint = fmt.Sprintf(stuckHintFormat, eff)
	}

	content, err := l.complete(ctx, r, prof, implementPrompt(r.steer, in, prof))
	if err != nil {
		return "", err
	}
	st.Feedback = nil

	blocks := plan.ParseFileBlocks(content)
	st.LastResponseEmpty = len(blocks) == 0
	st.LastWritten = nil
	if len(blocks) == 0 {
		r.logger.Warn("no file blocks in implementation output", slog.String("preview", preview(content)))
	}
	var emitted strings.Builder
	for _, b := range blocks {
		emitted.WriteString(b.Content)
		if l.isTestFile(b.Path, r.plan.Tests.Filename) {
			msg := fmt.Sprintf("REJECTED file edit %s: the test file is read-only during implementation. Change the code under test instead.", b.Path)
			r.logger.Warn(msg)
			st.Feedback = append(st.Feedback, msg)
			recordTestRejection("implement")
			continue
		}
		if _, err := l.exec.WriteFile(b.Path, b.Content); err != nil {
			msg := fmt.Sprintf("REJECTED file edit %s: %v", b.Path, err)
			r.logger.Warn(msg)
			st.Feedback = append(st.Feedback, msg)
			continue
		}
		st.LastWritten = append(st.LastWritten, b.Path)
		r.logger.Info("wrote file", slog.String("path", b.Path))
	}

	sum := sha256.Sum256([]byte(emitted.String()))
	hash := hex.EncodeToString(sum[:])
	if hash == st.ImplHash {
		st.ImplStableCount++
	} else {
		st.ImplHash = hash
		st.ImplStableCount = 0
	}
	if st.ImplStableCount > 0 {
		r.logger.Info("implementation unchanged", slog.Int("repeats", st.ImplStableCount))
	}

	for _, cmd := range plan.ParseCmdBlocks(content) {
		res, err := l.exec.Execute(ctx, cmd)
		if err != nil {
			return "", err
		}
		switch {
		case res.Blocked:
			st.Feedback = append(st.Feedback, fmt.Sprintf("Command `%s` was not run. %s", cmd, res.Reason))
		case res.TimedOut:
			st.Feedback = append(st.Feedback, fmt.Sprintf("Command `%s` timed out after %s and was killed.", cmd, res.Timeout))
		case res.ExitCode != 0:
			r.logger.Warn("command failed", slog.String("command", cmd), slog.Int("exit_code", res.ExitCode))
			st.Feedback = append(st.Feedback, fmt.Sprintf("Command `%s` failed (exit %d): %s", cmd, res.ExitCode, clip(res.Stderr, 200)))
		default:
			r.logger.Info("command ok", slog.String("command", clip(cmd, 80)))
			st.Feedback = append(st.Feedback, fmt.Sprintf("Command `%s` succeeded.", clip(cmd, 80)))
		}
	}
	return PhaseTest, nil
}

// isTestFile reports whether a proposed write names the plan's test file,
// either by path or as the same file on disk.
func (l *Loop) isTestFile(path, testFile string) bool {
	if testFile == "" {
		return false
	}
	root := l.exec.Root()
	abs := func(p string) string {
		if filepath.IsAbs(p) {
			return filepath.Clean(p)
		}
		return filepath.Join(root, p)
	}
	a, b := abs(path), abs(testFile)
	if a == b {
		return true
	}
	ai, errA := os.Stat(a)
	bi, errB := os.Stat(b)
	return errA == nil && errB == nil && os.SameFile(ai, bi)
}

func (l *Loop) test(ctx context.Context, r *run) (Phase, error) {
	st := r.state
	r.logger.Info("--- TEST ---")
	report, err := l.verifier.Verify(ctx, r.plan.Tests.Filename)
	if err != nil {
		return "", err
	}
	st.LastReport = report

	if total := report.Total(); total > 0 {
		r.logger.Info("tests", slog.String("passed", fmt.Sprintf("%d/%d", report.PassCount(), total)),
			slog.Int("percent", 100*report.PassCount()/total))
	} else {
		r.logger.Info("tests", slog.Bool("passed", report.Passed))
	}

	rec := journal.IterationRecord{
		RunID:          r.id,
		Iteration:      st.Iteration,
		PlanGeneration: st.PlanGeneration,
		Passed:         report.Passed,
		Pattern:        report.Pattern(),
		Failing:        report.Failing,
		Files:          st.LastWritten,
		Events:         append([]string(nil), st.Feedback...),
	}

	if report.Passed {
		if st.Iteration >= l.cfg.MinIterations {
			r.logger.Info("ALL TESTS PASS -- TASK COMPLETE", slog.Int("iteration", st.Iteration))
			l.record(ctx, r, rec)
			return PhaseDone, nil
		}
		r.logger.Info("pass before minimum iterations, continuing",
			slog.Int("iteration", st.Iteration),
			slog.Int("min_iterations", l.cfg.MinIterations),
		)
		rec.Events = append(rec.Events, "exit gate: pass before minimum iterations")
		l.record(ctx, r, rec)
		return PhaseImplement, nil
	}

	r.logger.Debug("test output", slog.String("output", clip(report.Output, 4000)))
	st.Tracker = st.Tracker.Observe(report)
	rec.Effective = st.Tracker.Effective()
	rec.Tier = string(st.Tracker.Tier())
	if st.Tracker.Stuck() {
		msg := fmt.Sprintf("STUCK LOOP DETECTED: effective stuck score %d (pf_repeat=%d, failing_set_repeat=%d)",
			st.Tracker.Effective(), st.Tracker.PatternCount, st.Tracker.FailingCount)
		r.logger.Warn(msg)
		l.notifier.Notify(0, msg)
	}
	l.record(ctx, r, rec)
	return PhaseEscalate, nil
}

func (l *Loop) record(ctx context.Context, r *run, rec journal.IterationRecord) {
	if err := l.recorder.RecordIteration(ctx, rec); err != nil {
		r.logger.Warn("journal write failed", slog.String("error", err.Error()))
	}
}

func preview(text string) string {
	return clip(text, previewLimit)
}

func clip(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return text[:max] + "..."
}
