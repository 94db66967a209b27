// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent runs the isomira test-driven orchestration loop.
//
// # Phases
//
//	INIT -> SUMMARIZE -> PLAN -> {IMPLEMENT -> TEST -> (DONE | ESCALATE)}* -> DONE | HALTED
//
// The loop owns the single IterationState and the single current Plan.
// Every proposed command and file edit goes through the sandbox; every
// model call carries the steering context in full.
//
// # Escalation
//
// After a failing TEST the tracker's effective stuck score selects the
// response: below 3 the planner audits the tests and then reviews the
// implementation; at 3 and 4 the consultant does both; at 5 the consultant
// proposes a Domain Knowledge amendment and the loop re-plans, or halts.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/isomira/services/isomira/agent/llm"
	"github.com/AleutianAI/isomira/services/isomira/journal"
	"github.com/AleutianAI/isomira/services/isomira/plan"
	"github.com/AleutianAI/isomira/services/isomira/sandbox"
	"github.com/AleutianAI/isomira/services/isomira/steering"
	"github.com/AleutianAI/isomira/services/isomira/summary"
	"github.com/AleutianAI/isomira/services/isomira/verify"
)

// Defaults for Config.
const (
	DefaultMinIterations   = 2
	DefaultDKSizeDelta     = 2000
	DefaultDKAdditionLimit = 500
)

// Executor is the sandboxed side of the loop.
type Executor interface {
	Execute(ctx context.Context, command string) (*sandbox.CommandResult, error)
	WriteFile(path, content string) (string, error)
	ReadFile(path string) (string, error)
	Root() string
}

// Verifier runs the test command.
type Verifier interface {
	Verify(ctx context.Context, testFile string) (*verify.Report, error)
	Framework() verify.Framework
}

// Recorder persists run progress. Failures are logged, never fatal.
type Recorder interface {
	StartRun(ctx context.Context, run journal.RunRecord) error
	RecordIteration(ctx context.Context, rec journal.IterationRecord) error
	FinishRun(ctx context.Context, runID string, outcome journal.Outcome, reason string, iterations, generation int) error
}

// Config configures a Loop.
type Config struct {
	// Steering names the philosophy and task files.
	Steering steering.Files

	// Profiles holds the role profiles. Nil means llm.DefaultProfiles.
	Profiles llm.Profiles

	// MinIterations is the exit gate: a pass before this iteration
	// returns to IMPLEMENT.
	MinIterations int

	// MaxIterations halts the run when reached. Zero means unlimited.
	MaxIterations int

	// DKSizeDelta is how many characters an amendment may add to the task.
	DKSizeDelta int

	// DKAdditionLimit truncates a single amendment.
	DKAdditionLimit int
}

func (c *Config) applyDefaults() {
	if c.Profiles == nil {
		c.Profiles = llm.DefaultProfiles(llm.Models{}, llm.Budgets{})
	}
	if c.MinIterations <= 0 {
		c.MinIterations = DefaultMinIterations
	}
	if c.DKSizeDelta <= 0 {
		c.DKSizeDelta = DefaultDKSizeDelta
	}
	if c.DKAdditionLimit <= 0 {
		c.DKAdditionLimit = DefaultDKAdditionLimit
	}
}

// Dependencies are the loop's collaborators. Recorder, Notifier and
// Logger are optional.
type Dependencies struct {
	Client     llm.Client
	Executor   Executor
	Verifier   Verifier
	Summarizer summary.Provider
	Recorder   Recorder
	Notifier   sandbox.Notifier
	Logger     *slog.Logger
}

// Loop is the orchestration loop.
//
// Thread Safety: A Loop may be reused for sequential runs. Concurrent Run
// calls on one Loop share the workspace and are not supported.
type Loop struct {
	cfg        Config
	client     llm.Client
	exec       Executor
	verifier   Verifier
	summarizer summary.Provider
	recorder   Recorder
	notifier   sandbox.Notifier
	logger     *slog.Logger
	sm         *StateMachine
}

// NewLoop creates a loop.
//
// Outputs:
//
//	*Loop - The loop.
//	error - ErrMissingDependency if a required collaborator is nil.
func NewLoop(cfg Config, deps Dependencies) (*Loop, error) {
	switch {
	case deps.Client == nil:
		return nil, fmt.Errorf("%w: client", ErrMissingDependency)
	case deps.Executor == nil:
		return nil, fmt.Errorf("%w: executor", ErrMissingDependency)
	case deps.Verifier == nil:
		return nil, fmt.Errorf("%w: verifier", ErrMissingDependency)
	case deps.Summarizer == nil:
		return nil, fmt.Errorf("%w: summarizer", ErrMissingDependency)
	}
	cfg.applyDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	return &Loop{
		cfg:        cfg,
		client:     deps.Client,
		exec:       deps.Executor,
		verifier:   deps.Verifier,
		summarizer: deps.Summarizer,
		recorder:   deps.Recorder,
		notifier:   deps.Notifier,
		logger:     deps.Logger,
		sm:         NewStateMachine(),
	}, nil
}

// run is the per-invocation state.
type run struct {
	id     string
	phase  Phase
	steer  *steering.Context
	scope  []steering.File
	plan   *plan.Plan
	state  *IterationState
	replan bool
	logger *slog.Logger
}

// Run drives the loop to DONE or HALTED.
//
// Description:
//
//	Phases execute one at a time. Each phase returns the next phase; the
//	transition is validated against the state machine. The context is
//	checked at every phase boundary.
//
// Outputs:
//
//	*Result - Final phase, counters, plan and last report. Always non-nil.
//	error - nil on DONE, *HaltError on HALTED, the context error on
//	        cancellation, or ErrInvalidTransition on a programming error.
func (l *Loop) Run(ctx context.Context) (*Result, error) {
	r := &run{
		id:    uuid.NewString(),
		phase: PhaseInit,
		state: &IterationState{PlanGeneration: 1},
	}
	r.logger = l.logger.With(slog.String("run_id", r.id))

	ctx, span := tracer.Start(ctx, "agent.Run", trace.WithAttributes(attribute.String("run.id", r.id)))
	defer span.End()

	if err := l.recorder.StartRun(context.WithoutCancel(ctx), journal.RunRecord{
		ID:        r.id,
		Project:   l.cfg.Steering.ProjectDir,
		Framework: string(l.verifier.Framework()),
		StartedAt: time.Now().UTC(),
	}); err != nil {
		r.logger.Warn("journal start failed", slog.String("error", err.Error()))
	}

	for !r.phase.IsTerminal() {
		if err := ctx.Err(); err != nil {
			l.finish(r, journal.OutcomeCancelled, err.Error())
			span.SetStatus(codes.Error, "cancelled")
			return l.result(r), err
		}

		next, err := l.step(ctx, r)
		if err != nil {
			var h *HaltError
			if !errors.As(err, &h) {
				if ctx.Err() != nil {
					l.finish(r, journal.OutcomeCancelled, err.Error())
					span.SetStatus(codes.Error, "cancelled")
					return l.result(r), ctx.Err()
				}
				span.RecordError(err)
				return l.result(r), err
			}
			if tErr := l.transition(r, PhaseHalted); tErr != nil {
				return l.result(r), tErr
			}
			r.logger.Error("HALTED", slog.String("kind", string(h.Kind)), slog.String("reason", h.Reason))
			l.notifier.Notify(h.Signals, h.Reason)
			l.finish(r, journal.OutcomeHalted, h.Reason)
			recordRun(journal.OutcomeHalted)
			span.SetStatus(codes.Error, h.Reason)
			return l.result(r), h
		}
		if err := l.transition(r, next); err != nil {
			span.RecordError(err)
			return l.result(r), err
		}
	}

	l.notifier.Notify(1, "All tests pass -- task complete")
	l.finish(r, journal.OutcomeDone, "")
	recordRun(journal.OutcomeDone)
	span.SetStatus(codes.Ok, "done")
	return l.result(r), nil
}

func (l *Loop) step(ctx context.Context, r *run) (Phase, error) {
	ctx, span := tracer.Start(ctx, "agent."+r.phase.String(),
		trace.WithAttributes(
			attribute.Int("iteration", r.state.Iteration),
			attribute.Int("plan_generation", r.state.PlanGeneration),
		),
	)
	defer span.End()

	start := time.Now()
	var next Phase
	var err error
	switch r.phase {
	case PhaseInit:
		next, err = l.initialize(r)
	case PhaseSummarize:
		next, err = l.summarize(ctx, r)
	case PhasePlan:
		next, err = l.planPhase(ctx, r)
	case PhaseImplement:
		next, err = l.implement(ctx, r)
	case PhaseTest:
		next, err = l.test(ctx, r)
	case PhaseEscalate:
		next, err = l.escalate(ctx, r)
	default:
		err = fmt.Errorf("%w: no handler for %s", ErrInvalidTransition, r.phase)
	}
	recordPhase(r.phase, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return next, err
}

func (l *Loop) transition(r *run, to Phase) error {
	if err := l.sm.Transition(r.phase, to); err != nil {
		return err
	}
	r.logger.Debug("phase transition",
		slog.String("from", r.phase.String()),
		slog.String("to", to.String()),
		slog.String("reason", l.sm.TransitionReason(r.phase, to)),
	)
	recordTransition(r.phase, to)
	r.phase = to
	return nil
}

func (l *Loop) finish(r *run, outcome journal.Outcome, reason string) {
	// The run context may already be cancelled; the journal write must not be.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.recorder.FinishRun(ctx, r.id, outcome, reason, r.state.Iteration, r.state.PlanGeneration); err != nil {
		r.logger.Warn("journal finish failed", slog.String("error", err.Error()))
	}
}

func (l *Loop) result(r *run) *Result {
	return &Result{
		RunID:          r.id,
		Phase:          r.phase,
		Iterations:     r.state.Iteration,
		PlanGeneration: r.state.PlanGeneration,
		Plan:           r.plan,
		Report:         r.state.LastReport,
	}
}

// complete calls the model with a rendered prompt.
func (l *Loop) complete(ctx context.Context, r *run, prof llm.Profile, p steering.Prompt) (string, error) {
	system, user, truncated := p.Render(prof.ContextTokens)
	if truncated {
		r.logger.Warn("context too large, prompt tail truncated",
			slog.String("role", string(prof.Role)),
			slog.Int("budget_tokens", prof.ContextTokens),
		)
	}
	resp, err := l.client.Complete(ctx, &llm.Request{Profile: prof, System: system, User: user})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &HaltError{
			Kind:    HaltModel,
			Reason:  fmt.Sprintf("%s model call failed: %v", prof.Role, err),
			Signals: 1,
			Err:     errors.Join(ErrModelCall, err),
		}
	}
	return resp.Content, nil
}

type nopRecorder struct{}

func (nopRecorder) StartRun(context.Context, journal.RunRecord) error             { return nil }
func (nopRecorder) RecordIteration(context.Context, journal.IterationRecord) error { return nil }
func (nopRecorder) FinishRun(context.Context, string, journal.Outcome, string, int, int) error {
	return nil
}

type nopNotifier struct{}

func (nopNotifier) Notify(int, string) {}
