// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/isomira/cmd/isomira/config"
	"github.com/AleutianAI/isomira/pkg/logging"
	"github.com/AleutianAI/isomira/pkg/ux"
	"github.com/AleutianAI/isomira/services/isomira/agent"
	"github.com/AleutianAI/isomira/services/isomira/agent/llm"
	"github.com/AleutianAI/isomira/services/isomira/journal"
	"github.com/AleutianAI/isomira/services/isomira/sandbox"
	"github.com/AleutianAI/isomira/services/isomira/summary"
	"github.com/AleutianAI/isomira/services/isomira/telemetry"
	"github.com/AleutianAI/isomira/services/isomira/verify"
)

// shutdownTimeout bounds telemetry flushing after a run.
const shutdownTimeout = 5 * time.Second

var (
	runProject       string
	runTask          string
	runPhilosophy    string
	runWorkspace     string
	runURL           string
	runFramework     string
	runTestCommand   string
	runMaxIterations int
	runMetricsAddr   string
	runTraceFile     string
	runNoJournal     bool

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the loop for a project until its tests pass or it halts",
		Args:  cobra.NoArgs,
		RunE:  runLoop,
	}
)

func init() {
	f := runCmd.Flags()
	f.StringVar(&runProject, "project", ".", "Project directory (contains task.md, philosophy.md, workspace/)")
	f.StringVar(&runTask, "task", "task.md", "Task file, relative to the project")
	f.StringVar(&runPhilosophy, "philosophy", "philosophy.md", "Philosophy file, relative to the project")
	f.StringVar(&runWorkspace, "workspace", "", "Workspace directory (overrides sandbox.workspace)")
	f.StringVar(&runURL, "url", "", "OpenAI-compatible API URL (overrides endpoint.base_url)")
	f.StringVar(&runFramework, "framework", "", "Test framework: pytest or gotest (overrides verify.framework)")
	f.StringVar(&runTestCommand, "test-command", "", "Test command; {test_file} is replaced (overrides verify.command)")
	f.IntVar(&runMaxIterations, "max-iterations", 0, "Halt after this many iterations; 0 is unlimited (overrides loop.max_iterations)")
	f.StringVar(&runMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9464")
	f.StringVar(&runTraceFile, "trace-file", "", "Write OpenTelemetry spans as JSON to this file")
	f.BoolVar(&runNoJournal, "no-journal", false, "Do not record the run in the project journal")
}

// applyRunFlags overlays explicitly set flags on cfg.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("workspace") {
		cfg.Sandbox.Workspace = runWorkspace
	}
	if flags.Changed("url") {
		cfg.Endpoint.BaseURL = runURL
	}
	if flags.Changed("framework") {
		cfg.Verify.Framework = runFramework
	}
	if flags.Changed("test-command") {
		cfg.Verify.Command = runTestCommand
	}
	if flags.Changed("max-iterations") {
		cfg.Loop.MaxIterations = runMaxIterations
	}
	if runNoJournal {
		cfg.Journal.Enabled = false
	}
}

// runLoop wires every component from the project config and runs the loop.
//
// Description:
//
//	Loads and validates config, opens the log file and journal, starts
//	optional telemetry, then builds the sandbox, verifier, model client
//	and summarizer and hands them to agent.Loop. SIGINT and SIGTERM
//	cancel the run at the next phase boundary.
//
// Outputs:
//
//	error - *agent.HaltError when the loop halts (already reported),
//	        otherwise a setup or cancellation error.
func runLoop(cmd *cobra.Command, args []string) error {
	projectDir, err := filepath.Abs(runProject)
	if err != nil {
		return fmt.Errorf("resolve project: %w", err)
	}
	if info, err := os.Stat(projectDir); err != nil || !info.IsDir() {
		return fmt.Errorf("project directory not found: %s", projectDir)
	}

	cfg, cfgPath, err := config.Load(projectDir)
	if err != nil {
		return err
	}
	applyRunFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(cfg.LoggingSettings(projectDir))
	defer logger.Close()
	log := logger.Slog()
	if cfgPath != "" {
		log.Info("config loaded", slog.String("path", cfgPath))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Start(ctx, telemetry.Config{
		ServiceVersion: Version,
		TraceFile:      runTraceFile,
		MetricsAddr:    runMetricsAddr,
	}, log)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			log.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	bell := ux.NewBell(log)
	exec, err := sandbox.NewExecutor(cfg.ExecutorConfig(projectDir),
		sandbox.WithLogger(log), sandbox.WithNotifier(bell))
	if err != nil {
		return fmt.Errorf("create sandbox: %w", err)
	}
	runner, err := verify.NewRunner(exec, cfg.RunnerConfig(), log)
	if err != nil {
		return err
	}
	client := llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL:        cfg.Endpoint.BaseURL,
		APIKey:         cfg.Endpoint.APIKey,
		RequestTimeout: cfg.Endpoint.RequestTimeout,
		Logger:         log,
	})

	deps := agent.Dependencies{
		Client:     client,
		Executor:   exec,
		Verifier:   runner,
		Summarizer: summary.NewProvider(summary.DefaultMaxBytes, log),
		Notifier:   bell,
		Logger:     log,
	}
	if cfg.Journal.Enabled {
		jcfg := journal.DefaultConfig(config.Resolve(projectDir, cfg.Journal.Path))
		jcfg.Logger = log
		j, err := journal.Open(jcfg)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer func() {
			if err := j.Close(); err != nil {
				log.Warn("journal close failed", slog.String("error", err.Error()))
			}
		}()
		deps.Recorder = j
	}

	loop, err := agent.NewLoop(cfg.LoopSettings(projectDir, runPhilosophy, runTask), deps)
	if err != nil {
		return err
	}

	ux.Banner(projectDir, exec.Root(), string(runner.Framework()))
	result, err := loop.Run(ctx)
	if err != nil {
		var halt *agent.HaltError
		if errors.As(err, &halt) {
			ux.HaltReport(string(halt.Kind), halt.Reason, halt.Diagnosis, halt.Evidence)
			return halt
		}
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("run %s cancelled after %d iteration(s)", result.RunID, result.Iterations)
		}
		return err
	}

	passed, total := 0, 0
	if result.Report != nil {
		passed, total = result.Report.PassCount(), result.Report.Total()
	}
	ux.CompleteReport(result.Iterations, result.PlanGeneration, passed, total)
	return nil
}
