// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/AleutianAI/isomira/services/isomira/sandbox"
)

const (
	// DefaultPytestCommand runs a single pytest file verbosely.
	DefaultPytestCommand = "python -m pytest {test_file} -v --tb=short 2>&1"

	// DefaultGoTestCommand runs every package verbosely.
	DefaultGoTestCommand = "go test -v ./... 2>&1"

	// TestFilePlaceholder is replaced with the quoted test file path.
	TestFilePlaceholder = "{test_file}"
)

// ErrUnknownFramework indicates an unsupported test framework name.
var ErrUnknownFramework = errors.New("unknown test framework")

// Executor runs a command inside the workspace.
type Executor interface {
	Execute(ctx context.Context, command string) (*sandbox.CommandResult, error)
	Root() string
}

// Config configures a Runner.
type Config struct {
	// Framework selects the output parser. Empty means pytest.
	Framework Framework

	// Command is the test command. Empty means the framework default.
	Command string
}

// Runner verifies the workspace by running its tests.
type Runner struct {
	exec      Executor
	framework Framework
	command   string
	logger    *slog.Logger
}

// NewRunner creates a runner that executes through exec.
//
// Inputs:
//
//	exec - The sandboxed executor. Must not be nil.
//	cfg - Framework and command.
//	logger - Logger. Nil means slog.Default().
//
// Outputs:
//
//	*Runner - The configured runner.
//	error - ErrUnknownFramework for an unsupported framework.
func NewRunner(exec Executor, cfg Config, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	framework := cfg.Framework
	if framework == "" {
		framework = FrameworkPytest
	}
	command := cfg.Command
	switch framework {
	case FrameworkPytest:
		if command == "" {
			command = DefaultPytestCommand
		}
	case FrameworkGoTest:
		if command == "" {
			command = DefaultGoTestCommand
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFramework, framework)
	}
	return &Runner{exec: exec, framework: framework, command: command, logger: logger}, nil
}

// Framework returns the configured framework.
func (r *Runner) Framework() Framework {
	return r.framework
}

// Verify runs the test command for testFile and parses its output.
//
// Description:
//
//	A missing test file yields a failed report without running anything.
//	The report passes only when the command exits zero; a blocked or
//	timed-out run always fails.
//
// Inputs:
//
//	ctx - Cancellation for the underlying command.
//	testFile - Test file path relative to the workspace root.
//
// Outputs:
//
//	*Report - The verification report.
//	error - Non-nil only on context cancellation.
func (r *Runner) Verify(ctx context.Context, testFile string) (*Report, error) {
	if testFile != "" {
		if _, err := os.Stat(filepath.Join(r.exec.Root(), testFile)); err != nil {
			return &Report{
				Passed:   false,
				Output:   "Test file not found: " + testFile,
				ExitCode: -1,
				TestFile: testFile,
			}, nil
		}
	}

	command, err := r.render(testFile)
	if err != nil {
		return nil, err
	}

	res, err := r.exec.Execute(ctx, command)
	if err != nil {
		return nil, fmt.Errorf("run tests: %w", err)
	}

	output := res.Stdout
	if res.Stderr != "" {
		if output != "" && !strings.HasSuffix(output, "\n") {
			output += "\n"
		}
		output += res.Stderr
	}

	outcomes := ParseOutcomes(r.framework, output)
	report := &Report{
		Passed:   res.ExitCode == 0 && !res.Blocked && !res.TimedOut,
		Outcomes: outcomes,
		Failing:  FailingSet(outcomes),
		Output:   output,
		ExitCode: res.ExitCode,
		TimedOut: res.TimedOut,
		Blocked:  res.Blocked,
		TestFile: testFile,
	}

	r.logger.Info("verification finished",
		slog.Bool("passed", report.Passed),
		slog.Int("passed_tests", report.PassCount()),
		slog.Int("total_tests", report.Total()),
		slog.Int("exit_code", report.ExitCode))
	return report, nil
}

func (r *Runner) render(testFile string) (string, error) {
	if !strings.Contains(r.command, TestFilePlaceholder) {
		return r.command, nil
	}
	quoted, err := syntax.Quote(testFile, syntax.LangBash)
	if err != nil {
		return "", fmt.Errorf("quote test file %q: %w", testFile, err)
	}
	return strings.ReplaceAll(r.command, TestFilePlaceholder, quoted), nil
}
