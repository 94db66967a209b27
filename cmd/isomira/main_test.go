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
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/isomira/cmd/isomira/config"
	"github.com/AleutianAI/isomira/pkg/ux"
	"github.com/AleutianAI/isomira/services/isomira/journal"
	"github.com/AleutianAI/isomira/services/isomira/steering"
)

// execute runs the root command with args and machine output captured.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	prevOut, prevErr := ux.Stdout, ux.Stderr
	ux.Stdout, ux.Stderr = &out, &out
	t.Cleanup(func() { ux.Stdout, ux.Stderr = prevOut, prevErr })

	rootCmd.SetArgs(append([]string{"--output", "machine"}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestScaffold(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "demo")
	abs, err := scaffold(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, abs)

	assert.DirExists(t, filepath.Join(dir, "workspace"))
	task, err := os.ReadFile(filepath.Join(dir, "task.md"))
	require.NoError(t, err)
	spec := steering.ParseTask(string(task))
	assert.Equal(t, []string{"my_module.py"}, spec.Scope)
	assert.Contains(t, spec.DomainKnowledge, "Front-load every fact")

	ignore, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	require.NoError(t, err)
	assert.Contains(t, string(ignore), "isomira.log")

	_, err = scaffold(dir)
	assert.ErrorIs(t, err, ErrProjectExists)
}

func TestInitCommand(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "proj")
	out, err := execute(t, "init", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "OK: Project initialised: "+dir)
	assert.FileExists(t, filepath.Join(dir, "philosophy.md"))
}

func TestApplyRunFlags(t *testing.T) {
	t.Cleanup(func() {
		for _, name := range []string{"url", "framework", "max-iterations"} {
			runCmd.Flags().Lookup(name).Changed = false
		}
		runURL, runFramework, runMaxIterations, runNoJournal = "", "", 0, false
	})
	require.NoError(t, runCmd.Flags().Parse([]string{
		"--url", "http://other:1234/v1", "--framework", "gotest", "--max-iterations", "7", "--no-journal",
	}))

	cfg := config.DefaultConfig()
	applyRunFlags(runCmd, cfg)
	assert.Equal(t, "http://other:1234/v1", cfg.Endpoint.BaseURL)
	assert.Equal(t, "gotest", cfg.Verify.Framework)
	assert.Equal(t, 7, cfg.Loop.MaxIterations)
	assert.False(t, cfg.Journal.Enabled)
	assert.Equal(t, config.WorkspaceDir, cfg.Sandbox.Workspace)
	require.NoError(t, cfg.Validate())
}

func TestCheckCommand(t *testing.T) {
	root := t.TempDir()
	ws := filepath.Join(root, "workspace")
	require.NoError(t, os.MkdirAll(ws, 0o755))
	t.Cleanup(func() { checkWorkspace, checkWorkDir, checkExec, checkJSON = "workspace", "", false, false })

	out, err := execute(t, "check", "--workspace", ws, "--workdir", root, "--", "mkdir", "workspace/data")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "OK: allowed: mkdir workspace/data"), out)
	assert.NoDirExists(t, filepath.Join(ws, "data"))

	out, err = execute(t, "check", "--workspace", ws, "--", "echo hi > /tmp/out.txt")
	require.NoError(t, err)
	assert.Contains(t, out, "WARN: blocked (containment): echo hi > /tmp/out.txt")

	out, err = execute(t, "check", "--workspace", ws, "--workdir", root, "--exec", "--", "mkdir", "workspace/data")
	require.NoError(t, err)
	assert.Contains(t, out, "OK: exit 0")
	assert.DirExists(t, filepath.Join(ws, "data"))
}

func TestJournalCommand(t *testing.T) {
	project := t.TempDir()
	t.Cleanup(func() { journalProject, journalRun = ".", "" })

	j, err := journal.Open(journal.DefaultConfig(filepath.Join(project, config.JournalDir)))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, j.StartRun(ctx, journal.RunRecord{ID: "run-1", Framework: "pytest", StartedAt: time.Now()}))
	require.NoError(t, j.RecordIteration(ctx, journal.IterationRecord{
		RunID: "run-1", Iteration: 1, Pattern: "FFP", Failing: []string{"test_a", "test_b"}, Effective: 1,
	}))
	require.NoError(t, j.FinishRun(ctx, "run-1", journal.OutcomeHalted, "stuck", 1, 0))
	require.NoError(t, j.Close())

	out, err := execute(t, "journal", "--project", project)
	require.NoError(t, err)
	assert.Contains(t, out, "RUN\tSTARTED\tOUTCOME")
	assert.Contains(t, out, "run-1\t")
	assert.Contains(t, out, "\thalted\t1\t0\tstuck")

	out, err = execute(t, "journal", "--project", project, "--run", "run-1")
	require.NoError(t, err)
	assert.Contains(t, out, "1\t0\tfalse\tFFP\ttest_a,test_b\t1")

	_, err = execute(t, "journal", "--project", project, "--run", "missing")
	assert.ErrorContains(t, err, `no run "missing"`)
}

func TestClipText(t *testing.T) {
	assert.Equal(t, "abc", clipText("abc", 5))
	assert.Equal(t, "ab...", clipText("abcdef", 2))
}
