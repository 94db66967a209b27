// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	signals []int
}

func (r *recordingNotifier) Notify(signals int, _ string) {
	r.signals = append(r.signals, signals)
}

func newTestExecutor(t *testing.T, cfg Config) (*Executor, *recordingNotifier) {
	t.Helper()
	if cfg.Root == "" {
		cfg.Root = filepath.Join(t.TempDir(), "ws")
	}
	n := &recordingNotifier{}
	e, err := NewExecutor(cfg, WithNotifier(n))
	require.NoError(t, err)
	return e, n
}

func TestExecutor_Execute_Success(t *testing.T) {
	e, n := newTestExecutor(t, Config{})

	res, err := e.Execute(context.Background(), "echo hi")
	require.NoError(t, err)
	assert.Equal(t, "hi\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
	assert.True(t, res.Succeeded())
	assert.False(t, res.Blocked)
	assert.Equal(t, DefaultTimeout, res.Timeout)
	assert.Empty(t, n.signals)
}

func TestExecutor_Execute_NonZeroExit(t *testing.T) {
	e, _ := newTestExecutor(t, Config{})

	res, err := e.Execute(context.Background(), "echo oops >&2; exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.False(t, res.Succeeded())
}

func TestExecutor_Execute_BlockedNeverRuns(t *testing.T) {
	e, n := newTestExecutor(t, Config{})
	outside := filepath.Join(t.TempDir(), "out.txt")

	res, err := e.Execute(context.Background(), "echo hi > "+outside)
	require.NoError(t, err)
	assert.True(t, res.Blocked)
	assert.Equal(t, -1, res.ExitCode)
	assert.Equal(t, res.Reason, res.Stderr)
	assert.Contains(t, res.Reason, "BLOCKED")
	assert.Equal(t, RuleContainment, res.Rule)
	assert.Equal(t, []int{1}, n.signals)
	assert.NoFileExists(t, outside)
}

func TestExecutor_Execute_WritesInsideRoot(t *testing.T) {
	e, _ := newTestExecutor(t, Config{})

	res, err := e.Execute(context.Background(), "mkdir -p data && echo hi > data/out.txt")
	require.NoError(t, err)
	require.True(t, res.Succeeded(), res.Stderr)

	got, err := os.ReadFile(filepath.Join(e.Root(), "data", "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(got))
}

func TestExecutor_Execute_WorkDir(t *testing.T) {
	project := t.TempDir()
	root := filepath.Join(project, "workspace")
	e, n := newTestExecutor(t, Config{Root: root, WorkDir: project})

	res, err := e.Execute(context.Background(), "mkdir workspace/data")
	require.NoError(t, err)
	require.True(t, res.Succeeded(), res.Stderr)
	assert.DirExists(t, filepath.Join(root, "data"))
	assert.Empty(t, n.signals)

	res, err = e.Execute(context.Background(), "pwd")
	require.NoError(t, err)
	assert.Equal(t, e.WorkDir(), strings.TrimSpace(res.Stdout))
}

func TestExecutor_Execute_Timeout(t *testing.T) {
	e, _ := newTestExecutor(t, Config{DefaultTimeout: 200 * time.Millisecond})

	start := time.Now()
	res, err := e.Execute(context.Background(), "sleep 5; echo done")
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
	assert.NotContains(t, res.Stdout, "done")
	assert.Contains(t, res.Stderr, "TIMEOUT")
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestExecutor_Execute_TimeoutKillsChildren(t *testing.T) {
	e, _ := newTestExecutor(t, Config{DefaultTimeout: 200 * time.Millisecond})

	start := time.Now()
	res, err := e.Execute(context.Background(), "sleep 5 & sleep 5; wait")
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestExecutor_Execute_OutputTruncated(t *testing.T) {
	e, _ := newTestExecutor(t, Config{OutputLimit: 10})

	res, err := e.Execute(context.Background(), "printf '%s' 0123456789abcdef")
	require.NoError(t, err)
	assert.Equal(t, "0123456789", res.Stdout)
	assert.True(t, res.Truncated)
}

func TestExecutor_Execute_ParentCancelled(t *testing.T) {
	e, _ := newTestExecutor(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := e.Execute(ctx, "echo hi")
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.False(t, res.TimedOut)
}

func TestExecutor_WriteFile(t *testing.T) {
	e, n := newTestExecutor(t, Config{})

	abs, err := e.WriteFile("pkg/main.py", "print('x')\n")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(e.Root(), "pkg", "main.py"), abs)

	content, err := e.ReadFile("pkg/main.py")
	require.NoError(t, err)
	assert.Equal(t, "print('x')\n", content)

	_, err = e.WriteFile("../escape.py", "x")
	assert.ErrorIs(t, err, ErrOutsideWorkspace)
	assert.Equal(t, []int{1}, n.signals)
}

func TestNewExecutor_Defaults(t *testing.T) {
	_, err := NewExecutor(Config{})
	assert.ErrorIs(t, err, ErrEmptyRoot)

	e, _ := newTestExecutor(t, Config{})
	assert.Equal(t, DefaultExtendedTimeout, e.cfg.ExtendedTimeout)
	assert.Equal(t, DefaultOutputLimit, e.cfg.OutputLimit)
	assert.Equal(t, e.Root(), e.WorkDir())
}

func TestExecutor_Execute_LinkOutsideNeverRuns(t *testing.T) {
	e, n := newTestExecutor(t, Config{})
	outside := t.TempDir()

	res, err := e.Execute(context.Background(), "ln -s "+outside+" evil && echo pwned > evil/x.txt")
	require.NoError(t, err)
	assert.True(t, res.Blocked)
	assert.Equal(t, RuleContainment, res.Rule)
	assert.Equal(t, []int{1}, n.signals)
	assert.NoFileExists(t, filepath.Join(outside, "x.txt"))
	_, err = os.Lstat(filepath.Join(e.Root(), "evil"))
	assert.True(t, os.IsNotExist(err))
}

func TestExecutor_Execute_IgnoresInheritedCDPATH(t *testing.T) {
	e, _ := newTestExecutor(t, Config{})
	outside := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(outside, "sub"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(e.Root(), "sub"), 0o755))
	t.Setenv("CDPATH", outside)

	res, err := e.Execute(context.Background(), "cd sub && touch y.txt")
	require.NoError(t, err)
	require.True(t, res.Succeeded(), res.Stderr)
	assert.FileExists(t, filepath.Join(e.Root(), "sub", "y.txt"))
	assert.NoFileExists(t, filepath.Join(outside, "sub", "y.txt"))
}

func TestChildEnv_DropsCDPATH(t *testing.T) {
	env := childEnv([]string{"PATH=/bin", "CDPATH=/tmp", "HOME=/root", "CDPATHX=1"})
	assert.Equal(t, []string{"PATH=/bin", "HOME=/root", "CDPATHX=1"}, env)
}
