// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultTimeout applies to ordinary commands.
	DefaultTimeout = 30 * time.Second

	// DefaultExtendedTimeout applies to install and build commands.
	DefaultExtendedTimeout = 300 * time.Second

	// DefaultOutputLimit bounds captured stdout and stderr, each.
	DefaultOutputLimit = 8000

	// waitDelay bounds how long Wait blocks on inherited pipes after kill.
	waitDelay = 2 * time.Second
)

// Notifier receives audible notification signals.
type Notifier interface {
	Notify(signals int, message string)
}

// Config configures an Executor.
type Config struct {
	// Root is the workspace boundary. All writes must resolve inside it.
	Root string

	// WorkDir is where commands run and relative targets resolve.
	// Empty means Root.
	WorkDir string

	// DefaultTimeout applies to ordinary commands.
	DefaultTimeout time.Duration

	// ExtendedTimeout applies to install and build commands.
	ExtendedTimeout time.Duration

	// OutputLimit bounds stdout and stderr in bytes, each.
	OutputLimit int

	// Shell runs the command with -c. Empty means "sh".
	Shell string
}

// CommandResult is the outcome of one command proposal.
type CommandResult struct {
	Command   string        `json:"command"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  int           `json:"exit_code"`
	TimedOut  bool          `json:"timed_out"`
	Blocked   bool          `json:"blocked"`
	Rule      Rule          `json:"rule,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Timeout   time.Duration `json:"timeout"`
	Duration  time.Duration `json:"duration"`
	Truncated bool          `json:"truncated"`
}

// Succeeded reports whether the command ran and exited zero.
func (r *CommandResult) Succeeded() bool {
	return !r.Blocked && !r.TimedOut && r.ExitCode == 0
}

// Option configures optional Executor dependencies.
type Option func(*Executor)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithNotifier sets the notifier signalled on every blocked command.
func WithNotifier(n Notifier) Option {
	return func(e *Executor) {
		e.notifier = n
	}
}

// Executor runs model-proposed commands inside a workspace.
//
// Thread Safety: Execute and WriteFile are serialized by an internal mutex.
type Executor struct {
	mu       sync.Mutex
	policy   *Policy
	cfg      Config
	logger   *slog.Logger
	notifier Notifier
}

// NewExecutor creates an executor bound to cfg.Root.
//
// Description:
//
//	Fills zero config values with defaults and builds the Policy. The root
//	directory is created if it does not exist.
//
// Inputs:
//
//	cfg - Executor configuration. Root is required.
//	opts - Optional logger and notifier.
//
// Outputs:
//
//	*Executor - The configured executor.
//	error - ErrEmptyRoot or a filesystem error.
func NewExecutor(cfg Config, opts ...Option) (*Executor, error) {
	if cfg.Root == "" {
		return nil, ErrEmptyRoot
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.ExtendedTimeout <= 0 {
		cfg.ExtendedTimeout = DefaultExtendedTimeout
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = DefaultOutputLimit
	}
	if cfg.Shell == "" {
		cfg.Shell = "sh"
	}

	policy, err := NewPolicy(cfg.Root, cfg.WorkDir)
	if err != nil {
		return nil, err
	}
	cfg.Root = policy.Root()
	cfg.WorkDir = policy.WorkDir()

	e := &Executor{
		policy: policy,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Root returns the canonical workspace root.
func (e *Executor) Root() string {
	return e.cfg.Root
}

// WorkDir returns the canonical working directory.
func (e *Executor) WorkDir() string {
	return e.cfg.WorkDir
}

// Check returns the pipeline verdict for a command without running it.
func (e *Executor) Check(command string) Verdict {
	return e.policy.Check(command)
}

// Execute validates and runs one command.
//
// Description:
//
//	Blocked commands are never started. They return ExitCode -1 with the
//	reason copied into Stderr, emit one notification signal and increment
//	the decisions metric. Allowed commands run via "sh -c" in WorkDir with
//	a tier timeout. On expiry the whole process group is killed and
//	TimedOut is set.
//
// Inputs:
//
//	ctx - Parent context. Cancellation aborts the command.
//	command - The raw command proposal.
//
// Outputs:
//
//	*CommandResult - Always non-nil.
//	error - Non-nil only when ctx was cancelled by the caller.
//
// Thread Safety: Calls are serialized.
func (e *Executor) Execute(ctx context.Context, command string) (*CommandResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	verdict := e.policy.Check(command)
	recordDecision(verdict)
	if !verdict.Allowed {
		e.logger.Warn("sandbox blocked command",
			slog.String("command", command),
			slog.String("rule", string(verdict.Rule)),
			slog.String("reason", verdict.Reason))
		if e.notifier != nil {
			e.notifier.Notify(1, verdict.Reason)
		}
		return &CommandResult{
			Command:  command,
			Stderr:   verdict.Reason,
			ExitCode: -1,
			Blocked:  true,
			Rule:     verdict.Rule,
			Reason:   verdict.Reason,
		}, nil
	}

	timeout := TimeoutFor(verdict.Tier, e.cfg.DefaultTimeout, e.cfg.ExtendedTimeout)
	result := e.run(ctx, command, timeout)
	commandDuration.WithLabelValues(string(verdict.Tier)).Observe(result.Duration.Seconds())
	if result.TimedOut {
		timeoutsTotal.WithLabelValues(string(verdict.Tier)).Inc()
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	e.logger.Info("sandbox executed command",
		slog.String("command", command),
		slog.Int("exit_code", result.ExitCode),
		slog.Bool("timed_out", result.TimedOut),
		slog.Duration("duration", result.Duration))
	return result, nil
}

func (e *Executor) run(ctx context.Context, command string, timeout time.Duration) *CommandResult {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := newLimitedBuffer(e.cfg.OutputLimit)
	stderr := newLimitedBuffer(e.cfg.OutputLimit)

	cmd := exec.CommandContext(runCtx, e.cfg.Shell, "-c", command)
	cmd.Dir = e.cfg.WorkDir
	cmd.Env = childEnv(os.Environ())
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	configureProcessGroup(cmd)

	start := time.Now()
	err := cmd.Run()
	result := &CommandResult{
		Command:   command,
		Timeout:   timeout,
		Duration:  time.Since(start),
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}

	switch {
	case err == nil:
		result.ExitCode = 0
	case ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.TimedOut = true
		result.ExitCode = -1
		if result.Stderr != "" {
			result.Stderr += "\n"
		}
		result.Stderr += fmt.Sprintf("TIMEOUT: command exceeded %s and was killed", timeout)
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			if result.Stderr != "" {
				result.Stderr += "\n"
			}
			result.Stderr += err.Error()
		}
	}
	return result
}

// childEnv copies the environment for a command, dropping CDPATH so
// relative cd resolves the way the policy resolved it.
func childEnv(environ []string) []string {
	env := make([]string, 0, len(environ))
	for _, kv := range environ {
		if strings.HasPrefix(kv, cdpathVar+"=") {
			continue
		}
		env = append(env, kv)
	}
	return env
}

// WriteFile writes content to a workspace-relative path after containment
// checking. Parent directories are created.
//
// Outputs:
//
//	string - The canonical absolute path written.
//	error - ErrOutsideWorkspace or a filesystem error.
func (e *Executor) WriteFile(path, content string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	abs, err := e.policy.CheckPath(path)
	if err != nil {
		decisionsTotal.WithLabelValues("blocked", string(RuleContainment)).Inc()
		e.logger.Warn("sandbox blocked file write", slog.String("path", path))
		if e.notifier != nil {
			e.notifier.Notify(1, fmt.Sprintf("BLOCKED: write to %s", path))
		}
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("create parent of %s: %w", path, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return abs, nil
}

// ReadFile reads a workspace-relative path. Reads are not containment
// checked beyond path resolution against the root.
func (e *Executor) ReadFile(path string) (string, error) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(e.cfg.Root, abs)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// limitedBuffer keeps the first max bytes written and discards the rest
// while still reporting full writes, so the child never sees EPIPE.
type limitedBuffer struct {
	buf       []byte
	max       int
	truncated bool
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := b.max - len(b.buf)
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return string(b.buf)
}

func (b *limitedBuffer) Truncated() bool {
	return b.truncated
}
