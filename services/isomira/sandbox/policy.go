// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sandbox validates and executes shell commands proposed by a model.
//
// Every proposal passes a fixed decision pipeline before anything runs:
//
//  1. Foreground detection: log-follow, watchers, dev servers and full-screen
//     programs never terminate on their own and are rejected.
//  2. Privilege gating: sudo is only permitted for a fixed set of
//     administrative verbs.
//  3. Write-path containment: every path the command could write is resolved
//     and must lie inside the workspace root.
//  4. Timeout classification: build and install invocations get a longer
//     timeout than everything else.
//
// Reads are unrestricted. The boundary is "do not destroy or exfiltrate",
// not "do not observe".
//
// Thread Safety:
//
//	Executor serializes Execute calls. Policy is immutable after creation
//	and safe for concurrent use.
package sandbox

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Rule identifies which stage of the pipeline produced a verdict.
type Rule string

const (
	// RuleNone means the command passed every check.
	RuleNone Rule = ""

	// RuleForeground rejects non-terminating or interactive invocations.
	RuleForeground Rule = "foreground"

	// RulePrivilege rejects sudo with a verb outside the allowlist.
	RulePrivilege Rule = "privilege"

	// RuleContainment rejects writes that resolve outside the workspace.
	RuleContainment Rule = "containment"

	// RuleUnverifiable rejects commands whose write targets cannot be
	// determined statically.
	RuleUnverifiable Rule = "unverifiable"
)

// TimeoutTier selects the timeout applied to an allowed command.
type TimeoutTier string

const (
	// TierDefault is the short timeout for ordinary commands.
	TierDefault TimeoutTier = "default"

	// TierExtended is the long timeout for install and build commands.
	TierExtended TimeoutTier = "extended"
)

// NullDevice is the only path outside the workspace a command may write.
const NullDevice = "/dev/null"

// Verdict is the outcome of checking a single command proposal.
type Verdict struct {
	// Allowed is true when the command may be executed.
	Allowed bool `json:"allowed"`

	// Rule is the pipeline stage that blocked the command, if any.
	Rule Rule `json:"rule,omitempty"`

	// Reason is the feedback text returned to the proposing role.
	Reason string `json:"reason,omitempty"`

	// Targets are the canonical write targets found in the command.
	Targets []string `json:"targets,omitempty"`

	// Tier is the timeout tier assigned to an allowed command.
	Tier TimeoutTier `json:"tier,omitempty"`
}

// PrivilegedAllowlist lists the verbs that may follow sudo.
//
// Package management, service lifecycle, process inspection and
// termination, and firewall or network status. Nothing else.
var PrivilegedAllowlist = map[string]bool{
	"apt":       true,
	"apt-get":   true,
	"dpkg":      true,
	"systemctl": true,
	"service":   true,
	"kill":      true,
	"killall":   true,
	"pkill":     true,
	"lsof":      true,
	"fuser":     true,
	"ufw":       true,
	"netstat":   true,
	"ss":        true,
}

// foregroundPatterns match a single simple command, after wrapper prefixes
// (env, nohup, nice, sudo) have been removed.
var foregroundPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^tail\b.*\s-[a-zA-Z0-9]*[fF]\b`),
	regexp.MustCompile(`^tail\b.*\s--follow\b`),
	regexp.MustCompile(`^(journalctl|kubectl logs|docker logs|docker compose logs|docker-compose logs)\b.*\s(-f|--follow)\b`),
	regexp.MustCompile(`^watch\b`),
	regexp.MustCompile(`^(inotifywait|fswatch|entr|nodemon)\b`),
	regexp.MustCompile(`^python[0-9.]*\s+-m\s+http\.server\b`),
	regexp.MustCompile(`^python[0-9.]*\s+manage\.py\s+runserver\b`),
	regexp.MustCompile(`^(npm|pnpm|yarn)\s+(run\s+)?(dev|start|serve|watch)\b`),
	regexp.MustCompile(`^node\b.*\s--watch\b`),
	regexp.MustCompile(`^flask\s+run\b`),
	regexp.MustCompile(`^(uvicorn|gunicorn|hypercorn|jupyter|jupyter-lab|jupyter-notebook)\b`),
	regexp.MustCompile(`^streamlit\s+run\b`),
	regexp.MustCompile(`^php\s+-S\b`),
	regexp.MustCompile(`^(less|more|vi|vim|nvim|nano|emacs|top|htop|btop|man)\b`),
	regexp.MustCompile(`^(python[0-9.]*|node|irb|psql|mysql|sqlite3)$`),
}

// extendedTimeoutPatterns match long-running package manager and build
// invocations anywhere in the command text.
var extendedTimeoutPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(apt|apt-get)\s+(-\S+\s+)*(install|upgrade|update)\b`),
	regexp.MustCompile(`\bpip[0-9.]*\s+install\b`),
	regexp.MustCompile(`\bpython[0-9.]*\s+-m\s+pip\s+install\b`),
	regexp.MustCompile(`\b(npm|pnpm|yarn)\s+(install|ci|add)\b`),
	regexp.MustCompile(`\bcargo\s+(build|install)\b`),
	regexp.MustCompile(`\bgo\s+(build|install|get|mod\s+download)\b`),
	regexp.MustCompile(`\bpoetry\s+install\b`),
	regexp.MustCompile(`\buv\s+(pip\s+install|sync)\b`),
	regexp.MustCompile(`\bconda\s+install\b`),
}

// Policy decides whether a command may run inside a workspace.
//
// Policy never executes anything and only touches the filesystem to
// resolve symlinks of existing path prefixes.
type Policy struct {
	root    string
	workDir string
	home    string
}

// NewPolicy creates a policy for the given workspace root.
//
// Description:
//
//	Canonicalizes the root (absolute, cleaned, symlinks of existing
//	prefixes resolved). Relative targets in commands resolve against
//	workDir, which defaults to the root.
//
// Inputs:
//
//	root - Workspace root. Must not be empty.
//	workDir - Directory commands run in. Empty means root.
//
// Outputs:
//
//	*Policy - The configured policy.
//	error - ErrEmptyRoot or a path resolution error.
func NewPolicy(root, workDir string) (*Policy, error) {
	if strings.TrimSpace(root) == "" {
		return nil, ErrEmptyRoot
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	canonicalRoot := canonicalize(absRoot)

	if workDir == "" {
		workDir = canonicalRoot
	}
	absWork, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	return &Policy{
		root:    canonicalRoot,
		workDir: canonicalize(absWork),
		home:    userHome(),
	}, nil
}

// Root returns the canonical workspace root.
func (p *Policy) Root() string {
	return p.root
}

// WorkDir returns the canonical working directory.
func (p *Policy) WorkDir() string {
	return p.workDir
}

// Check runs the decision pipeline for one command without executing it.
//
// Description:
//
//	Parses the command with a POSIX/bash parser, then applies foreground
//	detection, privilege gating and write-path containment in that order.
//	The first failing stage determines the verdict. Allowed commands are
//	assigned a timeout tier.
//
// Inputs:
//
//	command - The raw command proposal.
//
// Outputs:
//
//	Verdict - Allowed, or blocked with a rule and a feedback reason.
//
// Thread Safety: This method is safe for concurrent use.
func (p *Policy) Check(command string) Verdict {
	stripped := strings.TrimSpace(command)
	if stripped == "" {
		return blocked(RuleUnverifiable, "BLOCKED: empty command.")
	}

	a, err := analyze(stripped, p.workDir, p.home)
	if err != nil {
		// Fall back to raw text matching so the feedback stays specific.
		if pattern := matchForeground(stripped); pattern != "" {
			return blocked(RuleForeground, foregroundReason(pattern))
		}
		return blocked(RuleUnverifiable,
			fmt.Sprintf("BLOCKED: command could not be parsed (%v). Rewrite it as plain shell syntax.", err))
	}

	// 1. Foreground / interactive detection.
	for _, c := range a.commands {
		if c.bounded {
			continue
		}
		if pattern := matchForeground(c.text); pattern != "" {
			return blocked(RuleForeground, foregroundReason(pattern))
		}
	}

	// 2. Privilege gating.
	for _, c := range a.commands {
		if c.privileged && !PrivilegedAllowlist[c.sudoVerb] {
			return blocked(RulePrivilege, fmt.Sprintf(
				"BLOCKED: sudo %s is not on the allowed list. Allowed sudo commands: %s",
				c.sudoVerb, strings.Join(allowlistNames(), ", ")))
		}
	}

	// 3. Write-path containment. A link pointing outside the root would
	// carry later writes with it.
	for _, s := range a.linkSources {
		if !within(p.root, canonicalize(s.resolved)) {
			return blocked(RuleContainment, fmt.Sprintf(
				"BLOCKED: Command links to a path outside workspace: %s. All file modifications must target paths within %s",
				s.path, p.root))
		}
	}
	if len(a.unverifiable) > 0 {
		return blocked(RuleUnverifiable, fmt.Sprintf(
			"BLOCKED: write target %s cannot be resolved statically. Use literal paths inside %s.",
			a.unverifiable[0], p.root))
	}
	resolved := make([]string, 0, len(a.targets))
	for _, t := range a.targets {
		if isExempt(t.path) {
			continue
		}
		if t.remote {
			return blocked(RuleContainment, fmt.Sprintf(
				"BLOCKED: Command writes outside workspace: %s. All file modifications must target paths within %s",
				t.path, p.root))
		}
		abs := canonicalize(t.resolved)
		if !within(p.root, abs) {
			return blocked(RuleContainment, fmt.Sprintf(
				"BLOCKED: Command writes outside workspace: %s. All file modifications must target paths within %s",
				t.path, p.root))
		}
		resolved = append(resolved, abs)
	}

	// 4. Timeout classification.
	return Verdict{
		Allowed: true,
		Targets: resolved,
		Tier:    classifyTimeout(stripped),
	}
}

// CheckPath resolves a file path proposed for a direct write.
//
// Description:
//
//	Applies the same containment rule as command targets. Relative paths
//	resolve against the workspace root (not the working directory), since
//	file edits are always expressed relative to the workspace.
//
// Inputs:
//
//	path - The proposed file path.
//
// Outputs:
//
//	string - The canonical absolute path inside the root.
//	error - ErrOutsideWorkspace if the path escapes the root.
func (p *Policy) CheckPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrOutsideWorkspace)
	}
	if strings.HasPrefix(path, "~") {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, path)
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(p.root, abs)
	}
	canonical := canonicalize(filepath.Clean(abs))
	if !within(p.root, canonical) || canonical == p.root {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, path)
	}
	return canonical, nil
}

// classifyTimeout assigns the extended tier to install and build commands.
func classifyTimeout(command string) TimeoutTier {
	for _, re := range extendedTimeoutPatterns {
		if re.MatchString(command) {
			return TierExtended
		}
	}
	return TierDefault
}

// TimeoutFor returns the duration for a tier.
func TimeoutFor(tier TimeoutTier, def, extended time.Duration) time.Duration {
	if tier == TierExtended {
		return extended
	}
	return def
}

func matchForeground(text string) string {
	for _, re := range foregroundPatterns {
		if re.MatchString(text) {
			return re.String()
		}
	}
	return ""
}

func foregroundReason(pattern string) string {
	return fmt.Sprintf("BLOCKED: Foreground/interactive process detected (%s). "+
		"Rewrite as a one-shot command or bound it explicitly with timeout.", pattern)
}

func blocked(rule Rule, reason string) Verdict {
	return Verdict{Allowed: false, Rule: rule, Reason: reason}
}

func allowlistNames() []string {
	names := make([]string, 0, len(PrivilegedAllowlist))
	for name := range PrivilegedAllowlist {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
