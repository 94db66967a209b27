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
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/isomira/cmd/isomira/config"
	"github.com/AleutianAI/isomira/pkg/ux"
)

// ErrProjectExists is returned when init targets an existing path.
var ErrProjectExists = errors.New("directory already exists")

const philosophyTemplate = `This project prioritises correctness over cleverness. Every function does one thing.
Error handling is explicit -- no silent swallowing of exceptions. Dependencies are
minimal: stdlib + requests + pytest. Code should be readable by one person six months
from now without any comments explaining "why" -- the structure itself should make
intent obvious. If a choice is between simplicity and performance, choose simplicity
until profiling proves otherwise.
`

const taskTemplate = `# Task

[Plain language description of what needs to happen]

## Scope

[Which files/directories are in play, relative to workspace]

workspace/my_module.py

## Domain Knowledge

[CRITICAL: Front-load every fact the models need that they might fabricate.
API parameter ranges, library function signatures, algorithm specifics.
If a quantized model might guess wrong, state it here.]

## Constraints

[What the models must NOT do. Packages to avoid. Patterns to follow.]

- Dependencies: stdlib only.
- All public methods must have type hints.
`

const gitignoreTemplate = `__pycache__/
*.pyc
.pytest_cache/
workspace/
isomira.log
.isomira/
`

var initCmd = &cobra.Command{
	Use:   "init <name>",
	Short: "Scaffold a project directory with steering files and a workspace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := scaffold(args[0])
		if err != nil {
			return err
		}
		ux.Success("Project initialised: " + dir)
		ux.Info("Edit philosophy.md and task.md, then run:")
		ux.Info("isomira run --project " + args[0])
		return nil
	},
}

// scaffold creates name with philosophy.md, task.md, workspace/ and
// .gitignore. It refuses to touch an existing path.
func scaffold(name string) (string, error) {
	dir, err := filepath.Abs(name)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", name, err)
	}
	if _, err := os.Stat(dir); err == nil {
		return "", fmt.Errorf("%w: %s", ErrProjectExists, dir)
	}
	if err := os.MkdirAll(filepath.Join(dir, config.WorkspaceDir), 0o755); err != nil {
		return "", fmt.Errorf("create project: %w", err)
	}

	files := []struct {
		name    string
		content string
	}{
		{"philosophy.md", philosophyTemplate},
		{"task.md", taskTemplate},
		{".gitignore", gitignoreTemplate},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), []byte(f.content), 0o644); err != nil {
			return "", fmt.Errorf("write %s: %w", f.name, err)
		}
	}
	return dir, nil
}
