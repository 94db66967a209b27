// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package steering loads the human-authored steering files and assembles
// prompts around them.
//
// The steering context (philosophy, task specification, codebase summary)
// is supplied in full on every model call. When a prompt exceeds the
// context budget only the non-steering tail is truncated.
package steering

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Sentinel errors for the steering package.
var (
	// ErrMissingPhilosophy indicates the philosophy file is absent or empty.
	ErrMissingPhilosophy = errors.New("philosophy file missing or empty")

	// ErrMissingTask indicates the task file is absent or empty.
	ErrMissingTask = errors.New("task file missing or empty")
)

const (
	// SectionScope lists the files in play, relative to the workspace.
	SectionScope = "Scope"

	// SectionDomainKnowledge holds facts the models must not guess.
	SectionDomainKnowledge = "Domain Knowledge"

	// SectionConstraints lists what the models must not do.
	SectionConstraints = "Constraints"
)

var scopeFile = regexp.MustCompile(`[\w/\-.]+\.(?:py|go|js|ts|json|yaml|yml|toml|cfg|txt|md)\b`)

// TaskSpec is the parsed task file.
type TaskSpec struct {
	Raw             string
	Description     string
	Scope           []string
	DomainKnowledge string
	Constraints     string
}

// ParseTask splits a task markdown file into its sections.
func ParseTask(raw string) *TaskSpec {
	spec := &TaskSpec{Raw: raw}
	sections := splitSections(raw)
	spec.Description = strings.TrimSpace(sections[""])
	spec.DomainKnowledge = strings.TrimSpace(sections[SectionDomainKnowledge])
	spec.Constraints = strings.TrimSpace(sections[SectionConstraints])

	seen := make(map[string]bool)
	for _, m := range scopeFile.FindAllString(sections[SectionScope], -1) {
		path := stripWorkspace(m)
		if !seen[path] {
			seen[path] = true
			spec.Scope = append(spec.Scope, path)
		}
	}
	return spec
}

// splitSections maps "## Name" headings to their bodies. Text under the
// top-level "# " heading is stored under the empty key.
func splitSections(raw string) map[string]string {
	sections := make(map[string]string)
	current := ""
	var body strings.Builder
	flush := func() {
		sections[current] += body.String()
		body.Reset()
	}
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "## ") {
			flush()
			current = strings.TrimSpace(strings.TrimPrefix(trimmed, "## "))
			continue
		}
		if strings.HasPrefix(trimmed, "# ") && current == "" {
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	flush()
	return sections
}

func stripWorkspace(path string) string {
	for _, prefix := range []string{"workspace/", "./"} {
		path = strings.TrimPrefix(path, prefix)
	}
	return path
}

// Context is the steering context re-supplied on every model call.
type Context struct {
	Philosophy string
	Task       *TaskSpec
	Summary    string
}

// Files names the steering files of a project.
type Files struct {
	ProjectDir string
	Philosophy string
	Task       string
}

// PhilosophyPath returns the absolute philosophy file path.
func (f Files) PhilosophyPath() string {
	return resolve(f.ProjectDir, f.Philosophy)
}

// TaskPath returns the absolute task file path.
func (f Files) TaskPath() string {
	return resolve(f.ProjectDir, f.Task)
}

func resolve(dir, name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}

// Load reads both steering files.
//
// Outputs:
//
//	*Context - Philosophy and parsed task. Summary is left empty.
//	error - ErrMissingPhilosophy or ErrMissingTask.
func Load(files Files) (*Context, error) {
	philosophy, err := readNonEmpty(files.PhilosophyPath())
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingPhilosophy, files.Philosophy)
	}
	task, err := readNonEmpty(files.TaskPath())
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingTask, files.Task)
	}
	return &Context{Philosophy: philosophy, Task: ParseTask(task)}, nil
}

func readNonEmpty(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", errors.New("empty file")
	}
	return string(data), nil
}

// File is a workspace file shown to a model.
type File struct {
	Path    string
	Content string
}

// ScopeFiles loads the task's scope files that exist under root. Paths
// that resolve outside root are skipped.
func ScopeFiles(task *TaskSpec, root string) []File {
	if task == nil {
		return nil
	}
	return ReadFiles(root, task.Scope)
}

// ReadFiles loads the given workspace-relative paths that exist under root.
func ReadFiles(root string, paths []string) []File {
	var files []File
	for _, p := range paths {
		abs := filepath.Join(root, p)
		rel, err := filepath.Rel(root, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			continue
		}
		files = append(files, File{Path: p, Content: string(data)})
	}
	return files
}
