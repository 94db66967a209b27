// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package steering

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTask = `# Task

Build a gradient helper.

## Scope

workspace/gradient.py
utils/colors.py and ./README.md

## Domain Knowledge

Hue wraps at 360.

## Constraints

- Dependencies: stdlib only.
`

func TestParseTask(t *testing.T) {
	spec := ParseTask(sampleTask)
	assert.Equal(t, "Build a gradient helper.", spec.Description)
	assert.Equal(t, []string{"gradient.py", "utils/colors.py", "README.md"}, spec.Scope)
	assert.Equal(t, "Hue wraps at 360.", spec.DomainKnowledge)
	assert.Equal(t, "- Dependencies: stdlib only.", spec.Constraints)
	assert.Equal(t, sampleTask, spec.Raw)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	files := Files{ProjectDir: dir, Philosophy: "philosophy.md", Task: "task.md"}

	_, err := Load(files)
	assert.ErrorIs(t, err, ErrMissingPhilosophy)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "philosophy.md"), []byte("Be simple."), 0o644))
	_, err = Load(files)
	assert.ErrorIs(t, err, ErrMissingTask)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "task.md"), []byte("  \n"), 0o644))
	_, err = Load(files)
	assert.ErrorIs(t, err, ErrMissingTask)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "task.md"), []byte(sampleTask), 0o644))
	ctx, err := Load(files)
	require.NoError(t, err)
	assert.Equal(t, "Be simple.", ctx.Philosophy)
	assert.Equal(t, "Hue wraps at 360.", ctx.Task.DomainKnowledge)
}

func TestScopeFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "gradient.py"), []byte("x = 1\n"), 0o644))

	files := ScopeFiles(ParseTask(sampleTask), root)
	require.Len(t, files, 1)
	assert.Equal(t, "gradient.py", files[0].Path)
	assert.Equal(t, "x = 1\n", files[0].Content)

	assert.Empty(t, ReadFiles(root, []string{"../outside.py"}))
}

func TestAmend_ExistingSection(t *testing.T) {
	got := Amend(sampleTask, "Saturation is 0..1.", 7, 0)

	assert.True(t, strings.HasPrefix(got, sampleTask[:strings.Index(sampleTask, "Hue wraps")]))
	assert.Contains(t, got, "Hue wraps at 360.\n\n[Auto-DK iteration 7, generation 0] Saturation is 0..1.\n\n## Constraints")
	assert.Contains(t, got, "- Dependencies: stdlib only.")
	assert.Equal(t, ParseTask(got).Constraints, ParseTask(sampleTask).Constraints)
}

func TestAmend_LastSection(t *testing.T) {
	task := "# Task\n\nDo it.\n\n## Domain Knowledge\n\nFact one.\n"
	got := Amend(task, "Fact two.", 3, 1)
	assert.Equal(t, "# Task\n\nDo it.\n\n## Domain Knowledge\n\nFact one.\n\n[Auto-DK iteration 3, generation 1] Fact two.\n", got)
}

func TestAmend_IgnoresSubheading(t *testing.T) {
	task := "# Task\n\n## Notes\n\n### Domain Knowledge\n\nNot this one.\n\n## Domain Knowledge\n\nFact one.\n"
	got := Amend(task, "Fact two.", 4, 1)
	assert.Equal(t, task+"\n[Auto-DK iteration 4, generation 1] Fact two.\n", got)
}

func TestAmend_HeadingAtEndOfFile(t *testing.T) {
	task := "# Task\n\nDo it.\n\n## Domain Knowledge"
	got := Amend(task, "Fact.", 2, 1)
	assert.Equal(t, task+"\n\n[Auto-DK iteration 2, generation 1] Fact.\n", got)
	assert.Equal(t, 1, strings.Count(got, "## Domain Knowledge"))
}

func TestAmend_MissingSection(t *testing.T) {
	task := "# Task\n\nDo it.\n"
	got := Amend(task, "Fact.", 5, 0)
	assert.Equal(t, task+"\n\n## Domain Knowledge\n\n[Auto-DK iteration 5, generation 0] Fact.\n", got)
	assert.Contains(t, ParseTask(got).DomainKnowledge, "Fact.")
}

func TestTruncateAddition(t *testing.T) {
	assert.Equal(t, "abc", TruncateAddition("  abc  ", 500))
	assert.Len(t, TruncateAddition(strings.Repeat("x", 600), 500), 500)

	// Multi-byte rune straddling the limit is dropped whole.
	got := TruncateAddition("aé", 2)
	assert.Equal(t, "a", got)
}

func TestPrompt_Render_FitsUntouched(t *testing.T) {
	p := Prompt{System: "sys", Steering: "task", Tail: []string{"a", "", "b"}}
	system, user, truncated := p.Render(16000)
	assert.Equal(t, "sys", system)
	assert.Equal(t, "task\n\na\n\nb", user)
	assert.False(t, truncated)
}

func TestPrompt_Render_TruncatesTailOnly(t *testing.T) {
	steering := strings.Repeat("S", 3000)
	tail := strings.Repeat("T", 9000)
	p := Prompt{System: strings.Repeat("Y", 300), Steering: steering, Tail: []string{tail}}

	// 100 + 1000 + 3000 tokens requested, budget 2000.
	_, user, truncated := p.Render(2000)
	require.True(t, truncated)
	assert.True(t, strings.HasPrefix(user, steering+"\n\n"))
	assert.True(t, strings.HasSuffix(user, TruncationMarker))

	kept := strings.TrimSuffix(strings.TrimPrefix(user, steering+"\n\n"), TruncationMarker)
	assert.Equal(t, (2000-100-1000-ReservedTokens)*CharsPerToken, len(kept))
}

func TestPrompt_Render_SteeringNeverCut(t *testing.T) {
	steering := strings.Repeat("S", 9000)
	p := Prompt{Steering: steering, Tail: []string{"tail"}}

	_, user, truncated := p.Render(1000)
	assert.True(t, truncated)
	assert.Equal(t, steering+"\n\n"+TruncationMarker, user)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens("ab"))
	assert.Equal(t, 3, EstimateTokens("123456789"))
}
