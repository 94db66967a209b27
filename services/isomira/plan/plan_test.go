// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/isomira/services/isomira/verify"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		text string
		key  string
	}{
		{"bare object", `{"a": 1}`, "a"},
		{"json fence", "```json\n{\"b\": 2}\n```", "b"},
		{"plain fence", "```\n{\"c\": 3}\n```", "c"},
		{"surrounding prose", "Here is the plan:\n{\"d\": 4}\nHope this helps.", "d"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj, err := ExtractJSON(tt.text)
			require.NoError(t, err)
			assert.Contains(t, obj, tt.key)
		})
	}

	_, err := ExtractJSON("no json here")
	assert.ErrorIs(t, err, ErrUnparseable)

	_, err = ExtractJSON("[1, 2, 3]")
	assert.ErrorIs(t, err, ErrUnparseable)
}

func TestStripThinkBlocks(t *testing.T) {
	got := StripThinkBlocks("<think>\nlet me reason {not json}\n</think>\n{\"ok\": true}")
	assert.Equal(t, `{"ok": true}`, got)
}

func TestParsePlanResponse(t *testing.T) {
	text := `{
	  "tests": {"filename": "workspace/test_calc.py", "content": "def test_add():\n    assert add(1, 2) == 3\n"},
	  "plan": [{"filepath": "workspace/calc.py", "operation": "create",
	            "functions": [{"name": "add", "signature": "def add(a, b)", "pseudocode": "sum"}]}]
	}`
	resp, err := ParsePlanResponse(text, "test_module.py")
	require.NoError(t, err)
	assert.Equal(t, "test_calc.py", resp.Tests.Filename)
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "calc.py", resp.Entries[0].Path)
	assert.Equal(t, ActionCreate, resp.Entries[0].Action)
	assert.Equal(t, "sum", resp.Entries[0].Functions[0].Intent)
}

func TestParsePlanResponse_Errors(t *testing.T) {
	tests := []struct {
		name string
		text string
		want error
	}{
		{"unparseable", "I cannot do that", ErrUnparseable},
		{"missing plan", `{"tests": {"content": "def test_a(): pass"}}`, ErrMissingFields},
		{"empty tests", `{"tests": {"filename": "t.py", "content": ""}, "plan": [{"file": "a.py"}]}`, ErrEmptyTests},
		{"no entries", `{"tests": {"content": "def test_a(): pass"}, "plan": [{"note": "think harder"}]}`, ErrNoEntries},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePlanResponse(tt.text, "test_module.py")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParsePlanResponse_DefaultTestFilename(t *testing.T) {
	resp, err := ParsePlanResponse(`{"tests": {"content": "def test_a(): pass"}, "plan": ["implement app.py"]}`, "test_module.py")
	require.NoError(t, err)
	assert.Equal(t, "test_module.py", resp.Tests.Filename)
	assert.Equal(t, "app.py", resp.Entries[0].Path)
}

func TestParseReplan(t *testing.T) {
	resp, err := ParseReplan(`{"plan": [{"file": "calc.py", "action": "modify"}]}`, "test_calc.py")
	require.NoError(t, err)
	assert.Equal(t, "test_calc.py", resp.Tests.Filename)
	assert.Empty(t, resp.Tests.Content)
	require.Len(t, resp.Entries, 1)

	resp, err = ParseReplan(`{"tests": {"content": "def test_a(): pass"}}`, "test_calc.py")
	require.NoError(t, err)
	assert.Empty(t, resp.Entries)
	assert.Equal(t, "def test_a(): pass", resp.Tests.Content)

	_, err = ParseReplan("no json", "test_calc.py")
	assert.ErrorIs(t, err, ErrUnparseable)
}

func TestNormalize(t *testing.T) {
	raw := []any{
		map[string]any{"target_file": "./src/a.py", "type": "modify"},
		map[string]any{"note": "fix the loop in workspace/b.py please"},
		map[string]any{"function": "fix_c", "details": "no file named"},
		"update utils/helpers.py",
		"just words",
		42,
	}

	got := Normalize(raw, "")
	require.Len(t, got, 3)
	assert.Equal(t, "src/a.py", got[0].Path)
	assert.Equal(t, ActionModify, got[0].Action)
	assert.NotNil(t, got[0].Functions)
	assert.Equal(t, "b.py", got[1].Path)
	assert.Equal(t, "utils/helpers.py", got[2].Path)

	withFallback := Normalize(raw, "main.py")
	require.Len(t, withFallback, 4)
	assert.Equal(t, "main.py", withFallback[2].Path)
}

func TestNormalize_FileKeyNeedsDot(t *testing.T) {
	got := Normalize([]any{map[string]any{"module": "calc", "path": "calc.py"}}, "")
	require.Len(t, got, 1)
	assert.Equal(t, "calc.py", got[0].Path)
}

func TestParseAudit(t *testing.T) {
	a, err := ParseAudit(`{"tests_correct": false,
		"issues": [{"test_name": "test_x", "problem": "reversed", "fix": "use <"}],
		"tests": {"filename": "test_calc.py", "content": "def test_x(): pass\n"}}`, "test_calc.py")
	require.NoError(t, err)
	assert.False(t, a.TestsCorrect)
	require.Len(t, a.Issues, 1)
	assert.Equal(t, "test_x", a.Issues[0].TestName)
	require.NotNil(t, a.Tests)
	assert.Equal(t, "test_calc.py", a.Tests.Filename)

	a, err = ParseAudit(`{"issues": []}`, "test_calc.py")
	require.NoError(t, err)
	assert.True(t, a.TestsCorrect)
	assert.Nil(t, a.Tests)
}

func TestParseReview(t *testing.T) {
	text := `{"plan": [
		{"function": "div", "description": "guard zero", "code": "def div(a, b):\n    if b == 0:\n        raise ValueError\n    return a / b"},
		{"file": "calc.py", "code": "short"}
	], "diagnosis": "division by zero not handled"}`

	r, err := ParseReview(text, "calc.py")
	require.NoError(t, err)
	assert.Equal(t, "division by zero not handled", r.Diagnosis)
	require.Len(t, r.Entries, 2)
	assert.Equal(t, "calc.py", r.Entries[0].Path)
	assert.Contains(t, r.Code, "# Fix: guard zero\ndef div(a, b):")
	assert.NotContains(t, r.Code, "short")
}

func TestParseAmendment(t *testing.T) {
	a, err := ParseAmendment(`{"diagnosis": "range unknown", "dk_addition": "  Values are 0..1.  ", "confidence": "High"}`)
	require.NoError(t, err)
	assert.Equal(t, "high", a.Confidence)
	assert.Equal(t, "Values are 0..1.", a.Addition)
	assert.True(t, a.Accepted())

	a, err = ParseAmendment(`{"diagnosis": "unsure"}`)
	require.NoError(t, err)
	assert.Equal(t, "low", a.Confidence)
	assert.False(t, a.Accepted())
}

func TestParseFileBlocks(t *testing.T) {
	text := "Sure!\n===FILE: workspace/calc.py===\ndef add(a, b):\n    return a + b\n===END FILE===\n" +
		"===FILE: util.py ===\nX = 1\n===END FILE==="
	blocks := ParseFileBlocks(text)
	require.Len(t, blocks, 2)
	assert.Equal(t, "calc.py", blocks[0].Path)
	assert.Equal(t, "def add(a, b):\n    return a + b\n", blocks[0].Content)
	assert.Equal(t, "util.py", blocks[1].Path)
}

func TestParseCmdBlocks(t *testing.T) {
	text := "===CMD===\npip install requests\n===END CMD===\n===CMD===\n\n===END CMD==="
	assert.Equal(t, []string{"pip install requests"}, ParseCmdBlocks(text))
}

func TestCountTests(t *testing.T) {
	py := "import pytest\n\ndef test_a():\n    pass\n\ndef test_b():\n    pass\n\ndef helper():\n    pass\n\nclass TestX:\n    def test_c(self):\n        pass\n\n    def _setup(self):\n        pass\n\nasync def test_d():\n    pass\n"
	assert.Equal(t, 4, CountTests(verify.FrameworkPytest, py))

	goSrc := "package x\n\nfunc TestA(t *testing.T) {}\nfunc TestB(t *testing.T) {}\nfunc helper() {}\n"
	assert.Equal(t, 2, CountTests(verify.FrameworkGoTest, goSrc))
}

func TestPlan_Paths(t *testing.T) {
	p := &Plan{Entries: []Entry{{Path: "a.py"}, {Path: "b.py"}, {Path: "a.py"}}}
	assert.Equal(t, []string{"a.py", "b.py"}, p.Paths())
	assert.Equal(t, "a.py", p.FirstPath())
	assert.Contains(t, p.EntriesJSON(), `"file": "a.py"`)
}
