// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/isomira/services/isomira/agent/llm"
	"github.com/AleutianAI/isomira/services/isomira/journal"
	"github.com/AleutianAI/isomira/services/isomira/sandbox"
	"github.com/AleutianAI/isomira/services/isomira/steering"
	"github.com/AleutianAI/isomira/services/isomira/verify"
)

const testTask = `# Task

Implement add and sub in calc.py.

## Scope

workspace/calc.py

## Domain Knowledge

add returns the sum of two integers.

## Constraints

- stdlib only.
`

const planJSON = `{
  "tests": {
    "filename": "test_calc.py",
    "content": "from calc import add, sub\n\ndef test_a():\n    assert add(1, 2) == 3\n\ndef test_b():\n    assert sub(3, 1) == 2\n\ndef test_c():\n    assert add(0, 0) == 0\n"
  },
  "plan": [
    {"file": "calc.py", "action": "create", "functions": [
      {"name": "add", "signature": "def add(a: int, b: int) -> int", "pseudocode": "return a + b"},
      {"name": "sub", "signature": "def sub(a: int, b: int) -> int", "pseudocode": "return a - b"}
    ]}
  ]
}`

const implOutput = "===FILE: calc.py===\ndef add(a, b):\n    return a + b\n\ndef sub(a, b):\n    return a - b\n===END FILE==="

const reviewJSON = `{"plan": [{"file": "calc.py", "action": "modify", "functions": [{"name": "sub", "pseudocode": "return a - b"}]}], "diagnosis": "sub is reversed"}`

// responder routes scripted replies by the role text in the system prompt.
type responder struct {
	mu        sync.Mutex
	plan      string
	replan    string
	implement []string
	audit     string
	review    string
	amend     string
	planCalls int
	implCalls int
}

func (r *responder) respond(req *llm.Request) (*llm.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out string
	switch {
	case strings.Contains(req.System, "planning profile"):
		out = r.plan
		if r.planCalls > 0 && r.replan != "" {
			out = r.replan
		}
		r.planCalls++
	case strings.Contains(req.System, "implementation model"):
		out = implOutput
		if r.implCalls < len(r.implement) {
			out = r.implement[r.implCalls]
		}
		r.implCalls++
	case strings.Contains(req.System, "auditing tests"):
		out = r.audit
	case strings.Contains(req.System, "verified as correct"):
		out = r.review
	case strings.Contains(req.System, "diagnostic consultant"):
		out = r.amend
	default:
		return nil, errors.New("unexpected prompt")
	}
	return &llm.Response{Content: out, Raw: out}, nil
}

type fakeVerifier struct {
	mu      sync.Mutex
	reports []*verify.Report
	calls   int
}

func (f *fakeVerifier) Verify(ctx context.Context, testFile string) (*verify.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.reports) {
		i = len(f.reports) - 1
	}
	f.calls++
	rep := *f.reports[i]
	rep.TestFile = testFile
	return &rep, nil
}

func (f *fakeVerifier) Framework() verify.Framework {
	return verify.FrameworkPytest
}

type fakeSummarizer struct{ calls int }

func (f *fakeSummarizer) Summarize(context.Context, string) (string, error) {
	f.calls++
	return "# Codebase Summary\n\n## File Tree\n  calc.py (4 lines)", nil
}

type notification struct {
	signals int
	message string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *recordingNotifier) Notify(signals int, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{signals, message})
}

func (n *recordingNotifier) signals() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []int
	for _, s := range n.sent {
		out = append(out, s.signals)
	}
	return out
}

type harness struct {
	project   string
	workspace string
	client    *llm.MockClient
	resp      *responder
	verifier  *fakeVerifier
	summary   *fakeSummarizer
	notifier  *recordingNotifier
	journal   *journal.Journal
	loop      *Loop
}

func newHarness(t *testing.T, resp *responder, reports ...*verify.Report) *harness {
	t.Helper()
	project := t.TempDir()
	workspace := filepath.Join(project, "workspace")
	require.NoError(t, os.WriteFile(filepath.Join(project, "philosophy.md"), []byte("Correctness over cleverness."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(project, "task.md"), []byte(testTask), 0o644))

	h := &harness{
		project:   project,
		workspace: workspace,
		resp:      resp,
		verifier:  &fakeVerifier{reports: reports},
		summary:   &fakeSummarizer{},
		notifier:  &recordingNotifier{},
	}
	exec, err := sandbox.NewExecutor(sandbox.Config{Root: workspace}, sandbox.WithNotifier(h.notifier))
	require.NoError(t, err)

	h.journal, err = journal.Open(journal.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.journal.Close() })

	h.client = llm.NewMockClient().WithResponseFunc(resp.respond)
	h.loop, err = NewLoop(Config{
		Steering: steering.Files{ProjectDir: project, Philosophy: "philosophy.md", Task: "task.md"},
	}, Dependencies{
		Client:     h.client,
		Executor:   exec,
		Verifier:   h.verifier,
		Summarizer: h.summary,
		Recorder:   h.journal,
		Notifier:   h.notifier,
	})
	require.NoError(t, err)
	return h
}

func passing() *verify.Report {
	return &verify.Report{
		Passed: true,
		Outcomes: []verify.Outcome{
			{Name: "test_a", Status: verify.StatusPassed},
			{Name: "test_b", Status: verify.StatusPassed},
			{Name: "test_c", Status: verify.StatusPassed},
		},
		Output: "test_calc.py::test_a PASSED\ntest_calc.py::test_b PASSED\ntest_calc.py::test_c PASSED",
	}
}

// failing reports test_a and test_b failing in the given order, with
// test_c passing first or last.
func failing(order []string, passFirst bool) *verify.Report {
	var outcomes []verify.Outcome
	var lines []string
	if passFirst {
		outcomes = append(outcomes, verify.Outcome{Name: "test_c", Status: verify.StatusPassed})
		lines = append(lines, "test_calc.py::test_c PASSED")
	}
	for _, name := range order {
		outcomes = append(outcomes, verify.Outcome{Name: name, Status: verify.StatusFailed})
		lines = append(lines, "test_calc.py::"+name+" FAILED")
	}
	if !passFirst {
		outcomes = append(outcomes, verify.Outcome{Name: "test_c", Status: verify.StatusPassed})
		lines = append(lines, "test_calc.py::test_c PASSED")
	}
	lines = append(lines, "E       assert 4 == 2")
	return &verify.Report{
		Outcomes: outcomes,
		Failing:  verify.FailingSet(outcomes),
		Output:   strings.Join(lines, "\n"),
		ExitCode: 1,
	}
}

// stuckReports returns five failing reports with the same failing names,
// varying order and P/F pattern so only the failing-set signal repeats.
func stuckReports() []*verify.Report {
	return []*verify.Report{
		failing([]string{"test_a", "test_b"}, false),
		failing([]string{"test_b", "test_a"}, true),
		failing([]string{"test_a", "test_b"}, false),
		failing([]string{"test_b", "test_a"}, true),
		failing([]string{"test_a", "test_b"}, false),
	}
}

func baseResponder() *responder {
	return &responder{
		plan:   planJSON,
		audit:  `{"tests_correct": true, "issues": []}`,
		review: reviewJSON,
	}
}

func TestLoop_ExitGate(t *testing.T) {
	h := newHarness(t, baseResponder(), passing(), passing())

	res, err := h.loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseDone, res.Phase)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 2, h.verifier.calls)
	assert.Equal(t, []llm.Role{llm.RoleConsultant, llm.RoleImplementer, llm.RoleImplementer}, h.client.Roles())

	data, err := os.ReadFile(filepath.Join(h.workspace, "test_calc.py"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "def test_a")
	assert.FileExists(t, filepath.Join(h.workspace, "calc.py"))
	assert.Equal(t, []int{1}, h.notifier.signals())

	runs, err := h.journal.Runs(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, journal.OutcomeDone, runs[0].Outcome)
	recs, err := h.journal.Iterations(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestLoop_PassAtMinimumTerminates(t *testing.T) {
	h := newHarness(t, baseResponder(), failing([]string{"test_a"}, false), passing())

	res, err := h.loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, []llm.Role{
		llm.RoleConsultant,
		llm.RoleImplementer, llm.RolePlanner, llm.RolePlanner,
		llm.RoleImplementer,
	}, h.client.Roles())
}

func TestLoop_FiveStuckReportsReachKnowledgeGap(t *testing.T) {
	resp := baseResponder()
	resp.amend = `{"diagnosis": "unclear", "dk_addition": "", "confidence": "low"}`
	h := newHarness(t, resp, stuckReports()...)

	res, err := h.loop.Run(context.Background())
	require.Error(t, err)

	var halted *HaltError
	require.ErrorAs(t, err, &halted)
	assert.Equal(t, HaltKnowledgeGap, halted.Kind)
	assert.Equal(t, 3, halted.Signals)
	assert.Equal(t, "unclear", halted.Diagnosis)
	assert.Contains(t, halted.Evidence, "E       assert 4 == 2")
	assert.ErrorIs(t, err, ErrKnowledgeGap)
	assert.Equal(t, PhaseHalted, res.Phase)
	assert.Equal(t, 5, res.Iterations)

	assert.Equal(t, []llm.Role{
		llm.RoleConsultant,
		llm.RoleImplementer, llm.RolePlanner, llm.RolePlanner,
		llm.RoleImplementer, llm.RolePlanner, llm.RolePlanner,
		llm.RoleImplementer, llm.RoleConsultant, llm.RoleConsultant,
		llm.RoleImplementer, llm.RoleConsultant, llm.RoleConsultant,
		llm.RoleImplementer, llm.RoleConsultant,
	}, h.client.Roles())

	// stuck hint reaches the implementer once the consultant tier is hit
	calls := h.client.Calls()
	assert.NotContains(t, calls[7].Request.User, "fundamentally wrong")
	assert.Contains(t, calls[10].Request.User, "fundamentally wrong")

	task, err := os.ReadFile(filepath.Join(h.project, "task.md"))
	require.NoError(t, err)
	assert.Equal(t, testTask, string(task))
	assert.Contains(t, h.notifier.signals(), 3)
}

func TestLoop_KnowledgeGapAmendsAndReplans(t *testing.T) {
	resp := baseResponder()
	resp.amend = `{"diagnosis": "sub order unknown", "dk_addition": "sub(a, b) returns a minus b.", "confidence": "high"}`
	resp.replan = planJSON
	reports := append(stuckReports(), passing())
	h := newHarness(t, resp, reports...)

	res, err := h.loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseDone, res.Phase)
	assert.Equal(t, 6, res.Iterations)
	assert.Equal(t, 2, res.PlanGeneration)
	assert.Equal(t, 2, res.Plan.Generation)
	assert.Equal(t, 2, h.summary.calls)

	task, err := os.ReadFile(filepath.Join(h.project, "task.md"))
	require.NoError(t, err)
	amended := string(task)
	assert.Contains(t, amended, "add returns the sum of two integers.\n\n[Auto-DK iteration 5, generation 1] sub(a, b) returns a minus b.\n")
	assert.Less(t, strings.Index(amended, "[Auto-DK"), strings.Index(amended, "## Constraints"))
	assert.LessOrEqual(t, len(amended), len(testTask)+DefaultDKSizeDelta)

	roles := h.client.Roles()
	assert.Equal(t, []llm.Role{llm.RoleConsultant, llm.RoleConsultant, llm.RoleImplementer}, roles[len(roles)-3:])
}

func TestLoop_AmendmentOverCapHalts(t *testing.T) {
	resp := baseResponder()
	resp.amend = `{"diagnosis": "d", "dk_addition": "` + strings.Repeat("x", 400) + `", "confidence": "medium"}`
	h := newHarness(t, resp, stuckReports()...)
	h.loop.cfg.DKSizeDelta = 100

	_, err := h.loop.Run(context.Background())
	var halted *HaltError
	require.ErrorAs(t, err, &halted)
	assert.Equal(t, HaltKnowledgeGap, halted.Kind)
	assert.Contains(t, halted.Reason, "size cap")

	task, err := os.ReadFile(filepath.Join(h.project, "task.md"))
	require.NoError(t, err)
	assert.Equal(t, testTask, string(task))
}

func TestLoop_ShrinkingAuditRejected(t *testing.T) {
	resp := baseResponder()
	resp.audit = `{"tests_correct": false, "issues": [{"test_name": "test_b", "problem": "wrong"}],
		"tests": {"filename": "test_calc.py", "content": "def test_a():\n    assert True\n"}}`
	h := newHarness(t, resp, failing([]string{"test_b"}, false), passing())

	res, err := h.loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseDone, res.Phase)

	// review still ran after the rejected audit
	assert.Equal(t, []llm.Role{
		llm.RoleConsultant,
		llm.RoleImplementer, llm.RolePlanner, llm.RolePlanner,
		llm.RoleImplementer,
	}, h.client.Roles())

	last := h.client.LastRequest()
	assert.Contains(t, last.User, "REJECTED audit test update: 1 tests vs original 3")
	assert.Contains(t, last.User, "sub is reversed")

	data, err := os.ReadFile(filepath.Join(h.workspace, "test_calc.py"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "def test_c")
}

func TestLoop_AuditReplacesTestsAndSkipsReview(t *testing.T) {
	resp := baseResponder()
	resp.audit = `{"tests_correct": false, "issues": [],
		"tests": {"filename": "test_calc.py", "content": "def test_a():\n    pass\n\ndef test_b():\n    pass\n\ndef test_c():\n    pass\n\ndef test_d():\n    pass\n"}}`
	h := newHarness(t, resp, failing([]string{"test_b"}, false), passing())

	res, err := h.loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []llm.Role{
		llm.RoleConsultant,
		llm.RoleImplementer, llm.RolePlanner,
		llm.RoleImplementer,
	}, h.client.Roles())

	data, err := os.ReadFile(filepath.Join(h.workspace, "test_calc.py"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "def test_d")
	assert.Contains(t, res.Plan.Tests.Content, "def test_d")
}

func TestLoop_UnparseableAuditTreatedAsCorrect(t *testing.T) {
	resp := baseResponder()
	resp.audit = "I think the tests are fine."
	h := newHarness(t, resp, failing([]string{"test_b"}, false), passing())

	_, err := h.loop.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.client.Roles(), 5)
}

func TestLoop_PlanHalts(t *testing.T) {
	tests := []struct {
		name string
		plan string
		want error
	}{
		{"unparseable", "here is my plan: do things", ErrPlanUnparseable},
		{"missing tests", `{"plan": [{"file": "calc.py"}]}`, ErrPlanIncomplete},
		{"empty tests", `{"tests": {"filename": "t.py", "content": ""}, "plan": [{"file": "calc.py"}]}`, ErrPlanIncomplete},
		{"no entries", `{"tests": {"filename": "t.py", "content": "def test_a(): pass"}, "plan": []}`, ErrPlanIncomplete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := baseResponder()
			resp.plan = tt.plan
			h := newHarness(t, resp, passing())

			res, err := h.loop.Run(context.Background())
			assert.ErrorIs(t, err, tt.want)
			var halted *HaltError
			require.ErrorAs(t, err, &halted)
			assert.Equal(t, HaltPlan, halted.Kind)
			assert.Equal(t, 1, halted.Signals)
			assert.Equal(t, PhaseHalted, res.Phase)
			assert.Equal(t, 0, h.verifier.calls)
		})
	}
}

func TestLoop_TestFileOutsideWorkspaceHalts(t *testing.T) {
	resp := baseResponder()
	resp.plan = strings.Replace(planJSON, `"filename": "test_calc.py"`, `"filename": "/tmp/test_calc.py"`, 1)
	h := newHarness(t, resp, passing())

	_, err := h.loop.Run(context.Background())
	assert.ErrorIs(t, err, ErrWorkspace)
}

func TestLoop_MissingSteeringHalts(t *testing.T) {
	h := newHarness(t, baseResponder(), passing())
	require.NoError(t, os.Remove(filepath.Join(h.project, "task.md")))

	res, err := h.loop.Run(context.Background())
	assert.ErrorIs(t, err, ErrSteering)
	assert.ErrorIs(t, err, steering.ErrMissingTask)
	assert.Equal(t, PhaseHalted, res.Phase)
	assert.Equal(t, 0, h.client.CallCount())
}

func TestLoop_ModelErrorHalts(t *testing.T) {
	h := newHarness(t, baseResponder(), passing())
	h.loop.client = llm.NewMockClient().QueueResponse(planJSON).QueueError(llm.ErrRetriesExhausted)

	_, err := h.loop.Run(context.Background())
	assert.ErrorIs(t, err, ErrModelCall)
	assert.ErrorIs(t, err, llm.ErrRetriesExhausted)
	var halted *HaltError
	require.ErrorAs(t, err, &halted)
	assert.Equal(t, HaltModel, halted.Kind)
}

func TestLoop_Cancelled(t *testing.T) {
	h := newHarness(t, baseResponder(), passing())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.loop.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, PhaseInit, res.Phase)

	runs, err := h.journal.Runs(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, journal.OutcomeCancelled, runs[0].Outcome)
}

func TestLoop_BlockedCommandBecomesFeedback(t *testing.T) {
	resp := baseResponder()
	resp.implement = []string{implOutput + "\n===CMD===\necho hi > /tmp/out.txt\n===END CMD==="}
	h := newHarness(t, resp, passing(), passing())

	_, err := h.loop.Run(context.Background())
	require.NoError(t, err)

	last := h.client.LastRequest()
	assert.Contains(t, last.User, "## Sandbox Feedback")
	assert.Contains(t, last.User, "Command `echo hi > /tmp/out.txt` was not run")
	assert.Contains(t, last.User, "writes outside workspace")
	assert.Equal(t, []int{1, 1}, h.notifier.signals())
}

func TestLoop_EmptyResponseUsesConservative(t *testing.T) {
	resp := baseResponder()
	resp.implement = []string{"I will now implement the plan."}
	h := newHarness(t, resp, failing([]string{"test_a"}, false), passing(), passing())

	_, err := h.loop.Run(context.Background())
	require.NoError(t, err)
	roles := h.client.Roles()
	assert.Equal(t, llm.RoleImplementer, roles[1])
	assert.Equal(t, llm.RoleConservative, roles[4])
}

func TestNewLoop_MissingDependency(t *testing.T) {
	_, err := NewLoop(Config{}, Dependencies{})
	assert.ErrorIs(t, err, ErrMissingDependency)
}

func TestLoop_ImplementerCannotRewriteTests(t *testing.T) {
	resp := baseResponder()
	resp.implement = []string{
		implOutput + "\n===FILE: workspace/test_calc.py===\ndef test_a():\n    assert True\n===END FILE===",
	}
	h := newHarness(t, resp, passing(), passing())

	res, err := h.loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseDone, res.Phase)

	data, err := os.ReadFile(filepath.Join(h.workspace, "test_calc.py"))
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(data), "def test_"))
	assert.FileExists(t, filepath.Join(h.workspace, "calc.py"))

	last := h.client.LastRequest()
	assert.Contains(t, last.User, "REJECTED file edit test_calc.py")
}
