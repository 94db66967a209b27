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
	"fmt"
	"strings"

	"github.com/AleutianAI/isomira/services/isomira/agent/llm"
	"github.com/AleutianAI/isomira/services/isomira/plan"
	"github.com/AleutianAI/isomira/services/isomira/steering"
	"github.com/AleutianAI/isomira/services/isomira/verify"
)

// Limits on report excerpts placed in prompts.
const (
	failureLineLimit   = 30
	failedTestLimit    = 10
	assertionClueLimit = 10
	dkOutputLimit      = 6000
)

// stuckHintFormat is shown to the implementer once the stuck score reaches
// the consultant tier.
const stuckHintFormat = "You have produced the SAME failing implementation %d times. " +
	"The previous approach is fundamentally wrong. Try a COMPLETELY different " +
	"implementation strategy. Re-read the task requirements carefully, especially " +
	"the Domain Knowledge section."

// dialect holds the framework-specific wording of the plan prompt.
type dialect struct {
	tests      string
	testFile   string
	sourceFile string
	signature  string
	stdlibNote string
}

func dialectFor(fw verify.Framework) dialect {
	if fw == verify.FrameworkGoTest {
		return dialect{
			tests:      "Go test functions (func TestXxx(t *testing.T))",
			testFile:   "<module>_test.go",
			sourceFile: "path/to/file.go",
			signature:  "func FunctionName(arg1 Type, arg2 Type) ReturnType",
			stdlibNote: "Use only the standard library testing package.",
		}
	}
	return dialect{
		tests:      "pytest test functions",
		testFile:   "test_<module>.py",
		sourceFile: "path/to/file.py",
		signature:  "def function_name(arg1: type, arg2: type) -> return_type",
		stdlibNote: "Use only stdlib + pytest.",
	}
}

// DefaultTestFile is the test file name used when a plan omits one.
func DefaultTestFile(fw verify.Framework) string {
	if fw == verify.FrameworkGoTest {
		return "module_test.go"
	}
	return "test_module.py"
}

func withPhilosophy(philosophy, role string) string {
	return strings.TrimSpace(philosophy) + "\n\n" + role
}

func withDirective(system string, prof llm.Profile) string {
	if prof.Directive == "" {
		return system
	}
	return system + "\n\n" + prof.Directive
}

func planSystem(fw verify.Framework) string {
	d := dialectFor(fw)
	return fmt.Sprintf(`You are the planning profile in a single-model TDD pipeline. Your job:
1. Analyse the task against the current codebase.
2. Write %s FIRST that define the expected behaviour.
   Tests must be runnable independently. %s
3. Then write an implementation plan: which files to create/modify,
   function signatures, and pseudocode per function.

Output format (strict -- the orchestrator parses this):

{
  "tests": {
    "filename": "%s",
    "content": "<full test file content>"
  },
  "plan": [
    {
      "file": "%s",
      "action": "create|modify",
      "functions": [
        {
          "name": "function_name",
          "signature": "%s",
          "pseudocode": "Brief description of what this function does"
        }
      ]
    }
  ]
}

Do not write implementation code. Only tests and the plan.
Do not invent libraries or APIs not mentioned in Domain Knowledge.
Output ONLY the JSON object. No markdown fences. No preamble.`, d.tests, d.stdlibNote, d.testFile, d.sourceFile, d.signature)
}

const implementSystem = `You are the implementation model. You receive a plan with function
signatures and pseudocode. Your job:
1. Implement each function according to the plan.
2. Output the complete modified file contents.
3. Do not modify function signatures from the plan.
4. Do not add functions not in the plan.

For each file, output a file block:

===FILE: path/to/file===
<complete file content>
===END FILE===

If you need to run a shell command (e.g., install a dependency), output:

===CMD===
<command>
===END CMD===

Commands run non-interactively with a timeout, inside the workspace only.
Output ONLY file blocks and command blocks. No explanations.`

const auditSystem = `You are auditing tests for correctness. Some tests may be failing because
the TESTS are wrong, not the implementation. Your job:
1. Re-read the Domain Knowledge section carefully.
2. For each failing test, check: does the assertion match what DK specifies?
3. Look for: reversed inequalities, wrong expected values, misunderstood
   formulas, tests that assume behaviour not specified in DK.
4. If ALL tests look correct, say so.

Output format:
{
  "tests_correct": true/false,
  "issues": [
    {
      "test_name": "test_xxx",
      "problem": "brief description of what the test got wrong",
      "fix": "what the assertion should be"
    }
  ],
  "tests": { "filename": "...", "content": "..." }
}

Include "tests" ONLY if you found issues and are providing corrected tests.
Corrected tests must keep every existing test function.
If tests_correct is true, "issues" should be an empty list and omit "tests".
Output ONLY the JSON object. No markdown fences. No preamble.`

const reviewSystem = `The tests have been verified as correct. The failures are in the implementation.
Your job:
1. Analyse the test failures against the implementation.
2. Identify the root cause of EACH failure.
3. Write a corrected implementation plan addressing ONLY the failures.
   Do not rewrite parts that are working.

Output format:
{
  "plan": [ ... ],
  "diagnosis": "Brief explanation of what went wrong"
}

Output ONLY the JSON object. No markdown fences. No preamble.`

const amendSystemFormat = `You are a diagnostic consultant. The TDD loop has been stuck for %d
iterations on the same failing tests. The implementation model cannot fix this.

Your job: analyse the failing tests, the implementation, and the Domain Knowledge
section of the task. Identify what FACT is missing or ambiguous in Domain Knowledge
that causes the implementation to fail.

Output format:
{
  "diagnosis": "What specific DK gap causes the failure",
  "dk_addition": "Exact text to APPEND to the Domain Knowledge section. Be precise and factual. Include formulas, ranges, or API details as needed.",
  "confidence": "high|medium|low"
}

RULES:
- You may ONLY propose ADDITIONS to Domain Knowledge. Never delete or modify existing text.
- Keep dk_addition under %d characters. Be surgical.
- If you cannot identify the gap with high/medium confidence, set dk_addition to empty string.
- Output ONLY the JSON object. No markdown fences. No preamble.`

// planPrompt builds the PLAN prompt. The summary is part of the steering
// so it is never cut.
func planPrompt(fw verify.Framework, steer *steering.Context, scope []steering.File, prof llm.Profile) steering.Prompt {
	return steering.Prompt{
		System:   withDirective(withPhilosophy(steer.Philosophy, planSystem(fw)), prof),
		Steering: steer.Task.Raw + "\n\n---\n\n" + steer.Summary,
		Tail:     []string{steering.FilesSection("Scope File Contents", scope)},
	}
}

// implementInput is everything the IMPLEMENT prompt shows besides steering.
type implementInput struct {
	Plan       *plan.Plan
	Files      []steering.File
	Diagnosis  string
	Failures   []string
	ReviewCode string
	Feedback   []string
	StuckHint  string
}

func implementPrompt(steer *steering.Context, in implementInput, prof llm.Profile) steering.Prompt {
	tail := []string{steering.Section("Implementation Plan", in.Plan.EntriesJSON())}
	if in.Diagnosis != "" {
		tail = append(tail, steering.Section("Previous Attempt Failed",
			"The previous implementation had these issues:\n"+in.Diagnosis))
	}
	if len(in.Failures) > 0 {
		tail = append(tail, steering.CodeSection("Test Failures", strings.Join(in.Failures, "\n")))
	}
	if in.ReviewCode != "" {
		tail = append(tail, steering.Section("Corrected Functions From Review",
			"Use these EXACT implementations in your output:\n```\n"+in.ReviewCode+"\n```"))
	}
	if len(in.Feedback) > 0 {
		tail = append(tail, steering.Section("Sandbox Feedback", "- "+strings.Join(in.Feedback, "\n- ")))
	}
	if in.StuckHint != "" {
		tail = append(tail, steering.Section("IMPORTANT", in.StuckHint))
	}
	tail = append(tail, steering.FilesSection("Current File Contents", in.Files))

	return steering.Prompt{
		System:   withDirective(withPhilosophy(steer.Philosophy, implementSystem), prof),
		Steering: steer.Task.Raw,
		Tail:     tail,
	}
}

func auditPrompt(steer *steering.Context, testContent, testOutput string, prof llm.Profile) steering.Prompt {
	return steering.Prompt{
		System:   withDirective(withPhilosophy(steer.Philosophy, auditSystem), prof),
		Steering: steer.Task.Raw,
		Tail: []string{
			steering.CodeSection("Test File", testContent),
			steering.CodeSection("Test Output (failures)", testOutput),
		},
	}
}

func reviewPrompt(steer *steering.Context, testContent, testOutput string, impl []steering.File, prof llm.Profile) steering.Prompt {
	return steering.Prompt{
		System:   withDirective(withPhilosophy(steer.Philosophy, reviewSystem), prof),
		Steering: steer.Task.Raw,
		Tail: []string{
			steering.CodeSection("Test File", testContent),
			steering.CodeSection("Test Output (failures)", testOutput),
			steering.FilesSection("Current Implementation", impl),
		},
	}
}

func amendPrompt(philosophy, currentTask string, effective, additionLimit int, report *verify.Report, impl []steering.File, prof llm.Profile) steering.Prompt {
	output := report.Output
	if len(output) > dkOutputLimit {
		output = output[:dkOutputLimit]
	}
	return steering.Prompt{
		System:   withDirective(withPhilosophy(philosophy, fmt.Sprintf(amendSystemFormat, effective, additionLimit)), prof),
		Steering: currentTask,
		Tail: []string{
			steering.Section("Failing Tests", strings.Join(report.FailedTestLines(failedTestLimit), "\n")),
			steering.Section("Assertion Clues", strings.Join(report.AssertionClues(assertionClueLimit), "\n")),
			steering.CodeSection("Test Output", output),
			steering.FilesSection("Current Implementation", impl),
		},
	}
}
