// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package verify runs the project test suite through the sandbox and turns
// its output into a structured report.
//
// Two frameworks are understood: pytest in verbose mode and go test -v.
// Per-test outcomes come from the verbose result lines, with the short test
// summary filling in anything the verbose stream missed. The identifier of a
// test is the last "::" segment of its node id, first token only.
package verify

import (
	"regexp"
	"sort"
	"strings"
)

// Framework selects the output parser and default command.
type Framework string

const (
	// FrameworkPytest parses "path::name STATUS" lines.
	FrameworkPytest Framework = "pytest"

	// FrameworkGoTest parses "--- PASS: TestX" lines.
	FrameworkGoTest Framework = "gotest"
)

// Status is the outcome of a single test.
type Status string

const (
	StatusPassed  Status = "PASSED"
	StatusFailed  Status = "FAILED"
	StatusError   Status = "ERROR"
	StatusSkipped Status = "SKIPPED"
)

// Failed reports whether the status counts as a failure.
func (s Status) Failed() bool {
	return s == StatusFailed || s == StatusError
}

// Outcome is one test result, in the order the runner reported it.
type Outcome struct {
	Name   string `json:"name"`
	NodeID string `json:"node_id"`
	Status Status `json:"status"`
}

// Report is the structured result of one verification run.
type Report struct {
	// Passed is true only when the command exited zero.
	Passed bool `json:"passed"`

	// Outcomes are per-test results in report order.
	Outcomes []Outcome `json:"outcomes"`

	// Failing is the sorted, de-duplicated set of failing test names.
	Failing []string `json:"failing"`

	// Output is the combined runner output.
	Output string `json:"output"`

	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out"`
	Blocked  bool   `json:"blocked"`
	TestFile string `json:"test_file"`
}

// Pattern returns the ordered pass/fail pattern, one letter per test.
// Skipped tests do not contribute.
func (r *Report) Pattern() string {
	var sb strings.Builder
	for _, o := range r.Outcomes {
		switch {
		case o.Status == StatusPassed:
			sb.WriteByte('P')
		case o.Status.Failed():
			sb.WriteByte('F')
		}
	}
	return sb.String()
}

// PassCount returns the number of passing tests.
func (r *Report) PassCount() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == StatusPassed {
			n++
		}
	}
	return n
}

// Total returns the number of passed and failed tests.
func (r *Report) Total() int {
	return len(r.Pattern())
}

var (
	pytestVerbose = regexp.MustCompile(`^(\S+::\S+)\s+(PASSED|FAILED|ERROR|SKIPPED|XFAIL|XPASS)\b`)
	pytestSummary = regexp.MustCompile(`^(FAILED|ERROR)\s+(\S+::\S+)`)
	goTestResult  = regexp.MustCompile(`^\s*--- (PASS|FAIL|SKIP): (\S+)`)
)

// ParseOutcomes extracts per-test outcomes from runner output.
func ParseOutcomes(framework Framework, output string) []Outcome {
	if framework == FrameworkGoTest {
		return parseGoTest(output)
	}
	return parsePytest(output)
}

func parsePytest(output string) []Outcome {
	var outcomes []Outcome
	seen := make(map[string]bool)
	var summary []Outcome

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if m := pytestVerbose.FindStringSubmatch(line); m != nil {
			if seen[m[1]] {
				continue
			}
			seen[m[1]] = true
			outcomes = append(outcomes, Outcome{Name: testName(m[1]), NodeID: m[1], Status: pytestStatus(m[2])})
			continue
		}
		if m := pytestSummary.FindStringSubmatch(line); m != nil {
			summary = append(summary, Outcome{Name: testName(m[2]), NodeID: m[2], Status: Status(m[1])})
		}
	}
	for _, o := range summary {
		if !seen[o.NodeID] {
			seen[o.NodeID] = true
			outcomes = append(outcomes, o)
		}
	}
	return outcomes
}

func pytestStatus(s string) Status {
	switch s {
	case "PASSED", "XFAIL", "XPASS":
		return StatusPassed
	case "FAILED":
		return StatusFailed
	case "ERROR":
		return StatusError
	default:
		return StatusSkipped
	}
}

// testName returns the last "::" segment of a node id, first token only.
func testName(nodeID string) string {
	parts := strings.Split(nodeID, "::")
	last := parts[len(parts)-1]
	if fields := strings.Fields(last); len(fields) > 0 {
		return fields[0]
	}
	return last
}

func parseGoTest(output string) []Outcome {
	var outcomes []Outcome
	seen := make(map[string]bool)
	for _, line := range strings.Split(output, "\n") {
		m := goTestResult.FindStringSubmatch(line)
		if m == nil || seen[m[2]] {
			continue
		}
		seen[m[2]] = true
		status := StatusSkipped
		switch m[1] {
		case "PASS":
			status = StatusPassed
		case "FAIL":
			status = StatusFailed
		}
		outcomes = append(outcomes, Outcome{Name: m[2], NodeID: m[2], Status: status})
	}
	return outcomes
}

// FailingSet returns the sorted, de-duplicated names of failed outcomes.
func FailingSet(outcomes []Outcome) []string {
	set := make(map[string]struct{})
	for _, o := range outcomes {
		if o.Status.Failed() {
			set[o.Name] = struct{}{}
		}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FailureLines returns the lines of output relevant to a failure, at most
// max of them.
func (r *Report) FailureLines(max int) []string {
	var lines []string
	for _, line := range strings.Split(r.Output, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.Contains(line, "FAILED") || strings.Contains(line, "Error") ||
			strings.Contains(strings.ToLower(line), "assert") ||
			strings.HasPrefix(trimmed, "E ") || strings.HasPrefix(trimmed, ">") ||
			strings.HasPrefix(trimmed, "--- FAIL") {
			lines = append(lines, line)
			if len(lines) == max {
				break
			}
		}
	}
	return lines
}

// FailedTestLines returns the per-test failure lines, at most max.
func (r *Report) FailedTestLines(max int) []string {
	var lines []string
	for _, line := range strings.Split(r.Output, "\n") {
		trimmed := strings.TrimSpace(line)
		if (strings.Contains(trimmed, "FAILED") && strings.Contains(trimmed, "::")) ||
			strings.HasPrefix(trimmed, "--- FAIL") {
			lines = append(lines, trimmed)
			if len(lines) == max {
				break
			}
		}
	}
	return lines
}

// AssertionClues returns assertion detail lines, at most max.
func (r *Report) AssertionClues(max int) []string {
	var lines []string
	for _, line := range strings.Split(r.Output, "\n") {
		trimmed := strings.TrimSpace(line)
		clue := false
		switch {
		case strings.HasPrefix(trimmed, "E "):
			clue = strings.Contains(strings.ToLower(trimmed), "assert") ||
				strings.ContainsAny(trimmed, "<>") ||
				strings.Contains(trimmed, "!=") || strings.Contains(trimmed, "==")
		case strings.HasPrefix(trimmed, "Error:"), strings.HasPrefix(trimmed, "expected:"),
			strings.HasPrefix(trimmed, "actual"):
			clue = true
		}
		if clue {
			lines = append(lines, trimmed)
			if len(lines) == max {
				break
			}
		}
	}
	return lines
}
