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
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)
	openFence  = regexp.MustCompile("(?m)^```(?:json)?\\s*\\n?")
	closeFence = regexp.MustCompile("\\n?```\\s*$")
	objectSpan = regexp.MustCompile(`(?s)\{.*\}`)
)

const previewLimit = 500

// StripThinkBlocks removes <think>...</think> reasoning blocks.
func StripThinkBlocks(text string) string {
	return strings.TrimSpace(thinkBlock.ReplaceAllString(text, ""))
}

// ExtractJSON pulls a JSON object out of model output.
//
// Description:
//
//	Strips markdown fences and tries a direct parse, then falls back to the
//	widest {...} span of the original text.
//
// Outputs:
//
//	map[string]any - The decoded object.
//	error - ErrUnparseable with a preview of the text.
func ExtractJSON(text string) (map[string]any, error) {
	cleaned := openFence.ReplaceAllString(strings.TrimSpace(text), "")
	cleaned = closeFence.ReplaceAllString(strings.TrimSpace(cleaned), "")

	var obj map[string]any
	if err := json.Unmarshal([]byte(cleaned), &obj); err == nil && obj != nil {
		return obj, nil
	}
	if span := objectSpan.FindString(text); span != "" {
		obj = nil
		if err := json.Unmarshal([]byte(span), &obj); err == nil && obj != nil {
			return obj, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnparseable, preview(text))
}

// PlanResponse is a parsed planning (or re-planning) response.
type PlanResponse struct {
	Tests   TestSpec
	Entries []Entry
}

// ParsePlanResponse parses a planner response.
//
// Description:
//
//	Requires both "tests" and "plan" keys, non-empty test content and at
//	least one entry after normalization. A missing filename falls back to
//	defaultTestFile.
//
// Outputs:
//
//	*PlanResponse - The parsed response.
//	error - ErrUnparseable, ErrMissingFields, ErrEmptyTests or ErrNoEntries.
func ParsePlanResponse(text, defaultTestFile string) (*PlanResponse, error) {
	obj, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	rawTests, hasTests := obj["tests"]
	rawPlan, hasPlan := obj["plan"]
	if !hasTests || !hasPlan {
		return nil, fmt.Errorf("%w: got %s", ErrMissingFields, strings.Join(keys(obj), ", "))
	}

	tests := parseTestSpec(rawTests, defaultTestFile)
	if strings.TrimSpace(tests.Content) == "" {
		return nil, ErrEmptyTests
	}
	entries := Normalize(rawPlan, "")
	if len(entries) == 0 {
		return nil, ErrNoEntries
	}
	return &PlanResponse{Tests: tests, Entries: entries}, nil
}

// ParseReplan parses a re-planning response leniently.
//
// Description:
//
//	Unlike ParsePlanResponse, missing or empty parts are not errors: the
//	caller keeps its current plan for any part left empty. Entries is
//	empty when "plan" is absent or normalizes to nothing; Tests.Content is
//	empty when "tests" is absent.
//
// Outputs:
//
//	*PlanResponse - The usable parts.
//	error - ErrUnparseable only.
func ParseReplan(text, currentTestFile string) (*PlanResponse, error) {
	obj, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	resp := &PlanResponse{Tests: TestSpec{Filename: currentTestFile}}
	if raw, ok := obj["plan"]; ok {
		resp.Entries = Normalize(raw, "")
	}
	if raw, ok := obj["tests"]; ok && raw != nil {
		resp.Tests = parseTestSpec(raw, currentTestFile)
	}
	return resp, nil
}

// AuditIssue is one problem the audit found in a test.
type AuditIssue struct {
	TestName string `json:"test_name"`
	Problem  string `json:"problem"`
	Fix      string `json:"fix"`
}

// Audit is a parsed test-audit response.
type Audit struct {
	TestsCorrect bool
	Issues       []AuditIssue
	Tests        *TestSpec
}

// ParseAudit parses a test-audit response. Callers treat an error as
// "tests correct".
func ParseAudit(text, currentTestFile string) (*Audit, error) {
	obj, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	audit := &Audit{TestsCorrect: true}
	if v, ok := obj["tests_correct"].(bool); ok {
		audit.TestsCorrect = v
	}
	if list, ok := obj["issues"].([]any); ok {
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			audit.Issues = append(audit.Issues, AuditIssue{
				TestName: stringField(m, "test_name"),
				Problem:  stringField(m, "problem"),
				Fix:      stringField(m, "fix"),
			})
		}
	}
	if raw, ok := obj["tests"]; ok && raw != nil {
		spec := parseTestSpec(raw, currentTestFile)
		if strings.TrimSpace(spec.Content) != "" {
			audit.Tests = &spec
		}
	}
	return audit, nil
}

// Review is a parsed implementation-review response.
type Review struct {
	Entries   []Entry
	Diagnosis string
	Code      string
}

// ParseReview parses an implementation-review response. Entries without a
// detectable path inherit fallbackPath.
func ParseReview(text, fallbackPath string) (*Review, error) {
	obj, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	review := &Review{Diagnosis: stringField(obj, "diagnosis")}
	if raw, ok := obj["plan"]; ok {
		review.Entries = Normalize(raw, fallbackPath)
		review.Code = ExtractReviewCode(raw)
	}
	return review, nil
}

// Amendment is a parsed knowledge-gap response.
type Amendment struct {
	Diagnosis  string
	Addition   string
	Confidence string
}

// Accepted reports whether confidence is high or medium.
func (a *Amendment) Accepted() bool {
	return a.Confidence == "high" || a.Confidence == "medium"
}

// ParseAmendment parses a knowledge-gap response. Missing confidence is
// "low".
func ParseAmendment(text string) (*Amendment, error) {
	obj, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	confidence := strings.ToLower(strings.TrimSpace(stringField(obj, "confidence")))
	if confidence == "" {
		confidence = "low"
	}
	return &Amendment{
		Diagnosis:  stringField(obj, "diagnosis"),
		Addition:   strings.TrimSpace(stringField(obj, "dk_addition")),
		Confidence: confidence,
	}, nil
}

// ExtractReviewCode collects corrected code from review plan entries.
// Each "code" value longer than 10 characters becomes one section headed
// "# Fix: <description>".
func ExtractReviewCode(raw any) string {
	list, ok := raw.([]any)
	if !ok {
		return ""
	}
	var corrections []string
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		code := strings.TrimSpace(stringField(m, "code"))
		if len(code) <= 10 {
			continue
		}
		desc := firstString(m, "description", "rationale", "reason", "action")
		header := "# Correction from review"
		if desc != "" {
			header = "# Fix: " + desc
		}
		corrections = append(corrections, header+"\n"+code)
	}
	return strings.Join(corrections, "\n\n")
}

func parseTestSpec(raw any, defaultFile string) TestSpec {
	spec := TestSpec{Filename: defaultFile}
	switch v := raw.(type) {
	case map[string]any:
		if name := strings.TrimSpace(stringField(v, "filename")); name != "" {
			spec.Filename = stripWorkspacePrefix(name)
		}
		spec.Content = stringField(v, "content")
	case string:
		spec.Content = v
	}
	return spec
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringField(m, k); s != "" {
			return s
		}
	}
	return ""
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func preview(text string) string {
	if len(text) > previewLimit {
		return text[:previewLimit]
	}
	return text
}
