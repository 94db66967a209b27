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
	"regexp"
	"strings"

	"github.com/AleutianAI/isomira/services/isomira/verify"
)

var (
	fileBlock  = regexp.MustCompile(`===FILE:\s*(.+?)===\s*\n((?s:.*?))===END FILE===`)
	cmdBlock   = regexp.MustCompile(`===CMD===\s*\n((?s:.*?))===END CMD===`)
	pytestFunc = regexp.MustCompile(`(?m)^[ \t]*(?:async[ \t]+)?def test_`)
	goTestFunc = regexp.MustCompile(`(?m)^func Test`)
)

// FileBlock is one file emitted by the implementer.
type FileBlock struct {
	Path    string
	Content string
}

// ParseFileBlocks extracts ===FILE: path=== ... ===END FILE=== blocks.
func ParseFileBlocks(text string) []FileBlock {
	var blocks []FileBlock
	for _, m := range fileBlock.FindAllStringSubmatch(text, -1) {
		blocks = append(blocks, FileBlock{
			Path:    StripWorkspacePrefix(m[1]),
			Content: m[2],
		})
	}
	return blocks
}

// ParseCmdBlocks extracts ===CMD=== ... ===END CMD=== blocks, trimmed.
func ParseCmdBlocks(text string) []string {
	var cmds []string
	for _, m := range cmdBlock.FindAllStringSubmatch(text, -1) {
		if cmd := strings.TrimSpace(m[1]); cmd != "" {
			cmds = append(cmds, cmd)
		}
	}
	return cmds
}

// CountTests counts test functions in a test file, including pytest
// methods inside test classes and async tests.
func CountTests(framework verify.Framework, content string) int {
	if framework == verify.FrameworkGoTest {
		return len(goTestFunc.FindAllStringIndex(content, -1))
	}
	return len(pytestFunc.FindAllStringIndex(content, -1))
}
