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
	"fmt"
	"regexp"
	"strings"
)

var (
	dkHeading   = regexp.MustCompile(`(?m)^## Domain Knowledge[ \t]*\r?$`)
	nextHeading = regexp.MustCompile(`\n## `)
)

// AmendmentTag returns the tag prefixed to an automatic DK addition.
func AmendmentTag(iteration, generation int) string {
	return fmt.Sprintf("[Auto-DK iteration %d, generation %d]", iteration, generation)
}

// TruncateAddition trims an addition to at most limit bytes without
// splitting a UTF-8 sequence.
func TruncateAddition(addition string, limit int) string {
	addition = strings.TrimSpace(addition)
	if limit <= 0 || len(addition) <= limit {
		return addition
	}
	cut := limit
	for cut > 0 && !isRuneStart(addition[cut]) {
		cut--
	}
	return addition[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// Amend appends a tagged addition to the Domain Knowledge section.
//
// Description:
//
//	Existing text is never modified. The addition is placed at the end of
//	the Domain Knowledge section, before the next "## " heading. When the
//	section is absent it is created at the end of the document.
//
// Inputs:
//
//	task - Current task markdown.
//	addition - Text to append. Must already be trimmed to its limit.
//	iteration, generation - Values for the tag.
//
// Outputs:
//
//	string - The amended task markdown.
func Amend(task, addition string, iteration, generation int) string {
	line := AmendmentTag(iteration, generation) + " " + addition + "\n"

	loc := dkHeading.FindStringIndex(task)
	if loc == nil {
		return task + "\n\n## Domain Knowledge\n\n" + line
	}
	insert := loc[1]
	end := len(task)
	if next := nextHeading.FindStringIndex(task[insert:]); next != nil {
		end = insert + next[0]
	}
	return strings.TrimRight(task[:end], " \t\r\n") + "\n\n" + line + task[end:]
}
