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
)

// fileKeys are the aliases models use for an entry's target path.
var fileKeys = []string{
	"file", "filename", "filepath", "path", "file_path",
	"target", "source", "module", "target_file", "source_file",
}

// actionKeys are the aliases models use for an entry's action.
var actionKeys = []string{"action", "operation", "type", "mode"}

var sourceFile = regexp.MustCompile(`[\w/\\.\-]+\.(?:py|go|js|ts|jsx|tsx|rs|java|rb|c|cc|cpp|h|hpp|sh)\b`)

// Normalize converts a raw decoded plan list into entries.
//
// Description:
//
//	Accepts a list of objects or strings. A string that mentions a source
//	file becomes an entry for that file. For objects, the path comes from
//	the first alias key holding a dotted string, then from any string
//	value containing a source-file path, then from fallbackPath. Entries
//	that still have no path are dropped. Action defaults to modify, and
//	leading "workspace/" and "./" prefixes are stripped.
//
// Inputs:
//
//	raw - The decoded "plan" value.
//	fallbackPath - Path for entries that name none. May be empty.
//
// Outputs:
//
//	[]Entry - Normalized entries. May be empty.
func Normalize(raw any, fallbackPath string) []Entry {
	list, ok := raw.([]any)
	if !ok {
		if m, isMap := raw.(map[string]any); isMap {
			list = []any{m}
		} else {
			return nil
		}
	}

	var entries []Entry
	for _, item := range list {
		var m map[string]any
		switch v := item.(type) {
		case map[string]any:
			m = v
		case string:
			path := sourceFile.FindString(v)
			if path == "" {
				continue
			}
			m = map[string]any{"file": path}
		default:
			continue
		}

		path := entryPath(m, fallbackPath)
		if path == "" {
			continue
		}
		entries = append(entries, Entry{
			Path:        stripWorkspacePrefix(path),
			Action:      entryAction(m),
			Functions:   entryFunctions(m["functions"]),
			Description: firstString(m, "description", "rationale", "reason"),
			Code:        stringField(m, "code"),
		})
	}
	return entries
}

func entryPath(m map[string]any, fallback string) string {
	for _, k := range fileKeys {
		if s, ok := m[k].(string); ok && strings.Contains(s, ".") {
			return strings.TrimSpace(s)
		}
	}
	for _, k := range keys(m) {
		if s, ok := m[k].(string); ok {
			if found := sourceFile.FindString(s); found != "" {
				return found
			}
		}
	}
	return fallback
}

func entryAction(m map[string]any) Action {
	for _, k := range actionKeys {
		if s, ok := m[k].(string); ok && s != "" {
			switch strings.ToLower(strings.TrimSpace(s)) {
			case "create", "add", "new":
				return ActionCreate
			default:
				return ActionModify
			}
		}
	}
	return ActionModify
}

func entryFunctions(raw any) []FunctionSpec {
	fns := []FunctionSpec{}
	list, ok := raw.([]any)
	if !ok {
		return fns
	}
	for _, item := range list {
		switch v := item.(type) {
		case map[string]any:
			fns = append(fns, FunctionSpec{
				Name:      stringField(v, "name"),
				Signature: stringField(v, "signature"),
				Intent:    firstString(v, "pseudocode", "intent", "description"),
			})
		case string:
			fns = append(fns, FunctionSpec{Name: v})
		}
	}
	return fns
}

// stripWorkspacePrefix removes leading "workspace/" and "./" forms.
func stripWorkspacePrefix(path string) string {
	for _, prefix := range []string{"workspace/", `workspace\`, "./", `.\`} {
		path = strings.TrimPrefix(path, prefix)
	}
	return path
}

// StripWorkspacePrefix is exported for callers that normalize paths from
// other sources, such as file blocks and scope lists.
func StripWorkspacePrefix(path string) string {
	return stripWorkspacePrefix(strings.TrimSpace(path))
}
