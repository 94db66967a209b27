// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sandbox

import "errors"

// Sentinel errors for the sandbox package.
var (
	// ErrEmptyRoot indicates no workspace root was configured.
	ErrEmptyRoot = errors.New("workspace root must not be empty")

	// ErrOutsideWorkspace indicates a write target resolves outside the root.
	ErrOutsideWorkspace = errors.New("path outside workspace")

	// ErrBlocked indicates a command was rejected by the decision pipeline.
	ErrBlocked = errors.New("command blocked by sandbox policy")
)
