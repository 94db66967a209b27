// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command isomira runs a test-driven implementation loop against a local
// OpenAI-compatible model server.
//
// Usage:
//
//	isomira init myproject
//	isomira run --project myproject
//	isomira check --workspace myproject/workspace -- rm -rf build
//	isomira journal --project myproject
package main

import (
	"errors"
	"os"

	"github.com/AleutianAI/isomira/pkg/ux"
	"github.com/AleutianAI/isomira/services/isomira/agent"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		// halts have already been reported by the run command
		var halt *agent.HaltError
		if !errors.As(err, &halt) {
			ux.Error(err.Error())
		}
		os.Exit(1)
	}
}
