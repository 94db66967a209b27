// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"github.com/spf13/cobra"

	"github.com/AleutianAI/isomira/pkg/ux"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var (
	outputLevel string

	rootCmd = &cobra.Command{
		Use:   "isomira",
		Short: "Test-driven implementation loop for local models",
		Long: `isomira plans tests and an implementation with a local model, writes the
code inside a sandboxed workspace, runs the tests, and escalates until every
test passes or the task needs a human.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if outputLevel != "" {
				ux.SetPersonalityLevel(ux.ParsePersonalityLevel(outputLevel))
			} else {
				ux.InitPersonality()
			}
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&outputLevel, "output", "",
		"Output style: standard, minimal, machine (default: detect; env "+ux.PersonalityEnv+")")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(journalCmd)
}
