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
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/isomira/cmd/isomira/config"
	"github.com/AleutianAI/isomira/pkg/ux"
	"github.com/AleutianAI/isomira/services/isomira/journal"
)

var (
	journalProject string
	journalRun     string

	journalCmd = &cobra.Command{
		Use:   "journal",
		Short: "List recorded runs, or the iterations of one run",
		Args:  cobra.NoArgs,
		RunE:  runJournal,
	}
)

func init() {
	f := journalCmd.Flags()
	f.StringVar(&journalProject, "project", ".", "Project directory")
	f.StringVar(&journalRun, "run", "", "Show the iterations of this run ID")
}

func runJournal(cmd *cobra.Command, args []string) error {
	projectDir, err := filepath.Abs(journalProject)
	if err != nil {
		return fmt.Errorf("resolve project: %w", err)
	}
	cfg, _, err := config.Load(projectDir)
	if err != nil {
		return err
	}

	jcfg := journal.DefaultConfig(config.Resolve(projectDir, cfg.Journal.Path))
	jcfg.GCInterval = 0
	j, err := journal.Open(jcfg)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer j.Close()

	ctx := cmd.Context()
	if journalRun == "" {
		runs, err := j.Runs(ctx)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			ux.Muted("no runs recorded")
			return nil
		}
		ux.Table([]string{"RUN", "STARTED", "OUTCOME", "ITERATIONS", "GENERATION", "REASON"}, runRows(runs))
		return nil
	}

	run, err := j.Run(ctx, journalRun)
	if errors.Is(err, journal.ErrRunNotFound) {
		return fmt.Errorf("no run %q in %s", journalRun, jcfg.Path)
	}
	if err != nil {
		return err
	}
	iters, err := j.Iterations(ctx, run.ID)
	if err != nil {
		return err
	}
	ux.Title(fmt.Sprintf("Run %s (%s, %s)", run.ID, run.Outcome, run.Framework))
	if run.Reason != "" {
		ux.Info(run.Reason)
	}
	ux.Table([]string{"ITER", "GEN", "PASSED", "PATTERN", "FAILING", "STUCK", "TIER", "FILES"}, iterationRows(iters))
	return nil
}

func runRows(runs []journal.RunRecord) [][]string {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID,
			r.StartedAt.Local().Format(time.DateTime),
			string(r.Outcome),
			strconv.Itoa(r.Iterations),
			strconv.Itoa(r.PlanGeneration),
			clipText(r.Reason, 60),
		})
	}
	return rows
}

func iterationRows(iters []journal.IterationRecord) [][]string {
	rows := make([][]string, 0, len(iters))
	for _, it := range iters {
		rows = append(rows, []string{
			strconv.Itoa(it.Iteration),
			strconv.Itoa(it.PlanGeneration),
			strconv.FormatBool(it.Passed),
			it.Pattern,
			strings.Join(it.Failing, ","),
			strconv.Itoa(it.Effective),
			it.Tier,
			strings.Join(it.Files, ","),
		})
	}
	return rows
}

func clipText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
