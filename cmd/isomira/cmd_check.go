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
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/isomira/pkg/ux"
	"github.com/AleutianAI/isomira/services/isomira/sandbox"
)

var (
	checkWorkspace string
	checkWorkDir   string
	checkExec      bool
	checkJSON      bool

	checkCmd = &cobra.Command{
		Use:   "check [flags] -- <command>",
		Short: "Show the sandbox verdict for a shell command",
		Long: `check runs a command through the sandbox policy without executing it,
printing whether it would be allowed and, if not, the feedback the model
would receive. With --exec an allowed command is executed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runCheck,
	}
)

func init() {
	f := checkCmd.Flags()
	f.StringVar(&checkWorkspace, "workspace", "workspace", "Workspace root (the write boundary)")
	f.StringVar(&checkWorkDir, "workdir", "", "Directory commands run in (default: the workspace root)")
	f.BoolVar(&checkExec, "exec", false, "Execute the command when allowed")
	f.BoolVar(&checkJSON, "json", false, "Print the verdict or result as JSON")
}

func runCheck(cmd *cobra.Command, args []string) error {
	root, err := filepath.Abs(checkWorkspace)
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}
	exec, err := sandbox.NewExecutor(sandbox.Config{Root: root, WorkDir: checkWorkDir})
	if err != nil {
		return err
	}
	command := strings.Join(args, " ")

	if !checkExec {
		verdict := exec.Check(command)
		if checkJSON {
			return printJSON(verdict)
		}
		printVerdict(command, verdict)
		return nil
	}

	result, err := exec.Execute(cmd.Context(), command)
	if err != nil {
		return err
	}
	if checkJSON {
		return printJSON(result)
	}
	switch {
	case result.Blocked:
		printVerdict(command, sandbox.Verdict{Rule: result.Rule, Reason: result.Reason})
	case result.TimedOut:
		ux.Warning(fmt.Sprintf("timed out after %s", result.Timeout))
	case result.ExitCode != 0:
		ux.Error(fmt.Sprintf("exit %d", result.ExitCode))
	default:
		ux.Success(fmt.Sprintf("exit 0 in %s", result.Duration.Round(time.Millisecond)))
	}
	if result.Stdout != "" {
		fmt.Fprint(ux.Stdout, result.Stdout)
	}
	if result.Stderr != "" {
		fmt.Fprint(ux.Stderr, result.Stderr)
	}
	return nil
}

func printVerdict(command string, v sandbox.Verdict) {
	if v.Allowed {
		msg := "allowed: " + command
		if v.Tier != "" {
			msg += " (" + string(v.Tier) + " timeout)"
		}
		ux.Success(msg)
		for _, t := range v.Targets {
			ux.Info("writes " + t)
		}
		return
	}
	ux.Warning(fmt.Sprintf("blocked (%s): %s", v.Rule, command))
	ux.Info(v.Reason)
}

func printJSON(v any) error {
	enc := json.NewEncoder(ux.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
