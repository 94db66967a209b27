// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output styling for the isomira CLI.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Stdout and Stderr are the destinations of the print helpers.
var (
	Stdout io.Writer = os.Stdout
	Stderr io.Writer = os.Stderr
)

// Color palette
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E") // borders
	ColorSlate       = lipgloss.Color("#2C4A54") // muted text

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
	ErrorBox   lipgloss.Style
	Header     lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Subtitle:  lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
	Header: lipgloss.NewStyle().Bold(true).Foreground(ColorTealPrimary).Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

func machine() bool {
	return GetPersonalityLevel() == PersonalityMachine
}

// Title prints a styled title
func Title(text string) {
	if machine() {
		return
	}
	fmt.Fprintln(Stdout, Styles.Title.Render(text))
}

// Success prints a success message with checkmark
func Success(text string) {
	switch GetPersonalityLevel() {
	case PersonalityMachine:
		fmt.Fprintf(Stdout, "OK: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(Stdout, "%s %s\n", IconSuccess.Render(), text)
	default:
		fmt.Fprintf(Stdout, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
	}
}

// Warning prints a warning message
func Warning(text string) {
	switch GetPersonalityLevel() {
	case PersonalityMachine:
		fmt.Fprintf(Stderr, "WARN: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(Stdout, "%s %s\n", IconWarning.Render(), text)
	default:
		fmt.Fprintf(Stdout, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
	}
}

// Error prints an error message
func Error(text string) {
	switch GetPersonalityLevel() {
	case PersonalityMachine:
		fmt.Fprintf(Stderr, "ERROR: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(Stdout, "%s %s\n", IconError.Render(), text)
	default:
		fmt.Fprintf(Stdout, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
	}
}

// Info prints an informational message
func Info(text string) {
	if machine() {
		fmt.Fprintln(Stdout, text)
		return
	}
	fmt.Fprintf(Stdout, "%s %s\n", Styles.Muted.Render("│"), text)
}

// Muted prints muted/secondary text
func Muted(text string) {
	if machine() {
		return
	}
	fmt.Fprintln(Stdout, Styles.Muted.Render(text))
}

// Box prints text in a rounded box
func Box(title, content string) {
	if machine() {
		fmt.Fprintf(Stdout, "%s: %s\n", title, content)
		return
	}
	fmt.Fprintln(Stdout, Styles.Box.Width(72).Render(Styles.Title.Render(title)+"\n"+content))
}

// Banner prints the header shown when a run starts.
func Banner(project, workspace, framework string) {
	if machine() {
		fmt.Fprintf(Stdout, "RUN: project=%s workspace=%s framework=%s\n", project, workspace, framework)
		return
	}
	body := fmt.Sprintf("%s %s\n%s %s\n%s %s",
		Styles.Muted.Render("project  "), project,
		Styles.Muted.Render("workspace"), workspace,
		Styles.Muted.Render("framework"), framework,
	)
	fmt.Fprintln(Stdout, Styles.Box.Width(72).Render(Styles.Title.Render("isomira")+"\n"+body))
}

// CompleteReport prints the summary of a run that finished with all tests
// passing.
func CompleteReport(iterations, generation, passed, total int) {
	if machine() {
		fmt.Fprintf(Stdout, "DONE: iterations=%d generation=%d passed=%d/%d\n",
			iterations, generation, passed, total)
		return
	}
	Success(fmt.Sprintf("All tests pass (%d/%d) after %d iteration(s), plan generation %d",
		passed, total, iterations, generation))
}

// HaltReport prints why a run stopped and what the operator should look at.
//
// Inputs:
//
//	kind - Halt category, e.g. "knowledge_gap".
//	reason - One-line reason.
//	diagnosis - Last diagnosis from the loop. May be empty.
//	evidence - Assertion clues or other lines supporting the reason.
func HaltReport(kind, reason, diagnosis string, evidence []string) {
	if machine() {
		fmt.Fprintf(Stderr, "HALT: kind=%s reason=%s\n", kind, reason)
		if diagnosis != "" {
			fmt.Fprintf(Stderr, "DIAGNOSIS: %s\n", oneLine(diagnosis))
		}
		for _, line := range evidence {
			fmt.Fprintf(Stderr, "EVIDENCE: %s\n", line)
		}
		return
	}

	var sb strings.Builder
	sb.WriteString(reason)
	if diagnosis != "" {
		sb.WriteString("\n\n")
		sb.WriteString(Styles.Bold.Render("Diagnosis"))
		sb.WriteString("\n")
		sb.WriteString(diagnosis)
	}
	if len(evidence) > 0 {
		sb.WriteString("\n\n")
		sb.WriteString(Styles.Bold.Render("Evidence"))
		for _, line := range evidence {
			sb.WriteString("\n")
			sb.WriteString(string(IconBullet))
			sb.WriteString(" ")
			sb.WriteString(line)
		}
	}
	title := Styles.Error.Bold(true).Render("Halted: " + kind)
	fmt.Fprintln(Stdout, Styles.ErrorBox.Width(72).Render(title+"\n"+sb.String()))
}

// Table prints rows under headers. Machine output is tab-separated.
func Table(headers []string, rows [][]string) {
	if machine() {
		fmt.Fprintln(Stdout, strings.Join(headers, "\t"))
		for _, row := range rows {
			fmt.Fprintln(Stdout, strings.Join(row, "\t"))
		}
		return
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorTealDeep)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return Styles.Header
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
	fmt.Fprintln(Stdout, t.Render())
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
