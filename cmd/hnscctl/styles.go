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
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Report styling. Styles degrade to plain text when stdout is not a
// terminal or --no-color is set, so piped output stays machine-friendly.
var (
	styleHeader  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#20B9B4"))
	styleSuccess = lipgloss.NewStyle().Foreground(lipgloss.Color("#2CD7C7"))
	styleWarning = lipgloss.NewStyle().Foreground(lipgloss.Color("#F4D03F"))
	styleError   = lipgloss.NewStyle().Foreground(lipgloss.Color("#E74C3C"))
	styleMuted   = lipgloss.NewStyle().Foreground(lipgloss.Color("#2C4A54"))
)

func init() {
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		disableStyles()
	}
}

func disableStyles() {
	plain := lipgloss.NewStyle()
	styleHeader = plain
	styleSuccess = plain
	styleWarning = plain
	styleError = plain
	styleMuted = plain
}

func printHeader(format string, args ...any) {
	fmt.Println(styleHeader.Render(fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) {
	fmt.Println(styleSuccess.Render(fmt.Sprintf(format, args...)))
}

func printWarning(format string, args ...any) {
	fmt.Println(styleWarning.Render(fmt.Sprintf(format, args...)))
}

func printMuted(format string, args ...any) {
	fmt.Println(styleMuted.Render(fmt.Sprintf(format, args...)))
}

func printError(err error) {
	fmt.Fprintln(os.Stderr, styleError.Render("error: "+err.Error()))
}
