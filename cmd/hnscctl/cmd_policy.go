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

	"github.com/AleutianAI/hnsc/services/hnsc/policy"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and switch versioned policy documents",
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List loaded policy versions and mark the active one",
	RunE:  runPolicyList,
}

var policyDiffCmd = &cobra.Command{
	Use:   "diff [version]",
	Short: "Dry-run a version switch and print the impact report",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyDiff,
}

var policyActivateCmd = &cobra.Command{
	Use:   "activate [version]",
	Short: "Switch the active policy version",
	Long: `Rewrites the active manifest and applies the switch. A running hnscd
notices the manifest change through its directory watcher, reloads, and
appends the policy.version audit event; in-flight requests finish under the
version they started with.`,
	RunE: runPolicyActivate,
}

func init() {
	policyCmd.AddCommand(policyListCmd, policyDiffCmd, policyActivateCmd)
}

// newGateway opens the policy directory read-through. The CLI carries no
// auditor: the running daemon owns the policy_change stream and audits the
// switch when its watcher observes the new manifest.
func newGateway() (*policy.Gateway, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return policy.New(cfg.Policy)
}

func runPolicyList(*cobra.Command, []string) error {
	gw, err := newGateway()
	if err != nil {
		return err
	}
	defer gw.Close()

	active := gw.Active().Version()
	printHeader("Loaded policy versions")
	for _, v := range gw.Versions() {
		snap, _ := gw.Version(v)
		if v == active {
			printSuccess("* %s  %s (active)", v, snap.Checksum()[:12])
			continue
		}
		printMuted("  %s  %s", v, snap.Checksum()[:12])
	}
	return nil
}

func runPolicyDiff(cmd *cobra.Command, args []string) error {
	gw, err := newGateway()
	if err != nil {
		return err
	}
	defer gw.Close()

	report, err := gw.Migrate(cmd.Context(), args[0], true)
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

func runPolicyActivate(cmd *cobra.Command, args []string) error {
	gw, err := newGateway()
	if err != nil {
		return err
	}
	defer gw.Close()

	report, err := gw.Migrate(cmd.Context(), args[0], false)
	if err != nil {
		return err
	}
	printReport(report)
	printSuccess("active version is now %s", report.To)
	return nil
}

func printReport(r *policy.MigrationReport) {
	printHeader("%s -> %s (%s)", r.From, r.To, r.Direction)
	printMuted("from %s", r.FromChecksum)
	printMuted("to   %s", r.ToChecksum)

	if len(r.Changes) == 0 {
		printMuted("no rule changes")
	}
	for _, line := range r.Changes {
		printMuted("  %s", line)
	}
	for _, shift := range r.RiskShifts {
		if shift.To > shift.From {
			printWarning("  risk %s: %.2f -> %.2f", shift.Tool, shift.From, shift.To)
		} else {
			printMuted("  risk %s: %.2f -> %.2f", shift.Tool, shift.From, shift.To)
		}
	}
}
