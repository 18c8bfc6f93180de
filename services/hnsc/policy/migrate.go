// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/mod/semver"
)

// RiskShift records a tool whose effective base risk differs between two
// documents.
type RiskShift struct {
	Tool string  `json:"tool"`
	From float64 `json:"from"`
	To   float64 `json:"to"`
}

// MigrationReport is the diff and impact summary for one version switch.
// Changes are rule-level lines in a stable order; RiskShifts covers tools
// named by either document. A default_risk change additionally shifts every
// unnamed tool and appears as its own change line.
type MigrationReport struct {
	From         string      `json:"from"`
	To           string      `json:"to"`
	FromChecksum string      `json:"from_checksum"`
	ToChecksum   string      `json:"to_checksum"`
	Direction    string      `json:"direction"`
	Changes      []string    `json:"changes"`
	RiskShifts   []RiskShift `json:"risk_shifts,omitempty"`
	Applied      bool        `json:"applied"`
}

// Migrate diffs the active version against toVersion and, unless dryRun,
// activates it. The report is computed either way; Applied records whether
// runtime state changed.
func (g *Gateway) Migrate(ctx context.Context, toVersion string, dryRun bool) (*MigrationReport, error) {
	from := g.Active()
	to, ok := g.Version(toVersion)
	if !ok {
		return nil, fmt.Errorf("policy: version %q is not loaded", toVersion)
	}

	report := diffSnapshots(from, to)
	if dryRun {
		return report, nil
	}
	if err := g.Activate(ctx, toVersion); err != nil {
		return nil, err
	}
	report.Applied = true
	return report, nil
}

func diffSnapshots(from, to *Snapshot) *MigrationReport {
	a, b := from.Document(), to.Document()
	report := &MigrationReport{
		From:         a.Version,
		To:           b.Version,
		FromChecksum: from.Checksum(),
		ToChecksum:   to.Checksum(),
		Direction:    direction(a.Version, b.Version),
	}

	if a.DefaultRole != b.DefaultRole {
		report.Changes = append(report.Changes,
			fmt.Sprintf("default_role: %s -> %s", a.DefaultRole, b.DefaultRole))
	}
	if a.DefaultRisk != b.DefaultRisk {
		report.Changes = append(report.Changes,
			fmt.Sprintf("default_risk: %.2f -> %.2f", a.DefaultRisk, b.DefaultRisk))
	}

	report.Changes = append(report.Changes, diffRoles(a, b)...)
	report.Changes = append(report.Changes, diffActors(a, b)...)
	report.Changes = append(report.Changes, diffModifiers(a, b)...)
	report.RiskShifts = riskShifts(a, b)
	return report
}

func direction(from, to string) string {
	switch c := semver.Compare("v"+to, "v"+from); {
	case c > 0:
		return "upgrade"
	case c < 0:
		return "rollback"
	default:
		return "lateral"
	}
}

func diffRoles(a, b Document) []string {
	var lines []string
	for _, role := range sortedKeys(a.Roles) {
		if _, ok := b.Roles[role]; !ok {
			lines = append(lines, fmt.Sprintf("role %s: removed", role))
		}
	}
	for _, role := range sortedKeys(b.Roles) {
		old, ok := a.Roles[role]
		if !ok {
			lines = append(lines, fmt.Sprintf("role %s: added", role))
			continue
		}
		lines = append(lines, diffList(role, "allow", old.Allow, b.Roles[role].Allow)...)
		lines = append(lines, diffList(role, "deny", old.Deny, b.Roles[role].Deny)...)
	}
	return lines
}

// diffList renders additions and removals of one capability list.
func diffList(role, list string, from, to []string) []string {
	fromSet := toSet(from)
	toSetM := toSet(to)
	var lines []string
	for _, t := range sortedSet(toSetM) {
		if !fromSet[t] {
			lines = append(lines, fmt.Sprintf("role %s: %s +%s", role, list, t))
		}
	}
	for _, t := range sortedSet(fromSet) {
		if !toSetM[t] {
			lines = append(lines, fmt.Sprintf("role %s: %s -%s", role, list, t))
		}
	}
	return lines
}

func diffActors(a, b Document) []string {
	var lines []string
	for _, actor := range sortedKeys(a.Actors) {
		if _, ok := b.Actors[actor]; !ok {
			lines = append(lines, fmt.Sprintf("actor %s: mapping removed", actor))
		}
	}
	for _, actor := range sortedKeys(b.Actors) {
		old, ok := a.Actors[actor]
		switch {
		case !ok:
			lines = append(lines, fmt.Sprintf("actor %s: mapped to %s", actor, b.Actors[actor]))
		case old != b.Actors[actor]:
			lines = append(lines, fmt.Sprintf("actor %s: %s -> %s", actor, old, b.Actors[actor]))
		}
	}
	return lines
}

func diffModifiers(a, b Document) []string {
	render := func(m ContextModifier) string {
		return fmt.Sprintf("modifier %s=%s (%+.2f)", m.Key, m.Equals, m.Delta)
	}
	fromSet := make(map[string]bool, len(a.Modifiers))
	for _, m := range a.Modifiers {
		fromSet[render(m)] = true
	}
	toSetM := make(map[string]bool, len(b.Modifiers))
	for _, m := range b.Modifiers {
		toSetM[render(m)] = true
	}

	var lines []string
	for _, m := range sortedSet(toSetM) {
		if !fromSet[m] {
			lines = append(lines, m+": added")
		}
	}
	for _, m := range sortedSet(fromSet) {
		if !toSetM[m] {
			lines = append(lines, m+": removed")
		}
	}
	return lines
}

// riskShifts compares the effective base risk of every tool named by either
// document.
func riskShifts(a, b Document) []RiskShift {
	names := make(map[string]bool, len(a.Tools)+len(b.Tools))
	for t := range a.Tools {
		names[t] = true
	}
	for t := range b.Tools {
		names[t] = true
	}

	var shifts []RiskShift
	for _, t := range sortedSet(names) {
		fromRisk := a.effectiveBaseRisk(t)
		toRisk := b.effectiveBaseRisk(t)
		if fromRisk != toRisk {
			shifts = append(shifts, RiskShift{Tool: t, From: fromRisk, To: toRisk})
		}
	}
	return shifts
}

func toSet(list []string) map[string]bool {
	set := make(map[string]bool, len(list))
	for _, s := range list {
		set[s] = true
	}
	return set
}

func sortedSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
