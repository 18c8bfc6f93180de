// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy is the capability gateway: versioned rule documents score
// every (actor, tool, context) evaluation with an allow/deny verdict and a
// clamped risk score. Versions are content-addressed, switchable at runtime
// without destructive edits, and every switch is audited with the new
// document's checksum.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/AleutianAI/hnsc/services/hnsc/audit"
	"github.com/AleutianAI/hnsc/services/hnsc/datatypes"
)

// RoleRules is the capability list for one role. Deny wins over allow; the
// literal "*" grants or revokes every tool.
type RoleRules struct {
	Allow []string `yaml:"allow,omitempty" json:"allow,omitempty"`
	Deny  []string `yaml:"deny,omitempty" json:"deny,omitempty"`
}

// ToolPolicy carries the per-tool risk floor.
type ToolPolicy struct {
	BaseRisk float64 `yaml:"base_risk" json:"base_risk" validate:"gte=0,lte=1"`
}

// ContextModifier shifts the risk score when the evaluation context carries
// the given key/value pair. A key absent from the context never fires, even
// against an empty Equals.
type ContextModifier struct {
	Key    string  `yaml:"key" json:"key"`
	Equals string  `yaml:"equals" json:"equals"`
	Delta  float64 `yaml:"delta" json:"delta" validate:"gte=-1,lte=1"`
}

// Document is one complete versioned rule set. Documents are immutable once
// compiled; a policy change is a new document under a new version.
type Document struct {
	Version     string  `yaml:"version" json:"version"`
	DefaultRisk float64 `yaml:"default_risk" json:"default_risk" validate:"gte=0,lte=1"`
	DefaultRole string  `yaml:"default_role" json:"default_role"`

	// Actors maps actor ids to roles. Unmapped actors fall back to
	// DefaultRole.
	Actors map[string]string `yaml:"actors,omitempty" json:"actors,omitempty"`

	Roles     map[string]RoleRules  `yaml:"roles" json:"roles"`
	Tools     map[string]ToolPolicy `yaml:"tools,omitempty" json:"tools,omitempty"`
	Modifiers []ContextModifier     `yaml:"modifiers,omitempty" json:"modifiers,omitempty"`
}

// Validate checks the document's internal consistency.
func (d Document) Validate() error {
	if !semver.IsValid("v" + d.Version) {
		return fmt.Errorf("policy: version %q is not a semantic version", d.Version)
	}
	if d.DefaultRisk < 0 || d.DefaultRisk > 1 {
		return errors.New("policy: default_risk must be within [0, 1]")
	}
	if len(d.Roles) == 0 {
		return errors.New("policy: at least one role is required")
	}
	if strings.TrimSpace(d.DefaultRole) == "" {
		return errors.New("policy: default_role must not be empty")
	}
	if _, ok := d.Roles[d.DefaultRole]; !ok {
		return fmt.Errorf("policy: default_role %q is not a defined role", d.DefaultRole)
	}
	for name := range d.Roles {
		if strings.TrimSpace(name) == "" {
			return errors.New("policy: role names must not be blank")
		}
	}
	for actor, role := range d.Actors {
		if _, ok := d.Roles[role]; !ok {
			return fmt.Errorf("policy: actor %q maps to undefined role %q", actor, role)
		}
	}
	for tool, tp := range d.Tools {
		if tp.BaseRisk < 0 || tp.BaseRisk > 1 {
			return fmt.Errorf("policy: tool %q base_risk must be within [0, 1]", tool)
		}
	}
	for i, m := range d.Modifiers {
		if strings.TrimSpace(m.Key) == "" {
			return fmt.Errorf("policy: modifier %d key must not be empty", i)
		}
		if m.Delta < -1 || m.Delta > 1 {
			return fmt.Errorf("policy: modifier %d delta must be within [-1, 1]", i)
		}
	}
	return nil
}

// Checksum returns hex(SHA-256) of the document's canonical JSON form. Two
// documents with the same content hash identically regardless of YAML
// layout or map ordering.
func (d Document) Checksum() (string, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("policy: checksum: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", fmt.Errorf("policy: checksum: %w", err)
	}
	canonical, err := audit.Canonicalize(fields)
	if err != nil {
		return "", fmt.Errorf("policy: checksum: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// effectiveBaseRisk is the risk floor for a tool under this document.
func (d Document) effectiveBaseRisk(tool string) float64 {
	if tp, ok := d.Tools[tool]; ok {
		return tp.BaseRisk
	}
	return d.DefaultRisk
}

// compiledRules is a role's capability lists as sets.
type compiledRules struct {
	allow    map[string]bool
	deny     map[string]bool
	allowAll bool
	denyAll  bool
}

func compileRules(r RoleRules) compiledRules {
	c := compiledRules{
		allow: make(map[string]bool, len(r.Allow)),
		deny:  make(map[string]bool, len(r.Deny)),
	}
	for _, t := range r.Allow {
		if t == "*" {
			c.allowAll = true
			continue
		}
		c.allow[t] = true
	}
	for _, t := range r.Deny {
		if t == "*" {
			c.denyAll = true
			continue
		}
		c.deny[t] = true
	}
	return c
}

// Denial reason labels for the denials_total metric.
const (
	denyReasonRule       = "deny_rule"
	denyReasonNotAllowed = "not_allowed"
	denyReasonNoRole     = "unknown_role"
)

// Snapshot is one compiled, immutable document. In-flight requests pin the
// snapshot they were admitted under, so a version switch never changes the
// rules mid-request.
type Snapshot struct {
	doc      Document
	checksum string
	roles    map[string]compiledRules
}

// Compile validates and compiles a document.
func Compile(doc Document) (*Snapshot, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	sum, err := doc.Checksum()
	if err != nil {
		return nil, err
	}
	s := &Snapshot{
		doc:      doc,
		checksum: sum,
		roles:    make(map[string]compiledRules, len(doc.Roles)),
	}
	for name, rules := range doc.Roles {
		s.roles[name] = compileRules(rules)
	}
	return s, nil
}

// Version returns the document version.
func (s *Snapshot) Version() string { return s.doc.Version }

// Checksum returns the hex SHA-256 of the canonical document.
func (s *Snapshot) Checksum() string { return s.checksum }

// Document returns a copy of the underlying document.
func (s *Snapshot) Document() Document { return s.doc }

// RoleOf resolves an actor to its role under this document.
func (s *Snapshot) RoleOf(actor string) string {
	if role, ok := s.doc.Actors[actor]; ok {
		return role
	}
	return s.doc.DefaultRole
}

// Decide evaluates one (actor, tool, context) triple against this snapshot.
func (s *Snapshot) Decide(actor, tool string, callCtx map[string]string) datatypes.PolicyDecision {
	dec, _ := s.decide(actor, tool, callCtx)
	return dec
}

// decide also returns the denial reason label for the metric; empty when
// allowed.
func (s *Snapshot) decide(actor, tool string, callCtx map[string]string) (datatypes.PolicyDecision, string) {
	dec := datatypes.PolicyDecision{Version: s.doc.Version}

	risk, notes := s.risk(tool, callCtx)
	dec.Risk = risk

	role := s.RoleOf(actor)
	rules, ok := s.roles[role]
	if !ok {
		dec.Reasons = append(dec.Reasons, fmt.Sprintf("role %q is not defined", role))
		dec.Reasons = append(dec.Reasons, notes...)
		return dec, denyReasonNoRole
	}

	reason := ""
	switch {
	case rules.denyAll || rules.deny[tool]:
		dec.Reasons = append(dec.Reasons, fmt.Sprintf("tool %q is denied for role %q", tool, role))
		reason = denyReasonRule
	case rules.allowAll || rules.allow[tool]:
		dec.Allowed = true
		dec.Reasons = append(dec.Reasons, fmt.Sprintf("allowed for role %q", role))
	default:
		dec.Reasons = append(dec.Reasons, fmt.Sprintf("role %q does not allow tool %q", role, tool))
		reason = denyReasonNotAllowed
	}
	dec.Reasons = append(dec.Reasons, notes...)
	return dec, reason
}

// risk computes base_risk(tool) plus every firing context modifier, clamped
// to [0, 1], and narrates the modifiers that fired.
func (s *Snapshot) risk(tool string, callCtx map[string]string) (float64, []string) {
	risk := s.doc.effectiveBaseRisk(tool)
	var notes []string
	for _, m := range s.doc.Modifiers {
		v, ok := callCtx[m.Key]
		if !ok || v != m.Equals {
			continue
		}
		risk += m.Delta
		notes = append(notes, fmt.Sprintf("risk %+.2f: %s=%s", m.Delta, m.Key, m.Equals))
	}
	if risk < 0 {
		risk = 0
	}
	if risk > 1 {
		risk = 1
	}
	return risk, notes
}

// fingerprint keys one evaluation for the decision cache. Context pairs are
// folded in sorted key order, and the document checksum scopes the key so a
// content change can never serve a stale verdict.
func fingerprint(checksum, actor, tool string, callCtx map[string]string) string {
	h := sha256.New()
	h.Write([]byte(checksum))
	h.Write([]byte{0})
	h.Write([]byte(actor))
	h.Write([]byte{0})
	h.Write([]byte(tool))
	keys := make([]string, 0, len(callCtx))
	for k := range callCtx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(callCtx[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}
