// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package router

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/hnsc/services/hnsc/datatypes"
)

// maxRulesFileSize bounds external rule files so a misconfigured path
// cannot feed unbounded YAML into startup.
const maxRulesFileSize = 1 << 20

// maxRulesPerSet bounds the rule list. Routing scans rules linearly per
// request, so the set stays small.
const maxRulesPerSet = 500

//go:embed rules.yaml
var embeddedRules []byte

// RuleConfig is one routing rule as spelled in rules.yaml. A rule carries
// at least one matcher (exact phrases, an anchored regex, or both) and
// exactly one dispatch target (tool or workflow).
type RuleConfig struct {
	Name string `yaml:"name" json:"name"`

	// Exact phrases are compared against the lowercased,
	// whitespace-collapsed request text.
	Exact []string `yaml:"exact,omitempty" json:"exact,omitempty"`

	// Regex is compiled anchored at both ends; anchors are added when the
	// pattern omits them. Named capture groups bind into the dispatch
	// arguments and override seeded Args of the same name.
	Regex string `yaml:"regex,omitempty" json:"regex,omitempty"`

	// Modes restricts the rule to specific operating surfaces. Empty
	// means the rule applies in every mode.
	Modes []datatypes.Mode `yaml:"modes,omitempty" json:"modes,omitempty"`

	// Exactly one of Tool or Workflow names the dispatch target.
	Tool     string `yaml:"tool,omitempty" json:"tool,omitempty"`
	Workflow string `yaml:"workflow,omitempty" json:"workflow,omitempty"`

	// Args seed the dispatch arguments: tool args or the workflow binding.
	Args map[string]any `yaml:"args,omitempty" json:"args,omitempty"`
}

type ruleFile struct {
	Rules []RuleConfig `yaml:"rules"`
}

// compiledRule is the validated runtime form of a RuleConfig.
type compiledRule struct {
	name   string
	exact  map[string]bool
	re     *regexp.Regexp
	modes  map[datatypes.Mode]bool
	kind   DispositionKind
	target string
	args   map[string]any
}

func (r compiledRule) appliesTo(mode datatypes.Mode) bool {
	return r.modes == nil || r.modes[mode]
}

// bindArgs merges the rule's seeded args with regex captures. Captures win
// on name collision; captures from groups that did not participate in the
// match are dropped.
func (r compiledRule) bindArgs(captures map[string]string) map[string]any {
	args := make(map[string]any, len(r.args)+len(captures))
	for k, v := range r.args {
		args[k] = v
	}
	for k, v := range captures {
		if v != "" {
			args[k] = v
		}
	}
	return args
}

// RuleSet is an ordered, compiled rule list. Order is significant: within
// each matching stage the first matching rule wins, so sets are written
// most specific first.
type RuleSet struct {
	rules []compiledRule
}

// Len returns the number of compiled rules.
func (rs *RuleSet) Len() int { return len(rs.rules) }

// LoadRuleSet reads routing rules from path. An empty path selects the
// embedded defaults. A set path that cannot be read or parsed is a hard
// error: an operator override is never silently ignored.
func LoadRuleSet(path string) (*RuleSet, error) {
	if path == "" {
		rs, err := ParseRuleSet(embeddedRules)
		if err != nil {
			return nil, fmt.Errorf("embedded routing rules: %w", err)
		}
		slog.Debug("loaded embedded routing rules", slog.Int("rules", rs.Len()))
		return rs, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving rules path: %w", err)
	}
	if strings.Contains(absPath, "..") {
		return nil, fmt.Errorf("rules path traversal not allowed: %s", absPath)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat rules file: %w", err)
	}
	if info.Size() > maxRulesFileSize {
		return nil, fmt.Errorf("rules file too large: %d bytes (max %d)", info.Size(), maxRulesFileSize)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}

	rs, err := ParseRuleSet(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", absPath, err)
	}
	slog.Info("loaded routing rules",
		slog.String("path", absPath),
		slog.Int("rules", rs.Len()))
	return rs, nil
}

// ParseRuleSet compiles routing rules from YAML. Every rule is validated
// and every regex compiled, so a malformed rule fails startup rather than
// a live request.
func ParseRuleSet(data []byte) (*RuleSet, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("unmarshaling rules YAML: %w", err)
	}
	if len(file.Rules) > maxRulesPerSet {
		return nil, fmt.Errorf("too many rules: %d (max %d)", len(file.Rules), maxRulesPerSet)
	}

	rs := &RuleSet{rules: make([]compiledRule, 0, len(file.Rules))}
	seen := make(map[string]bool, len(file.Rules))
	for i, rc := range file.Rules {
		cr, err := compileRule(rc)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%q): %w", i, rc.Name, err)
		}
		if seen[cr.name] {
			return nil, fmt.Errorf("rule %d: duplicate name %q", i, cr.name)
		}
		seen[cr.name] = true
		rs.rules = append(rs.rules, cr)
	}
	return rs, nil
}

func compileRule(rc RuleConfig) (compiledRule, error) {
	if strings.TrimSpace(rc.Name) == "" {
		return compiledRule{}, fmt.Errorf("rule name must not be empty")
	}
	if len(rc.Exact) == 0 && rc.Regex == "" {
		return compiledRule{}, fmt.Errorf("rule needs at least one exact phrase or a regex")
	}
	if (rc.Tool == "") == (rc.Workflow == "") {
		return compiledRule{}, fmt.Errorf("rule must dispatch exactly one of tool or workflow")
	}

	cr := compiledRule{name: rc.Name, target: rc.Tool, kind: DispositionTool}
	if rc.Workflow != "" {
		cr.target = rc.Workflow
		cr.kind = DispositionWorkflow
	}

	if len(rc.Exact) > 0 {
		cr.exact = make(map[string]bool, len(rc.Exact))
		for _, phrase := range rc.Exact {
			norm := normalizeText(phrase)
			if norm == "" {
				return compiledRule{}, fmt.Errorf("exact phrase must not be empty")
			}
			cr.exact[norm] = true
		}
	}

	if rc.Regex != "" {
		re, err := regexp.Compile(anchor(rc.Regex))
		if err != nil {
			return compiledRule{}, fmt.Errorf("compiling regex: %w", err)
		}
		cr.re = re
	}

	if len(rc.Modes) > 0 {
		cr.modes = make(map[datatypes.Mode]bool, len(rc.Modes))
		for _, m := range rc.Modes {
			if !m.Valid() {
				return compiledRule{}, fmt.Errorf("unknown mode %q", m)
			}
			cr.modes[m] = true
		}
	}

	if len(rc.Args) > 0 {
		cr.args = make(map[string]any, len(rc.Args))
		for k, v := range rc.Args {
			cr.args[k] = v
		}
	}
	return cr, nil
}

// anchor pins a pattern to the full text. Routing rules never match
// substrings; a partial match falls through to keyword scoring instead.
func anchor(pattern string) string {
	if !strings.HasPrefix(pattern, "^") {
		pattern = "^(?:" + pattern + ")"
	}
	if !strings.HasSuffix(pattern, "$") {
		pattern += "$"
	}
	return pattern
}

// matchExact returns the first rule whose exact-phrase set contains the
// normalized text and which applies to the mode.
func (rs *RuleSet) matchExact(norm string, mode datatypes.Mode) (compiledRule, bool) {
	if norm == "" {
		return compiledRule{}, false
	}
	for _, r := range rs.rules {
		if r.exact != nil && r.exact[norm] && r.appliesTo(mode) {
			return r, true
		}
	}
	return compiledRule{}, false
}

// matchRegex returns the first rule whose regex matches the trimmed text
// and which applies to the mode, along with named captures.
func (rs *RuleSet) matchRegex(text string, mode datatypes.Mode) (compiledRule, map[string]string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return compiledRule{}, nil, false
	}
	for _, r := range rs.rules {
		if r.re == nil || !r.appliesTo(mode) {
			continue
		}
		m := r.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		captures := make(map[string]string)
		for i, name := range r.re.SubexpNames() {
			if name != "" && i < len(m) {
				captures[name] = m[i]
			}
		}
		return r, captures, true
	}
	return compiledRule{}, nil, false
}

// toolTargets returns the distinct tool names dispatched by the set.
// Workflow targets are not included: workflows are validated by the
// engine that runs them, not the router.
func (rs *RuleSet) toolTargets() []string {
	seen := make(map[string]bool)
	var names []string
	for _, r := range rs.rules {
		if r.kind == DispositionTool && !seen[r.target] {
			seen[r.target] = true
			names = append(names, r.target)
		}
	}
	return names
}
