// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package safety is the deny-first policy gate evaluated at three pipeline
// checkpoints: ingress (raw request text), pre-tool (a candidate tool call),
// and egress (the assembled response payload).
//
// Each check short-circuits on the first violated rule, emits a policy.deny
// audit event, and returns a policy_denied error carrying the denial reason
// as its code. The gate never mutates its input; masking sensitive spans is
// the redact package's job.
//
// Thread Safety:
//
//	A Gate is immutable after New and safe for concurrent use.
package safety

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/hnsc/services/hnsc/datatypes"
	"github.com/AleutianAI/hnsc/services/hnsc/hnscerr"
	"github.com/AleutianAI/hnsc/services/hnsc/redact"
)

//go:embed patterns.yaml
var embeddedRules []byte

var tracer = otel.Tracer("hnsc.safety")

// Checkpoint names the pipeline stage a check guards.
type Checkpoint string

const (
	CheckpointIngress Checkpoint = "ingress"
	CheckpointPreTool Checkpoint = "pre_tool"
	CheckpointEgress  Checkpoint = "egress"
)

// Denial reasons for the checks the gate implements directly. Pattern-driven
// ingress denials carry the matched rule's reason from the pattern file
// instead (prompt_injection, system_prompt_exfiltration, ...).
const (
	ReasonOversizedPayload    = "oversized_payload"
	ReasonUnauthenticatedMode = "unauthenticated_mode"
	ReasonScopeViolation      = "scope_violation"
	ReasonApprovalMissing     = "approval_missing"
	ReasonUnredactedPII       = "unredacted_pii"
	ReasonPolicyViolation     = "policy_violation"
)

// TagPolicyViolation marks an egress payload the arbiter rejected. Any
// payload carrying it fails the egress check.
const TagPolicyViolation = "policy_violation"

// Auditor records policy.deny events for denials. *audit.Handle satisfies it.
type Auditor interface {
	Append(ctx context.Context, category string, fields map[string]any) (int64, error)
}

// RuleConfig is one deployment-supplied prohibited pattern, appended after
// the built-in rule set.
type RuleConfig struct {
	// Reason is the audit reason and error code the rule denies with,
	// e.g. "out_of_scope_request".
	Reason string `yaml:"reason"`
	ID     string `yaml:"id"`
	Regex  string `yaml:"regex"`

	// Profiles restricts the rule to the listed profiles. Empty means
	// production only, matching the redact package's custom patterns.
	Profiles []redact.Profile `yaml:"profiles,omitempty"`
}

// Config tunes the gate for one deployment.
type Config struct {
	// Profile selects pattern, tool-scope, and egress strictness. Shared
	// with the redaction filter so both layers agree on what counts as
	// sensitive.
	Profile redact.Profile `yaml:"profile" validate:"required"`

	// MaxPayloadBytes bounds the request text size accepted at ingress.
	MaxPayloadBytes int `yaml:"max_payload_bytes" validate:"gt=0"`

	// RestrictedModes require an authenticated actor at ingress.
	RestrictedModes []datatypes.Mode `yaml:"restricted_modes"`

	// ModeScopeTags maps a request mode to the tool scope tags reachable
	// in it. In production and staging a mode without an entry permits no
	// tools; in development an absent entry permits all.
	ModeScopeTags map[datatypes.Mode][]string `yaml:"mode_scope_tags"`

	// CustomRules extends the built-in prohibited-pattern set.
	CustomRules []RuleConfig `yaml:"custom_rules,omitempty"`
}

// DefaultConfig is the production posture: strictest profile, 64 KiB payload
// ceiling, operator surfaces gated on authentication, and no tool reachable
// until mode_scope_tags is configured.
func DefaultConfig() Config {
	return Config{
		Profile:         redact.ProfileProduction,
		MaxPayloadBytes: 64 << 10,
		RestrictedModes: []datatypes.Mode{datatypes.ModeMCP, datatypes.ModeDebug},
	}
}

// Validate rejects malformed gate configuration.
func (c Config) Validate() error {
	if !c.Profile.Valid() {
		return fmt.Errorf("safety: unknown profile %q", c.Profile)
	}
	if c.MaxPayloadBytes <= 0 {
		return fmt.Errorf("safety: max_payload_bytes must be positive, got %d", c.MaxPayloadBytes)
	}
	for _, m := range c.RestrictedModes {
		if !m.Valid() {
			return fmt.Errorf("safety: restricted mode %q is not a defined mode", m)
		}
	}
	for m := range c.ModeScopeTags {
		if !m.Valid() {
			return fmt.Errorf("safety: mode_scope_tags key %q is not a defined mode", m)
		}
	}
	return nil
}

// ruleSpec mirrors the embedded YAML shape.
type ruleSpec struct {
	Reason      string   `yaml:"reason"`
	Description string   `yaml:"description,omitempty"`
	Profiles    []string `yaml:"profiles"`
	Patterns    []struct {
		ID    string `yaml:"id"`
		Regex string `yaml:"regex"`
	} `yaml:"patterns"`
}

// rule is one compiled prohibited pattern. Only rules active under the
// configured profile survive construction, so the ingress loop never
// re-checks profiles.
type rule struct {
	reason    string
	patternID string
	re        *regexp.Regexp
}

// Gate evaluates the three checkpoints under one configured profile.
type Gate struct {
	cfg    Config
	rules  []rule
	filter *redact.Filter

	restricted map[datatypes.Mode]bool
	scopes     map[datatypes.Mode]map[string]bool
}

// New compiles the built-in prohibited-pattern set plus any custom rules and
// binds the redaction filter the egress check scans with. Every embedded
// pattern is compiled even when its profile is inactive, so a malformed
// pattern fails startup in all deployments.
func New(cfg Config, filter *redact.Filter) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if filter == nil {
		return nil, fmt.Errorf("safety: redaction filter is required")
	}

	var spec struct {
		Rules []ruleSpec `yaml:"rules"`
	}
	if err := yaml.Unmarshal(embeddedRules, &spec); err != nil {
		return nil, fmt.Errorf("safety: parse embedded rules: %w", err)
	}

	g := &Gate{
		cfg:        cfg,
		filter:     filter,
		restricted: make(map[datatypes.Mode]bool, len(cfg.RestrictedModes)),
		scopes:     make(map[datatypes.Mode]map[string]bool, len(cfg.ModeScopeTags)),
	}
	for _, m := range cfg.RestrictedModes {
		g.restricted[m] = true
	}
	for m, tags := range cfg.ModeScopeTags {
		set := make(map[string]bool, len(tags))
		for _, tag := range tags {
			set[tag] = true
		}
		g.scopes[m] = set
	}

	for _, rs := range spec.Rules {
		if rs.Reason == "" {
			return nil, fmt.Errorf("safety: embedded rule with empty reason")
		}
		active := false
		for _, p := range rs.Profiles {
			if !redact.Profile(p).Valid() {
				return nil, fmt.Errorf("safety: rule %s: unknown profile %q", rs.Reason, p)
			}
			if redact.Profile(p) == cfg.Profile {
				active = true
			}
		}
		for _, pat := range rs.Patterns {
			re, err := regexp.Compile(pat.Regex)
			if err != nil {
				return nil, fmt.Errorf("safety: compile %s/%s: %w", rs.Reason, pat.ID, err)
			}
			if !active {
				continue
			}
			g.rules = append(g.rules, rule{reason: rs.Reason, patternID: pat.ID, re: re})
		}
	}

	for _, rc := range cfg.CustomRules {
		if rc.Reason == "" {
			return nil, fmt.Errorf("safety: custom rule %s: reason is required", rc.ID)
		}
		re, err := regexp.Compile(rc.Regex)
		if err != nil {
			return nil, fmt.Errorf("safety: compile custom %s: %w", rc.ID, err)
		}
		active := len(rc.Profiles) == 0 && cfg.Profile == redact.ProfileProduction
		for _, p := range rc.Profiles {
			if !p.Valid() {
				return nil, fmt.Errorf("safety: custom %s: unknown profile %q", rc.ID, p)
			}
			if p == cfg.Profile {
				active = true
			}
		}
		if !active {
			continue
		}
		g.rules = append(g.rules, rule{reason: rc.Reason, patternID: rc.ID, re: re})
	}
	return g, nil
}

// Profile returns the strictness profile the gate was built with.
func (g *Gate) Profile() redact.Profile { return g.cfg.Profile }

// Rules reports how many prohibited patterns are active under the profile.
func (g *Gate) Rules() int { return len(g.rules) }

// CheckIngress validates raw request text before routing.
//
// Deny-first order: payload size, restricted-mode authentication, then the
// prohibited patterns in rule-file order. The size check runs first so
// unbounded input never reaches the regex engine.
func (g *Gate) CheckIngress(ctx context.Context, req datatypes.Request, aud Auditor) error {
	ctx, span := tracer.Start(ctx, "safety.ingress", trace.WithAttributes(
		attribute.String("checkpoint", string(CheckpointIngress)),
		attribute.String("mode", string(req.Mode)),
	))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return hnscerr.FromContext(err)
	}

	if n := len(req.Text); n > g.cfg.MaxPayloadBytes {
		return g.deny(ctx, span, aud, denial{
			checkpoint: CheckpointIngress,
			reason:     ReasonOversizedPayload,
			message:    fmt.Sprintf("request text is %d bytes, limit is %d", n, g.cfg.MaxPayloadBytes),
			fields:     map[string]any{"size_bytes": n, "limit_bytes": g.cfg.MaxPayloadBytes, "mode": string(req.Mode)},
		})
	}

	if g.restricted[req.Mode] && !req.Authenticated {
		return g.deny(ctx, span, aud, denial{
			checkpoint: CheckpointIngress,
			reason:     ReasonUnauthenticatedMode,
			message:    fmt.Sprintf("mode %s requires an authenticated actor", req.Mode),
			fields:     map[string]any{"mode": string(req.Mode)},
		})
	}

	for _, r := range g.rules {
		if r.re.MatchString(req.Text) {
			return g.deny(ctx, span, aud, denial{
				checkpoint: CheckpointIngress,
				reason:     r.reason,
				message:    "request text matches a prohibited pattern",
				fields:     map[string]any{"pattern": r.patternID, "mode": string(req.Mode)},
			})
		}
	}
	return nil
}

// CheckPreTool validates a candidate tool call after schema validation and
// before the policy gateway prices its risk. Scope reachability is checked
// before the approval requirement so an out-of-scope irreversible tool
// denies as a scope violation.
func (g *Gate) CheckPreTool(ctx context.Context, req datatypes.Request, tool datatypes.Tool, aud Auditor) error {
	ctx, span := tracer.Start(ctx, "safety.pre_tool", trace.WithAttributes(
		attribute.String("checkpoint", string(CheckpointPreTool)),
		attribute.String("tool.name", tool.Name),
		attribute.String("mode", string(req.Mode)),
	))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return hnscerr.FromContext(err)
	}

	if !g.ModeAllows(req.Mode, tool) {
		return g.deny(ctx, span, aud, denial{
			checkpoint: CheckpointPreTool,
			reason:     ReasonScopeViolation,
			message:    fmt.Sprintf("tool %s is not permitted in mode %s", tool.Name, req.Mode),
			fields:     map[string]any{"tool": tool.Name, "mode": string(req.Mode), "scope_tags": tool.ScopeTags},
		})
	}

	if tool.SideEffect == datatypes.SideEffectIrreversible && req.ApprovalToken == "" {
		return g.deny(ctx, span, aud, denial{
			checkpoint: CheckpointPreTool,
			reason:     ReasonApprovalMissing,
			message:    fmt.Sprintf("tool %s is irreversible and no approval token was presented", tool.Name),
			fields: map[string]any{
				"tool":              tool.Name,
				"mode":              string(req.Mode),
				"side_effect_class": tool.SideEffect.String(),
			},
		})
	}
	return nil
}

// CheckEgress validates the assembled response payload before it leaves the
// pipeline. tags carries the arbitration verdict tags for the payload; nil
// is fine for payloads that never went through arbitration.
func (g *Gate) CheckEgress(ctx context.Context, req datatypes.Request, payload string, tags []string, aud Auditor) error {
	ctx, span := tracer.Start(ctx, "safety.egress", trace.WithAttributes(
		attribute.String("checkpoint", string(CheckpointEgress)),
		attribute.Int("payload_bytes", len(payload)),
	))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return hnscerr.FromContext(err)
	}

	for _, tag := range tags {
		if tag == TagPolicyViolation {
			return g.deny(ctx, span, aud, denial{
				checkpoint: CheckpointEgress,
				reason:     ReasonPolicyViolation,
				message:    "response content was tagged as a policy violation",
				fields:     map[string]any{"tag": tag, "mode": string(req.Mode)},
			})
		}
	}

	if findings := g.filter.Scan(payload, g.cfg.Profile); len(findings) > 0 {
		return g.deny(ctx, span, aud, denial{
			checkpoint: CheckpointEgress,
			reason:     ReasonUnredactedPII,
			message:    "response contains unredacted sensitive spans",
			fields: map[string]any{
				"categories": findingCategories(findings),
				"count":      len(findings),
				"mode":       string(req.Mode),
			},
		})
	}
	return nil
}

// ModeAllows reports whether the tool's scope tags are reachable from the
// mode. Tools carry no implicit scope: a tool with no tags matches no allow
// list. The server uses this to derive the tool subset advertised on each
// surface; the pre-tool check enforces it.
func (g *Gate) ModeAllows(mode datatypes.Mode, tool datatypes.Tool) bool {
	allowed, ok := g.scopes[mode]
	if !ok {
		return g.cfg.Profile == redact.ProfileDevelopment
	}
	for _, tag := range tool.ScopeTags {
		if allowed[tag] {
			return true
		}
	}
	return false
}

// Violations returns the distinct prohibited-behavior reasons the text
// matches under the active profile, in rule order. The arbiter scores
// generated candidates with it; a candidate matching any rule is discarded
// before selection and the response tagged for the egress check.
func (g *Gate) Violations(text string) []string {
	var reasons []string
	seen := make(map[string]bool)
	for _, r := range g.rules {
		if !seen[r.reason] && r.re.MatchString(text) {
			seen[r.reason] = true
			reasons = append(reasons, r.reason)
		}
	}
	return reasons
}

// denial carries one failed check to the audit sink and the caller.
type denial struct {
	checkpoint Checkpoint
	reason     string
	message    string
	fields     map[string]any
}

// deny emits the policy.deny audit event and builds the terminal error. An
// append failure never converts a denial into a pass; the sink's health
// gates side-effectful actions elsewhere.
func (g *Gate) deny(ctx context.Context, span trace.Span, aud Auditor, d denial) error {
	span.SetAttributes(attribute.String("deny.reason", d.reason))

	fields := make(map[string]any, len(d.fields)+2)
	for k, v := range d.fields {
		fields[k] = v
	}
	fields["checkpoint"] = string(d.checkpoint)
	fields["reason"] = d.reason
	if aud != nil {
		_, _ = aud.Append(ctx, "policy.deny", fields)
	}
	return hnscerr.PolicyDenied(d.reason, d.message)
}

// findingCategories returns the distinct finding categories, sorted.
func findingCategories(findings []redact.Finding) []string {
	seen := make(map[string]bool, len(findings))
	var cats []string
	for _, f := range findings {
		if !seen[f.Category] {
			seen[f.Category] = true
			cats = append(cats, f.Category)
		}
	}
	sort.Strings(cats)
	return cats
}

// ReasonOf extracts the denial reason from a gate error. The controller uses
// it to map approval_missing denials onto the approval-required response
// rather than a terminal denial. Non-denial errors report an empty reason.
func ReasonOf(err error) string {
	var he *hnscerr.Error
	if errors.As(err, &he) && he.Kind == hnscerr.KindPolicyDenied {
		return he.Code
	}
	return ""
}
