// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package router is the symbolic intent classifier. It maps request text to
// one of three dispositions without calling a model: a named workflow with a
// root binding, a single tool with fully specified arguments, or free-form
// generation.
//
// Classification runs three stages in priority order: exact phrase rules
// (including bare tool names), anchored regex rules, then keyword coverage
// against each tool's keyword dictionary. A keyword match at or above
// DispatchThreshold dispatches directly; matches in the hint band produce a
// generate disposition with the leading candidates attached so the generator
// can ground its answer.
//
// Routing is deterministic: identical text, mode, and catalog always yield
// the identical decision.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/hnsc/services/hnsc/datatypes"
	"github.com/AleutianAI/hnsc/services/hnsc/hnscerr"
)

var tracer = otel.Tracer("hnsc.router")

// Confidence bands. A best keyword match at or above DispatchThreshold
// dispatches directly; the boundary is inclusive. Matches at or above
// HintThreshold but below DispatchThreshold fall back to generation with
// candidates attached. Anything lower generates with no hints.
const (
	DispatchThreshold = 0.8
	HintThreshold     = 0.5
)

// maxHints caps the candidates attached to a generate disposition.
const maxHints = 3

// DispositionKind names the three routing outcomes.
type DispositionKind string

const (
	DispositionWorkflow DispositionKind = "workflow"
	DispositionTool     DispositionKind = "tool"
	DispositionGenerate DispositionKind = "generate"
)

// Decision source stages, recorded for audit fields and span attributes.
const (
	SourceExact    = "exact"
	SourceRegex    = "regex"
	SourceKeywords = "keywords"
	SourceFallback = "fallback"
)

// Candidate is one scored alternative attached to a generate disposition.
type Candidate struct {
	Kind       DispositionKind `json:"kind"`
	Name       string          `json:"name"`
	Confidence float64         `json:"confidence"`
}

// Decision is the router's verdict for one request. Exactly the fields of
// the matching kind are populated: Tool and Args for tool dispatches,
// Workflow and Binding for workflow dispatches, Prompt and optionally Hints
// for generation.
type Decision struct {
	Kind DispositionKind `json:"kind"`

	Tool string         `json:"tool,omitempty"`
	Args map[string]any `json:"args,omitempty"`

	Workflow string         `json:"workflow,omitempty"`
	Binding  map[string]any `json:"binding,omitempty"`

	Prompt string      `json:"prompt,omitempty"`
	Hints  []Candidate `json:"hints,omitempty"`

	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// Target returns the dispatched tool or workflow name, or empty for
// generate dispositions.
func (d Decision) Target() string {
	switch d.Kind {
	case DispositionTool:
		return d.Tool
	case DispositionWorkflow:
		return d.Workflow
	default:
		return ""
	}
}

// Catalog is the read-only tool view the router classifies against.
// *tools.Registry satisfies it once sealed.
type Catalog interface {
	Tools() []datatypes.Tool
}

// Router classifies request text into dispositions. It snapshots the
// catalog at construction; registries are sealed before serving, so the
// snapshot never goes stale. Safe for concurrent use.
type Router struct {
	rules    *RuleSet
	byName   map[string]datatypes.Tool
	profiles []keywordProfile
}

// New builds a router over a compiled rule set and the sealed tool catalog.
// Rule tool targets are checked against the catalog so a rule naming an
// unregistered tool fails startup instead of a live request.
func New(rules *RuleSet, catalog Catalog) (*Router, error) {
	if rules == nil {
		return nil, errors.New("router: rule set must not be nil")
	}
	if catalog == nil {
		return nil, errors.New("router: catalog must not be nil")
	}

	ts := catalog.Tools()
	r := &Router{
		rules:  rules,
		byName: make(map[string]datatypes.Tool, len(ts)),
	}
	for _, t := range ts {
		r.byName[normalizeText(t.Name)] = t
		if len(t.Keywords) > 0 {
			r.profiles = append(r.profiles, buildProfile(t))
		}
	}
	for _, name := range rules.toolTargets() {
		if _, ok := r.byName[normalizeText(name)]; !ok {
			return nil, fmt.Errorf("router: rule targets unregistered tool %q", name)
		}
	}
	return r, nil
}

// Route classifies one request. The only error paths are context
// cancellation and deadline expiry; classification itself always produces
// a decision, with generation as the terminal fallback.
func (r *Router) Route(ctx context.Context, req datatypes.Request) (Decision, error) {
	_, span := tracer.Start(ctx, "router.route",
		trace.WithAttributes(attribute.String("mode", string(req.Mode))))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return Decision{}, hnscerr.FromContext(err)
	}

	norm := normalizeText(req.Text)

	// Stage 1: exact phrases, then bare tool names. A tool name only
	// dispatches when its schema accepts empty args; otherwise the text
	// falls through so a later stage can bind or hint.
	if rule, ok := r.rules.matchExact(norm, req.Mode); ok {
		return finish(span, dispatchRule(rule, nil, SourceExact)), nil
	}
	if tool, ok := r.byName[norm]; ok && callableWithEmptyArgs(tool) {
		return finish(span, Decision{
			Kind:       DispositionTool,
			Tool:       tool.Name,
			Args:       map[string]any{},
			Confidence: 1,
			Source:     SourceExact,
		}), nil
	}

	// Stage 2: anchored regex rules over the raw trimmed text.
	if rule, captures, ok := r.rules.matchRegex(req.Text, req.Mode); ok {
		return finish(span, dispatchRule(rule, captures, SourceRegex)), nil
	}

	// Stage 3: keyword coverage.
	scored := r.scoreTools(req.Text, norm)
	if len(scored) > 0 {
		best := scored[0]
		switch {
		case best.score >= DispatchThreshold && callableWithEmptyArgs(best.tool):
			return finish(span, Decision{
				Kind:       DispositionTool,
				Tool:       best.tool.Name,
				Args:       map[string]any{},
				Confidence: best.score,
				Source:     SourceKeywords,
			}), nil
		case best.score >= HintThreshold:
			return finish(span, Decision{
				Kind:       DispositionGenerate,
				Prompt:     req.Text,
				Hints:      hints(scored),
				Confidence: best.score,
				Source:     SourceKeywords,
			}), nil
		}
	}

	d := Decision{Kind: DispositionGenerate, Prompt: req.Text, Source: SourceFallback}
	if len(scored) > 0 {
		d.Confidence = scored[0].score
	}
	return finish(span, d), nil
}

// dispatchRule converts a matched rule into a decision. Rule matches are
// deterministic, so their confidence is always 1.
func dispatchRule(rule compiledRule, captures map[string]string, source string) Decision {
	args := rule.bindArgs(captures)
	d := Decision{Kind: rule.kind, Confidence: 1, Source: source}
	if rule.kind == DispositionWorkflow {
		d.Workflow = rule.target
		d.Binding = args
	} else {
		d.Tool = rule.target
		d.Args = args
	}
	return d
}

type scoredTool struct {
	tool  datatypes.Tool
	score float64
}

// scoreTools ranks every keyword-bearing tool against the text. Ties are
// broken toward the lower side-effect class, then the lower risk weight,
// then the lexicographically smaller name.
func (r *Router) scoreTools(text, norm string) []scoredTool {
	tokens := tokenize(text)
	var out []scoredTool
	for _, p := range r.profiles {
		if s := p.score(tokens, norm); s > 0 {
			out = append(out, scoredTool{tool: p.tool, score: s})
		}
	}
	sort.Slice(out, func(i, j int) bool { return lessScored(out[i], out[j]) })
	return out
}

func lessScored(a, b scoredTool) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if a.tool.SideEffect != b.tool.SideEffect {
		return a.tool.SideEffect < b.tool.SideEffect
	}
	if a.tool.RiskWeight != b.tool.RiskWeight {
		return a.tool.RiskWeight < b.tool.RiskWeight
	}
	return a.tool.Name < b.tool.Name
}

func hints(scored []scoredTool) []Candidate {
	n := len(scored)
	if n > maxHints {
		n = maxHints
	}
	out := make([]Candidate, 0, n)
	for _, s := range scored[:n] {
		out = append(out, Candidate{
			Kind:       DispositionTool,
			Name:       s.tool.Name,
			Confidence: s.score,
		})
	}
	return out
}

func finish(span trace.Span, d Decision) Decision {
	span.SetAttributes(
		attribute.String("disposition", string(d.Kind)),
		attribute.Float64("confidence", d.Confidence),
		attribute.String("source", d.Source),
	)
	if name := d.Target(); name != "" {
		span.SetAttributes(attribute.String("target", name))
	}
	return d
}
