// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// placeholderPattern matches "${...}" spans inside template strings. Two
// namespaces exist: "${root.<path>}" reads the execution's root arguments
// and "${steps.<id>.output[.<path>]}" reads a declared ancestor's output.
var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_.\-]+)\}`)

type refKind int

const (
	refRoot refKind = iota
	refStep
)

// placeholderRef is one parsed template reference.
type placeholderRef struct {
	kind   refKind
	stepID string
	path   []string
}

// parsePlaceholder validates the token between "${" and "}".
func parsePlaceholder(token string) (placeholderRef, error) {
	parts := strings.Split(token, ".")
	switch parts[0] {
	case "root":
		return placeholderRef{kind: refRoot, path: parts[1:]}, nil
	case "steps":
		if len(parts) < 3 || parts[2] != "output" {
			return placeholderRef{}, fmt.Errorf(
				"placeholder %q must take the form steps.<id>.output[.<field>]", token)
		}
		if parts[1] == "" {
			return placeholderRef{}, fmt.Errorf("placeholder %q names no step", token)
		}
		return placeholderRef{kind: refStep, stepID: parts[1], path: parts[3:]}, nil
	default:
		return placeholderRef{}, fmt.Errorf(
			"placeholder %q uses unknown namespace %q (want root or steps)", token, parts[0])
	}
}

// collectPlaceholders walks a template value and returns every reference it
// embeds. Strings are scanned for placeholder spans; maps and slices recurse.
func collectPlaceholders(v any) ([]placeholderRef, error) {
	var refs []placeholderRef
	switch t := v.(type) {
	case string:
		for _, m := range placeholderPattern.FindAllStringSubmatch(t, -1) {
			ref, err := parsePlaceholder(m[1])
			if err != nil {
				return nil, err
			}
			refs = append(refs, ref)
		}
	case map[string]any:
		for _, inner := range t {
			sub, err := collectPlaceholders(inner)
			if err != nil {
				return nil, err
			}
			refs = append(refs, sub...)
		}
	case []any:
		for _, inner := range t {
			sub, err := collectPlaceholders(inner)
			if err != nil {
				return nil, err
			}
			refs = append(refs, sub...)
		}
	}
	return refs, nil
}

// outputLookup returns a terminal ancestor's recorded output. Skipped
// ancestors report a nil map, which is how their slots become null.
type outputLookup func(stepID string) map[string]any

// resolveTemplate binds a step's args template against the root arguments
// and ancestor outputs. Top-level keys that resolve to nil are omitted so
// schema validation treats a skipped ancestor's slot as an absent optional
// argument. Templates are syntax-checked at workflow validation, so
// resolution itself cannot fail.
func resolveTemplate(tmpl map[string]any, root map[string]any, outputs outputLookup) map[string]any {
	args := make(map[string]any, len(tmpl))
	for key, v := range tmpl {
		resolved := resolveValue(v, root, outputs)
		if resolved == nil {
			continue
		}
		args[key] = resolved
	}
	return args
}

func resolveValue(v any, root map[string]any, outputs outputLookup) any {
	switch t := v.(type) {
	case string:
		return resolveString(t, root, outputs)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = resolveValue(inner, root, outputs)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = resolveValue(inner, root, outputs)
		}
		return out
	default:
		return v
	}
}

func resolveString(s string, root map[string]any, outputs outputLookup) any {
	matches := placeholderPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	// A string that is exactly one placeholder passes the referenced value
	// through unchanged, nil included. Anything else interpolates text.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		return lookupRef(s[matches[0][2]:matches[0][3]], root, outputs)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		b.WriteString(renderValue(lookupRef(s[m[2]:m[3]], root, outputs)))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

func lookupRef(token string, root map[string]any, outputs outputLookup) any {
	ref, err := parsePlaceholder(token)
	if err != nil {
		return nil
	}
	var cur any
	switch ref.kind {
	case refRoot:
		cur = root
	case refStep:
		cur = outputs(ref.stepID)
	}
	for _, seg := range ref.path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	// A typed nil map would otherwise escape as a non-nil any.
	if m, ok := cur.(map[string]any); ok && m == nil {
		return nil
	}
	return cur
}

// renderValue formats a resolved value for interpolation into surrounding
// text. Structured values render as compact JSON so prompts built from step
// outputs stay parseable.
func renderValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case map[string]any, []any:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", t)
	}
}
