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
	"sort"
	"strings"

	"github.com/AleutianAI/hnsc/services/hnsc/datatypes"
	"github.com/AleutianAI/hnsc/services/hnsc/hnscerr"
)

// toolSource is the registry view validation needs. *tools.Registry
// satisfies it.
type toolSource interface {
	Lookup(name string) (datatypes.Tool, error)
}

// normalizeAndValidate checks every structural invariant of a workflow and
// returns a normalized copy: step structs are copied and an empty
// on_failure defaults to fail_workflow; templates and dependency lists are
// shared and never mutated. All violations carry kind workflow_invalid.
//
// Dependencies may reference only earlier-declared steps, which rules out
// cycles and makes declaration order a valid topological order. Template
// placeholders may reference only root arguments and outputs of declared
// ancestors, and every template key must exist in the target tool's input
// schema with all non-defaulted required parameters covered.
func normalizeAndValidate(wf datatypes.Workflow, reg toolSource) (datatypes.Workflow, error) {
	if strings.TrimSpace(wf.Name) == "" {
		return wf, invalid("workflow name must not be empty")
	}
	if len(wf.Steps) == 0 {
		return wf, invalid("workflow %q declares no steps", wf.Name)
	}
	if wf.MaxConcurrent < 0 {
		return wf, invalid("workflow %q: max_concurrent must not be negative", wf.Name)
	}

	norm := wf
	norm.Steps = make([]datatypes.Step, len(wf.Steps))
	copy(norm.Steps, wf.Steps)

	declared := make(map[string]int, len(norm.Steps))
	ancestors := make(map[string]map[string]bool, len(norm.Steps))

	for i := range norm.Steps {
		step := &norm.Steps[i]
		if strings.TrimSpace(step.ID) == "" {
			return wf, invalid("workflow %q: step %d has no id", wf.Name, i)
		}
		if _, dup := declared[step.ID]; dup {
			return wf, invalid("workflow %q: duplicate step id %q", wf.Name, step.ID)
		}

		// Earlier-declared dependencies only. A self or forward reference,
		// including any cycle, fails here.
		anc := make(map[string]bool)
		for _, dep := range step.DependsOn {
			if _, ok := declared[dep]; !ok {
				return wf, invalid(
					"workflow %q: step %q depends on %q, which is not declared earlier (cycles are not allowed)",
					wf.Name, step.ID, dep)
			}
			anc[dep] = true
			for a := range ancestors[dep] {
				anc[a] = true
			}
		}

		tool, err := reg.Lookup(step.ToolName)
		if err != nil {
			return wf, invalid("workflow %q: step %q targets unknown tool %q", wf.Name, step.ID, step.ToolName)
		}

		if step.OnFailure == "" {
			step.OnFailure = datatypes.FailureAbort
		}
		if !step.OnFailure.Valid() {
			return wf, invalid("workflow %q: step %q has unknown on_failure %q", wf.Name, step.ID, step.OnFailure)
		}
		if step.MaxRetries < 0 {
			return wf, invalid("workflow %q: step %q: max_retries must not be negative", wf.Name, step.ID)
		}
		if step.Timeout < 0 {
			return wf, invalid("workflow %q: step %q: timeout must not be negative", wf.Name, step.ID)
		}

		if err := checkTemplate(step.ArgsTemplate, anc, tool.InputSchema); err != nil {
			return wf, invalid("workflow %q: step %q: %v", wf.Name, step.ID, err)
		}

		declared[step.ID] = i
		ancestors[step.ID] = anc
	}

	return norm, nil
}

// checkTemplate statically verifies one step's args template against its
// ancestor set and the target tool's input schema. Placeholder values
// cannot be type-checked here; the registry validates the bound arguments
// at dispatch.
func checkTemplate(tmpl map[string]any, ancestors map[string]bool, schema datatypes.Schema) error {
	keys := make([]string, 0, len(tmpl))
	for k := range tmpl {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if _, ok := schema[key]; !ok {
			return invalid("template binds parameter %q, which the tool schema does not declare", key)
		}
		refs, err := collectPlaceholders(tmpl[key])
		if err != nil {
			return invalid("parameter %q: %v", key, err)
		}
		for _, ref := range refs {
			if ref.kind == refStep && !ancestors[ref.stepID] {
				return invalid("parameter %q references step %q, which is not a declared ancestor", key, ref.stepID)
			}
		}
	}

	names := make([]string, 0, len(schema))
	for name := range schema {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		def := schema[name]
		if def.Required && def.Default == nil {
			if _, ok := tmpl[name]; !ok {
				return invalid("required parameter %q is not bound by the template", name)
			}
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return hnscerr.Newf(hnscerr.KindWorkflowInvalid, format, args...)
}
