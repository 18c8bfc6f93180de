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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---- Placeholder grammar ----

func TestParsePlaceholder(t *testing.T) {
	t.Run("root reference", func(t *testing.T) {
		ref, err := parsePlaceholder("root.query")
		require.NoError(t, err)
		assert.Equal(t, refRoot, ref.kind)
		assert.Equal(t, []string{"query"}, ref.path)
	})

	t.Run("nested step reference", func(t *testing.T) {
		ref, err := parsePlaceholder("steps.s1.output.body.text")
		require.NoError(t, err)
		assert.Equal(t, refStep, ref.kind)
		assert.Equal(t, "s1", ref.stepID)
		assert.Equal(t, []string{"body", "text"}, ref.path)
	})

	t.Run("step output without field", func(t *testing.T) {
		ref, err := parsePlaceholder("steps.s1.output")
		require.NoError(t, err)
		assert.Equal(t, refStep, ref.kind)
		assert.Empty(t, ref.path)
	})

	t.Run("malformed references", func(t *testing.T) {
		for _, token := range []string{
			"steps.s1",          // no output segment
			"steps.s1.result.x", // wrong segment name
			"steps..output",     // missing step id
			"env.HOME",          // unknown namespace
		} {
			_, err := parsePlaceholder(token)
			assert.Error(t, err, "token %q", token)
		}
	})
}

func TestCollectPlaceholders(t *testing.T) {
	tmpl := map[string]any{
		"text": "${steps.s1.output.status}",
		"meta": map[string]any{
			"origin": "req ${root.request_id}",
			"tags":   []any{"${root.tag}", "literal"},
		},
		"limit": 25,
	}

	refs, err := collectPlaceholders(tmpl)
	require.NoError(t, err)
	assert.Len(t, refs, 3)

	_, err = collectPlaceholders("${steps.s1.status}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "steps.<id>.output")
}

// ---- Resolution ----

func TestResolveTemplate_WholeStringPassesRawValue(t *testing.T) {
	root := map[string]any{"port": 8080, "host": "db-1"}
	outputs := func(string) map[string]any { return nil }

	args := resolveTemplate(map[string]any{
		"port": "${root.port}",
		"host": "${root.host}",
	}, root, outputs)

	assert.Equal(t, 8080, args["port"], "single placeholder keeps the value's type")
	assert.Equal(t, "db-1", args["host"])
}

func TestResolveTemplate_StepOutputs(t *testing.T) {
	outputs := func(id string) map[string]any {
		if id == "s1" {
			return map[string]any{"status": "healthy", "detail": map[string]any{"uptime": 42}}
		}
		return nil
	}

	args := resolveTemplate(map[string]any{
		"text":   "${steps.s1.output.status}",
		"uptime": "${steps.s1.output.detail.uptime}",
	}, nil, outputs)

	assert.Equal(t, "healthy", args["text"])
	assert.Equal(t, 42, args["uptime"])
}

func TestResolveTemplate_Interpolation(t *testing.T) {
	root := map[string]any{"host": "db-1", "port": 8080}
	outputs := func(id string) map[string]any {
		return map[string]any{"obj": map[string]any{"a": 1}}
	}

	args := resolveTemplate(map[string]any{
		"addr":    "host=${root.host}:${root.port}",
		"blob":    "payload ${steps.s1.output.obj} end",
		"missing": "value=${root.absent}!",
	}, root, outputs)

	assert.Equal(t, "host=db-1:8080", args["addr"])
	assert.Equal(t, `payload {"a":1} end`, args["blob"])
	assert.Equal(t, "value=null!", args["missing"], "interpolated nils render as null text")
}

func TestResolveTemplate_SkippedAncestorSlots(t *testing.T) {
	// A skipped ancestor reports a nil output map.
	outputs := func(id string) map[string]any {
		if id == "s1" {
			return map[string]any{"status": "ok"}
		}
		return nil
	}

	args := resolveTemplate(map[string]any{
		"text": "${steps.s1.output.status}",
		"logs": "${steps.s2.output.lines}",
		"meta": map[string]any{"lines": "${steps.s2.output.lines}"},
	}, nil, outputs)

	assert.Equal(t, "ok", args["text"])
	_, present := args["logs"]
	assert.False(t, present, "top-level null slots are omitted")

	// Nested slots keep the explicit null; only top-level keys drop.
	meta, ok := args["meta"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, meta, "lines")
	assert.Nil(t, meta["lines"])
}

func TestResolveTemplate_LiteralsUntouched(t *testing.T) {
	args := resolveTemplate(map[string]any{
		"note":  "no placeholders here",
		"limit": 100,
		"flags": []any{true, "x"},
	}, nil, func(string) map[string]any { return nil })

	assert.Equal(t, "no placeholders here", args["note"])
	assert.Equal(t, 100, args["limit"])
	assert.Equal(t, []any{true, "x"}, args["flags"])
}

func TestRenderValue(t *testing.T) {
	assert.Equal(t, "null", renderValue(nil))
	assert.Equal(t, "plain", renderValue("plain"))
	assert.Equal(t, "7", renderValue(7))
	assert.Equal(t, `["a","b"]`, renderValue([]any{"a", "b"}))
}
