// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/hnsc/services/hnsc/datatypes"
	"github.com/AleutianAI/hnsc/services/hnsc/hnscerr"
)

// searchLogsTool exercises every parameter type plus defaults and nesting.
func searchLogsTool() datatypes.Tool {
	minLimit, maxLimit := 1.0, 100.0
	return datatypes.Tool{
		Name:       "search_logs",
		ScopeTags:  []string{"ops"},
		SideEffect: datatypes.SideEffectRead,
		RiskWeight: 0.1,
		InputSchema: datatypes.Schema{
			"query":  {Type: datatypes.ParamTypeString, Required: true, MinLength: 2, MaxLength: 64},
			"level":  {Type: datatypes.ParamTypeString, Enum: []string{"debug", "info", "error"}, Default: "info"},
			"limit":  {Type: datatypes.ParamTypeInteger, Minimum: &minLimit, Maximum: &maxLimit, Default: 10},
			"sample": {Type: datatypes.ParamTypeNumber},
			"follow": {Type: datatypes.ParamTypeBoolean},
			"sources": {
				Type:  datatypes.ParamTypeArray,
				Items: &datatypes.ParamDef{Type: datatypes.ParamTypeString},
			},
			"window": {
				Type: datatypes.ParamTypeObject,
				Properties: map[string]datatypes.ParamDef{
					"from": {Type: datatypes.ParamTypeString, Required: true},
					"to":   {Type: datatypes.ParamTypeString},
				},
			},
		},
	}
}

func sealedRegistry(t *testing.T, tool datatypes.Tool, handler Handler) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(tool, handler))
	reg.Seal()
	return reg
}

// ---- Validation ----

func TestValidate_NormalizesAndAppliesDefaults(t *testing.T) {
	reg := sealedRegistry(t, searchLogsTool(), echoHandler())

	v, err := reg.Validate("search_logs", map[string]any{
		"query":   "deploy failed",
		"limit":   float64(25), // JSON numbers arrive as float64
		"sample":  5,
		"sources": []any{"api", "db"},
		"window":  map[string]any{"from": "now-1h"},
	})
	require.NoError(t, err)

	assert.True(t, v.Valid())
	assert.Equal(t, "search_logs", v.Tool())
	assert.Equal(t, int64(25), v.GetInt("limit"))
	assert.Equal(t, "info", v.GetString("level"))

	sample, ok := v.Value("sample")
	require.True(t, ok)
	assert.Equal(t, float64(5), sample)

	sources, ok := v.Value("sources")
	require.True(t, ok)
	assert.Equal(t, []any{"api", "db"}, sources)
}

func TestValidate_DefaultIsNormalizedToo(t *testing.T) {
	reg := sealedRegistry(t, searchLogsTool(), echoHandler())

	v, err := reg.Validate("search_logs", map[string]any{"query": "boot loop"})
	require.NoError(t, err)

	// The declared default is 10 (an untyped int); validated arguments
	// carry it as int64 like any caller-supplied integer.
	assert.Equal(t, int64(10), v.GetInt("limit"))
}

func TestValidate_Rejections(t *testing.T) {
	reg := sealedRegistry(t, searchLogsTool(), echoHandler())

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"unknown argument", map[string]any{"query": "boot", "verbose": true}, "unknown argument"},
		{"missing required", map[string]any{}, "missing required"},
		{"wrong type", map[string]any{"query": 7}, "expected string"},
		{"too short", map[string]any{"query": "a"}, "shorter than"},
		{"too long", map[string]any{"query": string(make([]byte, 80))}, "longer than"},
		{"enum violation", map[string]any{"query": "boot", "level": "trace"}, "must be one of"},
		{"below minimum", map[string]any{"query": "boot", "limit": 0}, "below minimum"},
		{"above maximum", map[string]any{"query": "boot", "limit": 500}, "above maximum"},
		{"fractional integer", map[string]any{"query": "boot", "limit": 2.5}, "expected integer"},
		{"boolean mismatch", map[string]any{"query": "boot", "follow": "yes"}, "expected boolean"},
		{"array element type", map[string]any{"query": "boot", "sources": []any{"api", 3}}, `"sources[1]"`},
		{"nested unknown key", map[string]any{"query": "boot", "window": map[string]any{"from": "a", "until": "b"}}, "unknown argument"},
		{"nested missing required", map[string]any{"query": "boot", "window": map[string]any{"to": "now"}}, "window.from"},
		{"null required", map[string]any{"query": nil}, "must not be null"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := reg.Validate("search_logs", tc.args)
			require.Error(t, err)
			assert.True(t, hnscerr.IsSchemaError(err), "kind = %s", hnscerr.KindOf(err))
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidate_UnknownTool(t *testing.T) {
	reg := NewRegistry()
	reg.Seal()

	_, err := reg.Validate("no_such_tool", nil)
	require.Error(t, err)
	assert.Equal(t, hnscerr.KindToolNotFound, hnscerr.KindOf(err))
}

// ---- ValidatedArgs ----

func TestValidatedArgs_ZeroValueIsInvalid(t *testing.T) {
	var v ValidatedArgs
	assert.False(t, v.Valid())
	assert.Empty(t, v.Tool())
	assert.Empty(t, v.Map())
}

func TestValidatedArgs_MapIsACopy(t *testing.T) {
	reg := sealedRegistry(t, searchLogsTool(), echoHandler())

	v, err := reg.Validate("search_logs", map[string]any{"query": "deploy failed"})
	require.NoError(t, err)

	m := v.Map()
	m["query"] = "mutated"

	got, ok := v.Value("query")
	require.True(t, ok)
	assert.Equal(t, "deploy failed", got)
}

// ---- Output matching ----

func TestMatchOutput(t *testing.T) {
	schema := datatypes.Schema{
		"status": {Type: datatypes.ParamTypeString, Required: true},
		"count":  {Type: datatypes.ParamTypeInteger},
	}

	t.Run("extra fields are tolerated", func(t *testing.T) {
		err := MatchOutput(schema, map[string]any{"status": "ok", "trace_id": "abc"})
		assert.NoError(t, err)
	})

	t.Run("missing required field", func(t *testing.T) {
		err := MatchOutput(schema, map[string]any{"count": 2})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status")
	})

	t.Run("declared field type-checked", func(t *testing.T) {
		err := MatchOutput(schema, map[string]any{"status": "ok", "count": "two"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expected integer")
	})
}

// ---- Schema round-trip ----

// Validated arguments imply handler output that conforms to the tool's
// declared output schema, for every example fixture.
func TestValidatedHandlerOutputMatchesSchema(t *testing.T) {
	tool := datatypes.Tool{
		Name:       "service_health",
		SideEffect: datatypes.SideEffectNone,
		InputSchema: datatypes.Schema{
			"component": {Type: datatypes.ParamTypeString, Required: true, Enum: []string{"api", "db", "cache"}},
			"verbose":   {Type: datatypes.ParamTypeBoolean, Default: false},
		},
		OutputSchema: datatypes.Schema{
			"status": {Type: datatypes.ParamTypeString, Required: true, Enum: []string{"healthy", "degraded", "down"}},
			"detail": {Type: datatypes.ParamTypeString},
		},
	}
	handler := HandlerFunc(func(_ context.Context, args ValidatedArgs, _ Auditor) (map[string]any, error) {
		out := map[string]any{"status": "healthy"}
		if args.GetBool("verbose") {
			out["detail"] = args.GetString("component") + " responded in 12ms"
		}
		return out, nil
	})
	reg := sealedRegistry(t, tool, handler)

	fixtures := []map[string]any{
		{"component": "api"},
		{"component": "db", "verbose": true},
		{"component": "cache", "verbose": false},
	}
	for _, args := range fixtures {
		v, err := reg.Validate("service_health", args)
		require.NoError(t, err)

		out, err := handler.Invoke(context.Background(), v, nopAuditor{})
		require.NoError(t, err)
		require.NoError(t, MatchOutput(tool.OutputSchema, out))
	}
}
