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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/hnsc/services/hnsc/datatypes"
	"github.com/AleutianAI/hnsc/services/hnsc/hnscerr"
)

// descriptorTool builds a minimal read-class tool for registration tests.
func descriptorTool(name string, tags ...string) datatypes.Tool {
	return datatypes.Tool{
		Name:       name,
		ScopeTags:  tags,
		SideEffect: datatypes.SideEffectRead,
		RiskWeight: 0.2,
		InputSchema: datatypes.Schema{
			"target": {Type: datatypes.ParamTypeString, Required: true},
		},
	}
}

func echoHandler() Handler {
	return HandlerFunc(func(_ context.Context, args ValidatedArgs, _ Auditor) (map[string]any, error) {
		return map[string]any{"echo": args.GetString("target")}, nil
	})
}

// ---- Handler adapters ----

func TestAsyncHandler_DeliversResult(t *testing.T) {
	h := AsyncHandler(func(context.Context, ValidatedArgs, Auditor) (<-chan AsyncResult, error) {
		ch := make(chan AsyncResult, 1)
		ch <- AsyncResult{Output: map[string]any{"done": true}}
		return ch, nil
	})

	out, err := h.Invoke(context.Background(), ValidatedArgs{}, nopAuditor{})
	require.NoError(t, err)
	assert.Equal(t, true, out["done"])
}

func TestAsyncHandler_CancelledBeforeResult(t *testing.T) {
	h := AsyncHandler(func(context.Context, ValidatedArgs, Auditor) (<-chan AsyncResult, error) {
		return make(chan AsyncResult), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Invoke(ctx, ValidatedArgs{}, nopAuditor{})
	require.Error(t, err)
	assert.Equal(t, hnscerr.KindCancelled, hnscerr.KindOf(err))
}

func TestAsyncHandler_ClosedWithoutResult(t *testing.T) {
	h := AsyncHandler(func(context.Context, ValidatedArgs, Auditor) (<-chan AsyncResult, error) {
		ch := make(chan AsyncResult)
		close(ch)
		return ch, nil
	})

	_, err := h.Invoke(context.Background(), ValidatedArgs{}, nopAuditor{})
	require.Error(t, err)
	assert.Equal(t, hnscerr.KindInternal, hnscerr.KindOf(err))
}

func TestStreamingHandler_FoldsFragments(t *testing.T) {
	h := StreamingHandler(func(_ context.Context, _ ValidatedArgs, _ Auditor, emit func(map[string]any) error) error {
		if err := emit(map[string]any{"lines": 3, "status": "partial"}); err != nil {
			return err
		}
		return emit(map[string]any{"status": "complete"})
	})

	out, err := h.Invoke(context.Background(), ValidatedArgs{}, nopAuditor{})
	require.NoError(t, err)
	assert.Equal(t, 3, out["lines"])
	assert.Equal(t, "complete", out["status"])
}

func TestStreamingHandler_EmitFailsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := StreamingHandler(func(_ context.Context, _ ValidatedArgs, _ Auditor, emit func(map[string]any) error) error {
		cancel()
		return emit(map[string]any{"late": true})
	})

	_, err := h.Invoke(ctx, ValidatedArgs{}, nopAuditor{})
	require.Error(t, err)
	assert.Equal(t, hnscerr.KindCancelled, hnscerr.KindOf(err))
}

// ---- Registration ----

func TestRegister_DuplicateNameFails(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(descriptorTool("restart_service", "ops"), echoHandler()))

	err := reg.Register(descriptorTool("restart_service", "ops"), echoHandler())
	require.Error(t, err)
	assert.Equal(t, hnscerr.KindDuplicateTool, hnscerr.KindOf(err))
	assert.Equal(t, 1, reg.Len())
}

func TestRegister_RejectsMalformedDescriptors(t *testing.T) {
	lo, hi := 10.0, 1.0

	badBounds := descriptorTool("bad_bounds")
	badBounds.InputSchema = datatypes.Schema{
		"count": {Type: datatypes.ParamTypeInteger, Minimum: &lo, Maximum: &hi},
	}

	enumOnInt := descriptorTool("enum_on_int")
	enumOnInt.InputSchema = datatypes.Schema{
		"count": {Type: datatypes.ParamTypeInteger, Enum: []string{"one"}},
	}

	itemsOnString := descriptorTool("items_on_string")
	itemsOnString.InputSchema = datatypes.Schema{
		"name": {Type: datatypes.ParamTypeString, Items: &datatypes.ParamDef{Type: datatypes.ParamTypeString}},
	}

	badDefault := descriptorTool("bad_default")
	badDefault.InputSchema = datatypes.Schema{
		"tag": {Type: datatypes.ParamTypeString, MaxLength: 2, Default: "too-long"},
	}

	badRisk := descriptorTool("bad_risk")
	badRisk.RiskWeight = 1.5

	badOutput := descriptorTool("bad_output")
	badOutput.OutputSchema = datatypes.Schema{
		"result": {Type: "tuple"},
	}

	tests := []struct {
		name    string
		tool    datatypes.Tool
		handler Handler
	}{
		{"empty name", datatypes.Tool{}, echoHandler()},
		{"name with path separator", descriptorTool("../escape"), echoHandler()},
		{"nil handler", descriptorTool("no_handler"), nil},
		{"risk weight outside range", badRisk, echoHandler()},
		{"inverted numeric bounds", badBounds, echoHandler()},
		{"enum on integer", enumOnInt, echoHandler()},
		{"items on string", itemsOnString, echoHandler()},
		{"default violates own definition", badDefault, echoHandler()},
		{"unknown type in output schema", badOutput, echoHandler()},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			reg := NewRegistry()
			err := reg.Register(tc.tool, tc.handler)
			require.Error(t, err)
			assert.Zero(t, reg.Len())
		})
	}
}

func TestSeal_FreezesCatalog(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(descriptorTool("list_jobs", "ops"), echoHandler()))
	reg.Seal()

	err := reg.Register(descriptorTool("late_tool"), echoHandler())
	require.Error(t, err)
	assert.True(t, reg.Sealed())
	assert.Equal(t, 1, reg.Len())

	// Lookups keep serving after the freeze.
	tool, err := reg.Lookup("list_jobs")
	require.NoError(t, err)
	assert.Equal(t, "list_jobs", tool.Name)
}

// ---- Lookup ----

func TestLookup_UnknownToolKind(t *testing.T) {
	reg := NewRegistry()
	reg.Seal()

	_, err := reg.Lookup("no_such_tool")
	require.Error(t, err)
	assert.Equal(t, hnscerr.KindToolNotFound, hnscerr.KindOf(err))
}

func TestLookup_ConcurrentAfterSeal(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"alpha_tool", "beta_tool", "gamma_tool"} {
		require.NoError(t, reg.Register(descriptorTool(name, "ops"), echoHandler()))
	}
	reg.Seal()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Lookup("beta_tool")
			assert.NoError(t, err)
			assert.Len(t, reg.ScopeFilter("ops"), 3)
		}()
	}
	wg.Wait()
}

// ---- Scope filter ----

func TestScopeFilter_SortedSubset(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(descriptorTool("restart_service", "ops", "dashboard"), echoHandler()))
	require.NoError(t, reg.Register(descriptorTool("check_status", "dashboard"), echoHandler()))
	require.NoError(t, reg.Register(descriptorTool("dump_state", "debug"), echoHandler()))
	reg.Seal()

	dash := reg.ScopeFilter("dashboard")
	require.Len(t, dash, 2)
	assert.Equal(t, "check_status", dash[0].Name)
	assert.Equal(t, "restart_service", dash[1].Name)

	assert.Empty(t, reg.ScopeFilter("unknown_tag"))
}

func TestNamesAndTools_Sorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"zeta_tool", "alpha_tool", "mid_tool"} {
		require.NoError(t, reg.Register(descriptorTool(name), echoHandler()))
	}
	reg.Seal()

	assert.Equal(t, []string{"alpha_tool", "mid_tool", "zeta_tool"}, reg.Names())

	tools := reg.Tools()
	require.Len(t, tools, 3)
	assert.Equal(t, "alpha_tool", tools[0].Name)
	assert.Equal(t, "zeta_tool", tools[2].Name)
}
