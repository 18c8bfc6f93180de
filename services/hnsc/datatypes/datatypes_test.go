// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/hnsc/services/hnsc/hnscerr"
)

func TestMode_Valid(t *testing.T) {
	for _, m := range []Mode{ModeAuto, ModeConcierge, ModeGeneral, ModeMCP, ModeDebug} {
		assert.True(t, m.Valid(), string(m))
	}
	assert.False(t, Mode("admin").Valid())
	assert.False(t, Mode("").Valid())
}

func TestSideEffectClass_Ordering(t *testing.T) {
	// Router tie-breaking relies on the numeric order of the tiers.
	assert.Less(t, SideEffectNone, SideEffectRead)
	assert.Less(t, SideEffectRead, SideEffectWrite)
	assert.Less(t, SideEffectWrite, SideEffectIrreversible)
}

func TestSideEffectClass_YAMLRoundTrip(t *testing.T) {
	var tool Tool
	src := `
name: wipe_cache
side_effect_class: irreversible
risk_weight: 0.9
`
	require.NoError(t, yaml.Unmarshal([]byte(src), &tool))
	assert.Equal(t, SideEffectIrreversible, tool.SideEffect)

	_, err := ParseSideEffectClass("destructive")
	assert.Error(t, err)
}

func TestSideEffectClass_JSON(t *testing.T) {
	b, err := json.Marshal(SideEffectWrite)
	require.NoError(t, err)
	assert.Equal(t, `"write"`, string(b))

	var s SideEffectClass
	require.NoError(t, json.Unmarshal([]byte(`"read"`), &s))
	assert.Equal(t, SideEffectRead, s)

	assert.Error(t, json.Unmarshal([]byte(`"nope"`), &s))
}

func TestTool_HasScope(t *testing.T) {
	tool := Tool{Name: "get_status", ScopeTags: []string{"dashboard", "mcp"}}
	assert.True(t, tool.HasScope("dashboard"))
	assert.False(t, tool.HasScope("admin"))
}

func TestFailurePolicy_Valid(t *testing.T) {
	assert.True(t, FailureSkip.Valid())
	assert.True(t, FailureAbort.Valid())
	assert.True(t, FailureRetry.Valid())
	assert.False(t, FailurePolicy("ignore").Valid())
}

func TestStatuses_Terminal(t *testing.T) {
	assert.False(t, StepPending.Terminal())
	assert.False(t, StepRunning.Terminal())
	assert.True(t, StepCompleted.Terminal())
	assert.True(t, StepFailed.Terminal())
	assert.True(t, StepSkipped.Terminal())
	assert.True(t, StepCancelled.Terminal())

	assert.False(t, ExecutionRunning.Terminal())
	assert.True(t, ExecutionCompleted.Terminal())
	assert.True(t, ExecutionFailed.Terminal())
	assert.True(t, ExecutionCancelled.Terminal())
}

func TestErrorResponse(t *testing.T) {
	id := uuid.New()
	resp := ErrorResponse(id, hnscerr.PolicyDenied("prompt_injection", "denied at ingress"))

	assert.Equal(t, ResponseError, resp.Kind)
	assert.Equal(t, id, resp.RequestID)
	require.NotNil(t, resp.Error)
	assert.Equal(t, hnscerr.KindPolicyDenied, resp.Error.Kind)
	assert.Equal(t, id.String(), resp.Error.CorrelationID)
}
