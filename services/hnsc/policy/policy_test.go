// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// testDocument is a small but complete rule set used across these tests.
func testDocument(version string) Document {
	return Document{
		Version:     version,
		DefaultRisk: 0.3,
		DefaultRole: "operator",
		Actors:      map[string]string{"svc-admin": "admin"},
		Roles: map[string]RoleRules{
			"admin": {Allow: []string{"*"}},
			"operator": {
				Allow: []string{"check_health", "restart_service"},
				Deny:  []string{"purge_records"},
			},
		},
		Tools: map[string]ToolPolicy{
			"restart_service": {BaseRisk: 0.6},
			"purge_records":   {BaseRisk: 0.9},
		},
		Modifiers: []ContextModifier{
			{Key: "env", Equals: "production", Delta: 0.2},
			{Key: "approved", Equals: "true", Delta: -0.3},
		},
	}
}

func mustCompile(t *testing.T, doc Document) *Snapshot {
	t.Helper()
	snap, err := Compile(doc)
	require.NoError(t, err)
	return snap
}

// ---- Document ----

func TestDocument_Validate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Document)
		wantErr string
	}{
		{"valid", nil, ""},
		{"bad version", func(d *Document) { d.Version = "1.x" }, "not a semantic version"},
		{"oversized default risk", func(d *Document) { d.DefaultRisk = 1.5 }, "default_risk"},
		{"no roles", func(d *Document) { d.Roles = nil }, "at least one role"},
		{"blank default role", func(d *Document) { d.DefaultRole = " " }, "default_role"},
		{"missing default role", func(d *Document) { d.DefaultRole = "ghost" }, `"ghost"`},
		{"actor maps to undefined role", func(d *Document) { d.Actors["svc-x"] = "ghost" }, "undefined role"},
		{"tool risk out of range", func(d *Document) { d.Tools["restart_service"] = ToolPolicy{BaseRisk: -0.1} }, "base_risk"},
		{"blank modifier key", func(d *Document) { d.Modifiers[0].Key = "" }, "key must not be empty"},
		{"oversized modifier delta", func(d *Document) { d.Modifiers[0].Delta = 1.5 }, "delta"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := testDocument("1.0.0")
			if tc.mutate != nil {
				tc.mutate(&doc)
			}
			err := doc.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestDocument_ChecksumStable(t *testing.T) {
	a, err := testDocument("1.0.0").Checksum()
	require.NoError(t, err)
	b, err := testDocument("1.0.0").Checksum()
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	bumped, err := testDocument("1.0.1").Checksum()
	require.NoError(t, err)
	assert.NotEqual(t, a, bumped)

	edited := testDocument("1.0.0")
	edited.Modifiers[0].Delta = 0.25
	c, err := edited.Checksum()
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestCompile_RejectsInvalid(t *testing.T) {
	_, err := Compile(Document{})
	assert.Error(t, err)
}

// ---- Snapshot decisions ----

func TestSnapshot_Decide(t *testing.T) {
	snap := mustCompile(t, testDocument("1.0.0"))

	t.Run("allow listed tool", func(t *testing.T) {
		dec := snap.Decide("alice", "check_health", nil)
		assert.True(t, dec.Allowed)
		assert.Equal(t, 0.3, dec.Risk)
		assert.Equal(t, "1.0.0", dec.Version)
		assert.Contains(t, dec.Reasons, `allowed for role "operator"`)
	})

	t.Run("deny rule wins", func(t *testing.T) {
		dec := snap.Decide("alice", "purge_records", nil)
		assert.False(t, dec.Allowed)
		assert.Equal(t, 0.9, dec.Risk)
		assert.Contains(t, dec.Reasons, `tool "purge_records" is denied for role "operator"`)
	})

	t.Run("unlisted tool is denied with default risk", func(t *testing.T) {
		dec := snap.Decide("alice", "deploy_canary", nil)
		assert.False(t, dec.Allowed)
		assert.Equal(t, 0.3, dec.Risk)
		assert.Contains(t, dec.Reasons, `role "operator" does not allow tool "deploy_canary"`)
	})

	t.Run("wildcard role allows everything", func(t *testing.T) {
		dec := snap.Decide("svc-admin", "purge_records", nil)
		assert.True(t, dec.Allowed)
		assert.Equal(t, 0.9, dec.Risk)
	})

	t.Run("unmapped actor falls back to default role", func(t *testing.T) {
		assert.Equal(t, "operator", snap.RoleOf("nobody"))
		assert.Equal(t, "admin", snap.RoleOf("svc-admin"))
	})
}

func TestSnapshot_RiskModifiers(t *testing.T) {
	snap := mustCompile(t, testDocument("1.0.0"))

	t.Run("modifier fires on matching context", func(t *testing.T) {
		dec := snap.Decide("alice", "restart_service", map[string]string{"env": "production"})
		assert.InDelta(t, 0.8, dec.Risk, 1e-9)
		assert.Contains(t, dec.Reasons, "risk +0.20: env=production")
	})

	t.Run("risk clamps at one", func(t *testing.T) {
		dec := snap.Decide("alice", "purge_records", map[string]string{"env": "production"})
		assert.Equal(t, 1.0, dec.Risk)
	})

	t.Run("negative modifier lowers risk", func(t *testing.T) {
		dec := snap.Decide("alice", "restart_service", map[string]string{"approved": "true"})
		assert.InDelta(t, 0.3, dec.Risk, 1e-9)
	})

	t.Run("modifiers stack", func(t *testing.T) {
		dec := snap.Decide("alice", "restart_service", map[string]string{
			"env": "production", "approved": "true",
		})
		assert.InDelta(t, 0.5, dec.Risk, 1e-9)
	})

	t.Run("absent key never fires", func(t *testing.T) {
		dec := snap.Decide("alice", "restart_service", map[string]string{"env": "staging"})
		assert.InDelta(t, 0.6, dec.Risk, 1e-9)
	})

	t.Run("risk clamps at zero", func(t *testing.T) {
		doc := testDocument("1.0.0")
		doc.Modifiers = append(doc.Modifiers, ContextModifier{Key: "drill", Equals: "true", Delta: -1})
		dec := mustCompile(t, doc).Decide("alice", "check_health", map[string]string{"drill": "true"})
		assert.Equal(t, 0.0, dec.Risk)
	})
}

func TestFingerprint(t *testing.T) {
	ctx1 := map[string]string{"env": "production", "mode": "mcp"}
	ctx2 := map[string]string{"mode": "mcp", "env": "production"}
	assert.Equal(t,
		fingerprint("sum", "alice", "restart_service", ctx1),
		fingerprint("sum", "alice", "restart_service", ctx2))

	assert.NotEqual(t,
		fingerprint("sum", "alice", "restart_service", ctx1),
		fingerprint("sum", "alice", "restart_service", map[string]string{"env": "staging", "mode": "mcp"}))

	assert.NotEqual(t,
		fingerprint("sum-a", "alice", "restart_service", nil),
		fingerprint("sum-b", "alice", "restart_service", nil))

	assert.Equal(t,
		fingerprint("sum", "alice", "restart_service", nil),
		fingerprint("sum", "alice", "restart_service", map[string]string{}))
}

// ---- Embedded baseline ----

func TestEmbeddedBaselineCompiles(t *testing.T) {
	var doc Document
	require.NoError(t, yaml.Unmarshal(embeddedPolicy, &doc))
	snap := mustCompile(t, doc)

	assert.Equal(t, "1.0.0", snap.Version())
	assert.False(t, snap.Decide("anyone", "purge_records", nil).Allowed)
	assert.True(t, snap.Decide("anyone", "check_health", nil).Allowed)
}
