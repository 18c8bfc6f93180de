// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateToolName(t *testing.T) {
	tests := []struct {
		name    string
		tool    string
		wantErr bool
	}{
		// Valid names
		{"simple", "summarize", false},
		{"single char", "x", false},
		{"snake case", "get_system_status", false},
		{"with digits", "rotate_keys_v2", false},
		{"max length", "a" + strings.Repeat("b", 63), false},

		// Invalid names - injection attempts
		{"empty", "", true},
		{"path traversal", "../etc/passwd", true},
		{"label injection", `restart",job="evil`, true},
		{"newline injection", "restart\nservice", true},
		{"uppercase", "RestartService", true},
		{"hyphen", "restart-service", true},
		{"leading underscore", "_private", true},
		{"leading digit", "2fast", true},
		{"spaces", "restart service", true},
		{"too long", "a" + strings.Repeat("b", 64), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateToolName(tt.tool)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateStreamName(t *testing.T) {
	tests := []struct {
		name    string
		stream  string
		wantErr bool
	}{
		// Valid names
		{"governance", "governance", false},
		{"tool invocation", "tool_invocation", false},
		{"policy change", "policy_change", false},

		// Invalid names - path traversal attempts
		{"empty", "", true},
		{"dot dot slash", "../../etc/passwd", true},
		{"absolute path", "/var/log/audit", true},
		{"dot prefix", ".hidden", true},
		{"backslash", `logs\..\..`, true},
		{"null byte", "governance\x00", true},
		{"uppercase", "Governance", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStreamName(tt.stream)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateStreamNames(t *testing.T) {
	tests := []struct {
		name    string
		streams []string
		wantErr bool
	}{
		{"all valid", []string{"governance", "tool_invocation", "policy_change"}, false},
		{"one invalid", []string{"governance", "../escape", "policy_change"}, true},
		{"all invalid", []string{"..", "UPPER"}, true},
		{"empty slice", []string{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStreamNames(tt.streams)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateStreamNames_ListsEveryOffender(t *testing.T) {
	err := ValidateStreamNames([]string{"governance", "../a", "B"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "../a")
	assert.Contains(t, err.Error(), "B")
}

func TestValidateActorID(t *testing.T) {
	tests := []struct {
		name    string
		actor   string
		wantErr bool
	}{
		// Valid ids
		{"username", "alice", false},
		{"service account", "svc-admin", false},
		{"email principal", "alice@example.com", false},
		{"dotted", "ops.oncall", false},
		{"mixed case", "Alice", false},
		{"max length", "a" + strings.Repeat("b", 127), false},

		// Invalid ids
		{"empty", "", true},
		{"header injection", "alice\r\nX-Role: admin", true},
		{"spaces", "alice smith", true},
		{"leading hyphen", "-alice", true},
		{"slash", "alice/admin", true},
		{"too long", "a" + strings.Repeat("b", 128), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateActorID(tt.actor)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSanitizeActorID(t *testing.T) {
	tests := []struct {
		name    string
		actor   string
		want    string
		wantErr bool
	}{
		{"passthrough", "alice", "alice", false},
		{"trims whitespace", "  svc-admin  ", "svc-admin", false},
		{"case preserved", "Alice", "Alice", false},
		{"invalid rejected", "a b", "", true},
		{"whitespace only", "   ", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeActorID(tt.actor)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
