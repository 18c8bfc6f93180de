// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/hnsc/services/hnsc/breaker"
	"github.com/AleutianAI/hnsc/services/hnsc/tools"
)

// newToolsetEnv builds the builtin registry plus an executor over temp
// directories, so handlers run exactly as the controller runs them.
func newToolsetEnv(t *testing.T) (*tools.Registry, *tools.Executor, toolsetOptions) {
	t.Helper()
	opts := toolsetOptions{
		logDir:   t.TempDir(),
		spoolDir: filepath.Join(t.TempDir(), "spool"),
		start:    time.Now().Add(-90 * time.Second),
	}
	reg, err := builtinToolset(opts)
	require.NoError(t, err)
	reg.Seal()
	exec := tools.NewExecutor(reg, breaker.NewRegistry(breaker.DefaultConfig()), tools.DefaultExecutorConfig())
	return reg, exec, opts
}

func execute(t *testing.T, reg *tools.Registry, exec *tools.Executor, tool string, args map[string]any) (*tools.Result, error) {
	t.Helper()
	validated, err := reg.Validate(tool, args)
	require.NoError(t, err)
	return exec.Execute(context.Background(), tools.Call{Args: validated, IssuedBy: "test"}, nil)
}

func TestBuiltinToolset_CoversEmbeddedDefinitions(t *testing.T) {
	// The embedded routing rules and workflow definitions reference these
	// names; a drift here fails controller construction in production.
	reg, _, _ := newToolsetEnv(t)
	assert.Equal(t, []string{
		"check_health",
		"get_recent_logs",
		"get_system_status",
		"restart_service",
		"summarize",
	}, reg.Names())
}

func TestCheckHealth(t *testing.T) {
	reg, exec, _ := newToolsetEnv(t)

	res, err := execute(t, reg, exec, "check_health", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Output["status"])
}

func TestGetSystemStatus_ReportsUptime(t *testing.T) {
	reg, exec, _ := newToolsetEnv(t)

	res, err := execute(t, reg, exec, "get_system_status", nil)
	require.NoError(t, err)
	assert.Equal(t, "all systems nominal", res.Output["status"])
	assert.GreaterOrEqual(t, res.Output["uptime_seconds"], int64(90))
	assert.Greater(t, res.Output["goroutines"], int64(0))
}

func TestGetRecentLogs_TailsNewestFile(t *testing.T) {
	reg, exec, opts := newToolsetEnv(t)

	older := filepath.Join(opts.logDir, "hnscd-2026-08-25.log")
	newer := filepath.Join(opts.logDir, "hnscd-2026-08-26.log")
	require.NoError(t, os.WriteFile(older, []byte("stale line\n"), 0o640))
	require.NoError(t, os.WriteFile(newer, []byte("one\ntwo\nthree\n"), 0o640))

	res, err := execute(t, reg, exec, "get_recent_logs", map[string]any{"limit": 2})
	require.NoError(t, err)
	assert.Equal(t, []any{"two", "three"}, res.Output["lines"])
}

func TestGetRecentLogs_EmptyDirectory(t *testing.T) {
	reg, exec, _ := newToolsetEnv(t)

	res, err := execute(t, reg, exec, "get_recent_logs", nil)
	require.NoError(t, err)
	assert.Empty(t, res.Output["lines"])
}

func TestSummarize_CountsLogLines(t *testing.T) {
	reg, exec, _ := newToolsetEnv(t)

	res, err := execute(t, reg, exec, "summarize", map[string]any{
		"text": "all systems nominal",
		"logs": []any{"boot ok", "cache warm"},
	})
	require.NoError(t, err)
	assert.Equal(t, "all systems nominal (2 log lines)", res.Output["summary"])
}

func TestSummarize_NullLogsSlot(t *testing.T) {
	// A skipped workflow ancestor leaves a null slot; the optional arg is
	// dropped before validation and the summary reports zero lines.
	reg, exec, _ := newToolsetEnv(t)

	res, err := execute(t, reg, exec, "summarize", map[string]any{"text": "degraded"})
	require.NoError(t, err)
	assert.Equal(t, "degraded (0 log lines)", res.Output["summary"])
}

func TestRestartService_SpoolsDirective(t *testing.T) {
	reg, exec, opts := newToolsetEnv(t)

	res, err := execute(t, reg, exec, "restart_service", map[string]any{"service": "retriever"})
	require.NoError(t, err)
	assert.Equal(t, true, res.Output["restarted"])
	assert.Equal(t, "retriever", res.Output["service"])

	data, err := os.ReadFile(filepath.Join(opts.spoolDir, "restart.directives"))
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	assert.True(t, strings.HasSuffix(line, " retriever"), "directive %q should name the service", line)
}

func TestRestartService_RequiresService(t *testing.T) {
	reg, _, _ := newToolsetEnv(t)

	_, err := reg.Validate("restart_service", nil)
	assert.Error(t, err)
}

func TestTailNewestLog_MissingDirectory(t *testing.T) {
	lines, err := tailNewestLog(filepath.Join(t.TempDir(), "absent"), 10)
	require.NoError(t, err)
	assert.Empty(t, lines)
}
