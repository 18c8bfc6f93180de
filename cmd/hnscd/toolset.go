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
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/hnsc/services/hnsc/datatypes"
	"github.com/AleutianAI/hnsc/services/hnsc/tools"
)

// toolsetOptions locates the resources the builtin tools read and write.
type toolsetOptions struct {
	// logDir is where pkg/logging writes the daily service logs;
	// get_recent_logs tails the newest file there. Empty disables tailing.
	logDir string

	// spoolDir receives restart directives for the supervisor to pick up.
	spoolDir string

	// start anchors the uptime reported by get_system_status.
	start time.Time
}

// builtinToolset registers the operational tools the embedded routing rules
// and workflow definitions reference. Deployments with their own catalog
// replace this set and point router.rules_file and workflow.definitions_file
// at matching documents.
func builtinToolset(opts toolsetOptions) (*tools.Registry, error) {
	reg := tools.NewRegistry()

	entries := []struct {
		tool    datatypes.Tool
		handler tools.HandlerFunc
	}{
		{
			tool: datatypes.Tool{
				Name:         "check_health",
				Description:  "Liveness probe for the deployment.",
				ScopeTags:    []string{"ops", "dashboard"},
				OutputSchema: datatypes.Schema{"status": {Type: datatypes.ParamTypeString}},
				Idempotent:   true,
				SideEffect:   datatypes.SideEffectNone,
				RiskWeight:   0.05,
				Keywords:     []string{"health", "alive", "liveness"},
			},
			handler: func(context.Context, tools.ValidatedArgs, tools.Auditor) (map[string]any, error) {
				return map[string]any{"status": "ok"}, nil
			},
		},
		{
			tool: datatypes.Tool{
				Name:        "get_system_status",
				Description: "Process-level health: uptime, goroutines, heap.",
				ScopeTags:   []string{"ops", "dashboard"},
				OutputSchema: datatypes.Schema{
					"status":         {Type: datatypes.ParamTypeString},
					"uptime_seconds": {Type: datatypes.ParamTypeInteger},
					"goroutines":     {Type: datatypes.ParamTypeInteger},
					"heap_bytes":     {Type: datatypes.ParamTypeInteger},
				},
				Idempotent: true,
				SideEffect: datatypes.SideEffectNone,
				RiskWeight: 0.05,
				Keywords:   []string{"status", "system", "uptime"},
			},
			handler: func(context.Context, tools.ValidatedArgs, tools.Auditor) (map[string]any, error) {
				var mem runtime.MemStats
				runtime.ReadMemStats(&mem)
				return map[string]any{
					"status":         "all systems nominal",
					"uptime_seconds": int64(time.Since(opts.start).Seconds()),
					"goroutines":     int64(runtime.NumGoroutine()),
					"heap_bytes":     int64(mem.HeapAlloc),
				}, nil
			},
		},
		{
			tool: datatypes.Tool{
				Name:        "get_recent_logs",
				Description: "Tail of the newest service log file.",
				ScopeTags:   []string{"ops"},
				InputSchema: datatypes.Schema{
					"limit": {Type: datatypes.ParamTypeInteger, Default: int64(100), Minimum: f64(1), Maximum: f64(1000)},
				},
				OutputSchema: datatypes.Schema{
					"lines": {Type: datatypes.ParamTypeArray, Items: &datatypes.ParamDef{Type: datatypes.ParamTypeString}},
				},
				Idempotent: true,
				SideEffect: datatypes.SideEffectRead,
				RiskWeight: 0.2,
				Keywords:   []string{"logs", "log", "tail", "recent"},
			},
			handler: func(_ context.Context, args tools.ValidatedArgs, _ tools.Auditor) (map[string]any, error) {
				lines, err := tailNewestLog(opts.logDir, int(args.GetInt("limit")))
				if err != nil {
					return nil, err
				}
				return map[string]any{"lines": lines}, nil
			},
		},
		{
			tool: datatypes.Tool{
				Name:        "summarize",
				Description: "Condenses a status line and log tail into one line.",
				ScopeTags:   []string{"ops", "dashboard"},
				InputSchema: datatypes.Schema{
					"text": {Type: datatypes.ParamTypeString, Required: true},
					"logs": {Type: datatypes.ParamTypeArray},
				},
				OutputSchema: datatypes.Schema{"summary": {Type: datatypes.ParamTypeString}},
				Idempotent:   true,
				SideEffect:   datatypes.SideEffectNone,
				RiskWeight:   0.1,
				Keywords:     []string{"summarize", "summary", "condense"},
			},
			handler: func(_ context.Context, args tools.ValidatedArgs, _ tools.Auditor) (map[string]any, error) {
				n := 0
				if logs, ok := args.Value("logs"); ok {
					if ls, isList := logs.([]any); isList {
						n = len(ls)
					}
				}
				return map[string]any{
					"summary": fmt.Sprintf("%s (%d log lines)", args.GetString("text"), n),
				}, nil
			},
		},
		{
			tool: datatypes.Tool{
				Name:        "restart_service",
				Description: "Queues a restart directive for one managed service.",
				ScopeTags:   []string{"ops"},
				InputSchema: datatypes.Schema{
					"service": {Type: datatypes.ParamTypeString, Required: true, MinLength: 1, MaxLength: 64},
				},
				OutputSchema: datatypes.Schema{
					"restarted": {Type: datatypes.ParamTypeBoolean},
					"service":   {Type: datatypes.ParamTypeString},
				},
				SideEffect: datatypes.SideEffectWrite,
				RiskWeight: 0.6,
				Keywords:   []string{"restart", "reboot", "bounce"},
			},
			handler: func(ctx context.Context, args tools.ValidatedArgs, aud tools.Auditor) (map[string]any, error) {
				service := args.GetString("service")
				if err := spoolRestart(opts.spoolDir, service); err != nil {
					return nil, err
				}
				_, _ = aud.Append(ctx, "supervisor.restart_queued", map[string]any{
					"service": service,
					"spool":   opts.spoolDir,
				})
				return map[string]any{"restarted": true, "service": service}, nil
			},
		},
	}

	for _, e := range entries {
		if err := reg.Register(e.tool, e.handler); err != nil {
			return nil, fmt.Errorf("registering %s: %w", e.tool.Name, err)
		}
	}
	return reg, nil
}

// tailNewestLog returns the last limit lines of the lexically newest .log
// file under dir. Daily log names sort by date, so lexical order is
// chronological. A missing or empty directory yields an empty tail.
func tailNewestLog(dir string, limit int) ([]any, error) {
	if dir == "" {
		return []any{}, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []any{}, nil
		}
		return nil, fmt.Errorf("reading log directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".log") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return []any{}, nil
	}
	sort.Strings(names)

	data, err := os.ReadFile(filepath.Join(dir, names[len(names)-1]))
	if err != nil {
		return nil, fmt.Errorf("reading log file: %w", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	out := make([]any, 0, len(lines))
	for _, l := range lines {
		if l != "" {
			out = append(out, l)
		}
	}
	return out, nil
}

// spoolRestart appends one directive line for the supervisor. The daemon
// never restarts anything itself; an external watcher consumes the spool.
func spoolRestart(dir, service string) error {
	if dir == "" {
		return fmt.Errorf("restart spool directory is not configured")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating spool directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "restart.directives"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("opening restart spool: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%s %s\n", time.Now().UTC().Format(time.RFC3339), service); err != nil {
		return fmt.Errorf("writing restart directive: %w", err)
	}
	return nil
}

func f64(v float64) *float64 { return &v }
