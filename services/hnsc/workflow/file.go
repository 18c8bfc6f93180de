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
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/hnsc/services/hnsc/datatypes"
)

const maxDefinitionsFileSize = 1 << 20

//go:embed workflows.yaml
var embeddedDefinitions []byte

// stepFile is the on-disk step shape. Timeouts are duration strings, so
// the decode target differs from datatypes.Step.
type stepFile struct {
	ID           string         `yaml:"id"`
	ToolName     string         `yaml:"tool_name"`
	ArgsTemplate map[string]any `yaml:"args_template"`
	DependsOn    []string       `yaml:"depends_on"`
	OnFailure    string         `yaml:"on_failure"`
	MaxRetries   int            `yaml:"max_retries"`
	Timeout      string         `yaml:"timeout"`
}

type workflowFile struct {
	Name          string     `yaml:"name"`
	MaxConcurrent int        `yaml:"max_concurrent"`
	Steps         []stepFile `yaml:"steps"`
}

type definitionsFile struct {
	Workflows []workflowFile `yaml:"workflows"`
}

// ParseDefinitions decodes a workflow definitions document. Only the
// document shape is checked here; Engine.Define runs the full validation
// against the tool registry.
func ParseDefinitions(data []byte) ([]datatypes.Workflow, error) {
	var file definitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing workflow definitions: %w", err)
	}
	if len(file.Workflows) == 0 {
		return nil, fmt.Errorf("workflow definitions document declares no workflows")
	}

	seen := make(map[string]bool, len(file.Workflows))
	out := make([]datatypes.Workflow, 0, len(file.Workflows))
	for i, wf := range file.Workflows {
		if wf.Name == "" {
			return nil, fmt.Errorf("workflow %d: name is required", i)
		}
		if seen[wf.Name] {
			return nil, fmt.Errorf("workflow %d: duplicate name %q", i, wf.Name)
		}
		seen[wf.Name] = true

		steps := make([]datatypes.Step, 0, len(wf.Steps))
		for j, sf := range wf.Steps {
			step := datatypes.Step{
				ID:           sf.ID,
				ToolName:     sf.ToolName,
				ArgsTemplate: sf.ArgsTemplate,
				DependsOn:    sf.DependsOn,
				OnFailure:    datatypes.FailurePolicy(sf.OnFailure),
				MaxRetries:   sf.MaxRetries,
			}
			if sf.Timeout != "" {
				d, err := time.ParseDuration(sf.Timeout)
				if err != nil {
					return nil, fmt.Errorf("workflow %q step %d: invalid timeout %q: %w", wf.Name, j, sf.Timeout, err)
				}
				step.Timeout = d
			}
			steps = append(steps, step)
		}
		out = append(out, datatypes.Workflow{
			Name:          wf.Name,
			Steps:         steps,
			MaxConcurrent: wf.MaxConcurrent,
		})
	}
	return out, nil
}

// LoadDefinitions reads workflow definitions from path. An empty path
// selects the embedded defaults. A set path that cannot be read or parsed
// is a hard error: an operator override is never silently ignored.
func LoadDefinitions(path string) ([]datatypes.Workflow, error) {
	if path == "" {
		defs, err := ParseDefinitions(embeddedDefinitions)
		if err != nil {
			return nil, fmt.Errorf("embedded workflow definitions: %w", err)
		}
		slog.Debug("loaded embedded workflow definitions", slog.Int("workflows", len(defs)))
		return defs, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving definitions path: %w", err)
	}
	if strings.Contains(absPath, "..") {
		return nil, fmt.Errorf("definitions path traversal not allowed: %s", absPath)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat definitions file: %w", err)
	}
	if info.Size() > maxDefinitionsFileSize {
		return nil, fmt.Errorf("definitions file too large: %d bytes (max %d)", info.Size(), maxDefinitionsFileSize)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("reading definitions file: %w", err)
	}

	defs, err := ParseDefinitions(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", absPath, err)
	}
	slog.Info("loaded workflow definitions",
		slog.String("path", absPath),
		slog.Int("workflows", len(defs)))
	return defs, nil
}
