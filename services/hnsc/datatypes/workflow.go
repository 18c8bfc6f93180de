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
	"time"
)

// FailurePolicy selects how the engine reacts when a step fails.
type FailurePolicy string

const (
	// FailureSkip marks the step skipped; descendants still run and see
	// null for its template slots.
	FailureSkip FailurePolicy = "skip"

	// FailureAbort fails the whole workflow and cancels running steps.
	FailureAbort FailurePolicy = "fail_workflow"

	// FailureRetry re-schedules with exponential backoff while attempts
	// remain. Only honored for tools declared idempotent.
	FailureRetry FailurePolicy = "retry"
)

// Valid reports whether p is a defined policy.
func (p FailurePolicy) Valid() bool {
	switch p {
	case FailureSkip, FailureAbort, FailureRetry:
		return true
	}
	return false
}

// Step is one node of a workflow DAG.
//
// DependsOn may reference only earlier-declared steps of the same workflow.
// ArgsTemplate values may embed "${steps.<id>.output.<field>}" placeholders
// referencing declared ancestors; the engine resolves them at dispatch time.
type Step struct {
	ID           string         `json:"id" yaml:"id"`
	ToolName     string         `json:"tool_name" yaml:"tool_name"`
	ArgsTemplate map[string]any `json:"args_template,omitempty" yaml:"args_template,omitempty"`
	DependsOn    []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	OnFailure    FailurePolicy  `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
	MaxRetries   int            `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Timeout      time.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Workflow is a named DAG of tool invocations.
type Workflow struct {
	Name          string `json:"name" yaml:"name"`
	Steps         []Step `json:"steps" yaml:"steps"`
	MaxConcurrent int    `json:"max_concurrent,omitempty" yaml:"max_concurrent,omitempty"`
}

// StepStatus is the lifecycle state of one step execution. Transitions are
// monotone: a terminal status never changes.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCancelled:
		return true
	}
	return false
}

// StepResult records one step's execution outcome.
type StepResult struct {
	StepID    string         `json:"step_id"`
	Status    StepStatus     `json:"status"`
	Attempts  int            `json:"attempts"`
	StartedAt time.Time      `json:"started_at,omitzero"`
	EndedAt   time.Time      `json:"ended_at,omitzero"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// ExecutionStatus is the overall state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the execution reached a final state.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}
