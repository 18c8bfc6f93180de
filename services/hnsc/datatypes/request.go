// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the request-lifecycle data model shared by the
// HNSC components: requests and responses, tool and workflow descriptors,
// retrieval payloads, audit records, and policy decisions.
//
// Types here are plain data. Behavior (validation, execution, hashing)
// lives with the component that owns the concern.
package datatypes

import (
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/hnsc/services/hnsc/hnscerr"
)

// Mode selects the operating surface a request arrived through. The mode
// gates which tool scope tags are reachable (config key mode_scope_tags).
type Mode string

const (
	ModeAuto      Mode = "auto"
	ModeConcierge Mode = "concierge"
	ModeGeneral   Mode = "general"
	ModeMCP       Mode = "mcp"
	ModeDebug     Mode = "debug"
)

// Valid reports whether m is one of the five defined modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeAuto, ModeConcierge, ModeGeneral, ModeMCP, ModeDebug:
		return true
	}
	return false
}

// Request is a single natural-language request admitted into the pipeline.
//
// A request is exclusively owned by one in-flight pipeline execution.
// Deadline is absolute; every suspension point below the controller derives
// its timeout from it.
type Request struct {
	ID         uuid.UUID `json:"id"`
	ActorID    string    `json:"actor_id"`
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Mode       Mode      `json:"mode"`
	ReceivedAt time.Time `json:"received_at"`
	Deadline   time.Time `json:"deadline"`

	// ApprovalToken authorizes irreversible or high-risk tool calls for
	// this request. Empty means no approval was presented.
	ApprovalToken string `json:"approval_token,omitempty"`

	// Authenticated records that the transport verified the actor's
	// credentials. Set by the server after its auth middleware runs, never
	// bound from a request body.
	Authenticated bool `json:"-"`
}

// ResponseKind discriminates the response union.
type ResponseKind string

const (
	ResponseText     ResponseKind = "text_result"
	ResponseTool     ResponseKind = "tool_result"
	ResponseWorkflow ResponseKind = "workflow_handle"
	ResponseApproval ResponseKind = "approval_required"
	ResponseError    ResponseKind = "error"
)

// ApprovalRequired is a first-class outcome, not a failure: the action is
// valid but needs an out-of-band approval token before it may run.
type ApprovalRequired struct {
	ActionID string  `json:"action_id"`
	Tool     string  `json:"tool"`
	Risk     float64 `json:"risk"`
}

// WorkflowHandle identifies a workflow execution. Output is populated only
// when the execution completed before the response was assembled; callers
// holding a running handle poll workflow_status for the final state.
type WorkflowHandle struct {
	ExecutionID uuid.UUID      `json:"execution_id"`
	Workflow    string         `json:"workflow"`
	Status      string         `json:"status"`
	Output      map[string]any `json:"output,omitempty"`
}

// Response is the terminal outcome of a request. Exactly one of the
// kind-specific fields is populated, selected by Kind. RequestID doubles as
// the correlation id surfaced to the caller.
type Response struct {
	Kind      ResponseKind `json:"kind"`
	RequestID uuid.UUID    `json:"request_id"`

	Text     string            `json:"text,omitempty"`
	Tool     *ToolResponse     `json:"tool,omitempty"`
	Workflow *WorkflowHandle   `json:"workflow,omitempty"`
	Approval *ApprovalRequired `json:"approval,omitempty"`
	Error    *hnscerr.Envelope `json:"error,omitempty"`

	// Warnings carries non-fatal notes (skipped workflow steps, truncated
	// retrieval context) alongside a successful result.
	Warnings []string `json:"warnings,omitempty"`
}

// ToolResponse is the outcome of a direct tool disposition.
type ToolResponse struct {
	Name   string         `json:"name"`
	Output map[string]any `json:"output"`
}

// ErrorResponse builds the error-kind response for a request.
func ErrorResponse(requestID uuid.UUID, err error) Response {
	env := hnscerr.ToEnvelope(err, requestID.String())
	return Response{Kind: ResponseError, RequestID: requestID, Error: &env}
}
