// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hnscerr defines the error taxonomy shared by every HNSC component.
//
// Errors cross component boundaries as *Error values carrying a Kind from the
// fixed taxonomy plus a stable machine-readable Code. The transport layer
// serializes them with Envelope; internal callers branch with errors.Is or
// the Is* helpers, never by matching message strings.
//
// # Taxonomy
//
//   - User-caused: schema_error, rate_limited, unauthorized
//   - Policy: policy_denied (terminal, never retried internally)
//   - Transient: timeout, cancelled, circuit_open, upstream_unavailable, pool_timeout
//   - Structural: workflow_invalid, tool_not_found, duplicate_tool
//   - Internal: audit_write_error, invariant_violation, internal
package hnscerr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error into the fixed HNSC taxonomy.
type Kind string

const (
	// User-caused kinds.
	KindSchemaError  Kind = "schema_error"
	KindRateLimited  Kind = "rate_limited"
	KindUnauthorized Kind = "unauthorized"

	// KindPolicyDenied is terminal. The pipeline never retries it.
	KindPolicyDenied Kind = "policy_denied"

	// Transient kinds. Retried only by handlers declared idempotent.
	KindTimeout             Kind = "timeout"
	KindCancelled           Kind = "cancelled"
	KindCircuitOpen         Kind = "circuit_open"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindPoolTimeout         Kind = "pool_timeout"

	// Structural kinds surface at startup or workflow validation.
	KindWorkflowInvalid Kind = "workflow_invalid"
	KindToolNotFound    Kind = "tool_not_found"
	KindDuplicateTool   Kind = "duplicate_tool"

	// Internal kinds.
	KindAuditWriteError    Kind = "audit_write_error"
	KindInvariantViolation Kind = "invariant_violation"
	KindInternal           Kind = "internal"
)

// Transient reports whether an error of this kind may be retried.
// Retries remain gated on the handler being declared idempotent.
func (k Kind) Transient() bool {
	switch k {
	case KindTimeout, KindCircuitOpen, KindUpstreamUnavailable, KindPoolTimeout:
		return true
	}
	return false
}

// Error is the concrete error value exchanged between HNSC components.
//
// # Description
//
// Code is a stable machine-readable identifier more specific than Kind
// (e.g. Kind=policy_denied, Code="prompt_injection"). When no finer
// identifier exists, Code equals string(Kind). RetryAfter is advisory and
// only meaningful for rate_limited and circuit_open.
//
// # Thread Safety
//
// Error values are immutable after construction.
type Error struct {
	Code       string
	Kind       Kind
	Message    string
	RetryAfter time.Duration

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is match two *Error values by Kind so call sites can write
// errors.Is(err, &Error{Kind: KindPolicyDenied}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

// New constructs an *Error with Code defaulted to the kind string.
func New(kind Kind, message string) *Error {
	return &Error{Code: string(kind), Kind: kind, Message: message}
}

// Newf is New with Sprintf formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap attaches taxonomy metadata to an underlying cause.
func Wrap(err error, kind Kind, message string) *Error {
	return &Error{Code: string(kind), Kind: kind, Message: message, cause: err}
}

// WithCode returns a copy of e carrying the given machine-readable code.
func (e *Error) WithCode(code string) *Error {
	dup := *e
	dup.Code = code
	return &dup
}

// WithRetryAfter returns a copy of e carrying a retry hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	dup := *e
	dup.RetryAfter = d
	return &dup
}

// RateLimited builds the admission-rejection error with its retry hint.
func RateLimited(retryAfter time.Duration) *Error {
	return New(KindRateLimited, "request rate limit exceeded").WithRetryAfter(retryAfter)
}

// PolicyDenied builds a terminal policy error. code names the matched rule
// class (e.g. "prompt_injection", "scope_violation").
func PolicyDenied(code, message string) *Error {
	return New(KindPolicyDenied, message).WithCode(code)
}

// SchemaError builds a validation error for the named tool argument problem.
func SchemaError(message string) *Error {
	return New(KindSchemaError, message)
}

// FromContext maps a context error to the taxonomy. Deadline expiry becomes
// timeout, explicit cancellation becomes cancelled; both stay distinguishable
// for diagnostics.
func FromContext(err error) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(err, KindTimeout, "deadline exceeded")
	case errors.Is(err, context.Canceled):
		return Wrap(err, KindCancelled, "cancelled")
	default:
		return Wrap(err, KindInternal, "context error")
	}
}

// KindOf extracts the taxonomy kind from an error chain. Unclassified errors
// report KindInternal; nil reports the empty Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// IsPolicyDenied reports whether err carries KindPolicyDenied.
func IsPolicyDenied(err error) bool { return KindOf(err) == KindPolicyDenied }

// IsRateLimited reports whether err carries KindRateLimited.
func IsRateLimited(err error) bool { return KindOf(err) == KindRateLimited }

// IsSchemaError reports whether err carries KindSchemaError.
func IsSchemaError(err error) bool { return KindOf(err) == KindSchemaError }

// IsTimeout reports whether err carries KindTimeout.
func IsTimeout(err error) bool { return KindOf(err) == KindTimeout }

// IsCancelled reports whether err carries KindCancelled.
func IsCancelled(err error) bool { return KindOf(err) == KindCancelled }

// IsCircuitOpen reports whether err carries KindCircuitOpen.
func IsCircuitOpen(err error) bool { return KindOf(err) == KindCircuitOpen }

// IsTransient reports whether err carries a retryable kind.
func IsTransient(err error) bool { return KindOf(err).Transient() }

// Envelope is the single user-visible error shape. A correlation id equal to
// the request id is always present so operators can join responses to audit
// events.
type Envelope struct {
	Code              string `json:"code"`
	Kind              Kind   `json:"kind"`
	Message           string `json:"message"`
	RetryAfterSeconds int64  `json:"retry_after,omitempty"`
	CorrelationID     string `json:"correlation_id"`
}

// ToEnvelope converts any error into the wire envelope. Unclassified errors
// collapse to kind=internal with a generic message so internal detail never
// leaks to callers.
func ToEnvelope(err error, correlationID string) Envelope {
	var he *Error
	if !errors.As(err, &he) {
		he = FromContext(err)
		if he.Kind == KindInternal {
			return Envelope{
				Code:          string(KindInternal),
				Kind:          KindInternal,
				Message:       "internal error",
				CorrelationID: correlationID,
			}
		}
	}
	env := Envelope{
		Code:          he.Code,
		Kind:          he.Kind,
		Message:       he.Message,
		CorrelationID: correlationID,
	}
	if he.RetryAfter > 0 {
		secs := int64(he.RetryAfter / time.Second)
		if secs == 0 {
			secs = 1
		}
		env.RetryAfterSeconds = secs
	}
	return env
}
