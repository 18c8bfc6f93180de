// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hnscerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind_Transient(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindTimeout, true},
		{KindCircuitOpen, true},
		{KindUpstreamUnavailable, true},
		{KindPoolTimeout, true},
		{KindCancelled, false},
		{KindPolicyDenied, false},
		{KindSchemaError, false},
		{KindRateLimited, false},
		{KindInternal, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.Transient())
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("socket closed")
	err := Wrap(cause, KindUpstreamUnavailable, "vector store unreachable")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "upstream_unavailable")
	assert.Contains(t, err.Error(), "socket closed")
}

func TestError_IsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", PolicyDenied("prompt_injection", "denied"))

	assert.True(t, errors.Is(err, &Error{Kind: KindPolicyDenied}))
	assert.True(t, errors.Is(err, &Error{Kind: KindPolicyDenied, Code: "prompt_injection"}))
	assert.False(t, errors.Is(err, &Error{Kind: KindPolicyDenied, Code: "scope_violation"}))
	assert.False(t, errors.Is(err, &Error{Kind: KindRateLimited}))
}

func TestKindOf(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.Equal(t, Kind(""), KindOf(nil))
	})

	t.Run("wrapped taxonomy error", func(t *testing.T) {
		err := fmt.Errorf("call failed: %w", New(KindCircuitOpen, "breaker open"))
		assert.Equal(t, KindCircuitOpen, KindOf(err))
	})

	t.Run("context deadline", func(t *testing.T) {
		assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	})

	t.Run("context cancel", func(t *testing.T) {
		assert.Equal(t, KindCancelled, KindOf(context.Canceled))
	})

	t.Run("plain error collapses to internal", func(t *testing.T) {
		assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	})
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsPolicyDenied(PolicyDenied("x", "m")))
	assert.True(t, IsRateLimited(RateLimited(time.Second)))
	assert.True(t, IsSchemaError(SchemaError("bad arg")))
	assert.True(t, IsTimeout(FromContext(context.DeadlineExceeded)))
	assert.True(t, IsCancelled(FromContext(context.Canceled)))
	assert.True(t, IsCircuitOpen(New(KindCircuitOpen, "open")))
	assert.True(t, IsTransient(New(KindPoolTimeout, "pool")))
	assert.False(t, IsTransient(PolicyDenied("x", "m")))
}

func TestToEnvelope(t *testing.T) {
	t.Run("taxonomy error with retry hint", func(t *testing.T) {
		env := ToEnvelope(RateLimited(2500*time.Millisecond), "req-1")

		assert.Equal(t, KindRateLimited, env.Kind)
		assert.Equal(t, "rate_limited", env.Code)
		assert.Equal(t, int64(2), env.RetryAfterSeconds)
		assert.Equal(t, "req-1", env.CorrelationID)
	})

	t.Run("sub-second retry hint rounds up to one", func(t *testing.T) {
		env := ToEnvelope(RateLimited(200*time.Millisecond), "req-2")
		assert.Equal(t, int64(1), env.RetryAfterSeconds)
	})

	t.Run("specific code preserved", func(t *testing.T) {
		env := ToEnvelope(PolicyDenied("prompt_injection", "denied"), "req-3")
		assert.Equal(t, "prompt_injection", env.Code)
		assert.Equal(t, KindPolicyDenied, env.Kind)
	})

	t.Run("plain error redacts detail", func(t *testing.T) {
		env := ToEnvelope(errors.New("pq: password authentication failed"), "req-4")

		require.Equal(t, KindInternal, env.Kind)
		assert.Equal(t, "internal error", env.Message)
		assert.NotContains(t, env.Message, "password")
	})

	t.Run("context errors map to timeout and cancelled", func(t *testing.T) {
		assert.Equal(t, KindTimeout, ToEnvelope(context.DeadlineExceeded, "r").Kind)
		assert.Equal(t, KindCancelled, ToEnvelope(context.Canceled, "r").Kind)
	})
}
