// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/hnsc/services/hnsc/breaker"
	"github.com/AleutianAI/hnsc/services/hnsc/datatypes"
	"github.com/AleutianAI/hnsc/services/hnsc/hnscerr"
)

type auditEntry struct {
	category string
	fields   map[string]any
}

// recordingAuditor captures appended events in order. failAppends simulates
// an unwritable sink.
type recordingAuditor struct {
	mu          sync.Mutex
	entries     []auditEntry
	failAppends bool
}

func (a *recordingAuditor) Append(_ context.Context, category string, fields map[string]any) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failAppends {
		return 0, hnscerr.New(hnscerr.KindAuditWriteError, "append failed")
	}
	a.entries = append(a.entries, auditEntry{category: category, fields: fields})
	return int64(len(a.entries) - 1), nil
}

func (a *recordingAuditor) categories() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.category
	}
	return out
}

func (a *recordingAuditor) entry(i int) auditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.entries[i]
}

func pingTool() datatypes.Tool {
	return datatypes.Tool{
		Name:       "ping_service",
		ScopeTags:  []string{"ops"},
		SideEffect: datatypes.SideEffectNone,
		RiskWeight: 0.1,
		InputSchema: datatypes.Schema{
			"target": {Type: datatypes.ParamTypeString, Required: true},
		},
	}
}

// newExecutorFixture registers one tool and returns a registry plus an
// executor whose breakers trip after two failures.
func newExecutorFixture(t *testing.T, tool datatypes.Tool, handler Handler) (*Registry, *Executor) {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(tool, handler))
	reg.Seal()

	breakers := breaker.NewRegistry(breaker.Config{
		FailThreshold: 2,
		Window:        time.Second,
		Cooldown:      time.Minute,
	})
	return reg, NewExecutor(reg, breakers, DefaultExecutorConfig())
}

func validatedCall(t *testing.T, reg *Registry, tool string, args map[string]any) Call {
	t.Helper()
	v, err := reg.Validate(tool, args)
	require.NoError(t, err)
	return Call{Args: v, IssuedBy: "router", CorrelationID: uuid.New()}
}

// ---- Execution ----

func TestExecute_ReturnsOutputAndAuditsInOrder(t *testing.T) {
	reg, exec := newExecutorFixture(t, pingTool(), echoHandler())
	call := validatedCall(t, reg, "ping_service", map[string]any{"target": "api"})
	aud := &recordingAuditor{}

	res, err := exec.Execute(context.Background(), call, aud)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "ping_service", res.Tool)
	assert.Equal(t, "api", res.Output["echo"])
	assert.GreaterOrEqual(t, res.Duration, time.Duration(0))

	require.Equal(t, []string{"tool.invoked", "tool.completed"}, aud.categories())
	invoked := aud.entry(0)
	assert.Equal(t, "ping_service", invoked.fields["tool"])
	assert.Equal(t, "router", invoked.fields["issued_by"])
	assert.Equal(t, call.CorrelationID.String(), invoked.fields["correlation_id"])
	assert.Equal(t, "ok", aud.entry(1).fields["status"])
}

func TestExecute_ZeroCallIsRejected(t *testing.T) {
	_, exec := newExecutorFixture(t, pingTool(), echoHandler())

	_, err := exec.Execute(context.Background(), Call{}, nil)
	require.Error(t, err)
	assert.True(t, hnscerr.IsSchemaError(err))
}

func TestExecute_UnregisteredTool(t *testing.T) {
	regA, _ := newExecutorFixture(t, pingTool(), echoHandler())
	call := validatedCall(t, regA, "ping_service", map[string]any{"target": "api"})

	regB := NewRegistry()
	regB.Seal()
	exec := NewExecutor(regB, breaker.NewRegistry(breaker.DefaultConfig()), DefaultExecutorConfig())

	_, err := exec.Execute(context.Background(), call, nil)
	require.Error(t, err)
	assert.Equal(t, hnscerr.KindToolNotFound, hnscerr.KindOf(err))
}

func TestExecute_NilAuditorIsSafe(t *testing.T) {
	reg, exec := newExecutorFixture(t, pingTool(), echoHandler())
	call := validatedCall(t, reg, "ping_service", map[string]any{"target": "api"})

	res, err := exec.Execute(context.Background(), call, nil)
	require.NoError(t, err)
	assert.Equal(t, "api", res.Output["echo"])
}

// ---- Timeouts and cancellation ----

func TestExecute_ToolTimeoutProducesTimeout(t *testing.T) {
	tool := pingTool()
	tool.Timeout = 20 * time.Millisecond
	blocking := HandlerFunc(func(ctx context.Context, _ ValidatedArgs, _ Auditor) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	reg, exec := newExecutorFixture(t, tool, blocking)
	call := validatedCall(t, reg, "ping_service", map[string]any{"target": "api"})
	aud := &recordingAuditor{}

	_, err := exec.Execute(context.Background(), call, aud)
	require.Error(t, err)
	assert.True(t, hnscerr.IsTimeout(err))

	completed := aud.entry(1)
	assert.Equal(t, "error", completed.fields["status"])
	assert.Equal(t, "timeout", completed.fields["error_kind"])
}

func TestExecute_CallerCancellationIsDistinct(t *testing.T) {
	blocking := HandlerFunc(func(ctx context.Context, _ ValidatedArgs, _ Auditor) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	reg, exec := newExecutorFixture(t, pingTool(), blocking)
	call := validatedCall(t, reg, "ping_service", map[string]any{"target": "api"})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := exec.Execute(ctx, call, nil)
	require.Error(t, err)
	assert.True(t, hnscerr.IsCancelled(err))
	assert.False(t, hnscerr.IsTimeout(err))
}

// ---- Circuit breaking ----

func TestExecute_BreakerFailsFastAfterTrips(t *testing.T) {
	var calls atomic.Int32
	failing := HandlerFunc(func(_ context.Context, _ ValidatedArgs, _ Auditor) (map[string]any, error) {
		calls.Add(1)
		return nil, errors.New("backend down")
	})
	reg, exec := newExecutorFixture(t, pingTool(), failing)
	aud := &recordingAuditor{}

	for i := 0; i < 2; i++ {
		call := validatedCall(t, reg, "ping_service", map[string]any{"target": "api"})
		_, err := exec.Execute(context.Background(), call, aud)
		require.Error(t, err)
	}
	require.Equal(t, int32(2), calls.Load())

	call := validatedCall(t, reg, "ping_service", map[string]any{"target": "api"})
	_, err := exec.Execute(context.Background(), call, aud)
	require.Error(t, err)
	assert.True(t, hnscerr.IsCircuitOpen(err))
	assert.Equal(t, int32(2), calls.Load(), "handler must not run while the breaker is open")

	last := aud.entry(len(aud.categories()) - 1)
	assert.Equal(t, "tool.completed", last.category)
	assert.Equal(t, "circuit_open", last.fields["error_kind"])
}

// ---- Audit gating ----

func TestExecute_UnwritableAuditBlocksSideEffects(t *testing.T) {
	var calls atomic.Int32
	counting := HandlerFunc(func(_ context.Context, _ ValidatedArgs, _ Auditor) (map[string]any, error) {
		calls.Add(1)
		return map[string]any{"done": true}, nil
	})

	writeTool := pingTool()
	writeTool.Name = "rotate_keys"
	writeTool.SideEffect = datatypes.SideEffectWrite

	reg, exec := newExecutorFixture(t, writeTool, counting)
	call := validatedCall(t, reg, "rotate_keys", map[string]any{"target": "api"})

	_, err := exec.Execute(context.Background(), call, &recordingAuditor{failAppends: true})
	require.Error(t, err)
	assert.Equal(t, hnscerr.KindAuditWriteError, hnscerr.KindOf(err))
	assert.Zero(t, calls.Load(), "side-effectful handler must not run unaudited")
}

func TestExecute_UnwritableAuditAllowsSideEffectFreeTools(t *testing.T) {
	var calls atomic.Int32
	counting := HandlerFunc(func(_ context.Context, args ValidatedArgs, _ Auditor) (map[string]any, error) {
		calls.Add(1)
		return map[string]any{"echo": args.GetString("target")}, nil
	})
	reg, exec := newExecutorFixture(t, pingTool(), counting)
	call := validatedCall(t, reg, "ping_service", map[string]any{"target": "api"})

	res, err := exec.Execute(context.Background(), call, &recordingAuditor{failAppends: true})
	require.NoError(t, err)
	assert.Equal(t, "api", res.Output["echo"])
	assert.Equal(t, int32(1), calls.Load())
}

// ---- Output checking ----

func TestExecute_OutputMismatchIsInvariantViolation(t *testing.T) {
	tool := pingTool()
	tool.OutputSchema = datatypes.Schema{
		"status": {Type: datatypes.ParamTypeString, Required: true},
	}
	lying := HandlerFunc(func(_ context.Context, _ ValidatedArgs, _ Auditor) (map[string]any, error) {
		return map[string]any{"status": 500}, nil
	})
	reg, exec := newExecutorFixture(t, tool, lying)
	call := validatedCall(t, reg, "ping_service", map[string]any{"target": "api"})
	aud := &recordingAuditor{}

	_, err := exec.Execute(context.Background(), call, aud)
	require.Error(t, err)
	assert.Equal(t, hnscerr.KindInvariantViolation, hnscerr.KindOf(err))
	assert.Equal(t, "error", aud.entry(1).fields["status"])
}

func TestExecute_HandlerErrorPassesThroughTyped(t *testing.T) {
	denied := HandlerFunc(func(_ context.Context, _ ValidatedArgs, _ Auditor) (map[string]any, error) {
		return nil, hnscerr.New(hnscerr.KindUpstreamUnavailable, "backend 503")
	})
	reg, exec := newExecutorFixture(t, pingTool(), denied)
	call := validatedCall(t, reg, "ping_service", map[string]any{"target": "api"})

	_, err := exec.Execute(context.Background(), call, nil)
	require.Error(t, err)
	assert.Equal(t, hnscerr.KindUpstreamUnavailable, hnscerr.KindOf(err))
}
