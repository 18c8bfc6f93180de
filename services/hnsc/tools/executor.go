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
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/hnsc/services/hnsc/breaker"
	"github.com/AleutianAI/hnsc/services/hnsc/datatypes"
	"github.com/AleutianAI/hnsc/services/hnsc/hnscerr"
)

var tracer = otel.Tracer("hnsc.tools")

// Auditor appends request-scoped audit events. *audit.Handle satisfies it;
// the executor falls back to a no-op appender when given nil so handlers
// never see a nil handle.
type Auditor interface {
	Append(ctx context.Context, category string, fields map[string]any) (int64, error)
}

type nopAuditor struct{}

func (nopAuditor) Append(context.Context, string, map[string]any) (int64, error) { return 0, nil }

// Call is one tool invocation. Calls exist only after Registry.Validate has
// minted their arguments; the zero value is rejected by Execute.
type Call struct {
	// Args carries the tool name and the validated argument set.
	Args ValidatedArgs

	// IssuedBy names the layer that produced the call (router, workflow
	// step id, driver).
	IssuedBy string

	// CorrelationID ties the call to its originating request.
	CorrelationID uuid.UUID
}

// Tool returns the name of the tool the call targets.
func (c Call) Tool() string { return c.Args.Tool() }

// Result is the outcome of one tool invocation.
type Result struct {
	Tool     string         `json:"tool"`
	Output   map[string]any `json:"output"`
	Duration time.Duration  `json:"duration"`
}

// ExecutorConfig tunes the invocation path.
type ExecutorConfig struct {
	// DefaultTimeout bounds handlers whose tool declares no timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// CheckOutput verifies handler output against the tool's declared
	// output schema. A mismatch is an invariant violation, not a user
	// error.
	CheckOutput bool `yaml:"check_output"`
}

// DefaultExecutorConfig returns production defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		DefaultTimeout: 30 * time.Second,
		CheckOutput:    true,
	}
}

// Executor runs validated tool calls through per-tool circuit breakers.
//
// # Thread Safety
//
// Safe for concurrent use; any number of calls may execute simultaneously.
type Executor struct {
	registry *Registry
	breakers *breaker.Registry
	cfg      ExecutorConfig
}

// NewExecutor binds an executor to a registry and a breaker registry.
func NewExecutor(registry *Registry, breakers *breaker.Registry, cfg ExecutorConfig) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultExecutorConfig().DefaultTimeout
	}
	return &Executor{registry: registry, breakers: breakers, cfg: cfg}
}

// Execute invokes the call's handler and returns its output.
//
// The effective timeout is the smaller of the per-tool budget and whatever
// deadline ctx already carries. The handler runs inside the tool's circuit
// breaker, so a tripped tool fails fast with circuit_open. A tool.invoked
// event is appended before the handler runs and a tool.completed event
// after; when the invocation record cannot be written, tools with side
// effects do not run at all.
func (e *Executor) Execute(ctx context.Context, call Call, aud Auditor) (*Result, error) {
	if aud == nil {
		aud = nopAuditor{}
	}
	if !call.Args.Valid() {
		return nil, hnscerr.New(hnscerr.KindSchemaError, "tool call carries no validated arguments")
	}

	name := call.Args.Tool()
	b, ok := e.registry.binding(name)
	if !ok {
		return nil, hnscerr.Newf(hnscerr.KindToolNotFound, "tool %q is not registered", name)
	}

	ctx, span := tracer.Start(ctx, "tools.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("tool.name", name),
		attribute.String("tool.side_effect_class", b.tool.SideEffect.String()),
	)

	timeout := b.tool.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := aud.Append(ctx, "tool.invoked", map[string]any{
		"tool":              name,
		"issued_by":         call.IssuedBy,
		"correlation_id":    call.CorrelationID.String(),
		"side_effect_class": b.tool.SideEffect.String(),
	}); err != nil {
		// A side-effectful tool must not run without its invocation on
		// the chain.
		if b.tool.SideEffect != datatypes.SideEffectNone {
			return nil, err
		}
	}

	var output map[string]any
	start := time.Now()
	execErr := e.breakers.Get("tool:"+name).Execute(ctx, func(ctx context.Context) error {
		out, err := b.handler.Invoke(ctx, call.Args, aud)
		if err != nil {
			return err
		}
		output = out
		return nil
	})
	duration := time.Since(start)

	if execErr != nil {
		execErr = classify(execErr)
	} else if e.cfg.CheckOutput && len(b.tool.OutputSchema) > 0 {
		if err := MatchOutput(b.tool.OutputSchema, output); err != nil {
			execErr = hnscerr.Wrap(err, hnscerr.KindInvariantViolation,
				"tool "+name+" output does not match its declared schema")
		}
	}

	completed := map[string]any{
		"tool":           name,
		"correlation_id": call.CorrelationID.String(),
		"duration_ms":    duration.Milliseconds(),
		"status":         "ok",
	}
	if execErr != nil {
		completed["status"] = "error"
		completed["error_kind"] = string(hnscerr.KindOf(execErr))
	}
	// Completion append failures are not fatal here: the side effect has
	// already happened and the sink going unhealthy is what blocks the
	// next side-effectful action.
	_, _ = aud.Append(ctx, "tool.completed", completed)

	if execErr != nil {
		return nil, execErr
	}
	return &Result{Tool: name, Output: output, Duration: duration}, nil
}

// classify maps a handler error onto the shared taxonomy. Typed errors pass
// through; context errors split into timeout and cancelled; everything else
// is internal.
func classify(err error) error {
	var he *hnscerr.Error
	if errors.As(err, &he) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return hnscerr.FromContext(err)
	}
	return hnscerr.Wrap(err, hnscerr.KindInternal, "tool handler failed")
}
