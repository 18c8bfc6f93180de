// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workflow executes named DAGs of tool invocations.
//
// A workflow is validated once per launch: dependencies may only reference
// earlier-declared steps (which rules out cycles), every tool must be
// registered, and each step's args template must bind cleanly onto its
// tool's input schema. Execution then runs a ready-set loop: steps whose
// ancestors have all terminated dispatch in declaration order, bounded by
// the workflow's max_concurrent and the engine's global step slots.
//
// Failure handling follows each step's on_failure policy. Skipped steps
// leave null template slots for their descendants and downgrade the result
// to completed-with-warnings; retries re-schedule with capped exponential
// backoff and are honored only for idempotent tools; anything else fails
// the workflow and cancels whatever is still running. Cancellation is
// cooperative with a bounded grace period, and once a cancel signal is
// observed no step can reach completed.
package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/hnsc/services/hnsc/datatypes"
	"github.com/AleutianAI/hnsc/services/hnsc/hnscerr"
	"github.com/AleutianAI/hnsc/services/hnsc/tools"
)

var tracer = otel.Tracer("hnsc.workflow")

var (
	stepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hnsc",
		Subsystem: "workflow",
		Name:      "step_duration_seconds",
		Help:      "Wall time from first dispatch to terminal state, per step.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"workflow", "status"})

	cancellations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hnsc",
		Subsystem: "workflow",
		Name:      "cancellations_total",
		Help:      "Executions that wound down early, by origin.",
	}, []string{"origin"})
)

// Config tunes the engine.
type Config struct {
	// MaxConcurrent bounds in-flight steps per execution when the
	// workflow itself does not set a bound.
	MaxConcurrent int `yaml:"max_concurrent" validate:"gt=0"`

	// CancelGrace is how long a wind-down waits for running handlers to
	// return before marking their steps cancelled anyway.
	CancelGrace time.Duration `yaml:"cancel_grace" validate:"gte=0"`

	// RetryBase seeds the exponential backoff: the n-th retry waits
	// RetryBase doubled n times, capped at RetryCap.
	RetryBase time.Duration `yaml:"retry_base" validate:"gt=0"`
	RetryCap  time.Duration `yaml:"retry_cap" validate:"gt=0"`

	// GlobalSlots bounds running steps across all executions. Zero
	// disables the bound.
	GlobalSlots int64 `yaml:"global_slots" validate:"gte=0"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 4,
		CancelGrace:   5 * time.Second,
		RetryBase:     100 * time.Millisecond,
		RetryCap:      5 * time.Second,
		GlobalSlots:   32,
	}
}

// Validate checks the tuning values.
func (c Config) Validate() error {
	if c.MaxConcurrent <= 0 {
		return errors.New("workflow: max_concurrent must be positive")
	}
	if c.CancelGrace < 0 {
		return errors.New("workflow: cancel_grace must not be negative")
	}
	if c.RetryBase <= 0 {
		return errors.New("workflow: retry_base must be positive")
	}
	if c.RetryCap < c.RetryBase {
		return errors.New("workflow: retry_cap must be at least retry_base")
	}
	if c.GlobalSlots < 0 {
		return errors.New("workflow: global_slots must not be negative")
	}
	return nil
}

// Invoker runs one validated tool call. *tools.Executor satisfies it; tests
// substitute deterministic fakes.
type Invoker interface {
	Execute(ctx context.Context, call tools.Call, aud tools.Auditor) (*tools.Result, error)
}

// Registry is the tool view the engine validates and binds against.
// *tools.Registry satisfies it.
type Registry interface {
	Lookup(name string) (datatypes.Tool, error)
	Validate(name string, args map[string]any) (tools.ValidatedArgs, error)
}

// Engine validates, runs, and tracks workflow executions.
//
// # Thread Safety
//
// Safe for concurrent use. Definitions are registered at startup; any
// number of executions may run simultaneously.
type Engine struct {
	cfg      Config
	registry Registry
	invoker  Invoker
	store    *Store
	slots    *semaphore.Weighted

	mu   sync.RWMutex
	defs map[string]datatypes.Workflow
	live map[uuid.UUID]*Execution
}

// NewEngine builds an engine. The store is optional: with nil, terminal
// executions stay in memory for the life of the process instead of being
// persisted and evicted.
func NewEngine(registry Registry, invoker Invoker, store *Store, cfg Config) (*Engine, error) {
	if registry == nil {
		return nil, errors.New("workflow: registry must not be nil")
	}
	if invoker == nil {
		return nil, errors.New("workflow: invoker must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:      cfg,
		registry: registry,
		invoker:  invoker,
		store:    store,
		defs:     make(map[string]datatypes.Workflow),
		live:     make(map[uuid.UUID]*Execution),
	}
	if cfg.GlobalSlots > 0 {
		e.slots = semaphore.NewWeighted(cfg.GlobalSlots)
	}
	return e, nil
}

// Define validates and registers a named workflow. Duplicate names are
// rejected so a config reload cannot silently shadow a definition.
func (e *Engine) Define(wf datatypes.Workflow) error {
	norm, err := normalizeAndValidate(wf, e.registry)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.defs[norm.Name]; dup {
		return hnscerr.Newf(hnscerr.KindWorkflowInvalid, "workflow %q is already defined", norm.Name)
	}
	e.defs[norm.Name] = norm
	return nil
}

// Definition returns a registered workflow by name.
func (e *Engine) Definition(name string) (datatypes.Workflow, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wf, ok := e.defs[name]
	return wf, ok
}

// Names lists registered workflow names, sorted.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.defs))
	for name := range e.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartSpec describes one execution launch.
type StartSpec struct {
	// Workflow is the definition to run. Callers resolving a name use
	// Definition first.
	Workflow datatypes.Workflow

	// RootArgs bind "${root.*}" template placeholders.
	RootArgs map[string]any

	// Deadline bounds the whole execution. Zero means unbounded.
	Deadline time.Time

	// CorrelationID ties the execution's tool calls to the originating
	// request.
	CorrelationID uuid.UUID

	// Auditor receives workflow.* and tool events. Nil disables auditing.
	Auditor tools.Auditor
}

// Start validates the workflow and launches it. The returned execution is
// already running; Start never blocks on step completion.
//
// The execution detaches from ctx's cancellation: callers that return a
// handle immediately must not kill the run, and the deadline in spec is
// the only launch-scoped bound. Trace context carries through.
func (e *Engine) Start(ctx context.Context, spec StartSpec) (*Execution, error) {
	wf, err := normalizeAndValidate(spec.Workflow, e.registry)
	if err != nil {
		return nil, err
	}

	aud := spec.Auditor
	if aud == nil {
		aud = nopAuditor{}
	}

	runCtx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if !spec.Deadline.IsZero() {
		runCtx, cancel = context.WithDeadline(runCtx, spec.Deadline)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}

	x := newExecution(e, wf, spec, runCtx, cancel, aud)

	e.mu.Lock()
	e.live[x.id] = x
	e.mu.Unlock()

	_, _ = aud.Append(runCtx, "workflow.started", map[string]any{
		"execution_id":   x.id.String(),
		"workflow":       wf.Name,
		"steps":          len(wf.Steps),
		"max_concurrent": x.maxConcurrent,
	})
	slog.Info("workflow started",
		slog.String("execution_id", x.id.String()),
		slog.String("workflow", wf.Name),
		slog.Int("steps", len(wf.Steps)))

	go x.run()
	return x, nil
}

// Status reports an execution by id, falling back to the persisted record
// for executions already evicted from memory.
func (e *Engine) Status(ctx context.Context, id uuid.UUID) (Status, error) {
	e.mu.RLock()
	x, ok := e.live[id]
	e.mu.RUnlock()
	if ok {
		return x.Status(), nil
	}
	if e.store != nil {
		st, err := e.store.Get(ctx, id)
		if err == nil {
			return st, nil
		}
		if !errors.Is(err, ErrRecordNotFound) {
			return Status{}, err
		}
	}
	return Status{}, hnscerr.Newf(hnscerr.KindSchemaError, "unknown workflow execution %s", id)
}

// Cancel requests cancellation of a live execution. Cancelling a terminal
// or already-evicted execution is a no-op; unknown ids are an error.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) error {
	e.mu.RLock()
	x, ok := e.live[id]
	e.mu.RUnlock()
	if ok {
		x.Cancel()
		return nil
	}
	if e.store != nil {
		if _, err := e.store.Get(ctx, id); err == nil {
			return nil
		}
	}
	return hnscerr.Newf(hnscerr.KindSchemaError, "unknown workflow execution %s", id)
}

// Live returns the number of executions still held in memory.
func (e *Engine) Live() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.live)
}

// Close cancels every live execution and waits for wind-down, bounded by
// ctx. The record store is owned by the caller and stays open.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.RLock()
	open := make([]*Execution, 0, len(e.live))
	for _, x := range e.live {
		open = append(open, x)
	}
	e.mu.RUnlock()

	for _, x := range open {
		x.Cancel()
	}
	for _, x := range open {
		select {
		case <-x.Done():
		case <-ctx.Done():
			return hnscerr.FromContext(ctx.Err())
		}
	}
	return nil
}

// finalize persists a terminal execution and evicts it from memory. The
// background context is deliberate: the run context is already cancelled
// on every wind-down path and must not block the record write.
func (e *Engine) finalize(x *Execution) {
	if e.store == nil {
		return
	}
	st := x.Status()
	if err := e.store.Put(context.Background(), st); err != nil {
		slog.Warn("workflow record write failed",
			slog.String("execution_id", x.id.String()),
			slog.String("error", err.Error()))
		return
	}
	e.mu.Lock()
	delete(e.live, x.id)
	e.mu.Unlock()
}

type nopAuditor struct{}

func (nopAuditor) Append(context.Context, string, map[string]any) (int64, error) { return 0, nil }
