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
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/hnsc/services/hnsc/datatypes"
	"github.com/AleutianAI/hnsc/services/hnsc/hnscerr"
	"github.com/AleutianAI/hnsc/services/hnsc/tools"
)

// Origin labels for the cancellations counter.
const (
	originUser     = "user"
	originDeadline = "deadline"
	originAbort    = "abort"
)

// Status is a point-in-time view of one execution. Terminal statuses are
// final; a Status read after Done() closes never changes again.
type Status struct {
	ID        uuid.UUID                 `json:"id"`
	Workflow  string                    `json:"workflow"`
	Overall   datatypes.ExecutionStatus `json:"overall_status"`
	Steps     []datatypes.StepResult    `json:"steps"`
	Warnings  []string                  `json:"warnings,omitempty"`
	Failure   string                    `json:"failure,omitempty"`
	StartedAt time.Time                 `json:"started_at"`
	EndedAt   time.Time                 `json:"ended_at,omitzero"`
}

// FinalOutput returns the output of the last declared step that completed.
// Declaration order puts every step after its ancestors, so for a linear
// workflow this is the terminal step's output.
func (s Status) FinalOutput() map[string]any {
	for i := len(s.Steps) - 1; i >= 0; i-- {
		if s.Steps[i].Status == datatypes.StepCompleted {
			return s.Steps[i].Output
		}
	}
	return nil
}

type stepDone struct {
	id  string
	out map[string]any
	err error
}

// Execution is a single running (or finished) workflow instance.
//
// # Thread Safety
//
// Safe for concurrent use. Status, Cancel, and Wait may be called from any
// goroutine while the run loop makes progress.
type Execution struct {
	id            uuid.UUID
	wf            datatypes.Workflow
	engine        *Engine
	aud           tools.Auditor
	rootArgs      map[string]any
	correlationID uuid.UUID
	maxConcurrent int

	// Immutable step index built at launch.
	steps      map[string]datatypes.Step
	idempotent map[string]bool
	order      []string

	runCtx     context.Context
	auditCtx   context.Context
	cancelRun  context.CancelFunc
	userCancel atomic.Bool

	mu        sync.Mutex
	overall   datatypes.ExecutionStatus
	results   map[string]*datatypes.StepResult
	warnings  []string
	failure   string
	startedAt time.Time
	endedAt   time.Time

	done chan struct{}
}

func newExecution(e *Engine, wf datatypes.Workflow, spec StartSpec, runCtx context.Context, cancel context.CancelFunc, aud tools.Auditor) *Execution {
	x := &Execution{
		id:            uuid.New(),
		wf:            wf,
		engine:        e,
		aud:           aud,
		rootArgs:      spec.RootArgs,
		correlationID: spec.CorrelationID,
		maxConcurrent: wf.MaxConcurrent,
		steps:         make(map[string]datatypes.Step, len(wf.Steps)),
		idempotent:    make(map[string]bool, len(wf.Steps)),
		order:         make([]string, 0, len(wf.Steps)),
		runCtx:        runCtx,
		auditCtx:      context.WithoutCancel(runCtx),
		cancelRun:     cancel,
		overall:       datatypes.ExecutionRunning,
		results:       make(map[string]*datatypes.StepResult, len(wf.Steps)),
		startedAt:     time.Now(),
		done:          make(chan struct{}),
	}
	if x.maxConcurrent <= 0 {
		x.maxConcurrent = e.cfg.MaxConcurrent
	}
	for _, s := range wf.Steps {
		x.order = append(x.order, s.ID)
		x.steps[s.ID] = s
		x.results[s.ID] = &datatypes.StepResult{StepID: s.ID, Status: datatypes.StepPending}
		if t, err := e.registry.Lookup(s.ToolName); err == nil {
			x.idempotent[s.ID] = t.Idempotent
		}
	}
	return x
}

// ID returns the execution's unique id.
func (x *Execution) ID() uuid.UUID { return x.id }

// Workflow returns the name of the definition this execution runs.
func (x *Execution) Workflow() string { return x.wf.Name }

// Done closes when the execution reaches a terminal state.
func (x *Execution) Done() <-chan struct{} { return x.done }

// Cancel requests cooperative cancellation. Idempotent; cancelling an
// execution that already terminated has no effect.
func (x *Execution) Cancel() {
	x.userCancel.Store(true)
	x.cancelRun()
}

// Wait blocks until the execution terminates or ctx expires. On ctx expiry
// the returned Status is the in-flight snapshot, not a terminal one.
func (x *Execution) Wait(ctx context.Context) (Status, error) {
	select {
	case <-x.done:
		return x.Status(), nil
	case <-ctx.Done():
		return x.Status(), hnscerr.FromContext(ctx.Err())
	}
}

// Status snapshots the execution. Steps appear in declaration order. Step
// outputs are shared with the execution, not copied; treat them as
// read-only.
func (x *Execution) Status() Status {
	x.mu.Lock()
	defer x.mu.Unlock()
	steps := make([]datatypes.StepResult, 0, len(x.order))
	for _, id := range x.order {
		steps = append(steps, *x.results[id])
	}
	st := Status{
		ID:        x.id,
		Workflow:  x.wf.Name,
		Overall:   x.overall,
		Steps:     steps,
		Failure:   x.failure,
		StartedAt: x.startedAt,
		EndedAt:   x.endedAt,
	}
	if len(x.warnings) > 0 {
		st.Warnings = append([]string(nil), x.warnings...)
	}
	return st
}

// run drives the execution to a terminal state. Steps dispatch in
// declaration order as their ancestors settle, bounded by max_concurrent.
// Declaration order is itself topological (dependencies may only name
// earlier steps), so with a bound of one the workflow executes serially in
// declared order.
func (x *Execution) run() {
	ctx, span := tracer.Start(x.runCtx, "workflow.execute",
		trace.WithAttributes(
			attribute.String("workflow.name", x.wf.Name),
			attribute.String("workflow.execution_id", x.id.String()),
			attribute.Int("workflow.steps", len(x.order)),
		))
	defer span.End()
	defer close(x.done)
	defer x.engine.finalize(x)
	defer x.cancelRun()

	pending := make(map[string]bool, len(x.order))
	for _, id := range x.order {
		pending[id] = true
	}
	running := make(map[string]bool, x.maxConcurrent)
	retryTimers := make(map[string]*time.Timer)

	// Buffers sized so a step goroutine can always deliver its outcome,
	// even after the loop stopped reading.
	doneCh := make(chan stepDone, len(x.order))
	retryCh := make(chan string, len(x.order))

	for {
		if ctx.Err() != nil {
			origin, terminal, reason := originDeadline, datatypes.ExecutionFailed, "execution deadline exceeded"
			if x.userCancel.Load() {
				origin, terminal, reason = originUser, datatypes.ExecutionCancelled, "cancelled by caller"
			}
			x.windDown(doneCh, running, pending, retryTimers)
			cancellations.WithLabelValues(origin).Inc()
			x.finish(span, terminal, reason)
			return
		}

		for _, id := range x.order {
			if len(running) >= x.maxConcurrent {
				break
			}
			if !pending[id] || !x.depsSettled(id) {
				continue
			}
			delete(pending, id)
			running[id] = true
			x.launch(ctx, x.steps[id], doneCh)
		}

		if len(running) == 0 && len(retryTimers) == 0 {
			if len(pending) > 0 {
				// Nothing in flight and nothing dispatchable. Validation
				// rules this out; fail loudly instead of spinning.
				for id := range pending {
					x.settleCancelled(id)
				}
				x.finish(span, datatypes.ExecutionFailed, "workflow stalled: unreachable steps remain")
				return
			}
			x.finish(span, datatypes.ExecutionCompleted, "")
			return
		}

		select {
		case d := <-doneCh:
			delete(running, d.id)
			if ctx.Err() != nil {
				// The cancel signal was observed before this outcome was
				// recorded, so even a success lands as cancelled. The
				// loop top winds down the rest.
				x.settleCancelled(d.id)
				continue
			}
			if d.err == nil {
				x.settleCompleted(d.id, d.out)
				continue
			}
			step := x.steps[d.id]
			switch {
			case step.OnFailure == datatypes.FailureRetry && x.idempotent[d.id] && x.attempts(d.id) <= step.MaxRetries:
				delay := retryDelay(x.engine.cfg, x.attempts(d.id))
				id := d.id
				retryTimers[id] = time.AfterFunc(delay, func() { retryCh <- id })
				slog.Debug("step retry scheduled",
					slog.String("execution_id", x.id.String()),
					slog.String("step", id),
					slog.Int("attempt", x.attempts(id)),
					slog.Duration("delay", delay))
			case step.OnFailure == datatypes.FailureSkip:
				x.settleSkipped(d.id, d.err)
			default:
				// fail_workflow, exhausted retries, or retry requested on
				// a non-idempotent tool.
				x.settleFailed(d.id, d.err)
				x.cancelRun()
				x.windDown(doneCh, running, pending, retryTimers)
				cancellations.WithLabelValues(originAbort).Inc()
				x.finish(span, datatypes.ExecutionFailed, "")
				return
			}
		case id := <-retryCh:
			delete(retryTimers, id)
			pending[id] = true
		case <-ctx.Done():
		}
	}
}

// launch marks the step running and starts its handler goroutine. The
// running timestamp is recorded here, on the loop goroutine, after every
// ancestor already settled; that ordering makes ancestor end times never
// exceed descendant start times.
func (x *Execution) launch(ctx context.Context, step datatypes.Step, doneCh chan<- stepDone) {
	now := time.Now()
	x.mu.Lock()
	r := x.results[step.ID]
	if r.Status == datatypes.StepPending {
		r.Status = datatypes.StepRunning
		r.StartedAt = now
	}
	r.Attempts++
	attempt := r.Attempts
	x.mu.Unlock()

	slog.Debug("step dispatched",
		slog.String("execution_id", x.id.String()),
		slog.String("step", step.ID),
		slog.String("tool", step.ToolName),
		slog.Int("attempt", attempt))

	go func() {
		out, err := x.invokeStep(ctx, step, attempt)
		doneCh <- stepDone{id: step.ID, out: out, err: err}
	}()
}

// invokeStep resolves the step's args against ancestor outputs and runs the
// tool. Waiting for a global slot counts against the step's own timeout.
func (x *Execution) invokeStep(ctx context.Context, step datatypes.Step, attempt int) (map[string]any, error) {
	ctx, span := tracer.Start(ctx, "workflow.step",
		trace.WithAttributes(
			attribute.String("workflow.name", x.wf.Name),
			attribute.String("workflow.step", step.ID),
			attribute.String("tool.name", step.ToolName),
			attribute.Int("workflow.attempt", attempt),
		))
	defer span.End()

	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	if sem := x.engine.slots; sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, hnscerr.FromContext(err)
		}
		defer sem.Release(1)
	}

	args := x.resolveArgs(step)
	validated, err := x.engine.registry.Validate(step.ToolName, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	res, err := x.engine.invoker.Execute(ctx, tools.Call{
		Args:          validated,
		IssuedBy:      "workflow:" + x.wf.Name + "/" + step.ID,
		CorrelationID: x.correlationID,
	}, x.aud)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return res.Output, nil
}

func (x *Execution) resolveArgs(step datatypes.Step) map[string]any {
	x.mu.Lock()
	defer x.mu.Unlock()
	return resolveTemplate(step.ArgsTemplate, x.rootArgs, func(id string) map[string]any {
		if r, ok := x.results[id]; ok {
			return r.Output
		}
		return nil
	})
}

// windDown settles every non-terminal step as cancelled. Running handlers
// get CancelGrace to return for bookkeeping; whatever outcome they report,
// a step observed after the cancel signal never lands as completed.
func (x *Execution) windDown(doneCh <-chan stepDone, running, pending map[string]bool, retryTimers map[string]*time.Timer) {
	for id, t := range retryTimers {
		t.Stop()
		x.settleCancelled(id)
		delete(retryTimers, id)
	}
	for id := range pending {
		x.settleCancelled(id)
		delete(pending, id)
	}
	if len(running) == 0 {
		return
	}
	grace := time.NewTimer(x.engine.cfg.CancelGrace)
	defer grace.Stop()
	for len(running) > 0 {
		select {
		case d := <-doneCh:
			delete(running, d.id)
			x.settleCancelled(d.id)
		case <-grace.C:
			for id := range running {
				x.settleCancelled(id)
				delete(running, id)
			}
		}
	}
}

func (x *Execution) settleCompleted(id string, out map[string]any) {
	r, ok := x.settle(id, datatypes.StepCompleted, out, "")
	if !ok {
		return
	}
	slog.Info("step completed",
		slog.String("execution_id", x.id.String()),
		slog.String("step", id),
		slog.Duration("duration", r.EndedAt.Sub(r.StartedAt)))
	x.observe(r)
}

func (x *Execution) settleSkipped(id string, cause error) {
	r, ok := x.settle(id, datatypes.StepSkipped, nil, cause.Error())
	if !ok {
		return
	}
	x.mu.Lock()
	x.warnings = append(x.warnings, fmt.Sprintf("step %s skipped: %v", id, cause))
	x.mu.Unlock()
	slog.Warn("step skipped",
		slog.String("execution_id", x.id.String()),
		slog.String("step", id),
		slog.String("error", cause.Error()))
	x.observe(r)
}

func (x *Execution) settleFailed(id string, cause error) {
	r, ok := x.settle(id, datatypes.StepFailed, nil, cause.Error())
	if !ok {
		return
	}
	x.mu.Lock()
	if x.failure == "" {
		x.failure = fmt.Sprintf("step %s failed: %v", id, cause)
	}
	x.mu.Unlock()
	slog.Error("step failed",
		slog.String("execution_id", x.id.String()),
		slog.String("step", id),
		slog.Int("attempts", r.Attempts),
		slog.String("error", cause.Error()))
	x.observe(r)
}

func (x *Execution) settleCancelled(id string) {
	r, ok := x.settle(id, datatypes.StepCancelled, nil, "")
	if !ok {
		return
	}
	x.observe(r)
}

// settle records a terminal step state. Transitions are monotone: a step
// already terminal keeps its first outcome, and the caller must not report
// it again.
func (x *Execution) settle(id string, status datatypes.StepStatus, out map[string]any, errMsg string) (datatypes.StepResult, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	r := x.results[id]
	if r.Status.Terminal() {
		return *r, false
	}
	r.Status = status
	r.Output = out
	r.Error = errMsg
	r.EndedAt = time.Now()
	return *r, true
}

func (x *Execution) observe(r datatypes.StepResult) {
	var dur time.Duration
	if !r.StartedAt.IsZero() {
		dur = r.EndedAt.Sub(r.StartedAt)
	}
	stepDuration.WithLabelValues(x.wf.Name, string(r.Status)).Observe(dur.Seconds())
	_, _ = x.aud.Append(x.auditCtx, "workflow.step_completed", map[string]any{
		"execution_id": x.id.String(),
		"workflow":     x.wf.Name,
		"step":         r.StepID,
		"status":       string(r.Status),
		"attempts":     r.Attempts,
		"duration_ms":  dur.Milliseconds(),
	})
}

func (x *Execution) finish(span trace.Span, terminal datatypes.ExecutionStatus, reason string) {
	x.mu.Lock()
	x.overall = terminal
	if reason != "" && x.failure == "" {
		x.failure = reason
	}
	x.endedAt = time.Now()
	failure := x.failure
	warnings := len(x.warnings)
	duration := x.endedAt.Sub(x.startedAt)
	x.mu.Unlock()

	event := "workflow.completed"
	switch terminal {
	case datatypes.ExecutionFailed:
		event = "workflow.failed"
	case datatypes.ExecutionCancelled:
		event = "workflow.cancelled"
	}
	fields := map[string]any{
		"execution_id": x.id.String(),
		"workflow":     x.wf.Name,
		"status":       string(terminal),
		"warnings":     warnings,
		"duration_ms":  duration.Milliseconds(),
	}
	if failure != "" {
		fields["failure"] = failure
	}
	_, _ = x.aud.Append(x.auditCtx, event, fields)

	if terminal == datatypes.ExecutionCompleted {
		span.SetStatus(codes.Ok, "")
		slog.Info("workflow completed",
			slog.String("execution_id", x.id.String()),
			slog.String("workflow", x.wf.Name),
			slog.Duration("duration", duration),
			slog.Int("warnings", warnings))
		return
	}
	span.SetStatus(codes.Error, failure)
	slog.Error("workflow "+string(terminal),
		slog.String("execution_id", x.id.String()),
		slog.String("workflow", x.wf.Name),
		slog.String("failure", failure),
		slog.Duration("duration", duration))
}

func (x *Execution) depsSettled(id string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, dep := range x.steps[id].DependsOn {
		switch x.results[dep].Status {
		case datatypes.StepCompleted, datatypes.StepSkipped:
		default:
			return false
		}
	}
	return true
}

func (x *Execution) attempts(id string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.results[id].Attempts
}

// retryDelay doubles the base once per completed attempt, capped. The
// first retry waits the base itself.
func retryDelay(cfg Config, attempts int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempts; i++ {
		if d >= cfg.RetryCap/2 {
			return cfg.RetryCap
		}
		d *= 2
	}
	if d > cfg.RetryCap {
		return cfg.RetryCap
	}
	return d
}
