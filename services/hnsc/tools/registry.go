// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools is the authoritative tool catalog and invocation path.
//
// Every tool the control plane can invoke is registered here exactly once at
// startup, together with the handler bound to it. Registry.Validate is the
// only way to mint a ValidatedArgs value, so arguments that reach a handler
// have always passed the registered input schema. Generators and routers may
// propose calls; the registry decides whether they are well-formed.
//
// Thread Safety:
//
//	The registry is written during startup and sealed before serving;
//	lookups after Seal are lock-free. The executor is safe for
//	concurrent use.
package tools

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/hnsc/pkg/validation"
	"github.com/AleutianAI/hnsc/services/hnsc/datatypes"
	"github.com/AleutianAI/hnsc/services/hnsc/hnscerr"
)

// Handler executes one tool invocation. Implementations must be safe for
// concurrent use, honor ctx cancellation, and return output shaped by the
// tool's output schema or a structured error.
//
// aud is the request-scoped audit appender; it is never nil.
type Handler interface {
	Invoke(ctx context.Context, args ValidatedArgs, aud Auditor) (map[string]any, error)
}

// HandlerFunc adapts a synchronous function to the Handler interface.
type HandlerFunc func(ctx context.Context, args ValidatedArgs, aud Auditor) (map[string]any, error)

// Invoke calls f.
func (f HandlerFunc) Invoke(ctx context.Context, args ValidatedArgs, aud Auditor) (map[string]any, error) {
	return f(ctx, args, aud)
}

// AsyncResult is one completion from an AsyncHandler.
type AsyncResult struct {
	Output map[string]any
	Err    error
}

// AsyncHandler adapts a handler that starts work and reports completion on
// a channel. Invoke waits for the single result or for ctx, whichever comes
// first; on cancellation the underlying work is expected to notice ctx and
// stop on its own.
type AsyncHandler func(ctx context.Context, args ValidatedArgs, aud Auditor) (<-chan AsyncResult, error)

// Invoke starts the work and waits for it.
func (f AsyncHandler) Invoke(ctx context.Context, args ValidatedArgs, aud Auditor) (map[string]any, error) {
	ch, err := f(ctx, args, aud)
	if err != nil {
		return nil, err
	}
	select {
	case res, ok := <-ch:
		if !ok {
			return nil, hnscerr.New(hnscerr.KindInternal, "async handler closed its channel without a result")
		}
		return res.Output, res.Err
	case <-ctx.Done():
		return nil, hnscerr.FromContext(ctx.Err())
	}
}

// StreamingHandler adapts a handler that emits output in fragments. Invoke
// folds the fragments into one result map in emission order, later keys
// overwriting earlier ones; the executor's output-schema check applies to
// the folded map. Emit returns an error once ctx is done so producers stop
// promptly.
type StreamingHandler func(ctx context.Context, args ValidatedArgs, aud Auditor, emit func(map[string]any) error) error

// Invoke runs the stream to completion and returns the folded output.
func (f StreamingHandler) Invoke(ctx context.Context, args ValidatedArgs, aud Auditor) (map[string]any, error) {
	out := make(map[string]any)
	emit := func(fragment map[string]any) error {
		if err := ctx.Err(); err != nil {
			return hnscerr.FromContext(err)
		}
		for k, v := range fragment {
			out[k] = v
		}
		return nil
	}
	if err := f(ctx, args, aud, emit); err != nil {
		return nil, err
	}
	return out, nil
}

// binding pairs a tool descriptor with its handler.
type binding struct {
	tool    datatypes.Tool
	handler Handler
}

// Registry is the catalog of registered tools.
//
// Registration happens once at startup and fails on duplicate names. Seal
// freezes the catalog; afterwards Register is an error and reads skip the
// lock entirely.
type Registry struct {
	mu     sync.RWMutex
	sealed atomic.Bool
	byName map[string]binding
}

// NewRegistry returns an empty, unsealed registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]binding)}
}

// Register adds a tool and its handler to the catalog.
//
// Duplicate names fail with duplicate_tool. Malformed descriptors (bad
// name, nil handler, inconsistent schema) fail with schema_error. A sealed
// registry rejects all registration.
func (r *Registry) Register(tool datatypes.Tool, handler Handler) error {
	if r.sealed.Load() {
		return hnscerr.Newf(hnscerr.KindInvariantViolation,
			"registry is sealed: cannot register %q", tool.Name)
	}
	// Names become breaker keys and metric label values.
	if err := validation.ValidateToolName(tool.Name); err != nil {
		return hnscerr.Wrap(err, hnscerr.KindSchemaError, "register tool")
	}
	if handler == nil {
		return hnscerr.Newf(hnscerr.KindSchemaError, "tool %q has no handler", tool.Name)
	}
	if tool.RiskWeight < 0 || tool.RiskWeight > 1 {
		return hnscerr.Newf(hnscerr.KindSchemaError,
			"tool %q risk_weight %v outside [0,1]", tool.Name, tool.RiskWeight)
	}
	if err := checkSchema("input_schema", tool.InputSchema); err != nil {
		return hnscerr.Wrap(err, hnscerr.KindSchemaError, "tool "+tool.Name)
	}
	if err := checkSchema("output_schema", tool.OutputSchema); err != nil {
		return hnscerr.Wrap(err, hnscerr.KindSchemaError, "tool "+tool.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[tool.Name]; exists {
		return hnscerr.Newf(hnscerr.KindDuplicateTool, "tool %q is already registered", tool.Name)
	}
	r.byName[tool.Name] = binding{tool: tool, handler: handler}
	return nil
}

// Seal freezes the catalog. Call it after startup registration, before the
// first request is served.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed.Store(true)
}

// Sealed reports whether the catalog is frozen.
func (r *Registry) Sealed() bool { return r.sealed.Load() }

// binding returns the named registration. Once sealed the map is never
// written again, so reads skip the lock.
func (r *Registry) binding(name string) (binding, bool) {
	if !r.sealed.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
		b, ok := r.byName[name]
		return b, ok
	}
	b, ok := r.byName[name]
	return b, ok
}

// Lookup returns the named tool descriptor or tool_not_found.
func (r *Registry) Lookup(name string) (datatypes.Tool, error) {
	b, ok := r.binding(name)
	if !ok {
		return datatypes.Tool{}, hnscerr.Newf(hnscerr.KindToolNotFound,
			"tool %q is not registered", name)
	}
	return b.tool, nil
}

// ScopeFilter returns every tool carrying the given scope tag, sorted by
// name. Callers receive copies of the descriptors.
func (r *Registry) ScopeFilter(tag string) []datatypes.Tool {
	var out []datatypes.Tool
	r.each(func(b binding) {
		if b.tool.HasScope(tag) {
			out = append(out, b.tool)
		}
	})
	sortTools(out)
	return out
}

// Tools returns all registered descriptors sorted by name.
func (r *Registry) Tools() []datatypes.Tool {
	out := make([]datatypes.Tool, 0, r.Len())
	r.each(func(b binding) { out = append(out, b.tool) })
	sortTools(out)
	return out
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, r.Len())
	r.each(func(b binding) { names = append(names, b.tool.Name) })
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	if !r.sealed.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return len(r.byName)
	}
	return len(r.byName)
}

func (r *Registry) each(fn func(binding)) {
	if !r.sealed.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
		for _, b := range r.byName {
			fn(b)
		}
		return
	}
	for _, b := range r.byName {
		fn(b)
	}
}

func sortTools(ts []datatypes.Tool) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].Name < ts[j].Name })
}
