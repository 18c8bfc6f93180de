// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hnsc assembles the control-plane components into one request
// pipeline. A submitted request is admitted by the rate limiter, redacted
// for logging, screened by the safety gate, classified by the symbolic
// router, and then served on exactly one of three paths: a direct tool
// call priced by the policy gateway and run through the executor, a
// workflow execution bounded by the request deadline, or a dual-model
// generation pass. Every terminal outcome, success or failure, is sealed
// with a single request.completed event on the governance audit stream.
//
// The package is transport-agnostic. The HTTP server and the CLI sit on
// top of Service; nothing here parses wire formats or owns sockets.
package hnsc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/hnsc/services/hnsc/arbiter"
	"github.com/AleutianAI/hnsc/services/hnsc/audit"
	"github.com/AleutianAI/hnsc/services/hnsc/breaker"
	"github.com/AleutianAI/hnsc/services/hnsc/config"
	"github.com/AleutianAI/hnsc/services/hnsc/datatypes"
	"github.com/AleutianAI/hnsc/services/hnsc/driver"
	"github.com/AleutianAI/hnsc/services/hnsc/hnscerr"
	"github.com/AleutianAI/hnsc/services/hnsc/policy"
	"github.com/AleutianAI/hnsc/services/hnsc/ratelimit"
	"github.com/AleutianAI/hnsc/services/hnsc/redact"
	"github.com/AleutianAI/hnsc/services/hnsc/retrieval"
	"github.com/AleutianAI/hnsc/services/hnsc/router"
	"github.com/AleutianAI/hnsc/services/hnsc/safety"
	"github.com/AleutianAI/hnsc/services/hnsc/tools"
	"github.com/AleutianAI/hnsc/services/hnsc/workflow"
	"github.com/AleutianAI/hnsc/services/llm"
)

var tracer = otel.Tracer("hnsc.controller")

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hnsc",
		Subsystem: "controller",
		Name:      "requests_total",
		Help:      "Terminal dispositions served, by response kind.",
	}, []string{"kind"})

	requestSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hnsc",
		Subsystem: "controller",
		Name:      "request_seconds",
		Help:      "End-to-end request latency, admission to terminal event.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})
)

// The three audit streams the pipeline writes. Request lifecycle and policy
// verdicts go to governance, tool and workflow mechanics to tool_invocation,
// and policy version switches to policy_change.
const (
	streamGovernance     = "governance"
	streamToolInvocation = "tool_invocation"
	streamPolicyChange   = "policy_change"
)

// approvalRiskThreshold is the priced risk at which a write-class tool call
// needs an out-of-band approval token. Irreversible tools need one at any
// risk; the safety gate enforces that before pricing. With the baseline
// policy document this puts restart_service over the line in production
// (0.6 base + 0.2 env modifier) but not in development.
const approvalRiskThreshold = 0.7

// rateBucket is the admission bucket every submission draws from.
const rateBucket = "requests"

// Deps are the externally owned collaborators. Everything else the pipeline
// needs is built by New from configuration.
type Deps struct {
	// Logger receives pipeline logs. Nil selects slog.Default().
	Logger *slog.Logger

	// Generator is the LLM backend behind the dual-model driver.
	Generator llm.Client

	// Embedder produces query vectors for retrieval. Required when Search
	// is set. Generator backends usually satisfy it too.
	Embedder llm.Embedder

	// Search is the vector store behind the retriever. Nil disables
	// retrieval grounding; generate dispositions then run from the prompt
	// alone.
	Search retrieval.SearchClient

	// Registry holds the deployment's tools with their handlers. New
	// seals it; no tool can be added once the controller is built.
	Registry *tools.Registry

	// Records persists workflow executions across restarts. Nil keeps
	// terminal executions in memory only. The caller owns the store's
	// lifetime.
	Records *workflow.Store
}

// Service is the assembled control plane. One Service serves any number of
// concurrent requests; all mutable state lives in the components, each of
// which is safe for concurrent use.
type Service struct {
	cfg    config.Config
	logger *slog.Logger
	env    string

	limiter  *ratelimit.Limiter
	filter   *redact.Filter
	gate     *safety.Gate
	router   *router.Router
	registry *tools.Registry
	executor *tools.Executor
	engine   *workflow.Engine
	driver   *driver.Driver
	policy   *policy.Gateway
	sink     *audit.Sink
}

// New validates the configuration and builds the component graph in
// dependency order: redaction filter, safety gate, limiter, breakers,
// executor, arbiter, retriever, driver, router, workflow engine, and last
// the audit sink and policy gateway, which hold open resources. The tool
// registry is sealed here; the router and the workflow definitions are
// validated against it, so a rule or step naming an unregistered tool
// fails construction instead of a live request.
func New(cfg config.Config, deps Deps) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Generator == nil {
		return nil, errors.New("hnsc: generator must not be nil")
	}
	if deps.Registry == nil {
		return nil, errors.New("hnsc: tool registry must not be nil")
	}
	if deps.Search != nil && deps.Embedder == nil {
		return nil, errors.New("hnsc: a search client requires an embedder")
	}
	for _, name := range []string{streamGovernance, streamToolInvocation, streamPolicyChange} {
		if !slices.Contains(cfg.Audit.Streams, name) {
			return nil, fmt.Errorf("hnsc: audit.streams must include %q", name)
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	filter, err := redact.New(cfg.Redact)
	if err != nil {
		return nil, err
	}
	gate, err := safety.New(cfg.Safety, filter)
	if err != nil {
		return nil, err
	}
	limiter, err := ratelimit.New(cfg.RateLimit)
	if err != nil {
		return nil, err
	}

	deps.Registry.Seal()
	breakers := breaker.NewRegistry(cfg.Breaker)
	executor := tools.NewExecutor(deps.Registry, breakers, cfg.Tools)

	arb, err := arbiter.New(cfg.Arbitration, gate, filter)
	if err != nil {
		return nil, err
	}

	drvOpts := []driver.Option{driver.WithLogger(logger)}
	if deps.Search != nil && cfg.Retrieval.Enabled {
		expCfg := cfg.Retrieval.Expansion
		expCfg.Enabled = expCfg.Enabled && cfg.Retrieval.QueryExpansion
		retriever := retrieval.New(cfg.Retrieval.Config, deps.Embedder, deps.Search,
			retrieval.WithExpansion(expCfg),
			retrieval.WithLogger(logger))
		drvOpts = append(drvOpts, driver.WithRetriever(retriever))
	}
	drv, err := driver.New(cfg.Driver, deps.Generator, arb, drvOpts...)
	if err != nil {
		return nil, err
	}

	rules, err := router.LoadRuleSet(cfg.Router.RulesFile)
	if err != nil {
		return nil, err
	}
	rtr, err := router.New(rules, deps.Registry)
	if err != nil {
		return nil, err
	}

	engine, err := workflow.NewEngine(deps.Registry, executor, deps.Records, cfg.Workflow.Config)
	if err != nil {
		return nil, err
	}
	defs, err := workflow.LoadDefinitions(cfg.Workflow.DefinitionsFile)
	if err != nil {
		return nil, err
	}
	for _, wf := range defs {
		if err := engine.Define(wf); err != nil {
			return nil, fmt.Errorf("workflow %q: %w", wf.Name, err)
		}
	}

	auditCfg := cfg.Audit
	auditCfg.Logger = logger
	sink, err := audit.NewSink(auditCfg)
	if err != nil {
		return nil, err
	}

	gateway, err := policy.New(cfg.Policy,
		policy.WithLogger(logger),
		policy.WithAuditor(sink.ForRequest(streamPolicyChange, "system", "")))
	if err != nil {
		sink.Close()
		return nil, err
	}
	if cfg.Policy.Dir != "" {
		if err := gateway.Watch(); err != nil {
			gateway.Close()
			sink.Close()
			return nil, err
		}
	}

	s := &Service{
		cfg:      cfg,
		logger:   logger,
		env:      cfg.Observability.Environment,
		limiter:  limiter,
		filter:   filter,
		gate:     gate,
		router:   rtr,
		registry: deps.Registry,
		executor: executor,
		engine:   engine,
		driver:   drv,
		policy:   gateway,
		sink:     sink,
	}
	logger.Info("controller assembled",
		slog.Int("tools", deps.Registry.Len()),
		slog.Int("workflows", len(engine.Names())),
		slog.Int("routing_rules", rules.Len()),
		slog.String("policy_version", gateway.Active().Version()),
		slog.String("environment", s.env),
		slog.Bool("retrieval", deps.Search != nil && cfg.Retrieval.Enabled))
	return s, nil
}

// Submit runs one request through the pipeline and returns its terminal
// outcome. Failures surface as error-kind responses carrying the taxonomy
// envelope; Submit itself never returns an error.
//
// The request deadline, when set, bounds every stage including workflow
// completion waits. A workflow still winding down when the deadline lands
// is returned as a running handle; its final state stays reachable through
// WorkflowStatus.
func (s *Service) Submit(ctx context.Context, req datatypes.Request) datatypes.Response {
	start := time.Now()
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = start
	}
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	ctx, span := tracer.Start(ctx, "controller.submit", trace.WithAttributes(
		attribute.String("request.id", req.ID.String()),
		attribute.String("request.mode", string(req.Mode)),
	))
	defer span.End()

	aud := s.sink.ForRequest(streamGovernance, req.ActorID, req.ID.String())
	resp := s.serve(ctx, req, aud)
	s.seal(ctx, span, req, resp, start, aud)
	return resp
}

// serve runs admission through egress and produces the response. Terminal
// bookkeeping stays in Submit so every return path below is sealed exactly
// once.
func (s *Service) serve(ctx context.Context, req datatypes.Request, aud *audit.Handle) datatypes.Response {
	admitted, retryAfter := s.limiter.Allow(req.ActorID, rateBucket, 1)
	if !admitted {
		return datatypes.ErrorResponse(req.ID, hnscerr.RateLimited(retryAfter))
	}
	if req.ActorID == "" {
		return datatypes.ErrorResponse(req.ID, hnscerr.SchemaError("actor_id must not be empty"))
	}
	if !req.Mode.Valid() {
		return datatypes.ErrorResponse(req.ID,
			hnscerr.SchemaError(fmt.Sprintf("mode %q is not defined", req.Mode)))
	}

	// Policy pricing for this request stays on the snapshot taken here;
	// a version switch mid-flight applies to later requests only.
	snap := s.policy.Active()

	// Logging sees the redacted text. Routing and the gate work on the
	// original: masking before classification would hide exactly the
	// spans the ingress rules exist to catch.
	s.logger.Info("request admitted",
		slog.String("request_id", req.ID.String()),
		slog.String("actor_id", req.ActorID),
		slog.String("mode", string(req.Mode)),
		slog.String("text", s.filter.Redact(req.Text, s.gate.Profile())))

	if err := s.gate.CheckIngress(ctx, req, aud); err != nil {
		return datatypes.ErrorResponse(req.ID, err)
	}

	decision, err := s.router.Route(ctx, req)
	if err != nil {
		return datatypes.ErrorResponse(req.ID, err)
	}

	switch decision.Kind {
	case router.DispositionTool:
		return s.serveTool(ctx, req, snap, decision, aud)
	case router.DispositionWorkflow:
		return s.serveWorkflow(ctx, req, decision, aud)
	default:
		return s.serveGenerate(ctx, req, decision, aud)
	}
}

// serveTool runs a direct tool disposition: schema validation, the pre-tool
// safety check, policy pricing, the approval rule, then execution through
// the per-tool breaker and the egress check on the output.
func (s *Service) serveTool(ctx context.Context, req datatypes.Request, snap *policy.Snapshot, d router.Decision, aud *audit.Handle) datatypes.Response {
	validated, err := s.registry.Validate(d.Tool, d.Args)
	if err != nil {
		return datatypes.ErrorResponse(req.ID, err)
	}
	tool, err := s.registry.Lookup(d.Tool)
	if err != nil {
		return datatypes.ErrorResponse(req.ID, err)
	}

	// An irreversible tool without a token surfaces as the approval
	// outcome rather than a denial, provided policy allows the call at
	// all. Every other gate denial is final.
	needsToken := false
	if err := s.gate.CheckPreTool(ctx, req, tool, aud); err != nil {
		var he *hnscerr.Error
		if errors.As(err, &he) && he.Code == safety.ReasonApprovalMissing {
			needsToken = true
		} else {
			return datatypes.ErrorResponse(req.ID, err)
		}
	}

	dec := s.policy.Decide(ctx, snap, req.ActorID, tool.Name, s.callContext(req))
	if !dec.Allowed {
		_, _ = aud.Append(ctx, "policy.deny", map[string]any{
			"reason":         "capability_denied",
			"tool":           tool.Name,
			"risk":           dec.Risk,
			"reasons":        dec.Reasons,
			"policy_version": dec.Version,
		})
		msg := fmt.Sprintf("tool %s is not permitted for this actor", tool.Name)
		if len(dec.Reasons) > 0 {
			msg = dec.Reasons[0]
		}
		return datatypes.ErrorResponse(req.ID, hnscerr.PolicyDenied("capability_denied", msg))
	}

	if tool.SideEffect >= datatypes.SideEffectWrite &&
		dec.Risk >= approvalRiskThreshold && req.ApprovalToken == "" {
		needsToken = true
	}
	if needsToken {
		return datatypes.Response{
			Kind:      datatypes.ResponseApproval,
			RequestID: req.ID,
			Approval: &datatypes.ApprovalRequired{
				ActionID: uuid.NewString(),
				Tool:     tool.Name,
				Risk:     dec.Risk,
			},
		}
	}

	if tool.SideEffect != datatypes.SideEffectNone && !s.sink.Healthy() {
		return datatypes.ErrorResponse(req.ID, errAuditDegraded())
	}

	_, _ = aud.Append(ctx, "policy.allow", map[string]any{
		"tool":                     tool.Name,
		"risk":                     dec.Risk,
		"policy_version":           dec.Version,
		"side_effect_class":        tool.SideEffect.String(),
		"approval_token_presented": req.ApprovalToken != "",
	})

	call := tools.Call{Args: validated, IssuedBy: "router", CorrelationID: req.ID}
	result, err := s.executor.Execute(ctx, call, aud.WithStream(streamToolInvocation))
	if err != nil {
		return datatypes.ErrorResponse(req.ID, err)
	}

	payload, err := json.Marshal(result.Output)
	if err != nil {
		return datatypes.ErrorResponse(req.ID,
			hnscerr.Wrap(err, hnscerr.KindInternal, "encoding tool output"))
	}
	if err := s.gate.CheckEgress(ctx, req, string(payload), nil, aud); err != nil {
		return datatypes.ErrorResponse(req.ID, err)
	}

	return datatypes.Response{
		Kind:      datatypes.ResponseTool,
		RequestID: req.ID,
		Tool:      &datatypes.ToolResponse{Name: result.Tool, Output: result.Output},
	}
}

// serveWorkflow starts the named workflow bounded by the request deadline
// and waits for it to settle. Workflow lifecycle and step events audit to
// the tool_invocation stream under the request's correlation id.
func (s *Service) serveWorkflow(ctx context.Context, req datatypes.Request, d router.Decision, aud *audit.Handle) datatypes.Response {
	wf, ok := s.engine.Definition(d.Workflow)
	if !ok {
		return datatypes.ErrorResponse(req.ID,
			hnscerr.Newf(hnscerr.KindWorkflowInvalid, "workflow %q is not defined", d.Workflow))
	}
	if s.hasSideEffects(wf) && !s.sink.Healthy() {
		return datatypes.ErrorResponse(req.ID, errAuditDegraded())
	}

	x, err := s.engine.Start(ctx, workflow.StartSpec{
		Workflow:      wf,
		RootArgs:      d.Binding,
		Deadline:      req.Deadline,
		CorrelationID: req.ID,
		Auditor:       aud.WithStream(streamToolInvocation),
	})
	if err != nil {
		return datatypes.ErrorResponse(req.ID, err)
	}

	st, err := x.Wait(ctx)
	if err != nil {
		// The caller's clock ran out while the execution winds down
		// under its cancellation grace. The handle stays live for
		// status polling.
		return datatypes.Response{
			Kind:      datatypes.ResponseWorkflow,
			RequestID: req.ID,
			Workflow: &datatypes.WorkflowHandle{
				ExecutionID: x.ID(),
				Workflow:    x.Workflow(),
				Status:      string(st.Overall),
			},
		}
	}

	switch st.Overall {
	case datatypes.ExecutionCompleted:
		output := st.FinalOutput()
		payload, err := json.Marshal(output)
		if err != nil {
			return datatypes.ErrorResponse(req.ID,
				hnscerr.Wrap(err, hnscerr.KindInternal, "encoding workflow output"))
		}
		if err := s.gate.CheckEgress(ctx, req, string(payload), nil, aud); err != nil {
			return datatypes.ErrorResponse(req.ID, err)
		}
		return datatypes.Response{
			Kind:      datatypes.ResponseWorkflow,
			RequestID: req.ID,
			Workflow: &datatypes.WorkflowHandle{
				ExecutionID: x.ID(),
				Workflow:    x.Workflow(),
				Status:      string(st.Overall),
				Output:      output,
			},
			Warnings: st.Warnings,
		}
	case datatypes.ExecutionCancelled:
		kind := hnscerr.KindCancelled
		if !req.Deadline.IsZero() && !time.Now().Before(req.Deadline) {
			kind = hnscerr.KindTimeout
		}
		return datatypes.ErrorResponse(req.ID,
			hnscerr.Newf(kind, "workflow %s cancelled (execution %s)", x.Workflow(), x.ID()))
	default:
		return datatypes.ErrorResponse(req.ID,
			hnscerr.Newf(hnscerr.KindInternal, "workflow %s failed (execution %s): %s",
				x.Workflow(), x.ID(), st.Failure))
	}
}

// serveGenerate hands the request to the dual-model driver with the
// router's scored alternatives as hints and runs the arbitrated text
// through the egress check.
func (s *Service) serveGenerate(ctx context.Context, req datatypes.Request, d router.Decision, aud *audit.Handle) datatypes.Response {
	in := driver.Input{Query: req.Text, Mode: req.Mode, Hints: hintStrings(d.Hints)}
	res, err := s.driver.Generate(ctx, in, aud)
	if err != nil {
		return datatypes.ErrorResponse(req.ID, err)
	}
	if err := s.gate.CheckEgress(ctx, req, res.Decision.Text, res.Decision.Tags, aud); err != nil {
		return datatypes.ErrorResponse(req.ID, err)
	}
	return datatypes.Response{
		Kind:      datatypes.ResponseText,
		RequestID: req.ID,
		Text:      res.Decision.Text,
		Warnings:  res.Warnings,
	}
}

// seal emits the single terminal audit event and the request metrics. The
// append runs on a detached context so a request that died on its deadline
// still lands its terminal event.
func (s *Service) seal(ctx context.Context, span trace.Span, req datatypes.Request, resp datatypes.Response, start time.Time, aud *audit.Handle) {
	elapsed := time.Since(start)
	fields := map[string]any{
		"kind":        string(resp.Kind),
		"mode":        string(req.Mode),
		"duration_ms": elapsed.Milliseconds(),
	}
	switch resp.Kind {
	case datatypes.ResponseTool:
		fields["tool"] = resp.Tool.Name
	case datatypes.ResponseWorkflow:
		fields["workflow"] = resp.Workflow.Workflow
		fields["execution_id"] = resp.Workflow.ExecutionID.String()
		fields["status"] = resp.Workflow.Status
	case datatypes.ResponseApproval:
		fields["tool"] = resp.Approval.Tool
		fields["action_id"] = resp.Approval.ActionID
	case datatypes.ResponseError:
		fields["error_kind"] = string(resp.Error.Kind)
		fields["error_code"] = resp.Error.Code
	}
	if len(resp.Warnings) > 0 {
		fields["warnings"] = len(resp.Warnings)
	}

	if _, err := aud.Append(context.WithoutCancel(ctx), "request.completed", fields); err != nil {
		s.logger.Error("terminal audit append failed",
			slog.String("request_id", req.ID.String()),
			slog.String("error", err.Error()))
	}

	requestsTotal.WithLabelValues(string(resp.Kind)).Inc()
	requestSeconds.WithLabelValues(string(resp.Kind)).Observe(elapsed.Seconds())
	span.SetAttributes(attribute.String("response.kind", string(resp.Kind)))
	if resp.Kind == datatypes.ResponseError {
		span.SetStatus(codes.Error, resp.Error.Code)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	s.logger.Info("request completed",
		slog.String("request_id", req.ID.String()),
		slog.String("kind", string(resp.Kind)),
		slog.Duration("duration", elapsed))
}

// WorkflowStatus reports a workflow execution by id, falling back to the
// record store for executions that already left memory.
func (s *Service) WorkflowStatus(ctx context.Context, id uuid.UUID) (workflow.Status, error) {
	return s.engine.Status(ctx, id)
}

// CancelWorkflow requests cooperative cancellation of a live execution.
func (s *Service) CancelWorkflow(ctx context.Context, id uuid.UUID) error {
	return s.engine.Cancel(ctx, id)
}

// Tools lists the registered tool descriptors, sorted by name.
func (s *Service) Tools() []datatypes.Tool { return s.registry.Tools() }

// ModeTools lists the tools reachable from a mode, for surface adverts.
func (s *Service) ModeTools(mode datatypes.Mode) []datatypes.Tool {
	all := s.registry.Tools()
	out := make([]datatypes.Tool, 0, len(all))
	for _, t := range all {
		if s.gate.ModeAllows(mode, t) {
			out = append(out, t)
		}
	}
	return out
}

// Healthy reports whether the audit chain is accepting writes. While false
// the pipeline refuses side-effectful dispositions.
func (s *Service) Healthy() bool { return s.sink.Healthy() }

// Close winds down the controller: live workflow executions are cancelled
// and waited for within ctx, the policy watcher stops, and the audit
// streams close last so wind-down events still reach the chain.
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	if err := s.engine.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.policy.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.sink.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// callContext assembles the modifier context the policy document prices
// against. Keys match the baseline document's context_modifiers.
func (s *Service) callContext(req datatypes.Request) map[string]string {
	return map[string]string{
		"env":           s.env,
		"mode":          string(req.Mode),
		"authenticated": strconv.FormatBool(req.Authenticated),
	}
}

// hasSideEffects reports whether any step of the workflow names a tool
// with a side-effect class above none. Unknown tools are caught by Start.
func (s *Service) hasSideEffects(wf datatypes.Workflow) bool {
	for _, step := range wf.Steps {
		t, err := s.registry.Lookup(step.ToolName)
		if err == nil && t.SideEffect != datatypes.SideEffectNone {
			return true
		}
	}
	return false
}

// hintStrings renders the router's scored alternatives for the reasoner
// prompt.
func hintStrings(cands []router.Candidate) []string {
	if len(cands) == 0 {
		return nil
	}
	out := make([]string, 0, len(cands))
	for _, c := range cands {
		out = append(out, fmt.Sprintf("%s %s (confidence %.2f)", c.Kind, c.Name, c.Confidence))
	}
	return out
}

// errAuditDegraded is the refusal returned for side-effectful dispositions
// while the audit chain is not accepting writes.
func errAuditDegraded() error {
	return hnscerr.New(hnscerr.KindInternal,
		"audit log is degraded; side-effectful actions are suspended").
		WithCode(string(hnscerr.KindAuditWriteError))
}
