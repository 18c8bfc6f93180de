// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package driver runs the two-pass generation pipeline for a generate
// disposition: retrieve grounding context, draft an answer under the
// reasoner system prompt, rewrite it under the critic system prompt, and
// arbitrate between the two candidates. It also keeps the rolling usage
// history behind the token budget forecaster.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/hnsc/services/hnsc/arbiter"
	"github.com/AleutianAI/hnsc/services/hnsc/datatypes"
	"github.com/AleutianAI/hnsc/services/llm"
)

var tracer = otel.Tracer("hnsc.driver")

var (
	generationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hnsc",
		Subsystem: "driver",
		Name:      "generation_seconds",
		Help:      "Latency of one generator pass.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"pass"})

	tokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hnsc",
		Subsystem: "driver",
		Name:      "tokens_total",
		Help:      "Tokens exchanged with the generator, by direction.",
	}, []string{"direction"})

	contextDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hnsc",
		Subsystem: "driver",
		Name:      "context_drops_total",
		Help:      "Retrieved documents dropped to keep the usage forecast under budget.",
	})
)

// charsPerToken matches the retrieval package's budget accounting so both
// sides of the context hand-off estimate the same way.
const charsPerToken = 4

// ContextRetriever supplies grounding passages. *retrieval.Retriever
// satisfies it; advisory failures arrive as a Warning, never an error.
type ContextRetriever interface {
	Retrieve(ctx context.Context, req datatypes.RetrievalRequest) datatypes.RetrievalResult
}

// Arbitrator reconciles the two candidates. *arbiter.Arbiter satisfies it.
type Arbitrator interface {
	Arbitrate(ctx context.Context, a, b arbiter.Candidate) arbiter.Decision
}

// Auditor records pipeline events for one request. *audit.Handle satisfies
// it.
type Auditor interface {
	Append(ctx context.Context, category string, fields map[string]any) (int64, error)
}

// Config tunes the two passes and the per-request token budget.
type Config struct {
	ReasonerPrompt      string  `yaml:"reasoner_prompt"`
	CriticPrompt        string  `yaml:"critic_prompt"`
	ReasonerTemperature float32 `yaml:"reasoner_temperature" validate:"gte=0,lte=2"`
	CriticTemperature   float32 `yaml:"critic_temperature" validate:"gte=0,lte=2"`

	// MaxTokens caps one pass's completion. Zero leaves the cap to the
	// upstream default.
	MaxTokens int `yaml:"max_tokens" validate:"gte=0"`

	// TokenBudget is the per-request budget the forecaster projects
	// against (input plus output, both passes).
	TokenBudget int `yaml:"token_budget" validate:"gt=0"`

	// ForecastMargin inflates the projection to absorb estimation error.
	ForecastMargin float64 `yaml:"forecast_margin" validate:"gte=0,lte=0.5"`

	// RetrievalModes lists the request modes that ground generation with
	// retrieved context. Other modes generate from the prompt alone.
	RetrievalModes []datatypes.Mode `yaml:"retrieval_modes"`
}

// DefaultConfig returns the production defaults: a warm reasoner, a cold
// critic, and retrieval for the conversational surfaces.
func DefaultConfig() Config {
	return Config{
		ReasonerPrompt: "You are the reasoner. Answer the operator's question " +
			"directly and precisely, using the provided context where it applies.",
		CriticPrompt: "You are the critic. You receive an operator question and a " +
			"proposed answer. Correct any errors or omissions and produce the best " +
			"final answer.",
		ReasonerTemperature: 0.7,
		CriticTemperature:   0.2,
		MaxTokens:           1024,
		TokenBudget:         8192,
		ForecastMargin:      0.15,
		RetrievalModes: []datatypes.Mode{
			datatypes.ModeAuto, datatypes.ModeConcierge, datatypes.ModeGeneral,
		},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ReasonerPrompt) == "" {
		return errors.New("driver: reasoner_prompt must not be empty")
	}
	if strings.TrimSpace(c.CriticPrompt) == "" {
		return errors.New("driver: critic_prompt must not be empty")
	}
	if c.ReasonerTemperature < 0 || c.ReasonerTemperature > 2 {
		return errors.New("driver: reasoner_temperature must be within [0, 2]")
	}
	if c.CriticTemperature < 0 || c.CriticTemperature > 2 {
		return errors.New("driver: critic_temperature must be within [0, 2]")
	}
	if c.MaxTokens < 0 {
		return errors.New("driver: max_tokens must not be negative")
	}
	if c.TokenBudget <= 0 {
		return errors.New("driver: token_budget must be positive")
	}
	if c.ForecastMargin < 0 || c.ForecastMargin > maxForecastMargin {
		return errors.New("driver: forecast_margin must be within [0, 0.5]")
	}
	for _, m := range c.RetrievalModes {
		if !m.Valid() {
			return fmt.Errorf("driver: retrieval mode %q is not defined", m)
		}
	}
	return nil
}

// Input is one generate disposition handed down by the controller. Hints
// are the router's scored alternatives, already reduced to display strings.
type Input struct {
	Query string
	Mode  datatypes.Mode
	Hints []string
}

// Usage is the token accounting for one request, both passes summed.
type Usage struct {
	TokensIn  int `json:"tokens_in"`
	TokensOut int `json:"tokens_out"`
}

// Result carries the arbitrated answer and the accounting behind it.
// Context reflects what the reasoner actually saw: documents dropped by the
// budget forecast are removed and Truncated is set.
type Result struct {
	Decision arbiter.Decision
	Context  datatypes.RetrievalResult
	Usage    Usage

	ReasonerLatency time.Duration
	CriticLatency   time.Duration

	Warnings []string
}

// Driver owns the generator client, the optional retriever, and the usage
// ring. Safe for concurrent use.
type Driver struct {
	cfg       Config
	gen       llm.Client
	arb       Arbitrator
	retriever ContextRetriever
	history   *usageRing
	logger    *slog.Logger

	retrievalModes map[datatypes.Mode]bool
}

// Option configures optional collaborators.
type Option func(*Driver)

// WithRetriever attaches the grounding retriever. Without one, every mode
// generates from the prompt alone.
func WithRetriever(r ContextRetriever) Option {
	return func(d *Driver) { d.retriever = r }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) { d.logger = logger }
}

// New builds a driver over the generator and arbitrator.
func New(cfg Config, gen llm.Client, arb Arbitrator, opts ...Option) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if gen == nil {
		return nil, errors.New("driver: generator must not be nil")
	}
	if arb == nil {
		return nil, errors.New("driver: arbitrator must not be nil")
	}

	d := &Driver{
		cfg:            cfg,
		gen:            gen,
		arb:            arb,
		history:        &usageRing{},
		logger:         slog.Default(),
		retrievalModes: make(map[datatypes.Mode]bool, len(cfg.RetrievalModes)),
	}
	for _, m := range cfg.RetrievalModes {
		d.retrievalModes[m] = true
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Generate runs the full pipeline for one request.
//
// # Description
//
// Retrieves context when the mode allows it, trims that context until the
// usage forecast fits the budget, drafts under the reasoner prompt, rewrites
// under the critic prompt with the draft as input, and arbitrates. Retrieval
// failures are advisory: the pipeline proceeds without context, appends a
// retrieval.failed audit event, and surfaces a warning. A failed generator
// pass fails the request; a draft that never met the critic is not served.
func (d *Driver) Generate(ctx context.Context, in Input, aud Auditor) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Generate",
		trace.WithAttributes(attribute.String("driver.mode", string(in.Mode))),
	)
	defer span.End()

	res := &Result{Context: datatypes.RetrievalResult{Documents: []datatypes.Document{}}}
	d.ground(ctx, in, res, aud)

	docs := res.Context.Documents
	userA := reasonerInput(in.Query, in.Hints, docs)
	fc := d.ForecastUsage(d.reasonerTokens(userA), d.cfg.ForecastMargin)
	for fc.Exceeds && len(docs) > 0 {
		docs = docs[:len(docs)-1]
		contextDrops.Inc()
		userA = reasonerInput(in.Query, in.Hints, docs)
		fc = d.ForecastUsage(d.reasonerTokens(userA), d.cfg.ForecastMargin)
	}
	if dropped := len(res.Context.Documents) - len(docs); dropped > 0 {
		res.Context.Documents = docs
		res.Context.Truncated = true
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("dropped %d context documents to fit the token budget", dropped))
	}
	if fc.Exceeds {
		// The operator's own text cannot be shortened here.
		d.logger.Warn("projected usage exceeds budget with no context left to drop",
			slog.Int("projected", fc.ProjectedTotal),
			slog.Int("budget", fc.Budget))
		res.Warnings = append(res.Warnings, "projected token usage exceeds the per-request budget")
	}

	startA := time.Now()
	draft, err := d.gen.Generate(ctx, llm.Prompt{System: d.cfg.ReasonerPrompt, User: userA},
		d.params(d.cfg.ReasonerTemperature))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reasoner pass failed")
		return nil, err
	}
	res.ReasonerLatency = time.Since(startA)
	recordPass("reasoner", res.ReasonerLatency, draft.TokensIn, draft.TokensOut)

	startB := time.Now()
	review, err := d.gen.Generate(ctx,
		llm.Prompt{System: d.cfg.CriticPrompt, User: criticInput(in.Query, draft.Text)},
		d.params(d.cfg.CriticTemperature))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "critic pass failed")
		return nil, err
	}
	res.CriticLatency = time.Since(startB)
	recordPass("critic", res.CriticLatency, review.TokensIn, review.TokensOut)

	res.Usage = Usage{
		TokensIn:  draft.TokensIn + review.TokensIn,
		TokensOut: draft.TokensOut + review.TokensOut,
	}
	d.history.push(res.Usage)

	res.Decision = d.arb.Arbitrate(ctx,
		arbiter.Candidate{Source: "reasoner", Text: draft.Text},
		arbiter.Candidate{Source: "critic", Text: review.Text},
	)

	span.SetAttributes(
		attribute.Int("driver.context_documents", len(docs)),
		attribute.Bool("driver.consensus", res.Decision.Consensus),
		attribute.String("driver.chosen", string(res.Decision.Chosen)),
		attribute.Int("driver.tokens_in", res.Usage.TokensIn),
		attribute.Int("driver.tokens_out", res.Usage.TokensOut),
	)
	d.logger.Debug("generation arbitrated",
		slog.String("chosen", string(res.Decision.Chosen)),
		slog.Bool("consensus", res.Decision.Consensus),
		slog.Int("tokens_in", res.Usage.TokensIn),
		slog.Int("tokens_out", res.Usage.TokensOut),
		slog.Duration("reasoner_latency", res.ReasonerLatency),
		slog.Duration("critic_latency", res.CriticLatency))
	return res, nil
}

// ground fills res.Context for modes that use retrieval. Degraded results
// audit retrieval.failed and warn; they never fail the request.
func (d *Driver) ground(ctx context.Context, in Input, res *Result, aud Auditor) {
	if d.retriever == nil || !d.retrievalModes[in.Mode] {
		return
	}

	res.Context = d.retriever.Retrieve(ctx, datatypes.RetrievalRequest{Query: in.Query})
	if res.Context.Documents == nil {
		res.Context.Documents = []datatypes.Document{}
	}
	if res.Context.Warning != "" {
		d.logger.Warn("retrieval degraded, generating without context",
			slog.String("warning", res.Context.Warning))
		if aud != nil {
			if _, err := aud.Append(ctx, "retrieval.failed",
				map[string]any{"warning": res.Context.Warning}); err != nil {
				d.logger.Error("audit append failed",
					slog.String("category", "retrieval.failed"),
					slog.String("error", err.Error()))
			}
		}
		res.Warnings = append(res.Warnings, "retrieval degraded: "+res.Context.Warning)
	}
	if res.Context.Truncated {
		res.Warnings = append(res.Warnings, "retrieval context truncated to budget")
	}
}

// History returns the usage samples oldest-first, at most the ring size.
func (d *Driver) History() []Usage {
	return d.history.snapshot()
}

func (d *Driver) params(temperature float32) llm.GenerationParams {
	p := llm.GenerationParams{Temperature: &temperature}
	if d.cfg.MaxTokens > 0 {
		maxTokens := d.cfg.MaxTokens
		p.MaxTokens = &maxTokens
	}
	return p
}

func (d *Driver) reasonerTokens(user string) int {
	return estimateTokens(d.cfg.ReasonerPrompt) + estimateTokens(user)
}

func recordPass(pass string, latency time.Duration, tokensIn, tokensOut int) {
	generationSeconds.WithLabelValues(pass).Observe(latency.Seconds())
	tokensTotal.WithLabelValues("in").Add(float64(tokensIn))
	tokensTotal.WithLabelValues("out").Add(float64(tokensOut))
}

// reasonerInput lays out the pass-a user content: context block, router
// hints, then the operator's question.
func reasonerInput(query string, hints []string, docs []datatypes.Document) string {
	var b strings.Builder
	if len(docs) > 0 {
		b.WriteString("Context:\n")
		for _, doc := range docs {
			b.WriteString("- ")
			b.WriteString(doc.Text)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	if len(hints) > 0 {
		b.WriteString("Possibly relevant operations: ")
		b.WriteString(strings.Join(hints, ", "))
		b.WriteString("\n\n")
	}
	b.WriteString(query)
	return b.String()
}

// criticInput lays out the pass-b user content: the question and the draft
// it must judge.
func criticInput(query, draft string) string {
	return "Question:\n" + query + "\n\nProposed answer:\n" + draft
}

func estimateTokens(text string) int {
	return len(text) / charsPerToken
}
