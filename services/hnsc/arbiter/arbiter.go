// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/hnsc/services/hnsc/redact"
	"github.com/AleutianAI/hnsc/services/hnsc/safety"
)

var tracer = otel.Tracer("hnsc.arbiter")

var (
	decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hnsc",
		Subsystem: "arbiter",
		Name:      "decisions_total",
		Help:      "Arbitration outcomes by chosen candidate.",
	}, []string{"chosen"})

	similarityScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hnsc",
		Subsystem: "arbiter",
		Name:      "similarity_score",
		Help:      "Lexical similarity of the candidate pair per arbitration.",
		Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
	})
)

// Config tunes arbitration.
type Config struct {
	// ConsensusThreshold is the similarity at or above which the two
	// candidates count as agreeing. The boundary is inclusive.
	ConsensusThreshold float64 `yaml:"consensus_threshold" validate:"gte=0,lte=1"`

	// Disclaimer trails every synthesized response so a truncated answer
	// is never mistaken for a complete one.
	Disclaimer string `yaml:"disclaimer"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ConsensusThreshold: 0.85,
		Disclaimer:         "Note: the generated answers diverged; this response covers only the part they agree on.",
	}
}

// Validate checks the tuning values.
func (c Config) Validate() error {
	if c.ConsensusThreshold < 0 || c.ConsensusThreshold > 1 {
		return errors.New("arbiter: consensus_threshold must be within [0, 1]")
	}
	if strings.TrimSpace(c.Disclaimer) == "" {
		return errors.New("arbiter: disclaimer must not be empty")
	}
	return nil
}

// Candidate is one generated answer under arbitration. Source names the
// pass that produced it and is recorded on the span, never in the decision.
type Candidate struct {
	Source string
	Text   string
}

// Choice names what the decision carries.
type Choice string

const (
	// ChoiceA is the primary candidate, ChoiceB the secondary.
	ChoiceA Choice = "a"
	ChoiceB Choice = "b"

	// ChoiceSynthesized is the shared prefix of two diverging candidates
	// plus the disclaimer.
	ChoiceSynthesized Choice = "synthesized"

	// ChoiceNone means no candidate survived the safety score; the
	// decision carries TagPolicyViolation and the egress check denies.
	ChoiceNone Choice = "none"
)

// Decision is the arbitration verdict. Text is already redacted; Reasons
// narrates the path to the verdict in evaluation order.
type Decision struct {
	Consensus  bool     `json:"consensus"`
	Chosen     Choice   `json:"chosen"`
	Text       string   `json:"text"`
	Similarity float64  `json:"similarity"`
	Reasons    []string `json:"reasons"`
	Tags       []string `json:"tags,omitempty"`
}

// Arbiter selects between two generated candidates. It is deterministic:
// identical candidates against identical gate and filter state always yield
// the identical decision. Safe for concurrent use.
type Arbiter struct {
	cfg    Config
	gate   *safety.Gate
	filter *redact.Filter
}

// New builds an arbiter over the safety gate and the redaction filter the
// gate was built with, so the findings scored here are exactly the findings
// the egress check would scan for.
func New(cfg Config, gate *safety.Gate, filter *redact.Filter) (*Arbiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if gate == nil {
		return nil, errors.New("arbiter: gate must not be nil")
	}
	if filter == nil {
		return nil, errors.New("arbiter: filter must not be nil")
	}
	return &Arbiter{cfg: cfg, gate: gate, filter: filter}, nil
}

// evaluation is one candidate's safety score. Fewer findings is safer; any
// violation discards the candidate outright.
type evaluation struct {
	violations []string
	redacted   string
	findings   int
}

func (ar *Arbiter) evaluate(c Candidate) evaluation {
	profile := ar.gate.Profile()
	return evaluation{
		violations: ar.gate.Violations(c.Text),
		redacted:   ar.filter.Redact(c.Text, profile),
		findings:   len(ar.filter.Scan(c.Text, profile)),
	}
}

// Arbitrate decides between the primary candidate a and the secondary b.
//
// Similarity is scored on the raw texts; the decision text is the redacted
// form, so what leaves the arbiter is always maskable by the egress scan.
// Candidates matching a prohibited-behavior rule are discarded before
// selection. Under consensus the safer candidate wins and ties go to the
// primary; under divergence only a strictly safer candidate wins and ties
// synthesize the shared prefix with the disclaimer. Both candidates
// discarded is not an error: the decision carries ChoiceNone and the
// policy-violation tag, and the egress check turns it into a denial.
func (ar *Arbiter) Arbitrate(ctx context.Context, a, b Candidate) Decision {
	_, span := tracer.Start(ctx, "arbiter.arbitrate", trace.WithAttributes(
		attribute.String("candidate.a", a.Source),
		attribute.String("candidate.b", b.Source)))
	defer span.End()

	sim := Similarity(a.Text, b.Text)
	evalA, evalB := ar.evaluate(a), ar.evaluate(b)

	d := Decision{Similarity: sim, Consensus: sim >= ar.cfg.ConsensusThreshold}
	if d.Consensus {
		d.Reasons = append(d.Reasons, fmt.Sprintf(
			"similarity %.2f meets threshold %.2f", sim, ar.cfg.ConsensusThreshold))
	} else {
		d.Reasons = append(d.Reasons, fmt.Sprintf(
			"similarity %.2f below threshold %.2f", sim, ar.cfg.ConsensusThreshold))
	}

	discardA := len(evalA.violations) > 0
	discardB := len(evalB.violations) > 0
	if discardA {
		d.Reasons = append(d.Reasons, fmt.Sprintf(
			"candidate a discarded: prohibited content (%s)", strings.Join(evalA.violations, ", ")))
	}
	if discardB {
		d.Reasons = append(d.Reasons, fmt.Sprintf(
			"candidate b discarded: prohibited content (%s)", strings.Join(evalB.violations, ", ")))
	}

	switch {
	case discardA && discardB:
		d.Consensus = false
		d.Chosen = ChoiceNone
		d.Tags = []string{safety.TagPolicyViolation}
		d.Reasons = append(d.Reasons, "no safe candidate remains")

	case discardA:
		d.Chosen = ChoiceB
		d.Text = evalB.redacted
		d.Reasons = append(d.Reasons, "candidate b is the only safe candidate")

	case discardB:
		d.Chosen = ChoiceA
		d.Text = evalA.redacted
		d.Reasons = append(d.Reasons, "candidate a is the only safe candidate")

	case d.Consensus:
		switch {
		case evalB.findings < evalA.findings:
			d.Chosen = ChoiceB
			d.Text = evalB.redacted
			d.Reasons = append(d.Reasons, fmt.Sprintf(
				"candidate b carries fewer redactions (%d vs %d)", evalB.findings, evalA.findings))
		case evalA.findings < evalB.findings:
			d.Chosen = ChoiceA
			d.Text = evalA.redacted
			d.Reasons = append(d.Reasons, fmt.Sprintf(
				"candidate a carries fewer redactions (%d vs %d)", evalA.findings, evalB.findings))
		default:
			d.Chosen = ChoiceA
			d.Text = evalA.redacted
			d.Reasons = append(d.Reasons, "safety scores tie: primary candidate wins")
		}

	default:
		switch {
		case evalA.findings < evalB.findings:
			d.Chosen = ChoiceA
			d.Text = evalA.redacted
			d.Reasons = append(d.Reasons, fmt.Sprintf(
				"candidate a carries fewer redactions (%d vs %d)", evalA.findings, evalB.findings))
		case evalB.findings < evalA.findings:
			d.Chosen = ChoiceB
			d.Text = evalB.redacted
			d.Reasons = append(d.Reasons, fmt.Sprintf(
				"candidate b carries fewer redactions (%d vs %d)", evalB.findings, evalA.findings))
		default:
			d.Chosen = ChoiceSynthesized
			d.Text = synthesize(evalA.redacted, evalB.redacted, ar.cfg.Disclaimer)
			d.Reasons = append(d.Reasons, "safety scores tie: synthesized from the shared prefix")
		}
	}

	decisions.WithLabelValues(string(d.Chosen)).Inc()
	similarityScore.Observe(sim)
	span.SetAttributes(
		attribute.Float64("similarity", sim),
		attribute.Bool("consensus", d.Consensus),
		attribute.String("chosen", string(d.Chosen)))
	slog.Debug("arbitration decided",
		slog.String("chosen", string(d.Chosen)),
		slog.Bool("consensus", d.Consensus),
		slog.Float64("similarity", sim))
	return d
}

// synthesize joins the shared prefix of two diverging candidates with the
// disclaimer. The prefix is trimmed back to the last whitespace so a word
// is never cut mid-way; when nothing is shared the disclaimer stands alone.
func synthesize(a, b, disclaimer string) string {
	prefix := commonPrefix(a, b)
	if prefix != a {
		if i := strings.LastIndexAny(prefix, " \t\n"); i >= 0 {
			prefix = prefix[:i]
		} else {
			prefix = ""
		}
	}
	prefix = strings.TrimRight(prefix, " \t\n,;:")
	if prefix == "" {
		return disclaimer
	}
	return prefix + "\n\n" + disclaimer
}

// commonPrefix returns the longest shared prefix of a and b, split on rune
// boundaries.
func commonPrefix(a, b string) string {
	ra, rb := []rune(a), []rune(b)
	n := len(ra)
	if len(rb) < n {
		n = len(rb)
	}
	i := 0
	for i < n && ra[i] == rb[i] {
		i++
	}
	return string(ra[:i])
}
