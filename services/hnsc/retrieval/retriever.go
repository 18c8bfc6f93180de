// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval grounds generation with vector-store context.
//
// The retriever is advisory: any backend failure degrades to an empty
// result with a warning instead of an error. Request handling never blocks
// on retrieval health.
package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/hnsc/services/hnsc/datatypes"
)

var tracer = otel.Tracer("hnsc.retrieval")

// Degradation warnings surfaced on the RetrievalResult.
const (
	warnEmbeddingUnavailable = "retrieval degraded: embedding service unavailable"
	warnSearchUnavailable    = "retrieval degraded: vector search unavailable"
)

// Embedder converts text to a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SearchClient performs a top-limit vector search and returns candidates
// with their cosine similarity to the query vector.
type SearchClient interface {
	Search(ctx context.Context, vector []float32, limit int, filter map[string]string) ([]Candidate, error)
}

// CrossEncoder re-scores query/document pairs. Scores replace the hybrid
// score one-for-one, index-aligned with the input texts.
type CrossEncoder interface {
	Score(ctx context.Context, query string, texts []string) ([]float64, error)
}

// Candidate is one raw vector-search hit before hybrid scoring.
type Candidate struct {
	ID     string
	Text   string
	Cosine float64
	Meta   map[string]any
}

// Config controls the retrieval pipeline.
type Config struct {
	Enabled        bool `yaml:"enabled"`
	TopK           int  `yaml:"top_k"`
	RerankEnabled  bool `yaml:"rerank_enabled"`
	RerankTopK     int  `yaml:"rerank_top_k"`
	QueryExpansion bool `yaml:"query_expansion"`
	TokenBudget    int  `yaml:"token_budget"`
}

// DefaultConfig returns retrieval defaults sized for a single-node setup.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		TopK:           8,
		RerankEnabled:  false,
		RerankTopK:     24,
		QueryExpansion: true,
		TokenBudget:    2048,
	}
}

// Retriever runs the expansion, search, scoring, and truncation pipeline.
//
// # Thread Safety
//
// Safe for concurrent use; all mutable state is per-call.
type Retriever struct {
	cfg      Config
	embedder Embedder
	search   SearchClient
	encoder  CrossEncoder
	expander *Expander
	stats    *CorpusStats
	logger   *slog.Logger

	// inflight coalesces concurrent embeddings of identical text.
	inflight singleflight.Group
}

// Option customizes retriever construction.
type Option func(*Retriever)

// WithCrossEncoder enables the optional re-rank stage.
func WithCrossEncoder(enc CrossEncoder) Option {
	return func(r *Retriever) { r.encoder = enc }
}

// WithCorpusStats supplies collection statistics for BM25 weighting.
// Without them the lexical score falls back to Jaccard overlap.
func WithCorpusStats(stats *CorpusStats) Option {
	return func(r *Retriever) { r.stats = stats }
}

// WithExpansion replaces the default expansion configuration.
func WithExpansion(cfg ExpansionConfig) Option {
	return func(r *Retriever) { r.expander = NewExpander(cfg) }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Retriever) { r.logger = logger }
}

// New builds a retriever over the given embedder and search client.
func New(cfg Config, embedder Embedder, search SearchClient, opts ...Option) *Retriever {
	if cfg.TopK <= 0 {
		cfg.TopK = 8
	}
	if cfg.RerankTopK <= 0 {
		cfg.RerankTopK = 3 * cfg.TopK
	}

	r := &Retriever{
		cfg:      cfg,
		embedder: embedder,
		search:   search,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.expander == nil {
		expCfg := DefaultExpansionConfig()
		expCfg.Enabled = cfg.QueryExpansion
		r.expander = NewExpander(expCfg)
	}
	return r
}

// Retrieve executes the pipeline for one query.
//
// # Description
//
// Expands the query, embeds each variant, fans the searches out, merges
// candidates by document id keeping the max cosine, scores them
// 0.7·cosine + 0.3·lexical, optionally re-ranks, and truncates to the
// token budget. Failures degrade to an empty result with a warning; this
// method never returns an error.
func (r *Retriever) Retrieve(ctx context.Context, req datatypes.RetrievalRequest) datatypes.RetrievalResult {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "Retrieve",
		trace.WithAttributes(attribute.Int("retrieval.top_k", r.topK(req))),
	)
	defer span.End()

	result := r.retrieve(ctx, req)

	span.SetAttributes(
		attribute.Int("retrieval.documents", len(result.Documents)),
		attribute.Bool("retrieval.truncated", result.Truncated),
		attribute.Bool("retrieval.degraded", result.Warning != ""),
	)
	recordRetrieval(ctx, time.Since(start), len(result.Documents), result.Warning != "")
	return result
}

func (r *Retriever) retrieve(ctx context.Context, req datatypes.RetrievalRequest) datatypes.RetrievalResult {
	empty := datatypes.RetrievalResult{Documents: []datatypes.Document{}}
	if !r.cfg.Enabled {
		return empty
	}

	variants := r.expander.Expand(req.Query)

	// Embed every variant up front; losing the embedder degrades the whole
	// retrieval rather than producing a partial vector set.
	vectors := make([][]float32, 0, len(variants))
	for _, variant := range variants {
		vec, err := r.embed(ctx, variant)
		if err != nil {
			r.logger.Warn("embedding unavailable, returning empty retrieval",
				slog.String("error", err.Error()))
			empty.Warning = warnEmbeddingUnavailable
			return empty
		}
		vectors = append(vectors, vec)
	}

	fetchK := r.fetchK(req)
	perVariant := make([][]Candidate, len(vectors))
	searchErrs := make([]error, len(vectors))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, vec := range vectors {
		g.Go(func() error {
			cands, err := r.search.Search(gctx, vec, fetchK, req.Filter)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				searchErrs[i] = err
				return nil
			}
			perVariant[i] = cands
			return nil
		})
	}
	_ = g.Wait()

	merged := make(map[string]Candidate)
	failed := 0
	for i, cands := range perVariant {
		if searchErrs[i] != nil {
			failed++
			r.logger.Debug("variant search failed",
				slog.String("variant", variants[i]),
				slog.String("error", searchErrs[i].Error()))
			continue
		}
		for _, cand := range cands {
			if existing, ok := merged[cand.ID]; !ok || cand.Cosine > existing.Cosine {
				merged[cand.ID] = cand
			}
		}
	}
	if failed == len(vectors) {
		r.logger.Warn("vector search unavailable, returning empty retrieval",
			slog.Int("variants", len(vectors)))
		empty.Warning = warnSearchUnavailable
		return empty
	}

	docs := make([]datatypes.Document, 0, len(merged))
	for _, cand := range merged {
		docs = append(docs, datatypes.Document{
			ID:    cand.ID,
			Text:  cand.Text,
			Score: hybridScore(cand.Cosine, bm25Like(req.Query, cand.Text, r.stats)),
			Meta:  cand.Meta,
		})
	}

	// Hybrid order first so the cross-encoder sees a deterministic input.
	sortDocuments(docs)

	if r.cfg.RerankEnabled && r.encoder != nil {
		docs = r.rerank(ctx, req.Query, docs)
		sortDocuments(docs)
	}

	if len(docs) > r.topK(req) {
		docs = docs[:r.topK(req)]
	}

	docs, truncated := truncateToBudget(docs, r.tokenBudget(req))
	return datatypes.RetrievalResult{Documents: docs, Truncated: truncated}
}

// embed coalesces concurrent embeddings of identical text into one upstream
// call. Embeddings are deterministic per input, so every waiter shares the
// leader's vector; waiters also share the leader's error, including a
// cancellation of the leader's context.
func (r *Retriever) embed(ctx context.Context, text string) ([]float32, error) {
	vec, err, _ := r.inflight.Do(text, func() (any, error) {
		return r.embedder.Embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	return vec.([]float32), nil
}

// rerank replaces hybrid scores with cross-encoder scores. An encoder
// failure keeps the hybrid scores; re-ranking is an upgrade, not a gate.
func (r *Retriever) rerank(ctx context.Context, query string, docs []datatypes.Document) []datatypes.Document {
	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.Text
	}

	scores, err := r.encoder.Score(ctx, query, texts)
	if err != nil || len(scores) != len(docs) {
		r.logger.Warn("cross-encoder re-rank failed, keeping hybrid scores",
			slog.Int("documents", len(docs)))
		return docs
	}
	for i := range docs {
		docs[i].Score = scores[i]
	}
	return docs
}

// sortDocuments orders by score descending, breaking ties by id so the
// output is stable across runs.
func sortDocuments(docs []datatypes.Document) {
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].Score != docs[j].Score {
			return docs[i].Score > docs[j].Score
		}
		return docs[i].ID < docs[j].ID
	})
}

// truncateToBudget keeps documents in order while their cumulative token
// estimate fits the budget. Nothing fits in a non-positive budget, so
// non-empty input truncates to empty.
func truncateToBudget(docs []datatypes.Document, budget int) ([]datatypes.Document, bool) {
	if budget <= 0 {
		return []datatypes.Document{}, len(docs) > 0
	}

	total := 0
	for i, doc := range docs {
		total += estimateTokens(doc.Text)
		if total > budget {
			return docs[:i], true
		}
	}
	return docs, false
}

func (r *Retriever) topK(req datatypes.RetrievalRequest) int {
	if req.TopK > 0 {
		return req.TopK
	}
	return r.cfg.TopK
}

func (r *Retriever) fetchK(req datatypes.RetrievalRequest) int {
	if r.cfg.RerankEnabled && r.encoder != nil {
		return r.cfg.RerankTopK
	}
	return r.topK(req)
}

func (r *Retriever) tokenBudget(req datatypes.RetrievalRequest) int {
	if req.TokenBudget > 0 {
		return req.TokenBudget
	}
	return r.cfg.TokenBudget
}
