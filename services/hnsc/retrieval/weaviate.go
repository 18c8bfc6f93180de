// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/hnsc/services/hnsc/pool"
)

// KnowledgeChunkClassName is the Weaviate class holding retrievable
// passages.
const KnowledgeChunkClassName = "KnowledgeChunk"

// WeaviateSearch implements SearchClient over a pooled Weaviate client.
//
// # Thread Safety
//
// Safe for concurrent use; every call checks a client out of the pool.
type WeaviateSearch struct {
	pool  *pool.Pool[*weaviate.Client]
	class string
}

// NewWeaviateSearch builds a searcher over the given pool. An empty class
// name selects KnowledgeChunkClassName.
func NewWeaviateSearch(p *pool.Pool[*weaviate.Client], class string) *WeaviateSearch {
	if class == "" {
		class = KnowledgeChunkClassName
	}
	return &WeaviateSearch{pool: p, class: class}
}

// Compile-time interface check.
var _ SearchClient = (*WeaviateSearch)(nil)

// Search issues a nearVector query through the pool.
//
// Certainty is requested instead of distance because it is always in [0,1]
// regardless of the configured distance metric.
func (w *WeaviateSearch) Search(ctx context.Context, vector []float32, limit int, filter map[string]string) ([]Candidate, error) {
	var out []Candidate

	err := w.pool.Execute(ctx, func(ctx context.Context, client *weaviate.Client) error {
		nearVector := client.GraphQL().NearVectorArgBuilder().
			WithVector(vector)

		fields := []graphql.Field{
			{Name: "chunkId"},
			{Name: "content"},
			{Name: "source"},
			{Name: "_additional", Fields: []graphql.Field{
				{Name: "id"},
				{Name: "certainty"},
			}},
		}

		query := client.GraphQL().Get().
			WithClassName(w.class).
			WithFields(fields...).
			WithNearVector(nearVector).
			WithLimit(limit)
		if len(filter) > 0 {
			query = query.WithWhere(buildWhere(filter))
		}

		result, err := query.Do(ctx)
		if err != nil {
			return fmt.Errorf("weaviate search failed: %w", err)
		}
		if len(result.Errors) > 0 {
			return fmt.Errorf("weaviate search error: %s", result.Errors[0].Message)
		}

		out = parseCandidates(result, w.class)
		return nil
	})
	return out, err
}

// buildWhere combines the filter map into an AND of string equality
// operands. Keys are sorted so the generated query is deterministic.
func buildWhere(filter map[string]string) *filters.WhereBuilder {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	operands := make([]*filters.WhereBuilder, 0, len(keys))
	for _, k := range keys {
		operands = append(operands, filters.Where().
			WithPath([]string{k}).
			WithOperator(filters.Equal).
			WithValueString(filter[k]))
	}
	if len(operands) == 1 {
		return operands[0]
	}
	return filters.Where().
		WithOperator(filters.And).
		WithOperands(operands)
}

// parseCandidates flattens the GraphQL Get response into candidates.
// Malformed objects are skipped rather than failing the batch.
func parseCandidates(result *models.GraphQLResponse, class string) []Candidate {
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return []Candidate{}
	}
	objects, ok := data[class].([]interface{})
	if !ok {
		return []Candidate{}
	}

	candidates := make([]Candidate, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}

		cand := Candidate{
			ID:   getString(m, "chunkId"),
			Text: getString(m, "content"),
			Meta: map[string]any{"source": getString(m, "source")},
		}
		if additional, ok := m["_additional"].(map[string]interface{}); ok {
			if cand.ID == "" {
				cand.ID = getString(additional, "id")
			}
			if certainty, ok := additional["certainty"].(float64); ok {
				cand.Cosine = certainty
			}
		}
		if cand.ID == "" || cand.Text == "" {
			continue
		}
		candidates = append(candidates, cand)
	}
	return candidates
}

// getString extracts a string field, returning "" if absent or mistyped.
func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// EnsureSchema creates the knowledge chunk class if it does not exist.
// Vectors are supplied externally, so the class vectorizer is "none".
func EnsureSchema(ctx context.Context, client *weaviate.Client) error {
	_, err := client.Schema().ClassGetter().WithClassName(KnowledgeChunkClassName).Do(ctx)
	if err == nil {
		slog.Debug("knowledge chunk schema already exists")
		return nil
	}

	indexFilterable := true
	class := &models.Class{
		Class:       KnowledgeChunkClassName,
		Description: "Retrievable knowledge passages with externally supplied vectors",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:            "chunkId",
				DataType:        []string{"text"},
				Description:     "Stable chunk identifier",
				IndexFilterable: &indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:        "content",
				DataType:    []string{"text"},
				Description: "Passage text",
			},
			{
				Name:            "source",
				DataType:        []string{"text"},
				Description:     "Origin document or system",
				IndexFilterable: &indexFilterable,
				Tokenization:    "field",
			},
		},
	}

	slog.Info("creating knowledge chunk schema", slog.String("class", KnowledgeChunkClassName))
	if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("creating %s schema: %w", KnowledgeChunkClassName, err)
	}
	return nil
}
