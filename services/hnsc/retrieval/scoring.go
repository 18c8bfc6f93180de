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
	"math"
	"strings"
	"unicode"
)

// BM25 shape parameters. Standard values from the literature; the lexical
// score is a tie-breaking signal next to cosine, so these are not tuned
// per deployment.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// charsPerToken is the crude token estimate used for budget accounting.
const charsPerToken = 4

// CorpusStats carries the collection statistics needed for BM25 weighting.
// When unavailable the lexical score degrades to token-overlap Jaccard.
type CorpusStats struct {
	// DocCount is the number of documents in the collection.
	DocCount int

	// AvgDocLen is the mean token count per document.
	AvgDocLen float64

	// DocFreq maps a term to the number of documents containing it.
	DocFreq map[string]int
}

func (s *CorpusStats) usable() bool {
	return s != nil && s.DocCount > 0 && s.AvgDocLen > 0
}

// tokenize lowercases and splits on any non-alphanumeric rune.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenSet returns the distinct tokens of text.
func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range tokenize(text) {
		set[tok] = struct{}{}
	}
	return set
}

// estimateTokens approximates the token count of a text.
func estimateTokens(text string) int {
	return len(text) / charsPerToken
}

// cosine computes cosine similarity between two vectors. Mismatched or
// zero-magnitude vectors score 0.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// bm25Like scores the lexical overlap of query terms against a document.
//
// With corpus statistics it is the classic BM25 sum over distinct query
// terms. Without them it degrades to token-overlap Jaccard, which keeps the
// score in [0,1] and needs no collection knowledge.
func bm25Like(query, doc string, stats *CorpusStats) float64 {
	if !stats.usable() {
		return jaccard(query, doc)
	}

	docTokens := tokenize(doc)
	if len(docTokens) == 0 {
		return 0
	}
	tf := make(map[string]int, len(docTokens))
	for _, tok := range docTokens {
		tf[tok]++
	}

	docLen := float64(len(docTokens))
	n := float64(stats.DocCount)

	var score float64
	for term := range tokenSet(query) {
		f := float64(tf[term])
		if f == 0 {
			continue
		}
		df := float64(stats.DocFreq[term])
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		score += idf * (f * (bm25K1 + 1)) / (f + bm25K1*(1-bm25B+bm25B*docLen/stats.AvgDocLen))
	}
	return score
}

// jaccard is token-set overlap: |q ∩ d| / |q ∪ d|.
func jaccard(query, doc string) float64 {
	q := tokenSet(query)
	d := tokenSet(doc)
	if len(q) == 0 || len(d) == 0 {
		return 0
	}

	intersection := 0
	for tok := range q {
		if _, ok := d[tok]; ok {
			intersection++
		}
	}
	union := len(q) + len(d) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// hybridScore blends vector and lexical relevance 70/30.
func hybridScore(cosineSim, lexical float64) float64 {
	return 0.7*cosineSim + 0.3*lexical
}
