// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package arbiter compares two generated candidates and picks a response.
//
// Similarity is lexical, not semantic: candidates are tokenized, numerals are
// expanded to number words so "42" and "forty-two" agree, and the score is
// the higher of a token-sequence ratio and a Jaccard overlap. Candidate
// safety is scored with the gate's prohibited-behavior rules and the redact
// filter; the arbiter never calls a model.
package arbiter

import (
	"strconv"
	"strings"
	"unicode"
)

// numeralBound caps the numerals expanded to words. Anything larger reads as
// an identifier (hashes, ticket numbers), not prose.
const numeralBound = 1_000_000_000_000

var (
	onesWords = []string{
		"zero", "one", "two", "three", "four", "five", "six", "seven",
		"eight", "nine", "ten", "eleven", "twelve", "thirteen", "fourteen",
		"fifteen", "sixteen", "seventeen", "eighteen", "nineteen",
	}
	tensWords = []string{
		"", "", "twenty", "thirty", "forty", "fifty", "sixty", "seventy",
		"eighty", "ninety",
	}
	scaleWords = []string{"", "thousand", "million", "billion"}
)

// tokenize lowercases text and splits it on anything that is not a letter or
// digit. Tokens that parse as non-negative integers below numeralBound are
// replaced by their English words, so a numeral and its spelled-out form
// produce identical token streams.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if n, err := strconv.ParseInt(f, 10, 64); err == nil && n < numeralBound {
			tokens = append(tokens, numberWords(n)...)
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// numberWords spells out a non-negative integer, one word per slice element:
// 42 becomes ["forty", "two"], 9001 becomes ["nine", "thousand", "one"].
func numberWords(n int64) []string {
	if n < 20 {
		return []string{onesWords[n]}
	}
	var groups []int64
	for n > 0 {
		groups = append(groups, n%1000)
		n /= 1000
	}
	var words []string
	for i := len(groups) - 1; i >= 0; i-- {
		if groups[i] == 0 {
			continue
		}
		words = appendHundreds(words, groups[i])
		if i > 0 {
			words = append(words, scaleWords[i])
		}
	}
	return words
}

// appendHundreds spells a group in [1, 999].
func appendHundreds(words []string, n int64) []string {
	if n >= 100 {
		words = append(words, onesWords[n/100], "hundred")
		n %= 100
	}
	switch {
	case n >= 20:
		words = append(words, tensWords[n/10])
		if n%10 != 0 {
			words = append(words, onesWords[n%10])
		}
	case n > 0:
		words = append(words, onesWords[n])
	}
	return words
}

// sequenceRatio scores how much of two token streams lines up in order:
// twice the longest common subsequence over the combined length. Identical
// streams score 1, disjoint streams 0.
func sequenceRatio(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
			} else if prev[j] >= cur[j-1] {
				cur[j] = prev[j]
			} else {
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	lcs := prev[len(b)]
	return 2.0 * float64(lcs) / float64(len(a)+len(b))
}

// jaccardSimilarity scores token-set overlap, ignoring order and repetition.
func jaccardSimilarity(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	setA := make(map[string]bool, len(a))
	for _, t := range a {
		setA[t] = true
	}
	setB := make(map[string]bool, len(b))
	for _, t := range b {
		setB[t] = true
	}

	intersection := 0
	for t := range setA {
		if setB[t] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}

// Similarity scores two texts in [0, 1]. It takes the higher of the ordered
// sequence ratio and the unordered Jaccard overlap, so neither rephrasing
// nor reordering alone drags agreement below the consensus threshold. Either
// text empty scores 0.
func Similarity(a, b string) float64 {
	ta, tb := tokenize(a), tokenize(b)
	seq := sequenceRatio(ta, tb)
	jac := jaccardSimilarity(ta, tb)
	if jac > seq {
		return jac
	}
	return seq
}
