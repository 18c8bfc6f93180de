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
	"fmt"
	"strings"
)

// ExpansionConfig controls deterministic query expansion.
type ExpansionConfig struct {
	// Enabled switches expansion on. Disabled expansion yields exactly the
	// original query.
	Enabled bool `yaml:"enabled"`

	// MaxVariants caps the total variants including the original.
	// Default: 4
	MaxVariants int `yaml:"max_variants"`

	// Lexicon maps a lowercase term to substitutable synonyms.
	Lexicon map[string][]string `yaml:"lexicon"`

	// Templates rephrase the whole query; each must contain exactly one
	// "%s" placeholder.
	Templates []string `yaml:"templates"`
}

// DefaultExpansionConfig carries a small operations-flavored lexicon.
// Deployments layer their own vocabulary over it via configuration.
func DefaultExpansionConfig() ExpansionConfig {
	return ExpansionConfig{
		Enabled:     true,
		MaxVariants: 4,
		Lexicon: map[string][]string{
			"error":   {"failure"},
			"check":   {"verify"},
			"status":  {"health"},
			"restart": {"reboot"},
			"fix":     {"repair"},
			"slow":    {"degraded"},
		},
		Templates: []string{
			"how to %s",
		},
	}
}

// Expander produces query variants. It is deterministic: the same query
// always yields the same variants in the same order, and the original query
// is always the first variant verbatim.
type Expander struct {
	cfg ExpansionConfig
}

// NewExpander builds an expander, normalizing the lexicon to lowercase keys.
func NewExpander(cfg ExpansionConfig) *Expander {
	if cfg.MaxVariants <= 0 {
		cfg.MaxVariants = 4
	}
	if len(cfg.Lexicon) > 0 {
		normalized := make(map[string][]string, len(cfg.Lexicon))
		for term, syns := range cfg.Lexicon {
			normalized[strings.ToLower(term)] = syns
		}
		cfg.Lexicon = normalized
	}
	return &Expander{cfg: cfg}
}

// Expand returns up to MaxVariants queries, the original first. Synonym
// substitutions are generated token by token in query order, then template
// rephrasings; duplicates are dropped.
func (e *Expander) Expand(query string) []string {
	variants := []string{query}
	if !e.cfg.Enabled || e.cfg.MaxVariants <= 1 {
		return variants
	}

	seen := map[string]struct{}{query: {}}
	add := func(v string) bool {
		if v == "" {
			return len(variants) < e.cfg.MaxVariants
		}
		if _, dup := seen[v]; dup {
			return len(variants) < e.cfg.MaxVariants
		}
		seen[v] = struct{}{}
		variants = append(variants, v)
		return len(variants) < e.cfg.MaxVariants
	}

	// Synonym substitution: one token swapped per variant.
	words := strings.Fields(query)
	for i, word := range words {
		syns, ok := e.cfg.Lexicon[strings.ToLower(word)]
		if !ok {
			continue
		}
		for _, syn := range syns {
			substituted := make([]string, len(words))
			copy(substituted, words)
			substituted[i] = syn
			if !add(strings.Join(substituted, " ")) {
				return variants
			}
		}
	}

	// Template rephrasing of the full query.
	for _, tpl := range e.cfg.Templates {
		if !strings.Contains(tpl, "%s") {
			continue
		}
		if !add(fmt.Sprintf(tpl, query)) {
			return variants
		}
	}

	return variants
}
