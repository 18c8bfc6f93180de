// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package router

import (
	"strings"

	"github.com/AleutianAI/hnsc/services/hnsc/datatypes"
)

// noiseWords are filtered from token sets before scoring. Function words
// carry no routing signal and would dilute keyword coverage.
var noiseWords = map[string]bool{
	"the": true, "a": true, "an": true,
	"in": true, "on": true, "at": true, "to": true, "for": true, "of": true,
	"is": true, "are": true, "was": true, "it": true, "be": true,
	"please": true, "can": true, "you": true, "me": true, "my": true,
}

// normalizeText lowercases and collapses runs of whitespace to single
// spaces. Exact-phrase rules and bare tool-name matching compare against
// this form.
func normalizeText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// tokenize splits text into a set of lowercase terms. Underscores,
// hyphens, dots, slashes, and colons act as word boundaries so that
// "check_health" yields the same terms as "check health". Single-letter
// terms and noise words are dropped.
func tokenize(text string) map[string]bool {
	lowered := strings.ToLower(text)
	replacer := strings.NewReplacer("_", " ", "-", " ", ".", " ", "/", " ", "\\", " ", ":", " ")
	lowered = replacer.Replace(lowered)

	terms := make(map[string]bool)
	for _, field := range strings.Fields(lowered) {
		field = strings.Trim(field, ".,;!?\"'()[]{}")
		if len(field) < 2 || noiseWords[field] {
			continue
		}
		terms[field] = true
	}
	return terms
}

// keywordProfile is the precompiled matching form of one tool's keyword
// dictionary. Single-word keywords match against the token set; multi-word
// keywords match as substrings of the normalized text so adjacency is
// preserved.
type keywordProfile struct {
	tool    datatypes.Tool
	terms   []string
	phrases []string
}

func buildProfile(tool datatypes.Tool) keywordProfile {
	p := keywordProfile{tool: tool}
	seen := make(map[string]bool, len(tool.Keywords))
	for _, kw := range tool.Keywords {
		norm := normalizeText(kw)
		if norm == "" || seen[norm] {
			continue
		}
		seen[norm] = true
		if strings.ContainsRune(norm, ' ') {
			p.phrases = append(p.phrases, norm)
		} else {
			p.terms = append(p.terms, norm)
		}
	}
	return p
}

// size returns the number of distinct keywords in the profile.
func (p keywordProfile) size() int { return len(p.terms) + len(p.phrases) }

// score returns keyword coverage in [0,1]: the fraction of the tool's
// keywords present in the request text. Tools with no keywords score zero;
// they are reachable only through rules.
func (p keywordProfile) score(tokens map[string]bool, norm string) float64 {
	total := p.size()
	if total == 0 {
		return 0
	}
	matched := 0
	for _, t := range p.terms {
		if tokens[t] {
			matched++
		}
	}
	for _, ph := range p.phrases {
		if strings.Contains(norm, ph) {
			matched++
		}
	}
	return float64(matched) / float64(total)
}

// callableWithEmptyArgs reports whether the tool's input schema accepts an
// empty argument map. Name and keyword matches carry no argument binding,
// so they may only dispatch tools whose required parameters all have
// defaults.
func callableWithEmptyArgs(tool datatypes.Tool) bool {
	for _, def := range tool.InputSchema {
		if def.Required && def.Default == nil {
			return false
		}
	}
	return true
}
