// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package redact masks sensitive tokens in text.
//
// The filter is pure: a Filter is immutable after construction and Redact is
// a function of its input. Matched spans are overwritten byte-for-byte with
// the mask character, so output length never exceeds input length and a
// second pass is a no-op.
//
// Built-in detectors ship as embedded YAML (emails, phones, national-ID
// forms, Luhn-checked card numbers); deployments extend the set with custom
// patterns through Config.
package redact

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed patterns.yaml
var embeddedPatterns []byte

// maskByte overwrites every byte of a matched span.
const maskByte = '*'

// Profile selects detector strictness.
type Profile string

const (
	ProfileProduction  Profile = "production"
	ProfileStaging     Profile = "staging"
	ProfileDevelopment Profile = "development"
)

// Valid reports whether p is a defined profile.
func (p Profile) Valid() bool {
	switch p {
	case ProfileProduction, ProfileStaging, ProfileDevelopment:
		return true
	}
	return false
}

// PatternConfig is one custom detector pattern supplied by configuration.
type PatternConfig struct {
	ID    string `yaml:"id"`
	Regex string `yaml:"regex"`

	// Profiles restricts the pattern to the listed profiles. Empty means
	// production only: custom patterns are deployment-specific and must
	// not surprise development environments.
	Profiles []Profile `yaml:"profiles,omitempty"`
}

// Config extends the built-in detectors.
type Config struct {
	CustomPatterns []PatternConfig `yaml:"custom_patterns,omitempty"`
}

// Finding locates one detected span. Start and End are byte offsets.
type Finding struct {
	Category  string
	PatternID string
	Start     int
	End       int
}

// detectorSpec mirrors the embedded YAML shape.
type detectorSpec struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Profiles    []string `yaml:"profiles"`
	Validator   string   `yaml:"validator,omitempty"`
	Patterns    []struct {
		ID    string `yaml:"id"`
		Regex string `yaml:"regex"`
	} `yaml:"patterns"`
}

type detector struct {
	category  string
	patternID string
	re        *regexp.Regexp
	profiles  map[Profile]bool
	validate  func(string) bool
}

// Filter detects and masks sensitive spans.
type Filter struct {
	detectors []*detector
}

// New compiles the built-in detector set plus any custom patterns.
func New(cfg Config) (*Filter, error) {
	var spec struct {
		Detectors []detectorSpec `yaml:"detectors"`
	}
	if err := yaml.Unmarshal(embeddedPatterns, &spec); err != nil {
		return nil, fmt.Errorf("redact: parse embedded patterns: %w", err)
	}

	f := &Filter{}
	for _, d := range spec.Detectors {
		var validate func(string) bool
		switch d.Validator {
		case "":
		case "luhn":
			validate = luhnValid
		default:
			return nil, fmt.Errorf("redact: detector %s: unknown validator %q", d.Name, d.Validator)
		}
		profiles := make(map[Profile]bool, len(d.Profiles))
		for _, p := range d.Profiles {
			if !Profile(p).Valid() {
				return nil, fmt.Errorf("redact: detector %s: unknown profile %q", d.Name, p)
			}
			profiles[Profile(p)] = true
		}
		for _, pat := range d.Patterns {
			re, err := regexp.Compile(pat.Regex)
			if err != nil {
				return nil, fmt.Errorf("redact: compile %s/%s: %w", d.Name, pat.ID, err)
			}
			f.detectors = append(f.detectors, &detector{
				category:  d.Name,
				patternID: pat.ID,
				re:        re,
				profiles:  profiles,
				validate:  validate,
			})
		}
	}

	for _, pat := range cfg.CustomPatterns {
		re, err := regexp.Compile(pat.Regex)
		if err != nil {
			return nil, fmt.Errorf("redact: compile custom %s: %w", pat.ID, err)
		}
		profiles := map[Profile]bool{ProfileProduction: true}
		if len(pat.Profiles) > 0 {
			profiles = make(map[Profile]bool, len(pat.Profiles))
			for _, p := range pat.Profiles {
				if !p.Valid() {
					return nil, fmt.Errorf("redact: custom %s: unknown profile %q", pat.ID, p)
				}
				profiles[p] = true
			}
		}
		f.detectors = append(f.detectors, &detector{
			category:  "custom",
			patternID: pat.ID,
			re:        re,
			profiles:  profiles,
		})
	}
	return f, nil
}

// Scan returns every detected span under the given profile, ordered by start
// offset. Spans already consisting solely of mask bytes are not reported.
func (f *Filter) Scan(text string, profile Profile) []Finding {
	var findings []Finding
	for _, d := range f.detectors {
		if !d.profiles[profile] {
			continue
		}
		for _, loc := range d.re.FindAllStringIndex(text, -1) {
			match := text[loc[0]:loc[1]]
			if isFullyMasked(match) {
				continue
			}
			if d.validate != nil && !d.validate(match) {
				continue
			}
			findings = append(findings, Finding{
				Category:  d.category,
				PatternID: d.patternID,
				Start:     loc[0],
				End:       loc[1],
			})
		}
	}
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Start != findings[j].Start {
			return findings[i].Start < findings[j].Start
		}
		return findings[i].End > findings[j].End
	})
	return findings
}

// Redact masks every detected span. Output length equals input length and
// redacting twice equals redacting once.
func (f *Filter) Redact(text string, profile Profile) string {
	findings := f.Scan(text, profile)
	if len(findings) == 0 {
		return text
	}
	out := []byte(text)
	for _, fd := range findings {
		for i := fd.Start; i < fd.End; i++ {
			out[i] = maskByte
		}
	}
	return string(out)
}

// isFullyMasked reports whether s is a non-empty run of mask bytes.
func isFullyMasked(s string) bool {
	if s == "" {
		return false
	}
	return strings.Count(s, string(maskByte)) == len(s)
}

// luhnValid checks the mod-10 digit sum over the digits of s (separators
// ignored) and requires 13-19 digits.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
