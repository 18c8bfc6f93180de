// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"fmt"
	"time"
)

// SideEffectClass is the escalation tier of a tool. The ordering matters:
// routers and arbitration break ties toward the lower class.
type SideEffectClass int

const (
	SideEffectNone SideEffectClass = iota
	SideEffectRead
	SideEffectWrite
	SideEffectIrreversible
)

var sideEffectNames = [...]string{"none", "read", "write", "irreversible"}

func (s SideEffectClass) String() string {
	if s < SideEffectNone || s > SideEffectIrreversible {
		return fmt.Sprintf("side_effect(%d)", int(s))
	}
	return sideEffectNames[s]
}

// ParseSideEffectClass maps the config spelling to the enum.
func ParseSideEffectClass(s string) (SideEffectClass, error) {
	for i, name := range sideEffectNames {
		if name == s {
			return SideEffectClass(i), nil
		}
	}
	return SideEffectNone, fmt.Errorf("unknown side_effect_class %q", s)
}

// MarshalYAML renders the class as its config spelling.
func (s SideEffectClass) MarshalYAML() (any, error) { return s.String(), nil }

// UnmarshalYAML parses the config spelling.
func (s *SideEffectClass) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := ParseSideEffectClass(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalJSON renders the class as its string spelling.
func (s SideEffectClass) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON parses the string spelling.
func (s *SideEffectClass) UnmarshalJSON(b []byte) error {
	raw := string(b)
	if len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"' {
		raw = raw[1 : len(raw)-1]
	}
	parsed, err := ParseSideEffectClass(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParamType enumerates the JSON-shaped types accepted in tool schemas.
type ParamType string

const (
	ParamTypeString  ParamType = "string"
	ParamTypeInteger ParamType = "integer"
	ParamTypeNumber  ParamType = "number"
	ParamTypeBoolean ParamType = "boolean"
	ParamTypeArray   ParamType = "array"
	ParamTypeObject  ParamType = "object"
)

// ParamDef describes one parameter in a tool schema.
type ParamDef struct {
	Type        ParamType `json:"type" yaml:"type"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any       `json:"default,omitempty" yaml:"default,omitempty"`

	// Enum restricts string parameters to a closed value set.
	Enum []string `json:"enum,omitempty" yaml:"enum,omitempty"`

	// String length bounds (0 means unbounded).
	MinLength int `json:"min_length,omitempty" yaml:"min_length,omitempty"`
	MaxLength int `json:"max_length,omitempty" yaml:"max_length,omitempty"`

	// Numeric bounds (nil means unbounded).
	Minimum *float64 `json:"minimum,omitempty" yaml:"minimum,omitempty"`
	Maximum *float64 `json:"maximum,omitempty" yaml:"maximum,omitempty"`

	// Items types array elements; Properties types object members.
	Items      *ParamDef           `json:"items,omitempty" yaml:"items,omitempty"`
	Properties map[string]ParamDef `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Schema is a named-parameter schema for tool inputs and outputs.
type Schema map[string]ParamDef

// Tool is the immutable descriptor registered at startup. Handlers are bound
// separately in the registry; the descriptor itself carries no behavior.
type Tool struct {
	Name         string          `json:"name" yaml:"name"`
	Description  string          `json:"description,omitempty" yaml:"description,omitempty"`
	ScopeTags    []string        `json:"scope_tags,omitempty" yaml:"scope_tags,omitempty"`
	InputSchema  Schema          `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	OutputSchema Schema          `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	Idempotent   bool            `json:"idempotent,omitempty" yaml:"idempotent,omitempty"`
	SideEffect   SideEffectClass `json:"side_effect_class" yaml:"side_effect_class"`
	RiskWeight   float64         `json:"risk_weight" yaml:"risk_weight"`

	// Keywords feed the symbolic router's bag-of-words scoring.
	Keywords []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`

	// Timeout bounds a single handler invocation. Zero selects the
	// executor default.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// HasScope reports whether the tool carries the given scope tag.
func (t Tool) HasScope(tag string) bool {
	for _, s := range t.ScopeTags {
		if s == tag {
			return true
		}
	}
	return false
}
