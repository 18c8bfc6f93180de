// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"fmt"
	"math"
	"sort"

	"github.com/AleutianAI/hnsc/services/hnsc/datatypes"
	"github.com/AleutianAI/hnsc/services/hnsc/hnscerr"
)

// ValidatedArgs is an argument set that passed schema validation against a
// registered tool. The zero value is unusable; instances come only from
// Registry.Validate, which is what keeps unvalidated arguments away from
// handlers.
type ValidatedArgs struct {
	tool   string
	values map[string]any
}

// Tool returns the name of the tool the arguments were validated against.
func (v ValidatedArgs) Tool() string { return v.tool }

// Valid reports whether v was produced by a successful validation.
func (v ValidatedArgs) Valid() bool { return v.tool != "" }

// Value returns the named argument. Defaults applied during validation are
// present like caller-supplied values.
func (v ValidatedArgs) Value(name string) (any, bool) {
	val, ok := v.values[name]
	return val, ok
}

// GetString returns the named argument as a string, or "" when absent or
// not a string.
func (v ValidatedArgs) GetString(name string) string {
	s, _ := v.values[name].(string)
	return s
}

// GetInt returns the named argument as an int64, or 0 when absent. Integer
// arguments are normalized to int64 during validation.
func (v ValidatedArgs) GetInt(name string) int64 {
	n, _ := v.values[name].(int64)
	return n
}

// GetBool returns the named argument as a bool, or false when absent.
func (v ValidatedArgs) GetBool(name string) bool {
	b, _ := v.values[name].(bool)
	return b
}

// Map returns a shallow copy of the argument map. Nested arrays and objects
// are shared; handlers must treat them as read-only.
func (v ValidatedArgs) Map() map[string]any {
	out := make(map[string]any, len(v.values))
	for k, val := range v.values {
		out[k] = val
	}
	return out
}

// Validate checks args against the named tool's input schema and returns the
// conformed argument set.
//
// Unknown arguments are rejected: the registry is the only authority on tool
// schemas, so a proposal naming parameters the schema does not declare is
// malformed rather than ignorable. Missing optional parameters take their
// declared defaults. Integer arguments arriving as JSON numbers are
// normalized to int64.
//
// Errors carry kind tool_not_found (unregistered name) or schema_error.
func (r *Registry) Validate(name string, args map[string]any) (ValidatedArgs, error) {
	b, ok := r.binding(name)
	if !ok {
		return ValidatedArgs{}, hnscerr.Newf(hnscerr.KindToolNotFound,
			"tool %q is not registered", name)
	}
	values, err := conformMap("", b.tool.InputSchema, args, modeInput)
	if err != nil {
		return ValidatedArgs{}, err
	}
	return ValidatedArgs{tool: name, values: values}, nil
}

// MatchOutput checks a handler result against a tool's output schema.
//
// Matching is lenient on extras: fields the schema does not declare are
// ignored so handlers may attach diagnostics. Declared fields are
// type-checked and required fields must be present.
func MatchOutput(schema datatypes.Schema, output map[string]any) error {
	_, err := conformMap("", schema, output, modeOutput)
	return err
}

// conformMode selects direction-specific rules for schema conformance.
type conformMode int

const (
	// modeInput rejects undeclared keys and applies defaults.
	modeInput conformMode = iota

	// modeOutput ignores undeclared keys and never applies defaults.
	modeOutput
)

// conformMap validates a value map against a schema and returns the
// conformed copy. Parameter names are visited in sorted order so the first
// violation reported is deterministic.
func conformMap(path string, schema datatypes.Schema, in map[string]any, mode conformMode) (map[string]any, error) {
	if mode == modeInput {
		for k := range in {
			if _, declared := schema[k]; !declared {
				return nil, hnscerr.SchemaError(fmt.Sprintf("unknown argument %q", joinPath(path, k)))
			}
		}
	}

	names := make([]string, 0, len(schema))
	for k := range schema {
		names = append(names, k)
	}
	sort.Strings(names)

	out := make(map[string]any, len(schema))
	for _, pname := range names {
		def := schema[pname]
		ppath := joinPath(path, pname)

		val, present := in[pname]
		if !present {
			if def.Required {
				return nil, hnscerr.SchemaError(fmt.Sprintf("missing required argument %q", ppath))
			}
			if mode == modeInput && def.Default != nil {
				// Conforming the default keeps handler-visible types
				// uniform (an int default becomes int64 like any
				// caller-supplied integer would).
				conformed, err := conformValue(ppath, def.Default, def, mode)
				if err != nil {
					return nil, err
				}
				out[pname] = conformed
			}
			continue
		}

		conformed, err := conformValue(ppath, val, def, mode)
		if err != nil {
			return nil, err
		}
		out[pname] = conformed
	}
	return out, nil
}

// conformValue validates a single value against its definition, returning
// the normalized form.
func conformValue(path string, v any, def datatypes.ParamDef, mode conformMode) (any, error) {
	if v == nil {
		if def.Required {
			return nil, hnscerr.SchemaError(fmt.Sprintf("argument %q must not be null", path))
		}
		return nil, nil
	}

	switch def.Type {
	case datatypes.ParamTypeString:
		s, ok := v.(string)
		if !ok {
			return nil, typeMismatch(path, "string", v)
		}
		if def.MinLength > 0 && len(s) < def.MinLength {
			return nil, hnscerr.SchemaError(fmt.Sprintf(
				"argument %q shorter than %d characters", path, def.MinLength))
		}
		if def.MaxLength > 0 && len(s) > def.MaxLength {
			return nil, hnscerr.SchemaError(fmt.Sprintf(
				"argument %q longer than %d characters", path, def.MaxLength))
		}
		if len(def.Enum) > 0 && !containsString(def.Enum, s) {
			return nil, hnscerr.SchemaError(fmt.Sprintf(
				"argument %q must be one of %v, got %q", path, def.Enum, s))
		}
		return s, nil

	case datatypes.ParamTypeInteger:
		n, ok := asInt64(v)
		if !ok {
			return nil, typeMismatch(path, "integer", v)
		}
		if err := checkBounds(path, float64(n), def); err != nil {
			return nil, err
		}
		return n, nil

	case datatypes.ParamTypeNumber:
		f, ok := asFloat64(v)
		if !ok {
			return nil, typeMismatch(path, "number", v)
		}
		if err := checkBounds(path, f, def); err != nil {
			return nil, err
		}
		return f, nil

	case datatypes.ParamTypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, typeMismatch(path, "boolean", v)
		}
		return b, nil

	case datatypes.ParamTypeArray:
		arr, ok := v.([]any)
		if !ok {
			return nil, typeMismatch(path, "array", v)
		}
		if def.Items == nil {
			return arr, nil
		}
		out := make([]any, len(arr))
		for i, elem := range arr {
			conformed, err := conformValue(fmt.Sprintf("%s[%d]", path, i), elem, *def.Items, mode)
			if err != nil {
				return nil, err
			}
			out[i] = conformed
		}
		return out, nil

	case datatypes.ParamTypeObject:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, typeMismatch(path, "object", v)
		}
		if def.Properties == nil {
			return m, nil
		}
		return conformMap(path, def.Properties, m, mode)
	}

	// Unreachable for registered tools: checkSchema rejects unknown types
	// at registration.
	return nil, hnscerr.SchemaError(fmt.Sprintf("argument %q has undefined type %q", path, def.Type))
}

// checkSchema verifies a schema is internally consistent. Called once per
// tool at registration so validation never meets a malformed definition.
func checkSchema(path string, schema datatypes.Schema) error {
	names := make([]string, 0, len(schema))
	for k := range schema {
		names = append(names, k)
	}
	sort.Strings(names)

	for _, pname := range names {
		if err := checkDef(joinPath(path, pname), schema[pname]); err != nil {
			return err
		}
	}
	return nil
}

func checkDef(path string, def datatypes.ParamDef) error {
	switch def.Type {
	case datatypes.ParamTypeString, datatypes.ParamTypeInteger, datatypes.ParamTypeNumber,
		datatypes.ParamTypeBoolean, datatypes.ParamTypeArray, datatypes.ParamTypeObject:
	default:
		return fmt.Errorf("%s: unknown type %q", path, def.Type)
	}

	if len(def.Enum) > 0 && def.Type != datatypes.ParamTypeString {
		return fmt.Errorf("%s: enum applies only to string parameters", path)
	}
	if def.MinLength < 0 || def.MaxLength < 0 {
		return fmt.Errorf("%s: negative length bound", path)
	}
	if def.MinLength > 0 && def.MaxLength > 0 && def.MinLength > def.MaxLength {
		return fmt.Errorf("%s: min_length exceeds max_length", path)
	}
	if def.Minimum != nil && def.Maximum != nil && *def.Minimum > *def.Maximum {
		return fmt.Errorf("%s: minimum exceeds maximum", path)
	}
	if def.Items != nil && def.Type != datatypes.ParamTypeArray {
		return fmt.Errorf("%s: items applies only to array parameters", path)
	}
	if def.Properties != nil && def.Type != datatypes.ParamTypeObject {
		return fmt.Errorf("%s: properties apply only to object parameters", path)
	}

	if def.Items != nil {
		if err := checkDef(path+"[]", *def.Items); err != nil {
			return err
		}
	}
	if def.Properties != nil {
		if err := checkSchema(path, def.Properties); err != nil {
			return err
		}
	}

	// A default that violates its own definition would turn every omission
	// of the parameter into a schema error at call time.
	if def.Default != nil {
		if _, err := conformValue(path, def.Default, def, modeInput); err != nil {
			return fmt.Errorf("%s: default does not satisfy its own definition: %w", path, err)
		}
	}
	return nil
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func typeMismatch(path, want string, got any) error {
	return hnscerr.SchemaError(fmt.Sprintf("argument %q: expected %s, got %T", path, want, got))
}

func containsString(set []string, s string) bool {
	for _, e := range set {
		if e == s {
			return true
		}
	}
	return false
}

// asInt64 accepts the integer spellings JSON and YAML decoding produce.
// Floats qualify only when integral.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func checkBounds(path string, n float64, def datatypes.ParamDef) error {
	if def.Minimum != nil && n < *def.Minimum {
		return hnscerr.SchemaError(fmt.Sprintf(
			"argument %q below minimum %v", path, *def.Minimum))
	}
	if def.Maximum != nil && n > *def.Maximum {
		return hnscerr.SchemaError(fmt.Sprintf(
			"argument %q above maximum %v", path, *def.Maximum))
	}
	return nil
}
