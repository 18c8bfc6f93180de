// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation for identifiers that cross
// trust boundaries.
//
// This package contains validators for names that end up in file paths,
// metric labels, or cache keys. Using these validators prevents injection
// attacks (path traversal via stream names, label injection via tool names
// and actor ids).
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// identPattern matches snake_case identifiers used for tool names and audit
// stream names. Both become file-path components and metric label values, so
// the charset is deliberately narrow.
var identPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// actorPattern matches caller identities: usernames (alice), service
// accounts (svc-admin), and email-style principals (alice@example.com).
var actorPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@\-]{0,127}$`)

// ValidateToolName validates a tool name before it is used as a registry
// key, circuit-breaker key, or metric label value.
//
// Valid names:
//   - 1-64 characters
//   - Lowercase letters a-z, digits, underscores
//   - Must start with a letter
//
// Example:
//
//	if err := validation.ValidateToolName(tool.Name); err != nil {
//	    return fmt.Errorf("invalid tool: %w", err)
//	}
func ValidateToolName(name string) error {
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if !identPattern.MatchString(name) {
		return fmt.Errorf("invalid tool name: %q (must be 1-64 lowercase snake_case chars starting with a letter)", name)
	}
	return nil
}

// ValidateStreamName validates an audit stream name before it is joined
// into a file path. The snake_case grammar admits no separators, so a
// validated name cannot traverse out of the audit directory.
func ValidateStreamName(name string) error {
	if name == "" {
		return fmt.Errorf("stream name cannot be empty")
	}
	if !identPattern.MatchString(name) {
		return fmt.Errorf("invalid stream name: %q (must be 1-64 lowercase snake_case chars starting with a letter)", name)
	}
	return nil
}

// ValidateStreamNames validates multiple stream names.
// Returns an error listing all invalid names if any fail validation.
func ValidateStreamNames(names []string) error {
	var invalid []string
	for _, n := range names {
		if err := ValidateStreamName(n); err != nil {
			invalid = append(invalid, n)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid stream names: %v", invalid)
	}
	return nil
}

// ValidateActorID validates a caller identity taken from a request header
// before it is used in rate-limit keys, role lookups, or audit records.
func ValidateActorID(id string) error {
	if id == "" {
		return fmt.Errorf("actor id cannot be empty")
	}
	if !actorPattern.MatchString(id) {
		return fmt.Errorf("invalid actor id: %q (must be 1-128 chars: letters, digits, dot, underscore, hyphen, or @)", id)
	}
	return nil
}

// SanitizeActorID trims surrounding whitespace and validates the result.
// Case is preserved: actor ids are case-sensitive identities.
//
//	actor, err := validation.SanitizeActorID(r.Header.Get("X-Actor-ID"))
//	if err != nil {
//	    return err
//	}
func SanitizeActorID(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if err := ValidateActorID(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
