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

import "time"

// AuditEvent is one hash-chained record of an append-only stream.
//
// Hash = SHA-256(PrevHash ‖ canonical(Fields)) over the audit package's
// canonical encoding. Seq is dense and strictly increasing per stream.
// Events are immutable once hashed.
type AuditEvent struct {
	Seq         int64          `json:"seq"`
	MonotonicTS int64          `json:"monotonic_ts"`
	WallTS      time.Time      `json:"wall_ts"`
	Category    string         `json:"category"`
	ActorID     string         `json:"actor_id,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
	PrevHash    string         `json:"prev_hash"`
	Hash        string         `json:"hash"`
}

// PolicyDecision is the gateway verdict for one (actor, tool, context)
// evaluation, cached by fingerprint until TTL or a version bump.
type PolicyDecision struct {
	Allowed bool     `json:"allowed"`
	Risk    float64  `json:"risk"`
	Reasons []string `json:"reasons,omitempty"`
	Version string   `json:"version"`
}
