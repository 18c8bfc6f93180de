// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// genesisHash seeds the chain of a fresh stream.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Canonicalize renders fields as canonical JSON bytes: lexicographically
// sorted object keys, no insignificant whitespace, and number literals
// preserved digit-for-digit.
//
// # Description
//
// The hash chain is only verifiable if append-time and verify-time encodings
// agree byte for byte. Verification decodes events from NDJSON, so the
// canonical form must be reachable from both a live map[string]any and its
// decoded round-trip. Canonicalize therefore marshals the input once, decodes
// it through json.Number (keeping integer literals exact), and marshals the
// normalized tree again. encoding/json sorts map keys, which supplies the
// stable field order.
//
// # Limitations
//
//   - NaN and Inf are not representable (json.Marshal rejects them).
//   - Struct inputs are normalized through their JSON tags.
func Canonicalize(fields map[string]any) ([]byte, error) {
	if len(fields) == 0 {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var normalized any
	if err := dec.Decode(&normalized); err != nil {
		return nil, fmt.Errorf("canonicalize: normalize: %w", err)
	}
	out, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: re-encode: %w", err)
	}
	return out, nil
}

// chainHash computes hex(SHA-256(prevHash ‖ canonical)).
func chainHash(prevHash string, canonical []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}
