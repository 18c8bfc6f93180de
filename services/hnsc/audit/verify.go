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
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// VerifyError reports the first point at which a stream's chain breaks.
type VerifyError struct {
	Line   int
	Seq    int64
	Reason string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("audit chain broken at line %d (seq %d): %s", e.Line, e.Seq, e.Reason)
}

// Verify re-walks a stream and checks the hash chain and sequence density.
// It returns the number of valid events. The first inconsistency stops the
// walk and is returned as a *VerifyError.
func Verify(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventBytes)

	prevHash := genesisHash
	var nextSeq int64
	line := 0
	count := 0

	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var ev struct {
			Seq      int64          `json:"seq"`
			Fields   map[string]any `json:"fields"`
			PrevHash string         `json:"prev_hash"`
			Hash     string         `json:"hash"`
		}
		// Decode through json.Number so integer field values keep their
		// exact digits for re-canonicalization.
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&ev); err != nil {
			return count, &VerifyError{Line: line, Seq: nextSeq, Reason: "unparseable record"}
		}

		if ev.Seq != nextSeq {
			return count, &VerifyError{Line: line, Seq: ev.Seq,
				Reason: fmt.Sprintf("sequence gap: want %d", nextSeq)}
		}
		if ev.PrevHash != prevHash {
			return count, &VerifyError{Line: line, Seq: ev.Seq, Reason: "prev_hash mismatch"}
		}

		canonical, err := Canonicalize(ev.Fields)
		if err != nil {
			return count, &VerifyError{Line: line, Seq: ev.Seq, Reason: "uncanonicalizable fields"}
		}
		if want := chainHash(prevHash, canonical); ev.Hash != want {
			return count, &VerifyError{Line: line, Seq: ev.Seq, Reason: "hash mismatch"}
		}

		prevHash = ev.Hash
		nextSeq = ev.Seq + 1
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("audit verify: read: %w", err)
	}
	return count, nil
}

// VerifyFile is Verify over a stream file on disk.
func VerifyFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("audit verify: %w", err)
	}
	defer f.Close()
	return Verify(f)
}
