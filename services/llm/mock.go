// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	"github.com/AleutianAI/hnsc/services/hnsc/hnscerr"
)

// MockEmbeddingDim is the vector width the mock embedder produces.
const MockEmbeddingDim = 16

// Mock is a deterministic in-process backend. Generate serves scripted
// replies in order and echoes the user text once the script runs out; Embed
// derives a stable unit vector from the text alone. Identical inputs always
// produce identical outputs, so tests and offline runs stay reproducible.
// Safe for concurrent use.
type Mock struct {
	mu      sync.Mutex
	replies []string
	calls   []Prompt
	genErr  error
	embErr  error
}

// NewMock scripts the replies Generate serves, first to last.
func NewMock(replies ...string) *Mock {
	return &Mock{replies: replies}
}

// FailGenerate makes every subsequent Generate return err. Nil restores
// normal behavior.
func (m *Mock) FailGenerate(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.genErr = err
}

// FailEmbed makes every subsequent Embed return err. Nil restores normal
// behavior.
func (m *Mock) FailEmbed(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embErr = err
}

// Generate pops the next scripted reply. Usage is approximated as
// whitespace-separated fields so budget arithmetic stays testable.
func (m *Mock) Generate(ctx context.Context, prompt Prompt, _ GenerationParams) (*Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, hnscerr.FromContext(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.genErr != nil {
		return nil, m.genErr
	}
	m.calls = append(m.calls, prompt)

	text := prompt.User
	if len(m.replies) > 0 {
		text = m.replies[0]
		m.replies = m.replies[1:]
	}
	return &Generation{
		Text:      text,
		TokensIn:  countFields(prompt.System) + countFields(prompt.User),
		TokensOut: countFields(text),
	}, nil
}

// Embed returns a unit vector derived from the text.
func (m *Mock) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, hnscerr.FromContext(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.embErr != nil {
		return nil, m.embErr
	}
	return deterministicVector(text, MockEmbeddingDim), nil
}

// Calls returns a copy of the prompts Generate has served, in order.
func (m *Mock) Calls() []Prompt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Prompt, len(m.calls))
	copy(out, m.calls)
	return out
}

func countFields(s string) int {
	return len(strings.Fields(s))
}

// deterministicVector hashes text into a unit vector: per-component FNV of
// the text plus the component index, folded into [-1, 1], then normalized.
func deterministicVector(text string, dim int) []float32 {
	vec := make([]float32, dim)
	var norm float64
	for i := range vec {
		h := fnv.New64a()
		h.Write([]byte(text))
		h.Write([]byte{byte(i)})
		vec[i] = float32(int64(h.Sum64()%2001)-1000) / 1000
		norm += float64(vec[i]) * float64(vec[i])
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}
