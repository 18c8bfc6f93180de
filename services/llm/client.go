// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm holds the generator and embedding backends the control plane
// calls out to. The dual-model driver generates through Client; the
// retriever embeds through Embedder. Backends: an OpenAI-compatible client
// whose API key lives in locked memory, and a deterministic in-process mock
// for tests and offline runs.
package llm

import "context"

// Prompt is one chat turn pair. System frames the pass (reasoner, critic);
// User carries the request text plus any retrieved context.
type Prompt struct {
	System string
	User   string
}

// GenerationParams are the optional sampling knobs. Nil fields leave the
// backend's defaults in place; backends ignore knobs they do not support.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Generation is one completion with the usage the backend reported. Token
// counts feed the driver's budget forecaster.
type Generation struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// Client is the generator interface every backend implements.
type Client interface {
	Generate(ctx context.Context, prompt Prompt, params GenerationParams) (*Generation, error)
}

// Embedder converts text to a fixed-dimension vector. It matches the
// retriever's embedding contract so one backend serves both.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
