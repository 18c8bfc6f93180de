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
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/hnsc/services/hnsc/hnscerr"
)

// ---- Key resolution ----

func TestReadKey_EnvWins(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "  sk-env \n")

	key, err := readKey(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Equal(t, []byte("sk-env"), key)
}

func TestReadKey_SecretFileFallback(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	path := filepath.Join(t.TempDir(), "openai_api_key")
	require.NoError(t, os.WriteFile(path, []byte("  sk-file\n"), 0o600))

	key, err := readKey(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("sk-file"), key)
}

func TestReadKey_MissingEverywhere(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	_, err := readKey(filepath.Join(t.TempDir(), "absent"))
	assert.ErrorContains(t, err, "OPENAI_API_KEY not set")
}

func TestReadKey_EmptySecretFile(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	path := filepath.Join(t.TempDir(), "openai_api_key")
	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o600))

	_, err := readKey(path)
	assert.ErrorContains(t, err, "is empty")
}

// ---- OpenAI client ----

// newTestClient points an OpenAIClient at a local fake endpoint.
func newTestClient(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultOpenAIConfig()
	cfg.BaseURL = srv.URL + "/v1"
	cfg.Timeout = 5 * time.Second
	c, err := NewOpenAIClient(cfg, []byte("test-key"))
	require.NoError(t, err)
	return c
}

func chatResponse(content string, tokensIn, tokensOut int) string {
	resp := map[string]any{
		"id":     "chatcmpl-1",
		"object": "chat.completion",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{
			"prompt_tokens":     tokensIn,
			"completion_tokens": tokensOut,
			"total_tokens":      tokensIn + tokensOut,
		},
	}
	raw, _ := json.Marshal(resp)
	return string(raw)
}

func TestNewOpenAIClient_RequiresKey(t *testing.T) {
	_, err := NewOpenAIClient(DefaultOpenAIConfig(), nil)
	assert.ErrorContains(t, err, "api key must not be empty")

	_, err = NewOpenAIClient(DefaultOpenAIConfig(), []byte("  \n"))
	assert.ErrorContains(t, err, "api key must not be empty")
}

func TestNewOpenAIClient_DefaultsModel(t *testing.T) {
	c, err := NewOpenAIClient(Config{}, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", c.Model())
}

func TestOpenAIClient_Generate(t *testing.T) {
	var body map[string]any
	var auth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatResponse("All systems nominal.", 42, 7)))
	})

	gen, err := c.Generate(context.Background(),
		Prompt{System: "You review system health.", User: "How is the service?"},
		GenerationParams{})
	require.NoError(t, err)

	assert.Equal(t, "All systems nominal.", gen.Text)
	assert.Equal(t, 42, gen.TokensIn)
	assert.Equal(t, 7, gen.TokensOut)
	assert.Equal(t, "Bearer test-key", auth)

	assert.Equal(t, "gpt-4o-mini", body["model"])
	messages := body["messages"].([]any)
	require.Len(t, messages, 2)
	first := messages[0].(map[string]any)
	assert.Equal(t, "system", first["role"])
	assert.Equal(t, "You review system health.", first["content"])
	second := messages[1].(map[string]any)
	assert.Equal(t, "user", second["role"])
}

func TestOpenAIClient_GenerateOmitsEmptySystem(t *testing.T) {
	var body map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatResponse("ok", 1, 1)))
	})

	_, err := c.Generate(context.Background(), Prompt{User: "ping"}, GenerationParams{})
	require.NoError(t, err)

	messages := body["messages"].([]any)
	require.Len(t, messages, 1)
	assert.Equal(t, "user", messages[0].(map[string]any)["role"])
}

func TestOpenAIClient_AppliesParams(t *testing.T) {
	var body map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatResponse("ok", 1, 1)))
	})

	temp := float32(0.2)
	topP := float32(0.9)
	maxTokens := 128
	_, err := c.Generate(context.Background(), Prompt{User: "ping"}, GenerationParams{
		Temperature: &temp,
		TopP:        &topP,
		MaxTokens:   &maxTokens,
		Stop:        []string{"END"},
	})
	require.NoError(t, err)

	assert.InDelta(t, 0.2, body["temperature"].(float64), 1e-6)
	assert.InDelta(t, 0.9, body["top_p"].(float64), 1e-6)
	assert.EqualValues(t, 128, body["max_completion_tokens"])
	assert.Equal(t, []any{"END"}, body["stop"])
}

func TestOpenAIClient_GenerateUpstreamError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"backend melted"}}`))
	})

	_, err := c.Generate(context.Background(), Prompt{User: "ping"}, GenerationParams{})
	require.Error(t, err)
	assert.Equal(t, hnscerr.KindUpstreamUnavailable, hnscerr.KindOf(err))
}

func TestOpenAIClient_GenerateNoChoices(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","object":"chat.completion","choices":[],"usage":{}}`))
	})

	_, err := c.Generate(context.Background(), Prompt{User: "ping"}, GenerationParams{})
	require.Error(t, err)
	assert.ErrorContains(t, err, "no choices")
	assert.Equal(t, hnscerr.KindUpstreamUnavailable, hnscerr.KindOf(err))
}

func TestOpenAIClient_KeyReusableAcrossCalls(t *testing.T) {
	var auths []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		auths = append(auths, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatResponse("ok", 1, 1)))
	})

	// The enclave decrypts a fresh copy per call; wiping one copy must not
	// consume the sealed key.
	for i := 0; i < 2; i++ {
		_, err := c.Generate(context.Background(), Prompt{User: "ping"}, GenerationParams{})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"Bearer test-key", "Bearer test-key"}, auths)
}

func TestOpenAIClient_Embed(t *testing.T) {
	var body map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.25,-0.5,1]}],"usage":{"prompt_tokens":2,"total_tokens":2}}`))
	})

	vec, err := c.Embed(context.Background(), "queue depth")
	require.NoError(t, err)

	assert.Equal(t, []float32{0.25, -0.5, 1}, vec)
	assert.Equal(t, "text-embedding-3-small", body["model"])
	assert.Equal(t, []any{"queue depth"}, body["input"])
}

func TestOpenAIClient_EmbedNoVectors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[],"usage":{}}`))
	})

	_, err := c.Embed(context.Background(), "queue depth")
	require.Error(t, err)
	assert.ErrorContains(t, err, "no vectors")
}

// ---- Mock backend ----

func TestMock_ScriptedReplies(t *testing.T) {
	m := NewMock("first reply", "second reply")

	g1, err := m.Generate(context.Background(), Prompt{System: "reasoner", User: "q"}, GenerationParams{})
	require.NoError(t, err)
	g2, err := m.Generate(context.Background(), Prompt{System: "critic", User: "q"}, GenerationParams{})
	require.NoError(t, err)
	g3, err := m.Generate(context.Background(), Prompt{User: "echo me back"}, GenerationParams{})
	require.NoError(t, err)

	assert.Equal(t, "first reply", g1.Text)
	assert.Equal(t, "second reply", g2.Text)
	assert.Equal(t, "echo me back", g3.Text)

	calls := m.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "reasoner", calls[0].System)
	assert.Equal(t, "critic", calls[1].System)
}

func TestMock_UsageCountsFields(t *testing.T) {
	m := NewMock("three word reply")

	gen, err := m.Generate(context.Background(),
		Prompt{System: "two words", User: "and three more"}, GenerationParams{})
	require.NoError(t, err)

	assert.Equal(t, 5, gen.TokensIn)
	assert.Equal(t, 3, gen.TokensOut)
}

func TestMock_FailGenerate(t *testing.T) {
	m := NewMock()
	m.FailGenerate(hnscerr.New(hnscerr.KindUpstreamUnavailable, "scripted outage"))

	_, err := m.Generate(context.Background(), Prompt{User: "q"}, GenerationParams{})
	assert.Equal(t, hnscerr.KindUpstreamUnavailable, hnscerr.KindOf(err))

	m.FailGenerate(nil)
	_, err = m.Generate(context.Background(), Prompt{User: "q"}, GenerationParams{})
	assert.NoError(t, err)
}

func TestMock_EmbeddingIsDeterministic(t *testing.T) {
	m := NewMock()

	a1, err := m.Embed(context.Background(), "queue depth is rising")
	require.NoError(t, err)
	a2, err := m.Embed(context.Background(), "queue depth is rising")
	require.NoError(t, err)
	b, err := m.Embed(context.Background(), "disk usage is rising")
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)
	assert.Len(t, a1, MockEmbeddingDim)

	var norm float64
	for _, v := range a1 {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-3)
}

func TestMock_HonorsContext(t *testing.T) {
	m := NewMock()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Generate(ctx, Prompt{User: "q"}, GenerationParams{})
	assert.Equal(t, hnscerr.KindCancelled, hnscerr.KindOf(err))

	_, err = m.Embed(ctx, "q")
	assert.Equal(t, hnscerr.KindCancelled, hnscerr.KindOf(err))
}
