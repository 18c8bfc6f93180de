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
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	openai "github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/hnsc/services/hnsc/hnscerr"
)

// DefaultSecretPath is where container deployments mount the generator key.
const DefaultSecretPath = "/run/secrets/openai_api_key"

const (
	defaultChatModel      = "gpt-4o-mini"
	defaultEmbeddingModel = "text-embedding-3-small"
	defaultTimeout        = 60 * time.Second
)

// Config tunes the OpenAI-compatible backend.
type Config struct {
	// BaseURL points at an OpenAI-compatible gateway (vLLM, LiteLLM, a
	// local proxy). Empty uses the public endpoint.
	BaseURL string `yaml:"base_url"`

	// Model is the chat model; EmbeddingModel the embeddings model.
	Model          string `yaml:"model"`
	EmbeddingModel string `yaml:"embedding_model"`

	// Timeout bounds one API round trip.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultOpenAIConfig returns production defaults.
func DefaultOpenAIConfig() Config {
	return Config{
		Model:          defaultChatModel,
		EmbeddingModel: defaultEmbeddingModel,
		Timeout:        defaultTimeout,
	}
}

// OpenAIClient talks to an OpenAI-compatible chat and embeddings endpoint.
//
// The API key is sealed in a memguard enclave at construction and decrypted
// only for the duration of a call, so the plaintext never sits in unlocked
// heap between requests. Safe for concurrent use.
type OpenAIClient struct {
	cfg  Config
	key  *memguard.Enclave
	http *http.Client
}

// NewOpenAIClient seals key into locked memory; the caller's copy is wiped
// by the seal. Missing tuning values fall back to defaults.
func NewOpenAIClient(cfg Config, key []byte) (*OpenAIClient, error) {
	if len(bytes.TrimSpace(key)) == 0 {
		return nil, errors.New("llm: api key must not be empty")
	}
	if cfg.Model == "" {
		cfg.Model = defaultChatModel
		slog.Warn("generator model not configured, using default", slog.String("model", cfg.Model))
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = defaultEmbeddingModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &OpenAIClient{
		cfg:  cfg,
		key:  memguard.NewEnclave(key),
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Model returns the configured chat model.
func (c *OpenAIClient) Model() string { return c.cfg.Model }

// api decrypts the key for one call. The cleanup func wipes the plaintext;
// callers defer it so the key is destroyed as soon as the round trip ends.
func (c *OpenAIClient) api() (*openai.Client, func(), error) {
	buf, err := c.key.Open()
	if err != nil {
		return nil, nil, hnscerr.Wrap(err, hnscerr.KindInternal, "open generator key")
	}
	cfg := openai.DefaultConfig(buf.String())
	if c.cfg.BaseURL != "" {
		cfg.BaseURL = c.cfg.BaseURL
	}
	cfg.HTTPClient = c.http
	return openai.NewClientWithConfig(cfg), buf.Destroy, nil
}

// Generate runs one chat completion. An empty Prompt.System sends the user
// turn alone.
func (c *OpenAIClient) Generate(ctx context.Context, prompt Prompt, params GenerationParams) (*Generation, error) {
	api, done, err := c.api()
	if err != nil {
		return nil, err
	}
	defer done()

	req := openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt.System},
			{Role: openai.ChatMessageRoleUser, Content: prompt.User},
		},
	}
	if prompt.System == "" {
		req.Messages = req.Messages[1:]
	}
	applyParams(&req, params)

	slog.Debug("generating", slog.String("model", c.cfg.Model))
	resp, err := api.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, mapAPIError(err, "chat completion")
	}
	if len(resp.Choices) == 0 {
		return nil, hnscerr.New(hnscerr.KindUpstreamUnavailable, "generator returned no choices")
	}
	return &Generation{
		Text:      resp.Choices[0].Message.Content,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
	}, nil
}

// Embed converts text to a vector with the configured embedding model.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	api, done, err := c.api()
	if err != nil {
		return nil, err
	}
	defer done()

	resp, err := api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(c.cfg.EmbeddingModel),
	})
	if err != nil {
		return nil, mapAPIError(err, "embedding")
	}
	if len(resp.Data) == 0 {
		return nil, hnscerr.New(hnscerr.KindUpstreamUnavailable, "embedding response carried no vectors")
	}
	return resp.Data[0].Embedding, nil
}

// applyParams copies the set sampling knobs onto the request. TopK has no
// OpenAI equivalent and is ignored.
func applyParams(req *openai.ChatCompletionRequest, params GenerationParams) {
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
}

// mapAPIError folds backend failures into the shared taxonomy. Context
// expiry keeps its timeout/cancelled kind for diagnostics; everything else
// is an upstream availability problem the breaker can count.
func mapAPIError(err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return hnscerr.FromContext(err)
	}
	return hnscerr.Wrap(err, hnscerr.KindUpstreamUnavailable, op+" failed")
}

// ReadKey resolves the generator API key: the OPENAI_API_KEY environment
// variable wins, then the container secret mount. Callers hand the bytes to
// NewOpenAIClient, which seals and wipes them.
func ReadKey() ([]byte, error) {
	return readKey(DefaultSecretPath)
}

func readKey(secretPath string) ([]byte, error) {
	if key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); key != "" {
		return []byte(key), nil
	}
	raw, err := os.ReadFile(secretPath)
	if err != nil {
		return nil, fmt.Errorf("llm: OPENAI_API_KEY not set and secret not readable: %w", err)
	}
	key := bytes.TrimSpace(raw)
	if len(key) == 0 {
		return nil, fmt.Errorf("llm: secret file %s is empty", secretPath)
	}
	return key, nil
}
