// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the hnscd configuration file.
//
// One YAML document configures every component. The tree here composes the
// component packages' own Config types, so each key is declared exactly once,
// next to the code it tunes. Load starts from Default and overlays the file
// on top, which keeps partial configuration files usable: an omitted key is
// a working default, never a zero value.
//
// Decoding is strict. A key the tree does not declare fails the load instead
// of silently keeping its default, because a typo that ships to production
// with default limits is worse than a startup error.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/hnsc/pkg/logging"
	"github.com/AleutianAI/hnsc/services/hnsc/arbiter"
	"github.com/AleutianAI/hnsc/services/hnsc/audit"
	"github.com/AleutianAI/hnsc/services/hnsc/breaker"
	"github.com/AleutianAI/hnsc/services/hnsc/datatypes"
	"github.com/AleutianAI/hnsc/services/hnsc/driver"
	"github.com/AleutianAI/hnsc/services/hnsc/observability"
	"github.com/AleutianAI/hnsc/services/hnsc/policy"
	"github.com/AleutianAI/hnsc/services/hnsc/pool"
	"github.com/AleutianAI/hnsc/services/hnsc/ratelimit"
	"github.com/AleutianAI/hnsc/services/hnsc/redact"
	"github.com/AleutianAI/hnsc/services/hnsc/retrieval"
	"github.com/AleutianAI/hnsc/services/hnsc/safety"
	"github.com/AleutianAI/hnsc/services/hnsc/tools"
	"github.com/AleutianAI/hnsc/services/hnsc/workflow"
	"github.com/AleutianAI/hnsc/services/llm"
)

// configValidate is the validator instance for the configuration tree.
var configValidate = validator.New()

// =============================================================================
// Local sections
// =============================================================================

// ServerConfig tunes the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`

	// AuthToken, when set, is the shared bearer token the transport
	// accepts. Requests presenting it run authenticated; requests with no
	// credentials still serve, they just cannot enter restricted modes.
	// Empty disables transport auth entirely.
	AuthToken string `yaml:"auth_token,omitempty"`

	// ReadTimeout and WriteTimeout bound one plain HTTP exchange. Watch
	// connections are hijacked and escape both.
	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gte=0"`

	// ShutdownGrace bounds the drain of in-flight requests at shutdown.
	ShutdownGrace time.Duration `yaml:"shutdown_grace" validate:"gte=0"`
}

// LoggingConfig tunes pkg/logging. Level stays a string here so the YAML
// reads naturally; Build resolves it.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"required"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
	Quiet bool   `yaml:"quiet"`
}

// Build converts the section to the logging package's Config.
func (c LoggingConfig) Build(service string) (logging.Config, error) {
	lvl, err := logging.ParseLevel(c.Level)
	if err != nil {
		return logging.Config{}, fmt.Errorf("config: logging.level: %w", err)
	}
	return logging.Config{
		Level:   lvl,
		LogDir:  c.Dir,
		Service: service,
		JSON:    c.JSON,
		Quiet:   c.Quiet,
	}, nil
}

// WeaviateConfig locates the vector store backing retrieval. Host and Scheme
// map directly onto the weaviate client's own Config.
type WeaviateConfig struct {
	Host   string `yaml:"host" validate:"required"`
	Scheme string `yaml:"scheme" validate:"oneof=http https"`
	Class  string `yaml:"class"`
}

// RouterConfig points at the routing rule file. Empty means the embedded
// default rule set.
type RouterConfig struct {
	RulesFile string `yaml:"rules_file"`
}

// RetrievalConfig joins the retrieval tuning with its expansion block.
type RetrievalConfig struct {
	retrieval.Config `yaml:",inline"`

	Expansion retrieval.ExpansionConfig `yaml:"expansion"`
}

// WorkflowConfig joins the engine tuning with the definitions file. An empty
// DefinitionsFile means the embedded default definitions.
type WorkflowConfig struct {
	workflow.Config `yaml:",inline"`

	DefinitionsFile string `yaml:"definitions_file"`

	// RecordsDir is the BadgerDB directory for persisted execution
	// records. Empty keeps terminal executions in memory only.
	RecordsDir string `yaml:"records_dir"`

	// RecordsTTL is how long a persisted record outlives its execution.
	// Zero keeps records until compaction reclaims them.
	RecordsTTL time.Duration `yaml:"records_ttl" validate:"gte=0"`
}

// =============================================================================
// Tree
// =============================================================================

// Config is the full hnscd configuration.
type Config struct {
	Server        ServerConfig         `yaml:"server"`
	Logging       LoggingConfig        `yaml:"logging"`
	Observability observability.Config `yaml:"observability"`

	// ModeScopeTags maps a request mode to the tool scope tags reachable in
	// it. It is the documented top-level key; the safety section owns
	// enforcement, and normalize feeds it from here when the safety section
	// leaves its own map empty. Setting both is a conflict.
	ModeScopeTags map[datatypes.Mode][]string `yaml:"mode_scope_tags"`

	RateLimit   ratelimit.Config     `yaml:"rate_limit"`
	Breaker     breaker.Config       `yaml:"breaker"`
	Pool        pool.Config          `yaml:"pool"`
	Weaviate    WeaviateConfig       `yaml:"weaviate"`
	Retrieval   RetrievalConfig      `yaml:"retrieval"`
	Workflow    WorkflowConfig       `yaml:"workflow"`
	Router      RouterConfig         `yaml:"router"`
	Tools       tools.ExecutorConfig `yaml:"tools"`
	Arbitration arbiter.Config       `yaml:"arbitration"`
	Policy      policy.Config        `yaml:"policy"`
	Audit       audit.Config         `yaml:"audit"`
	Safety      safety.Config        `yaml:"safety"`
	Redact      redact.Config        `yaml:"redact"`
	LLM         llm.Config           `yaml:"llm"`
	Driver      driver.Config        `yaml:"driver"`
}

// Default returns production defaults for every component. A configuration
// file overlays these, so an omitted section keeps working values.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:          ":12230",
			ReadTimeout:   15 * time.Second,
			WriteTimeout:  30 * time.Second,
			ShutdownGrace: 10 * time.Second,
		},
		Logging:       LoggingConfig{Level: "info"},
		Observability: observability.DefaultConfig(),
		RateLimit:     ratelimit.DefaultConfig(),
		Breaker:       breaker.DefaultConfig(),
		Pool:          pool.DefaultConfig(),
		Weaviate: WeaviateConfig{
			Host:   "localhost:8080",
			Scheme: "http",
			Class:  retrieval.KnowledgeChunkClassName,
		},
		Retrieval: RetrievalConfig{
			Config:    retrieval.DefaultConfig(),
			Expansion: retrieval.DefaultExpansionConfig(),
		},
		Workflow:    WorkflowConfig{Config: workflow.DefaultConfig()},
		Tools:       tools.DefaultExecutorConfig(),
		Arbitration: arbiter.DefaultConfig(),
		Policy:      policy.DefaultConfig(),
		Audit:       audit.DefaultConfig("data/audit"),
		Safety:      safety.DefaultConfig(),
		LLM:         llm.DefaultOpenAIConfig(),
		Driver:      driver.DefaultConfig(),
	}
}

// =============================================================================
// Loading
// =============================================================================

// Load reads, validates, and normalizes the configuration file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w (file %s)", err, path)
	}
	return cfg, nil
}

// Parse overlays a YAML document onto Default, then validates and normalizes
// the result. An empty document yields the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	return cfg, nil
}

// normalize resolves the cross-section defaults Validate has already checked
// for conflicts: the top-level mode_scope_tags feeds the safety gate when the
// safety section did not set its own.
func (c *Config) normalize() {
	if len(c.Safety.ModeScopeTags) == 0 && len(c.ModeScopeTags) > 0 {
		c.Safety.ModeScopeTags = c.ModeScopeTags
	}
}

// =============================================================================
// Validation
// =============================================================================

// Validate checks the whole tree: struct tags first, then each component's
// own Validate, then the rules that span sections. It does not mutate c, so
// hand-assembled configurations can call it directly.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("config: logging.level: %w", err)
	}

	for _, check := range []func() error{
		c.RateLimit.Validate,
		c.Workflow.Config.Validate,
		c.Arbitration.Validate,
		c.Policy.Validate,
		c.Safety.Validate,
		c.Driver.Validate,
		c.Observability.Validate,
	} {
		if err := check(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}

	if err := c.validateSizing(); err != nil {
		return err
	}
	return c.validateCrossSection()
}

// validateSizing covers the sections whose packages accept any value and
// clamp at construction time. Configuration is where a bad number should
// surface, not a silent clamp at startup.
func (c Config) validateSizing() error {
	if c.Breaker.FailThreshold <= 0 {
		return fmt.Errorf("config: breaker.fail_threshold must be positive, got %d", c.Breaker.FailThreshold)
	}
	if c.Breaker.Window <= 0 {
		return fmt.Errorf("config: breaker.window must be positive, got %s", c.Breaker.Window)
	}
	if c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("config: breaker.cooldown must be positive, got %s", c.Breaker.Cooldown)
	}
	if c.Pool.Size <= 0 {
		return fmt.Errorf("config: pool.size must be positive, got %d", c.Pool.Size)
	}
	if c.Pool.AcquireTimeout <= 0 {
		return fmt.Errorf("config: pool.acquire_timeout must be positive, got %s", c.Pool.AcquireTimeout)
	}
	if c.Pool.MaxRetries < 0 {
		return fmt.Errorf("config: pool.max_retries must not be negative, got %d", c.Pool.MaxRetries)
	}
	if c.Pool.BaseBackoff <= 0 {
		return fmt.Errorf("config: pool.base_backoff must be positive, got %s", c.Pool.BaseBackoff)
	}
	if c.Tools.DefaultTimeout <= 0 {
		return fmt.Errorf("config: tools.default_timeout must be positive, got %s", c.Tools.DefaultTimeout)
	}
	if c.LLM.Model == "" {
		return errors.New("config: llm.model must not be empty")
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("config: llm.timeout must be positive, got %s", c.LLM.Timeout)
	}
	return nil
}

// validateCrossSection covers rules no single section can state alone.
func (c Config) validateCrossSection() error {
	if c.Retrieval.Enabled {
		if c.Retrieval.TopK <= 0 {
			return fmt.Errorf("config: retrieval.top_k must be positive, got %d", c.Retrieval.TopK)
		}
		if c.Retrieval.TokenBudget <= 0 {
			return fmt.Errorf("config: retrieval.token_budget must be positive, got %d", c.Retrieval.TokenBudget)
		}
		// The rerank pool is narrowed to the final K, so it must be at
		// least that wide.
		if c.Retrieval.RerankEnabled && c.Retrieval.RerankTopK < c.Retrieval.TopK {
			return fmt.Errorf("config: retrieval.rerank_top_k (%d) must be at least retrieval.top_k (%d)",
				c.Retrieval.RerankTopK, c.Retrieval.TopK)
		}
		// Context that cannot fit under the generation budget would be
		// retrieved only to be dropped by the forecaster.
		if c.Retrieval.TokenBudget > c.Driver.TokenBudget {
			return fmt.Errorf("config: retrieval.token_budget (%d) exceeds driver.token_budget (%d)",
				c.Retrieval.TokenBudget, c.Driver.TokenBudget)
		}
	}

	if len(c.ModeScopeTags) > 0 && len(c.Safety.ModeScopeTags) > 0 {
		return errors.New("config: mode_scope_tags is set both at the top level and under safety; pick one")
	}
	for m := range c.ModeScopeTags {
		if !m.Valid() {
			return fmt.Errorf("config: mode_scope_tags key %q is not a defined mode", m)
		}
	}
	return nil
}
