// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command hnscd starts the HNSC control-plane daemon.
//
// It loads one YAML configuration file, assembles the controller with the
// builtin operational toolset, and serves the HTTP API until SIGINT or
// SIGTERM.
//
// # Environment Variables
//
//   - HNSC_CONFIG: configuration file path (also the -config flag)
//   - HNSC_ADDR: overrides server.addr
//   - HNSC_AUTH_TOKEN: overrides server.auth_token
//   - OPENAI_API_KEY: generator key; falls back to /run/secrets/openai_api_key
//   - WEAVIATE_SERVICE_URL: overrides the weaviate section (full URL)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector endpoint
//
// # Usage
//
//	# Build
//	go build -o hnscd ./cmd/hnscd
//
//	# Run
//	./hnscd -config hnscd.yaml
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/AleutianAI/hnsc/pkg/logging"
	"github.com/AleutianAI/hnsc/services/hnsc"
	"github.com/AleutianAI/hnsc/services/hnsc/breaker"
	"github.com/AleutianAI/hnsc/services/hnsc/config"
	"github.com/AleutianAI/hnsc/services/hnsc/observability"
	"github.com/AleutianAI/hnsc/services/hnsc/pool"
	"github.com/AleutianAI/hnsc/services/hnsc/retrieval"
	"github.com/AleutianAI/hnsc/services/hnsc/server"
	"github.com/AleutianAI/hnsc/services/hnsc/workflow"
	"github.com/AleutianAI/hnsc/services/llm"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("hnscd: %v", err)
	}
}

func run() error {
	start := time.Now()

	cfgPath := flag.String("config", os.Getenv("HNSC_CONFIG"), "configuration file path")
	spoolDir := flag.String("spool", "data/spool", "directory for supervisor restart directives")
	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		cfg, err = config.Load(*cfgPath)
		if err != nil {
			return err
		}
	}
	applyEnvOverrides(&cfg)

	logCfg, err := cfg.Logging.Build("hnscd")
	if err != nil {
		return err
	}
	lg := logging.New(logCfg)
	defer lg.Close()
	logger := lg.Slog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observability.Init(ctx, cfg.Observability)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	key, err := llm.ReadKey()
	if err != nil {
		return err
	}
	generator, err := llm.NewOpenAIClient(cfg.LLM, key)
	if err != nil {
		return err
	}

	registry, err := builtinToolset(toolsetOptions{
		logDir:   cfg.Logging.Dir,
		spoolDir: *spoolDir,
		start:    start,
	})
	if err != nil {
		return err
	}

	deps := hnsc.Deps{
		Logger:    logger,
		Generator: generator,
		Embedder:  generator,
		Registry:  registry,
	}

	if cfg.Retrieval.Enabled {
		search, vectorPool := buildSearch(ctx, cfg, logger)
		if vectorPool != nil {
			defer vectorPool.Close()
		}
		deps.Search = search
	}

	if cfg.Workflow.RecordsDir != "" {
		storeCfg := workflow.DefaultStoreConfig(cfg.Workflow.RecordsDir)
		storeCfg.TTL = cfg.Workflow.RecordsTTL
		storeCfg.Logger = logger
		records, err := workflow.OpenStore(storeCfg)
		if err != nil {
			return err
		}
		defer records.Close()
		deps.Records = records
	}

	svc, err := hnsc.New(cfg, deps)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := svc.Close(closeCtx); err != nil {
			logger.Warn("controller close failed", slog.String("error", err.Error()))
		}
	}()

	srv := server.New(svc, cfg.Server, logger)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	logger.Info("hnscd started",
		slog.String("addr", cfg.Server.Addr),
		slog.Bool("retrieval", deps.Search != nil),
		slog.String("environment", cfg.Observability.Environment))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		return srv.Shutdown(context.Background())
	}
}

// buildSearch constructs the pooled Weaviate search client. A misconfigured
// or unreachable store degrades to no retrieval instead of failing startup;
// the retriever is advisory end to end.
func buildSearch(ctx context.Context, cfg config.Config, logger *slog.Logger) (retrieval.SearchClient, *pool.Pool[*weaviate.Client]) {
	host, scheme := cfg.Weaviate.Host, cfg.Weaviate.Scheme
	if host == "" {
		logger.Info("weaviate host not configured, retrieval disabled")
		return nil, nil
	}

	clientConf := weaviate.Config{Host: host, Scheme: scheme}
	vectorPool := pool.New("weaviate", cfg.Pool,
		func(context.Context) (*weaviate.Client, error) {
			return weaviate.NewClient(clientConf)
		},
		pool.WithBreaker[*weaviate.Client](breaker.New("weaviate", cfg.Breaker)))

	// Best effort: a store that is down right now can still come back while
	// the daemon runs, so schema failures are logged and tolerated.
	schemaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := vectorPool.Execute(schemaCtx, func(ctx context.Context, client *weaviate.Client) error {
		return retrieval.EnsureSchema(ctx, client)
	})
	if err != nil {
		logger.Warn("weaviate schema check failed, retrieval will degrade until the store recovers",
			slog.String("host", host), slog.String("error", err.Error()))
	}

	return retrieval.NewWeaviateSearch(vectorPool, cfg.Weaviate.Class), vectorPool
}

// applyEnvOverrides lets container deployments adjust the wiring keys
// without editing the configuration file. Everything else stays file-driven.
func applyEnvOverrides(cfg *config.Config) {
	if addr := os.Getenv("HNSC_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if token := os.Getenv("HNSC_AUTH_TOKEN"); token != "" {
		cfg.Server.AuthToken = token
	}
	if raw := strings.Trim(os.Getenv("WEAVIATE_SERVICE_URL"), "\"' "); raw != "" {
		if u, err := url.Parse(raw); err == nil && u.Scheme != "" && u.Host != "" {
			cfg.Weaviate.Host = u.Host
			cfg.Weaviate.Scheme = u.Scheme
		} else {
			slog.Warn("WEAVIATE_SERVICE_URL is invalid, keeping configured endpoint",
				"url", raw)
		}
	}
}
