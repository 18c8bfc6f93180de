// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/AleutianAI/hnsc/services/hnsc/breaker"
	"github.com/AleutianAI/hnsc/services/hnsc/config"
	"github.com/AleutianAI/hnsc/services/hnsc/pool"
	"github.com/AleutianAI/hnsc/services/hnsc/retrieval"
	"github.com/AleutianAI/hnsc/services/llm"
)

// ingestExtensions is the file allowlist for directory walks. Explicitly
// named files are ingested regardless of extension.
var ingestExtensions = map[string]bool{
	".md": true, ".markdown": true, ".txt": true, ".rst": true,
	".yaml": true, ".yml": true, ".json": true,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [file or directory...]",
	Short: "Ingest documents into the knowledge base",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runIngest,
}

var purgeCmd = &cobra.Command{
	Use:   "purge [source]",
	Short: "Remove every chunk previously ingested under a source name",
	Args:  cobra.ExactArgs(1),
	RunE:  runPurge,
}

// newIndexer assembles the write side of the knowledge base from the
// deployment configuration. Unlike the daemon, the CLI treats an
// unreachable vector store as a hard error: an ingest that cannot write
// has nothing advisory about it.
func newIndexer(cfg config.Config) (*retrieval.Indexer, *pool.Pool[*weaviate.Client], error) {
	if cfg.Weaviate.Host == "" {
		return nil, nil, fmt.Errorf("weaviate.host is not configured")
	}

	key, err := llm.ReadKey()
	if err != nil {
		return nil, nil, err
	}
	embedder, err := llm.NewOpenAIClient(cfg.LLM, key)
	if err != nil {
		return nil, nil, err
	}

	clientConf := weaviate.Config{Host: cfg.Weaviate.Host, Scheme: cfg.Weaviate.Scheme}
	vectorPool := pool.New("weaviate", cfg.Pool,
		func(context.Context) (*weaviate.Client, error) {
			return weaviate.NewClient(clientConf)
		},
		pool.WithBreaker[*weaviate.Client](breaker.New("weaviate", cfg.Breaker)))

	return retrieval.NewIndexer(vectorPool, embedder, cfg.Weaviate.Class,
		retrieval.DefaultIndexerConfig(), slog.Default()), vectorPool, nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	files, err := collectFiles(args)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no ingestable files under %s", strings.Join(args, ", "))
	}

	indexer, vectorPool, err := newIndexer(cfg)
	if err != nil {
		return err
	}
	defer vectorPool.Close()

	ctx := cmd.Context()
	if err := vectorPool.Execute(ctx, func(ctx context.Context, client *weaviate.Client) error {
		return retrieval.EnsureSchema(ctx, client)
	}); err != nil {
		return fmt.Errorf("vector store schema check: %w", err)
	}

	printHeader("Ingesting %d file(s)", len(files))
	total := 0
	failed := 0
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			printWarning("skip %s: %v", file, err)
			failed++
			continue
		}
		written, err := indexer.Index(ctx, retrieval.Source{Name: file, Text: string(data)})
		if err != nil {
			printWarning("failed %s: %v", file, err)
			failed++
			continue
		}
		printMuted("%s: %d chunk(s)", file, written)
		total += written
	}

	if failed > 0 {
		printWarning("%d file(s) failed", failed)
	}
	printSuccess("ingested %d chunk(s) from %d file(s)", total, len(files)-failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(files))
	}
	return nil
}

func runPurge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	indexer, vectorPool, err := newIndexer(cfg)
	if err != nil {
		return err
	}
	defer vectorPool.Close()

	deleted, err := indexer.Purge(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printSuccess("purged %d chunk(s) for source %s", deleted, args[0])
	return nil
}

// collectFiles expands the argument list: files pass through, directories
// are walked for known document extensions.
func collectFiles(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if strings.HasPrefix(d.Name(), ".") && path != arg {
					return filepath.SkipDir
				}
				return nil
			}
			if ingestExtensions[strings.ToLower(filepath.Ext(path))] {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}
