// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/hnsc/services/hnsc/pool"
)

// Splitter separator sets, chosen by source file extension. Markdown
// splits on heading boundaries first so a chunk rarely straddles two
// runbook sections.
var (
	defaultSeparators  = []string{"\n\n", "\n", " ", ""}
	markdownSeparators = []string{
		"\n# ", "\n## ", "\n### ", "\n#### ",
		"\n\n", "\n", " ", "",
	}
	codeSeparators = []string{
		"\nfunc ", "\ntype ", "\nclass ", "\ndef ",
		"\n\n", "\n", " ", "",
	}
)

// IndexerConfig tunes how documents are chunked before embedding.
type IndexerConfig struct {
	// ChunkSize and ChunkOverlap are in characters, the same unit the
	// read side's token estimate divides by.
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
}

// DefaultIndexerConfig chunks at 1000 characters with 10% overlap.
func DefaultIndexerConfig() IndexerConfig {
	return IndexerConfig{ChunkSize: 1000, ChunkOverlap: 100}
}

// Source is one document to ingest into the knowledge base.
type Source struct {
	// Name identifies the origin, typically a file path or runbook id.
	// It lands on the source property of every chunk, and its extension
	// selects the splitter.
	Name string
	Text string
}

// Indexer is the write side of the knowledge base. It splits documents,
// embeds each chunk, and batch-inserts objects into the same class and
// properties the searcher reads.
//
// # Thread Safety
//
// Safe for concurrent use; every store call checks a client out of the
// pool.
type Indexer struct {
	pool     *pool.Pool[*weaviate.Client]
	embedder Embedder
	class    string
	cfg      IndexerConfig
	logger   *slog.Logger
}

// NewIndexer builds an indexer over the given pool. An empty class name
// selects KnowledgeChunkClassName; zero chunk sizes take the defaults.
func NewIndexer(p *pool.Pool[*weaviate.Client], embedder Embedder, class string, cfg IndexerConfig, logger *slog.Logger) *Indexer {
	if class == "" {
		class = KnowledgeChunkClassName
	}
	def := DefaultIndexerConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		pool:     p,
		embedder: embedder,
		class:    class,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "indexer")),
	}
}

// Index splits, embeds, and stores one document, returning the number of
// chunks written. Object ids are derived from the source name and chunk
// text, so re-ingesting an unchanged document rewrites the same objects
// instead of accumulating duplicates.
func (ix *Indexer) Index(ctx context.Context, src Source) (int, error) {
	if strings.TrimSpace(src.Name) == "" {
		return 0, fmt.Errorf("retrieval: source name is empty")
	}

	chunks, err := ix.splitterFor(src.Name).SplitText(src.Text)
	if err != nil {
		return 0, fmt.Errorf("retrieval: splitting %s: %w", src.Name, err)
	}
	if len(chunks) == 0 {
		ix.logger.Warn("document produced no chunks", slog.String("source", src.Name))
		return 0, nil
	}

	objects := make([]*models.Object, len(chunks))
	for i, chunk := range chunks {
		vector, err := ix.embedder.Embed(ctx, chunk)
		if err != nil {
			return 0, fmt.Errorf("retrieval: embedding chunk %d of %s: %w", i, src.Name, err)
		}
		objects[i] = chunkObject(ix.class, src.Name, i, chunk, vector)
	}

	written := 0
	err = ix.pool.Execute(ctx, func(ctx context.Context, client *weaviate.Client) error {
		resp, err := client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
		if err != nil {
			return fmt.Errorf("batch insert into %s: %w", ix.class, err)
		}
		for _, item := range resp {
			if item.Result != nil && item.Result.Status != nil && *item.Result.Status == "SUCCESS" {
				written++
				continue
			}
			if item.Result != nil && item.Result.Errors != nil && len(item.Result.Errors.Error) > 0 {
				ix.logger.Warn("chunk rejected by vector store",
					slog.String("source", src.Name),
					slog.String("error", item.Result.Errors.Error[0].Message))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if written < len(objects) {
		ix.logger.Warn("partial batch insert",
			slog.String("source", src.Name),
			slog.Int("written", written),
			slog.Int("chunks", len(objects)))
	} else {
		ix.logger.Info("document indexed",
			slog.String("source", src.Name),
			slog.Int("chunks", written))
	}
	return written, nil
}

// Purge removes every chunk previously indexed under the given source
// name. Run it before re-ingesting a document that may have shrunk, since
// content-addressed ids only overwrite chunks that still exist.
func (ix *Indexer) Purge(ctx context.Context, source string) (int, error) {
	where := filters.Where().
		WithPath([]string{"source"}).
		WithOperator(filters.Equal).
		WithValueText(source)

	deleted := 0
	err := ix.pool.Execute(ctx, func(ctx context.Context, client *weaviate.Client) error {
		resp, err := client.Batch().ObjectsBatchDeleter().
			WithClassName(ix.class).
			WithWhere(where).
			WithOutput("minimal").
			Do(ctx)
		if err != nil {
			return fmt.Errorf("batch delete from %s: %w", ix.class, err)
		}
		if resp != nil && resp.Results != nil {
			deleted = int(resp.Results.Successful)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	ix.logger.Info("source purged",
		slog.String("source", source),
		slog.Int("deleted", deleted))
	return deleted, nil
}

// chunkObject assembles one batch object. The id is the first half of
// sha256(source, chunk), so the same chunk of the same document always
// maps to the same object.
func chunkObject(class, source string, index int, chunk string, vector []float32) *models.Object {
	hash := sha256.Sum256([]byte(source + "\x00" + chunk))
	id, _ := uuid.FromBytes(hash[:16])

	return &models.Object{
		Class:  class,
		ID:     strfmt.UUID(id.String()),
		Vector: vector,
		Properties: map[string]interface{}{
			"chunkId": fmt.Sprintf("%s#%d", source, index),
			"content": chunk,
			"source":  source,
		},
	}
}

// splitterFor picks a splitter by file extension. Unknown extensions get
// the plain-text splitter.
func (ix *Indexer) splitterFor(name string) textsplitter.TextSplitter {
	opts := []textsplitter.Option{
		textsplitter.WithChunkSize(ix.cfg.ChunkSize),
		textsplitter.WithChunkOverlap(ix.cfg.ChunkOverlap),
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown":
		opts = append(opts, textsplitter.WithSeparators(markdownSeparators))
	case ".go", ".py", ".js", ".ts", ".java", ".c", ".h", ".rs":
		opts = append(opts, textsplitter.WithSeparators(codeSeparators))
	default:
		opts = append(opts, textsplitter.WithSeparators(defaultSeparators))
	}
	return textsplitter.NewRecursiveCharacter(opts...)
}
