// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit implements the append-only, hash-chained event log.
//
// A Sink owns one or more named streams. Each stream is a newline-delimited
// JSON file whose records form a hash chain: every event carries the hash of
// its predecessor and a SHA-256 over that hash plus the canonical encoding of
// its fields. Sequence numbers are dense and strictly increasing per stream,
// and survive process restarts (the tail of the file seeds the next chain).
//
// Appends are serialized per stream. Callers must not invoke Append while
// holding another component's lock.
package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/hnsc/pkg/validation"
	"github.com/AleutianAI/hnsc/services/hnsc/datatypes"
	"github.com/AleutianAI/hnsc/services/hnsc/hnscerr"
)

var auditTracer = otel.Tracer("hnsc.audit")

// Config controls sink construction.
type Config struct {
	// Dir is the directory holding one NDJSON file per stream.
	Dir string `yaml:"dir" validate:"required"`

	// Streams are the named append-only logs to open. Appends to a stream
	// not listed here fail.
	Streams []string `yaml:"streams" validate:"min=1"`

	// SyncWrites fsyncs after every append. Slower, but an acknowledged
	// append is then durable. Default true.
	SyncWrites bool `yaml:"sync_writes"`

	// Logger receives operational warnings. If nil, logging is disabled.
	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns production defaults with the three standard streams.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:        dir,
		Streams:    []string{"governance", "tool_invocation", "policy_change"},
		SyncWrites: true,
	}
}

// Sink is the set of open audit streams.
//
// # Thread Safety
//
// Safe for concurrent use. Each stream serializes its own appends; distinct
// streams append independently.
type Sink struct {
	cfg     Config
	logger  *slog.Logger
	streams map[string]*Stream
	start   time.Time

	// healthy is 1 while the last write on every stream succeeded. The
	// controller consults this before allowing side-effectful actions.
	healthy atomic.Bool

	appendTotal metric.Int64Counter
}

// Stream is a single hash-chained log. Obtain via Sink.Stream.
type Stream struct {
	name string
	sink *Sink

	mu       sync.Mutex
	file     *os.File
	seq      int64
	prevHash string
}

// NewSink opens (or creates) every configured stream and recovers each
// chain's tail so new events extend the existing chain.
func NewSink(cfg Config) (*Sink, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("audit: dir is required")
	}
	if len(cfg.Streams) == 0 {
		return nil, fmt.Errorf("audit: at least one stream is required")
	}
	// Stream names become file names under Dir.
	if err := validation.ValidateStreamNames(cfg.Streams); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Sink{
		cfg:     cfg,
		logger:  logger,
		streams: make(map[string]*Stream, len(cfg.Streams)),
		start:   time.Now(),
	}
	s.healthy.Store(true)

	meter := otel.Meter("hnsc.audit")
	var err error
	s.appendTotal, err = meter.Int64Counter("audit.append_total",
		metric.WithDescription("Audit events appended, by stream"))
	if err != nil {
		return nil, fmt.Errorf("audit: create counter: %w", err)
	}

	for _, name := range cfg.Streams {
		st, err := s.openStream(name)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.streams[name] = st
	}
	return s, nil
}

// openStream opens the stream file and recovers seq and prevHash from its
// last record.
func (s *Sink) openStream(name string) (*Stream, error) {
	path := filepath.Join(s.cfg.Dir, name+".ndjson")
	seq, prevHash, err := recoverTail(path)
	if err != nil {
		return nil, fmt.Errorf("audit: recover %s: %w", name, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", name, err)
	}
	return &Stream{name: name, sink: s, file: f, seq: seq, prevHash: prevHash}, nil
}

// recoverTail scans an existing stream file and returns (next seq, last
// hash). A missing or empty file starts a fresh chain.
func recoverTail(path string) (int64, string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, genesisHash, nil
	}
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	var last []byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventBytes)
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		last = append(last[:0], scanner.Bytes()...)
	}
	if err := scanner.Err(); err != nil {
		return 0, "", err
	}
	if len(last) == 0 {
		return 0, genesisHash, nil
	}
	var ev datatypes.AuditEvent
	if err := json.Unmarshal(last, &ev); err != nil {
		return 0, "", fmt.Errorf("parse tail record: %w", err)
	}
	return ev.Seq + 1, ev.Hash, nil
}

// maxEventBytes bounds a single serialized audit record.
const maxEventBytes = 1 << 20

// Stream returns the named stream.
func (s *Sink) Stream(name string) (*Stream, error) {
	st, ok := s.streams[name]
	if !ok {
		return nil, fmt.Errorf("audit: unknown stream %q", name)
	}
	return st, nil
}

// Healthy reports whether the last append on every stream succeeded. While
// false, the controller rejects actions whose side-effect class is not none.
func (s *Sink) Healthy() bool { return s.healthy.Load() }

// Append writes one event to the named stream and returns its sequence
// number. Failure returns an audit_write_error and flips the sink unhealthy
// until a later append succeeds.
func (s *Sink) Append(ctx context.Context, stream, category, actorID, requestID string, fields map[string]any) (int64, error) {
	st, err := s.Stream(stream)
	if err != nil {
		return 0, hnscerr.Wrap(err, hnscerr.KindAuditWriteError, "unknown audit stream")
	}
	return st.Append(ctx, category, actorID, requestID, fields)
}

// Append writes one event to this stream. Serialized with the stream mutex;
// hashing and encoding happen inside the critical section so the chain order
// equals the file order.
func (st *Stream) Append(ctx context.Context, category, actorID, requestID string, fields map[string]any) (int64, error) {
	_, span := auditTracer.Start(ctx, "audit.append")
	defer span.End()
	span.SetAttributes(
		attribute.String("audit.stream", st.name),
		attribute.String("audit.category", category),
	)

	canonical, err := Canonicalize(fields)
	if err != nil {
		return 0, hnscerr.Wrap(err, hnscerr.KindAuditWriteError, "canonicalize fields")
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	ev := datatypes.AuditEvent{
		Seq:         st.seq,
		MonotonicTS: time.Since(st.sink.start).Nanoseconds(),
		WallTS:      time.Now().UTC(),
		Category:    category,
		ActorID:     actorID,
		RequestID:   requestID,
		Fields:      fields,
		PrevHash:    st.prevHash,
		Hash:        chainHash(st.prevHash, canonical),
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return 0, hnscerr.Wrap(err, hnscerr.KindAuditWriteError, "encode event")
	}
	line = append(line, '\n')

	if _, err := st.file.Write(line); err != nil {
		st.sink.healthy.Store(false)
		st.sink.logger.Error("audit append failed",
			"stream", st.name, "category", category, "error", err)
		return 0, hnscerr.Wrap(err, hnscerr.KindAuditWriteError, "write event")
	}
	if st.sink.cfg.SyncWrites {
		if err := st.file.Sync(); err != nil {
			st.sink.healthy.Store(false)
			return 0, hnscerr.Wrap(err, hnscerr.KindAuditWriteError, "sync stream")
		}
	}

	st.sink.healthy.Store(true)
	st.sink.appendTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("stream", st.name)))

	seq := st.seq
	st.seq++
	st.prevHash = ev.Hash
	return seq, nil
}

// Name returns the stream's configured name.
func (st *Stream) Name() string { return st.name }

// Close flushes and closes every stream file.
func (s *Sink) Close() error {
	var firstErr error
	for _, st := range s.streams {
		st.mu.Lock()
		if st.file != nil {
			if err := st.file.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			st.file = nil
		}
		st.mu.Unlock()
	}
	return firstErr
}

// Handle is a request-scoped appender handed to tool handlers and pipeline
// stages so every event they emit carries the same actor and request ids.
type Handle struct {
	sink      *Sink
	stream    string
	actorID   string
	requestID string
}

// ForRequest binds a stream, actor and request id into a Handle.
func (s *Sink) ForRequest(stream, actorID, requestID string) *Handle {
	return &Handle{sink: s, stream: stream, actorID: actorID, requestID: requestID}
}

// Append writes an event under the handle's identity.
func (h *Handle) Append(ctx context.Context, category string, fields map[string]any) (int64, error) {
	return h.sink.Append(ctx, h.stream, category, h.actorID, h.requestID, fields)
}

// WithStream returns a handle identical to h but targeting another stream.
func (h *Handle) WithStream(stream string) *Handle {
	dup := *h
	dup.stream = stream
	return &dup
}
