// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Levels
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
		{Level(-1), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.level.String())
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", "debug", LevelDebug, false},
		{"info", "info", LevelInfo, false},
		{"warn", "warn", LevelWarn, false},
		{"warning alias", "warning", LevelWarn, false},
		{"error", "error", LevelError, false},
		{"mixed case", "INFO", LevelInfo, false},
		{"surrounding space", "  warn ", LevelWarn, false},
		{"unknown", "trace", LevelInfo, true},
		{"empty", "", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	tests := []struct {
		level Level
		want  slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{LevelError, slog.LevelError},
		{Level(99), slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.level.toSlogLevel())
		})
	}
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_ZeroConfig(t *testing.T) {
	logger := New(Config{})
	require.NotNil(t, logger)
	require.NotNil(t, logger.slog)
	defer logger.Close()
}

func TestNew_WithLogDir(t *testing.T) {
	tmpDir := t.TempDir()
	logger := New(Config{
		LogDir:  tmpDir,
		Service: "gatekeeper",
		Quiet:   true,
	})
	defer logger.Close()

	require.NotNil(t, logger.file)

	files, err := os.ReadDir(tmpDir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, strings.HasPrefix(files[0].Name(), "gatekeeper_"))
	assert.True(t, strings.HasSuffix(files[0].Name(), ".log"))
}

func TestNew_WithLogDir_DefaultServiceName(t *testing.T) {
	tmpDir := t.TempDir()
	logger := New(Config{
		LogDir: tmpDir,
		Quiet:  true,
	})
	defer logger.Close()

	files, err := os.ReadDir(tmpDir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, strings.HasPrefix(files[0].Name(), "hnsc_"),
		"unnamed services log as hnsc, got %s", files[0].Name())
}

func TestNew_WithLogDir_UncreatablePath(t *testing.T) {
	// A regular file in the middle of the path makes MkdirAll fail
	// regardless of the uid running the tests.
	tmpDir := t.TempDir()
	blocker := filepath.Join(tmpDir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	logger := New(Config{
		LogDir: filepath.Join(blocker, "logs"),
		Quiet:  true,
	})
	defer logger.Close()

	// Degrades to the remaining destinations instead of failing.
	assert.Nil(t, logger.file)
	logger.Info("still works")
}

func TestDefault(t *testing.T) {
	logger := Default()
	defer logger.Close()

	assert.Equal(t, LevelInfo, logger.config.Level)
	assert.Equal(t, "hnsc", logger.config.Service)
}

// =============================================================================
// Emission and export
// =============================================================================

func waitForEntries(t *testing.T, e *BufferedExporter, n int) []LogEntry {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(e.Entries()) >= n
	}, 3*time.Second, 10*time.Millisecond, "exporter never saw %d entries", n)
	return e.Entries()
}

func TestLogger_ExportsEachLevel(t *testing.T) {
	tests := []struct {
		name string
		emit func(l *Logger)
		want Level
	}{
		{"debug", func(l *Logger) { l.Debug("m", "k", "v") }, LevelDebug},
		{"info", func(l *Logger) { l.Info("m", "k", "v") }, LevelInfo},
		{"warn", func(l *Logger) { l.Warn("m", "k", "v") }, LevelWarn},
		{"error", func(l *Logger) { l.Error("m", "k", "v") }, LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exporter := NewBufferedExporter()
			logger := New(Config{
				Level:    LevelDebug,
				Service:  "gatekeeper",
				Exporter: exporter,
				Quiet:    true,
			})
			defer logger.Close()

			tt.emit(logger)

			entries := waitForEntries(t, exporter, 1)
			assert.Equal(t, tt.want, entries[0].Level)
			assert.Equal(t, "m", entries[0].Message)
			assert.Equal(t, "gatekeeper", entries[0].Service)
			assert.Equal(t, "v", entries[0].Attrs["k"])
		})
	}
}

func TestLogger_LevelFiltersExport(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{
		Level:    LevelWarn,
		Exporter: exporter,
		Quiet:    true,
	})
	defer logger.Close()

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error")

	entries := waitForEntries(t, exporter, 2)
	assert.Len(t, entries, 2)
}

func TestLogger_With(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{
		Level:    LevelInfo,
		Exporter: exporter,
		Quiet:    true,
	})
	defer logger.Close()

	child := logger.With("request_id", "req-42")
	require.NotNil(t, child)

	child.Info("request admitted")
	waitForEntries(t, exporter, 1)
}

func TestLogger_With_SharesResources(t *testing.T) {
	logger := New(Config{
		LogDir:  t.TempDir(),
		Service: "gatekeeper",
		Quiet:   true,
	})
	defer logger.Close()

	child := logger.With("child", true)
	assert.Same(t, logger.file, child.file)
}

func TestLogger_ConcurrentUse(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{
		Level:    LevelInfo,
		Exporter: exporter,
		Quiet:    true,
	})
	defer logger.Close()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.Info("concurrent log", "n", n)
		}(i)
	}
	wg.Wait()

	entries := waitForEntries(t, exporter, 100)
	assert.Len(t, entries, 100)
}

func TestLogger_Slog(t *testing.T) {
	logger := New(Config{Quiet: true})
	defer logger.Close()

	assert.NotNil(t, logger.Slog())
}

// =============================================================================
// Close
// =============================================================================

func TestLogger_Close_WithFile(t *testing.T) {
	logger := New(Config{
		LogDir:  t.TempDir(),
		Service: "gatekeeper",
		Quiet:   true,
	})
	logger.Info("before close")

	require.NoError(t, logger.Close())

	// The handle is closed; a direct write must fail.
	require.NotNil(t, logger.file)
	_, err := logger.file.WriteString("after close")
	assert.Error(t, err)
}

func TestLogger_Close_PropagatesFirstExporterError(t *testing.T) {
	exporter := &errorExporter{
		flushErr: errors.New("flush failed"),
		closeErr: errors.New("close failed"),
	}
	logger := New(Config{Exporter: exporter, Quiet: true})

	err := logger.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flush exporter")
}

func TestLogger_ExportErrorsAreDropped(t *testing.T) {
	exporter := &errorExporter{exportErr: errors.New("export failed")}
	logger := New(Config{Level: LevelInfo, Exporter: exporter, Quiet: true})
	defer logger.Close()

	logger.Info("fine")
	time.Sleep(50 * time.Millisecond)
}

// errorExporter fails on demand.
type errorExporter struct {
	exportErr error
	flushErr  error
	closeErr  error
}

func (e *errorExporter) Export(ctx context.Context, entry LogEntry) error { return e.exportErr }

func (e *errorExporter) Flush(ctx context.Context) error { return e.flushErr }

func (e *errorExporter) Close() error { return e.closeErr }

// =============================================================================
// multiHandler
// =============================================================================

func TestMultiHandler_EnabledIfAnyHandlerIs(t *testing.T) {
	var buf bytes.Buffer
	debugH := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	errorH := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelError})

	mh := &multiHandler{handlers: []slog.Handler{debugH, errorH}}
	assert.True(t, mh.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, mh.Enabled(context.Background(), slog.LevelError))

	strict := &multiHandler{handlers: []slog.Handler{errorH}}
	assert.False(t, strict.Enabled(context.Background(), slog.LevelInfo))
}

func TestMultiHandler_HandleHonorsPerHandlerLevels(t *testing.T) {
	var debugBuf, errorBuf bytes.Buffer
	mh := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&errorBuf, &slog.HandlerOptions{Level: slog.LevelError}),
	}}

	record := slog.Record{Level: slog.LevelInfo, Message: "info record"}
	require.NoError(t, mh.Handle(context.Background(), record))

	assert.NotZero(t, debugBuf.Len())
	assert.Zero(t, errorBuf.Len())
}

func TestMultiHandler_PropagatesHandlerError(t *testing.T) {
	mh := &multiHandler{handlers: []slog.Handler{
		&failingHandler{err: errors.New("handler error")},
	}}

	err := mh.Handle(context.Background(), slog.Record{Level: slog.LevelInfo})
	require.Error(t, err)
}

func TestMultiHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	mh := &multiHandler{handlers: []slog.Handler{slog.NewTextHandler(&buf, nil)}}

	withAttrs := mh.WithAttrs([]slog.Attr{slog.String("k", "v")})
	assert.IsType(t, &multiHandler{}, withAttrs)

	withGroup := mh.WithGroup("grp")
	assert.IsType(t, &multiHandler{}, withGroup)
}

func TestMultiHandler_Empty(t *testing.T) {
	mh := &multiHandler{}
	assert.False(t, mh.Enabled(context.Background(), slog.LevelError))
	assert.NoError(t, mh.Handle(context.Background(), slog.Record{}))
}

// failingHandler accepts every record and fails to handle it.
type failingHandler struct {
	err error
}

func (h *failingHandler) Enabled(ctx context.Context, level slog.Level) bool { return true }

func (h *failingHandler) Handle(ctx context.Context, r slog.Record) error { return h.err }

func (h *failingHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }

func (h *failingHandler) WithGroup(name string) slog.Handler { return h }

// =============================================================================
// Helpers
// =============================================================================

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	tests := []struct {
		input string
		want  string
	}{
		{"~/logs", filepath.Join(home, "logs")},
		{"~/.hnsc/logs", filepath.Join(home, ".hnsc/logs")},
		{"~", home},
		{"/var/log", "/var/log"},
		{"relative/path", "relative/path"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, expandPath(tt.input))
		})
	}
}

func TestArgsToMap(t *testing.T) {
	tests := []struct {
		name string
		args []any
		want map[string]any
	}{
		{"empty", []any{}, map[string]any{}},
		{"single pair", []any{"key", "value"}, map[string]any{"key": "value"}},
		{"multiple pairs", []any{"k1", "v1", "k2", 42}, map[string]any{"k1": "v1", "k2": 42}},
		{"dangling key dropped", []any{"k1", "v1", "orphan"}, map[string]any{"k1": "v1"}},
		{"non-string key skipped", []any{123, "v", "k", "ok"}, map[string]any{"k": "ok"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, argsToMap(tt.args))
		})
	}
}

// =============================================================================
// Exporters
// =============================================================================

func TestNopExporter(t *testing.T) {
	e := &NopExporter{}
	assert.NoError(t, e.Export(context.Background(), LogEntry{Message: "x"}))
	assert.NoError(t, e.Flush(context.Background()))
	assert.NoError(t, e.Close())
}

func TestBufferedExporter_CollectsEntries(t *testing.T) {
	e := NewBufferedExporter()
	for i := 0; i < 10; i++ {
		require.NoError(t, e.Export(context.Background(), LogEntry{Message: "msg"}))
	}
	assert.Len(t, e.Entries(), 10)
}

func TestBufferedExporter_EntriesReturnsCopy(t *testing.T) {
	e := NewBufferedExporter()
	require.NoError(t, e.Export(context.Background(), LogEntry{Message: "original"}))

	first := e.Entries()
	first[0].Message = "modified"

	assert.Equal(t, "original", e.Entries()[0].Message)
}

func TestBufferedExporter_ConcurrentAccess(t *testing.T) {
	e := NewBufferedExporter()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Export(context.Background(), LogEntry{Message: "msg"})
		}()
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Entries()
		}()
	}
	wg.Wait()

	assert.Len(t, e.Entries(), 100)
}

func TestWriterExporter_WritesOneLinePerEntry(t *testing.T) {
	var buf bytes.Buffer
	e := NewWriterExporter(&buf)

	err := e.Export(context.Background(), LogEntry{
		Timestamp: time.Now(),
		Level:     LevelInfo,
		Message:   "request admitted",
		Attrs:     map[string]any{"actor": "alice"},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "request admitted")
	assert.Contains(t, out, "INFO")
	assert.Equal(t, 1, strings.Count(out, "\n"))

	assert.NoError(t, e.Flush(context.Background()))
	assert.NoError(t, e.Close())
}

// =============================================================================
// End to end
// =============================================================================

func TestLogger_FileContentIsJSON(t *testing.T) {
	tmpDir := t.TempDir()
	logger := New(Config{
		Level:   LevelInfo,
		LogDir:  tmpDir,
		Service: "gatekeeper",
		Quiet:   true,
	})

	logger.Info("request admitted", "actor", "alice")
	require.NoError(t, logger.Close())

	files, err := os.ReadDir(tmpDir)
	require.NoError(t, err)
	require.Len(t, files, 1)

	content, err := os.ReadFile(filepath.Join(tmpDir, files[0].Name()))
	require.NoError(t, err)

	assert.Contains(t, string(content), "request admitted")
	assert.Contains(t, string(content), `"actor":"alice"`)
	assert.Contains(t, string(content), `"service":"gatekeeper"`)
}

func TestLogger_AllDestinations(t *testing.T) {
	tmpDir := t.TempDir()
	exporter := NewBufferedExporter()

	logger := New(Config{
		Level:    LevelDebug,
		LogDir:   tmpDir,
		Service:  "gatekeeper",
		Exporter: exporter,
		Quiet:    true,
	})

	logger.Debug("d", "k", "v")
	logger.Info("i", "k", 1)
	logger.Warn("w", "k", true)
	logger.Error("e", "k", 4.5)
	logger.With("request_id", "req-1").Info("child")

	entries := waitForEntries(t, exporter, 5)
	require.NoError(t, logger.Close())

	assert.Len(t, entries, 5)

	files, err := os.ReadDir(tmpDir)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}
