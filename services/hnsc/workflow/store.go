// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/hnsc/services/hnsc/hnscerr"
)

const recordPrefix = "exec/"

// ErrRecordNotFound reports a lookup for an execution id with no persisted
// record. Records expire by TTL, so a long-finished execution eventually
// reports this too.
var ErrRecordNotFound = errors.New("workflow: execution record not found")

// StoreConfig controls the execution record store.
type StoreConfig struct {
	// Path is the directory for the BadgerDB files. Required unless
	// InMemory is set.
	Path string

	// InMemory keeps records in memory only. For tests.
	InMemory bool

	// SyncWrites fsyncs every write. Records are advisory, so the default
	// trades durability for write latency.
	SyncWrites bool

	// TTL is how long a record outlives its execution. Zero keeps records
	// until compaction reclaims them manually.
	TTL time.Duration

	// Logger receives BadgerDB's internal logging. Nil disables it.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection. Zero
	// disables the runner; in-memory stores never run it.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC
	// rewrites a value log file.
	GCDiscardRatio float64
}

// DefaultStoreConfig returns production defaults for a persistent store at
// the given path.
func DefaultStoreConfig(path string) StoreConfig {
	return StoreConfig{
		Path:           path,
		TTL:            24 * time.Hour,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryStoreConfig returns a configuration for tests. Data is lost on
// Close.
func InMemoryStoreConfig() StoreConfig {
	return StoreConfig{
		InMemory: true,
		TTL:      24 * time.Hour,
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store persists terminal execution records in BadgerDB, one JSON document
// per execution, keyed by id and evicted by TTL.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	db     *badger.DB
	ttl    time.Duration
	stopGC chan struct{}
	doneGC chan struct{}
}

// OpenStore opens the record store, creating the directory if needed. The
// caller owns the store and must Close it.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("workflow: store path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create record store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}

	s := &Store{db: db, ttl: cfg.TTL}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.doneGC = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

func (s *Store) runGC(interval time.Duration, ratio float64) {
	defer close(s.doneGC)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// ErrNoRewrite means nothing needed collecting.
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				slog.Warn("record store GC failed", slog.String("error", err.Error()))
			}
		case <-s.stopGC:
			return
		}
	}
}

// Put persists a status snapshot under its execution id, stamped with the
// store's TTL. Re-putting the same id overwrites the record.
func (s *Store) Put(ctx context.Context, st Status) error {
	if err := ctx.Err(); err != nil {
		return hnscerr.FromContext(err)
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode execution record: %w", err)
	}
	key := []byte(recordPrefix + st.ID.String())
	err = s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(key, data)
		if s.ttl > 0 {
			entry = entry.WithTTL(s.ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("write execution record: %w", err)
	}
	return nil
}

// Get loads the record for an execution id. Expired and unknown ids return
// ErrRecordNotFound.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, hnscerr.FromContext(err)
	}
	var st Status
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(recordPrefix + id.String()))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrRecordNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &st)
		})
	})
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return Status{}, ErrRecordNotFound
		}
		return Status{}, fmt.Errorf("read execution record: %w", err)
	}
	return st, nil
}

// List returns up to limit unexpired records, most recently started first.
// A non-positive limit returns everything.
func (s *Store) List(ctx context.Context, limit int) ([]Status, error) {
	if err := ctx.Err(); err != nil {
		return nil, hnscerr.FromContext(err)
	}
	var out []Status
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var st Status
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &st)
			})
			if err != nil {
				return err
			}
			out = append(out, st)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan execution records: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close stops the GC runner and closes the database.
func (s *Store) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.doneGC
	}
	return s.db.Close()
}
