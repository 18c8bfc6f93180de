// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ratelimit gates request admission with token buckets keyed by
// (actor id, bucket key).
//
// Denials are immediate: the limiter never queues a caller. The returned
// retry hint tells the caller when one token of the requested cost will be
// available again.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config sizes every bucket. Capacity is the burst ceiling; RefillPerSec is
// the steady-state admission rate.
type Config struct {
	Capacity     int     `yaml:"capacity" validate:"gt=0"`
	RefillPerSec float64 `yaml:"refill_per_sec" validate:"gt=0"`
}

// DefaultConfig allows short bursts of ten with one request per second
// steady state.
func DefaultConfig() Config {
	return Config{Capacity: 10, RefillPerSec: 1}
}

// Validate rejects non-positive sizing.
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("ratelimit: capacity must be positive, got %d", c.Capacity)
	}
	if c.RefillPerSec <= 0 {
		return fmt.Errorf("ratelimit: refill_per_sec must be positive, got %g", c.RefillPerSec)
	}
	return nil
}

// bucket pairs a limiter with its last-use instant for pruning.
type bucket struct {
	lim      *rate.Limiter
	mu       sync.Mutex
	lastUsed time.Time
}

// Limiter is the per-key token bucket registry.
//
// # Thread Safety
//
// Safe for concurrent use. Bucket state is guarded by the underlying
// rate.Limiter; the registry map is guarded by its own RWMutex. No I/O
// happens under either lock.
type Limiter struct {
	cfg Config

	mu      sync.RWMutex
	buckets map[string]*bucket
}

// New builds an empty registry. Buckets materialize on first use of a key.
func New(cfg Config) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Limiter{cfg: cfg, buckets: make(map[string]*bucket)}, nil
}

// Allow consumes cost tokens from the (actorID, bucketKey) bucket.
//
// # Outputs
//
//   - admitted: true when the tokens were available and consumed.
//   - retryAfter: when admitted is false, how long until the request could
//     succeed. Zero when admitted, or when cost exceeds capacity outright
//     (such a request can never be admitted).
func (l *Limiter) Allow(actorID, bucketKey string, cost int) (admitted bool, retryAfter time.Duration) {
	if cost <= 0 {
		cost = 1
	}
	b := l.bucketFor(actorID, bucketKey)

	if cost > l.cfg.Capacity {
		return false, 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = time.Now()

	r := b.lim.ReserveN(b.lastUsed, cost)
	if !r.OK() {
		return false, 0
	}
	delay := r.DelayFrom(b.lastUsed)
	if delay > 0 {
		// Tokens are short; give them back and tell the caller when to retry.
		r.CancelAt(b.lastUsed)
		return false, delay
	}
	return true, 0
}

// bucketFor returns the bucket for a key, creating it on first use.
func (l *Limiter) bucketFor(actorID, bucketKey string) *bucket {
	key := actorID + "\x00" + bucketKey

	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	b = &bucket{
		lim:      rate.NewLimiter(rate.Limit(l.cfg.RefillPerSec), l.cfg.Capacity),
		lastUsed: time.Now(),
	}
	l.buckets[key] = b
	return b
}

// Len reports how many buckets are live.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// Prune drops buckets idle longer than maxIdle and returns how many were
// removed. Intended for a periodic housekeeping goroutine.
func (l *Limiter) Prune(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.buckets {
		b.mu.Lock()
		idle := b.lastUsed.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}
