// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pool provides a bounded, breaker-wrapped client pool.
//
// Connections are created lazily up to the configured size and handed out
// through Acquire. Execute is the preferred entry point: it retries failed
// acquires with exponential backoff, runs the call through the pool's
// circuit breaker, and guarantees the connection is returned on every exit
// path.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/AleutianAI/hnsc/services/hnsc/breaker"
	"github.com/AleutianAI/hnsc/services/hnsc/hnscerr"
)

// maxBackoff caps the exponential acquire backoff.
const maxBackoff = 5 * time.Second

// ErrAcquireTimeout is returned when no connection became available within
// the acquire deadline.
var ErrAcquireTimeout = hnscerr.New(hnscerr.KindPoolTimeout, "connection pool acquire timed out")

// ErrClosed is returned for operations on a closed pool.
var ErrClosed = hnscerr.New(hnscerr.KindUpstreamUnavailable, "connection pool is closed")

// Factory creates one connection. It is called lazily, at most Size times
// concurrently over the pool's lifetime.
type Factory[T any] func(ctx context.Context) (T, error)

// Config sizes the pool and its retry behavior.
type Config struct {
	// Size is the maximum number of live connections. Default: 4
	Size int `yaml:"size"`

	// AcquireTimeout bounds how long Acquire waits for a free connection.
	// The context deadline still applies if it is sooner. Default: 2s
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// MaxRetries is how many times Execute re-attempts a failed acquire.
	// Default: 2
	MaxRetries int `yaml:"max_retries"`

	// BaseBackoff is the first retry delay; it doubles per attempt.
	// Default: 100ms
	BaseBackoff time.Duration `yaml:"base_backoff"`
}

// DefaultConfig returns sensible defaults for a small sidecar deployment.
func DefaultConfig() Config {
	return Config{
		Size:           4,
		AcquireTimeout: 2 * time.Second,
		MaxRetries:     2,
		BaseBackoff:    100 * time.Millisecond,
	}
}

// Pool is a bounded connection pool.
//
// # Thread Safety
//
// Safe for concurrent use. The idle channel is the handoff queue; counters
// are guarded by the mutex.
type Pool[T any] struct {
	name    string
	cfg     Config
	factory Factory[T]
	closer  func(T) error
	brk     *breaker.Breaker

	mu      sync.Mutex
	created int
	inUse   int
	waiting int
	closed  bool

	idle chan T
	done chan struct{}
}

// Option customizes pool construction.
type Option[T any] func(*Pool[T])

// WithCloser sets the function used to tear down connections on Discard
// and Close. Without one, connections are dropped for the GC to collect.
func WithCloser[T any](closer func(T) error) Option[T] {
	return func(p *Pool[T]) { p.closer = closer }
}

// WithBreaker substitutes the circuit breaker guarding Execute. The default
// is a breaker named after the pool with default thresholds.
func WithBreaker[T any](b *breaker.Breaker) Option[T] {
	return func(p *Pool[T]) { p.brk = b }
}

// New creates an empty pool. Connections materialize on demand.
func New[T any](name string, cfg Config, factory Factory[T], opts ...Option[T]) *Pool[T] {
	if cfg.Size <= 0 {
		cfg.Size = 4
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 2 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}

	p := &Pool[T]{
		name:    name,
		cfg:     cfg,
		factory: factory,
		idle:    make(chan T, cfg.Size),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.brk == nil {
		p.brk = breaker.New(name, breaker.DefaultConfig())
	}
	return p
}

// Acquire checks out a connection, creating one if the pool is below size.
//
// # Outputs
//
//   - T: the connection; return it with Release or Discard.
//   - error: ErrAcquireTimeout when the wait exceeded the acquire timeout,
//     ErrClosed after Close, or the caller's context error.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T

	// Fast path: an idle connection is ready.
	select {
	case conn := <-p.idle:
		p.checkOut()
		return conn, nil
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, ErrClosed
	}
	if p.created < p.cfg.Size {
		// Reserve the slot before the factory call so concurrent acquires
		// cannot overshoot the bound.
		p.created++
		p.inUse++
		p.mu.Unlock()

		conn, err := p.factory(ctx)
		if err != nil {
			p.mu.Lock()
			p.created--
			p.inUse--
			p.mu.Unlock()
			return zero, hnscerr.Wrap(err, hnscerr.KindUpstreamUnavailable, "pool factory failed")
		}
		recordInUse(context.Background(), p.name, 1)
		return conn, nil
	}
	p.waiting++
	p.mu.Unlock()
	recordWaiting(context.Background(), p.name, 1)
	defer func() {
		p.mu.Lock()
		p.waiting--
		p.mu.Unlock()
		recordWaiting(context.Background(), p.name, -1)
	}()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case conn := <-p.idle:
		p.checkOut()
		return conn, nil
	case <-timer.C:
		return zero, ErrAcquireTimeout
	case <-ctx.Done():
		return zero, hnscerr.FromContext(ctx.Err())
	case <-p.done:
		return zero, ErrClosed
	}
}

// Release returns a connection to the pool. After Close, released
// connections are torn down instead of pooled.
func (p *Pool[T]) Release(conn T) {
	p.mu.Lock()
	p.inUse--
	if p.closed {
		p.created--
		p.mu.Unlock()
		recordInUse(context.Background(), p.name, -1)
		p.teardown(conn)
		return
	}
	p.mu.Unlock()
	recordInUse(context.Background(), p.name, -1)

	select {
	case p.idle <- conn:
	default:
		// Unreachable while the checkout invariants hold; drop rather
		// than block.
		p.teardown(conn)
	}
}

// Discard removes a broken connection from the pool. The freed slot lets a
// later Acquire create a replacement.
func (p *Pool[T]) Discard(conn T) {
	p.mu.Lock()
	p.inUse--
	p.created--
	p.mu.Unlock()
	recordInUse(context.Background(), p.name, -1)
	p.teardown(conn)
}

// Execute acquires a connection, runs fn through the circuit breaker, and
// releases the connection on every exit path.
//
// A failed acquire is retried with exponential backoff up to MaxRetries.
// Errors from fn itself are returned as-is without retry; retry policy for
// call failures belongs to the caller, who knows whether the call is
// idempotent.
func (p *Pool[T]) Execute(ctx context.Context, fn func(context.Context, T) error) error {
	for attempt := 0; ; attempt++ {
		conn, err := p.Acquire(ctx)
		if err == nil {
			execErr := p.brk.Execute(ctx, func(ctx context.Context) error {
				return fn(ctx, conn)
			})
			p.Release(conn)
			return execErr
		}

		if attempt >= p.cfg.MaxRetries || !hnscerr.IsTransient(err) {
			return err
		}
		if serr := sleepBackoff(ctx, p.backoff(attempt)); serr != nil {
			return serr
		}
	}
}

// Breaker exposes the pool's circuit breaker for state inspection.
func (p *Pool[T]) Breaker() *breaker.Breaker {
	return p.brk
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Created int
	InUse   int
	Idle    int
	Waiting int
}

// Stats returns current occupancy counts.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Created: p.created,
		InUse:   p.inUse,
		Idle:    len(p.idle),
		Waiting: p.waiting,
	}
}

// Close tears down idle connections and fails all pending and future
// acquires. Connections still checked out are torn down on Release.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)

	var drained []T
	for {
		select {
		case conn := <-p.idle:
			drained = append(drained, conn)
			p.created--
		default:
			p.mu.Unlock()
			for _, conn := range drained {
				p.teardown(conn)
			}
			return nil
		}
	}
}

// checkOut accounts for a connection leaving the idle queue.
func (p *Pool[T]) checkOut() {
	p.mu.Lock()
	p.inUse++
	p.mu.Unlock()
	recordInUse(context.Background(), p.name, 1)
}

// teardown closes a connection if a closer was configured.
func (p *Pool[T]) teardown(conn T) {
	if p.closer != nil {
		_ = p.closer(conn)
	}
}

// backoff returns the delay before retry number attempt+1.
func (p *Pool[T]) backoff(attempt int) time.Duration {
	d := p.cfg.BaseBackoff << uint(attempt)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

// sleepBackoff waits for d or until the context is done.
func sleepBackoff(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return hnscerr.FromContext(ctx.Err())
	}
}
