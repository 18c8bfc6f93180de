// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package breaker shields downstream dependencies with per-key circuit
// breakers.
//
// Failures are counted over a rolling window rather than consecutively, so a
// slow trickle of errors inside the window trips the breaker even when
// successes are interleaved. After the cooldown a single probe is admitted;
// its outcome decides whether the circuit closes again or reopens for a
// fresh cooldown.
package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/hnsc/services/hnsc/hnscerr"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed allows requests through normally.
	StateClosed State = iota

	// StateOpen rejects all requests immediately.
	StateOpen

	// StateHalfOpen admits exactly one probe request.
	StateHalfOpen
)

// String returns the human-readable name for the circuit state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when the circuit rejects a call. Rejections during
// the half-open race report the same error as a fully open circuit.
var ErrOpen = hnscerr.New(hnscerr.KindCircuitOpen, "circuit breaker is open")

// Config controls how a breaker trips and recovers.
type Config struct {
	// FailThreshold is the number of failures within Window before opening.
	// Default: 5
	FailThreshold int `yaml:"fail_threshold"`

	// Window is the rolling interval over which failures are counted.
	// Default: 30s
	Window time.Duration `yaml:"window"`

	// Cooldown is how long the circuit stays open before admitting a probe.
	// Default: 30s
	Cooldown time.Duration `yaml:"cooldown"`

	// OnStateChange is invoked asynchronously on every transition.
	OnStateChange func(name string, from, to State) `yaml:"-"`
}

// DefaultConfig returns sensible defaults for the circuit breaker.
func DefaultConfig() Config {
	return Config{
		FailThreshold: 5,
		Window:        30 * time.Second,
		Cooldown:      30 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern for one dependency key.
//
// # Thread Safety
//
// Safe for concurrent use. State queries take a read lock only, so they
// never block admission decisions in flight.
type Breaker struct {
	name string
	cfg  Config

	mu       sync.RWMutex
	state    State
	failures []time.Time
	openedAt time.Time

	// probe is the half-open admission slot. Exactly one caller wins the
	// compare-and-swap; everyone else is rejected as if the circuit were
	// still open.
	probe atomic.Bool
}

// New creates a breaker in the closed state. Zero config values fall back
// to defaults.
func New(name string, cfg Config) *Breaker {
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{name: name, cfg: cfg, state: StateClosed}
}

// Execute runs fn if the circuit admits it and records the outcome.
//
// # Outputs
//
//   - error: ErrOpen (with a retry hint) when the call was rejected,
//     otherwise whatever fn returned.
//
// Caller cancellation is neutral: it neither trips nor heals the circuit,
// and it releases a claimed probe slot so the next caller can retry the
// dependency.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !b.Allow() {
		return ErrOpen.WithRetryAfter(b.RetryAfter())
	}

	err := fn(ctx)
	switch {
	case err == nil:
		b.RecordSuccess()
	case errors.Is(err, context.Canceled):
		b.releaseProbe()
	default:
		b.RecordFailure()
	}
	return err
}

// Allow checks whether a request may proceed, claiming the half-open probe
// slot when the cooldown has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.transitionTo(StateHalfOpen, now)
	case StateHalfOpen:
	default:
		return false
	}

	return b.probe.CompareAndSwap(false, true)
}

// RecordSuccess reports a successful call.
//
// In the closed state windowed failures are left to age out; a success says
// nothing about the failures already counted. A successful half-open probe
// closes the circuit and clears the failure record.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.transitionTo(StateClosed, time.Now())
	}
}

// RecordFailure reports a failed call. Enough failures inside the window
// open the circuit; a failed probe reopens it with a fresh cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case StateClosed:
		b.failures = append(b.failures, now)
		b.pruneLocked(now)
		if len(b.failures) >= b.cfg.FailThreshold {
			b.transitionTo(StateOpen, now)
		}
	case StateHalfOpen:
		b.transitionTo(StateOpen, now)
	case StateOpen:
		// Stragglers from calls admitted before the trip change nothing.
	}
}

// State returns the current circuit state without blocking admissions.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// RetryAfter reports how long until the circuit will admit a probe.
// Zero when the circuit is not open.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.state != StateOpen {
		return 0
	}
	remaining := b.cfg.Cooldown - time.Since(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// FailureCount returns how many failures are currently inside the window.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(time.Now())
	return len(b.failures)
}

// Reset forces the circuit closed and clears the failure record. For tests
// and manual intervention.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(StateClosed, time.Now())
	b.failures = b.failures[:0]
}

// releaseProbe returns an unused probe slot after a neutral outcome.
func (b *Breaker) releaseProbe() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.state == StateHalfOpen {
		b.probe.Store(false)
	}
}

// pruneLocked drops failures older than the window. Must hold mu.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

// transitionTo changes state, resets the probe slot, and emits the state
// gauge. Must hold mu.
func (b *Breaker) transitionTo(to State, now time.Time) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.probe.Store(false)

	switch to {
	case StateOpen:
		b.openedAt = now
	case StateClosed:
		b.failures = b.failures[:0]
	}

	recordStateChange(context.Background(), b.name, to)

	if b.cfg.OnStateChange != nil {
		// Callback runs outside the lock to prevent deadlocks.
		go b.cfg.OnStateChange(b.name, from, to)
	}
}

// Registry manages circuit breakers for multiple dependency keys.
//
// # Thread Safety
//
// Registry is safe for concurrent use.
type Registry struct {
	defaultConfig Config
	breakers      map[string]*Breaker
	mu            sync.RWMutex
}

// NewRegistry creates an empty registry. Breakers are created on demand
// with the default configuration.
func NewRegistry(defaultConfig Config) *Registry {
	return &Registry{
		defaultConfig: defaultConfig,
		breakers:      make(map[string]*Breaker),
	}
}

// Get returns the breaker for a key, creating it if needed.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, exists := r.breakers[name]
	r.mu.RUnlock()
	if exists {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if b, exists = r.breakers[name]; exists {
		return b
	}
	b = New(name, r.defaultConfig)
	r.breakers[name] = b
	return b
}

// GetWithConfig returns the breaker for a key, creating it with a custom
// configuration if it does not exist yet.
func (r *Registry) GetWithConfig(name string, cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, exists := r.breakers[name]; exists {
		return b
	}
	b := New(name, cfg)
	r.breakers[name] = b
	return b
}

// States returns the current state of every registered breaker.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		result[name] = b.State()
	}
	return result
}

// ResetAll forces every registered breaker closed.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, b := range r.breakers {
		b.Reset()
	}
}
