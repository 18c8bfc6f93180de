// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/hnsc/services/hnsc/datatypes"
)

var tracer = otel.Tracer("hnsc.policy")

var policyDenials = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "hnsc",
	Subsystem: "policy",
	Name:      "denials_total",
	Help:      "Policy denials by reason.",
}, []string{"reason"})

//go:embed policy.yaml
var embeddedPolicy []byte

// manifestName is the file inside the policy dir that pins the active
// version. Absent, the highest semantic version wins.
const manifestName = "active"

// maxCacheEntries bounds the decision cache; crossing it resets the cache
// rather than tracking an eviction order.
const maxCacheEntries = 4096

// Auditor records policy.version events. *audit.Handle satisfies it.
type Auditor interface {
	Append(ctx context.Context, category string, fields map[string]any) (int64, error)
}

// Config tunes the gateway.
type Config struct {
	// Dir holds versioned rule documents (*.yaml) plus the active
	// manifest. Empty runs on the embedded baseline alone.
	Dir string `yaml:"dir"`

	// TTLSeconds bounds how long a cached decision may be served. Zero
	// disables the cache.
	TTLSeconds int `yaml:"ttl_seconds" validate:"gte=0"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{TTLSeconds: 300}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.TTLSeconds < 0 {
		return errors.New("policy: ttl_seconds must not be negative")
	}
	return nil
}

type cacheEntry struct {
	dec     datatypes.PolicyDecision
	expires time.Time
}

// decisionCache is a TTL map keyed by evaluation fingerprint. Expiry is
// lazy; version switches purge it wholesale.
type decisionCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

func newDecisionCache(ttl time.Duration) *decisionCache {
	return &decisionCache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

func (c *decisionCache) get(key string) (datatypes.PolicyDecision, bool) {
	if c.ttl <= 0 {
		return datatypes.PolicyDecision{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return datatypes.PolicyDecision{}, false
	}
	if time.Now().After(entry.expires) {
		delete(c.entries, key)
		return datatypes.PolicyDecision{}, false
	}
	return entry.dec, true
}

func (c *decisionCache) put(key string, dec datatypes.PolicyDecision) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= maxCacheEntries {
		c.entries = make(map[string]cacheEntry)
	}
	c.entries[key] = cacheEntry{dec: dec, expires: time.Now().Add(c.ttl)}
}

func (c *decisionCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

func (c *decisionCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Gateway serves policy decisions from the active snapshot and manages the
// loaded version set. Safe for concurrent use.
type Gateway struct {
	cfg    Config
	logger *slog.Logger
	aud    Auditor
	cache  *decisionCache

	mu       sync.RWMutex
	versions map[string]*Snapshot
	active   string

	watcher *fsnotify.Watcher
}

// Option configures optional collaborators.
type Option func(*Gateway)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithAuditor attaches the sink handle that receives policy.version events.
func WithAuditor(aud Auditor) Option {
	return func(g *Gateway) { g.aud = aud }
}

// New loads the embedded baseline plus every document in cfg.Dir and
// activates the manifest's version, or the highest loaded version when no
// manifest exists.
func New(cfg Config, opts ...Option) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:    cfg,
		logger: slog.Default(),
		cache:  newDecisionCache(time.Duration(cfg.TTLSeconds) * time.Second),
	}
	for _, opt := range opts {
		opt(g)
	}

	versions, active, err := g.load()
	if err != nil {
		return nil, err
	}
	g.versions = versions
	g.active = active

	g.logger.Info("policy gateway loaded",
		slog.Int("versions", len(versions)),
		slog.String("active", active),
		slog.String("checksum", versions[active].Checksum()))
	return g, nil
}

// load parses the embedded baseline and the policy dir into a fresh version
// set and resolves the active version.
func (g *Gateway) load() (map[string]*Snapshot, string, error) {
	var baseline Document
	if err := yaml.Unmarshal(embeddedPolicy, &baseline); err != nil {
		return nil, "", fmt.Errorf("policy: parsing embedded baseline: %w", err)
	}
	snap, err := Compile(baseline)
	if err != nil {
		return nil, "", fmt.Errorf("policy: compiling embedded baseline: %w", err)
	}
	versions := map[string]*Snapshot{snap.Version(): snap}

	if g.cfg.Dir != "" {
		if err := loadDir(g.cfg.Dir, versions); err != nil {
			return nil, "", err
		}
	}

	active, err := g.resolveActive(versions)
	if err != nil {
		return nil, "", err
	}
	return versions, active, nil
}

// loadDir merges every *.yaml document under dir into versions. Duplicate
// versions are an error: a version's content is immutable by contract, so
// two files claiming it means the directory is inconsistent.
func loadDir(dir string, versions map[string]*Snapshot) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("policy: reading %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if ext := filepath.Ext(name); ext != ".yaml" && ext != ".yml" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("policy: reading %s: %w", name, err)
		}
		var doc Document
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("policy: parsing %s: %w", name, err)
		}
		snap, err := Compile(doc)
		if err != nil {
			return fmt.Errorf("policy: compiling %s: %w", name, err)
		}
		if _, dup := versions[snap.Version()]; dup {
			return fmt.Errorf("policy: duplicate version %q in %s", snap.Version(), name)
		}
		versions[snap.Version()] = snap
	}
	return nil
}

// resolveActive returns the manifest's version when one exists, else the
// highest loaded version.
func (g *Gateway) resolveActive(versions map[string]*Snapshot) (string, error) {
	if g.cfg.Dir != "" {
		raw, err := os.ReadFile(filepath.Join(g.cfg.Dir, manifestName))
		switch {
		case err == nil:
			pinned := strings.TrimSpace(string(raw))
			if _, ok := versions[pinned]; !ok {
				return "", fmt.Errorf("policy: manifest pins unloaded version %q", pinned)
			}
			return pinned, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("policy: reading manifest: %w", err)
		}
	}
	return highestVersion(versions), nil
}

func highestVersion(versions map[string]*Snapshot) string {
	best := ""
	for v := range versions {
		if best == "" || semver.Compare("v"+v, "v"+best) > 0 {
			best = v
		}
	}
	return best
}

// Active returns the currently active snapshot. Controllers capture it at
// admission and pass it back to Decide so a mid-request version switch
// cannot change the rules under them.
func (g *Gateway) Active() *Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.versions[g.active]
}

// Version returns a loaded snapshot by version string.
func (g *Gateway) Version(v string) (*Snapshot, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	snap, ok := g.versions[v]
	return snap, ok
}

// Versions lists the loaded versions in ascending semver order.
func (g *Gateway) Versions() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.versions))
	for v := range g.versions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		return semver.Compare("v"+out[i], "v"+out[j]) < 0
	})
	return out
}

// Decide evaluates one (actor, tool, context) triple against snap, serving
// from the TTL cache when possible. A nil snap evaluates against the active
// snapshot.
func (g *Gateway) Decide(ctx context.Context, snap *Snapshot, actor, tool string, callCtx map[string]string) datatypes.PolicyDecision {
	if snap == nil {
		snap = g.Active()
	}
	_, span := tracer.Start(ctx, "Decide",
		trace.WithAttributes(
			attribute.String("policy.tool", tool),
			attribute.String("policy.version", snap.Version()),
		),
	)
	defer span.End()

	key := fingerprint(snap.Checksum(), actor, tool, callCtx)
	if dec, ok := g.cache.get(key); ok {
		span.SetAttributes(
			attribute.Bool("policy.cached", true),
			attribute.Bool("policy.allowed", dec.Allowed),
		)
		return dec
	}

	dec, denyReason := snap.decide(actor, tool, callCtx)
	if !dec.Allowed {
		policyDenials.WithLabelValues(denyReason).Inc()
	}
	g.cache.put(key, dec)

	span.SetAttributes(
		attribute.Bool("policy.cached", false),
		attribute.Bool("policy.allowed", dec.Allowed),
		attribute.Float64("policy.risk", dec.Risk),
	)
	g.logger.Debug("policy decided",
		slog.String("tool", tool),
		slog.String("role", snap.RoleOf(actor)),
		slog.Bool("allowed", dec.Allowed),
		slog.Float64("risk", dec.Risk),
		slog.String("version", dec.Version))
	return dec
}

// Activate switches the active version. The switch is never a destructive
// edit: both documents stay loaded, the decision cache is purged, the
// manifest is rewritten when a policy dir is configured, and a
// policy.version audit event records the new checksum.
func (g *Gateway) Activate(ctx context.Context, version string) error {
	g.mu.Lock()
	snap, ok := g.versions[version]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("policy: version %q is not loaded", version)
	}
	if g.active == version {
		g.mu.Unlock()
		return nil
	}
	previous := g.active

	if g.cfg.Dir != "" {
		path := filepath.Join(g.cfg.Dir, manifestName)
		if err := os.WriteFile(path, []byte(version+"\n"), 0o644); err != nil {
			g.mu.Unlock()
			return fmt.Errorf("policy: writing manifest: %w", err)
		}
	}
	g.active = version
	g.mu.Unlock()

	g.switched(ctx, snap, previous)
	return nil
}

// switched runs the side effects of a version change: cache purge, audit
// event, log line.
func (g *Gateway) switched(ctx context.Context, snap *Snapshot, previous string) {
	g.cache.purge()
	if g.aud != nil {
		if _, err := g.aud.Append(ctx, "policy.version", map[string]any{
			"version":  snap.Version(),
			"previous": previous,
			"checksum": snap.Checksum(),
		}); err != nil {
			g.logger.Error("audit append failed",
				slog.String("category", "policy.version"),
				slog.String("error", err.Error()))
		}
	}
	g.logger.Info("policy version activated",
		slog.String("version", snap.Version()),
		slog.String("previous", previous),
		slog.String("checksum", snap.Checksum()))
}

// Reload re-reads the policy dir and applies whatever it finds: new
// versions, removed versions, a re-pinned manifest, or changed content
// under the active version. Errors leave the running state untouched.
func (g *Gateway) Reload(ctx context.Context) error {
	versions, active, err := g.load()
	if err != nil {
		return err
	}

	g.mu.Lock()
	prevActive := g.active
	prevChecksum := ""
	if prev, ok := g.versions[prevActive]; ok {
		prevChecksum = prev.Checksum()
	}
	g.versions = versions
	g.active = active
	snap := versions[active]
	g.mu.Unlock()

	if active != prevActive || snap.Checksum() != prevChecksum {
		g.switched(ctx, snap, prevActive)
	}
	return nil
}

// Watch reloads the gateway whenever the policy dir changes. Stop it with
// Close.
func (g *Gateway) Watch() error {
	if g.cfg.Dir == "" {
		return errors.New("policy: watch requires a policy dir")
	}
	if g.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy: creating watcher: %w", err)
	}
	if err := watcher.Add(g.cfg.Dir); err != nil {
		watcher.Close()
		return fmt.Errorf("policy: watching %s: %w", g.cfg.Dir, err)
	}
	g.watcher = watcher
	go g.watchLoop()
	return nil
}

func (g *Gateway) watchLoop() {
	for {
		select {
		case event, ok := <-g.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := g.Reload(context.Background()); err != nil {
				g.logger.Warn("policy reload failed",
					slog.String("event", event.Name),
					slog.String("error", err.Error()))
			}
		case err, ok := <-g.watcher.Errors:
			if !ok {
				return
			}
			g.logger.Warn("policy watcher error", slog.String("error", err.Error()))
		}
	}
}

// Close stops the watcher, if one was started.
func (g *Gateway) Close() error {
	if g.watcher != nil {
		return g.watcher.Close()
	}
	return nil
}
