package tier

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/c360/tiercache/depgraph"
	"github.com/c360/tiercache/errors"
	"github.com/c360/tiercache/metric"
)

// SetOptions carries per-set behavior.
type SetOptions struct {
	// TTL overrides the cache's DefaultTTL. Zero means use the default;
	// negative disables expiry for this entry.
	TTL time.Duration

	// Dependencies registers depends-on edges from this key.
	Dependencies []string

	// Version is the coherence version to stamp on the entry, 0 if
	// untracked.
	Version int64
}

// DeleteOptions carries per-delete behavior.
type DeleteOptions struct {
	// CascadeDependents removes every transitive dependent discovered via
	// the dependency graph before removing the key itself.
	CascadeDependents bool

	// MaxDepth bounds the cascade traversal; <= 0 uses the graph default.
	MaxDepth int
}

// TieredCache serves get/set/delete/clear across an ordered sequence of
// storage tiers, mirroring mutations into the dependency graph and
// publishing typed events for coherence and warming.
type TieredCache struct {
	cfg     Config
	tiers   []Tier // probe order: memory, disk, remote
	graph   *depgraph.Graph
	events  *Notifier
	logger  *slog.Logger
	metrics *metric.Metrics // core engine metrics, optional

	// Background cleanup coordination
	shutdown  chan struct{}
	done      chan struct{}
	asyncWG   sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New creates a tiered cache from validated configuration. The context
// bounds the lifetime of the background expiry sweep.
func New(ctx context.Context, cfg Config, options ...Option) (*TieredCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "tieredcache", "New", "config validation")
	}

	opts := applyOptions(options...)

	c := &TieredCache{
		cfg:      cfg,
		graph:    depgraph.New(opts.logger),
		events:   NewNotifier(),
		logger:   opts.logger,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}

	var memMetrics, diskMetrics, remoteMetrics *tierMetrics
	if opts.metricsReg != nil {
		var err error
		if memMetrics, err = newTierMetrics(opts.metricsReg, TierMemory); err != nil {
			return nil, errors.WrapTransient(err, "tieredcache", "New", "memory metrics registration")
		}
		c.metrics = opts.metricsReg.CoreMetrics()
	}

	c.tiers = append(c.tiers, newMemoryTier(cfg.Memory, memMetrics))

	if cfg.Disk.Enabled {
		if opts.metricsReg != nil {
			var err error
			if diskMetrics, err = newTierMetrics(opts.metricsReg, TierDisk); err != nil {
				return nil, errors.WrapTransient(err, "tieredcache", "New", "disk metrics registration")
			}
		}
		disk, err := newDiskTier(cfg.Disk, diskMetrics, opts.logger)
		if err != nil {
			return nil, err
		}
		c.tiers = append(c.tiers, disk)
	}

	if cfg.Remote.Enabled {
		if opts.metricsReg != nil {
			var err error
			if remoteMetrics, err = newTierMetrics(opts.metricsReg, TierRemote); err != nil {
				return nil, errors.WrapTransient(err, "tieredcache", "New", "remote metrics registration")
			}
		}
		c.tiers = append(c.tiers, newRemoteTier(cfg.Remote, remoteMetrics, opts.logger))
	}

	go c.cleanup(ctx)

	return c, nil
}

// Graph exposes the dependency graph for dependency registration.
func (c *TieredCache) Graph() *depgraph.Graph { return c.graph }

// Events exposes the typed mutation event stream.
func (c *TieredCache) Events() *Notifier { return c.events }

// Tiers returns the configured tiers in probe order.
func (c *TieredCache) Tiers() []Tier { return c.tiers }

// Get probes tiers in priority order. On a hit below the top tier the value
// is promoted upward through all higher tiers when promotion is enabled.
// Tier failures are isolated: a failing tier is skipped, not fatal.
func (c *TieredCache) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key, c.cfg.MaxKeyLength); err != nil {
		return nil, err
	}

	for i, t := range c.tiers {
		entry, err := t.Get(ctx, key)
		if err != nil {
			if !stderrors.Is(err, errors.ErrKeyNotFound) {
				c.logger.Warn("tier get failed", "tier", t.Name(), "key", key, "error", err)
			}
			continue
		}

		if c.metrics != nil {
			c.metrics.TierHits.WithLabelValues(t.Name()).Inc()
		}

		if i > 0 && c.cfg.PromoteOnHit {
			c.promote(ctx, entry, i)
		}
		c.events.publishAccess(key)
		return entry.Value, nil
	}

	if c.metrics != nil {
		c.metrics.TierMisses.WithLabelValues(TierMemory).Inc()
	}
	return nil, errors.WrapTransient(errors.ErrKeyNotFound, "tieredcache", "Get", "lookup "+key)
}

// promote copies an entry found at tier index hitIdx into all higher tiers.
func (c *TieredCache) promote(ctx context.Context, entry *Entry, hitIdx int) {
	for i := hitIdx - 1; i >= 0; i-- {
		if err := c.tiers[i].Set(ctx, entry.clone()); err != nil {
			c.logger.Warn("promotion failed", "tier", c.tiers[i].Name(), "key", entry.Key, "error", err)
			continue
		}
		if c.metrics != nil {
			c.metrics.Promotions.Inc()
		}
	}
}

// Set validates and writes the entry to every enabled tier. The top tier is
// written synchronously; lower tiers are written asynchronously when
// AsyncWriteLower is set, with errors logged and never surfaced. Declared
// dependencies are mirrored into the dependency graph before subscribers
// are notified.
func (c *TieredCache) Set(ctx context.Context, key string, value []byte, opts SetOptions) error {
	if err := validateKey(key, c.cfg.MaxKeyLength); err != nil {
		return err
	}
	if err := validateValue(value, c.cfg.MaxValueBytes); err != nil {
		return err
	}

	entry := c.buildEntry(key, value, opts)

	// Top tier is synchronous: callers see success only after the fastest
	// tier committed.
	if err := c.tiers[0].Set(ctx, entry); err != nil {
		return errors.Wrap(err, "tieredcache", "Set", "top tier write")
	}

	for _, t := range c.tiers[1:] {
		if c.cfg.AsyncWriteLower {
			c.asyncWG.Add(1)
			go func(t Tier, e *Entry) {
				defer c.asyncWG.Done()
				// Fire-and-forget: background writes detach from the
				// caller's context.
				if err := t.Set(context.Background(), e); err != nil {
					c.logger.Warn("async tier write failed", "tier", t.Name(), "key", e.Key, "error", err)
				}
			}(t, entry.clone())
		} else if err := t.Set(ctx, entry.clone()); err != nil {
			c.logger.Warn("tier write failed", "tier", t.Name(), "key", key, "error", err)
		}
	}

	for _, dep := range opts.Dependencies {
		if err := c.graph.Register(key, dep, depgraph.EdgeMetadata{CreatedAt: entry.CreatedAt}); err != nil {
			c.logger.Warn("dependency registration failed", "key", key, "depends_on", dep, "error", err)
		}
	}

	c.events.publishSet(key, value, entry.Version)
	return nil
}

// buildEntry constructs the entry stored in each tier.
func (c *TieredCache) buildEntry(key string, value []byte, opts SetOptions) *Entry {
	now := time.Now()
	entry := &Entry{
		Key:        key,
		Value:      value,
		SizeBytes:  int64(len(value)),
		CreatedAt:  now,
		AccessedAt: now,
		Version:    opts.Version,
	}

	ttl := opts.TTL
	if ttl == 0 {
		ttl = c.cfg.DefaultTTL
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		entry.ExpiresAt = &expires
	}
	return entry
}

// Delete removes a key from every tier. With CascadeDependents set, every
// transitive dependent is removed first (dependents before the root), so no
// consumer can observe a stale dependent whose dependency just vanished.
// The key's own dependency edges are always removed. Deleting an absent key
// is not an error.
func (c *TieredCache) Delete(ctx context.Context, key string, opts DeleteOptions) error {
	if err := validateKey(key, c.cfg.MaxKeyLength); err != nil {
		return err
	}

	if opts.CascadeDependents {
		dependents := c.graph.Dependents(key, opts.MaxDepth)
		// Farthest dependents first: reverse breadth-first order
		for i := len(dependents) - 1; i >= 0; i-- {
			c.deleteFromTiers(ctx, dependents[i])
			c.graph.RemoveKey(dependents[i])
			c.events.publishDelete(dependents[i])
		}
	}

	c.deleteFromTiers(ctx, key)
	c.graph.RemoveKey(key)
	c.events.publishDelete(key)
	return nil
}

// deleteFromTiers removes a key from every tier, isolating per-tier
// failures.
func (c *TieredCache) deleteFromTiers(ctx context.Context, key string) {
	for _, t := range c.tiers {
		if _, err := t.Delete(ctx, key); err != nil {
			c.logger.Warn("tier delete failed", "tier", t.Name(), "key", key, "error", err)
		}
	}
}

// Peek returns the entry for key without promoting it into higher tiers.
// Used by invalidation and coherence paths that need metadata rather than
// the payload fast path.
func (c *TieredCache) Peek(ctx context.Context, key string) (*Entry, error) {
	if err := validateKey(key, c.cfg.MaxKeyLength); err != nil {
		return nil, err
	}
	for _, t := range c.tiers {
		entry, err := t.Get(ctx, key)
		if err != nil {
			continue
		}
		return entry, nil
	}
	return nil, errors.WrapTransient(errors.ErrKeyNotFound, "tieredcache", "Peek", "lookup "+key)
}

// Keys returns the union of keys resident in any tier.
func (c *TieredCache) Keys(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range c.tiers {
		keys, err := t.Keys(ctx)
		if err != nil {
			c.logger.Warn("tier key enumeration failed", "tier", t.Name(), "error", err)
			continue
		}
		for _, k := range keys {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out, nil
}

// Clear removes entries matching pattern from every tier, or everything
// when pattern is empty. Matching dependency edges are dropped as well.
func (c *TieredCache) Clear(ctx context.Context, pattern string) error {
	var re *regexp.Regexp
	if pattern != "" {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			return errors.WrapInvalid(err, "tieredcache", "Clear", fmt.Sprintf("compile pattern %q", pattern))
		}
	}

	for _, t := range c.tiers {
		if err := t.Clear(ctx, re); err != nil {
			c.logger.Warn("tier clear failed", "tier", t.Name(), "error", err)
		}
	}

	if re == nil {
		c.graph.Clear()
	}

	c.events.publishClear(pattern)
	return nil
}

// Snapshot is the synchronously queryable statistics surface.
type Snapshot struct {
	Tiers map[string]StatsSummary `json:"tiers"`
	Edges int                     `json:"dependency_edges"`
}

// Stats returns per-tier statistics without blocking active operations.
func (c *TieredCache) Stats() Snapshot {
	snap := Snapshot{Tiers: make(map[string]StatsSummary, len(c.tiers))}
	for _, t := range c.tiers {
		snap.Tiers[t.Name()] = t.Stats().Summary()
	}
	snap.Edges = c.graph.EdgeCount()
	return snap
}

// cleanup periodically sweeps expired entries from memory and disk tiers
// and expired edges from the dependency graph.
func (c *TieredCache) cleanup(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			for _, t := range c.tiers {
				switch tt := t.(type) {
				case *memoryTier:
					tt.removeExpired()
				case *diskTier:
					tt.removeExpired()
				}
			}
			c.graph.Sweep(time.Now())
		}
	}
}

// Close stops the cleanup goroutine, waits for in-flight async writes, and
// closes each tier.
func (c *TieredCache) Close() error {
	c.closeOnce.Do(func() {
		close(c.shutdown)

		select {
		case <-c.done:
		case <-time.After(5 * time.Second):
			c.closeErr = fmt.Errorf("timeout waiting for cleanup goroutine to finish")
		}

		c.asyncWG.Wait()

		for _, t := range c.tiers {
			if err := t.Close(); err != nil && c.closeErr == nil {
				c.closeErr = errors.Wrap(err, "tieredcache", "Close", "close tier "+t.Name())
			}
		}
	})
	return c.closeErr
}
