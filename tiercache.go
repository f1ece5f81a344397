// Package tiercache is a tiered cache coherence engine for code-analysis
// workloads: an ordered memory/disk/remote cache with LRU eviction and
// promotion, a dependency-graph-driven invalidation engine with six
// strategies and a retrying work queue, a cross-layer coherence manager
// with version tracking and conflict resolution, and a cache warmer.
//
// The subpackages are usable on their own; this package wires them into one
// engine whose writes are versioned by the coherence manager and announced
// to peer layers, and whose invalidations drain through the tiered cache's
// delete path.
package tiercache

import (
	"context"
	"log/slog"
	"sync"

	"github.com/c360/tiercache/coherence"
	"github.com/c360/tiercache/depgraph"
	"github.com/c360/tiercache/errors"
	"github.com/c360/tiercache/invalidation"
	"github.com/c360/tiercache/metric"
	"github.com/c360/tiercache/tier"
	"github.com/c360/tiercache/warmer"
)

// LayerName is the name the tiered cache registers under in the coherence
// group.
const LayerName = "tiered"

// Config aggregates the component configurations.
type Config struct {
	Tier         tier.Config         `json:"tier"`
	Invalidation invalidation.Config `json:"invalidation"`
	Coherence    coherence.Config    `json:"coherence"`
	Warmer       warmer.Config       `json:"warmer"`
}

// DefaultConfig returns defaults for every component.
func DefaultConfig() Config {
	return Config{
		Tier:         tier.DefaultConfig(),
		Invalidation: invalidation.DefaultConfig(),
		Coherence:    coherence.DefaultConfig(),
		Warmer:       warmer.DefaultConfig(),
	}
}

// Engine composes the tiered cache, invalidation engine, coherence manager
// and optional warmer behind one lifecycle.
type Engine struct {
	cache        *tier.TieredCache
	invalidation *invalidation.Engine
	coherence    *coherence.Manager
	warmer       *warmer.Warmer
	logger       *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

type engineOptions struct {
	logger      *slog.Logger
	metricsReg  *metric.MetricsRegistry
	broadcaster coherence.Broadcaster
	mergeFn     coherence.MergeFunc
	warmLoader  warmer.Loader
	dropHandler invalidation.DropHandler
}

// Option configures optional engine collaborators.
type Option func(*engineOptions)

// WithLogger sets the structured logger shared by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *engineOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics wires every component into a metrics registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *engineOptions) { o.metricsReg = registry }
}

// WithBroadcaster enables cross-node invalidation broadcast.
func WithBroadcaster(b coherence.Broadcaster) Option {
	return func(o *engineOptions) { o.broadcaster = b }
}

// WithMergeFunc supplies the merge function for the merge resolution
// policy.
func WithMergeFunc(fn coherence.MergeFunc) Option {
	return func(o *engineOptions) { o.mergeFn = fn }
}

// WithWarmLoader enables the cache warmer with the given loader.
func WithWarmLoader(loader warmer.Loader) Option {
	return func(o *engineOptions) { o.warmLoader = loader }
}

// WithDropHandler sets the callback for invalidation requests dropped after
// exhausting retries.
func WithDropHandler(fn invalidation.DropHandler) Option {
	return func(o *engineOptions) { o.dropHandler = fn }
}

// New builds and starts the engine. The context bounds every background
// task (expiry sweeps, queue drains, audits, warm passes).
func New(ctx context.Context, cfg Config, options ...Option) (*Engine, error) {
	opts := engineOptions{logger: slog.Default()}
	for _, o := range options {
		o(&opts)
	}

	tierOpts := []tier.Option{tier.WithLogger(opts.logger)}
	if opts.metricsReg != nil {
		tierOpts = append(tierOpts, tier.WithMetrics(opts.metricsReg))
	}
	cache, err := tier.New(ctx, cfg.Tier, tierOpts...)
	if err != nil {
		return nil, err
	}

	cohOpts := []coherence.Option{coherence.WithLogger(opts.logger)}
	if opts.metricsReg != nil {
		cohOpts = append(cohOpts, coherence.WithMetrics(opts.metricsReg))
	}
	if opts.broadcaster != nil {
		cohOpts = append(cohOpts, coherence.WithBroadcaster(opts.broadcaster))
	}
	if opts.mergeFn != nil {
		cohOpts = append(cohOpts, coherence.WithMergeFunc(opts.mergeFn))
	}
	manager, err := coherence.NewManager(cfg.Coherence, cohOpts...)
	if err != nil {
		_ = cache.Close()
		return nil, err
	}
	if err := manager.RegisterLayer(&cacheLayer{cache: cache}); err != nil {
		_ = cache.Close()
		return nil, err
	}

	invOpts := []invalidation.Option{
		invalidation.WithLogger(opts.logger),
		invalidation.WithVersionStore(manager.Versions()),
	}
	if opts.metricsReg != nil {
		invOpts = append(invOpts, invalidation.WithMetrics(opts.metricsReg))
	}
	if opts.dropHandler != nil {
		invOpts = append(invOpts, invalidation.WithDropHandler(opts.dropHandler))
	}
	engine, err := invalidation.NewEngine(ctx, cfg.Invalidation, &cacheStore{cache: cache}, cache.Graph(), invOpts...)
	if err != nil {
		_ = cache.Close()
		return nil, err
	}

	e := &Engine{
		cache:        cache,
		invalidation: engine,
		coherence:    manager,
		logger:       opts.logger,
	}

	// Mutations made directly against the tiered cache are versioned and
	// announced through its event hooks; the handlers skip mutations the
	// coherence manager already knows about.
	cache.Events().SubscribeSet(e.onCacheSet)
	cache.Events().SubscribeDelete(e.onCacheDelete)

	if opts.warmLoader != nil {
		w, err := warmer.New(ctx, cfg.Warmer, cache, opts.warmLoader, warmer.WithLogger(opts.logger))
		if err != nil {
			_ = e.Close()
			return nil, err
		}
		e.warmer = w
	}

	if err := manager.Start(ctx); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

// Cache exposes the tiered cache.
func (e *Engine) Cache() *tier.TieredCache { return e.cache }

// Invalidation exposes the invalidation engine.
func (e *Engine) Invalidation() *invalidation.Engine { return e.invalidation }

// Coherence exposes the coherence manager.
func (e *Engine) Coherence() *coherence.Manager { return e.coherence }

// Warmer exposes the cache warmer, nil unless a warm loader was supplied.
func (e *Engine) Warmer() *warmer.Warmer { return e.warmer }

// Get reads a key from the tiered cache.
func (e *Engine) Get(ctx context.Context, key string) ([]byte, error) {
	return e.cache.Get(ctx, key)
}

// Set writes a key with a coherence-assigned version and announces the
// write to peer layers and, in distributed mode, peer nodes.
func (e *Engine) Set(ctx context.Context, key string, value []byte, opts tier.SetOptions) error {
	versions := e.coherence.Versions()
	prev, had := versions.Get(key)
	version := versions.Next(LayerName, key)
	opts.Version = scalarView(version)

	if err := e.cache.Set(ctx, key, value, opts); err != nil {
		// The write never committed; put the version table back so a
		// rejected key leaves no phantom record.
		if had {
			versions.Set(key, prev)
		} else {
			versions.Remove(key)
		}
		return err
	}
	e.coherence.AnnounceWrite(ctx, LayerName, key, value, version)
	return nil
}

// Delete removes a key. The cache's delete event hook announces the removal
// for tracked keys, covering cascaded dependents as well.
func (e *Engine) Delete(ctx context.Context, key string, opts tier.DeleteOptions) error {
	return e.cache.Delete(ctx, key, opts)
}

// Clear removes keys matching pattern from every tier and propagates the
// clear to peer layers.
func (e *Engine) Clear(ctx context.Context, pattern string) error {
	if err := e.cache.Clear(ctx, pattern); err != nil {
		return err
	}
	e.coherence.AnnounceClear(ctx, LayerName, pattern)
	return nil
}

// onCacheSet versions and announces writes made against the tiered cache
// without going through Set. Writes stamped with the tracked version were
// assigned by a coherence-aware path already and are not announced again.
func (e *Engine) onCacheSet(key string, value []byte, stamp int64) {
	versions := e.coherence.Versions()
	if current, ok := versions.Get(key); ok && scalarView(current) == stamp {
		return
	}
	version := versions.Next(LayerName, key)
	e.coherence.AnnounceWrite(context.Background(), LayerName, key, value, version)
}

// onCacheDelete announces deletes of tracked keys. Coherence-applied deletes
// untrack the key before touching the cache, so they are not re-announced.
func (e *Engine) onCacheDelete(key string) {
	if _, ok := e.coherence.Versions().Get(key); !ok {
		return
	}
	e.coherence.AnnounceDelete(context.Background(), LayerName, key)
}

// Invalidate runs an invalidation request synchronously.
func (e *Engine) Invalidate(ctx context.Context, keys []string, strategy invalidation.Strategy, opts invalidation.Options) (invalidation.Result, error) {
	return e.invalidation.Invalidate(ctx, keys, strategy, opts)
}

// RegisterDependency records a depends-on edge between cache keys.
func (e *Engine) RegisterDependency(dependent, dependsOn string, meta depgraph.EdgeMetadata) error {
	return e.cache.Graph().Register(dependent, dependsOn, meta)
}

// RemoveDependency drops a depends-on edge.
func (e *Engine) RemoveDependency(dependent, dependsOn string) bool {
	return e.cache.Graph().Remove(dependent, dependsOn)
}

// Stats is the engine-wide statistics snapshot.
type Stats struct {
	Cache      tier.Snapshot   `json:"cache"`
	Coherence  coherence.Stats `json:"coherence"`
	QueueDepth int             `json:"invalidation_queue_depth"`
}

// Stats returns statistics without blocking active operations.
func (e *Engine) Stats() Stats {
	return Stats{
		Cache:      e.cache.Stats(),
		Coherence:  e.coherence.Stats(),
		QueueDepth: e.invalidation.QueueDepth(),
	}
}

// Close shuts the components down in dependency order: warmer first, then
// the invalidation queue (drained synchronously), the coherence manager,
// and finally the cache tiers.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		if e.warmer != nil {
			if err := e.warmer.Close(); err != nil && e.closeErr == nil {
				e.closeErr = err
			}
		}
		if err := e.invalidation.Close(); err != nil && e.closeErr == nil {
			e.closeErr = err
		}
		if err := e.coherence.Close(); err != nil && e.closeErr == nil {
			e.closeErr = err
		}
		if err := e.cache.Close(); err != nil && e.closeErr == nil {
			e.closeErr = err
		}
	})
	return e.closeErr
}

// scalarView collapses a coherence version to the int64 stamped on cache
// entries.
func scalarView(v coherence.Version) int64 {
	if v.Vector == nil {
		return v.Scalar
	}
	var sum int64
	for _, counter := range v.Vector {
		sum += counter
	}
	return sum
}

// cacheStore adapts the tiered cache to the invalidation engine's store
// contract.
type cacheStore struct {
	cache *tier.TieredCache
}

func (s *cacheStore) Remove(ctx context.Context, key string) (bool, error) {
	_, err := s.cache.Peek(ctx, key)
	existed := err == nil
	if err := s.cache.Delete(ctx, key, tier.DeleteOptions{}); err != nil {
		return false, err
	}
	return existed, nil
}

func (s *cacheStore) Keys(ctx context.Context) ([]string, error) {
	return s.cache.Keys(ctx)
}

func (s *cacheStore) Info(ctx context.Context, key string) (invalidation.EntryInfo, bool) {
	entry, err := s.cache.Peek(ctx, key)
	if err != nil {
		return invalidation.EntryInfo{}, false
	}
	return invalidation.EntryInfo{
		CreatedAt: entry.CreatedAt,
		ExpiresAt: entry.ExpiresAt,
		Version:   entry.Version,
	}, true
}

// cacheLayer adapts the tiered cache to the coherence layer contract.
// Versions cross the boundary in scalar view, since tier entries carry a
// scalar stamp.
type cacheLayer struct {
	cache *tier.TieredCache
}

func (l *cacheLayer) Name() string { return LayerName }

func (l *cacheLayer) Get(ctx context.Context, key string) ([]byte, coherence.Version, error) {
	entry, err := l.cache.Peek(ctx, key)
	if err != nil {
		return nil, coherence.Version{}, errors.WrapTransient(errors.ErrKeyNotFound, "cacheLayer", "Get", key)
	}
	return entry.Value, coherence.ScalarVersion(entry.Version), nil
}

func (l *cacheLayer) Set(ctx context.Context, key string, value []byte, version coherence.Version) error {
	return l.cache.Set(ctx, key, value, tier.SetOptions{Version: scalarView(version)})
}

func (l *cacheLayer) Delete(ctx context.Context, key string) error {
	return l.cache.Delete(ctx, key, tier.DeleteOptions{})
}

func (l *cacheLayer) Clear(ctx context.Context, pattern string) error {
	return l.cache.Clear(ctx, pattern)
}

func (l *cacheLayer) Keys(ctx context.Context) ([]string, error) {
	return l.cache.Keys(ctx)
}
