package invalidation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/tiercache/depgraph"
	"github.com/c360/tiercache/errors"
	"github.com/c360/tiercache/metric"
)

// Strategy selects how a set of trigger keys expands into the keys actually
// removed.
type Strategy string

const (
	// StrategyDependency expands each key to its transitive dependents via
	// the dependency graph and removes dependents before the key itself.
	StrategyDependency Strategy = "dependency"

	// StrategyPattern applies registered pattern rules whose trigger matches
	// a key, removing resident keys matching the rule's target pattern.
	StrategyPattern Strategy = "pattern"

	// StrategyVersion removes a key only when its stored version differs
	// from the required version in the request options.
	StrategyVersion Strategy = "version"

	// StrategyTime removes keys by age or expiry.
	StrategyTime Strategy = "time"

	// StrategyEvent invokes callbacks subscribed to a named event and
	// removes the union of their returned keys and the explicit keys.
	StrategyEvent Strategy = "event"

	// StrategyManual removes exactly the given keys.
	StrategyManual Strategy = "manual"
)

// Options carries per-request strategy parameters.
type Options struct {
	// MaxDepth overrides the engine's dependency cascade depth; <= 0 uses
	// the configured default.
	MaxDepth int

	// RequiredVersion is the version a key must hold to survive the version
	// strategy.
	RequiredVersion int64

	// AdvanceVersion moves the stored version to RequiredVersion after the
	// version check.
	AdvanceVersion bool

	// OlderThan removes entries whose age exceeds the duration (time
	// strategy). Zero with ExpiredOnly unset removes unconditionally.
	OlderThan time.Duration

	// ExpiredOnly restricts the time strategy to entries past their expiry.
	ExpiredOnly bool

	// Event names the event whose subscribers contribute keys (event
	// strategy).
	Event string
}

// Result reports the outcome of one invalidation request. Per-key failures
// are isolated, so a partial result lists the keys actually removed plus a
// failure count rather than failing the whole request.
type Result struct {
	Invalidated []string
	Failed      int
}

func (r *Result) merge(other Result) {
	r.Invalidated = append(r.Invalidated, other.Invalidated...)
	r.Failed += other.Failed
}

// EntryInfo is the entry metadata the version and time strategies consult.
type EntryInfo struct {
	CreatedAt time.Time
	ExpiresAt *time.Time
	Version   int64
}

// Store is the cache surface the engine removes keys from. Implemented by
// the tiered cache through an adapter; tests substitute in-memory fakes.
type Store interface {
	// Remove deletes a key, reporting whether it existed. Removing an
	// absent key must not error.
	Remove(ctx context.Context, key string) (bool, error)

	// Keys enumerates the keys currently resident.
	Keys(ctx context.Context) ([]string, error)

	// Info returns entry metadata, reporting false when the key is absent.
	Info(ctx context.Context, key string) (EntryInfo, bool)
}

// VersionStore is the version table the version strategy consults when one
// is wired in. Without it the strategy falls back to entry metadata.
type VersionStore interface {
	Version(key string) (int64, bool)
	SetVersion(key string, version int64)
}

// DropHandler is invoked when a queued request exhausts its retries.
type DropHandler func(req *Request, err error)

// Engine computes and executes key removals for the six invalidation
// strategies, directly via Invalidate or deferred via the queue.
type Engine struct {
	cfg      Config
	store    Store
	graph    *depgraph.Graph
	versions VersionStore
	rules    *ruleSet
	logger   *slog.Logger
	metrics  *metric.Metrics

	// Named-event subscribers
	eventsMu sync.RWMutex
	events   map[string][]EventCallback

	// Bounded-concurrency limiter for batch deletions
	sem chan struct{}

	// Work queue, drained by a single-flight loop
	queueMu     sync.Mutex
	queue       []*Request
	closed      bool
	draining    atomic.Bool
	dropHandler DropHandler

	shutdown  chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

type engineOptions struct {
	logger      *slog.Logger
	metricsReg  *metric.MetricsRegistry
	versions    VersionStore
	dropHandler DropHandler
}

// Option configures optional engine collaborators.
type Option func(*engineOptions)

// WithLogger sets the engine's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *engineOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics wires the engine's counters into a metrics registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *engineOptions) { o.metricsReg = registry }
}

// WithVersionStore wires the version table consulted by the version
// strategy.
func WithVersionStore(vs VersionStore) Option {
	return func(o *engineOptions) { o.versions = vs }
}

// WithDropHandler sets the callback notified when a queued request is
// dropped after exhausting retries.
func WithDropHandler(fn DropHandler) Option {
	return func(o *engineOptions) { o.dropHandler = fn }
}

// NewEngine creates an invalidation engine over the given store and
// dependency graph. The context bounds the periodic queue sweep.
func NewEngine(ctx context.Context, cfg Config, store Store, graph *depgraph.Graph, options ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "invalidation", "NewEngine", "nil store")
	}
	if graph == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "invalidation", "NewEngine", "nil dependency graph")
	}

	opts := engineOptions{logger: slog.Default()}
	for _, o := range options {
		o(&opts)
	}

	e := &Engine{
		cfg:         cfg,
		store:       store,
		graph:       graph,
		versions:    opts.versions,
		rules:       newRuleSet(),
		logger:      opts.logger,
		events:      make(map[string][]EventCallback),
		sem:         make(chan struct{}, cfg.MaxConcurrentInvalidations),
		dropHandler: opts.dropHandler,
		shutdown:    make(chan struct{}),
		done:        make(chan struct{}),
	}
	if opts.metricsReg != nil {
		e.metrics = opts.metricsReg.CoreMetrics()
	}

	go e.sweep(ctx)

	return e, nil
}

// Invalidate expands keys per the strategy and removes the expansion from
// the store. An error invalidating one key never aborts the rest.
func (e *Engine) Invalidate(ctx context.Context, keys []string, strategy Strategy, opts Options) (Result, error) {
	var (
		res Result
		err error
	)

	switch strategy {
	case StrategyDependency:
		res = e.invalidateDependency(ctx, keys, opts)
	case StrategyPattern:
		res, err = e.invalidatePattern(ctx, keys)
	case StrategyVersion:
		res = e.invalidateVersion(ctx, keys, opts)
	case StrategyTime:
		res = e.invalidateTime(ctx, keys, opts)
	case StrategyEvent:
		res = e.invalidateManual(ctx, e.eventKeys(opts.Event, keys))
	case StrategyManual:
		res = e.invalidateManual(ctx, keys)
	default:
		return Result{}, errors.WrapInvalid(errors.ErrUnknownStrategy, "invalidation", "Invalidate",
			fmt.Sprintf("strategy %q", strategy))
	}
	if err != nil {
		return res, err
	}

	if e.metrics != nil && len(res.Invalidated) > 0 {
		e.metrics.InvalidationsTotal.WithLabelValues(string(strategy)).Add(float64(len(res.Invalidated)))
	}
	return res, nil
}

// invalidateDependency removes each key's transitive dependents before the
// key itself, farthest dependents first, so no consumer observes a stale
// dependent whose dependency just vanished.
func (e *Engine) invalidateDependency(ctx context.Context, keys []string, opts Options) Result {
	depth := opts.MaxDepth
	if depth <= 0 {
		depth = e.cfg.MaxDepth
	}

	var res Result
	seen := make(map[string]struct{})
	for _, key := range keys {
		dependents := e.graph.Dependents(key, depth)
		ordered := make([]string, 0, len(dependents)+1)
		for i := len(dependents) - 1; i >= 0; i-- {
			ordered = append(ordered, dependents[i])
		}
		ordered = append(ordered, key)

		// Ordering matters here, so removal is sequential per chain.
		for _, k := range ordered {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			res.merge(e.removeOne(ctx, k))
		}
	}
	return res
}

// invalidateVersion removes keys whose stored version differs from the
// required version. Keys without a tracked version are left alone.
func (e *Engine) invalidateVersion(ctx context.Context, keys []string, opts Options) Result {
	var res Result
	for _, key := range keys {
		current, ok := e.lookupVersion(ctx, key)
		if !ok {
			continue
		}
		if current != opts.RequiredVersion {
			res.merge(e.removeOne(ctx, key))
		}
		if opts.AdvanceVersion && e.versions != nil {
			e.versions.SetVersion(key, opts.RequiredVersion)
		}
	}
	return res
}

func (e *Engine) lookupVersion(ctx context.Context, key string) (int64, bool) {
	if e.versions != nil {
		return e.versions.Version(key)
	}
	info, ok := e.store.Info(ctx, key)
	if !ok {
		return 0, false
	}
	return info.Version, true
}

// invalidateTime removes keys by entry age. With ExpiredOnly only entries
// past their expiry qualify; with OlderThan only entries older than the
// duration; with neither, every present key is removed.
func (e *Engine) invalidateTime(ctx context.Context, keys []string, opts Options) Result {
	now := time.Now()
	var res Result
	for _, key := range keys {
		info, ok := e.store.Info(ctx, key)
		if !ok {
			continue
		}
		switch {
		case opts.ExpiredOnly:
			if info.ExpiresAt == nil || now.Before(*info.ExpiresAt) {
				continue
			}
		case opts.OlderThan > 0:
			if now.Sub(info.CreatedAt) <= opts.OlderThan {
				continue
			}
		}
		res.merge(e.removeOne(ctx, key))
	}
	return res
}

// invalidateManual removes exactly the given keys. With batching enabled and
// more than one key, removal runs under the bounded-concurrency limiter in
// BatchSize chunks.
func (e *Engine) invalidateManual(ctx context.Context, keys []string) Result {
	if !e.cfg.BatchInvalidation || len(keys) <= 1 {
		var res Result
		for _, key := range keys {
			res.merge(e.removeOne(ctx, key))
		}
		return res
	}

	var res Result
	for start := 0; start < len(keys); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(keys) {
			end = len(keys)
		}
		res.merge(e.removeConcurrent(ctx, keys[start:end]))
	}
	return res
}

// removeConcurrent removes keys in parallel, capped by the counting
// semaphore. Acquiring a slot blocks until one frees.
func (e *Engine) removeConcurrent(ctx context.Context, keys []string) Result {
	var (
		mu  sync.Mutex
		res Result
		wg  sync.WaitGroup
	)
	for _, key := range keys {
		e.sem <- struct{}{}
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			defer func() { <-e.sem }()
			r := e.removeOne(ctx, key)
			mu.Lock()
			res.merge(r)
			mu.Unlock()
		}(key)
	}
	wg.Wait()
	return res
}

// removeOne deletes a single key. An absent key is a successful no-op that
// contributes nothing to the invalidated set.
func (e *Engine) removeOne(ctx context.Context, key string) Result {
	existed, err := e.store.Remove(ctx, key)
	if err != nil {
		e.logger.Warn("invalidation failed", "key", key, "error", err)
		return Result{Failed: 1}
	}
	if !existed {
		return Result{}
	}
	return Result{Invalidated: []string{key}}
}

// sweep periodically drains the queue so queued work is bounded in latency
// even without an explicit trigger.
func (e *Engine) sweep(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.shutdown:
			return
		case <-ticker.C:
			e.triggerDrain()
		}
	}
}

// Close stops the sweep ticker, waits for in-flight work, then drains the
// remaining queue synchronously so no admitted request is silently lost.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.queueMu.Lock()
		e.closed = true
		e.queueMu.Unlock()

		close(e.shutdown)

		select {
		case <-e.done:
		case <-time.After(5 * time.Second):
			e.closeErr = fmt.Errorf("timeout waiting for sweep goroutine to finish")
		}

		e.wg.Wait()
		e.drainQueue(context.Background())
	})
	return e.closeErr
}
