package coherence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/tiercache/errors"
	"github.com/c360/tiercache/metric"
	"github.com/c360/tiercache/pkg/retry"
)

// Layer is one registered cache layer. Anything exposing the four mutation
// operations plus key enumeration can participate: the tiered cache through
// its adapter, session caches, test fakes.
type Layer interface {
	// Name returns the layer's unique registration name.
	Name() string

	// Get returns the value and version held for key, or a wrapped
	// errors.ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, Version, error)

	// Set stores a value stamped with the given version.
	Set(ctx context.Context, key string, value []byte, version Version) error

	// Delete removes a key. Absent keys are a no-op.
	Delete(ctx context.Context, key string) error

	// Clear removes keys matching pattern, or everything when empty.
	Clear(ctx context.Context, pattern string) error

	// Keys enumerates resident keys for audit sampling.
	Keys(ctx context.Context) ([]string, error)
}

// MergeFunc combines conflicting per-layer values into one, for the merge
// resolution policy.
type MergeFunc func(key string, values map[string][]byte) []byte

// ConflictFunc receives every detected conflict after resolution ran.
type ConflictFunc func(Conflict)

// Stats is the synchronously queryable coherence summary.
type Stats struct {
	Layers      int   `json:"layers"`
	TrackedKeys int   `json:"tracked_keys"`
	Violations  int64 `json:"violations"`
	Resolutions int64 `json:"resolutions"`
}

// Manager keeps registered layers in agreement. Writes route through the
// manager, which assigns versions and fans out to peers per the consistency
// policy; a periodic audit samples keys across layers and repairs
// disagreements per the resolution policy.
type Manager struct {
	cfg      Config
	versions *VersionTable
	logger   *slog.Logger
	metrics  *metric.Metrics

	mu     sync.RWMutex
	layers map[string]Layer
	order  []string // registration order, for deterministic fan-out

	mergeFn      MergeFunc
	conflictMu   sync.RWMutex
	conflictSubs []ConflictFunc

	broadcaster Broadcaster
	seenMu      sync.Mutex
	seen        map[string]time.Time

	violations  atomic.Int64
	resolutions atomic.Int64

	started   atomic.Bool
	shutdown  chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

type managerOptions struct {
	logger      *slog.Logger
	metricsReg  *metric.MetricsRegistry
	broadcaster Broadcaster
	mergeFn     MergeFunc
}

// Option configures optional manager collaborators.
type Option func(*managerOptions)

// WithLogger sets the manager's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *managerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics wires the manager's counters into a metrics registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *managerOptions) { o.metricsReg = registry }
}

// WithBroadcaster enables distributed mode through the given broadcaster.
func WithBroadcaster(b Broadcaster) Option {
	return func(o *managerOptions) { o.broadcaster = b }
}

// WithMergeFunc supplies the merge function required by the merge
// resolution policy.
func WithMergeFunc(fn MergeFunc) Option {
	return func(o *managerOptions) { o.mergeFn = fn }
}

// NewManager creates a coherence manager. Call Start to launch the audit
// and broadcast subscriptions.
func NewManager(cfg Config, options ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := managerOptions{logger: slog.Default()}
	for _, o := range options {
		o(&opts)
	}

	m := &Manager{
		cfg:         cfg,
		versions:    NewVersionTable(cfg.VersionMode),
		logger:      opts.logger,
		layers:      make(map[string]Layer),
		mergeFn:     opts.mergeFn,
		broadcaster: opts.broadcaster,
		seen:        make(map[string]time.Time),
		shutdown:    make(chan struct{}),
		done:        make(chan struct{}),
	}
	if opts.metricsReg != nil {
		m.metrics = opts.metricsReg.CoreMetrics()
	}
	if cfg.Resolution == ResolveMerge && m.mergeFn == nil {
		return nil, errors.WrapInvalid(errors.ErrNoMergeFunc, "coherence", "NewManager", "merge policy configured")
	}
	return m, nil
}

// Versions exposes the authoritative version table.
func (m *Manager) Versions() *VersionTable { return m.versions }

// RegisterLayer adds a cache layer to the coherence group.
func (m *Manager) RegisterLayer(layer Layer) error {
	if layer == nil || layer.Name() == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "coherence", "RegisterLayer", "nil or unnamed layer")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.layers[layer.Name()]; ok {
		return errors.WrapInvalid(errors.ErrLayerExists, "coherence", "RegisterLayer", layer.Name())
	}
	m.layers[layer.Name()] = layer
	m.order = append(m.order, layer.Name())
	m.logger.Info("cache layer registered", "layer", layer.Name())
	return nil
}

// UnregisterLayer removes a layer from the coherence group.
func (m *Manager) UnregisterLayer(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.layers[name]; !ok {
		return errors.WrapInvalid(errors.ErrLayerNotFound, "coherence", "UnregisterLayer", name)
	}
	delete(m.layers, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// Layers returns the registered layer names in registration order.
func (m *Manager) Layers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

func (m *Manager) layer(name string) (Layer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	layer, ok := m.layers[name]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrLayerNotFound, "coherence", "layer", name)
	}
	return layer, nil
}

// peers returns every layer except the named one, in registration order.
func (m *Manager) peers(except string) []Layer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Layer, 0, len(m.order))
	for _, name := range m.order {
		if name == except {
			continue
		}
		out = append(out, m.layers[name])
	}
	return out
}

// Write commits a value to the origin layer, assigns the next version, and
// propagates to every peer layer per the consistency policy. The local
// write failing propagates to the caller; peer failures never do.
func (m *Manager) Write(ctx context.Context, origin, key string, value []byte) (Version, error) {
	layer, err := m.layer(origin)
	if err != nil {
		return Version{}, err
	}

	version := m.versions.Next(origin, key)
	if err := layer.Set(ctx, key, value, version); err != nil {
		return Version{}, errors.Wrap(err, "coherence", "Write", "local write to "+origin)
	}

	m.propagate(ctx, origin, "set", key, func(ctx context.Context, peer Layer) error {
		return peer.Set(ctx, key, value, version)
	})
	m.broadcast(key, version)
	return version, nil
}

// Delete removes a key from the origin layer and propagates the removal.
func (m *Manager) Delete(ctx context.Context, origin, key string) error {
	layer, err := m.layer(origin)
	if err != nil {
		return err
	}

	// Untrack before touching layers: a layer delete may re-enter through
	// that layer's event hook, and an untracked key is not re-announced.
	m.versions.Remove(key)
	if err := layer.Delete(ctx, key); err != nil {
		return errors.Wrap(err, "coherence", "Delete", "local delete on "+origin)
	}

	m.propagate(ctx, origin, "delete", key, func(ctx context.Context, peer Layer) error {
		return peer.Delete(ctx, key)
	})
	m.broadcast(key, Version{})
	return nil
}

// Clear removes matching keys from the origin layer and propagates the
// clear. Pattern clears are not broadcast across nodes.
func (m *Manager) Clear(ctx context.Context, origin, pattern string) error {
	layer, err := m.layer(origin)
	if err != nil {
		return err
	}

	if pattern == "" {
		m.versions.Clear()
	}
	if err := layer.Clear(ctx, pattern); err != nil {
		return errors.Wrap(err, "coherence", "Clear", "local clear on "+origin)
	}

	m.propagate(ctx, origin, "clear", pattern, func(ctx context.Context, peer Layer) error {
		return peer.Clear(ctx, pattern)
	})
	return nil
}

// AnnounceWrite propagates a write that already committed to the origin
// layer. Used by callers that write through a layer directly instead of
// through Write.
func (m *Manager) AnnounceWrite(ctx context.Context, origin, key string, value []byte, version Version) {
	m.propagate(ctx, origin, "set", key, func(ctx context.Context, peer Layer) error {
		return peer.Set(ctx, key, value, version)
	})
	m.broadcast(key, version)
}

// AnnounceDelete propagates a delete that already happened on the origin
// layer.
func (m *Manager) AnnounceDelete(ctx context.Context, origin, key string) {
	m.versions.Remove(key)
	m.propagate(ctx, origin, "delete", key, func(ctx context.Context, peer Layer) error {
		return peer.Delete(ctx, key)
	})
	m.broadcast(key, Version{})
}

// AnnounceClear propagates a clear that already happened on the origin
// layer. Pattern clears are not broadcast across nodes.
func (m *Manager) AnnounceClear(ctx context.Context, origin, pattern string) {
	if pattern == "" {
		m.versions.Clear()
	}
	m.propagate(ctx, origin, "clear", pattern, func(ctx context.Context, peer Layer) error {
		return peer.Clear(ctx, pattern)
	})
}

// propagate fans an operation out to every peer of origin. Strong
// consistency waits for all peers, counting failures as violations;
// eventual consistency is fire-and-forget. Each peer attempt is bounded by
// the propagation timeout; transient failures are retried with backoff, and
// one peer's failure never blocks the others.
func (m *Manager) propagate(ctx context.Context, origin, action, key string, op func(context.Context, Layer) error) {
	peers := m.peers(origin)
	if len(peers) == 0 {
		return
	}

	apply := func(ctx context.Context, peer Layer) {
		err := retry.Do(ctx, m.cfg.PropagationRetry, func() error {
			opCtx, cancel := context.WithTimeout(ctx, m.cfg.PropagationTimeout)
			defer cancel()
			if err := op(opCtx, peer); err != nil {
				if errors.Classify(err) != errors.ErrorTransient {
					return retry.NonRetryable(err)
				}
				return err
			}
			return nil
		})
		if err != nil {
			m.recordViolation()
			m.logger.Warn("propagation failed",
				"action", action, "key", key, "origin", origin, "peer", peer.Name(),
				"class", errors.Classify(err).String(), "error", err)
		}
	}

	if m.cfg.Consistency == ConsistencyEventual {
		for _, peer := range peers {
			m.wg.Add(1)
			go func(peer Layer) {
				defer m.wg.Done()
				apply(context.Background(), peer)
			}(peer)
		}
		return
	}

	start := time.Now()
	var wg sync.WaitGroup
	for _, peer := range peers {
		wg.Add(1)
		go func(peer Layer) {
			defer wg.Done()
			apply(ctx, peer)
		}(peer)
	}
	wg.Wait()

	if m.metrics != nil {
		m.metrics.PropagationDuration.Observe(time.Since(start).Seconds())
	}
}

func (m *Manager) recordViolation() {
	m.violations.Add(1)
	if m.metrics != nil {
		m.metrics.CoherenceViolations.Inc()
	}
}

// Stats returns the coherence summary without blocking active operations.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	layers := len(m.layers)
	m.mu.RUnlock()

	return Stats{
		Layers:      layers,
		TrackedKeys: m.versions.Len(),
		Violations:  m.violations.Load(),
		Resolutions: m.resolutions.Load(),
	}
}

// Start launches the periodic audit and, in distributed mode, the broadcast
// subscription and seen-set sweep.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "coherence", "Start", "manager")
	}

	if m.broadcaster != nil {
		if err := m.broadcaster.Subscribe(m.handleBroadcast); err != nil {
			return errors.WrapTransient(err, "coherence", "Start", "broadcast subscription")
		}
	}

	go m.run(ctx)
	return nil
}

// run owns the audit and seen-sweep tickers.
func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	audit := time.NewTicker(m.cfg.AuditInterval)
	defer audit.Stop()
	sweep := time.NewTicker(m.cfg.SeenTTL)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.shutdown:
			return
		case <-audit.C:
			m.Audit(ctx)
		case <-sweep.C:
			m.sweepSeen(time.Now())
		}
	}
}

// Close stops the background tickers and waits for in-flight eventual
// propagations. The broadcaster, being shared, is not closed here.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.shutdown)

		if m.started.Load() {
			select {
			case <-m.done:
			case <-time.After(5 * time.Second):
				m.closeErr = fmt.Errorf("timeout waiting for audit goroutine to finish")
			}
		}
		m.wg.Wait()
		m.versions.Clear()
	})
	return m.closeErr
}
