// Package warmer proactively repopulates the tiered cache. It observes
// read-hit events to track hot keys over a rolling window and reloads the
// hottest absent keys through a caller-supplied loader.
package warmer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/tiercache/errors"
	"github.com/c360/tiercache/pkg/retry"
	"github.com/c360/tiercache/tier"
)

// Loader fetches the authoritative value for a key being warmed.
type Loader func(ctx context.Context, key string) ([]byte, error)

// Config contains configuration for the cache warmer.
type Config struct {
	// Window is how far back accesses count toward a key's heat.
	Window time.Duration `json:"window"`

	// TopN bounds how many hot keys one warm pass considers.
	TopN int `json:"top_n"`

	// MinHits is the access count a key needs within the window to qualify.
	MinHits int `json:"min_hits"`

	// WarmInterval is how often the periodic warm pass runs.
	WarmInterval time.Duration `json:"warm_interval"`

	// MaxTracked bounds the number of keys with recorded access history.
	MaxTracked int `json:"max_tracked"`

	// Retry governs loader attempts during a warm pass.
	Retry retry.Config `json:"-"`
}

// DefaultConfig returns a default warmer configuration.
func DefaultConfig() Config {
	return Config{
		Window:       10 * time.Minute,
		TopN:         50,
		MinHits:      2,
		WarmInterval: time.Minute,
		MaxTracked:   10000,
		Retry:        retry.Quick(),
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.Window <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "warmer", "Validate",
			fmt.Sprintf("window must be positive, got %v", c.Window))
	}
	if c.TopN <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "warmer", "Validate",
			fmt.Sprintf("top_n must be positive, got %d", c.TopN))
	}
	if c.MinHits <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "warmer", "Validate",
			fmt.Sprintf("min_hits must be positive, got %d", c.MinHits))
	}
	if c.WarmInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "warmer", "Validate",
			fmt.Sprintf("warm_interval must be positive, got %v", c.WarmInterval))
	}
	if c.MaxTracked <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "warmer", "Validate",
			fmt.Sprintf("max_tracked must be positive, got %d", c.MaxTracked))
	}
	return nil
}

// Warmer tracks access heat and reloads hot keys that fell out of the
// cache.
type Warmer struct {
	cfg    Config
	cache  *tier.TieredCache
	loader Loader
	logger *slog.Logger

	mu       sync.Mutex
	accesses map[string][]time.Time

	shutdown  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Option configures optional warmer collaborators.
type Option func(*Warmer)

// WithLogger sets the warmer's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Warmer) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// New creates a warmer over the cache, subscribes to its access events, and
// starts the periodic warm pass. The context bounds the pass's lifetime.
func New(ctx context.Context, cfg Config, cache *tier.TieredCache, loader Loader, options ...Option) (*Warmer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cache == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "warmer", "New", "nil cache")
	}
	if loader == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "warmer", "New", "nil loader")
	}

	w := &Warmer{
		cfg:      cfg,
		cache:    cache,
		loader:   loader,
		logger:   slog.Default(),
		accesses: make(map[string][]time.Time),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range options {
		o(w)
	}

	cache.Events().SubscribeAccess(w.record)
	go w.run(ctx)

	return w, nil
}

// record notes one read hit, pruning history outside the window.
func (w *Warmer) record(key string) {
	now := time.Now()
	cutoff := now.Add(-w.cfg.Window)

	w.mu.Lock()
	defer w.mu.Unlock()

	history, tracked := w.accesses[key]
	if !tracked && len(w.accesses) >= w.cfg.MaxTracked {
		return
	}

	kept := history[:0]
	for _, at := range history {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	w.accesses[key] = append(kept, now)
}

// Tracked returns the number of keys with access history.
func (w *Warmer) Tracked() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.accesses)
}

// hot returns the hottest keys within the window, hit-count descending with
// a name tie-break, capped at TopN. Keys below MinHits are dropped, and
// stale histories are pruned as a side effect.
func (w *Warmer) hot(now time.Time) []string {
	cutoff := now.Add(-w.cfg.Window)

	type heat struct {
		key  string
		hits int
	}

	w.mu.Lock()
	candidates := make([]heat, 0, len(w.accesses))
	for key, history := range w.accesses {
		kept := history[:0]
		for _, at := range history {
			if at.After(cutoff) {
				kept = append(kept, at)
			}
		}
		if len(kept) == 0 {
			delete(w.accesses, key)
			continue
		}
		w.accesses[key] = kept
		if len(kept) >= w.cfg.MinHits {
			candidates = append(candidates, heat{key: key, hits: len(kept)})
		}
	}
	w.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].hits != candidates[j].hits {
			return candidates[i].hits > candidates[j].hits
		}
		return candidates[i].key < candidates[j].key
	})
	if len(candidates) > w.cfg.TopN {
		candidates = candidates[:w.cfg.TopN]
	}

	keys := make([]string, len(candidates))
	for i, c := range candidates {
		keys[i] = c.key
	}
	return keys
}

// Warm reloads the hot keys currently absent from the cache. Per-key loader
// failures are logged and isolated. Returns how many keys were warmed.
func (w *Warmer) Warm(ctx context.Context) (int, error) {
	warmed := 0
	for _, key := range w.hot(time.Now()) {
		if _, err := w.cache.Peek(ctx, key); err == nil {
			continue // still resident
		}

		value, err := retry.DoWithResult(ctx, w.cfg.Retry, func() ([]byte, error) {
			return w.loader(ctx, key)
		})
		if err != nil {
			w.logger.Warn("warm load failed", "key", key, "error", err)
			continue
		}

		if err := w.cache.Set(ctx, key, value, tier.SetOptions{}); err != nil {
			w.logger.Warn("warm write failed", "key", key, "error", err)
			continue
		}
		warmed++
	}

	if warmed > 0 {
		w.logger.Debug("cache warm pass complete", "warmed", warmed)
	}
	return warmed, ctx.Err()
}

// run owns the periodic warm ticker.
func (w *Warmer) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.WarmInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case <-ticker.C:
			if _, err := w.Warm(ctx); err != nil {
				w.logger.Warn("periodic warm pass failed", "error", err)
			}
		}
	}
}

// Close stops the periodic warm pass and drops the access history.
func (w *Warmer) Close() error {
	w.closeOnce.Do(func() {
		close(w.shutdown)

		select {
		case <-w.done:
		case <-time.After(5 * time.Second):
			w.closeErr = fmt.Errorf("timeout waiting for warm goroutine to finish")
		}

		w.mu.Lock()
		w.accesses = make(map[string][]time.Time)
		w.mu.Unlock()
	})
	return w.closeErr
}
