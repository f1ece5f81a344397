package warmer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tiercache/errors"
	"github.com/c360/tiercache/pkg/retry"
	"github.com/c360/tiercache/tier"
)

func newWarmTestCache(t *testing.T) *tier.TieredCache {
	t.Helper()
	cfg := tier.DefaultConfig()
	cfg.AsyncWriteLower = false
	c, err := tier.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testWarmerConfig() Config {
	cfg := DefaultConfig()
	cfg.WarmInterval = time.Hour // tests drive Warm explicitly
	cfg.MinHits = 2
	cfg.Retry = retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	return cfg
}

func TestWarmerReloadsHotAbsentKeys(t *testing.T) {
	ctx := context.Background()
	cache := newWarmTestCache(t)

	var (
		mu     sync.Mutex
		loaded []string
	)
	loader := func(ctx context.Context, key string) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		loaded = append(loaded, key)
		return []byte("reloaded:" + key), nil
	}

	w, err := New(ctx, testWarmerConfig(), cache, loader)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	// Make "hot" hot: three hits; "cold" gets only one
	require.NoError(t, cache.Set(ctx, "hot", []byte("v"), tier.SetOptions{}))
	require.NoError(t, cache.Set(ctx, "cold", []byte("v"), tier.SetOptions{}))
	for i := 0; i < 3; i++ {
		_, err := cache.Get(ctx, "hot")
		require.NoError(t, err)
	}
	_, err = cache.Get(ctx, "cold")
	require.NoError(t, err)

	// Evict both, then warm
	require.NoError(t, cache.Delete(ctx, "hot", tier.DeleteOptions{}))
	require.NoError(t, cache.Delete(ctx, "cold", tier.DeleteOptions{}))

	warmed, err := w.Warm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, warmed)

	mu.Lock()
	assert.Equal(t, []string{"hot"}, loaded)
	mu.Unlock()

	value, err := cache.Get(ctx, "hot")
	require.NoError(t, err)
	assert.Equal(t, []byte("reloaded:hot"), value)

	_, err = cache.Get(ctx, "cold")
	require.ErrorIs(t, err, errors.ErrKeyNotFound)
}

func TestWarmerSkipsResidentKeys(t *testing.T) {
	ctx := context.Background()
	cache := newWarmTestCache(t)

	loads := 0
	loader := func(ctx context.Context, key string) ([]byte, error) {
		loads++
		return []byte("v"), nil
	}

	w, err := New(ctx, testWarmerConfig(), cache, loader)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	require.NoError(t, cache.Set(ctx, "resident", []byte("v"), tier.SetOptions{}))
	for i := 0; i < 3; i++ {
		_, err := cache.Get(ctx, "resident")
		require.NoError(t, err)
	}

	warmed, err := w.Warm(ctx)
	require.NoError(t, err)
	assert.Zero(t, warmed)
	assert.Zero(t, loads)
}

func TestWarmerLoaderFailureIsolated(t *testing.T) {
	ctx := context.Background()
	cache := newWarmTestCache(t)

	loader := func(ctx context.Context, key string) ([]byte, error) {
		if key == "broken" {
			return nil, errors.ErrTierUnavailable
		}
		return []byte("v"), nil
	}

	w, err := New(ctx, testWarmerConfig(), cache, loader)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	for _, key := range []string{"broken", "fine"} {
		require.NoError(t, cache.Set(ctx, key, []byte("v"), tier.SetOptions{}))
		for i := 0; i < 2; i++ {
			_, err := cache.Get(ctx, key)
			require.NoError(t, err)
		}
		require.NoError(t, cache.Delete(ctx, key, tier.DeleteOptions{}))
	}

	warmed, err := w.Warm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, warmed)

	_, err = cache.Get(ctx, "fine")
	require.NoError(t, err)
	_, err = cache.Get(ctx, "broken")
	require.ErrorIs(t, err, errors.ErrKeyNotFound)
}

func TestWarmerTrackingBound(t *testing.T) {
	ctx := context.Background()
	cache := newWarmTestCache(t)

	cfg := testWarmerConfig()
	cfg.MaxTracked = 2
	w, err := New(ctx, cfg, cache, func(ctx context.Context, key string) ([]byte, error) {
		return []byte("v"), nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, cache.Set(ctx, key, []byte("v"), tier.SetOptions{}))
		_, err := cache.Get(ctx, key)
		require.NoError(t, err)
	}

	// The third key's history was not admitted
	assert.Equal(t, 2, w.Tracked())
}

func TestWarmerConfigValidation(t *testing.T) {
	cfg := testWarmerConfig()
	cfg.TopN = 0
	_, err := New(context.Background(), cfg, newWarmTestCache(t), func(ctx context.Context, key string) ([]byte, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, errors.ErrInvalidConfig)
}
