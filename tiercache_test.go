package tiercache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tiercache/coherence"
	"github.com/c360/tiercache/depgraph"
	"github.com/c360/tiercache/errors"
	"github.com/c360/tiercache/invalidation"
	"github.com/c360/tiercache/metric"
	"github.com/c360/tiercache/tier"
)

func newTestEngine(t *testing.T, options ...Option) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Tier.AsyncWriteLower = false
	cfg.Invalidation.RetryDelay = time.Millisecond
	e, err := New(context.Background(), cfg, options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// recordLayer is an in-memory coherence peer that counts the mutations it
// receives.
type recordLayer struct {
	mu      sync.Mutex
	name    string
	entries map[string][]byte
	sets    map[string]int
	deletes map[string]int
}

func newRecordLayer(name string) *recordLayer {
	return &recordLayer{
		name:    name,
		entries: make(map[string][]byte),
		sets:    make(map[string]int),
		deletes: make(map[string]int),
	}
}

func (l *recordLayer) Name() string { return l.name }

func (l *recordLayer) Get(ctx context.Context, key string) ([]byte, coherence.Version, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	value, ok := l.entries[key]
	if !ok {
		return nil, coherence.Version{}, errors.WrapTransient(errors.ErrKeyNotFound, "recordLayer", "Get", key)
	}
	return value, coherence.Version{}, nil
}

func (l *recordLayer) Set(ctx context.Context, key string, value []byte, version coherence.Version) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[key] = value
	l.sets[key]++
	return nil
}

func (l *recordLayer) Delete(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
	l.deletes[key]++
	return nil
}

func (l *recordLayer) Clear(ctx context.Context, pattern string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pattern == "" {
		l.entries = make(map[string][]byte)
	}
	return nil
}

func (l *recordLayer) Keys(ctx context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := make([]string, 0, len(l.entries))
	for k := range l.entries {
		keys = append(keys, k)
	}
	return keys, nil
}

func (l *recordLayer) value(key string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	value, ok := l.entries[key]
	return value, ok
}

func (l *recordLayer) setCount(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sets[key]
}

func (l *recordLayer) deleteCount(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deletes[key]
}

func TestEngineSetGetDelete(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	require.NoError(t, e.Set(ctx, "k", []byte("v"), tier.SetOptions{}))

	value, err := e.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)

	require.NoError(t, e.Delete(ctx, "k", tier.DeleteOptions{}))
	_, err = e.Get(ctx, "k")
	require.ErrorIs(t, err, errors.ErrKeyNotFound)
}

func TestEngineAssignsMonotonicVersions(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	require.NoError(t, e.Set(ctx, "k", []byte("v1"), tier.SetOptions{}))
	first, ok := e.Coherence().Versions().Version("k")
	require.True(t, ok)

	require.NoError(t, e.Set(ctx, "k", []byte("v2"), tier.SetOptions{}))
	second, ok := e.Coherence().Versions().Version("k")
	require.True(t, ok)

	assert.Greater(t, second, first)

	// The version stamp reaches the stored entry
	entry, err := e.Cache().Peek(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, second, entry.Version)
}

func TestEngineDependencyInvalidation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	require.NoError(t, e.Set(ctx, "dataset:sales", []byte("rows"), tier.SetOptions{}))
	require.NoError(t, e.Set(ctx, "report:weekly", []byte("summary"), tier.SetOptions{}))
	require.NoError(t, e.RegisterDependency("report:weekly", "dataset:sales", depgraph.EdgeMetadata{}))

	res, err := e.Invalidate(ctx, []string{"dataset:sales"}, invalidation.StrategyDependency,
		invalidation.Options{MaxDepth: 5})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"report:weekly", "dataset:sales"}, res.Invalidated)

	_, err = e.Get(ctx, "report:weekly")
	require.ErrorIs(t, err, errors.ErrKeyNotFound)
	_, err = e.Get(ctx, "dataset:sales")
	require.ErrorIs(t, err, errors.ErrKeyNotFound)
}

func TestEngineQueuedInvalidation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	require.NoError(t, e.Set(ctx, "k", []byte("v"), tier.SetOptions{}))

	_, err := e.Invalidation().Enqueue([]string{"k"}, invalidation.StrategyManual, invalidation.Options{})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := e.Get(ctx, "k")
		return err != nil
	}, time.Second, 5*time.Millisecond)
}

func TestEngineStats(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, WithMetrics(metric.NewMetricsRegistry()))

	require.NoError(t, e.Set(ctx, "k", []byte("v"), tier.SetOptions{}))
	_, err := e.Get(ctx, "k")
	require.NoError(t, err)

	stats := e.Stats()
	assert.Equal(t, int64(1), stats.Cache.Tiers[tier.TierMemory].Hits)
	assert.Equal(t, 1, stats.Coherence.Layers)
	assert.Equal(t, 1, stats.Coherence.TrackedKeys)
	assert.Zero(t, stats.QueueDepth)
}

func TestDirectCacheWriteIsVersionedAndPropagated(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	peer := newRecordLayer("session")
	require.NoError(t, e.Coherence().RegisterLayer(peer))

	// Written against the tiered cache directly, not through Engine.Set
	require.NoError(t, e.Cache().Set(ctx, "k", []byte("v"), tier.SetOptions{}))

	_, tracked := e.Coherence().Versions().Version("k")
	assert.True(t, tracked)

	value, ok := peer.value("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)
	assert.Equal(t, 1, peer.setCount("k"))
}

func TestEngineSetAnnouncesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	peer := newRecordLayer("session")
	require.NoError(t, e.Coherence().RegisterLayer(peer))

	require.NoError(t, e.Set(ctx, "k", []byte("v"), tier.SetOptions{}))

	assert.Equal(t, 1, peer.setCount("k"))
	value, ok := peer.value("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)
}

func TestDirectCacheDeleteIsPropagated(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	peer := newRecordLayer("session")
	require.NoError(t, e.Coherence().RegisterLayer(peer))

	require.NoError(t, e.Set(ctx, "k", []byte("v"), tier.SetOptions{}))
	require.NoError(t, e.Cache().Delete(ctx, "k", tier.DeleteOptions{}))

	assert.Equal(t, 1, peer.deleteCount("k"))
	_, ok := peer.value("k")
	assert.False(t, ok)
	_, tracked := e.Coherence().Versions().Version("k")
	assert.False(t, tracked)
}

func TestEngineDeleteAnnouncesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	peer := newRecordLayer("session")
	require.NoError(t, e.Coherence().RegisterLayer(peer))

	require.NoError(t, e.Set(ctx, "k", []byte("v"), tier.SetOptions{}))
	require.NoError(t, e.Delete(ctx, "k", tier.DeleteOptions{}))

	assert.Equal(t, 1, peer.deleteCount("k"))
}

func TestEngineClearPropagatesToPeerLayers(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	peer := newRecordLayer("session")
	require.NoError(t, e.Coherence().RegisterLayer(peer))

	require.NoError(t, e.Set(ctx, "k", []byte("v"), tier.SetOptions{}))
	require.NoError(t, e.Clear(ctx, ""))

	_, ok := peer.value("k")
	assert.False(t, ok)
	assert.Zero(t, e.Coherence().Versions().Len())
}

func TestEngineSetRejectedKeyLeavesNoVersion(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	err := e.Set(ctx, "", []byte("v"), tier.SetOptions{})
	require.ErrorIs(t, err, errors.ErrEmptyKey)

	assert.Zero(t, e.Coherence().Versions().Len())
}

func TestEngineSetRejectedValueKeepsPriorVersion(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Tier.AsyncWriteLower = false
	cfg.Tier.MaxValueBytes = 8
	e, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	require.NoError(t, e.Set(ctx, "k", []byte("ok"), tier.SetOptions{}))
	before, tracked := e.Coherence().Versions().Version("k")
	require.True(t, tracked)

	err = e.Set(ctx, "k", []byte("far too large"), tier.SetOptions{})
	require.ErrorIs(t, err, errors.ErrValueTooLarge)

	after, tracked := e.Coherence().Versions().Version("k")
	require.True(t, tracked)
	assert.Equal(t, before, after)
}

func TestEngineCloseIdempotent(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
}
