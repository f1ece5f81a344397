package invalidation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tiercache/depgraph"
	"github.com/c360/tiercache/errors"
)

// fakeStore is an in-memory Store that records removal order and can be
// primed to fail or block on specific keys.
type fakeStore struct {
	mu      sync.Mutex
	entries map[string]EntryInfo
	failing map[string]error
	removed []string

	// Optional gate: Remove signals started then waits for release.
	started chan struct{}
	release chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entries: make(map[string]EntryInfo),
		failing: make(map[string]error),
	}
}

func (s *fakeStore) put(key string, info EntryInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = info
}

func (s *fakeStore) Remove(ctx context.Context, key string) (bool, error) {
	if s.started != nil {
		s.started <- struct{}{}
		<-s.release
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failing[key]; ok {
		return false, err
	}
	_, existed := s.entries[key]
	delete(s.entries, key)
	s.removed = append(s.removed, key)
	return existed, nil
}

func (s *fakeStore) Keys(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *fakeStore) Info(ctx context.Context, key string) (EntryInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.entries[key]
	return info, ok
}

func (s *fakeStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

func (s *fakeStore) removalOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.removed))
	copy(out, s.removed)
	return out
}

// fakeVersions is an in-memory VersionStore.
type fakeVersions struct {
	mu       sync.Mutex
	versions map[string]int64
}

func newFakeVersions() *fakeVersions {
	return &fakeVersions{versions: make(map[string]int64)}
}

func (v *fakeVersions) Version(key string) (int64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	version, ok := v.versions[key]
	return version, ok
}

func (v *fakeVersions) SetVersion(key string, version int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.versions[key] = version
}

func newTestEngine(t *testing.T, store Store, options ...Option) (*Engine, *depgraph.Graph) {
	t.Helper()
	graph := depgraph.New(nil)
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.SweepInterval = 20 * time.Millisecond
	e, err := NewEngine(context.Background(), cfg, store, graph, options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, graph
}

func TestManualInvalidation(t *testing.T) {
	store := newFakeStore()
	store.put("k1", EntryInfo{})
	store.put("k2", EntryInfo{})
	e, _ := newTestEngine(t, store)

	res, err := e.Invalidate(context.Background(), []string{"k1", "k2"}, StrategyManual, Options{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"k1", "k2"}, res.Invalidated)
	assert.Zero(t, res.Failed)
	assert.False(t, store.has("k1"))
	assert.False(t, store.has("k2"))
}

func TestInvalidateAbsentKeyIsIdempotent(t *testing.T) {
	store := newFakeStore()
	e, _ := newTestEngine(t, store)

	for i := 0; i < 3; i++ {
		res, err := e.Invalidate(context.Background(), []string{"ghost"}, StrategyManual, Options{})
		require.NoError(t, err)
		assert.Empty(t, res.Invalidated)
		assert.Zero(t, res.Failed)
	}
}

func TestUnknownStrategy(t *testing.T) {
	e, _ := newTestEngine(t, newFakeStore())

	_, err := e.Invalidate(context.Background(), []string{"k"}, Strategy("bogus"), Options{})
	require.ErrorIs(t, err, errors.ErrUnknownStrategy)
}

func TestDependencyOrdering(t *testing.T) {
	store := newFakeStore()
	for _, k := range []string{"A", "B", "C"} {
		store.put(k, EntryInfo{})
	}
	e, graph := newTestEngine(t, store)

	// A depends on B, B depends on C
	require.NoError(t, graph.Register("A", "B", depgraph.EdgeMetadata{}))
	require.NoError(t, graph.Register("B", "C", depgraph.EdgeMetadata{}))

	res, err := e.Invalidate(context.Background(), []string{"C"}, StrategyDependency, Options{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, res.Invalidated)

	// Dependents are removed no later than the dependency root
	order := store.removalOrder()
	require.Len(t, order, 3)
	assert.Equal(t, "C", order[2])
}

func TestDependencyScenario(t *testing.T) {
	store := newFakeStore()
	store.put("dataset:sales", EntryInfo{})
	store.put("report:weekly", EntryInfo{})
	e, graph := newTestEngine(t, store)

	require.NoError(t, graph.Register("report:weekly", "dataset:sales", depgraph.EdgeMetadata{}))

	res, err := e.Invalidate(context.Background(), []string{"dataset:sales"}, StrategyDependency, Options{MaxDepth: 5})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"report:weekly", "dataset:sales"}, res.Invalidated)
	assert.False(t, store.has("report:weekly"))
	assert.False(t, store.has("dataset:sales"))
}

func TestDependencyDepthBound(t *testing.T) {
	store := newFakeStore()
	for _, k := range []string{"a", "b", "c", "d"} {
		store.put(k, EntryInfo{})
	}
	e, graph := newTestEngine(t, store)

	// a <- b <- c <- d (d depends transitively on a)
	require.NoError(t, graph.Register("b", "a", depgraph.EdgeMetadata{}))
	require.NoError(t, graph.Register("c", "b", depgraph.EdgeMetadata{}))
	require.NoError(t, graph.Register("d", "c", depgraph.EdgeMetadata{}))

	res, err := e.Invalidate(context.Background(), []string{"a"}, StrategyDependency, Options{MaxDepth: 1})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, res.Invalidated)
	assert.True(t, store.has("c"))
	assert.True(t, store.has("d"))
}

func TestVersionStrategy(t *testing.T) {
	store := newFakeStore()
	store.put("stale", EntryInfo{Version: 3})
	store.put("fresh", EntryInfo{Version: 7})
	e, _ := newTestEngine(t, store)

	res, err := e.Invalidate(context.Background(), []string{"stale", "fresh", "absent"},
		StrategyVersion, Options{RequiredVersion: 7})
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, res.Invalidated)
	assert.True(t, store.has("fresh"))
}

func TestVersionStrategyAdvances(t *testing.T) {
	store := newFakeStore()
	store.put("k", EntryInfo{})
	versions := newFakeVersions()
	versions.SetVersion("k", 3)
	e, _ := newTestEngine(t, store, WithVersionStore(versions))

	res, err := e.Invalidate(context.Background(), []string{"k"},
		StrategyVersion, Options{RequiredVersion: 9, AdvanceVersion: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, res.Invalidated)

	v, ok := versions.Version("k")
	require.True(t, ok)
	assert.Equal(t, int64(9), v)
}

func TestTimeStrategyOlderThan(t *testing.T) {
	store := newFakeStore()
	store.put("old", EntryInfo{CreatedAt: time.Now().Add(-time.Hour)})
	store.put("young", EntryInfo{CreatedAt: time.Now()})
	e, _ := newTestEngine(t, store)

	res, err := e.Invalidate(context.Background(), []string{"old", "young"},
		StrategyTime, Options{OlderThan: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, res.Invalidated)
	assert.True(t, store.has("young"))
}

func TestTimeStrategyExpiredOnly(t *testing.T) {
	store := newFakeStore()
	past := time.Now().Add(-time.Second)
	future := time.Now().Add(time.Hour)
	store.put("expired", EntryInfo{CreatedAt: time.Now().Add(-time.Hour), ExpiresAt: &past})
	store.put("live", EntryInfo{CreatedAt: time.Now().Add(-time.Hour), ExpiresAt: &future})
	store.put("no-expiry", EntryInfo{CreatedAt: time.Now().Add(-time.Hour)})
	e, _ := newTestEngine(t, store)

	res, err := e.Invalidate(context.Background(), []string{"expired", "live", "no-expiry"},
		StrategyTime, Options{ExpiredOnly: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"expired"}, res.Invalidated)
}

func TestTimeStrategyUnconditional(t *testing.T) {
	store := newFakeStore()
	store.put("k1", EntryInfo{CreatedAt: time.Now()})
	store.put("k2", EntryInfo{CreatedAt: time.Now()})
	e, _ := newTestEngine(t, store)

	res, err := e.Invalidate(context.Background(), []string{"k1", "k2"}, StrategyTime, Options{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"k1", "k2"}, res.Invalidated)
}

func TestEventStrategyMergesSubscriberKeys(t *testing.T) {
	store := newFakeStore()
	store.put("explicit", EntryInfo{})
	store.put("derived:1", EntryInfo{})
	store.put("derived:2", EntryInfo{})
	e, _ := newTestEngine(t, store)

	var gotEvent string
	e.SubscribeEvent("schema-changed", func(event string, keys []string) []string {
		gotEvent = event
		return []string{"derived:1", "derived:2", "explicit"}
	})

	res, err := e.Invalidate(context.Background(), []string{"explicit"},
		StrategyEvent, Options{Event: "schema-changed"})
	require.NoError(t, err)
	assert.Equal(t, "schema-changed", gotEvent)
	assert.ElementsMatch(t, []string{"explicit", "derived:1", "derived:2"}, res.Invalidated)
}

func TestBatchFailureIsolation(t *testing.T) {
	store := newFakeStore()
	store.put("good1", EntryInfo{})
	store.put("good2", EntryInfo{})
	store.failing["bad"] = errors.ErrTierUnavailable
	e, _ := newTestEngine(t, store)

	res, err := e.Invalidate(context.Background(), []string{"good1", "bad", "good2"},
		StrategyManual, Options{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"good1", "good2"}, res.Invalidated)
	assert.Equal(t, 1, res.Failed)
}

func TestEngineRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentInvalidations = 0
	_, err := NewEngine(context.Background(), cfg, newFakeStore(), depgraph.New(nil))
	require.ErrorIs(t, err, errors.ErrInvalidConfig)
}
