package invalidation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tiercache/depgraph"
	"github.com/c360/tiercache/errors"
)

func TestEnqueueDrains(t *testing.T) {
	store := newFakeStore()
	store.put("k1", EntryInfo{})
	e, _ := newTestEngine(t, store)

	id, err := e.Enqueue([]string{"k1"}, StrategyManual, Options{})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)

	assert.Eventually(t, func() bool {
		return !store.has("k1") && e.QueueDepth() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestQueueRetriesThenDrops(t *testing.T) {
	store := newFakeStore()
	store.failing["cursed"] = errors.ErrTierUnavailable

	var (
		mu      sync.Mutex
		dropped *Request
		dropErr error
	)
	e, _ := newTestEngine(t, store, WithDropHandler(func(req *Request, err error) {
		mu.Lock()
		defer mu.Unlock()
		dropped = req
		dropErr = err
	}))

	id, err := e.Enqueue([]string{"cursed"}, StrategyManual, Options{})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dropped != nil
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, id, dropped.ID)
	assert.Greater(t, dropped.Attempts, DefaultConfig().MaxRetries)
	require.ErrorIs(t, dropErr, errors.ErrMaxRetriesExceeded)
}

func TestQueueFull(t *testing.T) {
	store := newFakeStore()
	store.started = make(chan struct{}, 8)
	store.release = make(chan struct{})
	store.put("k1", EntryInfo{})

	graph := depgraph.New(nil)
	cfg := DefaultConfig()
	cfg.QueueCapacity = 1
	cfg.RetryDelay = time.Millisecond
	e, err := NewEngine(context.Background(), cfg, store, graph)
	require.NoError(t, err)

	// First request is popped by the drain loop and blocks inside Remove,
	// leaving the queue empty for exactly one more admission.
	_, err = e.Enqueue([]string{"k1"}, StrategyManual, Options{})
	require.NoError(t, err)
	<-store.started

	_, err = e.Enqueue([]string{"k2"}, StrategyManual, Options{})
	require.NoError(t, err)

	_, err = e.Enqueue([]string{"k3"}, StrategyManual, Options{})
	require.ErrorIs(t, err, errors.ErrQueueFull)

	close(store.release)
	require.NoError(t, e.Close())
}

func TestCloseDrainsRemainingQueue(t *testing.T) {
	store := newFakeStore()
	for _, k := range []string{"q1", "q2", "q3"} {
		store.put(k, EntryInfo{})
	}
	e, _ := newTestEngine(t, store)

	for _, k := range []string{"q1", "q2", "q3"} {
		_, err := e.Enqueue([]string{k}, StrategyManual, Options{})
		require.NoError(t, err)
	}

	require.NoError(t, e.Close())
	assert.Zero(t, e.QueueDepth())
	assert.False(t, store.has("q1"))
	assert.False(t, store.has("q2"))
	assert.False(t, store.has("q3"))
}

func TestEnqueueAfterCloseRejected(t *testing.T) {
	e, _ := newTestEngine(t, newFakeStore())
	require.NoError(t, e.Close())

	_, err := e.Enqueue([]string{"k"}, StrategyManual, Options{})
	require.ErrorIs(t, err, errors.ErrShuttingDown)
}
