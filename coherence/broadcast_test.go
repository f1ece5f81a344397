package coherence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tiercache/errors"
	"github.com/c360/tiercache/pkg/retry"
)

// fakeBroadcaster loops published messages back through the subscribed
// handler on demand. The next failPublishes calls fail transiently.
type fakeBroadcaster struct {
	mu            sync.Mutex
	published     []InvalidationMessage
	failPublishes int
	handler       func(InvalidationMessage)
}

func (b *fakeBroadcaster) Publish(ctx context.Context, msg InvalidationMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failPublishes > 0 {
		b.failPublishes--
		return errors.WrapTransient(errors.ErrTierUnavailable, "fakeBroadcaster", "Publish", "injected failure")
	}
	b.published = append(b.published, msg)
	return nil
}

func (b *fakeBroadcaster) Subscribe(handler func(InvalidationMessage)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
	return nil
}

func (b *fakeBroadcaster) Close() error { return nil }

func (b *fakeBroadcaster) deliver(msg InvalidationMessage) {
	b.mu.Lock()
	handler := b.handler
	b.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
}

func (b *fakeBroadcaster) sent() []InvalidationMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]InvalidationMessage, len(b.published))
	copy(out, b.published)
	return out
}

func newBroadcastManager(t *testing.T) (*Manager, *fakeBroadcaster, *fakeLayer) {
	t.Helper()
	fb := &fakeBroadcaster{}
	cfg := DefaultConfig()
	cfg.Origin = "node-a"
	m := newTestManager(t, cfg, WithBroadcaster(fb))
	layer := newFakeLayer("local")
	require.NoError(t, m.RegisterLayer(layer))
	require.NoError(t, m.Start(context.Background()))
	return m, fb, layer
}

func TestWriteBroadcasts(t *testing.T) {
	m, fb, _ := newBroadcastManager(t)

	_, err := m.Write(context.Background(), "local", "k", []byte("v"))
	require.NoError(t, err)

	sent := fb.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "node-a", sent[0].Origin)
	assert.Equal(t, []string{"k"}, sent[0].Keys)
	assert.NotEmpty(t, sent[0].ID)
	assert.False(t, sent[0].Version.IsZero())
}

func TestBroadcastRetriesTransientPublishFailure(t *testing.T) {
	fb := &fakeBroadcaster{failPublishes: 2}
	cfg := DefaultConfig()
	cfg.Origin = "node-a"
	cfg.PropagationRetry = retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
	}
	m := newTestManager(t, cfg, WithBroadcaster(fb))
	layer := newFakeLayer("local")
	require.NoError(t, m.RegisterLayer(layer))
	require.NoError(t, m.Start(context.Background()))

	_, err := m.Write(context.Background(), "local", "k", []byte("v"))
	require.NoError(t, err)

	// Two transient publish failures, then the message goes out
	sent := fb.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"k"}, sent[0].Keys)
}

func TestInboundInvalidationApplies(t *testing.T) {
	m, fb, layer := newBroadcastManager(t)

	layer.seed("k", []byte("stale"), ScalarVersion(100))
	m.Versions().Set("k", ScalarVersion(100))

	fb.deliver(InvalidationMessage{
		ID:        "msg-1",
		Origin:    "node-b",
		Keys:      []string{"k"},
		Version:   ScalarVersion(200),
		Timestamp: time.Now(),
	})

	// Applied by invalidating, never by overwriting
	_, ok := layer.value("k")
	assert.False(t, ok)
	_, tracked := m.Versions().Get("k")
	assert.False(t, tracked)
}

func TestInboundDedupById(t *testing.T) {
	m, fb, layer := newBroadcastManager(t)
	_ = m

	msg := InvalidationMessage{
		ID:      "msg-dup",
		Origin:  "node-b",
		Keys:    []string{"k"},
		Version: ScalarVersion(200),
	}

	layer.seed("k", []byte("v"), ScalarVersion(100))
	fb.deliver(msg)
	_, ok := layer.value("k")
	require.False(t, ok)

	// Redelivery within the TTL is a no-op
	layer.seed("k", []byte("v"), ScalarVersion(100))
	fb.deliver(msg)
	_, ok = layer.value("k")
	assert.True(t, ok)
}

func TestInboundOwnOriginIgnored(t *testing.T) {
	_, fb, layer := newBroadcastManager(t)

	layer.seed("k", []byte("v"), ScalarVersion(100))
	fb.deliver(InvalidationMessage{
		ID:      "msg-self",
		Origin:  "node-a",
		Keys:    []string{"k"},
		Version: ScalarVersion(200),
	})

	_, ok := layer.value("k")
	assert.True(t, ok)
}

func TestInboundStaleVersionIgnored(t *testing.T) {
	m, fb, layer := newBroadcastManager(t)

	layer.seed("k", []byte("newer"), ScalarVersion(300))
	m.Versions().Set("k", ScalarVersion(300))

	fb.deliver(InvalidationMessage{
		ID:      "msg-old",
		Origin:  "node-b",
		Keys:    []string{"k"},
		Version: ScalarVersion(100),
	})

	// The local write is newer than the broadcast, so it survives
	_, ok := layer.value("k")
	assert.True(t, ok)
}

func TestInboundConcurrentVersionCountsViolation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Origin = "node-a"
	cfg.VersionMode = ModeVector
	fb := &fakeBroadcaster{}
	m := newTestManager(t, cfg, WithBroadcaster(fb))
	layer := newFakeLayer("local")
	require.NoError(t, m.RegisterLayer(layer))
	require.NoError(t, m.Start(context.Background()))

	layer.seed("k", []byte("v"), Version{Vector: map[string]int64{"local": 2}})
	m.Versions().Set("k", Version{Vector: map[string]int64{"local": 2}})

	fb.deliver(InvalidationMessage{
		ID:      "msg-cc",
		Origin:  "node-b",
		Keys:    []string{"k"},
		Version: Version{Vector: map[string]int64{"remote": 1}},
	})

	// Concurrent versions are a counted violation, and the key is still
	// invalidated rather than resolved by arrival order
	assert.Equal(t, int64(1), m.Stats().Violations)
	_, ok := layer.value("k")
	assert.False(t, ok)
}

func TestSeenSweep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Origin = "node-a"
	cfg.SeenTTL = 10 * time.Millisecond
	fb := &fakeBroadcaster{}
	m := newTestManager(t, cfg, WithBroadcaster(fb))

	require.True(t, m.markSeen("id-1"))
	require.False(t, m.markSeen("id-1"))

	time.Sleep(20 * time.Millisecond)
	m.sweepSeen(time.Now())

	// Past the TTL the id is forgotten and admissible again
	assert.True(t, m.markSeen("id-1"))
}
