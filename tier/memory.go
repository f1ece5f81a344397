package tier

import (
	"container/list"
	"context"
	"regexp"
	"sync"

	"github.com/c360/tiercache/errors"
)

// memoryTier is a thread-safe in-memory tier with LRU eviction under both
// item-count and byte-size bounds. Operations never suspend; the context is
// accepted for interface parity and ignored.
type memoryTier struct {
	mu            sync.RWMutex
	capacityItems int
	capacityBytes int64
	evictTarget   float64
	currentBytes  int64
	items         map[string]*list.Element // key -> list element
	order         *list.List               // front = most recently used
	stats         *Statistics
	metrics       *tierMetrics
}

// newMemoryTier creates the memory tier from validated config.
func newMemoryTier(cfg MemoryConfig, metrics *tierMetrics) *memoryTier {
	return &memoryTier{
		capacityItems: cfg.CapacityItems,
		capacityBytes: cfg.CapacityBytes,
		evictTarget:   cfg.EvictTarget,
		items:         make(map[string]*list.Element),
		order:         list.New(),
		stats:         NewStatistics(),
		metrics:       metrics,
	}
}

func (t *memoryTier) Name() string { return TierMemory }

// Get retrieves an entry and marks it as recently used. Expired entries are
// removed in place and reported as misses.
func (t *memoryTier) Get(_ context.Context, key string) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	element, exists := t.items[key]
	if !exists {
		t.stats.Miss()
		t.metrics.recordMiss()
		return nil, errors.WrapTransient(errors.ErrKeyNotFound, "memory", "Get", "lookup "+key)
	}

	entry := element.Value.(*Entry)
	if entry.IsExpired() {
		t.removeElementLocked(element)
		t.stats.Eviction()
		t.stats.Miss()
		t.updateUsageLocked()
		t.metrics.recordEviction()
		t.metrics.recordMiss()
		return nil, errors.WrapTransient(errors.ErrKeyNotFound, "memory", "Get", "lookup "+key)
	}

	t.order.MoveToFront(element)
	entry.Touch()
	entry.SourceTier = TierMemory

	t.stats.Hit()
	t.metrics.recordHit()
	return entry, nil
}

// Set stores an entry and evicts least-recently-used entries until usage is
// back under the eviction target if a capacity bound was exceeded.
func (t *memoryTier) Set(_ context.Context, entry *Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if element, exists := t.items[entry.Key]; exists {
		old := element.Value.(*Entry)
		t.currentBytes += entry.SizeBytes - old.SizeBytes
		element.Value = entry
		t.order.MoveToFront(element)
	} else {
		element := t.order.PushFront(entry)
		t.items[entry.Key] = element
		t.currentBytes += entry.SizeBytes
	}

	t.evictIfOverLocked()

	t.stats.Set()
	t.updateUsageLocked()
	t.metrics.recordSet()
	return nil
}

// Delete removes an entry by key.
func (t *memoryTier) Delete(_ context.Context, key string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	element, exists := t.items[key]
	if !exists {
		return false, nil
	}

	t.removeElementLocked(element)
	t.stats.Delete()
	t.updateUsageLocked()
	t.metrics.recordDelete()
	return true, nil
}

// Clear removes entries matching pattern, or everything when pattern is nil.
func (t *memoryTier) Clear(_ context.Context, pattern *regexp.Regexp) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pattern == nil {
		t.items = make(map[string]*list.Element)
		t.order.Init()
		t.currentBytes = 0
		t.updateUsageLocked()
		return nil
	}

	for element := t.order.Front(); element != nil; {
		next := element.Next()
		entry := element.Value.(*Entry)
		if pattern.MatchString(entry.Key) {
			t.removeElementLocked(element)
		}
		element = next
	}
	t.updateUsageLocked()
	return nil
}

// Keys returns resident keys in LRU order (most recently used first).
func (t *memoryTier) Keys(_ context.Context) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	keys := make([]string, 0, len(t.items))
	for element := t.order.Front(); element != nil; element = element.Next() {
		keys = append(keys, element.Value.(*Entry).Key)
	}
	return keys, nil
}

func (t *memoryTier) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

func (t *memoryTier) SizeBytes() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.currentBytes
}

func (t *memoryTier) Stats() *Statistics { return t.stats }

// Close is a no-op; the memory tier has no background goroutines.
func (t *memoryTier) Close() error { return nil }

// removeExpired drops all expired entries. Called by the owning cache's
// cleanup ticker.
func (t *memoryTier) removeExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for element := t.order.Front(); element != nil; {
		next := element.Next()
		if element.Value.(*Entry).IsExpired() {
			t.removeElementLocked(element)
			t.stats.Eviction()
			t.metrics.recordEviction()
			removed++
		}
		element = next
	}
	if removed > 0 {
		t.updateUsageLocked()
	}
	return removed
}

// evictIfOverLocked enforces the capacity invariant: after it returns,
// currentItems <= capacityItems and currentBytes <= capacityBytes. When a
// bound is exceeded, eviction drains usage down to evictTarget of capacity
// rather than stopping at the boundary, so back-to-back writes do not evict
// one entry at a time. Must be called with mutex held.
func (t *memoryTier) evictIfOverLocked() {
	if len(t.items) <= t.capacityItems && t.currentBytes <= t.capacityBytes {
		return
	}

	targetItems := int(float64(t.capacityItems) * t.evictTarget)
	targetBytes := int64(float64(t.capacityBytes) * t.evictTarget)
	if targetItems < 1 {
		targetItems = 1
	}

	for len(t.items) > targetItems || t.currentBytes > targetBytes {
		element := t.order.Back()
		if element == nil || len(t.items) <= 1 {
			// Never evict to zero
			break
		}
		t.removeElementLocked(element)
		t.stats.Eviction()
		t.metrics.recordEviction()
	}
}

// removeElementLocked removes an element from both the list and map and
// adjusts byte accounting. Must be called with mutex held.
func (t *memoryTier) removeElementLocked(element *list.Element) {
	entry := element.Value.(*Entry)
	delete(t.items, entry.Key)
	t.order.Remove(element)
	t.currentBytes -= entry.SizeBytes
}

// updateUsageLocked pushes current usage into stats and metrics.
// Must be called with mutex held.
func (t *memoryTier) updateUsageLocked() {
	t.stats.UpdateUsage(int64(len(t.items)), t.currentBytes)
	t.metrics.updateUsage(len(t.items), t.currentBytes)
}
