package tier

import (
	"sync"
	"sync/atomic"
	"time"
)

// Statistics tracks per-tier performance counters. Stats are always
// collected; Prometheus export is layered on top via WithMetrics.
type Statistics struct {
	// Atomic counters for thread-safe updates
	hits       int64
	misses     int64
	sets       int64
	deletes    int64
	evictions  int64
	ioFailures int64

	// Protected by mutex
	mu           sync.RWMutex
	startTime    time.Time
	currentItems int64
	currentBytes int64
	maxItems     int64
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

// Hit records a cache hit.
func (s *Statistics) Hit() { atomic.AddInt64(&s.hits, 1) }

// Miss records a cache miss.
func (s *Statistics) Miss() { atomic.AddInt64(&s.misses, 1) }

// Set records a set operation.
func (s *Statistics) Set() { atomic.AddInt64(&s.sets, 1) }

// Delete records a delete operation.
func (s *Statistics) Delete() { atomic.AddInt64(&s.deletes, 1) }

// Eviction records an eviction.
func (s *Statistics) Eviction() { atomic.AddInt64(&s.evictions, 1) }

// IOFailure records an isolated tier I/O failure.
func (s *Statistics) IOFailure() { atomic.AddInt64(&s.ioFailures, 1) }

// UpdateUsage updates the current item count and payload bytes.
func (s *Statistics) UpdateUsage(items, bytes int64) {
	s.mu.Lock()
	s.currentItems = items
	s.currentBytes = bytes
	if items > s.maxItems {
		s.maxItems = items
	}
	s.mu.Unlock()
}

// Hits returns the total number of cache hits.
func (s *Statistics) Hits() int64 { return atomic.LoadInt64(&s.hits) }

// Misses returns the total number of cache misses.
func (s *Statistics) Misses() int64 { return atomic.LoadInt64(&s.misses) }

// Sets returns the total number of set operations.
func (s *Statistics) Sets() int64 { return atomic.LoadInt64(&s.sets) }

// Deletes returns the total number of delete operations.
func (s *Statistics) Deletes() int64 { return atomic.LoadInt64(&s.deletes) }

// Evictions returns the total number of evictions.
func (s *Statistics) Evictions() int64 { return atomic.LoadInt64(&s.evictions) }

// IOFailures returns the total number of recorded I/O failures.
func (s *Statistics) IOFailures() int64 { return atomic.LoadInt64(&s.ioFailures) }

// CurrentItems returns the current number of entries.
func (s *Statistics) CurrentItems() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentItems
}

// CurrentBytes returns the current payload size in bytes.
func (s *Statistics) CurrentBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentBytes
}

// HitRatio returns the hit ratio in [0.0, 1.0].
func (s *Statistics) HitRatio() float64 {
	hits := s.Hits()
	total := hits + s.Misses()
	if total == 0 {
		return 0.0
	}
	return float64(hits) / float64(total)
}

// Uptime returns how long the tier has been running.
func (s *Statistics) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.startTime)
}

// Reset resets all statistics to zero.
func (s *Statistics) Reset() {
	atomic.StoreInt64(&s.hits, 0)
	atomic.StoreInt64(&s.misses, 0)
	atomic.StoreInt64(&s.sets, 0)
	atomic.StoreInt64(&s.deletes, 0)
	atomic.StoreInt64(&s.evictions, 0)
	atomic.StoreInt64(&s.ioFailures, 0)

	s.mu.Lock()
	s.startTime = time.Now()
	s.currentItems = 0
	s.currentBytes = 0
	s.maxItems = 0
	s.mu.Unlock()
}

// StatsSummary is a point-in-time snapshot of tier statistics.
type StatsSummary struct {
	Hits         int64         `json:"hits"`
	Misses       int64         `json:"misses"`
	Sets         int64         `json:"sets"`
	Deletes      int64         `json:"deletes"`
	Evictions    int64         `json:"evictions"`
	IOFailures   int64         `json:"io_failures"`
	CurrentItems int64         `json:"current_items"`
	CurrentBytes int64         `json:"current_bytes"`
	HitRatio     float64       `json:"hit_ratio"`
	Uptime       time.Duration `json:"uptime"`
}

// Summary returns a snapshot of all statistics.
func (s *Statistics) Summary() StatsSummary {
	return StatsSummary{
		Hits:         s.Hits(),
		Misses:       s.Misses(),
		Sets:         s.Sets(),
		Deletes:      s.Deletes(),
		Evictions:    s.Evictions(),
		IOFailures:   s.IOFailures(),
		CurrentItems: s.CurrentItems(),
		CurrentBytes: s.CurrentBytes(),
		HitRatio:     s.HitRatio(),
		Uptime:       s.Uptime(),
	}
}
