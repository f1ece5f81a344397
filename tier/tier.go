// Package tier implements the tiered cache: an ordered sequence of storage
// tiers (memory, disk, optional remote) probed in priority order, with
// promotion on lower-tier hits and per-tier LRU eviction under byte and item
// capacity bounds.
//
// The package exposes three tier implementations behind the Tier interface:
//   - memoryTier: map + doubly-linked LRU list, synchronous and non-suspending
//   - diskTier: per-key data files named by a content hash plus a JSON index
//   - remoteTier: Redis-backed, optional
//
// TieredCache composes the tiers and owns the dependency-graph mirroring,
// cascade deletes, and the typed set/delete/clear event stream consumed by
// the coherence manager and cache warmer.
package tier

import (
	"context"
	"regexp"
	"time"
)

// Entry represents a cache entry with metadata. Each tier owns its entries
// exclusively; promotion copies an entry into the destination tier.
type Entry struct {
	Key        string
	Value      []byte
	SizeBytes  int64
	CreatedAt  time.Time
	AccessedAt time.Time
	ExpiresAt  *time.Time // nil means no expiration
	Version    int64      // assigned by the coherence manager, 0 if untracked
	SourceTier string     // tier that served the entry on the last hit
}

// IsExpired checks if the entry has expired based on the current time.
func (e *Entry) IsExpired() bool {
	if e.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*e.ExpiresAt)
}

// Touch updates the last accessed time of the entry.
func (e *Entry) Touch() {
	e.AccessedAt = time.Now()
}

// clone returns an independent copy of the entry for promotion into another
// tier. The value slice is shared; entries are treated as immutable payloads.
func (e *Entry) clone() *Entry {
	c := *e
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// Tier is one ordered storage backend within the tiered cache. Get, Set,
// Delete and Clear take a context because disk and remote tiers suspend on
// I/O; the memory tier ignores it.
type Tier interface {
	// Name returns the tier's identity ("memory", "disk", "remote").
	Name() string

	// Get retrieves an entry by key. Returns errors.ErrKeyNotFound (wrapped)
	// when the key is absent or expired.
	Get(ctx context.Context, key string) (*Entry, error)

	// Set stores an entry, evicting least-recently-used entries if the
	// tier's capacity bounds would be exceeded.
	Set(ctx context.Context, entry *Entry) error

	// Delete removes an entry by key. Returns true if the key existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Clear removes entries matching pattern, or all entries if pattern is
	// nil.
	Clear(ctx context.Context, pattern *regexp.Regexp) error

	// Keys returns the keys currently resident in the tier.
	Keys(ctx context.Context) ([]string, error)

	// Len returns the current number of entries.
	Len() int

	// SizeBytes returns the current payload size held by the tier.
	SizeBytes() int64

	// Stats returns the tier's statistics. Always non-nil.
	Stats() *Statistics

	// Close releases tier resources.
	Close() error
}

// Tier priority names, in probe order.
const (
	TierMemory = "memory"
	TierDisk   = "disk"
	TierRemote = "remote"
)
