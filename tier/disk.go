package tier

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/c360/tiercache/errors"
)

// indexFileName is the on-disk index mapping keys to entry metadata. It is
// loaded at startup and rewritten on every structural change.
const indexFileName = "index.json"

// diskIndexEntry is the persisted metadata for one on-disk entry. Data files
// are named by a content hash of the key, so the index is the only place the
// original key appears.
type diskIndexEntry struct {
	Key        string     `json:"key"`
	CreatedAt  time.Time  `json:"created_at"`
	AccessedAt time.Time  `json:"accessed_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	SizeBytes  int64      `json:"size_bytes"`
	Compressed bool       `json:"compressed"`
	Version    int64      `json:"version,omitempty"`
}

// diskTier stores entries as per-key data files under a root directory.
type diskTier struct {
	mu            sync.Mutex
	dir           string
	capacityItems int
	capacityBytes int64
	evictTarget   float64
	compression   bool
	opTimeout     time.Duration
	index         map[string]*diskIndexEntry
	currentBytes  int64
	stats         *Statistics
	metrics       *tierMetrics
	logger        *slog.Logger
	closed        bool
}

// newDiskTier creates the disk tier, loading the persisted index. Entries
// whose data file has gone missing are dropped from the index.
func newDiskTier(cfg DiskConfig, metrics *tierMetrics, logger *slog.Logger) (*diskTier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.WrapFatal(err, "disk", "newDiskTier", "create tier directory")
	}

	t := &diskTier{
		dir:           cfg.Dir,
		capacityItems: cfg.CapacityItems,
		capacityBytes: cfg.CapacityBytes,
		evictTarget:   cfg.EvictTarget,
		compression:   cfg.Compression,
		opTimeout:     cfg.OpTimeout,
		index:         make(map[string]*diskIndexEntry),
		stats:         NewStatistics(),
		metrics:       metrics,
		logger:        logger,
	}

	if err := t.loadIndex(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *diskTier) Name() string { return TierDisk }

// dataPath returns the data file path for a key: sha256(key) keeps file
// names filesystem-safe regardless of key contents.
func (t *diskTier) dataPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(t.dir, hex.EncodeToString(sum[:])+".dat")
}

// loadIndex reads the persisted index at startup.
func (t *diskTier) loadIndex() error {
	path := filepath.Join(t.dir, indexFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.WrapFatal(err, "disk", "loadIndex", "read index file")
	}

	var entries []*diskIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return errors.WrapFatal(errors.ErrIndexCorrupted, "disk", "loadIndex", "parse index file")
	}

	dropped := 0
	for _, e := range entries {
		if _, statErr := os.Stat(t.dataPath(e.Key)); statErr != nil {
			dropped++
			continue
		}
		t.index[e.Key] = e
		t.currentBytes += e.SizeBytes
	}
	if dropped > 0 {
		t.logger.Warn("dropped index entries with missing data files", "count", dropped)
	}

	t.updateUsageLocked()
	return nil
}

// writeIndexLocked rewrites the index file atomically via temp-and-rename.
// Must be called with mutex held.
func (t *diskTier) writeIndexLocked() error {
	entries := make([]*diskIndexEntry, 0, len(t.index))
	for _, e := range t.index {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	data, err := json.Marshal(entries)
	if err != nil {
		return errors.WrapFatal(err, "disk", "writeIndex", "marshal index")
	}

	tmp := filepath.Join(t.dir, indexFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.WrapTransient(err, "disk", "writeIndex", "write temp index")
	}
	if err := os.Rename(tmp, filepath.Join(t.dir, indexFileName)); err != nil {
		return errors.WrapTransient(err, "disk", "writeIndex", "rename index")
	}
	return nil
}

// withTimeout runs one file operation under the tier's per-op timeout. The
// operation's side effects must be confined to the file system; index
// mutations happen only after success.
func (t *diskTier) withTimeout(ctx context.Context, op func() error) error {
	if t.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opTimeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() { done <- op() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "disk", "io", "operation timeout")
	}
}

// Get retrieves an entry by key, reading its data file.
func (t *diskTier) Get(ctx context.Context, key string) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, errors.WrapTransient(errors.ErrTierClosed, "disk", "Get", "tier closed")
	}

	meta, exists := t.index[key]
	if !exists {
		t.stats.Miss()
		t.metrics.recordMiss()
		return nil, errors.WrapTransient(errors.ErrKeyNotFound, "disk", "Get", "lookup "+key)
	}

	if meta.ExpiresAt != nil && time.Now().After(*meta.ExpiresAt) {
		t.removeEntryLocked(key, meta)
		t.stats.Eviction()
		t.stats.Miss()
		t.metrics.recordEviction()
		t.metrics.recordMiss()
		t.updateUsageLocked()
		if err := t.writeIndexLocked(); err != nil {
			t.logger.Warn("index rewrite after expiry removal failed", "key", key, "error", err)
		}
		return nil, errors.WrapTransient(errors.ErrKeyNotFound, "disk", "Get", "lookup "+key)
	}

	var data []byte
	err := t.withTimeout(ctx, func() error {
		var readErr error
		data, readErr = os.ReadFile(t.dataPath(key))
		return readErr
	})
	if err != nil {
		t.stats.IOFailure()
		t.stats.Miss()
		t.metrics.recordMiss()
		return nil, errors.WrapTransient(err, "disk", "Get", "read data file")
	}

	if meta.Compressed {
		data, err = gunzip(data)
		if err != nil {
			t.stats.IOFailure()
			return nil, errors.WrapFatal(err, "disk", "Get", "decompress data file")
		}
	}

	// Access time is updated in memory only; it is persisted with the next
	// structural index rewrite.
	meta.AccessedAt = time.Now()

	t.stats.Hit()
	t.metrics.recordHit()

	return &Entry{
		Key:        key,
		Value:      data,
		SizeBytes:  meta.SizeBytes,
		CreatedAt:  meta.CreatedAt,
		AccessedAt: meta.AccessedAt,
		ExpiresAt:  meta.ExpiresAt,
		Version:    meta.Version,
		SourceTier: TierDisk,
	}, nil
}

// Set writes the entry's data file and rewrites the index.
func (t *diskTier) Set(ctx context.Context, entry *Entry) error {
	payload := entry.Value
	compressed := false
	if t.compression {
		if gz, err := gzipBytes(payload); err == nil && len(gz) < len(payload) {
			payload = gz
			compressed = true
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errors.WrapTransient(errors.ErrTierClosed, "disk", "Set", "tier closed")
	}

	err := t.withTimeout(ctx, func() error {
		return os.WriteFile(t.dataPath(entry.Key), payload, 0o644)
	})
	if err != nil {
		t.stats.IOFailure()
		return errors.WrapTransient(err, "disk", "Set", "write data file")
	}

	if old, exists := t.index[entry.Key]; exists {
		t.currentBytes -= old.SizeBytes
	}
	t.index[entry.Key] = &diskIndexEntry{
		Key:        entry.Key,
		CreatedAt:  entry.CreatedAt,
		AccessedAt: entry.AccessedAt,
		ExpiresAt:  entry.ExpiresAt,
		SizeBytes:  entry.SizeBytes,
		Compressed: compressed,
		Version:    entry.Version,
	}
	t.currentBytes += entry.SizeBytes

	t.evictIfOverLocked()

	t.stats.Set()
	t.updateUsageLocked()
	t.metrics.recordSet()

	return t.writeIndexLocked()
}

// Delete removes an entry and its data file.
func (t *diskTier) Delete(ctx context.Context, key string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false, errors.WrapTransient(errors.ErrTierClosed, "disk", "Delete", "tier closed")
	}

	meta, exists := t.index[key]
	if !exists {
		return false, nil
	}

	err := t.withTimeout(ctx, func() error {
		rmErr := os.Remove(t.dataPath(key))
		if os.IsNotExist(rmErr) {
			return nil
		}
		return rmErr
	})
	if err != nil {
		t.stats.IOFailure()
		return false, errors.WrapTransient(err, "disk", "Delete", "remove data file")
	}

	t.removeEntryLocked(key, meta)
	t.stats.Delete()
	t.updateUsageLocked()
	t.metrics.recordDelete()

	return true, t.writeIndexLocked()
}

// Clear removes entries matching pattern, or everything when pattern is nil.
func (t *diskTier) Clear(ctx context.Context, pattern *regexp.Regexp) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errors.WrapTransient(errors.ErrTierClosed, "disk", "Clear", "tier closed")
	}

	for key, meta := range t.index {
		if pattern != nil && !pattern.MatchString(key) {
			continue
		}
		err := t.withTimeout(ctx, func() error {
			rmErr := os.Remove(t.dataPath(key))
			if os.IsNotExist(rmErr) {
				return nil
			}
			return rmErr
		})
		if err != nil {
			// Isolated per key: log and keep clearing the rest
			t.stats.IOFailure()
			t.logger.Warn("failed to remove data file during clear", "key", key, "error", err)
			continue
		}
		t.removeEntryLocked(key, meta)
	}

	t.updateUsageLocked()
	return t.writeIndexLocked()
}

// Keys returns resident keys.
func (t *diskTier) Keys(_ context.Context) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]string, 0, len(t.index))
	for key := range t.index {
		keys = append(keys, key)
	}
	return keys, nil
}

func (t *diskTier) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.index)
}

func (t *diskTier) SizeBytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentBytes
}

func (t *diskTier) Stats() *Statistics { return t.stats }

// Close persists the index a final time, flushing pending access-time
// updates.
func (t *diskTier) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	return t.writeIndexLocked()
}

// removeExpired drops all expired entries. Called by the owning cache's
// cleanup ticker.
func (t *diskTier) removeExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0
	}

	now := time.Now()
	removed := 0
	for key, meta := range t.index {
		if meta.ExpiresAt == nil || now.Before(*meta.ExpiresAt) {
			continue
		}
		if err := os.Remove(t.dataPath(key)); err != nil && !os.IsNotExist(err) {
			t.stats.IOFailure()
			t.logger.Warn("failed to remove expired data file", "key", key, "error", err)
			continue
		}
		t.removeEntryLocked(key, meta)
		t.stats.Eviction()
		t.metrics.recordEviction()
		removed++
	}

	if removed > 0 {
		t.updateUsageLocked()
		if err := t.writeIndexLocked(); err != nil {
			t.logger.Warn("index rewrite after expiry sweep failed", "error", err)
		}
	}
	return removed
}

// evictIfOverLocked enforces the capacity invariant by ranking entries by
// AccessedAt ascending and removing until usage falls to the eviction
// target. Must be called with mutex held.
func (t *diskTier) evictIfOverLocked() {
	if len(t.index) <= t.capacityItems && t.currentBytes <= t.capacityBytes {
		return
	}

	targetItems := int(float64(t.capacityItems) * t.evictTarget)
	targetBytes := int64(float64(t.capacityBytes) * t.evictTarget)
	if targetItems < 1 {
		targetItems = 1
	}

	type ranked struct {
		key  string
		meta *diskIndexEntry
	}
	candidates := make([]ranked, 0, len(t.index))
	for key, meta := range t.index {
		candidates = append(candidates, ranked{key, meta})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].meta.AccessedAt.Before(candidates[j].meta.AccessedAt)
	})

	for _, c := range candidates {
		if len(t.index) <= targetItems && t.currentBytes <= targetBytes {
			break
		}
		if len(t.index) <= 1 {
			// Never evict to zero
			break
		}
		if err := os.Remove(t.dataPath(c.key)); err != nil && !os.IsNotExist(err) {
			t.stats.IOFailure()
			t.logger.Warn("failed to remove data file during eviction", "key", c.key, "error", err)
			continue
		}
		t.removeEntryLocked(c.key, c.meta)
		t.stats.Eviction()
		t.metrics.recordEviction()
	}
}

// removeEntryLocked drops an entry from the index and adjusts byte
// accounting. Must be called with mutex held.
func (t *diskTier) removeEntryLocked(key string, meta *diskIndexEntry) {
	delete(t.index, key)
	t.currentBytes -= meta.SizeBytes
}

// updateUsageLocked pushes current usage into stats and metrics.
// Must be called with mutex held.
func (t *diskTier) updateUsageLocked() {
	t.stats.UpdateUsage(int64(len(t.index)), t.currentBytes)
	t.metrics.updateUsage(len(t.index), t.currentBytes)
}

// gzipBytes compresses a payload for storage.
func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// gunzip decompresses a stored payload.
func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
