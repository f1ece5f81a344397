package tier

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360/tiercache/errors"
)

// remoteEnvelope is the JSON wrapper stored in Redis so entry metadata
// survives the round trip.
type remoteEnvelope struct {
	Value     []byte     `json:"v"`
	CreatedAt time.Time  `json:"c"`
	ExpiresAt *time.Time `json:"e,omitempty"`
	Version   int64      `json:"ver,omitempty"`
}

// remoteTier is the optional Redis-backed tier. Capacity enforcement is
// delegated to the Redis server's own maxmemory policy; Len and SizeBytes
// report zero since usage lives on the server and is not tracked locally.
type remoteTier struct {
	client    *redis.Client
	keyPrefix string
	opTimeout time.Duration
	stats     *Statistics
	metrics   *tierMetrics
	logger    *slog.Logger
}

// newRemoteTier creates the remote tier from validated config.
func newRemoteTier(cfg RemoteConfig, metrics *tierMetrics, logger *slog.Logger) *remoteTier {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &remoteTier{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		opTimeout: cfg.OpTimeout,
		stats:     NewStatistics(),
		metrics:   metrics,
		logger:    logger,
	}
}

func (t *remoteTier) Name() string { return TierRemote }

func (t *remoteTier) redisKey(key string) string { return t.keyPrefix + key }

// opContext derives a context with the tier's per-op timeout.
func (t *remoteTier) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.opTimeout > 0 {
		return context.WithTimeout(ctx, t.opTimeout)
	}
	return context.WithCancel(ctx)
}

// Get retrieves an entry from Redis.
func (t *remoteTier) Get(ctx context.Context, key string) (*Entry, error) {
	ctx, cancel := t.opContext(ctx)
	defer cancel()

	data, err := t.client.Get(ctx, t.redisKey(key)).Bytes()
	if err == redis.Nil {
		t.stats.Miss()
		t.metrics.recordMiss()
		return nil, errors.WrapTransient(errors.ErrKeyNotFound, "remote", "Get", "lookup "+key)
	}
	if err != nil {
		t.stats.IOFailure()
		t.stats.Miss()
		t.metrics.recordMiss()
		return nil, errors.WrapTransient(err, "remote", "Get", "redis get")
	}

	var env remoteEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.stats.IOFailure()
		return nil, errors.WrapFatal(err, "remote", "Get", "decode envelope")
	}

	t.stats.Hit()
	t.metrics.recordHit()

	return &Entry{
		Key:        key,
		Value:      env.Value,
		SizeBytes:  int64(len(env.Value)),
		CreatedAt:  env.CreatedAt,
		AccessedAt: time.Now(),
		ExpiresAt:  env.ExpiresAt,
		Version:    env.Version,
		SourceTier: TierRemote,
	}, nil
}

// Set stores an entry in Redis, mapping the entry's expiry onto a Redis TTL.
func (t *remoteTier) Set(ctx context.Context, entry *Entry) error {
	env := remoteEnvelope{
		Value:     entry.Value,
		CreatedAt: entry.CreatedAt,
		ExpiresAt: entry.ExpiresAt,
		Version:   entry.Version,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return errors.WrapInvalid(err, "remote", "Set", "encode envelope")
	}

	var ttl time.Duration
	if entry.ExpiresAt != nil {
		ttl = time.Until(*entry.ExpiresAt)
		if ttl <= 0 {
			// Already expired; nothing to store
			return nil
		}
	}

	ctx, cancel := t.opContext(ctx)
	defer cancel()

	if err := t.client.Set(ctx, t.redisKey(entry.Key), data, ttl).Err(); err != nil {
		t.stats.IOFailure()
		return errors.WrapTransient(err, "remote", "Set", "redis set")
	}

	t.stats.Set()
	t.metrics.recordSet()
	return nil
}

// Delete removes an entry from Redis.
func (t *remoteTier) Delete(ctx context.Context, key string) (bool, error) {
	ctx, cancel := t.opContext(ctx)
	defer cancel()

	n, err := t.client.Del(ctx, t.redisKey(key)).Result()
	if err != nil {
		t.stats.IOFailure()
		return false, errors.WrapTransient(err, "remote", "Delete", "redis del")
	}
	if n > 0 {
		t.stats.Delete()
		t.metrics.recordDelete()
	}
	return n > 0, nil
}

// Clear removes entries matching pattern, or every prefixed key when
// pattern is nil, scanning in batches to avoid blocking the server.
func (t *remoteTier) Clear(ctx context.Context, pattern *regexp.Regexp) error {
	ctx, cancel := t.opContext(ctx)
	defer cancel()

	var cursor uint64
	for {
		keys, next, err := t.client.Scan(ctx, cursor, t.keyPrefix+"*", 500).Result()
		if err != nil {
			t.stats.IOFailure()
			return errors.WrapTransient(err, "remote", "Clear", "redis scan")
		}

		var toDelete []string
		for _, rk := range keys {
			key := rk[len(t.keyPrefix):]
			if pattern == nil || pattern.MatchString(key) {
				toDelete = append(toDelete, rk)
			}
		}
		if len(toDelete) > 0 {
			if err := t.client.Del(ctx, toDelete...).Err(); err != nil {
				t.stats.IOFailure()
				return errors.WrapTransient(err, "remote", "Clear", "redis del")
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Keys lists the keys currently stored under the tier's prefix.
func (t *remoteTier) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := t.opContext(ctx)
	defer cancel()

	var out []string
	var cursor uint64
	for {
		keys, next, err := t.client.Scan(ctx, cursor, t.keyPrefix+"*", 500).Result()
		if err != nil {
			t.stats.IOFailure()
			return nil, errors.WrapTransient(err, "remote", "Keys", "redis scan")
		}
		for _, rk := range keys {
			out = append(out, rk[len(t.keyPrefix):])
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// Len reports zero: the entry count lives on the Redis server, which
// enforces its own capacity, and is not tracked locally.
func (t *remoteTier) Len() int { return 0 }

// SizeBytes reports zero for the same reason as Len.
func (t *remoteTier) SizeBytes() int64 { return 0 }

func (t *remoteTier) Stats() *Statistics { return t.stats }

// Close releases the Redis connection.
func (t *remoteTier) Close() error {
	return t.client.Close()
}
