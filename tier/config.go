package tier

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/tiercache/errors"
)

// Config contains configuration for the tiered cache. The struct is
// validated once at construction and treated as immutable afterwards.
type Config struct {
	// Memory configures the top (fastest) tier. Always enabled.
	Memory MemoryConfig `json:"memory"`

	// Disk configures the on-disk tier.
	Disk DiskConfig `json:"disk"`

	// Remote configures the optional Redis-backed tier.
	Remote RemoteConfig `json:"remote"`

	// PromoteOnHit copies a value found in a lower tier up through all
	// higher tiers.
	PromoteOnHit bool `json:"promote_on_hit"`

	// AsyncWriteLower writes to disk/remote tiers fire-and-forget; errors
	// are logged and never surfaced to the caller.
	AsyncWriteLower bool `json:"async_write_lower"`

	// DefaultTTL applies to entries set without an explicit TTL. Zero means
	// no expiry.
	DefaultTTL time.Duration `json:"default_ttl"`

	// MaxKeyLength bounds accepted key sizes in bytes.
	MaxKeyLength int `json:"max_key_length"`

	// MaxValueBytes bounds accepted value sizes.
	MaxValueBytes int64 `json:"max_value_bytes"`

	// CleanupInterval is how often the expiry sweep runs over memory and
	// disk tiers.
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

// MemoryConfig configures the in-memory tier.
type MemoryConfig struct {
	CapacityItems int     `json:"capacity_items"`
	CapacityBytes int64   `json:"capacity_bytes"`
	EvictTarget   float64 `json:"evict_target"` // fraction of capacity eviction drains to
}

// DiskConfig configures the on-disk tier.
type DiskConfig struct {
	Enabled       bool          `json:"enabled"`
	Dir           string        `json:"dir"`
	CapacityItems int           `json:"capacity_items"`
	CapacityBytes int64         `json:"capacity_bytes"`
	EvictTarget   float64       `json:"evict_target"`
	Compression   bool          `json:"compression"` // persisted in the index; payload compression itself is optional
	OpTimeout     time.Duration `json:"op_timeout"`
}

// RemoteConfig configures the optional Redis-backed tier.
type RemoteConfig struct {
	Enabled   bool          `json:"enabled"`
	Addr      string        `json:"addr"`
	Password  string        `json:"password,omitempty"`
	DB        int           `json:"db"`
	KeyPrefix string        `json:"key_prefix"`
	OpTimeout time.Duration `json:"op_timeout"`
}

// DefaultConfig returns a default tiered cache configuration: memory tier
// only, promotion and async lower-tier writes enabled.
func DefaultConfig() Config {
	return Config{
		Memory: MemoryConfig{
			CapacityItems: 10000,
			CapacityBytes: 256 << 20, // 256 MiB
			EvictTarget:   0.8,
		},
		Disk: DiskConfig{
			Enabled:       false,
			CapacityItems: 100000,
			CapacityBytes: 2 << 30, // 2 GiB
			EvictTarget:   0.8,
			OpTimeout:     5 * time.Second,
		},
		Remote: RemoteConfig{
			Enabled:   false,
			Addr:      "localhost:6379",
			KeyPrefix: "tiercache:",
			OpTimeout: 2 * time.Second,
		},
		PromoteOnHit:    true,
		AsyncWriteLower: true,
		DefaultTTL:      0,
		MaxKeyLength:    512,
		MaxValueBytes:   8 << 20, // 8 MiB
		CleanupInterval: time.Minute,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.Memory.CapacityItems <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "tier", "Validate",
			fmt.Sprintf("memory capacity_items must be positive, got %d", c.Memory.CapacityItems))
	}
	if c.Memory.CapacityBytes <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "tier", "Validate",
			fmt.Sprintf("memory capacity_bytes must be positive, got %d", c.Memory.CapacityBytes))
	}
	if err := validateEvictTarget("memory", c.Memory.EvictTarget); err != nil {
		return err
	}

	if c.Disk.Enabled {
		if c.Disk.Dir == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "tier", "Validate",
				"disk tier enabled but dir is empty")
		}
		if c.Disk.CapacityItems <= 0 || c.Disk.CapacityBytes <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "tier", "Validate",
				"disk capacity bounds must be positive")
		}
		if err := validateEvictTarget("disk", c.Disk.EvictTarget); err != nil {
			return err
		}
	}

	if c.Remote.Enabled && c.Remote.Addr == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "tier", "Validate",
			"remote tier enabled but addr is empty")
	}

	if c.MaxKeyLength <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "tier", "Validate",
			fmt.Sprintf("max_key_length must be positive, got %d", c.MaxKeyLength))
	}
	if c.MaxValueBytes <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "tier", "Validate",
			fmt.Sprintf("max_value_bytes must be positive, got %d", c.MaxValueBytes))
	}
	if c.CleanupInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "tier", "Validate",
			fmt.Sprintf("cleanup_interval must be positive, got %v", c.CleanupInterval))
	}

	return nil
}

// validateEvictTarget rejects targets that would let eviction drain a tier
// to zero (eviction storms) or never free anything.
func validateEvictTarget(tierName string, target float64) error {
	if target <= 0 || target >= 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "tier", "Validate",
			fmt.Sprintf("%s evict_target must be in (0, 1), got %v", tierName, target))
	}
	return nil
}

// UnmarshalJSON implements custom JSON unmarshaling for Config to support
// duration strings (e.g., "1h", "5m", "30s") in addition to nanosecond
// integers.
func (c *Config) UnmarshalJSON(data []byte) error {
	type Alias Config
	aux := &struct {
		DefaultTTL      json.RawMessage `json:"default_ttl,omitempty"`
		CleanupInterval json.RawMessage `json:"cleanup_interval,omitempty"`
		*Alias
	}{Alias: (*Alias)(c)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if len(aux.DefaultTTL) > 0 {
		d, err := parseDurationField(aux.DefaultTTL, "default_ttl")
		if err != nil {
			return err
		}
		c.DefaultTTL = d
	}
	if len(aux.CleanupInterval) > 0 {
		d, err := parseDurationField(aux.CleanupInterval, "cleanup_interval")
		if err != nil {
			return err
		}
		c.CleanupInterval = d
	}

	return nil
}

// parseDurationField parses a JSON duration field that can be either an
// integer (nanoseconds) or a string like "1h", "5m", "30s".
func parseDurationField(data json.RawMessage, fieldName string) (time.Duration, error) {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		duration, err := time.ParseDuration(str)
		if err != nil {
			return 0, fmt.Errorf("invalid duration string for %s: %w", fieldName, err)
		}
		return duration, nil
	}

	var nsec int64
	if err := json.Unmarshal(data, &nsec); err != nil {
		return 0, fmt.Errorf("field %s must be either a duration string (e.g., '1h') or integer nanoseconds", fieldName)
	}
	return time.Duration(nsec), nil
}
