// Package invalidation implements the dependency-graph-driven invalidation
// engine: cascading, pattern-based, version-based, time-based, event-driven
// and manual invalidation, with a queued variant drained by a single-flight
// loop under bounded concurrency.
package invalidation

import (
	"fmt"
	"time"

	"github.com/c360/tiercache/errors"
)

// Config contains configuration for the invalidation engine. Validated once
// at construction and immutable afterwards.
type Config struct {
	// MaxDepth bounds dependency cascade traversal when a request does not
	// override it.
	MaxDepth int `json:"max_depth"`

	// BatchInvalidation splits multi-key manual invalidations into batches
	// executed under bounded concurrency.
	BatchInvalidation bool `json:"batch_invalidation"`

	// BatchSize is the number of keys per batch.
	BatchSize int `json:"batch_size"`

	// MaxConcurrentInvalidations caps simultaneously in-flight deletions.
	MaxConcurrentInvalidations int `json:"max_concurrent_invalidations"`

	// MaxRetries is how many times a queued request is re-attempted before
	// it is dropped and reported.
	MaxRetries int `json:"max_retries"`

	// RetryDelay is the base backoff delay; the effective delay grows
	// proportionally to the attempt count.
	RetryDelay time.Duration `json:"retry_delay"`

	// SweepInterval is how often the queue is drained even without an
	// explicit trigger.
	SweepInterval time.Duration `json:"sweep_interval"`

	// QueueCapacity bounds the number of waiting requests.
	QueueCapacity int `json:"queue_capacity"`
}

// DefaultConfig returns a default invalidation engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxDepth:                   5,
		BatchInvalidation:          true,
		BatchSize:                  50,
		MaxConcurrentInvalidations: 10,
		MaxRetries:                 3,
		RetryDelay:                 100 * time.Millisecond,
		SweepInterval:              5 * time.Second,
		QueueCapacity:              1024,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.MaxDepth <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "invalidation", "Validate",
			fmt.Sprintf("max_depth must be positive, got %d", c.MaxDepth))
	}
	if c.BatchInvalidation && c.BatchSize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "invalidation", "Validate",
			fmt.Sprintf("batch_size must be positive, got %d", c.BatchSize))
	}
	if c.MaxConcurrentInvalidations <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "invalidation", "Validate",
			fmt.Sprintf("max_concurrent_invalidations must be positive, got %d", c.MaxConcurrentInvalidations))
	}
	if c.MaxRetries < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "invalidation", "Validate",
			fmt.Sprintf("max_retries cannot be negative, got %d", c.MaxRetries))
	}
	if c.RetryDelay <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "invalidation", "Validate",
			fmt.Sprintf("retry_delay must be positive, got %v", c.RetryDelay))
	}
	if c.SweepInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "invalidation", "Validate",
			fmt.Sprintf("sweep_interval must be positive, got %v", c.SweepInterval))
	}
	if c.QueueCapacity <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "invalidation", "Validate",
			fmt.Sprintf("queue_capacity must be positive, got %d", c.QueueCapacity))
	}
	return nil
}
