package coherence

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c360/tiercache/errors"
	"github.com/c360/tiercache/pkg/retry"
)

// Consistency selects how writes fan out to peer layers.
type Consistency string

const (
	// ConsistencyStrong fans out synchronously and waits for every peer.
	// Peer failures are logged as violations but never roll back the local
	// write.
	ConsistencyStrong Consistency = "strong"

	// ConsistencyEventual fans out fire-and-forget; failures are logged,
	// never surfaced.
	ConsistencyEventual Consistency = "eventual"
)

// ResolutionPolicy selects how a detected conflict is repaired.
type ResolutionPolicy string

const (
	// ResolveUseLatest propagates the latest version's value to every other
	// layer.
	ResolveUseLatest ResolutionPolicy = "use_latest"

	// ResolveMerge combines the conflicting values through a caller-supplied
	// merge function and writes the result everywhere.
	ResolveMerge ResolutionPolicy = "merge"

	// ResolveRemove drops the key from every layer, shedding the conflict.
	ResolveRemove ResolutionPolicy = "remove"

	// ResolveManual only records and reports the conflict.
	ResolveManual ResolutionPolicy = "manual"
)

// Config contains configuration for the coherence manager.
type Config struct {
	// Consistency is the propagation policy for writes and deletes.
	Consistency Consistency `json:"consistency"`

	// VersionMode selects scalar or vector versions.
	VersionMode Mode `json:"version_mode"`

	// Resolution is the policy applied to audit-detected conflicts.
	Resolution ResolutionPolicy `json:"resolution"`

	// PropagationTimeout bounds each per-peer fan-out call. A timed-out peer
	// is treated as a failure without blocking the others.
	PropagationTimeout time.Duration `json:"propagation_timeout"`

	// PropagationRetry governs attempts for transient peer-propagation and
	// broadcast-publish failures. Invalid and fatal failures are never
	// retried.
	PropagationRetry retry.Config `json:"-"`

	// AuditInterval is how often the cross-layer audit runs.
	AuditInterval time.Duration `json:"audit_interval"`

	// AuditSampleSize bounds the keys sampled per layer per audit.
	AuditSampleSize int `json:"audit_sample_size"`

	// SeenTTL is how long inbound broadcast ids are remembered for
	// deduplication.
	SeenTTL time.Duration `json:"seen_ttl"`

	// Origin identifies this node in outbound broadcasts. Defaults to a
	// generated id.
	Origin string `json:"origin,omitempty"`
}

// DefaultConfig returns a default coherence configuration.
func DefaultConfig() Config {
	return Config{
		Consistency:        ConsistencyStrong,
		VersionMode:        ModeScalar,
		Resolution:         ResolveUseLatest,
		PropagationTimeout: 2 * time.Second,
		PropagationRetry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     500 * time.Millisecond,
			Multiplier:   2.0,
			AddJitter:    true,
		},
		AuditInterval:      30 * time.Second,
		AuditSampleSize:    100,
		SeenTTL:            30 * time.Second,
	}
}

// Validate checks if the configuration is valid, filling the generated
// origin id when absent.
func (c *Config) Validate() error {
	switch c.Consistency {
	case ConsistencyStrong, ConsistencyEventual:
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "coherence", "Validate",
			fmt.Sprintf("unknown consistency %q", c.Consistency))
	}
	switch c.VersionMode {
	case ModeScalar, ModeVector:
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "coherence", "Validate",
			fmt.Sprintf("unknown version mode %q", c.VersionMode))
	}
	switch c.Resolution {
	case ResolveUseLatest, ResolveMerge, ResolveRemove, ResolveManual:
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "coherence", "Validate",
			fmt.Sprintf("unknown resolution policy %q", c.Resolution))
	}
	if c.PropagationTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "coherence", "Validate",
			fmt.Sprintf("propagation_timeout must be positive, got %v", c.PropagationTimeout))
	}
	if c.AuditInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "coherence", "Validate",
			fmt.Sprintf("audit_interval must be positive, got %v", c.AuditInterval))
	}
	if c.AuditSampleSize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "coherence", "Validate",
			fmt.Sprintf("audit_sample_size must be positive, got %d", c.AuditSampleSize))
	}
	if c.SeenTTL <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "coherence", "Validate",
			fmt.Sprintf("seen_ttl must be positive, got %v", c.SeenTTL))
	}
	if c.Origin == "" {
		c.Origin = uuid.NewString()
	}
	return nil
}
