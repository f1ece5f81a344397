package tier

import (
	"log/slog"

	"github.com/c360/tiercache/metric"
)

// Option configures TieredCache behavior using the functional options
// pattern.
type Option func(*cacheOptions)

// cacheOptions holds internal configuration for TieredCache construction.
// Stats are always collected; Prometheus metrics are optional.
type cacheOptions struct {
	metricsReg *metric.MetricsRegistry
	logger     *slog.Logger
}

// WithMetrics enables Prometheus metrics export for tier statistics.
// If registry is nil, this option is ignored.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(opts *cacheOptions) {
		if registry != nil {
			opts.metricsReg = registry
		}
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(opts *cacheOptions) {
		if logger != nil {
			opts.logger = logger
		}
	}
}

// applyOptions applies functional options to create the final configuration.
func applyOptions(options ...Option) *cacheOptions {
	opts := &cacheOptions{
		logger: slog.Default(),
	}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}
