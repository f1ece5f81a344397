package metric

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the core metrics shared across the cache engine. Component
// specific metrics are registered separately through MetricsRegistry.
type Metrics struct {
	// Tier traffic
	TierHits      *prometheus.CounterVec
	TierMisses    *prometheus.CounterVec
	TierEvictions *prometheus.CounterVec
	Promotions    prometheus.Counter

	// Invalidation engine
	InvalidationsTotal     *prometheus.CounterVec
	InvalidationQueueDepth prometheus.Gauge
	InvalidationDrops      prometheus.Counter

	// Coherence
	CoherenceViolations prometheus.Counter
	ConflictResolutions *prometheus.CounterVec
	PropagationDuration prometheus.Histogram
}

// NewMetrics creates the core engine metrics
func NewMetrics() *Metrics {
	return &Metrics{
		TierHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiercache",
			Name:      "tier_hits_total",
			Help:      "Cache hits per tier",
		}, []string{"tier"}),
		TierMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiercache",
			Name:      "tier_misses_total",
			Help:      "Cache misses per tier",
		}, []string{"tier"}),
		TierEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiercache",
			Name:      "tier_evictions_total",
			Help:      "Entries evicted per tier",
		}, []string{"tier"}),
		Promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tiercache",
			Name:      "promotions_total",
			Help:      "Values promoted to higher tiers after a lower-tier hit",
		}),
		InvalidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiercache",
			Name:      "invalidations_total",
			Help:      "Keys invalidated per strategy",
		}, []string{"strategy"}),
		InvalidationQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tiercache",
			Name:      "invalidation_queue_depth",
			Help:      "Requests waiting in the invalidation queue",
		}),
		InvalidationDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tiercache",
			Name:      "invalidation_drops_total",
			Help:      "Invalidation requests dropped after exhausting retries",
		}),
		CoherenceViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tiercache",
			Name:      "coherence_violations_total",
			Help:      "Cross-layer version disagreements detected",
		}),
		ConflictResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiercache",
			Name:      "conflict_resolutions_total",
			Help:      "Conflicts resolved per resolution policy",
		}, []string{"policy"}),
		PropagationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tiercache",
			Name:      "propagation_duration_seconds",
			Help:      "Time spent fanning out writes to peer layers",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
	}
}
