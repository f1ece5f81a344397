package tier

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/tiercache/metric"
)

// tierMetrics holds Prometheus metrics for one tier. Optional; in-process
// Statistics are always collected regardless.
type tierMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	sets      prometheus.Counter
	deletes   prometheus.Counter
	evictions prometheus.Counter
	items     prometheus.Gauge
	bytes     prometheus.Gauge

	// This tier's child of the core engine eviction counter vec.
	coreEvictions prometheus.Counter
}

// newTierMetrics creates and registers per-tier metrics with the registry.
func newTierMetrics(registry *metric.MetricsRegistry, tierName string) (*tierMetrics, error) {
	labels := prometheus.Labels{"tier": tierName}
	m := &tierMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tiercache", Subsystem: "tier", Name: "hits_total",
			ConstLabels: labels, Help: "Total number of cache hits",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tiercache", Subsystem: "tier", Name: "misses_total",
			ConstLabels: labels, Help: "Total number of cache misses",
		}),
		sets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tiercache", Subsystem: "tier", Name: "sets_total",
			ConstLabels: labels, Help: "Total number of set operations",
		}),
		deletes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tiercache", Subsystem: "tier", Name: "deletes_total",
			ConstLabels: labels, Help: "Total number of delete operations",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tiercache", Subsystem: "tier", Name: "evictions_total",
			ConstLabels: labels, Help: "Total number of evictions",
		}),
		items: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tiercache", Subsystem: "tier", Name: "items",
			ConstLabels: labels, Help: "Current number of entries in tier",
		}),
		bytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tiercache", Subsystem: "tier", Name: "bytes",
			ConstLabels: labels, Help: "Current payload bytes held by tier",
		}),
	}

	if err := registry.RegisterCounter(tierName, "tier_hits", m.hits); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(tierName, "tier_misses", m.misses); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(tierName, "tier_sets", m.sets); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(tierName, "tier_deletes", m.deletes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(tierName, "tier_evictions", m.evictions); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(tierName, "tier_items", m.items); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(tierName, "tier_bytes", m.bytes); err != nil {
		return nil, err
	}

	m.coreEvictions = registry.CoreMetrics().TierEvictions.WithLabelValues(tierName)

	return m, nil
}

func (m *tierMetrics) recordHit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *tierMetrics) recordMiss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *tierMetrics) recordSet() {
	if m != nil {
		m.sets.Inc()
	}
}

func (m *tierMetrics) recordDelete() {
	if m != nil {
		m.deletes.Inc()
	}
}

func (m *tierMetrics) recordEviction() {
	if m != nil {
		m.evictions.Inc()
		m.coreEvictions.Inc()
	}
}

func (m *tierMetrics) updateUsage(items int, bytes int64) {
	if m != nil {
		m.items.Set(float64(items))
		m.bytes.Set(float64(bytes))
	}
}
