package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "snowfall"

// Metrics holds the Prometheus collectors for the aggregation service.
type Metrics struct {
	CacheLookups   *prometheus.CounterVec   // labels: key={latest,storm}, result={hit,miss}
	SourceFetches  *prometheus.CounterVec   // labels: source, outcome={success,error,timeout}
	SourceDuration *prometheus.HistogramVec // labels: source
	Measurements   *prometheus.CounterVec   // labels: result={kept,dropped}
	APIErrors      *prometheus.CounterVec   // labels: kind
	CacheEntries   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := newMetrics()
	reg.MustRegister(
		m.CacheLookups,
		m.SourceFetches,
		m.SourceDuration,
		m.Measurements,
		m.APIErrors,
		m.CacheEntries,
	)
	return m
}

// NewMetricsForTesting returns unregistered collectors so tests can build
// as many as they like.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Storm cache lookups by key type and result.",
		}, []string{"key", "result"}),
		SourceFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_fetches_total",
			Help:      "Source connector fetch attempts by source and outcome.",
		}, []string{"source", "outcome"}),
		SourceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "source_fetch_duration_seconds",
			Help:      "Duration of a single source connector fetch attempt.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"source"}),
		Measurements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "normalized_records_total",
			Help:      "Raw records processed by the normalizer by result.",
		}, []string{"result"}),
		APIErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_errors_total",
			Help:      "Error responses rendered at the API boundary by kind.",
		}, []string{"kind"}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Entries currently held by the storm cache, fresh or stale.",
		}),
	}
}
