package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "riverflows"

// Metrics holds the Prometheus counters, histograms, and gauges for the ingest service.
type Metrics struct {
	// Site fetch metrics.
	SiteFetches       *prometheus.CounterVec   // labels: agency, outcome={success,parse_error,transport_error,empty}
	SiteFetchDuration *prometheus.HistogramVec // labels: agency
	Placeholders      prometheus.Counter

	// HTTP cache metrics.
	CacheLookups       *prometheus.CounterVec // labels: result={hit,miss,bypass}
	CacheWriteFailures prometheus.Counter

	// Favorites migration metrics.
	FavoritesMigrated *prometheus.CounterVec // labels: outcome={repaired,deleted}
	MigrationRunning  prometheus.Gauge

	// Poller metrics.
	PollerRunning     prometheus.Gauge
	PollDuration      prometheus.Histogram
	PollErrors        prometheus.Counter
	SnapshotSize      prometheus.Gauge
	MessagesPublished prometheus.Counter
}

// NewMetrics creates and registers all service metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		SiteFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "site_fetches_total",
			Help:      "Site fetches by agency and outcome.",
		}, []string{"agency", "outcome"}),
		SiteFetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "site_fetch_duration_seconds",
			Help:      "Duration of a single site fetch including parsing.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"agency"}),
		Placeholders: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "placeholders_total",
			Help:      "Favorites served datasource-down placeholder data.",
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_cache_lookups_total",
			Help:      "HTTP cache lookups by result.",
		}, []string{"result"}),
		CacheWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_cache_write_failures_total",
			Help:      "Responses that could not be written to the cache.",
		}),
		FavoritesMigrated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "favorites_migrated_total",
			Help:      "Legacy favorites processed by migration, by outcome.",
		}, []string{"outcome"}),
		MigrationRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "migration_running",
			Help:      "1 while a favorites migration pass is in progress.",
		}),
		PollerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "poller_running",
			Help:      "1 when the poller is active, 0 when shut down.",
		}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of a complete favorites load cycle.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		PollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Load cycles that failed and kept the previous snapshot.",
		}),
		SnapshotSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_favorites",
			Help:      "Number of favorites in the latest snapshot.",
		}),
		MessagesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Total favorite readings written to Kafka.",
		}),
	}

	prometheus.MustRegister(
		m.SiteFetches,
		m.SiteFetchDuration,
		m.Placeholders,
		m.CacheLookups,
		m.CacheWriteFailures,
		m.FavoritesMigrated,
		m.MigrationRunning,
		m.PollerRunning,
		m.PollDuration,
		m.PollErrors,
		m.SnapshotSize,
		m.MessagesPublished,
	)

	return m
}

// NewMetricsForTesting creates Metrics with a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return &Metrics{
		SiteFetches:        prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "site_fetches_total"}, []string{"agency", "outcome"}),
		SiteFetchDuration:  prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: "site_fetch_duration_seconds"}, []string{"agency"}),
		Placeholders:       prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "placeholders_total"}),
		CacheLookups:       prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "http_cache_lookups_total"}, []string{"result"}),
		CacheWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "http_cache_write_failures_total"}),
		FavoritesMigrated:  prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "favorites_migrated_total"}, []string{"outcome"}),
		MigrationRunning:   prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "migration_running"}),
		PollerRunning:      prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "poller_running"}),
		PollDuration:       prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "poll_duration_seconds"}),
		PollErrors:         prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "poll_errors_total"}),
		SnapshotSize:       prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "snapshot_favorites"}),
		MessagesPublished:  prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "messages_published_total"}),
	}
}
