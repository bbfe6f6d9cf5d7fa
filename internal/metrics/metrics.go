// Package metrics provides Prometheus metrics for the DSSE client and
// server.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "dsse"
)

// Metrics contains all Prometheus metrics for the client and server.
type Metrics struct {
	// Add metrics
	BatchesAdded      prometheus.Counter
	DocumentsAdded    prometheus.Counter
	KeywordsPerBatch  prometheus.Histogram
	AddErrors         *prometheus.CounterVec

	// Search metrics
	SearchesRun           prometheus.Counter
	SearchesFinalized     prometheus.Counter
	SearchLatency         prometheus.Histogram
	ChainEntriesWalked    prometheus.Counter
	ChainsWalkedPerSearch prometheus.Histogram

	// Crypto / integrity metrics
	AEADVerifyFailures prometheus.Counter

	// Storage metrics
	CompactionRuns    prometheus.Counter
	CompactionLatency prometheus.Histogram
	SeRowsCompacted   prometheus.Counter

	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	ConnectionErrors  *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		BatchesAdded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_added_total",
			Help:      "Total number of add batches processed",
		}),
		DocumentsAdded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_added_total",
			Help:      "Total number of documents stored",
		}),
		KeywordsPerBatch: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "keywords_per_batch",
			Help:      "Histogram of distinct keywords per add batch",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		}),
		AddErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "add_errors_total",
			Help:      "Total add errors by type",
		}, []string{"error_type"}),

		SearchesRun: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "searches_run_total",
			Help:      "Total number of search round-1 exchanges completed",
		}),
		SearchesFinalized: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "searches_finalized_total",
			Help:      "Total number of search_finalize calls completed",
		}),
		SearchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_latency_seconds",
			Help:      "Histogram of server-side search round-1 latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		ChainEntriesWalked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_entries_walked_total",
			Help:      "Total number of Se chain entries visited across all searches",
		}),
		ChainsWalkedPerSearch: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chains_walked_per_search",
			Help:      "Histogram of distinct epoch chains walked per search",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50},
		}),

		AEADVerifyFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aead_verify_failures_total",
			Help:      "Total AEAD verification failures while decrypting search-result Eid entries",
		}),

		CompactionRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compaction_runs_total",
			Help:      "Total number of Se.enc compaction passes run",
		}),
		CompactionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compaction_latency_seconds",
			Help:      "Histogram of Se.enc compaction pass latency",
			Buckets:   []float64{.001, .01, .1, .5, 1, 5, 10, 30},
		}),
		SeRowsCompacted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "se_rows_compacted_total",
			Help:      "Total number of duplicate Se rows removed by compaction",
		}),

		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently active client connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of client connections accepted",
		}),
		ConnectionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Total connection errors by type",
		}, []string{"error_type"}),
	}
}

// RecordAdd records a completed add batch.
func (m *Metrics) RecordAdd(documentCount, keywordCount int) {
	m.BatchesAdded.Inc()
	m.DocumentsAdded.Add(float64(documentCount))
	m.KeywordsPerBatch.Observe(float64(keywordCount))
}

// RecordAddError records an add error by type.
func (m *Metrics) RecordAddError(errorType string) {
	m.AddErrors.WithLabelValues(errorType).Inc()
}

// RecordSearch records a completed search round-1 exchange.
func (m *Metrics) RecordSearch(latencySeconds float64, chainsWalked, entriesWalked int) {
	m.SearchesRun.Inc()
	m.SearchLatency.Observe(latencySeconds)
	m.ChainsWalkedPerSearch.Observe(float64(chainsWalked))
	m.ChainEntriesWalked.Add(float64(entriesWalked))
}

// RecordSearchFinalize records a completed search_finalize call.
func (m *Metrics) RecordSearchFinalize() {
	m.SearchesFinalized.Inc()
}

// RecordAEADVerifyFailure records one AEAD verification failure.
func (m *Metrics) RecordAEADVerifyFailure() {
	m.AEADVerifyFailures.Inc()
}

// RecordCompaction records a completed Se.enc compaction pass.
func (m *Metrics) RecordCompaction(latencySeconds float64, rowsRemoved int) {
	m.CompactionRuns.Inc()
	m.CompactionLatency.Observe(latencySeconds)
	m.SeRowsCompacted.Add(float64(rowsRemoved))
}

// RecordConnect records a new client connection.
func (m *Metrics) RecordConnect() {
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.Inc()
}

// RecordDisconnect records a client connection closing.
func (m *Metrics) RecordDisconnect() {
	m.ConnectionsActive.Dec()
}

// RecordConnectionError records a connection error by type.
func (m *Metrics) RecordConnectionError(errorType string) {
	m.ConnectionErrors.WithLabelValues(errorType).Inc()
}
