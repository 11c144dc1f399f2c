// Package metrics defines the Prometheus metric collectors used across the
// retrieval platform and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the platform.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	RetrievalTotal   *prometheus.CounterVec
	RetrievalLatency *prometheus.HistogramVec
	SourcesReturned  prometheus.Histogram

	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	FilterMatchesTotal  *prometheus.CounterVec
	FilterGeneration    prometheus.Gauge
	DictionaryEntries   prometheus.Gauge
	DictionaryRebuilds  *prometheus.CounterVec

	DocsIngestedTotal  *prometheus.CounterVec
	IngestStageSeconds *prometheus.HistogramVec
	IngestQueueDepth   prometheus.Gauge
	EmbedRetriesTotal  prometheus.Counter

	IndexEntries        prometheus.Gauge
	IndexMutationsTotal *prometheus.CounterVec
	IndexQuerySeconds   prometheus.Histogram

	CircuitBreakerState *prometheus.GaugeVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		RetrievalTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retrieval_queries_total",
				Help: "Total retrieval queries by outcome (answered, cached, blocked, degraded, error).",
			},
			[]string{"outcome"},
		),
		RetrievalLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "retrieval_latency_seconds",
				Help:    "End-to-end retrieval latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.25, 0.5, 1, 2, 3, 5},
			},
			[]string{"cache_status"},
		),
		SourcesReturned: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "retrieval_sources_returned",
				Help:    "Number of grounding passages returned per query.",
				Buckets: []float64{0, 1, 2, 3, 5, 10, 20},
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "query_cache_hits_total",
				Help: "Total number of query cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "query_cache_misses_total",
				Help: "Total number of query cache misses.",
			},
		),
		FilterMatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filter_matches_total",
				Help: "Total pattern filter matches by action (block, mask, warn).",
			},
			[]string{"action", "surface"},
		),
		FilterGeneration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "filter_automaton_generation",
				Help: "Generation number of the active filter automaton.",
			},
		),
		DictionaryEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "filter_dictionary_entries",
				Help: "Number of dictionary entries in the active automaton.",
			},
		),
		DictionaryRebuilds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filter_dictionary_rebuilds_total",
				Help: "Dictionary automaton rebuilds by status (ok, rejected).",
			},
			[]string{"status"},
		),
		DocsIngestedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "documents_ingested_total",
				Help: "Documents that finished ingestion by terminal status (indexed, failed).",
			},
			[]string{"status"},
		),
		IngestStageSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_stage_duration_seconds",
				Help:    "Duration of each ingestion stage.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"stage"},
		),
		IngestQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_queue_depth",
				Help: "Jobs currently waiting in the ingestion queue.",
			},
		),
		EmbedRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "embedding_retries_total",
				Help: "Total embedding call retries during ingestion.",
			},
		),
		IndexEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vector_index_entries",
				Help: "Live entries in the vector index.",
			},
		),
		IndexMutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vector_index_mutations_total",
				Help: "Vector index mutations by kind (insert, replace, remove).",
			},
			[]string{"kind"},
		),
		IndexQuerySeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vector_index_query_seconds",
				Help:    "Vector index query latency in seconds.",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.RetrievalTotal,
		m.RetrievalLatency,
		m.SourcesReturned,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.FilterMatchesTotal,
		m.FilterGeneration,
		m.DictionaryEntries,
		m.DictionaryRebuilds,
		m.DocsIngestedTotal,
		m.IngestStageSeconds,
		m.IngestQueueDepth,
		m.EmbedRetriesTotal,
		m.IndexEntries,
		m.IndexMutationsTotal,
		m.IndexQuerySeconds,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
