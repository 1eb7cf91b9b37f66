// Package observability provides Prometheus metrics and OpenTelemetry tracing.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Global collector instance for singleton pattern
	globalCollector *Collector
	collectorMutex  sync.Mutex
)

// Collector holds all Prometheus metrics for the application
type Collector struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Write pipeline metrics
	MemoriesWritten    prometheus.Counter
	MemoriesSuperseded prometheus.Counter
	DuplicatesSkipped  prometheus.Counter
	MemoriesDeleted    prometheus.Counter

	// Dedup metrics
	DedupVerdicts  *prometheus.CounterVec
	PairCacheHits  prometheus.Counter
	PairCacheMisses prometheus.Counter

	// Downstream call metrics
	GraphOps      *prometheus.CounterVec
	GraphDuration *prometheus.HistogramVec
	LLMCalls      *prometheus.CounterVec
	LLMDuration   *prometheus.HistogramVec

	// Background work metrics
	ExtractionFailures prometheus.Counter
	DrainTimeouts      prometheus.Counter
}

// NewCollector creates a new metrics collector with the given namespace
func NewCollector(namespace string) *Collector {
	// Singleton to avoid duplicate registration in tests
	collectorMutex.Lock()
	defer collectorMutex.Unlock()

	if globalCollector != nil {
		return globalCollector
	}

	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	memoriesWritten := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memories_written_total",
			Help:      "Total number of memories inserted",
		},
	)

	memoriesSuperseded := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memories_superseded_total",
			Help:      "Total number of memories superseded",
		},
	)

	duplicatesSkipped := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_skipped_total",
			Help:      "Total number of writes skipped as duplicates",
		},
	)

	memoriesDeleted := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memories_deleted_total",
			Help:      "Total number of memories soft-deleted",
		},
	)

	dedupVerdicts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_verdicts_total",
			Help:      "Pair-classifier verdicts by outcome",
		},
		[]string{"verdict"},
	)

	pairCacheHits := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pair_cache_hits_total",
			Help:      "Total number of pair-verification cache hits",
		},
	)

	pairCacheMisses := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pair_cache_misses_total",
			Help:      "Total number of pair-verification cache misses",
		},
	)

	graphOps := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_operations_total",
			Help:      "Total number of graph store operations",
		},
		[]string{"operation", "status"},
	)

	graphDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "graph_operation_duration_seconds",
			Help:      "Graph store operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	llmCalls := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_calls_total",
			Help:      "Total number of LLM and embedding provider calls",
		},
		[]string{"kind", "status"},
	)

	llmDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_call_duration_seconds",
			Help:      "LLM and embedding call duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"kind"},
	)

	extractionFailures := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extraction_failures_total",
			Help:      "Total number of background extraction failures",
		},
	)

	drainTimeouts := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drain_timeouts_total",
			Help:      "Total number of extraction drains that hit the cap",
		},
	)

	registry.MustRegister(
		httpRequests,
		httpDuration,
		memoriesWritten,
		memoriesSuperseded,
		duplicatesSkipped,
		memoriesDeleted,
		dedupVerdicts,
		pairCacheHits,
		pairCacheMisses,
		graphOps,
		graphDuration,
		llmCalls,
		llmDuration,
		extractionFailures,
		drainTimeouts,
	)

	globalCollector = &Collector{
		registry:           registry,
		HTTPRequests:       httpRequests,
		HTTPDuration:       httpDuration,
		MemoriesWritten:    memoriesWritten,
		MemoriesSuperseded: memoriesSuperseded,
		DuplicatesSkipped:  duplicatesSkipped,
		MemoriesDeleted:    memoriesDeleted,
		DedupVerdicts:      dedupVerdicts,
		PairCacheHits:      pairCacheHits,
		PairCacheMisses:    pairCacheMisses,
		GraphOps:           graphOps,
		GraphDuration:      graphDuration,
		LLMCalls:           llmCalls,
		LLMDuration:        llmDuration,
		ExtractionFailures: extractionFailures,
		DrainTimeouts:      drainTimeouts,
	}

	return globalCollector
}

// Registry exposes the collector's registry for the /metrics handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
