package optimizer

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the content resolver.
type Metrics struct {
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	DeduplicationsTotal prometheus.Counter
	ErrorsTotal         prometheus.Counter
	EvictionsTotal      prometheus.Counter
	CacheSize           prometheus.Gauge
	CacheBytes          prometheus.Gauge
	FetchDuration       prometheus.Histogram
}

// NewMetrics creates and registers Prometheus metrics for the resolver.
//
// sync.Once guards registration so repeated construction never panics
// with a duplicate-collector error. All metrics carry the "pagefold_"
// prefix.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			CacheHitsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "pagefold_cache_hits_total",
				Help: "Total number of content cache hits",
			}),
			CacheMissesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "pagefold_cache_misses_total",
				Help: "Total number of content cache misses",
			}),
			DeduplicationsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "pagefold_deduplications_total",
				Help: "Total number of resolves coalesced onto an in-flight fetch",
			}),
			ErrorsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "pagefold_fetch_errors_total",
				Help: "Total number of failed content fetches",
			}),
			EvictionsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "pagefold_cache_evictions_total",
				Help: "Total number of cache entries evicted under pressure",
			}),
			CacheSize: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "pagefold_cache_entries",
				Help: "Current number of entries in the content cache",
			}),
			CacheBytes: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "pagefold_cache_bytes",
				Help: "Current content cache memory usage in bytes",
			}),
			FetchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "pagefold_fetch_duration_seconds",
				Help:    "Duration of remote content fetches in seconds",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
			}),
		}
	})

	return globalMetrics
}

// RecordCacheHit records a cache hit.
func (m *Metrics) RecordCacheHit() {
	m.CacheHitsTotal.Inc()
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss() {
	m.CacheMissesTotal.Inc()
}

// RecordDeduplication records a resolve coalesced onto an in-flight fetch.
func (m *Metrics) RecordDeduplication() {
	m.DeduplicationsTotal.Inc()
}

// RecordError records a failed fetch.
func (m *Metrics) RecordError() {
	m.ErrorsTotal.Inc()
}

// RecordEvictions records n entries evicted under cache pressure.
func (m *Metrics) RecordEvictions(n int) {
	if n > 0 {
		m.EvictionsTotal.Add(float64(n))
	}
}

// SetCacheSize updates the cache size gauges.
func (m *Metrics) SetCacheSize(entries int, bytes int64) {
	m.CacheSize.Set(float64(entries))
	m.CacheBytes.Set(float64(bytes))
}

// ObserveFetch records one fetch duration.
func (m *Metrics) ObserveFetch(seconds float64) {
	m.FetchDuration.Observe(seconds)
}
