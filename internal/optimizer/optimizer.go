// Package optimizer resolves content identifiers through a bounded LRU
// cache with in-flight request deduplication and concurrent batch
// fetching.
//
// The central guarantee: at most one fetch is ever in flight for a given
// identifier, no matter how many callers request it concurrently. Late
// callers attach to the shared in-flight request and observe the same
// result. Failed fetches are never cached.
package optimizer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pagefold/internal/fetch"
)

var tracer = otel.Tracer("pagefold/optimizer")

// Errors returned by the optimizer.
var (
	ErrDisposed        = errors.New("optimizer disposed")
	ErrEmptyIdentifier = errors.New("empty content identifier")
)

const defaultFetchTimeout = 30 * time.Second

// Options bounds the optimizer's cache and concurrency.
type Options struct {
	MaxEntries     int
	MaxMemoryBytes int64
	MaxConcurrent  int           // batch fetch concurrency ceiling
	FetchTimeout   time.Duration // per-fetch deadline, independent of callers
}

// Result is one identifier's outcome in a batch resolve.
type Result struct {
	Content string
	Err     error
}

// MetricsSnapshot is a race-free copy of the optimizer counters plus
// derived percentages.
type MetricsSnapshot struct {
	TotalRequests           uint64  `json:"totalRequests"`
	CacheHits               uint64  `json:"cacheHits"`
	CacheMisses             uint64  `json:"cacheMisses"`
	CacheHitRate            float64 `json:"cacheHitRate"`
	Deduplications          uint64  `json:"deduplications"`
	Errors                  uint64  `json:"errors"`
	Evictions               uint64  `json:"evictions"`
	CacheSize               int     `json:"cacheSize"`
	MemoryUsageBytes        int64   `json:"memoryUsageBytes"`
	MemoryUsageMB           float64 `json:"memoryUsageMB"`
	MemoryUtilization       float64 `json:"memoryUtilization"`
	AverageProcessingTimeMs float64 `json:"averageProcessingTimeMs"`
}

// inflightRequest is a fetch currently executing for an identifier.
// Subscribers wait on done; content and err are valid once done closes.
type inflightRequest struct {
	done        chan struct{}
	cancel      context.CancelFunc
	content     string
	err         error
	subscribers int
}

// Optimizer owns the bounded cache and the in-flight request map. All
// shared state is guarded by a single mutex; suspension happens only at
// the fetch boundary, never while holding the lock.
type Optimizer struct {
	mu       sync.Mutex
	fetcher  fetch.Client
	cache    *lruCache
	inflight map[string]*inflightRequest
	opts     Options
	logger   *zap.Logger
	prom     *Metrics
	disposed bool

	totalRequests  uint64
	cacheHits      uint64
	cacheMisses    uint64
	deduplications uint64
	errorCount     uint64
	evictions      uint64
	fetchNanos     int64
	fetchCount     uint64
}

// New creates an Optimizer over the given fetch client.
func New(fetcher fetch.Client, opts Options, logger *zap.Logger) *Optimizer {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 100
	}
	if opts.MaxMemoryBytes <= 0 {
		opts.MaxMemoryBytes = 50 * 1024 * 1024
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Optimizer{
		fetcher:  fetcher,
		cache:    newLRUCache(opts.MaxEntries, opts.MaxMemoryBytes),
		inflight: make(map[string]*inflightRequest),
		opts:     opts,
		logger:   logger,
	}
}

// SetMetrics attaches Prometheus metrics. Optional.
func (o *Optimizer) SetMetrics(m *Metrics) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prom = m
}

// Resolve returns the content for id, serving from cache when possible,
// attaching to an existing in-flight fetch when one is running, and
// issuing a new fetch otherwise.
//
// The underlying fetch runs under its own deadline, detached from the
// caller's context: a caller that gives up does not cancel work other
// subscribers are waiting on. ctx cancellation only abandons the wait.
func (o *Optimizer) Resolve(ctx context.Context, id string) (string, error) {
	ctx, span := tracer.Start(ctx, "optimizer.resolve")
	span.SetAttributes(attribute.String("content.id", id))
	defer span.End()

	if strings.TrimSpace(id) == "" {
		return "", ErrEmptyIdentifier
	}

	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return "", ErrDisposed
	}
	o.totalRequests++

	if e, ok := o.cache.get(id); ok {
		o.cacheHits++
		if o.prom != nil {
			o.prom.RecordCacheHit()
		}
		content := e.content
		o.mu.Unlock()
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return content, nil
	}
	o.cacheMisses++
	if o.prom != nil {
		o.prom.RecordCacheMiss()
	}

	if fl, ok := o.inflight[id]; ok {
		fl.subscribers++
		o.deduplications++
		if o.prom != nil {
			o.prom.RecordDeduplication()
		}
		o.mu.Unlock()
		span.SetAttributes(attribute.Bool("deduplicated", true))
		return o.wait(ctx, fl)
	}

	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.FetchTimeout)
	fl := &inflightRequest{
		done:        make(chan struct{}),
		cancel:      cancel,
		subscribers: 1,
	}
	o.inflight[id] = fl
	o.mu.Unlock()

	go o.runFetch(fetchCtx, id, fl)

	return o.wait(ctx, fl)
}

// runFetch executes the single fetch for id and fans the result out to
// every subscriber by closing the in-flight request's done channel.
func (o *Optimizer) runFetch(ctx context.Context, id string, fl *inflightRequest) {
	defer fl.cancel()

	start := time.Now()
	content, err := o.fetcher.FetchContent(ctx, id)
	elapsed := time.Since(start)

	o.mu.Lock()
	if !o.disposed {
		o.fetchNanos += elapsed.Nanoseconds()
		o.fetchCount++
		if o.prom != nil {
			o.prom.ObserveFetch(elapsed.Seconds())
		}
		if err != nil {
			o.errorCount++
			if o.prom != nil {
				o.prom.RecordError()
			}
		} else {
			evicted := o.cache.put(id, content)
			o.evictions += uint64(evicted)
			if o.prom != nil {
				o.prom.RecordEvictions(evicted)
				o.prom.SetCacheSize(o.cache.len(), o.cache.bytes())
			}
		}
	}
	delete(o.inflight, id)
	o.mu.Unlock()

	if err != nil {
		o.logger.Debug("content fetch failed", zap.String("content_id", id), zap.Error(err))
	}

	fl.content = content
	fl.err = err
	close(fl.done)
}

// wait blocks until the shared result settles or ctx is done.
func (o *Optimizer) wait(ctx context.Context, fl *inflightRequest) (string, error) {
	select {
	case <-fl.done:
		return fl.content, fl.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ResolveBatch resolves a set of identifiers concurrently, up to the
// configured concurrency ceiling, and returns the combined outcome once
// every constituent fetch settles.
//
// Partitioning into cached, in-flight, and new fetches happens inside
// Resolve: cached identifiers return immediately, identifiers already in
// flight attach as subscribers, and only the remainder issues fetches.
func (o *Optimizer) ResolveBatch(ctx context.Context, ids []string) map[string]Result {
	ctx, span := tracer.Start(ctx, "optimizer.resolve_batch")
	span.SetAttributes(attribute.Int("batch.size", len(ids)))
	defer span.End()

	unique := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	out := make(map[string]Result, len(unique))
	if len(unique) == 0 {
		return out
	}

	sem := make(chan struct{}, o.opts.MaxConcurrent)
	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
	)

	for _, id := range unique {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				rmu.Lock()
				out[id] = Result{Err: ctx.Err()}
				rmu.Unlock()
				return
			}

			content, err := o.Resolve(ctx, id)
			rmu.Lock()
			out[id] = Result{Content: content, Err: err}
			rmu.Unlock()
		}(id)
	}

	wg.Wait()
	return out
}

// ClearCache drops every cached entry. In-flight requests and counters
// are unaffected.
func (o *Optimizer) ClearCache() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cache.clear()
	if o.prom != nil {
		o.prom.SetCacheSize(0, 0)
	}
}

// Metrics returns a consistent snapshot of the counters with derived
// hit rate, memory utilization, and average fetch time.
func (o *Optimizer) Metrics() MetricsSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := MetricsSnapshot{
		TotalRequests:    o.totalRequests,
		CacheHits:        o.cacheHits,
		CacheMisses:      o.cacheMisses,
		Deduplications:   o.deduplications,
		Errors:           o.errorCount,
		Evictions:        o.evictions,
		CacheSize:        o.cache.len(),
		MemoryUsageBytes: o.cache.bytes(),
	}
	s.MemoryUsageMB = float64(s.MemoryUsageBytes) / (1024 * 1024)
	if o.totalRequests > 0 {
		s.CacheHitRate = float64(o.cacheHits) / float64(o.totalRequests)
	}
	if o.opts.MaxMemoryBytes > 0 {
		s.MemoryUtilization = float64(s.MemoryUsageBytes) / float64(o.opts.MaxMemoryBytes)
	}
	if o.fetchCount > 0 {
		s.AverageProcessingTimeMs = float64(o.fetchNanos) / float64(o.fetchCount) / 1e6
	}
	return s
}

// Dispose cancels all in-flight fetches, clears the cache, and zeroes
// the counters. A disposed optimizer rejects further resolves and a
// subsequent Metrics call reports a fully zeroed state.
func (o *Optimizer) Dispose() {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return
	}
	o.disposed = true
	pending := make([]*inflightRequest, 0, len(o.inflight))
	for _, fl := range o.inflight {
		pending = append(pending, fl)
	}
	o.inflight = make(map[string]*inflightRequest)
	o.cache.clear()
	o.totalRequests = 0
	o.cacheHits = 0
	o.cacheMisses = 0
	o.deduplications = 0
	o.errorCount = 0
	o.evictions = 0
	o.fetchNanos = 0
	o.fetchCount = 0
	o.mu.Unlock()

	// Cancelling unblocks the fetch goroutines, which settle their
	// subscribers with the cancellation error.
	for _, fl := range pending {
		fl.cancel()
	}
}
