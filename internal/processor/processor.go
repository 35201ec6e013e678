// Package processor scans text for links into the configured content
// repository, resolves the linked pages, and substitutes their content
// inline.
//
// Resolution normally goes through the optimizer (bounded cache plus
// in-flight deduplication). A direct fetch path exists for callers that
// disable optimizations; it keeps a small per-processor cache so a
// single document's repeated references still avoid refetching. Every
// reference is fail-open: a failed fetch leaves the original link text
// untouched and never drops surrounding text.
package processor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pagefold/internal/debounce"
	"github.com/fyrsmithlabs/pagefold/internal/fetch"
	"github.com/fyrsmithlabs/pagefold/internal/optimizer"
)

var tracer = otel.Tracer("pagefold/processor")

// Errors returned by Process.
var (
	ErrDisposed   = errors.New("processor disposed")
	ErrSuperseded = errors.New("superseded by a newer process call")
)

// Inline substitution markers. A matched link is replaced with
// "@conf-cnt <content> @"; literal "@" in fetched content is escaped to
// a fullwidth surrogate so the closing delimiter stays unambiguous.
const (
	markerOpen    = "@conf-cnt "
	markerClose   = " @"
	escapedAtRune = "＠" // FULLWIDTH COMMERCIAL AT
)

// ContentReference is a located page link inside a source text.
type ContentReference struct {
	ID    string // opaque page identifier extracted from the URL
	Raw   string // full matched link text
	Start int    // byte offsets into the scanned text
	End   int
}

// Options configures a Processor.
type Options struct {
	BaseURL         string
	MaxCacheSize    int     // direct-path cache entry limit
	MaxContentSize  int     // per-entry byte cap for the direct-path cache
	MemoryWarnLevel float64 // fraction of the memory cap that flips IsMemoryUsageHigh
}

// ProcessOptions selects per-call behavior.
type ProcessOptions struct {
	Debounce            bool
	DebounceKey         string // defaults to the processor id
	Priority            debounce.Priority
	EnableOptimizations bool
}

// CacheStats is the composite statistics view: the per-processor state
// plus, when optimizations are wired, the nested optimizer snapshot.
type CacheStats struct {
	TotalCached         int                        `json:"totalCached"`
	SessionContentCount int                        `json:"sessionContentCount"`
	MemoryUsageBytes    int64                      `json:"memoryUsageBytes"`
	MemoryUsageKB       float64                    `json:"memoryUsageKB"`
	MaxCacheSize        int                        `json:"maxCacheSize"`
	MaxContentSize      int                        `json:"maxContentSize"`
	Optimizer           *optimizer.MetricsSnapshot `json:"optimizer,omitempty"`
}

// Processor embeds remote page content into source text.
type Processor struct {
	mu           sync.Mutex
	id           string
	opts         Options
	fetcher      fetch.Client
	optimizer    *optimizer.Optimizer
	debouncer    *debounce.Debouncer
	linkRe       *regexp.Regexp
	cache        map[string]string // direct-path resolved content
	cacheOrder   []string          // insertion order for direct-path eviction
	cacheBytes   int64
	session      map[string]string // per-document resolved references
	sessionBytes int64
	onDispose    []func()
	disposed     bool
	logger       *zap.Logger
}

// New creates a Processor. opt and deb are optional: without opt the
// direct fetch path is always used, without deb the Debounce option is
// ignored.
func New(opts Options, fetcher fetch.Client, opt *optimizer.Optimizer, deb *debounce.Debouncer, logger *zap.Logger) (*Processor, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetch client required")
	}
	if opts.MaxCacheSize <= 0 {
		opts.MaxCacheSize = 50
	}
	if opts.MaxContentSize <= 0 {
		opts.MaxContentSize = 512 * 1024
	}
	if opts.MemoryWarnLevel <= 0 || opts.MemoryWarnLevel > 1 {
		opts.MemoryWarnLevel = 0.8
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Processor{
		id:        uuid.New().String(),
		opts:      opts,
		fetcher:   fetcher,
		optimizer: opt,
		debouncer: deb,
		cache:     make(map[string]string),
		session:   make(map[string]string),
		logger:    logger,
	}
	if opts.BaseURL != "" {
		p.linkRe = linkPattern(opts.BaseURL)
	}
	return p, nil
}

// linkPattern recognizes page links anchored to the repository base URL:
// <baseUrl>/.../pages/<identifier>[/...]. The identifier is the opaque
// token handed to the fetch client.
func linkPattern(baseURL string) *regexp.Regexp {
	quoted := regexp.QuoteMeta(strings.TrimRight(baseURL, "/"))
	return regexp.MustCompile(quoted + `\S*?/pages/([^/\s]+)(?:/\S*)?`)
}

// ID returns the processor's stable identity, used as registry key and
// default debounce key.
func (p *Processor) ID() string {
	return p.id
}

// OnDispose registers fn to run when the processor is disposed. The
// session registry uses this to drop its reference automatically.
func (p *Processor) OnDispose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDispose = append(p.onDispose, fn)
}

// ExtractReferences scans text and returns every recognized page link
// with its identifier and byte span.
func (p *Processor) ExtractReferences(text string) []ContentReference {
	if p.linkRe == nil {
		return nil
	}
	matches := p.linkRe.FindAllStringSubmatchIndex(text, -1)
	refs := make([]ContentReference, 0, len(matches))
	for _, m := range matches {
		id := text[m[2]:m[3]]
		if id == "" {
			continue
		}
		refs = append(refs, ContentReference{
			ID:    id,
			Raw:   text[m[0]:m[1]],
			Start: m[0],
			End:   m[1],
		})
	}
	return refs
}

// Process scans text for page links and returns the text with each
// resolvable link replaced by its inline content block. Failed
// references keep their original link text.
//
// With opts.Debounce set, the scan-and-resolve body runs only after the
// debounce quiet period; a newer Process call for the same key
// supersedes this one, which then returns the input unchanged together
// with ErrSuperseded.
func (p *Processor) Process(ctx context.Context, text string, opts ProcessOptions) (string, error) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return text, ErrDisposed
	}
	p.mu.Unlock()

	if p.linkRe == nil {
		return text, nil
	}

	if !opts.Debounce || p.debouncer == nil {
		return p.processNow(ctx, text, opts)
	}

	key := opts.DebounceKey
	if key == "" {
		key = p.id
	}

	type outcome struct {
		text string
		err  error
	}
	ch := make(chan outcome, 1)
	body := func() {
		out, err := p.processNow(ctx, text, opts)
		ch <- outcome{text: out, err: err}
	}

	var pending *debounce.Pending
	if opts.Priority != debounce.PriorityNormal {
		pending = p.debouncer.PriorityDebounce(key, opts.Priority, body)
	} else {
		pending = p.debouncer.AdaptiveDebounce(key, text, body)
	}

	select {
	case out := <-ch:
		return out.text, out.err
	case <-pending.Superseded():
		return text, ErrSuperseded
	case <-ctx.Done():
		return text, ctx.Err()
	}
}

// processNow is the scan-and-resolve body.
func (p *Processor) processNow(ctx context.Context, text string, opts ProcessOptions) (string, error) {
	ctx, span := tracer.Start(ctx, "processor.process")
	defer span.End()

	refs := p.ExtractReferences(text)
	span.SetAttributes(attribute.Int("references.count", len(refs)))
	if len(refs) == 0 {
		return text, nil
	}

	ids := make([]string, 0, len(refs))
	seen := make(map[string]struct{}, len(refs))
	for _, r := range refs {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		ids = append(ids, r.ID)
	}

	var resolved map[string]optimizer.Result
	if opts.EnableOptimizations && p.optimizer != nil {
		resolved = p.optimizer.ResolveBatch(ctx, ids)
	} else {
		resolved = p.resolveDirect(ctx, ids)
	}

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return text, ErrDisposed
	}
	failures := 0
	for id, r := range resolved {
		if r.Err != nil {
			failures++
			continue
		}
		if _, ok := p.session[id]; !ok {
			p.session[id] = r.Content
			p.sessionBytes += int64(len(r.Content))
		}
	}
	p.mu.Unlock()

	if failures > 0 {
		p.logger.Warn("some references failed to resolve",
			zap.Int("failed", failures),
			zap.Int("total", len(ids)))
	}

	return substitute(text, refs, resolved), nil
}

// resolveDirect is the uncached fetch path used when optimizations are
// disabled. It still consults the small per-processor cache so repeated
// references inside one document fetch only once.
func (p *Processor) resolveDirect(ctx context.Context, ids []string) map[string]optimizer.Result {
	out := make(map[string]optimizer.Result, len(ids))
	for _, id := range ids {
		p.mu.Lock()
		content, ok := p.cache[id]
		p.mu.Unlock()
		if ok {
			out[id] = optimizer.Result{Content: content}
			continue
		}

		content, err := p.fetcher.FetchContent(ctx, id)
		if err != nil {
			out[id] = optimizer.Result{Err: err}
			continue
		}
		out[id] = optimizer.Result{Content: content}
		p.storeDirect(id, content)
	}
	return out
}

// storeDirect caches a direct-path result, bounded by entry count and
// per-entry size. Oversized content is substituted but not cached.
func (p *Processor) storeDirect(id, content string) {
	if len(content) > p.opts.MaxContentSize {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return
	}
	if _, ok := p.cache[id]; ok {
		return
	}
	for len(p.cache) >= p.opts.MaxCacheSize && len(p.cacheOrder) > 0 {
		oldest := p.cacheOrder[0]
		p.cacheOrder = p.cacheOrder[1:]
		p.cacheBytes -= int64(len(p.cache[oldest]))
		delete(p.cache, oldest)
	}
	p.cache[id] = content
	p.cacheOrder = append(p.cacheOrder, id)
	p.cacheBytes += int64(len(content))
}

// substitute rebuilds text, replacing each resolvable reference span
// with its delimited content block. Failed references keep the original
// matched text.
func substitute(text string, refs []ContentReference, resolved map[string]optimizer.Result) string {
	var b strings.Builder
	b.Grow(len(text))

	last := 0
	for _, ref := range refs {
		if ref.Start < last {
			continue // overlapping match, keep earlier substitution
		}
		b.WriteString(text[last:ref.Start])

		r, ok := resolved[ref.ID]
		if !ok || r.Err != nil {
			b.WriteString(ref.Raw)
		} else {
			b.WriteString(markerOpen)
			b.WriteString(escapeEmbedded(r.Content))
			b.WriteString(markerClose)
		}
		last = ref.End
	}
	b.WriteString(text[last:])
	return b.String()
}

// escapeEmbedded neutralizes literal "@" in fetched content so it can
// never terminate the inline block early.
func escapeEmbedded(content string) string {
	return strings.ReplaceAll(content, "@", escapedAtRune)
}

// SessionContent returns the resolved content for a reference id from
// the per-document session cache.
func (p *Processor) SessionContent(id string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	content, ok := p.session[id]
	return content, ok
}

// ClearSessionContent drops the per-document session cache.
func (p *Processor) ClearSessionContent() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = make(map[string]string)
	p.sessionBytes = 0
}

// ClearCache drops the direct-path cache and, when wired, the shared
// optimizer cache.
func (p *Processor) ClearCache() {
	p.mu.Lock()
	p.cache = make(map[string]string)
	p.cacheOrder = nil
	p.cacheBytes = 0
	opt := p.optimizer
	p.mu.Unlock()

	if opt != nil {
		opt.ClearCache()
	}
}

// ClearAllData zeroes every cache this processor reports on: the
// direct-path cache, the session content map, and the optimizer cache.
// Idempotent.
func (p *Processor) ClearAllData() {
	p.ClearCache()
	p.ClearSessionContent()
}

// CacheStats returns the composite statistics view.
func (p *Processor) CacheStats() CacheStats {
	p.mu.Lock()
	stats := CacheStats{
		TotalCached:         len(p.cache),
		SessionContentCount: len(p.session),
		MemoryUsageBytes:    p.cacheBytes + p.sessionBytes,
		MaxCacheSize:        p.opts.MaxCacheSize,
		MaxContentSize:      p.opts.MaxContentSize,
	}
	opt := p.optimizer
	p.mu.Unlock()

	stats.MemoryUsageKB = float64(stats.MemoryUsageBytes) / 1024
	if opt != nil {
		snapshot := opt.Metrics()
		stats.Optimizer = &snapshot
	}
	return stats
}

// IsMemoryUsageHigh reports whether this processor's usage crossed the
// configured warning fraction of its memory cap.
func (p *Processor) IsMemoryUsageHigh() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	capBytes := int64(p.opts.MaxCacheSize) * int64(p.opts.MaxContentSize)
	if capBytes <= 0 {
		return false
	}
	used := p.cacheBytes + p.sessionBytes
	return float64(used) >= p.opts.MemoryWarnLevel*float64(capBytes)
}

// Dispose clears all state and runs the registered dispose hooks. A
// disposed processor rejects further Process calls and reports zeroed
// stats.
func (p *Processor) Dispose() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	p.cache = make(map[string]string)
	p.cacheOrder = nil
	p.cacheBytes = 0
	p.session = make(map[string]string)
	p.sessionBytes = 0
	hooks := p.onDispose
	p.onDispose = nil
	p.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}
