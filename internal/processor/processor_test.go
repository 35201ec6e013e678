package processor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/pagefold/internal/debounce"
	"github.com/fyrsmithlabs/pagefold/internal/optimizer"
)

const testBaseURL = "https://wiki.example.com"

// stubFetcher maps page ids to content or errors and counts fetches.
type stubFetcher struct {
	mu      sync.Mutex
	calls   int64
	content map[string]string
	errs    map[string]error
}

func (f *stubFetcher) FetchContent(ctx context.Context, id string) (string, error) {
	atomic.AddInt64(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[id]; ok {
		return "", err
	}
	if c, ok := f.content[id]; ok {
		return c, nil
	}
	return "body of " + id, nil
}

func newTestProcessor(t *testing.T, fetcher *stubFetcher, opts Options) *Processor {
	t.Helper()
	if opts.BaseURL == "" {
		opts.BaseURL = testBaseURL
	}
	p, err := New(opts, fetcher, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(p.Dispose)
	return p
}

func TestProcessor_New_RequiresFetcher(t *testing.T) {
	_, err := New(Options{BaseURL: testBaseURL}, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestProcessor_ExtractReferences(t *testing.T) {
	p := newTestProcessor(t, &stubFetcher{}, Options{})

	text := "intro https://wiki.example.com/spaces/ENG/pages/12345/Design+Doc tail\n" +
		"also https://wiki.example.com/x/pages/67890 end"
	refs := p.ExtractReferences(text)

	require.Len(t, refs, 2)
	assert.Equal(t, "12345", refs[0].ID)
	assert.Equal(t, "67890", refs[1].ID)
	assert.Equal(t, "https://wiki.example.com/spaces/ENG/pages/12345/Design+Doc", refs[0].Raw)
	assert.Equal(t, refs[0].Raw, text[refs[0].Start:refs[0].End])
}

func TestProcessor_ExtractReferences_IgnoresForeignHosts(t *testing.T) {
	p := newTestProcessor(t, &stubFetcher{}, Options{})

	refs := p.ExtractReferences("see https://other.example.com/spaces/X/pages/999/Doc")
	assert.Empty(t, refs)
}

func TestProcessor_ExtractReferences_NoBaseURL(t *testing.T) {
	p, err := New(Options{}, &stubFetcher{}, nil, nil, nil)
	require.NoError(t, err)
	defer p.Dispose()

	refs := p.ExtractReferences("https://wiki.example.com/spaces/X/pages/1/Doc")
	assert.Nil(t, refs)
}

func TestProcessor_Process_SubstitutesContent(t *testing.T) {
	fetcher := &stubFetcher{content: map[string]string{"12345": "the page content"}}
	p := newTestProcessor(t, fetcher, Options{})

	out, err := p.Process(context.Background(),
		"before https://wiki.example.com/spaces/ENG/pages/12345/Doc after",
		ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, "before @conf-cnt the page content @ after", out)
}

func TestProcessor_Process_EscapesDelimiter(t *testing.T) {
	fetcher := &stubFetcher{content: map[string]string{"1": "email me @home or user@host"}}
	p := newTestProcessor(t, fetcher, Options{})

	out, err := p.Process(context.Background(),
		"https://wiki.example.com/x/pages/1", ProcessOptions{})
	require.NoError(t, err)

	assert.Equal(t, "@conf-cnt email me ＠home or user＠host @", out)
	// Exactly one opening and one closing delimiter survive.
	assert.Equal(t, 1, strings.Count(out, "@conf-cnt "))
	assert.True(t, strings.HasSuffix(out, " @"))
}

func TestProcessor_Process_FailedReferenceKeepsOriginal(t *testing.T) {
	fetcher := &stubFetcher{
		content: map[string]string{"ok": "good content"},
		errs:    map[string]error{"bad": errors.New("not found")},
	}
	p := newTestProcessor(t, fetcher, Options{})

	text := "a https://wiki.example.com/x/pages/ok b https://wiki.example.com/x/pages/bad c"
	out, err := p.Process(context.Background(), text, ProcessOptions{})
	require.NoError(t, err, "a failed reference must not fail the whole process call")

	assert.Contains(t, out, "@conf-cnt good content @")
	assert.Contains(t, out, "https://wiki.example.com/x/pages/bad", "failed reference keeps its original link text")
	assert.True(t, strings.HasPrefix(out, "a "))
	assert.True(t, strings.HasSuffix(out, " c"))
}

func TestProcessor_Process_NoReferences(t *testing.T) {
	fetcher := &stubFetcher{}
	p := newTestProcessor(t, fetcher, Options{})

	out, err := p.Process(context.Background(), "plain text, nothing to do", ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, "plain text, nothing to do", out)
	assert.Equal(t, int64(0), atomic.LoadInt64(&fetcher.calls))
}

func TestProcessor_Process_RepeatedReferenceFetchesOnce(t *testing.T) {
	fetcher := &stubFetcher{content: map[string]string{"7": "seven"}}
	p := newTestProcessor(t, fetcher, Options{})

	link := "https://wiki.example.com/x/pages/7"
	out, err := p.Process(context.Background(), link+" and "+link, ProcessOptions{})
	require.NoError(t, err)

	assert.Equal(t, "@conf-cnt seven @ and @conf-cnt seven @", out)
	assert.Equal(t, int64(1), atomic.LoadInt64(&fetcher.calls))
}

func TestProcessor_Process_WithOptimizer(t *testing.T) {
	fetcher := &stubFetcher{content: map[string]string{"42": "optimized"}}
	opt := optimizer.New(fetcher, optimizer.Options{}, nil)
	defer opt.Dispose()

	p, err := New(Options{BaseURL: testBaseURL}, fetcher, opt, nil, nil)
	require.NoError(t, err)
	defer p.Dispose()

	out, err := p.Process(context.Background(),
		"https://wiki.example.com/x/pages/42",
		ProcessOptions{EnableOptimizations: true})
	require.NoError(t, err)
	assert.Equal(t, "@conf-cnt optimized @", out)

	// Resolution went through the optimizer and populated its cache.
	stats := p.CacheStats()
	require.NotNil(t, stats.Optimizer)
	assert.Equal(t, 1, stats.Optimizer.CacheSize)
	assert.Equal(t, 0, stats.TotalCached, "optimized path must not populate the direct cache")
}

func TestProcessor_Process_SessionContent(t *testing.T) {
	fetcher := &stubFetcher{content: map[string]string{"5": "five"}}
	p := newTestProcessor(t, fetcher, Options{})

	_, err := p.Process(context.Background(), "https://wiki.example.com/x/pages/5", ProcessOptions{})
	require.NoError(t, err)

	content, ok := p.SessionContent("5")
	require.True(t, ok)
	assert.Equal(t, "five", content)

	p.ClearSessionContent()
	_, ok = p.SessionContent("5")
	assert.False(t, ok)
}

func TestProcessor_Process_Debounced(t *testing.T) {
	fetcher := &stubFetcher{content: map[string]string{"9": "nine"}}
	deb := debounce.New(debounce.Config{
		BaseDelay: 20 * time.Millisecond,
		MinDelay:  10 * time.Millisecond,
		MaxDelay:  100 * time.Millisecond,
	}, nil)
	defer deb.Dispose()

	p, err := New(Options{BaseURL: testBaseURL}, fetcher, nil, deb, nil)
	require.NoError(t, err)
	defer p.Dispose()

	out, err := p.Process(context.Background(),
		"https://wiki.example.com/x/pages/9",
		ProcessOptions{Debounce: true})
	require.NoError(t, err)
	assert.Equal(t, "@conf-cnt nine @", out)
}

func TestProcessor_Process_DebouncedSuperseded(t *testing.T) {
	fetcher := &stubFetcher{content: map[string]string{"9": "nine"}}
	deb := debounce.New(debounce.Config{
		BaseDelay: 50 * time.Millisecond,
		MinDelay:  30 * time.Millisecond,
		MaxDelay:  300 * time.Millisecond,
	}, nil)
	defer deb.Dispose()

	p, err := New(Options{BaseURL: testBaseURL}, fetcher, nil, deb, nil)
	require.NoError(t, err)
	defer p.Dispose()

	text1 := "v1 https://wiki.example.com/x/pages/9"
	text2 := "v2 https://wiki.example.com/x/pages/9"

	var wg sync.WaitGroup
	var firstOut string
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		firstOut, firstErr = p.Process(context.Background(), text1, ProcessOptions{Debounce: true})
	}()

	// Give the first call time to arm before replacing it.
	time.Sleep(10 * time.Millisecond)
	secondOut, secondErr := p.Process(context.Background(), text2, ProcessOptions{Debounce: true})
	wg.Wait()

	assert.ErrorIs(t, firstErr, ErrSuperseded)
	assert.Equal(t, text1, firstOut, "superseded call returns its input unchanged")

	require.NoError(t, secondErr)
	assert.Equal(t, "v2 @conf-cnt nine @", secondOut)
}

func TestProcessor_DirectCacheEviction(t *testing.T) {
	fetcher := &stubFetcher{}
	p := newTestProcessor(t, fetcher, Options{MaxCacheSize: 2})

	for _, id := range []string{"a", "b", "c"} {
		_, err := p.Process(context.Background(), "https://wiki.example.com/x/pages/"+id, ProcessOptions{})
		require.NoError(t, err)
	}

	stats := p.CacheStats()
	assert.Equal(t, 2, stats.TotalCached)
	assert.Equal(t, 3, stats.SessionContentCount)
}

func TestProcessor_OversizedContentNotCached(t *testing.T) {
	fetcher := &stubFetcher{content: map[string]string{"big": strings.Repeat("x", 64)}}
	p := newTestProcessor(t, fetcher, Options{MaxContentSize: 16})

	out, err := p.Process(context.Background(), "https://wiki.example.com/x/pages/big", ProcessOptions{})
	require.NoError(t, err)

	// Oversized content is still substituted, just not cached.
	assert.Contains(t, out, strings.Repeat("x", 64))
	assert.Equal(t, 0, p.CacheStats().TotalCached)
}

func TestProcessor_ClearAllData_Idempotent(t *testing.T) {
	fetcher := &stubFetcher{}
	p := newTestProcessor(t, fetcher, Options{})

	_, err := p.Process(context.Background(), "https://wiki.example.com/x/pages/1", ProcessOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, p.CacheStats().TotalCached)

	p.ClearAllData()
	stats := p.CacheStats()
	assert.Equal(t, 0, stats.TotalCached)
	assert.Equal(t, 0, stats.SessionContentCount)
	assert.Equal(t, int64(0), stats.MemoryUsageBytes)

	// Clearing an already-empty processor changes nothing.
	p.ClearAllData()
	stats = p.CacheStats()
	assert.Equal(t, 0, stats.TotalCached)
	assert.Equal(t, 0, stats.SessionContentCount)
}

func TestProcessor_IsMemoryUsageHigh(t *testing.T) {
	fetcher := &stubFetcher{content: map[string]string{"1": strings.Repeat("x", 90)}}
	p := newTestProcessor(t, fetcher, Options{
		MaxCacheSize:    1,
		MaxContentSize:  100,
		MemoryWarnLevel: 0.8,
	})

	assert.False(t, p.IsMemoryUsageHigh())

	_, err := p.Process(context.Background(), "https://wiki.example.com/x/pages/1", ProcessOptions{})
	require.NoError(t, err)

	// 90 cached + 90 session bytes against a 100-byte cap.
	assert.True(t, p.IsMemoryUsageHigh())
}

func TestProcessor_Dispose(t *testing.T) {
	fetcher := &stubFetcher{}
	p, err := New(Options{BaseURL: testBaseURL}, fetcher, nil, nil, nil)
	require.NoError(t, err)

	var hooked int64
	p.OnDispose(func() { atomic.AddInt64(&hooked, 1) })

	p.Dispose()
	assert.Equal(t, int64(1), atomic.LoadInt64(&hooked))

	_, err = p.Process(context.Background(), "text", ProcessOptions{})
	assert.ErrorIs(t, err, ErrDisposed)

	// Dispose is idempotent and hooks run once.
	p.Dispose()
	assert.Equal(t, int64(1), atomic.LoadInt64(&hooked))
}

func TestProcessor_UniqueIDs(t *testing.T) {
	fetcher := &stubFetcher{}
	a := newTestProcessor(t, fetcher, Options{})
	b := newTestProcessor(t, fetcher, Options{})

	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
}
