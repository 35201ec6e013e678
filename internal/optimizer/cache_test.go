package optimizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUCache_PutAndGet(t *testing.T) {
	cache := newLRUCache(10, 1024)

	cache.put("a", "alpha")
	e, ok := cache.get("a")
	require.True(t, ok)
	assert.Equal(t, "alpha", e.content)
	assert.Equal(t, int64(5), e.size)
	assert.Equal(t, 1, cache.len())
	assert.Equal(t, int64(5), cache.bytes())
}

func TestLRUCache_GetMissing(t *testing.T) {
	cache := newLRUCache(10, 1024)

	_, ok := cache.get("nope")
	assert.False(t, ok)
}

func TestLRUCache_ReplaceUpdatesBytes(t *testing.T) {
	cache := newLRUCache(10, 1024)

	cache.put("a", "short")
	cache.put("a", "a much longer replacement value")

	assert.Equal(t, 1, cache.len())
	assert.Equal(t, int64(len("a much longer replacement value")), cache.bytes())
}

func TestLRUCache_EvictsLeastRecentlyUsed(t *testing.T) {
	cache := newLRUCache(2, 1024)

	cache.put("a", "1")
	cache.put("b", "2")

	// Touch "a" so "b" becomes the LRU victim.
	_, ok := cache.get("a")
	require.True(t, ok)

	evicted := cache.put("c", "3")
	assert.Equal(t, 1, evicted)

	_, ok = cache.get("b")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = cache.get("a")
	assert.True(t, ok)
	_, ok = cache.get("c")
	assert.True(t, ok)
}

func TestLRUCache_ByteLimit(t *testing.T) {
	cache := newLRUCache(100, 10)

	cache.put("a", "12345")
	cache.put("b", "12345")
	evicted := cache.put("c", "12345")

	assert.Equal(t, 1, evicted)
	assert.LessOrEqual(t, cache.bytes(), int64(10))
	_, ok := cache.get("a")
	assert.False(t, ok)
}

func TestLRUCache_OversizedEntryRejected(t *testing.T) {
	cache := newLRUCache(100, 10)

	cache.put("small", "1234")
	evicted := cache.put("huge", strings.Repeat("x", 64))

	// Everything goes, including the entry that can never fit.
	assert.Equal(t, 2, evicted)
	assert.Equal(t, 0, cache.len())
	assert.Equal(t, int64(0), cache.bytes())
}

func TestLRUCache_Clear(t *testing.T) {
	cache := newLRUCache(10, 1024)
	cache.put("a", "1")
	cache.put("b", "2")

	cache.clear()

	assert.Equal(t, 0, cache.len())
	assert.Equal(t, int64(0), cache.bytes())
	_, ok := cache.get("a")
	assert.False(t, ok)
}
