package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProcessor records which cleanup paths were invoked.
type fakeProcessor struct {
	id           string
	cacheClears  int
	fullClears   int
	disposeHooks []func()
}

func (f *fakeProcessor) ID() string    { return f.id }
func (f *fakeProcessor) ClearCache()   { f.cacheClears++ }
func (f *fakeProcessor) ClearAllData() { f.fullClears++ }

// hookedProcessor additionally supports dispose notification.
type hookedProcessor struct {
	fakeProcessor
}

func (h *hookedProcessor) OnDispose(fn func()) {
	h.disposeHooks = append(h.disposeHooks, fn)
}

func (h *hookedProcessor) dispose() {
	for _, fn := range h.disposeHooks {
		fn()
	}
}

func TestRegistry_RegisterAndStats(t *testing.T) {
	r := New(nil)
	defer r.Dispose()

	p := &fakeProcessor{id: "p1"}
	require.NoError(t, r.Register(p))

	stats := r.Stats()
	assert.Equal(t, 1, stats.ProcessorsCount)
	assert.True(t, stats.IsInitialized)
}

func TestRegistry_RegisterNil(t *testing.T) {
	r := New(nil)
	defer r.Dispose()

	assert.ErrorIs(t, r.Register(nil), ErrNilProcessor)
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	r := New(nil)
	defer r.Dispose()

	p := &fakeProcessor{id: "p1"}
	require.NoError(t, r.Register(p))
	require.NoError(t, r.Register(p))

	assert.Equal(t, 1, r.Stats().ProcessorsCount)
}

func TestRegistry_Unregister(t *testing.T) {
	r := New(nil)
	defer r.Dispose()

	p := &fakeProcessor{id: "p1"}
	require.NoError(t, r.Register(p))

	r.Unregister(p)
	assert.Equal(t, 0, r.Stats().ProcessorsCount)

	// Unregistering an unknown or nil processor is a no-op.
	r.Unregister(p)
	r.Unregister(nil)
}

func TestRegistry_TriggerCleanup_Light(t *testing.T) {
	r := New(nil)
	defer r.Dispose()

	a := &fakeProcessor{id: "a"}
	b := &fakeProcessor{id: "b"}
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	r.TriggerCleanup(false)

	assert.Equal(t, 1, a.cacheClears)
	assert.Equal(t, 1, b.cacheClears)
	assert.Equal(t, 0, a.fullClears)
	assert.Equal(t, 0, b.fullClears)
}

func TestRegistry_TriggerCleanup_Full(t *testing.T) {
	r := New(nil)
	defer r.Dispose()

	a := &fakeProcessor{id: "a"}
	b := &fakeProcessor{id: "b"}
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	r.TriggerCleanup(true)

	assert.Equal(t, 1, a.fullClears)
	assert.Equal(t, 1, b.fullClears)
	assert.Equal(t, 0, a.cacheClears)

	// Processors stay registered after cleanup.
	assert.Equal(t, 2, r.Stats().ProcessorsCount)
}

func TestRegistry_HandleLifecycleChange(t *testing.T) {
	tests := []struct {
		state     LifecycleState
		wantFull  int
		wantLight int
	}{
		{StateDetached, 1, 0},
		{StatePaused, 0, 1},
		{StateHidden, 0, 1},
		{StateResumed, 0, 0},
		{StateInactive, 0, 0},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			r := New(nil)
			defer r.Dispose()

			p := &fakeProcessor{id: "p"}
			require.NoError(t, r.Register(p))

			r.HandleLifecycleChange(tt.state)

			assert.Equal(t, tt.wantFull, p.fullClears)
			assert.Equal(t, tt.wantLight, p.cacheClears)
		})
	}
}

func TestRegistry_AutoUnregisterOnDispose(t *testing.T) {
	r := New(nil)
	defer r.Dispose()

	p := &hookedProcessor{fakeProcessor: fakeProcessor{id: "hooked"}}
	require.NoError(t, r.Register(p))
	require.Len(t, p.disposeHooks, 1)

	p.dispose()
	assert.Equal(t, 0, r.Stats().ProcessorsCount, "disposed processor should drop out of the registry")
}

func TestRegistry_Dispose(t *testing.T) {
	r := New(nil)

	p := &fakeProcessor{id: "p"}
	require.NoError(t, r.Register(p))

	r.Dispose()

	stats := r.Stats()
	assert.Equal(t, 0, stats.ProcessorsCount)
	assert.False(t, stats.IsInitialized)

	// A disposed registry rejects new registrations but does not touch
	// the processor itself.
	assert.ErrorIs(t, r.Register(&fakeProcessor{id: "late"}), ErrDisposed)
	assert.Equal(t, 0, p.fullClears)
}
