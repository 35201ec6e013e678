// Package debounce provides a keyed, cancellable delay scheduler.
//
// A burst of trigger calls for the same key collapses into a single
// execution after a quiet period (trailing-edge debounce). Re-arming a
// key cancels and replaces the prior timer; the earlier operation is
// guaranteed never to fire. The adaptive variant scales the quiet
// period with input complexity so cheap edits resolve quickly while
// expensive ones wait for a longer pause.
package debounce

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Priority selects the base delay tier for PriorityDebounce.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityLow
)

// Adaptive delay shaping. The delay grows with input length and with
// the number of detected content references, clamped to the configured
// floor and ceiling.
const (
	adaptiveChunkSize    = 400 // characters per delay step
	adaptiveStepPerChunk = 50 * time.Millisecond
	adaptiveStepPerRef   = 75 * time.Millisecond
)

// Config holds the delay tiers and the reference counter used by
// AdaptiveDebounce. CountRefs may be nil; the default counts page-link
// path segments.
type Config struct {
	BaseDelay time.Duration
	MinDelay  time.Duration
	MaxDelay  time.Duration
	HighDelay time.Duration
	LowDelay  time.Duration
	CountRefs func(string) int
}

// KeyMetrics reports per-key counters.
type KeyMetrics struct {
	Attempts      uint64 `json:"attempts"`
	Successes     uint64 `json:"successes"`
	Cancellations uint64 `json:"cancellations"`
	Pending       bool   `json:"pending"`
}

// OverallMetrics aggregates counters across all keys ever seen.
type OverallMetrics struct {
	TotalOperations    int    `json:"totalOperations"`
	TotalAttempts      uint64 `json:"totalAttempts"`
	TotalSuccesses     uint64 `json:"totalSuccesses"`
	TotalCancellations uint64 `json:"totalCancellations"`
}

// Pending is the handle returned by an arm call. Superseded closes when
// a later arm call or an explicit Cancel replaces this one, so blocked
// callers observe cancellation instead of waiting forever.
type Pending struct {
	superseded chan struct{}
}

// Superseded returns a channel closed when this pending operation is
// cancelled or replaced.
func (p *Pending) Superseded() <-chan struct{} {
	return p.superseded
}

type pendingState struct {
	timer  *time.Timer
	handle *Pending
}

type keyStats struct {
	attempts      uint64
	successes     uint64
	cancellations uint64
}

// Debouncer collapses bursts of trigger calls per key. All state is
// guarded by a single mutex; operations execute outside the lock.
type Debouncer struct {
	mu       sync.Mutex
	cfg      Config
	pending  map[string]*pendingState
	stats    map[string]*keyStats
	logger   *zap.Logger
	disposed bool
}

// New creates a Debouncer. Zero-valued delays fall back to defaults.
func New(cfg Config, logger *zap.Logger) *Debouncer {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 300 * time.Millisecond
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 1500 * time.Millisecond
	}
	if cfg.HighDelay <= 0 {
		cfg.HighDelay = cfg.MinDelay
	}
	if cfg.LowDelay <= 0 {
		cfg.LowDelay = 2 * cfg.BaseDelay
	}
	if cfg.CountRefs == nil {
		cfg.CountRefs = func(s string) int { return strings.Count(s, "/pages/") }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Debouncer{
		cfg:     cfg,
		pending: make(map[string]*pendingState),
		stats:   make(map[string]*keyStats),
		logger:  logger,
	}
}

// Debounce arms the base-delay timer for key. A prior pending timer for
// the same key is cancelled and replaced.
func (d *Debouncer) Debounce(key string, op func()) *Pending {
	return d.arm(key, d.cfg.BaseDelay, op)
}

// AdaptiveDebounce arms a timer whose delay grows monotonically with
// the input's length and detected reference count, clamped to the
// configured floor and ceiling.
func (d *Debouncer) AdaptiveDebounce(key, input string, op func()) *Pending {
	return d.arm(key, d.AdaptiveDelay(input), op)
}

// PriorityDebounce arms a timer using the delay tier for pri.
func (d *Debouncer) PriorityDebounce(key string, pri Priority, op func()) *Pending {
	delay := d.cfg.BaseDelay
	switch pri {
	case PriorityHigh:
		delay = d.cfg.HighDelay
	case PriorityLow:
		delay = d.cfg.LowDelay
	}
	return d.arm(key, delay, op)
}

// AdaptiveDelay computes the quiet period for the given input.
func (d *Debouncer) AdaptiveDelay(input string) time.Duration {
	delay := d.cfg.BaseDelay
	delay += time.Duration(len(input)/adaptiveChunkSize) * adaptiveStepPerChunk
	delay += time.Duration(d.cfg.CountRefs(input)) * adaptiveStepPerRef

	if delay < d.cfg.MinDelay {
		delay = d.cfg.MinDelay
	}
	if delay > d.cfg.MaxDelay {
		delay = d.cfg.MaxDelay
	}
	return delay
}

func (d *Debouncer) arm(key string, delay time.Duration, op func()) *Pending {
	d.mu.Lock()
	defer d.mu.Unlock()

	handle := &Pending{superseded: make(chan struct{})}
	if d.disposed {
		close(handle.superseded)
		return handle
	}

	st := d.statsLocked(key)
	st.attempts++

	if prev, ok := d.pending[key]; ok {
		prev.timer.Stop()
		close(prev.handle.superseded)
		st.cancellations++
	}

	ps := &pendingState{handle: handle}
	ps.timer = time.AfterFunc(delay, func() {
		d.fire(key, ps, op)
	})
	d.pending[key] = ps

	return handle
}

// fire runs op if ps is still the current pending state for key.
func (d *Debouncer) fire(key string, ps *pendingState, op func()) {
	d.mu.Lock()
	cur, ok := d.pending[key]
	if !ok || cur != ps || d.disposed {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.statsLocked(key).successes++
	d.mu.Unlock()

	// A panicking operation must not take down the timer goroutine or
	// affect other keys' pending timers.
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("debounced operation panicked",
				zap.String("key", key),
				zap.Any("panic", r))
		}
	}()
	op()
}

// Cancel stops the pending timer for key, if any. Returns true if a
// timer was cancelled.
func (d *Debouncer) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	ps, ok := d.pending[key]
	if !ok {
		return false
	}
	ps.timer.Stop()
	close(ps.handle.superseded)
	delete(d.pending, key)
	d.statsLocked(key).cancellations++
	return true
}

// IsPending reports whether key has an armed timer.
func (d *Debouncer) IsPending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok
}

// KeyMetrics returns the counters for one key.
func (d *Debouncer) KeyMetrics(key string) KeyMetrics {
	d.mu.Lock()
	defer d.mu.Unlock()

	m := KeyMetrics{}
	if st, ok := d.stats[key]; ok {
		m.Attempts = st.attempts
		m.Successes = st.successes
		m.Cancellations = st.cancellations
	}
	_, m.Pending = d.pending[key]
	return m
}

// Metrics aggregates counters across all keys ever seen.
func (d *Debouncer) Metrics() OverallMetrics {
	d.mu.Lock()
	defer d.mu.Unlock()

	m := OverallMetrics{TotalOperations: len(d.stats)}
	for _, st := range d.stats {
		m.TotalAttempts += st.attempts
		m.TotalSuccesses += st.successes
		m.TotalCancellations += st.cancellations
	}
	return m
}

// Dispose cancels every pending timer and zeroes all state. Armed
// operations never fire after Dispose returns.
func (d *Debouncer) Dispose() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.disposed {
		return
	}
	d.disposed = true
	for _, ps := range d.pending {
		ps.timer.Stop()
		close(ps.handle.superseded)
	}
	d.pending = make(map[string]*pendingState)
	d.stats = make(map[string]*keyStats)
}

func (d *Debouncer) statsLocked(key string) *keyStats {
	st, ok := d.stats[key]
	if !ok {
		st = &keyStats{}
		d.stats[key] = st
	}
	return st
}
