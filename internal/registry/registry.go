// Package registry coordinates lifecycle cleanup across live content
// processors.
//
// A single registry instance, constructed by the process entry point and
// passed by reference, lets one lifecycle signal (backgrounded,
// terminated) cascade cleanup to every registered processor without the
// surfaces tracking each other. Registration is weak: a processor's own
// Dispose removes it, and the registry never extends a processor's
// lifetime.
package registry

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Errors for registry operations.
var (
	ErrNilProcessor = errors.New("nil processor")
	ErrDisposed     = errors.New("registry disposed")
)

// LifecycleState mirrors the host application's lifecycle signals.
type LifecycleState string

const (
	StateResumed  LifecycleState = "resumed"
	StateInactive LifecycleState = "inactive"
	StatePaused   LifecycleState = "paused"
	StateHidden   LifecycleState = "hidden"
	StateDetached LifecycleState = "detached"
)

// Processor is the cleanup contract the registry depends on.
type Processor interface {
	ID() string
	ClearCache()
	ClearAllData()
}

// disposeHooker is implemented by processors that can notify on
// disposal; Register uses it to unregister disposed processors
// automatically.
type disposeHooker interface {
	OnDispose(func())
}

// MemoryStats reports the registry's view of live processors.
type MemoryStats struct {
	ProcessorsCount int  `json:"processorsCount"`
	IsInitialized   bool `json:"isInitialized"`
}

// Registry is a process-wide coordination point for processor cleanup.
type Registry struct {
	mu         sync.Mutex
	processors map[string]Processor
	disposed   bool
	logger     *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		processors: make(map[string]Processor),
		logger:     logger,
	}
}

// Register adds p to the registry. Registering the same processor twice
// is a no-op. If p supports dispose notification, its disposal
// unregisters it automatically.
func (r *Registry) Register(p Processor) error {
	if p == nil {
		return ErrNilProcessor
	}

	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return ErrDisposed
	}
	_, exists := r.processors[p.ID()]
	if !exists {
		r.processors[p.ID()] = p
	}
	r.mu.Unlock()

	if exists {
		return nil
	}

	if h, ok := p.(disposeHooker); ok {
		id := p.ID()
		h.OnDispose(func() {
			r.unregisterID(id)
		})
	}

	r.logger.Debug("processor registered", zap.String("processor_id", p.ID()))
	return nil
}

// Unregister removes p from the registry. Unknown processors are a
// no-op.
func (r *Registry) Unregister(p Processor) {
	if p == nil {
		return
	}
	r.unregisterID(p.ID())
}

func (r *Registry) unregisterID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.processors, id)
}

// TriggerCleanup cascades cleanup to every registered processor.
// fullCleanup selects ClearAllData; otherwise the lighter ClearCache.
func (r *Registry) TriggerCleanup(fullCleanup bool) {
	r.mu.Lock()
	targets := make([]Processor, 0, len(r.processors))
	for _, p := range r.processors {
		targets = append(targets, p)
	}
	r.mu.Unlock()

	r.logger.Info("triggering cleanup",
		zap.Bool("full", fullCleanup),
		zap.Int("processors", len(targets)))

	for _, p := range targets {
		if fullCleanup {
			p.ClearAllData()
		} else {
			p.ClearCache()
		}
	}
}

// HandleLifecycleChange maps a lifecycle state to the appropriate
// cleanup: detached means the process is going away (full cleanup),
// paused and hidden shed cache weight, other states are ignored.
func (r *Registry) HandleLifecycleChange(state LifecycleState) {
	switch state {
	case StateDetached:
		r.TriggerCleanup(true)
	case StatePaused, StateHidden:
		r.TriggerCleanup(false)
	}
}

// Stats returns the registry's memory statistics.
func (r *Registry) Stats() MemoryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return MemoryStats{
		ProcessorsCount: len(r.processors),
		IsInitialized:   !r.disposed,
	}
}

// Dispose empties the registry. Registered processors are not disposed;
// the registry only drops its references.
func (r *Registry) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disposed = true
	r.processors = make(map[string]Processor)
}
