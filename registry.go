// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package backingstore

import (
	"errors"
	"sort"
	"sync"

	"github.com/gogpu/backingstore/gpu"
)

// Backend allocates surfaces of one storage kind.
// Implementations should validate dimensions and return descriptive errors.
type Backend interface {
	// Name is the unique identifier for this backend.
	Name() string

	// Available reports whether the backend can allocate on this system.
	Available() bool

	// Allocate creates a width x height surface.
	Allocate(width, height int32) (Surface, error)
}

// Standard backend priorities (higher = preferred).
const (
	// PriorityGPU is used by backends producing exportable GPU images.
	PriorityGPU = 100

	// PriorityBitmap is used by the shared-memory bitmap backend.
	PriorityBitmap = 10
)

// registryEntry pairs a backend with its selection priority.
type registryEntry struct {
	backend  Backend
	priority int
}

// globalRegistry is the default registry.
var globalRegistry = &Registry{}

// Registry manages registered surface backends.
//
// The registry is the storage-kind seam: the manager asks it for
// surfaces without knowing whether they come from GPU memory or a
// shared-memory bitmap, and an allocation failure in a preferred
// backend falls through to the next one.
//
// Example registration:
//
//	backingstore.Register(backingstore.NewGPUBackend(ctx), backingstore.PriorityGPU)
//
// Example usage:
//
//	s, err := backingstore.AllocateSurface(800, 600)
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
}

// NewRegistry creates a new empty registry.
// Most code should use the global registry via Register and
// AllocateSurface; per-manager registries exist for scoping and tests.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*registryEntry),
	}
}

// Register adds a backend to the global registry.
// Registering a name that already exists replaces the previous entry.
func Register(b Backend, priority int) {
	globalRegistry.Register(b, priority)
}

// Unregister removes a backend from the global registry.
func Unregister(name string) {
	globalRegistry.Unregister(name)
}

// List returns all registered backend names sorted by priority (highest first).
func List() []string {
	return globalRegistry.List()
}

// AvailableBackends returns names of all available backends sorted by priority.
func AvailableBackends() []string {
	return globalRegistry.Available()
}

// Get returns a registered backend by name.
func Get(name string) (Backend, bool) {
	return globalRegistry.Get(name)
}

// AllocateSurface creates a surface using the best available backend in
// the global registry.
func AllocateSurface(width, height int32) (Surface, error) {
	return globalRegistry.Allocate(width, height)
}

// Register adds a backend to this registry.
func (r *Registry) Register(b Backend, priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entries == nil {
		r.entries = make(map[string]*registryEntry)
	}

	r.entries[b.Name()] = &registryEntry{
		backend:  b,
		priority: priority,
	}
}

// Unregister removes a backend from this registry.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, name)
}

// List returns all registered backend names sorted by priority.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.sortedNames(false)
}

// Available returns names of all available backends sorted by priority.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.sortedNames(true)
}

// Get returns a registered backend by name.
func (r *Registry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return entry.backend, true
}

// Allocate creates a surface using the best available backend.
//
// Backends are tried in priority order. A failure in one backend logs a
// warning and falls through to the next, so a GPU allocation failure
// degrades to a shared-memory bitmap instead of failing the caller.
// Only when every backend fails does Allocate return an error.
func (r *Registry) Allocate(width, height int32) (Surface, error) {
	r.mu.RLock()
	available := r.sortedNames(true)
	r.mu.RUnlock()

	if len(available) == 0 {
		return nil, ErrNoBackendAvailable
	}

	var lastErr error
	for _, name := range available {
		s, err := r.AllocateByName(name, width, height)
		if err == nil {
			return s, nil
		}
		lastErr = err
		Logger().Warn("backend allocation failed, trying next",
			"backend", name, "width", width, "height", height, "error", err)
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrNoBackendAvailable
}

// AllocateByName creates a surface using a specific backend.
func (r *Registry) AllocateByName(name string, width, height int32) (Surface, error) {
	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()

	if !ok {
		return nil, &BackendNotFoundError{Name: name}
	}

	if !entry.backend.Available() {
		return nil, &BackendUnavailableError{Name: name}
	}

	return entry.backend.Allocate(width, height)
}

// sortedNames returns backend names sorted by priority (highest first).
// If onlyAvailable is true, filters to available backends only.
// Must be called with lock held.
func (r *Registry) sortedNames(onlyAvailable bool) []string {
	if len(r.entries) == 0 {
		return nil
	}

	type entry struct {
		name     string
		priority int
	}

	entries := make([]entry, 0, len(r.entries))
	for name, e := range r.entries {
		if onlyAvailable && !e.backend.Available() {
			continue
		}
		entries = append(entries, entry{name: name, priority: e.priority})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].priority > entries[j].priority
	})

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}
	return names
}

// Errors.
var (
	// ErrNoBackendAvailable is returned when no surface backends are
	// registered or available on the current system.
	ErrNoBackendAvailable = errors.New("backingstore: no backend available")
)

// BackendNotFoundError indicates a named backend is not registered.
type BackendNotFoundError struct {
	Name string
}

func (e *BackendNotFoundError) Error() string {
	return "backingstore: backend not found: " + e.Name
}

// BackendUnavailableError indicates a backend exists but is not available.
type BackendUnavailableError struct {
	Name string
}

func (e *BackendUnavailableError) Error() string {
	return "backingstore: backend unavailable: " + e.Name
}

// shmBackend allocates shared-memory bitmap surfaces. It is always
// available and registers itself as the lowest-priority fallback.
type shmBackend struct{}

func (shmBackend) Name() string    { return "shm" }
func (shmBackend) Available() bool { return true }

func (shmBackend) Allocate(width, height int32) (Surface, error) {
	return NewBitmapSurface(width, height)
}

// GPUBackend allocates exportable GPU image surfaces on a context.
type GPUBackend struct {
	ctx *gpu.Context
}

// NewGPUBackend adapts a GPU context into a backend. The backend
// reports unavailable when the context is nil or its device cannot
// export memory, so registration is safe even on machines without the
// capability.
func NewGPUBackend(ctx *gpu.Context) *GPUBackend {
	return &GPUBackend{ctx: ctx}
}

// Name returns "gpu".
func (b *GPUBackend) Name() string { return "gpu" }

// Available reports whether the context can export image memory.
func (b *GPUBackend) Available() bool {
	return b.ctx != nil && b.ctx.SupportsExternalMemory()
}

// Allocate creates an exportable GPU image surface.
func (b *GPUBackend) Allocate(width, height int32) (Surface, error) {
	img, err := gpu.Allocate(b.ctx, width, height)
	if err != nil {
		return nil, err
	}
	return NewGPUSurface(img)
}

// init registers the built-in shared-memory bitmap backend.
func init() {
	Register(shmBackend{}, PriorityBitmap)
}
