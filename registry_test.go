// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package backingstore

import (
	"errors"
	"sync"
	"testing"

	"github.com/gogpu/backingstore/gpu"
)

// errFakeAlloc is what fakeBackend returns when told to fail.
var errFakeAlloc = errors.New("fake backend: allocation failed")

// fakeSurface is a minimal in-memory Surface for registry and manager
// tests.
type fakeSurface struct {
	width  int32
	height int32
	closed bool
}

func (s *fakeSurface) Kind() SurfaceKind { return KindBitmap }
func (s *fakeSurface) Width() int32      { return s.width }
func (s *fakeSurface) Height() int32     { return s.height }
func (s *fakeSurface) Close() error {
	s.closed = true
	return nil
}
func (s *fakeSurface) surface() {}

// fakeBackend records every allocation request. failFrom > 0 makes the
// n-th and later calls fail; unavailable hides the backend entirely.
type fakeBackend struct {
	name        string
	unavailable bool

	mu       sync.Mutex
	failFrom int
	calls    int
	sizes    [][2]int32
	surfaces []*fakeSurface
}

func (b *fakeBackend) Name() string    { return b.name }
func (b *fakeBackend) Available() bool { return !b.unavailable }

func (b *fakeBackend) Allocate(width, height int32) (Surface, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls++
	b.sizes = append(b.sizes, [2]int32{width, height})
	if b.failFrom > 0 && b.calls >= b.failFrom {
		return nil, errFakeAlloc
	}
	s := &fakeSurface{width: width, height: height}
	b.surfaces = append(b.surfaces, s)
	return s, nil
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *fakeBackend) allocatedSizes() [][2]int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][2]int32(nil), b.sizes...)
}

func TestRegistryRegisterGet(t *testing.T) {
	reg := NewRegistry()
	b := &fakeBackend{name: "fake"}
	reg.Register(b, 42)

	got, ok := reg.Get("fake")
	if !ok {
		t.Fatal("Get(fake) not found after Register")
	}
	if got != b {
		t.Error("Get(fake) returned a different backend")
	}
	if _, ok := reg.Get("missing"); ok {
		t.Error("Get(missing) found a backend")
	}
}

func TestRegistryListPriorityOrder(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeBackend{name: "low"}, 10)
	reg.Register(&fakeBackend{name: "high"}, 100)
	reg.Register(&fakeBackend{name: "mid"}, 50)

	got := reg.List()
	want := []string{"high", "mid", "low"}
	if len(got) != len(want) {
		t.Fatalf("List() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("List() = %v, want %v", got, want)
		}
	}
}

func TestRegistryAvailableFilters(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeBackend{name: "up"}, 100)
	reg.Register(&fakeBackend{name: "down", unavailable: true}, 50)

	got := reg.Available()
	if len(got) != 1 || got[0] != "up" {
		t.Errorf("Available() = %v, want [up]", got)
	}
	if got := reg.List(); len(got) != 2 {
		t.Errorf("List() = %v, want both entries", got)
	}
}

func TestRegistryUnregister(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeBackend{name: "fake"}, 10)
	reg.Unregister("fake")

	if _, ok := reg.Get("fake"); ok {
		t.Error("backend still registered after Unregister")
	}
	if _, err := reg.Allocate(8, 8); !errors.Is(err, ErrNoBackendAvailable) {
		t.Errorf("Allocate() error = %v, want ErrNoBackendAvailable", err)
	}
}

func TestRegistryAllocatePrefersPriority(t *testing.T) {
	reg := NewRegistry()
	high := &fakeBackend{name: "high"}
	low := &fakeBackend{name: "low"}
	reg.Register(high, 100)
	reg.Register(low, 10)

	s, err := reg.Allocate(32, 16)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	defer s.Close()

	if high.callCount() != 1 {
		t.Errorf("high-priority backend calls = %d, want 1", high.callCount())
	}
	if low.callCount() != 0 {
		t.Errorf("low-priority backend calls = %d, want 0", low.callCount())
	}
}

func TestRegistryAllocateFallsBack(t *testing.T) {
	reg := NewRegistry()
	failing := &fakeBackend{name: "failing", failFrom: 1}
	working := &fakeBackend{name: "working"}
	reg.Register(failing, 100)
	reg.Register(working, 10)

	s, err := reg.Allocate(32, 16)
	if err != nil {
		t.Fatalf("Allocate() error = %v, want fallback to succeed", err)
	}
	defer s.Close()

	if failing.callCount() != 1 {
		t.Errorf("failing backend calls = %d, want 1", failing.callCount())
	}
	if working.callCount() != 1 {
		t.Errorf("working backend calls = %d, want 1", working.callCount())
	}
	if w, h := s.Width(), s.Height(); w != 32 || h != 16 {
		t.Errorf("fallback surface = %dx%d, want 32x16", w, h)
	}
}

func TestRegistryAllocateAllFail(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeBackend{name: "a", failFrom: 1}, 100)
	reg.Register(&fakeBackend{name: "b", failFrom: 1}, 10)

	if _, err := reg.Allocate(8, 8); !errors.Is(err, errFakeAlloc) {
		t.Errorf("Allocate() error = %v, want the last backend error", err)
	}
}

func TestRegistryAllocateNoneAvailable(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Allocate(8, 8); !errors.Is(err, ErrNoBackendAvailable) {
		t.Errorf("empty registry Allocate() error = %v, want ErrNoBackendAvailable", err)
	}

	reg.Register(&fakeBackend{name: "down", unavailable: true}, 100)
	if _, err := reg.Allocate(8, 8); !errors.Is(err, ErrNoBackendAvailable) {
		t.Errorf("Allocate() error = %v, want ErrNoBackendAvailable", err)
	}
}

func TestRegistryAllocateByName(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeBackend{name: "down", unavailable: true}, 100)

	_, err := reg.AllocateByName("missing", 8, 8)
	var notFound *BackendNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("AllocateByName(missing) error = %v, want BackendNotFoundError", err)
	}
	if notFound.Name != "missing" {
		t.Errorf("BackendNotFoundError.Name = %q, want %q", notFound.Name, "missing")
	}

	_, err = reg.AllocateByName("down", 8, 8)
	var unavailable *BackendUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("AllocateByName(down) error = %v, want BackendUnavailableError", err)
	}
}

func TestGlobalRegistryShmBackend(t *testing.T) {
	if _, ok := Get("shm"); !ok {
		t.Fatal("global registry has no shm backend")
	}

	s, err := AllocateSurface(8, 8)
	if err != nil {
		t.Fatalf("AllocateSurface() error = %v", err)
	}
	defer s.Close()

	if _, ok := s.(*BitmapSurface); !ok {
		t.Errorf("AllocateSurface() = %T, want *BitmapSurface", s)
	}
}

func TestGPUBackendAvailability(t *testing.T) {
	b := NewGPUBackend(nil)
	if b.Name() != "gpu" {
		t.Errorf("Name() = %q, want %q", b.Name(), "gpu")
	}
	if b.Available() {
		t.Error("nil-context backend reports available")
	}

	// A context whose device lacks the export capability is registered
	// but never selected.
	if NewGPUBackend(&gpu.Context{}).Available() {
		t.Error("capability-less context backend reports available")
	}
}
