// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package backingstore

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/gogpu/backingstore/gpu"
	"github.com/gogpu/backingstore/shm"
	"github.com/gogpu/backingstore/wire"
)

// newPipeHandle returns a handle owning the read end of a fresh pipe.
// Good enough to stand in for an exported memory fd in tests that never
// map it.
func newPipeHandle(t *testing.T) wire.Handle {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	if err := unix.Close(fds[1]); err != nil {
		t.Fatalf("close write end: %v", err)
	}
	return wire.NewHandle(fds[0])
}

func fdOpen(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

// newTestGPUSurface returns an unmaterialized GPU surface holding a
// pipe-backed descriptor.
func newTestGPUSurface(t *testing.T, width, height int32, size uint64) *GPUSurface {
	t.Helper()
	return newGPUSurfaceFromDescriptor(gpu.MemoryDescriptor{
		Handle:         newPipeHandle(t),
		AllocationSize: size,
		Width:          width,
		Height:         height,
	})
}

func TestBitmapSurfaceEmpty(t *testing.T) {
	var s BitmapSurface

	if s.Valid() {
		t.Error("zero BitmapSurface.Valid() = true, want false")
	}
	if got := s.Kind(); got != KindBitmap {
		t.Errorf("Kind() = %v, want %v", got, KindBitmap)
	}
	if w, h := s.Width(), s.Height(); w != 0 || h != 0 {
		t.Errorf("size = %dx%d, want 0x0", w, h)
	}
	if s.Pix() != nil {
		t.Error("Pix() != nil for empty surface")
	}
	if s.Buffer() != nil {
		t.Error("Buffer() != nil for empty surface")
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() error = %v, want nil", err)
	}
}

func TestNewBitmapSurface(t *testing.T) {
	s, err := NewBitmapSurface(64, 48)
	if err != nil {
		t.Fatalf("NewBitmapSurface() error = %v", err)
	}

	if !s.Valid() {
		t.Error("Valid() = false after allocation")
	}
	if w, h := s.Width(), s.Height(); w != 64 || h != 48 {
		t.Errorf("size = %dx%d, want 64x48", w, h)
	}
	if got, want := len(s.Pix()), 64*48*4; got != want {
		t.Errorf("len(Pix()) = %d, want %d", got, want)
	}
	if s.Buffer() == nil {
		t.Fatal("Buffer() = nil for valid surface")
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if s.Valid() {
		t.Error("Valid() = true after Close")
	}
	if w, h := s.Width(), s.Height(); w != 0 || h != 0 {
		t.Errorf("size after Close = %dx%d, want 0x0", w, h)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v, want nil", err)
	}
}

func TestNewBitmapSurfaceInvalidSize(t *testing.T) {
	if _, err := NewBitmapSurface(0, 48); !errors.Is(err, shm.ErrInvalidDimensions) {
		t.Errorf("NewBitmapSurface(0, 48) error = %v, want ErrInvalidDimensions", err)
	}
	if _, err := NewBitmapSurface(64, -1); !errors.Is(err, shm.ErrInvalidDimensions) {
		t.Errorf("NewBitmapSurface(64, -1) error = %v, want ErrInvalidDimensions", err)
	}
}

func TestNewGPUSurfaceNilImage(t *testing.T) {
	if _, err := NewGPUSurface(nil); err == nil {
		t.Error("NewGPUSurface(nil) error = nil, want non-nil")
	}
}

func TestGPUSurfaceFromDescriptor(t *testing.T) {
	s := newTestGPUSurface(t, 320, 200, 4096)
	defer s.Close()

	if got := s.Kind(); got != KindGPUImage {
		t.Errorf("Kind() = %v, want %v", got, KindGPUImage)
	}
	if w, h := s.Width(), s.Height(); w != 320 || h != 200 {
		t.Errorf("size = %dx%d, want 320x200", w, h)
	}
	if s.Materialized() {
		t.Error("Materialized() = true before import")
	}
	if s.Image() != nil {
		t.Error("Image() != nil before import")
	}
}

func TestGPUSurfaceDescriptorReexport(t *testing.T) {
	s := newTestGPUSurface(t, 320, 200, 4096)
	defer s.Close()

	desc, err := s.Descriptor()
	if err != nil {
		t.Fatalf("Descriptor() error = %v", err)
	}
	if desc.Width != 320 || desc.Height != 200 || desc.AllocationSize != 4096 {
		t.Errorf("descriptor = %dx%d size %d, want 320x200 size 4096",
			desc.Width, desc.Height, desc.AllocationSize)
	}
	if !desc.Handle.Valid() {
		t.Fatal("exported handle invalid")
	}
	if desc.Handle.FD() == s.desc.Handle.FD() {
		t.Error("exported handle shares the surface's fd, want a duplicate")
	}

	// Closing the export must not touch the surface's own reference.
	if err := desc.Close(); err != nil {
		t.Fatalf("desc.Close() error = %v", err)
	}
	if !fdOpen(s.desc.Handle.FD()) {
		t.Error("surface fd closed by releasing the exported descriptor")
	}

	// The surface can export again.
	desc2, err := s.Descriptor()
	if err != nil {
		t.Fatalf("second Descriptor() error = %v", err)
	}
	desc2.Close()
}

func TestGPUSurfacePixUnsupported(t *testing.T) {
	s := newTestGPUSurface(t, 8, 8, 256)
	defer s.Close()

	if _, err := s.Pix(); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Pix() error = %v, want ErrUnsupported", err)
	}
}

func TestGPUSurfaceMaterializeConsumesDescriptor(t *testing.T) {
	s := newTestGPUSurface(t, 8, 8, 256)
	defer s.Close()
	fd := s.desc.Handle.FD()

	// A context without the export capability cannot import; the
	// descriptor is spent either way.
	err := s.Materialize(&gpu.Context{})
	if !errors.Is(err, gpu.ErrCapabilityMissing) {
		t.Fatalf("Materialize() error = %v, want ErrCapabilityMissing", err)
	}
	if fdOpen(fd) {
		t.Error("descriptor fd still open after failed import")
	}
	if err := s.Materialize(&gpu.Context{}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("second Materialize() error = %v, want ErrUnsupported", err)
	}
}

func TestGPUSurfaceMaterializeNothing(t *testing.T) {
	var s GPUSurface
	if err := s.Materialize(&gpu.Context{}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Materialize() on zero surface error = %v, want ErrUnsupported", err)
	}
}

func TestGPUSurfaceClose(t *testing.T) {
	s := newTestGPUSurface(t, 8, 8, 256)
	fd := s.desc.Handle.FD()

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if fdOpen(fd) {
		t.Error("descriptor fd still open after Close")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v, want nil", err)
	}

	if _, err := s.Descriptor(); !errors.Is(err, ErrSurfaceClosed) {
		t.Errorf("Descriptor() after Close error = %v, want ErrSurfaceClosed", err)
	}
	if err := s.Materialize(&gpu.Context{}); !errors.Is(err, ErrSurfaceClosed) {
		t.Errorf("Materialize() after Close error = %v, want ErrSurfaceClosed", err)
	}
}

func TestSurfaceKindString(t *testing.T) {
	tests := []struct {
		kind SurfaceKind
		want string
	}{
		{KindBitmap, "bitmap"},
		{KindGPUImage, "gpu-image"},
		{SurfaceKind(7), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("SurfaceKind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}
