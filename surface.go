// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package backingstore

import (
	"errors"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/backingstore/gpu"
	"github.com/gogpu/backingstore/shm"
)

// Surface errors.
var (
	// ErrSurfaceClosed is returned when operating on a closed surface.
	ErrSurfaceClosed = errors.New("backingstore: surface closed")

	// ErrUnsupported is returned for operations a surface variant cannot
	// perform, such as CPU pixel access on a GPU surface.
	ErrUnsupported = errors.New("backingstore: operation not supported by this surface")
)

// SurfaceKind discriminates the two surface variants.
type SurfaceKind uint8

const (
	// KindBitmap is a CPU bitmap in shared memory.
	KindBitmap SurfaceKind = 1

	// KindGPUImage is a GPU image shared by exported device memory.
	KindGPUImage SurfaceKind = 2
)

// String returns the kind name for logging.
func (k SurfaceKind) String() string {
	switch k {
	case KindBitmap:
		return "bitmap"
	case KindGPUImage:
		return "gpu-image"
	default:
		return "unknown"
	}
}

// Surface is one paintable backing store shared between the renderer
// and the compositor.
//
// The set of implementations is closed: a surface is either a
// BitmapSurface (pixels in shared memory, paintable from any process
// that maps the buffer) or a GPUSurface (a device image whose memory
// travels as an opaque file descriptor). Consumers switch on Kind or
// type-switch on the two concrete types; there is no third case.
//
// Surfaces are not safe for concurrent use. The Manager serializes
// access to the surfaces it owns.
type Surface interface {
	// Kind reports which variant this surface is.
	Kind() SurfaceKind

	// Width returns the surface width in pixels, 0 when empty or closed.
	Width() int32

	// Height returns the surface height in pixels, 0 when empty or closed.
	Height() int32

	// Close releases the surface's memory and any handle it owns.
	// Close is idempotent.
	Close() error

	// surface closes the implementation set.
	surface()
}

var (
	_ Surface = (*BitmapSurface)(nil)
	_ Surface = (*GPUSurface)(nil)
)

// BitmapSurface is the CPU variant: a bitmap whose pixels live in a
// shared-memory buffer. The zero value is the canonical empty surface
// and encodes as such.
type BitmapSurface struct {
	buf *shm.Buffer
}

// NewBitmapSurface allocates a fresh shared-memory bitmap in RGBA8.
func NewBitmapSurface(width, height int32) (*BitmapSurface, error) {
	buf, err := shm.Create(width, height, gputypes.TextureFormatRGBA8Unorm)
	if err != nil {
		return nil, err
	}
	return &BitmapSurface{buf: buf}, nil
}

// Valid reports whether the surface holds pixels. The zero value and a
// closed surface are not valid.
func (s *BitmapSurface) Valid() bool { return s.buf != nil }

// Kind returns KindBitmap.
func (s *BitmapSurface) Kind() SurfaceKind { return KindBitmap }

// Width returns the bitmap width in pixels.
func (s *BitmapSurface) Width() int32 {
	if s.buf == nil {
		return 0
	}
	return s.buf.Width()
}

// Height returns the bitmap height in pixels.
func (s *BitmapSurface) Height() int32 {
	if s.buf == nil {
		return 0
	}
	return s.buf.Height()
}

// Buffer returns the underlying shared-memory buffer, or nil for the
// empty surface. The buffer stays owned by the surface.
func (s *BitmapSurface) Buffer() *shm.Buffer { return s.buf }

// Pix returns the raw pixel bytes, or nil for the empty surface.
func (s *BitmapSurface) Pix() []byte {
	if s.buf == nil {
		return nil
	}
	return s.buf.Pix()
}

// Close unmaps the buffer and releases its handle. The surface becomes
// the empty surface.
func (s *BitmapSurface) Close() error {
	if s.buf == nil {
		return nil
	}
	err := s.buf.Close()
	s.buf = nil
	return err
}

func (s *BitmapSurface) surface() {}

// GPUSurface is the GPU variant. On the producer side it owns a live
// gpu.Image; decoded from the wire it holds only the exported memory
// descriptor until Materialize imports it on a context. Exactly one of
// the two is held at a time.
type GPUSurface struct {
	img     *gpu.Image
	desc    gpu.MemoryDescriptor
	hasDesc bool
	closed  bool
}

// NewGPUSurface wraps a live GPU image. The surface takes ownership:
// closing the surface frees the image.
func NewGPUSurface(img *gpu.Image) (*GPUSurface, error) {
	if img == nil {
		return nil, errors.New("backingstore: nil gpu image")
	}
	return &GPUSurface{img: img}, nil
}

// newGPUSurfaceFromDescriptor wraps a decoded descriptor. The surface
// takes ownership of the descriptor's handle.
func newGPUSurfaceFromDescriptor(desc gpu.MemoryDescriptor) *GPUSurface {
	return &GPUSurface{desc: desc, hasDesc: true}
}

// Kind returns KindGPUImage.
func (s *GPUSurface) Kind() SurfaceKind { return KindGPUImage }

// Width returns the image width in pixels.
func (s *GPUSurface) Width() int32 {
	switch {
	case s.img != nil:
		return s.img.Width()
	case s.hasDesc:
		return s.desc.Width
	default:
		return 0
	}
}

// Height returns the image height in pixels.
func (s *GPUSurface) Height() int32 {
	switch {
	case s.img != nil:
		return s.img.Height()
	case s.hasDesc:
		return s.desc.Height
	default:
		return 0
	}
}

// Materialized reports whether the surface holds a live device image.
// Freshly decoded surfaces report false until Materialize succeeds.
func (s *GPUSurface) Materialized() bool { return s.img != nil }

// Image returns the live device image, or nil before Materialize.
func (s *GPUSurface) Image() *gpu.Image { return s.img }

// Materialize imports the surface's memory descriptor on ctx, turning a
// decoded surface into a live device image. Materializing an already
// live surface is a no-op. The import consumes the descriptor: after a
// failed import there is nothing left to materialize and the surface
// should be closed.
func (s *GPUSurface) Materialize(ctx *gpu.Context) error {
	if s.closed {
		return ErrSurfaceClosed
	}
	if s.img != nil {
		return nil
	}
	if !s.hasDesc {
		return ErrUnsupported
	}
	desc := s.desc
	s.desc = gpu.MemoryDescriptor{}
	s.hasDesc = false
	img, err := gpu.Import(ctx, desc)
	if err != nil {
		return err
	}
	s.img = img
	return nil
}

// Descriptor exports the surface for transport. The caller owns the
// returned descriptor; the surface keeps its own reference and can be
// exported again.
func (s *GPUSurface) Descriptor() (gpu.MemoryDescriptor, error) {
	if s.closed {
		return gpu.MemoryDescriptor{}, ErrSurfaceClosed
	}
	if s.img != nil {
		return s.img.Descriptor()
	}
	if !s.hasDesc {
		return gpu.MemoryDescriptor{}, ErrUnsupported
	}
	h, err := s.desc.Handle.Dup()
	if err != nil {
		return gpu.MemoryDescriptor{}, err
	}
	return gpu.MemoryDescriptor{
		Handle:         h,
		AllocationSize: s.desc.AllocationSize,
		Width:          s.desc.Width,
		Height:         s.desc.Height,
	}, nil
}

// Pix always fails: GPU pixels are read through the GPU, not the CPU
// seam.
func (s *GPUSurface) Pix() ([]byte, error) {
	return nil, ErrUnsupported
}

// Close frees the device image or the undecoded descriptor, whichever
// is held. Close is idempotent.
func (s *GPUSurface) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.img != nil {
		s.img.Free()
		s.img = nil
	}
	var err error
	if s.hasDesc {
		err = s.desc.Close()
		s.hasDesc = false
	}
	return err
}

func (s *GPUSurface) surface() {}
