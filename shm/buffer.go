// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package shm implements shared-memory pixel buffers backed by anonymous
// memory files.
//
// A Buffer owns both a file descriptor, for transport to another process,
// and a writable mapping of the same pages, for local pixel access. The
// producer creates a buffer with Create and ships a duplicate of its handle;
// the consumer maps the received handle with FromHandle. Both sides then
// observe the same memory and no pixel data is copied in either direction.
package shm

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/gogpu/gputypes"
	"golang.org/x/image/draw"
	"golang.org/x/sys/unix"

	"github.com/gogpu/backingstore/wire"
)

// Common errors for shared-memory buffers.
var (
	// ErrInvalidDimensions is returned when width or height is non-positive
	// or the pixel data would not fit in addressable memory.
	ErrInvalidDimensions = errors.New("shm: invalid dimensions")

	// ErrInvalidFormat is returned when the pixel format is not supported.
	ErrInvalidFormat = errors.New("shm: unsupported pixel format")

	// ErrBufferClosed is returned when operating on a closed buffer.
	ErrBufferClosed = errors.New("shm: buffer closed")

	// ErrBufferTooSmall is returned by FromHandle when the shared file is
	// smaller than the pixel data the given dimensions require.
	ErrBufferTooSmall = errors.New("shm: shared buffer smaller than surface")
)

// bytesPerPixel is fixed: every supported format stores 32-bit pixels.
const bytesPerPixel = 4

func supportedFormat(format gputypes.TextureFormat) bool {
	switch format {
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatBGRA8Unorm:
		return true
	default:
		return false
	}
}

// pixelSize returns the byte size of a width x height surface, or an error
// if the dimensions are unusable.
func pixelSize(width, height int32) (uint64, error) {
	if width <= 0 || height <= 0 {
		return 0, ErrInvalidDimensions
	}
	size := uint64(width) * uint64(height) * bytesPerPixel
	if size > math.MaxInt {
		return 0, ErrInvalidDimensions
	}
	return size, nil
}

// Buffer is a shared-memory pixel buffer.
//
// Rows are tightly packed: the stride is always width*4 bytes. Buffer is
// not safe for concurrent use.
type Buffer struct {
	handle wire.Handle
	data   []byte
	width  int32
	height int32
	stride int
	format gputypes.TextureFormat
}

// Create allocates a new shared-memory buffer of width x height pixels.
// The backing pages are zero-filled.
func Create(width, height int32, format gputypes.TextureFormat) (*Buffer, error) {
	size, err := pixelSize(width, height)
	if err != nil {
		return nil, err
	}
	if !supportedFormat(format) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFormat, format)
	}

	fd, err := unix.MemfdCreate("gogpu-surface", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("shm: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("shm: ftruncate to %d bytes: %w", size, err)
	}
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("shm: mmap: %w", err)
	}

	return &Buffer{
		handle: wire.NewHandle(fd),
		data:   data,
		width:  width,
		height: height,
		stride: int(width) * bytesPerPixel,
		format: format,
	}, nil
}

// FromHandle maps an existing shared buffer received from another process.
// It takes ownership of h: the handle is consumed even when FromHandle
// returns an error.
//
// The underlying file must be at least width*height*4 bytes; shorter
// files are rejected with ErrBufferTooSmall before any mapping happens.
func FromHandle(h wire.Handle, width, height int32, format gputypes.TextureFormat) (*Buffer, error) {
	size, err := pixelSize(width, height)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	if !supportedFormat(format) {
		_ = h.Close()
		return nil, fmt.Errorf("%w: %d", ErrInvalidFormat, format)
	}
	if !h.Valid() {
		return nil, wire.ErrInvalidHandle
	}

	var st unix.Stat_t
	if err := unix.Fstat(h.FD(), &st); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("shm: fstat shared buffer: %w", err)
	}
	if st.Size < int64(size) {
		_ = h.Close()
		return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrBufferTooSmall, st.Size, size)
	}

	data, err := unix.Mmap(h.FD(), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("shm: mmap shared buffer: %w", err)
	}

	return &Buffer{
		handle: h,
		data:   data,
		width:  width,
		height: height,
		stride: int(width) * bytesPerPixel,
		format: format,
	}, nil
}

// Width returns the buffer width in pixels.
func (b *Buffer) Width() int32 {
	return b.width
}

// Height returns the buffer height in pixels.
func (b *Buffer) Height() int32 {
	return b.height
}

// Stride returns the number of bytes per row.
func (b *Buffer) Stride() int {
	return b.stride
}

// Format returns the pixel format.
func (b *Buffer) Format() gputypes.TextureFormat {
	return b.format
}

// Size returns the total size of the pixel data in bytes.
func (b *Buffer) Size() uint64 {
	return uint64(len(b.data))
}

// Pix returns the mapped pixel data. Writes are visible to every process
// that maps the same buffer. Returns nil after Close.
func (b *Buffer) Pix() []byte {
	return b.data
}

// Handle returns the buffer's file descriptor handle. The buffer keeps
// ownership; the caller must not close it. Use DupHandle to obtain a
// handle that outlives the buffer.
func (b *Buffer) Handle() wire.Handle {
	return b.handle
}

// DupHandle duplicates the buffer's handle for transport. The duplicate
// references the same shared pages; no pixel data is copied.
func (b *Buffer) DupHandle() (wire.Handle, error) {
	if !b.handle.Valid() {
		return wire.Handle{}, ErrBufferClosed
	}
	return b.handle.Dup()
}

// RGBA returns an image.RGBA view sharing the buffer's mapped memory.
// Mutating the view mutates the buffer and vice versa.
//
// The view reinterprets the bytes in place: for BGRA-ordered buffers the
// red and blue channels appear swapped. Per-channel operations such as
// scaling with draw.Src preserve byte order, so the view round-trips
// BGRA content losslessly.
//
// Returns nil after Close.
func (b *Buffer) RGBA() *image.RGBA {
	if b.data == nil {
		return nil
	}
	return &image.RGBA{
		Pix:    b.data,
		Stride: b.stride,
		Rect:   image.Rect(0, 0, int(b.width), int(b.height)),
	}
}

// ScaleTo scales the buffer's pixels into dst, covering dst's full bounds.
// Channel order is preserved byte for byte.
func (b *Buffer) ScaleTo(dst *image.RGBA) error {
	src := b.RGBA()
	if src == nil {
		return ErrBufferClosed
	}
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return nil
}

// Close unmaps the pixel data and releases the handle. Close is idempotent.
// Shared pages stay alive until every process that maps them has closed.
func (b *Buffer) Close() error {
	var first error
	if b.data != nil {
		if err := unix.Munmap(b.data); err != nil {
			first = fmt.Errorf("shm: munmap: %w", err)
		}
		b.data = nil
	}
	if err := b.handle.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
