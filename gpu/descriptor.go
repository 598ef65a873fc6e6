// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"fmt"

	"github.com/gogpu/backingstore/wire"
)

// MemoryDescriptor identifies an exported GPU allocation for transport to
// another process. Alongside the opaque memory handle it always carries
// the allocation size and the image shape, so the receiver can validate
// and reconstruct the image without trusting channel state.
type MemoryDescriptor struct {
	Handle         wire.Handle
	AllocationSize uint64
	Width          int32
	Height         int32
}

// Encode writes the descriptor to w. The codec duplicates the handle; the
// descriptor keeps its own and remains usable.
func (d *MemoryDescriptor) Encode(w *wire.Writer) error {
	w.Handle(d.Handle)
	w.Uint64(d.AllocationSize)
	w.Int32(d.Width)
	w.Int32(d.Height)
	return w.Error()
}

// DecodeMemoryDescriptor reads a descriptor from r and takes ownership of
// the transferred handle. A truncated or inconsistent payload yields
// wire.ErrMalformed with the handle closed.
func DecodeMemoryDescriptor(r *wire.Reader) (MemoryDescriptor, error) {
	h := r.Handle()
	size := r.Uint64()
	width := r.Int32()
	height := r.Int32()
	if err := r.Error(); err != nil {
		_ = h.Close()
		return MemoryDescriptor{}, err
	}
	if width <= 0 || height <= 0 || size == 0 {
		_ = h.Close()
		return MemoryDescriptor{}, fmt.Errorf("%w: descriptor %dx%d size %d",
			wire.ErrMalformed, width, height, size)
	}
	return MemoryDescriptor{
		Handle:         h,
		AllocationSize: size,
		Width:          width,
		Height:         height,
	}, nil
}

// Close releases the descriptor's handle if still owned. Close is
// idempotent.
func (d *MemoryDescriptor) Close() error {
	return d.Handle.Close()
}
