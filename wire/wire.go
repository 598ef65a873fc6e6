// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package wire implements the binary codec used to move rendering surfaces
// between the renderer and compositor processes.
//
// Scalars are encoded little-endian with fixed widths. OS handles never
// enter the byte stream: they travel on a separate handle rail, matching
// how SCM_RIGHTS control messages carry file descriptors next to a payload.
// Both ends of the protocol are built from the same source, so there is no
// version negotiation; any deviation from the expected layout is malformed
// input, not a recoverable condition.
//
// Writer and Reader are sticky: the first failure is retained and every
// subsequent operation becomes a no-op returning zero values. Callers check
// Error once per message instead of after every field.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrMalformed is returned for every malformed-input condition: truncated
// fields, an exhausted handle rail, or values rejected by a higher-level
// protocol. Use errors.Is to classify decode failures.
var ErrMalformed = errors.New("wire: malformed data")

// Writer encodes fixed-width scalars to an io.Writer and collects duplicated
// handles on the rail. The zero Writer is not usable; call NewWriter.
type Writer struct {
	w       io.Writer
	handles []Handle
	tmp     [8]byte
	err     error
}

// NewWriter returns a Writer encoding to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Error returns the first error encountered, or nil.
func (w *Writer) Error() error {
	return w.err
}

// SetError records an error, making all subsequent operations no-ops.
// The first recorded error wins.
func (w *Writer) SetError(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *Writer) data(p []byte) {
	if w.err != nil {
		return
	}
	n, err := w.w.Write(p)
	if err != nil {
		w.err = fmt.Errorf("wire: write: %w", err)
	} else if n != len(p) {
		w.err = fmt.Errorf("wire: write: %w", io.ErrShortWrite)
	}
}

// Bool encodes v as a single byte, 1 for true and 0 for false.
func (w *Writer) Bool(v bool) {
	if v {
		w.Uint8(1)
	} else {
		w.Uint8(0)
	}
}

// Uint8 encodes a single byte.
func (w *Writer) Uint8(v uint8) {
	w.tmp[0] = v
	w.data(w.tmp[:1])
}

// Uint32 encodes a little-endian 32-bit unsigned integer.
func (w *Writer) Uint32(v uint32) {
	if w.err != nil {
		return
	}
	binary.LittleEndian.PutUint32(w.tmp[:], v)
	w.data(w.tmp[:4])
}

// Int32 encodes a little-endian 32-bit signed integer.
func (w *Writer) Int32(v int32) {
	w.Uint32(uint32(v))
}

// Uint64 encodes a little-endian 64-bit unsigned integer.
func (w *Writer) Uint64(v uint64) {
	if w.err != nil {
		return
	}
	binary.LittleEndian.PutUint64(w.tmp[:], v)
	w.data(w.tmp[:8])
}

// Handle duplicates h and appends the duplicate to the handle rail. The
// caller's handle remains owned by the caller and stays usable after the
// message is sent; only the duplicate is transferred.
func (w *Writer) Handle(h Handle) {
	if w.err != nil {
		return
	}
	d, err := h.Dup()
	if err != nil {
		w.err = fmt.Errorf("wire: encode handle: %w", err)
		return
	}
	w.handles = append(w.handles, d)
}

// Handles transfers the accumulated handle rail to the caller and clears it.
// The caller owns the returned handles and must either transmit them or
// close them. After an encode error the rail may hold duplicates of a
// partially written message; those still need closing.
func (w *Writer) Handles() []Handle {
	hs := w.handles
	w.handles = nil
	return hs
}

// Reader decodes fixed-width scalars from an io.Reader and hands out owned
// handles from the rail. The zero Reader is not usable; call NewReader.
type Reader struct {
	r       io.Reader
	handles []Handle
	tmp     [8]byte
	err     error
}

// NewReader returns a Reader decoding from r. The Reader takes ownership of
// the given handles; any not claimed via Handle are released by Close.
func NewReader(r io.Reader, handles ...Handle) *Reader {
	return &Reader{r: r, handles: handles}
}

// Error returns the first error encountered, or nil.
func (r *Reader) Error() error {
	return r.err
}

// SetError records an error, making all subsequent operations no-ops.
// The first recorded error wins.
func (r *Reader) SetError(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) data(p []byte) {
	if r.err != nil {
		return
	}
	if _, err := io.ReadFull(r.r, p); err != nil {
		r.err = fmt.Errorf("%w: short read (%v)", ErrMalformed, err)
	}
}

// Bool decodes a single byte as a boolean; any nonzero value is true.
func (r *Reader) Bool() bool {
	return r.Uint8() != 0
}

// Uint8 decodes a single byte.
func (r *Reader) Uint8() uint8 {
	r.data(r.tmp[:1])
	if r.err != nil {
		return 0
	}
	return r.tmp[0]
}

// Uint32 decodes a little-endian 32-bit unsigned integer.
func (r *Reader) Uint32() uint32 {
	r.data(r.tmp[:4])
	if r.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(r.tmp[:4])
}

// Int32 decodes a little-endian 32-bit signed integer.
func (r *Reader) Int32() int32 {
	return int32(r.Uint32())
}

// Uint64 decodes a little-endian 64-bit unsigned integer.
func (r *Reader) Uint64() uint64 {
	r.data(r.tmp[:8])
	if r.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(r.tmp[:8])
}

// Handle pops the next handle from the rail, transferring ownership to the
// caller. The caller becomes solely responsible for eventually closing it.
// An exhausted rail is malformed input.
func (r *Reader) Handle() Handle {
	if r.err != nil {
		return Handle{}
	}
	if len(r.handles) == 0 {
		r.err = fmt.Errorf("%w: handle rail exhausted", ErrMalformed)
		return Handle{}
	}
	h := r.handles[0]
	r.handles = r.handles[1:]
	return h
}

// Close releases any handles left on the rail. Decoders that fail mid-message
// call Close so transferred descriptors are not leaked. Close is idempotent
// and does not affect the sticky error state.
func (r *Reader) Close() error {
	var first error
	for i := range r.handles {
		if err := r.handles[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	r.handles = nil
	return first
}
