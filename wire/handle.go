// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package wire

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrInvalidHandle is returned when an operation requires a live handle.
var ErrInvalidHandle = errors.New("wire: invalid handle")

// Handle is an owned OS file descriptor with move-only semantics.
//
// Ownership is always exactly one-owner-at-a-time: a Handle is never
// duplicated implicitly. Dup creates a second reference to the same
// underlying resource, Close releases the reference, and Release surrenders
// the raw descriptor to APIs that consume file descriptors directly.
//
// The zero Handle is invalid.
type Handle struct {
	fd1 int // fd+1 so that the zero value is invalid
}

// NewHandle takes ownership of the given file descriptor.
// A negative fd yields an invalid Handle.
func NewHandle(fd int) Handle {
	if fd < 0 {
		return Handle{}
	}
	return Handle{fd1: fd + 1}
}

// Valid reports whether the handle owns a file descriptor.
func (h Handle) Valid() bool {
	return h.fd1 > 0
}

// FD returns the underlying file descriptor, or -1 if the handle is invalid.
// The handle keeps ownership; the caller must not close the returned fd.
func (h Handle) FD() int {
	return h.fd1 - 1
}

// Dup duplicates the handle. The duplicate references the same underlying
// resource as the original; no memory is copied. The new descriptor has
// close-on-exec set.
func (h Handle) Dup() (Handle, error) {
	if !h.Valid() {
		return Handle{}, ErrInvalidHandle
	}
	fd, err := unix.FcntlInt(uintptr(h.FD()), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return Handle{}, fmt.Errorf("wire: dup handle: %w", err)
	}
	return NewHandle(fd), nil
}

// Close releases the handle's file descriptor and invalidates the handle.
// Closing an invalid handle is a no-op.
func (h *Handle) Close() error {
	if !h.Valid() {
		return nil
	}
	fd := h.FD()
	h.fd1 = 0
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("wire: close handle: %w", err)
	}
	return nil
}

// Release surrenders ownership of the raw file descriptor and invalidates
// the handle. The caller becomes responsible for closing the returned fd.
// Releasing an invalid handle returns -1.
func (h *Handle) Release() int {
	if !h.Valid() {
		return -1
	}
	fd := h.FD()
	h.fd1 = 0
	return fd
}
