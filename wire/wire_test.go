// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package wire

import (
	"bytes"
	"errors"
	"testing"

	"golang.org/x/sys/unix"
)

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	w.Bool(true)
	w.Bool(false)
	w.Uint8(0xAB)
	w.Uint32(0xDEADBEEF)
	w.Int32(-640)
	w.Uint64(1 << 40)
	if err := w.Error(); err != nil {
		t.Fatalf("Writer.Error() = %v, want nil", err)
	}

	r := NewReader(&buf)
	if got := r.Bool(); got != true {
		t.Errorf("Bool() = %v, want true", got)
	}
	if got := r.Bool(); got != false {
		t.Errorf("Bool() = %v, want false", got)
	}
	if got := r.Uint8(); got != 0xAB {
		t.Errorf("Uint8() = %#x, want 0xab", got)
	}
	if got := r.Uint32(); got != 0xDEADBEEF {
		t.Errorf("Uint32() = %#x, want 0xdeadbeef", got)
	}
	if got := r.Int32(); got != -640 {
		t.Errorf("Int32() = %d, want -640", got)
	}
	if got := r.Uint64(); got != 1<<40 {
		t.Errorf("Uint64() = %d, want %d", got, uint64(1)<<40)
	}
	if err := r.Error(); err != nil {
		t.Errorf("Reader.Error() = %v, want nil", err)
	}
}

func TestLittleEndianLayout(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.Uint32(0x01020304)

	want := []byte{0x04, 0x03, 0x02, 0x01}
	if got := buf.Bytes(); !bytes.Equal(got, want) {
		t.Errorf("Uint32 layout = %v, want %v", got, want)
	}
}

func TestReaderShortRead(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		read func(*Reader)
	}{
		{"empty uint8", nil, func(r *Reader) { r.Uint8() }},
		{"truncated uint32", []byte{1, 2}, func(r *Reader) { r.Uint32() }},
		{"truncated uint64", []byte{1, 2, 3, 4, 5}, func(r *Reader) { r.Uint64() }},
		{"truncated int32", []byte{7}, func(r *Reader) { r.Int32() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(bytes.NewReader(tt.data))
			tt.read(r)
			if err := r.Error(); !errors.Is(err, ErrMalformed) {
				t.Errorf("Error() = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestReaderSticky(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{0x01}))
	r.Uint32() // fails: only one byte available
	first := r.Error()
	if !errors.Is(first, ErrMalformed) {
		t.Fatalf("Error() = %v, want ErrMalformed", first)
	}

	// Every later read is a no-op zero value and the first error sticks.
	if got := r.Uint64(); got != 0 {
		t.Errorf("Uint64() after error = %d, want 0", got)
	}
	if got := r.Bool(); got != false {
		t.Errorf("Bool() after error = %v, want false", got)
	}
	if err := r.Error(); err != first {
		t.Errorf("Error() = %v, want first error %v preserved", err, first)
	}
}

// failWriter fails every write after the first n bytes.
type failWriter struct {
	n       int
	written int
}

func (f *failWriter) Write(p []byte) (int, error) {
	if f.written+len(p) > f.n {
		return 0, errors.New("sink full")
	}
	f.written += len(p)
	return len(p), nil
}

func TestWriterSticky(t *testing.T) {
	w := NewWriter(&failWriter{n: 4})
	w.Uint32(1) // fits
	if err := w.Error(); err != nil {
		t.Fatalf("Error() after first write = %v, want nil", err)
	}
	w.Uint32(2) // fails
	first := w.Error()
	if first == nil {
		t.Fatal("Error() = nil after failed write, want error")
	}
	w.Uint64(3)
	if err := w.Error(); err != first {
		t.Errorf("Error() = %v, want first error %v preserved", err, first)
	}
}

func TestSetError(t *testing.T) {
	sentinel := errors.New("protocol violation")

	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.SetError(sentinel)
	w.Uint32(7)
	if buf.Len() != 0 {
		t.Errorf("wrote %d bytes after SetError, want 0", buf.Len())
	}
	if err := w.Error(); err != sentinel {
		t.Errorf("Writer.Error() = %v, want %v", err, sentinel)
	}

	r := NewReader(bytes.NewReader([]byte{1, 2, 3, 4}))
	r.SetError(sentinel)
	if got := r.Uint32(); got != 0 {
		t.Errorf("Uint32() after SetError = %d, want 0", got)
	}
	if err := r.Error(); err != sentinel {
		t.Errorf("Reader.Error() = %v, want %v", err, sentinel)
	}
}

func TestHandleRail(t *testing.T) {
	r, wfd := newPipe(t)
	defer unix.Close(wfd)

	orig := NewHandle(r)
	defer orig.Close()

	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.Uint32(99)
	w.Handle(orig)
	if err := w.Error(); err != nil {
		t.Fatalf("Writer.Error() = %v, want nil", err)
	}

	// Encoding duplicates: the original stays owned and usable.
	if !orig.Valid() {
		t.Fatal("original handle invalid after encode, want still valid")
	}

	rail := w.Handles()
	if len(rail) != 1 {
		t.Fatalf("len(Handles()) = %d, want 1", len(rail))
	}
	if rail[0].FD() == orig.FD() {
		t.Errorf("rail fd = original fd %d, want a duplicate", orig.FD())
	}
	if got := w.Handles(); len(got) != 0 {
		t.Errorf("second Handles() returned %d handles, want 0", len(got))
	}

	rd := NewReader(&buf, rail...)
	defer rd.Close()
	if got := rd.Uint32(); got != 99 {
		t.Errorf("Uint32() = %d, want 99", got)
	}
	h := rd.Handle()
	if !h.Valid() {
		t.Fatal("decoded handle invalid, want valid")
	}
	defer h.Close()

	// The rail held exactly one handle; a second claim is malformed input.
	rd.Handle()
	if err := rd.Error(); !errors.Is(err, ErrMalformed) {
		t.Errorf("Error() after rail exhaustion = %v, want ErrMalformed", err)
	}
}

func TestReaderCloseReleasesRail(t *testing.T) {
	r, wfd := newPipe(t)
	defer unix.Close(wfd)

	h := NewHandle(r)
	rd := NewReader(bytes.NewReader(nil), h)
	if err := rd.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := rd.Close(); err != nil {
		t.Errorf("second Close() error = %v, want nil", err)
	}

	// The rail handle's descriptor is gone.
	if _, err := unix.FcntlInt(uintptr(r), unix.F_GETFD, 0); err == nil {
		t.Error("rail fd still open after Close, want closed")
	}
}
