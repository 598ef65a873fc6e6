// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package backingstore

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/backingstore/gpu"
	"github.com/gogpu/backingstore/shm"
	"github.com/gogpu/backingstore/wire"
)

// ErrInvalidFormat is returned when a decoded bitmap carries a pixel
// format outside the supported set.
var ErrInvalidFormat = errors.New("backingstore: invalid pixel format")

// Pixel format codes on the wire. These are fixed protocol values,
// independent of the gputypes enum, so the wire layout cannot shift
// underneath a peer built against a different gputypes release.
const (
	wireFormatRGBA8 uint32 = 1
	wireFormatBGRA8 uint32 = 2
)

// formatToWire maps a texture format to its wire code.
func formatToWire(format gputypes.TextureFormat) (uint32, error) {
	switch format {
	case gputypes.TextureFormatRGBA8Unorm:
		return wireFormatRGBA8, nil
	case gputypes.TextureFormatBGRA8Unorm:
		return wireFormatBGRA8, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidFormat, format)
	}
}

// formatFromWire maps a wire code back to a texture format.
func formatFromWire(code uint32) (gputypes.TextureFormat, error) {
	switch code {
	case wireFormatRGBA8:
		return gputypes.TextureFormatRGBA8Unorm, nil
	case wireFormatBGRA8:
		return gputypes.TextureFormatBGRA8Unorm, nil
	default:
		return gputypes.TextureFormatUndefined, fmt.Errorf("%w: wire code %d", ErrInvalidFormat, code)
	}
}

// EncodeSurface writes s to w as a tagged union: a one-byte kind
// discriminant followed by the variant payload.
//
// A bitmap encodes its validity flag and, when valid, a duplicated
// buffer handle plus width, height and pixel format. The empty bitmap
// encodes as the flag alone. A GPU surface encodes its full memory
// descriptor, so the receiver can import the image without any side
// channel. Encoding never consumes the surface: the same surface can
// be sent to any number of peers.
func EncodeSurface(w *wire.Writer, s Surface) error {
	switch v := s.(type) {
	case *BitmapSurface:
		if !v.Valid() {
			w.Uint8(uint8(KindBitmap))
			w.Bool(false)
			return w.Error()
		}
		code, err := formatToWire(v.buf.Format())
		if err != nil {
			w.SetError(err)
			return err
		}
		w.Uint8(uint8(KindBitmap))
		w.Bool(true)
		w.Handle(v.buf.Handle())
		w.Int32(v.buf.Width())
		w.Int32(v.buf.Height())
		w.Uint32(code)
		return w.Error()

	case *GPUSurface:
		desc, err := v.Descriptor()
		if err != nil {
			w.SetError(err)
			return err
		}
		w.Uint8(uint8(KindGPUImage))
		err = desc.Encode(w)
		_ = desc.Close()
		return err

	default:
		err := fmt.Errorf("backingstore: cannot encode surface kind %d", s.Kind())
		w.SetError(err)
		return err
	}
}

// DecodeSurface reads one surface from r. The decoder takes ownership
// of any handle the payload carries: on success it belongs to the
// returned surface, on failure it is closed.
//
// A tag outside the known set is a protocol violation, not a
// recoverable default: DecodeSurface fails with wire.ErrMalformed,
// poisons the reader and reads no further bytes.
func DecodeSurface(r *wire.Reader) (Surface, error) {
	tag := r.Uint8()
	if err := r.Error(); err != nil {
		return nil, err
	}
	switch SurfaceKind(tag) {
	case KindBitmap:
		return decodeBitmapSurface(r)
	case KindGPUImage:
		desc, err := gpu.DecodeMemoryDescriptor(r)
		if err != nil {
			return nil, err
		}
		return newGPUSurfaceFromDescriptor(desc), nil
	default:
		err := fmt.Errorf("%w: unknown surface tag %d", wire.ErrMalformed, tag)
		r.SetError(err)
		return nil, err
	}
}

func decodeBitmapSurface(r *wire.Reader) (Surface, error) {
	valid := r.Bool()
	if err := r.Error(); err != nil {
		return nil, err
	}
	if !valid {
		return &BitmapSurface{}, nil
	}

	// The handle comes off the rail before the format is validated, so
	// a rejected payload still has its fd closed here.
	h := r.Handle()
	width := r.Int32()
	height := r.Int32()
	code := r.Uint32()
	if err := r.Error(); err != nil {
		_ = h.Close()
		return nil, err
	}
	format, err := formatFromWire(code)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	buf, err := shm.FromHandle(h, width, height, format)
	if err != nil {
		return nil, err
	}
	return &BitmapSurface{buf: buf}, nil
}
