// Package backingstore manages the shared rendering surfaces exchanged
// between a renderer process and its compositor.
//
// # Overview
//
// backingstore allocates double-buffered backing stores, ships them
// across a process boundary as file descriptors, and recycles them on
// resize. Stores are GPU images when the device can export memory
// (zero-copy handoff via external memory fds) and shared-memory bitmaps
// everywhere else; the two variants travel over the same tagged wire
// encoding, so the compositor does not care which one it received.
//
// # Quick Start
//
//	import "github.com/gogpu/backingstore"
//
//	// Renderer side: allocate and paint
//	m := backingstore.NewManager()
//	defer m.Close()
//
//	m.Resize(800, 600, false)
//	back, _ := m.Back()
//	paint(back.Surface)
//	id, _ := m.SwapBuffers()
//
//	// Ship the new front surface to the compositor
//	front, _ := m.Front()
//	backingstore.EncodeSurface(w, front.Surface)
//
// # GPU Surfaces
//
// With a GPU context, stores are device images allocated with
// exportable memory. The exported descriptor carries the opaque fd plus
// the allocation size and image shape, which is everything the peer
// needs to import the same memory on its own device:
//
//	ctx, err := gpu.NewContext()
//	if err == nil {
//	    m = backingstore.NewManager(backingstore.WithGPUContext(ctx))
//	}
//
// A GPU allocation failure falls back to shared-memory bitmaps, so the
// pipeline keeps working on machines without the capability.
//
// # Resize Debouncing
//
// Interactive resizes arrive as a stream of events. Mid-gesture events
// never reallocate: the manager records the latest size and settles
// once the gesture has been quiet for the debounce interval, padding
// the first allocation so small follow-up growth is free.
//
// # Architecture
//
// The module is organized into:
//   - Root: Surface union, wire codec, backend registry, Manager
//   - wire: fd-carrying message encoding over Unix sockets
//   - shm: shared-memory pixel buffers
//   - gpu: Vulkan context and exportable image memory
package backingstore

// Version information
const (
	// Version is the current version of the library
	Version = "0.1.0"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 1

	// VersionPatch is the patch version
	VersionPatch = 0
)
