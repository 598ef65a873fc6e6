package backingstore

import (
	"time"

	"github.com/gogpu/backingstore/gpu"
)

// Default manager tuning.
const (
	// DefaultDebounceInterval is how long a live resize gesture must stay
	// quiet before the stores settle to their exact size.
	DefaultDebounceInterval = 3 * time.Second

	// DefaultResizePadding is the extra pixels added to each dimension
	// when allocating during a live resize, so small follow-up growth
	// does not force another allocation.
	DefaultResizePadding = 256
)

// Option configures a Manager during creation.
// Use functional options to customize Manager behavior.
//
// Example:
//
//	// Default: shared-memory bitmaps, 3s resize debounce
//	m := backingstore.NewManager()
//
//	// GPU-backed stores with a short debounce for tests
//	m := backingstore.NewManager(
//	    backingstore.WithGPUContext(ctx),
//	    backingstore.WithDebounceInterval(50*time.Millisecond),
//	)
type Option func(*managerOptions)

// managerOptions holds optional configuration for Manager creation.
type managerOptions struct {
	debounce time.Duration
	padding  int32
	registry *Registry
	gpuCtx   *gpu.Context
}

// defaultOptions returns the default manager options.
func defaultOptions() managerOptions {
	return managerOptions{
		debounce: DefaultDebounceInterval,
		padding:  DefaultResizePadding,
		registry: nil, // Will be set to the global registry if nil
	}
}

// WithDebounceInterval sets how long a resize gesture must stay quiet
// before the deferred reallocation runs. Values <= 0 are ignored.
//
// Tests use short intervals to exercise the settle path quickly.
func WithDebounceInterval(d time.Duration) Option {
	return func(o *managerOptions) {
		if d > 0 {
			o.debounce = d
		}
	}
}

// WithResizePadding sets the extra pixels added to each dimension when
// allocating mid-gesture. Zero disables padding; negative values are
// ignored.
func WithResizePadding(px int32) Option {
	return func(o *managerOptions) {
		if px >= 0 {
			o.padding = px
		}
	}
}

// WithRegistry sets the backend registry the manager allocates from.
// Use this to scope backends to one manager instead of the global
// registry (dependency injection for tests).
func WithRegistry(r *Registry) Option {
	return func(o *managerOptions) {
		if r != nil {
			o.registry = r
		}
	}
}

// WithGPUContext registers a GPU backend for the given context in the
// manager's registry, so allocations prefer exportable GPU images and
// fall back to shared-memory bitmaps when the device cannot provide
// them.
func WithGPUContext(ctx *gpu.Context) Option {
	return func(o *managerOptions) {
		o.gpuCtx = ctx
	}
}
