package backingstore

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Manager errors.
var (
	// ErrManagerClosed is returned when operating on a closed manager.
	ErrManagerClosed = errors.New("backingstore: manager closed")

	// ErrNoSurfaces is returned when swapping before any allocation.
	ErrNoSurfaces = errors.New("backingstore: no surfaces allocated")

	// ErrInvalidSize is returned for non-positive resize dimensions.
	ErrInvalidSize = errors.New("backingstore: invalid surface size")
)

// State is the lifecycle state of the manager's backing stores.
type State uint8

const (
	// StateEmpty means no surfaces have been allocated yet.
	StateEmpty State = iota

	// StateAllocated means both slots hold surfaces at the settled size.
	StateAllocated

	// StateResizePending means a resize gesture is live: the debounce
	// timer is armed and the existing surfaces remain valid and in use.
	StateResizePending

	// StateResizing means slots are being replaced right now.
	StateResizing
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateAllocated:
		return "allocated"
	case StateResizePending:
		return "resize-pending"
	case StateResizing:
		return "resizing"
	default:
		return "unknown"
	}
}

// Slot pairs a surface with its identifier. Identifiers come from one
// per-manager monotonic counter, so a consumer holding an id can tell
// a stale surface from the current one.
type Slot struct {
	// ID is the surface identifier.
	ID uint64

	// Surface is the backing store in this slot.
	Surface Surface
}

// Stats contains manager lifecycle counters.
type Stats struct {
	// Allocations is the number of surfaces allocated.
	Allocations uint64

	// Reallocations is the number of resizes that replaced both slots.
	Reallocations uint64

	// DeferredResizes is the number of resize events absorbed by the
	// debounce timer instead of reallocating.
	DeferredResizes uint64

	// Swaps is the number of front/back exchanges.
	Swaps uint64
}

// String returns a human-readable string of manager stats.
func (s Stats) String() string {
	return fmt.Sprintf("BackingStores[%d allocs, %d reallocs, %d deferred, %d swaps]",
		s.Allocations,
		s.Reallocations,
		s.DeferredResizes,
		s.Swaps)
}

// Manager owns the two backing stores a renderer paints into: the front
// surface the compositor reads and the back surface the next frame is
// painted into. It allocates through a backend registry, so stores are
// GPU images where the device can export memory and shared-memory
// bitmaps everywhere else.
//
// Resizing is debounced: while a resize gesture is in progress the
// manager keeps the current (padded) stores and only reallocates once
// the gesture has been quiet for the debounce interval, so dragging a
// window edge does not thrash the allocator.
//
// All methods are safe for concurrent use.
type Manager struct {
	mu   sync.Mutex
	opts managerOptions

	// Slots
	front  Slot
	back   Slot
	width  int32 // allocated surface size
	height int32

	// Resize debounce
	pendingWidth  int32
	pendingHeight int32
	timer         *time.Timer
	timerGen      uint64

	// State
	state  State
	nextID uint64
	closed bool
	stats  Stats
}

// NewManager creates a manager with the given options. Without options
// it allocates shared-memory bitmaps from the global registry and
// settles resizes after DefaultDebounceInterval.
func NewManager(opts ...Option) *Manager {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = globalRegistry
	}
	if o.gpuCtx != nil {
		o.registry.Register(NewGPUBackend(o.gpuCtx), PriorityGPU)
	}
	return &Manager{opts: o}
}

// Resize adjusts the backing stores to width x height.
//
// inProgress marks events from a live resize gesture. Mid-gesture
// events do not reallocate: the manager records the latest size and
// (re)arms the debounce timer; the reallocation runs once, at the last
// recorded size, when the gesture stays quiet for the debounce
// interval. The first allocation of a gesture is padded by the
// configured headroom so small follow-up growth is absorbed.
//
// A settled resize (inProgress false) reallocates immediately at the
// exact size, or does nothing at all when the stores already have that
// size. Reallocation is all-or-nothing: on failure the previous
// surfaces remain valid and untouched.
func (m *Manager) Resize(width, height int32, inProgress bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidSize, width, height)
	}

	if m.state == StateEmpty {
		allocWidth, allocHeight := width, height
		if inProgress {
			allocWidth += m.opts.padding
			allocHeight += m.opts.padding
		}
		if err := m.reallocateLocked(allocWidth, allocHeight); err != nil {
			return err
		}
		if inProgress {
			m.pendingWidth, m.pendingHeight = width, height
			m.armTimerLocked()
			m.state = StateResizePending
		} else {
			m.state = StateAllocated
		}
		return nil
	}

	if inProgress {
		// Defer: remember the latest size, let the timer settle it.
		m.pendingWidth, m.pendingHeight = width, height
		m.armTimerLocked()
		m.state = StateResizePending
		m.stats.DeferredResizes++
		return nil
	}

	m.cancelTimerLocked()
	if width == m.width && height == m.height {
		// Idempotent: stores already have this size.
		m.state = StateAllocated
		return nil
	}

	m.state = StateResizing
	if err := m.reallocateLocked(width, height); err != nil {
		m.state = StateAllocated
		return err
	}
	m.state = StateAllocated
	return nil
}

// SwapBuffers exchanges the front and back stores without copying
// pixels. The back surface becomes the front, keeping the id it was
// painted under; the old front becomes the back under a fresh id.
// Returns the new front id. Front ids observed across successive swaps
// are strictly increasing.
func (m *Manager) SwapBuffers() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrManagerClosed
	}
	if m.state == StateEmpty {
		return 0, ErrNoSurfaces
	}

	old := m.front
	m.front = m.back
	m.back = Slot{ID: m.nextID, Surface: old.Surface}
	m.nextID++
	m.stats.Swaps++

	Logger().Debug("swapped backing stores",
		"front_id", m.front.ID, "back_id", m.back.ID)
	return m.front.ID, nil
}

// FrontID returns the id of the current front surface. Meaningful only
// after the first allocation.
func (m *Manager) FrontID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.front.ID
}

// Front returns the front slot. ok is false before the first
// allocation and after Close.
func (m *Manager) Front() (Slot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.front, m.front.Surface != nil
}

// Back returns the back slot. ok is false before the first allocation
// and after Close.
func (m *Manager) Back() (Slot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.back, m.back.Surface != nil
}

// Size returns the allocated surface dimensions, (0, 0) when empty.
// During a padded gesture allocation this is the padded size.
func (m *Manager) Size() (int32, int32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.width, m.height
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.stats
}

// Close cancels any pending resize and releases both surfaces.
// Close is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.cancelTimerLocked()

	var first error
	if m.front.Surface != nil {
		if err := m.front.Surface.Close(); err != nil {
			first = err
		}
		m.front = Slot{}
	}
	if m.back.Surface != nil {
		if err := m.back.Surface.Close(); err != nil && first == nil {
			first = err
		}
		m.back = Slot{}
	}
	m.width, m.height = 0, 0
	m.state = StateEmpty
	return first
}

// reallocateLocked replaces both slots with fresh surfaces at the given
// size. All-or-nothing: both allocations must succeed before either
// slot is touched; old surfaces are closed only after the replacement.
// Caller must hold mu.
func (m *Manager) reallocateLocked(width, height int32) error {
	frontSurface, err := m.opts.registry.Allocate(width, height)
	if err != nil {
		return err
	}
	backSurface, err := m.opts.registry.Allocate(width, height)
	if err != nil {
		_ = frontSurface.Close()
		return err
	}

	oldFront, oldBack := m.front.Surface, m.back.Surface
	m.front = Slot{ID: m.nextID, Surface: frontSurface}
	m.nextID++
	m.back = Slot{ID: m.nextID, Surface: backSurface}
	m.nextID++
	m.width, m.height = width, height
	m.stats.Allocations += 2
	if oldFront != nil || oldBack != nil {
		m.stats.Reallocations++
	} else {
		Logger().Info("backing store backend selected", "kind", frontSurface.Kind())
	}

	if oldFront != nil {
		_ = oldFront.Close()
	}
	if oldBack != nil {
		_ = oldBack.Close()
	}

	Logger().Debug("backing stores allocated",
		"width", width, "height", height,
		"front_id", m.front.ID, "back_id", m.back.ID,
		"kind", frontSurface.Kind())
	return nil
}

// armTimerLocked (re)starts the debounce timer. Each call invalidates
// any earlier scheduled fire, including one already in flight.
// Caller must hold mu.
func (m *Manager) armTimerLocked() {
	m.timerGen++
	gen := m.timerGen
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.opts.debounce, func() { m.settleResize(gen) })
}

// cancelTimerLocked stops the debounce timer and invalidates any fire
// already in flight. Caller must hold mu.
func (m *Manager) cancelTimerLocked() {
	m.timerGen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// settleResize runs when a resize gesture has stayed quiet for the
// debounce interval. gen identifies the timer arming that scheduled
// this fire; a stale fire is dropped.
func (m *Manager) settleResize(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || gen != m.timerGen || m.state != StateResizePending {
		return
	}
	if err := m.flushPendingLocked(); err != nil {
		Logger().Warn("deferred resize failed, keeping previous stores",
			"width", m.pendingWidth, "height", m.pendingHeight, "error", err)
	}
}

// flushPendingLocked settles the stores to the recorded pending size.
// If the stores already match, nothing is reallocated. Caller must hold
// mu with state == StateResizePending.
func (m *Manager) flushPendingLocked() error {
	if m.pendingWidth == m.width && m.pendingHeight == m.height {
		m.state = StateAllocated
		return nil
	}
	m.state = StateResizing
	if err := m.reallocateLocked(m.pendingWidth, m.pendingHeight); err != nil {
		m.state = StateResizePending
		return err
	}
	m.state = StateAllocated
	return nil
}
