// Package window implements the fixed-capacity sliding window the classic
// circuit breaker derives its state from: a ring buffer of recent error
// timestamps with no stored transition variable, so state (CLOSED / OPEN /
// HALF_OPEN) is always recomputed from the window's contents plus the
// current time.
//
// The ring-cursor technique — two monotonically increasing cursors reduced
// to a physical index (here modulo the capacity) — is the same one joeycumines-go-utilpkg's
// catrate/ring.go uses for its rate limiter, adapted here from a growable
// power-of-two buffer to a fixed, non-growing capacity: the window never
// grows past MaxSize, it evicts the oldest entry instead (spec's ring
// buffer, not catrate's expanding one).
package window

import "github.com/canonical/faultkernel/ferrors"

// MaxSize is the hard ceiling on any Window's capacity.
const MaxSize = 1000

// Window is a ring buffer of Unix-nanosecond timestamps. It is safe to back
// with a slice carved out of a shared-memory segment: callers supply the
// storage (New) so the same buffer can be mapped by every process sharing
// a resource, or let the window own its own slice for in-process tests
// (NewInMemory).
type Window struct {
	buf  []int64
	r, w uint64 // monotonic cursors; physical index = cursor % len(buf)
}

// New wraps an existing, fixed-length buffer — typically a view into a
// shared memory segment's payload. The buffer's length becomes the
// window's capacity and never changes; Resize allocates (or is handed) a
// different buffer entirely.
func New(buf []int64) (*Window, error) {
	if len(buf) == 0 || len(buf) > MaxSize {
		return nil, &ferrors.InternalError{Reason: "window capacity must be between 1 and MaxSize"}
	}
	return &Window{buf: buf}, nil
}

// NewInMemory allocates its own backing storage, for tests and for callers
// that don't need cross-process sharing.
func NewInMemory(capacity int) (*Window, error) {
	if capacity <= 0 || capacity > MaxSize {
		return nil, &ferrors.InternalError{Reason: "window capacity must be between 1 and MaxSize"}
	}
	return &Window{buf: make([]int64, capacity)}, nil
}

func (w *Window) index(cursor uint64) uint64 {
	return cursor % uint64(len(w.buf))
}

// Cap returns this window's fixed capacity.
func (w *Window) Cap() int { return len(w.buf) }

// MaxSizeOf reports the configured capacity of this specific window
// instance, as distinct from the package-wide MaxSize ceiling — useful when
// several resources run windows of different sizes.
func (w *Window) MaxSizeOf() int { return w.Cap() }

// Size returns the number of entries currently held.
func (w *Window) Size() int { return int(w.w - w.r) }

// Clear empties the window without reallocating.
func (w *Window) Clear() {
	w.r, w.w = 0, 0
}

// Push appends v, evicting the oldest entry first if the window is full.
func (w *Window) Push(v int64) {
	if w.Size() == len(w.buf) {
		w.r++
	}
	w.buf[w.index(w.w)] = v
	w.w++
}

// Last returns the most recently pushed value, or ok == false if empty.
func (w *Window) Last() (v int64, ok bool) {
	if w.Size() == 0 {
		return 0, false
	}
	return w.buf[w.index(w.w-1)], true
}

// Values returns the window's contents oldest-first. The returned slice is
// a copy; mutating it has no effect on the window.
func (w *Window) Values() []int64 {
	n := w.Size()
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		out[i] = w.buf[w.index(w.r+uint64(i))]
	}
	return out
}

// RejectIf evicts entries from the oldest end for as long as pred reports
// true, then returns how many remain. It is the mechanism the classic
// breaker uses to expire timestamps that have aged out of the error window
// before counting what's left — evicting rather than merely skipping keeps
// Size() an accurate reflection of "errors within the window" on every
// subsequent call, not just this one.
func (w *Window) RejectIf(pred func(v int64) bool) int {
	for w.Size() > 0 && pred(w.buf[w.index(w.r)]) {
		w.r++
	}
	return w.Size()
}

// Resize copies the window's current contents — most-recent entries first
// from the tail, oldest entries dropped if they no longer fit — into a new
// backing buffer and adopts it. Used by the cooperative IPC resize
// protocol (ipcsync.Resize) once the new shared segment has been mapped;
// the meta-lock must already be held by the caller.
func (w *Window) Resize(newBuf []int64) error {
	if len(newBuf) == 0 || len(newBuf) > MaxSize {
		return &ferrors.InternalError{Reason: "window capacity must be between 1 and MaxSize"}
	}

	old := w.Values()
	if len(old) > len(newBuf) {
		old = old[len(old)-len(newBuf):]
	}

	w.buf = newBuf
	w.r, w.w = 0, 0
	for _, v := range old {
		w.buf[w.index(w.w)] = v
		w.w++
	}

	return nil
}
