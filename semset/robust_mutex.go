package semset

import (
	"sync/atomic"
	"time"
)

// dirty/clean values for the state word a RobustMutex guards. Kept small
// and unexported: callers only ever see Lock's consistent return value.
const (
	stateClean = 0
	stateDirty = 1
)

// RobustMutex emulates a pthread robust mutex's OWNER_DEAD/consistent()
// contract on top of a SEM_UNDO-protected semaphore. SEM_UNDO already gives
// the kernel-side half for free: if the holder dies, the semaphore's
// decrement is reversed automatically and the next Lock succeeds instead of
// wedging forever. What SEM_UNDO does not give us is a signal that the data
// the mutex protects was left mid-update — that's what the state word
// tracks: Lock marks it dirty before the caller touches shared state, and a
// clean Unlock clears it again. A Lock that finds the word already dirty
// knows the previous holder died inside the critical section.
type RobustMutex struct {
	set   *Set
	index int
	state *uint32 // lives in the shared segment the caller maps
}

// NewRobustMutex builds a RobustMutex over semaphore index in set, guarding
// the shared critical section whose dirty/clean flag is state. state must
// point into memory visible to every process sharing the resource (a word
// in an ipcsync segment's payload), and index's semaphore must already be
// seeded to 1 by the segment's first attacher.
func NewRobustMutex(set *Set, index int, state *uint32) *RobustMutex {
	return &RobustMutex{set: set, index: index, state: state}
}

// Lock blocks (up to timeout, zero meaning indefinitely) until the
// semaphore is acquired. consistent reports false when the previous holder
// died mid-critical-section — the caller must repair whatever shared
// invariant it was updating and then call Consistent before relying on the
// protected state.
func (m *RobustMutex) Lock(timeout time.Duration) (consistent bool, err error) {
	if err := m.set.Op(m.index, -1, OpUndo, timeout); err != nil {
		return false, err
	}

	wasDirty := atomic.LoadUint32(m.state) == stateDirty
	atomic.StoreUint32(m.state, stateDirty)

	return !wasDirty, nil
}

// Consistent clears the dirty flag after the caller has repaired shared
// state following a Lock that reported consistent == false. It must be
// called while still holding the lock.
func (m *RobustMutex) Consistent() {
	atomic.StoreUint32(m.state, stateClean)
}

// Unlock marks the critical section clean and releases the semaphore. It
// must only be called by the current holder.
func (m *RobustMutex) Unlock() error {
	atomic.StoreUint32(m.state, stateClean)
	return m.set.Op(m.index, 1, OpUndo, 0)
}
