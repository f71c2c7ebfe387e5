//go:build linux

package semset

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRobustMutexCleanLockUnlockRoundTrip(t *testing.T) {
	s := mustCreate(t, Cardinality)
	require.NoError(t, s.SetVal(IdxMetaLock, 1))

	var state uint32
	m := NewRobustMutex(s, IdxMetaLock, &state)

	consistent, err := m.Lock(0)
	require.NoError(t, err)
	require.True(t, consistent)
	require.Equal(t, uint32(stateDirty), atomic.LoadUint32(&state))

	require.NoError(t, m.Unlock())
	require.Equal(t, uint32(stateClean), atomic.LoadUint32(&state))

	consistent, err = m.Lock(0)
	require.NoError(t, err)
	require.True(t, consistent)
	require.NoError(t, m.Unlock())
}

// TestRobustMutexDetectsDirtyHandoff simulates a holder that died inside the
// critical section: the semaphore was released (as SEM_UNDO would do on
// process exit) but the dirty flag was never cleared. The next locker must
// observe consistent == false and only proceed after calling Consistent.
func TestRobustMutexDetectsDirtyHandoff(t *testing.T) {
	s := mustCreate(t, Cardinality)
	require.NoError(t, s.SetVal(IdxMetaLock, 1))

	var state uint32
	m := NewRobustMutex(s, IdxMetaLock, &state)

	consistent, err := m.Lock(0)
	require.NoError(t, err)
	require.True(t, consistent)

	// Simulate the kernel's undo reversing the decrement on process death,
	// without the dirty flag ever being cleared.
	require.NoError(t, s.Op(IdxMetaLock, 1, 0, 0))

	consistent, err = m.Lock(0)
	require.NoError(t, err)
	require.False(t, consistent, "dirty flag left by the dead holder must surface")

	m.Consistent()

	require.NoError(t, m.Unlock())
	require.Equal(t, uint32(stateClean), atomic.LoadUint32(&state))
}
