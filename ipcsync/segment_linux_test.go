//go:build linux

package ipcsync

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/canonical/faultkernel/internal/ipctest"
)

func testKey(t *testing.T) uint32 {
	return ipctest.UniqueKey(t)
}

func TestGetOrCreateFirstAttacherCreates(t *testing.T) {
	m := &Manager{Perm: 0o600}
	seg, created, err := m.GetOrCreate(testKey(t), 64)
	require.NoError(t, err)
	require.True(t, created)
	t.Cleanup(func() {
		_ = seg.Detach()
		_ = seg.MarkForDeletion()
	})
}

func TestGetOrCreateFollowerAttaches(t *testing.T) {
	m := &Manager{Perm: 0o600}
	key := testKey(t)

	first, created, err := m.GetOrCreate(key, 64)
	require.NoError(t, err)
	require.True(t, created)
	t.Cleanup(func() {
		_ = first.Detach()
		_ = first.MarkForDeletion()
	})

	second, created, err := m.GetOrCreate(key, 64)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)
}

func TestEnsureInitializedPublishesFirstAttacherWrites(t *testing.T) {
	m := &Manager{Perm: 0o600}
	key := testKey(t)

	creator, created, err := m.GetOrCreate(key, 64)
	require.NoError(t, err)
	require.True(t, created)
	t.Cleanup(func() {
		_ = creator.Detach()
		_ = creator.MarkForDeletion()
	})

	data, err := creator.Attach()
	require.NoError(t, err)

	err = creator.EnsureInitialized(true, func(newPtr []byte, newSize int, old []byte, oldSize int, prevAttach int) error {
		copy(newPtr, []byte("seeded"))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "seeded", string(data[:6]))

	follower, created, err := m.GetOrCreate(key, 64)
	require.NoError(t, err)
	require.False(t, created)

	followerData, err := follower.Attach()
	require.NoError(t, err)
	t.Cleanup(func() { _ = follower.Detach() })

	err = follower.EnsureInitialized(false, nil)
	require.NoError(t, err)
	require.Equal(t, "seeded", string(followerData[:6]))
}

func TestResizePreservesDataAndGrows(t *testing.T) {
	m := &Manager{Perm: 0o600}
	key := testKey(t)

	seg, created, err := m.GetOrCreate(key, 32)
	require.NoError(t, err)
	require.True(t, created)

	data, err := seg.Attach()
	require.NoError(t, err)

	err = seg.EnsureInitialized(true, func(newPtr []byte, newSize int, old []byte, oldSize int, prevAttach int) error {
		copy(newPtr, []byte("original"))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "original", string(data[:8]))

	grown, err := Resize(m, key, seg, 128, func(newPtr []byte, newSize int, old []byte, oldSize int, prevAttach int) error {
		require.Equal(t, "original", string(old[:8]))
		copy(newPtr, old)
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = grown.Detach()
		_ = grown.MarkForDeletion()
	})

	require.Equal(t, "original", string(grown.data[headerSize:headerSize+8]))
	require.Equal(t, 128, grown.Size)
}
