package ipctest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUniqueKeyIsStableAndDistinctPerTestName(t *testing.T) {
	require.Equal(t, UniqueKey(t), UniqueKey(t))

	t.Run("sub", func(t *testing.T) {
		require.NotEqual(t, UniqueKey(t), testKeyForName("TestUniqueKeyIsStableAndDistinctPerTestName"))
	})
}

func testKeyForName(name string) uint32 {
	var k uint32
	for _, r := range name {
		k = k*31 + uint32(r)
	}
	return k | testKeyBit
}
