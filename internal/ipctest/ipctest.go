// Package ipctest holds helpers shared by this module's own tests: a
// collision-resistant IPC key derivation so parallel test runs never
// collide on the same SysV key, and a mock clock constructor used by the
// breaker test suites.
package ipctest

import (
	"testing"

	"github.com/benbjohnson/clock"
)

// testKeyBit is set in every key this package derives. DeriveKey can also
// produce keys with this bit set, so it narrows but does not rule out a
// collision with a real resource's key.
const testKeyBit = 0x40000000

// UniqueKey derives a uint32 SysV IPC key from t.Name(), stable within a
// single test process and distinct across tests. It is not cryptographic —
// just enough spread that two tests in the same package never collide.
func UniqueKey(t *testing.T) uint32 {
	t.Helper()
	var k uint32
	for _, r := range t.Name() {
		k = k*31 + uint32(r)
	}
	return k | testKeyBit
}

// MockClock returns a fresh deterministic clock.Clock for tests that drive
// breaker timing without real sleeps.
func MockClock() *clock.Mock {
	return clock.NewMock()
}
