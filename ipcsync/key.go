// Package ipcsync manages the process-shared memory substrate: keyed
// create-or-attach of SysV shared memory segments, the first-attacher
// initialization handshake, and cooperative resizing. The robust mutex the
// breakers use lives in package semset.
package ipcsync

import (
	"crypto/sha1" //nolint:gosec // used only for deterministic key derivation, not for security
	"encoding/binary"
)

// DeriveKey computes the deterministic SysV IPC key for a resource name and
// a semaphore-set cardinality, so that independently-started processes that
// register the same resource converge on the same shared segments without
// any out-of-band coordination.
//
// key = truncate32(SHA1(name || "_NUM_SEMS_" || cardinality))
func DeriveKey(name string, cardinality int) uint32 {
	return deriveKey(name, "", cardinality)
}

// DeriveAuxiliaryKey derives the key for a secondary segment attached to a
// resource, such as its sliding window or PID state, by appending a suffix
// to the resource name before hashing.
func DeriveAuxiliaryKey(name string, suffix string, cardinality int) uint32 {
	return deriveKey(name, suffix, cardinality)
}

func deriveKey(name, suffix string, cardinality int) uint32 {
	h := sha1.New() //nolint:gosec
	h.Write([]byte(name))
	h.Write([]byte(suffix))
	h.Write([]byte("_NUM_SEMS_"))

	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(cardinality))
	h.Write(n[:])

	sum := h.Sum(nil)
	// Truncate to the native IPC key width (32 bits on Linux).
	return binary.BigEndian.Uint32(sum[:4])
}
