//go:build linux

// Package semset wraps a SysV semaphore set: the cross-process counters
// backing ticket accounting, worker registration, and the meta-lock that
// guards cooperative resizes. golang.org/x/sys/unix does not wrap the
// semaphore family of syscalls, so this package makes them directly, the
// same way the shared-memory calls in ipcsync go straight through
// golang.org/x/sys/unix rather than cgo.
package semset

import (
	"errors"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/canonical/faultkernel/ferrors"
)

// Semaphore indices every resource's set carries. Declared once here so
// every package that reads or writes a resource's semaphore set agrees on
// its layout.
const (
	IdxTickets = iota
	IdxConfiguredTickets
	IdxMetaLock
	IdxRegisteredWorkers
	IdxConfiguredWorkers
	Cardinality
)

// Linux semctl commands (include/uapi/linux/sem.h). Not exported by
// golang.org/x/sys/unix.
const (
	getPid   = 11
	getVal   = 12
	getAll   = 13
	setVal   = 16
	setAll   = 17
	semUndo  = 0x1000
)

// OpFlag controls the semantics of a single semaphore operation.
type OpFlag int

const (
	// OpUndo asks the kernel to reverse this operation's effect on the
	// semaphore automatically if the calling process dies before an
	// explicit matching op — the primitive RobustMutex is built on.
	OpUndo OpFlag = 1 << iota
	// OpNoWait fails immediately with ferrors.BusyError instead of
	// blocking when the operation cannot proceed.
	OpNoWait
)

// sembuf mirrors struct sembuf (include/uapi/linux/sem.h): 2-byte aligned,
// no padding, matching the kernel ABI on every Linux architecture this
// module targets.
type sembuf struct {
	semNum uint16
	semOp  int16
	semFlg int16
}

// Set is a handle to a SysV semaphore set.
type Set struct {
	ID    int
	Key   uint32
	Nsems int
}

// Create makes or attaches the semaphore set for key. The returned bool
// reports whether this call created it — the caller is then responsible
// for seeding every index with SetAll before anyone else can observe it.
func Create(key uint32, nsems int, perm uint32) (*Set, bool, error) {
	id, _, errno := unix.Syscall(unix.SYS_SEMGET, uintptr(key), uintptr(nsems), uintptr(int(unix.IPC_CREAT)|int(unix.IPC_EXCL)|int(perm)))
	if errno == 0 {
		return &Set{ID: int(id), Key: key, Nsems: nsems}, true, nil
	}

	if !errors.Is(errno, unix.EEXIST) {
		return nil, false, &ferrors.SyscallError{Op: "semget(create)", Err: errno}
	}

	s, err := Open(key, nsems)
	if err != nil {
		return nil, false, err
	}

	return s, false, nil
}

// Open attaches an existing semaphore set without attempting to create it.
func Open(key uint32, nsems int) (*Set, error) {
	id, _, errno := unix.Syscall(unix.SYS_SEMGET, uintptr(key), uintptr(nsems), 0)
	if errno != 0 {
		return nil, &ferrors.SyscallError{Op: "semget(open)", Err: errno}
	}

	return &Set{ID: int(id), Key: key, Nsems: nsems}, nil
}

// Op applies a single operation to the semaphore at index, blocking up to
// timeout (zero means block indefinitely) unless OpNoWait is set.
func (s *Set) Op(index int, delta int16, flags OpFlag, timeout time.Duration) error {
	var flg int16
	if flags&OpUndo != 0 {
		flg |= semUndo
	}
	if flags&OpNoWait != 0 {
		flg |= int16(unix.IPC_NOWAIT)
	}

	sops := [1]sembuf{{semNum: uint16(index), semOp: delta, semFlg: flg}}

	var errno unix.Errno
	if timeout > 0 {
		ts := unix.NsecToTimespec(timeout.Nanoseconds())
		_, _, errno = unix.Syscall6(unix.SYS_SEMTIMEDOP, uintptr(s.ID), uintptr(unsafe.Pointer(&sops[0])), 1, uintptr(unsafe.Pointer(&ts)), 0, 0)
	} else {
		_, _, errno = unix.Syscall(unix.SYS_SEMOP, uintptr(s.ID), uintptr(unsafe.Pointer(&sops[0])), 1)
	}

	if errno == 0 {
		return nil
	}

	if errors.Is(errno, unix.EAGAIN) {
		return &ferrors.BusyError{}
	}
	if errors.Is(errno, unix.EIDRM) || errors.Is(errno, unix.EINVAL) {
		return &ferrors.RecoverableSyscallError{Op: "semop", Err: errno}
	}

	return &ferrors.SyscallError{Op: "semop", Err: errno}
}

// MetaLock acquires the set's meta-lock index with SEM_UNDO, so an
// abruptly-killed process holding it during a resize releases it instead
// of wedging every other process that shares the resource.
func (s *Set) MetaLock(timeout time.Duration) error {
	return s.Op(IdxMetaLock, -1, OpUndo, timeout)
}

// MetaUnlock releases the meta-lock acquired by MetaLock.
func (s *Set) MetaUnlock() error {
	return s.Op(IdxMetaLock, 1, OpUndo, 0)
}

// SetVal sets a single semaphore's value directly (semctl SETVAL), used to
// seed or re-seed counters — ticket pools, worker counts — outside of the
// increment/decrement protocol.
func (s *Set) SetVal(index int, val int) error {
	_, _, errno := unix.Syscall6(unix.SYS_SEMCTL, uintptr(s.ID), uintptr(index), setVal, uintptr(val), 0, 0)
	if errno != 0 {
		return &ferrors.SyscallError{Op: "semctl(SETVAL)", Err: errno}
	}
	return nil
}

// GetVal reads a single semaphore's current value (semctl GETVAL).
func (s *Set) GetVal(index int) (int, error) {
	r, _, errno := unix.Syscall6(unix.SYS_SEMCTL, uintptr(s.ID), uintptr(index), getVal, 0, 0, 0)
	if errno != 0 {
		return 0, &ferrors.SyscallError{Op: "semctl(GETVAL)", Err: errno}
	}
	return int(r), nil
}

// SetAll seeds every semaphore in the set atomically (semctl SETALL). Only
// the first attacher should call this. Nothing in this package makes a
// follower wait for the seed: a follower that opens the set before SetAll
// runs reads zero counters, and a blocking op on it (such as MetaLock)
// waits, up to its timeout, until the seed raises that semaphore.
func (s *Set) SetAll(vals []uint16) error {
	if len(vals) != s.Nsems {
		return &ferrors.InternalError{Reason: "SetAll: value count does not match semaphore set cardinality"}
	}

	_, _, errno := unix.Syscall6(unix.SYS_SEMCTL, uintptr(s.ID), 0, setAll, uintptr(unsafe.Pointer(&vals[0])), 0, 0)
	if errno != 0 {
		return &ferrors.SyscallError{Op: "semctl(SETALL)", Err: errno}
	}
	return nil
}

// GetAll reads every semaphore in the set atomically (semctl GETALL).
func (s *Set) GetAll() ([]uint16, error) {
	vals := make([]uint16, s.Nsems)
	_, _, errno := unix.Syscall6(unix.SYS_SEMCTL, uintptr(s.ID), 0, getAll, uintptr(unsafe.Pointer(&vals[0])), 0, 0)
	if errno != 0 {
		return nil, &ferrors.SyscallError{Op: "semctl(GETALL)", Err: errno}
	}
	return vals, nil
}

// Destroy removes the semaphore set. Concurrent destroyers racing on the
// same id both succeed silently.
func (s *Set) Destroy() error {
	_, _, errno := unix.Syscall6(unix.SYS_SEMCTL, uintptr(s.ID), 0, uintptr(unix.IPC_RMID), 0, 0, 0)
	if errno == 0 || errors.Is(errno, unix.EINVAL) || errors.Is(errno, unix.EIDRM) {
		return nil
	}
	return &ferrors.SyscallError{Op: "semctl(IPC_RMID)", Err: errno}
}

// OwningPID returns the pid of the process that last successfully operated
// on index (semctl GETPID), used by diagnostics, not by the hot path.
func (s *Set) OwningPID(index int) (int, error) {
	r, _, errno := unix.Syscall6(unix.SYS_SEMCTL, uintptr(s.ID), uintptr(index), getPid, 0, 0, 0)
	if errno != 0 {
		return 0, &ferrors.SyscallError{Op: "semctl(GETPID)", Err: errno}
	}
	return int(r), nil
}
