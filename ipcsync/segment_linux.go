//go:build linux

package ipcsync

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/canonical/faultkernel/ferrors"
)

// headerSize is the fixed prologue every shared segment carries: a single
// atomic word used for the first-attacher initialization handshake. Callers
// never see it directly — Attach returns the slice past the header.
const headerSize = 8

// shmDest mirrors Linux's SHM_DEST (<linux/shm.h>): set in shm_perm.mode
// once shmctl(IPC_RMID) has been called but at least one process is still
// attached. A segment observed with this bit set is stale and must not be
// reused — a fresh one is requested instead.
const shmDest = 0o1000

const (
	initPollInterval = time.Millisecond
	initPollCeiling  = 100 * time.Millisecond
	initWaitLimit    = 5 * time.Second
)

// Segment is a handle to a SysV shared memory segment plus the bookkeeping
// needed to cooperatively resize or tear it down.
type Segment struct {
	ID      int
	Key     uint32
	Size    int
	Created bool

	data []byte
}

// Manager creates or attaches keyed shared segments. It holds no process
// state of its own — all coordination lives in the kernel and in the
// segment's own header — so any number of Managers across any number of
// processes converge correctly.
type Manager struct {
	Perm uint32 // e.g. 0660
}

// GetOrCreate returns the segment for key, creating it with the requested
// size if it does not already exist. The returned bool reports whether this
// call was the one that created it (the "first attacher").
func (m *Manager) GetOrCreate(key uint32, size int) (*Segment, bool, error) {
	total := size + headerSize

	id, err := unix.SysvShmGet(int(key), total, int(unix.IPC_CREAT)|int(unix.IPC_EXCL)|int(m.Perm))
	if err == nil {
		return &Segment{ID: id, Key: key, Size: size, Created: true}, true, nil
	}

	if !errors.Is(err, unix.EEXIST) {
		return nil, false, &ferrors.SyscallError{Op: "shmget(create)", Err: classify(err)}
	}

	// Someone else won the create race; open without EXCL.
	id, err = unix.SysvShmGet(int(key), 0, int(m.Perm))
	if err != nil {
		return nil, false, &ferrors.SyscallError{Op: "shmget(open)", Err: classify(err)}
	}

	if stale, err := m.isStale(id); err != nil {
		return nil, false, err
	} else if stale {
		logrus.WithField("ipc_key", key).Warn("faultkernel: shared segment flagged for deletion, requesting a fresh one")
		return m.GetOrCreate(key, size)
	}

	return &Segment{ID: id, Key: key, Size: size, Created: false}, false, nil
}

func (m *Manager) isStale(id int) (bool, error) {
	var desc unix.SysvShmDesc

	_, err := unix.SysvShmCtl(id, unix.IPC_STAT, &desc)
	if err != nil {
		return false, &ferrors.SyscallError{Op: "shmctl(IPC_STAT)", Err: classify(err)}
	}

	return desc.Perm.Mode&shmDest != 0, nil
}

// Attach maps the segment into this process's address space and returns the
// payload region (the header is kept hidden). The segment's data pointer is
// cached on the handle so Detach can be called without re-deriving it.
func (s *Segment) Attach() ([]byte, error) {
	b, err := unix.SysvShmAttach(s.ID, 0, 0)
	if err != nil {
		return nil, &ferrors.SyscallError{Op: "shmat", Err: classify(err)}
	}

	s.data = b
	return b[headerSize:], nil
}

// Detach unmaps the segment from this process. It is always safe to call,
// even if Attach was never called, matching the "release on every exit
// path" discipline the rest of the module follows.
func (s *Segment) Detach() error {
	if s.data == nil {
		return nil
	}

	err := unix.SysvShmDetach(s.data)
	s.data = nil
	if err != nil {
		return &ferrors.SyscallError{Op: "shmdt", Err: classify(err)}
	}

	return nil
}

// MarkForDeletion flags the segment for removal once the last attacher
// detaches. Concurrent destroyers racing on the same id both succeed
// silently (EINVAL/EIDRM are swallowed).
func (s *Segment) MarkForDeletion() error {
	_, err := unix.SysvShmCtl(s.ID, unix.IPC_RMID, nil)
	if err == nil || errors.Is(err, unix.EINVAL) || errors.Is(err, unix.EIDRM) {
		return nil
	}

	return &ferrors.SyscallError{Op: "shmctl(IPC_RMID)", Err: classify(err)}
}

// InitFunc initializes (or reinitializes, on resize) the payload region of a
// segment. old is nil and oldSize is 0 on first-attacher creation.
// prevAttachCount is the shm_nattch value observed just before a resize's
// copy, used by callers that need to preserve worker accounting across the
// resize.
type InitFunc func(newPtr []byte, newSize int, old []byte, oldSize int, prevAttachCount int) error

// EnsureInitialized runs init on first attach (created == true) and
// otherwise blocks until the first attacher's writes are visible, per the
// happens-before contract in spec.md §5: the first attacher's writes must
// be ordered, via a full memory barrier, before any follower observes the
// initialized flag.
func (s *Segment) EnsureInitialized(created bool, init InitFunc) error {
	flag := headerPtr(s.data)

	if created {
		if err := init(s.data[headerSize:], s.Size, nil, 0, 0); err != nil {
			return err
		}

		atomic.StoreUint32(flag, 1) // release: publishes init's writes
		return nil
	}

	return waitInitialized(flag)
}

func waitInitialized(flag *uint32) error {
	deadline := time.Now().Add(initWaitLimit)
	backoff := initPollInterval

	for {
		if atomic.LoadUint32(flag) == 1 { // acquire: observes the writes flag publishes
			return nil
		}

		if time.Now().After(deadline) {
			return &ferrors.InternalError{Reason: "timed out waiting for first-attacher initialization"}
		}

		time.Sleep(backoff)

		backoff *= 2
		if backoff > initPollCeiling {
			backoff = initPollCeiling
		}
	}
}

func headerPtr(data []byte) *uint32 {
	if len(data) < 4 {
		panic("faultkernel: segment header truncated")
	}

	return (*uint32)(unsafe.Pointer(&data[0]))
}

// CreatedAt returns the kernel's creation timestamp for the segment
// (shmctl IPC_STAT's shm_ctime). Every process that attaches the same key
// observes the identical value, which makes it the right reference point
// for "how long has this resource existed" decisions — such as the
// bulkhead's quota grace period — that must agree across processes
// instead of depending on any one process's own clock.
func (s *Segment) CreatedAt() (time.Time, error) {
	var desc unix.SysvShmDesc
	if _, err := unix.SysvShmCtl(s.ID, unix.IPC_STAT, &desc); err != nil {
		return time.Time{}, &ferrors.SyscallError{Op: "shmctl(IPC_STAT)", Err: classify(err)}
	}
	return time.Unix(desc.Ctime, 0), nil
}

// Resize performs the cooperative resize protocol: copy current contents,
// detach, mark for deletion, create a new segment at the requested size,
// and reinitialize it via init. The caller is responsible for holding the
// resource's meta-lock for the duration, so no other process observes a
// half-resized segment.
func Resize(m *Manager, key uint32, old *Segment, newSize int, init InitFunc) (*Segment, error) {
	var desc unix.SysvShmDesc

	if _, err := unix.SysvShmCtl(old.ID, unix.IPC_STAT, &desc); err != nil {
		return nil, &ferrors.SyscallError{Op: "shmctl(IPC_STAT)", Err: classify(err)}
	}

	oldData, err := old.Attach()
	if err != nil {
		return nil, err
	}

	oldCopy := make([]byte, len(oldData))
	copy(oldCopy, oldData)

	if err := old.Detach(); err != nil {
		return nil, err
	}

	if err := old.MarkForDeletion(); err != nil {
		return nil, err
	}

	fresh, created, err := m.GetOrCreate(key, newSize)
	if err != nil {
		return nil, err
	}

	if !created {
		return nil, &ferrors.InternalError{Reason: fmt.Sprintf("resize raced: key 0x%x already has a live segment", key)}
	}

	newData, err := fresh.Attach()
	if err != nil {
		return nil, err
	}

	if err := init(newData, newSize, oldCopy, old.Size, int(desc.Nattch)); err != nil {
		return nil, err
	}

	atomic.StoreUint32(headerPtr(fresh.data), 1)

	return fresh, nil
}

func classify(err error) error {
	var errno unix.Errno
	if errors.As(err, &errno) {
		switch errno {
		case unix.ENOSPC, unix.EACCES, unix.ENOMEM:
			return errno
		}
	}

	return err
}
