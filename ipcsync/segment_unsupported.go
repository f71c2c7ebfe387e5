//go:build !linux

package ipcsync

import (
	"errors"
	"time"
)

// ErrUnsupportedPlatform is returned by every operation on platforms without
// a SysV shared-memory implementation. The fault-isolation kernel is
// host-local by definition (spec.md §1) and that host is Linux; this stub
// only exists so the module still builds elsewhere.
var ErrUnsupportedPlatform = errors.New("faultkernel: shared memory segments are only supported on linux")

// Segment is an opaque, inert handle on unsupported platforms.
type Segment struct {
	ID      int
	Key     uint32
	Size    int
	Created bool
}

// Manager mirrors the Linux Manager's API surface but every method fails.
type Manager struct {
	Perm uint32
}

func (m *Manager) GetOrCreate(key uint32, size int) (*Segment, bool, error) {
	return nil, false, ErrUnsupportedPlatform
}

func (s *Segment) Attach() ([]byte, error) { return nil, ErrUnsupportedPlatform }

func (s *Segment) Detach() error { return ErrUnsupportedPlatform }

func (s *Segment) MarkForDeletion() error { return ErrUnsupportedPlatform }

func (s *Segment) CreatedAt() (time.Time, error) { return time.Time{}, ErrUnsupportedPlatform }

type InitFunc func(newPtr []byte, newSize int, old []byte, oldSize int, prevAttachCount int) error

func (s *Segment) EnsureInitialized(created bool, init InitFunc) error {
	return ErrUnsupportedPlatform
}

func Resize(m *Manager, key uint32, old *Segment, newSize int, init InitFunc) (*Segment, error) {
	return nil, ErrUnsupportedPlatform
}
