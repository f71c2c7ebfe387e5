// Package ferrors defines the error taxonomy shared across the fault-isolation
// kernel: timeouts, open-circuit rejections, immediate busy signals, kernel
// IPC failures, and internal invariant violations. Errors from the caller's
// own block are never wrapped here — they propagate unchanged.
package ferrors

import (
	"errors"
	"fmt"
)

// TimeoutError is returned when a bulkhead ticket wait expires.
type TimeoutError struct {
	Resource string
	Timeout  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("faultkernel: %s: timed out waiting %s for a ticket", e.Resource, e.Timeout)
}

// OpenCircuitError is returned when a circuit breaker is OPEN and fast-fails
// the call without attempting it.
type OpenCircuitError struct {
	Resource string
}

func (e *OpenCircuitError) Error() string {
	return fmt.Sprintf("faultkernel: %s: circuit open", e.Resource)
}

// BusyError is returned by non-waiting acquire paths when no ticket is
// immediately available.
type BusyError struct {
	Resource string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("faultkernel: %s: resource busy", e.Resource)
}

// SyscallError wraps a kernel-level failure of an IPC primitive (shmget,
// semget, semop, ...). Recoverable errnos (EIDRM/EINVAL on a destroy race)
// are swallowed by callers before ever becoming a SyscallError; anything
// that reaches here is expected to surface to the caller.
type SyscallError struct {
	Op       string
	Resource string
	Err      error
}

func (e *SyscallError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("faultkernel: %s: %s: %v", e.Resource, e.Op, e.Err)
	}

	return fmt.Sprintf("faultkernel: %s: %v", e.Op, e.Err)
}

func (e *SyscallError) Unwrap() error { return e.Err }

// InternalError indicates corrupted or inconsistent IPC state, such as a
// timeout waiting for the first-attacher to finish initializing a segment.
// It signals that operator action (destroy and recreate the resource) is
// required — this is not a transient condition a retry will fix.
type InternalError struct {
	Resource string
	Reason   string
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("faultkernel: %s: internal: %s", e.Resource, e.Reason)
}

// IsRecoverable reports whether err is a recoverable IPC race (e.g. a
// concurrent destroy) that callers should log and swallow rather than
// surface.
func IsRecoverable(err error) bool {
	var recoverable *RecoverableSyscallError
	return errors.As(err, &recoverable)
}

// RecoverableSyscallError marks a syscall failure that a concurrent
// destroy/unregister race can legitimately produce (EIDRM, EINVAL, EAGAIN
// under NOWAIT) and that must never propagate to the caller.
type RecoverableSyscallError struct {
	Op  string
	Err error
}

func (e *RecoverableSyscallError) Error() string {
	return fmt.Sprintf("faultkernel: %s: %v (recovered)", e.Op, e.Err)
}

func (e *RecoverableSyscallError) Unwrap() error { return e.Err }
