// Package bulkhead implements the ticket-based concurrency limiter shared
// across every process that registers the same resource: a semaphore-backed
// pool sized either to a fixed ticket count or to CONFIGURED_WORKERS × quota,
// reconciled whenever a sibling process registers, leaves, or simply
// acquires a ticket.
package bulkhead

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/canonical/faultkernel/ferrors"
	"github.com/canonical/faultkernel/semset"
)

// metaLockTimeout bounds how long a quota reconciliation waits for the
// meta-lock before giving up; reconciliation is opportunistic and not worth
// wedging an Acquire or a worker registration over.
const metaLockTimeout = 5 * time.Second

// GraceConfig controls the quota grace period: while a quota-sized
// bulkhead's semaphore set is younger than Period, Acquire substitutes
// Timeout for whatever timeout the caller requested, since a pool that has
// only just been sized from InitialWorkers hasn't yet seen every sibling
// process register and is more likely to be briefly saturated.
type GraceConfig struct {
	Period  time.Duration
	Timeout time.Duration
}

// Bulkhead limits concurrent callers of a resource.
type Bulkhead struct {
	Resource  string
	Quota     float64 // 0 disables quota-based sizing; tickets are then fixed
	CreatedAt time.Time
	Grace     GraceConfig

	set   *semset.Set
	clock clock.Clock
}

// New wraps an already-created semaphore set. The first attacher must seed
// it via Seed before any Bulkhead touches it. createdAt is a kernel
// creation time every process observes identically (resource.Register
// passes the creation time of an auxiliary shared segment, unlike a
// process-local clock reading) and anchors the quota grace period.
func New(resource string, quota float64, set *semset.Set, createdAt time.Time, grace GraceConfig, clk clock.Clock) *Bulkhead {
	if clk == nil {
		clk = clock.New()
	}
	return &Bulkhead{Resource: resource, Quota: quota, CreatedAt: createdAt, Grace: grace, set: set, clock: clk}
}

// Seed computes a freshly created semaphore set's initial values given the
// ticket/quota configuration and the worker count known at creation time.
func Seed(fixedTickets int, quota float64, workers int) []uint16 {
	configured := fixedTickets
	if quota > 0 {
		configured = quotaTickets(quota, workers)
	}

	vals := make([]uint16, semset.Cardinality)
	vals[semset.IdxTickets] = uint16(configured)
	vals[semset.IdxConfiguredTickets] = uint16(configured)
	vals[semset.IdxMetaLock] = 1
	vals[semset.IdxRegisteredWorkers] = uint16(workers)
	vals[semset.IdxConfiguredWorkers] = uint16(workers)
	return vals
}

func quotaTickets(quota float64, workers int) int {
	return int(math.Ceil(quota * float64(workers)))
}

// Ticket represents a held slot. It must be released exactly once; Release
// is idempotent, so a deferred call after an earlier explicit one is a
// no-op rather than double-incrementing the pool.
type Ticket struct {
	b        *Bulkhead
	released uint32
}

// Release returns the ticket to the pool. Safe to call multiple times and
// from a defer alongside an earlier explicit call. The release carries
// SEM_UNDO so the kernel's own undo adjustment, established by the matching
// acquire, is exactly cancelled rather than left to fire a second time on
// process exit.
func (t *Ticket) Release() error {
	if !atomic.CompareAndSwapUint32(&t.released, 0, 1) {
		return nil
	}
	return t.b.set.Op(semset.IdxTickets, 1, semset.OpUndo, 0)
}

// Acquire waits up to timeout for a free ticket. timeout <= 0 makes a
// single non-blocking attempt and fails with ferrors.BusyError. A positive
// timeout that expires fails with ferrors.TimeoutError instead. ctx
// cancellation races the semaphore wait; whichever loses still returns its
// ticket to the pool rather than leaking it.
//
// Every call first reconciles the quota-sized pool against the current
// registered-worker count (a worker that died without calling
// UnregisterWorker still unwinds via kernel UNDO, but nothing re-shrinks
// CONFIGURED_TICKETS until something reconciles), then substitutes the
// quota grace timeout for the requested one if the pool is still within its
// grace period.
func (b *Bulkhead) Acquire(ctx context.Context, timeout time.Duration) (*Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if b.Quota > 0 {
		if err := b.reconcileQuota(); err != nil {
			return nil, err
		}
	}

	timeout = b.effectiveTimeout(timeout)

	if timeout <= 0 {
		if err := b.set.Op(semset.IdxTickets, -1, semset.OpNoWait|semset.OpUndo, 0); err != nil {
			return nil, busyErr(b.Resource, err)
		}
		return &Ticket{b: b}, nil
	}

	done := make(chan error, 1)
	go func() { done <- b.set.Op(semset.IdxTickets, -1, semset.OpUndo, timeout) }()

	select {
	case err := <-done:
		if err != nil {
			return nil, timeoutErr(b.Resource, timeout, err)
		}
		return &Ticket{b: b}, nil
	case <-ctx.Done():
		go func() {
			if err := <-done; err == nil {
				_ = b.set.Op(semset.IdxTickets, 1, semset.OpUndo, 0)
			}
		}()
		return nil, ctx.Err()
	}
}

// effectiveTimeout substitutes Grace.Timeout for timeout while the pool is
// still within its quota grace period, per the configured GraceConfig. A
// fixed-ticket bulkhead (Quota <= 0) or one with no grace period configured
// passes timeout through unchanged.
func (b *Bulkhead) effectiveTimeout(timeout time.Duration) time.Duration {
	if b.Quota <= 0 || b.Grace.Period <= 0 {
		return timeout
	}
	if b.clock.Now().Sub(b.CreatedAt) < b.Grace.Period {
		return b.Grace.Timeout
	}
	return timeout
}

func busyErr(resource string, err error) error {
	var busy *ferrors.BusyError
	if errors.As(err, &busy) {
		return &ferrors.BusyError{Resource: resource}
	}
	return err
}

func timeoutErr(resource string, timeout time.Duration, err error) error {
	var busy *ferrors.BusyError
	if errors.As(err, &busy) {
		return &ferrors.TimeoutError{Resource: resource, Timeout: timeout.String()}
	}
	return err
}

// RegisterWorker records one more process-local participant, with SEM_UNDO
// so a crash before an explicit UnregisterWorker still unwinds
// REGISTERED_WORKERS, and reconciles the ticket pool if Quota-based sizing
// is in effect.
func (b *Bulkhead) RegisterWorker() error {
	if err := b.set.Op(semset.IdxRegisteredWorkers, 1, semset.OpUndo, 0); err != nil {
		return err
	}
	return b.reconcileQuota()
}

// UnregisterWorker removes one process-local participant and reconciles the
// ticket pool. The decrement is best-effort NOWAIT|UNDO: if
// REGISTERED_WORKERS is already at zero (a double-unregister, or a sibling
// process's crash already unwound it), EAGAIN is treated as a no-op rather
// than an error.
func (b *Bulkhead) UnregisterWorker() error {
	var busy *ferrors.BusyError
	if err := b.set.Op(semset.IdxRegisteredWorkers, -1, semset.OpNoWait|semset.OpUndo, 0); err != nil && !errors.As(err, &busy) {
		return err
	}
	return b.reconcileQuota()
}

// reconcileQuota acquires the meta-lock and runs reconcileQuotaLocked.
func (b *Bulkhead) reconcileQuota() error {
	if err := b.set.MetaLock(metaLockTimeout); err != nil {
		return err
	}
	defer b.set.MetaUnlock()

	return b.reconcileQuotaLocked()
}

// reconcileQuotaLocked recomputes CONFIGURED_TICKETS from the gap between
// REGISTERED_WORKERS and CONFIGURED_WORKERS and adjusts the available pool
// by the resulting delta. Tickets are only ever added to or
// opportunistically reclaimed from the pool, never forcibly revoked from a
// caller already holding one — a shrink that can't be satisfied immediately
// takes effect gradually as holders release: CONFIGURED_TICKETS drops only
// by the tickets actually reclaimed, and later reconciles reclaim the rest.
// Caller must already hold the meta-lock.
func (b *Bulkhead) reconcileQuotaLocked() error {
	if b.Quota <= 0 {
		return nil
	}

	registered, err := b.set.GetVal(semset.IdxRegisteredWorkers)
	if err != nil {
		return err
	}
	configuredWorkers, err := b.set.GetVal(semset.IdxConfiguredWorkers)
	if err != nil {
		return err
	}

	configuredTickets, err := b.set.GetVal(semset.IdxConfiguredTickets)
	if err != nil {
		return err
	}

	workers := registered
	want := quotaTickets(b.Quota, workers)
	if registered == configuredWorkers && want == configuredTickets {
		return nil
	}
	delta := want - configuredTickets

	switch {
	case delta > 0:
		if err := b.set.Op(semset.IdxTickets, int16(delta), 0, 0); err != nil {
			return err
		}
	case delta < 0:
		reclaimed := 0
		for reclaimed > delta {
			if err := b.set.Op(semset.IdxTickets, -1, semset.OpNoWait, 0); err != nil {
				break // the rest is reclaimed by a later reconcile, once holders release
			}
			reclaimed--
		}
		want = configuredTickets + reclaimed
	}

	if err := b.set.SetVal(semset.IdxConfiguredTickets, want); err != nil {
		return err
	}
	return b.set.SetVal(semset.IdxConfiguredWorkers, workers)
}

// Destroy removes the underlying semaphore set. Safe to call even if other
// processes still hold handles to it — the kernel object itself is only
// freed once every attacher has detached.
func (b *Bulkhead) Destroy() error {
	return b.set.Destroy()
}
