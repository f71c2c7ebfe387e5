// Package resource is the facade the rest of an application actually
// calls: Register once per resource name, then Acquire around every
// attempt to use it. Acquire composes a breaker pre-check, a bulkhead
// ticket, the caller's own block, and guaranteed ticket release plus
// outcome recording — a defer-driven guard standing in for the
// exception-based "ensure" block the non-Go rendering of this system uses.
package resource

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/canonical/faultkernel/breaker"
	"github.com/canonical/faultkernel/bulkhead"
	"github.com/canonical/faultkernel/faultevents"
	"github.com/canonical/faultkernel/ferrors"
	"github.com/canonical/faultkernel/ipcsync"
	"github.com/canonical/faultkernel/semset"
)

// ProtectedResource is a registered resource ready for Acquire.
type ProtectedResource struct {
	Name string

	cfg        Config
	bulk       *bulkhead.Bulkhead
	brk        breaker.Breaker
	dispatcher *faultevents.Dispatcher
	clock      clock.Clock
}

// Register creates or attaches the shared state for name and returns a
// ProtectedResource. Every process on the host that registers the same
// name converges on the same shared segments and semaphore sets — no
// out-of-band coordination beyond agreeing on the name and Config is
// required.
func Register(name string, cfg Config, dispatcher *faultevents.Dispatcher, clk clock.Clock) (*ProtectedResource, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}

	mgr := &ipcsync.Manager{Perm: 0o660}

	bulkSet, bulkCreated, err := semset.Create(ipcsync.DeriveKey(name, semset.Cardinality), semset.Cardinality, 0o660)
	if err != nil {
		return nil, fmt.Errorf("resource %q: bulkhead semaphores: %w", name, err)
	}
	if bulkCreated {
		seed := bulkhead.Seed(cfg.Tickets, cfg.Quota, cfg.InitialWorkers)
		if err := bulkSet.SetAll(seed); err != nil {
			return nil, fmt.Errorf("resource %q: seed bulkhead semaphores: %w", name, err)
		}
	}
	createdAt, err := bulkheadCreatedAt(mgr, name)
	if err != nil {
		return nil, err
	}
	grace := bulkhead.GraceConfig{Period: cfg.QuotaGracePeriod, Timeout: cfg.QuotaGraceTimeout}
	bulk := bulkhead.New(name, cfg.Quota, bulkSet, createdAt, grace, clk)

	brk, err := buildBreaker(mgr, name, cfg, clk)
	if err != nil {
		return nil, err
	}

	return &ProtectedResource{
		Name:       name,
		cfg:        cfg,
		bulk:       bulk,
		brk:        brk,
		dispatcher: dispatcher,
		clock:      clk,
	}, nil
}

// bulkheadCreatedAt returns the kernel creation time of a small auxiliary
// segment dedicated to this purpose, rather than the semaphore set's own
// creation time — semset has no IPC_STAT equivalent, while ipcsync already
// wraps shmctl(IPC_STAT) for the resize protocol. Every process that
// registers name observes the identical value, which is what the quota
// grace period needs: a process-local time.Now() at Register time would
// differ across siblings.
func bulkheadCreatedAt(mgr *ipcsync.Manager, name string) (time.Time, error) {
	seg, _, err := mgr.GetOrCreate(ipcsync.DeriveAuxiliaryKey(name, "_bulkhead_ctime", 1), 8)
	if err != nil {
		return time.Time{}, fmt.Errorf("resource %q: bulkhead ctime segment: %w", name, err)
	}
	if _, err := seg.Attach(); err != nil {
		return time.Time{}, fmt.Errorf("resource %q: attach bulkhead ctime segment: %w", name, err)
	}

	createdAt, err := seg.CreatedAt()
	if err != nil {
		return time.Time{}, fmt.Errorf("resource %q: read bulkhead ctime: %w", name, err)
	}
	return createdAt, nil
}

func buildBreaker(mgr *ipcsync.Manager, name string, cfg Config, clk clock.Clock) (breaker.Breaker, error) {
	switch cfg.Breaker {
	case BreakerClassic:
		lockSet, err := createSeededLock(name, "_breaker_lock")
		if err != nil {
			return nil, err
		}

		data, created, err := attachSegment(mgr, name, "_breaker_state", cfg.ClassicBreaker.WindowCapacity, breaker.ClassicPayloadSize(cfg.ClassicBreaker.WindowCapacity))
		if err != nil {
			return nil, err
		}
		_ = created // zeroed shared memory is already a valid fresh classic state

		return breaker.NewClassicBreaker(name, cfg.ClassicBreaker, data, lockSet, clk)

	case BreakerPID:
		lockSet, err := createSeededLock(name, "_pid_lock")
		if err != nil {
			return nil, err
		}

		data, created, err := attachSegment(mgr, name, "_pid_state", 1, breaker.PIDPayloadSize())
		if err != nil {
			return nil, err
		}
		if created {
			breaker.SeedOpen(data)
		}

		return breaker.NewPIDBreaker(name, cfg.PIDBreaker, data, lockSet, clk), nil

	default:
		return nil, &ferrors.InternalError{Resource: name, Reason: "unknown breaker kind"}
	}
}

func createSeededLock(name, suffix string) (*semset.Set, error) {
	set, created, err := semset.Create(ipcsync.DeriveAuxiliaryKey(name, suffix, 1), 1, 0o660)
	if err != nil {
		return nil, fmt.Errorf("resource %q: %s: %w", name, suffix, err)
	}
	if created {
		if err := set.SetVal(0, 1); err != nil {
			return nil, fmt.Errorf("resource %q: seed %s: %w", name, suffix, err)
		}
	}
	return set, nil
}

// attachSegment gets-or-creates the named auxiliary segment, attaches it,
// and waits for (or performs) first-attacher initialization — the payload
// is returned already zeroed/ready, init itself is a no-op since every
// breaker's fresh-state representation is the zero value.
func attachSegment(mgr *ipcsync.Manager, name, suffix string, cardinality, size int) ([]byte, bool, error) {
	seg, created, err := mgr.GetOrCreate(ipcsync.DeriveAuxiliaryKey(name, suffix, cardinality), size)
	if err != nil {
		return nil, false, fmt.Errorf("resource %q: %s segment: %w", name, suffix, err)
	}

	data, err := seg.Attach()
	if err != nil {
		return nil, false, err
	}

	if err := seg.EnsureInitialized(created, func(newPtr []byte, newSize int, old []byte, oldSize int, prevAttach int) error {
		return nil
	}); err != nil {
		return nil, false, err
	}

	return data, created, nil
}

// Acquire runs fn under this resource's protection: a breaker pre-check
// fast-fails without attempting anything, a bulkhead ticket bounds
// concurrency, and every exit path is published on the event stream. A call
// the bulkhead turns away (no ticket, timeout, or ctx cancellation) is
// published as KindBusy. Once fn runs, its outcome is recorded in the
// breaker and published, including when fn panics; the ticket is released
// by a deferred call on every path after it was acquired.
//
// Acquire is a package-level function rather than a method because Go
// methods cannot declare their own type parameters.
func Acquire[T any](pr *ProtectedResource, ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T

	allowed, err := pr.brk.Allow()
	if !allowed {
		pr.publish(faultevents.KindCircuitOpen, 0, err, "breaker rejected the call")
		return zero, err
	}

	ticket, err := pr.bulk.Acquire(ctx, pr.cfg.AcquireTimeout)
	if err != nil {
		pr.publish(faultevents.KindBusy, 0, err, "no bulkhead ticket available")
		return zero, err
	}
	defer ticket.Release()

	start := pr.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			elapsed := pr.clock.Now().Sub(start)
			panicErr := fmt.Errorf("resource %q: block panicked: %v", pr.Name, r)
			pr.brk.RecordError(panicErr, elapsed)
			pr.publish(faultevents.KindError, elapsed, panicErr, "block panicked")
			panic(r)
		}
	}()
	v, callErr := fn()
	elapsed := pr.clock.Now().Sub(start)

	if callErr != nil {
		pr.brk.RecordError(callErr, elapsed)
		pr.publish(faultevents.KindError, elapsed, callErr, "")
		return zero, callErr
	}

	pr.brk.RecordSuccess(elapsed)
	pr.publish(faultevents.KindSuccess, elapsed, nil, "")
	return v, nil
}

func (pr *ProtectedResource) publish(kind faultevents.Kind, d time.Duration, err error, reason string) {
	if pr.dispatcher == nil {
		return
	}
	pr.dispatcher.Dispatch(faultevents.Event{
		Kind:     kind,
		Resource: pr.Name,
		At:       pr.clock.Now(),
		Duration: d,
		Err:      err,
		Reason:   reason,
	})
}

// State reports the breaker's current derived state.
func (pr *ProtectedResource) State() breaker.State { return pr.brk.State() }

// RegisterWorker and UnregisterWorker forward to the underlying bulkhead,
// reconciling its ticket pool when Quota-based sizing is in effect.
func (pr *ProtectedResource) RegisterWorker() error   { return pr.bulk.RegisterWorker() }
func (pr *ProtectedResource) UnregisterWorker() error { return pr.bulk.UnregisterWorker() }

// Destroy tears down this resource's bulkhead semaphore set. Breaker
// segments and locks outlive it deliberately — a resource that's
// momentarily deregistered and re-registered should not lose its circuit
// breaker history.
func (pr *ProtectedResource) Destroy() error { return pr.bulk.Destroy() }
