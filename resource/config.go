package resource

import (
	"time"

	"github.com/canonical/faultkernel/breaker"
	"github.com/canonical/faultkernel/ferrors"
)

// BreakerKind selects which circuit breaker flavor a resource uses.
type BreakerKind int

const (
	BreakerClassic BreakerKind = iota
	BreakerPID
)

// Config is the closed set of options a resource can be registered with.
// It is a plain Go struct rather than a map-of-any option bag so invalid
// combinations are caught once, at Register time, instead of surfacing as
// a confusing runtime failure deep in Acquire.
type Config struct {
	// Tickets is a fixed bulkhead size. Mutually exclusive with Quota.
	Tickets int
	// Quota sizes the bulkhead as ceil(Quota * registered workers)
	// instead of a fixed count. Mutually exclusive with Tickets.
	Quota float64
	// InitialWorkers is the worker count assumed at first-attacher
	// creation time, used only when Quota > 0.
	InitialWorkers int

	// AcquireTimeout bounds how long Acquire waits for a bulkhead
	// ticket. Zero means a single non-blocking attempt.
	AcquireTimeout time.Duration

	// QuotaGracePeriod and QuotaGraceTimeout apply only when Quota > 0:
	// while the bulkhead's semaphore set is younger than QuotaGracePeriod,
	// Acquire waits up to QuotaGraceTimeout instead of AcquireTimeout,
	// since a quota-sized pool fresh off InitialWorkers hasn't necessarily
	// seen every sibling process register yet. Leaving QuotaGracePeriod
	// zero disables the substitution.
	QuotaGracePeriod  time.Duration
	QuotaGraceTimeout time.Duration

	Breaker        BreakerKind
	ClassicBreaker breaker.ClassicConfig
	PIDBreaker     breaker.PIDConfig
}

func (c Config) validate() error {
	if c.Tickets > 0 && c.Quota > 0 {
		return &ferrors.InternalError{Reason: "config: Tickets and Quota are mutually exclusive"}
	}
	if c.Tickets <= 0 && c.Quota <= 0 {
		return &ferrors.InternalError{Reason: "config: exactly one of Tickets or Quota must be set"}
	}
	if c.Quota > 0 && c.InitialWorkers <= 0 {
		return &ferrors.InternalError{Reason: "config: InitialWorkers must be positive when Quota is set"}
	}

	switch c.Breaker {
	case BreakerClassic:
		if c.ClassicBreaker.WindowCapacity <= 0 {
			return &ferrors.InternalError{Reason: "config: ClassicBreaker.WindowCapacity must be positive"}
		}
	case BreakerPID:
		if c.PIDBreaker.Period <= 0 {
			return &ferrors.InternalError{Reason: "config: PIDBreaker.Period must be positive"}
		}
	default:
		return &ferrors.InternalError{Reason: "config: unknown breaker kind"}
	}

	return nil
}
