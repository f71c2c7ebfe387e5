package breaker

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/canonical/faultkernel/ferrors"
	"github.com/canonical/faultkernel/semset"
	"github.com/canonical/faultkernel/window"
)

const lockTimeout = 2 * time.Second

// ClassicConfig configures a ClassicBreaker.
type ClassicConfig struct {
	// ErrorThreshold is how many errors within ErrorTimeout trip the
	// breaker.
	ErrorThreshold int
	// ErrorTimeout bounds how far back an error still counts toward
	// ErrorThreshold.
	ErrorTimeout time.Duration
	// OpenTimeout is how long the breaker stays OPEN before allowing a
	// single HALF_OPEN probe.
	OpenTimeout time.Duration
	// SuccessThreshold is how many consecutive HALF_OPEN successes close
	// the breaker again.
	SuccessThreshold int
	// WindowCapacity sizes the error timestamp ring buffer; must match
	// the capacity the backing segment's payload was sized for.
	WindowCapacity int
}

// ClassicBreaker is a derived-state machine: CLOSED/OPEN/HALF_OPEN is
// always recomputed from the error window, the last error timestamp, and
// the half-open success counter — there is no stored "current state" field
// to fall out of sync with those three.
type ClassicBreaker struct {
	Resource string
	cfg      ClassicConfig

	win   *window.Window
	hdr   *classicHeader
	mu    *semset.RobustMutex
	clock clock.Clock
}

// NewClassicBreaker builds a ClassicBreaker over payload, a byte slice
// mapped from a shared segment (ipcsync.Segment.Attach) at least
// classicHeaderSize + cfg.WindowCapacity*8 bytes long, and lockSet, a
// single-semaphore set dedicated to this breaker's critical section. The
// first attacher must zero the payload (a fresh shared segment already is)
// and seed lockSet's only semaphore to 1 before any ClassicBreaker touches
// it.
func NewClassicBreaker(resource string, cfg ClassicConfig, payload []byte, lockSet *semset.Set, clk clock.Clock) (*ClassicBreaker, error) {
	if clk == nil {
		clk = clock.New()
	}

	hdr := mapClassicHeader(payload)
	buf := classicWindowBuffer(payload, cfg.WindowCapacity)

	win, err := window.New(buf)
	if err != nil {
		return nil, err
	}

	return &ClassicBreaker{
		Resource: resource,
		cfg:      cfg,
		win:      win,
		hdr:      hdr,
		mu:       semset.NewRobustMutex(lockSet, 0, &hdr.dirty),
		clock:    clk,
	}, nil
}

// stateLocked recomputes State while already holding the lock.
func (c *ClassicBreaker) stateLocked() State {
	total := c.win.RejectIf(func(v int64) bool {
		return v <= c.clock.Now().Add(-c.cfg.ErrorTimeout).UnixNano()
	})

	if total < c.cfg.ErrorThreshold {
		return StateClosed
	}

	if c.hdr.lastErrorAt == 0 {
		return StateClosed
	}

	elapsed := c.clock.Now().Sub(time.Unix(0, c.hdr.lastErrorAt))
	if elapsed >= c.cfg.OpenTimeout {
		return StateHalfOpen
	}
	return StateOpen
}

// State reports the breaker's current derived state.
func (c *ClassicBreaker) State() State {
	consistent, err := c.mu.Lock(lockTimeout)
	if err != nil {
		return StateOpen
	}
	defer c.unlock(consistent)

	return c.stateLocked()
}

// Allow reports whether a call should be attempted right now. In HALF_OPEN
// only one caller is admitted as the trial probe at a time — everyone else
// is turned away with OpenCircuitError until that probe's RecordSuccess or
// RecordError resolves it.
func (c *ClassicBreaker) Allow() (bool, error) {
	consistent, err := c.mu.Lock(lockTimeout)
	if err != nil {
		return false, err
	}
	defer c.unlock(consistent)

	switch c.stateLocked() {
	case StateOpen:
		return false, &ferrors.OpenCircuitError{Resource: c.Resource}
	case StateHalfOpen:
		if c.hdr.probeInFlight != 0 {
			return false, &ferrors.OpenCircuitError{Resource: c.Resource}
		}
		c.hdr.probeInFlight = 1
	}
	return true, nil
}

// RecordSuccess records a successful call. In CLOSED it simply clears the
// window, since a success is evidence the resource has recovered and stale
// error timestamps shouldn't linger toward the next trip. In HALF_OPEN it
// releases the probe slot and counts toward SuccessThreshold; enough
// consecutive successes close the breaker by clearing the window and the
// last-error marker so the next State() computation derives CLOSED.
func (c *ClassicBreaker) RecordSuccess(d time.Duration) {
	consistent, err := c.mu.Lock(lockTimeout)
	if err != nil {
		return
	}
	defer c.unlock(consistent)

	if c.stateLocked() != StateHalfOpen {
		c.win.Clear()
		c.hdr.lastErrorAt = 0
		c.hdr.successCount = 0
		return
	}

	c.hdr.probeInFlight = 0
	c.hdr.successCount++
	if int(c.hdr.successCount) >= c.cfg.SuccessThreshold {
		c.win.Clear()
		c.hdr.lastErrorAt = 0
		c.hdr.successCount = 0
	}
}

// RecordError records a failed call, pushing its timestamp into the error
// window and resetting the half-open success counter.
func (c *ClassicBreaker) RecordError(callErr error, d time.Duration) {
	consistent, err := c.mu.Lock(lockTimeout)
	if err != nil {
		return
	}
	defer c.unlock(consistent)

	now := c.clock.Now()
	c.win.Push(now.UnixNano())
	c.hdr.lastErrorAt = now.UnixNano()
	c.hdr.successCount = 0
	c.hdr.probeInFlight = 0
}

// unlock releases the lock, recovering a dirty handoff by discarding
// whatever partial state the dead holder left — the safest recovery for a
// breaker is to treat its shared data as untrustworthy and start counting
// fresh, rather than risk under- or over-counting errors.
func (c *ClassicBreaker) unlock(consistent bool) {
	if !consistent {
		c.win.Clear()
		c.hdr.lastErrorAt = 0
		c.hdr.successCount = 0
		c.hdr.probeInFlight = 0
		c.mu.Consistent()
	}
	_ = c.mu.Unlock()
}
