package breaker

import (
	"math"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"

	"github.com/canonical/faultkernel/ferrors"
	"github.com/canonical/faultkernel/semset"
)

// dynamicErrorRateCeiling caps the dynamic target error rate (the trailing
// p90 of closed-window error rates) used when no fixed SetPoint is
// configured, so a resource that is pathologically unhealthy for a long
// stretch doesn't drag its own target down to match.
const dynamicErrorRateCeiling = 0.10

// PIDConfig configures a PIDBreaker.
type PIDConfig struct {
	Kp, Ki, Kd float64
	// SetPoint is the target error rate (0..1) the controller holds the
	// observed rate to. A negative SetPoint (e.g. -1) requests a dynamic
	// target instead: the trailing p90 of the last pidHistorySize closed
	// windows' error rates, capped at dynamicErrorRateCeiling.
	SetPoint float64
	// Period is how often the controller rotates its observation window
	// and recomputes the rejection rate.
	Period time.Duration
	// OutputFloor is the minimum pass-through fraction the controller will
	// settle at (equivalently, 1-OutputFloor is the ceiling on the reject
	// probability), so a resource is throttled but never fully starved.
	OutputFloor float64
}

// PIDBreaker throttles the pass-through rate continuously instead of
// snapping between discrete states: every Period it closes the current
// observation window, derives a "health" signal from the window's error
// rate versus target (corrected for how much of that window's traffic was
// already being rejected), and adjusts rejectionRate by the resulting
// incremental PID correction — rejectionRate itself persists across
// windows rather than being recomputed from scratch each time.
type PIDBreaker struct {
	Resource string
	cfg      PIDConfig

	hdr   *pidHeader
	mu    *semset.RobustMutex
	clock clock.Clock
}

// NewPIDBreaker builds a PIDBreaker over payload, a byte slice mapped from
// a shared segment at least pidHeaderSize bytes long, and lockSet, a
// single-semaphore set dedicated to this breaker. The first attacher must
// seed lockSet's only semaphore to 1 and call SeedOpen on the payload
// before any PIDBreaker touches it.
func NewPIDBreaker(resource string, cfg PIDConfig, payload []byte, lockSet *semset.Set, clk clock.Clock) *PIDBreaker {
	if clk == nil {
		clk = clock.New()
	}
	hdr := mapPIDHeader(payload)
	return &PIDBreaker{
		Resource: resource,
		cfg:      cfg,
		hdr:      hdr,
		mu:       semset.NewRobustMutex(lockSet, 0, &hdr.dirty),
		clock:    clk,
	}
}

// SeedOpen initializes a freshly created segment's payload to full
// pass-through: it sets rejectionRate = 0 (which State reports as CLOSED)
// and marks the payload initialized. Every other term is left as found, so
// it relies on a fresh shared segment already being zeroed. Called once by
// the first attacher.
func SeedOpen(payload []byte) {
	hdr := mapPIDHeader(payload)
	hdr.rejectionRate = math.Float64bits(0)
	hdr.initialized = 1
}

func (p *PIDBreaker) rejectionRate() float64 {
	return math.Float64frombits(p.hdr.rejectionRate)
}

// passFraction returns the current admit probability, 1-rejectionRate.
func (p *PIDBreaker) passFraction() float64 {
	return 1 - p.rejectionRate()
}

// State maps the continuous rejection rate onto the coarse State enum:
// pinned at the configured ceiling is OPEN, pinned at zero is CLOSED,
// anything in between is HALF_OPEN (actively throttling).
func (p *PIDBreaker) State() State {
	consistent, err := p.mu.Lock(lockTimeout)
	if err != nil {
		return StateOpen
	}
	defer p.unlock(consistent)

	pass := p.passFraction()
	switch {
	case pass <= p.cfg.OutputFloor+1e-9:
		return StateOpen
	case pass >= 1-1e-9:
		return StateClosed
	default:
		return StateHalfOpen
	}
}

// Allow admits the call with probability 1-rejectionRate; a rejected call
// is counted in the window's windowRejected tally, which tick resets at each
// window close. The health calculation accounts for rejected traffic
// through rejectionRate itself, not through this tally.
func (p *PIDBreaker) Allow() (bool, error) {
	consistent, err := p.mu.Lock(lockTimeout)
	if err != nil {
		return false, err
	}
	defer p.unlock(consistent)

	rejectionRate := p.rejectionRate()
	if randFloat64() < rejectionRate {
		p.hdr.windowRejected++
		return false, &ferrors.OpenCircuitError{Resource: p.Resource}
	}
	return true, nil
}

// RecordSuccess tallies a successful call toward the window currently
// accumulating.
func (p *PIDBreaker) RecordSuccess(d time.Duration) { p.record(false) }

// RecordError tallies a failed call toward the window currently
// accumulating.
func (p *PIDBreaker) RecordError(err error, d time.Duration) { p.record(true) }

// RecordPingSuccess tallies a successful out-of-band health check (a
// "ping") toward the window's ping counters — tracked separately from
// ordinary traffic so the controller can tell a caller-observed recovery
// (pings succeeding) apart from rejectionRate simply having throttled
// enough traffic that fewer errors are being seen.
func (p *PIDBreaker) RecordPingSuccess() { p.recordPing(false) }

// RecordPingFailure tallies a failed ping toward the window's ping
// counters.
func (p *PIDBreaker) RecordPingFailure() { p.recordPing(true) }

func (p *PIDBreaker) record(isError bool) {
	consistent, err := p.mu.Lock(lockTimeout)
	if err != nil {
		return
	}
	defer p.unlock(consistent)

	if isError {
		p.hdr.windowError++
	} else {
		p.hdr.windowSuccess++
	}
}

func (p *PIDBreaker) recordPing(failed bool) {
	consistent, err := p.mu.Lock(lockTimeout)
	if err != nil {
		return
	}
	defer p.unlock(consistent)

	if failed {
		p.hdr.windowPingFailure++
	} else {
		p.hdr.windowPingSuccess++
	}
}

// tick closes the current window, runs one PID step, and commits the
// updated rejection rate. It is called from the ticker loop (see Start);
// it is unexported, and this package's tests call it directly to drive it
// deterministically.
//
// Per window close:
//  1. er = windowError / max(1, windowSuccess+windowError); pfr =
//     windowPingFailure / max(1, windowPingSuccess+windowPingFailure).
//  2. er is pushed into the trailing history.
//  3. Window counters reset; windowStartTime stamped.
//  4. ideal = SetPoint if configured, else the dynamic p90 of the history
//     capped at dynamicErrorRateCeiling.
//  5. health = (er - ideal) - (rejectionRate - pfr): how far off target the
//     raw error rate is, corrected for how much rejection was already
//     suppressing it and how much of that rejection is itself visible as
//     ping failures rather than relief.
//  6. P = Kp*health; integral += health*dt; I = Ki*integral; D =
//     Kd*(health-previousError)/dt.
//  7. rejectionRate = clamp(rejectionRate + P + I + D, 0, ceiling), where
//     ceiling is 1-OutputFloor; previousError = health.
func (p *PIDBreaker) tick() error {
	consistent, err := p.mu.Lock(lockTimeout)
	if err != nil {
		return err
	}
	defer p.unlock(consistent)

	now := p.clock.Now()

	windowSuccess := float64(p.hdr.windowSuccess)
	windowError := float64(p.hdr.windowError)
	er := windowError / math.Max(1, windowSuccess+windowError)

	pingSuccess := float64(p.hdr.windowPingSuccess)
	pingFailure := float64(p.hdr.windowPingFailure)
	pfr := pingFailure / math.Max(1, pingSuccess+pingFailure)

	p.pushHistoryLocked(er)

	p.hdr.windowSuccess = 0
	p.hdr.windowError = 0
	p.hdr.windowRejected = 0
	p.hdr.windowPingSuccess = 0
	p.hdr.windowPingFailure = 0
	p.hdr.windowStartTime = now.UnixNano()

	ideal := p.cfg.SetPoint
	if p.cfg.SetPoint < 0 {
		ideal = p.dynamicIdealLocked()
	}

	rejectionRate := p.rejectionRate()
	health := (er - ideal) - (rejectionRate - pfr)

	integral := math.Float64frombits(p.hdr.integral)
	previousError := math.Float64frombits(p.hdr.previousError)
	dt := p.cfg.Period.Seconds()

	P := p.cfg.Kp * health
	integral += health * dt
	I := p.cfg.Ki * integral
	var D float64
	if dt > 0 {
		D = p.cfg.Kd * (health - previousError) / dt
	}

	ceiling := 1 - p.cfg.OutputFloor
	rejectionRate = clamp(rejectionRate+P+I+D, 0, ceiling)

	p.hdr.rejectionRate = math.Float64bits(rejectionRate)
	p.hdr.integral = math.Float64bits(integral)
	p.hdr.previousError = math.Float64bits(health)
	p.hdr.lastErrorRate = math.Float64bits(er)
	p.hdr.lastPingFailureRate = math.Float64bits(pfr)
	p.hdr.lastUpdateTime = now.UnixNano()

	return nil
}

// pushHistoryLocked records er as the most recent entry in the trailing
// circular history. Caller must already hold the lock.
func (p *PIDBreaker) pushHistoryLocked(er float64) {
	idx := p.hdr.historyIndex % pidHistorySize
	p.hdr.history[idx] = math.Float64bits(er)
	p.hdr.historyIndex = (idx + 1) % pidHistorySize
	if p.hdr.historyCount < pidHistorySize {
		p.hdr.historyCount++
	}
}

// dynamicIdealLocked computes the p90 of the valid history entries, capped
// at dynamicErrorRateCeiling. Caller must already hold the lock. With no
// history yet, 0 is a reasonable ideal: no evidence yet that any error rate
// should be tolerated.
func (p *PIDBreaker) dynamicIdealLocked() float64 {
	n := int(p.hdr.historyCount)
	if n == 0 {
		return 0
	}

	rates := make([]float64, n)
	for i := 0; i < n; i++ {
		rates[i] = math.Float64frombits(p.hdr.history[i])
	}
	sort.Float64s(rates)

	rank := int(math.Ceil(0.9*float64(n))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= n {
		rank = n - 1
	}

	p90 := rates[rank]
	if p90 > dynamicErrorRateCeiling {
		return dynamicErrorRateCeiling
	}
	return p90
}

func (p *PIDBreaker) unlock(consistent bool) {
	if !consistent {
		// A dead holder mid-tick leaves partial terms; resetting to a
		// fully-open, zeroed controller is safer than trusting a
		// half-written integral or rejection rate.
		p.hdr.integral = 0
		p.hdr.previousError = 0
		p.hdr.rejectionRate = math.Float64bits(0)
		p.hdr.windowSuccess = 0
		p.hdr.windowError = 0
		p.hdr.windowRejected = 0
		p.hdr.windowPingSuccess = 0
		p.hdr.windowPingFailure = 0
		p.mu.Consistent()
	}
	_ = p.mu.Unlock()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Start launches the background window-rotation loop on its own tomb, so
// callers get a clean Kill/Dying/Wait lifecycle instead of a bare goroutine.
func (p *PIDBreaker) Start() *tomb.Tomb {
	var t tomb.Tomb
	t.Go(func() error {
		ticker := p.clock.Ticker(p.cfg.Period)
		defer ticker.Stop()

		for {
			select {
			case <-t.Dying():
				return nil
			case <-ticker.C:
				if err := p.tick(); err != nil {
					logrus.WithFields(logrus.Fields{
						"resource": p.Resource,
					}).WithError(err).Warn("faultkernel: pid breaker tick failed")
				}
			}
		}
	})
	return &t
}
