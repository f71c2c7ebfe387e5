// Package breaker implements the two circuit breaker flavors protected
// resources can choose: ClassicBreaker, a derived-state machine with no
// stored transition variable (state is always recomputed from the error
// window, the last error time, and the current half-open success count),
// and PIDBreaker, a continuously-adjusting controller that throttles the
// pass-through rate instead of snapping between discrete states.
package breaker

import "time"

// State is the coarse classification every Breaker implementation maps its
// internal state onto, so resource.ProtectedResource can reason about both
// flavors uniformly.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker decides whether a call should be attempted and learns from its
// outcome. Implementations are process-shared: every sibling process
// calling Allow/RecordSuccess/RecordError against the same resource
// observes the same derived state.
type Breaker interface {
	Allow() (bool, error)
	RecordSuccess(d time.Duration)
	RecordError(err error, d time.Duration)
	State() State
}
