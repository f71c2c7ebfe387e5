// Package faultevents is the synchronous event stream every protected
// resource publishes to: a success or rejection, a breaker state change, or
// the registry reclaiming an idle resource. Subscribers are invoked inline,
// on the caller's own goroutine — there is no buffering or async delivery
// queue in core; a Subscriber that needs one (an exporter, a log sink)
// builds it itself.
package faultevents

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies what happened.
type Kind int

const (
	KindSuccess Kind = iota
	KindError
	KindBusy
	KindCircuitOpen
	KindStateChange
	KindRegistryGC
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindError:
		return "error"
	case KindBusy:
		return "busy"
	case KindCircuitOpen:
		return "circuit_open"
	case KindStateChange:
		return "state_change"
	case KindRegistryGC:
		return "registry_gc"
	default:
		return "unknown"
	}
}

// Event describes a single occurrence on a named resource. Fields unused by
// a given Kind are left zero — there is deliberately no per-kind payload
// type, matching the single flat Event shape the rest of the module passes
// around.
type Event struct {
	ID       uuid.UUID
	Kind     Kind
	Resource string
	At       time.Time

	// Duration is the call's wait or execution time, for KindSuccess/KindError.
	Duration time.Duration
	// Err is the underlying failure, for KindError.
	Err error
	// FromState/ToState are populated for KindStateChange.
	FromState, ToState string
	// Reason is free text context: why the circuit tripped, why the
	// registry reclaimed an entry, and so on.
	Reason string
}

// Subscriber receives dispatched events. Implementations must not block
// indefinitely — they run on the caller's goroutine, in line with the
// operation that triggered the event.
type Subscriber interface {
	OnEvent(Event)
}

// SubscriberFunc adapts a plain function to Subscriber.
type SubscriberFunc func(Event)

func (f SubscriberFunc) OnEvent(e Event) { f(e) }
