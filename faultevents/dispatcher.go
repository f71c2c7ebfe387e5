package faultevents

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Dispatcher fans a stream of Events out to every registered Subscriber,
// synchronously and in registration order. A panicking Subscriber is
// recovered and logged — one broken subscriber must never take down the
// resource it's observing.
type Dispatcher struct {
	mu   sync.RWMutex
	subs []Subscriber
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Subscribe registers s to receive future events. It returns an unsubscribe
// function.
func (d *Dispatcher) Subscribe(s Subscriber) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Each registration gets its own pointer identity, so unsubscribing works
	// for non-comparable subscribers (a SubscriberFunc) and after earlier
	// registrations have been removed.
	type subscription struct{ Subscriber }
	sub := &subscription{s}
	d.subs = append(d.subs, sub)

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, cur := range d.subs {
			if cur == Subscriber(sub) {
				d.subs = append(d.subs[:i], d.subs[i+1:]...)
				return
			}
		}
	}
}

// Dispatch delivers e to every current subscriber. If e.ID is the zero
// UUID, one is generated so subscribers can correlate an event across
// their own logs/metrics.
func (d *Dispatcher) Dispatch(e Event) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}

	d.mu.RLock()
	subs := make([]Subscriber, len(d.subs))
	copy(subs, d.subs)
	d.mu.RUnlock()

	for _, s := range subs {
		dispatchOne(s, e)
	}
}

func dispatchOne(s Subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"resource": e.Resource,
				"kind":     e.Kind.String(),
				"panic":    r,
			}).Error("faultkernel: event subscriber panicked, recovered")
		}
	}()

	s.OnEvent(e)
}
