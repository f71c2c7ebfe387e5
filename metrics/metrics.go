// Package metrics is an optional observability collaborator: a concrete
// faultevents.Subscriber that exports per-resource counters and histograms
// to Prometheus. It is not part of the core module — a caller wires it in
// by subscribing it to a Dispatcher, the same way any third-party
// subscriber would be.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/canonical/faultkernel/faultevents"
)

// Metrics holds the Prometheus descriptors for the fault-isolation event
// stream. All metrics register on a dedicated prometheus.Registry rather
// than the global default, so embedding this subscriber in a host process
// never collides with that process's own instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	eventsTotal         *prometheus.CounterVec
	stateTransitions    *prometheus.CounterVec
	callDurationSeconds *prometheus.HistogramVec
	registryEvictions   *prometheus.CounterVec
}

// New creates and registers the metric descriptors and returns a Metrics
// ready to subscribe to a faultevents.Dispatcher.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "faultkernel",
			Subsystem: "events",
			Name:      "total",
			Help:      "Total fault-isolation events dispatched, by resource and kind.",
		}, []string{"resource", "kind"}),

		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "faultkernel",
			Subsystem: "breaker",
			Name:      "state_transitions_total",
			Help:      "Circuit breaker state transitions, by resource, from_state, and to_state.",
		}, []string{"resource", "from_state", "to_state"}),

		callDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "faultkernel",
			Subsystem: "resource",
			Name:      "call_duration_seconds",
			Help:      "Wall-clock duration of calls made through a protected resource, by resource and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"resource", "outcome"}),

		registryEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "faultkernel",
			Subsystem: "registry",
			Name:      "evictions_total",
			Help:      "Resource registry entries evicted under capacity pressure, by resource.",
		}, []string{"resource"}),
	}

	reg.MustRegister(
		m.eventsTotal,
		m.stateTransitions,
		m.callDurationSeconds,
		m.registryEvictions,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns an http.Handler serving this Metrics' registry in
// Prometheus text exposition format, suitable for mounting at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// OnEvent implements faultevents.Subscriber. It must never panic or block —
// Dispatch calls every subscriber synchronously on the caller's goroutine,
// and a wedged subscriber would stall every caller's Acquire.
func (m *Metrics) OnEvent(e faultevents.Event) {
	m.eventsTotal.WithLabelValues(e.Resource, e.Kind.String()).Inc()

	switch e.Kind {
	case faultevents.KindSuccess:
		m.callDurationSeconds.WithLabelValues(e.Resource, "success").Observe(e.Duration.Seconds())
	case faultevents.KindError:
		m.callDurationSeconds.WithLabelValues(e.Resource, "error").Observe(e.Duration.Seconds())
	case faultevents.KindStateChange:
		m.stateTransitions.WithLabelValues(e.Resource, e.FromState, e.ToState).Inc()
	case faultevents.KindRegistryGC:
		m.registryEvictions.WithLabelValues(e.Resource).Inc()
	}
}
