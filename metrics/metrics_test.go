package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/canonical/faultkernel/faultevents"
)

func TestOnEventRecordsSuccessAndErrorDurations(t *testing.T) {
	m := New()

	m.OnEvent(faultevents.Event{Kind: faultevents.KindSuccess, Resource: "redis", Duration: 10 * time.Millisecond})
	m.OnEvent(faultevents.Event{Kind: faultevents.KindError, Resource: "redis", Duration: 20 * time.Millisecond})

	body := scrape(t, m)
	require.Contains(t, body, `faultkernel_events_total{kind="success",resource="redis"} 1`)
	require.Contains(t, body, `faultkernel_events_total{kind="error",resource="redis"} 1`)
	require.Contains(t, body, "faultkernel_resource_call_duration_seconds")
}

func TestOnEventRecordsStateTransitions(t *testing.T) {
	m := New()
	m.OnEvent(faultevents.Event{
		Kind: faultevents.KindStateChange, Resource: "redis",
		FromState: "CLOSED", ToState: "OPEN",
	})

	body := scrape(t, m)
	require.Contains(t, body, `faultkernel_breaker_state_transitions_total{from_state="CLOSED",resource="redis",to_state="OPEN"} 1`)
}

func TestOnEventRecordsRegistryEvictions(t *testing.T) {
	m := New()
	m.OnEvent(faultevents.Event{Kind: faultevents.KindRegistryGC, Resource: "stale-conn"})

	body := scrape(t, m)
	require.Contains(t, body, `faultkernel_registry_evictions_total{resource="stale-conn"} 1`)
}

func TestMetricsSubscriberSatisfiesDispatcher(t *testing.T) {
	m := New()
	d := faultevents.NewDispatcher()
	d.Subscribe(m)

	d.Dispatch(faultevents.Event{Kind: faultevents.KindSuccess, Resource: "db"})

	body := scrape(t, m)
	require.Contains(t, body, `faultkernel_events_total{kind="success",resource="db"} 1`)
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)
	return strings.ReplaceAll(rec.Body.String(), "\r\n", "\n")
}
