//go:build linux

package resource

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/canonical/faultkernel/breaker"
	"github.com/canonical/faultkernel/faultevents"
)

func testResourceName(t *testing.T) string {
	t.Helper()
	return "faultkernel-test-" + t.Name()
}

func TestAcquireReturnsBlockValueOnSuccess(t *testing.T) {
	name := testResourceName(t)
	pr, err := Register(name, Config{
		Tickets:        2,
		AcquireTimeout: time.Second,
		Breaker:        BreakerClassic,
		ClassicBreaker: breaker.ClassicConfig{
			ErrorThreshold: 3, ErrorTimeout: time.Minute,
			OpenTimeout: time.Second, SuccessThreshold: 1, WindowCapacity: 8,
		},
	}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pr.Destroy() })

	v, err := Acquire(pr, context.Background(), func() (int, error) { return 42, nil })
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestAcquireReleasesTicketOnCallError(t *testing.T) {
	name := testResourceName(t)
	pr, err := Register(name, Config{
		Tickets:        1,
		AcquireTimeout: time.Second,
		Breaker:        BreakerClassic,
		ClassicBreaker: breaker.ClassicConfig{
			ErrorThreshold: 100, ErrorTimeout: time.Minute,
			OpenTimeout: time.Second, SuccessThreshold: 1, WindowCapacity: 8,
		},
	}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pr.Destroy() })

	boom := errors.New("boom")
	_, err = Acquire(pr, context.Background(), func() (int, error) { return 0, boom })
	require.ErrorIs(t, err, boom)

	// The ticket must have been released even though the block failed.
	_, err = Acquire(pr, context.Background(), func() (int, error) { return 1, nil })
	require.NoError(t, err)
}

func TestAcquireFastFailsWhenBreakerOpen(t *testing.T) {
	name := testResourceName(t)
	pr, err := Register(name, Config{
		Tickets:        2,
		AcquireTimeout: time.Second,
		Breaker:        BreakerClassic,
		ClassicBreaker: breaker.ClassicConfig{
			ErrorThreshold: 2, ErrorTimeout: time.Minute,
			OpenTimeout: time.Minute, SuccessThreshold: 1, WindowCapacity: 8,
		},
	}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pr.Destroy() })

	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		_, _ = Acquire(pr, context.Background(), func() (int, error) { return 0, boom })
	}

	called := false
	_, err = Acquire(pr, context.Background(), func() (int, error) { called = true; return 0, nil })
	require.Error(t, err)
	require.False(t, called, "breaker must fast-fail before the block ever runs")
}

func TestAcquireDispatchesSuccessAndErrorEvents(t *testing.T) {
	name := testResourceName(t)
	dispatcher := faultevents.NewDispatcher()

	var kinds []faultevents.Kind
	dispatcher.Subscribe(faultevents.SubscriberFunc(func(e faultevents.Event) {
		kinds = append(kinds, e.Kind)
	}))

	pr, err := Register(name, Config{
		Tickets:        2,
		AcquireTimeout: time.Second,
		Breaker:        BreakerClassic,
		ClassicBreaker: breaker.ClassicConfig{
			ErrorThreshold: 100, ErrorTimeout: time.Minute,
			OpenTimeout: time.Second, SuccessThreshold: 1, WindowCapacity: 8,
		},
	}, dispatcher, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pr.Destroy() })

	_, _ = Acquire(pr, context.Background(), func() (int, error) { return 1, nil })
	_, _ = Acquire(pr, context.Background(), func() (int, error) { return 0, errors.New("boom") })

	require.Contains(t, kinds, faultevents.KindSuccess)
	require.Contains(t, kinds, faultevents.KindError)
}

func TestRegisterRejectsInvalidConfig(t *testing.T) {
	name := testResourceName(t)
	_, err := Register(name, Config{Tickets: 1, Quota: 0.5}, nil, nil)
	require.Error(t, err)
}

func TestAcquireWithPIDBreakerStartsClosed(t *testing.T) {
	name := testResourceName(t)
	pr, err := Register(name, Config{
		Tickets:        2,
		AcquireTimeout: time.Second,
		Breaker:        BreakerPID,
		PIDBreaker: breaker.PIDConfig{
			Kp: 1, Ki: 0.1, Kd: 0, SetPoint: 0.05,
			Period: time.Second, OutputFloor: 0.05,
		},
	}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pr.Destroy() })

	require.Equal(t, breaker.StateClosed, pr.State())

	v, err := Acquire(pr, context.Background(), func() (string, error) { return "ok", nil })
	require.NoError(t, err)
	require.Equal(t, "ok", v)
}
