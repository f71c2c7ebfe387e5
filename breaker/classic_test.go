//go:build linux

package breaker

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/canonical/faultkernel/internal/ipctest"
	"github.com/canonical/faultkernel/semset"
)

func newTestClassicBreaker(t *testing.T, cfg ClassicConfig) (*ClassicBreaker, *clock.Mock) {
	t.Helper()

	set, created, err := semset.Create(ipctest.UniqueKey(t), 1, 0o600)
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, set.SetVal(0, 1))
	t.Cleanup(func() { _ = set.Destroy() })

	payload := make([]byte, classicHeaderSize+cfg.WindowCapacity*8)
	mock := ipctest.MockClock()

	b, err := NewClassicBreaker("test-resource", cfg, payload, set, mock)
	require.NoError(t, err)

	return b, mock
}

func TestClassicBreakerStartsClosed(t *testing.T) {
	b, _ := newTestClassicBreaker(t, ClassicConfig{
		ErrorThreshold:   3,
		ErrorTimeout:     time.Second,
		OpenTimeout:      time.Second,
		SuccessThreshold: 1,
		WindowCapacity:   8,
	})

	require.Equal(t, StateClosed, b.State())
	allow, err := b.Allow()
	require.True(t, allow)
	require.NoError(t, err)
}

func TestClassicBreakerTripsAfterErrorThreshold(t *testing.T) {
	b, mock := newTestClassicBreaker(t, ClassicConfig{
		ErrorThreshold:   3,
		ErrorTimeout:     time.Minute,
		OpenTimeout:      5 * time.Second,
		SuccessThreshold: 1,
		WindowCapacity:   8,
	})

	for i := 0; i < 3; i++ {
		b.RecordError(nil, 0)
		mock.Add(time.Millisecond)
	}

	require.Equal(t, StateOpen, b.State())
	allow, err := b.Allow()
	require.False(t, allow)
	require.Error(t, err)
}

func TestClassicBreakerNonConnectionErrorsDoNotTrip(t *testing.T) {
	b, _ := newTestClassicBreaker(t, ClassicConfig{
		ErrorThreshold:   3,
		ErrorTimeout:     time.Minute,
		OpenTimeout:      5 * time.Second,
		SuccessThreshold: 1,
		WindowCapacity:   8,
	})

	// A caller that decides an error doesn't count simply never calls
	// RecordError for it — the breaker has no opinion on error
	// classification itself.
	require.Equal(t, StateClosed, b.State())
	allow, err := b.Allow()
	require.True(t, allow)
	require.NoError(t, err)
}

func TestClassicBreakerHalfOpensAfterOpenTimeout(t *testing.T) {
	b, mock := newTestClassicBreaker(t, ClassicConfig{
		ErrorThreshold:   2,
		ErrorTimeout:     time.Minute,
		OpenTimeout:      5 * time.Second,
		SuccessThreshold: 1,
		WindowCapacity:   8,
	})

	b.RecordError(nil, 0)
	b.RecordError(nil, 0)
	require.Equal(t, StateOpen, b.State())

	mock.Add(6 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	allow, err := b.Allow()
	require.True(t, allow, "a half-open breaker must admit a probe")
	require.NoError(t, err)
}

func TestClassicBreakerClosesAfterHalfOpenSuccesses(t *testing.T) {
	b, mock := newTestClassicBreaker(t, ClassicConfig{
		ErrorThreshold:   2,
		ErrorTimeout:     time.Minute,
		OpenTimeout:      5 * time.Second,
		SuccessThreshold: 2,
		WindowCapacity:   8,
	})

	b.RecordError(nil, 0)
	b.RecordError(nil, 0)
	mock.Add(6 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess(0)
	require.Equal(t, StateHalfOpen, b.State(), "one success is not enough with SuccessThreshold=2")

	b.RecordSuccess(0)
	require.Equal(t, StateClosed, b.State())
}

func TestClassicBreakerErrorTimeoutExpiresOldEntries(t *testing.T) {
	b, mock := newTestClassicBreaker(t, ClassicConfig{
		ErrorThreshold:   3,
		ErrorTimeout:     10 * time.Second,
		OpenTimeout:      time.Second,
		SuccessThreshold: 1,
		WindowCapacity:   8,
	})

	b.RecordError(nil, 0)
	b.RecordError(nil, 0)
	mock.Add(15 * time.Second) // both errors age out of the window
	b.RecordError(nil, 0)

	require.Equal(t, StateClosed, b.State(), "expired errors must not count toward the threshold")
}
