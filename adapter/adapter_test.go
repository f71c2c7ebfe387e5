package adapter

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	connErr  error
	id       string
	restored bool
}

func (f *fakeAdapter) IsConnectionError(err error) bool { return errors.Is(err, f.connErr) }
func (f *fakeAdapter) ResourceIdentifier() string       { return f.id }
func (f *fakeAdapter) WithResourceTimeout(t time.Duration) func() {
	return func() { f.restored = true }
}

func TestAdapterContractIsSatisfiableByAShim(t *testing.T) {
	connRefused := errors.New("connection refused")
	a := &fakeAdapter{connErr: connRefused, id: "redis://localhost:6379"}

	var _ ConnectionClassifier = a
	var _ Identifier = a
	var _ TimeoutOverrider = a

	require.True(t, a.IsConnectionError(connRefused))
	require.False(t, a.IsConnectionError(errors.New("not found")))
	require.Equal(t, "redis://localhost:6379", a.ResourceIdentifier())

	restore := a.WithResourceTimeout(50 * time.Millisecond)
	restore()
	require.True(t, a.restored)
}
