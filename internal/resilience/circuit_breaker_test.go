// SPDX-License-Identifier: MIT

package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockClock struct {
	now time.Time
}

func (m *mockClock) Now() time.Time { return m.now }

var errUpstream = errors.New("upstream boom")

func failing() error { return errUpstream }

func succeeding() error { return nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := New("origin.example", 3, 30*time.Second, WithClock(clock))

	require.Equal(t, StateClosed, cb.State())

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, cb.Execute(failing), errUpstream)
	}
	assert.Equal(t, StateClosed, cb.State(), "below threshold stays closed")

	require.ErrorIs(t, cb.Execute(failing), errUpstream)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_OpenFailsFast(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := New("origin.example", 1, 30*time.Second, WithClock(clock))

	require.ErrorIs(t, cb.Execute(failing), errUpstream)
	require.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called, "open breaker must not invoke the call")
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := New("origin.example", 1, 10*time.Second, WithClock(clock))

	require.ErrorIs(t, cb.Execute(failing), errUpstream)
	require.Equal(t, StateOpen, cb.State())

	// Just inside the window: still rejecting.
	clock.now = clock.now.Add(9 * time.Second)
	assert.ErrorIs(t, cb.Execute(succeeding), ErrCircuitOpen)

	// Past the window: a probe goes through and closes the breaker.
	clock.now = clock.now.Add(2 * time.Second)
	assert.NoError(t, cb.Execute(succeeding))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := New("origin.example", 1, 10*time.Second, WithClock(clock))

	require.ErrorIs(t, cb.Execute(failing), errUpstream)
	require.Equal(t, StateOpen, cb.State())

	clock.now = clock.now.Add(11 * time.Second)
	require.ErrorIs(t, cb.Execute(failing), errUpstream)
	assert.Equal(t, StateOpen, cb.State(), "half-open probe failure re-opens")

	// The failed probe restarts the reset window.
	assert.ErrorIs(t, cb.Execute(succeeding), ErrCircuitOpen)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := New("origin.example", 3, 30*time.Second, WithClock(clock))

	require.ErrorIs(t, cb.Execute(failing), errUpstream)
	require.ErrorIs(t, cb.Execute(failing), errUpstream)
	require.NoError(t, cb.Execute(succeeding))

	// Two more failures are again below the threshold.
	require.ErrorIs(t, cb.Execute(failing), errUpstream)
	require.ErrorIs(t, cb.Execute(failing), errUpstream)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	cb := New("origin.example", 0, 0)
	assert.Equal(t, 3, cb.threshold)
	assert.Equal(t, 30*time.Second, cb.resetTimeout)
	assert.Equal(t, StateClosed, cb.State())
}
