package ratelimit_test

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/locfind/go-locfind/ratelimit"
	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	require.Equal(t, time.Second, ratelimit.Backoff(0))
	require.Equal(t, 2*time.Second, ratelimit.Backoff(1))
	require.Equal(t, 4*time.Second, ratelimit.Backoff(2))
	require.Equal(t, 8*time.Second, ratelimit.Backoff(3))
	require.Equal(t, 16*time.Second, ratelimit.Backoff(4))
	require.Equal(t, 30*time.Second, ratelimit.Backoff(5))
	require.Equal(t, 30*time.Second, ratelimit.Backoff(12))
	require.Equal(t, time.Second, ratelimit.Backoff(-1))
}

func TestFailWithBackoff(t *testing.T) {
	mc := clock.NewMock()
	state := ratelimit.NewState(mc)

	require.Equal(t, time.Second, state.FailWithBackoff())
	require.Equal(t, 1, state.Failures())
	require.Equal(t, 2*time.Second, state.FailWithBackoff())
	require.Equal(t, 4*time.Second, state.FailWithBackoff())
	require.Equal(t, 3, state.Failures())

	_, active := state.Cooldown()
	require.True(t, active)

	state.Succeed()
	require.Zero(t, state.Failures())
	_, active = state.Cooldown()
	require.False(t, active)
	require.Equal(t, time.Second, state.FailWithBackoff())
}

func TestStatusDerivation(t *testing.T) {
	mc := clock.NewMock()
	state := ratelimit.NewState(mc)

	st := state.Status()
	require.False(t, st.IsRateLimited)
	require.True(t, st.ResetTime.IsZero())
	require.Zero(t, st.Remaining)

	deadline := mc.Now().Add(5 * time.Second)
	state.SetDeadline(deadline)

	st = state.Status()
	require.True(t, st.IsRateLimited)
	require.Equal(t, deadline, st.ResetTime)
	require.Equal(t, 5*time.Second, st.Remaining)

	// Passing the deadline clears the limit with no explicit reset.
	mc.Add(6 * time.Second)
	st = state.Status()
	require.False(t, st.IsRateLimited)
	require.Zero(t, st.Remaining)
}

func TestClear(t *testing.T) {
	mc := clock.NewMock()
	state := ratelimit.NewState(mc)

	state.FailWithBackoff()
	state.FailWithBackoff()
	state.Clear()

	require.Zero(t, state.Failures())
	_, active := state.Cooldown()
	require.False(t, active)
}

func TestAuthFailureNoCooldown(t *testing.T) {
	mc := clock.NewMock()
	state := ratelimit.NewState(mc)

	require.Equal(t, 1, state.Fail())
	require.Equal(t, 2, state.Fail())
	_, active := state.Cooldown()
	require.False(t, active)
}

func TestWindow(t *testing.T) {
	mc := clock.NewMock()
	w := ratelimit.NewWindow(3, mc)

	require.Equal(t, 3, w.Remaining())
	require.True(t, w.Allow())
	require.True(t, w.Allow())
	require.True(t, w.Allow())
	require.False(t, w.Allow())
	require.Zero(t, w.Remaining())

	// Window rolls over after a minute.
	mc.Add(time.Minute)
	require.Equal(t, 3, w.Remaining())
	require.True(t, w.Allow())
	require.Equal(t, 2, w.Remaining())
}
