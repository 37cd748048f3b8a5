package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiter_AllowsUpToRate(t *testing.T) {
	l := NewLimiter(Config{Rate: 3, Enabled: true})

	for i := 0; i < 3; i++ {
		allowed, wait := l.Check("u1")
		require.True(t, allowed)
		require.Zero(t, wait)
	}

	allowed, wait := l.Check("u1")
	require.False(t, allowed)
	require.Greater(t, wait, time.Duration(0))
}

func TestLimiter_SeparateKeys(t *testing.T) {
	l := NewLimiter(Config{Rate: 1, Enabled: true})
	require.True(t, l.Allow("a"))
	require.False(t, l.Allow("a"))
	require.True(t, l.Allow("b"))
}

func TestLimiter_WindowEviction(t *testing.T) {
	l := NewLimiter(Config{Rate: 1, Enabled: true})
	w := l.getWindow("u1")
	// Pretend the one recorded call happened 61 seconds ago.
	w.times = []time.Time{time.Now().Add(-61 * time.Second)}

	allowed, wait := l.Check("u1")
	require.True(t, allowed)
	require.Zero(t, wait)
}

func TestLimiter_Disabled(t *testing.T) {
	l := NewLimiter(Config{Rate: 1, Enabled: false})
	for i := 0; i < 50; i++ {
		require.True(t, l.Allow("u1"))
	}
}

func TestLimiter_Reset(t *testing.T) {
	l := NewLimiter(Config{Rate: 1, Enabled: true})
	require.True(t, l.Allow("u1"))
	require.False(t, l.Allow("u1"))
	l.Reset("u1")
	require.True(t, l.Allow("u1"))
}

func TestLimiter_GetStatus(t *testing.T) {
	l := NewLimiter(Config{Rate: 2, Enabled: true})
	st := l.GetStatus("u1")
	require.True(t, st.AllowedNow)
	require.Equal(t, 2, st.Remaining)

	l.Allow("u1")
	st = l.GetStatus("u1")
	require.Equal(t, 1, st.Remaining)
}

func TestCompositeKey(t *testing.T) {
	require.Equal(t, "channel:telegram:user:12345", CompositeKey("channel", "telegram", "user", "12345"))
}

func TestMultiLimiter(t *testing.T) {
	global := NewLimiter(Config{Rate: 100, Enabled: true})
	user := NewLimiter(Config{Rate: 1, Enabled: true})
	multi := NewMultiLimiter(global, user)

	require.True(t, multi.Allow("u1"))
	require.False(t, multi.Allow("u1"))

	wait := multi.WaitTime("u1")
	require.Greater(t, wait, time.Duration(0))
}
