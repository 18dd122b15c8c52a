package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	rl := NewRateLimiter(3, time.Second)
	t0 := time.Unix(1_700_000_000, 0)

	require.True(t, rl.Allow(t0))
	require.True(t, rl.Allow(t0.Add(100*time.Millisecond)))
	require.True(t, rl.Allow(t0.Add(200*time.Millisecond)))
	require.False(t, rl.Allow(t0.Add(900*time.Millisecond)))

	// The oldest accepted event leaves the window.
	require.True(t, rl.Allow(t0.Add(time.Second)))
	require.False(t, rl.Allow(t0.Add(time.Second+50*time.Millisecond)))
	require.True(t, rl.Allow(t0.Add(1100*time.Millisecond)))
}

func TestRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	now := time.Now()
	for i := 0; i < rateLimitEvents; i++ {
		require.True(t, rl.Allow(now))
	}
	require.False(t, rl.Allow(now))
}
