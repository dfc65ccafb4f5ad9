package collaboration

import (
	"testing"
	"time"

	"graph-sync/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(clock *fakeClock) *RateLimiter {
	rl := NewRateLimiter(LimitsFromConfig(config.DefaultLimits()))
	rl.now = clock.Now
	return rl
}

func TestRateLimiter_OperationWindowExactness(t *testing.T) {
	clock := newFakeClock()
	rl := newTestLimiter(clock)

	// 100 operations spread over 50 seconds
	for i := 0; i < 100; i++ {
		d := rl.Allow("s1", CategoryOperation)
		require.True(t, d.Allowed, "operation %d should be allowed", i+1)
		clock.Advance(500 * time.Millisecond)
	}

	d := rl.Allow("s1", CategoryOperation)
	assert.False(t, d.Allowed, "101st operation inside the window must be rejected")
	// First hit was 50s ago, so it leaves the window in 10s
	assert.Equal(t, 10*time.Second, d.RetryAfter)

	clock.Advance(d.RetryAfter)
	assert.True(t, rl.Allow("s1", CategoryOperation).Allowed, "allowed once the oldest hit leaves the window")
	assert.False(t, rl.Allow("s1", CategoryOperation).Allowed, "only one slot was freed")
}

func TestRateLimiter_CursorBurst(t *testing.T) {
	clock := newFakeClock()
	rl := newTestLimiter(clock)

	// 101 cursor updates within one second, 5ms apart
	var allowed, rejected int
	var firstRejection int
	var retryAfter time.Duration
	for i := 0; i < 101; i++ {
		d := rl.Allow("s1", CategoryCursor)
		if d.Allowed {
			allowed++
		} else {
			if rejected == 0 {
				firstRejection = i + 1
				retryAfter = d.RetryAfter
			}
			rejected++
		}
		clock.Advance(5 * time.Millisecond)
	}

	assert.Equal(t, 60, allowed)
	assert.Equal(t, 41, rejected)
	assert.Equal(t, 61, firstRejection)
	// 61st arrives 300ms after the first; the first expires 700ms later
	assert.Equal(t, 700*time.Millisecond, retryAfter)
}

func TestRateLimiter_CategoriesAndKeysIndependent(t *testing.T) {
	clock := newFakeClock()
	rl := newTestLimiter(clock)

	for i := 0; i < 30; i++ {
		require.True(t, rl.Allow("s1", CategorySelection).Allowed)
	}
	assert.False(t, rl.Allow("s1", CategorySelection).Allowed)

	assert.True(t, rl.Allow("s1", CategoryViewport).Allowed, "viewport has its own window")
	assert.True(t, rl.Allow("s1", CategoryCursor).Allowed, "cursor has its own window")
	assert.True(t, rl.Allow("s2", CategorySelection).Allowed, "other sessions are unaffected")
}

func TestRateLimiter_UnlimitedCategory(t *testing.T) {
	rl := NewRateLimiter(map[Category]Limit{CategoryCursor: {Max: 0, Window: time.Second}})

	for i := 0; i < 1000; i++ {
		require.True(t, rl.Allow("s1", CategoryCursor).Allowed)
		require.True(t, rl.Allow("s1", CategoryOperation).Allowed)
	}
	assert.Equal(t, 0, rl.Keys(), "unlimited categories keep no state")
}

func TestRateLimiter_ForgetAndSweep(t *testing.T) {
	clock := newFakeClock()
	rl := newTestLimiter(clock)

	for i := 0; i < 60; i++ {
		rl.Allow("s1", CategoryCursor)
	}
	rl.Allow("s2", CategoryOperation)
	assert.Equal(t, 2, rl.Keys())

	rl.Forget("s1")
	assert.Equal(t, 1, rl.Keys())
	assert.True(t, rl.Allow("s1", CategoryCursor).Allowed, "forgotten keys start fresh")

	clock.Advance(2 * time.Second)
	rl.Sweep()
	assert.Equal(t, 1, rl.Keys(), "operation window of s2 still holds its hit")

	clock.Advance(time.Minute)
	rl.Sweep()
	assert.Equal(t, 0, rl.Keys())
}
