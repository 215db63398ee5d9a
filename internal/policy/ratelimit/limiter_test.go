package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// sleep advances the fake clock instead of blocking.
func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

func newTestLimiter(clock *fakeClock) *Limiter {
	return New(Config{
		Capacity:       10,
		RefillTokens:   10,
		RefillInterval: time.Minute,
	}, WithClock(clock.Now), WithSleeper(clock.sleep))
}

func TestLimiterBurstThenRefill(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newTestLimiter(clock)

	for i := range 10 {
		require.True(t, l.CheckLimit("registry"), "token %d", i)
	}
	require.False(t, l.CheckLimit("registry"))
	require.Equal(t, 0, l.GetStatus("registry").Remaining)

	clock.Advance(6000 * time.Millisecond)
	require.GreaterOrEqual(t, l.GetStatus("registry").Remaining, 1)

	clock.Advance(time.Millisecond)
	require.True(t, l.CheckLimit("registry"))
}

func TestLimiterStatusNeverNegative(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newTestLimiter(clock)

	for range 50 {
		l.CheckLimit("registry")
	}
	st := l.GetStatus("registry")
	require.Equal(t, 0, st.Remaining)
	require.True(t, st.ResetAt.After(clock.Now()))
	require.LessOrEqual(t, st.ResetAt.Sub(clock.Now()), time.Minute+time.Millisecond)
}

func TestLimiterStatusFullBucket(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newTestLimiter(clock)

	st := l.GetStatus("fresh")
	require.Equal(t, 10, st.Remaining)
	require.Equal(t, clock.Now(), st.ResetAt)
}

func TestLimiterIdentifiersAreIndependent(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newTestLimiter(clock)

	for range 10 {
		require.True(t, l.CheckLimit("a"))
	}
	require.False(t, l.CheckLimit("a"))
	require.True(t, l.CheckLimit("b"))
}

func TestWaitForSlotSleepsUntilRefill(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newTestLimiter(clock)

	for range 10 {
		require.True(t, l.CheckLimit("registry"))
	}
	start := clock.Now()
	require.NoError(t, l.WaitForSlot(context.Background(), "registry"))
	waited := clock.Now().Sub(start)
	require.GreaterOrEqual(t, waited, 6000*time.Millisecond)
	require.Less(t, waited, 6100*time.Millisecond)
	require.Equal(t, 0, l.GetStatus("registry").Remaining)
}

func TestWaitForSlotImmediateWhenTokensAvailable(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newTestLimiter(clock)

	start := clock.Now()
	require.NoError(t, l.WaitForSlot(context.Background(), "registry"))
	require.Equal(t, start, clock.Now())
	require.Equal(t, 9, l.GetStatus("registry").Remaining)
}

func TestWaitForSlotHonorsCancellation(t *testing.T) {
	t.Parallel()
	l := New(Config{Capacity: 1, RefillTokens: 1, RefillInterval: time.Hour})
	require.True(t, l.CheckLimit("registry"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.WaitForSlot(ctx, "registry")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResetRestoresCapacity(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newTestLimiter(clock)

	for range 10 {
		l.CheckLimit("registry")
	}
	require.False(t, l.CheckLimit("registry"))
	l.Reset()
	require.Equal(t, 10, l.GetStatus("registry").Remaining)
}
