package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now    time.Time
	slept  []time.Duration
	cancel bool
}

func (c *fakeClock) install(l *Throttle) {
	l.start = c.now
	l.now = func() time.Time { return c.now }
	l.sleep = func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.slept = append(c.slept, d)
		c.now = c.now.Add(d)
		return nil
	}
}

func TestNew_Disabled(t *testing.T) {
	l := New(0)
	assert.Nil(t, l)
	assert.NoError(t, l.WaitN(context.Background(), 100))
	l.ThrottleN(100)
}

func TestNew_CheckInterval(t *testing.T) {
	assert.EqualValues(t, 1, New(50).every)
	assert.EqualValues(t, 100, New(10_000).every)
	assert.EqualValues(t, 1024, New(10_000_000).every)
	assert.Equal(t, time.Millisecond, New(1000).perPacket)
}

func TestWaitN_AheadOfSchedule(t *testing.T) {
	l := New(1000) // 1ms per packet, clock checked every 10 packets
	c := &fakeClock{now: time.Unix(0, 0)}
	c.install(l)

	for range_i := 0; range_i < 9; range_i++ {
		require.NoError(t, l.WaitN(context.Background(), 1))
	}
	assert.Empty(t, c.slept, "clock is not read before the check interval")

	require.NoError(t, l.WaitN(context.Background(), 1))
	assert.Equal(t, []time.Duration{10 * time.Millisecond}, c.slept)

	c.now = c.now.Add(4 * time.Millisecond)
	require.NoError(t, l.WaitN(context.Background(), 10))
	assert.Equal(t, 6*time.Millisecond, c.slept[1])
}

func TestWaitN_BehindSchedule(t *testing.T) {
	l := New(1000)
	c := &fakeClock{now: time.Unix(0, 0)}
	c.install(l)

	c.now = c.now.Add(time.Second)
	require.NoError(t, l.WaitN(context.Background(), 10))
	assert.Empty(t, c.slept)

	// The lost second is not made up for with a burst.
	require.NoError(t, l.WaitN(context.Background(), 10))
	assert.Equal(t, []time.Duration{10 * time.Millisecond}, c.slept)
}

func TestWaitN_Canceled(t *testing.T) {
	l := New(1000)
	c := &fakeClock{now: time.Unix(0, 0)}
	c.install(l)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.WaitN(ctx, 10), context.Canceled)
}

func TestWaitN_RealClock(t *testing.T) {
	l := New(2000)
	start := time.Now()
	for range_i := 0; range_i < 100; range_i++ {
		l.ThrottleN(1)
	}
	assert.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)
}
