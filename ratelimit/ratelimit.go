// Package ratelimit paces frame submission to a packets-per-second budget.
package ratelimit

import (
	"context"
	"time"
)

// Throttle limits to pps packets per second on average.
// A nil *Throttle never blocks. Not safe for concurrent use.
type Throttle struct {
	perPacket time.Duration
	sent      uint64
	nextCheck uint64
	every     uint64
	start     time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New creates a limiter for pps packets per second.
// If pps == 0, throttling is disabled and New returns nil.
func New(pps uint64) *Throttle {
	if pps == 0 {
		return nil
	}
	every := min(max(pps/100, 1), 1024)
	return &Throttle{
		perPacket: time.Second / time.Duration(pps),
		// Look at the clock about every 10ms worth of packets, at least
		// once per 1024 packets.
		every:     every,
		nextCheck: every,
		start:     time.Now(),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ThrottleN blocks until n more packets are allowed.
func (l *Throttle) ThrottleN(n uint64) { _ = l.WaitN(context.Background(), n) }

// WaitN accounts for n packets and blocks until they are within budget or
// ctx is done. A sender that fell behind is not slowed down, and it does
// not get to burst to catch up either: lost time is not made up for.
func (l *Throttle) WaitN(ctx context.Context, n uint64) error {
	if l == nil || n == 0 {
		return nil
	}
	l.sent += n
	if l.sent < l.nextCheck {
		return nil
	}
	l.nextCheck = l.sent + l.every

	due := l.start.Add(time.Duration(l.sent) * l.perPacket)
	now := l.now()
	if !now.Before(due) {
		// Behind schedule: rebase so that the backlog does not turn into
		// a burst.
		l.start = now.Add(-time.Duration(l.sent) * l.perPacket)
		return nil
	}
	return l.sleep(ctx, due.Sub(now))
}
