//go:build linux

// Package netif adds the caller-side polling policy to the non-blocking
// e1000 transmit and receive paths: retry on a full or empty ring with a
// growing pause, and give up when the context is done.
package netif

import (
	"context"
	"errors"
	"time"

	"github.com/romshark/e1000-go/e1000"
)

// Device is the non-blocking transmit/receive surface of *e1000.Device.
type Device interface {
	Transmit(data []byte) error
	Receive(buf []byte) (int, error)
}

// txWindow is implemented by *e1000.Device.
type txWindow interface {
	TxPending() int
	TxSlots() int
}

// Backoff is the pause between two polls of a full or empty ring.
// The pause starts at Min and doubles up to Max.
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

var DefaultBackoff = Backoff{Min: 50 * time.Microsecond, Max: time.Millisecond}

func (b Backoff) withDefaults() Backoff {
	if b.Min <= 0 {
		b.Min = DefaultBackoff.Min
	}
	if b.Max < b.Min {
		b.Max = max(b.Min, DefaultBackoff.Max)
	}
	return b
}

type poller struct {
	b     Backoff
	delay time.Duration
	timer *time.Timer
}

func newPoller(b Backoff) *poller {
	b = b.withDefaults()
	return &poller{b: b, delay: b.Min}
}

// wait pauses for the current delay and doubles it.
func (p *poller) wait(ctx context.Context) error {
	if p.timer == nil {
		p.timer = time.NewTimer(p.delay)
	} else {
		p.timer.Reset(p.delay)
	}
	select {
	case <-ctx.Done():
		p.timer.Stop()
		return ctx.Err()
	case <-p.timer.C:
	}
	p.delay = min(p.delay*2, p.b.Max)
	return nil
}

func (p *poller) reset() { p.delay = p.b.Min }

func (p *poller) stop() {
	if p.timer != nil {
		p.timer.Stop()
	}
}

// Send hands pkt to dev, waiting while the transmit ring is full.
// Any error other than e1000.ErrTxFull is returned as is.
//
// If dev reports its transmit window, Send never lets the last free slot be
// posted: a completely posted ring reads as empty to the device.
func Send(ctx context.Context, dev Device, pkt []byte, b Backoff) error {
	w, _ := dev.(txWindow)
	var p *poller
	for {
		err := e1000.ErrTxFull
		if w == nil || w.TxPending() < w.TxSlots()-1 {
			err = dev.Transmit(pkt)
		}
		if !errors.Is(err, e1000.ErrTxFull) {
			return err
		}
		if p == nil {
			p = newPoller(b)
			defer p.stop()
		}
		if err := p.wait(ctx); err != nil {
			return err
		}
	}
}

// Flush waits until dev has no transmit slot pending. Call it before
// disabling the transmitter so frames already posted reach the wire.
func Flush(ctx context.Context, dev interface{ TxPending() int }, b Backoff) error {
	p := newPoller(b)
	defer p.stop()
	for dev.TxPending() > 0 {
		if err := p.wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Recv waits for the next frame and copies it into buf.
// Any error other than e1000.ErrRxEmpty is returned as is.
func Recv(ctx context.Context, dev Device, buf []byte, b Backoff) (int, error) {
	var p *poller
	for {
		n, err := dev.Receive(buf)
		if !errors.Is(err, e1000.ErrRxEmpty) {
			return n, err
		}
		if p == nil {
			p = newPoller(b)
			defer p.stop()
		}
		if err := p.wait(ctx); err != nil {
			return 0, err
		}
	}
}

// RunReceiver receives frames from dev and calls fn for every one.
// The slice passed to fn is only valid until fn returns.
// Stops if ctx is canceled and returns context.Canceled.
// If fn returns an error, RunReceiver stops immediately and returns it.
func RunReceiver(
	ctx context.Context,
	dev Device,
	bufSize int,
	b Backoff,
	fn func(frame []byte) error,
) error {
	if bufSize <= 0 {
		bufSize = e1000.RxBufferSize
	}
	buf := make([]byte, bufSize)
	p := newPoller(b)
	defer p.stop()

	for ctx.Err() == nil {
		n, err := dev.Receive(buf)
		switch {
		case errors.Is(err, e1000.ErrRxEmpty):
			if err := p.wait(ctx); err != nil {
				return context.Canceled
			}
			continue
		case err != nil:
			return err
		}
		p.reset()
		if err := fn(buf[:n]); err != nil {
			return err
		}
	}
	return context.Canceled
}
