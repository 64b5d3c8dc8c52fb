//go:build linux

package e1000

import (
	"fmt"

	"github.com/romshark/e1000-go/e1000/reg"
)

// RxInit prepares the receive ring, programs the station address and
// enables the receiver. Every slot but one starts out owned by the device.
// The device reads head == tail as "no buffers", so one slot, the gap, is
// always withheld; it sits at the tail and moves forward with every Receive.
// RDT starts at capacity-1, yet the first slot Receive drains is slot 0.
func (d *Device) RxInit() error {
	r := d.rx
	r.ready = false

	if err := r.checkLayout(); err != nil {
		return err
	}
	if err := r.reset(d.tr); err != nil {
		return err
	}

	mac := d.mac
	d.regs.Store32(reg.RAL0,
		uint32(mac[0])|uint32(mac[1])<<8|uint32(mac[2])<<16|uint32(mac[3])<<24)
	d.regs.Store32(reg.RAH0,
		uint32(mac[4])|uint32(mac[5])<<8|reg.RAH_AV)
	for i := reg.Offset(0); i < 128; i++ {
		d.regs.Store32(reg.MTA+4*i, 0)
	}

	reg.Store64(d.regs, reg.RDBAL, reg.RDBAH, r.base)
	d.regs.Store32(reg.RDLEN, r.byteLen())
	d.regs.Store32(reg.RDH, 0)
	tail := uint32(r.slots()) - 1
	d.regs.Store32(reg.RDT, tail)
	r.next = (tail + 1) % uint32(r.slots())

	reg.Set32(d.regs, reg.RCTL, reg.RCTL_EN|reg.RCTL_SECRC|reg.RCTL_BAM)

	r.ready = true
	d.l.WithField("ring", r.name).
		WithField("slots", r.slots()).
		WithField("bus_addr", fmt.Sprintf("%#x", r.base)).
		WithField("mac", mac.String()).
		Debug("e1000 receive ring initialized")
	return nil
}

// Receive copies the next completed frame into buf and returns the slot to
// the device. It returns ErrRxEmpty if no frame is ready, and
// ErrPacketTooLong if buf is shorter than the frame; in both cases the ring
// is left untouched and the call can be repeated.
func (d *Device) Receive(buf []byte) (int, error) {
	r := d.rx
	if !r.ready {
		return 0, ErrNotInitialized
	}

	slot := r.next % uint32(r.slots())
	desc := &r.descs[slot]
	meta := desc.load()
	if metaStatus(meta)&rxStaDD == 0 {
		return 0, ErrRxEmpty
	}

	length := min(metaLen(meta), len(r.bufs[slot]))
	if len(buf) < length {
		d.m.rxTooLong.Inc(1)
		return 0, ErrPacketTooLong
	}

	n := copy(buf, r.bufs[slot][:length])
	desc.store(metaClearStatus(meta, rxStaDD|rxStaEOP))

	// Moving the tail onto the drained slot returns the previous gap slot
	// to the device; the drained slot becomes the new gap.
	d.regs.Store32(r.tail, slot)
	r.next = (slot + 1) % uint32(r.slots())

	d.m.rxPackets.Inc(1)
	d.m.rxBytes.Inc(int64(n))
	return n, nil
}
