//go:build linux

package e1000

import (
	"fmt"

	"github.com/romshark/e1000-go/e1000/reg"
)

// TxInit prepares the transmit ring and enables the transmitter.
// An error wrapping ErrDescriptorLayout is fatal: the ring memory does not
// have the layout the device requires and transmit stays disabled.
func (d *Device) TxInit() error {
	r := d.tx
	r.ready = false

	if err := r.checkLayout(); err != nil {
		return err
	}
	if err := r.reset(d.tr); err != nil {
		return err
	}

	reg.Store64(d.regs, reg.TDBAL, reg.TDBAH, r.base)
	d.regs.Store32(reg.TDLEN, r.byteLen())
	d.regs.Store32(reg.TDH, 0)
	d.regs.Store32(reg.TDT, 0)

	tctl := d.regs.Load32(reg.TCTL)
	tctl |= reg.TCTL_EN | reg.TCTL_PSP
	tctl &^= reg.TCTL_COLD
	tctl |= d.conf.CollisionDistance << reg.TCTL_COLDShift & reg.TCTL_COLD
	d.regs.Store32(reg.TCTL, tctl)
	d.regs.Store32(reg.TIPG, d.conf.TransmitIPG)

	r.ready = true
	d.l.WithField("ring", r.name).
		WithField("slots", r.slots()).
		WithField("bus_addr", fmt.Sprintf("%#x", r.base)).
		Debug("e1000 transmit ring initialized")
	return nil
}

// Transmit copies data into the next free transmit buffer and hands it to
// the device. It returns ErrPacketTooLong if data does not fit a buffer and
// ErrTxFull if the next slot is still owned by the device; in both cases
// nothing is modified.
func (d *Device) Transmit(data []byte) error {
	r := d.tx
	if !r.ready {
		return ErrNotInitialized
	}
	if len(data) > MaxFrameSize {
		d.m.txTooLong.Inc(1)
		return ErrPacketTooLong
	}

	slot := r.next % uint32(r.slots())
	desc := &r.descs[slot]
	meta := desc.load()
	if metaCmd(meta)&txCmdRS != 0 && metaStatus(meta)&txStaDD == 0 {
		d.m.txFull.Inc(1)
		return ErrTxFull
	}

	n := copy(r.bufs[slot], data)
	meta = metaWithLen(meta, n)
	meta = metaSetCmd(meta, txCmdRS|txCmdEOP)
	meta = metaClearStatus(meta, txStaDD)
	desc.store(meta)

	// The atomic descriptor store above orders the buffer copy before the
	// tail write below.
	r.advance(d.regs)

	d.m.txPackets.Inc(1)
	d.m.txBytes.Inc(int64(n))
	return nil
}

// TxPending returns the number of transmit slots handed to the device whose
// completion has not been written back yet.
//
// The device reads TDH == TDT as an empty ring, so a ring with every slot
// pending stalls until the next Transmit, which in turn fails with
// ErrTxFull. Callers that can outrun the device keep TxPending below
// TxSlots()-1; netif.Send does so.
func (d *Device) TxPending() int {
	n := 0
	for i := range d.tx.descs {
		m := d.tx.descs[i].load()
		if metaCmd(m)&txCmdRS != 0 && metaStatus(m)&txStaDD == 0 {
			n++
		}
	}
	return n
}
