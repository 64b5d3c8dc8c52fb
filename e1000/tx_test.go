//go:build linux

package e1000

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/e1000-go/e1000/reg"
	"github.com/romshark/e1000-go/nicsim"
)

// txSnapshot captures every transmit descriptor and the tail register.
func txSnapshot(d *Device, sim *nicsim.Sim) ([]descriptor, uint32) {
	descs := make([]descriptor, len(d.tx.descs))
	for i := range d.tx.descs {
		descs[i] = descriptor{addr: d.tx.descs[i].addr, meta: d.tx.descs[i].load()}
	}
	return descs, sim.Load32(reg.TDT)
}

func TestTransmit(t *testing.T) {
	sim := nicsim.New()
	d := newTestDevice(t, sim)

	payload := []byte("hello, wire")
	require.NoError(t, d.Transmit(payload))

	assert.EqualValues(t, 1, sim.Load32(reg.TDT))
	m := d.tx.descs[0].load()
	assert.Equal(t, len(payload), metaLen(m))
	assert.Equal(t, uint8(txCmdRS|txCmdEOP), metaCmd(m))
	assert.Zero(t, metaStatus(m)&txStaDD, "descriptor is owned by hardware")
	assert.Equal(t, payload, d.tx.bufs[0][:len(payload)])

	assert.EqualValues(t, 1, counter(d, MetricTxPackets))
	assert.EqualValues(t, len(payload), counter(d, MetricTxBytes))
}

func TestTransmit_PacketTooLong(t *testing.T) {
	sim := nicsim.New()
	d := newTestDevice(t, sim)
	before, tdt := txSnapshot(d, sim)

	err := d.Transmit(make([]byte, 2000))
	assert.ErrorIs(t, err, ErrPacketTooLong)

	after, tdtAfter := txSnapshot(d, sim)
	assert.Equal(t, before, after)
	assert.Equal(t, tdt, tdtAfter)
	assert.EqualValues(t, 1, counter(d, MetricTxTooLong))
}

func TestTransmit_MaxFrameSize(t *testing.T) {
	d := newTestDevice(t, nicsim.New())
	assert.NoError(t, d.Transmit(make([]byte, MaxFrameSize)))
	assert.ErrorIs(t, d.Transmit(make([]byte, MaxFrameSize+1)), ErrPacketTooLong)
}

func TestTransmit_RingFull(t *testing.T) {
	sim := nicsim.New()
	d := newTestDevice(t, sim)

	for i := 0; i < 16; i++ {
		require.NoError(t, d.Transmit([]byte{byte(i)}), "transmit %d", i)
	}
	assert.EqualValues(t, 0, sim.Load32(reg.TDT), "tail wrapped")

	before, tdt := txSnapshot(d, sim)
	buf0 := bytes.Clone(d.tx.bufs[0])

	assert.Equal(t, 16, d.TxPending())
	assert.ErrorIs(t, d.Transmit([]byte("seventeenth")), ErrTxFull)

	after, tdtAfter := txSnapshot(d, sim)
	assert.Equal(t, before, after)
	assert.Equal(t, tdt, tdtAfter)
	assert.Equal(t, buf0, d.tx.bufs[0])
	assert.EqualValues(t, 1, counter(d, MetricTxFull))
}

func TestTransmit_SlotHeldByHardware(t *testing.T) {
	sim := nicsim.New()
	d := newTestDevice(t, sim)

	// Report status requested, done not yet written back.
	d.tx.descs[0].store(metaSetCmd(metaWithLen(0, 60), txCmdRS|txCmdEOP))
	before, tdt := txSnapshot(d, sim)

	assert.ErrorIs(t, d.Transmit([]byte("x")), ErrTxFull)

	after, tdtAfter := txSnapshot(d, sim)
	assert.Equal(t, before, after)
	assert.Equal(t, tdt, tdtAfter)
}

func TestTransmit_CompletedSlotIsReused(t *testing.T) {
	sim := nicsim.New()
	d := newTestDevice(t, sim)

	for i := 0; i < 40; i++ {
		payload := []byte(fmt.Sprintf("frame %02d", i))
		require.NoError(t, d.Transmit(payload), "transmit %d", i)

		n, err := sim.Step()
		require.NoError(t, err)
		require.Equal(t, 1, n)

		assert.Zero(t, d.TxPending())
		slot := i % 16
		m := d.tx.descs[slot].load()
		assert.NotZero(t, metaStatus(m)&txStaDD, "slot %d written back", slot)
		assert.EqualValues(t, (i+1)%16, sim.Load32(reg.TDT))
		assert.EqualValues(t, (i+1)%16, sim.Load32(reg.TDH))
	}

	sent := sim.TakeTransmitted()
	require.Len(t, sent, 40)
	assert.Equal(t, []byte("frame 07"), sent[7][:8])
	assert.Len(t, sent[7], 60, "short frames are padded")
}

func TestTxPending(t *testing.T) {
	sim := nicsim.New()
	d := newTestDevice(t, sim)
	assert.Zero(t, d.TxPending())

	for range_i := 0; range_i < 5; range_i++ {
		require.NoError(t, d.Transmit([]byte("x")))
	}
	assert.Equal(t, 5, d.TxPending())

	_, err := sim.Step()
	require.NoError(t, err)
	assert.Zero(t, d.TxPending())
}

func TestTransmit_NotInitialized(t *testing.T) {
	d := newUninitializedDevice(t, nicsim.New())
	assert.ErrorIs(t, d.Transmit([]byte("x")), ErrNotInitialized)
}
