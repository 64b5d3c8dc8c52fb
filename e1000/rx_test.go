//go:build linux

package e1000

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/e1000-go/e1000/reg"
	"github.com/romshark/e1000-go/nicsim"
)

// testFrame builds an ethernet frame to dst carrying a sequence number.
func testFrame(dst net.HardwareAddr, seq uint32, size int) []byte {
	f := make([]byte, size)
	copy(f[0:6], dst)
	copy(f[6:12], []byte{0x02, 0, 0, 0, 0, 0x99})
	binary.BigEndian.PutUint16(f[12:14], 0x88b5) // local experimental ethertype
	binary.BigEndian.PutUint32(f[14:18], seq)
	return f
}

// fillSlot plays the device: it writes data into the next receive slot and
// marks it done.
func fillSlot(d *Device, data []byte) {
	slot := d.rx.next
	copy(d.rx.bufs[slot], data)
	d.rx.descs[slot].store(uint64(len(data)) | uint64(rxStaDD|rxStaEOP)<<metaStatShift)
}

func TestReceive_HelloWorld(t *testing.T) {
	sim := nicsim.New()
	d := newTestDevice(t, sim)
	fillSlot(d, []byte("Hello World!"))

	out := make([]byte, 64)
	n, err := d.Receive(out)
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.Equal(t, "Hello World!", string(out[:n]))

	assert.Zero(t, metaStatus(d.rx.descs[0].load())&(rxStaDD|rxStaEOP))
	assert.EqualValues(t, 0, sim.Load32(reg.RDT), "tail advanced by one, modulo capacity")
	assert.EqualValues(t, 1, counter(d, MetricRxPackets))
	assert.EqualValues(t, 12, counter(d, MetricRxBytes))
}

func TestReceive_Empty(t *testing.T) {
	sim := nicsim.New()
	d := newTestDevice(t, sim)

	out := bytes.Repeat([]byte{0xaa}, 64)
	for range_i := 0; range_i < 3; range_i++ {
		n, err := d.Receive(out)
		assert.ErrorIs(t, err, ErrRxEmpty)
		assert.Zero(t, n)
	}
	assert.Equal(t, bytes.Repeat([]byte{0xaa}, 64), out)
	assert.EqualValues(t, 127, sim.Load32(reg.RDT))
	assert.Zero(t, d.rx.next)
}

func TestReceive_BufferTooSmall(t *testing.T) {
	sim := nicsim.New()
	d := newTestDevice(t, sim)
	frame := testFrame(d.MAC(), 1, 100)
	require.NoError(t, sim.Inject(frame))

	small := bytes.Repeat([]byte{0xaa}, 50)
	n, err := d.Receive(small)
	assert.ErrorIs(t, err, ErrPacketTooLong)
	assert.Zero(t, n)
	assert.Equal(t, bytes.Repeat([]byte{0xaa}, 50), small)
	assert.NotZero(t, metaStatus(d.rx.descs[0].load())&rxStaDD, "frame is still retrievable")
	assert.EqualValues(t, 127, sim.Load32(reg.RDT))

	big := make([]byte, RxBufferSize)
	n, err = d.Receive(big)
	require.NoError(t, err)
	assert.Equal(t, frame, big[:n])
}

func TestReceive_FromDevice(t *testing.T) {
	sim := nicsim.New()
	d := newTestDevice(t, sim)

	unicast := testFrame(d.MAC(), 1, 60)
	broadcast := testFrame(net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, 2, 60)
	other := testFrame(net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}, 3, 60)

	require.NoError(t, sim.Inject(unicast))
	require.NoError(t, sim.Inject(broadcast))
	assert.ErrorIs(t, sim.Inject(other), nicsim.ErrFiltered)

	out := make([]byte, RxBufferSize)
	for _, want := range [][]byte{unicast, broadcast} {
		n, err := d.Receive(out)
		require.NoError(t, err)
		assert.Equal(t, want, out[:n], "CRC is stripped")
	}
	_, err := d.Receive(out)
	assert.ErrorIs(t, err, ErrRxEmpty)
}

func TestReceive_Wraparound(t *testing.T) {
	sim := nicsim.New()
	d := newTestDevice(t, sim)
	out := make([]byte, RxBufferSize)

	for i := uint32(0); i < 300; i++ {
		require.NoError(t, sim.Inject(testFrame(d.MAC(), i, 64)), "inject %d", i)
		n, err := d.Receive(out)
		require.NoError(t, err, "receive %d", i)
		require.Equal(t, 64, n)
		assert.Equal(t, i, binary.BigEndian.Uint32(out[14:18]))
		assert.EqualValues(t, i%128, sim.Load32(reg.RDT))
	}
}

func TestReceive_RingOverrun(t *testing.T) {
	sim := nicsim.New()
	d := newTestDevice(t, sim)

	for i := uint32(0); i < 127; i++ {
		require.NoError(t, sim.Inject(testFrame(d.MAC(), i, 64)), "inject %d", i)
	}
	assert.ErrorIs(t, sim.Inject(testFrame(d.MAC(), 127, 64)), nicsim.ErrNoRxBuffer,
		"the gap slot is never handed out")
	assert.EqualValues(t, 1, sim.Load32(reg.MPC))

	out := make([]byte, RxBufferSize)
	_, err := d.Receive(out)
	require.NoError(t, err)
	assert.Zero(t, binary.BigEndian.Uint32(out[14:18]))

	require.NoError(t, sim.Inject(testFrame(d.MAC(), 127, 64)), "one slot was returned")
	for i := uint32(1); i <= 127; i++ {
		_, err := d.Receive(out)
		require.NoError(t, err)
		assert.Equal(t, i, binary.BigEndian.Uint32(out[14:18]))
	}
	_, err = d.Receive(out)
	assert.ErrorIs(t, err, ErrRxEmpty)
}

func TestReceive_NotInitialized(t *testing.T) {
	d := newUninitializedDevice(t, nicsim.New())
	_, err := d.Receive(make([]byte, 64))
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestLoopback(t *testing.T) {
	sim := nicsim.NewLoopback()
	d := newTestDevice(t, sim)

	frame := testFrame(d.MAC(), 42, 128)
	require.NoError(t, d.Transmit(frame))
	_, err := sim.Step()
	require.NoError(t, err)

	out := make([]byte, RxBufferSize)
	n, err := d.Receive(out)
	require.NoError(t, err)
	assert.Equal(t, frame, out[:n])
}
