//go:build linux

package e1000

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/e1000-go/e1000/reg"
	"github.com/romshark/e1000-go/nicsim"
)

func TestDescriptor_Size(t *testing.T) {
	assert.EqualValues(t, descriptorSize, unsafe.Sizeof(descriptor{}))
}

func TestDescriptor_MemoryLayout(t *testing.T) {
	r, err := newRing("test", 8, MaxFrameSize, reg.TDT)
	require.NoError(t, err)
	defer r.free()

	r.descs[1].addr = 0x0123456789abcdef
	m := metaWithLen(0, 0x05ea)
	m = metaSetCmd(m, txCmdRS|txCmdEOP)
	m |= uint64(txStaDD) << metaStatShift
	r.descs[1].store(m)

	assert.Equal(t, []byte{
		0xef, 0xcd, 0xab, 0x89, 0x67, 0x45, 0x23, 0x01, // buffer address
		0xea, 0x05, // length
		0x00,       // cso
		0x09,       // cmd: RS|EOP
		0x01,       // status: DD
		0x00,       // css
		0x00, 0x00, // special
	}, r.mem[16:32])
}

func TestMeta(t *testing.T) {
	m := metaWithLen(^uint64(0), 12)
	assert.Equal(t, 12, metaLen(m))
	assert.Equal(t, uint8(0xff), metaCmd(m))

	m = metaClearStatus(m, rxStaDD|rxStaEOP)
	assert.Equal(t, uint8(0xfc), metaStatus(m))
	assert.Equal(t, 12, metaLen(m), "length is untouched")

	m = metaSetCmd(0, txCmdEOP)
	assert.Equal(t, uint8(txCmdEOP), metaCmd(m))
	assert.Zero(t, metaStatus(m))
}

func TestRing_Geometry(t *testing.T) {
	r, err := newRing("rx", 128, RxBufferSize, reg.RDT)
	require.NoError(t, err)
	defer r.free()

	assert.Equal(t, 128, r.slots())
	assert.EqualValues(t, 2048, r.byteLen())
	assert.NoError(t, r.checkLayout())
	for i, b := range r.bufs {
		require.Len(t, b, RxBufferSize)
		start := uintptr(unsafe.Pointer(&b[0]))
		assert.Equal(t, start/4096, (start+uintptr(len(b))-1)/4096,
			"buffer %d crosses a page", i)
	}
}

func TestRing_CheckLayout(t *testing.T) {
	r, err := newRing("tx", 16, MaxFrameSize, reg.TDT)
	require.NoError(t, err)
	defer r.free()
	descs := r.descs

	r.descs = descs[:15]
	assert.ErrorIs(t, r.checkLayout(), ErrDescriptorLayout, "240 bytes is not 128-byte granular")

	r.descs = unsafe.Slice((*descriptor)(unsafe.Pointer(&r.mem[8])), 8)
	assert.ErrorIs(t, r.checkLayout(), ErrDescriptorLayout, "misaligned by 8 bytes")

	r.descs = descs
	assert.NoError(t, r.checkLayout())
}

func TestTxInit_LayoutDefectIsFatal(t *testing.T) {
	d := newUninitializedDevice(t, nicsim.New())
	d.tx.descs = d.tx.descs[:15]

	assert.ErrorIs(t, d.TxInit(), ErrDescriptorLayout)
	assert.ErrorIs(t, d.Transmit([]byte("x")), ErrNotInitialized)
}

func TestRing_ResetBindsBuffers(t *testing.T) {
	sim := nicsim.New()
	d := newTestDevice(t, sim)

	seen := make(map[uint64]bool)
	for i := range d.rx.descs {
		addr := d.rx.descs[i].addr
		want, err := sim.Translate(d.rx.bufs[i])
		require.NoError(t, err)
		assert.Equal(t, want, addr, "slot %d", i)
		assert.False(t, seen[addr], "slot %d shares a buffer", i)
		seen[addr] = true
		assert.Zero(t, d.rx.descs[i].load(), "slot %d starts zeroed", i)
	}
}
