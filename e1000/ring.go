//go:build linux

package e1000

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/romshark/e1000-go/e1000/reg"
)

/*---- Legacy descriptors ----*/

// descriptor is the legacy transmit and receive descriptor layout.
// See the 8254x developer's manual, sections 3.2.3 and 3.3.3.
//
// meta packs the second quadword:
//
//	tx: length[15:0] cso[23:16] cmd[31:24] status[39:32] css[47:40] special[63:48]
//	rx: length[15:0] csum[31:16]           status[39:32] errors[47:40] special[63:48]
//
// Hardware writes status back into meta, so meta is only ever accessed
// atomically.
type descriptor struct {
	addr uint64
	meta uint64
}

const (
	descriptorSize  = 16
	descriptorAlign = 16
)

// Compile-time check: fails to build unless descriptor is exactly 16 bytes.
var _ [descriptorSize - unsafe.Sizeof(descriptor{})]struct{}
var _ [unsafe.Sizeof(descriptor{}) - descriptorSize]struct{}

const (
	txCmdEOP = 1 << 0 // end of packet
	txCmdRS  = 1 << 3 // report status
	txStaDD  = 1 << 0 // descriptor done

	rxStaDD  = 1 << 0 // descriptor done
	rxStaEOP = 1 << 1 // end of packet

	metaLenMask    = 0xffff
	metaCmdShift   = 24
	metaStatShift  = 32
	metaFieldWidth = 0xff
)

func (d *descriptor) load() uint64   { return atomic.LoadUint64(&d.meta) }
func (d *descriptor) store(m uint64) { atomic.StoreUint64(&d.meta, m) }

func metaLen(m uint64) int      { return int(m & metaLenMask) }
func metaCmd(m uint64) uint8    { return uint8(m >> metaCmdShift & metaFieldWidth) }
func metaStatus(m uint64) uint8 { return uint8(m >> metaStatShift & metaFieldWidth) }

func metaWithLen(m uint64, n int) uint64 {
	return m&^metaLenMask | uint64(n)&metaLenMask
}

func metaSetCmd(m uint64, bits uint8) uint64 {
	return m | uint64(bits)<<metaCmdShift
}

func metaClearStatus(m uint64, bits uint8) uint64 {
	return m &^ (uint64(bits) << metaStatShift)
}

/*---- Rings ----*/

// ring is a descriptor array and its buffer pool, both in DMA memory.
// Slot i of descs always points at bufs[i].
type ring struct {
	name string

	mem   []byte // descriptor array backing memory
	descs []descriptor
	pool  []byte // buffer pool backing memory
	bufs  [][]byte

	// base is the bus address of descs[0], set once by reset.
	base uint64
	// next is the software-owned cursor: the slot that software fills (tx)
	// or drains (rx) next. The tail register is written from it at handoff
	// and never read back.
	next uint32
	tail reg.Offset

	locked bool
	ready  bool
}

func newRing(name string, slots uint32, bufSize int, tail reg.Offset) (*ring, error) {
	mem, memLocked, err := allocDMA(int(slots) * descriptorSize)
	if err != nil {
		return nil, fmt.Errorf("descriptors: %w", err)
	}
	pool, poolLocked, err := allocDMA(int(slots) * bufferStride)
	if err != nil {
		_ = freeDMA(mem)
		return nil, fmt.Errorf("buffers: %w", err)
	}

	r := &ring{
		name:   name,
		mem:    mem[:int(slots)*descriptorSize],
		pool:   pool,
		bufs:   make([][]byte, slots),
		tail:   tail,
		locked: memLocked && poolLocked,
	}
	r.descs = unsafe.Slice((*descriptor)(unsafe.Pointer(&r.mem[0])), slots)
	for i := range r.bufs {
		off := i * bufferStride
		r.bufs[i] = pool[off : off+bufSize : off+bufSize]
	}
	return r, nil
}

func (r *ring) slots() int { return len(r.descs) }

// checkLayout verifies what the device assumes about the descriptor array.
// A failure is a build or allocation defect, never a transient condition.
func (r *ring) checkLayout() error {
	if size := unsafe.Sizeof(descriptor{}); size != descriptorSize {
		return fmt.Errorf("%w: %s descriptor is %d bytes, want %d",
			ErrDescriptorLayout, r.name, size, descriptorSize)
	}
	if p := uintptr(unsafe.Pointer(&r.descs[0])); p%descriptorAlign != 0 {
		return fmt.Errorf("%w: %s ring at %#x is not %d-byte aligned",
			ErrDescriptorLayout, r.name, p, descriptorAlign)
	}
	if n := len(r.descs) * descriptorSize; n%ringAlign != 0 {
		return fmt.Errorf("%w: %s ring is %d bytes, not a multiple of %d",
			ErrDescriptorLayout, r.name, n, ringAlign)
	}
	return nil
}

// reset zeroes every descriptor and binds each one to its buffer's bus
// address. Translation happens here and nowhere else.
func (r *ring) reset(tr Translator) error {
	clear(r.mem)

	base, err := tr.Translate(r.mem)
	if err != nil {
		return fmt.Errorf("translating %s ring base: %w", r.name, err)
	}
	r.base = base

	for i, b := range r.bufs {
		addr, err := tr.Translate(b)
		if err != nil {
			return fmt.Errorf("translating %s buffer %d: %w", r.name, i, err)
		}
		r.descs[i].addr = addr
	}
	r.next = 0
	return nil
}

func (r *ring) byteLen() uint32 { return uint32(len(r.descs) * descriptorSize) }

// advance hands the slot at next to hardware by moving the tail register
// past it. All descriptor and buffer writes for the slot must be complete.
// Only the transmit ring uses it; see Receive for the receive handoff.
func (r *ring) advance(regs reg.Registers) {
	r.next = (r.next + 1) % uint32(len(r.descs))
	regs.Store32(r.tail, r.next)
}

func (r *ring) free() error {
	r.ready = false
	var err error
	if r.mem != nil {
		err = freeDMA(r.mem)
		r.mem, r.descs = nil, nil
	}
	if r.pool != nil {
		if e := freeDMA(r.pool); err == nil {
			err = e
		}
		r.pool, r.bufs = nil, nil
	}
	return err
}
