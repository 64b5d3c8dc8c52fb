// Package nicsim is a software model of the e1000 legacy descriptor DMA
// engine. It implements the register window and the bus address translation
// a driver needs, so the driver can run without hardware.
//
// The model follows QEMU's e1000: the transmit engine consumes descriptors
// from TDH up to TDT, and the receive engine fills descriptors from RDH up to
// RDT. Nothing happens on its own: Step runs the transmit engine once and
// Inject delivers one frame to the receive engine. Run drives Step in a loop.
package nicsim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/romshark/e1000-go/e1000/reg"
)

var (
	ErrRxDisabled   = errors.New("receiver disabled")
	ErrFiltered     = errors.New("frame rejected by address filter")
	ErrNoRxBuffer   = errors.New("no receive descriptor available")
	ErrRunt         = errors.New("frame shorter than an ethernet header")
	ErrFrameTooLong = errors.New("frame exceeds receive buffer")
	ErrBadDMA       = errors.New("DMA to unmapped bus address")
)

const (
	descSize     = 16
	rxBufferSize = 2048
	minFrameSize = 60 // without FCS
	fcsSize      = 4

	txCmdEOP = 1 << 0
	txCmdRS  = 1 << 3
	txStaDD  = 1 << 0
	rxStaDD  = 1 << 0
	rxStaEOP = 1 << 1

	// busBase puts every bus address above 4GiB so that the high halves of
	// the descriptor base registers are exercised.
	busBase = 1 << 32
	busPage = 4096
)

type region struct {
	bus uint64
	mem []byte
}

// Sim is one simulated controller.
type Sim struct {
	regs [reg.End / 4]uint32

	mu      sync.RWMutex
	regions []region
	nextBus uint64

	wire    func(frame []byte)
	pending []byte   // transmit fragments awaiting EOP
	sent    [][]byte // transmitted frames when no wire is set
}

// New returns a controller in its reset state. Transmitted frames are kept
// until TakeTransmitted is called.
func New() *Sim {
	return &Sim{nextBus: busBase}
}

// NewLoopback returns a controller whose transmitted frames are received by
// itself. Frames the receive engine cannot accept are dropped and counted
// in MPC.
func NewLoopback() *Sim {
	s := New()
	s.SetWire(func(frame []byte) { _ = s.Inject(frame) })
	return s
}

// SetWire sets the function that receives every transmitted frame.
// It must be called before the transmitter is enabled.
func (s *Sim) SetWire(fn func(frame []byte)) { s.wire = fn }

func (s *Sim) Load32(off reg.Offset) uint32 {
	return atomic.LoadUint32(&s.regs[off/4])
}

func (s *Sim) Store32(off reg.Offset, v uint32) {
	atomic.StoreUint32(&s.regs[off/4], v)
}

// Translate assigns a bus address to b and makes it reachable by DMA.
// Translating the same memory again returns the same address.
func (s *Sim) Translate(b []byte) (uint64, error) {
	if len(b) == 0 {
		return 0, errors.New("translating empty buffer")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.regions {
		if &r.mem[0] == &b[0] && len(r.mem) == len(b) {
			return r.bus, nil
		}
	}
	bus := s.nextBus
	s.regions = append(s.regions, region{bus: bus, mem: b})
	// Leave an unmapped page between regions so overruns are caught.
	s.nextBus += (uint64(len(b))+busPage-1)/busPage*busPage + busPage
	return bus, nil
}

// dma returns the n bytes of memory at bus address addr.
func (s *Sim) dma(addr uint64, n int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.regions {
		if addr >= r.bus && addr+uint64(n) <= r.bus+uint64(len(r.mem)) {
			off := addr - r.bus
			return r.mem[off : off+uint64(n)], nil
		}
	}
	return nil, fmt.Errorf("%w: %#x+%d", ErrBadDMA, addr, n)
}

// desc gives access to descriptor i of the ring at base.
func (s *Sim) desc(base uint64, i uint32) (addr uint64, meta *uint64, err error) {
	mem, err := s.dma(base+uint64(i)*descSize, descSize)
	if err != nil {
		return 0, nil, err
	}
	return binary.LittleEndian.Uint64(mem[0:8]),
		(*uint64)(unsafe.Pointer(&mem[8])), nil
}

func (s *Sim) inc(off reg.Offset) {
	atomic.AddUint32(&s.regs[off/4], 1)
}

// Step runs the transmit engine until TDH reaches TDT and returns the number
// of descriptors it consumed.
func (s *Sim) Step() (int, error) {
	if s.Load32(reg.TCTL)&reg.TCTL_EN == 0 {
		return 0, nil
	}
	n := s.Load32(reg.TDLEN) / descSize
	if n == 0 {
		return 0, nil
	}
	base := reg.Load64(s, reg.TDBAL, reg.TDBAH)
	pad := s.Load32(reg.TCTL)&reg.TCTL_PSP != 0

	var frames [][]byte
	done := 0
	head := s.Load32(reg.TDH)
	for head != s.Load32(reg.TDT) {
		addr, metaPtr, err := s.desc(base, head)
		if err != nil {
			return done, err
		}
		meta := atomic.LoadUint64(metaPtr)
		length := int(meta & 0xffff)
		cmd := uint8(meta >> 24)

		buf, err := s.dma(addr, length)
		if err != nil {
			return done, err
		}
		s.pending = append(s.pending, buf...)

		if cmd&txCmdEOP != 0 {
			frame := s.pending
			if pad && len(frame) < minFrameSize {
				frame = append(frame, make([]byte, minFrameSize-len(frame))...)
			}
			frames = append(frames, frame)
			s.pending = nil
			s.inc(reg.GPTC)
		}
		if cmd&txCmdRS != 0 {
			atomic.StoreUint64(metaPtr, meta|uint64(txStaDD)<<32)
		}

		head = (head + 1) % n
		s.Store32(reg.TDH, head)
		done++
	}

	for _, f := range frames {
		if s.wire != nil {
			s.wire(f)
		} else {
			s.sent = append(s.sent, f)
		}
	}
	return done, nil
}

// TakeTransmitted returns and forgets the frames transmitted so far.
// Only used when no wire is set.
func (s *Sim) TakeTransmitted() [][]byte {
	sent := s.sent
	s.sent = nil
	return sent
}

// Inject delivers frame (without FCS) to the receive engine.
func (s *Sim) Inject(frame []byte) error {
	rctl := s.Load32(reg.RCTL)
	if rctl&reg.RCTL_EN == 0 {
		return ErrRxDisabled
	}
	if len(frame) < 14 {
		return ErrRunt
	}
	if !s.accept(frame[0:6], rctl) {
		return ErrFiltered
	}

	data := frame
	if rctl&reg.RCTL_SECRC == 0 {
		data = binary.LittleEndian.AppendUint32(
			append([]byte(nil), frame...), crc32.ChecksumIEEE(frame))
	}
	if len(data) > rxBufferSize {
		return ErrFrameTooLong
	}

	n := s.Load32(reg.RDLEN) / descSize
	if n == 0 {
		return ErrNoRxBuffer
	}
	head, tail := s.Load32(reg.RDH), s.Load32(reg.RDT)
	var avail uint32
	switch {
	case head < tail:
		avail = tail - head
	case head > tail:
		avail = n + tail - head
	}
	if avail == 0 {
		s.inc(reg.MPC)
		return ErrNoRxBuffer
	}

	base := reg.Load64(s, reg.RDBAL, reg.RDBAH)
	addr, metaPtr, err := s.desc(base, head)
	if err != nil {
		return err
	}
	// Real hardware would overwrite a slot software has not drained yet;
	// the model refuses so that such a driver bug shows up as a drop.
	if uint8(atomic.LoadUint64(metaPtr)>>32)&rxStaDD != 0 {
		s.inc(reg.MPC)
		return ErrNoRxBuffer
	}
	buf, err := s.dma(addr, len(data))
	if err != nil {
		return err
	}
	copy(buf, data)
	atomic.StoreUint64(metaPtr, uint64(len(data))|uint64(rxStaDD|rxStaEOP)<<32)

	head++
	if head >= n {
		head = 0
	}
	s.Store32(reg.RDH, head)
	s.inc(reg.GPRC)
	return nil
}

func (s *Sim) accept(dst []byte, rctl uint32) bool {
	broadcast := true
	for _, b := range dst {
		if b != 0xff {
			broadcast = false
			break
		}
	}
	switch {
	case broadcast:
		return rctl&reg.RCTL_BAM != 0
	case dst[0]&1 != 0:
		// Multicast hashing through MTA is not modeled.
		return false
	}

	ral, rah := s.Load32(reg.RAL0), s.Load32(reg.RAH0)
	if rah&reg.RAH_AV == 0 {
		return false
	}
	return ral == binary.LittleEndian.Uint32(dst[0:4]) &&
		uint16(rah) == binary.LittleEndian.Uint16(dst[4:6])
}

// Run calls Step until ctx is canceled, sleeping for idle between passes
// that found no work.
func (s *Sim) Run(ctx context.Context, idle time.Duration) error {
	for ctx.Err() == nil {
		n, err := s.Step()
		if err != nil {
			return err
		}
		if n == 0 {
			time.Sleep(idle)
		}
	}
	return ctx.Err()
}
