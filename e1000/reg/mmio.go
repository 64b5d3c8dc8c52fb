package reg

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

var (
	ErrWindowTooSmall = errors.New("register window too small")
	ErrMisaligned     = errors.New("register window is not 4-byte aligned")
)

// MMIO is a [Registers] implementation over a memory mapped register window.
// Loads and stores are atomic 32-bit accesses, which the compiler may neither
// elide, merge nor reorder with respect to other atomic accesses.
type MMIO struct {
	words []uint32
	unmap func() error
}

// NewMMIO wraps an already mapped register window.
func NewMMIO(window []byte) (*MMIO, error) {
	if len(window) < int(End) {
		return nil, fmt.Errorf("%w: %d bytes, need %d",
			ErrWindowTooSmall, len(window), End)
	}
	if uintptr(unsafe.Pointer(&window[0]))%4 != 0 || len(window)%4 != 0 {
		return nil, ErrMisaligned
	}
	return &MMIO{
		words: unsafe.Slice((*uint32)(unsafe.Pointer(&window[0])), len(window)/4),
	}, nil
}

func (m *MMIO) Load32(off Offset) uint32 {
	return atomic.LoadUint32(m.word(off))
}

func (m *MMIO) Store32(off Offset, v uint32) {
	atomic.StoreUint32(m.word(off), v)
}

func (m *MMIO) word(off Offset) *uint32 {
	if off%4 != 0 {
		panic(fmt.Sprintf("unaligned register offset %v", off))
	}
	return &m.words[off/4]
}

// Close unmaps the window if it was mapped by [MapBAR].
func (m *MMIO) Close() error {
	if m.unmap == nil {
		return nil
	}
	err := m.unmap()
	m.unmap = nil
	m.words = nil
	return err
}
