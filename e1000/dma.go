//go:build linux

package e1000

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	ErrPageNotPresent = errors.New("page not present")
	ErrPFNHidden      = errors.New("page frame number hidden (needs CAP_SYS_ADMIN)")
)

// Translator maps memory the driver hands to the device to the bus address
// the device uses for DMA. It is called once for each ring and once for each
// packet buffer, during TxInit and RxInit.
type Translator interface {
	Translate(b []byte) (uint64, error)
}

// TranslatorFunc adapts a function to Translator.
type TranslatorFunc func(b []byte) (uint64, error)

func (f TranslatorFunc) Translate(b []byte) (uint64, error) { return f(b) }

// allocDMA maps anonymous, pre-faulted memory outside the Go heap.
// It tries to lock the pages first so that their physical addresses stay
// stable, and falls back to unlocked memory when RLIMIT_MEMLOCK forbids it.
func allocDMA(size int) (mem []byte, locked bool, err error) {
	const prot = unix.PROT_READ | unix.PROT_WRITE
	const flags = unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_POPULATE

	mem, err = unix.Mmap(-1, 0, size, prot, flags|unix.MAP_LOCKED)
	if err == nil {
		return mem, true, nil
	}
	if err != unix.EAGAIN && err != unix.EPERM && err != unix.ENOMEM {
		return nil, false, fmt.Errorf("mmap: %w", err)
	}

	mem, err = unix.Mmap(-1, 0, size, prot, flags)
	if err != nil {
		return nil, false, fmt.Errorf("mmap: %w", err)
	}
	return mem, false, nil
}

func freeDMA(mem []byte) error {
	return unix.Munmap(mem)
}

// PagemapTranslator resolves physical addresses through /proc/self/pagemap.
// With an IOMMU in passthrough mode, or none, physical and bus addresses are
// the same.
type PagemapTranslator struct {
	f        *os.File
	pageSize uintptr
}

func OpenPagemap() (*PagemapTranslator, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return nil, fmt.Errorf("opening pagemap: %w", err)
	}
	return &PagemapTranslator{f: f, pageSize: uintptr(os.Getpagesize())}, nil
}

// Translate returns the physical address of b[0].
// b must not cross a page boundary unless the pages are known to be
// physically contiguous.
func (p *PagemapTranslator) Translate(b []byte) (uint64, error) {
	if len(b) == 0 {
		return 0, errors.New("translating empty buffer")
	}
	virt := uintptr(unsafe.Pointer(&b[0]))

	var entry [8]byte
	if _, err := p.f.ReadAt(entry[:], int64(virt/p.pageSize)*8); err != nil {
		return 0, fmt.Errorf("reading pagemap entry for %#x: %w", virt, err)
	}

	// Bits 0-54 hold the page frame number, bit 63 is "present".
	e := binary.NativeEndian.Uint64(entry[:])
	if e&(1<<63) == 0 {
		return 0, fmt.Errorf("%w: %#x", ErrPageNotPresent, virt)
	}
	pfn := e & (1<<55 - 1)
	if pfn == 0 {
		return 0, ErrPFNHidden
	}
	return pfn*uint64(p.pageSize) + uint64(virt%p.pageSize), nil
}

func (p *PagemapTranslator) Close() error {
	return p.f.Close()
}
