//go:build linux

package reg

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MapBAR maps a PCI memory resource, typically
// /sys/bus/pci/devices/<bdf>/resource0, and returns uncached register access
// to it. The device must already have memory decoding and bus mastering
// enabled.
func MapBAR(path string) (*MMIO, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening BAR: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat BAR: %w", err)
	}

	window, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap BAR: %w", err)
	}

	m, err := NewMMIO(window)
	if err != nil {
		_ = unix.Munmap(window)
		return nil, err
	}
	m.unmap = func() error { return unix.Munmap(window) }
	return m, nil
}
