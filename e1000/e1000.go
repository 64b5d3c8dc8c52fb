//go:build linux

// Package e1000 implements the polling transmit/receive path of an Intel
// 8254x (e1000) Ethernet controller.
// Device owns one transmit ring and one receive ring. Each ring is a fixed
// array of 16-byte descriptors in DMA memory plus one packet buffer per
// descriptor, shared with the controller.
//
// Ownership handoff (software ↔ hardware):
//
//   - Transmit: software fills a buffer, writes its descriptor and advances
//     TDT. Hardware sets DD in the descriptor once the frame is sent.
//   - Receive: hardware fills a buffer and sets DD. Software copies the frame
//     out, clears DD and advances RDT to give the slot back.
//
// Transmit and Receive never block. ErrTxFull and ErrRxEmpty tell the caller
// to poll again later; see package netif for retrying wrappers.
package e1000

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/romshark/e1000-go/e1000/reg"
)

var (
	ErrPacketTooLong    = errors.New("packet too long")
	ErrTxFull           = errors.New("transmit ring full")
	ErrRxEmpty          = errors.New("receive ring empty")
	ErrNotInitialized   = errors.New("ring not initialized")
	ErrDescriptorLayout = errors.New("descriptor layout mismatch")
	ErrRingSizeInvalid  = errors.New("ring size is invalid")
	ErrInvalidMAC       = errors.New("invalid MAC address")
	ErrInvalidTiming    = errors.New("invalid transmit timing")
)

const (
	DefaultTxRingSize        = 16
	DefaultRxRingSize        = 128
	DefaultMAC               = "52:54:00:12:34:56"
	DefaultCollisionDistance = 0x40
	DefaultTransmitIPG       = 10

	// MaxFrameSize is the largest Ethernet frame without FCS, and the
	// capacity of a transmit buffer.
	MaxFrameSize = 1514
	// RxBufferSize matches RCTL.BSIZE=2048, the reset default.
	RxBufferSize = 2048

	// bufferStride keeps every packet buffer inside a single page so that
	// it is physically contiguous.
	bufferStride = 2048
	// ringAlign is the device's requirement on the ring byte length.
	ringAlign = 128
)

// Config controls ring geometry and the values programmed at init.
type Config struct {
	// TxRingSize is the number of transmit descriptors.
	TxRingSize uint32 `yaml:"tx-ring-size"`
	// RxRingSize is the number of receive descriptors.
	RxRingSize uint32 `yaml:"rx-ring-size"`
	// MAC is the station address programmed into receive address entry 0.
	MAC string `yaml:"mac"`
	// CollisionDistance is written to TCTL.COLD.
	CollisionDistance uint32 `yaml:"collision-distance"`
	// TransmitIPG is written to TIPG.
	TransmitIPG uint32 `yaml:"tipg"`

	Logger  *logrus.Logger   `yaml:"-"`
	Metrics metrics.Registry `yaml:"-"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.TxRingSize == 0 {
		c.TxRingSize = DefaultTxRingSize
	}
	if c.RxRingSize == 0 {
		c.RxRingSize = DefaultRxRingSize
	}
	if c.MAC == "" {
		c.MAC = DefaultMAC
	}
	if c.CollisionDistance == 0 {
		c.CollisionDistance = DefaultCollisionDistance
	}
	if c.TransmitIPG == 0 {
		c.TransmitIPG = DefaultTransmitIPG
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewRegistry()
	}

	if err := checkRingSize("tx", c.TxRingSize); err != nil {
		return err
	}
	if err := checkRingSize("rx", c.RxRingSize); err != nil {
		return err
	}
	if _, err := parseMAC(c.MAC); err != nil {
		return err
	}
	if c.CollisionDistance > reg.TCTL_COLD>>reg.TCTL_COLDShift {
		return fmt.Errorf("%w: collision distance %#x", ErrInvalidTiming, c.CollisionDistance)
	}
	if c.TransmitIPG > 0x3ff {
		return fmt.Errorf("%w: IPG %d", ErrInvalidTiming, c.TransmitIPG)
	}
	return nil
}

// checkRingSize enforces the device's 128-byte length granularity and keeps
// the descriptor array within one page, which is the largest region whose
// physical contiguity this driver can rely on.
func checkRingSize(name string, slots uint32) error {
	n := int(slots) * descriptorSize
	if n%ringAlign != 0 {
		return fmt.Errorf("%w: %s ring of %d descriptors is not a multiple of %d bytes",
			ErrRingSizeInvalid, name, slots, ringAlign)
	}
	if n > os.Getpagesize() {
		return fmt.Errorf("%w: %s ring of %d descriptors exceeds one page",
			ErrRingSizeInvalid, name, slots)
	}
	return nil
}

func parseMAC(s string) (net.HardwareAddr, error) {
	mac, err := net.ParseMAC(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMAC, err)
	}
	if len(mac) != 6 {
		return nil, fmt.Errorf("%w: %s is not an EUI-48 address", ErrInvalidMAC, s)
	}
	if mac[0]&1 != 0 {
		return nil, fmt.Errorf("%w: %s is a multicast address", ErrInvalidMAC, s)
	}
	return mac, nil
}

// Device is one e1000 controller driven by polling.
//
// WARNING: Transmit must not be called concurrently with itself, and Receive
// must not be called concurrently with itself. One sender and one receiver
// goroutine may run at the same time.
type Device struct {
	conf Config
	mac  net.HardwareAddr
	regs reg.Registers
	tr   Translator
	l    *logrus.Logger
	m    *deviceMetrics

	tx *ring
	rx *ring
}

// New allocates both rings and their buffer pools in DMA memory.
// Nothing is written to the device until TxInit and RxInit are called.
func New(regs reg.Registers, tr Translator, conf Config) (*Device, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	mac, _ := parseMAC(conf.MAC)

	tx, err := newRing("tx", conf.TxRingSize, MaxFrameSize, reg.TDT)
	if err != nil {
		return nil, fmt.Errorf("allocating tx ring: %w", err)
	}
	rx, err := newRing("rx", conf.RxRingSize, RxBufferSize, reg.RDT)
	if err != nil {
		_ = tx.free()
		return nil, fmt.Errorf("allocating rx ring: %w", err)
	}

	d := &Device{
		conf: conf,
		mac:  mac,
		regs: regs,
		tr:   tr,
		l:    conf.Logger,
		m:    newDeviceMetrics(conf.Metrics),
		tx:   tx,
		rx:   rx,
	}
	for _, r := range []*ring{tx, rx} {
		if !r.locked {
			d.l.WithField("ring", r.name).
				Warn("DMA memory could not be locked; bus addresses may go stale")
		}
	}
	return d, nil
}

// MAC returns the station address programmed by RxInit.
func (d *Device) MAC() net.HardwareAddr { return d.mac }

// Metrics returns the registry holding the device counters.
func (d *Device) Metrics() metrics.Registry { return d.conf.Metrics }

// TxSlots returns the transmit ring capacity.
func (d *Device) TxSlots() int { return d.tx.slots() }

// RxSlots returns the receive ring capacity.
func (d *Device) RxSlots() int { return d.rx.slots() }

// Close disables the transmitter and receiver and releases DMA memory.
// The Device must not be used afterwards.
func (d *Device) Close() error {
	var errs []error
	if d.tx.ready {
		reg.Clear32(d.regs, reg.TCTL, reg.TCTL_EN)
	}
	if d.rx.ready {
		reg.Clear32(d.regs, reg.RCTL, reg.RCTL_EN)
	}
	if err := d.tx.free(); err != nil {
		errs = append(errs, fmt.Errorf("releasing tx ring: %w", err))
	}
	if err := d.rx.free(); err != nil {
		errs = append(errs, fmt.Errorf("releasing rx ring: %w", err))
	}
	d.l.Debug("e1000 device closed")
	return errors.Join(errs...)
}
