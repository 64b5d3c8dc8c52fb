// Package reg describes the e1000 register map used by the driver and
// provides access to it.
//
// All registers are 32 bits wide and addressed by their byte offset from the
// start of BAR0. Every access goes through [Registers], whose implementations
// must never cache values: a load always observes the device and a store
// always reaches it, in program order.
package reg

import "fmt"

// Offset is the byte offset of a register from the start of BAR0.
type Offset uint32

// See the 8254x family software developer's manual, section 13.
const (
	CTRL   Offset = 0x00000 // device control
	STATUS Offset = 0x00008 // device status (R)
	ICR    Offset = 0x000c0 // interrupt cause read
	IMS    Offset = 0x000d0 // interrupt mask set
	IMC    Offset = 0x000d8 // interrupt mask clear
	RCTL   Offset = 0x00100 // receive control
	TCTL   Offset = 0x00400 // transmit control
	TIPG   Offset = 0x00410 // transmit inter-packet gap
	RDBAL  Offset = 0x02800 // rx descriptor base, low word
	RDBAH  Offset = 0x02804 // rx descriptor base, high word
	RDLEN  Offset = 0x02808 // rx descriptor ring length in bytes
	RDH    Offset = 0x02810 // rx descriptor head (hardware owned)
	RDT    Offset = 0x02818 // rx descriptor tail (software owned)
	TDBAL  Offset = 0x03800 // tx descriptor base, low word
	TDBAH  Offset = 0x03804 // tx descriptor base, high word
	TDLEN  Offset = 0x03808 // tx descriptor ring length in bytes
	TDH    Offset = 0x03810 // tx descriptor head (hardware owned)
	TDT    Offset = 0x03818 // tx descriptor tail (software owned)
	MPC    Offset = 0x04010 // missed packets count (R/clear)
	GPRC   Offset = 0x04074 // good packets received count (R/clear)
	GPTC   Offset = 0x04080 // good packets transmitted count (R/clear)
	MTA    Offset = 0x05200 // multicast table array, 128 entries
	RAL0   Offset = 0x05400 // receive address low, entry 0
	RAH0   Offset = 0x05404 // receive address high, entry 0

	// End is the size of the register window covered by this map.
	End Offset = 0x05408
)

// Transmit control bits.
const (
	TCTL_EN        = 1 << 1     // transmit enable
	TCTL_PSP       = 1 << 3     // pad short packets
	TCTL_CT        = 0x00000ff0 // collision threshold
	TCTL_COLD      = 0x003ff000 // collision distance
	TCTL_COLDShift = 12
)

// Receive control bits.
const (
	RCTL_EN    = 1 << 1  // receive enable
	RCTL_BAM   = 1 << 15 // broadcast accept mode
	RCTL_SECRC = 1 << 26 // strip ethernet CRC
)

// RAH_AV marks a receive address entry as valid.
const RAH_AV = 1 << 31

// Registers is uncached access to the device's register window.
type Registers interface {
	Load32(off Offset) uint32
	Store32(off Offset, v uint32)
}

// Set32 sets bits in the register at off.
func Set32(r Registers, off Offset, bits uint32) {
	r.Store32(off, r.Load32(off)|bits)
}

// Clear32 clears bits in the register at off.
func Clear32(r Registers, off Offset, bits uint32) {
	r.Store32(off, r.Load32(off)&^bits)
}

// Store64 writes v to a low/high register pair, low word first.
func Store64(r Registers, lo, hi Offset, v uint64) {
	r.Store32(lo, uint32(v))
	r.Store32(hi, uint32(v>>32))
}

// Load64 reads a low/high register pair.
func Load64(r Registers, lo, hi Offset) uint64 {
	return uint64(r.Load32(lo)) | uint64(r.Load32(hi))<<32
}

var names = map[Offset]string{
	CTRL: "CTRL", STATUS: "STATUS", ICR: "ICR", IMS: "IMS", IMC: "IMC",
	RCTL: "RCTL", TCTL: "TCTL", TIPG: "TIPG",
	RDBAL: "RDBAL", RDBAH: "RDBAH", RDLEN: "RDLEN", RDH: "RDH", RDT: "RDT",
	TDBAL: "TDBAL", TDBAH: "TDBAH", TDLEN: "TDLEN", TDH: "TDH", TDT: "TDT",
	MPC: "MPC", GPRC: "GPRC", GPTC: "GPTC", MTA: "MTA",
	RAL0: "RAL0", RAH0: "RAH0",
}

func (o Offset) String() string {
	if n, ok := names[o]; ok {
		return n
	}
	return fmt.Sprintf("reg(0x%05x)", uint32(o))
}
