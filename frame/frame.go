// Package frame builds and parses the Ethernet/IPv4/UDP test frames that
// the commands send through the driver. Each frame carries a 32-bit
// big-endian sequence number at the start of its UDP payload.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	// HeaderLen is the Ethernet, IPv4 and UDP header length.
	HeaderLen = 14 + 20 + 8
	// MinSize is the smallest Ethernet frame without FCS. It leaves room for
	// the sequence number after the headers.
	MinSize = 60
	// MaxSize is the largest Ethernet frame without FCS.
	MaxSize = 1514

	ttl = 64
)

var (
	ErrInvalidSpec = errors.New("invalid UDP frame spec")
	ErrNotUDP      = errors.New("not an IPv4/UDP frame")
	ErrNoSequence  = errors.New("UDP payload too short for a sequence number")
)

// UDPSpec describes the frames a Builder produces.
type UDPSpec struct {
	SrcMAC  net.HardwareAddr
	DstMAC  net.HardwareAddr
	SrcIP   net.IP
	DstIP   net.IP
	SrcPort uint16
	DstPort uint16
	// Size is the frame size without FCS. Sizes below MinSize are raised
	// to MinSize by growing the UDP payload, so the frame never needs
	// Ethernet padding.
	Size int
}

func (s UDPSpec) validate() error {
	if len(s.SrcMAC) != 6 || len(s.DstMAC) != 6 {
		return fmt.Errorf("%w: MAC addresses must be 6 bytes", ErrInvalidSpec)
	}
	if s.SrcIP.To4() == nil || s.DstIP.To4() == nil {
		return fmt.Errorf("%w: IP addresses must be IPv4", ErrInvalidSpec)
	}
	if s.Size > MaxSize {
		return fmt.Errorf("%w: size %d exceeds %d", ErrInvalidSpec, s.Size, MaxSize)
	}
	return nil
}

// Builder serializes frames for one UDPSpec, reusing its buffers.
// Not safe for concurrent use.
type Builder struct {
	eth     layers.Ethernet
	ip      layers.IPv4
	udp     layers.UDP
	payload []byte
	buf     gopacket.SerializeBuffer
	opts    gopacket.SerializeOptions
}

func NewBuilder(spec UDPSpec) (*Builder, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	size := max(spec.Size, MinSize)

	b := &Builder{
		eth: layers.Ethernet{
			SrcMAC:       spec.SrcMAC,
			DstMAC:       spec.DstMAC,
			EthernetType: layers.EthernetTypeIPv4,
		},
		ip: layers.IPv4{
			Version:  4,
			TTL:      ttl,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    spec.SrcIP.To4(),
			DstIP:    spec.DstIP.To4(),
		},
		udp: layers.UDP{
			SrcPort: layers.UDPPort(spec.SrcPort),
			DstPort: layers.UDPPort(spec.DstPort),
		},
		payload: make([]byte, size-HeaderLen),
		buf:     gopacket.NewSerializeBuffer(),
		opts: gopacket.SerializeOptions{
			ComputeChecksums: true,
			FixLengths:       true,
		},
	}
	if err := b.udp.SetNetworkLayerForChecksum(&b.ip); err != nil {
		return nil, err
	}
	return b, nil
}

// Build returns the frame with sequence number seq. The returned slice is
// only valid until the next call to Build.
func (b *Builder) Build(seq uint32) ([]byte, error) {
	binary.BigEndian.PutUint32(b.payload, seq)
	if err := b.buf.Clear(); err != nil {
		return nil, err
	}
	err := gopacket.SerializeLayers(b.buf, b.opts,
		&b.eth, &b.ip, &b.udp, gopacket.Payload(b.payload))
	if err != nil {
		return nil, fmt.Errorf("serializing frame: %w", err)
	}
	return b.buf.Bytes(), nil
}

// BuildUDP returns a newly allocated frame for spec with sequence number seq.
func BuildUDP(spec UDPSpec, seq uint32) ([]byte, error) {
	b, err := NewBuilder(spec)
	if err != nil {
		return nil, err
	}
	f, err := b.Build(seq)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), f...), nil
}

// Info is what ParseUDP extracts from a frame.
type Info struct {
	SrcMAC  net.HardwareAddr
	DstMAC  net.HardwareAddr
	SrcIP   net.IP
	DstIP   net.IP
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	// PayloadLen is the UDP payload length, sequence number included.
	PayloadLen int
}

// ParseUDP decodes an Ethernet/IPv4/UDP frame. Padding after the IPv4
// datagram is ignored. The returned addresses alias data.
func ParseUDP(data []byte) (Info, error) {
	p := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.DecodeOptions{
		Lazy:   true,
		NoCopy: true,
	})
	eth, _ := p.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	ip, _ := p.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	udp, _ := p.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if eth == nil || ip == nil || udp == nil {
		if el := p.ErrorLayer(); el != nil {
			return Info{}, fmt.Errorf("%w: %v", ErrNotUDP, el.Error())
		}
		return Info{}, ErrNotUDP
	}
	if len(udp.Payload) < 4 {
		return Info{}, ErrNoSequence
	}
	return Info{
		SrcMAC:     eth.SrcMAC,
		DstMAC:     eth.DstMAC,
		SrcIP:      ip.SrcIP,
		DstIP:      ip.DstIP,
		SrcPort:    uint16(udp.SrcPort),
		DstPort:    uint16(udp.DstPort),
		Seq:        binary.BigEndian.Uint32(udp.Payload),
		PayloadLen: len(udp.Payload),
	}, nil
}
