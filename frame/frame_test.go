package frame

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpec(size int) UDPSpec {
	return UDPSpec{
		SrcMAC:  net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56},
		DstMAC:  net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x57},
		SrcIP:   net.IPv4(10, 0, 0, 1),
		DstIP:   net.IPv4(10, 0, 0, 2),
		SrcPort: 40000,
		DstPort: 12345,
		Size:    size,
	}
}

func TestBuildUDP(t *testing.T) {
	f, err := BuildUDP(testSpec(128), 0xdeadbeef)
	require.NoError(t, err)
	require.Len(t, f, 128)

	assert.Equal(t, []byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x57}, f[0:6], "destination first")
	assert.Equal(t, []byte{0x08, 0x00}, f[12:14])
	assert.Equal(t, byte(0x45), f[14])
	assert.Equal(t, byte(17), f[14+9])
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, f[HeaderLen:HeaderLen+4])

	info, err := ParseUDP(f)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), info.Seq)
	assert.Equal(t, "10.0.0.1", info.SrcIP.String())
	assert.Equal(t, "10.0.0.2", info.DstIP.String())
	assert.Equal(t, uint16(40000), info.SrcPort)
	assert.Equal(t, uint16(12345), info.DstPort)
	assert.Equal(t, 128-HeaderLen, info.PayloadLen)
}

func TestBuildUDP_SizeRaisedToMinimum(t *testing.T) {
	for _, size := range []int{0, 10, HeaderLen + 4, MinSize - 1, MinSize} {
		f, err := BuildUDP(testSpec(size), 1)
		require.NoError(t, err)
		require.Len(t, f, 60, "size %d", size)

		info, err := ParseUDP(f)
		require.NoError(t, err)
		assert.Equal(t, 60-HeaderLen, info.PayloadLen, "no padding behind the datagram")
	}
}

func TestBuilder_Reuse(t *testing.T) {
	b, err := NewBuilder(testSpec(MaxSize))
	require.NoError(t, err)
	for seq := uint32(0); seq < 5; seq++ {
		f, err := b.Build(seq)
		require.NoError(t, err)
		require.Len(t, f, MaxSize)
		info, err := ParseUDP(f)
		require.NoError(t, err)
		assert.Equal(t, seq, info.Seq)
	}
}

func TestParseUDP_IgnoresPadding(t *testing.T) {
	f, err := BuildUDP(testSpec(MinSize), 7)
	require.NoError(t, err)
	padded := append(f, make([]byte, 20)...)

	info, err := ParseUDP(padded)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), info.Seq)
	assert.Equal(t, MinSize-HeaderLen, info.PayloadLen)
}

func TestParseUDP_NotUDP(t *testing.T) {
	arp := make([]byte, 60)
	copy(arp, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	arp[12], arp[13] = 0x08, 0x06

	_, err := ParseUDP(arp)
	assert.ErrorIs(t, err, ErrNotUDP)

	_, err = ParseUDP([]byte("Hello World!"))
	assert.ErrorIs(t, err, ErrNotUDP)
}

func TestNewBuilder_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*UDPSpec)
	}{
		{"short MAC", func(s *UDPSpec) { s.SrcMAC = s.SrcMAC[:4] }},
		{"IPv6 destination", func(s *UDPSpec) { s.DstIP = net.ParseIP("fe80::1") }},
		{"missing source IP", func(s *UDPSpec) { s.SrcIP = nil }},
		{"oversized", func(s *UDPSpec) { s.Size = MaxSize + 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := testSpec(64)
			tt.modify(&spec)
			_, err := NewBuilder(spec)
			assert.ErrorIs(t, err, ErrInvalidSpec)
		})
	}
}
