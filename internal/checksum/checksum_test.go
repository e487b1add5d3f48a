package checksum

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"firestige.xyz/netlab/internal/core"
)

func TestInternetRFC1071Example(t *testing.T) {
	// RFC 1071 section 3 sample: 0001 f203 f4f5 f6f7 sums to ddf2
	b := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}
	assert.Equal(t, uint16(0xddf2), Checksum(b, 0))
	assert.Equal(t, uint16(0x220d), Internet(b))
}

func TestIPv4HeaderVerifies(t *testing.T) {
	hdr := []byte{
		0x45, 0x00, 0x00, 0x73, 0x00, 0x00, 0x40, 0x00, 0x40, 0x11,
		0x00, 0x00, 0xc0, 0xa8, 0x00, 0x01, 0xc0, 0xa8, 0x00, 0xc7,
	}
	Put(hdr[10:], Internet(hdr))
	assert.Equal(t, []byte{0xb8, 0x61}, hdr[10:12])
	// a header carrying its checksum sums to all ones
	assert.Equal(t, uint16(0xffff), Checksum(hdr, 0))
}

func TestOddLength(t *testing.T) {
	assert.Equal(t, Checksum([]byte{0xab, 0xcd, 0xef, 0x00}, 0), Checksum([]byte{0xab, 0xcd, 0xef}, 0))
}

func TestCombineMatchesSplitSum(t *testing.T) {
	b := []byte{0x12, 0x34, 0xff, 0xff, 0x80, 0x01, 0x7f, 0xfe}
	split := Combine(Checksum(b[:4], 0), Checksum(b[4:], 0))
	assert.Equal(t, Checksum(b, 0), split)
}

func TestTransportVerifies(t *testing.T) {
	src := core.IPv4{10, 0, 0, 1}
	dst := core.IPv4{10, 0, 0, 2}
	seg := []byte{0x04, 0xd2, 0x00, 0x35, 0x00, 0x0b, 0x00, 0x00, 'a', 'b', 'c'}
	Put(seg[6:], Transport(src, dst, core.ProtocolUDP, seg))
	assert.Equal(t, uint16(0xffff), Checksum(seg, PseudoHeader(src, dst, core.ProtocolUDP, uint16(len(seg)))))
}
