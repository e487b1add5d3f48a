// Package checksum implements the RFC 1071 Internet checksum.
package checksum

import (
	"encoding/binary"

	"firestige.xyz/netlab/internal/core"
)

// Size is the size of a checksum field.
const Size = 2

// Put writes xsum into b in network byte order.
func Put(b []byte, xsum uint16) {
	binary.BigEndian.PutUint16(b, xsum)
}

// Combine adds two one's complement sums.
func Combine(a, b uint16) uint16 {
	v := uint32(a) + uint32(b)
	return uint16(v + v>>16)
}

// Checksum returns the one's complement sum of buf folded to 16 bits,
// continuing from initial. An odd trailing byte is padded with zero.
// The initial sum must cover an even number of bytes.
func Checksum(buf []byte, initial uint16) uint16 {
	v := uint32(initial)
	l := len(buf)
	if l&1 != 0 {
		l--
		v += uint32(buf[l]) << 8
	}
	for i := 0; i < l; i += 2 {
		v += uint32(buf[i])<<8 | uint32(buf[i+1])
	}
	for v>>16 != 0 {
		v = v&0xffff + v>>16
	}
	return uint16(v)
}

// Internet returns the value stored in a header checksum field: the
// complement of the sum over buf.
func Internet(buf []byte) uint16 {
	return ^Checksum(buf, 0)
}

// PseudoHeader returns the sum of the IPv4 pseudo-header used by TCP and UDP:
// source, destination, a zero byte, the protocol and the segment length.
func PseudoHeader(src, dst core.IPv4, proto core.Protocol, length uint16) uint16 {
	xsum := Checksum(src[:], 0)
	xsum = Checksum(dst[:], xsum)
	xsum = Checksum([]byte{0, uint8(proto)}, xsum)
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], length)
	return Checksum(l[:], xsum)
}

// Transport returns the checksum field value for a TCP or UDP segment whose
// own checksum field is zero.
func Transport(src, dst core.IPv4, proto core.Protocol, segment []byte) uint16 {
	return ^Checksum(segment, PseudoHeader(src, dst, proto, uint16(len(segment))))
}
