package ip

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/netlab/internal/checksum"
	"firestige.xyz/netlab/internal/core"
)

const (
	HeaderLen  = 20
	Version4   = 4
	DefaultTTL = 64

	flagDF     = 0x4000
	flagMF     = 0x2000
	offsetMask = 0x1fff

	checksumOffset = 10
)

// Header is a decoded IPv4 header. Lengths and the fragment offset are in
// bytes.
type Header struct {
	IHL           int
	TOS           uint8
	TotalLen      int
	ID            uint16
	DontFragment  bool
	MoreFragments bool
	FragOffset    int
	TTL           uint8
	Protocol      core.Protocol
	Checksum      uint16
	Src           core.IPv4
	Dst           core.IPv4
}

// ParseHeader decodes the fixed part of an IPv4 header and checks the version
// and header length against b.
func ParseHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderLen {
		return h, fmt.Errorf("%w: %d bytes", core.ErrPacketTooShort, len(b))
	}
	if b[0]>>4 != Version4 {
		return h, fmt.Errorf("%w: version %d", core.ErrMalformed, b[0]>>4)
	}
	h.IHL = int(b[0]&0x0f) * 4
	if h.IHL < HeaderLen || h.IHL > len(b) {
		return h, fmt.Errorf("%w: header length %d", core.ErrMalformed, h.IHL)
	}
	h.TOS = b[1]
	h.TotalLen = int(binary.BigEndian.Uint16(b[2:4]))
	h.ID = binary.BigEndian.Uint16(b[4:6])
	fo := binary.BigEndian.Uint16(b[6:8])
	h.DontFragment = fo&flagDF != 0
	h.MoreFragments = fo&flagMF != 0
	h.FragOffset = int(fo&offsetMask) * 8
	h.TTL = b[8]
	h.Protocol = core.Protocol(b[9])
	h.Checksum = binary.BigEndian.Uint16(b[10:12])
	copy(h.Src[:], b[12:16])
	copy(h.Dst[:], b[16:20])
	return h, nil
}

// IsFragment reports whether the datagram is one piece of a larger one.
func (h Header) IsFragment() bool {
	return h.MoreFragments || h.FragOffset != 0
}

// PayloadLen is the datagram payload length according to the header.
func (h Header) PayloadLen() int {
	return h.TotalLen - h.IHL
}

// Marshal writes a 20-byte header (no options) into b and fills in the
// checksum. h.IHL is ignored.
func (h Header) Marshal(b []byte) {
	b[0] = Version4<<4 | HeaderLen/4
	b[1] = h.TOS
	binary.BigEndian.PutUint16(b[2:4], uint16(h.TotalLen))
	binary.BigEndian.PutUint16(b[4:6], h.ID)
	fo := uint16(h.FragOffset/8) & offsetMask
	if h.DontFragment {
		fo |= flagDF
	}
	if h.MoreFragments {
		fo |= flagMF
	}
	binary.BigEndian.PutUint16(b[6:8], fo)
	b[8] = h.TTL
	b[9] = uint8(h.Protocol)
	b[10], b[11] = 0, 0
	copy(b[12:16], h.Src[:])
	copy(b[16:20], h.Dst[:])
	checksum.Put(b[checksumOffset:], checksum.Internet(b[:HeaderLen]))
}

// verifyChecksum zeroes the checksum field, recomputes it over the header and
// restores the field.
func verifyChecksum(hdr []byte) bool {
	saved := binary.BigEndian.Uint16(hdr[checksumOffset:])
	hdr[checksumOffset], hdr[checksumOffset+1] = 0, 0
	computed := checksum.Internet(hdr)
	checksum.Put(hdr[checksumOffset:], saved)
	return computed == saved
}
