package tcp

import (
	"encoding/binary"
	"fmt"
	"strings"

	"firestige.xyz/netlab/internal/core"
)

// HeaderLen is the length of a header without options.
const HeaderLen = 20

// TCP flags.
const (
	FlagFIN uint8 = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
)

const checksumOffset = 16

// Header is a decoded TCP header. DataOffset is in bytes.
type Header struct {
	SrcPort    core.Port
	DstPort    core.Port
	Seq        uint32
	Ack        uint32
	DataOffset int
	Flags      uint8
	Window     uint16
	Checksum   uint16
}

// ParseHeader decodes the fixed header and checks the data offset against b.
func ParseHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderLen {
		return h, fmt.Errorf("%w: tcp header %d bytes", core.ErrPacketTooShort, len(b))
	}
	h.SrcPort = core.Port(binary.BigEndian.Uint16(b[0:2]))
	h.DstPort = core.Port(binary.BigEndian.Uint16(b[2:4]))
	h.Seq = binary.BigEndian.Uint32(b[4:8])
	h.Ack = binary.BigEndian.Uint32(b[8:12])
	h.DataOffset = int(b[12]>>4) * 4
	h.Flags = b[13]
	h.Window = binary.BigEndian.Uint16(b[14:16])
	h.Checksum = binary.BigEndian.Uint16(b[16:18])
	if h.DataOffset < HeaderLen || h.DataOffset > len(b) {
		return h, fmt.Errorf("%w: tcp data offset %d", core.ErrMalformed, h.DataOffset)
	}
	return h, nil
}

// Marshal writes a 20-byte header into b with a zero checksum.
func (h Header) Marshal(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], uint16(h.SrcPort))
	binary.BigEndian.PutUint16(b[2:4], uint16(h.DstPort))
	binary.BigEndian.PutUint32(b[4:8], h.Seq)
	binary.BigEndian.PutUint32(b[8:12], h.Ack)
	b[12] = HeaderLen / 4 << 4
	b[13] = h.Flags
	binary.BigEndian.PutUint16(b[14:16], h.Window)
	b[16], b[17] = 0, 0
	b[18], b[19] = 0, 0
}

func (h Header) Has(f uint8) bool { return h.Flags&f != 0 }

// FlagString renders flags the way tcpdump does, e.g. "SA" or "FA".
func FlagString(f uint8) string {
	var sb strings.Builder
	for _, x := range []struct {
		flag uint8
		c    byte
	}{{FlagFIN, 'F'}, {FlagSYN, 'S'}, {FlagRST, 'R'}, {FlagPSH, 'P'}, {FlagACK, 'A'}, {FlagURG, 'U'}} {
		if f&x.flag != 0 {
			sb.WriteByte(x.c)
		}
	}
	if sb.Len() == 0 {
		return "."
	}
	return sb.String()
}

// seqAfter reports whether a comes after b in sequence space.
func seqAfter(a, b uint32) bool { return int32(a-b) > 0 }
