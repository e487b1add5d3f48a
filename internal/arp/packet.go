package arp

import (
	"encoding/binary"

	"firestige.xyz/netlab/internal/core"
)

const (
	PacketLen = 28

	hwEthernet = 1

	OpRequest uint16 = 1
	OpReply   uint16 = 2
)

// Packet is an Ethernet/IPv4 ARP message.
type Packet struct {
	Op        uint16
	SenderMAC core.MAC
	SenderIP  core.IPv4
	TargetMAC core.MAC
	TargetIP  core.IPv4
}

// Parse decodes b. ok is false unless the message is an Ethernet/IPv4 request
// or reply with 6/4 byte addresses.
func Parse(b []byte) (p Packet, ok bool) {
	if len(b) < PacketLen {
		return p, false
	}
	if binary.BigEndian.Uint16(b[0:2]) != hwEthernet ||
		core.EtherType(binary.BigEndian.Uint16(b[2:4])) != core.EtherTypeIPv4 ||
		b[4] != 6 || b[5] != 4 {
		return p, false
	}
	p.Op = binary.BigEndian.Uint16(b[6:8])
	if p.Op != OpRequest && p.Op != OpReply {
		return p, false
	}
	copy(p.SenderMAC[:], b[8:14])
	copy(p.SenderIP[:], b[14:18])
	copy(p.TargetMAC[:], b[18:24])
	copy(p.TargetIP[:], b[24:28])
	return p, true
}

// Marshal writes the message into b, which must hold PacketLen bytes.
func (p Packet) Marshal(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], hwEthernet)
	binary.BigEndian.PutUint16(b[2:4], uint16(core.EtherTypeIPv4))
	b[4], b[5] = 6, 4
	binary.BigEndian.PutUint16(b[6:8], p.Op)
	copy(b[8:14], p.SenderMAC[:])
	copy(b[14:18], p.SenderIP[:])
	copy(b[18:24], p.TargetMAC[:])
	copy(b[24:28], p.TargetIP[:])
}
