// Package core defines core types with zero external dependencies.
package core

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

// MAC is a 48-bit Ethernet hardware address.
type MAC [6]byte

// BroadcastMAC is the Ethernet broadcast address.
var BroadcastMAC = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ParseMAC parses a colon or dash separated 48-bit hardware address.
func ParseMAC(s string) (MAC, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return MAC{}, fmt.Errorf("%w: mac %q: %v", ErrConfigInvalid, s, err)
	}
	if len(hw) != 6 {
		return MAC{}, fmt.Errorf("%w: mac %q is not 48 bits", ErrConfigInvalid, s)
	}
	var m MAC
	copy(m[:], hw)
	return m, nil
}

func (m MAC) String() string { return net.HardwareAddr(m[:]).String() }

// Key returns the fixed-width binary form used by keyed stores.
func (m MAC) Key() string { return string(m[:]) }

// IPv4 is an IPv4 address in network byte order.
type IPv4 [4]byte

// ParseIPv4 parses a dotted-quad IPv4 address.
func ParseIPv4(s string) (IPv4, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return IPv4{}, fmt.Errorf("%w: ip %q: %v", ErrConfigInvalid, s, err)
	}
	if !addr.Is4() {
		return IPv4{}, fmt.Errorf("%w: ip %q is not IPv4", ErrConfigInvalid, s)
	}
	return IPv4(addr.As4()), nil
}

// Addr converts to the standard library value type.
func (a IPv4) Addr() netip.Addr { return netip.AddrFrom4(a) }

func (a IPv4) String() string { return a.Addr().String() }

// Key returns the fixed-width binary form used by keyed stores.
func (a IPv4) Key() string { return string(a[:]) }

// Port is a transport layer port number.
type Port uint16

// Key returns the port as two big-endian bytes.
func (p Port) Key() string {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(p))
	return string(b[:])
}

// EtherType identifies the protocol carried in an Ethernet frame.
type EtherType uint16

const (
	EtherTypeIPv4 EtherType = 0x0800
	EtherTypeARP  EtherType = 0x0806
)

func (e EtherType) String() string {
	switch e {
	case EtherTypeIPv4:
		return "ipv4"
	case EtherTypeARP:
		return "arp"
	default:
		return fmt.Sprintf("0x%04x", uint16(e))
	}
}

// Protocol is an IPv4 protocol number.
type Protocol uint8

const (
	ProtocolICMP Protocol = 1
	ProtocolTCP  Protocol = 6
	ProtocolUDP  Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case ProtocolICMP:
		return "icmp"
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	default:
		return fmt.Sprintf("proto-%d", uint8(p))
	}
}

// UnreachCode is an ICMP destination unreachable code.
type UnreachCode uint8

const (
	UnreachNet      UnreachCode = 0
	UnreachHost     UnreachCode = 1
	UnreachProtocol UnreachCode = 2
	UnreachPort     UnreachCode = 3
)
