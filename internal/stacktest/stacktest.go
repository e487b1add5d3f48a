// Package stacktest builds and decodes wire frames for protocol tests using
// gopacket, so the stack is checked against an independent codec.
package stacktest

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/netlab/internal/core"
)

// Host is one end of a test conversation.
type Host struct {
	MAC core.MAC
	IP  core.IPv4
}

var (
	// Local is the stack under test.
	Local = Host{MAC: core.MAC{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}, IP: core.IPv4{192, 168, 163, 103}}
	// Remote is the peer talking to it.
	Remote = Host{MAC: core.MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}, IP: core.IPv4{192, 168, 163, 1}}
)

// Serialize encodes ls with lengths and checksums computed.
func Serialize(t testing.TB, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	sb := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(sb, opts, ls...); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return append([]byte(nil), sb.Bytes()...)
}

// Ethernet returns an Ethernet header layer.
func Ethernet(src, dst core.MAC, et layers.EthernetType) *layers.Ethernet {
	return &layers.Ethernet{
		SrcMAC:       net.HardwareAddr(src[:]),
		DstMAC:       net.HardwareAddr(dst[:]),
		EthernetType: et,
	}
}

// IPv4 returns an IPv4 header layer with TTL 64.
func IPv4(src, dst core.IPv4, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: proto,
		SrcIP:    net.IP(src[:]).To4(),
		DstIP:    net.IP(dst[:]).To4(),
	}
}

// ARPFrame builds a complete ARP frame from `from`.
func ARPFrame(t testing.TB, op uint16, from Host, dstMAC core.MAC, targetMAC core.MAC, targetIP core.IPv4) []byte {
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   from.MAC[:],
		SourceProtAddress: from.IP[:],
		DstHwAddress:      targetMAC[:],
		DstProtAddress:    targetIP[:],
	}
	return Serialize(t, Ethernet(from.MAC, dstMAC, layers.EthernetTypeARP), arp)
}

// Segment describes a TCP segment for TCPFrame.
type Segment struct {
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	SYN, ACK, FIN    bool
	RST, PSH         bool
	Window           uint16
	Payload          []byte
}

// TCPLayer returns the TCP layer for seg with its checksum bound to ip.
func TCPLayer(t testing.TB, ip *layers.IPv4, seg Segment) *layers.TCP {
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(seg.SrcPort),
		DstPort: layers.TCPPort(seg.DstPort),
		Seq:     seg.Seq,
		Ack:     seg.Ack,
		SYN:     seg.SYN,
		ACK:     seg.ACK,
		FIN:     seg.FIN,
		RST:     seg.RST,
		PSH:     seg.PSH,
		Window:  seg.Window,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("tcp checksum layer: %v", err)
	}
	return tcp
}

// TCPFrame builds a complete frame carrying seg from `from` to `to`.
func TCPFrame(t testing.TB, from, to Host, seg Segment) []byte {
	ip := IPv4(from.IP, to.IP, layers.IPProtocolTCP)
	return Serialize(t, Ethernet(from.MAC, to.MAC, layers.EthernetTypeIPv4), ip, TCPLayer(t, ip, seg), gopacket.Payload(seg.Payload))
}

// TCPBytes returns the raw TCP segment (header and payload) without IP or
// Ethernet framing.
func TCPBytes(t testing.TB, from, to core.IPv4, seg Segment) []byte {
	ip := IPv4(from, to, layers.IPProtocolTCP)
	return Serialize(t, TCPLayer(t, ip, seg), gopacket.Payload(seg.Payload))
}

// UDPFrame builds a complete UDP frame.
func UDPFrame(t testing.TB, from, to Host, srcPort, dstPort uint16, payload []byte) []byte {
	ip := IPv4(from.IP, to.IP, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("udp checksum layer: %v", err)
	}
	return Serialize(t, Ethernet(from.MAC, to.MAC, layers.EthernetTypeIPv4), ip, udp, gopacket.Payload(payload))
}

// EchoRequestFrame builds an ICMP echo request.
func EchoRequestFrame(t testing.TB, from, to Host, id, seq uint16, payload []byte) []byte {
	ip := IPv4(from.IP, to.IP, layers.IPProtocolICMPv4)
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       id,
		Seq:      seq,
	}
	return Serialize(t, Ethernet(from.MAC, to.MAC, layers.EthernetTypeIPv4), ip, icmp, gopacket.Payload(payload))
}

// Decode parses an Ethernet frame.
func Decode(frame []byte) gopacket.Packet {
	return gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
}

// Layer extracts a typed layer from frame, failing the test when absent.
func Layer[L gopacket.Layer](t testing.TB, frame []byte, lt gopacket.LayerType) L {
	t.Helper()
	l := Decode(frame).Layer(lt)
	if l == nil {
		t.Fatalf("frame has no %s layer: % x", lt, frame)
	}
	return l.(L)
}

// TCPOf decodes the TCP layer of frame.
func TCPOf(t testing.TB, frame []byte) *layers.TCP {
	t.Helper()
	return Layer[*layers.TCP](t, frame, layers.LayerTypeTCP)
}

// IPv4Of decodes the IPv4 layer of frame.
func IPv4Of(t testing.TB, frame []byte) *layers.IPv4 {
	t.Helper()
	return Layer[*layers.IPv4](t, frame, layers.LayerTypeIPv4)
}

// ARPOf decodes the ARP layer of frame.
func ARPOf(t testing.TB, frame []byte) *layers.ARP {
	t.Helper()
	return Layer[*layers.ARP](t, frame, layers.LayerTypeARP)
}

// ICMPOf decodes the ICMPv4 layer of frame.
func ICMPOf(t testing.TB, frame []byte) *layers.ICMPv4 {
	t.Helper()
	return Layer[*layers.ICMPv4](t, frame, layers.LayerTypeICMPv4)
}

// UDPOf decodes the UDP layer of frame.
func UDPOf(t testing.TB, frame []byte) *layers.UDP {
	t.Helper()
	return Layer[*layers.UDP](t, frame, layers.LayerTypeUDP)
}
