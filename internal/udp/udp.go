// Package udp is a stateless pass-through: datagrams are checked and handed
// to the handler bound to their destination port.
package udp

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/netlab/internal/buf"
	"firestige.xyz/netlab/internal/checksum"
	"firestige.xyz/netlab/internal/core"
	"firestige.xyz/netlab/internal/ip"
	"firestige.xyz/netlab/internal/log"
	"firestige.xyz/netlab/internal/metrics"
	"firestige.xyz/netlab/internal/store"
)

const HeaderLen = 8

// Handler receives a datagram payload. data is only valid during the call.
type Handler func(data []byte, src core.IPv4, srcPort core.Port)

// Sender is the IP layer as seen by UDP.
type Sender interface {
	Send(pkt *buf.Buffer, dst core.IPv4, proto core.Protocol) error
}

// Ports maps local ports to handlers.
type Ports = store.Store[core.Port, Handler]

// NewPorts creates a port table holding up to capacity bindings.
func NewPorts(capacity int) *Ports {
	return store.New[core.Port, Handler](store.Config[Handler]{KeySize: 2, Capacity: capacity})
}

// Layer is the UDP endpoint of one stack.
type Layer struct {
	ip    Sender
	local core.IPv4
	errs  ip.ErrorReporter
	ports *Ports
	log   log.Logger
}

// New creates the layer. errs may be nil, in which case datagrams to closed
// ports are dropped without a reply.
func New(s Sender, local core.IPv4, errs ip.ErrorReporter, ports *Ports, logger log.Logger) *Layer {
	return &Layer{
		ip:    s,
		local: local,
		errs:  errs,
		ports: ports,
		log:   log.OrDiscard(logger).WithField("module", "udp"),
	}
}

// Open binds h to port, replacing any earlier binding.
func (l *Layer) Open(port core.Port, h Handler) error {
	if err := l.ports.Set(port, h); err != nil {
		return fmt.Errorf("udp open %d: %w", port, err)
	}
	return nil
}

// Close unbinds port.
func (l *Layer) Close(port core.Port) {
	l.ports.Delete(port)
}

// Send transmits data from srcPort to dst:dstPort.
func (l *Layer) Send(data []byte, srcPort core.Port, dst core.IPv4, dstPort core.Port) error {
	if len(data) > 0xffff-HeaderLen {
		return fmt.Errorf("udp send: %w: %d bytes", core.ErrBufferOverflow, len(data))
	}
	pkt := buf.New(HeaderLen + len(data))
	b := pkt.Bytes()
	binary.BigEndian.PutUint16(b[0:2], uint16(srcPort))
	binary.BigEndian.PutUint16(b[2:4], uint16(dstPort))
	binary.BigEndian.PutUint16(b[4:6], uint16(len(b)))
	copy(b[HeaderLen:], data)
	xsum := checksum.Transport(l.local, dst, core.ProtocolUDP, b)
	if xsum == 0 {
		xsum = 0xffff
	}
	checksum.Put(b[6:], xsum)

	metrics.UDPDatagramsTotal.WithLabelValues("tx").Inc()
	return l.ip.Send(pkt, dst, core.ProtocolUDP)
}

// Receive handles a datagram handed up by the IP layer.
func (l *Layer) Receive(pkt *buf.Buffer, hdr ip.Header) {
	b := pkt.Bytes()
	if len(b) < HeaderLen {
		metrics.DropsTotal.WithLabelValues("udp", "short").Inc()
		return
	}
	length := int(binary.BigEndian.Uint16(b[4:6]))
	if length < HeaderLen || length > len(b) {
		metrics.DropsTotal.WithLabelValues("udp", "bad_length").Inc()
		return
	}
	b = b[:length]
	// A zero checksum was not computed by the sender.
	if binary.BigEndian.Uint16(b[6:8]) != 0 && checksum.Transport(hdr.Src, hdr.Dst, core.ProtocolUDP, b) != 0 {
		metrics.DropsTotal.WithLabelValues("udp", "bad_checksum").Inc()
		return
	}
	metrics.UDPDatagramsTotal.WithLabelValues("rx").Inc()

	srcPort := core.Port(binary.BigEndian.Uint16(b[0:2]))
	dstPort := core.Port(binary.BigEndian.Uint16(b[2:4]))
	h, ok := l.ports.Get(dstPort)
	if !ok {
		l.log.Tracef("no handler for port %d", dstPort)
		if l.errs != nil {
			if _, err := pkt.AddHeader(hdr.IHL); err == nil {
				l.errs.Unreachable(pkt, hdr.Src, core.UnreachPort)
			}
		}
		return
	}
	h(b[HeaderLen:], hdr.Src, srcPort)
}
