// Package ip implements the IPv4 layer: header validation, dispatch to the
// transport protocols, fragmentation of outgoing datagrams and reassembly of
// incoming ones.
package ip

import (
	"errors"
	"fmt"

	"firestige.xyz/netlab/internal/buf"
	"firestige.xyz/netlab/internal/core"
	"firestige.xyz/netlab/internal/log"
	"firestige.xyz/netlab/internal/metrics"
)

// DefaultMaxPayload is the largest payload carried in one datagram. It is a
// multiple of 8 so every fragment but the last stays aligned.
const DefaultMaxPayload = 1480

// Resolver delivers a finished datagram to its next hop.
type Resolver interface {
	ResolveAndSend(pkt *buf.Buffer, dst core.IPv4) error
}

// ErrorReporter emits ICMP destination-unreachable messages. orig starts at
// the offending datagram's IP header.
type ErrorReporter interface {
	Unreachable(orig *buf.Buffer, dst core.IPv4, code core.UnreachCode)
}

// Handler receives a datagram payload with the IP header stripped. The
// header can be restored with pkt.AddHeader(hdr.IHL).
type Handler func(pkt *buf.Buffer, hdr Header)

// Config configures a Layer.
type Config struct {
	LocalIP    core.IPv4
	MaxPayload int   // 0 = DefaultMaxPayload
	TTL        uint8 // 0 = DefaultTTL
}

// Layer is the IPv4 layer for a single local address.
type Layer struct {
	cfg      Config
	resolver Resolver
	reasm    *Reassembler // nil = fragments are dropped
	errs     ErrorReporter
	handlers map[core.Protocol]Handler
	nextID   uint16
	log      log.Logger
}

// New creates the layer. reasm may be nil to disable reassembly.
func New(cfg Config, resolver Resolver, reasm *Reassembler, logger log.Logger) (*Layer, error) {
	if cfg.MaxPayload == 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	if cfg.MaxPayload < 8 || cfg.MaxPayload%8 != 0 || cfg.MaxPayload > ipv4MaxSize-HeaderLen {
		return nil, fmt.Errorf("%w: max payload %d must be a positive multiple of 8", core.ErrConfigInvalid, cfg.MaxPayload)
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	return &Layer{
		cfg:      cfg,
		resolver: resolver,
		reasm:    reasm,
		handlers: make(map[core.Protocol]Handler),
		log:      log.OrDiscard(logger).WithField("module", "ip"),
	}, nil
}

// LocalIP returns the address this layer accepts datagrams for.
func (l *Layer) LocalIP() core.IPv4 { return l.cfg.LocalIP }

// MaxPayload returns the fragment payload size.
func (l *Layer) MaxPayload() int { return l.cfg.MaxPayload }

// SetErrorReporter installs the ICMP error sink.
func (l *Layer) SetErrorReporter(r ErrorReporter) { l.errs = r }

// Register installs h for datagrams carrying proto.
func (l *Layer) Register(proto core.Protocol, h Handler) {
	l.handlers[proto] = h
}

// Receive validates a datagram and dispatches its payload. Invalid datagrams
// are dropped silently.
func (l *Layer) Receive(pkt *buf.Buffer, _ core.MAC) {
	b := pkt.Bytes()
	hdr, err := ParseHeader(b)
	if err != nil {
		l.drop("malformed", err)
		return
	}
	if hdr.TotalLen > len(b) || hdr.TotalLen < hdr.IHL {
		l.drop("bad_length", fmt.Errorf("total length %d, have %d", hdr.TotalLen, len(b)))
		return
	}
	if !verifyChecksum(b[:hdr.IHL]) {
		l.drop("bad_checksum", core.ErrBadChecksum)
		return
	}
	if hdr.Dst != l.cfg.LocalIP {
		l.drop("not_local", nil)
		return
	}
	// Ethernet padding
	_ = pkt.Truncate(hdr.TotalLen)

	switch hdr.Protocol {
	case core.ProtocolICMP, core.ProtocolTCP, core.ProtocolUDP:
	default:
		if l.errs != nil {
			l.errs.Unreachable(pkt, hdr.Src, core.UnreachProtocol)
		}
	}

	if hdr.IsFragment() {
		if l.reasm == nil {
			l.drop("fragment", nil)
			return
		}
		whole, err := l.reasm.Process(pkt.Bytes(), hdr)
		if err != nil {
			l.drop("reassembly", err)
			return
		}
		if whole == nil {
			return
		}
		pkt = whole
		if hdr, err = ParseHeader(pkt.Bytes()); err != nil {
			l.drop("reassembly", err)
			return
		}
	}

	h, ok := l.handlers[hdr.Protocol]
	if !ok {
		metrics.DropsTotal.WithLabelValues("ip", "no_handler").Inc()
		return
	}
	_ = pkt.RemoveHeader(hdr.IHL)
	h(pkt, hdr)
}

// Send prepends IPv4 headers to pkt and hands the result to the resolver.
// Payloads larger than MaxPayload are split into fragments sharing one
// identification; every fragment is handed over even if an earlier one
// failed, and the first error is returned.
func (l *Layer) Send(pkt *buf.Buffer, dst core.IPv4, proto core.Protocol) error {
	id := l.nextID
	l.nextID++

	hdr := Header{
		TTL:      l.cfg.TTL,
		Protocol: proto,
		ID:       id,
		Src:      l.cfg.LocalIP,
		Dst:      dst,
	}
	if pkt.Len() <= l.cfg.MaxPayload {
		return l.emit(pkt, hdr)
	}

	payload := pkt.Bytes()
	var first error
	for off := 0; off < len(payload); off += l.cfg.MaxPayload {
		end := min(off+l.cfg.MaxPayload, len(payload))
		frag := buf.New(end - off)
		copy(frag.Bytes(), payload[off:end])

		fh := hdr
		fh.FragOffset = off
		fh.MoreFragments = end < len(payload)
		metrics.IPFragmentsSentTotal.Inc()
		if err := l.emit(frag, fh); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (l *Layer) emit(pkt *buf.Buffer, hdr Header) error {
	hdr.TotalLen = HeaderLen + pkt.Len()
	b, err := pkt.AddHeader(HeaderLen)
	if err != nil {
		return fmt.Errorf("ip header: %w", err)
	}
	hdr.Marshal(b)
	if err := l.resolver.ResolveAndSend(pkt, hdr.Dst); err != nil {
		if !errors.Is(err, core.ErrResolutionPending) {
			l.log.WithError(err).Debugf("send to %s", hdr.Dst)
		}
		return err
	}
	return nil
}

func (l *Layer) drop(reason string, err error) {
	metrics.DropsTotal.WithLabelValues("ip", reason).Inc()
	if err != nil {
		l.log.WithError(err).Tracef("drop datagram: %s", reason)
	}
}
