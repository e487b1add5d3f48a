// Package tcp implements a server-side TCP connection engine: passive open,
// per-connection send and receive buffers, flow control against the peer's
// advertised window and the close handshakes. There are no retransmission
// timers; a segment that arrives out of order resets the connection.
package tcp

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"firestige.xyz/netlab/internal/buf"
	"firestige.xyz/netlab/internal/checksum"
	"firestige.xyz/netlab/internal/core"
	"firestige.xyz/netlab/internal/ip"
	"firestige.xyz/netlab/internal/log"
	"firestige.xyz/netlab/internal/metrics"
	"firestige.xyz/netlab/internal/store"
)

const (
	DefaultBufferSize = 64 * 1024
	maxWindow         = 0xffff
	// maxSegment keeps a segment within one IPv4 datagram.
	maxSegment = 0xffff - ip.HeaderLen - HeaderLen

	connKeySize = 8
)

// Handler is notified of connection events on a port.
type Handler func(c *Conn, ev Event)

// Sender is the IP layer as seen by TCP.
type Sender interface {
	Send(pkt *buf.Buffer, dst core.IPv4, proto core.Protocol) error
}

// ConnKey identifies a connection: (peer IP, peer port, local port).
type ConnKey struct {
	Peer      core.IPv4
	PeerPort  core.Port
	LocalPort core.Port
}

func (k ConnKey) Key() string {
	var b [connKeySize]byte
	copy(b[0:4], k.Peer[:])
	binary.BigEndian.PutUint16(b[4:6], uint16(k.PeerPort))
	binary.BigEndian.PutUint16(b[6:8], uint16(k.LocalPort))
	return string(b[:])
}

func (k ConnKey) String() string {
	return fmt.Sprintf("%s:%d->:%d", k.Peer, k.PeerPort, k.LocalPort)
}

// Ports maps local ports to handlers.
type Ports = store.Store[core.Port, Handler]

// ConnTable maps connection keys to records.
type ConnTable = store.Store[ConnKey, *Conn]

// NewPorts creates a port table.
func NewPorts(capacity int) *Ports {
	return store.New[core.Port, Handler](store.Config[Handler]{KeySize: 2, Capacity: capacity})
}

// NewConnTable creates a connection table.
func NewConnTable(capacity int) *ConnTable {
	return store.New[ConnKey, *Conn](store.Config[*Conn]{KeySize: connKeySize, Capacity: capacity})
}

// Config sizes per-connection buffers.
type Config struct {
	SendBuffer int           // 0 = DefaultBufferSize
	RecvBuffer int           // 0 = DefaultBufferSize
	ISN        func() uint32 // initial sequence numbers, nil = random
}

// Engine is the TCP endpoint of one stack. It is not safe for concurrent use.
type Engine struct {
	ip    Sender
	local core.IPv4
	errs  ip.ErrorReporter
	ports *Ports
	conns *ConnTable
	cfg   Config
	log   log.Logger
}

// New creates the engine. The tables are owned by the caller; errs may be nil.
func New(s Sender, local core.IPv4, errs ip.ErrorReporter, ports *Ports, conns *ConnTable, cfg Config, logger log.Logger) *Engine {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultBufferSize
	}
	if cfg.RecvBuffer <= 0 {
		cfg.RecvBuffer = DefaultBufferSize
	}
	if cfg.ISN == nil {
		cfg.ISN = rand.Uint32
	}
	return &Engine{
		ip:    s,
		local: local,
		errs:  errs,
		ports: ports,
		conns: conns,
		cfg:   cfg,
		log:   log.OrDiscard(logger).WithField("module", "tcp"),
	}
}

// Open binds h to port, replacing any earlier handler.
func (e *Engine) Open(port core.Port, h Handler) error {
	if err := e.ports.Set(port, h); err != nil {
		return fmt.Errorf("tcp open %d: %w", port, err)
	}
	return nil
}

// Close unbinds port and tears down every connection on it.
func (e *Engine) Close(port core.Port) {
	e.conns.ForEachMatching(
		func(k ConnKey, _ *Conn) bool { return k.LocalPort == port },
		func(_ ConnKey, c *Conn) { c.teardown() },
	)
	e.ports.Delete(port)
}

// ConnInfo is a diagnostic snapshot of one connection.
type ConnInfo struct {
	Key       ConnKey
	State     State
	UnackSeq  uint32
	NextSeq   uint32
	Ack       uint32
	RemoteWin uint16
	Unread    int
	Unacked   int
}

// Conns returns a snapshot of the connection table ordered by key.
func (e *Engine) Conns() []ConnInfo {
	var out []ConnInfo
	e.conns.ForEach(func(k ConnKey, c *Conn, _ time.Time) {
		out = append(out, c.info())
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Key() < out[j].Key.Key() })
	return out
}

// segment is a received segment after validation.
type segment struct {
	Header
	payload []byte
}

func (s *segment) seqLen() uint32 {
	n := uint32(len(s.payload))
	if s.Has(FlagSYN) {
		n++
	}
	if s.Has(FlagFIN) {
		n++
	}
	return n
}

// Receive handles a segment handed up by the IP layer.
func (e *Engine) Receive(pkt *buf.Buffer, hdr ip.Header) {
	b := pkt.Bytes()
	if len(b) < HeaderLen {
		e.drop("short", nil)
		return
	}
	if checksum.Transport(hdr.Src, hdr.Dst, core.ProtocolTCP, b) != 0 {
		e.drop("bad_checksum", nil)
		return
	}
	th, err := ParseHeader(b)
	if err != nil {
		e.drop("malformed", err)
		return
	}
	metrics.TCPSegmentsTotal.WithLabelValues("rx").Inc()
	seg := &segment{Header: th, payload: b[th.DataOffset:]}

	h, ok := e.ports.Get(th.DstPort)
	if !ok {
		e.log.Tracef("no listener on port %d", th.DstPort)
		if e.errs != nil {
			if _, err := pkt.AddHeader(hdr.IHL); err == nil {
				e.errs.Unreachable(pkt, hdr.Src, core.UnreachPort)
			}
		}
		return
	}

	key := ConnKey{Peer: hdr.Src, PeerPort: th.SrcPort, LocalPort: th.DstPort}
	c, ok := e.conns.Get(key)
	if !ok {
		c = &Conn{engine: e, key: key, handler: h, state: StateListen}
		if err := e.conns.Set(key, c); err != nil {
			e.drop("table_full", err)
			return
		}
		metrics.TCPConnections.Set(float64(e.conns.Len()))
	}
	c.handler = h
	c.receive(seg)
}

// reset answers seg with a RST that the peer will accept.
func (e *Engine) reset(key ConnKey, seg *segment) {
	var seq uint32
	if seg.Has(FlagACK) {
		seq = seg.Ack
	}
	metrics.TCPResetsTotal.Inc()
	e.log.Debugf("reset %s", key)
	if err := e.emit(key, seq, seg.Seq+seg.seqLen(), FlagRST|FlagACK, 0, nil); err != nil {
		e.log.WithError(err).Debugf("send reset to %s", key)
	}
}

// emit builds a segment and hands it to the IP layer.
func (e *Engine) emit(key ConnKey, seq, ack uint32, flags uint8, window uint16, payload []byte) error {
	pkt := buf.New(HeaderLen + len(payload))
	b := pkt.Bytes()
	Header{
		SrcPort: key.LocalPort,
		DstPort: key.PeerPort,
		Seq:     seq,
		Ack:     ack,
		Flags:   flags,
		Window:  window,
	}.Marshal(b)
	copy(b[HeaderLen:], payload)
	checksum.Put(b[checksumOffset:], checksum.Transport(e.local, key.Peer, core.ProtocolTCP, b))

	metrics.TCPSegmentsTotal.WithLabelValues("tx").Inc()
	e.log.Tracef("send %s seq=%d ack=%d win=%d len=%d to %s", FlagString(flags), seq, ack, window, len(payload), key)
	return e.ip.Send(pkt, key.Peer, core.ProtocolTCP)
}

func (e *Engine) forget(key ConnKey) {
	e.conns.Delete(key)
	metrics.TCPConnections.Set(float64(e.conns.Len()))
}

func (e *Engine) drop(reason string, err error) {
	metrics.DropsTotal.WithLabelValues("tcp", reason).Inc()
	if err != nil {
		e.log.WithError(err).Tracef("drop segment: %s", reason)
	}
}
