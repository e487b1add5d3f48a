package tcp

import (
	"fmt"
	"io"

	"firestige.xyz/netlab/internal/buf"
	"firestige.xyz/netlab/internal/core"
	"firestige.xyz/netlab/internal/metrics"
)

// Conn is one connection record. It is created in LISTEN by the first
// segment from a new peer and removed from the table on teardown. All
// methods are non-blocking and must be called from the goroutine polling the
// stack.
type Conn struct {
	engine  *Engine
	key     ConnKey
	handler Handler
	state   State

	unackSeq  uint32 // oldest byte sent and not acknowledged
	nextSeq   uint32 // next byte to send
	ack       uint32 // next byte expected from the peer
	remoteWin uint16
	lastWin   uint16 // window in the latest segment sent

	tx *buf.Buffer // unacknowledged and unsent bytes, starting at unackSeq
	rx *buf.Buffer // received bytes not yet read

	closed    bool
	inReceive bool
}

// State returns the connection state. A torn-down connection reports LISTEN.
func (c *Conn) State() State { return c.state }

// LocalPort returns the local port.
func (c *Conn) LocalPort() core.Port { return c.key.LocalPort }

// RemoteAddr returns the peer address and port.
func (c *Conn) RemoteAddr() (core.IPv4, core.Port) { return c.key.Peer, c.key.PeerPort }

// Closed reports whether the connection has been torn down.
func (c *Conn) Closed() bool { return c.closed }

func (c *Conn) String() string { return fmt.Sprintf("%s %s", c.key, c.state) }

// Read copies buffered bytes into p. It returns core.ErrWouldBlock when
// nothing is buffered and io.EOF once the connection is gone and drained.
func (c *Conn) Read(p []byte) (int, error) {
	if c.rx == nil || c.rx.Len() == 0 {
		if c.closed {
			return 0, io.EOF
		}
		return 0, core.ErrWouldBlock
	}
	n := copy(p, c.rx.Bytes())
	_ = c.rx.RemoveHeader(n)

	// the peer stops sending once it sees a zero window
	if c.lastWin == 0 && c.state == StateEstablished && !c.inReceive {
		c.send(FlagACK, nil)
	}
	return n, nil
}

// Write queues as much of p as fits in the send buffer without exceeding the
// peer's window, then sends unsent data once. It returns
// core.ErrWouldBlock when nothing could be queued.
func (c *Conn) Write(p []byte) (int, error) {
	if c.closed || c.state != StateEstablished {
		return 0, core.ErrConnClosed
	}
	room := min(c.tx.Free(), int(c.remoteWin)-c.tx.Len())
	if room <= 0 {
		if !c.inReceive {
			c.flush(false)
		}
		return 0, core.ErrWouldBlock
	}
	n := min(room, len(p))
	if n == 0 {
		return 0, nil
	}
	if err := c.tx.Append(p[:n]); err != nil {
		return 0, err
	}
	// a receive event answers with a single segment once the handler returns
	if !c.inReceive {
		c.flush(false)
	}
	return n, nil
}

// Close starts the active close from ESTABLISHED, sending unsent data with
// the FIN. In any other state the connection is torn down at once.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	if c.state != StateEstablished {
		c.teardown()
		return nil
	}
	c.state = StateFinWait1
	c.send(FlagACK|FlagFIN, c.takeUnsent())
	return nil
}

func (c *Conn) receive(seg *segment) {
	e := c.engine
	if c.state == StateListen {
		switch {
		case seg.Has(FlagRST):
			c.teardown()
		case !seg.Has(FlagSYN):
			e.reset(c.key, seg)
			c.teardown()
		default:
			c.accept(seg)
		}
		return
	}

	if seg.Has(FlagRST) {
		metrics.TCPConnectionEventsTotal.WithLabelValues("reset").Inc()
		c.teardown()
		return
	}
	if seg.Seq != c.ack {
		e.log.Debugf("%s: seq %d, expected %d", c.key, seg.Seq, c.ack)
		e.reset(c.key, seg)
		c.teardown()
		return
	}

	switch c.state {
	case StateSynRcvd:
		if !seg.Has(FlagACK) {
			return
		}
		c.unackSeq++
		c.state = StateEstablished
		metrics.TCPConnectionEventsTotal.WithLabelValues("established").Inc()
		c.notify(EventConnected)
		if c.state != StateEstablished {
			return
		}
		if len(seg.payload) > 0 || seg.Has(FlagFIN) {
			c.established(seg)
		} else {
			c.flush(false)
		}

	case StateEstablished:
		c.established(seg)

	case StateFinWait1:
		c.ack += uint32(len(seg.payload))
		if seg.Has(FlagFIN) && seg.Has(FlagACK) {
			c.ack++
			c.send(FlagACK, nil)
			c.teardown()
			return
		}
		if seg.Has(FlagACK) {
			c.state = StateFinWait2
		}
		// data after our FIN is discarded but still acknowledged
		if len(seg.payload) > 0 {
			c.send(FlagACK, nil)
		}

	case StateFinWait2:
		c.ack += uint32(len(seg.payload))
		if !seg.Has(FlagFIN) {
			if len(seg.payload) > 0 {
				c.send(FlagACK, nil)
			}
			return
		}
		c.ack++
		c.send(FlagACK, nil)
		c.teardown()

	case StateLastAck:
		if !seg.Has(FlagACK) {
			return
		}
		c.notify(EventClosed)
		metrics.TCPConnectionEventsTotal.WithLabelValues("closed").Inc()
		c.teardown()

	default:
		panic(fmt.Sprintf("tcp: connection %s in impossible state %s", c.key, c.state))
	}
}

// accept answers a SYN in LISTEN.
func (c *Conn) accept(seg *segment) {
	cfg := c.engine.cfg
	c.tx = buf.NewCap(cfg.SendBuffer)
	c.rx = buf.NewCap(cfg.RecvBuffer)
	c.state = StateSynRcvd
	c.unackSeq = cfg.ISN()
	c.nextSeq = c.unackSeq
	c.ack = seg.Seq + 1
	c.remoteWin = seg.Window
	c.send(FlagSYN|FlagACK, nil)
}

func (c *Conn) established(seg *segment) {
	e := c.engine
	if !seg.Has(FlagACK) && !seg.Has(FlagFIN) {
		return
	}
	if seg.Has(FlagACK) {
		c.acknowledge(seg.Ack)
		c.remoteWin = seg.Window
	}
	if n := len(seg.payload); n > 0 {
		if n > c.rx.Free() {
			e.log.Debugf("%s: %d bytes exceed receive window %d", c.key, n, c.rx.Free())
			e.reset(c.key, seg)
			c.teardown()
			return
		}
		_ = c.rx.Append(seg.payload)
		c.ack += uint32(n)
	}

	if seg.Has(FlagFIN) {
		c.ack++
		c.state = StateLastAck
		c.send(FlagACK|FlagFIN, nil)
		return
	}

	owed := len(seg.payload) > 0
	if owed {
		c.notify(EventDataReceived)
		if c.state != StateEstablished {
			// the handler closed the connection
			return
		}
	}
	c.flush(owed)
}

// acknowledge releases the acknowledged prefix of the send buffer. Stale and
// duplicate acks are ignored.
func (c *Conn) acknowledge(ack uint32) {
	if !seqAfter(ack, c.unackSeq) || seqAfter(ack, c.nextSeq) {
		return
	}
	_ = c.tx.RemoveHeader(int(ack - c.unackSeq))
	c.unackSeq = ack
}

// takeUnsent returns the unsent bytes that fit in the peer's window and
// marks them sent.
func (c *Conn) takeUnsent() []byte {
	if c.tx == nil {
		return nil
	}
	inFlight := int(c.nextSeq - c.unackSeq)
	n := min(c.tx.Len()-inFlight, int(c.remoteWin)-inFlight, maxSegment)
	if n <= 0 {
		return nil
	}
	data := c.tx.Bytes()[inFlight : inFlight+n]
	c.nextSeq += uint32(n)
	return data
}

// flush sends unsent data, or a bare ACK when one is owed. At most one
// segment goes out.
func (c *Conn) flush(ackOwed bool) {
	data := c.takeUnsent()
	if len(data) == 0 && !ackOwed {
		return
	}
	c.send(FlagACK, data)
}

// send emits one segment. Its sequence number is the first byte of data;
// SYN and FIN take one sequence number each.
func (c *Conn) send(flags uint8, data []byte) {
	c.lastWin = c.window()
	err := c.engine.emit(c.key, c.nextSeq-uint32(len(data)), c.ack, flags, c.lastWin, data)
	if flags&(FlagSYN|FlagFIN) != 0 {
		c.nextSeq++
	}
	if err != nil {
		c.engine.log.WithError(err).Debugf("%s: send %s", c.key, FlagString(flags))
	}
}

func (c *Conn) window() uint16 {
	if c.rx == nil {
		return 0
	}
	return uint16(min(c.rx.Free(), maxWindow))
}

func (c *Conn) notify(ev Event) {
	c.inReceive = true
	defer func() { c.inReceive = false }()
	c.handler(c, ev)
}

// teardown frees the send buffer, reverts the record to LISTEN and removes it
// from the table. Unread received bytes stay readable.
func (c *Conn) teardown() {
	if c.closed {
		return
	}
	c.closed = true
	c.state = StateListen
	c.tx = nil
	c.engine.forget(c.key)
}

func (c *Conn) info() ConnInfo {
	ci := ConnInfo{
		Key:       c.key,
		State:     c.state,
		UnackSeq:  c.unackSeq,
		NextSeq:   c.nextSeq,
		Ack:       c.ack,
		RemoteWin: c.remoteWin,
	}
	if c.rx != nil {
		ci.Unread = c.rx.Len()
	}
	if c.tx != nil {
		ci.Unacked = c.tx.Len()
	}
	return ci
}
