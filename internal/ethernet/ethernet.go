// Package ethernet frames outgoing packets and dispatches incoming frames to
// the protocol registered for their EtherType.
package ethernet

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/netlab/internal/buf"
	"firestige.xyz/netlab/internal/core"
	"firestige.xyz/netlab/internal/link"
	"firestige.xyz/netlab/internal/log"
	"firestige.xyz/netlab/internal/metrics"
)

const (
	HeaderLen  = 14
	MinPayload = 46
)

// Handler receives a frame's payload with the Ethernet header stripped.
type Handler func(pkt *buf.Buffer, src core.MAC)

// Dispatcher owns the link driver and the shared receive buffer.
type Dispatcher struct {
	drv      link.Driver
	mac      core.MAC
	handlers map[core.EtherType]Handler
	rx       *buf.Buffer
	log      log.Logger
}

// New returns a dispatcher sending and receiving through drv.
func New(drv link.Driver, logger log.Logger) *Dispatcher {
	return &Dispatcher{
		drv:      drv,
		mac:      drv.MAC(),
		handlers: make(map[core.EtherType]Handler),
		rx:       buf.NewCap(drv.MTU() + HeaderLen),
		log:      log.OrDiscard(logger).WithField("module", "ethernet"),
	}
}

// MAC returns the local hardware address.
func (d *Dispatcher) MAC() core.MAC { return d.mac }

// Register installs h for et, replacing any earlier handler.
func (d *Dispatcher) Register(et core.EtherType, h Handler) {
	d.handlers[et] = h
}

// FrameIn strips the Ethernet header and hands the payload to the handler for
// its EtherType. Short frames and unknown types are dropped.
func (d *Dispatcher) FrameIn(frame *buf.Buffer) {
	if frame.Len() < HeaderLen {
		metrics.DropsTotal.WithLabelValues("ethernet", "short").Inc()
		return
	}
	b := frame.Bytes()
	var src core.MAC
	copy(src[:], b[6:12])
	et := core.EtherType(binary.BigEndian.Uint16(b[12:14]))

	h, ok := d.handlers[et]
	if !ok {
		metrics.DropsTotal.WithLabelValues("ethernet", "unknown_type").Inc()
		return
	}
	_ = frame.RemoveHeader(HeaderLen)
	h(frame, src)
}

// FrameOut pads pkt to the minimum payload, prepends the Ethernet header and
// transmits it. The buffer is consumed. Send failures are not retried.
func (d *Dispatcher) FrameOut(pkt *buf.Buffer, dst core.MAC, et core.EtherType) error {
	if pkt.Len() < MinPayload {
		if err := pkt.AddPadding(MinPayload - pkt.Len()); err != nil {
			return fmt.Errorf("ethernet pad: %w", err)
		}
	}
	hdr, err := pkt.AddHeader(HeaderLen)
	if err != nil {
		return fmt.Errorf("ethernet header: %w", err)
	}
	copy(hdr[0:6], dst[:])
	copy(hdr[6:12], d.mac[:])
	binary.BigEndian.PutUint16(hdr[12:14], uint16(et))

	if err := d.drv.Send(pkt.Bytes()); err != nil {
		metrics.DropsTotal.WithLabelValues("ethernet", "send_failed").Inc()
		d.log.WithError(err).Warnf("send %s frame to %s failed", et, dst)
		return fmt.Errorf("ethernet send: %w", err)
	}
	metrics.FramesTotal.WithLabelValues("tx").Inc()
	return nil
}

// Poll makes one non-blocking receive attempt and processes the frame if one
// arrived.
func (d *Dispatcher) Poll() (bool, error) {
	_ = d.rx.Reset(d.rx.Cap())
	n, err := d.drv.Recv(d.rx.Bytes())
	if err != nil {
		return false, fmt.Errorf("ethernet receive: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	_ = d.rx.Truncate(n)
	metrics.FramesTotal.WithLabelValues("rx").Inc()
	d.FrameIn(d.rx)
	return true, nil
}
