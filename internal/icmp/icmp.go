// Package icmp answers echo requests and emits destination-unreachable
// errors on behalf of the IP and transport layers.
package icmp

import (
	"strconv"

	"golang.org/x/time/rate"

	"firestige.xyz/netlab/internal/buf"
	"firestige.xyz/netlab/internal/checksum"
	"firestige.xyz/netlab/internal/core"
	"firestige.xyz/netlab/internal/ip"
	"firestige.xyz/netlab/internal/log"
	"firestige.xyz/netlab/internal/metrics"
)

// Message types.
const (
	TypeEchoReply   = 0
	TypeUnreachable = 3
	TypeEchoRequest = 8

	HeaderLen = 8
	// quoteLen is how much of the offending payload an error carries.
	quoteLen = 8
)

// Sender is the IP layer as seen by ICMP.
type Sender interface {
	Send(pkt *buf.Buffer, dst core.IPv4, proto core.Protocol) error
}

// Config limits outgoing error messages. A zero RateLimit disables limiting.
type Config struct {
	RateLimit float64 // messages per second
	Burst     int
}

// Handler is the ICMP endpoint of one stack.
type Handler struct {
	ip      Sender
	limiter *rate.Limiter // nil = unlimited
	log     log.Logger
}

// New creates the handler.
func New(s Sender, cfg Config, logger log.Logger) *Handler {
	h := &Handler{
		ip:  s,
		log: log.OrDiscard(logger).WithField("module", "icmp"),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return h
}

// Receive handles an incoming ICMP message. Only echo requests are answered;
// everything else is ignored.
func (h *Handler) Receive(pkt *buf.Buffer, hdr ip.Header) {
	b := pkt.Bytes()
	if len(b) < HeaderLen {
		metrics.DropsTotal.WithLabelValues("icmp", "short").Inc()
		return
	}
	if checksum.Internet(b) != 0 {
		metrics.DropsTotal.WithLabelValues("icmp", "bad_checksum").Inc()
		return
	}
	if b[0] != TypeEchoRequest {
		h.log.Tracef("ignore type %d from %s", b[0], hdr.Src)
		return
	}

	reply := buf.New(len(b))
	r := reply.Bytes()
	copy(r, b)
	r[0], r[1] = TypeEchoReply, 0
	r[2], r[3] = 0, 0
	checksum.Put(r[2:], checksum.Internet(r))
	h.send(reply, hdr.Src, TypeEchoReply)
}

// Unreachable sends a destination-unreachable error to dst quoting the IP
// header of orig and the first eight bytes of its payload. orig is not
// modified. Errors beyond the rate limit are dropped.
func (h *Handler) Unreachable(orig *buf.Buffer, dst core.IPv4, code core.UnreachCode) {
	if h.limiter != nil && !h.limiter.Allow() {
		metrics.ICMPSuppressedTotal.Inc()
		return
	}
	o := orig.Bytes()
	if len(o) < ip.HeaderLen {
		return
	}
	ihl := int(o[0]&0x0f) * 4
	n := min(len(o), ihl+quoteLen)

	msg := buf.New(HeaderLen + n)
	m := msg.Bytes()
	m[0], m[1] = TypeUnreachable, byte(code)
	copy(m[HeaderLen:], o[:n])
	checksum.Put(m[2:], checksum.Internet(m))
	h.send(msg, dst, TypeUnreachable)
}

func (h *Handler) send(pkt *buf.Buffer, dst core.IPv4, typ int) {
	if err := h.ip.Send(pkt, dst, core.ProtocolICMP); err != nil {
		h.log.WithError(err).Debugf("send type %d to %s", typ, dst)
		return
	}
	metrics.ICMPMessagesTotal.WithLabelValues(typeName(typ)).Inc()
}

func typeName(t int) string {
	switch t {
	case TypeEchoReply:
		return "echo_reply"
	case TypeUnreachable:
		return "unreachable"
	}
	return strconv.Itoa(t)
}

var _ ip.ErrorReporter = (*Handler)(nil)
