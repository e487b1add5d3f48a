package ip

import (
	"container/list"
	"encoding/binary"
	"fmt"
	"time"

	"firestige.xyz/netlab/internal/buf"
	"firestige.xyz/netlab/internal/checksum"
	"firestige.xyz/netlab/internal/core"
	"firestige.xyz/netlab/internal/metrics"
	"firestige.xyz/netlab/internal/store"
)

// Reassembly limits from the BSD-Right algorithm (RFC 791).
const (
	ipv4MinFragSize    = 1
	ipv4MaxSize        = 65535
	ipv4MaxFragOffset  = 8183 * 8
	ipv4MaxFragListLen = 8192

	fragmentKeySize = 11
)

// ReassemblyConfig contains configuration for IP reassembly.
type ReassemblyConfig struct {
	Timeout           time.Duration // flow lifetime since its latest fragment (default 30s)
	MaxFragments      int           // fragments per flow (default 100)
	MaxReassembleSize int           // reassembled payload size (default 65535)
	MaxFlows          int           // concurrent flows (default 1024)
	MaxFragsPerIP     int           // per-source fragments per window, 0 = unlimited
	RateLimitWindow   time.Duration // default 10s
}

// fragmentKey identifies a fragmented datagram.
type fragmentKey struct {
	src, dst core.IPv4
	protocol core.Protocol
	id       uint16
}

func (k fragmentKey) Key() string {
	var b [fragmentKeySize]byte
	copy(b[0:4], k.src[:])
	copy(b[4:8], k.dst[:])
	b[8] = byte(k.protocol)
	binary.BigEndian.PutUint16(b[9:11], k.id)
	return string(b[:])
}

type fragment struct {
	offset  int
	payload []byte
}

func (f *fragment) end() int { return f.offset + len(f.payload) }

// fragmentList keeps a flow's fragments sorted by offset. On overlap the data
// that arrived first wins and the newcomer is trimmed.
type fragmentList struct {
	list          list.List // of *fragment
	header        []byte    // header of the offset-0 fragment
	highest       int       // max(offset + len) seen
	current       int       // unique bytes held
	finalReceived bool
}

// Reassembler rebuilds fragmented datagrams. Flows live in a TTL store, so a
// datagram whose fragments stop arriving is dropped once Timeout passes
// without a new one.
type Reassembler struct {
	flows       *store.Store[fragmentKey, *fragmentList]
	config      ReassemblyConfig
	rateLimiter *FragmentRateLimiter // nil = disabled
}

// NewReassembler creates a reassembler with its own flow table.
func NewReassembler(cfg ReassemblyConfig) *Reassembler {
	if cfg.MaxFragments <= 0 {
		cfg.MaxFragments = 100
	}
	if cfg.MaxReassembleSize <= 0 || cfg.MaxReassembleSize > ipv4MaxSize {
		cfg.MaxReassembleSize = ipv4MaxSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxFlows <= 0 {
		cfg.MaxFlows = 1024
	}
	return &Reassembler{
		flows: store.New[fragmentKey, *fragmentList](store.Config[*fragmentList]{
			KeySize:  fragmentKeySize,
			Capacity: cfg.MaxFlows,
			TTL:      cfg.Timeout,
		}),
		config:      cfg,
		rateLimiter: NewFragmentRateLimiter(cfg.MaxFragsPerIP, cfg.RateLimitWindow, cfg.MaxFlows),
	}
}

// Process takes one fragment (raw holds header and payload, already
// validated) and returns the complete datagram, header included, once every
// byte has arrived. It returns nil, nil while the datagram is incomplete.
func (r *Reassembler) Process(raw []byte, hdr Header) (*buf.Buffer, error) {
	payload := raw[hdr.IHL:hdr.TotalLen]
	if err := r.securityChecks(len(payload), hdr.FragOffset); err != nil {
		return nil, err
	}
	if r.rateLimiter != nil && !r.rateLimiter.Allow(hdr.Src) {
		return nil, fmt.Errorf("%w: source %s", core.ErrFragmentRate, hdr.Src)
	}

	key := fragmentKey{src: hdr.Src, dst: hdr.Dst, protocol: hdr.Protocol, id: hdr.ID}
	fl, ok := r.flows.Get(key)
	if !ok {
		fl = &fragmentList{}
	}
	defer r.updateGauge()

	if fl.list.Len() >= ipv4MaxFragListLen || fl.list.Len() >= r.config.MaxFragments {
		r.flows.Delete(key)
		return nil, fmt.Errorf("%w: more than %d fragments", core.ErrReassemblyLimit, r.config.MaxFragments)
	}

	end := hdr.FragOffset + len(payload)
	if fl.finalReceived && end > fl.highest {
		r.flows.Delete(key)
		return nil, fmt.Errorf("%w: fragment ends at %d past final %d", core.ErrFragmentOverlap, end, fl.highest)
	}
	if !hdr.MoreFragments {
		if fl.finalReceived || end < fl.highest {
			r.flows.Delete(key)
			return nil, fmt.Errorf("%w: conflicting final fragment", core.ErrFragmentOverlap)
		}
		fl.finalReceived = true
		fl.highest = end
	}
	if hdr.FragOffset == 0 && fl.header == nil {
		fl.header = append([]byte(nil), raw[:hdr.IHL]...)
	}

	// The receive buffer is reused for the next frame.
	r.insertBSDRight(fl, &fragment{offset: hdr.FragOffset, payload: append([]byte(nil), payload...)})

	if fl.finalReceived && fl.current >= fl.highest {
		r.flows.Delete(key)
		return r.build(fl)
	}
	if err := r.flows.Set(key, fl); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrReassemblyLimit, err)
	}
	return nil, nil
}

// ActiveFlows returns the number of datagrams awaiting fragments.
func (r *Reassembler) ActiveFlows() int { return r.flows.Len() }

func (r *Reassembler) updateGauge() {
	metrics.ReassemblyActiveFlows.Set(float64(r.flows.Len()))
}

func (r *Reassembler) securityChecks(size, offset int) error {
	if size < ipv4MinFragSize {
		return fmt.Errorf("%w: fragment too small: %d bytes", core.ErrMalformed, size)
	}
	if offset > ipv4MaxFragOffset {
		return fmt.Errorf("%w: fragment offset too large: %d", core.ErrMalformed, offset)
	}
	if offset+size > r.config.MaxReassembleSize {
		return fmt.Errorf("%w: fragment ends at %d", core.ErrReassemblyLimit, offset+size)
	}
	return nil
}

// insertBSDRight inserts the parts of frag not yet covered, in offset order.
// Bytes already held win over the newcomer.
func (r *Reassembler) insertBSDRight(fl *fragmentList, frag *fragment) {
	if frag.end() > fl.highest && !fl.finalReceived {
		fl.highest = frag.end()
	}

	start, end := frag.offset, frag.end()
	e := fl.list.Front()
	for start < end {
		for e != nil && e.Value.(*fragment).end() <= start {
			e = e.Next()
		}
		gapEnd := end
		if e != nil {
			held := e.Value.(*fragment)
			if held.offset <= start {
				start = held.end()
				e = e.Next()
				continue
			}
			gapEnd = min(end, held.offset)
		}
		piece := &fragment{
			offset:  start,
			payload: frag.payload[start-frag.offset : gapEnd-frag.offset],
		}
		if e != nil {
			fl.list.InsertBefore(piece, e)
		} else {
			fl.list.PushBack(piece)
		}
		fl.current += len(piece.payload)
		start = gapEnd
	}
}

// build joins the fragments behind a copy of the first fragment's header with
// the length and fragment fields rewritten.
func (r *Reassembler) build(fl *fragmentList) (*buf.Buffer, error) {
	if fl.header == nil {
		return nil, fmt.Errorf("%w: no first fragment", core.ErrMalformed)
	}
	if fl.highest > r.config.MaxReassembleSize {
		return nil, fmt.Errorf("%w: reassembled size %d exceeds %d", core.ErrReassemblyLimit, fl.highest, r.config.MaxReassembleSize)
	}
	ihl := len(fl.header)
	total := ihl + fl.highest
	if total > ipv4MaxSize {
		return nil, fmt.Errorf("%w: reassembled size %d", core.ErrReassemblyLimit, total)
	}

	out := buf.New(total)
	b := out.Bytes()
	copy(b, fl.header)
	for e := fl.list.Front(); e != nil; e = e.Next() {
		frag := e.Value.(*fragment)
		copy(b[ihl+frag.offset:], frag.payload)
	}
	binary.BigEndian.PutUint16(b[2:4], uint16(total))
	binary.BigEndian.PutUint16(b[6:8], binary.BigEndian.Uint16(b[6:8])&flagDF)
	b[checksumOffset], b[checksumOffset+1] = 0, 0
	checksum.Put(b[checksumOffset:], checksum.Internet(b[:ihl]))

	metrics.IPReassembledTotal.Inc()
	return out, nil
}
