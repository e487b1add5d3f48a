// Package arp resolves IPv4 next hops to Ethernet addresses. A packet sent to
// an unresolved address is parked, one per destination, until the reply
// arrives or the pending entry ages out.
package arp

import (
	"fmt"
	"sort"
	"time"

	"firestige.xyz/netlab/internal/buf"
	"firestige.xyz/netlab/internal/core"
	"firestige.xyz/netlab/internal/log"
	"firestige.xyz/netlab/internal/metrics"
	"firestige.xyz/netlab/internal/store"
)

// Defaults from the reference configuration.
const (
	DefaultTimeout     = 5 * time.Minute
	DefaultMinInterval = time.Second
)

// Link is the Ethernet side of the resolver.
type Link interface {
	MAC() core.MAC
	FrameOut(pkt *buf.Buffer, dst core.MAC, et core.EtherType) error
}

// Table maps IPv4 addresses to hardware addresses.
type Table = store.Store[core.IPv4, core.MAC]

// PendingQueue holds at most one packet per unresolved address.
type PendingQueue = store.Store[core.IPv4, *buf.Buffer]

// NewTable creates an ARP cache whose entries live for ttl.
func NewTable(ttl time.Duration, capacity int) *Table {
	return store.New[core.IPv4, core.MAC](store.Config[core.MAC]{KeySize: 4, Capacity: capacity, TTL: ttl})
}

// NewPendingQueue creates the pending queue. An entry blocks further requests
// for its address for ttl.
func NewPendingQueue(ttl time.Duration, capacity int) *PendingQueue {
	return store.New[core.IPv4, *buf.Buffer](store.Config[*buf.Buffer]{
		KeySize:  4,
		Capacity: capacity,
		TTL:      ttl,
		Clone:    (*buf.Buffer).Clone,
	})
}

// Entry is one ARP cache line.
type Entry struct {
	IP      core.IPv4
	MAC     core.MAC
	Updated time.Time
}

func (e Entry) String() string {
	return fmt.Sprintf("%s | %s | %s", e.IP, e.MAC, e.Updated.Format(time.DateTime))
}

// Resolver answers and issues ARP messages for one local address.
type Resolver struct {
	link    Link
	ip      core.IPv4
	table   *Table
	pending *PendingQueue
	log     log.Logger
}

// New creates a resolver for ip. The stores are owned by the caller.
func New(l Link, ip core.IPv4, table *Table, pending *PendingQueue, logger log.Logger) *Resolver {
	return &Resolver{
		link:    l,
		ip:      ip,
		table:   table,
		pending: pending,
		log:     log.OrDiscard(logger).WithField("module", "arp"),
	}
}

// Announce broadcasts a request for the local address so that neighbours
// learn it.
func (r *Resolver) Announce() error {
	return r.request(r.ip)
}

// ResolveAndSend transmits pkt to ip when the address is known. Otherwise pkt
// is parked and a request broadcast; if a packet is already parked for ip,
// pkt is dropped and ErrResolutionPending returned.
func (r *Resolver) ResolveAndSend(pkt *buf.Buffer, ip core.IPv4) error {
	if mac, ok := r.table.Get(ip); ok {
		return r.link.FrameOut(pkt, mac, core.EtherTypeIPv4)
	}
	if _, ok := r.pending.Get(ip); ok {
		metrics.DropsTotal.WithLabelValues("arp", "resolution_pending").Inc()
		return fmt.Errorf("%w: %s", core.ErrResolutionPending, ip)
	}
	if err := r.pending.Set(ip, pkt); err != nil {
		metrics.DropsTotal.WithLabelValues("arp", "pending_full").Inc()
		return fmt.Errorf("park packet for %s: %w", ip, err)
	}
	return r.request(ip)
}

// HandleIncoming processes an ARP message. The sender is always learned
// first. A packet parked for the sender is then released; otherwise a request
// for the local address is answered.
func (r *Resolver) HandleIncoming(pkt *buf.Buffer, _ core.MAC) {
	p, ok := Parse(pkt.Bytes())
	if !ok {
		metrics.DropsTotal.WithLabelValues("arp", "malformed").Inc()
		return
	}
	metrics.ARPMessagesTotal.WithLabelValues(opName(p.Op), "rx").Inc()

	if err := r.table.Set(p.SenderIP, p.SenderMAC); err != nil {
		r.log.WithError(err).Warnf("cannot learn %s", p.SenderIP)
	}
	metrics.ARPEntries.Set(float64(r.table.Len()))

	if parked, ok := r.pending.Get(p.SenderIP); ok {
		r.pending.Delete(p.SenderIP)
		if err := r.link.FrameOut(parked, p.SenderMAC, core.EtherTypeIPv4); err != nil {
			r.log.WithError(err).Debugf("release parked packet to %s", p.SenderIP)
		}
		return
	}
	if p.Op == OpRequest && p.TargetIP == r.ip {
		r.reply(p.SenderIP, p.SenderMAC)
	}
}

// Lookup returns the cached address for ip.
func (r *Resolver) Lookup(ip core.IPv4) (core.MAC, bool) {
	return r.table.Get(ip)
}

// Pending reports whether a packet is parked for ip.
func (r *Resolver) Pending(ip core.IPv4) bool {
	_, ok := r.pending.Get(ip)
	return ok
}

// Entries returns the live cache lines ordered by address.
func (r *Resolver) Entries() []Entry {
	var out []Entry
	r.table.ForEach(func(ip core.IPv4, mac core.MAC, touched time.Time) {
		out = append(out, Entry{IP: ip, MAC: mac, Updated: touched})
	})
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].IP, out[j].IP
		return string(a[:]) < string(b[:])
	})
	return out
}

func (r *Resolver) request(target core.IPv4) error {
	p := Packet{
		Op:        OpRequest,
		SenderMAC: r.link.MAC(),
		SenderIP:  r.ip,
		TargetIP:  target,
	}
	metrics.ARPMessagesTotal.WithLabelValues("request", "tx").Inc()
	return r.send(p, core.BroadcastMAC)
}

func (r *Resolver) reply(ip core.IPv4, mac core.MAC) {
	p := Packet{
		Op:        OpReply,
		SenderMAC: r.link.MAC(),
		SenderIP:  r.ip,
		TargetMAC: mac,
		TargetIP:  ip,
	}
	metrics.ARPMessagesTotal.WithLabelValues("reply", "tx").Inc()
	if err := r.send(p, mac); err != nil {
		r.log.WithError(err).Debugf("reply to %s", ip)
	}
}

func (r *Resolver) send(p Packet, dst core.MAC) error {
	pkt := buf.New(PacketLen)
	p.Marshal(pkt.Bytes())
	return r.link.FrameOut(pkt, dst, core.EtherTypeARP)
}

func opName(op uint16) string {
	if op == OpRequest {
		return "request"
	}
	return "reply"
}
