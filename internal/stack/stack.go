// Package stack wires one protocol stack instance over a link driver and
// drives it with a cooperative poll loop. Every table is created per
// instance, so several stacks can run in one process.
package stack

import (
	"context"
	"fmt"
	"time"

	"firestige.xyz/netlab/internal/arp"
	"firestige.xyz/netlab/internal/config"
	"firestige.xyz/netlab/internal/core"
	"firestige.xyz/netlab/internal/ethernet"
	"firestige.xyz/netlab/internal/icmp"
	"firestige.xyz/netlab/internal/ip"
	"firestige.xyz/netlab/internal/link"
	"firestige.xyz/netlab/internal/log"
	"firestige.xyz/netlab/internal/tcp"
	"firestige.xyz/netlab/internal/udp"
)

// Config configures a Stack. Zero values fall back to each layer's default.
type Config struct {
	IP core.IPv4

	ARPTimeout     time.Duration
	ARPMinInterval time.Duration
	ARPTableSize   int

	MaxPayload int
	Reassembly *ip.ReassemblyConfig // nil = fragments are dropped

	ICMP icmp.Config

	TCP          tcp.Config
	TCPTableSize int
	UDPTableSize int

	// IdleSleep is how long Run waits after a poll that found no frame.
	IdleSleep time.Duration
}

// FromGlobal derives the stack configuration from the process configuration.
func FromGlobal(g *config.GlobalConfig) Config {
	cfg := Config{
		IP:             g.Interface.Address,
		ARPTimeout:     g.ARP.Timeout,
		ARPMinInterval: g.ARP.MinInterval,
		ARPTableSize:   g.ARP.TableSize,
		MaxPayload:     g.IP.MaxPayload,
		ICMP:           icmp.Config{RateLimit: g.ICMP.RateLimit, Burst: g.ICMP.Burst},
		TCP:            tcp.Config{SendBuffer: g.TCP.SendBuffer, RecvBuffer: g.TCP.RecvBuffer},
		TCPTableSize:   g.TCP.TableSize,
		UDPTableSize:   g.UDP.TableSize,
		IdleSleep:      g.Poll.IdleSleep,
	}
	if r := g.IP.Reassembly; r.Enabled {
		cfg.Reassembly = &ip.ReassemblyConfig{
			Timeout:           r.Timeout,
			MaxFragments:      r.MaxFragments,
			MaxReassembleSize: r.MaxReassembleSize,
			MaxFlows:          r.MaxFlows,
			MaxFragsPerIP:     r.MaxFragsPerIP,
			RateLimitWindow:   r.RateLimitWindow,
		}
	}
	return cfg
}

// Stack is one network interface with its protocol layers. It must be driven
// from a single goroutine.
type Stack struct {
	drv  link.Driver
	eth  *ethernet.Dispatcher
	arp  *arp.Resolver
	ip   *ip.Layer
	icmp *icmp.Handler
	udp  *udp.Layer
	tcp  *tcp.Engine
	idle time.Duration
	log  log.Logger
}

// New builds a stack on drv with fresh tables.
func New(cfg Config, drv link.Driver, logger log.Logger) (*Stack, error) {
	logger = log.OrDiscard(logger)
	if cfg.ARPTimeout <= 0 {
		cfg.ARPTimeout = arp.DefaultTimeout
	}
	if cfg.ARPMinInterval <= 0 {
		cfg.ARPMinInterval = arp.DefaultMinInterval
	}

	s := &Stack{
		drv:  drv,
		idle: cfg.IdleSleep,
		log:  logger.WithField("module", "stack"),
	}
	s.eth = ethernet.New(drv, logger)
	s.arp = arp.New(s.eth, cfg.IP,
		arp.NewTable(cfg.ARPTimeout, cfg.ARPTableSize),
		arp.NewPendingQueue(cfg.ARPMinInterval, cfg.ARPTableSize),
		logger)

	var reasm *ip.Reassembler
	if cfg.Reassembly != nil {
		reasm = ip.NewReassembler(*cfg.Reassembly)
	}
	var err error
	if s.ip, err = ip.New(ip.Config{LocalIP: cfg.IP, MaxPayload: cfg.MaxPayload}, s.arp, reasm, logger); err != nil {
		return nil, fmt.Errorf("stack: %w", err)
	}
	s.icmp = icmp.New(s.ip, cfg.ICMP, logger)
	s.ip.SetErrorReporter(s.icmp)
	s.udp = udp.New(s.ip, cfg.IP, s.icmp, udp.NewPorts(cfg.UDPTableSize), logger)
	s.tcp = tcp.New(s.ip, cfg.IP, s.icmp, tcp.NewPorts(cfg.TCPTableSize), tcp.NewConnTable(cfg.TCPTableSize), cfg.TCP, logger)

	s.eth.Register(core.EtherTypeARP, s.arp.HandleIncoming)
	s.eth.Register(core.EtherTypeIPv4, s.ip.Receive)
	s.ip.Register(core.ProtocolICMP, s.icmp.Receive)
	s.ip.Register(core.ProtocolUDP, s.udp.Receive)
	s.ip.Register(core.ProtocolTCP, s.tcp.Receive)
	return s, nil
}

// Start announces the local address.
func (s *Stack) Start() error {
	s.log.Infof("stack up: %s at %s, mtu %d", s.ip.LocalIP(), s.eth.MAC(), s.drv.MTU())
	if err := s.arp.Announce(); err != nil {
		return fmt.Errorf("arp announce: %w", err)
	}
	return nil
}

// Poll runs at most one received frame through the stack and reports
// whether one was processed.
func (s *Stack) Poll() (bool, error) {
	return s.eth.Poll()
}

// Run polls until ctx is done or the driver fails. steps run after every
// poll; they are where applications retry their non-blocking calls.
func (s *Stack) Run(ctx context.Context, steps ...func()) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		busy, err := s.Poll()
		if err != nil {
			return err
		}
		for _, step := range steps {
			step()
		}
		if !busy {
			s.yield(ctx)
		}
	}
}

// PollUntil polls until cond holds. It returns ctx.Err() if ctx ends first.
func (s *Stack) PollUntil(ctx context.Context, cond func() bool) error {
	for !cond() {
		if err := ctx.Err(); err != nil {
			return err
		}
		busy, err := s.Poll()
		if err != nil {
			return err
		}
		if !busy && !cond() {
			s.yield(ctx)
		}
	}
	return nil
}

func (s *Stack) yield(ctx context.Context) {
	if s.idle <= 0 {
		return
	}
	t := time.NewTimer(s.idle)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Close closes the link driver.
func (s *Stack) Close() error {
	return s.drv.Close()
}

func (s *Stack) MAC() core.MAC       { return s.eth.MAC() }
func (s *Stack) IP() core.IPv4       { return s.ip.LocalIP() }
func (s *Stack) ARP() *arp.Resolver  { return s.arp }
func (s *Stack) IPLayer() *ip.Layer  { return s.ip }
func (s *Stack) ICMP() *icmp.Handler { return s.icmp }
func (s *Stack) UDP() *udp.Layer     { return s.udp }
func (s *Stack) TCP() *tcp.Engine    { return s.tcp }
