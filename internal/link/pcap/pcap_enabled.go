//go:build cgo

package pcap

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/gopacket/pcap"

	"firestige.xyz/netlab/internal/core"
	"firestige.xyz/netlab/internal/link"
)

func init() {
	link.Register(Name, func(cfg link.Config) (link.Driver, error) {
		return Open(cfg)
	})
}

// Handle is a live pcap capture that also injects frames.
type Handle struct {
	handle *pcap.Handle
	mac    core.MAC
	mtu    int
}

// Open creates and activates a pcap handle on cfg.Name.
func Open(cfg link.Config) (*Handle, error) {
	inactive, err := pcap.NewInactiveHandle(cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("create pcap handle: %w", err)
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(cfg.MTU + 14); err != nil {
		return nil, fmt.Errorf("set snap length: %w", err)
	}
	if err := inactive.SetPromisc(true); err != nil {
		return nil, fmt.Errorf("set promiscuous mode: %w", err)
	}
	if err := inactive.SetImmediateMode(true); err != nil {
		return nil, fmt.Errorf("set immediate mode: %w", err)
	}
	if err := inactive.SetTimeout(time.Millisecond); err != nil {
		return nil, fmt.Errorf("set read timeout: %w", err)
	}

	h, err := inactive.Activate()
	if err != nil {
		return nil, fmt.Errorf("activate pcap handle: %w", err)
	}
	filter := fmt.Sprintf("(ether dst %s or ether broadcast) and not ether src %s", cfg.MAC, cfg.MAC)
	if err := h.SetBPFFilter(filter); err != nil {
		h.Close()
		return nil, fmt.Errorf("set filter %q: %w", filter, err)
	}
	return &Handle{handle: h, mac: cfg.MAC, mtu: cfg.MTU}, nil
}

func (h *Handle) MAC() core.MAC { return h.mac }

func (h *Handle) MTU() int { return h.mtu }

func (h *Handle) Recv(p []byte) (int, error) {
	data, _, err := h.handle.ZeroCopyReadPacketData()
	if errors.Is(err, pcap.NextErrorTimeoutExpired) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("pcap read: %w", err)
	}
	return copy(p, data), nil
}

func (h *Handle) Send(frame []byte) error {
	return h.handle.WritePacketData(frame)
}

func (h *Handle) Close() error {
	h.handle.Close()
	return nil
}
