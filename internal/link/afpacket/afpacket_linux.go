//go:build linux

package afpacket

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/gopacket/afpacket"
	"golang.org/x/net/bpf"

	"firestige.xyz/netlab/internal/core"
	"firestige.xyz/netlab/internal/link"
)

func init() {
	link.Register(Name, func(cfg link.Config) (link.Driver, error) {
		opts := Options{BufferSizeMB: 8, PollTimeoutMs: 1}
		if err := link.DecodeOptions(cfg.Options, &opts); err != nil {
			return nil, err
		}
		return Open(cfg, opts)
	})
}

// Ring is a TPACKET_V3 socket bound to one interface.
type Ring struct {
	handle *afpacket.TPacket
	mac    core.MAC
	mtu    int
}

// Open binds a ring to cfg.Name and installs the address filter.
func Open(cfg link.Config, opts Options) (*Ring, error) {
	frameSize, blockSize, numBlocks, err := ringGeometry(opts.BufferSizeMB, cfg.MTU+14, os.Getpagesize())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(cfg.Name),
		afpacket.OptFrameSize(frameSize),
		afpacket.OptBlockSize(blockSize),
		afpacket.OptNumBlocks(numBlocks),
		afpacket.OptPollTimeout(time.Duration(opts.PollTimeoutMs)*time.Millisecond),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	)
	if err != nil {
		return nil, err
	}

	prog, err := bpf.Assemble(filterFor(cfg.MAC))
	if err != nil {
		tp.Close()
		return nil, fmt.Errorf("assemble filter: %w", err)
	}
	if err := tp.SetBPF(prog); err != nil {
		tp.Close()
		return nil, fmt.Errorf("attach filter: %w", err)
	}
	return &Ring{handle: tp, mac: cfg.MAC, mtu: cfg.MTU}, nil
}

func (r *Ring) MAC() core.MAC { return r.mac }

func (r *Ring) MTU() int { return r.mtu }

func (r *Ring) Recv(p []byte) (int, error) {
	data, _, err := r.handle.ZeroCopyReadPacketData()
	if errors.Is(err, afpacket.ErrTimeout) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("afpacket read: %w", err)
	}
	return copy(p, data), nil
}

func (r *Ring) Send(frame []byte) error {
	return r.handle.WritePacketData(frame)
}

func (r *Ring) Close() error {
	r.handle.Close()
	return nil
}
