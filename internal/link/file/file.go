// Package file implements a link driver that replays frames from a pcap
// capture and records what the stack sends to another one. It needs no
// privileges and no device, which makes it handy for reproducing a session
// captured earlier with the sniffer.
package file

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/netlab/internal/core"
	"firestige.xyz/netlab/internal/link"
)

const Name = "file"

// Options are the driver specific settings under interface.options.
type Options struct {
	Output string `mapstructure:"output"` // optional pcap file for sent frames
}

func init() {
	link.Register(Name, func(cfg link.Config) (link.Driver, error) {
		var opts Options
		if err := link.DecodeOptions(cfg.Options, &opts); err != nil {
			return nil, err
		}
		return Open(cfg, opts)
	})
}

// Driver replays a capture. Once the capture is exhausted Recv reports
// nothing pending.
type Driver struct {
	mac  core.MAC
	mtu  int
	in   *os.File
	r    *pcapgo.Reader
	out  *os.File
	w    *pcapgo.Writer
	done bool
}

// Open reads frames from the pcap file named by cfg.Name.
func Open(cfg link.Config, opts Options) (*Driver, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: file driver needs a capture path", core.ErrConfigInvalid)
	}
	in, err := os.Open(cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap file %s: %w", cfg.Name, err)
	}
	r, err := pcapgo.NewReader(in)
	if err != nil {
		in.Close()
		return nil, fmt.Errorf("failed to read pcap header %s: %w", cfg.Name, err)
	}
	if r.LinkType() != layers.LinkTypeEthernet {
		in.Close()
		return nil, fmt.Errorf("%w: capture link type %s", core.ErrUnsupported, r.LinkType())
	}

	d := &Driver{mac: cfg.MAC, mtu: cfg.MTU, in: in, r: r}
	if opts.Output != "" {
		out, err := os.Create(opts.Output)
		if err != nil {
			in.Close()
			return nil, fmt.Errorf("failed to create output file %s: %w", opts.Output, err)
		}
		w := pcapgo.NewWriter(out)
		if err := w.WriteFileHeader(uint32(cfg.MTU+14), layers.LinkTypeEthernet); err != nil {
			in.Close()
			out.Close()
			return nil, err
		}
		d.out, d.w = out, w
	}
	return d, nil
}

func (d *Driver) MAC() core.MAC { return d.mac }

func (d *Driver) MTU() int { return d.mtu }

func (d *Driver) Recv(p []byte) (int, error) {
	if d.done {
		return 0, nil
	}
	data, _, err := d.r.ReadPacketData()
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		d.done = true
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read packet: %w", err)
	}
	return copy(p, data), nil
}

// Exhausted reports whether every frame of the capture has been returned.
func (d *Driver) Exhausted() bool { return d.done }

func (d *Driver) Send(frame []byte) error {
	if d.w == nil {
		return nil
	}
	ci := gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(frame), Length: len(frame)}
	return d.w.WritePacket(ci, frame)
}

func (d *Driver) Close() error {
	err := d.in.Close()
	if d.out != nil {
		if cerr := d.out.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
