// Package sniffer wraps a link driver and records every frame that crosses it
// to a pcap stream, readable by tcpdump or wireshark.
package sniffer

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/netlab/internal/link"
	"firestige.xyz/netlab/internal/log"
)

// DefaultSnapLen records whole frames.
const DefaultSnapLen = 65536

// Sniffer is a link.Driver that tees frames to a pcap writer.
type Sniffer struct {
	link.Driver
	w      *pcapgo.Writer
	closer io.Closer
	now    func() time.Time
	log    log.Logger
}

// New records frames crossing d to w. It writes the pcap file header
// immediately.
func New(d link.Driver, w io.Writer, logger log.Logger) (*Sniffer, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(DefaultSnapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &Sniffer{
		Driver: d,
		w:      pw,
		now:    time.Now,
		log:    log.OrDiscard(logger).WithField("module", "sniffer"),
	}, nil
}

// Open records frames crossing d to a new pcap file at path.
func Open(d link.Driver, path string, logger log.Logger) (*Sniffer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture file: %w", err)
	}
	s, err := New(d, f, logger)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.closer = f
	return s, nil
}

func (s *Sniffer) Send(frame []byte) error {
	s.record(frame)
	return s.Driver.Send(frame)
}

func (s *Sniffer) Recv(p []byte) (int, error) {
	n, err := s.Driver.Recv(p)
	if n > 0 {
		s.record(p[:n])
	}
	return n, err
}

// Close closes the wrapped driver and the capture file.
func (s *Sniffer) Close() error {
	err := s.Driver.Close()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (s *Sniffer) record(frame []byte) {
	ci := gopacket.CaptureInfo{
		Timestamp:     s.now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	if err := s.w.WritePacket(ci, frame); err != nil {
		s.log.WithError(err).Warn("capture write failed")
	}
}
