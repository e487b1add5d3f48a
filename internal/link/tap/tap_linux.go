//go:build linux

package tap

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"firestige.xyz/netlab/internal/core"
	"firestige.xyz/netlab/internal/link"
)

const cloneDevice = "/dev/net/tun"

func init() {
	link.Register(Name, func(cfg link.Config) (link.Driver, error) {
		return Open(cfg)
	})
}

// Device is a non-blocking TAP file descriptor.
type Device struct {
	fd   int
	name string
	mac  core.MAC
	mtu  int
}

// Open attaches to (creating if needed) the TAP interface cfg.Name.
func Open(cfg link.Config) (*Device, error) {
	fd, err := unix.Open(cloneDevice, unix.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cloneDevice, err)
	}
	ifr, err := unix.NewIfreq(cfg.Name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("interface name %q: %w", cfg.Name, err)
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF %s: %w", cfg.Name, err)
	}
	return &Device{fd: fd, name: ifr.Name(), mac: cfg.MAC, mtu: cfg.MTU}, nil
}

func (d *Device) MAC() core.MAC { return d.mac }

func (d *Device) MTU() int { return d.mtu }

// Name is the kernel's name for the interface.
func (d *Device) Name() string { return d.name }

func (d *Device) Recv(p []byte) (int, error) {
	n, err := unix.Read(d.fd, p)
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("tap read: %w", err)
	}
	return n, nil
}

func (d *Device) Send(frame []byte) error {
	for {
		_, err := unix.Write(d.fd, frame)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("tap write: %w", err)
		}
		return nil
	}
}

func (d *Device) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}
