// Package link defines the frame I/O contract between the stack and a network
// device, and a registry of named drivers.
//
// Drivers register themselves from init(); the daemon opens one by the name
// configured in interface.driver.
package link

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/netlab/internal/core"
)

// Driver moves whole Ethernet frames (no preamble, no FCS).
type Driver interface {
	// Send transmits one frame.
	Send(frame []byte) error
	// Recv copies the next pending frame into p without blocking and returns
	// its length, or 0 and a nil error when nothing is pending.
	Recv(p []byte) (int, error)
	// MAC is the hardware address the stack answers to.
	MAC() core.MAC
	// MTU is the largest IP datagram the link carries.
	MTU() int
	Close() error
}

// Config is what every driver needs to open a device.
type Config struct {
	Name    string         // interface name, device or file path
	MAC     core.MAC       // address the stack answers to
	MTU     int            // link MTU
	Options map[string]any // driver specific settings, see DecodeOptions
}

// Factory opens a driver.
type Factory func(cfg Config) (Driver, error)

var (
	mu       sync.RWMutex
	registry = make(map[string]Factory)
)

// Register makes a driver available under name. Registering a name twice
// replaces the earlier factory.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = f
}

// Open opens the driver registered under name.
func Open(name string, cfg Config) (Driver, error) {
	mu.RLock()
	f, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: link driver %q not registered", core.ErrUnsupported, name)
	}
	d, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s driver on %s: %w", name, cfg.Name, err)
	}
	return d, nil
}

// Drivers lists the registered driver names in order.
func Drivers() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DecodeOptions decodes driver specific options into out, a pointer to a
// struct with mapstructure tags. Scalar values are converted leniently so that
// options coming from YAML or environment variables decode alike.
func DecodeOptions(opts map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(opts); err != nil {
		return fmt.Errorf("%w: driver options: %v", core.ErrConfigInvalid, err)
	}
	return nil
}
