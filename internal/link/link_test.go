package link

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netlab/internal/core"
)

type nopDriver struct{ cfg Config }

func (d *nopDriver) Send([]byte) error        { return nil }
func (d *nopDriver) Recv([]byte) (int, error) { return 0, nil }
func (d *nopDriver) MAC() core.MAC            { return d.cfg.MAC }
func (d *nopDriver) MTU() int                 { return d.cfg.MTU }
func (d *nopDriver) Close() error             { return nil }

func TestRegistry(t *testing.T) {
	Register("nop-test", func(cfg Config) (Driver, error) { return &nopDriver{cfg: cfg}, nil })
	Register("broken-test", func(Config) (Driver, error) { return nil, errors.New("no device") })

	d, err := Open("nop-test", Config{Name: "eth9", MTU: 1500})
	require.NoError(t, err)
	assert.Equal(t, 1500, d.MTU())

	_, err = Open("broken-test", Config{Name: "eth9"})
	assert.ErrorContains(t, err, "no device")

	_, err = Open("missing-test", Config{})
	assert.ErrorIs(t, err, core.ErrUnsupported)

	assert.Contains(t, Drivers(), "nop-test")
}

func TestDecodeOptions(t *testing.T) {
	var opts struct {
		BufferSizeMB int           `mapstructure:"buffer_size_mb"`
		Timeout      time.Duration `mapstructure:"timeout"`
		Output       string        `mapstructure:"output"`
	}
	err := DecodeOptions(map[string]any{
		"buffer_size_mb": "16",
		"timeout":        "5ms",
		"output":         "/tmp/out.pcap",
	}, &opts)
	require.NoError(t, err)
	assert.Equal(t, 16, opts.BufferSizeMB)
	assert.Equal(t, 5*time.Millisecond, opts.Timeout)
	assert.Equal(t, "/tmp/out.pcap", opts.Output)

	err = DecodeOptions(map[string]any{"buffer_size_mb": "lots"}, &opts)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	assert.NoError(t, DecodeOptions(nil, &opts))
}
