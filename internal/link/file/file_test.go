package file

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netlab/internal/core"
	"firestige.xyz/netlab/internal/link"
)

func writeCapture(t *testing.T, frames ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	for _, fr := range frames {
		ci := gopacket.CaptureInfo{Timestamp: time.Unix(0, 0), CaptureLength: len(fr), Length: len(fr)}
		require.NoError(t, w.WritePacket(ci, []byte(fr)))
	}
	return path
}

func TestReplay(t *testing.T) {
	in := writeCapture(t, "first", "second")
	out := filepath.Join(t.TempDir(), "out.pcap")

	d, err := link.Open(Name, link.Config{
		Name:    in,
		MAC:     core.MAC{2},
		MTU:     1500,
		Options: map[string]any{"output": out},
	})
	require.NoError(t, err)

	p := make([]byte, 64)
	var got []string
	for i := 0; i < 4; i++ {
		n, err := d.Recv(p)
		require.NoError(t, err)
		if n > 0 {
			got = append(got, string(p[:n]))
		}
	}
	assert.Equal(t, []string{"first", "second"}, got)
	assert.True(t, d.(*Driver).Exhausted())

	require.NoError(t, d.Send([]byte("reply")))
	require.NoError(t, d.Close())

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	data, _, err := r.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, "reply", string(data))
}

func TestOpenMissingCapture(t *testing.T) {
	_, err := Open(link.Config{Name: filepath.Join(t.TempDir(), "nope.pcap")}, Options{})
	assert.Error(t, err)

	_, err = Open(link.Config{}, Options{})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}
