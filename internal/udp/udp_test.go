package udp

import (
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netlab/internal/buf"
	"firestige.xyz/netlab/internal/core"
	"firestige.xyz/netlab/internal/ip"
	"firestige.xyz/netlab/internal/stacktest"
)

type fakeIP struct {
	out [][]byte
	dst []core.IPv4
}

func (f *fakeIP) Send(pkt *buf.Buffer, dst core.IPv4, _ core.Protocol) error {
	f.out = append(f.out, append([]byte(nil), pkt.Bytes()...))
	f.dst = append(f.dst, dst)
	return nil
}

type reporter struct {
	orig [][]byte
	code []core.UnreachCode
}

func (r *reporter) Unreachable(orig *buf.Buffer, _ core.IPv4, code core.UnreachCode) {
	r.orig = append(r.orig, append([]byte(nil), orig.Bytes()...))
	r.code = append(r.code, code)
}

type received struct {
	data    string
	src     core.IPv4
	srcPort core.Port
}

func newLayer() (*Layer, *fakeIP, *reporter) {
	f, r := &fakeIP{}, &reporter{}
	return New(f, stacktest.Local.IP, r, NewPorts(0), nil), f, r
}

// datagram returns the IP datagram and the buffer the IP layer would hand
// up, i.e. positioned after the IP header.
func datagram(t *testing.T, srcPort, dstPort uint16, payload string) ([]byte, *buf.Buffer, ip.Header) {
	t.Helper()
	ipl := stacktest.IPv4(stacktest.Remote.IP, stacktest.Local.IP, layers.IPProtocolUDP)
	u := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	require.NoError(t, u.SetNetworkLayerForChecksum(ipl))
	raw := stacktest.Serialize(t, ipl, u, gopacket.Payload(payload))
	hdr, err := ip.ParseHeader(raw)
	require.NoError(t, err)
	pkt := buf.From(append([]byte(nil), raw...))
	require.NoError(t, pkt.RemoveHeader(hdr.IHL))
	return raw, pkt, hdr
}

func TestReceiveDispatches(t *testing.T) {
	l, _, r := newLayer()
	var got []received
	require.NoError(t, l.Open(5353, func(data []byte, src core.IPv4, srcPort core.Port) {
		got = append(got, received{string(data), src, srcPort})
	}))

	_, pkt, hdr := datagram(t, 4000, 5353, "query")
	l.Receive(pkt, hdr)

	require.Len(t, got, 1)
	assert.Equal(t, received{"query", stacktest.Remote.IP, 4000}, got[0])
	assert.Empty(t, r.orig)
}

func TestReceiveAcceptsZeroChecksum(t *testing.T) {
	l, _, _ := newLayer()
	var n int
	require.NoError(t, l.Open(53, func([]byte, core.IPv4, core.Port) { n++ }))

	_, pkt, hdr := datagram(t, 1, 53, "x")
	pkt.Bytes()[6], pkt.Bytes()[7] = 0, 0
	l.Receive(pkt, hdr)

	assert.Equal(t, 1, n)
}

func TestReceiveDrops(t *testing.T) {
	cases := map[string]func(b []byte) []byte{
		"short":      func(b []byte) []byte { return b[:4] },
		"bad length": func(b []byte) []byte { b[4], b[5] = 0xff, 0xff; return b },
		"checksum":   func(b []byte) []byte { b[HeaderLen] ^= 0x01; return b },
	}
	for name, mangle := range cases {
		t.Run(name, func(t *testing.T) {
			l, _, r := newLayer()
			var n int
			require.NoError(t, l.Open(53, func([]byte, core.IPv4, core.Port) { n++ }))
			_, pkt, hdr := datagram(t, 1, 53, "payload")
			l.Receive(buf.From(mangle(pkt.Bytes())), hdr)
			assert.Zero(t, n)
			assert.Empty(t, r.orig)
		})
	}
}

func TestClosedPortReportsUnreachable(t *testing.T) {
	l, _, r := newLayer()
	require.NoError(t, l.Open(53, func([]byte, core.IPv4, core.Port) {}))
	l.Close(53)

	raw, pkt, hdr := datagram(t, 1, 53, "payload")
	l.Receive(pkt, hdr)

	require.Len(t, r.orig, 1)
	assert.Equal(t, core.UnreachPort, r.code[0])
	assert.Equal(t, raw, r.orig[0])
}

func TestSend(t *testing.T) {
	l, f, _ := newLayer()

	require.NoError(t, l.Send([]byte("answer"), 53, stacktest.Remote.IP, 4000))

	require.Len(t, f.out, 1)
	assert.Equal(t, stacktest.Remote.IP, f.dst[0])
	p := gopacket.NewPacket(f.out[0], layers.LayerTypeUDP, gopacket.Default)
	u, ok := p.Layer(layers.LayerTypeUDP).(*layers.UDP)
	require.True(t, ok)
	assert.Equal(t, layers.UDPPort(53), u.SrcPort)
	assert.Equal(t, layers.UDPPort(4000), u.DstPort)
	assert.Equal(t, uint16(HeaderLen+6), u.Length)
	assert.Equal(t, []byte("answer"), u.Payload)

	// the receiving side sees a valid checksum
	seg := f.out[0]
	assert.NotZero(t, u.Checksum)
	back := New(&fakeIP{}, stacktest.Remote.IP, nil, NewPorts(0), nil)
	var got string
	require.NoError(t, back.Open(4000, func(data []byte, _ core.IPv4, _ core.Port) { got = string(data) }))
	back.Receive(buf.From(seg), ip.Header{Src: stacktest.Local.IP, Dst: stacktest.Remote.IP})
	assert.Equal(t, "answer", got)
}
