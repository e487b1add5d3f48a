package icmp

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

type sent struct {
	msg   []byte
	dst   core.IPv4
	proto core.Protocol
}

type fakeIP struct{ out []sent }

func (f *fakeIP) Send(pkt *buf.Buffer, dst core.IPv4, proto core.Protocol) error {
	f.out = append(f.out, sent{msg: append([]byte(nil), pkt.Bytes()...), dst: dst, proto: proto})
	return nil
}

func decodeICMP(t *testing.T, b []byte) *layers.ICMPv4 {
	t.Helper()
	p := gopacket.NewPacket(b, layers.LayerTypeICMPv4, gopacket.Default)
	l := p.Layer(layers.LayerTypeICMPv4)
	require.NotNil(t, l)
	return l.(*layers.ICMPv4)
}

func echoRequest(t *testing.T, id, seq uint16, data string) []byte {
	t.Helper()
	return stacktest.Serialize(t, &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       id,
		Seq:      seq,
	}, gopacket.Payload(data))
}

func TestEchoReply(t *testing.T) {
	f := &fakeIP{}
	h := New(f, Config{}, nil)

	h.Receive(buf.From(echoRequest(t, 0x42, 7, "abcdef")), ip.Header{Src: stacktest.Remote.IP})

	require.Len(t, f.out, 1)
	assert.Equal(t, stacktest.Remote.IP, f.out[0].dst)
	assert.Equal(t, core.ProtocolICMP, f.out[0].proto)
	msg := decodeICMP(t, f.out[0].msg)
	assert.Equal(t, uint8(layers.ICMPv4TypeEchoReply), msg.TypeCode.Type())
	assert.Equal(t, uint16(0x42), msg.Id)
	assert.Equal(t, uint16(7), msg.Seq)
	assert.Equal(t, []byte("abcdef"), msg.Payload)
	assert.Zero(t, checksumOf(f.out[0].msg))
}

func TestReceiveDrops(t *testing.T) {
	bad := echoRequest(t, 1, 1, "x")
	bad[2] ^= 0xff
	reply := stacktest.Serialize(t, &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
	})

	for name, b := range map[string][]byte{
		"short":    {8, 0, 0},
		"checksum": bad,
		"reply":    reply,
	} {
		t.Run(name, func(t *testing.T) {
			f := &fakeIP{}
			New(f, Config{}, nil).Receive(buf.From(b), ip.Header{Src: stacktest.Remote.IP})
			assert.Empty(t, f.out)
		})
	}
}

func TestUnreachableQuotesHeaderAndEightBytes(t *testing.T) {
	f := &fakeIP{}
	h := New(f, Config{}, nil)
	orig := stacktest.Serialize(t,
		stacktest.IPv4(stacktest.Remote.IP, stacktest.Local.IP, layers.IPProtocolUDP),
		gopacket.Payload("0123456789abcdef"))
	before := append([]byte(nil), orig...)

	h.Unreachable(buf.From(orig), stacktest.Remote.IP, core.UnreachPort)

	require.Len(t, f.out, 1)
	msg := decodeICMP(t, f.out[0].msg)
	assert.Equal(t, uint8(layers.ICMPv4TypeDestinationUnreachable), msg.TypeCode.Type())
	assert.Equal(t, uint8(core.UnreachPort), msg.TypeCode.Code())
	assert.Equal(t, before[:ip.HeaderLen+8], f.out[0].msg[HeaderLen:])
	assert.Len(t, f.out[0].msg, HeaderLen+ip.HeaderLen+8)
	assert.Zero(t, checksumOf(f.out[0].msg))
	assert.Equal(t, before, orig)
}

func TestUnreachableShortPayload(t *testing.T) {
	f := &fakeIP{}
	orig := stacktest.Serialize(t,
		stacktest.IPv4(stacktest.Remote.IP, stacktest.Local.IP, layers.IPProtocolUDP),
		gopacket.Payload("abc"))

	New(f, Config{}, nil).Unreachable(buf.From(orig), stacktest.Remote.IP, core.UnreachProtocol)

	require.Len(t, f.out, 1)
	assert.Len(t, f.out[0].msg, HeaderLen+ip.HeaderLen+3)
}

func TestUnreachableRateLimited(t *testing.T) {
	f := &fakeIP{}
	h := New(f, Config{RateLimit: 0.001, Burst: 2}, nil)
	orig := stacktest.Serialize(t,
		stacktest.IPv4(stacktest.Remote.IP, stacktest.Local.IP, layers.IPProtocolUDP),
		gopacket.Payload("abcdefgh"))

	for i := 0; i < 5; i++ {
		h.Unreachable(buf.From(orig), stacktest.Remote.IP, core.UnreachPort)
	}
	assert.Len(t, f.out, 2)
}

func checksumOf(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum > 0xffff {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}
