package stack

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netlab/internal/core"
	"firestige.xyz/netlab/internal/ip"
	"firestige.xyz/netlab/internal/link/channel"
	"firestige.xyz/netlab/internal/stacktest"
	"firestige.xyz/netlab/internal/tcp"
)

func newStack(t *testing.T, h stacktest.Host, cfg Config) (*Stack, *channel.Endpoint) {
	t.Helper()
	ep := channel.New(h.MAC, 1500)
	cfg.IP = h.IP
	s, err := New(cfg, ep, nil)
	require.NoError(t, err)
	return s, ep
}

// drain polls until no frame is pending.
func drain(t *testing.T, stacks ...*Stack) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		busy := false
		for _, s := range stacks {
			b, err := s.Poll()
			require.NoError(t, err)
			busy = busy || b
		}
		if !busy {
			return
		}
	}
	t.Fatal("stacks never went idle")
}

// learnRemote makes the stack resolve stacktest.Remote and discards the reply.
func learnRemote(t *testing.T, s *Stack, ep *channel.Endpoint) {
	t.Helper()
	ep.Inject(stacktest.ARPFrame(t, layers.ARPRequest, stacktest.Remote, core.BroadcastMAC, core.MAC{}, stacktest.Local.IP))
	drain(t, s)
	ep.Drain()
	_, ok := s.ARP().Lookup(stacktest.Remote.IP)
	require.True(t, ok)
}

func TestStartAnnounces(t *testing.T) {
	s, ep := newStack(t, stacktest.Local, Config{})
	require.NoError(t, s.Start())

	out := ep.Drain()
	require.Len(t, out, 1)
	a := stacktest.ARPOf(t, out[0])
	assert.Equal(t, uint16(layers.ARPRequest), a.Operation)
	assert.Equal(t, stacktest.Local.IP[:], []byte(a.DstProtAddress))
	assert.Equal(t, stacktest.Local.MAC[:], []byte(a.SourceHwAddress))
}

func TestEchoWaitsForResolution(t *testing.T) {
	s, ep := newStack(t, stacktest.Local, Config{})

	ep.Inject(stacktest.EchoRequestFrame(t, stacktest.Remote, stacktest.Local, 1, 1, []byte("ping")))
	drain(t, s)
	out := ep.Drain()
	require.Len(t, out, 1)
	req := stacktest.ARPOf(t, out[0])
	assert.Equal(t, stacktest.Remote.IP[:], []byte(req.DstProtAddress))

	ep.Inject(stacktest.ARPFrame(t, layers.ARPReply, stacktest.Remote, stacktest.Local.MAC, stacktest.Local.MAC, stacktest.Local.IP))
	drain(t, s)
	out = ep.Drain()
	require.Len(t, out, 1)
	icmp := stacktest.ICMPOf(t, out[0])
	assert.Equal(t, uint8(layers.ICMPv4TypeEchoReply), icmp.TypeCode.Type())
	assert.Equal(t, []byte("ping"), icmp.Payload)
	eth := stacktest.Layer[*layers.Ethernet](t, out[0], layers.LayerTypeEthernet)
	assert.Equal(t, stacktest.Remote.MAC[:], []byte(eth.DstMAC))
}

func TestClosedUDPPortIsUnreachable(t *testing.T) {
	s, ep := newStack(t, stacktest.Local, Config{})
	learnRemote(t, s, ep)

	ep.Inject(stacktest.UDPFrame(t, stacktest.Remote, stacktest.Local, 4000, 9, []byte("discard me")))
	drain(t, s)

	out := ep.Drain()
	require.Len(t, out, 1)
	icmp := stacktest.ICMPOf(t, out[0])
	assert.Equal(t, uint8(layers.ICMPv4TypeDestinationUnreachable), icmp.TypeCode.Type())
	assert.Equal(t, uint8(core.UnreachPort), icmp.TypeCode.Code())
	assert.Len(t, icmp.Payload, ip.HeaderLen+8)
}

func TestTCPConversation(t *testing.T) {
	s, ep := newStack(t, stacktest.Local, Config{TCP: tcp.Config{ISN: func() uint32 { return 5000 }}})
	learnRemote(t, s, ep)
	l, err := s.TCP().Listen(80, 0)
	require.NoError(t, err)

	send := func(seg stacktest.Segment) {
		seg.SrcPort, seg.DstPort, seg.Window = 33000, 80, 4096
		ep.Inject(stacktest.TCPFrame(t, stacktest.Remote, stacktest.Local, seg))
	}

	send(stacktest.Segment{Seq: 10, SYN: true})
	drain(t, s)
	out := ep.Drain()
	require.Len(t, out, 1)
	synAck := stacktest.TCPOf(t, out[0])
	require.True(t, synAck.SYN && synAck.ACK)
	assert.Equal(t, uint32(11), synAck.Ack)

	send(stacktest.Segment{Seq: 11, Ack: 5001, ACK: true})
	var conn *tcp.Conn
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.PollUntil(ctx, func() bool {
		conn, err = l.Accept()
		return err == nil
	}))

	send(stacktest.Segment{Seq: 11, Ack: 5001, ACK: true, PSH: true, Payload: []byte("hello")})
	p := make([]byte, 16)
	var n int
	require.NoError(t, s.PollUntil(ctx, func() bool {
		n, err = conn.Read(p)
		return err == nil
	}))
	assert.Equal(t, "hello", string(p[:n]))

	_, err = conn.Write([]byte("world"))
	require.NoError(t, err)
	out = ep.Drain()
	require.Len(t, out, 2, "ack for hello, then data")
	data := stacktest.TCPOf(t, out[1])
	assert.Equal(t, []byte("world"), data.Payload)
	assert.Equal(t, uint32(5001), data.Seq)
	assert.Equal(t, uint32(16), data.Ack)

	send(stacktest.Segment{Seq: 16, Ack: 5006, ACK: true, FIN: true})
	drain(t, s)
	out = ep.Drain()
	require.Len(t, out, 1)
	finAck := stacktest.TCPOf(t, out[0])
	assert.True(t, finAck.FIN && finAck.ACK)
	assert.Equal(t, tcp.StateLastAck, conn.State())

	send(stacktest.Segment{Seq: 17, Ack: 5007, ACK: true})
	drain(t, s)
	assert.True(t, conn.Closed())
	assert.Empty(t, s.TCP().Conns())
}

func TestTwoStacksExchangeFragmentedUDP(t *testing.T) {
	a, epA := newStack(t, stacktest.Local, Config{})
	b, epB := newStack(t, stacktest.Remote, Config{Reassembly: &ip.ReassemblyConfig{}})
	channel.Pair(epA, epB)
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	drain(t, a, b)

	var got []byte
	var from core.Port
	require.NoError(t, b.UDP().Open(7, func(data []byte, _ core.IPv4, src core.Port) {
		got = append([]byte(nil), data...)
		from = src
	}))

	payload := bytes.Repeat([]byte("netlab"), 700)
	require.NoError(t, a.UDP().Send(payload, 1234, stacktest.Remote.IP, 7))
	drain(t, a, b)

	assert.Equal(t, payload, got)
	assert.Equal(t, core.Port(1234), from)
	// the tables are per stack
	assert.Len(t, a.ARP().Entries(), 1)
	assert.Equal(t, stacktest.Remote.IP, a.ARP().Entries()[0].IP)
	assert.Equal(t, stacktest.Local.IP, b.ARP().Entries()[0].IP)
}

func TestRunStopsOnCancel(t *testing.T) {
	s, ep := newStack(t, stacktest.Local, Config{IdleSleep: time.Millisecond})
	steps := 0
	ctx, cancel := context.WithCancel(context.Background())
	ep.Inject(stacktest.ARPFrame(t, layers.ARPRequest, stacktest.Remote, core.BroadcastMAC, core.MAC{}, stacktest.Local.IP))

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	require.NoError(t, s.Run(ctx, func() { steps++ }))
	assert.Positive(t, steps)
	assert.Len(t, ep.Drain(), 1)
}

func TestRunReturnsLinkError(t *testing.T) {
	s, _ := newStack(t, stacktest.Local, Config{})
	require.NoError(t, s.Close())
	err := s.Run(context.Background())
	assert.ErrorIs(t, err, core.ErrLinkClosed)
}

func TestPollUntilHonoursContext(t *testing.T) {
	s, _ := newStack(t, stacktest.Local, Config{IdleSleep: time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := s.PollUntil(ctx, func() bool { return false })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewRejectsBadPayloadSize(t *testing.T) {
	_, err := New(Config{MaxPayload: 100}, channel.New(stacktest.Local.MAC, 1500), nil)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}
