package httpd

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netlab/internal/core"
	"firestige.xyz/netlab/internal/link/channel"
	"firestige.xyz/netlab/internal/stack"
	"firestige.xyz/netlab/internal/stacktest"
	"firestige.xyz/netlab/internal/tcp"
)

// fakeConn hands out its input in the given pieces and accepts at most
// limit bytes per Write, refusing every other call when limit is set.
type fakeConn struct {
	in     [][]byte
	eof    bool
	out    strings.Builder
	limit  int
	calls  int
	closed bool
}

func (c *fakeConn) Read(p []byte) (int, error) {
	if len(c.in) == 0 {
		if c.eof {
			return 0, io.EOF
		}
		return 0, core.ErrWouldBlock
	}
	n := copy(p, c.in[0])
	c.in[0] = c.in[0][n:]
	if len(c.in[0]) == 0 {
		c.in = c.in[1:]
	}
	return n, nil
}

func (c *fakeConn) Write(p []byte) (int, error) {
	if c.closed {
		return 0, core.ErrConnClosed
	}
	c.calls++
	if c.limit == 0 {
		c.out.Write(p)
		return len(p), nil
	}
	if c.calls%2 == 0 {
		return 0, core.ErrWouldBlock
	}
	n := min(c.limit, len(p))
	c.out.Write(p[:n])
	return n, nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type fakeListener struct {
	queue  []Conn
	closed bool
}

func (l *fakeListener) Accept() (Conn, error) {
	if len(l.queue) == 0 {
		return nil, core.ErrWouldBlock
	}
	c := l.queue[0]
	l.queue = l.queue[1:]
	return c, nil
}

func (l *fakeListener) Close() error {
	l.closed = true
	return nil
}

var site = fstest.MapFS{
	"index.html":      {Data: []byte("<h1>home</h1>")},
	"docs/a.txt":      {Data: []byte("alpha")},
	"docs/index.html": {Data: []byte("docs")},
	"404page.html":    {Data: []byte("gone")},
}

func serve(t *testing.T, root fstest.MapFS, c *fakeConn) *Server {
	t.Helper()
	ln := &fakeListener{queue: []Conn{c}}
	s := New(ln, root, nil)
	for i := 0; i < 100; i++ {
		s.Serve()
		if s.Active() == 0 {
			break
		}
	}
	return s
}

func request(line string) *fakeConn {
	return &fakeConn{in: [][]byte{[]byte(line)}}
}

func TestServeIndex(t *testing.T) {
	c := request("GET / HTTP/1.0\r\nHost: x\r\n\r\n")
	s := serve(t, site, c)

	assert.Equal(t, 0, s.Active())
	assert.True(t, c.closed)
	assert.Equal(t, "HTTP/1.0 200 OK\r\nContent-Length: 13\r\nContent-Type: text/html; charset=utf-8\r\n\r\n<h1>home</h1>", c.out.String())
}

func TestServeFile(t *testing.T) {
	c := request("GET /docs/a.txt?v=1 HTTP/1.0\n\n")
	serve(t, site, c)
	assert.Equal(t, "HTTP/1.0 200 OK\r\nContent-Length: 5\r\nContent-Type: text/plain; charset=utf-8\r\n\r\nalpha", c.out.String())
}

func TestServeDirectoryIndex(t *testing.T) {
	c := request("GET /docs HTTP/1.0\r\n\r\n")
	serve(t, site, c)
	assert.True(t, strings.HasSuffix(c.out.String(), "\r\n\r\ndocs"))
	assert.True(t, strings.HasPrefix(c.out.String(), "HTTP/1.0 200 OK\r\n"))
}

func TestNotFoundUsesErrorPage(t *testing.T) {
	c := request("GET /missing.html HTTP/1.0\r\n\r\n")
	serve(t, site, c)
	assert.Equal(t, "HTTP/1.0 404 NOT FOUND\r\nContent-Length: 4\r\nContent-Type: text/html; charset=utf-8\r\n\r\ngone", c.out.String())
	assert.True(t, c.closed)
}

func TestNotFoundWithoutErrorPage(t *testing.T) {
	c := request("GET /missing.html HTTP/1.0\r\n\r\n")
	serve(t, fstest.MapFS{"index.html": {Data: []byte("x")}}, c)
	assert.Equal(t, "HTTP/1.0 404 NOT FOUND\r\nContent-Length: 0\r\n\r\n", c.out.String())
}

func TestPathStaysInsideRoot(t *testing.T) {
	c := request("GET /../../etc/passwd HTTP/1.0\r\n\r\n")
	serve(t, fstest.MapFS{"etc/passwd": {Data: []byte("root-local")}}, c)
	// cleaned to /etc/passwd below the root
	assert.True(t, strings.HasSuffix(c.out.String(), "root-local"))

	c = request("GET /%2e%2e/secret HTTP/1.0\r\n\r\n")
	serve(t, site, c)
	assert.True(t, strings.HasPrefix(c.out.String(), "HTTP/1.0 404 NOT FOUND"))
}

func TestRequestLineArrivesInPieces(t *testing.T) {
	c := &fakeConn{}
	ln := &fakeListener{queue: []Conn{c}}
	s := New(ln, site, nil)

	s.Serve()
	assert.Equal(t, 1, s.Active())
	c.in = [][]byte{[]byte("GET /docs/a")}
	s.Serve()
	assert.Equal(t, 1, s.Active())
	assert.Empty(t, c.out.String())

	c.in = [][]byte{[]byte(".txt HTTP/1.0\r"), []byte("\n\r\n")}
	s.Serve()
	assert.Equal(t, 0, s.Active())
	assert.True(t, strings.HasSuffix(c.out.String(), "alpha"))
}

func TestNonGetClosesWithoutResponse(t *testing.T) {
	for _, line := range []string{"POST / HTTP/1.0\r\n\r\n", "\r\n", "GET\r\n"} {
		c := request(line)
		serve(t, site, c)
		assert.Empty(t, c.out.String(), line)
		assert.True(t, c.closed, line)
	}
}

func TestEOFBeforeRequestCloses(t *testing.T) {
	c := &fakeConn{eof: true}
	s := serve(t, site, c)
	assert.True(t, c.closed)
	assert.Equal(t, 0, s.Active())
}

func TestOverlongRequestLineCloses(t *testing.T) {
	c := request("GET /" + strings.Repeat("a", 2*maxRequestLine))
	serve(t, site, c)
	assert.True(t, c.closed)
	assert.Empty(t, c.out.String())
}

func TestSlowWriterGetsWholeResponse(t *testing.T) {
	body := strings.Repeat("0123456789", 300)
	root := fstest.MapFS{"big.bin": {Data: []byte(body)}}
	c := request("GET /big.bin HTTP/1.0\r\n\r\n")
	c.limit = 100
	s := serve(t, root, c)

	require.Equal(t, 0, s.Active())
	out := c.out.String()
	assert.True(t, strings.HasPrefix(out, "HTTP/1.0 200 OK\r\nContent-Length: 3000\r\n"))
	assert.True(t, strings.HasSuffix(out, "\r\n\r\n"+body))
}

func TestCloseStopsListening(t *testing.T) {
	ln := &fakeListener{}
	s := New(ln, site, nil)
	require.NoError(t, s.Close())
	assert.True(t, ln.closed)
}

func TestListenRejectsMissingRoot(t *testing.T) {
	_, err := Listen(nil, 80, 0, filepath.Join(t.TempDir(), "nope"), nil)
	assert.Error(t, err)
}

// stackServer is a server on a stack over the channel driver, with the
// remote host already resolved.
type stackServer struct {
	t   *testing.T
	st  *stack.Stack
	ep  *channel.Endpoint
	srv *Server
}

func newStackServer(t *testing.T, backlog int) *stackServer {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("hi there"), 0o644))

	ep := channel.New(stacktest.Local.MAC, 1500)
	st, err := stack.New(stack.Config{IP: stacktest.Local.IP, TCP: tcp.Config{ISN: func() uint32 { return 7000 }}}, ep, nil)
	require.NoError(t, err)
	srv, err := Listen(st.TCP(), 80, backlog, dir, nil)
	require.NoError(t, err)

	s := &stackServer{t: t, st: st, ep: ep, srv: srv}
	ep.Inject(stacktest.ARPFrame(t, layers.ARPRequest, stacktest.Remote, core.BroadcastMAC, core.MAC{}, stacktest.Local.IP))
	s.poll()
	ep.Drain()
	return s
}

func (s *stackServer) poll() {
	s.t.Helper()
	for i := 0; i < 100; i++ {
		busy, err := s.st.Poll()
		require.NoError(s.t, err)
		if !busy {
			return
		}
	}
}

func (s *stackServer) send(from uint16, seg stacktest.Segment) {
	s.t.Helper()
	seg.SrcPort, seg.DstPort, seg.Window = from, 80, 8192
	s.ep.Inject(stacktest.TCPFrame(s.t, stacktest.Remote, stacktest.Local, seg))
	s.poll()
}

func (s *stackServer) connect(from uint16) {
	s.t.Helper()
	s.send(from, stacktest.Segment{Seq: 1, SYN: true})
	s.send(from, stacktest.Segment{Seq: 2, Ack: 7001, ACK: true})
}

func TestServeOverStack(t *testing.T) {
	s := newStackServer(t, 0)
	s.connect(41000)
	req := []byte("GET / HTTP/1.0\r\n\r\n")
	s.send(41000, stacktest.Segment{Seq: 2, Ack: 7001, ACK: true, PSH: true, Payload: req})
	s.ep.Drain()

	s.srv.Serve()
	assert.Equal(t, 0, s.srv.Active())

	var got strings.Builder
	fin := false
	for _, frame := range s.ep.Drain() {
		seg := stacktest.TCPOf(t, frame)
		got.Write(seg.Payload)
		fin = fin || seg.FIN
	}
	assert.True(t, fin)
	assert.Equal(t, "HTTP/1.0 200 OK\r\nContent-Length: 8\r\nContent-Type: text/html; charset=utf-8\r\n\r\nhi there", got.String())
}

func TestBacklogLimitsQueuedConnections(t *testing.T) {
	s := newStackServer(t, 2)

	s.connect(41001)
	s.connect(41002)
	s.connect(41003)

	conns := s.st.TCP().Conns()
	require.Len(t, conns, 2)
	assert.Equal(t, core.Port(41001), conns[0].Key.PeerPort)
	assert.Equal(t, core.Port(41002), conns[1].Key.PeerPort)

	s.srv.Serve()
	assert.Equal(t, 2, s.srv.Active())
}
