// Package httpd serves static files over HTTP/1.0 on the stack's TCP engine.
// The server never blocks: each Serve call advances every open exchange as
// far as the connections allow and returns.
package httpd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"

	"firestige.xyz/netlab/internal/core"
	"firestige.xyz/netlab/internal/log"
	"firestige.xyz/netlab/internal/metrics"
	"firestige.xyz/netlab/internal/tcp"
)

const (
	maxRequestLine = 1024
	chunkSize      = 1024
	notFoundPage   = "404page.html"
	indexPage      = "index.html"
)

// Conn is the part of a TCP connection the server uses.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Listener hands out accepted connections.
type Listener interface {
	Accept() (Conn, error)
	Close() error
}

type tcpListener struct{ l *tcp.Listener }

func (t tcpListener) Accept() (Conn, error) {
	c, err := t.l.Accept()
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (t tcpListener) Close() error { return t.l.Close() }

// Server is a static file server.
type Server struct {
	ln       Listener
	root     fs.FS
	sessions []*session
	log      log.Logger
}

// Listen opens port on e with an accept queue of backlog connections and
// serves files below docRoot. A backlog of zero uses tcp.DefaultBacklog.
func Listen(e *tcp.Engine, port core.Port, backlog int, docRoot string, logger log.Logger) (*Server, error) {
	if st, err := os.Stat(docRoot); err != nil || !st.IsDir() {
		return nil, fmt.Errorf("httpd: document root %q is not a directory", docRoot)
	}
	l, err := e.Listen(port, backlog)
	if err != nil {
		return nil, fmt.Errorf("httpd: %w", err)
	}
	s := New(tcpListener{l}, os.DirFS(docRoot), logger)
	s.log.Infof("serving %s on port %d, backlog %d", docRoot, port, backlog)
	return s, nil
}

// New creates a server over an existing listener.
func New(ln Listener, root fs.FS, logger log.Logger) *Server {
	return &Server{
		ln:   ln,
		root: root,
		log:  log.OrDiscard(logger).WithField("module", "httpd"),
	}
}

// Serve accepts queued connections and advances every open exchange.
func (s *Server) Serve() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, core.ErrWouldBlock) {
				s.log.WithError(err).Debug("accept")
			}
			break
		}
		s.sessions = append(s.sessions, &session{conn: c})
	}

	open := s.sessions[:0]
	for _, ss := range s.sessions {
		s.step(ss)
		if !ss.done {
			open = append(open, ss)
		}
	}
	clear(s.sessions[len(open):])
	s.sessions = open
}

// Active returns the number of exchanges in progress.
func (s *Server) Active() int { return len(s.sessions) }

// Close stops listening and drops every exchange.
func (s *Server) Close() error {
	s.sessions = nil
	return s.ln.Close()
}

type session struct {
	conn Conn
	line []byte
	// response state
	out   []byte // pending bytes of the current chunk
	body  fs.File
	chunk [chunkSize]byte
	done  bool
}

func (s *Server) step(ss *session) {
	if ss.out == nil && ss.body == nil {
		line, ok := s.readLine(ss)
		if !ok {
			return
		}
		s.respond(ss, line)
		if ss.done {
			return
		}
	}
	s.write(ss)
}

// readLine accumulates the request line. It reports true once the line is
// complete.
func (s *Server) readLine(ss *session) (string, bool) {
	var b [256]byte
	for {
		n, err := ss.conn.Read(b[:])
		for _, c := range b[:n] {
			if c == '\n' {
				// the rest of the request is not needed
				return string(ss.line), true
			}
			if c != '\r' {
				ss.line = append(ss.line, c)
			}
		}
		if len(ss.line) > maxRequestLine {
			s.finish(ss)
			return "", false
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, core.ErrWouldBlock):
			return "", false
		default:
			if len(ss.line) > 0 && errors.Is(err, io.EOF) {
				return string(ss.line), true
			}
			s.finish(ss)
			return "", false
		}
	}
}

// respond parses the request line and prepares the response headers and
// body. Requests other than GET are dropped.
func (s *Server) respond(ss *session, line string) {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "GET" {
		s.log.Debugf("close on request %q", line)
		s.finish(ss)
		return
	}
	name := resolve(fields[1])
	f, size, err := s.open(name)
	code, status := 200, "OK"
	if err != nil {
		code, status = 404, "NOT FOUND"
		f, size, err = s.open(notFoundPage)
		if err != nil {
			f, size = nil, 0
		}
		name = notFoundPage
	}
	metrics.HTTPResponsesTotal.WithLabelValues(strconv.Itoa(code)).Inc()
	s.log.Debugf("GET %s -> %d (%d bytes)", fields[1], code, size)

	var h strings.Builder
	fmt.Fprintf(&h, "HTTP/1.0 %d %s\r\nContent-Length: %d\r\n", code, status, size)
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" && f != nil {
		fmt.Fprintf(&h, "Content-Type: %s\r\n", ct)
	}
	h.WriteString("\r\n")
	ss.out = []byte(h.String())
	ss.body = f
}

// resolve maps a request target to a name inside the document root.
func resolve(target string) string {
	if i := strings.IndexAny(target, "?#"); i >= 0 {
		target = target[:i]
	}
	if p, err := url.PathUnescape(target); err == nil {
		target = p
	}
	name := strings.TrimPrefix(path.Clean("/"+target), "/")
	if name == "" {
		return indexPage
	}
	return name
}

func (s *Server) open(name string) (fs.File, int64, error) {
	if !fs.ValidPath(name) {
		return nil, 0, fs.ErrInvalid
	}
	f, err := s.root.Open(name)
	if err != nil {
		return nil, 0, err
	}
	st, err := f.Stat()
	if err == nil && st.IsDir() {
		f.Close()
		return s.open(path.Join(name, indexPage))
	}
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, st.Size(), nil
}

// write pushes pending bytes until the connection stops taking them, then
// closes the connection once the body is exhausted.
func (s *Server) write(ss *session) {
	for {
		for len(ss.out) > 0 {
			n, err := ss.conn.Write(ss.out)
			ss.out = ss.out[n:]
			if errors.Is(err, core.ErrWouldBlock) {
				return
			}
			if err != nil {
				s.log.WithError(err).Debug("write response")
				s.finish(ss)
				return
			}
		}
		if ss.body == nil {
			s.finish(ss)
			return
		}
		n, err := ss.body.Read(ss.chunk[:])
		ss.out = ss.chunk[:n]
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.WithError(err).Warn("read document")
			}
			ss.body.Close()
			ss.body = nil
		}
	}
}

func (s *Server) finish(ss *session) {
	if ss.body != nil {
		ss.body.Close()
		ss.body = nil
	}
	ss.out = nil
	ss.done = true
	if err := ss.conn.Close(); err != nil {
		s.log.WithError(err).Debug("close connection")
	}
}
