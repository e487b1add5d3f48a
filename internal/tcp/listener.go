package tcp

import (
	"fmt"

	"firestige.xyz/netlab/internal/core"
	"firestige.xyz/netlab/internal/metrics"
)

// DefaultBacklog is the accept queue length used when Listen is given zero.
const DefaultBacklog = 40

// Listener queues established connections on a port until they are
// accepted.
type Listener struct {
	engine  *Engine
	port    core.Port
	backlog int
	queue   []*Conn
	closed  bool
}

// Listen opens port with a handler that queues each connection as its
// handshake completes. A connection arriving with the queue full is torn
// down.
func (e *Engine) Listen(port core.Port, backlog int) (*Listener, error) {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	l := &Listener{engine: e, port: port, backlog: backlog}
	if err := e.Open(port, l.handle); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Listener) handle(c *Conn, ev Event) {
	if ev != EventConnected {
		return
	}
	if len(l.queue) >= l.backlog {
		l.engine.log.Warnf("accept queue on port %d full, dropping %s", l.port, c.key)
		metrics.TCPConnectionEventsTotal.WithLabelValues("dropped").Inc()
		c.teardown()
		return
	}
	l.queue = append(l.queue, c)
}

// Accept returns the oldest queued connection, or core.ErrWouldBlock when
// none is waiting.
func (l *Listener) Accept() (*Conn, error) {
	if l.closed {
		return nil, fmt.Errorf("accept on port %d: %w", l.port, core.ErrConnClosed)
	}
	if len(l.queue) == 0 {
		return nil, core.ErrWouldBlock
	}
	c := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	metrics.TCPConnectionEventsTotal.WithLabelValues("accepted").Inc()
	return c, nil
}

// Pending returns the number of connections waiting to be accepted.
func (l *Listener) Pending() int { return len(l.queue) }

// Port returns the listening port.
func (l *Listener) Port() core.Port { return l.port }

// Close stops listening and tears down every connection on the port,
// accepted or not.
func (l *Listener) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	l.queue = nil
	l.engine.Close(l.port)
	return nil
}
