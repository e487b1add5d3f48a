// Package channel provides an in-memory link driver. Frames injected by a test
// or a peer are returned by Recv; frames the stack sends are queued for Drain.
package channel

import (
	"sync"

	"firestige.xyz/netlab/internal/core"
)

// Endpoint is an in-memory link.Driver.
type Endpoint struct {
	mu       sync.Mutex
	mac      core.MAC
	mtu      int
	inbound  [][]byte
	outbound [][]byte
	closed   bool
	peer     *Endpoint
}

// New creates an endpoint answering to mac.
func New(mac core.MAC, mtu int) *Endpoint {
	return &Endpoint{mac: mac, mtu: mtu}
}

// Pair connects two endpoints back to back: whatever one sends the other
// receives.
func Pair(a, b *Endpoint) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

func (e *Endpoint) MAC() core.MAC { return e.mac }

func (e *Endpoint) MTU() int { return e.mtu }

// Send queues a copy of frame for Drain, or delivers it to the paired endpoint.
func (e *Endpoint) Send(frame []byte) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return core.ErrLinkClosed
	}
	peer := e.peer
	if peer == nil {
		e.outbound = append(e.outbound, append([]byte(nil), frame...))
	}
	e.mu.Unlock()

	if peer != nil {
		peer.Inject(frame)
	}
	return nil
}

// Recv pops the oldest injected frame. Frames longer than p are truncated.
func (e *Endpoint) Recv(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, core.ErrLinkClosed
	}
	if len(e.inbound) == 0 {
		return 0, nil
	}
	f := e.inbound[0]
	e.inbound[0] = nil
	e.inbound = e.inbound[1:]
	return copy(p, f), nil
}

// Inject queues a copy of frame for Recv.
func (e *Endpoint) Inject(frame []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.inbound = append(e.inbound, append([]byte(nil), frame...))
}

// Drain returns and clears the frames sent so far.
func (e *Endpoint) Drain() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.outbound
	e.outbound = nil
	return out
}

// Pending returns the number of injected frames not yet received.
func (e *Endpoint) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inbound)
}

func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.inbound, e.outbound = nil, nil
	return nil
}
