// Package buf implements the packet buffer shared by every protocol layer.
//
// A Buffer is a window [head, tail) inside a fixed backing region. Headers are
// prepended by moving head toward the start of the region and stripped by
// moving it forward, so a packet travels down and up the stack without
// copying its payload.
package buf

import (
	"fmt"

	"firestige.xyz/netlab/internal/core"
)

// DefaultHeadroom fits an Ethernet, IPv4 and TCP header with room to spare.
const DefaultHeadroom = 64

// Buffer is a byte container with head and tail cursors over a fixed-capacity
// backing region.
type Buffer struct {
	data []byte
	head int
	tail int
}

// New returns a zero-filled buffer of length size with DefaultHeadroom in
// front of it.
func New(size int) *Buffer {
	return NewWithHeadroom(DefaultHeadroom, size)
}

// NewWithHeadroom returns a zero-filled buffer of length size preceded by
// headroom reserved bytes. Capacity is headroom+size.
func NewWithHeadroom(headroom, size int) *Buffer {
	return &Buffer{
		data: make([]byte, headroom+size),
		head: headroom,
		tail: headroom + size,
	}
}

// NewCap returns an empty buffer able to hold capacity bytes.
func NewCap(capacity int) *Buffer {
	return &Buffer{data: make([]byte, capacity)}
}

// From copies b into a new buffer with DefaultHeadroom.
func From(b []byte) *Buffer {
	p := New(len(b))
	copy(p.Bytes(), b)
	return p
}

// Bytes returns the current contents. The slice aliases the buffer.
func (b *Buffer) Bytes() []byte { return b.data[b.head:b.tail] }

// Len returns the number of bytes between head and tail.
func (b *Buffer) Len() int { return b.tail - b.head }

// Cap returns the size of the backing region.
func (b *Buffer) Cap() int { return len(b.data) }

// Headroom returns the bytes available in front of the data.
func (b *Buffer) Headroom() int { return b.head }

// Tailroom returns the bytes available after the data.
func (b *Buffer) Tailroom() int { return len(b.data) - b.tail }

// Free returns the number of bytes that can still be added, counting both ends.
func (b *Buffer) Free() int { return len(b.data) - b.Len() }

// AddHeader prepends n bytes and returns them for the caller to fill. When
// there is not enough headroom the contents are moved toward the end of the
// backing region first.
func (b *Buffer) AddHeader(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative header length %d", core.ErrBufferOverflow, n)
	}
	if n > b.head {
		size := b.Len()
		if n+size > len(b.data) {
			return nil, fmt.Errorf("%w: header %d + data %d > capacity %d",
				core.ErrBufferOverflow, n, size, len(b.data))
		}
		start := len(b.data) - size
		copy(b.data[start:], b.data[b.head:b.tail])
		b.head, b.tail = start, len(b.data)
	}
	b.head -= n
	return b.data[b.head : b.head+n], nil
}

// RemoveHeader strips n bytes from the front.
func (b *Buffer) RemoveHeader(n int) error {
	if n < 0 || n > b.Len() {
		return fmt.Errorf("%w: remove %d of %d", core.ErrBufferUnderflow, n, b.Len())
	}
	b.head += n
	return nil
}

// AddPadding appends n zero bytes.
func (b *Buffer) AddPadding(n int) error {
	p, err := b.extend(n)
	if err != nil {
		return err
	}
	clear(p)
	return nil
}

// RemovePadding strips n bytes from the end.
func (b *Buffer) RemovePadding(n int) error {
	if n < 0 || n > b.Len() {
		return fmt.Errorf("%w: remove padding %d of %d", core.ErrBufferUnderflow, n, b.Len())
	}
	b.tail -= n
	return nil
}

// Append copies p to the end of the buffer.
func (b *Buffer) Append(p []byte) error {
	dst, err := b.extend(len(p))
	if err != nil {
		return err
	}
	copy(dst, p)
	return nil
}

// extend grows the tail by n bytes, moving the contents to the start of the
// backing region when the tail is short of room.
func (b *Buffer) extend(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length %d", core.ErrBufferOverflow, n)
	}
	if n > b.Tailroom() {
		size := b.Len()
		if size+n > len(b.data) {
			return nil, fmt.Errorf("%w: data %d + %d > capacity %d",
				core.ErrBufferOverflow, size, n, len(b.data))
		}
		copy(b.data, b.data[b.head:b.tail])
		b.head, b.tail = 0, size
	}
	start := b.tail
	b.tail += n
	return b.data[start:b.tail], nil
}

// Truncate keeps the first n bytes.
func (b *Buffer) Truncate(n int) error {
	if n < 0 || n > b.Len() {
		return fmt.Errorf("%w: truncate to %d of %d", core.ErrBufferUnderflow, n, b.Len())
	}
	b.tail = b.head + n
	return nil
}

// Reset positions the data at the start of the backing region with length
// size. Contents are left as they were.
func (b *Buffer) Reset(size int) error {
	if size < 0 || size > len(b.data) {
		return fmt.Errorf("%w: reset to %d, capacity %d", core.ErrBufferOverflow, size, len(b.data))
	}
	b.head, b.tail = 0, size
	return nil
}

// Clone returns a deep copy with the same capacity and cursors.
func (b *Buffer) Clone() *Buffer {
	c := &Buffer{data: make([]byte, len(b.data)), head: b.head, tail: b.tail}
	copy(c.data, b.data)
	return c
}
