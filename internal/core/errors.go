// Package core defines sentinel errors.
package core

import "errors"

var (
	// Buffer errors
	ErrBufferOverflow  = errors.New("netlab: buffer overflow")
	ErrBufferUnderflow = errors.New("netlab: buffer underflow")

	// Keyed store errors
	ErrStoreFull = errors.New("netlab: store full")
	ErrKeySize   = errors.New("netlab: key size mismatch")

	// Packet decoding errors
	ErrPacketTooShort = errors.New("netlab: packet too short")
	ErrMalformed      = errors.New("netlab: malformed packet")
	ErrBadChecksum    = errors.New("netlab: bad checksum")

	// ARP errors
	ErrResolutionPending = errors.New("netlab: address resolution pending")

	// IP reassembly errors
	ErrReassemblyLimit = errors.New("netlab: fragment reassembly limit exceeded")
	ErrFragmentOverlap = errors.New("netlab: fragment overlap rejected")
	ErrFragmentRate    = errors.New("netlab: fragment rate limit exceeded")

	// Transport errors
	ErrPortInUse   = errors.New("netlab: port in use")
	ErrWouldBlock  = errors.New("netlab: operation would block")
	ErrConnClosed  = errors.New("netlab: connection closed")
	ErrQueueFull   = errors.New("netlab: queue full")
	ErrLinkClosed  = errors.New("netlab: link closed")
	ErrUnsupported = errors.New("netlab: unsupported")

	// Configuration errors
	ErrConfigInvalid = errors.New("netlab: invalid configuration")

	// Daemon errors
	ErrDaemonNotRunning = errors.New("netlab: daemon not running")
)
