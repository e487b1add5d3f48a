// Package afpacket implements a link driver over a Linux AF_PACKET ring. The
// stack shares a physical or veth interface with the kernel; a BPF program
// keeps the ring to frames addressed to the stack's MAC or broadcast.
package afpacket

const Name = "afpacket"

// Options are the driver specific settings under interface.options.
type Options struct {
	BufferSizeMB  int `mapstructure:"buffer_size_mb"`  // ring size, default 8
	PollTimeoutMs int `mapstructure:"poll_timeout_ms"` // receive wait, default 1
}
