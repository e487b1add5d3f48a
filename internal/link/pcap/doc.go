// Package pcap implements a link driver over libpcap. It is the portable
// choice where neither TAP nor AF_PACKET is available; builds without cgo
// register a stub that reports the driver as unsupported.
package pcap

const Name = "pcap"
