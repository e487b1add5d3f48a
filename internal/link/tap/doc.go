// Package tap implements a link driver over a Linux TAP device. The stack owns
// the device's Ethernet segment; the host sees it as an ordinary interface.
//
//	ip tuntap add dev tap0 mode tap
//	ip addr add 192.168.163.1/24 dev tap0
//	ip link set tap0 up
package tap

const Name = "tap"
