// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesTotal counts Ethernet frames by direction (rx/tx)
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netlab_frames_total",
			Help: "Total number of Ethernet frames received and sent",
		},
		[]string{"direction"},
	)

	// DropsTotal counts silently discarded packets by layer and reason
	DropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netlab_drops_total",
			Help: "Total number of packets dropped",
		},
		[]string{"layer", "reason"},
	)

	// ARPMessagesTotal counts ARP requests and replies by direction
	ARPMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netlab_arp_messages_total",
			Help: "Total number of ARP messages",
		},
		[]string{"op", "direction"},
	)

	// ARPEntries tracks the live ARP cache size
	ARPEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netlab_arp_entries",
			Help: "Number of entries in the ARP cache",
		},
	)

	// IPFragmentsSentTotal counts outgoing datagrams that needed fragmentation, per fragment
	IPFragmentsSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netlab_ip_fragments_sent_total",
			Help: "Total number of IP fragments sent",
		},
	)

	// IPReassembledTotal counts datagrams rebuilt from fragments
	IPReassembledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netlab_ip_reassembled_total",
			Help: "Total number of datagrams reassembled from fragments",
		},
	)

	// ReassemblyActiveFlows tracks datagrams awaiting more fragments
	ReassemblyActiveFlows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netlab_reassembly_active_flows",
			Help: "Number of datagrams awaiting reassembly",
		},
	)

	// ICMPMessagesTotal counts ICMP messages sent by type
	ICMPMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netlab_icmp_messages_total",
			Help: "Total number of ICMP messages sent",
		},
		[]string{"type"},
	)

	// ICMPSuppressedTotal counts ICMP errors withheld by the rate limiter
	ICMPSuppressedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netlab_icmp_suppressed_total",
			Help: "Total number of ICMP error messages suppressed by rate limiting",
		},
	)

	// UDPDatagramsTotal counts UDP datagrams by direction
	UDPDatagramsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netlab_udp_datagrams_total",
			Help: "Total number of UDP datagrams",
		},
		[]string{"direction"},
	)

	// TCPSegmentsTotal counts TCP segments by direction
	TCPSegmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netlab_tcp_segments_total",
			Help: "Total number of TCP segments",
		},
		[]string{"direction"},
	)

	// TCPResetsTotal counts RST segments sent
	TCPResetsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netlab_tcp_resets_total",
			Help: "Total number of TCP resets sent",
		},
	)

	// TCPConnectionEventsTotal counts connection lifecycle events (established, accepted, dropped, closed)
	TCPConnectionEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netlab_tcp_connection_events_total",
			Help: "Total number of TCP connection lifecycle events",
		},
		[]string{"event"},
	)

	// TCPConnections tracks the connection table size
	TCPConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netlab_tcp_connections",
			Help: "Number of records in the TCP connection table",
		},
	)

	// HTTPResponsesTotal counts HTTP responses by status code
	HTTPResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netlab_http_responses_total",
			Help: "Total number of HTTP responses",
		},
		[]string{"code"},
	)
)
