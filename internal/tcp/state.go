package tcp

import "fmt"

// State is a connection state. The engine only accepts connections, so the
// client-side states and the wait states are absent.
type State uint8

const (
	StateListen State = iota
	StateSynRcvd
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateLastAck
)

func (s State) String() string {
	switch s {
	case StateListen:
		return "LISTEN"
	case StateSynRcvd:
		return "SYN_RCVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateLastAck:
		return "LAST_ACK"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Event is passed to a port's Handler.
type Event uint8

const (
	// EventConnected fires once when the handshake completes.
	EventConnected Event = iota + 1
	// EventDataReceived fires when a segment added bytes to the receive buffer.
	EventDataReceived
	// EventClosed fires when the peer's close has been fully acknowledged.
	EventClosed
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDataReceived:
		return "data"
	case EventClosed:
		return "closed"
	}
	return fmt.Sprintf("Event(%d)", uint8(e))
}
