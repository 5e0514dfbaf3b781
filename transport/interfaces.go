// Package transport defines the byte transport contract that network
// protocol clients, such as an MQTT stack, run on top of.
package transport

// Transport is a single-connection byte stream.
//
// Send and Recv report counts rather than errors: a negative count means
// the transport is not usable, and a short count means a timeout cut the
// transfer short.
type Transport interface {
	// Connect opens a TCP connection to host:port. Connecting while
	// already connected succeeds without side effects.
	Connect(host, port string) Status
	// Disconnect closes the current connection.
	Disconnect() Status
	// Send writes p and returns the number of bytes written, or -1 if
	// there is no connection.
	Send(p []byte) int
	// Recv reads up to len(p) bytes and returns how many were read. It
	// returns 0 when no data arrived within the receive timeout, and -1 if
	// the transport was never started.
	Recv(p []byte) int
}

// Status is the outcome of a Connect or Disconnect call.
type Status int

const (
	// StatusSuccess reports that the operation completed.
	StatusSuccess Status = iota
	// StatusFailure reports that the operation failed.
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// OK reports whether s is StatusSuccess.
func (s Status) OK() bool {
	return s == StatusSuccess
}

// StateHandler is called when the transport state changes.
type StateHandler func(transport Transport, event Event)

// Event represents transport state change events.
type Event int

const (
	// EventConnected is fired when a TCP connection opens.
	EventConnected Event = iota
	// EventDisconnected is fired when the TCP connection closes.
	EventDisconnected
	// EventModemReady is fired when the modem answers the handshake.
	EventModemReady
	// EventError is fired when the transport enters its error state.
	EventError
	// EventReconnecting is fired when a client is about to redial.
	EventReconnecting
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventModemReady:
		return "modem_ready"
	case EventError:
		return "error"
	case EventReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
