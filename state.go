package rawtcp

// State is the RFC 793 connection state. CLOSED is both the conceptual
// initial state (before a record exists) and the terminal one; LISTEN is
// held by a Listener rather than a Conn, but is part of the named set.
type State int

const (
	// StateClosed means no connection state exists (or it has been removed).
	StateClosed State = iota
	// StateListen is waiting for a SYN on a listening port.
	StateListen
	// StateSynSent means a SYN was sent by an active open, awaiting SYN+ACK.
	StateSynSent
	// StateSynReceived means a SYN was received and SYN+ACK sent, awaiting ACK.
	StateSynReceived
	// StateEstablished is the data transfer state.
	StateEstablished
	// StateFinWait1 means our FIN is sent, awaiting its ACK (or the peer's FIN).
	StateFinWait1
	// StateFinWait2 means our FIN is acknowledged, awaiting the peer's FIN.
	StateFinWait2
	// StateCloseWait means the peer's FIN was received, awaiting local close.
	StateCloseWait
	// StateClosing is the simultaneous-close state: both FINs are in flight.
	StateClosing
	// StateLastAck means our FIN (after the peer's) awaits its final ACK.
	StateLastAck
	// StateTimeWait absorbs stray duplicates for 2×MSL before removal.
	StateTimeWait
)

// String returns the canonical RFC 793 state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateClosing:
		return "CLOSING"
	case StateLastAck:
		return "LAST_ACK"
	case StateTimeWait:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}
