package udpfetch

// HandshakeState is the position of a session in the handshake state machine.
type HandshakeState int

const (
	// StateInit is the initial state before any handshake
	StateInit HandshakeState = iota
	// StateSynSent indicates the SYN was broadcast, waiting for SYN-ACK
	StateSynSent
	// StateEstablished indicates the peer is known and data may flow
	StateEstablished
	// StateFailed indicates the handshake failed; the session is unusable
	StateFailed
)

// String returns a human-readable representation of the state.
func (s HandshakeState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateSynSent:
		return "SYN_SENT"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}
