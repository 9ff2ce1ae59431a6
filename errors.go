package udpfetch

import "errors"

// Sentinel errors returned by the protocol engine. Callers match them with
// errors.Is; the returned values usually carry extra context on top.
var (
	// ErrTimeout is returned by Conn.Receive when no datagram arrived within
	// the configured timeout. It is a retry trigger, not a failure.
	ErrTimeout = errors.New("receive timeout")

	// ErrHandshakeTimeout means no SYN-ACK arrived within the handshake timeout.
	ErrHandshakeTimeout = errors.New("handshake timeout waiting for SYN-ACK")

	// ErrHandshakeChecksum means the handshake response failed its checksum.
	ErrHandshakeChecksum = errors.New("handshake response checksum failed")

	// ErrHandshakeRejected means the handshake response did not carry SYN+ACK.
	ErrHandshakeRejected = errors.New("handshake response is not SYN-ACK")

	// ErrHandshakeState is returned when Handshake is called outside INIT.
	ErrHandshakeState = errors.New("handshake already attempted")

	// ErrNotEstablished is returned by transfer operations before a
	// successful handshake.
	ErrNotEstablished = errors.New("session not established")

	// ErrRetryBudgetExhausted is returned when consecutive listen timeouts
	// exceed the configured retry budget.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

	// ErrPayloadTooLarge is returned when a segment would exceed MaxSegmentSize.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrPeerUnresponsive is returned by the responder when a data segment
	// was never acknowledged.
	ErrPeerUnresponsive = errors.New("peer unresponsive")

	// ErrTeardownUnacknowledged is returned by the responder when its FIN
	// was never acknowledged. The data itself was delivered.
	ErrTeardownUnacknowledged = errors.New("FIN not acknowledged")

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("invalid configuration")
)
