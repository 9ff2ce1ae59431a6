package udpfetch

import (
	"time"

	"github.com/rs/zerolog"
)

// TransferStats summarizes one transfer. The client and the responder fill
// the counters that apply to their side.
type TransferStats struct {
	SegmentsDelivered uint64        // In-order data segments written (client) or acknowledged (responder)
	BytesDelivered    uint64        // Payload bytes written or acknowledged
	OutOfOrder        uint64        // Valid segments with an unexpected sequence number
	Corrupt           uint64        // Segments that failed the checksum
	Foreign           uint64        // Segments from an address other than the peer
	Timeouts          uint64        // Receive timeouts
	AcksSent          uint64        // ACK segments sent, including retransmissions
	Retransmissions   uint64        // Segments resent after a timeout
	Duration          time.Duration // Wall time of the transfer phase
}

// MarshalZerologObject lets the stats be logged with Object().
func (s TransferStats) MarshalZerologObject(e *zerolog.Event) {
	e.Uint64("delivered", s.SegmentsDelivered).
		Uint64("bytes", s.BytesDelivered).
		Uint64("outOfOrder", s.OutOfOrder).
		Uint64("corrupt", s.Corrupt).
		Uint64("foreign", s.Foreign).
		Uint64("timeouts", s.Timeouts).
		Uint64("acksSent", s.AcksSent).
		Uint64("retransmissions", s.Retransmissions).
		Dur("duration", s.Duration)
}
