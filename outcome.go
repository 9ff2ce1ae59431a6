package udpfetch

import (
	"errors"
	"net/netip"
)

// OutcomeKind is the classification of one receive in the transfer loop.
type OutcomeKind int

const (
	// OutcomeTimeout means nothing arrived within the listen timeout
	OutcomeTimeout OutcomeKind = iota
	// OutcomeForeignSource means the datagram came from another address
	OutcomeForeignSource
	// OutcomeChecksumInvalid means the datagram failed its checksum
	OutcomeChecksumInvalid
	// OutcomeDelivered means the datagram is the expected next segment
	OutcomeDelivered
	// OutcomeOutOfOrder means a valid segment with an unexpected sequence
	// number and no FIN: a duplicate or a reordered segment
	OutcomeOutOfOrder
	// OutcomePeerTornDown means the peer sent FIN
	OutcomePeerTornDown
)

// String returns a short name for the outcome.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeTimeout:
		return "timeout"
	case OutcomeForeignSource:
		return "foreign-source"
	case OutcomeChecksumInvalid:
		return "checksum-invalid"
	case OutcomeDelivered:
		return "delivered"
	case OutcomeOutOfOrder:
		return "out-of-order"
	case OutcomePeerTornDown:
		return "peer-torn-down"
	default:
		return "unknown"
	}
}

// Outcome is a classified receive. Datagram is nil for OutcomeTimeout.
type Outcome struct {
	Kind     OutcomeKind
	Datagram *Datagram
}

// classifyReceive turns the result of Conn.Receive into an Outcome.
// Transport errors other than a timeout are returned unchanged.
//
// The checks run in a fixed order: source, checksum, expected sequence, FIN.
// A segment that is both the expected one and carries FIN is delivered; the
// loop then waits for the next FIN.
func classifyReceive(dg *Datagram, err error, peer netip.AddrPort, requestNumber uint32) (Outcome, error) {
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return Outcome{Kind: OutcomeTimeout}, nil
		}
		return Outcome{}, err
	}

	out := Outcome{Datagram: dg}
	switch {
	case dg.From != peer:
		out.Kind = OutcomeForeignSource
	case !dg.Valid:
		out.Kind = OutcomeChecksumInvalid
	case dg.Segment.Sequence == requestNumber:
		out.Kind = OutcomeDelivered
	case dg.Segment.HasFlag(FlagFIN):
		out.Kind = OutcomePeerTornDown
	default:
		out.Kind = OutcomeOutOfOrder
	}
	return out, nil
}
