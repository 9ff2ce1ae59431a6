package udpfetch

import (
	"net/netip"
	"time"
)

// Datagram is one received segment together with its source and the result
// of the checksum verification.
type Datagram struct {
	From    netip.AddrPort
	Segment *Segment
	Valid   bool
}

// Conn is the datagram transport consumed by the protocol engine.
//
// Implementations are used from a single goroutine. Receive blocks for at
// most the duration set with SetTimeout and returns an error wrapping
// ErrTimeout when nothing arrived in time.
type Conn interface {
	// Send serializes seg and transmits it to the given address.
	// Delivery is best-effort.
	Send(seg *Segment, to netip.AddrPort) error

	// Receive waits for the next datagram and decodes it.
	Receive() (*Datagram, error)

	// SetTimeout changes the bound applied to subsequent Receive calls.
	SetTimeout(d time.Duration)

	// LocalAddr returns the address peers see for this endpoint.
	LocalAddr() netip.AddrPort

	// BroadcastAddr returns the directed broadcast address of the bound
	// interface.
	BroadcastAddr() netip.Addr

	// Close releases the endpoint.
	Close() error
}
