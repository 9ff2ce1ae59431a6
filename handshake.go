package udpfetch

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/samber/oops"
)

// Handshake runs the client side of the three-way handshake:
//  1. Send a SYN to the discovery address (broadcast by default)
//  2. Wait once, bounded by the handshake timeout, for a response
//  3. If it is a valid SYN-ACK, reply with a pure ACK to its source
//
// The source of the SYN-ACK becomes the session's server address. There is no
// retry: a timeout, a corrupt response or a response without SYN+ACK moves
// the session to FAILED and returns ErrHandshakeTimeout, ErrHandshakeChecksum
// or ErrHandshakeRejected respectively.
func (s *Session) Handshake(ctx context.Context) error {
	if s.state != StateInit {
		return fmt.Errorf("%w: state %s", ErrHandshakeState, s.state)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	target, err := s.discoveryTarget()
	if err != nil {
		s.setState(StateFailed)
		return err
	}

	s.log.Info().
		Str("local", s.conn.LocalAddr().String()).
		Str("target", target.String()).
		Msg("initiating three way handshake")

	if err := s.send(&Segment{Flags: FlagSYN}, target); err != nil {
		s.setState(StateFailed)
		return oops.In("handshake").With("target", target.String()).Wrapf(err, "send SYN")
	}
	s.setState(StateSynSent)

	s.conn.SetTimeout(s.cfg.HandshakeTimeout)
	dg, err := s.receive()
	if err != nil {
		s.setState(StateFailed)
		if errors.Is(err, ErrTimeout) {
			s.trace.event("SYN-ACK timeout after %s", s.cfg.HandshakeTimeout)
			return oops.In("handshake").
				With("target", target.String()).
				With("timeout", s.cfg.HandshakeTimeout.String()).
				Hint("check that a server listens on the discovery port of this segment").
				Wrapf(ErrHandshakeTimeout, "no response to SYN")
		}
		return oops.In("handshake").Wrapf(err, "wait for SYN-ACK")
	}

	if !dg.Valid {
		s.setState(StateFailed)
		return oops.In("handshake").
			With("peer", dg.From.String()).
			Wrapf(ErrHandshakeChecksum, "handshake with %s failed", dg.From)
	}

	s.log.Info().
		Str("from", dg.From.String()).
		Str("flags", dg.Segment.Flags.String()).
		Msg("handshake response received")

	if !dg.Segment.HasFlag(FlagSYN | FlagACK) {
		s.setState(StateFailed)
		return oops.In("handshake").
			With("peer", dg.From.String()).
			With("flags", dg.Segment.Flags.String()).
			Wrapf(ErrHandshakeRejected, "handshake with %s failed", dg.From)
	}

	if err := s.send(&Segment{Flags: FlagACK}, dg.From); err != nil {
		s.setState(StateFailed)
		return oops.In("handshake").With("peer", dg.From.String()).Wrapf(err, "send ACK")
	}

	s.serverAddr = dg.From
	s.log = s.log.With().Str("peer", s.serverAddr.String()).Logger()
	s.setState(StateEstablished)

	s.log.Info().Msg("handshake success")
	return nil
}

// discoveryTarget is where the SYN goes: the configured discovery address or
// the interface broadcast address, on the discovery port.
func (s *Session) discoveryTarget() (netip.AddrPort, error) {
	addr := s.conn.BroadcastAddr()
	if s.cfg.DiscoveryAddr != "" {
		parsed, err := netip.ParseAddr(s.cfg.DiscoveryAddr)
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("%w: discovery_addr: %v", ErrInvalidConfig, err)
		}
		addr = parsed
	}
	return netip.AddrPortFrom(addr, uint16(s.cfg.DiscoveryPort)), nil
}
