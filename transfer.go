package udpfetch

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/samber/oops"
)

// Receive runs the stop-and-wait receive loop until the server sends FIN,
// writing every in-order payload to w.
//
// Per receive:
//   - Timeout: resend the ACK for the last consumed segment (nothing when no
//     segment was consumed yet)
//   - Foreign source, corrupt segment, out-of-order segment: ignore, no ACK
//   - Expected sequence number: write payload, ACK it, advance
//   - FIN: send the final ACK and stop
//
// On return w holds exactly the payloads of sequence numbers
// 0..RequestNumber()-1 in order. An ACK that fails to send is treated like
// an ACK lost on the wire; a failed write aborts the transfer.
func (s *Session) Receive(ctx context.Context, w io.Writer) (*TransferStats, error) {
	if s.state != StateEstablished {
		return nil, fmt.Errorf("%w: state %s", ErrNotEstablished, s.state)
	}

	s.log.Info().Dur("listenTimeout", s.cfg.ListenTimeout).Msg("starting file transfer")
	s.conn.SetTimeout(s.cfg.ListenTimeout)

	start := time.Now()
	consecutiveTimeouts := 0

	for {
		if err := ctx.Err(); err != nil {
			return s.finishStats(start), err
		}

		dg, recvErr := s.receive()
		out, err := classifyReceive(dg, recvErr, s.serverAddr, s.requestNumber)
		if err != nil {
			return s.finishStats(start), fmt.Errorf("receive segment: %w", err)
		}

		switch {
		case out.Kind == OutcomeTimeout:
			consecutiveTimeouts++
		case out.Kind != OutcomeForeignSource:
			consecutiveTimeouts = 0
		}

		if out.Kind == OutcomeTimeout && s.cfg.MaxRetries > 0 && consecutiveTimeouts > s.cfg.MaxRetries {
			s.trace.event("retry budget of %d timeouts exhausted", s.cfg.MaxRetries)
			return s.finishStats(start), oops.In("transfer").
				With("requestNumber", s.requestNumber).
				With("maxRetries", s.cfg.MaxRetries).
				Wrapf(ErrRetryBudgetExhausted, "no segment from %s", s.serverAddr)
		}

		done, err := s.handleOutcome(out, w)
		if err != nil {
			return s.finishStats(start), err
		}
		if done {
			stats := s.finishStats(start)
			s.log.Info().Object("stats", stats).Msg("file transfer complete")
			return stats, nil
		}
	}
}

// handleOutcome applies one classified receive to the session state. It
// reports true once the peer has torn the transfer down.
func (s *Session) handleOutcome(out Outcome, w io.Writer) (bool, error) {
	switch out.Kind {
	case OutcomeTimeout:
		s.stats.Timeouts++
		s.trace.event("listen timeout, Rn=%d", s.requestNumber)
		if s.requestNumber == 0 {
			s.log.Debug().Msg("listening timeout, nothing to acknowledge yet")
			return false, nil
		}
		s.log.Warn().
			Uint32("ack", s.requestNumber-1).
			Msg("listening timeout, resending ACK")
		s.stats.Retransmissions++
		s.sendAck(s.requestNumber - 1)

	case OutcomeForeignSource:
		s.stats.Foreign++
		s.log.Debug().
			Str("from", out.Datagram.From.String()).
			Msg("segment from unexpected source, ignoring")

	case OutcomeChecksumInvalid:
		s.stats.Corrupt++
		s.log.Warn().Msg("checksum failed, ignoring segment")

	case OutcomeDelivered:
		payload := out.Datagram.Segment.Payload
		if err := writeFull(w, payload); err != nil {
			return false, fmt.Errorf("write segment %d: %w", s.requestNumber, err)
		}
		s.log.Debug().
			Uint32("seq", s.requestNumber).
			Int("bytes", len(payload)).
			Msg("sequence number match with Rn, sending ACK")
		s.sendAck(s.requestNumber)
		s.requestNumber++
		s.stats.SegmentsDelivered++
		s.stats.BytesDelivered += uint64(len(payload))

	case OutcomeOutOfOrder:
		s.stats.OutOfOrder++
		s.log.Debug().
			Uint32("seq", out.Datagram.Segment.Sequence).
			Uint32("rn", s.requestNumber).
			Msg("sequence number not equal with Rn, ignoring")

	case OutcomePeerTornDown:
		s.log.Info().Msg("FIN flag, stopping transfer and sending teardown ACK")
		s.trace.event("FIN received, Rn=%d", s.requestNumber)
		s.sendSegment(&Segment{Flags: FlagACK})
		return true, nil
	}
	return false, nil
}

// sendAck acknowledges every segment up to and including ack.
func (s *Session) sendAck(ack uint32) {
	s.sendSegment(newAckSegment(ack))
}

// sendSegment sends a control segment to the peer. A send failure is logged
// and otherwise treated as a loss, which the ARQ already repairs.
func (s *Session) sendSegment(seg *Segment) {
	if err := s.send(seg, s.serverAddr); err != nil {
		s.log.Warn().Err(err).Str("flags", seg.Flags.String()).Msg("failed to send segment")
		return
	}
	s.stats.AcksSent++
}

// finishStats stamps the duration and returns a copy of the stats.
func (s *Session) finishStats(start time.Time) *TransferStats {
	s.stats.Duration = time.Since(start)
	stats := s.stats
	return &stats
}

// writeFull writes all of p or returns an error.
func writeFull(w io.Writer, p []byte) error {
	n, err := w.Write(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return io.ErrShortWrite
	}
	return nil
}
