package udpfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/netip"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/oops"
)

// metadataSequence is the sequence number of the metadata datagram. A client
// that missed the metadata step sees it as out of order and drops it.
const metadataSequence = math.MaxUint32

// Responder is the sending peer of a transfer: it answers the first SYN,
// optionally sends metadata, then pushes a stream one segment at a time,
// resending each until the client acknowledges it, and finishes with FIN.
//
// Design decisions:
//   - The SYN-ACK is never resent. A client only accepts one handshake
//     response, so a lost handshake ACK is simply not waited for
//   - Retransmission is deadline based: stale ACKs arriving in between do
//     not postpone the resend
//   - The FIN uses the last data sequence number so it can never match the
//     client's request number
type Responder struct {
	conn   Conn
	cfg    *ResponderConfig
	access *accessFilter
	log    zerolog.Logger
	client netip.AddrPort
	stats  TransferStats
}

// NewResponder creates a responder over conn. A nil cfg uses
// DefaultResponderConfig. The caller keeps ownership of conn.
func NewResponder(conn Conn, cfg *ResponderConfig) *Responder {
	if cfg == nil {
		cfg = DefaultResponderConfig()
	}
	return &Responder{
		conn:   conn,
		cfg:    cfg,
		access: newAccessFilter(cfg.Access),
		log:    log.With().Str("role", "responder").Logger(),
	}
}

// Client returns the address of the client being served.
func (r *Responder) Client() netip.AddrPort { return r.client }

// Serve waits for a client and transfers everything read from src to it.
func (r *Responder) Serve(ctx context.Context, src io.Reader) (*TransferStats, error) {
	if err := r.cfg.Validate(); err != nil {
		return nil, err
	}

	if err := r.accept(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	finish := func() *TransferStats {
		r.stats.Duration = time.Since(start)
		stats := r.stats
		return &stats
	}

	if r.cfg.Metadata != nil {
		md := &Segment{Sequence: metadataSequence, Payload: r.cfg.Metadata.Encode()}
		if err := r.conn.Send(md, r.client); err != nil {
			return finish(), fmt.Errorf("send metadata: %w", err)
		}
		r.log.Debug().Str("filename", r.cfg.Metadata.Filename).Msg("metadata sent")
	}

	buf := make([]byte, r.cfg.ChunkSize)
	var seq uint32
	for {
		n, readErr := io.ReadFull(src, buf)
		if n > 0 {
			seg := &Segment{Sequence: seq, Payload: append([]byte(nil), buf[:n]...)}
			if err := r.deliver(ctx, seg, dataAck(seq)); err != nil {
				return finish(), oops.In("responder").
					With("client", r.client.String()).
					With("seq", seq).
					Wrapf(err, "deliver segment")
			}
			r.stats.SegmentsDelivered++
			r.stats.BytesDelivered += uint64(n)
			seq++
		}
		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}
		if readErr != nil {
			return finish(), fmt.Errorf("read source: %w", readErr)
		}
	}

	fin := &Segment{Flags: FlagFIN, Sequence: seq - 1}
	if err := r.deliver(ctx, fin, isTeardownAck); err != nil {
		if errors.Is(err, ErrPeerUnresponsive) {
			err = ErrTeardownUnacknowledged
		}
		return finish(), oops.In("responder").With("client", r.client.String()).Wrapf(err, "teardown")
	}

	stats := finish()
	r.log.Info().Object("stats", stats).Msg("transfer complete")
	return stats, nil
}

// accept waits for a SYN from any address, replies SYN-ACK and gives the
// client one retransmission timeout to send its ACK.
func (r *Responder) accept(ctx context.Context) error {
	r.log.Info().Str("local", r.conn.LocalAddr().String()).Msg("waiting for SYN")
	r.conn.SetTimeout(r.cfg.RetransmitTimeout)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		dg, err := r.conn.Receive()
		if errors.Is(err, ErrTimeout) {
			continue
		}
		if err != nil {
			return fmt.Errorf("wait for SYN: %w", err)
		}
		if dg.Valid && dg.Segment.HasFlag(FlagSYN) && !dg.Segment.HasFlag(FlagACK) {
			if r.access.CheckAndLog(dg.From) != nil {
				continue
			}
			r.client = dg.From
			break
		}
		r.log.Debug().
			Str("from", dg.From.String()).
			Bool("valid", dg.Valid).
			Msg("ignoring non-SYN segment while listening")
	}

	r.log = r.log.With().Str("client", r.client.String()).Logger()
	if err := r.conn.Send(&Segment{Flags: FlagSYN | FlagACK}, r.client); err != nil {
		return fmt.Errorf("send SYN-ACK: %w", err)
	}

	dg, err := r.conn.Receive()
	switch {
	case err != nil && !errors.Is(err, ErrTimeout):
		return fmt.Errorf("wait for handshake ACK: %w", err)
	case err != nil:
		r.log.Warn().Msg("handshake ACK not received, continuing")
	case dg.From == r.client && dg.Valid && dg.Segment.HasFlag(FlagACK):
		r.log.Info().Msg("handshake complete")
	default:
		r.log.Warn().Str("from", dg.From.String()).Msg("unexpected handshake reply, continuing")
	}
	return nil
}

// ackMatcher reports whether a valid segment from the client acknowledges
// the segment being delivered.
type ackMatcher func(seg *Segment) bool

// dataAck matches the cumulative ACK for seq.
func dataAck(seq uint32) ackMatcher {
	return func(seg *Segment) bool {
		return seg.HasFlag(FlagACK) && seg.Ack == seq
	}
}

// isTeardownAck matches the client's plain ACK to FIN.
func isTeardownAck(seg *Segment) bool {
	return seg.HasFlag(FlagACK) && seg.Ack == 0
}

// deliver sends seg and resends it every retransmission timeout until
// matched accepts a reply or MaxRetries resends went unanswered.
func (r *Responder) deliver(ctx context.Context, seg *Segment, matched ackMatcher) error {
	if err := r.conn.Send(seg, r.client); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	deadline := time.Now().Add(r.cfg.RetransmitTimeout)
	retries := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			if retries >= r.cfg.MaxRetries {
				return fmt.Errorf("%w after %d resends", ErrPeerUnresponsive, retries)
			}
			retries++
			r.stats.Retransmissions++
			r.log.Debug().
				Uint32("seq", seg.Sequence).
				Str("flags", seg.Flags.String()).
				Int("retry", retries).
				Msg("ACK timeout, resending segment")
			if err := r.conn.Send(seg, r.client); err != nil {
				return fmt.Errorf("resend: %w", err)
			}
			deadline = time.Now().Add(r.cfg.RetransmitTimeout)
			continue
		}

		r.conn.SetTimeout(remaining)
		dg, err := r.conn.Receive()
		switch {
		case errors.Is(err, ErrTimeout):
			r.stats.Timeouts++
		case err != nil:
			return fmt.Errorf("receive ACK: %w", err)
		case dg.From != r.client:
			r.stats.Foreign++
		case !dg.Valid:
			r.stats.Corrupt++
			r.log.Debug().Msg("checksum failed on ACK, ignoring")
		case matched(dg.Segment):
			return nil
		default:
			r.stats.OutOfOrder++
			r.log.Trace().
				Uint32("ack", dg.Segment.Ack).
				Uint32("waiting", seg.Sequence).
				Msg("ignoring stale ACK")
		}
	}
}
