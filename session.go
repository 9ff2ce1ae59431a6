package udpfetch

import (
	"context"
	"encoding/hex"
	"io"
	"net/netip"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Session owns the state of one file transfer from a single server.
//
// A session runs its phases in order on the calling goroutine:
//  1. Handshake: broadcast SYN, accept the first SYN-ACK, reply ACK
//  2. FetchMetadata (optional): one datagram carrying the source file name
//  3. Receive: stop-and-wait ARQ until the server sends FIN
//
// The server address is set once by the handshake and never changes. The
// request number starts at 0 and grows by one per in-order segment.
// No locking is needed because a session is never shared between goroutines.
type Session struct {
	cfg   *Config
	conn  Conn
	id    ulid.ULID
	log   zerolog.Logger
	trace *traceRecorder

	state         HandshakeState
	serverAddr    netip.AddrPort
	requestNumber uint32
	metadata      *Metadata
	stats         TransferStats
}

// NewSession creates a session over conn. A nil cfg uses DefaultConfig.
// The session takes ownership of conn; Run closes it.
func NewSession(conn Conn, cfg *Config) *Session {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	id := ulid.Make()
	return &Session{
		cfg:   cfg,
		conn:  conn,
		id:    id,
		log:   log.With().Str("session", id.String()).Logger(),
		trace: newTraceRecorder(cfg.TraceSize),
		state: StateInit,
	}
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string { return s.id.String() }

// State returns the handshake state.
func (s *Session) State() HandshakeState { return s.state }

// ServerAddr returns the established peer, or the zero value before the
// handshake succeeds.
func (s *Session) ServerAddr() netip.AddrPort { return s.serverAddr }

// RequestNumber returns the sequence number expected next.
func (s *Session) RequestNumber() uint32 { return s.requestNumber }

// Metadata returns the metadata received before the transfer, if any.
func (s *Session) Metadata() *Metadata { return s.metadata }

// Stats returns the transfer counters collected so far.
func (s *Session) Stats() TransferStats { return s.stats }

// Trace returns the recent segment events, oldest first.
func (s *Session) Trace() string { return s.trace.String() }

// Run performs the whole exchange and writes the file to w. The connection
// is closed on every return path.
func (s *Session) Run(ctx context.Context, w io.Writer) error {
	defer func() {
		if err := s.conn.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close connection")
		}
	}()

	if err := s.Handshake(ctx); err != nil {
		return err
	}

	if s.cfg.FetchMetadata {
		s.FetchMetadata(ctx)
	}

	if _, err := s.Receive(ctx, w); err != nil {
		return err
	}
	return nil
}

// send transmits seg and records it in the trace.
func (s *Session) send(seg *Segment, to netip.AddrPort) error {
	if err := s.conn.Send(seg, to); err != nil {
		return err
	}
	s.trace.segment("TX", to, seg, true)
	return nil
}

// receive waits for one datagram, recording and optionally printing it.
func (s *Session) receive() (*Datagram, error) {
	dg, err := s.conn.Receive()
	if err != nil {
		return nil, err
	}
	s.trace.segment("RX", dg.From, dg.Segment, dg.Valid)
	s.observe(dg)
	return dg, nil
}

// observe prints segment details when verbose output is enabled.
func (s *Session) observe(dg *Datagram) {
	if s.cfg.ShowSegments {
		s.log.Info().
			Str("from", dg.From.String()).
			Bool("valid", dg.Valid).
			Msg("segment information:\n" + dg.Segment.String())
	}
	if s.cfg.ShowPayload {
		s.log.Info().
			Str("from", dg.From.String()).
			Int("bytes", len(dg.Segment.Payload)).
			Msg("payload in hexadecimal:\n" + hex.Dump(dg.Segment.Payload))
	}
}

// setState transitions the handshake state with logging.
func (s *Session) setState(newState HandshakeState) {
	oldState := s.state
	s.state = newState

	s.log.Debug().
		Str("from", oldState.String()).
		Str("to", newState.String()).
		Msg("state transition")
}
