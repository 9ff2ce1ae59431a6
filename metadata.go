package udpfetch

import (
	"bytes"
	"context"
	"errors"
)

// MetadataDelimiter separates the file name from the extension in a metadata
// payload.
const MetadataDelimiter byte = 0x04

// Metadata describes the file being transferred.
type Metadata struct {
	Filename  string
	Extension string
}

// ParseMetadata splits a metadata payload at the first MetadataDelimiter.
// Everything after it, later delimiters included, is the extension. A payload
// without a delimiter is all file name.
func ParseMetadata(payload []byte) *Metadata {
	name, ext, _ := bytes.Cut(payload, []byte{MetadataDelimiter})
	return &Metadata{Filename: string(name), Extension: string(ext)}
}

// Encode returns the metadata payload understood by ParseMetadata.
func (m *Metadata) Encode() []byte {
	out := make([]byte, 0, len(m.Filename)+1+len(m.Extension))
	out = append(out, m.Filename...)
	out = append(out, MetadataDelimiter)
	out = append(out, m.Extension...)
	return out
}

// FetchMetadata waits once, bounded by the listen timeout, for the metadata
// datagram. Missing or corrupt metadata is logged and skipped; it never stops
// the transfer. The boolean reports whether metadata was received.
//
// Only a datagram from the server carrying the metadata sequence number is
// accepted. Anything else is skipped: a data segment read here is resent by
// the server and delivered by the transfer loop.
func (s *Session) FetchMetadata(ctx context.Context) (*Metadata, bool) {
	if s.state != StateEstablished || ctx.Err() != nil {
		return nil, false
	}

	s.log.Info().Msg("fetching metadata")
	s.conn.SetTimeout(s.cfg.ListenTimeout)

	dg, err := s.receive()
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			s.log.Info().Msg("listen timeout, skipping metadata")
		} else {
			s.log.Warn().Err(err).Msg("metadata receive failed, skipping metadata")
		}
		return nil, false
	}
	if dg.From != s.serverAddr {
		s.log.Warn().Str("from", dg.From.String()).Msg("metadata from unexpected source, skipping metadata")
		return nil, false
	}
	if !dg.Valid {
		s.log.Warn().Str("from", dg.From.String()).Msg("checksum failed, metadata packet is corrupted")
		return nil, false
	}
	if dg.Segment.Sequence != metadataSequence {
		s.log.Debug().
			Uint32("seq", dg.Segment.Sequence).
			Msg("segment is not metadata, skipping metadata")
		return nil, false
	}

	md := ParseMetadata(dg.Segment.Payload)
	s.metadata = md
	s.log.Info().
		Str("filename", md.Filename).
		Str("extension", md.Extension).
		Msg("metadata received")
	return md, true
}
