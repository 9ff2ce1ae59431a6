// Package udpfetch implements a reliable single-file transfer over UDP.
//
// A client discovers a server with a broadcast SYN, completes a three-way
// handshake, optionally receives one metadata datagram, and then pulls the
// file with stop-and-wait ARQ: every in-order segment is written and
// acknowledged, duplicates are ignored, a receive timeout resends the last
// acknowledgement and a FIN ends the transfer.
//
// Architecture:
//   - Segment is the only wire message: a 12-byte header and a payload
//   - Conn abstracts the datagram transport (UDPConn in production, an
//     in-memory network in tests)
//   - Session owns all per-transfer state and runs each phase in turn
//   - Responder is the sending peer used by the server example
package udpfetch

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Flags is the control bitmask carried by every segment.
type Flags uint8

// Segment flags use the TCP bit positions.
const (
	// FlagFIN indicates the sender has no more data
	FlagFIN Flags = 1 << 0
	// FlagSYN requests connection setup
	FlagSYN Flags = 1 << 1
	// FlagACK marks the ack field as meaningful
	FlagACK Flags = 1 << 4
)

// String renders the set flags as e.g. "SYN|ACK". An empty set is "NONE".
func (f Flags) String() string {
	var names []string
	if f&FlagSYN != 0 {
		names = append(names, "SYN")
	}
	if f&FlagACK != 0 {
		names = append(names, "ACK")
	}
	if f&FlagFIN != 0 {
		names = append(names, "FIN")
	}
	if rest := f &^ (FlagSYN | FlagACK | FlagFIN); rest != 0 {
		names = append(names, fmt.Sprintf("0x%02x", uint8(rest)))
	}
	if len(names) == 0 {
		return "NONE"
	}
	return strings.Join(names, "|")
}

// Wire layout constants.
const (
	// HeaderLength is the size of the fixed segment header in bytes.
	HeaderLength = 12

	// MaxSegmentSize bounds a serialized segment (header + payload).
	MaxSegmentSize = 32768

	// MaxPayloadSize is the largest payload that fits in one segment.
	MaxPayloadSize = MaxSegmentSize - HeaderLength

	offsetSequence = 0
	offsetAck      = 4
	offsetFlags    = 8
	offsetReserved = 9
	offsetChecksum = 10
)

// Segment is a single protocol message.
//
// Segment format (all multi-byte integers in big-endian):
//   - Sequence: 4 bytes
//   - Ack: 4 bytes
//   - Flags: 1 byte
//   - Reserved: 1 byte (always 0)
//   - Checksum: 2 bytes
//   - Payload: variable length (everything after the header)
type Segment struct {
	Sequence uint32 // Data segment ordinal
	Ack      uint32 // Cumulative acknowledgement number
	Flags    Flags
	Checksum uint16 // Filled by Marshal, read by Unmarshal
	Payload  []byte
}

// HasFlag reports whether every bit of flag is set on the segment.
// Flags are independent, so SYN|ACK matches both HasFlag(FlagSYN) and
// HasFlag(FlagSYN|FlagACK).
func (s *Segment) HasFlag(flag Flags) bool {
	return s.Flags&flag == flag
}

// Marshal serializes the segment and stores the computed checksum in both the
// output and s.Checksum. The result is deterministic for equal inputs.
func (s *Segment) Marshal() ([]byte, error) {
	if len(s.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLarge, len(s.Payload), MaxPayloadSize)
	}

	buf := make([]byte, HeaderLength+len(s.Payload))
	binary.BigEndian.PutUint32(buf[offsetSequence:], s.Sequence)
	binary.BigEndian.PutUint32(buf[offsetAck:], s.Ack)
	buf[offsetFlags] = byte(s.Flags)
	buf[offsetReserved] = 0
	copy(buf[HeaderLength:], s.Payload)

	s.Checksum = computeChecksum(buf)
	binary.BigEndian.PutUint16(buf[offsetChecksum:], s.Checksum)

	return buf, nil
}

// Unmarshal parses a serialized segment without verifying its checksum.
// The payload is copied, so data may be reused by the caller.
func (s *Segment) Unmarshal(data []byte) error {
	if len(data) < HeaderLength {
		return fmt.Errorf("segment too short: got %d bytes, need at least %d", len(data), HeaderLength)
	}

	s.Sequence = binary.BigEndian.Uint32(data[offsetSequence:])
	s.Ack = binary.BigEndian.Uint32(data[offsetAck:])
	s.Flags = Flags(data[offsetFlags])
	s.Checksum = binary.BigEndian.Uint16(data[offsetChecksum:])

	s.Payload = nil
	if len(data) > HeaderLength {
		s.Payload = make([]byte, len(data)-HeaderLength)
		copy(s.Payload, data[HeaderLength:])
	}
	return nil
}

// Decode parses data and reports whether its checksum is valid. It never
// fails: input shorter than a header yields an empty segment and false.
// Fields of an invalid segment are exposed but must not drive protocol state.
func Decode(data []byte) (*Segment, bool) {
	seg := &Segment{}
	if err := seg.Unmarshal(data); err != nil {
		return seg, false
	}
	return seg, verifyChecksum(data)
}

// String returns a multi-line dump of the segment used by verbose output.
func (s *Segment) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "  flags    : %s\n", s.Flags)
	fmt.Fprintf(&b, "  sequence : %d\n", s.Sequence)
	fmt.Fprintf(&b, "  ack      : %d\n", s.Ack)
	fmt.Fprintf(&b, "  checksum : 0x%04x\n", s.Checksum)
	fmt.Fprintf(&b, "  payload  : %d bytes", len(s.Payload))
	return b.String()
}

// newAckSegment builds the cumulative acknowledgement for ack.
func newAckSegment(ack uint32) *Segment {
	return &Segment{Flags: FlagACK, Ack: ack}
}
