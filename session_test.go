package udpfetch

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRunClosesConnOnFailure verifies the connection is released when the
// handshake fails.
func TestRunClosesConnOnFailure(t *testing.T) {
	network := newMemNetwork()
	client := network.endpoint(t, clientAddr.String())

	cfg := testConfig()
	cfg.HandshakeTimeout = 10 * time.Millisecond
	s := NewSession(client, cfg)

	err := s.Run(context.Background(), &bytes.Buffer{})
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.True(t, client.isClosed())
	assert.Contains(t, s.Trace(), "SYN-ACK timeout")
}

// TestSessionVerboseOutput verifies segment dumps and payload hex dumps.
func TestSessionVerboseOutput(t *testing.T) {
	cfg := testConfig()
	cfg.ShowSegments = true
	cfg.ShowPayload = true
	s, client, _ := establishedSession(t, cfg)

	var logs bytes.Buffer
	s.log = zerolog.New(&logs)

	client.inject(t, serverAddr, &Segment{Sequence: 0, Payload: []byte("hi")})
	client.inject(t, serverAddr, &Segment{Sequence: 0, Flags: FlagFIN})

	_, err := s.Receive(context.Background(), &bytes.Buffer{})
	require.NoError(t, err)

	out := logs.String()
	assert.Contains(t, out, "segment information")
	assert.Contains(t, out, "sequence : 0")
	assert.Contains(t, out, "payload in hexadecimal")
	assert.Contains(t, out, "68 69", "hex dump of \"hi\"")
}

// TestSessionWithoutTrace verifies a zero trace size disables the trace.
func TestSessionWithoutTrace(t *testing.T) {
	cfg := testConfig()
	cfg.TraceSize = 0
	s, _, _ := establishedSession(t, cfg)

	assert.Empty(t, s.Trace())
}
