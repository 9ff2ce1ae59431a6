package udpfetch

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listenLoopback(t *testing.T) *UDPConn {
	t.Helper()
	conn, err := Listen(context.Background(), ListenConfig{BindIP: "127.0.0.1", Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// TestUDPConnSendReceive verifies segments cross a real socket intact.
func TestUDPConnSendReceive(t *testing.T) {
	a := listenLoopback(t)
	b := listenLoopback(t)

	require.True(t, a.LocalAddr().Addr().IsLoopback())
	require.NotZero(t, a.LocalAddr().Port())
	require.True(t, a.BroadcastAddr().Is4())

	seg := &Segment{Sequence: 9, Ack: 8, Flags: FlagACK, Payload: []byte("over the wire")}
	require.NoError(t, a.Send(seg, b.LocalAddr()))

	dg, err := b.Receive()
	require.NoError(t, err)
	assert.True(t, dg.Valid)
	assert.Equal(t, a.LocalAddr(), dg.From)
	assert.Equal(t, seg.Sequence, dg.Segment.Sequence)
	assert.Equal(t, seg.Ack, dg.Segment.Ack)
	assert.Equal(t, seg.Flags, dg.Segment.Flags)
	assert.Equal(t, seg.Payload, dg.Segment.Payload)
}

// TestUDPConnReceiveTimeout verifies a read deadline surfaces as ErrTimeout.
func TestUDPConnReceiveTimeout(t *testing.T) {
	c := listenLoopback(t)
	c.SetTimeout(20 * time.Millisecond)

	start := time.Now()
	_, err := c.Receive()
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

// TestUDPConnCorruptDatagram verifies corrupt bytes decode as invalid instead of failing.
func TestUDPConnCorruptDatagram(t *testing.T) {
	c := listenLoopback(t)

	raw, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(c.LocalAddr()))
	require.NoError(t, err)
	defer raw.Close()

	_, err = raw.Write([]byte{0xde, 0xad, 0xbe, 0xef})
	require.NoError(t, err)

	dg, err := c.Receive()
	require.NoError(t, err)
	assert.False(t, dg.Valid)
}

// TestUDPConnClosed verifies Receive fails once the socket is closed.
func TestUDPConnClosed(t *testing.T) {
	c, err := Listen(context.Background(), ListenConfig{BindIP: "127.0.0.1"})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = c.Receive()
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrTimeout))
}

// TestListenUnknownInterface verifies a named interface must exist.
func TestListenUnknownInterface(t *testing.T) {
	_, err := Listen(context.Background(), ListenConfig{BindIP: "127.0.0.1", InterfaceName: "does-not-exist0"})
	assert.Error(t, err)
}

// TestUDPLoopbackTransfer runs a full session against a responder on loopback.
func TestUDPLoopbackTransfer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server := listenLoopback(t)
	client := listenLoopback(t)

	payload := bytes.Repeat([]byte("udpfetch "), 4000)
	rcfg := DefaultResponderConfig()
	rcfg.RetransmitTimeout = 300 * time.Millisecond
	rcfg.Metadata = &Metadata{Filename: "loop", Extension: "dat"}
	_, done := startResponder(ctx, server, rcfg, payload)

	cfg := testConfig()
	cfg.DiscoveryAddr = "127.0.0.1"
	cfg.DiscoveryPort = int(server.LocalAddr().Port())
	cfg.ListenTimeout = 100 * time.Millisecond
	cfg.MaxRetries = 50

	session := NewSession(client, cfg)
	var out bytes.Buffer
	require.NoError(t, session.Run(ctx, &out))
	require.NoError(t, (<-done).err)

	assert.Equal(t, payload, out.Bytes())
	assert.Equal(t, netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), server.LocalAddr().Port()), session.ServerAddr())
	require.NotNil(t, session.Metadata())
	assert.Equal(t, "loop", session.Metadata().Filename)
}
