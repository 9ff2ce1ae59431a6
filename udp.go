package udpfetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/ipv4"
)

// maxDatagramSize is the largest UDP payload we are prepared to read.
const maxDatagramSize = 65535

// ListenConfig describes the local endpoint bound by Listen.
type ListenConfig struct {
	// BindIP is the local address to bind, e.g. "0.0.0.0".
	BindIP string
	// Port is the local UDP port; 0 picks an ephemeral port.
	Port int
	// InterfaceName selects the interface used for the broadcast address.
	// Empty means auto-detect.
	InterfaceName string
	// Timeout is the initial receive timeout (0 blocks forever).
	Timeout time.Duration
}

// UDPConn is the production Conn over an IPv4 UDP socket with broadcast
// enabled.
//
// Design decisions:
//   - SO_BROADCAST is set before bind through net.ListenConfig.Control
//   - Reads go through x/net/ipv4 so the destination address of every
//     datagram is known (broadcast vs unicast deliveries show up in traces)
//   - A single reusable read buffer, since Conn is single-goroutine
type UDPConn struct {
	conn      *net.UDPConn
	pc        *ipv4.PacketConn
	iface     string
	local     netip.AddrPort
	broadcast netip.Addr
	timeout   time.Duration
	buf       []byte
}

// Listen binds a UDP endpoint as described by cfg.
//
// When cfg.InterfaceName is set it must exist and carry an IPv4 address.
// Otherwise the first broadcast-capable interface is used, falling back to
// the limited broadcast address 255.255.255.255.
func Listen(ctx context.Context, cfg ListenConfig) (*UDPConn, error) {
	lc := net.ListenConfig{Control: enableBroadcast}
	address := net.JoinHostPort(cfg.BindIP, strconv.Itoa(cfg.Port))

	pconn, err := lc.ListenPacket(ctx, "udp4", address)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", address, err)
	}
	udpConn, ok := pconn.(*net.UDPConn)
	if !ok {
		pconn.Close()
		return nil, fmt.Errorf("bind %s: unexpected connection type %T", address, pconn)
	}

	bound := udpConn.LocalAddr().(*net.UDPAddr).AddrPort()
	c := &UDPConn{
		conn:      udpConn,
		pc:        ipv4.NewPacketConn(udpConn),
		local:     netip.AddrPortFrom(bound.Addr().Unmap(), bound.Port()),
		broadcast: limitedBroadcast,
		timeout:   cfg.Timeout,
		buf:       make([]byte, maxDatagramSize),
	}

	info, err := resolveInterface(cfg.InterfaceName)
	switch {
	case err != nil && cfg.InterfaceName != "":
		udpConn.Close()
		return nil, err
	case err != nil:
		log.Warn().
			Err(err).
			Str("broadcast", limitedBroadcast.String()).
			Msg("no interface detected, using limited broadcast")
	default:
		c.iface = info.Name
		c.broadcast = info.Broadcast
		if c.local.Addr().IsUnspecified() {
			c.local = netip.AddrPortFrom(info.Prefix.Addr(), c.local.Port())
		}
	}

	if err := c.pc.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
		// Not supported everywhere; only traces lose detail.
		log.Debug().Err(err).Msg("control messages unavailable")
	}

	log.Debug().
		Str("local", c.local.String()).
		Str("interface", c.iface).
		Str("broadcast", c.broadcast.String()).
		Msg("udp endpoint bound")

	return c, nil
}

// Send implements Conn.
func (c *UDPConn) Send(seg *Segment, to netip.AddrPort) error {
	data, err := seg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal segment: %w", err)
	}
	if _, err := c.pc.WriteTo(data, nil, net.UDPAddrFromAddrPort(to)); err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	return nil
}

// Receive implements Conn.
func (c *UDPConn) Receive() (*Datagram, error) {
	var deadline time.Time
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if err := c.pc.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	n, cm, src, err := c.pc.ReadFrom(c.buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
		}
		return nil, fmt.Errorf("receive: %w", err)
	}

	udpAddr, ok := src.(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("receive: unexpected source address type %T", src)
	}
	from := udpAddr.AddrPort()
	from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())

	if cm != nil {
		log.Trace().
			Str("from", from.String()).
			Str("dst", cm.Dst.String()).
			Int("ifIndex", cm.IfIndex).
			Int("bytes", n).
			Msg("datagram received")
	}

	seg, valid := Decode(c.buf[:n])
	return &Datagram{From: from, Segment: seg, Valid: valid}, nil
}

// SetTimeout implements Conn.
func (c *UDPConn) SetTimeout(d time.Duration) {
	c.timeout = d
}

// LocalAddr implements Conn.
func (c *UDPConn) LocalAddr() netip.AddrPort {
	return c.local
}

// BroadcastAddr implements Conn.
func (c *UDPConn) BroadcastAddr() netip.Addr {
	return c.broadcast
}

// Interface returns the name of the interface used for broadcast, or "" when
// none was detected.
func (c *UDPConn) Interface() string {
	return c.iface
}

// Close implements Conn.
func (c *UDPConn) Close() error {
	return c.pc.Close()
}
