package udpfetch

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"sync"
	"testing"
	"time"
)

// memNetwork is an in-memory datagram network for tests. Endpoints exchange
// serialized segments, so the codec and checksum run exactly as over UDP.
type memNetwork struct {
	mu        sync.Mutex
	endpoints map[netip.AddrPort]*memConn
	broadcast netip.Addr
}

func newMemNetwork() *memNetwork {
	return &memNetwork{
		endpoints: make(map[netip.AddrPort]*memConn),
		broadcast: netip.MustParseAddr("10.0.0.255"),
	}
}

// endpoint registers a new endpoint. Datagrams sent to it before it is read
// are queued.
func (n *memNetwork) endpoint(t *testing.T, addr string) *memConn {
	t.Helper()
	c := &memConn{
		network: n,
		addr:    netip.MustParseAddrPort(addr),
		inbox:   make(chan memPacket, 1024),
		timeout: time.Second,
	}
	n.mu.Lock()
	n.endpoints[c.addr] = c
	n.mu.Unlock()
	t.Cleanup(func() { c.Close() })
	return c
}

// route hands data to every endpoint addressed by to. Unknown destinations
// swallow the datagram like UDP would.
func (n *memNetwork) route(from, to netip.AddrPort, data []byte) {
	n.mu.Lock()
	var targets []*memConn
	if to.Addr() == n.broadcast {
		for addr, c := range n.endpoints {
			if addr.Port() == to.Port() && addr != from {
				targets = append(targets, c)
			}
		}
	} else if c, ok := n.endpoints[to]; ok {
		targets = append(targets, c)
	}
	n.mu.Unlock()

	for _, c := range targets {
		c.enqueue(from, data)
	}
}

type memPacket struct {
	from netip.AddrPort
	data []byte
}

// memConn implements Conn on a memNetwork.
type memConn struct {
	network *memNetwork
	addr    netip.AddrPort
	inbox   chan memPacket
	timeout time.Duration
	impair  *impairment // applied to outgoing datagrams, may be nil

	mu     sync.Mutex
	sent   []*Segment
	closed bool
}

func (c *memConn) Send(seg *Segment, to netip.AddrPort) error {
	data, err := seg.Marshal()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("send on closed endpoint %s", c.addr)
	}
	copied := *seg
	c.sent = append(c.sent, &copied)
	c.mu.Unlock()

	deliver := func(b []byte) { c.network.route(c.addr, to, b) }
	if c.impair != nil {
		c.impair.apply(data, deliver)
		return nil
	}
	deliver(data)
	return nil
}

func (c *memConn) Receive() (*Datagram, error) {
	var expired <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case pkt := <-c.inbox:
		seg, valid := Decode(pkt.data)
		return &Datagram{From: pkt.from, Segment: seg, Valid: valid}, nil
	case <-expired:
		return nil, fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
	}
}

func (c *memConn) SetTimeout(d time.Duration) { c.timeout = d }

func (c *memConn) LocalAddr() netip.AddrPort { return c.addr }

func (c *memConn) BroadcastAddr() netip.Addr { return c.network.broadcast }

func (c *memConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.network.mu.Lock()
	delete(c.network.endpoints, c.addr)
	c.network.mu.Unlock()
	return nil
}

func (c *memConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// enqueue queues a datagram, dropping it when the inbox is full.
func (c *memConn) enqueue(from netip.AddrPort, data []byte) {
	select {
	case c.inbox <- memPacket{from: from, data: data}:
	default:
	}
}

// inject queues seg as if it had been sent by from.
func (c *memConn) inject(t *testing.T, from netip.AddrPort, seg *Segment) {
	t.Helper()
	data, err := seg.Marshal()
	if err != nil {
		t.Fatalf("marshal injected segment: %v", err)
	}
	c.enqueue(from, data)
}

// injectRaw queues raw bytes as if they had been sent by from.
func (c *memConn) injectRaw(from netip.AddrPort, data []byte) {
	c.enqueue(from, append([]byte(nil), data...))
}

// drain returns every queued datagram without blocking.
func (c *memConn) drain() []*Datagram {
	var out []*Datagram
	for {
		select {
		case pkt := <-c.inbox:
			seg, valid := Decode(pkt.data)
			out = append(out, &Datagram{From: pkt.from, Segment: seg, Valid: valid})
		default:
			return out
		}
	}
}

// sentSegments returns a copy of every segment sent through c.
func (c *memConn) sentSegments() []*Segment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Segment(nil), c.sent...)
}

// impairment degrades outgoing datagrams: it drops, duplicates, reorders and
// corrupts them with the configured probabilities. The first skip datagrams
// pass untouched so handshakes can be kept clean.
type impairment struct {
	mu      sync.Mutex
	rng     *rand.Rand
	skip    int
	drop    float64
	dup     float64
	reorder float64
	corrupt float64

	held  []byte
	timer *time.Timer
}

func newImpairment(seed uint64) *impairment {
	return &impairment{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (im *impairment) apply(data []byte, deliver func([]byte)) {
	im.mu.Lock()
	if im.skip > 0 {
		im.skip--
		im.mu.Unlock()
		deliver(data)
		return
	}

	if im.rng.Float64() < im.drop {
		im.mu.Unlock()
		return
	}
	if im.rng.Float64() < im.corrupt {
		data = append([]byte(nil), data...)
		bit := im.rng.IntN(len(data) * 8)
		data[bit/8] ^= 1 << (bit % 8)
	}
	copies := 1
	if im.rng.Float64() < im.dup {
		copies = 2
	}

	var release []byte
	if im.held != nil {
		// Deliver the current datagram first, then the one held back.
		release = im.held
		im.held = nil
		im.timer.Stop()
	} else if im.rng.Float64() < im.reorder {
		im.held = data
		im.timer = time.AfterFunc(5*time.Millisecond, func() {
			im.mu.Lock()
			held := im.held
			im.held = nil
			im.mu.Unlock()
			if held != nil {
				deliver(held)
			}
		})
		im.mu.Unlock()
		return
	}
	im.mu.Unlock()

	for i := 0; i < copies; i++ {
		deliver(data)
	}
	if release != nil {
		deliver(release)
	}
}

var (
	serverAddr = netip.MustParseAddrPort("10.0.0.1:5000")
	clientAddr = netip.MustParseAddrPort("10.0.0.2:40000")
	strayAddr  = netip.MustParseAddrPort("10.0.0.66:5000")
)

// testConfig returns a client configuration with short timeouts.
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.HandshakeTimeout = 200 * time.Millisecond
	cfg.ListenTimeout = 20 * time.Millisecond
	cfg.TraceSize = 4096
	return cfg
}

// establishedSession returns a session that completed its handshake with
// serverAddr, plus the server-side endpoint with the handshake datagrams
// already drained.
func establishedSession(t *testing.T, cfg *Config) (*Session, *memConn, *memConn) {
	t.Helper()
	network := newMemNetwork()
	server := network.endpoint(t, serverAddr.String())
	client := network.endpoint(t, clientAddr.String())

	client.inject(t, serverAddr, &Segment{Flags: FlagSYN | FlagACK})
	s := NewSession(client, cfg)
	if err := s.Handshake(context.Background()); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	server.drain()
	return s, client, server
}
