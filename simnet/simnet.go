package simnet

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// inboxSize is the number of datagrams a Conn buffers before dropping.
const inboxSize = 256

var (
	// ErrAddrInUse indicates Listen was called twice for one address.
	ErrAddrInUse = errors.New("simnet: address in use")

	// ErrBadAddr indicates a non-IPv4 or zero address.
	ErrBadAddr = errors.New("simnet: bad address")
)

// Datagram is one packet in flight. A Filter may modify From and To.
type Datagram struct {
	From netip.AddrPort
	To   netip.AddrPort
	Data []byte
}

// Filter inspects a datagram before delivery and returns false to drop it.
type Filter func(d *Datagram) bool

// DeliveryRecord represents a datagram event for test verification.
type DeliveryRecord struct {
	From      netip.AddrPort
	To        netip.AddrPort
	Size      int
	Delivered bool
}

// Network connects Conns by address.
type Network struct {
	mu       sync.RWMutex
	conns    map[netip.AddrPort]*Conn
	filter   Filter
	records  []DeliveryRecord
	nextPort uint16
}

// New returns an empty network.
func New() *Network {
	logrus.WithFields(logrus.Fields{
		"component": "simnet",
		"function":  "New",
	}).Debug("Creating simulated network")

	return &Network{
		conns:    make(map[netip.AddrPort]*Conn),
		nextPort: 40000,
	}
}

// SetFilter installs f. A nil filter delivers everything.
func (n *Network) SetFilter(f Filter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = f
}

// Listen attaches a Conn at addr. Port 0 picks a free port.
func (n *Network) Listen(addr netip.AddrPort) (*Conn, error) {
	ip := addr.Addr().Unmap()
	if !ip.Is4() {
		return nil, fmt.Errorf("%w: %s", ErrBadAddr, addr)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	port := addr.Port()
	if port == 0 {
		for {
			n.nextPort++
			candidate := netip.AddrPortFrom(ip, n.nextPort)
			if _, used := n.conns[candidate]; !used && n.nextPort != 0 {
				port = n.nextPort
				break
			}
		}
	}
	local := netip.AddrPortFrom(ip, port)
	if _, used := n.conns[local]; used {
		return nil, fmt.Errorf("%w: %s", ErrAddrInUse, local)
	}

	c := &Conn{
		network: n,
		addr:    local,
		inbox:   make(chan Datagram, inboxSize),
		closed:  make(chan struct{}),
	}
	n.conns[local] = c
	return c, nil
}

// MustListen is Listen for test setup; it panics on error.
func (n *Network) MustListen(addr string) *Conn {
	c, err := n.Listen(netip.MustParseAddrPort(addr))
	if err != nil {
		panic(err)
	}
	return c
}

// Records returns a copy of every datagram event so far.
func (n *Network) Records() []DeliveryRecord {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]DeliveryRecord, len(n.records))
	copy(out, n.records)
	return out
}

// CountTo returns how many datagrams were sent to addr, delivered or not.
func (n *Network) CountTo(addr netip.AddrPort) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	count := 0
	for _, r := range n.records {
		if r.To == addr {
			count++
		}
	}
	return count
}

func (n *Network) send(d Datagram) {
	n.mu.Lock()
	filter := n.filter
	n.mu.Unlock()

	delivered := filter == nil || filter(&d)

	n.mu.Lock()
	dst := n.conns[d.To]
	if dst == nil {
		delivered = false
	}
	if delivered {
		select {
		case <-dst.closed:
			delivered = false
		case dst.inbox <- d:
		default:
			delivered = false
		}
	}
	n.records = append(n.records, DeliveryRecord{
		From:      d.From,
		To:        d.To,
		Size:      len(d.Data),
		Delivered: delivered,
	})
	n.mu.Unlock()
}

func (n *Network) detach(c *Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conns[c.addr] == c {
		delete(n.conns, c.addr)
	}
}

// Conn is a net.PacketConn attached to a Network.
type Conn struct {
	network *Network
	addr    netip.AddrPort
	inbox   chan Datagram
	closed  chan struct{}
	once    sync.Once

	mu       sync.Mutex
	deadline time.Time
}

var _ net.PacketConn = (*Conn)(nil)

// ReadFrom blocks until a datagram arrives, the read deadline passes or the
// Conn is closed.
func (c *Conn) ReadFrom(b []byte) (int, net.Addr, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	var expired <-chan time.Time
	if !deadline.IsZero() {
		wait := time.Until(deadline)
		if wait <= 0 {
			return 0, nil, c.opError("read", os.ErrDeadlineExceeded)
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-c.closed:
		return 0, nil, c.opError("read", net.ErrClosed)
	case d := <-c.inbox:
		n := copy(b, d.Data)
		return n, net.UDPAddrFromAddrPort(d.From), nil
	case <-expired:
		return 0, nil, c.opError("read", os.ErrDeadlineExceeded)
	}
}

// WriteTo sends a copy of b to addr. Datagrams to unknown addresses are
// silently lost, as on a real network.
func (c *Conn) WriteTo(b []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, c.opError("write", net.ErrClosed)
	default:
	}

	to, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return 0, c.opError("write", fmt.Errorf("%w: %s", ErrBadAddr, addr))
	}

	c.network.send(Datagram{
		From: c.addr,
		To:   netip.AddrPortFrom(to.Addr().Unmap(), to.Port()),
		Data: append([]byte(nil), b...),
	})
	return len(b), nil
}

// Close detaches the Conn from its network.
func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.network.detach(c)
	})
	return nil
}

// Addr returns the local address.
func (c *Conn) Addr() netip.AddrPort { return c.addr }

// LocalAddr implements net.PacketConn.
func (c *Conn) LocalAddr() net.Addr { return net.UDPAddrFromAddrPort(c.addr) }

// SetDeadline sets the read deadline; writes never block.
func (c *Conn) SetDeadline(t time.Time) error { return c.SetReadDeadline(t) }

// SetReadDeadline implements net.PacketConn.
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	return nil
}

// SetWriteDeadline implements net.PacketConn.
func (c *Conn) SetWriteDeadline(time.Time) error { return nil }

func (c *Conn) opError(op string, err error) error {
	return &net.OpError{Op: op, Net: "udp", Addr: c.LocalAddr(), Err: err}
}
