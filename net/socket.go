package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/unet/limits"
	"github.com/opd-ai/unet/pool"
	"github.com/opd-ai/unet/queue"
)

// readTimeout bounds each blocking read so the reader notices Close.
const readTimeout = 100 * time.Millisecond

// ErrInvalidPacket indicates a zero or already released packet was sent.
var ErrInvalidPacket = errors.New("invalid packet")

// Handler receives every datagram read from a socket. The packet carries one
// reference owned by the handler, which must Release it or pass it on.
type Handler interface {
	HandlePacket(s *Socket, p Packet)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(s *Socket, p Packet)

// HandlePacket calls f(s, p).
func (f HandlerFunc) HandlePacket(s *Socket, p Packet) { f(s, p) }

// discard is installed when no handler is set.
var discard = HandlerFunc(func(s *Socket, p Packet) { s.Release(p) })

// SocketStats is a snapshot of socket counters.
type SocketStats struct {
	Received uint64
	Sent     uint64
	Dropped  uint64
	Pool     pool.Stats
}

// Option configures a Socket.
type Option func(*Socket)

// WithPacketPool shares an existing packet pool.
func WithPacketPool(pp *PacketPool) Option {
	return func(s *Socket) { s.pool = pp }
}

// WithPoolSize sets the capacity of the socket's own packet pool.
func WithPoolSize(n int) Option {
	return func(s *Socket) { s.poolSize = n }
}

// WithHandler installs the initial receive handler.
func WithHandler(h Handler) Option {
	return func(s *Socket) { s.handler = h }
}

// Socket is a UDP socket with a pooled receive path and a queued send path.
// All methods are safe for concurrent use.
type Socket struct {
	conn     net.PacketConn
	pool     *PacketPool
	poolSize int

	mu      sync.RWMutex
	handler Handler

	sendq *queue.Queue[Packet]
	armed atomic.Bool
	wake  chan struct{}

	received atomic.Uint64
	sent     atomic.Uint64
	dropped  atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	closed    atomic.Bool
	closeOnce sync.Once
}

// Listen binds a UDP IPv4 socket on host:port. An empty host binds every
// interface and port 0 picks an ephemeral port.
func Listen(host string, port int, opts ...Option) (*Socket, error) {
	if host == "" {
		host = "0.0.0.0"
	}
	addr, err := Resolve(context.Background(), host, port)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenPacket("udp4", addr.String())
	if err != nil {
		return nil, newSocketError("listen", net.JoinHostPort(host, strconv.Itoa(port)), err)
	}

	s, err := NewSocket(conn, opts...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// NewSocket wraps an existing packet connection and starts its reader and
// writer goroutines. The socket takes ownership of conn.
func NewSocket(conn net.PacketConn, opts ...Option) (*Socket, error) {
	if conn == nil {
		return nil, newSocketError("socket", "", fmt.Errorf("%w: nil connection", ErrSocketClosed))
	}

	s := &Socket{
		conn:     conn,
		poolSize: DefaultPoolSize,
		sendq:    queue.New[Packet](),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.pool == nil {
		pp, err := NewPacketPool(s.poolSize)
		if err != nil {
			return nil, err
		}
		s.pool = pp
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.group, s.ctx = errgroup.WithContext(ctx)
	s.group.Go(func() error { return s.readLoop(s.ctx) })
	s.group.Go(func() error { return s.writeLoop(s.ctx) })

	logrus.WithFields(logrus.Fields{
		"component": "socket",
		"function":  "NewSocket",
		"local":     conn.LocalAddr().String(),
	}).Debug("Socket started")

	return s, nil
}

// Handler returns the installed receive handler, or nil.
func (s *Socket) Handler() Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handler
}

// SetHandler installs h and returns the handler it replaced. Engines use
// the returned handler to forward traffic they do not own and to restore
// it later.
func (s *Socket) SetHandler(h Handler) Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.handler
	s.handler = h
	return prev
}

// Interpose installs h in front of the current handler. link receives the
// replaced handler before h can see any packet, so h may forward to it
// without further synchronization.
func (s *Socket) Interpose(h Handler, link func(prev Handler)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	link(s.handler)
	s.handler = h
}

// CompareAndSetHandler replaces old with h only if old is still installed.
// old must be of a comparable type, such as a pointer.
func (s *Socket) CompareAndSetHandler(old, h Handler) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler != old {
		return false
	}
	s.handler = h
	return true
}

// Forward hands p to h, or releases it when h is nil.
func (s *Socket) Forward(h Handler, p Packet) {
	if h == nil {
		h = discard
	}
	h.HandlePacket(s, p)
}

// Pool returns the socket's packet pool.
func (s *Socket) Pool() *PacketPool { return s.pool }

// Alloc returns an empty packet from the socket's pool.
func (s *Socket) Alloc() (Packet, bool) { return s.pool.Alloc() }

// Retain adds a reference to p.
func (s *Socket) Retain(p Packet) bool { return s.pool.Retain(p) }

// Release drops a reference to p.
func (s *Socket) Release(p Packet) bool { return s.pool.Release(p) }

// Free returns p to the pool regardless of its references.
func (s *Socket) Free(p Packet) bool { return s.pool.Free(p) }

// BoundAddr returns the address the connection is bound to.
func (s *Socket) BoundAddr() netip.AddrPort {
	ap, _ := AddrPortOf(s.conn.LocalAddr())
	return ap
}

// LocalAddr returns the bound address with an unspecified host replaced by
// the primary interface address.
func (s *Socket) LocalAddr() netip.AddrPort {
	ap := s.BoundAddr()
	if ap.Addr().IsUnspecified() {
		if ip, err := LocalAddr(); err == nil {
			return netip.AddrPortFrom(ip, ap.Port())
		}
	}
	return ap
}

// Send queues p for transmission to p.Addr(). The socket takes its own
// reference; the caller keeps and must release its own.
func (s *Socket) Send(p Packet) error {
	if s.closed.Load() {
		return ErrSocketClosed
	}
	if !p.IsValid() || !s.pool.Retain(p) {
		return ErrInvalidPacket
	}
	s.sendq.Push(p)
	if s.closed.Load() {
		// Close may already have drained the queue.
		s.drain()
		return ErrSocketClosed
	}
	s.resumeWrite()
	return nil
}

// drain releases every queued packet.
func (s *Socket) drain() {
	for {
		p, ok := s.sendq.Pop()
		if !ok {
			return
		}
		s.pool.Release(p)
	}
}

// SendTo copies data into a new packet and queues it for addr.
func (s *Socket) SendTo(data []byte, addr netip.AddrPort) error {
	p, ok := s.Alloc()
	if !ok {
		return ErrPoolExhausted
	}
	defer s.Release(p)

	if err := p.SetData(data); err != nil {
		return err
	}
	p.SetAddr(addr)
	return s.Send(p)
}

// resumeWrite arms the writer. Only the caller that flips the flag wakes it.
func (s *Socket) resumeWrite() {
	if s.armed.CompareAndSwap(false, true) {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// Stats returns the socket counters.
func (s *Socket) Stats() SocketStats {
	return SocketStats{
		Received: s.received.Load(),
		Sent:     s.sent.Load(),
		Dropped:  s.dropped.Load(),
		Pool:     s.pool.Stats(),
	}
}

// Closed reports whether Close was called.
func (s *Socket) Closed() bool { return s.closed.Load() }

// Close stops both goroutines, closes the connection and releases queued
// packets.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		err = s.conn.Close()
		if waitErr := s.group.Wait(); waitErr != nil && err == nil {
			err = waitErr
		}
		s.drain()

		logrus.WithFields(logrus.Fields{
			"component": "socket",
			"function":  "Close",
			"received":  s.received.Load(),
			"sent":      s.sent.Load(),
			"dropped":   s.dropped.Load(),
		}).Debug("Socket closed")
	})
	return err
}

func (s *Socket) readLoop(ctx context.Context) error {
	scratch := make([]byte, limits.MaxReadBuffer)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, addr, err := s.conn.ReadFrom(scratch)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			logrus.WithFields(logrus.Fields{
				"component": "socket",
				"function":  "readLoop",
				"kind":      Classify(err).String(),
				"error":     err.Error(),
			}).Debug("Read failed")
			continue
		}

		s.deliver(scratch[:n], addr)
	}
}

func (s *Socket) deliver(data []byte, from net.Addr) {
	if len(data) == 0 || len(data) > limits.MaxPacketLen {
		s.dropped.Add(1)
		logrus.WithFields(logrus.Fields{
			"component": "socket",
			"function":  "deliver",
			"size":      len(data),
			"limit":     limits.MaxPacketLen,
		}).Debug("Dropping datagram outside size limits")
		return
	}

	src, ok := AddrPortOf(from)
	if !ok {
		s.dropped.Add(1)
		return
	}

	p, ok := s.pool.Alloc()
	if !ok {
		s.dropped.Add(1)
		return
	}
	p.buf.n = copy(p.buf.data[:], data)
	p.buf.addr = src
	s.received.Add(1)

	s.Forward(s.Handler(), p)
}

func (s *Socket) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		}
		s.flush()
	}
}

// flush drains the send queue, then disarms. A packet queued between the
// drain and the disarm is caught by the re-check.
func (s *Socket) flush() {
	for {
		for {
			p, ok := s.sendq.Pop()
			if !ok {
				break
			}
			s.write(p)
		}
		s.armed.Store(false)
		if s.sendq.IsEmpty() || !s.armed.CompareAndSwap(false, true) {
			return
		}
	}
}

func (s *Socket) write(p Packet) {
	defer s.pool.Release(p)

	dst := p.Addr()
	if !IsValidAddr(dst) || p.Len() == 0 {
		s.dropped.Add(1)
		return
	}

	if _, err := s.conn.WriteTo(p.Bytes(), UDPAddr(dst)); err != nil {
		s.dropped.Add(1)
		if s.closed.Load() {
			return
		}
		logrus.WithFields(logrus.Fields{
			"component": "socket",
			"function":  "write",
			"to":        dst.String(),
			"kind":      Classify(err).String(),
			"error":     err.Error(),
		}).Debug("Write failed")
		return
	}
	s.sent.Add(1)
}
