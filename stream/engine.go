package stream

import (
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/unet/dispatch"
	"github.com/opd-ai/unet/list"
	unet "github.com/opd-ai/unet/net"
	"github.com/opd-ai/unet/protocol"
)

const (
	// TickInterval is the engine update period, one tick per update at the
	// highest send rate.
	TickInterval = time.Second / GoodRate

	// DefaultTimeout is how long a stream may stay silent before it times out.
	DefaultTimeout = 5 * time.Second

	// DefaultStatusInterval is the period of the per-stream status log.
	DefaultStatusInterval = 5 * time.Second

	tickDelta float32 = 1.0 / GoodRate
)

var (
	// ErrMissingCallback indicates a mandatory Handler callback is nil.
	ErrMissingCallback = errors.New("stream: missing callback")

	// ErrClosed indicates the engine is closed.
	ErrClosed = errors.New("stream: engine closed")
)

// State is the state of one stream.
type State int

const (
	Waiting State = iota
	Connected
	Disconnected
	Timeout
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "Waiting"
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	case Timeout:
		return "Timeout"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Handler holds the engine callbacks. They run on the engine queue and may
// call Add, Remove, Suspend and Resume, but nothing that waits on the
// queue.
type Handler struct {
	// OnUpdate fills the object broadcast to every stream. Mandatory.
	OnUpdate func(obj *Object)
	// OnReceive gets the payload of every accepted packet. data is only
	// valid during the call. Mandatory.
	OnReceive func(from netip.AddrPort, data []byte)
	// OnTimeout reports a stream that stayed silent too long. Mandatory.
	OnTimeout func(addr netip.AddrPort)
	// OnSuspend reports that the update timer stopped.
	OnSuspend func()
}

// Option configures an Engine.
type Option func(*Engine)

// WithTimeout sets how long a stream may stay silent.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = float32(d.Seconds()) }
}

// WithStatusInterval sets the period of the status log.
func WithStatusInterval(d time.Duration) Option {
	return func(e *Engine) { e.statusInterval = float32(d.Seconds()) }
}

// WithTimeProvider sets the clock driving the update timer.
func WithTimeProvider(tp dispatch.TimeProvider) Option {
	return func(e *Engine) { e.tp = tp }
}

type stream struct {
	addr        netip.AddrPort
	state       State
	reliability *Reliability
	flow        *Flow

	timeoutAccumulator float32
	updateAccumulator  float32
}

func newStream(addr netip.AddrPort) *stream {
	return &stream{
		addr:        addr,
		state:       Waiting,
		reliability: NewReliability(),
		flow:        NewFlow(),
	}
}

// Info is a snapshot of one stream.
type Info struct {
	Addr  netip.AddrPort
	State State
	Mode  Mode
	Stats ReliabilityStats
}

func (i Info) String() string {
	return fmt.Sprintf("%s %s: %s, flow = %s", i.Addr, i.State, i.Stats, i.Mode)
}

// Engine streams one application object to a set of peers on a fixed
// tick. It installs itself as the socket handler and forwards every
// datagram that is not a stream packet to the handler it replaced.
type Engine struct {
	socket  *unet.Socket
	prev    unet.Handler
	handler Handler
	queue   *dispatch.Queue
	tp      dispatch.TimeProvider
	ticker  *dispatch.Ticker

	timeout        float32
	statusInterval float32

	closed atomic.Bool

	// Owned by queue.
	streams        *list.List[*stream]
	object         *Object
	logAccumulator float32
}

// NewEngine attaches a stream engine to socket. The update timer stays
// suspended until the first stream is added.
func NewEngine(socket *unet.Socket, handler Handler, opts ...Option) (*Engine, error) {
	if handler.OnUpdate == nil || handler.OnReceive == nil || handler.OnTimeout == nil {
		return nil, ErrMissingCallback
	}

	e := &Engine{
		socket:         socket,
		handler:        handler,
		queue:          dispatch.NewQueue("stream"),
		timeout:        float32(DefaultTimeout.Seconds()),
		statusInterval: float32(DefaultStatusInterval.Seconds()),
		streams:        list.New[*stream](4),
		object:         NewObject(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ticker = dispatch.NewTicker(e.queue, e.tp, TickInterval, e.tick)
	socket.Interpose(e, func(prev unet.Handler) { e.prev = prev })

	logrus.WithFields(logrus.Fields{
		"component": "stream",
		"function":  "NewEngine",
		"local":     socket.LocalAddr().String(),
		"timeout":   seconds(e.timeout).String(),
	}).Debug("Stream engine attached")

	return e, nil
}

func (e *Engine) find(addr netip.AddrPort) (*stream, bool) {
	return e.streams.Find(func(s *stream) bool { return s.addr == addr })
}

// Add starts streaming to addr. Adding a known address is a no-op.
func (e *Engine) Add(addr netip.AddrPort) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if !unet.IsValidAddr(addr) {
		return fmt.Errorf("stream: invalid address %s", addr)
	}
	if !e.queue.Async(func() { e.add(addr) }) {
		return ErrClosed
	}
	return nil
}

func (e *Engine) add(addr netip.AddrPort) *stream {
	if s, ok := e.find(addr); ok {
		return s
	}
	s := newStream(addr)
	e.streams.Add(s)
	logrus.WithFields(logrus.Fields{
		"component": "stream",
		"function":  "Add",
		"remote":    addr.String(),
		"streams":   e.streams.Len(),
	}).Debug("Stream added")
	e.resume()
	return s
}

// Remove stops streaming to addr. The update timer is suspended when the
// last stream goes. Removing an unknown address is a no-op.
func (e *Engine) Remove(addr netip.AddrPort) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if !e.queue.Async(func() { e.remove(addr) }) {
		return ErrClosed
	}
	return nil
}

func (e *Engine) remove(addr netip.AddrPort) {
	log := logrus.WithFields(logrus.Fields{
		"component": "stream",
		"function":  "Remove",
		"remote":    addr.String(),
	})
	s, ok := e.find(addr)
	if !ok {
		log.Debug("No stream for address")
		return
	}
	s.state = Disconnected
	e.streams.Remove(s)
	log.WithField("streams", e.streams.Len()).Debug("Stream removed")
	if e.streams.IsEmpty() {
		e.suspend()
	}
}

// Exists reports whether a stream to addr is registered. It must not be
// called from a Handler callback.
func (e *Engine) Exists(addr netip.AddrPort) bool {
	found := false
	e.queue.Sync(func() { _, found = e.find(addr) })
	return found
}

// IsEmpty reports whether no stream is registered. It must not be called
// from a Handler callback.
func (e *Engine) IsEmpty() bool {
	empty := true
	e.queue.Sync(func() { empty = e.streams.IsEmpty() })
	return empty
}

// Streams returns a snapshot of every stream. It must not be called from
// a Handler callback.
func (e *Engine) Streams() []Info {
	var infos []Info
	e.queue.Sync(func() {
		e.streams.Each(func(s *stream) { infos = append(infos, s.info()) })
	})
	return infos
}

// Active reports whether the update timer is running.
func (e *Engine) Active() bool { return e.ticker.Active() }

// Suspend stops the update timer and reports it through OnSuspend.
// Streams stay registered.
func (e *Engine) Suspend() {
	e.queue.Async(e.suspend)
}

func (e *Engine) suspend() {
	if !e.ticker.Active() {
		return
	}
	e.ticker.Suspend()
	logrus.WithFields(logrus.Fields{
		"component": "stream",
		"function":  "Suspend",
	}).Debug("Stream timer suspended")
	if e.handler.OnSuspend != nil {
		e.handler.OnSuspend()
	}
}

// Resume restarts the update timer when at least one stream is registered.
func (e *Engine) Resume() {
	e.queue.Async(e.resume)
}

func (e *Engine) resume() {
	if e.ticker.Active() || e.streams.IsEmpty() {
		return
	}
	e.ticker.Resume()
	logrus.WithFields(logrus.Fields{
		"component": "stream",
		"function":  "Resume",
	}).Debug("Stream timer resumed")
}

func (e *Engine) tick() {
	if e.streams.IsEmpty() {
		return
	}

	// The slowest stream sets the pace for everybody.
	due := e.streams.All(e.update)
	if due {
		e.object.reset()
		e.handler.OnUpdate(e.object)
		data := e.object.Bytes()
		e.streams.Each(func(s *stream) { e.send(s, data) })
	}

	e.logAccumulator += tickDelta
	if e.logAccumulator > e.statusInterval {
		e.logAccumulator = 0
		e.logStatus()
	}
}

// update advances one stream by a tick and reports whether it is due for
// new data.
func (e *Engine) update(s *stream) bool {
	s.reliability.Update(TickInterval)
	s.flow.Update(s.reliability.RTT(), TickInterval)

	s.timeoutAccumulator += tickDelta
	if s.timeoutAccumulator > e.timeout && s.state != Timeout {
		s.state = Timeout
		logrus.WithFields(logrus.Fields{
			"component": "stream",
			"function":  "update",
			"remote":    s.addr.String(),
		}).Info("Stream timeout")
		e.handler.OnTimeout(s.addr)
	}

	s.updateAccumulator += tickDelta
	if s.updateAccumulator >= s.flow.interval {
		s.updateAccumulator = 0
		return true
	}
	return false
}

func (e *Engine) send(s *stream, data []byte) {
	if s.state != Connected && s.state != Waiting {
		return
	}

	p, ok := e.socket.Alloc()
	if !ok {
		return
	}
	defer e.socket.Release(p)

	w := p.Writer()
	PackHeader(w, s.reliability.Header())
	PackData(w, data)
	if err := p.Commit(w); err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "stream",
			"function":  "send",
			"remote":    s.addr.String(),
			"error":     err.Error(),
		}).Debug("Dropping oversized update")
		return
	}
	p.SetAddr(s.addr)
	if err := e.socket.Send(p); err != nil {
		return
	}
	s.reliability.PacketSent(p.Len())
}

func (e *Engine) logStatus() {
	e.streams.Each(func(s *stream) {
		logrus.WithFields(logrus.Fields{
			"component": "stream",
			"function":  "logStatus",
		}).Debug(s.info().String())
	})
}

func (s *stream) info() Info {
	return Info{Addr: s.addr, State: s.state, Mode: s.flow.Mode(), Stats: s.reliability.Stats()}
}

// HandlePacket implements net.Handler. It runs on the socket reader.
func (e *Engine) HandlePacket(sock *unet.Socket, p unet.Packet) {
	h, ok := protocol.Sniff(p.Bytes())
	if !ok || h != protocol.NewHeader(protocol.TypeStream) {
		sock.Forward(e.prev, p)
		return
	}
	if !e.queue.Async(func() { e.receive(p) }) {
		sock.Release(p)
	}
}

// receive accepts a packet from any address. An unknown sender becomes a
// new stream and its first packet is delivered.
func (e *Engine) receive(p unet.Packet) {
	defer e.socket.Release(p)

	log := logrus.WithFields(logrus.Fields{
		"component": "stream",
		"function":  "receive",
		"from":      p.Addr().String(),
	})

	r := p.Reader()
	h, result := UnpackHeader(r)
	if result != protocol.UnpackValid {
		log.Debug("Dropping malformed stream header")
		return
	}
	data, result := UnpackData(r)
	if result != protocol.UnpackValid {
		log.Debug("Dropping malformed stream data")
		return
	}

	s := e.add(p.Addr())
	if MoreRecent(h.Ack, s.reliability.Sequence(), MaxSequence) {
		log.WithFields(logrus.Fields{
			"ack":      h.Ack,
			"sequence": s.reliability.Sequence(),
		}).Debug("Dropping packet acking the future")
		return
	}

	s.state = Connected
	s.timeoutAccumulator = 0
	s.reliability.PacketReceived(h.Sequence, h.Ack, h.AckBits)
	e.handler.OnReceive(s.addr, data)
}

// Flush waits for every task queued before the call. It must not be
// called from a Handler callback.
func (e *Engine) Flush() {
	e.queue.Flush()
}

// Close stops the update timer, restores the socket handler and stops the
// engine queue. OnSuspend is not called. The socket stays open.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.socket.CompareAndSetHandler(e, e.prev)
	e.queue.Sync(func() {
		e.ticker.Suspend()
		e.streams.Each(func(s *stream) { e.streams.Remove(s) })
	})
	e.queue.Close()
	return nil
}
