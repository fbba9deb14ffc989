package stun

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/pion/stun/v3"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/unet/dispatch"
	unet "github.com/opd-ai/unet/net"
	"github.com/opd-ai/unet/protocol"
)

const (
	// DefaultPort is the STUN server port used when none is given.
	DefaultPort = 3478
	// DefaultRTO is the initial retransmission timeout of each test.
	DefaultRTO = 1000 * time.Millisecond
	// DefaultMaxRetries is the number of retransmissions before a test fails.
	DefaultMaxRetries = 2

	retryFactor = 3
)

var (
	// ErrMissingCallback indicates a mandatory Handler callback is nil.
	ErrMissingCallback = errors.New("stun: missing callback")

	// ErrResolveFailed indicates the server name could not be resolved.
	ErrResolveFailed = errors.New("stun: server resolution failed")

	// ErrBindingFailed indicates the server never answered the binding test.
	ErrBindingFailed = errors.New("stun: binding test failed")

	// ErrBusy indicates a test chain is already running.
	ErrBusy = errors.New("stun: resolve in progress")

	// ErrClosed indicates the client is closed.
	ErrClosed = errors.New("stun: client closed")
)

// Step is one test of the discovery chain.
type Step int

const (
	StepBinding Step = iota
	StepBehavior1
	StepBehavior2
	StepFiltering1
	StepFiltering2
	StepDone
)

func (s Step) String() string {
	switch s {
	case StepBinding:
		return "Binding"
	case StepBehavior1:
		return "Behavior1"
	case StepBehavior2:
		return "Behavior2"
	case StepFiltering1:
		return "Filtering1"
	case StepFiltering2:
		return "Filtering2"
	case StepDone:
		return "Done"
	default:
		return fmt.Sprintf("Step(%d)", int(s))
	}
}

// nextStep orders the chain. A failed binding ends it early.
var nextStep = [...]Step{
	StepBinding:    StepBehavior1,
	StepBehavior1:  StepBehavior2,
	StepBehavior2:  StepFiltering1,
	StepFiltering1: StepFiltering2,
	StepFiltering2: StepDone,
	StepDone:       StepDone,
}

// Handler holds the client callbacks. They run on the client queue and
// must not call Close.
type Handler struct {
	// OnResolve gets the results of a chain whose binding test succeeded.
	OnResolve func(r Results)
	// OnFail reports a chain that could not resolve the server or bind.
	OnFail func(r Results, err error)
}

// Option configures a Client.
type Option func(*Client)

// WithRTO sets the initial retransmission timeout of each test.
func WithRTO(d time.Duration) Option {
	return func(c *Client) { c.rto = d }
}

// WithMaxRetries sets the retransmission ceiling of each test.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithPort sets the server port used when the server name has none.
func WithPort(port int) Option {
	return func(c *Client) { c.port = port }
}

// WithTimeProvider sets the clock used for retransmissions.
func WithTimeProvider(tp dispatch.TimeProvider) Option {
	return func(c *Client) { c.tp = tp }
}

// test is the request in flight.
type test struct {
	step      Step
	id        TransactionID
	packet    unet.Packet
	retries   int
	timeout   *dispatch.Timeout
	completed bool
}

// Client classifies the NAT in front of a socket. While a chain runs it
// is installed as the socket handler.
type Client struct {
	socket  *unet.Socket
	prev    unet.Handler
	handler Handler
	queue   *dispatch.Queue
	tp      dispatch.TimeProvider

	server     string
	port       int
	rto        time.Duration
	maxRetries int

	running atomic.Bool
	closed  atomic.Bool

	// Owned by queue.
	results Results
	current *test
}

// NewClient returns a client for server, given as "host" or "host:port".
func NewClient(socket *unet.Socket, server string, handler Handler, opts ...Option) (*Client, error) {
	if handler.OnResolve == nil || handler.OnFail == nil {
		return nil, ErrMissingCallback
	}
	c := &Client{
		socket:     socket,
		handler:    handler,
		queue:      dispatch.NewQueue("stun"),
		server:     server,
		port:       DefaultPort,
		rto:        DefaultRTO,
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start resolves the server and runs the test chain. ctx bounds the name
// lookup only. The outcome is reported through the Handler.
func (c *Client) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.running.CompareAndSwap(false, true) {
		return ErrBusy
	}
	if !c.queue.Async(func() { c.start(ctx) }) {
		c.running.Store(false)
		return ErrClosed
	}
	return nil
}

func (c *Client) start(ctx context.Context) {
	c.results = Results{}

	server, err := c.resolveServer(ctx)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "stun",
			"function":  "Start",
			"server":    c.server,
			"kind":      unet.Classify(err).String(),
			"error":     err.Error(),
		}).Warn("Cannot resolve STUN server")
		c.running.Store(false)
		c.handler.OnFail(c.results, fmt.Errorf("%w: %v", ErrResolveFailed, err))
		return
	}
	c.results.Server = server
	c.results.Local = c.socket.LocalAddr()

	c.socket.Interpose(c, func(prev unet.Handler) { c.prev = prev })
	c.run(StepBinding)
}

func (c *Client) resolveServer(ctx context.Context) (netip.AddrPort, error) {
	if _, _, err := net.SplitHostPort(c.server); err == nil {
		return unet.ResolveHostPort(ctx, c.server)
	}
	return unet.Resolve(ctx, c.server, c.port)
}

// run starts step, or skips it when earlier results make it pointless.
func (c *Client) run(step Step) {
	r := &c.results
	log := logrus.WithFields(logrus.Fields{
		"component": "stun",
		"function":  "run",
		"step":      step.String(),
	})

	switch step {
	case StepBinding:
		c.send(step, r.Server, false, false)

	case StepBehavior1:
		switch {
		case r.MappingDirect:
			r.Behavior = DirectMapping
			r.BehaviorOK = true
			c.skip(step)
		case !r.HasOther:
			log.Debug("Server has no other address")
			c.skip(step)
		default:
			c.send(step, r.OtherHost, false, false)
		}

	case StepBehavior2:
		if r.BehaviorOK || !r.MappedViaHost.IsValid() {
			c.skip(step)
			return
		}
		c.send(step, r.Other, false, false)

	case StepFiltering1:
		switch {
		case r.MappingDirect:
			r.Filtering = EndpointIndependentFiltering
			r.FilteringOK = true
			c.skip(step)
		case !r.HasOther:
			c.skip(step)
		default:
			c.send(step, r.Server, true, true)
		}

	case StepFiltering2:
		if r.FilteringOK || !r.HasOther {
			c.skip(step)
			return
		}
		c.send(step, r.Server, false, true)

	case StepDone:
		c.finish()
	}
}

func (c *Client) skip(step Step) {
	c.advance(step)
}

func (c *Client) advance(step Step) {
	next := nextStep[step]
	if step == StepBinding && !c.results.BindingOK {
		next = StepDone
	}
	c.queue.Async(func() { c.run(next) })
}

func (c *Client) send(step Step, dst netip.AddrPort, changeHost, changePort bool) {
	t := &test{step: step, id: stun.NewTransactionID()}
	c.current = t

	log := logrus.WithFields(logrus.Fields{
		"component": "stun",
		"function":  "send",
		"step":      step.String(),
		"to":        dst.String(),
	})

	p, ok := c.socket.Alloc()
	if !ok {
		log.Warn("Packet pool exhausted")
		c.complete(t)
		return
	}
	w := p.Writer()
	if changeHost || changePort {
		PackBindingChangeRequest(w, t.id, changeHost, changePort)
	} else {
		PackBindingRequest(w, t.id)
	}
	if err := p.Commit(w); err != nil {
		c.socket.Release(p)
		c.complete(t)
		return
	}
	p.SetAddr(dst)
	t.packet = p

	if err := c.socket.Send(p); err != nil {
		log.WithField("error", err.Error()).Debug("Send failed")
	}
	t.timeout = dispatch.AfterFunc(c.queue, c.tp, c.rto, func() { c.retryOrFail(t) })
	log.Debug("Test started")
}

// retryOrFail runs when a test timeout fires. A response may have completed
// the test already.
func (c *Client) retryOrFail(t *test) {
	if t.completed || c.current != t {
		return
	}
	log := logrus.WithFields(logrus.Fields{
		"component": "stun",
		"function":  "retryOrFail",
		"step":      t.step.String(),
		"to":        t.packet.Addr().String(),
	})

	if t.retries < c.maxRetries {
		t.retries++
		rto := c.rto * time.Duration(retryFactor*t.retries)
		if err := c.socket.Send(t.packet); err != nil {
			log.WithField("error", err.Error()).Debug("Retransmit failed")
		}
		t.timeout = dispatch.AfterFunc(c.queue, c.tp, rto, func() { c.retryOrFail(t) })
		log.WithFields(logrus.Fields{"retry": t.retries, "rto": rto.String()}).Debug("Test retransmitted")
		return
	}

	log.Debug("Test timed out")
	// No answer to a port-only change means the NAT drops traffic from any
	// port but the one the client sent to.
	if t.step == StepFiltering2 {
		c.results.Filtering = AddressAndPortDependentFiltering
		c.results.FilteringOK = true
	}
	c.complete(t)
}

func (c *Client) complete(t *test) {
	if t.completed {
		return
	}
	t.completed = true
	t.timeout.Cancel()
	if t.packet.IsValid() {
		c.socket.Release(t.packet)
	}
	if c.current == t {
		c.current = nil
	}
	c.advance(t.step)
}

// HandlePacket implements net.Handler. It runs on the socket reader.
func (c *Client) HandlePacket(s *unet.Socket, p unet.Packet) {
	if !IsMessage(p.Bytes()) {
		s.Forward(c.prev, p)
		return
	}
	if !c.queue.Async(func() { c.receive(p) }) {
		s.Forward(c.prev, p)
	}
}

func (c *Client) receive(p unet.Packet) {
	t := c.current
	if t == nil || t.completed {
		c.socket.Forward(c.prev, p)
		return
	}
	id, resp, result := UnpackBindingResponse(p.Reader())
	if result != protocol.UnpackValid || id != t.id {
		c.socket.Forward(c.prev, p)
		return
	}
	defer c.socket.Release(p)

	log := logrus.WithFields(logrus.Fields{
		"component": "stun",
		"function":  "receive",
		"step":      t.step.String(),
		"from":      p.Addr().String(),
	})
	if resp.Class == ClassError {
		log.WithField("code", resp.ErrorCode).Debug("Error response")
		c.complete(t)
		return
	}

	r := &c.results
	mapped := resp.Mapped()
	switch t.step {
	case StepBinding:
		if !mapped.IsValid() {
			break
		}
		r.BindingOK = true
		r.Mapped = mapped
		r.MappingDirect = mapped == r.Local
		if resp.OtherAddress.IsValid() {
			r.HasOther = true
			r.Other = resp.OtherAddress
			r.OtherHost = netip.AddrPortFrom(r.Other.Addr(), r.Server.Port())
			r.OtherPort = netip.AddrPortFrom(r.Server.Addr(), r.Other.Port())
		}

	case StepBehavior1:
		r.MappedViaHost = mapped
		if mapped.IsValid() && mapped == r.Mapped {
			r.Behavior = EndpointIndependentMapping
			r.BehaviorOK = true
		}

	case StepBehavior2:
		r.MappedViaOther = mapped
		if mapped.IsValid() {
			if mapped == r.Mapped {
				r.Behavior = AddressDependentMapping
			} else {
				r.Behavior = AddressAndPortDependentMapping
			}
			r.BehaviorOK = true
		}

	case StepFiltering1:
		if p.Addr() == r.Other {
			r.Filtering = EndpointIndependentFiltering
			r.FilteringOK = true
		}

	case StepFiltering2:
		if p.Addr() == r.OtherPort {
			r.Filtering = AddressDependentFiltering
			r.FilteringOK = true
		}
	}

	log.WithField("mapped", mapped.String()).Debug("Test answered")
	c.complete(t)
}

func (c *Client) finish() {
	c.socket.CompareAndSetHandler(c, c.prev)
	c.running.Store(false)

	logrus.WithFields(logrus.Fields{
		"component": "stun",
		"function":  "finish",
	}).Info(c.results.String())

	if c.results.BindingOK {
		c.handler.OnResolve(c.results)
		return
	}
	c.handler.OnFail(c.results, ErrBindingFailed)
}

// Results returns what the last chain learned. It must not be called from
// a Handler callback.
func (c *Client) Results() Results {
	var r Results
	c.queue.Sync(func() { r = c.results })
	return r
}

// Close aborts a running chain without callbacks and restores the socket
// handler. The socket stays open.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.queue.Sync(func() {
		if t := c.current; t != nil && !t.completed {
			t.completed = true
			t.timeout.Cancel()
			if t.packet.IsValid() {
				c.socket.Release(t.packet)
			}
			c.current = nil
		}
		c.socket.CompareAndSetHandler(c, c.prev)
	})
	c.queue.Close()
	return nil
}

// Resolve runs one test chain against server on socket and waits for it.
func Resolve(ctx context.Context, socket *unet.Socket, server string, opts ...Option) (Results, error) {
	type outcome struct {
		results Results
		err     error
	}
	done := make(chan outcome, 1)

	c, err := NewClient(socket, server, Handler{
		OnResolve: func(r Results) { done <- outcome{results: r} },
		OnFail:    func(r Results, err error) { done <- outcome{results: r, err: err} },
	}, opts...)
	if err != nil {
		return Results{}, err
	}
	defer c.Close()

	if err := c.Start(ctx); err != nil {
		return Results{}, err
	}
	select {
	case o := <-done:
		return o.results, o.err
	case <-ctx.Done():
		return Results{}, ctx.Err()
	}
}
