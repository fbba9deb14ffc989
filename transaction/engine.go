package transaction

import (
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/unet/dispatch"
	unet "github.com/opd-ai/unet/net"
	"github.com/opd-ai/unet/protocol"
)

const (
	// DefaultRTO is the initial retransmission timeout.
	DefaultRTO = 1000 * time.Millisecond
	// DefaultMaxRetries is the number of retransmissions before failing.
	DefaultMaxRetries = 2
	// DefaultIncreaseFactor scales the timeout of each retry.
	DefaultIncreaseFactor = 2
)

var (
	// ErrMissingCallback indicates a mandatory Handler callback is nil.
	ErrMissingCallback = errors.New("transaction: missing callback")

	// ErrDisabled indicates the engine is disabled.
	ErrDisabled = errors.New("transaction: engine disabled")

	// ErrClosed indicates the engine is closed.
	ErrClosed = errors.New("transaction: engine closed")
)

// State is the engine state.
type State int32

const (
	Enabled State = iota
	Disabled
)

func (s State) String() string {
	if s == Enabled {
		return "Enabled"
	}
	return "Disabled"
}

// Status is the state of one transaction.
type Status int

const (
	Idle Status = iota
	Waiting
	Processing
	Acknowledged
	Error
	Timeout
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Waiting:
		return "Waiting"
	case Processing:
		return "Processing"
	case Acknowledged:
		return "Acknowledged"
	case Error:
		return "Error"
	case Timeout:
		return "Timeout"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Handler holds the engine callbacks. They run on the engine queue and may
// call Request, but must not call Close.
type Handler struct {
	// OnReceive gets every valid request object. Mandatory.
	OnReceive func(from netip.AddrPort, obj Object)
	// OnError reports a request that ended in Error or Timeout, or was
	// dropped by Disable. Mandatory.
	OnError func(to netip.AddrPort, id ID, status Status)
	// OnAcknowledged reports a successful response with its round trip.
	OnAcknowledged func(to netip.AddrPort, id ID, rtt time.Duration)
	// Respond picks the response code for a valid request. Requests are
	// answered with ResponseSuccess when it is nil.
	Respond func(from netip.AddrPort, obj Object) ResponseType
}

// Option configures an Engine.
type Option func(*Engine)

// WithRTO sets the initial retransmission timeout.
func WithRTO(d time.Duration) Option {
	return func(e *Engine) { e.rto = d }
}

// WithMaxRetries sets the retransmission ceiling.
func WithMaxRetries(n int) Option {
	return func(e *Engine) { e.maxRetries = n }
}

// WithIncreaseFactor sets the retry timeout multiplier.
func WithIncreaseFactor(n int) Option {
	return func(e *Engine) { e.factor = n }
}

// WithTimeProvider sets the clock used for timeouts.
func WithTimeProvider(tp dispatch.TimeProvider) Option {
	return func(e *Engine) { e.tp = tp }
}

type transaction struct {
	id      ID
	status  Status
	packet  unet.Packet
	retries int
	timeout *dispatch.Timeout
	sentAt  time.Time
}

// Engine sends requests with retransmission and answers incoming requests.
// It installs itself as the socket handler and forwards every datagram that
// is not a transaction to the handler it replaced.
type Engine struct {
	socket  *unet.Socket
	prev    unet.Handler
	handler Handler
	queue   *dispatch.Queue
	tp      dispatch.TimeProvider

	rto        time.Duration
	maxRetries int
	factor     int

	cseq   atomic.Uint32
	state  atomic.Int32
	closed atomic.Bool

	// Owned by queue.
	table   [MaxID]*transaction
	pending int
}

// NewEngine attaches a transaction engine to socket.
func NewEngine(socket *unet.Socket, handler Handler, opts ...Option) (*Engine, error) {
	if handler.OnReceive == nil || handler.OnError == nil {
		return nil, ErrMissingCallback
	}

	e := &Engine{
		socket:     socket,
		handler:    handler,
		queue:      dispatch.NewQueue("transaction"),
		rto:        DefaultRTO,
		maxRetries: DefaultMaxRetries,
		factor:     DefaultIncreaseFactor,
	}
	for _, opt := range opts {
		opt(e)
	}
	socket.Interpose(e, func(prev unet.Handler) { e.prev = prev })

	logrus.WithFields(logrus.Fields{
		"component":   "transaction",
		"function":    "NewEngine",
		"local":       socket.LocalAddr().String(),
		"rto":         e.rto.String(),
		"max_retries": e.maxRetries,
	}).Debug("Transaction engine attached")

	return e, nil
}

// State returns the engine state.
func (e *Engine) State() State { return State(e.state.Load()) }

// Request sends obj to addr and returns the transaction id. Delivery is
// reported through the Handler callbacks.
func (e *Engine) Request(addr netip.AddrPort, obj Object) (ID, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	if e.State() == Disabled {
		return 0, ErrDisabled
	}
	if !unet.IsValidAddr(addr) {
		return 0, fmt.Errorf("transaction: invalid address %s", addr)
	}
	if err := obj.Validate(); err != nil {
		return 0, err
	}
	if _, err := packedSize(obj); err != nil {
		return 0, err
	}

	p, ok := e.socket.Alloc()
	if !ok {
		return 0, unet.ErrPoolExhausted
	}

	id := ID(e.cseq.Add(1) - 1)
	w := p.Writer()
	PackHeader(w, id, TypeRequest)
	PackRequest(w, obj)
	if err := p.Commit(w); err != nil {
		e.socket.Free(p)
		return 0, err
	}
	p.SetAddr(addr)

	tx := &transaction{id: id, status: Idle, packet: p}
	if !e.queue.Async(func() { e.start(tx) }) {
		e.socket.Free(p)
		return 0, ErrClosed
	}
	return id, nil
}

func (e *Engine) start(tx *transaction) {
	log := logrus.WithFields(logrus.Fields{
		"component": "transaction",
		"function":  "Request",
		"id":        tx.id,
		"to":        tx.packet.Addr().String(),
	})

	if e.State() == Disabled {
		log.Debug("Engine disabled, dropping request")
		e.socket.Release(tx.packet)
		return
	}

	if old := e.table[tx.id]; old != nil {
		log.Warn("Transaction id reused while pending")
		old.status = Error
		e.complete(old)
	}

	e.table[tx.id] = tx
	e.pending++
	tx.status = Waiting
	tx.sentAt = e.now()
	if err := e.socket.Send(tx.packet); err != nil {
		log.WithField("error", err.Error()).Debug("Send failed")
	}
	tx.timeout = dispatch.AfterFunc(e.queue, e.tp, e.rto, e.retryHandler(tx))
	log.Debug("Request sent")
}

func (e *Engine) retryHandler(tx *transaction) func() {
	return func() { e.retryOrFail(tx) }
}

// retryOrFail runs when a transaction timeout fires. The transaction may
// already have been completed by a response or removed by Disable.
func (e *Engine) retryOrFail(tx *transaction) {
	if e.table[tx.id] != tx || tx.status != Waiting {
		return
	}

	log := logrus.WithFields(logrus.Fields{
		"component": "transaction",
		"function":  "retryOrFail",
		"id":        tx.id,
		"to":        tx.packet.Addr().String(),
	})

	if tx.retries < e.maxRetries {
		tx.retries++
		rto := e.rto * time.Duration(e.factor*tx.retries)
		if err := e.socket.Send(tx.packet); err != nil {
			log.WithField("error", err.Error()).Debug("Retransmit failed")
		}
		tx.timeout = dispatch.AfterFunc(e.queue, e.tp, rto, e.retryHandler(tx))
		log.WithFields(logrus.Fields{
			"retry": tx.retries,
			"rto":   rto.String(),
		}).Debug("Request retransmitted")
		return
	}

	log.Debug("Request timed out")
	tx.status = Timeout
	e.complete(tx)
}

// complete removes tx and reports anything but Acknowledged as an error.
func (e *Engine) complete(tx *transaction) {
	tx.timeout.Cancel()
	if e.table[tx.id] == tx {
		e.table[tx.id] = nil
		e.pending--
	}

	to := tx.packet.Addr()
	switch {
	case tx.status == Acknowledged:
		if e.handler.OnAcknowledged != nil {
			e.handler.OnAcknowledged(to, tx.id, e.now().Sub(tx.sentAt))
		}
	default:
		e.handler.OnError(to, tx.id, tx.status)
	}
	e.socket.Release(tx.packet)
}

// HandlePacket implements net.Handler. It runs on the socket reader.
func (e *Engine) HandlePacket(s *unet.Socket, p unet.Packet) {
	h, ok := protocol.Sniff(p.Bytes())
	if !ok || h != protocol.NewHeader(protocol.TypeTransaction) {
		s.Forward(e.prev, p)
		return
	}
	if !e.queue.Async(func() { e.receive(p) }) {
		s.Release(p)
	}
}

func (e *Engine) receive(p unet.Packet) {
	defer e.socket.Release(p)

	if e.State() == Disabled {
		return
	}

	r := p.Reader()
	id, t, result := UnpackHeader(r)
	if result != protocol.UnpackValid {
		logrus.WithFields(logrus.Fields{
			"component": "transaction",
			"function":  "receive",
			"from":      p.Addr().String(),
		}).Debug("Dropping malformed transaction header")
		return
	}

	switch t {
	case TypeResponse:
		e.didReceiveResponse(id, p)
	case TypeRequest:
		e.didReceiveRequest(id, p)
	}
}

func (e *Engine) didReceiveResponse(id ID, p unet.Packet) {
	tx := e.table[id]
	if tx == nil {
		logrus.WithFields(logrus.Fields{
			"component": "transaction",
			"function":  "didReceiveResponse",
			"id":        id,
			"from":      p.Addr().String(),
		}).Debug("Ignoring response for unknown transaction")
		return
	}

	r := p.Reader()
	r.Skip(HeaderSize)
	code, _ := UnpackResponse(r)

	if code == ResponseSuccess {
		tx.status = Acknowledged
	} else {
		tx.status = Error
	}

	logrus.WithFields(logrus.Fields{
		"component": "transaction",
		"function":  "didReceiveResponse",
		"id":        id,
		"response":  code.String(),
		"status":    tx.status.String(),
	}).Debug("Response received")

	e.complete(tx)
}

func (e *Engine) didReceiveRequest(id ID, p unet.Packet) {
	r := p.Reader()
	r.Skip(HeaderSize)
	obj, result := UnpackRequest(r)

	code := ResponseSuccess
	if result == protocol.UnpackValid && e.handler.Respond != nil {
		code = e.handler.Respond(p.Addr(), obj)
	}
	e.respond(p.Addr(), id, code)

	if result != protocol.UnpackValid {
		logrus.WithFields(logrus.Fields{
			"component": "transaction",
			"function":  "didReceiveRequest",
			"id":        id,
			"from":      p.Addr().String(),
			"result":    result.String(),
		}).Debug("Request answered but not delivered")
		return
	}
	e.handler.OnReceive(p.Addr(), obj)
}

func (e *Engine) respond(to netip.AddrPort, id ID, code ResponseType) {
	p, ok := e.socket.Alloc()
	if !ok {
		return
	}
	defer e.socket.Release(p)

	w := p.Writer()
	PackHeader(w, id, TypeResponse)
	PackResponse(w, code)
	if err := p.Commit(w); err != nil {
		return
	}
	p.SetAddr(to)
	if err := e.socket.Send(p); err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "transaction",
			"function":  "respond",
			"to":        to.String(),
			"id":        id,
			"error":     err.Error(),
		}).Debug("Send failed")
	}
}

// Enable accepts requests again. Transactions dropped by Disable are not
// restored.
func (e *Engine) Enable() {
	e.queue.Async(func() {
		if e.state.CompareAndSwap(int32(Disabled), int32(Enabled)) {
			logrus.WithFields(logrus.Fields{
				"component": "transaction",
				"function":  "Enable",
			}).Debug("Engine enabled")
		}
	})
}

// Disable stops sending and receiving. Every pending transaction is
// cancelled and reported through OnError.
func (e *Engine) Disable() {
	e.queue.Async(func() {
		if !e.state.CompareAndSwap(int32(Enabled), int32(Disabled)) {
			return
		}
		drained := e.drain(true)
		logrus.WithFields(logrus.Fields{
			"component": "transaction",
			"function":  "Disable",
			"drained":   drained,
		}).Debug("Engine disabled")
	})
}

func (e *Engine) drain(notify bool) int {
	drained := 0
	for i, tx := range e.table {
		if tx == nil {
			continue
		}
		tx.timeout.Cancel()
		e.table[i] = nil
		e.pending--
		drained++
		if notify {
			tx.status = Error
			e.handler.OnError(tx.packet.Addr(), tx.id, tx.status)
		}
		e.socket.Release(tx.packet)
	}
	return drained
}

// Pending returns the number of outstanding transactions. It must not be
// called from a Handler callback.
func (e *Engine) Pending() int {
	n := 0
	e.queue.Sync(func() { n = e.pending })
	return n
}

// Flush waits for every task queued before the call. It must not be
// called from a Handler callback.
func (e *Engine) Flush() {
	e.queue.Flush()
}

// Close drops pending transactions without callbacks, restores the socket
// handler and stops the engine queue. The socket stays open.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.socket.CompareAndSetHandler(e, e.prev)
	e.queue.Sync(func() { e.drain(false) })
	e.queue.Close()
	return nil
}

func (e *Engine) now() time.Time {
	if e.tp != nil {
		return e.tp.Now()
	}
	return time.Now()
}
