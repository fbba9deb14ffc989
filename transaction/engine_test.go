package transaction

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/unet/bitstream"
	"github.com/opd-ai/unet/dispatch"
	"github.com/opd-ai/unet/protocol"
	unet "github.com/opd-ai/unet/net"
	"github.com/opd-ai/unet/simnet"
)

type failure struct {
	to     netip.AddrPort
	id     ID
	status Status
}

type recorder struct {
	mu       sync.Mutex
	received []Object
	from     []netip.AddrPort
	failures []failure
	acked    []ID
}

func (r *recorder) handler() Handler {
	return Handler{
		OnReceive: func(from netip.AddrPort, obj Object) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.received = append(r.received, obj)
			r.from = append(r.from, from)
		},
		OnError: func(to netip.AddrPort, id ID, status Status) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.failures = append(r.failures, failure{to, id, status})
		},
		OnAcknowledged: func(to netip.AddrPort, id ID, rtt time.Duration) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.acked = append(r.acked, id)
		},
	}
}

func (r *recorder) counts() (received, failures, acked int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received), len(r.failures), len(r.acked)
}

func newSocket(t *testing.T, n *simnet.Network, addr string) *unet.Socket {
	t.Helper()
	s, err := unet.NewSocket(n.MustListen(addr), unet.WithPoolSize(64))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newEngine(t *testing.T, s *unet.Socket, h Handler, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(s, h, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestNewEngineRequiresCallbacks(t *testing.T) {
	n := simnet.New()
	s := newSocket(t, n, "10.0.0.1:1000")

	_, err := NewEngine(s, Handler{OnReceive: func(netip.AddrPort, Object) {}})
	assert.ErrorIs(t, err, ErrMissingCallback)
	_, err = NewEngine(s, Handler{OnError: func(netip.AddrPort, ID, Status) {}})
	assert.ErrorIs(t, err, ErrMissingCallback)
}

func TestRequestResponse(t *testing.T) {
	n := simnet.New()
	client, server := &recorder{}, &recorder{}
	a := newEngine(t, newSocket(t, n, "10.0.0.1:1000"), client.handler())
	newEngine(t, newSocket(t, n, "10.0.0.2:2000"), server.handler())

	obj := &UserCreate{UID: 7, Name: "bob", Email: "bob@example.com"}
	id, err := a.Request(netip.MustParseAddrPort("10.0.0.2:2000"), obj)
	require.NoError(t, err)
	assert.Equal(t, ID(0), id)

	require.Eventually(t, func() bool {
		_, _, acked := client.counts()
		return acked == 1
	}, 2*time.Second, 10*time.Millisecond)

	received, _, _ := server.counts()
	require.Equal(t, 1, received)
	server.mu.Lock()
	assert.Equal(t, obj, server.received[0])
	assert.Equal(t, "10.0.0.1:1000", server.from[0].String())
	server.mu.Unlock()

	_, failures, _ := client.counts()
	assert.Equal(t, 0, failures)
	assert.Equal(t, 0, a.Pending())
}

func TestRequestIDsAreCyclic(t *testing.T) {
	n := simnet.New()
	rec := &recorder{}
	clock := dispatch.NewManualClock(time.Unix(0, 0))
	e := newEngine(t, newSocket(t, n, "10.0.0.1:1000"), rec.handler(), WithTimeProvider(clock))
	e.cseq.Store(MaxID - 1)

	id, err := e.Request(netip.MustParseAddrPort("10.0.0.9:9"), &Empty{})
	require.NoError(t, err)
	assert.Equal(t, ID(255), id)

	id, err = e.Request(netip.MustParseAddrPort("10.0.0.9:9"), &Empty{})
	require.NoError(t, err)
	assert.Equal(t, ID(0), id)
}

func TestRetryThenTimeout(t *testing.T) {
	n := simnet.New()
	rec := &recorder{}
	clock := dispatch.NewManualClock(time.Unix(0, 0))
	e := newEngine(t, newSocket(t, n, "10.0.0.1:1000"), rec.handler(), WithTimeProvider(clock))

	dst := netip.MustParseAddrPort("10.0.0.2:2000")
	id, err := e.Request(dst, &Ping{})
	require.NoError(t, err)
	e.Flush()
	assert.Equal(t, 1, e.Pending())

	// RTO 1s, then 1s*2*1, then 1s*2*2.
	for _, step := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		clock.Advance(step - time.Millisecond)
		e.Flush()
		_, failures, _ := rec.counts()
		assert.Equal(t, 0, failures)

		clock.Advance(time.Millisecond)
		e.Flush()
	}

	require.Eventually(t, func() bool { return n.CountTo(dst) == 1+DefaultMaxRetries }, time.Second, 5*time.Millisecond)

	_, failures, _ := rec.counts()
	require.Equal(t, 1, failures)
	rec.mu.Lock()
	assert.Equal(t, failure{dst, id, Timeout}, rec.failures[0])
	rec.mu.Unlock()
	assert.Equal(t, 0, e.Pending())
	assert.Equal(t, 0, clock.Pending())

	// A late response for the same id is ignored.
	late := n.MustListen(dst.String())
	w := bitstream.New(make([]byte, 8))
	PackHeader(w, id, TypeResponse)
	PackResponse(w, ResponseSuccess)
	_, err = late.WriteTo(w.Bytes(), unet.UDPAddr(netip.MustParseAddrPort("10.0.0.1:1000")))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	e.Flush()
	_, failures, acked := rec.counts()
	assert.Equal(t, 1, failures)
	assert.Equal(t, 0, acked)
	assert.Equal(t, 1+DefaultMaxRetries, n.CountTo(dst))
}

func TestErrorResponse(t *testing.T) {
	n := simnet.New()
	client, server := &recorder{}, &recorder{}
	a := newEngine(t, newSocket(t, n, "10.0.0.1:1000"), client.handler())

	h := server.handler()
	h.Respond = func(netip.AddrPort, Object) ResponseType { return ResponseClientError }
	newEngine(t, newSocket(t, n, "10.0.0.2:2000"), h)

	dst := netip.MustParseAddrPort("10.0.0.2:2000")
	id, err := a.Request(dst, NewDisconnect("peer"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, failures, _ := client.counts()
		return failures == 1
	}, 2*time.Second, 10*time.Millisecond)

	client.mu.Lock()
	assert.Equal(t, failure{dst, id, Error}, client.failures[0])
	client.mu.Unlock()

	received, _, _ := server.counts()
	assert.Equal(t, 1, received)
}

func TestDisableDrainsPending(t *testing.T) {
	n := simnet.New()
	rec := &recorder{}
	clock := dispatch.NewManualClock(time.Unix(0, 0))
	e := newEngine(t, newSocket(t, n, "10.0.0.1:1000"), rec.handler(), WithTimeProvider(clock))

	dst := netip.MustParseAddrPort("10.0.0.2:2000")
	for i := 0; i < 3; i++ {
		_, err := e.Request(dst, &Empty{})
		require.NoError(t, err)
	}
	e.Flush()
	assert.Equal(t, 3, e.Pending())

	e.Disable()
	e.Flush()
	assert.Equal(t, Disabled, e.State())
	assert.Equal(t, 0, e.Pending())
	assert.Equal(t, 0, clock.Pending())

	_, failures, _ := rec.counts()
	assert.Equal(t, 3, failures)

	_, err := e.Request(dst, &Empty{})
	assert.ErrorIs(t, err, ErrDisabled)

	// Enabling again does not resurrect drained transactions.
	e.Enable()
	e.Flush()
	assert.Equal(t, Enabled, e.State())
	assert.Equal(t, 0, e.Pending())

	_, err = e.Request(dst, &Empty{})
	require.NoError(t, err)
	e.Flush()
	assert.Equal(t, 1, e.Pending())
}

func TestUnexpectedRequestAnsweredNotDelivered(t *testing.T) {
	n := simnet.New()
	rec := &recorder{}
	newEngine(t, newSocket(t, n, "10.0.0.2:2000"), rec.handler())

	raw := n.MustListen("10.0.0.1:1000")
	w := bitstream.New(make([]byte, 16))
	PackHeader(w, 33, TypeRequest)
	w.WriteUint8(uint8(RequestUserRead))
	_, err := raw.WriteTo(w.Bytes(), unet.UDPAddr(netip.MustParseAddrPort("10.0.0.2:2000")))
	require.NoError(t, err)

	buf := make([]byte, 64)
	require.NoError(t, raw.SetReadDeadline(time.Now().Add(2*time.Second)))
	size, _, err := raw.ReadFrom(buf)
	require.NoError(t, err)

	r := bitstream.New(buf[:size])
	id, typ, result := UnpackHeader(r)
	require.Equal(t, ID(33), id)
	require.Equal(t, TypeResponse, typ)
	require.Equal(t, protocol.UnpackValid, result)
	code, _ := UnpackResponse(r)
	assert.Equal(t, ResponseSuccess, code)

	received, _, _ := rec.counts()
	assert.Equal(t, 0, received)
}

func TestForwardsForeignTraffic(t *testing.T) {
	n := simnet.New()
	s := newSocket(t, n, "10.0.0.2:2000")

	var mu sync.Mutex
	var forwarded [][]byte
	s.SetHandler(unet.HandlerFunc(func(s *unet.Socket, p unet.Packet) {
		defer s.Release(p)
		mu.Lock()
		forwarded = append(forwarded, append([]byte(nil), p.Bytes()...))
		mu.Unlock()
	}))

	e := newEngine(t, s, (&recorder{}).handler())

	raw := n.MustListen("10.0.0.1:1000")
	_, err := raw.WriteTo([]byte{0xa2, 0x01, 0x05, 0, 0}, unet.UDPAddr(s.LocalAddr()))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(forwarded) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Closing the engine reinstalls the previous handler.
	require.NoError(t, e.Close())
	_, isEngine := s.Handler().(*Engine)
	assert.False(t, isEngine)
}

func TestRespondLogsSendFailure(t *testing.T) {
	hook := logtest.NewGlobal()
	level := logrus.GetLevel()
	logrus.SetLevel(logrus.DebugLevel)
	t.Cleanup(func() {
		logrus.SetLevel(level)
		hook.Reset()
		logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))
	})

	n := simnet.New()
	s := newSocket(t, n, "10.0.0.1:1000")
	e := newEngine(t, s, (&recorder{}).handler())
	require.NoError(t, s.Close())

	to := netip.MustParseAddrPort("10.0.0.2:2000")
	e.queue.Sync(func() { e.respond(to, 7, ResponseSuccess) })

	var found *logrus.Entry
	for _, entry := range hook.AllEntries() {
		if entry.Data["function"] == "respond" {
			found = entry
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, logrus.DebugLevel, found.Level)
	assert.Equal(t, "Send failed", found.Message)
	assert.Equal(t, to.String(), found.Data["to"])
	assert.Equal(t, unet.ErrSocketClosed.Error(), found.Data["error"])
}
