package stun

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"sync"

	"github.com/pion/stun/v3"
	"github.com/sirupsen/logrus"

	unet "github.com/opd-ai/unet/net"
)

// ErrNoPrimary indicates a Server was built without a primary socket.
var ErrNoPrimary = errors.New("stun: server needs a primary socket")

// Sockets is the address grid of a server. Primary and ChangePort share a
// host, as do ChangeHost and ChangeBoth. Primary and ChangeHost share a
// port, as do ChangePort and ChangeBoth. Only Primary is required; without
// ChangeBoth the server advertises no OTHER-ADDRESS.
type Sockets struct {
	Primary    *unet.Socket
	ChangePort *unet.Socket
	ChangeHost *unet.Socket
	ChangeBoth *unet.Socket
}

// grid lays the sockets out by host and port index.
func (s *Sockets) grid() [2][2]*unet.Socket {
	return [2][2]*unet.Socket{
		{s.Primary, s.ChangePort},
		{s.ChangeHost, s.ChangeBoth},
	}
}

// Server answers binding requests on every socket of its grid.
type Server struct {
	grid  [2][2]*unet.Socket
	other netip.AddrPort

	mu        sync.Mutex
	endpoints []*endpoint
}

// endpoint is the handler installed on one server socket.
type endpoint struct {
	server *Server
	socket *unet.Socket
	prev   unet.Handler
	host   int
	port   int
}

// pick returns the socket a response leaves from. Changes are relative to
// the address the request arrived on.
func (ep *endpoint) pick(change uint32) *unet.Socket {
	host, port := ep.host, ep.port
	if change&ChangeHost != 0 {
		host ^= 1
	}
	if change&ChangePort != 0 {
		port ^= 1
	}
	return ep.server.grid[host][port]
}

// NewServer installs a binding responder on each non-nil socket.
func NewServer(sockets Sockets) (*Server, error) {
	if sockets.Primary == nil {
		return nil, ErrNoPrimary
	}
	s := &Server{grid: sockets.grid()}
	if sockets.ChangeBoth != nil {
		s.other = sockets.ChangeBoth.LocalAddr()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for host, row := range s.grid {
		for port, sock := range row {
			if sock == nil {
				continue
			}
			ep := &endpoint{server: s, socket: sock, host: host, port: port}
			sock.Interpose(ep, func(prev unet.Handler) { ep.prev = prev })
			s.endpoints = append(s.endpoints, ep)
		}
	}

	logrus.WithFields(logrus.Fields{
		"component": "stun",
		"function":  "NewServer",
		"primary":   sockets.Primary.LocalAddr().String(),
		"other":     s.other.String(),
	}).Info("STUN server started")
	return s, nil
}

// Close restores the previous handler of every socket. The sockets stay open.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ep := range s.endpoints {
		ep.socket.CompareAndSetHandler(ep, ep.prev)
	}
	s.endpoints = nil
	return nil
}

// HandlePacket implements net.Handler.
func (ep *endpoint) HandlePacket(sock *unet.Socket, p unet.Packet) {
	if !stun.IsMessage(p.Bytes()) {
		sock.Forward(ep.prev, p)
		return
	}
	defer sock.Release(p)

	from := p.Addr()
	log := logrus.WithFields(logrus.Fields{
		"component": "stun",
		"function":  "HandlePacket",
		"from":      from.String(),
		"local":     sock.LocalAddr().String(),
	})

	m := &stun.Message{Raw: append([]byte(nil), p.Bytes()...)}
	if err := m.Decode(); err != nil {
		log.WithField("error", err.Error()).Debug("Malformed STUN message")
		return
	}
	if m.Type != stun.BindingRequest {
		log.WithField("type", m.Type.String()).Debug("Ignoring STUN message")
		return
	}

	var change uint32
	if v, err := m.Get(stun.AttrType(AttrChangeRequest)); err == nil && len(v) == 4 {
		change = binary.BigEndian.Uint32(v)
	}

	out := ep.pick(change)
	if out == nil {
		log.WithField("change", change).Debug("Cannot honor change request")
		ep.reply(sock, from, m.TransactionID,
			stun.NewType(stun.MethodBinding, stun.ClassErrorResponse),
			stun.CodeUnknownAttribute,
		)
		return
	}

	setters := []stun.Setter{
		stun.BindingSuccess,
		&stun.XORMappedAddress{IP: from.Addr().AsSlice(), Port: int(from.Port())},
		&stun.MappedAddress{IP: from.Addr().AsSlice(), Port: int(from.Port())},
		addressAttr{AttrResponseOrigin, out.LocalAddr()},
	}
	if ep.server.other.IsValid() {
		setters = append(setters, addressAttr{AttrOtherAddress, ep.server.other})
	}
	ep.reply(out, from, m.TransactionID, setters...)
}

func (ep *endpoint) reply(out *unet.Socket, to netip.AddrPort, id [stun.TransactionIDSize]byte, setters ...stun.Setter) {
	all := append([]stun.Setter{stun.NewTransactionIDSetter(id)}, setters...)
	all = append(all, stun.Fingerprint)
	resp, err := stun.Build(all...)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "stun",
			"function":  "reply",
			"error":     err.Error(),
		}).Warn("Cannot build STUN response")
		return
	}
	if err := out.SendTo(resp.Raw, to); err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "stun",
			"function":  "reply",
			"to":        to.String(),
			"error":     err.Error(),
		}).Debug("Send failed")
	}
}

// addressAttr adds an address attribute that pion has no type for.
type addressAttr struct {
	t    AttrType
	addr netip.AddrPort
}

func (a addressAttr) AddTo(m *stun.Message) error {
	ma := stun.MappedAddress{IP: a.addr.Addr().AsSlice(), Port: int(a.addr.Port())}
	return ma.AddToAs(m, stun.AttrType(a.t))
}
