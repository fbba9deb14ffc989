package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	unet "github.com/opd-ai/unet/net"
	"github.com/opd-ai/unet/peer"
	"github.com/opd-ai/unet/stream"
	"github.com/opd-ai/unet/stun"
	"github.com/opd-ai/unet/transaction"
)

// peerListLimit caps the peers returned to one Online request.
const peerListLimit = 5

var (
	serveSTUN    bool
	stunPort     int
	stunAltHost  string
	stunBindHost string
)

// echo remembers the newest payload received on any stream.
type echo struct {
	mu   sync.Mutex
	last []byte
}

func (e *echo) store(data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.last = append(e.last[:0], data...)
}

func (e *echo) writeTo(obj *stream.Object) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, _ = obj.Write(e.last)
}

// rendezvous tracks peers that announce themselves with Online and answers
// each announcement with a PeerList of the others.
type rendezvous struct {
	peers  *peer.List
	engine atomic.Pointer[transaction.Engine]
}

func (r *rendezvous) receive(from netip.AddrPort, obj transaction.Object) {
	log := logrus.WithFields(logrus.Fields{
		"component": "unetctl",
		"function":  "receive",
		"from":      from.String(),
		"request":   obj.RequestType().String(),
	})

	switch o := obj.(type) {
	case *transaction.Online:
		id := strconv.FormatUint(o.UID, 10)
		mapped := o.Mapped
		if !mapped.IsValid() || mapped.Addr().IsUnspecified() {
			mapped = from
		}
		if _, err := r.peers.Add(id, o.Local, mapped); err != nil {
			log.WithField("error", err.Error()).Warn("Cannot add peer")
			return
		}
		others := r.peers.Snapshot(peerListLimit, id)
		// Peers behind the same NAT are handed each other's local address.
		self := peer.Peer{ID: id, Local: o.Local, Mapped: mapped}
		for i := range others {
			if self.SameNetwork(&others[i]) {
				others[i].Mapped = others[i].Local
			}
		}
		e := r.engine.Load()
		if e == nil {
			return
		}
		if _, err := e.Request(from, &transaction.PeerList{Peers: others}); err != nil {
			log.WithField("error", err.Error()).Warn("Cannot send peer list")
			return
		}
		log.WithField("peers", len(others)).Info("Peer online")

	case *transaction.Offline:
		if r.peers.Remove(o.PeerID) {
			log.WithField("peer_id", o.PeerID).Info("Peer offline")
		}

	default:
		log.Debug("Request answered")
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Answer transactions, echo streams and optionally STUN",
	Long: `Serve answers every transaction request, keeps a peer list fed by Online
announcements, and echoes the newest stream payload back to every stream.
A peer is keyed by the decimal UID of its Online request, and Offline must
name that same string as its peer id. Peers sharing a mapped host get each
other's local address in the peer list.
With --stun it also answers STUN binding requests on two ports, or on a
full host/port grid when --stun-alt-host is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(context.Background())
		defer cancel()

		s, err := listen()
		if err != nil {
			return err
		}
		defer s.Close()

		ec := &echo{}
		var se *stream.Engine
		se, err = stream.NewEngine(s, stream.Handler{
			OnUpdate:  ec.writeTo,
			OnReceive: func(_ netip.AddrPort, data []byte) { ec.store(data) },
			OnTimeout: func(addr netip.AddrPort) { _ = se.Remove(addr) },
		}, cfg.StreamOptions()...)
		if err != nil {
			return err
		}
		defer se.Close()

		rv := &rendezvous{peers: peer.NewList()}
		te, err := transaction.NewEngine(s, transaction.Handler{
			OnReceive: rv.receive,
			OnError: func(to netip.AddrPort, id transaction.ID, status transaction.Status) {
				logrus.WithFields(logrus.Fields{
					"component": "unetctl",
					"function":  "OnError",
					"to":        to.String(),
					"id":        id,
					"status":    status.String(),
				}).Debug("Request failed")
			},
		}, cfg.TransactionOptions()...)
		if err != nil {
			return err
		}
		defer te.Close()
		rv.engine.Store(te)

		if serveSTUN {
			srv, closeAll, err := startSTUN()
			if err != nil {
				return err
			}
			defer closeAll()
			defer srv.Close()
		}

		fmt.Fprintf(cmd.OutOrStdout(), "serving %s as %s\n", s.LocalAddr(), peer.NewID())
		<-ctx.Done()
		return nil
	},
}

// startSTUN opens the STUN socket grid and starts a server on it.
func startSTUN() (*stun.Server, func(), error) {
	var opened []*unet.Socket
	closeAll := func() {
		for _, s := range opened {
			_ = s.Close()
		}
	}
	open := func(host string, port int) (*unet.Socket, error) {
		s, err := unet.Listen(host, port, cfg.SocketOptions()...)
		if err != nil {
			return nil, fmt.Errorf("failed to open STUN socket %s: %w", net.JoinHostPort(host, strconv.Itoa(port)), err)
		}
		opened = append(opened, s)
		return s, nil
	}

	var sockets stun.Sockets
	var err error
	if sockets.Primary, err = open(stunBindHost, stunPort); err != nil {
		closeAll()
		return nil, nil, err
	}
	if sockets.ChangePort, err = open(stunBindHost, stunPort+1); err != nil {
		closeAll()
		return nil, nil, err
	}
	if stunAltHost != "" {
		if sockets.ChangeHost, err = open(stunAltHost, stunPort); err != nil {
			closeAll()
			return nil, nil, err
		}
		if sockets.ChangeBoth, err = open(stunAltHost, stunPort+1); err != nil {
			closeAll()
			return nil, nil, err
		}
	}

	srv, err := stun.NewServer(sockets)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return srv, closeAll, nil
}

func init() {
	serveCmd.Flags().BoolVar(&serveSTUN, "stun", false, "also answer STUN binding requests")
	serveCmd.Flags().IntVar(&stunPort, "stun-port", stun.DefaultPort, "STUN primary port; the next port is the alternate")
	serveCmd.Flags().StringVar(&stunBindHost, "stun-host", "", "STUN primary address")
	serveCmd.Flags().StringVar(&stunAltHost, "stun-alt-host", "", "STUN alternate address enabling CHANGE-REQUEST host changes")
	rootCmd.AddCommand(serveCmd)
}
