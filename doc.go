// Package unet is a peer-to-peer networking stack over a single UDP socket.
//
// The stack is split into small packages that share one socket:
//
//   - net owns the UDP socket, its packet pool and the handler chain.
//   - transaction sends requests with retransmission and answers them.
//   - stream runs unreliable, acknowledged streams with congestion-aware
//     pacing.
//   - stun classifies the NAT in front of the host and serves STUN.
//
// Each engine installs itself in front of the socket's current handler and
// forwards every datagram it does not own, so any combination can run on
// one port:
//
//	socket, err := net.Listen("", 0)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer socket.Close()
//
//	results, err := stun.Resolve(ctx, socket, "stun.example.org")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	tx, err := transaction.NewEngine(socket, transaction.Handler{
//	    OnReceive: func(from netip.AddrPort, obj transaction.Object) {},
//	    OnError:   func(to netip.AddrPort, id transaction.ID, s transaction.Status) {},
//	})
//
//	st, err := stream.NewEngine(socket, stream.Handler{
//	    OnUpdate:  func(obj *stream.Object) { obj.Write(state) },
//	    OnReceive: func(from netip.AddrPort, data []byte) {},
//	    OnTimeout: func(addr netip.AddrPort) {},
//	})
//	st.Add(results.Mapped)
//
// Lower layers are usable on their own: pool is a reference-counted slab,
// list and queue are fixed-capacity containers over it, bitstream is the
// bounds-checked wire codec and dispatch provides the serial queues and
// timers every engine runs on. simnet is an in-memory network for tests.
//
// The unetctl command in cmd/unetctl drives all of it from a shell.
package unet
