// Package net provides the UDP socket used by every unet engine.
//
// The package provides:
//   - Packet: a pooled, reference counted datagram buffer with its remote
//     IPv4 address
//   - PacketPool: the fixed-capacity arena that hands out packets
//   - Socket: a UDP socket with a reader goroutine that allocates packets
//     and a writer goroutine that drains a send queue
//   - Resolve and LocalAddr for IPv4 address discovery
//   - NetError and SocketError for typed setup failures
//
// Ownership follows the pool's reference counts. A packet passed to a
// Handler belongs to the handler, which must Release it. Send retains the
// packet, so the caller still releases its own reference after sending.
//
// Example usage:
//
//	sock, err := net.Listen("0.0.0.0", 0)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sock.Close()
//
//	sock.SetHandler(net.HandlerFunc(func(s *net.Socket, p net.Packet) {
//	    defer s.Release(p)
//	    fmt.Println(p.Addr(), p.Len())
//	}))
//
// Only IPv4 is supported.
package net
