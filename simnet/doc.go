// Package simnet provides an in-memory UDP network for tests.
//
// A Network hands out Conns that implement net.PacketConn. Datagrams are
// delivered synchronously into the receiver's inbox, and a Filter can drop
// or rewrite each one in flight, which is enough to model packet loss and
// the address translation a NAT performs. Every datagram is recorded for
// later verification.
//
// SIMULATION ONLY - NOT A REAL NETWORK.
package simnet
