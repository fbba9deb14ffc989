// Package stream implements continuous unreliable streaming between peers.
//
// Every stream packet carries the sender's sequence number together with
// an ack and a 32 bit field acknowledging recent packets from the other
// side. Reliability turns these into round trip time, loss and bandwidth
// figures without retransmitting anything. Flow picks a send rate from
// the round trip time, and Engine drives both for a set of peers on a
// fixed tick, broadcasting one application snapshot to every peer.
//
// Wire layout, after the generic three byte header:
//
//	Sequence(4) | Ack(4) | AckBits(4) | Length(2) | Data
package stream
