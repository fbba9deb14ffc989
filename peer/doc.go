// Package peer models the peers a rendezvous server knows about: an
// identifier plus the local and NAT-mapped addresses the peer reported.
package peer
