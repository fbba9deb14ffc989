package net

import (
	"fmt"
	"net/netip"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/unet/bitstream"
	"github.com/opd-ai/unet/limits"
	"github.com/opd-ai/unet/pool"
)

// DefaultPoolSize is the number of packet buffers a socket allocates when
// no pool is supplied.
const DefaultPoolSize = 1024

type buffer struct {
	data [limits.MaxPacketLen]byte
	n    int
	addr netip.AddrPort
}

// Packet is a handle to a pooled datagram buffer. It is passed by value;
// the zero Packet is invalid.
type Packet struct {
	ref pool.Handle
	buf *buffer
}

// IsValid reports whether p was handed out by a pool.
func (p Packet) IsValid() bool { return p.buf != nil }

// Handle returns the pool handle behind p.
func (p Packet) Handle() pool.Handle { return p.ref }

// Addr returns the remote address: the source of a received packet or the
// destination of one being sent.
func (p Packet) Addr() netip.AddrPort { return p.buf.addr }

// SetAddr sets the remote address.
func (p Packet) SetAddr(addr netip.AddrPort) { p.buf.addr = addr }

// Len returns the number of valid bytes.
func (p Packet) Len() int { return p.buf.n }

// SetLen sets the number of valid bytes, clamped to the buffer capacity.
func (p Packet) SetLen(n int) {
	switch {
	case n < 0:
		n = 0
	case n > limits.MaxPacketLen:
		n = limits.MaxPacketLen
	}
	p.buf.n = n
}

// Bytes returns the valid bytes. The slice aliases pool memory and must not
// be used after the last reference is released.
func (p Packet) Bytes() []byte { return p.buf.data[:p.buf.n] }

// SetData copies data into the buffer. It fails when data does not fit.
func (p Packet) SetData(data []byte) error {
	if err := limits.ValidatePacket(data); err != nil {
		return err
	}
	p.buf.n = copy(p.buf.data[:], data)
	return nil
}

// Writer returns a bitstream over the whole buffer for packing. Call
// SetLen with its Offset once packing is done.
func (p Packet) Writer() *bitstream.Bitstream {
	return bitstream.New(p.buf.data[:])
}

// Reader returns a bitstream over the valid bytes for unpacking.
func (p Packet) Reader() *bitstream.Bitstream {
	return bitstream.New(p.buf.data[:p.buf.n])
}

// Commit sets the packet length from a writer returned by Writer.
func (p Packet) Commit(w *bitstream.Bitstream) error {
	if err := w.Err(); err != nil {
		return err
	}
	p.SetLen(w.Offset())
	return nil
}

func (p Packet) String() string {
	if !p.IsValid() {
		return "packet(invalid)"
	}
	return fmt.Sprintf("packet(%s, %d bytes, %s)", p.ref, p.buf.n, p.buf.addr)
}

// PacketPool hands out reference counted packets from a fixed arena.
type PacketPool struct {
	slab *pool.Pool[buffer]
}

// NewPacketPool pre-allocates capacity packet buffers.
func NewPacketPool(capacity int) (*PacketPool, error) {
	slab, err := pool.New[buffer](capacity)
	if err != nil {
		return nil, newSocketError("pool", "", err)
	}
	return &PacketPool{slab: slab}, nil
}

// Alloc returns an empty packet with one reference. It returns false when
// the pool is exhausted.
func (pp *PacketPool) Alloc() (Packet, bool) {
	h, buf, ok := pp.slab.Alloc()
	if !ok {
		logrus.WithFields(logrus.Fields{
			"component": "pool",
			"function":  "Alloc",
			"capacity":  pp.slab.Cap(),
		}).Debug("Packet pool exhausted")
		return Packet{}, false
	}
	buf.n = 0
	buf.addr = netip.AddrPort{}
	return Packet{ref: h, buf: buf}, true
}

// Retain adds a reference to p.
func (pp *PacketPool) Retain(p Packet) bool { return pp.slab.Retain(p.ref) }

// Release drops a reference to p.
func (pp *PacketPool) Release(p Packet) bool { return pp.slab.Release(p.ref) }

// Free returns p to the pool regardless of its references.
func (pp *PacketPool) Free(p Packet) bool { return pp.slab.Free(p.ref) }

// Live reports whether p still holds at least one reference.
func (pp *PacketPool) Live(p Packet) bool { return pp.slab.Live(p.ref) }

// RefCount returns the references held on p.
func (pp *PacketPool) RefCount(p Packet) int { return pp.slab.RefCount(p.ref) }

// Stats returns the pool occupancy.
func (pp *PacketPool) Stats() pool.Stats { return pp.slab.Stats() }
