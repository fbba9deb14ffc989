package stream

import (
	"github.com/opd-ai/unet/bitstream"
	"github.com/opd-ai/unet/limits"
	"github.com/opd-ai/unet/protocol"
)

// HeaderSize is the generic header plus sequence, ack and ack bits.
const HeaderSize = protocol.HeaderSize + 12

// Header is the per-packet reliability state.
type Header struct {
	Sequence uint32
	Ack      uint32
	AckBits  uint32
}

// PackHeader writes the generic header followed by h.
func PackHeader(b *bitstream.Bitstream, h Header) {
	protocol.PackHeader(b, protocol.NewHeader(protocol.TypeStream))
	b.WriteUint32(h.Sequence)
	b.WriteUint32(h.Ack)
	b.WriteUint32(h.AckBits)
}

// UnpackHeader reads and validates a stream header.
func UnpackHeader(b *bitstream.Bitstream) (Header, protocol.UnpackResult) {
	if protocol.UnpackHeader(b, protocol.NewHeader(protocol.TypeStream)) != protocol.UnpackValid {
		return Header{}, protocol.UnpackInvalid
	}
	h := Header{
		Sequence: b.ReadUint32(),
		Ack:      b.ReadUint32(),
		AckBits:  b.ReadUint32(),
	}
	if b.Err() != nil {
		return Header{}, protocol.UnpackInvalid
	}
	return h, protocol.UnpackValid
}

// PackData writes a length-prefixed object.
func PackData(b *bitstream.Bitstream, data []byte) {
	b.WriteUint16(uint16(len(data)))
	b.WriteBytes(data)
}

// UnpackData reads a length-prefixed object. The result aliases b.
func UnpackData(b *bitstream.Bitstream) ([]byte, protocol.UnpackResult) {
	n := int(b.ReadUint16())
	if b.Err() != nil || n > limits.MaxStreamObject || n > b.Remaining() {
		return nil, protocol.UnpackInvalid
	}
	start := b.Offset()
	b.Skip(n)
	return b.Bytes()[start : start+n], protocol.UnpackValid
}

// Object is the buffer an application fills on each update. It holds at
// most limits.MaxStreamObject bytes.
type Object struct {
	buf [limits.MaxStreamObject]byte
	w   *bitstream.Bitstream
}

// NewObject returns an empty object.
func NewObject() *Object {
	o := &Object{}
	o.w = bitstream.New(o.buf[:])
	return o
}

// Writer returns the bitstream to pack the update into.
func (o *Object) Writer() *bitstream.Bitstream { return o.w }

// Bytes returns what was written so far.
func (o *Object) Bytes() []byte { return o.w.Bytes() }

// Write appends p, implementing io.Writer. It fails without writing when p
// does not fit.
func (o *Object) Write(p []byte) (int, error) {
	if len(p) > o.w.Remaining() {
		return 0, limits.ErrMessageTooLarge
	}
	return o.w.WriteBytes(p), nil
}

func (o *Object) reset() { o.w.Reset() }
