package bitstream

import (
	"encoding/binary"
	"errors"
	"math"
)

var (
	// ErrOverflow indicates a read or write would cross the stream bound.
	ErrOverflow = errors.New("bitstream: overflow")

	// ErrStringTooLong indicates a string exceeds the one byte length prefix
	// or the caller's maximum.
	ErrStringTooLong = errors.New("bitstream: string too long")
)

// Bitstream is a cursor over a fixed byte slice.
type Bitstream struct {
	data   []byte
	offset int
	err    error
}

// New returns a bitstream positioned at the start of data. The bound is len(data).
func New(data []byte) *Bitstream {
	return &Bitstream{data: data}
}

// Reset rewinds the cursor and clears the error.
func (b *Bitstream) Reset() {
	b.offset = 0
	b.err = nil
}

// Offset returns the cursor position.
func (b *Bitstream) Offset() int { return b.offset }

// Bound returns the size of the underlying slice.
func (b *Bitstream) Bound() int { return len(b.data) }

// Remaining returns the number of bytes between the cursor and the bound.
func (b *Bitstream) Remaining() int { return len(b.data) - b.offset }

// Bytes returns the bytes written or consumed so far.
func (b *Bitstream) Bytes() []byte { return b.data[:b.offset] }

// Err returns the first error recorded since the last Reset.
func (b *Bitstream) Err() error { return b.err }

func (b *Bitstream) fits(n int) bool {
	if n < 0 || b.offset+n > len(b.data) {
		if b.err == nil {
			b.err = ErrOverflow
		}
		return false
	}
	return true
}

// Skip advances the cursor by n bytes, or not at all if that crosses the bound.
func (b *Bitstream) Skip(n int) bool {
	if !b.fits(n) {
		return false
	}
	b.offset += n
	return true
}

// Snapshot records a position to roll back to.
type Snapshot struct {
	stream   *Bitstream
	rollback int
	rollover int
}

// Snapshot captures the current cursor.
func (b *Bitstream) Snapshot() Snapshot {
	return Snapshot{stream: b, rollback: b.offset, rollover: b.offset}
}

// Rollback moves the cursor back to the snapshot and remembers where it was,
// so a later Rollover can return there.
func (b *Bitstream) Rollback(s *Snapshot) {
	if s.stream != b {
		return
	}
	s.rollover = b.offset
	b.offset = s.rollback
}

// Rollover moves the cursor forward to the position saved by the last
// Rollback and remembers the current one as the new rollback point.
func (b *Bitstream) Rollover(s *Snapshot) {
	if s.stream != b {
		return
	}
	s.rollback = b.offset
	b.offset = s.rollover
}

// WriteBytes copies p into the stream. It returns the number of bytes
// written, which is either len(p) or 0.
func (b *Bitstream) WriteBytes(p []byte) int {
	if !b.fits(len(p)) {
		return 0
	}
	n := copy(b.data[b.offset:], p)
	b.offset += n
	return n
}

// ReadBytes fills p from the stream. It returns len(p) or 0.
func (b *Bitstream) ReadBytes(p []byte) int {
	if !b.fits(len(p)) {
		return 0
	}
	n := copy(p, b.data[b.offset:b.offset+len(p)])
	b.offset += n
	return n
}

// WriteUint8 writes one byte.
func (b *Bitstream) WriteUint8(v uint8) {
	if b.fits(1) {
		b.data[b.offset] = v
		b.offset++
	}
}

// ReadUint8 reads one byte.
func (b *Bitstream) ReadUint8() uint8 {
	if !b.fits(1) {
		return 0
	}
	v := b.data[b.offset]
	b.offset++
	return v
}

// WriteUint16 writes v in network byte order.
func (b *Bitstream) WriteUint16(v uint16) {
	if b.fits(2) {
		binary.BigEndian.PutUint16(b.data[b.offset:], v)
		b.offset += 2
	}
}

// ReadUint16 reads a network byte order uint16.
func (b *Bitstream) ReadUint16() uint16 {
	if !b.fits(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(b.data[b.offset:])
	b.offset += 2
	return v
}

// WriteUint32 writes v in network byte order.
func (b *Bitstream) WriteUint32(v uint32) {
	if b.fits(4) {
		binary.BigEndian.PutUint32(b.data[b.offset:], v)
		b.offset += 4
	}
}

// ReadUint32 reads a network byte order uint32.
func (b *Bitstream) ReadUint32() uint32 {
	if !b.fits(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(b.data[b.offset:])
	b.offset += 4
	return v
}

// WriteUint64 writes v in network byte order.
func (b *Bitstream) WriteUint64(v uint64) {
	if b.fits(8) {
		binary.BigEndian.PutUint64(b.data[b.offset:], v)
		b.offset += 8
	}
}

// ReadUint64 reads a network byte order uint64.
func (b *Bitstream) ReadUint64() uint64 {
	if !b.fits(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(b.data[b.offset:])
	b.offset += 8
	return v
}

// WriteFloat32 writes the IEEE 754 bits of v in network byte order.
func (b *Bitstream) WriteFloat32(v float32) {
	b.WriteUint32(math.Float32bits(v))
}

// ReadFloat32 reads an IEEE 754 float32.
func (b *Bitstream) ReadFloat32() float32 {
	return math.Float32frombits(b.ReadUint32())
}

// WriteString writes a one byte length followed by the bytes of s. Nothing is
// written if s is longer than 255 bytes or the pair does not fit.
func (b *Bitstream) WriteString(s string) bool {
	if len(s) > math.MaxUint8 {
		if b.err == nil {
			b.err = ErrStringTooLong
		}
		return false
	}
	if !b.fits(1 + len(s)) {
		return false
	}
	b.data[b.offset] = uint8(len(s))
	b.offset++
	b.offset += copy(b.data[b.offset:], s)
	return true
}

// ReadString reads a length-prefixed string of at most maxLen bytes.
func (b *Bitstream) ReadString(maxLen int) (string, bool) {
	start := b.offset
	n := int(b.ReadUint8())
	if b.err != nil {
		return "", false
	}
	if n > maxLen {
		b.offset = start
		b.err = ErrStringTooLong
		return "", false
	}
	if !b.fits(n) {
		b.offset = start
		return "", false
	}
	s := string(b.data[b.offset : b.offset+n])
	b.offset += n
	return s, true
}
