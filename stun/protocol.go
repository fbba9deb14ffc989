package stun

import (
	"net/netip"

	"github.com/opd-ai/unet/bitstream"
	"github.com/opd-ai/unet/protocol"
)

const (
	// HeaderSize is the fixed STUN header length.
	HeaderSize = 20
	// MagicCookie is the fixed header value of RFC 5389.
	MagicCookie uint32 = 0x2112A442
	// TransactionIDSize is the length of a transaction id in bytes.
	TransactionIDSize = 12

	familyIPv4 = 0x01
	familyIPv6 = 0x02

	addressLength = 8
)

// Class is the message class.
type Class uint8

const (
	ClassRequest    Class = 0x00
	ClassIndication Class = 0x01
	ClassSuccess    Class = 0x02
	ClassError      Class = 0x03
)

// Method is the message method.
type Method uint16

// MethodBinding is the only method this package speaks.
const MethodBinding Method = 0x0001

// AttrType identifies an attribute.
type AttrType uint16

const (
	AttrMappedAddress    AttrType = 0x0001
	AttrChangeRequest    AttrType = 0x0003
	AttrErrorCode        AttrType = 0x0009
	AttrXORMappedAddress AttrType = 0x0020
	AttrAlternateServer  AttrType = 0x8023
	AttrResponseOrigin   AttrType = 0x802b
	AttrOtherAddress     AttrType = 0x802c
)

// CHANGE-REQUEST flags.
const (
	ChangeHost uint32 = 0x04
	ChangePort uint32 = 0x02
)

// TransactionID correlates a response with its request.
type TransactionID [TransactionIDSize]byte

// Header is the STUN message header.
type Header struct {
	Method        Method
	Class         Class
	Length        uint16
	TransactionID TransactionID
}

// messageType interleaves method and class bits as in RFC 5389 section 6.
func messageType(m Method, c Class) uint16 {
	t := uint16(m&0x0f80) << 2
	t |= uint16(m&0x0070) << 1
	t |= uint16(m & 0x000f)
	t |= uint16(c&0x02) << 7
	t |= uint16(c&0x01) << 4
	return t
}

func splitType(t uint16) (Method, Class) {
	m := Method(t&0x000f | (t&0x00e0)>>1 | (t&0x3e00)>>2)
	c := Class((t&0x0100)>>7 | (t&0x0010)>>4)
	return m, c
}

// PackHeader writes h.
func PackHeader(b *bitstream.Bitstream, h Header) {
	b.WriteUint16(messageType(h.Method, h.Class))
	b.WriteUint16(h.Length)
	b.WriteUint32(MagicCookie)
	b.WriteBytes(h.TransactionID[:])
}

// UnpackHeader reads a header. Anything that is not STUN is Invalid.
func UnpackHeader(b *bitstream.Bitstream) (Header, protocol.UnpackResult) {
	var h Header
	t := b.ReadUint16()
	h.Length = b.ReadUint16()
	cookie := b.ReadUint32()
	b.ReadBytes(h.TransactionID[:])
	if b.Err() != nil || t&0xc000 != 0 || cookie != MagicCookie || h.Length%4 != 0 {
		return Header{}, protocol.UnpackInvalid
	}
	h.Method, h.Class = splitType(t)
	return h, protocol.UnpackValid
}

// IsMessage reports whether data starts with a STUN header.
func IsMessage(data []byte) bool {
	_, result := UnpackHeader(bitstream.New(data))
	return result == protocol.UnpackValid
}

func padding(n int) int { return (4 - n%4) % 4 }

// PackAddress writes an address attribute such as MAPPED-ADDRESS or
// OTHER-ADDRESS. Only IPv4 is supported.
func PackAddress(b *bitstream.Bitstream, t AttrType, addr netip.AddrPort) {
	ip := addr.Addr().As4()
	b.WriteUint16(uint16(t))
	b.WriteUint16(addressLength)
	b.WriteUint16(familyIPv4)
	b.WriteUint16(addr.Port())
	b.WriteBytes(ip[:])
}

// PackXORAddress writes an XOR-MAPPED-ADDRESS attribute.
func PackXORAddress(b *bitstream.Bitstream, addr netip.AddrPort) {
	ip := addr.Addr().As4()
	host := uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
	b.WriteUint16(uint16(AttrXORMappedAddress))
	b.WriteUint16(addressLength)
	b.WriteUint16(familyIPv4)
	b.WriteUint16(addr.Port() ^ uint16(MagicCookie>>16))
	b.WriteUint32(host ^ MagicCookie)
}

// PackChangeRequest writes a CHANGE-REQUEST attribute.
func PackChangeRequest(b *bitstream.Bitstream, changeHost, changePort bool) {
	var flags uint32
	if changeHost {
		flags |= ChangeHost
	}
	if changePort {
		flags |= ChangePort
	}
	b.WriteUint16(uint16(AttrChangeRequest))
	b.WriteUint16(4)
	b.WriteUint32(flags)
}

// PackErrorCode writes an ERROR-CODE attribute for code, 300 through 699,
// with a padded reason phrase.
func PackErrorCode(b *bitstream.Bitstream, code int, reason string) {
	n := 4 + len(reason)
	b.WriteUint16(uint16(AttrErrorCode))
	b.WriteUint16(uint16(n))
	b.WriteUint16(0)
	b.WriteUint8(uint8(code / 100 & 0x07))
	b.WriteUint8(uint8(code % 100))
	b.WriteBytes([]byte(reason))
	b.WriteBytes(make([]byte, padding(n)))
}

func unpackAddress(b *bitstream.Bitstream, xor bool) (netip.AddrPort, bool) {
	family := b.ReadUint16()
	port := b.ReadUint16()
	host := b.ReadUint32()
	if b.Err() != nil || family != familyIPv4 {
		return netip.AddrPort{}, false
	}
	if xor {
		port ^= uint16(MagicCookie >> 16)
		host ^= MagicCookie
	}
	ip := netip.AddrFrom4([4]byte{byte(host >> 24), byte(host >> 16), byte(host >> 8), byte(host)})
	return netip.AddrPortFrom(ip, port), true
}

func unpackErrorCode(b *bitstream.Bitstream) int {
	n := b.ReadUint32()
	return int(n>>8&0x07)*100 + int(n&0xff)
}

// PackBindingRequest writes a binding request with an empty body.
func PackBindingRequest(b *bitstream.Bitstream, id TransactionID) {
	PackHeader(b, Header{Method: MethodBinding, Class: ClassRequest, TransactionID: id})
}

// PackBindingChangeRequest writes a binding request asking the server to
// answer from another host, another port, or both.
func PackBindingChangeRequest(b *bitstream.Bitstream, id TransactionID, changeHost, changePort bool) {
	PackHeader(b, Header{Method: MethodBinding, Class: ClassRequest, Length: 8, TransactionID: id})
	PackChangeRequest(b, changeHost, changePort)
}

// BindingResponse holds the attributes of a binding response. Absent
// addresses are the zero AddrPort.
type BindingResponse struct {
	Class            Class
	MappedAddress    netip.AddrPort
	XORMappedAddress netip.AddrPort
	OtherAddress     netip.AddrPort
	ResponseOrigin   netip.AddrPort
	ErrorCode        int
	ChangeRequest    uint32
}

// Mapped returns the reflexive address, preferring XOR-MAPPED-ADDRESS.
func (r *BindingResponse) Mapped() netip.AddrPort {
	if r.XORMappedAddress.IsValid() {
		return r.XORMappedAddress
	}
	return r.MappedAddress
}

// PackBindingResponse writes a success or error response carrying every
// attribute set in r.
func PackBindingResponse(b *bitstream.Bitstream, id TransactionID, r *BindingResponse) {
	h := Header{Method: MethodBinding, Class: r.Class, TransactionID: id}
	snap := b.Snapshot()
	PackHeader(b, h)
	body := b.Offset()
	if r.MappedAddress.IsValid() {
		PackAddress(b, AttrMappedAddress, r.MappedAddress)
	}
	if r.XORMappedAddress.IsValid() {
		PackXORAddress(b, r.XORMappedAddress)
	}
	if r.OtherAddress.IsValid() {
		PackAddress(b, AttrOtherAddress, r.OtherAddress)
	}
	if r.ResponseOrigin.IsValid() {
		PackAddress(b, AttrResponseOrigin, r.ResponseOrigin)
	}
	if r.ErrorCode != 0 {
		PackErrorCode(b, r.ErrorCode, "")
	}
	if b.Err() != nil {
		return
	}

	// Rewrite the header once the body length is known.
	h.Length = uint16(b.Offset() - body)
	b.Rollback(&snap)
	PackHeader(b, h)
	b.Rollover(&snap)
}

// UnpackBindingResponse reads a binding response. Valid STUN that is not a
// binding response is Unexpected. Responses must carry a body; unknown
// attributes are skipped and IPv6 addresses make the message Invalid.
func UnpackBindingResponse(b *bitstream.Bitstream) (TransactionID, BindingResponse, protocol.UnpackResult) {
	var r BindingResponse
	h, result := UnpackHeader(b)
	if result != protocol.UnpackValid {
		return TransactionID{}, r, result
	}
	if h.Method != MethodBinding || h.Class == ClassRequest || h.Class == ClassIndication {
		return h.TransactionID, r, protocol.UnpackUnexpected
	}
	if h.Length == 0 || int(h.Length) > b.Remaining() {
		return h.TransactionID, r, protocol.UnpackInvalid
	}
	r.Class = h.Class

	if !unpackAttributes(b, int(h.Length), &r) {
		return h.TransactionID, r, protocol.UnpackInvalid
	}
	return h.TransactionID, r, protocol.UnpackValid
}

// UnpackBindingRequest reads a binding request and its CHANGE-REQUEST, if
// any.
func UnpackBindingRequest(b *bitstream.Bitstream) (TransactionID, uint32, protocol.UnpackResult) {
	h, result := UnpackHeader(b)
	if result != protocol.UnpackValid {
		return TransactionID{}, 0, result
	}
	if h.Method != MethodBinding || h.Class != ClassRequest {
		return h.TransactionID, 0, protocol.UnpackUnexpected
	}
	if int(h.Length) > b.Remaining() {
		return h.TransactionID, 0, protocol.UnpackInvalid
	}
	var r BindingResponse
	if !unpackAttributes(b, int(h.Length), &r) {
		return h.TransactionID, 0, protocol.UnpackInvalid
	}
	return h.TransactionID, r.ChangeRequest, protocol.UnpackValid
}

func unpackAttributes(b *bitstream.Bitstream, length int, r *BindingResponse) bool {
	end := b.Offset() + length
	for b.Offset() < end {
		t := AttrType(b.ReadUint16())
		n := int(b.ReadUint16())
		if b.Err() != nil || b.Offset()+n > end {
			return false
		}
		valueEnd := b.Offset() + n

		ok := true
		switch t {
		case AttrMappedAddress:
			r.MappedAddress, ok = unpackAddress(b, false)
		case AttrXORMappedAddress:
			r.XORMappedAddress, ok = unpackAddress(b, true)
		case AttrAlternateServer, AttrOtherAddress:
			r.OtherAddress, ok = unpackAddress(b, false)
		case AttrResponseOrigin:
			r.ResponseOrigin, ok = unpackAddress(b, false)
		case AttrErrorCode:
			if n < 4 {
				return false
			}
			r.ErrorCode = unpackErrorCode(b)
		case AttrChangeRequest:
			if n != 4 {
				return false
			}
			r.ChangeRequest = b.ReadUint32()
		}
		if !ok || b.Err() != nil || b.Offset() > valueEnd {
			return false
		}
		if !b.Skip(valueEnd - b.Offset() + padding(n)) {
			return false
		}
	}
	return b.Offset() == end
}
