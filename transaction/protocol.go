package transaction

import (
	"fmt"
	"net/netip"

	"github.com/opd-ai/unet/bitstream"
	"github.com/opd-ai/unet/limits"
	"github.com/opd-ai/unet/protocol"
)

// ID identifies a transaction. Ids are assigned cyclically.
type ID uint8

// MaxID is the number of distinct transaction ids.
const MaxID = 256

// Type distinguishes requests from responses.
type Type uint8

const (
	TypeRequest  Type = 0x01
	TypeResponse Type = 0x02
)

// ResponseType is the status carried by a response.
type ResponseType uint8

const (
	ResponseProvisional   ResponseType = 0x01
	ResponseSuccess       ResponseType = 0x02
	ResponseClientError   ResponseType = 0x04
	ResponseServerError   ResponseType = 0x05
	ResponseGlobalFailure ResponseType = 0x06
)

func (r ResponseType) String() string {
	switch r {
	case ResponseProvisional:
		return "Provisional"
	case ResponseSuccess:
		return "Success"
	case ResponseClientError:
		return "ClientError"
	case ResponseServerError:
		return "ServerError"
	case ResponseGlobalFailure:
		return "GlobalFailure"
	default:
		return fmt.Sprintf("ResponseType(%d)", uint8(r))
	}
}

// RequestType identifies the object a request carries.
type RequestType uint8

const (
	RequestEmpty          RequestType = 0x01
	RequestPing           RequestType = 0x11
	RequestPong           RequestType = 0x12
	RequestUserCreate     RequestType = 0x50
	RequestUserRead       RequestType = 0x51
	RequestUserUpdate     RequestType = 0x52
	RequestUserDelete     RequestType = 0x53
	RequestResourceCreate RequestType = 0x70
	RequestResourceRead   RequestType = 0x71
	RequestResourceUpdate RequestType = 0x72
	RequestResourceDelete RequestType = 0x73
	RequestOnline         RequestType = 0x91
	RequestOffline        RequestType = 0x92
	RequestPeerList       RequestType = 0x93
	RequestConnect        RequestType = 0xc0
	RequestConnectAccept  RequestType = 0xc1
	RequestConnectRefuse  RequestType = 0xc2
	RequestDisconnect     RequestType = 0xc3
)

var requestNames = map[RequestType]string{
	RequestEmpty:          "Empty",
	RequestPing:           "Ping",
	RequestPong:           "Pong",
	RequestUserCreate:     "UserCreate",
	RequestUserRead:       "UserRead",
	RequestUserUpdate:     "UserUpdate",
	RequestUserDelete:     "UserDelete",
	RequestResourceCreate: "ResourceCreate",
	RequestResourceRead:   "ResourceRead",
	RequestResourceUpdate: "ResourceUpdate",
	RequestResourceDelete: "ResourceDelete",
	RequestOnline:         "Online",
	RequestOffline:        "Offline",
	RequestPeerList:       "PeerList",
	RequestConnect:        "Connect",
	RequestConnectAccept:  "ConnectAccept",
	RequestConnectRefuse:  "ConnectRefuse",
	RequestDisconnect:     "Disconnect",
}

func (r RequestType) String() string {
	if name, ok := requestNames[r]; ok {
		return name
	}
	return fmt.Sprintf("RequestType(%#x)", uint8(r))
}

// AttributeType tags a TLV attribute.
type AttributeType uint8

const (
	AttributeString  AttributeType = 0x01
	AttributeAddress AttributeType = 0x02
	AttributeSeconds AttributeType = 0x03
	AttributeCount   AttributeType = 0x04
)

// Fixed attribute value lengths.
const (
	AddressLength = 8
	SecondsLength = 4
	CountLength   = 2
)

// HeaderSize is the generic header plus id and type.
const HeaderSize = protocol.HeaderSize + 2

// PackHeader writes the generic header followed by id and t.
func PackHeader(b *bitstream.Bitstream, id ID, t Type) {
	protocol.PackHeader(b, protocol.NewHeader(protocol.TypeTransaction))
	b.WriteUint8(uint8(id))
	b.WriteUint8(uint8(t))
}

// UnpackHeader reads and validates the headers.
func UnpackHeader(b *bitstream.Bitstream) (ID, Type, protocol.UnpackResult) {
	if protocol.UnpackHeader(b, protocol.NewHeader(protocol.TypeTransaction)) != protocol.UnpackValid {
		return 0, 0, protocol.UnpackInvalid
	}
	id := ID(b.ReadUint8())
	t := Type(b.ReadUint8())
	if b.Err() != nil {
		return 0, 0, protocol.UnpackInvalid
	}
	return id, t, protocol.UnpackValid
}

// PackResponse writes the response status.
func PackResponse(b *bitstream.Bitstream, r ResponseType) {
	b.WriteUint8(uint8(r))
}

// UnpackResponse reads the response status.
func UnpackResponse(b *bitstream.Bitstream) (ResponseType, protocol.UnpackResult) {
	r := ResponseType(b.ReadUint8())
	if b.Err() != nil {
		return 0, protocol.UnpackInvalid
	}
	return r, protocol.UnpackValid
}

// PackString writes a string attribute. The length byte counts the type and
// length bytes plus the string, matching deployed peers.
func PackString(b *bitstream.Bitstream, s string) {
	b.WriteUint8(uint8(AttributeString))
	b.WriteUint8(uint8(2 + len(s)))
	b.WriteString(s)
}

// UnpackString reads a string attribute of at most maxLen bytes.
func UnpackString(b *bitstream.Bitstream, maxLen int) (string, protocol.UnpackResult) {
	if AttributeType(b.ReadUint8()) != AttributeString {
		return "", protocol.UnpackInvalid
	}
	b.ReadUint8() // length, implied by the string prefix
	s, ok := b.ReadString(maxLen)
	if !ok || b.Err() != nil {
		return "", protocol.UnpackInvalid
	}
	return s, protocol.UnpackValid
}

// PackAddress writes an address attribute: port then IPv4 host, both in
// network byte order. Invalid or IPv6 addresses are written as zeros.
func PackAddress(b *bitstream.Bitstream, addr netip.AddrPort) {
	b.WriteUint8(uint8(AttributeAddress))
	b.WriteUint8(AddressLength)
	b.WriteUint16(addr.Port())

	var host [4]byte
	if ip := addr.Addr().Unmap(); ip.Is4() {
		host = ip.As4()
	}
	b.WriteBytes(host[:])
}

// UnpackAddress reads an address attribute.
func UnpackAddress(b *bitstream.Bitstream) (netip.AddrPort, protocol.UnpackResult) {
	if AttributeType(b.ReadUint8()) != AttributeAddress {
		return netip.AddrPort{}, protocol.UnpackInvalid
	}
	if b.ReadUint8() != AddressLength {
		return netip.AddrPort{}, protocol.UnpackInvalid
	}
	port := b.ReadUint16()
	var host [4]byte
	if b.ReadBytes(host[:]) != len(host) || b.Err() != nil {
		return netip.AddrPort{}, protocol.UnpackInvalid
	}
	return netip.AddrPortFrom(netip.AddrFrom4(host), port), protocol.UnpackValid
}

// PackSeconds writes a seconds attribute.
func PackSeconds(b *bitstream.Bitstream, seconds uint32) {
	b.WriteUint8(uint8(AttributeSeconds))
	b.WriteUint8(SecondsLength)
	b.WriteUint32(seconds)
}

// UnpackSeconds reads a seconds attribute.
func UnpackSeconds(b *bitstream.Bitstream) (uint32, protocol.UnpackResult) {
	if AttributeType(b.ReadUint8()) != AttributeSeconds {
		return 0, protocol.UnpackInvalid
	}
	if b.ReadUint8() != SecondsLength {
		return 0, protocol.UnpackInvalid
	}
	v := b.ReadUint32()
	if b.Err() != nil {
		return 0, protocol.UnpackInvalid
	}
	return v, protocol.UnpackValid
}

// PackCount writes a count attribute.
func PackCount(b *bitstream.Bitstream, count uint16) {
	b.WriteUint8(uint8(AttributeCount))
	b.WriteUint8(CountLength)
	b.WriteUint16(count)
}

// UnpackCount reads a count attribute.
func UnpackCount(b *bitstream.Bitstream) (uint16, protocol.UnpackResult) {
	if AttributeType(b.ReadUint8()) != AttributeCount {
		return 0, protocol.UnpackInvalid
	}
	if b.ReadUint8() != CountLength {
		return 0, protocol.UnpackInvalid
	}
	v := b.ReadUint16()
	if b.Err() != nil {
		return 0, protocol.UnpackInvalid
	}
	return v, protocol.UnpackValid
}

// PackRequest writes the request type and the object body.
func PackRequest(b *bitstream.Bitstream, obj Object) {
	b.WriteUint8(uint8(obj.RequestType()))
	obj.pack(b)
}

// UnpackRequest reads a request body. Request types without a known object
// yield UnpackUnexpected and a nil object.
func UnpackRequest(b *bitstream.Bitstream) (Object, protocol.UnpackResult) {
	t := RequestType(b.ReadUint8())
	if b.Err() != nil {
		return nil, protocol.UnpackInvalid
	}

	obj := newObject(t)
	if obj == nil {
		return nil, protocol.UnpackUnexpected
	}
	if r := obj.unpack(b); r != protocol.UnpackValid {
		return nil, r
	}
	if b.Err() != nil {
		return nil, protocol.UnpackInvalid
	}
	return obj, protocol.UnpackValid
}

// packedSize returns the encoded length of a request carrying obj.
func packedSize(obj Object) (int, error) {
	var scratch [limits.MaxPacketLen]byte
	b := bitstream.New(scratch[:])
	PackHeader(b, 0, TypeRequest)
	PackRequest(b, obj)
	if err := b.Err(); err != nil {
		return 0, fmt.Errorf("%w: %s does not fit in one packet", limits.ErrMessageTooLarge, obj.RequestType())
	}
	return b.Offset(), nil
}
