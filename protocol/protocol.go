// Package protocol implements the generic header shared by the transaction
// and stream protocols.
//
// Every unet datagram starts with three bytes:
//
//	0            7 8          15 16         23
//	+-------------+-------------+-------------+
//	| Id          | Version     | Type        |
//	+-------------+-------------+-------------+
//	| Transaction or Stream body ...          |
//
// Example:
//
//	b := bitstream.New(buf)
//	protocol.PackHeader(b, protocol.Header{
//	    ID:      protocol.DefaultID,
//	    Version: protocol.DefaultVersion,
//	    Type:    protocol.TypeStream,
//	})
package protocol

import (
	"fmt"

	"github.com/opd-ai/unet/bitstream"
	"github.com/opd-ai/unet/limits"
)

// UnpackResult classifies the outcome of unpacking a header or body.
type UnpackResult int8

const (
	// UnpackInvalid means the bytes do not belong to the protocol.
	UnpackInvalid UnpackResult = -1
	// UnpackValid means the bytes were decoded.
	UnpackValid UnpackResult = 0
	// UnpackUnexpected means the bytes belong to the protocol but carry a
	// value the receiver does not handle.
	UnpackUnexpected UnpackResult = 1
)

// String implements fmt.Stringer.
func (r UnpackResult) String() string {
	switch r {
	case UnpackInvalid:
		return "invalid"
	case UnpackValid:
		return "valid"
	case UnpackUnexpected:
		return "unexpected"
	default:
		return fmt.Sprintf("UnpackResult(%d)", int8(r))
	}
}

// ID identifies an application.
type ID uint8

// Version is the application protocol version.
type Version uint8

// Type selects the transaction or stream body.
type Type uint8

const (
	// DefaultID is the protocol id used by unet peers.
	DefaultID ID = 0xa2
	// DefaultVersion is the current protocol version.
	DefaultVersion Version = 0x01

	// TypeTransaction marks a request/response exchange.
	TypeTransaction Type = 0x01
	// TypeStream marks a packet of an established stream between two peers.
	TypeStream Type = 0x05
)

// String implements fmt.Stringer.
func (t Type) String() string {
	switch t {
	case TypeTransaction:
		return "transaction"
	case TypeStream:
		return "stream"
	default:
		return fmt.Sprintf("Type(0x%02x)", uint8(t))
	}
}

// HeaderSize is the packed size of Header.
const HeaderSize = 3

// MaxLength is the largest datagram any protocol produces.
const MaxLength = limits.MaxPacketLen

// Header is the generic three byte header.
type Header struct {
	ID      ID
	Version Version
	Type    Type
}

// NewHeader returns a header with the default id and version.
func NewHeader(t Type) Header {
	return Header{ID: DefaultID, Version: DefaultVersion, Type: t}
}

// PackHeader writes h.
func PackHeader(b *bitstream.Bitstream, h Header) {
	b.WriteUint8(uint8(h.ID))
	b.WriteUint8(uint8(h.Version))
	b.WriteUint8(uint8(h.Type))
}

// UnpackHeader reads a header and compares it field by field with want. Any
// mismatch or a short buffer is UnpackInvalid.
func UnpackHeader(b *bitstream.Bitstream, want Header) UnpackResult {
	got := Header{
		ID:      ID(b.ReadUint8()),
		Version: Version(b.ReadUint8()),
		Type:    Type(b.ReadUint8()),
	}
	if b.Err() != nil || got != want {
		return UnpackInvalid
	}
	return UnpackValid
}

// Sniff peeks at the header of a raw datagram without consuming it. It is
// used to route a datagram to the engine that owns its type.
func Sniff(data []byte) (Header, bool) {
	if len(data) < HeaderSize {
		return Header{}, false
	}
	return Header{ID: ID(data[0]), Version: Version(data[1]), Type: Type(data[2])}, true
}
