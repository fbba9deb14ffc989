// Package limits provides centralized size limits for the unet protocols.
// This ensures consistent validation across different components of the system.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxPacketLen is the capacity of one pooled datagram buffer.
	MaxPacketLen = 256

	// MaxReadBuffer is the scratch buffer used by the socket reader. Datagrams
	// longer than MaxPacketLen are detected against it and dropped.
	MaxReadBuffer = 2048

	// MaxTransactionObject is the largest request body after the 4 byte
	// transaction header prefix.
	MaxTransactionObject = MaxPacketLen - 4

	// MaxStreamObject is the largest payload one stream packet carries.
	MaxStreamObject = MaxPacketLen - 22

	// MaxPeerID is the longest peer identifier accepted on the wire.
	MaxPeerID = 31

	// MaxUserName is the longest user name accepted on the wire.
	MaxUserName = 39

	// MaxUserEmail is the longest user email accepted on the wire.
	MaxUserEmail = 39

	// MaxResourceData is the largest opaque resource payload.
	MaxResourceData = 128

	// MaxPeerListCount is the number of peers one PeerList object carries.
	MaxPeerListCount = 10

	// MaxWireString is the longest string a one byte length prefix can describe.
	MaxWireString = 255
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrStringTooLong indicates a string field exceeds its wire limit
	ErrStringTooLong = errors.New("string too long")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidatePacket validates a raw datagram against MaxPacketLen.
func ValidatePacket(data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if len(data) > MaxPacketLen {
		return fmt.Errorf("%w: packet size %d exceeds limit %d", ErrMessageTooLarge, len(data), MaxPacketLen)
	}
	return nil
}

// ValidateStreamObject validates a stream payload against MaxStreamObject.
// An empty payload is allowed: a stream packet without data still carries acks.
func ValidateStreamObject(payload []byte) error {
	if len(payload) > MaxStreamObject {
		return fmt.Errorf("%w: stream object size %d exceeds limit %d", ErrMessageTooLarge, len(payload), MaxStreamObject)
	}
	return nil
}

// ValidateResourceData validates a resource payload against MaxResourceData.
func ValidateResourceData(data []byte) error {
	if len(data) > MaxResourceData {
		return fmt.Errorf("%w: resource size %d exceeds limit %d", ErrMessageTooLarge, len(data), MaxResourceData)
	}
	return nil
}

// ValidateString validates a string field against maxLen bytes.
func ValidateString(field, s string, maxLen int) error {
	if len(s) > maxLen {
		return fmt.Errorf("%w: %s length %d exceeds limit %d", ErrStringTooLong, field, len(s), maxLen)
	}
	return nil
}
