// Package limits provides centralized size constants and validation functions
// for the unet wire protocols. Every component that packs or unpacks a datagram
// checks its sizes against the values defined here.
//
// # Size Hierarchy
//
//   - MaxPacketLen (256 bytes): the fixed capacity of a pooled datagram buffer.
//     Inbound datagrams larger than this are dropped by the socket.
//
//   - MaxTransactionObject (252 bytes): the request body that fits after the
//     transaction header.
//
//   - MaxStreamObject (234 bytes): the application payload carried by one
//     stream packet.
//
//   - MaxPeerID, MaxUserName, MaxUserEmail, MaxResourceData: per-field limits
//     for transaction request objects.
//
// # Validation Functions
//
//	if err := limits.ValidateStreamObject(payload); err != nil {
//	    // ErrMessageEmpty or ErrMessageTooLarge
//	}
//
// String fields are validated with ValidateString, which returns
// ErrStringTooLong wrapped with the offending length.
package limits
