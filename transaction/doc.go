// Package transaction implements a request/response protocol over UDP.
//
// Each request carries a one byte transaction id. The sender keeps the
// packet until a response with the same id arrives, retransmitting it with
// a growing timeout and reporting failure once the retry ceiling is
// reached. The receiver answers every well formed request and hands the
// decoded object to the application.
//
// Wire layout, after the generic three byte header:
//
//	TransactionId(1) | TransactionType(1) | RequestType(1) attributes...
//	TransactionId(1) | TransactionType(1) | ResponseType(1)
//
// Attributes are TLV encoded with a one byte type and a one byte length.
package transaction
