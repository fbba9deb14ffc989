package net

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Common errors for unet sockets
var (
	// ErrSocketClosed indicates the socket has been closed
	ErrSocketClosed = errors.New("socket closed")

	// ErrPoolExhausted indicates no packet buffer was available
	ErrPoolExhausted = errors.New("packet pool exhausted")

	// ErrIPv6Unsupported indicates an IPv6 address was supplied
	ErrIPv6Unsupported = errors.New("ipv6 is not supported")

	// ErrInvalidPort indicates a port outside 0-65535
	ErrInvalidPort = errors.New("invalid port")

	// ErrNoAddress indicates a name resolved to no IPv4 address
	ErrNoAddress = errors.New("no ipv4 address")
)

// NetError classifies transport failures surfaced at setup time.
type NetError int

const (
	// NoError means the operation succeeded.
	NoError NetError = iota
	// UnreachableError means the network is down or unreachable.
	UnreachableError
	// NotKnownError means the host name does not exist.
	NotKnownError
	// CouldNotResolveError means name resolution failed temporarily or fatally.
	CouldNotResolveError
	// BindError means the local address could not be bound.
	BindError
	// SockError means a socket level I/O failure.
	SockError
	// InvalidError means the parameters were invalid.
	InvalidError
	// OtherError covers everything else.
	OtherError
)

// String implements fmt.Stringer.
func (k NetError) String() string {
	switch k {
	case NoError:
		return "no error"
	case UnreachableError:
		return "unreachable"
	case NotKnownError:
		return "not known"
	case CouldNotResolveError:
		return "could not resolve"
	case BindError:
		return "bind"
	case SockError:
		return "socket"
	case InvalidError:
		return "invalid"
	default:
		return "other"
	}
}

// Classify maps an error returned by the operating system or the resolver
// to a NetError.
func Classify(err error) NetError {
	if err == nil {
		return NoError
	}

	var socketErr *SocketError
	if errors.As(err, &socketErr) {
		return socketErr.Kind
	}

	if errors.Is(err, ErrIPv6Unsupported) || errors.Is(err, ErrInvalidPort) {
		return InvalidError
	}
	if errors.Is(err, ErrNoAddress) {
		return NotKnownError
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return NotKnownError
		}
		return CouldNotResolveError
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return classifyErrno(errno)
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) {
		return InvalidError
	}

	return OtherError
}

func classifyErrno(errno syscall.Errno) NetError {
	switch errno {
	case syscall.ENETDOWN, syscall.ENETUNREACH:
		return UnreachableError
	case syscall.EADDRINUSE, syscall.EADDRNOTAVAIL, syscall.EAFNOSUPPORT:
		return BindError
	case syscall.EIO, syscall.EAGAIN:
		return SockError
	case syscall.EMSGSIZE, syscall.EBADF, syscall.ENOTSOCK, syscall.EINVAL:
		return InvalidError
	default:
		return OtherError
	}
}

// SocketError represents a setup or I/O failure with additional context
type SocketError struct {
	Op   string   // operation that caused the error
	Addr string   // address if relevant
	Kind NetError // classification of Err
	Err  error    // underlying error
}

func (e *SocketError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("unet %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("unet %s: %v", e.Op, e.Err)
}

func (e *SocketError) Unwrap() error {
	return e.Err
}

// newSocketError creates a new SocketError and classifies err
func newSocketError(op, addr string, err error) *SocketError {
	return &SocketError{
		Op:   op,
		Addr: addr,
		Kind: Classify(err),
		Err:  err,
	}
}
