package net

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Resolve looks up name and returns its first IPv4 address with port.
// Literal IPv4 addresses are returned without a lookup.
func Resolve(ctx context.Context, name string, port int) (netip.AddrPort, error) {
	if port < 0 || port > 0xFFFF {
		return netip.AddrPort{}, newSocketError("resolve", name, fmt.Errorf("%w: %d", ErrInvalidPort, port))
	}

	if ip, err := netip.ParseAddr(name); err == nil {
		ip = ip.Unmap()
		if !ip.Is4() {
			return netip.AddrPort{}, newSocketError("resolve", name, ErrIPv6Unsupported)
		}
		return netip.AddrPortFrom(ip, uint16(port)), nil
	}

	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", name)
	if err != nil {
		return netip.AddrPort{}, newSocketError("resolve", name, err)
	}
	for _, ip := range ips {
		if ip = ip.Unmap(); ip.Is4() {
			return netip.AddrPortFrom(ip, uint16(port)), nil
		}
	}
	return netip.AddrPort{}, newSocketError("resolve", name, ErrNoAddress)
}

// ResolveHostPort splits a "host:port" string and resolves it.
func ResolveHostPort(ctx context.Context, hostport string) (netip.AddrPort, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return netip.AddrPort{}, newSocketError("resolve", hostport, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return netip.AddrPort{}, newSocketError("resolve", hostport, fmt.Errorf("%w: %s", ErrInvalidPort, portStr))
	}
	return Resolve(ctx, host, port)
}

// LocalAddr returns the first non-loopback IPv4 address of an interface
// that is up. It falls back to 127.0.0.1 when none exists.
func LocalAddr() (netip.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return netip.Addr{}, newSocketError("interfaces", "", err)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipnet.IP)
			if !ok {
				continue
			}
			if ip = ip.Unmap(); ip.Is4() && !ip.IsLoopback() {
				return ip, nil
			}
		}
	}
	return netip.AddrFrom4([4]byte{127, 0, 0, 1}), nil
}

// AddrPortOf converts a net.Addr to an IPv4 netip.AddrPort. It returns
// false for non-UDP addresses and for IPv6.
func AddrPortOf(addr net.Addr) (netip.AddrPort, bool) {
	var ap netip.AddrPort
	switch a := addr.(type) {
	case *net.UDPAddr:
		ap = a.AddrPort()
	case interface{ AddrPort() netip.AddrPort }:
		ap = a.AddrPort()
	default:
		parsed, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.AddrPort{}, false
		}
		ap = parsed
	}
	ip := ap.Addr().Unmap()
	if !ip.Is4() {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip, ap.Port()), true
}

// UDPAddr converts an address to the form WriteTo expects.
func UDPAddr(ap netip.AddrPort) *net.UDPAddr {
	return net.UDPAddrFromAddrPort(ap)
}

// IsValidAddr reports whether ap is a usable IPv4 destination.
func IsValidAddr(ap netip.AddrPort) bool {
	return ap.IsValid() && ap.Addr().Is4() && !ap.Addr().IsUnspecified() && ap.Port() != 0
}
