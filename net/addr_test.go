package net

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveLiteral(t *testing.T) {
	ap, err := Resolve(context.Background(), "192.0.2.7", 3478)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("192.0.2.7:3478"), ap)
}

func TestResolveRejectsIPv6(t *testing.T) {
	_, err := Resolve(context.Background(), "::1", 3478)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIPv6Unsupported))
	assert.Equal(t, InvalidError, Classify(err))
}

func TestResolveInvalidPort(t *testing.T) {
	_, err := Resolve(context.Background(), "127.0.0.1", 70000)
	require.Error(t, err)
	assert.Equal(t, InvalidError, Classify(err))
}

func TestResolveHostPort(t *testing.T) {
	ap, err := ResolveHostPort(context.Background(), "127.0.0.1:9000")
	require.NoError(t, err)
	assert.Equal(t, uint16(9000), ap.Port())

	_, err = ResolveHostPort(context.Background(), "127.0.0.1")
	require.Error(t, err)

	_, err = ResolveHostPort(context.Background(), "127.0.0.1:abc")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidPort))
}

func TestLocalAddr(t *testing.T) {
	ip, err := LocalAddr()
	require.NoError(t, err)
	assert.True(t, ip.Is4())
}

func TestAddrPortOf(t *testing.T) {
	ap, ok := AddrPortOf(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 42})
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:42"), ap)

	_, ok = AddrPortOf(&net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 42})
	assert.False(t, ok)

	back := UDPAddr(ap)
	assert.Equal(t, 42, back.Port)
}

func TestIsValidAddr(t *testing.T) {
	assert.True(t, IsValidAddr(netip.MustParseAddrPort("10.0.0.1:1")))
	assert.False(t, IsValidAddr(netip.MustParseAddrPort("0.0.0.0:1")))
	assert.False(t, IsValidAddr(netip.MustParseAddrPort("10.0.0.1:0")))
	assert.False(t, IsValidAddr(netip.AddrPort{}))
}
