package transaction

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/opd-ai/unet/bitstream"
	"github.com/opd-ai/unet/limits"
	"github.com/opd-ai/unet/peer"
	"github.com/opd-ai/unet/protocol"
)

func newBuffer() *bitstream.Bitstream {
	return bitstream.New(make([]byte, limits.MaxPacketLen))
}

func reread(w *bitstream.Bitstream) *bitstream.Bitstream {
	return bitstream.New(append([]byte(nil), w.Bytes()...))
}

func TestHeaderRoundTrip(t *testing.T) {
	w := newBuffer()
	PackHeader(w, 200, TypeRequest)
	require.NoError(t, w.Err())
	assert.Equal(t, []byte{0xa2, 0x01, 0x01, 200, 0x01}, w.Bytes())

	id, typ, result := UnpackHeader(reread(w))
	assert.Equal(t, protocol.UnpackValid, result)
	assert.Equal(t, ID(200), id)
	assert.Equal(t, TypeRequest, typ)
}

func TestHeaderRejectsStreamType(t *testing.T) {
	r := bitstream.New([]byte{0xa2, 0x01, 0x05, 0x00, 0x01})
	_, _, result := UnpackHeader(r)
	assert.Equal(t, protocol.UnpackInvalid, result)

	_, _, result = UnpackHeader(bitstream.New([]byte{0xa2, 0x01, 0x01, 0x00}))
	assert.Equal(t, protocol.UnpackInvalid, result)
}

func TestResponseRoundTrip(t *testing.T) {
	for _, code := range []ResponseType{ResponseProvisional, ResponseSuccess, ResponseClientError, ResponseServerError, ResponseGlobalFailure} {
		w := newBuffer()
		PackHeader(w, 7, TypeResponse)
		PackResponse(w, code)

		r := reread(w)
		id, typ, result := UnpackHeader(r)
		require.Equal(t, protocol.UnpackValid, result)
		assert.Equal(t, ID(7), id)
		assert.Equal(t, TypeResponse, typ)

		got, result := UnpackResponse(r)
		assert.Equal(t, protocol.UnpackValid, result)
		assert.Equal(t, code, got)
	}
}

func TestAttributeLayout(t *testing.T) {
	w := newBuffer()
	PackAddress(w, netip.MustParseAddrPort("192.168.1.20:3478"))
	assert.Equal(t, []byte{0x02, 0x08, 0x0d, 0x96, 192, 168, 1, 20}, w.Bytes())

	w = newBuffer()
	PackString(w, "abc")
	assert.Equal(t, []byte{0x01, 0x05, 0x03, 'a', 'b', 'c'}, w.Bytes())

	w = newBuffer()
	PackSeconds(w, 3600)
	assert.Equal(t, []byte{0x03, 0x04, 0x00, 0x00, 0x0e, 0x10}, w.Bytes())

	w = newBuffer()
	PackCount(w, 3)
	assert.Equal(t, []byte{0x04, 0x02, 0x00, 0x03}, w.Bytes())
}

func TestAttributeTypeMismatch(t *testing.T) {
	w := newBuffer()
	PackSeconds(w, 1)

	_, result := UnpackCount(reread(w))
	assert.Equal(t, protocol.UnpackInvalid, result)
	_, result = UnpackAddress(reread(w))
	assert.Equal(t, protocol.UnpackInvalid, result)
	_, result = UnpackString(reread(w), 10)
	assert.Equal(t, protocol.UnpackInvalid, result)

	w = newBuffer()
	PackCount(w, 1)
	_, result = UnpackSeconds(reread(w))
	assert.Equal(t, protocol.UnpackInvalid, result)
}

func TestUnpackStringTooLong(t *testing.T) {
	w := newBuffer()
	PackString(w, strings.Repeat("p", limits.MaxPeerID+1))
	_, result := UnpackString(reread(w), limits.MaxPeerID)
	assert.Equal(t, protocol.UnpackInvalid, result)
}

func roundTrip(t *testing.T, obj Object) Object {
	t.Helper()
	require.NoError(t, obj.Validate())

	w := newBuffer()
	PackRequest(w, obj)
	require.NoError(t, w.Err())

	got, result := UnpackRequest(reread(w))
	require.Equal(t, protocol.UnpackValid, result)
	require.Equal(t, obj.RequestType(), got.RequestType())
	return got
}

func TestObjectRoundTrip(t *testing.T) {
	local := netip.MustParseAddrPort("192.168.0.2:5000")
	mapped := netip.MustParseAddrPort("203.0.113.9:61000")

	objects := []Object{
		&Empty{},
		&Ping{},
		&Pong{},
		&UserCreate{UID: 42, Name: "alice", Email: "alice@example.com"},
		&ResourceCreate{RID: 9, UID: 42, Data: []byte{1, 2, 3, 4}},
		&Online{UID: 42, Local: local, Mapped: mapped, ExpireSeconds: 300},
		NewOffline("peer-1"),
		&PeerList{Peers: []peer.Peer{
			{ID: "a", Local: local, Mapped: mapped},
			{ID: "b", Local: mapped, Mapped: local},
		}},
		NewConnect("peer-2", mapped),
		NewConnectAccept("peer-3", local),
		NewConnectRefuse("peer-4"),
		NewDisconnect("peer-5"),
	}

	for _, obj := range objects {
		t.Run(obj.RequestType().String(), func(t *testing.T) {
			assert.Equal(t, obj, roundTrip(t, obj))
		})
	}
}

func TestEmptyResourceRoundTrip(t *testing.T) {
	got := roundTrip(t, &ResourceCreate{RID: 1, UID: 2})
	assert.Empty(t, got.(*ResourceCreate).Data)
}

func TestUnpackUnexpectedType(t *testing.T) {
	for _, typ := range []RequestType{RequestUserRead, RequestResourceDelete, 0xff} {
		obj, result := UnpackRequest(bitstream.New([]byte{byte(typ)}))
		assert.Nil(t, obj)
		assert.Equal(t, protocol.UnpackUnexpected, result, typ.String())
	}
}

func TestUnpackTruncatedObject(t *testing.T) {
	w := newBuffer()
	PackRequest(w, &Online{UID: 1, ExpireSeconds: 5})
	data := w.Bytes()

	_, result := UnpackRequest(bitstream.New(data[:len(data)-2]))
	assert.Equal(t, protocol.UnpackInvalid, result)
}

func TestPeerListLimit(t *testing.T) {
	peers := make([]peer.Peer, limits.MaxPeerListCount+1)
	for i := range peers {
		peers[i].ID = "p"
	}
	assert.ErrorIs(t, (&PeerList{Peers: peers}).Validate(), limits.ErrMessageTooLarge)

	w := newBuffer()
	w.WriteUint8(uint8(RequestPeerList))
	PackCount(w, limits.MaxPeerListCount+1)
	_, result := UnpackRequest(reread(w))
	assert.Equal(t, protocol.UnpackInvalid, result)
}

func TestValidateLimits(t *testing.T) {
	assert.ErrorIs(t, (&UserCreate{Name: strings.Repeat("n", limits.MaxUserName+1)}).Validate(), limits.ErrStringTooLong)
	assert.ErrorIs(t, (&UserCreate{Email: strings.Repeat("e", limits.MaxUserEmail+1)}).Validate(), limits.ErrStringTooLong)
	assert.ErrorIs(t, (&ResourceCreate{Data: make([]byte, limits.MaxResourceData+1)}).Validate(), limits.ErrMessageTooLarge)
	assert.ErrorIs(t, NewDisconnect(strings.Repeat("d", limits.MaxPeerID+1)).Validate(), limits.ErrStringTooLong)
	assert.NoError(t, NewConnect(strings.Repeat("c", limits.MaxPeerID), netip.AddrPort{}).Validate())
}

func TestPeerListPacketFit(t *testing.T) {
	fits := make([]peer.Peer, 5)
	for i := range fits {
		fits[i] = peer.Peer{ID: peer.NewID()}
	}
	n, err := packedSize(&PeerList{Peers: fits})
	require.NoError(t, err)
	assert.LessOrEqual(t, n, limits.MaxPacketLen)

	tooMany := make([]peer.Peer, limits.MaxPeerListCount)
	for i := range tooMany {
		tooMany[i] = peer.Peer{ID: strings.Repeat("x", 8)}
	}
	_, err = packedSize(&PeerList{Peers: tooMany})
	assert.ErrorIs(t, err, limits.ErrMessageTooLarge)
}

func TestAddressRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var host [4]byte
		for i := range host {
			host[i] = rapid.Byte().Draw(t, "octet")
		}
		port := rapid.Uint16().Draw(t, "port")
		addr := netip.AddrPortFrom(netip.AddrFrom4(host), port)

		w := newBuffer()
		PackAddress(w, addr)
		got, result := UnpackAddress(reread(w))
		if result != protocol.UnpackValid || got != addr {
			t.Fatalf("round trip of %s gave %s (%s)", addr, got, result)
		}
	})
}

func TestStringRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.StringN(0, limits.MaxPeerID, limits.MaxPeerID).Draw(t, "s")
		w := newBuffer()
		PackString(w, s)
		got, result := UnpackString(reread(w), limits.MaxPeerID)
		if result != protocol.UnpackValid || got != s {
			t.Fatalf("round trip of %q gave %q (%s)", s, got, result)
		}
	})
}
