package transaction

import (
	"fmt"
	"net/netip"

	"github.com/opd-ai/unet/bitstream"
	"github.com/opd-ai/unet/limits"
	"github.com/opd-ai/unet/peer"
	"github.com/opd-ai/unet/protocol"
)

// Object is the body of a request.
type Object interface {
	// RequestType returns the type byte written before the body.
	RequestType() RequestType
	// Validate checks field limits before packing.
	Validate() error

	pack(b *bitstream.Bitstream)
	unpack(b *bitstream.Bitstream) protocol.UnpackResult
}

func newObject(t RequestType) Object {
	switch t {
	case RequestEmpty:
		return &Empty{}
	case RequestPing:
		return &Ping{}
	case RequestPong:
		return &Pong{}
	case RequestUserCreate:
		return &UserCreate{}
	case RequestResourceCreate:
		return &ResourceCreate{}
	case RequestOnline:
		return &Online{}
	case RequestOffline:
		return &Offline{}
	case RequestPeerList:
		return &PeerList{}
	case RequestConnect:
		return &Connect{}
	case RequestConnectAccept:
		return &ConnectAccept{}
	case RequestConnectRefuse:
		return &ConnectRefuse{}
	case RequestDisconnect:
		return &Disconnect{}
	default:
		return nil
	}
}

// first returns the first result that is not valid.
func first(results ...protocol.UnpackResult) protocol.UnpackResult {
	for _, r := range results {
		if r != protocol.UnpackValid {
			return r
		}
	}
	return protocol.UnpackValid
}

// bodyless is embedded by objects that carry no attributes.
type bodyless struct{}

func (bodyless) Validate() error { return nil }
func (bodyless) pack(*bitstream.Bitstream) {}
func (bodyless) unpack(*bitstream.Bitstream) protocol.UnpackResult { return protocol.UnpackValid }

// Empty carries nothing. It is used to probe a peer.
type Empty struct{ bodyless }

func (*Empty) RequestType() RequestType { return RequestEmpty }

// Ping asks a peer to prove it is alive.
type Ping struct{ bodyless }

func (*Ping) RequestType() RequestType { return RequestPing }

// Pong answers a Ping at the application level.
type Pong struct{ bodyless }

func (*Pong) RequestType() RequestType { return RequestPong }

// UserCreate registers a user.
type UserCreate struct {
	UID   uint64
	Name  string
	Email string
}

func (*UserCreate) RequestType() RequestType { return RequestUserCreate }

func (o *UserCreate) Validate() error {
	if err := limits.ValidateString("name", o.Name, limits.MaxUserName); err != nil {
		return err
	}
	return limits.ValidateString("email", o.Email, limits.MaxUserEmail)
}

func (o *UserCreate) pack(b *bitstream.Bitstream) {
	b.WriteUint64(o.UID)
	PackString(b, o.Name)
	PackString(b, o.Email)
}

func (o *UserCreate) unpack(b *bitstream.Bitstream) protocol.UnpackResult {
	o.UID = b.ReadUint64()
	var name, email protocol.UnpackResult
	o.Name, name = UnpackString(b, limits.MaxUserName)
	o.Email, email = UnpackString(b, limits.MaxUserEmail)
	return first(name, email)
}

// ResourceCreate publishes an opaque resource owned by a user.
type ResourceCreate struct {
	RID  uint64
	UID  uint64
	Data []byte
}

func (*ResourceCreate) RequestType() RequestType { return RequestResourceCreate }

func (o *ResourceCreate) Validate() error {
	return limits.ValidateResourceData(o.Data)
}

func (o *ResourceCreate) pack(b *bitstream.Bitstream) {
	b.WriteUint64(o.RID)
	b.WriteUint64(o.UID)
	b.WriteUint8(uint8(len(o.Data)))
	b.WriteBytes(o.Data)
}

func (o *ResourceCreate) unpack(b *bitstream.Bitstream) protocol.UnpackResult {
	o.RID = b.ReadUint64()
	o.UID = b.ReadUint64()
	n := int(b.ReadUint8())
	if b.Err() != nil || n > limits.MaxResourceData {
		return protocol.UnpackInvalid
	}
	o.Data = make([]byte, n)
	if b.ReadBytes(o.Data) != n {
		return protocol.UnpackInvalid
	}
	return protocol.UnpackValid
}

// Online announces a user's reachable addresses to a rendezvous server.
type Online struct {
	UID           uint64
	Local         netip.AddrPort
	Mapped        netip.AddrPort
	ExpireSeconds uint32
}

func (*Online) RequestType() RequestType { return RequestOnline }

func (*Online) Validate() error { return nil }

func (o *Online) pack(b *bitstream.Bitstream) {
	b.WriteUint64(o.UID)
	PackAddress(b, o.Local)
	PackAddress(b, o.Mapped)
	PackSeconds(b, o.ExpireSeconds)
}

func (o *Online) unpack(b *bitstream.Bitstream) protocol.UnpackResult {
	o.UID = b.ReadUint64()
	var local, mapped, seconds protocol.UnpackResult
	o.Local, local = UnpackAddress(b)
	o.Mapped, mapped = UnpackAddress(b)
	o.ExpireSeconds, seconds = UnpackSeconds(b)
	return first(local, mapped, seconds)
}

// peerIDObject is shared by the objects that only name a peer.
type peerIDObject struct {
	PeerID string
}

func (o *peerIDObject) Validate() error {
	return limits.ValidateString("peer id", o.PeerID, limits.MaxPeerID)
}

func (o *peerIDObject) pack(b *bitstream.Bitstream) {
	PackString(b, o.PeerID)
}

func (o *peerIDObject) unpack(b *bitstream.Bitstream) protocol.UnpackResult {
	var r protocol.UnpackResult
	o.PeerID, r = UnpackString(b, limits.MaxPeerID)
	return r
}

// Offline withdraws a peer from the rendezvous server.
type Offline struct{ peerIDObject }

// NewOffline returns an Offline object for id.
func NewOffline(id string) *Offline { return &Offline{peerIDObject{PeerID: id}} }

func (*Offline) RequestType() RequestType { return RequestOffline }

// ConnectRefuse declines a Connect.
type ConnectRefuse struct{ peerIDObject }

// NewConnectRefuse returns a ConnectRefuse object for id.
func NewConnectRefuse(id string) *ConnectRefuse { return &ConnectRefuse{peerIDObject{PeerID: id}} }

func (*ConnectRefuse) RequestType() RequestType { return RequestConnectRefuse }

// Disconnect ends a stream session with a peer.
type Disconnect struct{ peerIDObject }

// NewDisconnect returns a Disconnect object for id.
func NewDisconnect(id string) *Disconnect { return &Disconnect{peerIDObject{PeerID: id}} }

func (*Disconnect) RequestType() RequestType { return RequestDisconnect }

// PeerList carries up to limits.MaxPeerListCount peers.
type PeerList struct {
	Peers []peer.Peer
}

func (*PeerList) RequestType() RequestType { return RequestPeerList }

func (o *PeerList) Validate() error {
	if len(o.Peers) > limits.MaxPeerListCount {
		return fmt.Errorf("%w: %d peers exceed limit %d", limits.ErrMessageTooLarge, len(o.Peers), limits.MaxPeerListCount)
	}
	for _, p := range o.Peers {
		if err := limits.ValidateString("peer id", p.ID, limits.MaxPeerID); err != nil {
			return err
		}
	}
	return nil
}

func (o *PeerList) pack(b *bitstream.Bitstream) {
	PackCount(b, uint16(len(o.Peers)))
	for _, p := range o.Peers {
		PackString(b, p.ID)
		PackAddress(b, p.Local)
		PackAddress(b, p.Mapped)
	}
}

func (o *PeerList) unpack(b *bitstream.Bitstream) protocol.UnpackResult {
	count, r := UnpackCount(b)
	if r != protocol.UnpackValid || int(count) > limits.MaxPeerListCount {
		return protocol.UnpackInvalid
	}
	o.Peers = make([]peer.Peer, 0, count)
	for i := 0; i < int(count); i++ {
		var p peer.Peer
		var id, local, mapped protocol.UnpackResult
		p.ID, id = UnpackString(b, limits.MaxPeerID)
		p.Local, local = UnpackAddress(b)
		p.Mapped, mapped = UnpackAddress(b)
		if r := first(id, local, mapped); r != protocol.UnpackValid {
			return r
		}
		o.Peers = append(o.Peers, p)
	}
	return protocol.UnpackValid
}

// connectObject is shared by Connect and ConnectAccept.
type connectObject struct {
	PeerID     string
	StreamAddr netip.AddrPort
}

func (o *connectObject) Validate() error {
	return limits.ValidateString("peer id", o.PeerID, limits.MaxPeerID)
}

func (o *connectObject) pack(b *bitstream.Bitstream) {
	PackString(b, o.PeerID)
	PackAddress(b, o.StreamAddr)
}

func (o *connectObject) unpack(b *bitstream.Bitstream) protocol.UnpackResult {
	var id, addr protocol.UnpackResult
	o.PeerID, id = UnpackString(b, limits.MaxPeerID)
	o.StreamAddr, addr = UnpackAddress(b)
	return first(id, addr)
}

// Connect asks a peer to open a stream to StreamAddr.
type Connect struct{ connectObject }

// NewConnect returns a Connect object.
func NewConnect(id string, streamAddr netip.AddrPort) *Connect {
	return &Connect{connectObject{PeerID: id, StreamAddr: streamAddr}}
}

func (*Connect) RequestType() RequestType { return RequestConnect }

// ConnectAccept accepts a Connect and names the local stream address.
type ConnectAccept struct{ connectObject }

// NewConnectAccept returns a ConnectAccept object.
func NewConnectAccept(id string, streamAddr netip.AddrPort) *ConnectAccept {
	return &ConnectAccept{connectObject{PeerID: id, StreamAddr: streamAddr}}
}

func (*ConnectAccept) RequestType() RequestType { return RequestConnectAccept }
