package peer

import (
	"encoding/base32"
	"fmt"
	"net/netip"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/unet/limits"
	"github.com/opd-ai/unet/list"
)

// idEncoding renders the 16 uuid bytes as 26 characters, under MaxPeerID.
var idEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a random peer identifier.
func NewID() string {
	u := uuid.New()
	return strings.ToLower(idEncoding.EncodeToString(u[:]))
}

// Peer is a remote endpoint known by id.
type Peer struct {
	ID     string
	Local  netip.AddrPort
	Mapped netip.AddrPort
}

// New validates id and returns a Peer.
func New(id string, local, mapped netip.AddrPort) (*Peer, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: peer id", limits.ErrMessageEmpty)
	}
	if err := limits.ValidateString("peer id", id, limits.MaxPeerID); err != nil {
		return nil, err
	}
	return &Peer{ID: id, Local: local, Mapped: mapped}, nil
}

// SameNetwork reports whether p and other share a mapped host, in which
// case their local addresses are the better route.
func (p *Peer) SameNetwork(other *Peer) bool {
	return p.Mapped.Addr().IsValid() && p.Mapped.Addr() == other.Mapped.Addr()
}

func (p *Peer) String() string {
	return fmt.Sprintf("%s (local %s, mapped %s)", p.ID, p.Local, p.Mapped)
}

// List is a set of peers keyed by id. It is safe for concurrent use.
type List struct {
	mu    sync.RWMutex
	peers *list.List[*Peer]
}

// NewList returns an empty list.
func NewList() *List {
	return &List{peers: list.New[*Peer](list.DefaultCapacity)}
}

// Add inserts a peer, replacing the addresses of an existing one with the
// same id.
func (l *List) Add(id string, local, mapped netip.AddrPort) (*Peer, error) {
	p, err := New(id, local, mapped)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.find(id); ok {
		existing.Local = local
		existing.Mapped = mapped
		return existing, nil
	}
	l.peers.Add(p)

	logrus.WithFields(logrus.Fields{
		"component": "peer",
		"function":  "Add",
		"peer_id":   id,
		"count":     l.peers.Len(),
	}).Debug("Peer added")

	return p, nil
}

func (l *List) find(id string) (*Peer, bool) {
	return l.peers.Find(func(p *Peer) bool { return p.ID == id })
}

// Find returns a copy of the peer with id.
func (l *List) Find(id string) (Peer, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.find(id)
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Remove deletes the peer with id.
func (l *List) Remove(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.find(id)
	if !ok {
		return false
	}
	return l.peers.Remove(p)
}

// IsEmpty reports whether the list has no peers.
func (l *List) IsEmpty() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.peers.IsEmpty()
}

// Len returns the number of peers.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.peers.Len()
}

// Snapshot returns copies of up to limit peers, skipping the one with
// excludeID. A limit of zero or less returns every peer.
func (l *List) Snapshot(limit int, excludeID string) []Peer {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Peer, 0, l.peers.Len())
	l.peers.Each(func(p *Peer) {
		if p.ID == excludeID || (limit > 0 && len(out) >= limit) {
			return
		}
		out = append(out, *p)
	})
	return out
}
