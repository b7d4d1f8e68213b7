package discovery

import (
	"bytes"
	"net"
	"sort"
	"sync"

	"github.com/kr5hn4/tranzit/models"
)

// PeerSet holds peers keyed by (ip, port). Re-adding a known endpoint
// replaces its metadata with the latest record.
type PeerSet struct {
	mu    sync.RWMutex
	peers map[models.PeerKey]models.Peer
}

// NewPeerSet returns an empty set.
func NewPeerSet() *PeerSet {
	return &PeerSet{peers: make(map[models.PeerKey]models.Peer)}
}

// Add stores peer and reports whether its (ip, port) was new to the set.
func (s *PeerSet) Add(peer models.Peer) bool {
	key := peer.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.peers[key]
	s.peers[key] = peer
	return !exists
}

// Contains reports whether a peer with the same (ip, port) is in the set.
func (s *PeerSet) Contains(peer models.Peer) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.peers[peer.Key()]
	return exists
}

// Len returns the number of distinct endpoints.
func (s *PeerSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.peers)
}

// List returns a snapshot ordered by IP then port.
func (s *PeerSet) List() []models.Peer {
	s.mu.RLock()
	out := make([]models.Peer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := net.ParseIP(out[i].IP), net.ParseIP(out[j].IP)
		if c := bytes.Compare(a.To16(), b.To16()); c != 0 {
			return c < 0
		}
		return out[i].Port < out[j].Port
	})
	return out
}
