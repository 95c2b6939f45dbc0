package coordinator

import (
	"sync"

	"torrentcore/internal/announce"
	"torrentcore/internal/peer"
)

// peerSet is the torrent's shared peer registry: additive union from
// tracker announces, plus the pool's checkout/release protocol so two
// workers never drive the same connection at once. Breaks the
// download/upload cycle the way spec.md §9 prescribes — it is the
// single owner peers flow through, not a reference either side keeps
// privately.
type peerSet struct {
	mu         sync.Mutex
	byAddr     map[string]*peer.Peer
	checkedOut map[*peer.Peer]bool
}

func newPeerSet() *peerSet {
	return &peerSet{byAddr: make(map[string]*peer.Peer), checkedOut: make(map[*peer.Peer]bool)}
}

// AddPeers folds newly learned addresses into the set by union,
// keyed on (ip, port); an address already known keeps its existing
// Peer record (and any bitfield/blacklist state it has accumulated).
func (s *peerSet) AddPeers(addrs []announce.PeerAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range addrs {
		key := a.String()
		if _, ok := s.byAddr[key]; ok {
			continue
		}
		s.byAddr[key] = peer.New(peer.Addr{IP: a.IP, Port: a.Port})
	}
}

// PeerForPiece returns a peer that holds index, or whose bitfield is
// not known yet, and that is neither blacklisted for it nor already
// checked out by another worker.
func (s *peerSet) PeerForPiece(index int) (*peer.Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.byAddr {
		if s.checkedOut[p] {
			continue
		}
		if p.IsBlacklistedFor(index) {
			continue
		}
		if p.Bitfield != nil && !p.HasPiece(index) {
			continue
		}
		s.checkedOut[p] = true
		return p, true
	}
	return nil, false
}

// Release returns p to the pool. On a connection failure the peer is
// dropped from the set entirely so future claims don't retry a dead
// address; a clean release (even after a hash mismatch, which
// blacklists only the one piece) keeps it available.
func (s *peerSet) Release(p *peer.Peer, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkedOut, p)
	if failed {
		for addr, candidate := range s.byAddr {
			if candidate == p {
				delete(s.byAddr, addr)
				break
			}
		}
	}
}

// Count returns the number of known peers, for diagnostics.
func (s *peerSet) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byAddr)
}
