package peerio

import (
	"net"
	"strconv"
	"sync"
)

// Swarm is the per-torrent set of live PeerIo connections, keyed by remote
// address. It mirrors the session package's own torrent registry: a mutex
// guards the map mutation, while a PeerIo's own fields are touched only by
// its read/write pump.
type Swarm struct {
	mu    sync.Mutex
	peers map[string]*PeerIo
}

// NewSwarm returns an empty Swarm.
func NewSwarm() *Swarm {
	return &Swarm{peers: map[string]*PeerIo{}}
}

// Add registers p under its Identity's address, replacing (and releasing)
// any existing connection to the same address.
func (s *Swarm) Add(p *PeerIo) {
	addr := peerAddr(p.Identity)
	s.mu.Lock()
	old := s.peers[addr]
	s.peers[addr] = p
	s.mu.Unlock()
	if old != nil && old != p {
		old.Unref()
	}
}

// Remove drops p from the swarm if it is still the current connection for
// its address.
func (s *Swarm) Remove(p *PeerIo) {
	addr := peerAddr(p.Identity)
	s.mu.Lock()
	if s.peers[addr] == p {
		delete(s.peers, addr)
	}
	s.mu.Unlock()
}

// Len reports the number of live connections.
func (s *Swarm) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Has reports whether addr already has a live connection, the check a
// connector makes before dialing out to a peer the tracker announced, per
// §4.D's "don't open a second connection to an already-connected peer".
func (s *Swarm) Has(addr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.peers[addr]
	return ok
}

// Each calls f for every live connection, via a snapshot taken under the
// lock so f may itself call back into the Swarm. f must not block.
func (s *Swarm) Each(f func(*PeerIo)) {
	s.mu.Lock()
	snapshot := make([]*PeerIo, 0, len(s.peers))
	for _, p := range s.peers {
		snapshot = append(snapshot, p)
	}
	s.mu.Unlock()
	for _, p := range snapshot {
		f(p)
	}
}

// CloseAll tears down every connection, for torrent removal or session
// shutdown.
func (s *Swarm) CloseAll() {
	s.mu.Lock()
	peers := s.peers
	s.peers = map[string]*PeerIo{}
	s.mu.Unlock()
	for _, p := range peers {
		p.Unref()
	}
}

func peerAddr(id Identity) string {
	return net.JoinHostPort(id.Addr.String(), strconv.Itoa(int(id.Port)))
}
