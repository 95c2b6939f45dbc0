// Package peer owns a single remote connection: its record, and the
// session state machine that drives one "download piece P" request at
// a time over that connection.
package peer

import (
	"net"
	"strconv"
	"sync"

	"torrentcore/internal/bitfield"
)

// Addr is a remote endpoint as learned from a tracker response.
type Addr struct {
	IP   net.IP
	Port uint16
}

func (a Addr) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

// Peer is a remote endpoint's mutable record. It is owned by whichever
// worker currently holds it; the pool never mutates a Peer concurrently
// with the session driving it.
type Peer struct {
	mu sync.Mutex

	ID       *[20]byte // nil until a handshake reveals it
	Addr     Addr
	Bitfield bitfield.Field

	AmChoked     bool // remote is choking us
	AmInterested bool // we have told the remote we are interested
	Conn         net.Conn
	Blacklisted  map[int]bool // piece indices this peer must not be tried for again
}

// New creates a Peer record in the initial state: choked, not
// interested, no connection.
func New(addr Addr) *Peer {
	return &Peer{
		Addr:        addr,
		AmChoked:    true,
		Blacklisted: make(map[int]bool),
	}
}

// HasPiece reports whether the peer's last-known bitfield marks index
// as present.
func (p *Peer) HasPiece(index int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Bitfield.Has(index)
}

// Blacklist marks index as one this peer must not be retried for,
// typically after it served a piece that failed hash verification.
func (p *Peer) Blacklist(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Blacklisted[index] = true
}

// IsBlacklistedFor reports whether index was previously blacklisted
// for this peer.
func (p *Peer) IsBlacklistedFor(index int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Blacklisted[index]
}

// Close drops the underlying connection, if any. Safe to call more
// than once.
func (p *Peer) Close() {
	p.mu.Lock()
	conn := p.Conn
	p.Conn = nil
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
