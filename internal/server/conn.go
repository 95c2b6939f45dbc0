package server

import (
	"net"
	"sync"

	"torrentcore/internal/wire"
)

// connHandle is one accepted inbound connection's server-side state:
// an outbound write lock (frame writes on a connection are serialised
// per spec.md §5) plus the choke/interest flags the unchoke rotation
// and REQUEST handling read and mutate.
type connHandle struct {
	id       string
	conn     net.Conn
	infoHash [20]byte

	writeMu sync.Mutex

	stateMu    sync.Mutex
	interested bool
	unchoked   bool
}

func (c *connHandle) send(f wire.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteFrame(c.conn, f)
}

func (c *connHandle) setInterested(v bool) {
	c.stateMu.Lock()
	c.interested = v
	c.stateMu.Unlock()
}

func (c *connHandle) setUnchoked(v bool) {
	c.stateMu.Lock()
	c.unchoked = v
	c.stateMu.Unlock()
}

func (c *connHandle) isUnchoked() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.unchoked
}
