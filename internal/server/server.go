// Package server is the upload side of the core: it accepts inbound
// peer connections, validates their info-hash against known torrents,
// and serves REQUEST frames from the piece store. The teacher has no
// equivalent — lvbealr-BitTorrent only ever dials out — so this is
// built fresh from the same handshake/frame helpers internal/peer
// uses for the outbound direction, mirrored for accepting instead of
// dialing.
package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"torrentcore/internal/bitfield"
	"torrentcore/internal/logging"
	"torrentcore/internal/piecestore"
	"torrentcore/internal/pool"
	"torrentcore/internal/torrenterr"
	"torrentcore/internal/wire"
)

// TorrentSource is the subset of a coordinator the server needs to
// serve inbound connections for one torrent, without depending on the
// coordinator package directly.
type TorrentSource interface {
	InfoHash() [20]byte
	NumPieces() int
	Store() *piecestore.Store
	NewPieceNotifications() <-chan pool.NewPieceEvent
}

// Server listens for inbound peer connections and serves already-
// downloaded pieces to them, per spec.md §4.7.
type Server struct {
	PeerID           [20]byte
	Log              logging.Sink
	MaxUnchoked      int           // size of the static rotating unchoke set; default 4
	UnchokeInterval  time.Duration // rotation period; default 30s
	HandshakeTimeout time.Duration // default 10s

	mu       sync.Mutex
	torrents map[[20]byte]TorrentSource
	conns    []*connHandle
}

// New builds a Server identifying itself to inbound peers as peerID.
func New(peerID [20]byte, log logging.Sink) *Server {
	if log == nil {
		log = logging.Discard()
	}
	return &Server{
		PeerID:   peerID,
		Log:      log,
		torrents: make(map[[20]byte]TorrentSource),
	}
}

// AddTorrent registers t so inbound handshakes naming its info-hash
// are accepted, and starts forwarding its NewPiece notifications as
// HAVE broadcasts to any already-connected inbound peers for it. ctx
// bounds the forwarding goroutine's lifetime.
func (s *Server) AddTorrent(ctx context.Context, t TorrentSource) {
	s.mu.Lock()
	s.torrents[t.InfoHash()] = t
	s.mu.Unlock()
	go s.forwardHaves(ctx, t)
}

// RemoveTorrent drops t from the registry; already-open connections
// for it are left to close naturally when their peer disconnects.
func (s *Server) RemoveTorrent(infoHash [20]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.torrents, infoHash)
}

func (s *Server) forwardHaves(ctx context.Context, t TorrentSource) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-t.NewPieceNotifications():
			if !ok {
				return
			}
			s.broadcastHave(t.InfoHash(), ev.Index)
		}
	}
}

func (s *Server) broadcastHave(infoHash [20]byte, index int) {
	s.mu.Lock()
	targets := make([]*connHandle, 0, len(s.conns))
	for _, c := range s.conns {
		if c.infoHash == infoHash {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		c.send(wire.HaveFrame(uint32(index)))
	}
}

// Serve accepts connections on ln until ctx is cancelled or Accept
// fails. It blocks; callers typically run it in its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go s.rotateUnchokes(ctx)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return torrenterr.New(torrenterr.Connection, "server.Serve", err)
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handshakeTimeout() time.Duration {
	if s.HandshakeTimeout <= 0 {
		return 10 * time.Second
	}
	return s.HandshakeTimeout
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	id := uuid.NewString()
	log := s.Log.WithFields(map[string]interface{}{"conn": id, "remote": conn.RemoteAddr().String()})

	conn.SetDeadline(time.Now().Add(s.handshakeTimeout()))
	hs, err := wire.ReadHandshakeInbound(conn)
	if err != nil {
		log.Debugf("inbound handshake failed: %v", err)
		return
	}

	s.mu.Lock()
	src, ok := s.torrents[hs.InfoHash]
	s.mu.Unlock()
	if !ok {
		log.Debugf("unknown info hash from inbound peer")
		return
	}

	if err := wire.WriteHandshake(conn, wire.Handshake{InfoHash: hs.InfoHash, PeerID: s.PeerID}); err != nil {
		log.Debugf("handshake response failed: %v", err)
		return
	}
	conn.SetDeadline(time.Time{})

	ch := &connHandle{id: id, conn: conn, infoHash: hs.InfoHash}
	s.mu.Lock()
	s.conns = append(s.conns, ch)
	s.mu.Unlock()
	defer s.removeConn(ch)

	store := src.Store()
	bits := bitfield.New(src.NumPieces())
	for i := 0; i < src.NumPieces(); i++ {
		if store.Has(i) {
			bits.Set(i)
		}
	}
	if err := ch.send(wire.BitfieldFrame(bits)); err != nil {
		return
	}

	log.Infof("inbound peer connected")
	s.serveRequests(conn, ch, store, log)
}

func (s *Server) serveRequests(conn net.Conn, ch *connHandle, store *piecestore.Store, log logging.Sink) {
	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			if _, ok := err.(*wire.UnknownMessageError); ok {
				continue
			}
			log.Debugf("inbound peer disconnected: %v", err)
			return
		}
		if frame.IsKeepAlive {
			continue
		}

		switch frame.ID {
		case wire.Interested:
			ch.setInterested(true)
		case wire.NotInterested:
			ch.setInterested(false)
		case wire.Request:
			s.serveRequest(frame, ch, store, log)
		case wire.Cancel:
			// best-effort only: this server answers REQUESTs synchronously
			// as they arrive, so there is nothing queued to cancel.
		default:
		}
	}
}

func (s *Server) serveRequest(frame wire.Frame, ch *connHandle, store *piecestore.Store, log logging.Sink) {
	index, begin, length, err := wire.ParseRequest(frame)
	if err != nil {
		return
	}
	if !ch.isUnchoked() {
		return
	}
	data, err := store.Read(int(index), int64(begin), int64(length))
	if err != nil {
		log.Warnf("read piece %d for upload: %v", index, err)
		return
	}
	if err := ch.send(wire.PieceFrame(index, begin, data)); err != nil {
		log.Debugf("write piece %d to inbound peer: %v", index, err)
	}
}

func (s *Server) removeConn(target *connHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.conns {
		if c == target {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			s.Log.WithField("conn", c.id).Debugf("inbound peer removed")
			return
		}
	}
}

// rotateUnchokes implements the static rotating unchoke policy spec.md
// §4.7 permits in place of optimistic unchoking: every interval, the
// next MaxUnchoked connections in insertion order (wrapping) are
// unchoked and the rest choked.
func (s *Server) rotateUnchokes(ctx context.Context) {
	interval := s.UnchokeInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	rotor := 0
	s.applyUnchoke(rotor) // unchoke the initial set immediately
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			max := s.MaxUnchoked
			if max <= 0 {
				max = 4
			}
			rotor += max
			s.applyUnchoke(rotor)
		}
	}
}

func (s *Server) applyUnchoke(rotor int) {
	s.mu.Lock()
	conns := append([]*connHandle(nil), s.conns...)
	s.mu.Unlock()
	if len(conns) == 0 {
		return
	}

	max := s.MaxUnchoked
	if max <= 0 {
		max = 4
	}

	allowed := make(map[*connHandle]bool, max)
	start := rotor % len(conns)
	for i := 0; i < max && i < len(conns); i++ {
		allowed[conns[(start+i)%len(conns)]] = true
	}

	for _, c := range conns {
		want := allowed[c]
		if want == c.isUnchoked() {
			continue
		}
		c.setUnchoked(want)
		id := wire.Choke
		if want {
			id = wire.Unchoke
		}
		c.send(wire.Frame{ID: id})
	}
}
