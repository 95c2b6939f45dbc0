package server

import (
	"context"
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"torrentcore/internal/metainfo"
	"torrentcore/internal/piecestore"
	"torrentcore/internal/pool"
	"torrentcore/internal/wire"
)

func openTestStore(t *testing.T, pieces map[int][]byte) (*piecestore.Store, metainfo.Metainfo) {
	t.Helper()

	hashes := make([][20]byte, len(pieces))
	var total int64
	for i := 0; i < len(pieces); i++ {
		hashes[i] = sha1.Sum(pieces[i])
		total += int64(len(pieces[i]))
	}

	meta := metainfo.Metainfo{Name: "up.bin", PieceLength: 4, Length: total, PieceHashes: hashes}
	store, err := piecestore.Open(meta, t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < len(pieces); i++ {
		if err := store.Commit(i, pieces[i]); err != nil {
			t.Fatalf("Commit(%d): %v", i, err)
		}
	}
	return store, meta
}

type fakeSource struct {
	infoHash  [20]byte
	numPieces int
	store     *piecestore.Store
	notify    chan pool.NewPieceEvent
}

func (f *fakeSource) InfoHash() [20]byte                               { return f.infoHash }
func (f *fakeSource) NumPieces() int                                   { return f.numPieces }
func (f *fakeSource) Store() *piecestore.Store                         { return f.store }
func (f *fakeSource) NewPieceNotifications() <-chan pool.NewPieceEvent { return f.notify }

// TestServeRejectsUnknownInfoHash mirrors spec.md §4.7's "validate
// info-hash against known torrents" step: a handshake naming a
// torrent the server never registered gets the connection dropped
// with no response handshake.
func TestServeRejectsUnknownInfoHash(t *testing.T) {
	pieces := map[int][]byte{0: []byte("abcd")}
	store, meta := openTestStore(t, pieces)
	defer store.Close()

	srv := New([20]byte{9}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.AddTorrent(ctx, &fakeSource{infoHash: meta.InfoHash, numPieces: meta.NumPieces(), store: store, notify: make(chan pool.NewPieceEvent)})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go srv.Serve(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	wrongHash := [20]byte{1, 2, 3}
	if err := wire.WriteHandshake(conn, wire.Handshake{InfoHash: wrongHash, PeerID: [20]byte{7}}); err != nil {
		t.Fatalf("WriteHandshake: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if n, err := conn.Read(buf); err == nil && n > 0 {
		t.Fatalf("expected connection to be closed without a response, got byte %v", buf[:n])
	}
}

// TestServeHandshakeAndServesRequest exercises the accepted path: a
// peer handshakes with a known info-hash, receives our bitfield,
// and after the connection is unchoked by the rotation can REQUEST
// a committed piece and get it back byte-exact.
func TestServeHandshakeAndServesRequest(t *testing.T) {
	pieces := map[int][]byte{0: []byte("abcd"), 1: []byte("efgh")}
	store, meta := openTestStore(t, pieces)
	defer store.Close()

	srv := New([20]byte{9}, nil)
	srv.MaxUnchoked = 4
	srv.UnchokeInterval = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.AddTorrent(ctx, &fakeSource{infoHash: meta.InfoHash, numPieces: meta.NumPieces(), store: store, notify: make(chan pool.NewPieceEvent)})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go srv.Serve(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := wire.WriteHandshake(conn, wire.Handshake{InfoHash: meta.InfoHash, PeerID: [20]byte{7}}); err != nil {
		t.Fatalf("WriteHandshake: %v", err)
	}
	if _, err := wire.ReadHandshake(conn, meta.InfoHash, nil); err != nil {
		t.Fatalf("ReadHandshake response: %v", err)
	}

	frame, err := wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame (bitfield): %v", err)
	}
	if frame.ID != wire.BitfieldMsg {
		t.Fatalf("first frame id = %d, want bitfield", frame.ID)
	}

	// wait for this connection to land in the rotating unchoke set
	time.Sleep(150 * time.Millisecond)

	if err := wire.WriteFrame(conn, wire.RequestFrame(wire.Request, 0, 0, 4)); err != nil {
		t.Fatalf("WriteFrame request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if frame.ID == wire.Unchoke {
			continue
		}
		if frame.ID != wire.PieceMsg {
			t.Fatalf("frame id = %d, want piece", frame.ID)
		}
		index, begin, block, err := wire.ParsePiece(frame)
		if err != nil {
			t.Fatalf("ParsePiece: %v", err)
		}
		if index != 0 || begin != 0 || string(block) != "abcd" {
			t.Fatalf("got piece(%d,%d,%q), want piece(0,0,\"abcd\")", index, begin, block)
		}
		break
	}
}

// TestHaveBroadcastOnNewPiece mirrors durability-before-notification
// property 6 from the server's perspective: a NewPiece event fed to
// AddTorrent's forwarding goroutine results in a HAVE frame for that
// index reaching a connected inbound peer, and the piece is already
// readable from the store by the time HAVE arrives.
func TestHaveBroadcastOnNewPiece(t *testing.T) {
	pieces := map[int][]byte{0: []byte("abcd"), 1: []byte("efgh")}
	store, meta := openTestStore(t, pieces)
	defer store.Close()

	notify := make(chan pool.NewPieceEvent, 1)
	srv := New([20]byte{9}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.AddTorrent(ctx, &fakeSource{infoHash: meta.InfoHash, numPieces: meta.NumPieces(), store: store, notify: notify})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go srv.Serve(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := wire.WriteHandshake(conn, wire.Handshake{InfoHash: meta.InfoHash, PeerID: [20]byte{7}}); err != nil {
		t.Fatalf("WriteHandshake: %v", err)
	}
	if _, err := wire.ReadHandshake(conn, meta.InfoHash, nil); err != nil {
		t.Fatalf("ReadHandshake response: %v", err)
	}
	if _, err := wire.ReadFrame(conn); err != nil { // bitfield
		t.Fatalf("ReadFrame (bitfield): %v", err)
	}

	notify <- pool.NewPieceEvent{Index: 1}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			t.Fatalf("ReadFrame (have): %v", err)
		}
		if frame.ID == wire.Choke || frame.ID == wire.Unchoke {
			continue
		}
		index, err := wire.ParseHave(frame)
		if err != nil {
			t.Fatalf("ParseHave: %v", err)
		}
		if index != 1 {
			t.Fatalf("have index = %d, want 1", index)
		}
		break
	}

	if !store.Has(1) {
		t.Fatalf("store does not yet have piece 1 at HAVE time")
	}
}
