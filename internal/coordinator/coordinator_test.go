package coordinator

import (
	"context"
	"crypto/sha1"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	bencode "github.com/jackpal/bencode-go"
	"torrentcore/internal/metainfo"
	"torrentcore/internal/wire"
)

// servePeerConn answers REQUESTs on conn with PIECE frames sourced
// from data, and a BITFIELD frame immediately on connect so the
// session recognises the peer has every piece.
func servePeerConn(t *testing.T, ln net.Listener, numPieces int, data map[int][]byte) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		if _, err := wire.ReadHandshake(conn, [20]byte{}, nil); err != nil {
			return
		}
		if err := wire.WriteHandshake(conn, wire.Handshake{}); err != nil {
			return
		}

		full := bitfieldAllSet(numPieces)
		wire.WriteFrame(conn, wire.BitfieldFrame(full))

		for {
			frame, err := wire.ReadFrame(conn)
			if err != nil {
				return
			}
			if frame.ID != wire.Request {
				continue
			}
			index, begin, length, err := wire.ParseRequest(frame)
			if err != nil {
				continue
			}
			block, ok := data[int(index)]
			if !ok {
				continue
			}
			end := int64(begin) + int64(length)
			if end > int64(len(block)) {
				end = int64(len(block))
			}
			wire.WriteFrame(conn, wire.PieceFrame(index, begin, block[begin:end]))
		}
	}()
}

func bitfieldAllSet(numPieces int) []byte {
	b := make([]byte, (numPieces+7)/8)
	for i := 0; i < numPieces; i++ {
		b[i/8] |= 1 << uint(7-i%8)
	}
	return b
}

func TestCoordinatorCompletesTorrentEndToEnd(t *testing.T) {
	pieceData := map[int][]byte{0: []byte("abcd"), 1: []byte("efgh"), 2: []byte("ij")}
	h0, h1, h2 := sha1.Sum(pieceData[0]), sha1.Sum(pieceData[1]), sha1.Sum(pieceData[2])

	meta := metainfo.Metainfo{
		Name:        "e2e.bin",
		PieceLength: 4,
		Length:      10,
		PieceHashes: [][20]byte{h0, h1, h2},
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	servePeerConn(t, ln, 3, pieceData)

	peerAddr := ln.Addr().(*net.TCPAddr)

	trackerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peerBytes := append(append([]byte{}, peerAddr.IP.To4()...), byte(peerAddr.Port>>8), byte(peerAddr.Port))
		bencode.Marshal(w, map[string]interface{}{
			"interval": 3600,
			"peers":    string(peerBytes),
		})
	}))
	defer trackerSrv.Close()

	dir := t.TempDir()
	cfg := Config{DownloadPath: dir, MaxConnections: 2, PeerReadTimeout: 2000}

	c, err := New(meta, cfg, []string{trackerSrv.URL}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.Start(ctx)
	defer c.Stop()

	sawCompleted := false
	deadline := time.After(4 * time.Second)
loop:
	for {
		select {
		case ev := <-c.Events():
			if ev.Kind == Completed {
				sawCompleted = true
				break loop
			}
		case <-deadline:
			break loop
		}
	}

	if !sawCompleted {
		t.Fatalf("did not observe Completed event; downloaded=%d", c.store.Downloaded())
	}

	downloaded, total := c.Progress()
	if downloaded != total {
		t.Fatalf("Progress() = %d/%d, want fully downloaded", downloaded, total)
	}
}
