package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"testing"
)

// buildTorrentBytes hand-assembles a minimal single-file bencoded
// torrent matching spec.md S1: piece length 4, pieces =
// SHA1("abcd") || SHA1("efgh") || SHA1("ij"), length 10.
func buildTorrentBytes(t *testing.T) (data []byte, infoBytes []byte) {
	t.Helper()

	h1 := sha1.Sum([]byte("abcd"))
	h2 := sha1.Sum([]byte("efgh"))
	h3 := sha1.Sum([]byte("ij"))
	pieces := append(append(h1[:], h2[:]...), h3[:]...)

	var info bytes.Buffer
	info.WriteString("d6:lengthi10e4:name8:test.txt12:piece lengthi4e6:pieces")
	fmt.Fprintf(&info, "%d:", len(pieces))
	info.Write(pieces)
	info.WriteString("e")

	var top bytes.Buffer
	top.WriteString("d8:announce22:http://tracker.example4:info")
	top.Write(info.Bytes())
	top.WriteString("e")

	return top.Bytes(), info.Bytes()
}

func TestParseS1Scenario(t *testing.T) {
	data, infoBytes := buildTorrentBytes(t)

	m, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if m.Announce != "http://tracker.example" {
		t.Fatalf("Announce = %q", m.Announce)
	}
	if m.Name != "test.txt" {
		t.Fatalf("Name = %q", m.Name)
	}
	if m.PieceLength != 4 {
		t.Fatalf("PieceLength = %d, want 4", m.PieceLength)
	}
	if m.NumPieces() != 3 {
		t.Fatalf("NumPieces = %d, want 3", m.NumPieces())
	}
	if m.TotalLength() != 10 {
		t.Fatalf("TotalLength = %d, want 10", m.TotalLength())
	}
	if m.PieceLen(0) != 4 || m.PieceLen(1) != 4 || m.PieceLen(2) != 2 {
		t.Fatalf("PieceLen = %d,%d,%d, want 4,4,2", m.PieceLen(0), m.PieceLen(1), m.PieceLen(2))
	}

	wantHash := sha1.Sum(infoBytes)
	if m.InfoHash != wantHash {
		t.Fatalf("InfoHash = %x, want %x", m.InfoHash, wantHash)
	}

	wantPieceHash := sha1.Sum([]byte("abcd"))
	if m.PieceHashes[0] != wantPieceHash {
		t.Fatalf("PieceHashes[0] = %x, want %x", m.PieceHashes[0], wantPieceHash)
	}
}

func TestParseRejectsBadPiecesLength(t *testing.T) {
	data := []byte("d8:announce1:a4:infod6:lengthi1e4:name1:a12:piece lengthi1e6:pieces3:abcee")
	if _, err := Parse(data); err == nil {
		t.Fatal("expected error for malformed pieces length")
	}
}
