package pool

import (
	"testing"

	"torrentcore/internal/metainfo"
	"torrentcore/internal/peer"
)

// testMetainfo builds a minimal single-file Metainfo matching the
// given pieces' lengths and hashes, for piecestore.Open in tests that
// only need the piece table, not a real .torrent file.
func testMetainfo(t *testing.T, outputDir string, pieces []peer.TorrentPiece) metainfo.Metainfo {
	t.Helper()

	hashes := make([][20]byte, len(pieces))
	var total int64
	pieceLength := int64(0)
	for i, pc := range pieces {
		hashes[i] = pc.Hash
		total += pc.Length
		if pc.Length > pieceLength {
			pieceLength = pc.Length
		}
	}

	return metainfo.Metainfo{
		Name:        "out.bin",
		PieceLength: pieceLength,
		Length:      total,
		PieceHashes: hashes,
	}
}
