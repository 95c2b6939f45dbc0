// Package metainfo decodes a .torrent file into the core's Metainfo
// data model. It plays the role spec.md calls parse_metainfo(bytes) ->
// Metainfo — an external collaborator boundary the core depends on but
// does not own the wire format of.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"strconv"

	bencode "github.com/jackpal/bencode-go"
)

// FileEntry describes one file of a multi-file torrent.
type FileEntry struct {
	Path   []string
	Length int64
}

// Metainfo is the parsed, immutable content of a .torrent file.
type Metainfo struct {
	InfoHash    [20]byte
	Announce    string
	AnnounceList [][]string
	PieceLength int64
	PieceHashes [][20]byte
	Name        string
	Length      int64 // single-file total length, 0 for multi-file
	Files       []FileEntry
}

// TotalLength returns the sum of all file lengths the torrent
// describes, whether single- or multi-file.
func (m Metainfo) TotalLength() int64 {
	if len(m.Files) == 0 {
		return m.Length
	}
	var total int64
	for _, f := range m.Files {
		total += f.Length
	}
	return total
}

// NumPieces returns the number of pieces derived from the piece hash
// table.
func (m Metainfo) NumPieces() int {
	return len(m.PieceHashes)
}

// PieceLen returns the byte length of piece index i: PieceLength for
// all but the last piece, which may be short.
func (m Metainfo) PieceLen(index int) int64 {
	if index < 0 || index >= m.NumPieces() {
		return 0
	}
	if index < m.NumPieces()-1 {
		return m.PieceLength
	}
	last := m.TotalLength() - int64(index)*m.PieceLength
	if last <= 0 {
		return m.PieceLength
	}
	return last
}

type rawInfo struct {
	PieceLength int64      `bencode:"piece length"`
	Pieces      string     `bencode:"pieces"`
	Name        string     `bencode:"name"`
	Length      int64      `bencode:"length"`
	Files       []rawFile  `bencode:"files"`
}

type rawFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

type rawTorrent struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	Info         rawInfo    `bencode:"info"`
}

// Parse decodes a .torrent file's raw bytes into a Metainfo, computing
// the info-hash as SHA-1 of the raw info-dictionary bytes as they
// appear in the source (not a re-encoding, which could diverge on
// dictionary key ordering from non-conforming writers).
func Parse(data []byte) (Metainfo, error) {
	var raw rawTorrent
	if err := bencode.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return Metainfo{}, fmt.Errorf("metainfo: decoding bencode: %w", err)
	}

	infoBytes, err := extractInfoBytes(data)
	if err != nil {
		return Metainfo{}, fmt.Errorf("metainfo: locating info dict: %w", err)
	}

	pieces := raw.Info.Pieces
	if len(pieces)%20 != 0 {
		return Metainfo{}, fmt.Errorf("metainfo: pieces length %d not a multiple of 20", len(pieces))
	}
	hashes := make([][20]byte, len(pieces)/20)
	for i := range hashes {
		copy(hashes[i][:], pieces[i*20:(i+1)*20])
	}

	files := make([]FileEntry, len(raw.Info.Files))
	for i, f := range raw.Info.Files {
		files[i] = FileEntry{Path: f.Path, Length: f.Length}
	}

	m := Metainfo{
		InfoHash:     sha1.Sum(infoBytes),
		Announce:     raw.Announce,
		AnnounceList: raw.AnnounceList,
		PieceLength:  raw.Info.PieceLength,
		PieceHashes:  hashes,
		Name:         raw.Info.Name,
		Length:       raw.Info.Length,
		Files:        files,
	}

	if m.PieceLength <= 0 {
		return Metainfo{}, fmt.Errorf("metainfo: non-positive piece length %d", m.PieceLength)
	}
	if m.Name == "" {
		return Metainfo{}, fmt.Errorf("metainfo: missing name")
	}

	return m, nil
}

// ParseFile reads a whole .torrent file from r and parses it.
func ParseFile(r io.Reader) (Metainfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Metainfo{}, fmt.Errorf("metainfo: reading source: %w", err)
	}
	return Parse(data)
}

// extractInfoBytes walks the top-level bencoded dictionary's key/value
// pairs looking for the "info" key and returns the exact source bytes
// of its value. Unlike a raw search for the literal text "4:info",
// this only ever matches a real top-level dictionary key — the
// "pieces" string is raw SHA-1 bytes with no charset restriction and
// can coincidentally contain that same byte sequence, which would
// misidentify the info dictionary's bounds if matched by substring.
func extractInfoBytes(data []byte) ([]byte, error) {
	if len(data) == 0 || data[0] != 'd' {
		return nil, fmt.Errorf("not a bencoded dictionary")
	}

	infoKey := []byte("4:info")
	pos := 1
	for pos < len(data) && data[pos] != 'e' {
		keyEnd, err := scanBencodeValue(data, pos)
		if err != nil {
			return nil, fmt.Errorf("scanning dict key at %d: %w", pos, err)
		}
		key := data[pos:keyEnd]

		valStart := keyEnd
		valEnd, err := scanBencodeValue(data, valStart)
		if err != nil {
			return nil, fmt.Errorf("scanning dict value at %d: %w", valStart, err)
		}

		if bytes.Equal(key, infoKey) {
			return data[valStart:valEnd], nil
		}
		pos = valEnd
	}
	return nil, fmt.Errorf("no top-level \"info\" key found")
}

// scanBencodeValue returns the end offset (exclusive) of the single
// bencoded value starting at pos: an integer, a length-prefixed
// string, or a recursively-scanned list/dictionary. It skips rather
// than decodes list/dict elements, which is all extractInfoBytes needs
// to walk past keys it isn't looking for.
func scanBencodeValue(data []byte, pos int) (int, error) {
	if pos >= len(data) {
		return 0, fmt.Errorf("unexpected end of data at %d", pos)
	}

	switch b := data[pos]; {
	case b == 'i':
		end := bytes.IndexByte(data[pos:], 'e')
		if end < 0 {
			return 0, fmt.Errorf("unterminated integer at %d", pos)
		}
		return pos + end + 1, nil

	case b == 'l' || b == 'd':
		p := pos + 1
		for {
			if p >= len(data) {
				return 0, fmt.Errorf("unterminated list/dict starting at %d", pos)
			}
			if data[p] == 'e' {
				return p + 1, nil
			}
			next, err := scanBencodeValue(data, p)
			if err != nil {
				return 0, err
			}
			p = next
		}

	case b >= '0' && b <= '9':
		j := pos
		for j < len(data) && data[j] >= '0' && data[j] <= '9' {
			j++
		}
		if j >= len(data) || data[j] != ':' {
			return 0, fmt.Errorf("invalid string length at %d-%d", pos, j)
		}
		length, err := strconv.Atoi(string(data[pos:j]))
		if err != nil {
			return 0, fmt.Errorf("invalid string length at %d-%d: %w", pos, j, err)
		}
		start := j + 1
		end := start + length
		if length < 0 || end > len(data) {
			return 0, fmt.Errorf("string at %d overruns data (length %d)", pos, length)
		}
		return end, nil

	default:
		return 0, fmt.Errorf("unrecognised bencode tag %q at %d", b, pos)
	}
}
