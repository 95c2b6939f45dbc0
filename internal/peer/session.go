package peer

import (
	"context"
	"crypto/sha1"
	"fmt"
	"net"
	"time"

	"torrentcore/internal/bitfield"
	"torrentcore/internal/torrenterr"
	"torrentcore/internal/wire"
)

// DownloadInfo is the handshake context shared by every session for a
// torrent: its info-hash and the local identity to present.
type DownloadInfo struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// TorrentPiece describes the piece a session is asked to fetch.
type TorrentPiece struct {
	Index  int
	Length int64
	Hash   [20]byte
}

// Session drives one outer "download piece P" request at a time over
// a single peer connection, per the Connecting -> Handshaking ->
// AwaitingBitfield -> Idle -> Requesting -> Receiving -> (Idle | Done |
// Failed) state machine.
type Session struct {
	Peer        *Peer
	ReadTimeout time.Duration
	NumPieces   int
}

// NewSession wraps p in a Session. readTimeout is the per-frame read
// deadline; zero selects a 30s default.
func NewSession(p *Peer, numPieces int, readTimeout time.Duration) *Session {
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	return &Session{Peer: p, ReadTimeout: readTimeout, NumPieces: numPieces}
}

// Download fetches piece from s.Peer, opening a connection and
// performing the handshake first if one is not already established.
// On success it returns the piece's verified-length byte buffer; the
// caller is responsible for hash verification and commit.
func (s *Session) Download(ctx context.Context, piece TorrentPiece, info DownloadInfo) ([]byte, error) {
	if s.Peer.Conn == nil {
		if err := s.connect(info); err != nil {
			return nil, err
		}
	}

	if err := s.sendRequest(piece, 0, blockLength(piece, 0)); err != nil {
		return nil, err
	}

	buf := make([]byte, piece.Length)
	received := int64(0)
	outstandingBegin := int64(0)

	for received < piece.Length {
		select {
		case <-ctx.Done():
			return nil, torrenterr.New(torrenterr.Cancelled, "peer.Download", ctx.Err())
		default:
		}

		s.Peer.Conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
		frame, err := wire.ReadFrame(s.Peer.Conn)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				return nil, torrenterr.New(torrenterr.Connection, "peer.Download", fmt.Errorf("read timeout: %w", err))
			}
			if _, ok := err.(*wire.UnknownMessageError); ok {
				continue
			}
			return nil, torrenterr.New(torrenterr.Connection, "peer.Download", err)
		}

		if frame.IsKeepAlive {
			continue
		}

		switch frame.ID {
		case wire.BitfieldMsg:
			s.Peer.Bitfield = bitfield.Field(frame.Payload)
			if err := s.becomeInterestedIfNeeded(piece.Index); err != nil {
				return nil, err
			}

		case wire.Have:
			index, err := wire.ParseHave(frame)
			if err != nil {
				return nil, torrenterr.New(torrenterr.Protocol, "peer.Download", err)
			}
			if int(index) >= len(s.Peer.Bitfield)*8 {
				grown := bitfield.New(s.NumPieces)
				copy(grown, s.Peer.Bitfield)
				s.Peer.Bitfield = grown
			}
			s.Peer.Bitfield.Set(int(index))
			if int(index) == piece.Index {
				if err := s.becomeInterestedIfNeeded(piece.Index); err != nil {
					return nil, err
				}
			}

		case wire.Unchoke:
			s.Peer.AmChoked = false
			if s.Peer.AmInterested {
				if err := s.sendRequest(piece, outstandingBegin, blockLength(piece, outstandingBegin)); err != nil {
					return nil, err
				}
			}

		case wire.Choke:
			s.Peer.AmChoked = true

		case wire.PieceMsg:
			index, begin, block, err := wire.ParsePiece(frame)
			if err != nil {
				return nil, torrenterr.New(torrenterr.Protocol, "peer.Download", err)
			}
			if int(index) != piece.Index {
				continue
			}
			if int64(begin) > piece.Length || int64(begin)+int64(len(block)) > piece.Length {
				return nil, torrenterr.New(torrenterr.Protocol, "peer.Download",
					fmt.Errorf("piece %d: block [%d,%d) out of range for length %d", index, begin, int64(begin)+int64(len(block)), piece.Length))
			}
			copy(buf[begin:], block)
			received += int64(len(block))
			outstandingBegin = int64(begin) + int64(len(block))

			if received < piece.Length && !s.Peer.AmChoked {
				if err := s.sendRequest(piece, outstandingBegin, blockLength(piece, outstandingBegin)); err != nil {
					return nil, err
				}
			}

		case wire.NotInterested, wire.Cancel:
			// Not relevant to the download direction.

		default:
			// Other recognised-but-irrelevant ids are ignored.
		}
	}

	return buf, nil
}

// blockLength computes the next block's length as min(remaining, 16384)
// — block length alone, never compared against the total piece length.
func blockLength(piece TorrentPiece, begin int64) uint32 {
	remaining := piece.Length - begin
	if remaining > wire.MaxBlockLength {
		return wire.MaxBlockLength
	}
	return uint32(remaining)
}

func (s *Session) sendRequest(piece TorrentPiece, begin int64, length uint32) error {
	frame := wire.RequestFrame(wire.Request, uint32(piece.Index), uint32(begin), length)
	s.Peer.Conn.SetWriteDeadline(time.Now().Add(s.ReadTimeout))
	if err := wire.WriteFrame(s.Peer.Conn, frame); err != nil {
		return torrenterr.New(torrenterr.Connection, "peer.sendRequest", err)
	}
	return nil
}

func (s *Session) becomeInterestedIfNeeded(pieceIndex int) error {
	if s.Peer.AmInterested || !s.Peer.Bitfield.Has(pieceIndex) {
		return nil
	}
	s.Peer.AmInterested = true
	s.Peer.Conn.SetWriteDeadline(time.Now().Add(s.ReadTimeout))
	if err := wire.WriteFrame(s.Peer.Conn, wire.Frame{ID: wire.Interested}); err != nil {
		return torrenterr.New(torrenterr.Connection, "peer.becomeInterestedIfNeeded", err)
	}
	return nil
}

func (s *Session) connect(info DownloadInfo) error {
	conn, err := net.DialTimeout("tcp", s.Peer.Addr.String(), 5*time.Second)
	if err != nil {
		return torrenterr.New(torrenterr.Connection, "peer.connect", err)
	}

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if err := wire.WriteHandshake(conn, wire.Handshake{InfoHash: info.InfoHash, PeerID: info.PeerID}); err != nil {
		conn.Close()
		return torrenterr.New(torrenterr.Connection, "peer.connect", err)
	}

	hs, err := wire.ReadHandshake(conn, info.InfoHash, s.Peer.ID)
	if err != nil {
		conn.Close()
		return torrenterr.New(torrenterr.Connection, "peer.connect", err)
	}
	conn.SetDeadline(time.Time{})

	remoteID := hs.PeerID
	s.Peer.ID = &remoteID
	s.Peer.Conn = conn
	s.Peer.Bitfield = bitfield.New(s.NumPieces)
	return nil
}

// VerifyPiece reports whether data's SHA-1 matches piece.Hash.
func VerifyPiece(piece TorrentPiece, data []byte) bool {
	sum := sha1.Sum(data)
	return sum == piece.Hash
}
