// Package wire implements the BitTorrent peer wire protocol's framing:
// the handshake and the typed message codec described in BEP-3.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// ID identifies a message's wire type.
type ID uint8

const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	BitfieldMsg   ID = 5
	Request       ID = 6
	PieceMsg      ID = 7
	Cancel        ID = 8
)

const protocolString = "BitTorrent protocol"

// MaxBlockLength is the largest legal REQUEST/PIECE block length.
const MaxBlockLength = 16384

// Frame is a single decoded protocol message, or the zero value with
// IsKeepAlive true for a keep-alive frame.
type Frame struct {
	IsKeepAlive bool
	ID          ID
	Payload     []byte
}

// UnknownMessageError reports a frame whose id the codec does not
// recognise. Callers treat it as non-fatal: skip and continue.
type UnknownMessageError struct {
	ID byte
}

func (e *UnknownMessageError) Error() string {
	return fmt.Sprintf("wire: unknown message id %d", e.ID)
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return Frame{}, fmt.Errorf("wire: reading length prefix: %w", err)
	}
	if length == 0 {
		return Frame{IsKeepAlive: true}, nil
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Frame{}, fmt.Errorf("wire: reading frame body: %w", err)
	}

	id := buf[0]
	switch ID(id) {
	case Choke, Unchoke, Interested, NotInterested, Have, BitfieldMsg, Request, PieceMsg, Cancel:
		return Frame{ID: ID(id), Payload: buf[1:]}, nil
	default:
		return Frame{}, &UnknownMessageError{ID: id}
	}
}

// WriteFrame writes f to w, length-prefixed per the wire protocol.
func WriteFrame(w io.Writer, f Frame) error {
	if f.IsKeepAlive {
		return binary.Write(w, binary.BigEndian, uint32(0))
	}

	var buf bytes.Buffer
	length := uint32(len(f.Payload) + 1)
	if err := binary.Write(&buf, binary.BigEndian, length); err != nil {
		return err
	}
	if err := buf.WriteByte(byte(f.ID)); err != nil {
		return err
	}
	if _, err := buf.Write(f.Payload); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// HaveFrame builds a HAVE frame for the given piece index.
func HaveFrame(index uint32) Frame {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)
	return Frame{ID: Have, Payload: payload}
}

// RequestFrame builds a REQUEST (or CANCEL) frame.
func RequestFrame(id ID, index, begin, length uint32) Frame {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)
	return Frame{ID: id, Payload: payload}
}

// PieceFrame builds a PIECE frame carrying block at (index, begin).
func PieceFrame(index, begin uint32, block []byte) Frame {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	copy(payload[8:], block)
	return Frame{ID: PieceMsg, Payload: payload}
}

// BitfieldFrame builds a BITFIELD frame carrying the raw bit vector.
func BitfieldFrame(bits []byte) Frame {
	return Frame{ID: BitfieldMsg, Payload: bits}
}

// ParseHave extracts the piece index from a HAVE frame's payload.
func ParseHave(f Frame) (uint32, error) {
	if f.ID != Have || len(f.Payload) != 4 {
		return 0, fmt.Errorf("wire: malformed have payload (len=%d)", len(f.Payload))
	}
	return binary.BigEndian.Uint32(f.Payload), nil
}

// ParseRequest extracts index/begin/length from a REQUEST or CANCEL
// frame's payload.
func ParseRequest(f Frame) (index, begin, length uint32, err error) {
	if len(f.Payload) != 12 {
		return 0, 0, 0, fmt.Errorf("wire: malformed request payload (len=%d)", len(f.Payload))
	}
	index = binary.BigEndian.Uint32(f.Payload[0:4])
	begin = binary.BigEndian.Uint32(f.Payload[4:8])
	length = binary.BigEndian.Uint32(f.Payload[8:12])
	return index, begin, length, nil
}

// ParsePiece extracts index/begin/block from a PIECE frame's payload.
func ParsePiece(f Frame) (index, begin uint32, block []byte, err error) {
	if f.ID != PieceMsg || len(f.Payload) < 8 {
		return 0, 0, nil, fmt.Errorf("wire: malformed piece payload (len=%d)", len(f.Payload))
	}
	index = binary.BigEndian.Uint32(f.Payload[0:4])
	begin = binary.BigEndian.Uint32(f.Payload[4:8])
	return index, begin, f.Payload[8:], nil
}

// Handshake is the fixed-layout initial frame, distinct from the
// length-prefixed message frames.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// WriteHandshake writes the handshake frame to w.
func WriteHandshake(w io.Writer, hs Handshake) error {
	buf := make([]byte, 49+len(protocolString))
	cursor := 0
	buf[cursor] = byte(len(protocolString))
	cursor++
	cursor += copy(buf[cursor:], protocolString)
	cursor += 8 // reserved, all zero
	cursor += copy(buf[cursor:], hs.InfoHash[:])
	copy(buf[cursor:], hs.PeerID[:])

	_, err := w.Write(buf)
	return err
}

// HandshakeMismatchError reports a protocol string or info-hash that
// does not match what was expected.
type HandshakeMismatchError struct{ Reason string }

func (e *HandshakeMismatchError) Error() string {
	return fmt.Sprintf("wire: handshake mismatch: %s", e.Reason)
}

// PeerIdMismatchError reports a remote peer-id that does not match a
// previously known value for that peer.
type PeerIdMismatchError struct{}

func (e *PeerIdMismatchError) Error() string { return "wire: peer id mismatch" }

// readHandshakeBody reads the fixed-layout handshake off r and
// validates only the protocol string, leaving info-hash/peer-id
// checks to the caller.
func readHandshakeBody(r io.Reader) (Handshake, error) {
	var lengthByte [1]byte
	if _, err := io.ReadFull(r, lengthByte[:]); err != nil {
		return Handshake{}, fmt.Errorf("wire: reading handshake length: %w", err)
	}
	pstrlen := int(lengthByte[0])

	rest := make([]byte, 8+20+20+pstrlen)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Handshake{}, fmt.Errorf("wire: reading handshake body: %w", err)
	}

	pstr := rest[:pstrlen]
	if pstrlen != len(protocolString) || string(pstr) != protocolString {
		return Handshake{}, &HandshakeMismatchError{Reason: "protocol string"}
	}

	cursor := pstrlen + 8
	var hs Handshake
	copy(hs.InfoHash[:], rest[cursor:cursor+20])
	cursor += 20
	copy(hs.PeerID[:], rest[cursor:cursor+20])
	return hs, nil
}

// ReadHandshake reads and validates a handshake frame from r against
// expectedInfoHash. If knownPeerID is non-nil and not all zero, the
// remote's peer-id must match it exactly, or PeerIdMismatchError is
// returned.
func ReadHandshake(r io.Reader, expectedInfoHash [20]byte, knownPeerID *[20]byte) (Handshake, error) {
	hs, err := readHandshakeBody(r)
	if err != nil {
		return Handshake{}, err
	}

	if !bytes.Equal(hs.InfoHash[:], expectedInfoHash[:]) {
		return Handshake{}, &HandshakeMismatchError{Reason: "info hash"}
	}

	if knownPeerID != nil && *knownPeerID != ([20]byte{}) && hs.PeerID != *knownPeerID {
		return Handshake{}, &PeerIdMismatchError{}
	}

	return hs, nil
}

// ReadHandshakeInbound reads a handshake frame from r without
// validating its info-hash, for a server accepting connections before
// it knows which torrent the remote wants. The caller is responsible
// for checking the returned info-hash against its known torrents.
func ReadHandshakeInbound(r io.Reader) (Handshake, error) {
	return readHandshakeBody(r)
}
