// Package announce implements the tracker wire protocols — HTTP GET +
// bencoded response, and UDP connect/announce — as the single function
// the core treats as an external collaborator: announce(trackerURL,
// Request) -> Response.
package announce

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	bencode "github.com/jackpal/bencode-go"
)

// Event is the optional announce event.
type Event string

const (
	None      Event = ""
	Started   Event = "started"
	Completed Event = "completed"
	Stopped   Event = "stopped"
)

// Request carries everything an announce needs to report progress and
// ask for peers.
type Request struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
}

// PeerAddr is one compact peer record: IPv4 + port.
type PeerAddr struct {
	IP   net.IP
	Port uint16
}

func (p PeerAddr) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// Response is the decoded tracker response.
type Response struct {
	Interval int
	Peers    []PeerAddr
}

type bencodeResponse struct {
	Interval int    `bencode:"interval"`
	Peers    string `bencode:"peers"`
	Failure  string `bencode:"failure reason"`
}

// Do dispatches to the HTTP or UDP announce path based on the
// tracker's URL scheme.
func Do(trackerURL string, req Request) (Response, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return Response{}, fmt.Errorf("announce: parsing tracker url: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		return doHTTP(u, req)
	case "udp":
		return doUDP(u, req)
	default:
		return Response{}, fmt.Errorf("announce: unsupported tracker scheme %q", u.Scheme)
	}
}

func doHTTP(u *url.URL, req Request) (Response, error) {
	params := url.Values{}
	params.Set("info_hash", string(req.InfoHash[:]))
	params.Set("peer_id", string(req.PeerID[:]))
	params.Set("port", strconv.Itoa(int(req.Port)))
	params.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	params.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	params.Set("left", strconv.FormatInt(req.Left, 10))
	params.Set("compact", "1")
	if req.Event != None {
		params.Set("event", string(req.Event))
	}
	u.RawQuery = params.Encode()

	client := &http.Client{Timeout: 15 * time.Second}
	httpReq, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return Response{}, fmt.Errorf("announce: building http request: %w", err)
	}
	httpReq.Header.Set("User-Agent", "torrentcore/1.0")

	resp, err := client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("announce: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("announce: tracker returned status %d", resp.StatusCode)
	}

	var br bencodeResponse
	if err := bencode.Unmarshal(resp.Body, &br); err != nil {
		return Response{}, fmt.Errorf("announce: decoding response: %w", err)
	}
	if br.Failure != "" {
		return Response{}, fmt.Errorf("announce: tracker failure: %s", br.Failure)
	}

	peers, err := decodeCompactPeers([]byte(br.Peers))
	if err != nil {
		return Response{}, err
	}
	return Response{Interval: br.Interval, Peers: peers}, nil
}

const protocolID = 0x41727101980

func doUDP(u *url.URL, req Request) (Response, error) {
	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return Response{}, fmt.Errorf("announce: resolving udp tracker: %w", err)
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return Response{}, fmt.Errorf("announce: dialing udp tracker: %w", err)
	}
	defer conn.Close()

	var transactionBuf [4]byte
	if _, err := crand.Read(transactionBuf[:]); err != nil {
		return Response{}, fmt.Errorf("announce: generating transaction id: %w", err)
	}
	transactionID := binary.BigEndian.Uint32(transactionBuf[:])

	connectReq := make([]byte, 16)
	binary.BigEndian.PutUint64(connectReq[0:8], protocolID)
	binary.BigEndian.PutUint32(connectReq[8:12], 0) // connect action
	binary.BigEndian.PutUint32(connectReq[12:16], transactionID)

	var connectionID uint64
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		conn.SetDeadline(time.Now().Add(time.Duration(5+attempt*2) * time.Second))
		if _, err := conn.Write(connectReq); err != nil {
			lastErr = err
			continue
		}

		resp := make([]byte, 16)
		n, err := conn.Read(resp)
		if err != nil || n < 16 {
			lastErr = fmt.Errorf("reading connect response: %w", err)
			continue
		}
		if binary.BigEndian.Uint32(resp[0:4]) != 0 {
			return Response{}, fmt.Errorf("announce: invalid connect action")
		}
		if binary.BigEndian.Uint32(resp[4:8]) != transactionID {
			return Response{}, fmt.Errorf("announce: connect transaction id mismatch")
		}
		connectionID = binary.BigEndian.Uint64(resp[8:16])
		lastErr = nil
		break
	}
	if lastErr != nil {
		return Response{}, fmt.Errorf("announce: connect failed after retries: %w", lastErr)
	}

	eventCode := uint32(0)
	switch req.Event {
	case Completed:
		eventCode = 1
	case Started:
		eventCode = 2
	case Stopped:
		eventCode = 3
	}

	announceReq := make([]byte, 98)
	binary.BigEndian.PutUint64(announceReq[0:8], connectionID)
	binary.BigEndian.PutUint32(announceReq[8:12], 1) // announce action
	binary.BigEndian.PutUint32(announceReq[12:16], transactionID)
	copy(announceReq[16:36], req.InfoHash[:])
	copy(announceReq[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(announceReq[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(announceReq[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(announceReq[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(announceReq[80:84], eventCode)
	// [84:88] ip, left zero for default
	binary.BigEndian.PutUint32(announceReq[88:92], transactionID) // key
	binary.BigEndian.PutUint32(announceReq[92:96], uint32(0xFFFFFFFF))
	binary.BigEndian.PutUint16(announceReq[96:98], req.Port)

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(announceReq); err != nil {
		return Response{}, fmt.Errorf("announce: sending udp announce: %w", err)
	}

	resp := make([]byte, 2048)
	n, err := conn.Read(resp)
	if err != nil {
		return Response{}, fmt.Errorf("announce: reading udp announce response: %w", err)
	}
	if n < 20 {
		return Response{}, fmt.Errorf("announce: udp announce response too short (%d bytes)", n)
	}

	action := binary.BigEndian.Uint32(resp[0:4])
	if action == 3 {
		return Response{}, fmt.Errorf("announce: tracker error: %s", string(resp[8:n]))
	}
	if action != 1 {
		return Response{}, fmt.Errorf("announce: unexpected udp announce action %d", action)
	}
	if binary.BigEndian.Uint32(resp[4:8]) != transactionID {
		return Response{}, fmt.Errorf("announce: announce transaction id mismatch")
	}

	interval := int(binary.BigEndian.Uint32(resp[8:12]))
	peers, err := decodeCompactPeers(resp[20:n])
	if err != nil {
		return Response{}, err
	}
	return Response{Interval: interval, Peers: peers}, nil
}

func decodeCompactPeers(raw []byte) ([]PeerAddr, error) {
	if len(raw)%6 != 0 {
		return nil, fmt.Errorf("announce: compact peer list length %d not a multiple of 6", len(raw))
	}
	peers := make([]PeerAddr, 0, len(raw)/6)
	for i := 0; i < len(raw); i += 6 {
		ip := net.IPv4(raw[i], raw[i+1], raw[i+2], raw[i+3])
		port := binary.BigEndian.Uint16(raw[i+4 : i+6])
		peers = append(peers, PeerAddr{IP: ip, Port: port})
	}
	return peers, nil
}

// IsUDP reports whether trackerURL uses the udp:// scheme.
func IsUDP(trackerURL string) bool { return strings.HasPrefix(trackerURL, "udp://") }

// IsHTTP reports whether trackerURL uses http(s)://.
func IsHTTP(trackerURL string) bool {
	return strings.HasPrefix(trackerURL, "http://") || strings.HasPrefix(trackerURL, "https://")
}
