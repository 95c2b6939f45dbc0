// Package peerid generates the local client's 20-byte BitTorrent peer
// identity.
package peerid

import (
	"crypto/rand"
	"fmt"
)

const prefix = "-PK0001-"

// ID is the local 20-byte peer identity: the fixed 8-byte prefix
// "-PK0001-" followed by 12 bytes, each holding a raw numeric value in
// 0-9 (not the ASCII digit) chosen uniformly at random.
type ID [20]byte

// New generates a fresh peer id. The suffix bytes are the raw numeric
// value 0-9, not ASCII '0'-'9' — this is observable on the wire and
// must be preserved exactly.
func New() (ID, error) {
	var id ID
	copy(id[:len(prefix)], prefix)

	suffix := make([]byte, 20-len(prefix))
	if _, err := rand.Read(suffix); err != nil {
		return ID{}, fmt.Errorf("peerid: generating random suffix: %w", err)
	}
	for i, b := range suffix {
		id[len(prefix)+i] = b % 10
	}
	return id, nil
}

// String renders the id for logging: the prefix verbatim, the numeric
// suffix as decimal digits.
func (id ID) String() string {
	buf := make([]byte, 20)
	copy(buf, id[:len(prefix)])
	for i := len(prefix); i < 20; i++ {
		buf[i] = '0' + id[i]
	}
	return string(buf)
}
