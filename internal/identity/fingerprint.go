// Package identity adapts the reference server's Uid encoding
// (server/store/types/types.go: a uint64 packed into an unpadded base64
// string) to this system's node fingerprints. node.NewRemoteNode mints
// one per RemoteNode it builds; the value is not sent to peers or compared.
package identity

import (
	"encoding/base64"
	"encoding/binary"
	"errors"

	"github.com/tinode/snowflake"
)

const encodedLen = 11 // base64, unpadded, 8 raw bytes

// Fingerprint is a snowflake-generated node identity value; each call to
// New returns a fresh one.
type Fingerprint uint64

// node is the shared snowflake generator; the worker ID is fixed per
// process because a single terrastored binary mints fingerprints for
// exactly one local node.
var node, _ = snowflake.NewNode(1)

// New mints a fresh fingerprint.
func New() Fingerprint {
	return Fingerprint(node.Generate().Int64())
}

// String encodes the fingerprint the same way the reference server encodes
// a Uid: 8 raw bytes, base64 URL encoding, padding stripped.
func (f Fingerprint) String() string {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(f))
	return base64.URLEncoding.EncodeToString(buf[:])[:encodedLen]
}

// ParseFingerprint decodes a string produced by Fingerprint.String.
func ParseFingerprint(s string) (Fingerprint, error) {
	if len(s) != encodedLen {
		return 0, errors.New("identity: invalid fingerprint length")
	}
	padded := s
	for len(padded)%4 != 0 {
		padded += "="
	}
	raw, err := base64.URLEncoding.DecodeString(padded)
	if err != nil || len(raw) < 8 {
		return 0, errors.New("identity: invalid fingerprint encoding")
	}
	return Fingerprint(binary.LittleEndian.Uint64(raw)), nil
}
