// Package idhash provides the 128-bit identity hashing used to derive
// databaseId and nodeId values from their constituent attributes.
package idhash

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"
)

// Hash is a 128-bit identity digest, rendered as a 32-hex-char id on the wire.
type Hash [16]byte

// Zero is the zero-value Hash.
var Zero Hash

// Hex returns the lowercase hex encoding of the hash.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// String implements fmt.Stringer.
func (h Hash) String() string {
	return h.Hex()
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Zero
}

// ParseHex decodes a 32-character hex string into a Hash.
func ParseHex(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Zero, fmt.Errorf("idhash.ParseHex: %w", err)
	}
	if len(b) != 16 {
		return Zero, fmt.Errorf("idhash.ParseHex: expected 16 bytes, got %d", len(b))
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

// ForDatabase derives a databaseId from the owner address, display name, and
// a creation nonce, so distinct creation calls never collide even when
// owner and display name repeat.
func ForDatabase(ownerAddress, displayName, nonce string) Hash {
	return hashParts(ownerAddress, displayName, nonce)
}

// ForNode derives a nodeId from the operator address, HTTP endpoint, and the
// node's registration time, rendered as a canonical RFC3339Nano string by
// the caller.
func ForNode(operatorAddress, httpEndpoint, registeredAt string) Hash {
	return hashParts(operatorAddress, httpEndpoint, registeredAt)
}

func hashParts(parts ...string) Hash {
	joined := strings.Join(parts, "\x1f")
	h128 := xxh3.Hash128([]byte(joined))
	var h Hash
	binary.LittleEndian.PutUint64(h[:8], h128.Lo)
	binary.LittleEndian.PutUint64(h[8:], h128.Hi)
	return h
}
