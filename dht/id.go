package dht

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math/bits"

	"github.com/cipher-network/cipher-agent/gerror"
	"github.com/pkg/errors"
)

// IDLength is the byte length of a NodeID (256 bits).
const IDLength = 32

// NodeID is a 256-bit identifier in the DHT key space. Node IDs and content
// keys share the space, so distances between a node and a key are well
// defined.
type NodeID [IDLength]byte

// NewID derives a node ID from a caller-provided seed.
func NewID(seed []byte) NodeID {
	return sha256.Sum256(seed)
}

// RandomID derives a node ID from 32 fresh random bytes.
func RandomID() (NodeID, error) {
	var seed [IDLength]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return NodeID{}, errors.Wrap(err, "reading randomness for node id")
	}
	return sha256.Sum256(seed[:]), nil
}

// Key maps an arbitrary string key into the ID space.
func Key(s string) NodeID {
	return sha256.Sum256([]byte(s))
}

// ParseID decodes a 64-character hex node ID.
func ParseID(s string) (NodeID, error) {
	var id NodeID
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != IDLength {
		return id, errors.Wrap(gerror.ErrBadInput, "node id must be 32 hex bytes")
	}
	copy(id[:], raw)
	return id, nil
}

func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// XOR returns the distance between two IDs under the Kademlia metric.
func XOR(a, b NodeID) NodeID {
	var d NodeID
	for i := 0; i < IDLength; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// DistanceLess reports whether a is strictly closer to target than b,
// comparing XOR distances as 256-bit big-endian integers.
func DistanceLess(target, a, b NodeID) bool {
	da := XOR(target, a)
	db := XOR(target, b)
	for i := 0; i < IDLength; i++ {
		if da[i] != db[i] {
			return da[i] < db[i]
		}
	}
	return false
}

// BucketIndex returns the k-bucket index of other relative to self: the
// number of leading zero bits in their XOR distance. Index 0 holds the most
// distant peers, index 255 the closest. A zero distance (self) maps to
// bucket 0 and is never inserted.
func BucketIndex(self, other NodeID) int {
	d := XOR(self, other)
	for i := 0; i < IDLength; i++ {
		if d[i] != 0 {
			return i*8 + bits.LeadingZeros8(d[i])
		}
	}
	return 0
}
