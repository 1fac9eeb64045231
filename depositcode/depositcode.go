package depositcode

import (
	"encoding/binary"
	"errors"

	"github.com/mr-tron/base58"
)

// Version1 is the only deposit-code envelope version currently defined.
const Version1 = byte(1)

// v1Len is the byte length of a version-1 envelope:
// version:1 | nullifier:32 | secret:32 | chunk_id:4 | amount:8
const v1Len = 1 + 32 + 32 + 4 + 8

var (
	// ErrBadVersion is returned when the first byte is not a known version.
	ErrBadVersion = errors.New("deposit code: unknown version")
	// ErrBadLength is returned when the payload length disagrees with the version.
	ErrBadLength = errors.New("deposit code: wrong length")
	// ErrBadEncoding is returned when the base58 wrapper cannot be decoded.
	ErrBadEncoding = errors.New("deposit code: invalid base58")
)

// Code is the decoded content of a deposit code. Possession of a Code implies
// the right to spend the deposit it references; treat values as secrets.
type Code struct {
	Nullifier [32]byte
	Secret    [32]byte
	ChunkID   uint32
	Amount    uint64
}

// Encode serializes the code as a version-1 envelope and wraps it in base58.
func Encode(c Code) string {
	buf := make([]byte, v1Len)
	buf[0] = Version1
	copy(buf[1:33], c.Nullifier[:])
	copy(buf[33:65], c.Secret[:])
	binary.BigEndian.PutUint32(buf[65:69], c.ChunkID)
	binary.BigEndian.PutUint64(buf[69:77], c.Amount)
	return base58.Encode(buf)
}

// Decode parses a base58-wrapped envelope back into a Code.
func Decode(s string) (Code, error) {
	var c Code
	if s == "" {
		return c, ErrBadLength
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return c, ErrBadEncoding
	}
	if len(raw) == 0 {
		return c, ErrBadLength
	}
	if raw[0] != Version1 {
		return c, ErrBadVersion
	}
	if len(raw) != v1Len {
		return c, ErrBadLength
	}
	copy(c.Nullifier[:], raw[1:33])
	copy(c.Secret[:], raw[33:65])
	c.ChunkID = binary.BigEndian.Uint32(raw[65:69])
	c.Amount = binary.BigEndian.Uint64(raw[69:77])
	return c, nil
}
