package poseidon

import (
	"math/big"

	iden3poseidon "github.com/iden3/go-iden3-crypto/poseidon"
	"github.com/pkg/errors"
)

const (
	// TreeHeight is the depth of every chunk tree.
	TreeHeight = 20
	// TreeCapacity is the maximum number of leaves a chunk can hold.
	TreeCapacity = 1 << TreeHeight
)

// Q is the BN254 scalar field modulus. Commitments, nullifier hashes and all
// tree nodes are elements of this field.
var Q, _ = new(big.Int).SetString("21888242871839275222246405745257275088548364400416034343698204186575808495617", 10)

// zeroHashes[l] is the root of a complete subtree of height l whose leaves
// are all zero. zeroHashes[0] is the zero leaf itself. The values must match
// the array baked into the mixer contract.
var zeroHashes []*big.Int

func init() {
	zeroHashes = generateZeroHashes(TreeHeight)
}

func generateZeroHashes(height int) []*big.Int {
	zh := []*big.Int{big.NewInt(0)}
	for i := 1; i <= height; i++ {
		h, err := iden3poseidon.Hash([]*big.Int{zh[i-1], zh[i-1]})
		if err != nil {
			panic(err)
		}
		zh = append(zh, h)
	}
	return zh
}

// Warm forces the package (and the underlying round-constant tables) to be
// fully initialized. Called at agent start so that the first user-facing
// operation does not carry an initialization timing fingerprint.
func Warm() {
	_, _ = Hash2(big.NewInt(1), big.NewInt(2))
}

// ZeroHash returns the zero-subtree root at the given level. Level 0 is the
// zero leaf.
func ZeroHash(level int) *big.Int {
	return new(big.Int).Set(zeroHashes[level])
}

// Hash2 hashes two field elements. This is the node combiner of the
// commitment tree.
func Hash2(left, right *big.Int) (*big.Int, error) {
	h, err := iden3poseidon.Hash([]*big.Int{left, right})
	if err != nil {
		return nil, errors.Wrap(err, "poseidon hash2")
	}
	return h, nil
}

// Hash3 hashes three field elements.
func Hash3(a, b, c *big.Int) (*big.Int, error) {
	h, err := iden3poseidon.Hash([]*big.Int{a, b, c})
	if err != nil {
		return nil, errors.Wrap(err, "poseidon hash3")
	}
	return h, nil
}

// Commitment computes the leaf commitment Poseidon(nullifier, secret, amount).
// The argument order is fixed by the deposit circuit.
func Commitment(nullifier, secret *big.Int, amount uint64) (*big.Int, error) {
	return Hash3(nullifier, secret, new(big.Int).SetUint64(amount))
}

// NullifierHash computes Poseidon(nullifier, 0), the value published on-chain
// at withdraw time.
func NullifierHash(nullifier *big.Int) (*big.Int, error) {
	return Hash2(nullifier, big.NewInt(0))
}

// FromBytes interprets b as a big-endian integer and reduces it into the
// scalar field.
func FromBytes(b []byte) *big.Int {
	return new(big.Int).Mod(new(big.Int).SetBytes(b), Q)
}

// InField reports whether v is a canonical field element.
func InField(v *big.Int) bool {
	return v != nil && v.Sign() >= 0 && v.Cmp(Q) < 0
}
