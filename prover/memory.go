package prover

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
)

// Memory is a deterministic stand-in for the Groth16 prover. Proof points are
// hashes of the witness so tests can assert that distinct witnesses produce
// distinct proofs; public signals are filled exactly like the real circuit's.
type Memory struct{}

// NewMemory returns the in-memory prover double.
func NewMemory() *Memory { return &Memory{} }

func fakePoint(tag string, parts ...string) []string {
	h := sha256.New()
	h.Write([]byte(tag))
	for _, p := range parts {
		h.Write([]byte(p))
	}
	sum := hex.EncodeToString(h.Sum(nil))
	return []string{
		new(big.Int).SetBytes([]byte(sum[:16])).String(),
		new(big.Int).SetBytes([]byte(sum[16:32])).String(),
		"1",
	}
}

// ProveDeposit fabricates a structurally valid deposit proof.
func (m *Memory) ProveDeposit(_ context.Context, w DepositWitness) (Proof, error) {
	seed := []string{w.Nullifier.String(), w.Secret.String(), fmt.Sprint(w.Amount)}
	return Proof{
		PiA:           fakePoint("a", seed...),
		PiB:           [][]string{fakePoint("b0", seed...)[:2], fakePoint("b1", seed...)[:2], {"1", "0"}},
		PiC:           fakePoint("c", seed...),
		Protocol:      "groth16",
		Curve:         "bn128",
		PublicSignals: []string{w.Commitment.String(), fmt.Sprint(w.Amount)},
	}, nil
}

// ProveWithdraw fabricates a structurally valid withdraw proof carrying the
// real public signals.
func (m *Memory) ProveWithdraw(_ context.Context, w WithdrawWitness) (Proof, error) {
	seed := []string{w.Nullifier.String(), w.Secret.String(), w.Recipient, w.Root.String()}
	return Proof{
		PiA:      fakePoint("a", seed...),
		PiB:      [][]string{fakePoint("b0", seed...)[:2], fakePoint("b1", seed...)[:2], {"1", "0"}},
		PiC:      fakePoint("c", seed...),
		Protocol: "groth16",
		Curve:    "bn128",
		PublicSignals: []string{
			w.Root.String(),
			w.NullifierHash.String(),
			w.Recipient,
			fmt.Sprint(w.Amount),
			fmt.Sprint(w.Fee),
		},
	}, nil
}
