package prover

import (
	"context"
	"math/big"
)

// Proof is a Groth16 proof in the snarkjs JSON layout. The relayer only
// checks it structurally; verification happens on-chain.
type Proof struct {
	PiA      []string   `json:"pi_a"`
	PiB      [][]string `json:"pi_b"`
	PiC      []string   `json:"pi_c"`
	Protocol string     `json:"protocol"`
	Curve    string     `json:"curve"`
	// PublicSignals travels with the proof so the relayer can derive the
	// nullifier hash without re-running the witness.
	PublicSignals []string `json:"public_signals,omitempty"`
}

// DepositWitness is the private input of the deposit circuit.
type DepositWitness struct {
	Nullifier  *big.Int
	Secret     *big.Int
	Amount     uint64
	Commitment *big.Int
}

// WithdrawWitness is the private input of the withdraw circuit. Siblings and
// Bits are the inclusion path of the commitment; Root must be the root the
// contract currently accepts for the chunk.
type WithdrawWitness struct {
	Nullifier     *big.Int
	Secret        *big.Int
	Amount        uint64
	Recipient     string
	Root          *big.Int
	NullifierHash *big.Int
	Siblings      []*big.Int
	Bits          []uint8
	Fee           uint64
}

// Prover is the proving capability the agent depends on. The production
// implementation drives the Groth16 machinery; tests use the in-memory
// double.
type Prover interface {
	ProveDeposit(ctx context.Context, w DepositWitness) (Proof, error)
	ProveWithdraw(ctx context.Context, w WithdrawWitness) (Proof, error)
}

// WithdrawSignalRoot and friends name the public-signal slots of the
// withdraw circuit.
const (
	WithdrawSignalRoot = iota
	WithdrawSignalNullifierHash
	WithdrawSignalRecipient
	WithdrawSignalAmount
	WithdrawSignalFee
)
