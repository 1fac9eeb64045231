package chain

import (
	"context"
	"math/big"

	"github.com/cipher-network/cipher-agent/prover"
)

// Backend is the read/submit surface of the mixer contract the core depends
// on. All calls are bounded by the caller's context deadline; transport
// failures surface as gerror.ErrChainUnavailable, structured contract errors
// as *gerror.ChainRejectedError.
type Backend interface {
	// FetchLeaves reads the full ordered leaf sequence stored for a chunk.
	FetchLeaves(ctx context.Context, chunkID uint32) ([]*big.Int, error)
	// GetLeafCount reads the number of leaves the contract holds for a chunk.
	GetLeafCount(ctx context.Context, chunkID uint32) (int, error)
	// GetRoot reads the contract's current root for a chunk.
	GetRoot(ctx context.Context, chunkID uint32) (*big.Int, error)
	// GetCurrentChunkID reads the monotonically-growing active chunk ID.
	GetCurrentChunkID(ctx context.Context) (uint32, error)
	// SubmitDeposit sends a deposit transaction and returns its tx ID.
	SubmitDeposit(ctx context.Context, proof prover.Proof, commitment *big.Int, amount uint64, chunkID uint32) (string, error)
	// SubmitWithdraw sends a withdraw transaction under this agent's account
	// and returns its tx ID.
	SubmitWithdraw(ctx context.Context, proof prover.Proof, recipient string, chunkID uint32, nullifierHash *big.Int) (string, error)
}
