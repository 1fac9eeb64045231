package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/cipher-network/cipher-agent/gerror"
	"github.com/cipher-network/cipher-agent/merkletree"
	"github.com/cipher-network/cipher-agent/prover"
)

// Simulator is an in-memory Backend for tests and local runs. It keeps the
// same per-chunk leaf sequences and roots a real deployment would, including
// the duplicate-nullifier rejection.
type Simulator struct {
	mu           sync.Mutex
	engine       *merkletree.Engine
	leaves       map[uint32][]*big.Int
	nullifiers   map[string]bool
	currentChunk uint32
	txCounter    int
	// ChunkCapacity lets tests roll chunks over without a million deposits.
	ChunkCapacity int
}

// NewSimulator creates an empty simulated chain starting at chunk 0.
func NewSimulator() *Simulator {
	return &Simulator{
		engine:        merkletree.New(""),
		leaves:        make(map[uint32][]*big.Int),
		nullifiers:    make(map[string]bool),
		ChunkCapacity: merkletree.Capacity,
	}
}

// FetchLeaves returns a copy of the chunk's leaf sequence.
func (s *Simulator) FetchLeaves(_ context.Context, chunkID uint32) ([]*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.leaves[chunkID]
	out := make([]*big.Int, len(src))
	for i, l := range src {
		out[i] = new(big.Int).Set(l)
	}
	return out, nil
}

// GetLeafCount returns the number of leaves stored for the chunk.
func (s *Simulator) GetLeafCount(_ context.Context, chunkID uint32) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.leaves[chunkID]), nil
}

// GetRoot returns the root over the chunk's current leaves.
func (s *Simulator) GetRoot(_ context.Context, chunkID uint32) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rootLocked(chunkID)
}

func (s *Simulator) rootLocked(chunkID uint32) (*big.Int, error) {
	if err := s.engine.Build(chunkID, s.leaves[chunkID]); err != nil {
		return nil, err
	}
	return s.engine.Root(chunkID)
}

// GetCurrentChunkID returns the active chunk.
func (s *Simulator) GetCurrentChunkID(_ context.Context) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentChunk, nil
}

// SubmitDeposit appends the commitment as a leaf of the target chunk.
func (s *Simulator) SubmitDeposit(_ context.Context, _ prover.Proof, commitment *big.Int, _ uint64, chunkID uint32) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chunkID != s.currentChunk {
		return "", gerror.NewChainRejected("inactive_chunk")
	}
	if len(s.leaves[chunkID]) >= s.ChunkCapacity {
		return "", gerror.NewChainRejected("chunk_full")
	}
	s.leaves[chunkID] = append(s.leaves[chunkID], new(big.Int).Set(commitment))
	if len(s.leaves[chunkID]) >= s.ChunkCapacity {
		s.currentChunk++
	}
	s.txCounter++
	return fmt.Sprintf("sim-deposit-%d", s.txCounter), nil
}

// SubmitWithdraw records the nullifier hash, rejecting a second spend of the
// same one.
func (s *Simulator) SubmitWithdraw(_ context.Context, _ prover.Proof, _ string, _ uint32, nullifierHash *big.Int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := nullifierHash.String()
	if s.nullifiers[key] {
		return "", gerror.NewChainRejected("duplicate_nullifier")
	}
	s.nullifiers[key] = true
	s.txCounter++
	return fmt.Sprintf("sim-withdraw-%d", s.txCounter), nil
}

// HasNullifier reports whether a nullifier hash has been published.
func (s *Simulator) HasNullifier(nullifierHash *big.Int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nullifiers[nullifierHash.String()]
}
