package merkletree

import (
	"math/big"
	"sync"

	"github.com/cipher-network/cipher-agent/gerror"
	"github.com/cipher-network/cipher-agent/poseidon"
	"github.com/pkg/errors"
)

// Height is the depth of every chunk tree.
const Height = poseidon.TreeHeight

// Capacity is the leaf capacity of a chunk.
const Capacity = poseidon.TreeCapacity

type nodeKey struct {
	level uint8
	index uint64
}

// chunkTree is the sparse replica of one chunk. Only ancestors of at least
// one real leaf are materialized in nodes; everything else is a zero-subtree
// hash.
type chunkTree struct {
	leaves []*big.Int
	nodes  map[nodeKey]*big.Int
	root   *big.Int
}

// Proof is an inclusion path from a leaf to the root. Values are copies; the
// proof does not alias engine storage.
type Proof struct {
	Index    uint64
	Siblings [Height]*big.Int
	Bits     [Height]uint8
	Root     *big.Int
}

// RootCheckFunc verifies a root against an external source of truth, e.g. a
// single chain RPC. Installed by the agent for cache loads.
type RootCheckFunc func(chunkID uint32, root *big.Int) error

// Engine maintains the per-chunk sparse commitment trees. Safe for use from
// multiple goroutines.
type Engine struct {
	mu        sync.RWMutex
	chunks    map[uint32]*chunkTree
	cacheDir  string
	rootCheck RootCheckFunc
}

// New creates an Engine. cacheDir is where per-chunk snapshots are persisted;
// it may be empty to disable the disk cache.
func New(cacheDir string) *Engine {
	return &Engine{
		chunks:   make(map[uint32]*chunkTree),
		cacheDir: cacheDir,
	}
}

// SetRootCheck installs a verifier that every disk-cache load must pass
// before the cached tree is trusted.
func (e *Engine) SetRootCheck(fn RootCheckFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rootCheck = fn
}

func (t *chunkTree) get(level uint8, index uint64) *big.Int {
	if v, ok := t.nodes[nodeKey{level, index}]; ok {
		return v
	}
	return nil
}

// value returns the node at (level, index), substituting the zero-subtree
// hash when the node is not materialized.
func (t *chunkTree) value(level uint8, index uint64) *big.Int {
	if v := t.get(level, index); v != nil {
		return v
	}
	return poseidon.ZeroHash(int(level))
}

func buildTree(leaves []*big.Int) (*chunkTree, error) {
	if len(leaves) > Capacity {
		return nil, gerror.ErrTreeOverflow
	}
	t := &chunkTree{
		leaves: make([]*big.Int, len(leaves)),
		nodes:  make(map[nodeKey]*big.Int),
	}
	for i, leaf := range leaves {
		if !poseidon.InField(leaf) {
			return nil, errors.Wrapf(gerror.ErrIntegrity, "leaf %d out of field", i)
		}
		v := new(big.Int).Set(leaf)
		t.leaves[i] = v
		t.nodes[nodeKey{0, uint64(i)}] = v
	}

	width := uint64(len(leaves))
	for level := uint8(1); level <= Height; level++ {
		width = (width + 1) / 2
		for i := uint64(0); i < width; i++ {
			h, err := poseidon.Hash2(t.value(level-1, 2*i), t.value(level-1, 2*i+1))
			if err != nil {
				return nil, err
			}
			t.nodes[nodeKey{level, i}] = h
		}
	}
	t.root = t.value(Height, 0)
	return t, nil
}

// Build replaces the replica for chunkID with a tree built from scratch over
// the given leaves.
func (e *Engine) Build(chunkID uint32, leaves []*big.Int) error {
	t, err := buildTree(leaves)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.chunks[chunkID] = t
	e.mu.Unlock()
	return nil
}

// Update brings the replica for chunkID up to the given leaf sequence. When
// the stored leaves are a prefix of the new sequence only the new paths are
// rehashed; on any prefix disagreement the whole tree is rebuilt.
func (e *Engine) Update(chunkID uint32, leaves []*big.Int) error {
	if len(leaves) > Capacity {
		return gerror.ErrTreeOverflow
	}

	e.mu.Lock()
	t, ok := e.chunks[chunkID]
	if ok && len(t.leaves) <= len(leaves) {
		match := true
		for i := range t.leaves {
			if t.leaves[i].Cmp(leaves[i]) != 0 {
				match = false
				break
			}
		}
		if match {
			for i := len(t.leaves); i < len(leaves); i++ {
				if err := t.insert(leaves[i]); err != nil {
					e.mu.Unlock()
					return err
				}
			}
			e.mu.Unlock()
			return nil
		}
	}
	e.mu.Unlock()
	return e.Build(chunkID, leaves)
}

// insert appends one leaf and rehashes its path to the root.
func (t *chunkTree) insert(leaf *big.Int) error {
	if !poseidon.InField(leaf) {
		return errors.Wrap(gerror.ErrIntegrity, "leaf out of field")
	}
	index := uint64(len(t.leaves))
	v := new(big.Int).Set(leaf)
	t.leaves = append(t.leaves, v)
	t.nodes[nodeKey{0, index}] = v

	idx := index
	for level := uint8(1); level <= Height; level++ {
		idx >>= 1
		h, err := poseidon.Hash2(t.value(level-1, 2*idx), t.value(level-1, 2*idx+1))
		if err != nil {
			return err
		}
		t.nodes[nodeKey{level, idx}] = h
	}
	t.root = t.value(Height, 0)
	return nil
}

// InstallFromLeaves rebuilds the chunk from leaves obtained elsewhere (a peer
// or the disk cache) and, when expectedRoot is non-nil, rejects the result if
// the recomputed root disagrees.
func (e *Engine) InstallFromLeaves(chunkID uint32, leaves []*big.Int, expectedRoot *big.Int) error {
	t, err := buildTree(leaves)
	if err != nil {
		return err
	}
	if expectedRoot != nil && t.root.Cmp(expectedRoot) != 0 {
		return errors.Wrapf(gerror.ErrIntegrity, "chunk %d root mismatch", chunkID)
	}
	e.mu.Lock()
	e.chunks[chunkID] = t
	e.mu.Unlock()
	return nil
}

// Root returns the current root of the chunk.
func (e *Engine) Root(chunkID uint32) (*big.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.chunks[chunkID]
	if !ok {
		return nil, gerror.ErrNotFound
	}
	return new(big.Int).Set(t.root), nil
}

// LeafCount returns how many leaves the replica holds for the chunk, zero
// when the chunk is unknown.
func (e *Engine) LeafCount(chunkID uint32) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.chunks[chunkID]
	if !ok {
		return 0
	}
	return len(t.leaves)
}

// HasChunk reports whether a replica exists for the chunk.
func (e *Engine) HasChunk(chunkID uint32) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.chunks[chunkID]
	return ok
}

// Leaves returns a copy of the chunk's leaf sequence.
func (e *Engine) Leaves(chunkID uint32) ([]*big.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.chunks[chunkID]
	if !ok {
		return nil, gerror.ErrNotFound
	}
	out := make([]*big.Int, len(t.leaves))
	for i, l := range t.leaves {
		out[i] = new(big.Int).Set(l)
	}
	return out, nil
}

// FindLeaf returns the index of the first leaf equal to value.
func (e *Engine) FindLeaf(chunkID uint32, value *big.Int) (uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.chunks[chunkID]
	if !ok {
		return 0, gerror.ErrNotFound
	}
	for i, l := range t.leaves {
		if l.Cmp(value) == 0 {
			return uint64(i), nil
		}
	}
	return 0, gerror.ErrNotFound
}

// Path produces the inclusion proof for the leaf at index. Missing siblings
// are the zero-subtree hashes of the corresponding level.
func (e *Engine) Path(chunkID uint32, index uint64) (Proof, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	t, ok := e.chunks[chunkID]
	if !ok {
		return Proof{}, gerror.ErrNotFound
	}
	if index >= uint64(len(t.leaves)) {
		return Proof{}, gerror.ErrNotFound
	}

	var p Proof
	p.Index = index
	idx := index
	for level := uint8(0); level < Height; level++ {
		p.Bits[level] = uint8(idx & 1)
		p.Siblings[level] = new(big.Int).Set(t.value(level, idx^1))
		idx >>= 1
	}
	p.Root = new(big.Int).Set(t.root)
	return p, nil
}

// VerifyProof folds the siblings over the leaf and reports whether the
// resulting root matches the proof's root.
func VerifyProof(leaf *big.Int, p Proof) (bool, error) {
	cur := new(big.Int).Set(leaf)
	for level := 0; level < Height; level++ {
		var err error
		if p.Bits[level] == 1 {
			cur, err = poseidon.Hash2(p.Siblings[level], cur)
		} else {
			cur, err = poseidon.Hash2(cur, p.Siblings[level])
		}
		if err != nil {
			return false, err
		}
	}
	return cur.Cmp(p.Root) == 0, nil
}

// Drop removes the replica for a chunk.
func (e *Engine) Drop(chunkID uint32) {
	e.mu.Lock()
	delete(e.chunks, chunkID)
	e.mu.Unlock()
}

// Chunks returns the IDs of all chunks currently replicated, unordered.
func (e *Engine) Chunks() []uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]uint32, 0, len(e.chunks))
	for id := range e.chunks {
		out = append(out, id)
	}
	return out
}
