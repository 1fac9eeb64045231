package merkletree

import (
	"math/big"
	"testing"

	"github.com/cipher-network/cipher-agent/gerror"
	"github.com/cipher-network/cipher-agent/poseidon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leavesN(n int) []*big.Int {
	out := make([]*big.Int, n)
	for i := range out {
		out[i] = big.NewInt(int64(i + 1))
	}
	return out
}

func TestEmptyTreeRootIsZeroSubtree(t *testing.T) {
	e := New("")
	require.NoError(t, e.Build(0, nil))
	root, err := e.Root(0)
	require.NoError(t, err)
	assert.Equal(t, 0, root.Cmp(poseidon.ZeroHash(Height)))
}

func TestBuildEqualsIncrementalUpdate(t *testing.T) {
	leaves := leavesN(7)

	built := New("")
	require.NoError(t, built.Build(0, leaves))

	incremental := New("")
	require.NoError(t, incremental.Build(0, nil))
	for i := 1; i <= len(leaves); i++ {
		require.NoError(t, incremental.Update(0, leaves[:i]))
	}

	r1, err := built.Root(0)
	require.NoError(t, err)
	r2, err := incremental.Root(0)
	require.NoError(t, err)
	assert.Equal(t, 0, r1.Cmp(r2))
}

func TestUpdateRebuildsOnPrefixDisagreement(t *testing.T) {
	e := New("")
	require.NoError(t, e.Build(0, leavesN(3)))

	diverged := []*big.Int{big.NewInt(99), big.NewInt(2), big.NewInt(3), big.NewInt(4)}
	require.NoError(t, e.Update(0, diverged))

	fresh := New("")
	require.NoError(t, fresh.Build(0, diverged))
	r1, err := e.Root(0)
	require.NoError(t, err)
	r2, err := fresh.Root(0)
	require.NoError(t, err)
	assert.Equal(t, 0, r1.Cmp(r2))
	assert.Equal(t, 4, e.LeafCount(0))
}

func TestPathSoundness(t *testing.T) {
	leaves := leavesN(9)
	e := New("")
	require.NoError(t, e.Build(0, leaves))

	for i := range leaves {
		p, err := e.Path(0, uint64(i))
		require.NoError(t, err)
		ok, err := VerifyProof(leaves[i], p)
		require.NoError(t, err)
		assert.True(t, ok, "leaf %d", i)
	}
}

func TestPathUsesZeroSiblingsOnRightEdge(t *testing.T) {
	// With a single leaf every sibling on the path is an empty subtree.
	e := New("")
	require.NoError(t, e.Build(0, leavesN(1)))

	p, err := e.Path(0, 0)
	require.NoError(t, err)
	for level := 0; level < Height; level++ {
		assert.Equal(t, 0, p.Siblings[level].Cmp(poseidon.ZeroHash(level)), "level %d", level)
		assert.Equal(t, uint8(0), p.Bits[level])
	}
}

func TestPathOutOfRange(t *testing.T) {
	e := New("")
	require.NoError(t, e.Build(0, leavesN(2)))
	_, err := e.Path(0, 2)
	assert.ErrorIs(t, err, gerror.ErrNotFound)
	_, err = e.Path(9, 0)
	assert.ErrorIs(t, err, gerror.ErrNotFound)
}

func TestBuildRejectsOutOfFieldLeaf(t *testing.T) {
	e := New("")
	err := e.Build(0, []*big.Int{new(big.Int).Set(poseidon.Q)})
	assert.ErrorIs(t, err, gerror.ErrIntegrity)
}

func TestFindLeaf(t *testing.T) {
	e := New("")
	require.NoError(t, e.Build(0, leavesN(5)))

	idx, err := e.FindLeaf(0, big.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), idx)

	_, err = e.FindLeaf(0, big.NewInt(77))
	assert.ErrorIs(t, err, gerror.ErrNotFound)
}

func TestInstallFromLeavesChecksRoot(t *testing.T) {
	src := New("")
	require.NoError(t, src.Build(0, leavesN(4)))
	root, err := src.Root(0)
	require.NoError(t, err)

	dst := New("")
	require.NoError(t, dst.InstallFromLeaves(0, leavesN(4), root))

	err = dst.InstallFromLeaves(1, leavesN(4), big.NewInt(1))
	assert.ErrorIs(t, err, gerror.ErrIntegrity)
	assert.False(t, dst.HasChunk(1))
}

func TestSaveAndLoadFromDisk(t *testing.T) {
	dir := t.TempDir()
	leaves := leavesN(6)

	e := New(dir)
	require.NoError(t, e.Build(3, leaves))
	require.NoError(t, e.SaveToDisk(3))
	wantRoot, err := e.Root(3)
	require.NoError(t, err)

	e2 := New(dir)
	count, err := e2.LoadFromDisk(3)
	require.NoError(t, err)
	assert.Equal(t, len(leaves), count)

	gotRoot, err := e2.Root(3)
	require.NoError(t, err)
	assert.Equal(t, 0, gotRoot.Cmp(wantRoot))

	p, err := e2.Path(3, 4)
	require.NoError(t, err)
	ok, err := VerifyProof(leaves[4], p)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLoadFromDiskMissing(t *testing.T) {
	e := New(t.TempDir())
	_, err := e.LoadFromDisk(0)
	assert.ErrorIs(t, err, gerror.ErrNotFound)
}

func TestLoadFromDiskRootCheck(t *testing.T) {
	dir := t.TempDir()
	e := New(dir)
	require.NoError(t, e.Build(0, leavesN(2)))
	require.NoError(t, e.SaveToDisk(0))

	e2 := New(dir)
	e2.SetRootCheck(func(chunkID uint32, root *big.Int) error {
		return gerror.ErrIntegrity
	})
	_, err := e2.LoadFromDisk(0)
	assert.ErrorIs(t, err, gerror.ErrIntegrity)
	assert.False(t, e2.HasChunk(0))
}

func TestProofDoesNotAliasEngineState(t *testing.T) {
	e := New("")
	require.NoError(t, e.Build(0, leavesN(2)))
	p, err := e.Path(0, 0)
	require.NoError(t, err)
	p.Siblings[0].SetInt64(12345)

	p2, err := e.Path(0, 0)
	require.NoError(t, err)
	assert.NotEqual(t, 0, p2.Siblings[0].Cmp(p.Siblings[0]))
}
