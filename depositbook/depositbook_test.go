package depositbook

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cipher-network/cipher-agent/gerror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openBook(t *testing.T, dir string) *Book {
	t.Helper()
	b, err := New(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestAddAndFind(t *testing.T) {
	b := openBook(t, t.TempDir())

	rec, err := b.Add("code-1", "111", 1000000, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "code-1", rec.Code)
	assert.False(t, rec.Withdrawn)
	assert.NotEmpty(t, rec.Timestamp)

	found, err := b.FindUnwithdrawn(nil)
	require.NoError(t, err)
	assert.Equal(t, "code-1", found.Code)

	amount := uint64(500)
	_, err = b.FindUnwithdrawn(&amount)
	assert.ErrorIs(t, err, gerror.ErrNotFound)

	amount = 1000000
	found, err = b.FindUnwithdrawn(&amount)
	require.NoError(t, err)
	assert.Equal(t, "code-1", found.Code)
}

func TestFindUnwithdrawnReturnsOldest(t *testing.T) {
	b := openBook(t, t.TempDir())
	_, err := b.Add("code-1", "111", 100, "tx-1")
	require.NoError(t, err)
	_, err = b.Add("code-2", "222", 100, "tx-2")
	require.NoError(t, err)

	found, err := b.FindUnwithdrawn(nil)
	require.NoError(t, err)
	assert.Equal(t, "code-1", found.Code)
}

func TestMarkWithdrawn(t *testing.T) {
	b := openBook(t, t.TempDir())
	_, err := b.Add("code-1", "111", 100, "tx-1")
	require.NoError(t, err)

	require.NoError(t, b.MarkWithdrawn("code-1", "pending"))
	_, err = b.FindUnwithdrawn(nil)
	assert.ErrorIs(t, err, gerror.ErrNotFound)

	err = b.MarkWithdrawn("code-1", "again")
	assert.ErrorIs(t, err, gerror.ErrDepositAlreadyWithdrawn)

	err = b.MarkWithdrawn("missing", "ref")
	assert.ErrorIs(t, err, gerror.ErrNotFound)
}

func TestPreMarkSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	b, err := New(dir)
	require.NoError(t, err)
	_, err = b.Add("code-1", "111", 100, "tx-1")
	require.NoError(t, err)
	require.NoError(t, b.MarkWithdrawn("code-1", "pending"))
	require.NoError(t, b.Close())

	b2 := openBook(t, dir)
	_, err = b2.FindUnwithdrawn(nil)
	assert.ErrorIs(t, err, gerror.ErrNotFound)

	recs := b2.List()
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Withdrawn)
	require.NotNil(t, recs[0].WithdrawRef)
	assert.Equal(t, "pending", *recs[0].WithdrawRef)
}

func TestRollback(t *testing.T) {
	b := openBook(t, t.TempDir())
	_, err := b.Add("code-1", "111", 100, "tx-1")
	require.NoError(t, err)
	require.NoError(t, b.MarkWithdrawn("code-1", "pending"))
	require.NoError(t, b.Rollback("code-1"))

	found, err := b.FindUnwithdrawn(nil)
	require.NoError(t, err)
	assert.Equal(t, "code-1", found.Code)
	assert.False(t, found.Withdrawn)
	assert.Nil(t, found.WithdrawRef)
	assert.Empty(t, found.WithdrawnAt)
}

func TestUpdateWithdrawRef(t *testing.T) {
	b := openBook(t, t.TempDir())
	_, err := b.Add("code-1", "111", 100, "tx-1")
	require.NoError(t, err)

	err = b.UpdateWithdrawRef("code-1", "queue-1")
	assert.ErrorIs(t, err, gerror.ErrNotFound)

	require.NoError(t, b.MarkWithdrawn("code-1", "pending"))
	require.NoError(t, b.UpdateWithdrawRef("code-1", "queue-1"))

	recs := b.List()
	require.NotNil(t, recs[0].WithdrawRef)
	assert.Equal(t, "queue-1", *recs[0].WithdrawRef)
}

func TestSetLeafIndex(t *testing.T) {
	b := openBook(t, t.TempDir())
	_, err := b.Add("code-1", "111", 100, "tx-1")
	require.NoError(t, err)
	require.NoError(t, b.SetLeafIndex("code-1", 42))

	recs := b.List()
	require.NotNil(t, recs[0].LeafIndex)
	assert.Equal(t, uint64(42), *recs[0].LeafIndex)
}

func TestCount(t *testing.T) {
	b := openBook(t, t.TempDir())
	_, err := b.Add("code-1", "111", 100, "tx-1")
	require.NoError(t, err)
	_, err = b.Add("code-2", "222", 100, "tx-2")
	require.NoError(t, err)
	require.NoError(t, b.MarkWithdrawn("code-1", "ref"))

	total, unwithdrawn := b.Count()
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, unwithdrawn)
}

func TestSecondOpenIsRejected(t *testing.T) {
	dir := t.TempDir()
	b := openBook(t, dir)
	_ = b

	_, err := New(dir)
	assert.Error(t, err)
}

func TestCorruptFileIsIntegrityError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "deposits.json"), []byte("{not json"), 0o600))

	_, err := New(dir)
	assert.ErrorIs(t, err, gerror.ErrIntegrity)
}

func TestFilePermissions(t *testing.T) {
	dir := t.TempDir()
	b := openBook(t, dir)
	_, err := b.Add("code-1", "111", 100, "tx-1")
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "deposits.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
