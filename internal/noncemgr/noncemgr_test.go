package noncemgr

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChain struct {
	count    uint64
	receipts map[common.Hash]*types.Receipt
}

func (f *fakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.count, nil
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func newTestManager(t *testing.T, chain *fakeChain) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := New(context.Background(), common.HexToAddress("0xabc"), chain, filepath.Join(dir, "nonce.json"), 100*time.Millisecond, nil)
	require.NoError(t, err)
	return m
}

func TestGetNextNonceNoPending(t *testing.T) {
	m := newTestManager(t, &fakeChain{count: 5, receipts: map[common.Hash]*types.Receipt{}})
	res, err := m.GetNextNonce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), res.Nonce)
	assert.False(t, res.HadPending)
}

func TestMarkSubmittedThenConfirmedClearsPending(t *testing.T) {
	m := newTestManager(t, &fakeChain{count: 0, receipts: map[common.Hash]*types.Receipt{}})
	hash := common.HexToHash("0x1")

	require.NoError(t, m.MarkSubmitted(0, hash))
	res, err := m.GetNextNonce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Nonce)
	assert.True(t, res.HadPending)
	assert.Equal(t, PendingWaiting, res.PendingStatus)

	require.NoError(t, m.MarkConfirmed(hash))
	res, err = m.GetNextNonce(context.Background())
	require.NoError(t, err)
	assert.False(t, res.HadPending)
	assert.Equal(t, uint64(1), res.Nonce)
}

func TestReconcileOverduePendingConfirmedOnChain(t *testing.T) {
	hash := common.HexToHash("0x2")
	chain := &fakeChain{count: 0, receipts: map[common.Hash]*types.Receipt{hash: {Status: 1}}}
	m := newTestManager(t, chain)

	require.NoError(t, m.MarkSubmitted(0, hash))
	time.Sleep(150 * time.Millisecond) // exceed the 100ms pendingTimeout

	res, err := m.GetNextNonce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PendingCleared, res.PendingStatus)
	assert.True(t, res.HadPending)
}

func TestReconcileOverduePendingDroppedReusesNonce(t *testing.T) {
	hash := common.HexToHash("0x3")
	chain := &fakeChain{count: 0, receipts: map[common.Hash]*types.Receipt{}}
	m := newTestManager(t, chain)

	require.NoError(t, m.MarkSubmitted(0, hash))
	time.Sleep(150 * time.Millisecond)

	res, err := m.GetNextNonce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PendingReused, res.PendingStatus)
	assert.Equal(t, uint64(0), res.Nonce)
}

func TestJournalPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nonce.json")
	chain := &fakeChain{count: 0, receipts: map[common.Hash]*types.Receipt{}}

	m1, err := New(context.Background(), common.HexToAddress("0xabc"), chain, path, time.Minute, nil)
	require.NoError(t, err)
	require.NoError(t, m1.MarkSubmitted(0, common.HexToHash("0x4")))

	m2, err := New(context.Background(), common.HexToAddress("0xabc"), chain, path, time.Minute, nil)
	require.NoError(t, err)
	res, err := m2.GetNextNonce(context.Background())
	require.NoError(t, err)
	assert.True(t, res.HadPending)
	assert.Equal(t, uint64(1), res.Nonce)
}

func TestCorruptJournalFailsStartup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nonce.json")
	require.NoError(t, os.WriteFile(path, []byte("{not valid json"), 0o644))

	_, err := New(context.Background(), common.HexToAddress("0xabc"), &fakeChain{}, path, time.Minute, nil)
	require.Error(t, err)
}

func TestNonceAtMaxUint64IsCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nonce.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"nextNonce":18446744073709551615}`), 0o644))

	_, err := New(context.Background(), common.HexToAddress("0xabc"), &fakeChain{}, path, time.Minute, nil)
	require.Error(t, err)
}
