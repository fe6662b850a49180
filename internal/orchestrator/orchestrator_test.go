package orchestrator

import (
	"context"
	"math/big"
	"path/filepath"
	"strings"
	"testing"
	"time"

	arb "github.com/ChoSanghyuk/arbengine"
	"github.com/ChoSanghyuk/arbengine/internal/costmodel"
	"github.com/ChoSanghyuk/arbengine/internal/detector"
	"github.com/ChoSanghyuk/arbengine/internal/engine"
	"github.com/ChoSanghyuk/arbengine/internal/eventbus"
	"github.com/ChoSanghyuk/arbengine/internal/monitor"
	"github.com/ChoSanghyuk/arbengine/internal/noncemgr"
	"github.com/ChoSanghyuk/arbengine/internal/store"
	"github.com/ChoSanghyuk/arbengine/internal/txbuilder"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const executorABIJSON = `[{
	"type": "function",
	"name": "executeArbitrage",
	"inputs": [
		{"name": "flashProvider", "type": "address"},
		{"name": "flashToken", "type": "address"},
		{"name": "flashAmount", "type": "uint256"},
		{"name": "steps", "type": "tuple[]", "components": [
			{"name": "adapter", "type": "address"},
			{"name": "tokenIn", "type": "address"},
			{"name": "tokenOut", "type": "address"},
			{"name": "amountIn", "type": "uint256"},
			{"name": "extraData", "type": "bytes"}
		]}
	],
	"outputs": []
}]`

type fakeReader struct{}

func (fakeReader) ReadV2Reserves(ctx context.Context, pool arb.PoolConfig) (*big.Int, *big.Int, uint64, error) {
	return big.NewInt(0).Mul(big.NewInt(1000), big.NewInt(1e18)), big.NewInt(0).Mul(big.NewInt(2000), big.NewInt(1e18)), 10, nil
}

func (fakeReader) ReadV3Slot0(ctx context.Context, pool arb.PoolConfig) (*big.Int, int, uint64, error) {
	return nil, 0, 0, nil
}

func (fakeReader) ReadBinnedActiveBin(ctx context.Context, pool arb.PoolConfig) (int, uint64, error) {
	return 0, 0, nil
}

type fakeChain struct{}

func (fakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}

func (fakeChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

func buildTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	bus := eventbus.New(nil)

	pool := arb.PoolConfig{
		Label: "a", VenueTag: arb.VenueUniswapV2Like,
		Address: common.HexToAddress("0xa1"), Token0: common.HexToAddress("0x01"), Token1: common.HexToAddress("0x02"),
		Decimals0: 18, Decimals1: 18,
	}
	mon := monitor.New([]arb.PoolConfig{pool}, fakeReader{}, bus, nil, monitor.Config{PollInterval: 10 * time.Millisecond, MinReserveBase: 1, DeltaThresholdPercent: 100})

	adapters := map[arb.VenueTag]common.Address{
		arb.VenueUniswapV2Like: common.HexToAddress("0xbbb"),
	}

	model := &costmodel.Model{ProviderFeeRate: 0, MaxSlippage: 0, BasePerNative: 1}
	det := detector.New(bus, model, arb.ChainProfile{}, nil, adapters, detector.Config{FreshnessBudgetMs: 60_000, MinProfitThreshold: 0, DefaultInputAmount: 1, MinInputAmount: 0.01}, nil)

	parsed, err := abi.JSON(strings.NewReader(executorABIJSON))
	require.NoError(t, err)
	builder := txbuilder.New(common.HexToAddress("0xexec"), parsed, adapters, big.NewInt(1))

	nonceMgr, err := noncemgr.New(context.Background(), common.HexToAddress("0xabc"), fakeChain{}, filepath.Join(t.TempDir(), "nonce.json"), time.Minute, nil)
	require.NoError(t, err)

	journal, err := store.Open(filepath.Join(t.TempDir(), "journal.ndjson"), nil)
	require.NoError(t, err)

	eng := engine.New(builder, nonceMgr, journal, bus, nil, nil, nil, nil, engine.Config{Mode: engine.ModeReport}, nil)

	return New(mon, det, eng, journal, bus, 2*time.Second, nil)
}

func TestRunShutsDownCleanlyOnContextCancel(t *testing.T) {
	o := buildTestOrchestrator(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("orchestrator did not shut down in time")
	}

	assert.Equal(t, PhaseHalted, o.Phase())
}

func TestPhaseStartsWatching(t *testing.T) {
	o := buildTestOrchestrator(t)
	assert.Equal(t, PhaseIdle, o.Phase())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, PhaseWatching, o.Phase())

	cancel()
	<-done
}
