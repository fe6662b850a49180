package detector

import (
	"context"
	"math/big"
	"testing"
	"time"

	arb "github.com/ChoSanghyuk/arbengine"
	"github.com/ChoSanghyuk/arbengine/internal/costmodel"
	"github.com/ChoSanghyuk/arbengine/internal/eventbus"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeDelta(t *testing.T, buyPrice, sellPrice float64, buyReserve0 *big.Int, risky bool, age time.Duration) arb.PriceDelta {
	t.Helper()
	base := common.HexToAddress("0x01")
	quote := common.HexToAddress("0x02")

	buyPool := arb.PoolConfig{Label: "buy", VenueTag: arb.VenueUniswapV2Like, Address: common.HexToAddress("0xb1"), Token0: base, Token1: quote, Decimals0: 18, Decimals1: 18, Risky: risky}
	sellPool := arb.PoolConfig{Label: "sell", VenueTag: arb.VenueUniswapV3Like, Address: common.HexToAddress("0xb2"), Token0: base, Token1: quote, Decimals0: 18, Decimals1: 18, FeeTier: 500}

	now := time.Now()
	buySnap := arb.PriceSnapshot{Pool: buyPool, Price: buyPrice, InversePrice: 1 / buyPrice, Timestamp: now.Add(-age), BlockNumber: 1, Reserve0: buyReserve0, Reserve1: buyReserve0}
	sellSnap := arb.PriceSnapshot{Pool: sellPool, Price: sellPrice, InversePrice: 1 / sellPrice, Timestamp: now.Add(-age), BlockNumber: 2}

	delta, err := arb.NewPriceDelta(buySnap, sellSnap, now)
	require.NoError(t, err)
	return delta
}

func testAdapters() map[arb.VenueTag]common.Address {
	return map[arb.VenueTag]common.Address{
		arb.VenueUniswapV2Like: common.HexToAddress("0xa1"),
		arb.VenueUniswapV3Like: common.HexToAddress("0xa2"),
	}
}

func newTestDetector(cfg Config) (*Detector, *eventbus.Bus) {
	bus := eventbus.New(nil)
	model := &costmodel.Model{ProviderFeeRate: 0, MaxSlippage: 0, BasePerNative: 1}
	return New(bus, model, arb.ChainProfile{}, nil, testAdapters(), cfg, nil), bus
}

func TestEvaluateAcceptsProfitablePath(t *testing.T) {
	d, bus := newTestDetector(Config{FreshnessBudgetMs: 1000, MinProfitThreshold: 0.01, DefaultInputAmount: 10, MinInputAmount: 0.01})
	found := bus.Subscribe(eventbus.TopicOpportunityFound)

	delta := makeDelta(t, 3000, 3060, big.NewInt(0).Mul(big.NewInt(1_000_000), big.NewInt(1e18)), false, 0)
	opp := d.Evaluate(context.Background(), delta)

	assert.NotEmpty(t, opp.ID)
	assert.Greater(t, opp.NetProfit, 0.0)

	select {
	case evt := <-found:
		_, ok := evt.Payload.(arb.ArbitrageOpportunity)
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("expected opportunityFound event")
	}
}

func TestEvaluateRejectsStale(t *testing.T) {
	d, bus := newTestDetector(Config{FreshnessBudgetMs: 50, MinProfitThreshold: 0.0, DefaultInputAmount: 10, MinInputAmount: 0.01})
	rejected := bus.Subscribe(eventbus.TopicOpportunityRejected)

	delta := makeDelta(t, 3000, 3060, big.NewInt(0).Mul(big.NewInt(1_000_000), big.NewInt(1e18)), false, 500*time.Millisecond)
	opp := d.Evaluate(context.Background(), delta)

	assert.Empty(t, opp.ID)
	select {
	case evt := <-rejected:
		r := evt.Payload.(Rejection)
		assert.Equal(t, ReasonStale, r.Reason)
	case <-time.After(time.Second):
		t.Fatal("expected opportunityRejected event")
	}
}

func TestEvaluateRejectsTooThin(t *testing.T) {
	d, bus := newTestDetector(Config{FreshnessBudgetMs: 1000, MinProfitThreshold: 0, DefaultInputAmount: 10, MinInputAmount: 1})
	rejected := bus.Subscribe(eventbus.TopicOpportunityRejected)

	// Thin reserve: 30% of 1 base unit is 0.3, below the minInputAmount of 1.
	delta := makeDelta(t, 3000, 3060, big.NewInt(1e18), false, 0)
	d.Evaluate(context.Background(), delta)

	select {
	case evt := <-rejected:
		r := evt.Payload.(Rejection)
		assert.Equal(t, ReasonTooThin, r.Reason)
	case <-time.After(time.Second):
		t.Fatal("expected opportunityRejected event")
	}
}

func TestEvaluateAppliesRiskyMultiplier(t *testing.T) {
	// Spread too thin to clear even the base threshold once doubled for the
	// risky venue; the rejection detail must disclose the multiplier.
	d, bus := newTestDetector(Config{FreshnessBudgetMs: 1000, MinProfitThreshold: 1, DefaultInputAmount: 10, MinInputAmount: 0.01})
	rejected := bus.Subscribe(eventbus.TopicOpportunityRejected)

	delta := makeDelta(t, 3000, 3005, big.NewInt(0).Mul(big.NewInt(1_000_000), big.NewInt(1e18)), true, 0)
	d.Evaluate(context.Background(), delta)

	select {
	case evt := <-rejected:
		r := evt.Payload.(Rejection)
		assert.Equal(t, ReasonUnprofitable, r.Reason)
		assert.Contains(t, r.Detail, "risky-venue multiplier")
	case <-time.After(time.Second):
		t.Fatal("expected opportunityRejected event disclosing the multiplier")
	}
}

func TestEvaluateRejectsUnknownAdapter(t *testing.T) {
	bus := eventbus.New(nil)
	model := &costmodel.Model{ProviderFeeRate: 0, MaxSlippage: 0, BasePerNative: 1}
	// Only the V2-like venue has a configured adapter; the delta's sell pool
	// is uniswapV3Like, so the path must be rejected before it reaches
	// sizing or cost accounting.
	adapters := map[arb.VenueTag]common.Address{arb.VenueUniswapV2Like: common.HexToAddress("0xa1")}
	d := New(bus, model, arb.ChainProfile{}, nil, adapters, Config{FreshnessBudgetMs: 1000, MinProfitThreshold: 0, DefaultInputAmount: 10, MinInputAmount: 0.01}, nil)
	rejected := bus.Subscribe(eventbus.TopicOpportunityRejected)

	delta := makeDelta(t, 3000, 3060, big.NewInt(0).Mul(big.NewInt(1_000_000), big.NewInt(1e18)), false, 0)
	opp := d.Evaluate(context.Background(), delta)

	assert.Empty(t, opp.ID)
	select {
	case evt := <-rejected:
		r := evt.Payload.(Rejection)
		assert.Equal(t, ReasonUnknownAdapter, r.Reason)
	case <-time.After(time.Second):
		t.Fatal("expected opportunityRejected event")
	}
}

func TestSetGasEstimatorFeedsL1Cost(t *testing.T) {
	d, _ := newTestDetector(Config{FreshnessBudgetMs: 1000, MinProfitThreshold: 0, DefaultInputAmount: 10, MinInputAmount: 0.01})
	d.profile = arb.ChainProfile{HasL1DataFee: true}

	called := false
	d.SetGasEstimator(func(ctx context.Context, path arb.SwapPath, inputAmount float64) (*big.Int, error) {
		called = true
		return big.NewInt(1e15), nil
	})

	delta := makeDelta(t, 3000, 3060, big.NewInt(0).Mul(big.NewInt(1_000_000), big.NewInt(1e18)), false, 0)
	opp := d.Evaluate(context.Background(), delta)

	assert.True(t, called)
	assert.Greater(t, opp.Costs.L1DataFee, 0.0)
}
