package costmodel

import (
	"context"
	"math/big"
	"testing"

	arb "github.com/ChoSanghyuk/arbengine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pathWithFees models a sell-high/buy-low round trip: step 1 sells base
// for quote at 3030 (the pricier pool), step 2 buys base back at 3000 (the
// cheaper pool) — a 1% spread, split across fee tiers t1 and t2.
func pathWithFees(t1, t2 int) arb.SwapPath {
	return arb.SwapPath{
		Steps: []arb.SwapStep{
			{VenueTag: arb.VenueUniswapV3Like, FeeTier: t1, ExpectedPrice: 3030},
			{VenueTag: arb.VenueUniswapV3Like, FeeTier: t2, ExpectedPrice: 1.0 / 3000},
		},
	}
}

// TestCostFloorLaw checks spec.md §8's cost-floor law: cross-tier routing
// should yield strictly higher gross profit than same-tier for the same
// spread, and gross profit should track the linear approximation
// x×(Δ−t1−t2) up to the second-order compounding residual.
func TestCostFloorLaw(t *testing.T) {
	m := &Model{}

	crossTier := pathWithFees(500, 3000)
	sameTier := pathWithFees(3000, 3000)

	crossProfit := m.GrossProfit(crossTier, 10)
	sameProfit := m.GrossProfit(sameTier, 10)

	assert.Greater(t, crossProfit, sameProfit)
	assert.InDelta(t, 10*(0.01-0.0005-0.003), crossProfit, 1e-3)
}

func TestFeeRateByVenue(t *testing.T) {
	m := &Model{}
	assert.Equal(t, 0.003, m.FeeRate(arb.SwapStep{VenueTag: arb.VenueUniswapV2Like}))
	assert.Equal(t, 0.003, m.FeeRate(arb.SwapStep{VenueTag: arb.VenueSolidlyFork}))
	assert.Equal(t, 0.0005, m.FeeRate(arb.SwapStep{VenueTag: arb.VenueUniswapV3Like, FeeTier: 500}))
	assert.InDelta(t, 0.0015, m.FeeRate(arb.SwapStep{VenueTag: arb.VenueBinnedLB, BinStep: 10}), 1e-9)
}

func TestEstimateCostsTotalsMatchBuckets(t *testing.T) {
	m := &Model{ProviderFeeRate: 0.0009, MaxSlippage: 0.002, BasePerNative: 1}
	gas := arb.GasParams{
		BaseFeeWei:     big.NewInt(20_000_000_000),
		PriorityTipWei: big.NewInt(1_000_000_000),
		GasLimit:       300_000,
	}

	costs, err := m.EstimateCosts(context.Background(), arb.SwapPath{}, 10, gas, arb.ChainProfile{})
	require.NoError(t, err)

	assert.Equal(t, costs.FlashLoanFee+costs.GasCost+costs.L1DataFee+costs.SlippageCost, costs.TotalCost())
	assert.Equal(t, 0.0, costs.L1DataFee, "L1-only chain profile must not attach an L1 data fee")
}

func TestEstimateCostsUsesL1EstimatorWhenProfileRequiresIt(t *testing.T) {
	called := false
	m := &Model{
		BasePerNative: 1,
		L1Estimator: func(ctx context.Context, path arb.SwapPath, inputAmount float64) (*big.Int, error) {
			called = true
			return big.NewInt(1_000_000_000_000_000), nil // 0.001 native
		},
	}

	costs, err := m.EstimateCosts(context.Background(), arb.SwapPath{}, 10, arb.GasParams{BaseFeeWei: big.NewInt(0), PriorityTipWei: big.NewInt(0)}, arb.ChainProfile{HasL1DataFee: true})
	require.NoError(t, err)
	assert.True(t, called)
	assert.InDelta(t, 0.001, costs.L1DataFee, 1e-9)
}
