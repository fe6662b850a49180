// Package costmodel computes swap fees, flash-loan fees, gas and L1
// data-posting costs, and the slippage budget for a candidate arbitrage
// path (spec.md §4.2).
package costmodel

import (
	"context"
	"fmt"
	"math/big"

	arb "github.com/ChoSanghyuk/arbengine"
)

// GasEstimator is the pluggable hook that supplies the L1 data-posting fee
// on rollups. When nil, l1DataFee is always zero (L1-only chain profile).
type GasEstimator func(ctx context.Context, path arb.SwapPath, inputAmount float64) (*big.Int, error)

// Model computes gross profit and cost decomposition for a path.
type Model struct {
	ProviderFeeRate float64      // flash-loan provider fee, e.g. 0.0009 for Aave's 0.09%
	MaxSlippage     float64      // slippage budget as a fraction of input, e.g. 0.002
	BasePerNative   float64      // conversion rate from native-asset wei to base-token units
	L1Estimator     GasEstimator // optional
}

// FeeRate returns the swap fee rate for one step, per spec.md §4.2's
// per-venue table.
func (m *Model) FeeRate(step arb.SwapStep) float64 {
	switch step.VenueTag {
	case arb.VenueUniswapV3Like:
		return float64(step.FeeTier) / 1_000_000
	case arb.VenueBinnedLB:
		return float64(step.BinStep) / 10_000 * 1.5
	default: // uniswapV2-like, solidlyFork
		return 0.003
	}
}

// GrossProfit applies each step's expected price and fee rate in sequence
// to inputAmount and returns the difference from the starting amount.
func (m *Model) GrossProfit(path arb.SwapPath, inputAmount float64) float64 {
	amount := inputAmount
	for _, step := range path.Steps {
		amount = amount * step.ExpectedPrice * (1 - m.FeeRate(step))
	}
	return amount - inputAmount
}

// EstimateCosts decomposes the cost of executing path with inputAmount,
// enforcing the CostEstimate invariant (TotalCost is the sum of buckets).
func (m *Model) EstimateCosts(ctx context.Context, path arb.SwapPath, inputAmount float64, gas arb.GasParams, profile arb.ChainProfile) (arb.CostEstimate, error) {
	flashLoanFee := inputAmount * m.ProviderFeeRate
	slippageCost := inputAmount * m.MaxSlippage

	effectiveGasPriceWei := new(big.Int).Add(gas.BaseFeeWei, gas.PriorityTipWei)
	gasWei := new(big.Int).Mul(effectiveGasPriceWei, new(big.Int).SetUint64(gas.GasLimit))
	gasCost := weiToBase(gasWei, m.BasePerNative)

	var l1DataFee float64
	if profile.HasL1DataFee && m.L1Estimator != nil {
		feeWei, err := m.L1Estimator(ctx, path, inputAmount)
		if err != nil {
			return arb.CostEstimate{}, fmt.Errorf("costmodel: l1 data fee estimation: %w", err)
		}
		l1DataFee = weiToBase(feeWei, m.BasePerNative)
	}

	return arb.CostEstimate{
		FlashLoanFee: flashLoanFee,
		GasCost:      gasCost,
		L1DataFee:    l1DataFee,
		SlippageCost: slippageCost,
	}, nil
}

func weiToBase(wei *big.Int, basePerNative float64) float64 {
	if wei == nil {
		return 0
	}
	f := new(big.Float).SetInt(wei)
	div := new(big.Float).SetFloat64(1e18)
	f.Quo(f, div)
	native, _ := f.Float64()
	return native * basePerNative
}
