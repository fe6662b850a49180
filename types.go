// Package arb defines the shared data model for the flash-loan arbitrage
// engine: pool identity, sampled prices, cross-venue deltas, swap paths,
// cost decomposition, detected opportunities, and journaled outcomes.
//
// The model is shared by every component under internal/ — Monitor produces
// PriceSnapshot/PriceDelta, Detector consumes them and produces
// ArbitrageOpportunity, Engine consumes that and produces TradeOutcome.
package arb

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// VenueTag identifies the AMM model a pool implements. Each tag drives a
// different price-reading and fee-rate strategy.
type VenueTag string

const (
	VenueUniswapV2Like VenueTag = "uniswapV2-like"
	VenueUniswapV3Like VenueTag = "uniswapV3-like"
	VenueBinnedLB      VenueTag = "binnedLB"
	VenueSolidlyFork   VenueTag = "solidlyFork"
)

// PoolConfig is the identity and semantics of a pool on a DEX, loaded at
// startup and immutable for the life of the process.
type PoolConfig struct {
	Label        string
	VenueTag     VenueTag
	Address      common.Address
	Token0       common.Address
	Token1       common.Address
	Decimals0    uint8
	Decimals1    uint8
	FeeTier      int  // uniswapV3-like only; e.g. 500 = 0.05%
	BinStep      int  // binnedLB only, in basis points of 10_000
	InvertPrice  bool // true when on-chain token0/token1 ordering is reversed vs this pool's canonical base/quote
	Risky        bool // venues with documented fee-manipulation history; doubles the profit threshold
}

// Validate enforces the PoolConfig invariant from spec.md §3.
func (p PoolConfig) Validate() error {
	if p.Token0 == p.Token1 {
		return fmt.Errorf("pool %s: token0 and token1 must be distinct", p.Label)
	}
	if p.Address == (common.Address{}) {
		return fmt.Errorf("pool %s: address must be non-zero", p.Label)
	}
	return nil
}

// PairKey returns the canonical, venue-independent key for the unordered
// token pair this pool quotes: both addresses lowercased, sorted, and
// joined with "-". Pools across venues that quote the same market share a
// PairKey even when their on-chain token0/token1 ordering differs.
func (p PoolConfig) PairKey() string {
	return PairKey(p.Token0, p.Token1)
}

// PairKey computes the canonical pair key for two token addresses.
func PairKey(a, b common.Address) string {
	ah, bh := strings.ToLower(a.Hex()), strings.ToLower(b.Hex())
	if ah > bh {
		ah, bh = bh, ah
	}
	return ah + "-" + bh
}

// PriceSnapshot is a sampled price for one pool at one block.
type PriceSnapshot struct {
	Pool         PoolConfig
	Price        float64 // token1 per token0, decimal-adjusted
	InversePrice float64
	SqrtPriceX96 *big.Int // uniswapV3-like only
	BlockNumber  uint64
	Timestamp    time.Time
	Reserve0     *big.Int // uniswapV2-like only, decimal-adjusted base available via ReserveBaseNormalized
	Reserve1     *big.Int
}

// Validate enforces the PriceSnapshot invariant: price > 0 and
// inversePrice == 1/price (within floating-point tolerance).
func (s PriceSnapshot) Validate() error {
	if s.Price <= 0 {
		return fmt.Errorf("pool %s: price must be positive, got %v", s.Pool.Label, s.Price)
	}
	want := 1 / s.Price
	if diff := want - s.InversePrice; diff > 1e-9 || diff < -1e-9 {
		return fmt.Errorf("pool %s: inversePrice %v inconsistent with price %v", s.Pool.Label, s.InversePrice, s.Price)
	}
	return nil
}

// Age returns how long ago this snapshot was taken, relative to now.
func (s PriceSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}

// ReserveBaseNormalized returns Reserve0 (the base-token side, honoring
// InvertPrice) decimal-adjusted to a float64, or false if this pool carries
// no reserve data (concentrated or binned venues).
func (s PriceSnapshot) ReserveBaseNormalized() (float64, bool) {
	r := s.Reserve0
	decimals := s.Pool.Decimals0
	if s.Pool.InvertPrice {
		r = s.Reserve1
		decimals = s.Pool.Decimals1
	}
	if r == nil {
		return 0, false
	}
	f := new(big.Float).SetInt(r)
	div := new(big.Float).SetFloat64(pow10(decimals))
	f.Quo(f, div)
	out, _ := f.Float64()
	return out, true
}

func pow10(n uint8) float64 {
	v := 1.0
	for i := uint8(0); i < n; i++ {
		v *= 10
	}
	return v
}

// PriceDelta is a pairwise cross-venue spread for one canonical pair,
// derived transiently each poll cycle; never persisted.
type PriceDelta struct {
	Pair         string
	BuyPool      PriceSnapshot // lower-priced side
	SellPool     PriceSnapshot // higher-priced side
	DeltaPercent float64
	Timestamp    time.Time
}

// NewPriceDelta builds a PriceDelta from two snapshots of the same pair,
// enforcing the sellPool.price > buyPool.price invariant by sorting.
func NewPriceDelta(a, b PriceSnapshot, now time.Time) (PriceDelta, error) {
	if a.Pool.PairKey() != b.Pool.PairKey() {
		return PriceDelta{}, fmt.Errorf("snapshots are not for the same pair: %s vs %s", a.Pool.PairKey(), b.Pool.PairKey())
	}
	buy, sell := a, b
	if buy.Price > sell.Price {
		buy, sell = sell, buy
	}
	if buy.Price <= 0 {
		return PriceDelta{}, fmt.Errorf("pair %s: non-positive buy price", a.Pool.PairKey())
	}
	deltaPct := (sell.Price - buy.Price) / buy.Price * 100
	return PriceDelta{
		Pair:         a.Pool.PairKey(),
		BuyPool:      buy,
		SellPool:     sell,
		DeltaPercent: deltaPct,
		Timestamp:    now,
	}, nil
}

// SwapStep is one leg of a path.
type SwapStep struct {
	VenueTag      VenueTag
	PoolAddress   common.Address
	TokenIn       common.Address
	TokenOut      common.Address
	DecimalsIn    uint8
	DecimalsOut   uint8
	FeeTier       int
	BinStep       int
	ExpectedPrice float64
}

// SwapPath is an ordered pair of steps that starts and ends in baseToken.
type SwapPath struct {
	BaseToken common.Address
	Steps     []SwapStep
}

// Validate enforces the SwapPath invariant from spec.md §3: steps chain
// token-for-token and begin/end at BaseToken.
func (p SwapPath) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("swap path has no steps")
	}
	if p.Steps[0].TokenIn != p.BaseToken {
		return fmt.Errorf("swap path must start in base token")
	}
	last := p.Steps[len(p.Steps)-1]
	if last.TokenOut != p.BaseToken {
		return fmt.Errorf("swap path must end in base token")
	}
	for i := 0; i < len(p.Steps)-1; i++ {
		if p.Steps[i].TokenOut != p.Steps[i+1].TokenIn {
			return fmt.Errorf("swap path step %d does not chain into step %d", i, i+1)
		}
	}
	return nil
}

// CostEstimate decomposes the cost of a candidate execution, all in
// base-token units.
type CostEstimate struct {
	FlashLoanFee float64
	GasCost      float64
	L1DataFee    float64
	SlippageCost float64
}

// TotalCost returns the sum of all cost buckets, enforcing the
// CostEstimate invariant from spec.md §3.
func (c CostEstimate) TotalCost() float64 {
	return c.FlashLoanFee + c.GasCost + c.L1DataFee + c.SlippageCost
}

// ArbitrageOpportunity is the output of a Detector analysis accepted for
// execution.
type ArbitrageOpportunity struct {
	ID               string
	PriceDelta       PriceDelta
	Path             SwapPath
	InputAmount      float64
	GrossProfit      float64
	Costs            CostEstimate
	NetProfit        float64
	NetProfitPercent float64
	BlockNumber      uint64
	DetectedAtMs     int64
}

// TradeStatus is the terminal state of a submitted or simulated trade.
type TradeStatus string

const (
	StatusSuccess          TradeStatus = "success"
	StatusRevert           TradeStatus = "revert"
	StatusSimulationRevert TradeStatus = "simulation_revert"
)

// TradeOutcome is a single append-only journal entry.
type TradeOutcome struct {
	TxHash      string // real tx hash, or a simulation id prefixed "sim:"
	Timestamp   time.Time
	BlockNumber uint64
	PathLabel   string
	InputAmount float64
	GrossProfit float64
	GasCost     float64
	L1DataFee   float64
	RevertCost  float64
	Status      TradeStatus
}

// NetProfit derives the net profit bucket per spec.md §3: gross minus gas
// and L1 fee, with revert cost standing in for both on reverted trades.
func (o TradeOutcome) NetProfit() float64 {
	return o.GrossProfit - o.GasCost - o.L1DataFee - o.RevertCost
}

// Validate enforces the TradeOutcome invariant: on success grossProfit>=0
// and revertCost==0; on revert/simulation_revert grossProfit==0.
func (o TradeOutcome) Validate() error {
	switch o.Status {
	case StatusSuccess:
		if o.GrossProfit < 0 {
			return fmt.Errorf("success outcome %s: grossProfit must be >= 0", o.TxHash)
		}
		if o.RevertCost != 0 {
			return fmt.Errorf("success outcome %s: revertCost must be 0", o.TxHash)
		}
	case StatusRevert, StatusSimulationRevert:
		if o.GrossProfit != 0 {
			return fmt.Errorf("%s outcome %s: grossProfit must be 0", o.Status, o.TxHash)
		}
	default:
		return fmt.Errorf("outcome %s: unknown status %q", o.TxHash, o.Status)
	}
	return nil
}

// GasParams carries the gas inputs the Cost/Gas Model and Transaction
// Builder both need.
type GasParams struct {
	BaseFeeWei      *big.Int
	PriorityTipWei  *big.Int
	GasLimit        uint64
	L1BaseFeeWei    *big.Int // optional, only on L2-with-L1-posting chains
	NativeUSDPrice  float64  // optional; not read by the cost model, which converts with costmodel.Model.BasePerNative
}

// ChainProfile records whether a chain needs L1 data-fee accounting, used
// by the Cost/Gas Model and the pluggable L1 estimator hook.
type ChainProfile struct {
	ChainID        int64
	IsL2           bool
	HasL1DataFee   bool
	NativeSymbol   string
}

// ChainConfig is the static record loaded at startup naming chain id, venue
// protocol addresses, monitored pools, gas parameters, detector thresholds,
// and the venue/protocol profile.
type ChainConfig struct {
	Profile             ChainProfile
	FlashLoanProvider    common.Address
	VenueAdapters        map[VenueTag]common.Address
	Pools                []PoolConfig
	DeltaThresholdPercent float64
	MinReserveBase       float64
	FreshnessBudgetMs    int64
	MinProfitThreshold   float64
	DefaultInputAmount   float64
	MaxInputByVenue      map[VenueTag]float64
	MinInputAmount       float64
	MaxConsecutiveFailures int
	SubmissionCooldown   time.Duration
	RevertCooldown       time.Duration
	ConfirmationTimeout  time.Duration
	PendingNonceTimeout  time.Duration
}
