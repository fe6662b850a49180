// Package detector implements the Opportunity Detector (spec.md §4.3): it
// turns a PriceDelta into either an accepted ArbitrageOpportunity or an
// explicit, machine-readable rejection.
package detector

import (
	"context"
	"fmt"
	"math/big"
	"time"

	arb "github.com/ChoSanghyuk/arbengine"
	"github.com/ChoSanghyuk/arbengine/internal/costmodel"
	"github.com/ChoSanghyuk/arbengine/internal/eventbus"
	"github.com/ChoSanghyuk/arbengine/pkg/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Rejection reasons, disclosed on the opportunityRejected event.
const (
	ReasonStale          = "stale"
	ReasonTooThin        = "tooThin"
	ReasonUnprofitable   = "unprofitable"
	ReasonUnknownAdapter = "unknownAdapter"
)

// Rejection is the payload published on eventbus.TopicOpportunityRejected.
type Rejection struct {
	Reason string
	Delta  arb.PriceDelta
	Detail string
}

// GasSource supplies the current gas parameters used for cost estimation.
type GasSource interface {
	CurrentGasParams(ctx context.Context) (arb.GasParams, error)
}

// Config holds the Detector's tunables, sourced from arb.ChainConfig.
type Config struct {
	FreshnessBudgetMs  int64
	MinProfitThreshold float64
	DefaultInputAmount float64
	MaxInputByVenue    map[arb.VenueTag]float64
	MinInputAmount     float64
}

// Detector is the Opportunity Detector actor.
type Detector struct {
	bus       *eventbus.Bus
	costModel *costmodel.Model
	profile   arb.ChainProfile
	gasSource GasSource
	adapters  map[arb.VenueTag]common.Address
	cfg       Config
	log       *logger.Logger

	now func() time.Time
}

// New builds a Detector. adapters is the same venue-adapter table the
// Transaction Builder resolves against; the detector rejects a path that
// touches a venue with no configured (or zero-address) adapter before ever
// publishing opportunityFound, so a dead venue is caught before the
// Builder's own independent check would otherwise be the first line of
// defense.
func New(bus *eventbus.Bus, costModel *costmodel.Model, profile arb.ChainProfile, gasSource GasSource, adapters map[arb.VenueTag]common.Address, cfg Config, log *logger.Logger) *Detector {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.DefaultInputAmount <= 0 {
		cfg.DefaultInputAmount = 1
	}
	return &Detector{
		bus:       bus,
		costModel: costModel,
		profile:   profile,
		gasSource: gasSource,
		adapters:  adapters,
		cfg:       cfg,
		log:       log.Named("detector"),
		now:       time.Now,
	}
}

// SetGasEstimator installs the pluggable L1 data-fee hook on the underlying
// cost model. When unset, only L2 costs are modeled.
func (d *Detector) SetGasEstimator(fn costmodel.GasEstimator) {
	d.costModel.L1Estimator = fn
}

// Start subscribes to delta events and evaluates each until ctx is done.
func (d *Detector) Start(ctx context.Context) {
	deltas := d.bus.Subscribe(eventbus.TopicDelta)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-deltas:
				delta, ok := evt.Payload.(arb.PriceDelta)
				if !ok {
					continue
				}
				d.Evaluate(ctx, delta)
			}
		}
	}()
}

// Evaluate runs the full pipeline for one delta: staleness gate, path
// construction, input sizing, cost accounting, and the profit threshold.
// It publishes exactly one of opportunityFound or opportunityRejected.
func (d *Detector) Evaluate(ctx context.Context, delta arb.PriceDelta) arb.ArbitrageOpportunity {
	now := d.now()

	budget := time.Duration(d.cfg.FreshnessBudgetMs) * time.Millisecond
	if delta.BuyPool.Age(now) > budget || delta.SellPool.Age(now) > budget {
		d.reject(delta, ReasonStale, "snapshot age exceeds freshnessBudgetMs")
		return arb.ArbitrageOpportunity{}
	}

	path, err := d.buildPath(delta)
	if err != nil {
		d.reject(delta, ReasonStale, err.Error())
		return arb.ArbitrageOpportunity{}
	}

	if venue, ok := d.missingAdapter(path); ok {
		d.reject(delta, ReasonUnknownAdapter, fmt.Sprintf("no adapter configured for venue %q", venue))
		return arb.ArbitrageOpportunity{}
	}

	inputAmount := d.sizeInput(path, delta)
	if inputAmount < d.cfg.MinInputAmount {
		d.reject(delta, ReasonTooThin, fmt.Sprintf("sized input %.6f below minInputAmount %.6f", inputAmount, d.cfg.MinInputAmount))
		return arb.ArbitrageOpportunity{}
	}

	grossProfit := d.costModel.GrossProfit(path, inputAmount)

	gas := arb.GasParams{BaseFeeWei: big.NewInt(0), PriorityTipWei: big.NewInt(0)}
	if d.gasSource != nil {
		gas, err = d.gasSource.CurrentGasParams(ctx)
		if err != nil {
			d.reject(delta, ReasonUnprofitable, fmt.Sprintf("gas params unavailable: %v", err))
			return arb.ArbitrageOpportunity{}
		}
	}

	costs, err := d.costModel.EstimateCosts(ctx, path, inputAmount, gas, d.profile)
	if err != nil {
		d.reject(delta, ReasonUnprofitable, fmt.Sprintf("cost estimation failed: %v", err))
		return arb.ArbitrageOpportunity{}
	}

	netProfit := grossProfit - costs.TotalCost()
	multiplier := 1.0
	if delta.BuyPool.Pool.Risky || delta.SellPool.Pool.Risky {
		multiplier = 2.0
	}
	// Decimal rather than float64: the risky-venue doubling must not let a
	// threshold boundary slip across due to binary-float rounding.
	threshold := decimal.NewFromFloat(d.cfg.MinProfitThreshold).Mul(decimal.NewFromFloat(multiplier))
	netProfitDec := decimal.NewFromFloat(netProfit)

	if netProfitDec.LessThan(threshold) {
		thresholdF, _ := threshold.Float64()
		detail := fmt.Sprintf("netProfit %.6f below threshold %.6f", netProfit, thresholdF)
		if multiplier > 1 {
			detail += fmt.Sprintf(" (%gx risky-venue multiplier applied)", multiplier)
		}
		d.reject(delta, ReasonUnprofitable, detail)
		return arb.ArbitrageOpportunity{}
	}

	netProfitPercent := 0.0
	if inputAmount != 0 {
		netProfitPercent = netProfitDec.Div(decimal.NewFromFloat(inputAmount)).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}

	opp := arb.ArbitrageOpportunity{
		ID:               uuid.NewString(),
		PriceDelta:       delta,
		Path:             path,
		InputAmount:      inputAmount,
		GrossProfit:      grossProfit,
		Costs:            costs,
		NetProfit:        netProfit,
		NetProfitPercent: netProfitPercent,
		BlockNumber:      delta.SellPool.BlockNumber,
		DetectedAtMs:     now.UnixMilli(),
	}
	d.bus.Publish(eventbus.TopicOpportunityFound, opp)
	d.log.Info("opportunity found", zap.String("id", opp.ID), zap.Float64("netProfit", netProfit))
	return opp
}

func (d *Detector) reject(delta arb.PriceDelta, reason, detail string) {
	d.bus.Publish(eventbus.TopicOpportunityRejected, Rejection{Reason: reason, Delta: delta, Detail: detail})
	d.log.Debug("opportunity rejected", zap.String("reason", reason), zap.String("detail", detail))
}

// buildPath produces the two-step base→quote→base path for a delta. The
// profitable direction sells base into quote on the pricier (sell) pool
// first, then buys base back on the cheaper (buy) pool — the reverse
// nets a loss, since the sell pool's quotePerBase exceeds the buy pool's.
func (d *Detector) buildPath(delta arb.PriceDelta) (arb.SwapPath, error) {
	buyPool, sellPool := delta.BuyPool.Pool, delta.SellPool.Pool

	buyBase, buyQuote := baseQuote(buyPool)
	sellBase, sellQuote := baseQuote(sellPool)

	step1 := arb.SwapStep{
		VenueTag:      sellPool.VenueTag,
		PoolAddress:   sellPool.Address,
		TokenIn:       sellBase,
		TokenOut:      sellQuote,
		DecimalsIn:    decimalsFor(sellPool, sellBase),
		DecimalsOut:   decimalsFor(sellPool, sellQuote),
		FeeTier:       sellPool.FeeTier,
		BinStep:       sellPool.BinStep,
		ExpectedPrice: quotePerBase(delta.SellPool),
	}

	step2 := arb.SwapStep{
		VenueTag:      buyPool.VenueTag,
		PoolAddress:   buyPool.Address,
		TokenIn:       buyQuote,
		TokenOut:      buyBase,
		DecimalsIn:    decimalsFor(buyPool, buyQuote),
		DecimalsOut:   decimalsFor(buyPool, buyBase),
		FeeTier:       buyPool.FeeTier,
		BinStep:       buyPool.BinStep,
		ExpectedPrice: basePerQuote(delta.BuyPool),
	}

	path := arb.SwapPath{BaseToken: sellBase, Steps: []arb.SwapStep{step1, step2}}
	if err := path.Validate(); err != nil {
		return arb.SwapPath{}, fmt.Errorf("detector: %w", err)
	}
	return path, nil
}

// missingAdapter reports the first path step whose venue has no configured
// adapter, or a configured zero-address adapter.
func (d *Detector) missingAdapter(path arb.SwapPath) (arb.VenueTag, bool) {
	for _, step := range path.Steps {
		adapter, ok := d.adapters[step.VenueTag]
		if !ok || adapter == (common.Address{}) {
			return step.VenueTag, true
		}
	}
	return "", false
}

// sizeInput takes the minimum of the per-venue cap, the reserve cap, and
// the configured default input amount, per spec.md §4.3.
func (d *Detector) sizeInput(path arb.SwapPath, delta arb.PriceDelta) float64 {
	size := d.cfg.DefaultInputAmount

	if cap := d.venueCap(path); cap < size {
		size = cap
	}
	if cap := d.reserveCap(path, delta); cap < size {
		size = cap
	}
	return size
}

// venueCap returns the minimum per-venue cap across a path's steps.
func (d *Detector) venueCap(path arb.SwapPath) float64 {
	min := defaultVenueCap(path.Steps[0].VenueTag, d.cfg.MaxInputByVenue)
	for _, step := range path.Steps[1:] {
		if c := defaultVenueCap(step.VenueTag, d.cfg.MaxInputByVenue); c < min {
			min = c
		}
	}
	return min
}

func defaultVenueCap(tag arb.VenueTag, overrides map[arb.VenueTag]float64) float64 {
	if overrides != nil {
		if v, ok := overrides[tag]; ok {
			return v
		}
	}
	if tag == arb.VenueBinnedLB {
		return 5
	}
	return noCap
}

const noCap = 1e18

// reserveCap returns 30% of the base-token reserve for steps that carry
// reserve data; for steps with none, it falls back to the per-venue cap,
// so an unknown-liquidity step dominates conservatively.
func (d *Detector) reserveCap(path arb.SwapPath, delta arb.PriceDelta) float64 {
	sellCap := stepReserveCap(delta.SellPool, path.Steps[0].VenueTag, d.cfg.MaxInputByVenue)
	buyCap := stepReserveCap(delta.BuyPool, path.Steps[1].VenueTag, d.cfg.MaxInputByVenue)
	if buyCap < sellCap {
		return buyCap
	}
	return sellCap
}

func stepReserveCap(snap arb.PriceSnapshot, tag arb.VenueTag, overrides map[arb.VenueTag]float64) float64 {
	base, ok := snap.ReserveBaseNormalized()
	if !ok {
		return defaultVenueCap(tag, overrides)
	}
	return base * 0.30
}

// baseQuote returns (baseToken, quoteToken) for a pool, honoring InvertPrice.
func baseQuote(p arb.PoolConfig) (base, quote common.Address) {
	if p.InvertPrice {
		return p.Token1, p.Token0
	}
	return p.Token0, p.Token1
}

func decimalsFor(p arb.PoolConfig, token common.Address) uint8 {
	if token == p.Token0 {
		return p.Decimals0
	}
	return p.Decimals1
}

// quotePerBase is the price of one base-token unit denominated in quote
// tokens, honoring InvertPrice.
func quotePerBase(s arb.PriceSnapshot) float64 {
	if s.Pool.InvertPrice {
		return s.InversePrice
	}
	return s.Price
}

// basePerQuote is the inverse of quotePerBase.
func basePerQuote(s arb.PriceSnapshot) float64 {
	if s.Pool.InvertPrice {
		return s.Price
	}
	return s.InversePrice
}
