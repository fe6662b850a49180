// Package engine implements the Execution Engine (spec.md §4.5): a state
// machine with three modes selected at construction — REPORT logs only,
// SHADOW issues a pre-broadcast simulate call, LIVE submits, awaits
// confirmation, and journals the terminal outcome.
package engine

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	arb "github.com/ChoSanghyuk/arbengine"
	"github.com/ChoSanghyuk/arbengine/internal/eventbus"
	"github.com/ChoSanghyuk/arbengine/internal/noncemgr"
	"github.com/ChoSanghyuk/arbengine/internal/store"
	"github.com/ChoSanghyuk/arbengine/internal/txbuilder"
	"github.com/ChoSanghyuk/arbengine/pkg/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// Mode selects the Execution Engine's behavior at construction time.
type Mode int

const (
	ModeReport Mode = iota
	ModeShadow
	ModeLive
)

// GasSource supplies current gas parameters for transaction preparation.
type GasSource interface {
	CurrentGasParams(ctx context.Context) (arb.GasParams, error)
}

// Submitter signs and broadcasts a prepared transaction, returning its hash.
type Submitter interface {
	SignAndSend(ctx context.Context, tx txbuilder.PreparedTransaction) (common.Hash, error)
}

// Simulator issues a speculative, non-broadcasting call against a prepared
// transaction. A non-nil error means the chain would reject it.
type Simulator interface {
	SimulateCall(ctx context.Context, tx txbuilder.PreparedTransaction) error
}

// Confirmer waits for a submitted transaction to reach a terminal state.
// *txlistener.TxListener satisfies this.
type Confirmer interface {
	WaitForTransaction(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Config holds the Execution Engine's tunables, sourced from
// arb.ChainConfig.
type Config struct {
	Mode                   Mode
	FlashLoanProvider      common.Address
	FreshnessBudgetMs      int64
	SubmissionCooldown     time.Duration
	RevertCooldown         time.Duration
	ConfirmationTimeout    time.Duration
	MaxConsecutiveFailures int
}

// Engine is the Execution Engine actor.
type Engine struct {
	mode      Mode
	builder   *txbuilder.Builder
	nonceMgr  *noncemgr.Manager
	journal   *store.JournalStore
	bus       *eventbus.Bus
	gasSource GasSource
	submitter Submitter
	simulator Simulator
	confirmer Confirmer
	cfg       Config
	log       *logger.Logger
	now       func() time.Time

	mu                  sync.Mutex
	submissionCooldowns map[string]time.Time
	revertCooldowns     map[string]time.Time
	breaker             *CircuitBreaker

	doneCh chan struct{}
}

// New builds an Engine. submitter/confirmer may be nil in REPORT mode;
// simulator may be nil outside SHADOW mode.
func New(
	builder *txbuilder.Builder,
	nonceMgr *noncemgr.Manager,
	journal *store.JournalStore,
	bus *eventbus.Bus,
	gasSource GasSource,
	submitter Submitter,
	simulator Simulator,
	confirmer Confirmer,
	cfg Config,
	log *logger.Logger,
) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.SubmissionCooldown <= 0 {
		cfg.SubmissionCooldown = 10 * time.Second
	}
	if cfg.RevertCooldown <= 0 {
		cfg.RevertCooldown = 10 * time.Second
	}
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = 120 * time.Second
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 5
	}
	return &Engine{
		mode:                cfg.Mode,
		builder:             builder,
		nonceMgr:            nonceMgr,
		journal:             journal,
		bus:                 bus,
		gasSource:           gasSource,
		submitter:           submitter,
		simulator:           simulator,
		confirmer:           confirmer,
		cfg:                 cfg,
		log:                 log.Named("engine"),
		now:                 time.Now,
		submissionCooldowns: make(map[string]time.Time),
		revertCooldowns:     make(map[string]time.Time),
		breaker:             NewCircuitBreaker(cfg.MaxConsecutiveFailures),
	}
}

// Start subscribes to opportunityFound events and handles each until ctx is
// done. Events are processed one at a time on a single goroutine, so at
// most one submission is ever in flight, per spec.md §5's ordering
// guarantee.
func (e *Engine) Start(ctx context.Context) {
	opps := e.bus.Subscribe(eventbus.TopicOpportunityFound)
	e.doneCh = make(chan struct{})
	go func() {
		defer close(e.doneCh)
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-opps:
				opp, ok := evt.Payload.(arb.ArbitrageOpportunity)
				if !ok {
					continue
				}
				if _, err := e.Handle(ctx, opp); err != nil {
					e.log.Warn("handle opportunity failed", zap.String("id", opp.ID), zap.Error(err))
				}
			}
		}
	}()
}

// Done returns a channel closed once the engine's processing goroutine has
// exited — i.e. any submission in flight when shutdown began has reached a
// terminal state (or its own confirmation timeout), per spec.md §5's
// shutdown contract. Callers must call Start before waiting on this.
func (e *Engine) Done() <-chan struct{} {
	return e.doneCh
}

// Handle dispatches opp according to the engine's mode.
func (e *Engine) Handle(ctx context.Context, opp arb.ArbitrageOpportunity) (arb.TradeOutcome, error) {
	switch e.mode {
	case ModeReport:
		e.log.Info("opportunity reported", zap.String("id", opp.ID), zap.Float64("netProfit", opp.NetProfit))
		return arb.TradeOutcome{}, nil
	case ModeShadow:
		return e.shadow(ctx, opp)
	case ModeLive:
		return e.live(ctx, opp)
	default:
		return arb.TradeOutcome{}, fmt.Errorf("engine: unknown mode %d", e.mode)
	}
}

func (e *Engine) pathLabel(opp arb.ArbitrageOpportunity) string {
	return fmt.Sprintf("%s:%s", opp.PriceDelta.Pair, opp.ID)
}

func (e *Engine) shadow(ctx context.Context, opp arb.ArbitrageOpportunity) (arb.TradeOutcome, error) {
	prepared, err := e.prepare(ctx, opp, 0)
	if err != nil {
		return arb.TradeOutcome{}, fmt.Errorf("engine: shadow prepare: %w", err)
	}

	simID := "sim:" + opp.ID
	if simErr := e.simulator.SimulateCall(ctx, prepared); simErr != nil {
		outcome := arb.TradeOutcome{
			TxHash:      simID,
			Timestamp:   e.now(),
			BlockNumber: opp.BlockNumber,
			PathLabel:   e.pathLabel(opp),
			Status:      arb.StatusSimulationRevert,
		}
		e.log.Info("simulation reverted", zap.String("id", opp.ID), zap.Error(simErr))
		if jerr := e.journal.Append(outcome); jerr != nil {
			return outcome, fmt.Errorf("engine: journal simulation revert: %w", jerr)
		}
		e.bus.Publish(eventbus.TopicReverted, outcome)
		return outcome, nil
	}

	outcome := arb.TradeOutcome{
		TxHash:      simID,
		Timestamp:   e.now(),
		BlockNumber: opp.BlockNumber,
		PathLabel:   e.pathLabel(opp),
		InputAmount: opp.InputAmount,
		GrossProfit: opp.GrossProfit,
		GasCost:     opp.Costs.GasCost,
		L1DataFee:   opp.Costs.L1DataFee,
		Status:      arb.StatusSuccess,
	}
	e.log.Info("simulation succeeded", zap.String("id", opp.ID))
	if jerr := e.journal.Append(outcome); jerr != nil {
		return outcome, fmt.Errorf("engine: journal simulation success: %w", jerr)
	}
	e.bus.Publish(eventbus.TopicConfirmed, outcome)
	return outcome, nil
}

func (e *Engine) live(ctx context.Context, opp arb.ArbitrageOpportunity) (arb.TradeOutcome, error) {
	pair := opp.PriceDelta.Pair
	now := e.now()

	budget := time.Duration(e.cfg.FreshnessBudgetMs) * time.Millisecond
	if time.Duration(now.UnixMilli()-opp.DetectedAtMs)*time.Millisecond > budget {
		return arb.TradeOutcome{}, fmt.Errorf("engine: opportunity %s stale: detectedAtMs exceeds freshnessBudgetMs", opp.ID)
	}
	if e.cooldownActive(e.revertCooldowns, pair, e.cfg.RevertCooldown) {
		return arb.TradeOutcome{}, fmt.Errorf("engine: pair %s under revert cooldown", pair)
	}
	if e.cooldownActive(e.submissionCooldowns, pair, e.cfg.SubmissionCooldown) {
		return arb.TradeOutcome{}, fmt.Errorf("engine: pair %s under submission cooldown", pair)
	}
	if e.breaker.Halted() {
		return arb.TradeOutcome{}, fmt.Errorf("engine: circuit breaker halted, refusing further submissions")
	}

	nonceResult, err := e.nonceMgr.GetNextNonce(ctx)
	if err != nil {
		e.recordFailure()
		return arb.TradeOutcome{}, fmt.Errorf("engine: acquire nonce: %w", err)
	}

	prepared, err := e.prepare(ctx, opp, nonceResult.Nonce)
	if err != nil {
		e.recordFailure()
		return arb.TradeOutcome{}, fmt.Errorf("engine: live prepare: %w", err)
	}

	// Cooldown is recorded immediately before submission, per spec.md §4.5,
	// so an in-flight submission can't be duplicated by a second detection
	// of the same spread before this one lands.
	e.setCooldown(e.submissionCooldowns, pair, e.now())

	txHash, err := e.submitter.SignAndSend(ctx, prepared)
	if err != nil {
		e.recordFailure()
		return arb.TradeOutcome{}, fmt.Errorf("engine: submit: %w", err)
	}

	if err := e.nonceMgr.MarkSubmitted(nonceResult.Nonce, txHash); err != nil {
		e.log.Warn("mark submitted failed", zap.String("txHash", txHash.Hex()), zap.Error(err))
	}
	e.bus.Publish(eventbus.TopicSubmitted, txHash)

	receipt, err := e.confirmer.WaitForTransaction(ctx, txHash)
	if err != nil {
		// Submission hash is known; the nonce manager's own pending-timeout
		// reconciliation will resolve it on a later GetNextNonce call.
		e.recordFailure()
		return arb.TradeOutcome{}, fmt.Errorf("engine: await confirmation for %s: %w", txHash.Hex(), err)
	}

	if merr := e.nonceMgr.MarkConfirmed(txHash); merr != nil {
		e.log.Warn("mark confirmed failed", zap.String("txHash", txHash.Hex()), zap.Error(merr))
	}

	if receipt.Status == types.ReceiptStatusSuccessful {
		e.breaker.RecordSuccess()
		outcome := arb.TradeOutcome{
			TxHash:      txHash.Hex(),
			Timestamp:   e.now(),
			BlockNumber: receipt.BlockNumber.Uint64(),
			PathLabel:   e.pathLabel(opp),
			InputAmount: opp.InputAmount,
			GrossProfit: opp.GrossProfit,
			GasCost:     opp.Costs.GasCost,
			L1DataFee:   opp.Costs.L1DataFee,
			Status:      arb.StatusSuccess,
		}
		e.log.Info("trade confirmed", zap.String("txHash", outcome.TxHash), zap.Float64("netProfit", opp.NetProfit))
		if jerr := e.journal.Append(outcome); jerr != nil {
			return outcome, fmt.Errorf("engine: journal success: %w", jerr)
		}
		e.bus.Publish(eventbus.TopicConfirmed, outcome)
		return outcome, nil
	}

	// On-chain revert: the nonce is consumed either way, and the pair is
	// placed under a revert cooldown so the same stale spread isn't retried
	// before the book has a chance to move.
	haltedNow := e.breaker.RecordFailure()
	e.setCooldown(e.revertCooldowns, pair, e.now())

	revertCost := effectiveGasCost(prepared, receipt) + opp.Costs.L1DataFee
	outcome := arb.TradeOutcome{
		TxHash:      txHash.Hex(),
		Timestamp:   e.now(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		PathLabel:   e.pathLabel(opp),
		RevertCost:  revertCost,
		Status:      arb.StatusRevert,
	}
	e.log.Warn("trade reverted", zap.String("txHash", outcome.TxHash), zap.Float64("revertCost", revertCost))
	if jerr := e.journal.Append(outcome); jerr != nil {
		return outcome, fmt.Errorf("engine: journal revert: %w", jerr)
	}
	e.bus.Publish(eventbus.TopicReverted, outcome)

	if haltedNow {
		e.bus.Publish(eventbus.TopicError, fmt.Errorf("engine: circuit breaker halted after %d consecutive failures", e.cfg.MaxConsecutiveFailures))
		e.log.Error("circuit breaker halted, refusing further live submissions")
	}
	return outcome, nil
}

func (e *Engine) recordFailure() {
	if e.breaker.RecordFailure() {
		e.bus.Publish(eventbus.TopicError, fmt.Errorf("engine: circuit breaker halted after %d consecutive failures", e.cfg.MaxConsecutiveFailures))
		e.log.Error("circuit breaker halted, refusing further live submissions")
	}
}

func (e *Engine) prepare(ctx context.Context, opp arb.ArbitrageOpportunity, nonce uint64) (txbuilder.PreparedTransaction, error) {
	tx, err := e.builder.BuildArbitrageTransaction(opp, e.cfg.FlashLoanProvider)
	if err != nil {
		return txbuilder.PreparedTransaction{}, err
	}
	gas := arb.GasParams{BaseFeeWei: big.NewInt(0), PriorityTipWei: big.NewInt(0), GasLimit: 300000}
	if e.gasSource != nil {
		gas, err = e.gasSource.CurrentGasParams(ctx)
		if err != nil {
			return txbuilder.PreparedTransaction{}, fmt.Errorf("gas params unavailable: %w", err)
		}
	}
	return e.builder.PrepareTransaction(tx, gas, nonce)
}

func (e *Engine) cooldownActive(m map[string]time.Time, pair string, window time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := m[pair]
	if !ok {
		return false
	}
	return e.now().Sub(t) < window
}

func (e *Engine) setCooldown(m map[string]time.Time, pair string, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m[pair] = at
}

// effectiveGasCost converts a receipt's realized gas usage into native-token
// units (wei / 1e18; no base-per-native conversion is applied) using the prepared transaction's max fee per gas as a stand-in for
// the effective gas price (the exact value EIP-1559 settles on isn't
// exposed by types.Receipt).
func effectiveGasCost(prepared txbuilder.PreparedTransaction, receipt *types.Receipt) float64 {
	if receipt.GasUsed == 0 || prepared.MaxFeePerGas == nil {
		return 0
	}
	wei := new(big.Int).Mul(prepared.MaxFeePerGas, new(big.Int).SetUint64(receipt.GasUsed))
	f := new(big.Float).SetInt(wei)
	div := new(big.Float).SetFloat64(1e18)
	f.Quo(f, div)
	out, _ := f.Float64()
	return out
}
